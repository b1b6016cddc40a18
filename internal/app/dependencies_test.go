package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-invoice/internal/config"
)

func TestProvidersFollowConfiguration(t *testing.T) {
	require.Empty(t, Providers(&config.Config{}, zerolog.Nop()))

	got := Providers(&config.Config{
		StripeSecretKey:           "sk_test",
		StripeWebhookSecret:       "whsec",
		LemonSqueezyAPIKey:        "ls",
		LemonSqueezyWebhookSecret: "ls_whsec",
	}, zerolog.Nop())
	require.Len(t, got, 2)
	require.Equal(t, "stripe", got["stripe"].Name())
	require.Equal(t, "lemonsqueezy", got["lemonsqueezy"].Name())
}

func TestHealthChecks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	deps := &Dependencies{Redis: client}
	checks := deps.HealthChecks(time.Second, 2*time.Second)
	require.Len(t, checks, 2)

	byName := map[string]error{}
	for _, c := range checks {
		byName[c.Name] = c.Probe(context.Background())
	}
	require.EqualError(t, byName["db"], "db not configured")
	require.NoError(t, byName["redis"])
	require.Equal(t, 2*time.Second, checks[1].Timeout)

	mr.Close()
	require.Error(t, checks[1].Probe(context.Background()))
}
