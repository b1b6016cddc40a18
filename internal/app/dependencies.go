// Package app assembles the invoice API from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-invoice/internal/config"
	"github.com/noah-isme/backend-invoice/internal/db"
	"github.com/noah-isme/backend-invoice/internal/health"
	"github.com/noah-isme/backend-invoice/internal/invoice"
	"github.com/noah-isme/backend-invoice/internal/lock"
	"github.com/noah-isme/backend-invoice/internal/payment"
	"github.com/noah-isme/backend-invoice/internal/render"
	"github.com/noah-isme/backend-invoice/internal/resilience"
	"github.com/noah-isme/backend-invoice/internal/storage"
)

const applicationName = "invoice-api"

// Dependencies holds the long-lived clients and services the API routes use.
type Dependencies struct {
	DB         *pgxpool.Pool
	Redis      *redis.Client
	Objects    storage.ObjectStore
	Rasterizer *render.ChromedpRasterizer

	Invoices  *invoice.Service
	Providers map[string]payment.Provider
	Locker    *lock.Locker

	logger zerolog.Logger
}

// Options toggles optional instrumentation.
type Options struct {
	RedisMetrics bool
}

// New connects to postgres and redis and builds the invoice and payment services.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*Dependencies, error) {
	d := &Dependencies{logger: logger}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := db.NewPool(connectCtx, cfg.DatabaseURL, applicationName)
	if err != nil {
		return nil, err
	}
	d.DB = pool

	rdb, err := newRedis(connectCtx, cfg.RedisURL, opts, logger)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Redis = rdb
	d.Locker = &lock.Locker{R: rdb, MaxWait: cfg.PaymentLockTTL}

	objects, err := newObjectStore(ctx, cfg, logger)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Objects = objects

	d.Rasterizer = render.NewChromedpRasterizer(render.ChromedpConfig{
		RemoteURL: cfg.Renderer.RemoteURL,
		Timeout:   cfg.Renderer.Timeout,
		NoSandbox: cfg.Renderer.NoSandbox,
		Logger:    logger.With().Str("component", "renderer").Logger(),
	})
	renderer, err := render.NewRenderer(d.Rasterizer)
	if err != nil {
		d.Close()
		return nil, err
	}

	svc, err := invoice.NewService(invoice.ServiceConfig{
		Store:           invoice.NewPGStore(pool),
		Renderer:        renderer,
		Objects:         objects,
		Logger:          logger.With().Str("component", "invoice").Logger(),
		DefaultCurrency: cfg.DefaultCurrency,
		PaymentTerms:    cfg.PaymentTerms,
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Invoices = svc
	d.Providers = Providers(cfg, logger)
	return d, nil
}

// Providers builds the enabled payment providers keyed by route name.
func Providers(cfg *config.Config, logger zerolog.Logger) map[string]payment.Provider {
	providers := make(map[string]payment.Provider, 2)
	if cfg.StripeEnabled() {
		providers["stripe"] = payment.NewStripe(payment.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			HTTPClient: &http.Client{
				Timeout:   30 * time.Second,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			},
		})
	}
	if cfg.LemonSqueezyEnabled() {
		providers["lemonsqueezy"] = payment.NewLemonSqueezy(payment.LemonSqueezyConfig{
			APIKey:        cfg.LemonSqueezyAPIKey,
			BaseURL:       cfg.LemonSqueezyBaseURL,
			StoreID:       cfg.LemonSqueezyStoreID,
			VariantID:     cfg.LemonSqueezyVariantID,
			WebhookSecret: cfg.LemonSqueezyWebhookSecret,
			HTTP: resilience.NewHTTPClient(resilience.ClientConfig{
				Target: "lemonsqueezy",
				Logger: logger,
			}),
		})
	}
	return providers
}

func newRedis(ctx context.Context, url string, opts Options, logger zerolog.Logger) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if opts.RedisMetrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func newObjectStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.ObjectStore, error) {
	if cfg.Storage.Bucket == "" {
		logger.Warn().Msg("STORAGE_BUCKET not set, invoice pdfs are kept in memory")
		return storage.NewMemoryStore(cfg.APIBaseURL + "/files"), nil
	}
	return storage.NewS3Store(ctx, storage.S3Config{
		Endpoint:      cfg.Storage.Endpoint,
		Region:        cfg.Storage.Region,
		Bucket:        cfg.Storage.Bucket,
		AccessKey:     cfg.Storage.AccessKey,
		SecretKey:     cfg.Storage.SecretKey,
		UsePathStyle:  cfg.Storage.UsePathStyle,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
	}, logger.With().Str("component", "storage").Logger())
}

// HealthChecks returns the readiness probes for postgres and redis.
func (d *Dependencies) HealthChecks(dbTimeout, redisTimeout time.Duration) []health.Check {
	return []health.Check{
		{Name: "db", Timeout: dbTimeout, Probe: func(ctx context.Context) error {
			if d.DB == nil {
				return errors.New("db not configured")
			}
			return d.DB.Ping(ctx)
		}},
		{Name: "redis", Timeout: redisTimeout, Probe: func(ctx context.Context) error {
			if d.Redis == nil {
				return errors.New("redis not configured")
			}
			return d.Redis.Ping(ctx).Err()
		}},
	}
}

// Close releases every client. It is safe on a partially built value.
func (d *Dependencies) Close() {
	if d.Rasterizer != nil {
		_ = d.Rasterizer.Close()
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}
