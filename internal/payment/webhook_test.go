package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-invoice/internal/invoice"
	"github.com/noah-isme/backend-invoice/internal/lock"
	"github.com/noah-isme/backend-invoice/internal/payment"
	"github.com/noah-isme/backend-invoice/internal/pricing"
)

type stubRecorder struct {
	mu    sync.Mutex
	calls []invoice.PaymentInput
	res   invoice.PaymentResult
	err   error
}

func (s *stubRecorder) RecordPayment(_ context.Context, in invoice.PaymentInput) (invoice.PaymentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, in)
	return s.res, s.err
}

type webhookFixture struct {
	mr       *miniredis.Miniredis
	redis    *redis.Client
	provider *stubProvider
	recorder *stubRecorder
	router   http.Handler
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	invoiceID := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	f := &webhookFixture{
		mr:    mr,
		redis: client,
		provider: &stubProvider{name: "lemonsqueezy", result: payment.WebhookResult{
			Provider:  "lemonsqueezy",
			EventType: "order_created",
			Handled:   true,
			InvoiceID: invoiceID.String(),
			Reference: "1001",
			Amount:    decimal.RequireFromString("49.99"),
			Currency:  "USD",
		}},
		recorder: &stubRecorder{res: invoice.PaymentResult{Invoice: invoice.Invoice{
			ID:         invoiceID,
			AmountPaid: decimal.RequireFromString("49.99"),
			Status:     pricing.StatusPartiallyPaid,
		}}},
	}
	h := payment.Webhook{
		Providers: map[string]payment.Provider{"lemonsqueezy": f.provider},
		Payments:  f.recorder,
		Replay:    client,
		ReplayTTL: time.Hour,
		Locker:    &lock.Locker{R: client},
		LockTTL:   5 * time.Second,
		Logger:    zerolog.Nop(),
	}
	r := chi.NewRouter()
	r.Post("/webhooks/{provider}", h.Handle)
	f.router = r
	return f
}

func (f *webhookFixture) post(t *testing.T, provider, body string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, strings.NewReader(body)))
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec.Code, out
}

func TestWebhookAppliesPayment(t *testing.T) {
	f := newWebhookFixture(t)

	code, body := f.post(t, "lemonsqueezy", `{"order":1}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "applied", body["status"])
	require.Equal(t, "partially_paid", body["paymentStatus"])

	require.Len(t, f.recorder.calls, 1)
	call := f.recorder.calls[0]
	require.Equal(t, "lemonsqueezy", call.Provider)
	require.Equal(t, "1001", call.ProviderRef)
	require.Equal(t, "49.99", call.Amount.String())
	require.Equal(t, `{"order":1}`, string(call.Payload))

	require.False(t, f.mr.Exists("payment:invoice:33333333-3333-3333-3333-333333333333"), "lock released")
	require.Len(t, f.mr.Keys(), 1, "only the replay marker remains")
}

func TestWebhookReplayIsAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)

	code, _ := f.post(t, "lemonsqueezy", `{"order":1}`)
	require.Equal(t, http.StatusOK, code)
	code, body := f.post(t, "lemonsqueezy", `{"order":1}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "duplicate", body["status"])
	require.Len(t, f.recorder.calls, 1)

	f.mr.FastForward(2 * time.Hour)
	code, _ = f.post(t, "lemonsqueezy", `{"order":1}`)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, f.recorder.calls, 2)
}

func TestWebhookOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(f *webhookFixture)
		status  int
		field   string
		want    string
		records int
	}{
		{
			name:   "invalid signature",
			setup:  func(f *webhookFixture) { f.provider.hookErr = payment.ErrInvalidSignature },
			status: http.StatusUnauthorized, field: "error", want: "INVALID_SIGNATURE",
		},
		{
			name:   "malformed payload",
			setup:  func(f *webhookFixture) { f.provider.hookErr = payment.ErrMalformedWebhook },
			status: http.StatusBadRequest, field: "error", want: "WEBHOOK_INVALID",
		},
		{
			name:   "unhandled event",
			setup:  func(f *webhookFixture) { f.provider.result = payment.WebhookResult{EventType: "order_refunded"} },
			status: http.StatusOK, field: "status", want: "ignored",
		},
		{
			name:   "missing invoice id",
			setup:  func(f *webhookFixture) { f.provider.result.InvoiceID = "" },
			status: http.StatusBadRequest, field: "error", want: "INVALID_INVOICE_ID",
		},
		{
			name:   "provider reference already recorded",
			setup:  func(f *webhookFixture) { f.recorder.res = invoice.PaymentResult{Duplicate: true} },
			status: http.StatusOK, field: "status", want: "duplicate", records: 1,
		},
		{
			name:   "invoice already paid",
			setup:  func(f *webhookFixture) { f.recorder.err = invoice.ErrNotPayable },
			status: http.StatusOK, field: "status", want: "already_paid", records: 1,
		},
		{
			name:   "unknown invoice",
			setup:  func(f *webhookFixture) { f.recorder.err = invoice.ErrNotFound },
			status: http.StatusNotFound, field: "error", want: "NOT_FOUND", records: 1,
		},
		{
			name:   "currency mismatch",
			setup:  func(f *webhookFixture) { f.recorder.err = invoice.ErrCurrencyMismatch },
			status: http.StatusUnprocessableEntity, field: "error", want: "CURRENCY_MISMATCH", records: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newWebhookFixture(t)
			tc.setup(f)
			code, body := f.post(t, "lemonsqueezy", `{}`)
			require.Equal(t, tc.status, code)
			require.Contains(t, mustJSON(t, body[tc.field]), tc.want)
			require.Len(t, f.recorder.calls, tc.records)
		})
	}
}

func TestWebhookUnknownProvider(t *testing.T) {
	f := newWebhookFixture(t)
	code, body := f.post(t, "paypal", `{}`)
	require.Equal(t, http.StatusNotFound, code)
	require.Contains(t, mustJSON(t, body["error"]), "PROVIDER_NOT_SUPPORTED")
}

func TestWebhookFailureAllowsRedelivery(t *testing.T) {
	f := newWebhookFixture(t)
	f.recorder.err = errors.New("connection reset")

	code, _ := f.post(t, "lemonsqueezy", `{"order":2}`)
	require.Equal(t, http.StatusInternalServerError, code)
	require.Empty(t, f.mr.Keys(), "replay marker and lock are cleared")

	f.recorder.err = nil
	code, body := f.post(t, "lemonsqueezy", `{"order":2}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "applied", body["status"])
	require.Len(t, f.recorder.calls, 2)
}

func TestWebhookReplayStoreDown(t *testing.T) {
	f := newWebhookFixture(t)
	f.mr.Close()

	code, _ := f.post(t, "lemonsqueezy", `{}`)
	require.Equal(t, http.StatusInternalServerError, code)
	require.Empty(t, f.recorder.calls)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
