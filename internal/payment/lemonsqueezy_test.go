package payment_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-invoice/internal/payment"
	"github.com/noah-isme/backend-invoice/internal/resilience"
)

func signLemon(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestLemonSqueezyCreateCheckout(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkouts", r.URL.Path)
		require.Equal(t, "Bearer ls_key", r.Header.Get("Authorization"))
		require.Equal(t, "application/vnd.api+json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.Header().Set("Content-Type", "application/vnd.api+json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"data":{"id":"chk_1","type":"checkouts","attributes":{"url":"https://shop.lemonsqueezy.test/checkout/chk_1","expires_at":null}}}`)
	}))
	t.Cleanup(srv.Close)

	ls := payment.NewLemonSqueezy(payment.LemonSqueezyConfig{
		APIKey:    "ls_key",
		BaseURL:   srv.URL,
		StoreID:   "11",
		VariantID: "22",
		HTTP:      resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1},
	})
	sess, err := ls.CreateCheckout(context.Background(), payment.CheckoutRequest{
		InvoiceID:     "33333333-3333-3333-3333-333333333333",
		InvoiceNumber: "INV-9",
		Amount:        decimal.RequireFromString("49.99"),
		Currency:      "USD",
		CustomerEmail: "ap@globex.test",
		SuccessURL:    "https://app.test/invoice/1?payment=success",
	})
	require.NoError(t, err)
	require.Equal(t, "lemonsqueezy", sess.Provider)
	require.Equal(t, "chk_1", sess.ID)
	require.Equal(t, "https://shop.lemonsqueezy.test/checkout/chk_1", sess.URL)
	require.Nil(t, sess.ExpiresAt)

	data := captured["data"].(map[string]any)
	attrs := data["attributes"].(map[string]any)
	require.Equal(t, "checkouts", data["type"])
	require.Equal(t, float64(4999), attrs["custom_price"])
	custom := attrs["checkout_data"].(map[string]any)["custom"].(map[string]any)
	require.Equal(t, "33333333-3333-3333-3333-333333333333", custom["invoice_id"])
	rel := data["relationships"].(map[string]any)
	require.Equal(t, "22", rel["variant"].(map[string]any)["data"].(map[string]any)["id"])
}

func TestLemonSqueezyCreateCheckoutAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"errors":[{"status":"422","title":"Unprocessable","detail":"The variant field is required."}]}`)
	}))
	t.Cleanup(srv.Close)

	ls := payment.NewLemonSqueezy(payment.LemonSqueezyConfig{APIKey: "k", BaseURL: srv.URL, StoreID: "1", VariantID: "2",
		HTTP: resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1, Timeout: time.Second}})
	_, err := ls.CreateCheckout(context.Background(), payment.CheckoutRequest{InvoiceID: "x", Amount: decimal.NewFromInt(5), Currency: "USD"})
	require.ErrorContains(t, err, "The variant field is required.")
}

func TestLemonSqueezyVerifyWebhook(t *testing.T) {
	const secret = "ls_whsec"
	ls := payment.NewLemonSqueezy(payment.LemonSqueezyConfig{WebhookSecret: secret})

	paid := []byte(`{"meta":{"event_name":"order_created","custom_data":{"invoice_id":"33333333-3333-3333-3333-333333333333"}},"data":{"id":"1001","type":"orders","attributes":{"status":"paid","total":4999,"currency":"USD"}}}`)
	nested := []byte(`{"meta":{"event_name":"order_created","custom_data":{"custom":{"invoice_id":"44444444-4444-4444-4444-444444444444"}}},"data":{"id":"1002","type":"orders","attributes":{"status":"paid","total":1235,"currency":"JPY"}}}`)
	refunded := []byte(`{"meta":{"event_name":"order_refunded"},"data":{"id":"1001","type":"orders","attributes":{"status":"refunded","total":4999,"currency":"USD"}}}`)

	t.Run("paid order", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(paid)))
		req.Header.Set("X-Signature", signLemon(secret, paid))
		res, err := ls.VerifyWebhook(req, paid)
		require.NoError(t, err)
		require.True(t, res.Handled)
		require.Equal(t, "33333333-3333-3333-3333-333333333333", res.InvoiceID)
		require.Equal(t, "1001", res.Reference)
		require.Equal(t, "49.99", res.Amount.String())
	})

	t.Run("nested custom data and zero-decimal currency", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("X-Signature", signLemon(secret, nested))
		res, err := ls.VerifyWebhook(req, nested)
		require.NoError(t, err)
		require.Equal(t, "44444444-4444-4444-4444-444444444444", res.InvoiceID)
		require.Equal(t, "1235", res.Amount.String())
	})

	t.Run("unrelated event", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("X-Signature", signLemon(secret, refunded))
		res, err := ls.VerifyWebhook(req, refunded)
		require.NoError(t, err)
		require.False(t, res.Handled)
		require.Equal(t, "order_refunded", res.EventType)
	})

	t.Run("tampered body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("X-Signature", signLemon(secret, paid))
		tampered := []byte(strings.Replace(string(paid), "4999", "1", 1))
		_, err := ls.VerifyWebhook(req, tampered)
		require.ErrorIs(t, err, payment.ErrInvalidSignature)
	})
}
