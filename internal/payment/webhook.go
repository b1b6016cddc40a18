package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-invoice/internal/common"
	"github.com/noah-isme/backend-invoice/internal/invoice"
	"github.com/noah-isme/backend-invoice/internal/lock"
	"github.com/noah-isme/backend-invoice/internal/obs"
)

const maxWebhookBody = 1 << 20

// PaymentRecorder credits provider payments to invoices.
type PaymentRecorder interface {
	RecordPayment(ctx context.Context, in invoice.PaymentInput) (invoice.PaymentResult, error)
}

// Webhook handles payment provider callbacks: signature verification, replay
// protection and crediting the invoice.
type Webhook struct {
	Providers map[string]Provider
	Payments  PaymentRecorder
	Replay    *redis.Client
	ReplayTTL time.Duration
	Locker    *lock.Locker
	LockTTL   time.Duration
	Logger    zerolog.Logger
}

// Handle processes POST /webhooks/{provider}.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Payments == nil || h.Providers == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	providerKey := normaliseLabel(chi.URLParam(r, "provider"))
	provider, ok := h.Providers[providerKey]
	if !ok {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}
	logger := h.Logger.With().Str("provider", providerKey).Logger()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil || len(body) > maxWebhookBody {
		obs.ObserveWebhook(providerKey, "bad_body")
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	result, err := provider.VerifyWebhook(r, body)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			obs.ObserveWebhook(providerKey, "invalid_signature")
			logger.Warn().Err(err).Msg("webhook_signature_rejected")
			common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
			return
		}
		obs.ObserveWebhook(providerKey, "malformed")
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	}
	logger = logger.With().Str("event_type", result.EventType).Logger()
	if !result.Handled {
		obs.ObserveWebhook(providerKey, "ignored")
		logger.Debug().Msg("webhook_ignored")
		common.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	invoiceID, err := uuid.Parse(strings.TrimSpace(result.InvoiceID))
	if err != nil {
		obs.ObserveWebhook(providerKey, "invalid_invoice")
		logger.Warn().Str("invoice_id", result.InvoiceID).Msg("webhook_invoice_id_invalid")
		common.JSONError(w, http.StatusBadRequest, "INVALID_INVOICE_ID", "invalid invoice identifier", nil)
		return
	}
	logger = logger.With().Str("invoice_id", invoiceID.String()).Str("reference", result.Reference).Logger()

	ctx := r.Context()
	replayKey := ""
	if h.Replay != nil && h.ReplayTTL > 0 {
		replayKey = fmt.Sprintf("wh:%s:%s", providerKey, common.Sha256Hex(body))
		fresh, err := h.Replay.SetNX(ctx, replayKey, "1", h.ReplayTTL).Result()
		if err != nil {
			obs.ObserveWebhook(providerKey, "error")
			common.JSONError(w, http.StatusInternalServerError, "REPLAY_STORE_ERROR", "replay store unavailable", nil)
			return
		}
		if !fresh {
			obs.ObserveWebhook(providerKey, "replay")
			logger.Info().Msg("webhook_replay_ignored")
			common.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
	}

	var res invoice.PaymentResult
	record := func(ctx context.Context) error {
		var err error
		res, err = h.Payments.RecordPayment(ctx, invoice.PaymentInput{
			InvoiceID:   invoiceID,
			Provider:    providerKey,
			ProviderRef: result.Reference,
			Amount:      result.Amount,
			Currency:    result.Currency,
			Payload:     result.Payload,
		})
		return err
	}
	if h.Locker != nil {
		err = h.Locker.WithLock(ctx, "payment:invoice:"+invoiceID.String(), h.LockTTL, record)
	} else {
		err = record(ctx)
	}

	switch {
	case err == nil && res.Duplicate:
		obs.ObserveWebhook(providerKey, "duplicate")
		common.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case err == nil:
		obs.ObserveWebhook(providerKey, "applied")
		logger.Info().Str("status", string(res.Invoice.Status)).Str("amount_paid", res.Invoice.AmountPaid.String()).Msg("webhook_payment_applied")
		common.JSON(w, http.StatusOK, map[string]any{
			"status":        "applied",
			"paymentStatus": res.Invoice.Status,
			"amountPaid":    res.Invoice.AmountPaid,
		})
	case errors.Is(err, invoice.ErrNotPayable):
		obs.ObserveWebhook(providerKey, "already_paid")
		logger.Info().Msg("webhook_invoice_already_paid")
		common.JSON(w, http.StatusOK, map[string]string{"status": "already_paid"})
	case errors.Is(err, invoice.ErrNotFound):
		obs.ObserveWebhook(providerKey, "not_found")
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "invoice not found", nil)
	case errors.Is(err, invoice.ErrCurrencyMismatch):
		obs.ObserveWebhook(providerKey, "currency_mismatch")
		logger.Error().Err(err).Msg("webhook_currency_mismatch")
		common.JSONError(w, http.StatusUnprocessableEntity, "CURRENCY_MISMATCH", err.Error(), nil)
	default:
		// Let the provider retry delivery.
		h.forgetReplay(replayKey)
		obs.ObserveWebhook(providerKey, "error")
		logger.Error().Err(err).Msg("webhook_payment_failed")
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_UPDATE_ERROR", "failed to record payment", nil)
	}
}

func (h Webhook) forgetReplay(key string) {
	if key == "" || h.Replay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = h.Replay.Del(ctx, key).Err()
}
