package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-invoice/internal/common"
	"github.com/noah-isme/backend-invoice/internal/invoice"
	"github.com/noah-isme/backend-invoice/internal/obs"
)

// InvoiceReader loads published invoices.
type InvoiceReader interface {
	Get(ctx context.Context, id uuid.UUID) (invoice.Invoice, error)
}

// CheckoutHandler opens hosted checkouts for the amount due on an invoice.
type CheckoutHandler struct {
	Invoices      InvoiceReader
	Providers     map[string]Provider
	PublicBaseURL string
	Logger        zerolog.Logger
}

type checkoutReq struct {
	SuccessURL string `json:"successUrl" validate:"omitempty,url"`
	CancelURL  string `json:"cancelUrl" validate:"omitempty,url"`
}

// Checkout handles POST /invoices/{id}/checkout/{provider}.
func (h *CheckoutHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Invoices == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "checkout unavailable", nil)
		return
	}
	providerKey := normaliseLabel(chi.URLParam(r, "provider"))
	provider, ok := h.Providers[providerKey]
	if !ok {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown or disabled provider", nil)
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid invoice id", nil)
		return
	}
	var req checkoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if err := common.Validator().Struct(req); err != nil {
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "invalid checkout request", common.FieldErrors(err))
		return
	}

	ctx, span := otel.Tracer("payment.Checkout").Start(r.Context(), "Checkout.Create")
	defer span.End()
	span.SetAttributes(attribute.String("payment.provider", providerKey), attribute.String("invoice.id", id.String()))

	result := "error"
	defer func() {
		span.SetAttributes(attribute.String("payment.checkout.result", result))
		obs.ObserveCheckout(providerKey, result)
	}()

	inv, err := h.Invoices.Get(ctx, id)
	if err != nil {
		if errors.Is(err, invoice.ErrNotFound) {
			result = "not_found"
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "invoice not found", nil)
			return
		}
		span.RecordError(err)
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load invoice", nil)
		return
	}
	due := inv.AmountDue()
	if !inv.Status.Payable() {
		result = "already_paid"
		common.JSONError(w, http.StatusConflict, "INVOICE_ALREADY_PAID", "invoice is already paid", nil)
		return
	}
	if !due.IsPositive() || ToMinorUnits(due, inv.Currency) <= 0 {
		result = "nothing_due"
		common.JSONError(w, http.StatusConflict, "NOTHING_DUE", "invoice has no amount due", nil)
		return
	}

	successURL, cancelURL := req.SuccessURL, req.CancelURL
	if successURL == "" {
		successURL = h.invoiceURL(inv.ID.String(), "success")
	}
	if cancelURL == "" {
		cancelURL = h.invoiceURL(inv.ID.String(), "")
	}
	sess, err := provider.CreateCheckout(ctx, CheckoutRequest{
		InvoiceID:     inv.ID.String(),
		InvoiceNumber: inv.Number,
		Description:   "Invoice " + inv.Number,
		Amount:        due,
		Currency:      inv.Currency,
		CustomerName:  inv.Draft.ClientName,
		CustomerEmail: inv.Draft.ClientEmail,
		SuccessURL:    successURL,
		CancelURL:     cancelURL,
	})
	if err != nil {
		span.RecordError(err)
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			status = http.StatusGatewayTimeout
		}
		h.Logger.Error().Err(err).Str("provider", providerKey).Str("invoice_id", inv.ID.String()).Msg("checkout_create_failed")
		common.JSONError(w, status, "CHECKOUT_FAILED", "payment provider rejected the checkout", nil)
		return
	}
	result = "success"
	h.Logger.Info().
		Str("provider", providerKey).
		Str("invoice_id", inv.ID.String()).
		Str("session_id", sess.ID).
		Str("amount", due.String()).
		Msg("checkout_created")
	common.Data(w, http.StatusCreated, sess)
}

func (h *CheckoutHandler) invoiceURL(id, payment string) string {
	base := strings.TrimRight(h.PublicBaseURL, "/")
	u := base + "/invoice/" + url.PathEscape(id)
	if payment != "" {
		u += "?payment=" + url.QueryEscape(payment)
	}
	return u
}
