// Package payment opens hosted checkouts with payment providers and
// reconciles their webhook callbacks into invoice payments.
package payment

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-invoice/internal/pricing"
)

var (
	// ErrInvalidSignature is returned when a webhook signature does not verify.
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
	// ErrMalformedWebhook is returned when a verified webhook payload cannot be decoded.
	ErrMalformedWebhook = errors.New("payment: malformed webhook payload")
)

// CheckoutRequest describes the hosted checkout to open for an invoice.
type CheckoutRequest struct {
	InvoiceID     string
	InvoiceNumber string
	Description   string
	Amount        decimal.Decimal
	Currency      string
	CustomerName  string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
}

// CheckoutSession is the provider's answer to a checkout request.
type CheckoutSession struct {
	Provider  string     `json:"provider"`
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// WebhookResult is a verified webhook normalised across providers. Handled is
// false for event types that do not settle a payment.
type WebhookResult struct {
	Provider  string
	EventType string
	Handled   bool
	InvoiceID string
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Payload   []byte
}

// Provider abstracts a hosted-checkout payment provider.
type Provider interface {
	Name() string
	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error)
}

// ToMinorUnits converts amount into the provider's integer minor units for currency.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	return pricing.CurrencyFor(currency).ToMinor(amount)
}

// FromMinorUnits converts provider minor units back into an amount.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return pricing.CurrencyFor(currency).FromMinor(minor)
}

func normaliseLabel(value string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
