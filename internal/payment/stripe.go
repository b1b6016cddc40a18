package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

const (
	providerStripe = "stripe"

	stripeEventCheckoutCompleted     = "checkout.session.completed"
	stripeEventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

type checkoutSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeConfig configures the Stripe provider.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// HTTPClient carries outbound API calls; nil uses the stripe-go default.
	HTTPClient *http.Client
	// Tolerance bounds the webhook timestamp age; zero uses the library default.
	Tolerance time.Duration
}

// Stripe opens Stripe Checkout sessions and verifies Stripe webhooks.
type Stripe struct {
	sessions      checkoutSessionAPI
	webhookSecret string
	tolerance     time.Duration
}

// NewStripe builds a Stripe provider with its own API client.
func NewStripe(cfg StripeConfig) *Stripe {
	var backends *stripe.Backends
	if cfg.HTTPClient != nil {
		backends = stripe.NewBackends(cfg.HTTPClient)
	}
	api := client.New(cfg.SecretKey, backends)
	return &Stripe{sessions: api.CheckoutSessions, webhookSecret: cfg.WebhookSecret, tolerance: cfg.Tolerance}
}

// Name implements Provider.
func (s *Stripe) Name() string { return providerStripe }

// CreateCheckout opens a one-off payment session for the amount due.
func (s *Stripe) CreateCheckout(_ context.Context, req CheckoutRequest) (CheckoutSession, error) {
	if strings.TrimSpace(req.InvoiceID) == "" {
		return CheckoutSession{}, errors.New("stripe: invoice id is required")
	}
	minor := ToMinorUnits(req.Amount, req.Currency)
	if minor <= 0 {
		return CheckoutSession{}, errors.New("stripe: amount must be positive")
	}
	name := req.Description
	if name == "" {
		name = "Invoice " + req.InvoiceNumber
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.InvoiceID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(minor),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(name),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"invoice_id": req.InvoiceID},
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	params.AddMetadata("invoice_id", req.InvoiceID)
	params.AddMetadata("invoice_number", req.InvoiceNumber)

	sess, err := s.sessions.New(params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) {
			return CheckoutSession{}, fmt.Errorf("stripe: %s (%s): %w", serr.Msg, serr.Code, err)
		}
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	out := CheckoutSession{Provider: providerStripe, ID: sess.ID, URL: sess.URL}
	if sess.ExpiresAt > 0 {
		t := time.Unix(sess.ExpiresAt, 0).UTC()
		out.ExpiresAt = &t
	}
	return out, nil
}

// VerifyWebhook checks the Stripe-Signature header and extracts paid
// checkout sessions.
func (s *Stripe) VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error) {
	header := r.Header.Get("Stripe-Signature")
	if s.webhookSecret == "" || header == "" {
		return WebhookResult{}, ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(body, header, s.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                s.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	res := WebhookResult{Provider: providerStripe, EventType: string(event.Type), Payload: body}
	switch res.EventType {
	case stripeEventCheckoutCompleted, stripeEventAsyncPaymentSucceeded:
	default:
		return res, nil
	}
	if event.Data == nil {
		return res, ErrMalformedWebhook
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return res, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	// Delayed payment methods complete the session before funds arrive.
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return res, nil
	}
	invoiceID := sess.Metadata["invoice_id"]
	if invoiceID == "" {
		invoiceID = sess.ClientReferenceID
	}
	currency := strings.ToUpper(string(sess.Currency))
	res.Handled = true
	res.InvoiceID = invoiceID
	res.Reference = sess.ID
	res.Currency = currency
	res.Amount = FromMinorUnits(sess.AmountTotal, currency)
	return res, nil
}
