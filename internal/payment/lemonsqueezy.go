package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/noah-isme/backend-invoice/internal/resilience"
)

const (
	providerLemonSqueezy = "lemonsqueezy"

	lemonEventOrderCreated = "order_created"
	lemonContentType       = "application/vnd.api+json"
	defaultLemonBaseURL    = "https://api.lemonsqueezy.com"
)

// LemonSqueezyConfig configures the Lemon Squeezy provider.
type LemonSqueezyConfig struct {
	APIKey        string
	BaseURL       string
	StoreID       string
	VariantID     string
	WebhookSecret string
	HTTP          resilience.HTTPClient
}

// LemonSqueezy opens Lemon Squeezy checkouts with a custom price and
// verifies its signed webhooks.
type LemonSqueezy struct {
	cfg LemonSqueezyConfig
}

// NewLemonSqueezy builds the provider.
func NewLemonSqueezy(cfg LemonSqueezyConfig) *LemonSqueezy {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultLemonBaseURL
	}
	if cfg.HTTP.Client == nil {
		cfg.HTTP.Client = &http.Client{Timeout: 15 * time.Second}
	}
	return &LemonSqueezy{cfg: cfg}
}

// Name implements Provider.
func (l *LemonSqueezy) Name() string { return providerLemonSqueezy }

type lemonRelation struct {
	Data struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"data"`
}

type lemonCheckoutRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			CustomPrice    int64 `json:"custom_price"`
			ProductOptions struct {
				Name        string `json:"name,omitempty"`
				Description string `json:"description,omitempty"`
				RedirectURL string `json:"redirect_url,omitempty"`
			} `json:"product_options"`
			CheckoutData struct {
				Email  string            `json:"email,omitempty"`
				Name   string            `json:"name,omitempty"`
				Custom map[string]string `json:"custom"`
			} `json:"checkout_data"`
		} `json:"attributes"`
		Relationships struct {
			Store   lemonRelation `json:"store"`
			Variant lemonRelation `json:"variant"`
		} `json:"relationships"`
	} `json:"data"`
}

type lemonCheckoutResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			URL       string     `json:"url"`
			ExpiresAt *time.Time `json:"expires_at"`
		} `json:"attributes"`
	} `json:"data"`
	Errors []struct {
		Status string `json:"status"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// CreateCheckout posts a JSON:API checkout with the amount due as a custom price.
func (l *LemonSqueezy) CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	if strings.TrimSpace(req.InvoiceID) == "" {
		return CheckoutSession{}, errors.New("lemonsqueezy: invoice id is required")
	}
	if l.cfg.StoreID == "" || l.cfg.VariantID == "" {
		return CheckoutSession{}, errors.New("lemonsqueezy: store and variant are required")
	}
	minor := ToMinorUnits(req.Amount, req.Currency)
	if minor <= 0 {
		return CheckoutSession{}, errors.New("lemonsqueezy: amount must be positive")
	}

	var body lemonCheckoutRequest
	body.Data.Type = "checkouts"
	attrs := &body.Data.Attributes
	attrs.CustomPrice = minor
	attrs.ProductOptions.Name = req.Description
	if attrs.ProductOptions.Name == "" {
		attrs.ProductOptions.Name = "Invoice " + req.InvoiceNumber
	}
	attrs.ProductOptions.RedirectURL = req.SuccessURL
	attrs.CheckoutData.Email = req.CustomerEmail
	attrs.CheckoutData.Name = req.CustomerName
	attrs.CheckoutData.Custom = map[string]string{"invoice_id": req.InvoiceID}
	body.Data.Relationships.Store.Data.Type = "stores"
	body.Data.Relationships.Store.Data.ID = l.cfg.StoreID
	body.Data.Relationships.Variant.Data.Type = "variants"
	body.Data.Relationships.Variant.Data.ID = l.cfg.VariantID

	payload, err := json.Marshal(body)
	if err != nil {
		return CheckoutSession{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.BaseURL+"/v1/checkouts", bytes.NewReader(payload))
	if err != nil {
		return CheckoutSession{}, err
	}
	httpReq.Header.Set("Accept", lemonContentType)
	httpReq.Header.Set("Content-Type", lemonContentType)
	httpReq.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)

	resp, err := l.cfg.HTTP.Do(ctx, httpReq)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("lemonsqueezy: create checkout: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("lemonsqueezy: read response: %w", err)
	}
	var decoded lemonCheckoutResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return CheckoutSession{}, fmt.Errorf("lemonsqueezy: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 {
		msg := resp.Status
		if len(decoded.Errors) > 0 {
			msg = decoded.Errors[0].Detail
			if msg == "" {
				msg = decoded.Errors[0].Title
			}
		}
		return CheckoutSession{}, fmt.Errorf("lemonsqueezy: create checkout: %s", msg)
	}
	if decoded.Data.Attributes.URL == "" {
		return CheckoutSession{}, errors.New("lemonsqueezy: checkout url missing from response")
	}
	return CheckoutSession{
		Provider:  providerLemonSqueezy,
		ID:        decoded.Data.ID,
		URL:       decoded.Data.Attributes.URL,
		ExpiresAt: decoded.Data.Attributes.ExpiresAt,
	}, nil
}

type lemonWebhook struct {
	Meta struct {
		EventName  string          `json:"event_name"`
		CustomData json.RawMessage `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status   string `json:"status"`
			Total    int64  `json:"total"`
			Currency string `json:"currency"`
		} `json:"attributes"`
	} `json:"data"`
}

// VerifyWebhook checks the X-Signature HMAC of the raw body and extracts paid orders.
func (l *LemonSqueezy) VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error) {
	if !l.validSignature(body, r.Header.Get("X-Signature")) {
		return WebhookResult{}, ErrInvalidSignature
	}
	var payload lemonWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	eventType := payload.Meta.EventName
	if eventType == "" {
		eventType = r.Header.Get("X-Event-Name")
	}
	res := WebhookResult{Provider: providerLemonSqueezy, EventType: eventType, Payload: body}
	if eventType != lemonEventOrderCreated || !strings.EqualFold(payload.Data.Attributes.Status, "paid") {
		return res, nil
	}
	currency := strings.ToUpper(payload.Data.Attributes.Currency)
	res.Handled = true
	res.InvoiceID = lemonInvoiceID(payload.Meta.CustomData)
	res.Reference = payload.Data.ID
	res.Currency = currency
	res.Amount = FromMinorUnits(payload.Data.Attributes.Total, currency)
	return res, nil
}

func (l *LemonSqueezy) validSignature(body []byte, provided string) bool {
	secret := strings.TrimSpace(l.cfg.WebhookSecret)
	provided = strings.TrimSpace(provided)
	if secret == "" || provided == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}

// lemonInvoiceID accepts custom data either flat or nested under "custom".
func lemonInvoiceID(raw json.RawMessage) string {
	var custom struct {
		InvoiceID string `json:"invoice_id"`
		Custom    struct {
			InvoiceID string `json:"invoice_id"`
		} `json:"custom"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &custom) != nil {
		return ""
	}
	if custom.InvoiceID != "" {
		return custom.InvoiceID
	}
	return custom.Custom.InvoiceID
}
