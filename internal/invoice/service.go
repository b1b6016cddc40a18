package invoice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-invoice/internal/common"
	"github.com/noah-isme/backend-invoice/internal/obs"
	"github.com/noah-isme/backend-invoice/internal/pricing"
	"github.com/noah-isme/backend-invoice/internal/render"
	"github.com/noah-isme/backend-invoice/internal/storage"
)

const defaultPaymentRetries = 3

// Renderer turns an invoice document into PDF bytes.
type Renderer interface {
	PDF(ctx context.Context, doc render.Document) ([]byte, error)
}

// ServiceConfig groups Service dependencies.
type ServiceConfig struct {
	Store           Store
	Renderer        Renderer
	Objects         storage.ObjectStore
	Numbers         pricing.NumberGenerator
	Now             func() time.Time
	Logger          zerolog.Logger
	DefaultCurrency string
	PaymentTerms    time.Duration
	PaymentRetries  int
}

// Service prices, publishes and settles invoices.
type Service struct {
	store           Store
	renderer        Renderer
	objects         storage.ObjectStore
	numbers         pricing.NumberGenerator
	now             func() time.Time
	logger          zerolog.Logger
	defaultCurrency string
	paymentTerms    time.Duration
	paymentRetries  int
}

// NewService validates the configuration and builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("invoice: store is required")
	}
	if cfg.Renderer == nil {
		return nil, errors.New("invoice: renderer is required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("invoice: object store is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))
	if _, ok := pricing.LookupCurrency(currency); !ok {
		currency = pricing.DefaultCurrency
	}
	retries := cfg.PaymentRetries
	if retries <= 0 {
		retries = defaultPaymentRetries
	}
	if cfg.Numbers.Now == nil {
		cfg.Numbers.Now = now
	}
	return &Service{
		store:           cfg.Store,
		renderer:        cfg.Renderer,
		objects:         cfg.Objects,
		numbers:         cfg.Numbers,
		now:             now,
		logger:          cfg.Logger,
		defaultCurrency: currency,
		paymentTerms:    cfg.PaymentTerms,
		paymentRetries:  retries,
	}, nil
}

// NewDraft starts a draft, optionally pre-filled from a template.
func (s *Service) NewDraft(templateID string) (Draft, error) {
	d := NewDraft(s.numbers, s.now(), s.defaultCurrency, s.paymentTerms)
	if templateID != "" {
		if err := d.ApplyTemplate(templateID); err != nil {
			return Draft{}, err
		}
	}
	return d, nil
}

// NextNumber returns a fresh invoice number.
func (s *Service) NextNumber() string {
	return s.numbers.Next()
}

// PreviewLine is one priced row of a preview.
type PreviewLine struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Discount    decimal.Decimal `json:"discount"`
	Tax         decimal.Decimal `json:"tax"`
	Total       decimal.Decimal `json:"total"`
	Formatted   string          `json:"formattedTotal"`
}

// Formatted holds display strings for the totals block.
type Formatted struct {
	Subtotal string `json:"subtotal"`
	Discount string `json:"discount"`
	Tax      string `json:"tax"`
	Total    string `json:"total"`
	Paid     string `json:"paid,omitempty"`
	Due      string `json:"due,omitempty"`
}

// Preview is the priced view of a draft before publishing.
type Preview struct {
	Currency  string             `json:"currency"`
	TaxMode   TaxMode            `json:"taxMode"`
	Lines     []PreviewLine      `json:"lines"`
	Totals    pricing.Aggregates `json:"totals"`
	Formatted Formatted          `json:"formatted"`
}

// Preview prices d without persisting anything.
func (s *Service) Preview(d Draft) (Preview, error) {
	d = s.normalise(d)
	if err := d.Validate(); err != nil {
		return Preview{}, err
	}
	agg, err := d.Aggregates()
	if err != nil {
		return Preview{}, err
	}
	cur := pricing.CurrencyFor(d.Currency)
	p := Preview{
		Currency: cur.Code,
		TaxMode:  d.TaxMode,
		Lines:    make([]PreviewLine, 0, len(d.Items)),
		Totals:   agg,
		Formatted: Formatted{
			Subtotal: cur.Format(agg.Subtotal),
			Discount: cur.Format(agg.TotalDiscount),
			Tax:      cur.Format(agg.TotalTax),
			Total:    cur.Format(agg.GrandTotal),
		},
	}
	for _, it := range d.Items {
		line, err := pricing.CalculateLine(it)
		if err != nil {
			return Preview{}, err
		}
		total := line.Total
		if d.TaxMode == TaxInvoiceLevel {
			total = line.AfterDiscount
		}
		p.Lines = append(p.Lines, PreviewLine{
			ID:          it.ID,
			Description: it.Description,
			Subtotal:    line.Subtotal,
			Discount:    line.Discount,
			Tax:         lineTax(d.TaxMode, line),
			Total:       total,
			Formatted:   cur.Format(total),
		})
	}
	return p, nil
}

// Publish prices d, renders and uploads its PDF and stores the invoice as unpaid.
func (s *Service) Publish(ctx context.Context, d Draft) (inv Invoice, err error) {
	ctx, span := otel.Tracer("invoice.Service").Start(ctx, "InvoiceService.Publish")
	defer span.End()

	d = s.normalise(d)
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("invoice.number", d.InvoiceNumber),
			attribute.String("invoice.currency", d.Currency),
			attribute.String("invoice.publish.result", result),
		)
		if err != nil {
			span.RecordError(err)
		}
		obs.ObservePublish(d.Currency, result)
	}()

	if err := common.Validator().Struct(d); err != nil {
		result = "invalid"
		return Invoice{}, err
	}
	if err := d.Validate(); err != nil {
		result = "invalid"
		return Invoice{}, err
	}
	for i := range d.Items {
		if strings.TrimSpace(d.Items[i].ID) == "" {
			d.Items[i].ID = uuid.NewString()
		}
	}
	agg, err := d.Aggregates()
	if err != nil {
		result = "invalid"
		return Invoice{}, err
	}
	issue, err := d.issueTime()
	if err != nil {
		result = "invalid"
		return Invoice{}, &pricing.ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	due, err := d.dueTime()
	if err != nil {
		result = "invalid"
		return Invoice{}, &pricing.ValidationError{Field: "dueDate", Reason: "must be YYYY-MM-DD"}
	}

	cur := pricing.CurrencyFor(d.Currency)
	now := s.now().UTC()
	inv = Invoice{
		ID:          uuid.New(),
		Number:      d.InvoiceNumber,
		Currency:    cur.Code,
		TaxMode:     d.TaxMode,
		Draft:       d,
		AmountTotal: cur.Round(agg.GrandTotal),
		AmountPaid:  decimal.Zero,
		Status:      pricing.StatusUnpaid,
		IssueDate:   issue,
		DueDate:     due,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	pdf, err := s.renderer.PDF(ctx, s.document(inv, agg, now))
	if err != nil {
		result = "render_failed"
		return Invoice{}, err
	}
	url, err := s.objects.Upload(ctx, storage.InvoiceKey(inv.Number, now), pdf, "application/pdf")
	if err != nil {
		result = "upload_failed"
		s.logger.Error().Err(err).Str("invoice_number", inv.Number).Msg("invoice_pdf_upload_failed")
		return Invoice{}, common.NewAppError("STORAGE_UNAVAILABLE", "failed to store invoice pdf", http.StatusBadGateway, fmt.Errorf("upload invoice pdf: %w", err))
	}
	inv.PDFURL = url

	if err := s.store.Create(ctx, inv); err != nil {
		if errors.Is(err, ErrDuplicateNumber) {
			result = "duplicate"
		}
		return Invoice{}, err
	}
	result = "success"
	s.logger.Info().
		Str("invoice_id", inv.ID.String()).
		Str("invoice_number", inv.Number).
		Str("currency", inv.Currency).
		Str("amount_total", inv.AmountTotal.StringFixed(cur.MinorExponent)).
		Msg("invoice_published")
	return inv, nil
}

// Get loads a published invoice.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return s.store.Get(ctx, id)
}

// View is the read model of a published invoice.
type View struct {
	ID            string                `json:"id"`
	InvoiceNumber string                `json:"invoiceNumber"`
	Currency      string                `json:"currency"`
	TaxMode       TaxMode               `json:"taxMode"`
	IssueDate     string                `json:"date"`
	DueDate       string                `json:"dueDate,omitempty"`
	Status        pricing.PaymentStatus `json:"status"`
	PaymentStatus pricing.PaymentStatus `json:"paymentStatus"`
	Payable       bool                  `json:"payable"`
	AmountTotal   decimal.Decimal       `json:"amountTotal"`
	AmountPaid    decimal.Decimal       `json:"amountPaid"`
	AmountDue     decimal.Decimal       `json:"amountDue"`
	Formatted     Formatted             `json:"formatted"`
	PDFURL        string                `json:"pdfUrl"`
	PaidAt        *time.Time            `json:"paidAt,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
	Data          Draft                 `json:"data"`
}

// View loads an invoice and derives its amount due and display status at now.
func (s *Service) View(ctx context.Context, id uuid.UUID, now time.Time) (View, error) {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	return s.view(inv, now), nil
}

// List returns a page of invoice views.
func (s *Service) List(ctx context.Context, page, perPage int) ([]View, int64, error) {
	if page < 1 {
		page = 1
	}
	invoices, total, err := s.store.List(ctx, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	now := s.now()
	out := make([]View, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, s.view(inv, now))
	}
	return out, total, nil
}

func (s *Service) view(inv Invoice, now time.Time) View {
	cur := pricing.CurrencyFor(inv.Currency)
	due := inv.AmountDue()
	v := View{
		ID:            inv.ID.String(),
		InvoiceNumber: inv.Number,
		Currency:      inv.Currency,
		TaxMode:       inv.TaxMode,
		IssueDate:     inv.IssueDate.Format(DateLayout),
		Status:        pricing.DisplayStatus(inv.Status, inv.DueDate, now),
		PaymentStatus: inv.Status,
		Payable:       inv.Status.Payable() && due.IsPositive(),
		AmountTotal:   inv.AmountTotal,
		AmountPaid:    inv.AmountPaid,
		AmountDue:     due,
		Formatted: Formatted{
			Total: cur.Format(inv.AmountTotal),
			Paid:  cur.Format(inv.AmountPaid),
			Due:   cur.Format(due),
		},
		PDFURL:    inv.PDFURL,
		PaidAt:    inv.PaidAt,
		CreatedAt: inv.CreatedAt,
		Data:      inv.Draft,
	}
	if inv.DueDate != nil {
		v.DueDate = inv.DueDate.Format(DateLayout)
	}
	return v
}

// Document re-renders a stored invoice, including its current payment state.
func (s *Service) Document(ctx context.Context, id uuid.UUID) ([]byte, Invoice, error) {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, Invoice{}, err
	}
	agg, err := inv.Draft.Aggregates()
	if err != nil {
		return nil, Invoice{}, err
	}
	pdf, err := s.renderer.PDF(ctx, s.document(inv, agg, s.now()))
	if err != nil {
		return nil, Invoice{}, err
	}
	return pdf, inv, nil
}

// PaymentInput is a provider-confirmed payment to credit to an invoice.
type PaymentInput struct {
	InvoiceID   uuid.UUID
	Provider    string
	ProviderRef string
	Amount      decimal.Decimal
	Currency    string
	Payload     []byte
}

// PaymentResult reports the outcome of RecordPayment.
type PaymentResult struct {
	Invoice   Invoice
	Update    pricing.PaymentUpdate
	Duplicate bool
}

// RecordPayment credits a payment. A provider reference seen before is a
// no-op. A lost conditional write is retried against a fresh read.
func (s *Service) RecordPayment(ctx context.Context, in PaymentInput) (PaymentResult, error) {
	ctx, span := otel.Tracer("invoice.Service").Start(ctx, "InvoiceService.RecordPayment")
	defer span.End()
	span.SetAttributes(
		attribute.String("invoice.id", in.InvoiceID.String()),
		attribute.String("payment.provider", in.Provider),
	)

	if strings.TrimSpace(in.ProviderRef) == "" {
		return PaymentResult{}, &pricing.ValidationError{Field: "providerRef", Reason: "is required"}
	}
	if in.Amount.IsNegative() {
		return PaymentResult{}, &pricing.ValidationError{Field: "amount", Reason: "must not be negative"}
	}

	var lastErr error
	for attempt := 0; attempt < s.paymentRetries; attempt++ {
		inv, err := s.store.Get(ctx, in.InvoiceID)
		if err != nil {
			return PaymentResult{}, err
		}
		if in.Currency != "" && !strings.EqualFold(in.Currency, inv.Currency) {
			return PaymentResult{Invoice: inv}, fmt.Errorf("%w: got %s want %s", ErrCurrencyMismatch, strings.ToUpper(in.Currency), inv.Currency)
		}
		if !inv.Status.Payable() {
			return PaymentResult{Invoice: inv}, ErrNotPayable
		}
		now := s.now().UTC()
		upd := pricing.ApplyPayment(inv.Snapshot(), in.Amount, now)
		payment := Payment{
			ID:          uuid.New(),
			InvoiceID:   inv.ID,
			Provider:    in.Provider,
			ProviderRef: in.ProviderRef,
			Amount:      upd.Applied,
			Currency:    inv.Currency,
			StatusAfter: upd.Status,
			Payload:     in.Payload,
			ReceivedAt:  now,
		}
		err = s.store.ApplyPayment(ctx, inv.ID, upd, payment)
		switch {
		case err == nil:
			inv.AmountPaid = upd.AmountPaid
			inv.Status = upd.Status
			if upd.PaidAt != nil {
				inv.PaidAt = upd.PaidAt
			}
			inv.UpdatedAt = now
			obs.ObservePayment(in.Provider, string(upd.Status))
			s.logger.Info().
				Str("invoice_id", inv.ID.String()).
				Str("provider", in.Provider).
				Str("provider_ref", in.ProviderRef).
				Str("amount", upd.Applied.String()).
				Str("status", string(upd.Status)).
				Msg("payment_recorded")
			return PaymentResult{Invoice: inv, Update: upd}, nil
		case errors.Is(err, ErrDuplicatePayment):
			s.logger.Info().Str("invoice_id", inv.ID.String()).Str("provider_ref", in.ProviderRef).Msg("payment_duplicate")
			return PaymentResult{Invoice: inv, Duplicate: true}, nil
		case errors.Is(err, ErrConcurrentUpdate):
			lastErr = err
			s.logger.Warn().Str("invoice_id", inv.ID.String()).Int("attempt", attempt+1).Msg("payment_update_conflict")
			continue
		default:
			span.RecordError(err)
			return PaymentResult{}, err
		}
	}
	span.RecordError(lastErr)
	return PaymentResult{}, lastErr
}

func (s *Service) normalise(d Draft) Draft {
	d.InvoiceNumber = strings.TrimSpace(d.InvoiceNumber)
	if d.InvoiceNumber == "" {
		d.InvoiceNumber = s.numbers.Next()
	}
	d.Currency = strings.ToUpper(strings.TrimSpace(d.Currency))
	if d.Currency == "" {
		d.Currency = s.defaultCurrency
	}
	if d.TaxMode == "" {
		d.TaxMode = TaxPerItem
	}
	if strings.TrimSpace(d.IssueDate) == "" {
		d.IssueDate = s.now().UTC().Format(DateLayout)
	}
	d.CompanyName = strings.TrimSpace(d.CompanyName)
	d.ClientName = strings.TrimSpace(d.ClientName)
	return d
}

func (s *Service) document(inv Invoice, agg pricing.Aggregates, now time.Time) render.Document {
	cur := pricing.CurrencyFor(inv.Currency)
	d := inv.Draft
	doc := render.Document{
		InvoiceNumber: inv.Number,
		IssueDate:     d.IssueDate,
		DueDate:       d.DueDate,
		Currency:      cur.Code,
		Status:        string(pricing.DisplayStatus(inv.Status, inv.DueDate, now)),
		Company:       render.Party{Name: d.CompanyName, Address: d.CompanyAddress, Email: d.CompanyEmail},
		Client:        render.Party{Name: d.ClientName, Address: d.ClientAddress, Email: d.ClientEmail},
		Items:         make([]render.Line, 0, len(d.Items)),
		Subtotal:      cur.Format(agg.Subtotal),
		Discount:      cur.Format(agg.TotalDiscount),
		Tax:           cur.Format(agg.TotalTax),
		TaxLabel:      taxLabel(d.TaxMode, d.TaxRate),
		Total:         cur.Format(inv.AmountTotal),
		AmountDue:     cur.Format(inv.AmountDue()),
		Notes:         d.Notes,
		Logo:          d.Logo,
		Signature:     d.Signature,
	}
	if inv.AmountPaid.IsPositive() {
		doc.AmountPaid = cur.Format(inv.AmountPaid)
	}
	for _, it := range d.Items {
		line, err := pricing.CalculateLine(it)
		if err != nil {
			continue
		}
		total := line.Total
		rate := decimal.NewFromFloat(it.TaxRate).String() + "%"
		if d.TaxMode == TaxInvoiceLevel {
			total = line.AfterDiscount
			rate = "-"
		}
		doc.Items = append(doc.Items, render.Line{
			Description: it.Description,
			Quantity:    decimal.NewFromFloat(it.Quantity).String(),
			UnitPrice:   cur.Format(decimal.NewFromFloat(it.UnitPrice)),
			Discount:    discountLabel(it, cur),
			TaxRate:     rate,
			Total:       cur.Format(total),
		})
	}
	return doc
}

func lineTax(mode TaxMode, line pricing.Line) decimal.Decimal {
	if mode == TaxInvoiceLevel {
		return decimal.Zero
	}
	return line.Tax
}

func discountLabel(it pricing.LineItem, cur pricing.Currency) string {
	if it.Discount <= 0 {
		return "-"
	}
	if it.DiscountType == pricing.DiscountFixed {
		return cur.Format(decimal.NewFromFloat(it.Discount))
	}
	return decimal.NewFromFloat(it.Discount).String() + "%"
}

func taxLabel(mode TaxMode, rate float64) string {
	switch mode {
	case TaxInvoiceLevel:
		return "Tax (" + decimal.NewFromFloat(rate).String() + "%)"
	case TaxCombined:
		return "Tax (items + " + decimal.NewFromFloat(rate).String() + "%)"
	default:
		return "Tax"
	}
}
