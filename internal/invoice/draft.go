package invoice

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-invoice/internal/pricing"
)

// DateLayout is the wire format of invoice dates.
const DateLayout = "2006-01-02"

// ErrItemNotFound is returned when a draft item id does not exist.
var ErrItemNotFound = errors.New("invoice: item not found")

// TaxMode selects how taxes are aggregated over the line items.
type TaxMode string

const (
	// TaxPerItem sums each item's own tax.
	TaxPerItem TaxMode = "per_item"
	// TaxInvoiceLevel applies one rate to the discounted subtotal and ignores item rates.
	TaxInvoiceLevel TaxMode = "invoice_level"
	// TaxCombined applies item taxes first and the invoice rate on top.
	TaxCombined TaxMode = "combined"
)

// Valid reports whether m is a known mode.
func (m TaxMode) Valid() bool {
	switch m {
	case TaxPerItem, TaxInvoiceLevel, TaxCombined:
		return true
	}
	return false
}

// Aggregate runs the pricing engine in this mode.
func (m TaxMode) Aggregate(items []pricing.LineItem, rate float64) (pricing.Aggregates, error) {
	switch m {
	case TaxPerItem, "":
		return pricing.PerItemAggregates(items)
	case TaxInvoiceLevel:
		return pricing.InvoiceLevelAggregates(items, rate)
	case TaxCombined:
		return pricing.CombinedAggregates(items, rate)
	default:
		return pricing.Aggregates{}, &pricing.ValidationError{Field: "taxMode", Reason: "unsupported value " + string(m)}
	}
}

// Draft is the editable state of an invoice before it is published.
type Draft struct {
	InvoiceNumber  string             `json:"invoiceNumber" validate:"omitempty,max=64"`
	IssueDate      string             `json:"date" validate:"omitempty,datetime=2006-01-02"`
	DueDate        string             `json:"dueDate" validate:"omitempty,datetime=2006-01-02"`
	Currency       string             `json:"currency" validate:"omitempty,len=3,alpha"`
	CompanyName    string             `json:"companyName" validate:"required,max=200"`
	CompanyAddress string             `json:"companyAddress" validate:"max=1000"`
	CompanyEmail   string             `json:"companyEmail" validate:"omitempty,email"`
	ClientName     string             `json:"clientName" validate:"required,max=200"`
	ClientAddress  string             `json:"clientAddress" validate:"max=1000"`
	ClientEmail    string             `json:"clientEmail" validate:"omitempty,email"`
	Notes          string             `json:"notes" validate:"max=4000"`
	Logo           string             `json:"logo,omitempty"`
	Signature      string             `json:"signature,omitempty"`
	TaxMode        TaxMode            `json:"taxMode" validate:"omitempty,oneof=per_item invoice_level combined"`
	TaxRate        float64            `json:"taxRate"`
	Items          []pricing.LineItem `json:"items" validate:"required,min=1"`
}

// NewDraft returns an empty draft with a fresh number, today's date and a
// due date after the payment terms.
func NewDraft(numbers pricing.NumberGenerator, now time.Time, currency string, terms time.Duration) Draft {
	if _, ok := pricing.LookupCurrency(currency); !ok {
		currency = pricing.DefaultCurrency
	}
	d := Draft{
		InvoiceNumber: numbers.Next(),
		IssueDate:     now.UTC().Format(DateLayout),
		Currency:      currency,
		TaxMode:       TaxPerItem,
		Items:         []pricing.LineItem{},
	}
	if terms > 0 {
		d.DueDate = now.UTC().Add(terms).Format(DateLayout)
	}
	return d
}

// AddItem validates item the way the invoice form does, clamps its discount
// and tax and appends it. A missing id is generated.
func (d *Draft) AddItem(item pricing.LineItem) (pricing.LineItem, error) {
	if err := checkNewItem(item); err != nil {
		return pricing.LineItem{}, err
	}
	if strings.TrimSpace(item.ID) == "" {
		item.ID = uuid.NewString()
	}
	for _, existing := range d.Items {
		if existing.ID == item.ID {
			return pricing.LineItem{}, &pricing.ValidationError{Field: "id", Reason: "duplicate item id"}
		}
	}
	item = clampItem(item)
	d.Items = append(d.Items, item)
	return item, nil
}

// UpdateItem replaces the item with the same id.
func (d *Draft) UpdateItem(item pricing.LineItem) error {
	if strings.TrimSpace(item.ID) == "" {
		return &pricing.ValidationError{Field: "id", Reason: "is required"}
	}
	if err := checkNewItem(item); err != nil {
		return err
	}
	for i := range d.Items {
		if d.Items[i].ID == item.ID {
			d.Items[i] = clampItem(item)
			return nil
		}
	}
	return ErrItemNotFound
}

// RemoveItem deletes the item with id and reports whether it existed.
func (d *Draft) RemoveItem(id string) bool {
	for i := range d.Items {
		if d.Items[i].ID == id {
			d.Items = append(d.Items[:i], d.Items[i+1:]...)
			return true
		}
	}
	return false
}

// SetCurrency switches the invoice currency. Unsupported codes are rejected.
func (d *Draft) SetCurrency(code string) error {
	c, ok := pricing.LookupCurrency(code)
	if !ok {
		return &pricing.ValidationError{Field: "currency", Reason: "unsupported currency " + code}
	}
	d.Currency = c.Code
	return nil
}

// SetDates sets the issue and due dates. A zero due date clears it.
func (d *Draft) SetDates(issue, due time.Time) error {
	if issue.IsZero() {
		return &pricing.ValidationError{Field: "date", Reason: "is required"}
	}
	if !due.IsZero() && dateOnly(due).Before(dateOnly(issue)) {
		return &pricing.ValidationError{Field: "dueDate", Reason: "must not be before the issue date"}
	}
	d.IssueDate = issue.UTC().Format(DateLayout)
	d.DueDate = ""
	if !due.IsZero() {
		d.DueDate = due.UTC().Format(DateLayout)
	}
	return nil
}

// SetTaxRate sets the invoice-level tax rate, clamped to [0, 100].
func (d *Draft) SetTaxRate(rate float64) error {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return &pricing.ValidationError{Field: "taxRate", Reason: "must be a finite number"}
	}
	d.TaxRate = math.Min(math.Max(rate, 0), 100)
	return nil
}

// SetTaxMode selects the aggregation mode.
func (d *Draft) SetTaxMode(mode TaxMode) error {
	if !mode.Valid() {
		return &pricing.ValidationError{Field: "taxMode", Reason: "unsupported value " + string(mode)}
	}
	d.TaxMode = mode
	return nil
}

// ApplyTemplate pre-fills company details, currency, notes and items from a
// built-in template. Client details, number and dates are kept.
func (d *Draft) ApplyTemplate(id string) error {
	tpl, ok := LookupTemplate(id)
	if !ok {
		return ErrUnknownTemplate
	}
	d.CompanyName = tpl.CompanyName
	d.CompanyEmail = tpl.CompanyEmail
	d.CompanyAddress = tpl.CompanyAddress
	d.Currency = tpl.Currency
	d.Notes = tpl.Notes
	d.Items = make([]pricing.LineItem, 0, len(tpl.Items))
	for _, it := range tpl.Items {
		it.ID = uuid.NewString()
		d.Items = append(d.Items, it)
	}
	return nil
}

// Aggregates prices the draft in its tax mode.
func (d Draft) Aggregates() (pricing.Aggregates, error) {
	return d.TaxMode.Aggregate(d.Items, d.TaxRate)
}

// Validate checks what struct tags cannot express. It returns a
// *pricing.ValidationError naming the offending field.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Currency) != "" {
		if _, ok := pricing.LookupCurrency(d.Currency); !ok {
			return &pricing.ValidationError{Field: "currency", Reason: "unsupported currency " + d.Currency}
		}
	}
	if d.TaxMode != "" && !d.TaxMode.Valid() {
		return &pricing.ValidationError{Field: "taxMode", Reason: "unsupported value " + string(d.TaxMode)}
	}
	if math.IsNaN(d.TaxRate) || math.IsInf(d.TaxRate, 0) {
		return &pricing.ValidationError{Field: "taxRate", Reason: "must be a finite number"}
	}
	if d.IssueDate != "" && d.DueDate != "" {
		issue, err1 := time.Parse(DateLayout, d.IssueDate)
		due, err2 := time.Parse(DateLayout, d.DueDate)
		if err1 == nil && err2 == nil && due.Before(issue) {
			return &pricing.ValidationError{Field: "dueDate", Reason: "must not be before the issue date"}
		}
	}
	seen := make(map[string]struct{}, len(d.Items))
	for i, it := range d.Items {
		if strings.TrimSpace(it.Description) == "" {
			return &pricing.ValidationError{Field: itemField(i, "description"), Reason: "is required"}
		}
		if it.ID != "" {
			if _, dup := seen[it.ID]; dup {
				return &pricing.ValidationError{Field: itemField(i, "id"), Reason: "duplicate item id"}
			}
			seen[it.ID] = struct{}{}
		}
		if err := pricing.ValidateItem(it); err != nil {
			var verr *pricing.ValidationError
			if errors.As(err, &verr) {
				return &pricing.ValidationError{Field: itemField(i, verr.Field), Reason: verr.Reason}
			}
			return err
		}
	}
	return nil
}

func (d Draft) issueTime() (time.Time, error) {
	return time.Parse(DateLayout, d.IssueDate)
}

func (d Draft) dueTime() (*time.Time, error) {
	if d.DueDate == "" {
		return nil, nil
	}
	t, err := time.Parse(DateLayout, d.DueDate)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func checkNewItem(item pricing.LineItem) error {
	if strings.TrimSpace(item.Description) == "" {
		return &pricing.ValidationError{Field: "description", Reason: "is required"}
	}
	if err := pricing.ValidateItem(item); err != nil {
		return err
	}
	if item.Quantity <= 0 {
		return &pricing.ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}
	if item.UnitPrice <= 0 {
		return &pricing.ValidationError{Field: "price", Reason: "must be greater than zero"}
	}
	return nil
}

func clampItem(item pricing.LineItem) pricing.LineItem {
	if item.DiscountType == "" {
		item.DiscountType = pricing.DiscountPercentage
	}
	limit := 100.0
	if item.DiscountType == pricing.DiscountFixed {
		limit, _ = decimal.NewFromFloat(item.Quantity).Mul(decimal.NewFromFloat(item.UnitPrice)).Float64()
	}
	item.Discount = math.Min(math.Max(item.Discount, 0), limit)
	item.TaxRate = math.Min(math.Max(item.TaxRate, 0), 100)
	return item
}

func itemField(i int, field string) string {
	return "items[" + strconv.Itoa(i) + "]." + field
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
