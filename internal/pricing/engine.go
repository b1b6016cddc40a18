package pricing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// DiscountType selects how a line item discount is interpreted.
type DiscountType string

const (
	// DiscountPercentage treats the discount as a percentage of the line subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed treats the discount as an absolute amount in the invoice currency.
	DiscountFixed DiscountType = "fixed"
)

// LineItem is one billable row as entered on the invoice form.
type LineItem struct {
	ID           string       `json:"id"`
	Description  string       `json:"description"`
	Quantity     float64      `json:"quantity"`
	UnitPrice    float64      `json:"price"`
	Discount     float64      `json:"discount"`
	DiscountType DiscountType `json:"discountType"`
	TaxRate      float64      `json:"tax"`
}

// Line holds the intermediate amounts of a single line item.
type Line struct {
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	AfterDiscount decimal.Decimal
	Tax           decimal.Decimal
	Total         decimal.Decimal
}

// Aggregates summarises an invoice. Amounts keep full precision; round with
// Currency.Round at presentation or persistence time.
type Aggregates struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	TotalDiscount decimal.Decimal `json:"totalDiscount"`
	TotalTax      decimal.Decimal `json:"totalTax"`
	GrandTotal    decimal.Decimal `json:"grandTotal"`
}

// ValidateItem rejects structurally invalid items. Out-of-range values are not
// errors; they are clamped during calculation.
func ValidateItem(item LineItem) error {
	return validateItem("", item)
}

func validateItem(prefix string, item LineItem) error {
	numbers := []struct {
		field string
		value float64
	}{
		{"quantity", item.Quantity},
		{"price", item.UnitPrice},
		{"discount", item.Discount},
		{"tax", item.TaxRate},
	}
	for _, n := range numbers {
		if math.IsNaN(n.value) || math.IsInf(n.value, 0) {
			return &ValidationError{Field: prefix + n.field, Reason: "must be a finite number"}
		}
	}
	switch item.DiscountType {
	case "", DiscountPercentage, DiscountFixed:
	default:
		return &ValidationError{Field: prefix + "discountType", Reason: fmt.Sprintf("unsupported value %q", item.DiscountType)}
	}
	return nil
}

// CalculateLine computes every intermediate amount of a line item.
func CalculateLine(item LineItem) (Line, error) {
	if err := ValidateItem(item); err != nil {
		return Line{}, err
	}
	return calculateLine(item), nil
}

func calculateLine(item LineItem) Line {
	qty := nonNegative(decimal.NewFromFloat(item.Quantity))
	price := nonNegative(decimal.NewFromFloat(item.UnitPrice))
	subtotal := qty.Mul(price)

	discount := nonNegative(decimal.NewFromFloat(item.Discount))
	if item.DiscountType == DiscountFixed {
		discount = decimal.Min(discount, subtotal)
	} else {
		discount = percentOf(subtotal, discount)
	}
	after := subtotal.Sub(discount)
	tax := percentOf(after, decimal.NewFromFloat(item.TaxRate))
	return Line{
		Subtotal:      subtotal,
		Discount:      discount,
		AfterDiscount: after,
		Tax:           tax,
		Total:         after.Add(tax),
	}
}

// ItemTotal returns the discounted, taxed total of a single line item.
func ItemTotal(item LineItem) (decimal.Decimal, error) {
	line, err := CalculateLine(item)
	if err != nil {
		return decimal.Zero, err
	}
	return line.Total, nil
}

// PerItemAggregates sums the items using each item's own tax rate.
func PerItemAggregates(items []LineItem) (Aggregates, error) {
	lines, err := calculateLines(items)
	if err != nil {
		return Aggregates{}, err
	}
	var agg Aggregates
	for _, l := range lines {
		agg.Subtotal = agg.Subtotal.Add(l.Subtotal)
		agg.TotalDiscount = agg.TotalDiscount.Add(l.Discount)
		agg.TotalTax = agg.TotalTax.Add(l.Tax)
		agg.GrandTotal = agg.GrandTotal.Add(l.Total)
	}
	return agg, nil
}

// InvoiceLevelAggregates applies a single invoice-wide tax rate to the sum of
// the discounted line amounts. Per-item tax rates are ignored in this mode.
func InvoiceLevelAggregates(items []LineItem, taxRatePercent float64) (Aggregates, error) {
	rate, err := invoiceRate(taxRatePercent)
	if err != nil {
		return Aggregates{}, err
	}
	lines, err := calculateLines(items)
	if err != nil {
		return Aggregates{}, err
	}
	var agg Aggregates
	taxable := decimal.Zero
	for _, l := range lines {
		agg.Subtotal = agg.Subtotal.Add(l.Subtotal)
		agg.TotalDiscount = agg.TotalDiscount.Add(l.Discount)
		taxable = taxable.Add(l.AfterDiscount)
	}
	agg.TotalTax = percentOf(taxable, rate)
	agg.GrandTotal = agg.Subtotal.Sub(agg.TotalDiscount).Add(agg.TotalTax)
	return agg, nil
}

// CombinedAggregates applies per-item tax first and then the invoice-wide rate
// on top of the taxed line totals.
func CombinedAggregates(items []LineItem, taxRatePercent float64) (Aggregates, error) {
	rate, err := invoiceRate(taxRatePercent)
	if err != nil {
		return Aggregates{}, err
	}
	agg, err := PerItemAggregates(items)
	if err != nil {
		return Aggregates{}, err
	}
	invoiceTax := percentOf(agg.GrandTotal, rate)
	agg.TotalTax = agg.TotalTax.Add(invoiceTax)
	agg.GrandTotal = agg.GrandTotal.Add(invoiceTax)
	return agg, nil
}

// AmountDue is the outstanding balance, floored at zero.
func AmountDue(total, paid decimal.Decimal) decimal.Decimal {
	return nonNegative(total.Sub(paid))
}

func calculateLines(items []LineItem) ([]Line, error) {
	lines := make([]Line, 0, len(items))
	for i, it := range items {
		if err := validateItem(fmt.Sprintf("items[%d].", i), it); err != nil {
			return nil, err
		}
		lines = append(lines, calculateLine(it))
	}
	return lines, nil
}

func invoiceRate(percent float64) (decimal.Decimal, error) {
	if math.IsNaN(percent) || math.IsInf(percent, 0) {
		return decimal.Zero, &ValidationError{Field: "taxRate", Reason: "must be a finite number"}
	}
	return decimal.NewFromFloat(percent), nil
}

// percentOf returns base * clamp(percent, 0, 100) / 100 without rounding.
func percentOf(base, percent decimal.Decimal) decimal.Decimal {
	p := decimal.Min(nonNegative(percent), hundred)
	return base.Mul(p).Shift(-2)
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
