package invoice_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-invoice/internal/invoice"
	"github.com/noah-isme/backend-invoice/internal/pricing"
)

func TestDraftAddItemClampsLikeTheForm(t *testing.T) {
	var d invoice.Draft

	item, err := d.AddItem(pricing.LineItem{Description: "Widget", Quantity: 2, UnitPrice: 10, Discount: 500, DiscountType: pricing.DiscountFixed, TaxRate: 150})
	require.NoError(t, err)
	require.NotEmpty(t, item.ID)
	require.Equal(t, 20.0, item.Discount)
	require.Equal(t, 100.0, item.TaxRate)

	pct, err := d.AddItem(pricing.LineItem{Description: "Hours", Quantity: 1, UnitPrice: 50, Discount: 120})
	require.NoError(t, err)
	require.Equal(t, pricing.DiscountPercentage, pct.DiscountType)
	require.Equal(t, 100.0, pct.Discount)
	require.Len(t, d.Items, 2)
}

func TestDraftAddItemRejectsIncompleteItems(t *testing.T) {
	var d invoice.Draft
	cases := map[string]pricing.LineItem{
		"description": {Quantity: 1, UnitPrice: 1},
		"quantity":    {Description: "x", UnitPrice: 1},
		"price":       {Description: "x", Quantity: 1},
	}
	for field, item := range cases {
		_, err := d.AddItem(item)
		var verr *pricing.ValidationError
		require.ErrorAs(t, err, &verr, field)
		require.Equal(t, field, verr.Field)
	}
	require.Empty(t, d.Items)
}

func TestDraftUpdateAndRemoveItem(t *testing.T) {
	var d invoice.Draft
	item, err := d.AddItem(pricing.LineItem{Description: "A", Quantity: 1, UnitPrice: 10})
	require.NoError(t, err)

	item.Quantity = 3
	require.NoError(t, d.UpdateItem(item))
	require.Equal(t, 3.0, d.Items[0].Quantity)

	require.ErrorIs(t, d.UpdateItem(pricing.LineItem{ID: "missing", Description: "B", Quantity: 1, UnitPrice: 1}), invoice.ErrItemNotFound)
	require.True(t, d.RemoveItem(item.ID))
	require.False(t, d.RemoveItem(item.ID))
	require.Empty(t, d.Items)
}

func TestDraftSetters(t *testing.T) {
	var d invoice.Draft
	require.NoError(t, d.SetCurrency("jpy"))
	require.Equal(t, "JPY", d.Currency)
	require.Error(t, d.SetCurrency("XYZ"))

	issue := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	require.NoError(t, d.SetDates(issue, issue.AddDate(0, 0, 30)))
	require.Equal(t, "2026-03-05", d.IssueDate)
	require.Equal(t, "2026-04-04", d.DueDate)
	require.Error(t, d.SetDates(issue, issue.AddDate(0, 0, -1)))

	require.NoError(t, d.SetTaxRate(250))
	require.Equal(t, 100.0, d.TaxRate)
	require.NoError(t, d.SetTaxMode(invoice.TaxCombined))
	require.Error(t, d.SetTaxMode("summed"))
}

func TestApplyTemplate(t *testing.T) {
	d := invoice.Draft{ClientName: "Globex", InvoiceNumber: "INV-1"}
	require.NoError(t, d.ApplyTemplate("consulting"))
	require.Equal(t, "Your Consulting Company", d.CompanyName)
	require.Equal(t, "Globex", d.ClientName)
	require.Equal(t, "INV-1", d.InvoiceNumber)
	require.Len(t, d.Items, 2)
	require.NotEqual(t, d.Items[0].ID, d.Items[1].ID)

	agg, err := d.Aggregates()
	require.NoError(t, err)
	require.Equal(t, "250", agg.GrandTotal.String())

	require.ErrorIs(t, d.ApplyTemplate("unknown"), invoice.ErrUnknownTemplate)
	require.Len(t, invoice.Templates(), 3)
}

func TestTaxModes(t *testing.T) {
	items := []pricing.LineItem{{ID: "1", Description: "A", Quantity: 2, UnitPrice: 50, Discount: 10, DiscountType: pricing.DiscountPercentage, TaxRate: 10}}

	per, err := invoice.TaxPerItem.Aggregate(items, 20)
	require.NoError(t, err)
	require.Equal(t, "99", per.GrandTotal.String())

	level, err := invoice.TaxInvoiceLevel.Aggregate(items, 20)
	require.NoError(t, err)
	require.Equal(t, "108", level.GrandTotal.String())

	combined, err := invoice.TaxCombined.Aggregate(items, 20)
	require.NoError(t, err)
	require.Equal(t, "118.8", combined.GrandTotal.String())

	_, err = invoice.TaxMode("summed").Aggregate(items, 0)
	require.Error(t, err)
}

func TestDraftValidate(t *testing.T) {
	d := invoice.Draft{Currency: "USD", Items: []pricing.LineItem{{Description: " ", Quantity: 1, UnitPrice: 1}}}
	var verr *pricing.ValidationError
	require.ErrorAs(t, d.Validate(), &verr)
	require.Equal(t, "items[0].description", verr.Field)

	d.Items[0].Description = "ok"
	d.IssueDate, d.DueDate = "2026-03-05", "2026-03-01"
	require.ErrorAs(t, d.Validate(), &verr)
	require.Equal(t, "dueDate", verr.Field)
}
