package pricing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-invoice/internal/pricing"
)

func TestFormatCurrency(t *testing.T) {
	cases := []struct {
		amount string
		code   string
		want   string
	}{
		{"1234.5", "USD", "$1,234.50"},
		{"1234.5", "JPY", "¥1,235"},
		{"1234.4", "CNY", "¥1,234"},
		{"1234567.891", "EUR", "€1,234,567.89"},
		{"0", "GBP", "£0.00"},
		{"999.995", "CAD", "$1,000.00"},
		{"12", "AUD", "$12.00"},
		{"1234.5", "AED", "د.إ 1234.5"},
		{"100", "AED", "د.إ 100"},
		{"100.256", "AED", "د.إ 100.26"},
		{"1234.5", "XYZ", "$1,234.50"},
		{"1234.5", "", "$1,234.50"},
		{"1234.5", " usd ", "$1,234.50"},
	}
	for _, tc := range cases {
		t.Run(tc.code+"_"+tc.amount, func(t *testing.T) {
			got := pricing.FormatCurrency(decimal.RequireFromString(tc.amount), tc.code)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestLookupCurrency(t *testing.T) {
	c, ok := pricing.LookupCurrency("jpy")
	require.True(t, ok)
	require.Equal(t, "JPY", c.Code)

	_, ok = pricing.LookupCurrency("BTC")
	require.False(t, ok)
	require.Equal(t, "USD", pricing.CurrencyFor("BTC").Code)
	require.Len(t, pricing.Currencies(), 8)
}

func TestMinorUnitConversion(t *testing.T) {
	usd := pricing.CurrencyFor("USD")
	require.Equal(t, int64(123457), usd.ToMinor(decimal.RequireFromString("1234.565")))
	requireAmount(t, "1234.56", usd.FromMinor(123456))

	jpy := pricing.CurrencyFor("JPY")
	require.Equal(t, int64(1500), jpy.ToMinor(decimal.NewFromInt(1500)))
	requireAmount(t, "1500", jpy.FromMinor(1500))

	cny := pricing.CurrencyFor("CNY")
	require.Equal(t, int64(1050), cny.ToMinor(decimal.RequireFromString("10.5")))
}
