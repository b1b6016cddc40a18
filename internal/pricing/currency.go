package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type formatStyle int

const (
	styleGrouped formatStyle = iota
	styleWhole
	styleTrimmed
)

// Currency describes how amounts in a currency are displayed and converted to
// provider minor units.
type Currency struct {
	Code   string
	Label  string
	Symbol string
	// MinorExponent is the number of minor-unit digits used by payment providers.
	MinorExponent int32
	style         formatStyle
}

// DefaultCurrency is used for formatting when a code is not recognised.
const DefaultCurrency = "USD"

var currencies = []Currency{
	{Code: "USD", Label: "USD ($)", Symbol: "$", MinorExponent: 2, style: styleGrouped},
	{Code: "EUR", Label: "EUR (€)", Symbol: "€", MinorExponent: 2, style: styleGrouped},
	{Code: "GBP", Label: "GBP (£)", Symbol: "£", MinorExponent: 2, style: styleGrouped},
	{Code: "JPY", Label: "JPY (¥)", Symbol: "¥", MinorExponent: 0, style: styleWhole},
	{Code: "CAD", Label: "CAD ($)", Symbol: "$", MinorExponent: 2, style: styleGrouped},
	{Code: "AUD", Label: "AUD ($)", Symbol: "$", MinorExponent: 2, style: styleGrouped},
	{Code: "CNY", Label: "CNY (¥)", Symbol: "¥", MinorExponent: 2, style: styleWhole},
	{Code: "AED", Label: "AED (د.إ)", Symbol: "د.إ", MinorExponent: 2, style: styleTrimmed},
}

var currencyByCode = func() map[string]Currency {
	m := make(map[string]Currency, len(currencies))
	for _, c := range currencies {
		m[c.Code] = c
	}
	return m
}()

// Currencies lists the supported currencies in display order.
func Currencies() []Currency {
	out := make([]Currency, len(currencies))
	copy(out, currencies)
	return out
}

// LookupCurrency returns the currency for code and whether it is supported.
func LookupCurrency(code string) (Currency, bool) {
	c, ok := currencyByCode[normaliseCode(code)]
	return c, ok
}

// CurrencyFor returns the currency for code, falling back to USD.
func CurrencyFor(code string) Currency {
	if c, ok := LookupCurrency(code); ok {
		return c
	}
	return currencyByCode[DefaultCurrency]
}

// Round rounds amount to the precision shown on invoices.
func (c Currency) Round(amount decimal.Decimal) decimal.Decimal {
	if c.style == styleWhole {
		return amount.Round(0)
	}
	return amount.Round(2)
}

// ToMinor converts amount into provider minor units (cents for USD).
func (c Currency) ToMinor(amount decimal.Decimal) int64 {
	return amount.Shift(c.MinorExponent).Round(0).IntPart()
}

// FromMinor converts provider minor units back into a currency amount.
func (c Currency) FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -c.MinorExponent)
}

// Format renders amount using the currency's display rules.
func (c Currency) Format(amount decimal.Decimal) string {
	switch c.style {
	case styleWhole:
		return c.Symbol + groupInteger(amount.Round(0).IntPart())
	case styleTrimmed:
		fixed := amount.StringFixed(2)
		fixed = strings.TrimSuffix(strings.TrimRight(fixed, "0"), ".")
		return c.Symbol + " " + fixed
	default:
		return c.Symbol + groupFixed2(amount.Round(2))
	}
}

// FormatCurrency renders amount for the given currency code. Unknown codes
// are formatted as USD.
func FormatCurrency(amount decimal.Decimal, code string) string {
	return CurrencyFor(code).Format(amount)
}

func groupInteger(v int64) string {
	return message.NewPrinter(language.English).Sprintf("%d", v)
}

func groupFixed2(amount decimal.Decimal) string {
	return message.NewPrinter(language.English).Sprintf("%.2f", amount.InexactFloat64())
}

func normaliseCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
