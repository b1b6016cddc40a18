package invoice

import (
	"errors"

	"github.com/noah-isme/backend-invoice/internal/pricing"
)

// ErrUnknownTemplate is returned for template ids that are not built in.
var ErrUnknownTemplate = errors.New("invoice: unknown template")

// Template pre-fills a draft for a common kind of business.
type Template struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	CompanyName    string             `json:"companyName"`
	CompanyEmail   string             `json:"companyEmail"`
	CompanyAddress string             `json:"companyAddress"`
	Currency       string             `json:"currency"`
	Notes          string             `json:"notes"`
	Items          []pricing.LineItem `json:"items"`
}

var builtinTemplates = []Template{
	{
		ID:             "consulting",
		Name:           "Consulting Services",
		CompanyName:    "Your Consulting Company",
		CompanyEmail:   "consulting@example.com",
		CompanyAddress: "123 Business Street\nSuite 100\nNew York, NY 10001",
		Currency:       "USD",
		Notes:          "Payment is due within 30 days. Please include invoice number in payment reference.",
		Items: []pricing.LineItem{
			templateItem("Consulting Services", 150),
			templateItem("Project Management", 100),
		},
	},
	{
		ID:             "retail",
		Name:           "Retail Sale",
		CompanyName:    "Your Retail Store",
		CompanyEmail:   "sales@retailstore.com",
		CompanyAddress: "456 Shop Avenue\nMall District\nLos Angeles, CA 90001",
		Currency:       "USD",
		Notes:          "Thank you for your business! Returns accepted within 30 days with receipt.",
		Items: []pricing.LineItem{
			templateItem("Product Item", 49.99),
		},
	},
	{
		ID:             "freelance",
		Name:           "Freelance Work",
		CompanyName:    "Your Freelance Business",
		CompanyEmail:   "hello@freelancer.com",
		CompanyAddress: "789 Creative Lane\nAustin, TX 78701",
		Currency:       "USD",
		Notes:          "Payment is due upon receipt. Please make payment via bank transfer or PayPal.",
		Items: []pricing.LineItem{
			templateItem("Design Services", 75),
		},
	},
}

func templateItem(description string, price float64) pricing.LineItem {
	return pricing.LineItem{
		Description:  description,
		Quantity:     1,
		UnitPrice:    price,
		DiscountType: pricing.DiscountPercentage,
	}
}

// Templates returns copies of the built-in templates.
func Templates() []Template {
	out := make([]Template, len(builtinTemplates))
	for i, t := range builtinTemplates {
		t.Items = append([]pricing.LineItem(nil), t.Items...)
		out[i] = t
	}
	return out
}

// LookupTemplate returns a copy of the template with id.
func LookupTemplate(id string) (Template, bool) {
	for _, t := range builtinTemplates {
		if t.ID == id {
			t.Items = append([]pricing.LineItem(nil), t.Items...)
			return t, true
		}
	}
	return Template{}, false
}
