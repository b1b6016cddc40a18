// Package render turns a priced invoice into HTML and PDF documents.
package render

import (
	"bytes"
	"context"
	"embed"
	"html/template"
	"strings"
	"time"

	"github.com/noah-isme/backend-invoice/internal/obs"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Party is the sender or recipient block of an invoice.
type Party struct {
	Name    string
	Address string
	Email   string
}

// Line is one rendered line item. All amounts are preformatted.
type Line struct {
	Description string
	Quantity    string
	UnitPrice   string
	Discount    string
	TaxRate     string
	Total       string
}

// Document carries every value shown on the invoice. The renderer never
// computes amounts; callers pass the pricing engine's formatted output.
type Document struct {
	InvoiceNumber string
	IssueDate     string
	DueDate       string
	Currency      string
	Status        string
	Company       Party
	Client        Party
	Items         []Line
	Subtotal      string
	Discount      string
	Tax           string
	TaxLabel      string
	Total         string
	AmountPaid    string
	AmountDue     string
	Notes         string
	Logo          string
	Signature     string
}

// Rasterizer converts a complete HTML page into PDF bytes.
type Rasterizer interface {
	Rasterize(ctx context.Context, html string) ([]byte, error)
}

// Renderer produces HTML and PDF invoice documents.
type Renderer struct {
	tmpl       *template.Template
	rasterizer Rasterizer
}

// NewRenderer parses the embedded invoice template.
func NewRenderer(r Rasterizer) (*Renderer, error) {
	tmpl, err := template.New("invoice.html.tmpl").Funcs(template.FuncMap{
		"image": safeImage,
		"lines": func(s string) []string { return strings.Split(strings.TrimSpace(s), "\n") },
	}).ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, NewRenderError(ErrCodeTemplateFailed, "parse invoice template", err)
	}
	return &Renderer{tmpl: tmpl, rasterizer: r}, nil
}

// HTML renders the invoice page.
func (r *Renderer) HTML(doc Document) (string, error) {
	if strings.TrimSpace(doc.InvoiceNumber) == "" {
		return "", NewRenderError(ErrCodeInvalidDocument, "invoice number is required", nil)
	}
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, doc); err != nil {
		return "", NewRenderError(ErrCodeTemplateFailed, "execute invoice template", err)
	}
	return buf.String(), nil
}

// PDF renders the invoice page and rasterizes it.
func (r *Renderer) PDF(ctx context.Context, doc Document) ([]byte, error) {
	html, err := r.HTML(doc)
	if err != nil {
		return nil, err
	}
	if r.rasterizer == nil {
		return nil, NewRenderError(ErrCodeRenderFailed, "no rasterizer configured", nil)
	}
	start := time.Now()
	pdf, err := r.rasterizer.Rasterize(ctx, html)
	result := "success"
	if err != nil {
		result = "error"
	}
	obs.ObservePDFRender(result, time.Since(start))
	if err != nil {
		return nil, err
	}
	return pdf, nil
}

// safeImage admits data:image URLs and http(s) URLs as image sources.
func safeImage(src string) template.URL {
	s := strings.TrimSpace(src)
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "data:image/png;base64,"),
		strings.HasPrefix(lower, "data:image/jpeg;base64,"),
		strings.HasPrefix(lower, "data:image/gif;base64,"),
		strings.HasPrefix(lower, "data:image/webp;base64,"),
		strings.HasPrefix(lower, "https://"),
		strings.HasPrefix(lower, "http://"):
		return template.URL(s)
	default:
		return ""
	}
}
