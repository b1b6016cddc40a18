package obs

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DomainMetrics are the invoice and payment counters.
type DomainMetrics struct {
	Published *prometheus.CounterVec
	Checkouts *prometheus.CounterVec
	Webhooks  *prometheus.CounterVec
	Payments  *prometheus.CounterVec
	PDFRender *prometheus.HistogramVec
}

var domain atomic.Pointer[DomainMetrics]

// MustRegisterDomainMetrics registers the domain collectors on reg and makes
// them the target of the Observe helpers. Until it runs those helpers are
// no-ops, which keeps package tests free of global registration.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) *DomainMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels))
	}
	m := &DomainMetrics{
		Published: counter("invoices_published_total", "Invoice publish attempts by currency and outcome.", "currency", "result"),
		Checkouts: counter("checkout_session_total", "Checkout session creations by provider and outcome.", "provider", "result"),
		Webhooks:  counter("payment_webhook_total", "Payment webhooks by provider and outcome.", "provider", "result"),
		Payments:  counter("payments_applied_total", "Payments credited to invoices by resulting status.", "provider", "status"),
		PDFRender: mustRegister(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pdf_render_duration_ms",
			Help:      "Invoice PDF rasterization latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"result"})),
	}
	domain.Store(m)
	return m
}

// ObservePublish counts one publish attempt.
func ObservePublish(currency, result string) {
	if m := domain.Load(); m != nil {
		m.Published.WithLabelValues(currency, result).Inc()
	}
}

// ObserveCheckout counts one checkout session attempt.
func ObserveCheckout(provider, result string) {
	if m := domain.Load(); m != nil {
		m.Checkouts.WithLabelValues(provider, result).Inc()
	}
}

// ObserveWebhook counts one webhook delivery outcome.
func ObserveWebhook(provider, result string) {
	if m := domain.Load(); m != nil {
		m.Webhooks.WithLabelValues(provider, result).Inc()
	}
}

// ObservePayment counts a payment credited to an invoice.
func ObservePayment(provider, status string) {
	if m := domain.Load(); m != nil {
		m.Payments.WithLabelValues(provider, status).Inc()
	}
}

// ObservePDFRender records one rasterization.
func ObservePDFRender(result string, took time.Duration) {
	if m := domain.Load(); m != nil {
		m.PDFRender.WithLabelValues(result).Observe(DurationMillis(took))
	}
}

// mustRegister registers c, or returns the collector already registered
// under the same descriptor.
func mustRegister[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var dup prometheus.AlreadyRegisteredError
	if errors.As(err, &dup) {
		if existing, ok := dup.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(fmt.Errorf("obs: register collector: %w", err))
}
