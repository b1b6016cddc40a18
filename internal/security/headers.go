package security

import (
	"net/http"
	"strconv"
	"time"
)

// apiCSP forbids every fetch. Responses are JSON or PDF attachments and are
// never meant to be rendered as a page.
const apiCSP = "default-src 'none'; frame-ancestors 'none'"

const defaultHSTSMaxAge = 365 * 24 * time.Hour

// Headers sets the response headers every API answer carries. HSTS is only
// sent over TLS, directly or behind a proxy that reports X-Forwarded-Proto.
type Headers struct {
	HSTS           bool
	HSTSMaxAge     time.Duration
	HSTSSubdomains bool
}

func (h Headers) hstsValue() string {
	age := h.HSTSMaxAge
	if age <= 0 {
		age = defaultHSTSMaxAge
	}
	v := "max-age=" + strconv.FormatInt(int64(age/time.Second), 10)
	if h.HSTSSubdomains {
		v += "; includeSubDomains"
	}
	return v
}

// Middleware wraps next.
func (h Headers) Middleware(next http.Handler) http.Handler {
	fixed := http.Header{
		"X-Content-Type-Options":       {"nosniff"},
		"X-Frame-Options":              {"DENY"},
		"Referrer-Policy":              {"no-referrer"},
		"Content-Security-Policy":      {apiCSP},
		"Cross-Origin-Resource-Policy": {"same-site"},
		// Invoices carry client details; intermediaries must not keep them.
		"Cache-Control": {"no-store"},
	}
	hsts := ""
	if h.HSTS {
		hsts = h.hstsValue()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dst := w.Header()
		for k, v := range fixed {
			dst[k] = v
		}
		if hsts != "" && isHTTPS(r) {
			dst.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}

func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}
