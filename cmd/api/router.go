package main

import (
	"crypto/subtle"
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-invoice/internal/app"
	"github.com/noah-isme/backend-invoice/internal/common"
	"github.com/noah-isme/backend-invoice/internal/config"
	"github.com/noah-isme/backend-invoice/internal/health"
	"github.com/noah-isme/backend-invoice/internal/invoice"
	"github.com/noah-isme/backend-invoice/internal/obs"
	"github.com/noah-isme/backend-invoice/internal/payment"
	"github.com/noah-isme/backend-invoice/internal/ratelimit"
	"github.com/noah-isme/backend-invoice/internal/security"
	"github.com/noah-isme/backend-invoice/internal/storage"
)

func newRouter(cfg *config.Config, deps *app.Dependencies, logger zerolog.Logger) http.Handler {
	invoiceHandler := invoice.NewHandler(invoice.HandlerConfig{Service: deps.Invoices, Logger: logger})
	checkoutHandler := &payment.CheckoutHandler{
		Invoices:      deps.Invoices,
		Providers:     deps.Providers,
		PublicBaseURL: cfg.PublicBaseURL,
		Logger:        logger.With().Str("component", "checkout").Logger(),
	}
	webhookHandler := payment.Webhook{
		Providers: deps.Providers,
		Payments:  deps.Invoices,
		Replay:    deps.Redis,
		ReplayTTL: cfg.WebhookReplayTTL,
		Locker:    deps.Locker,
		LockTTL:   cfg.PaymentLockTTL,
		Logger:    logger.With().Str("component", "webhook").Logger(),
	}
	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}
	limiter := ratelimit.Limiter{Client: deps.Redis, Prefix: "ratelimit:"}
	onLimitError := func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") }
	checkoutLimit := ratelimit.Handler{
		Limiter: limiter,
		Config:  ratelimit.Config{Key: ratelimit.ByRouteParam("checkout", "id"), Window: cfg.RateLimitWindow, Max: cfg.RateLimitMax},
		OnError: onLimitError,
	}
	webhookLimit := ratelimit.Handler{
		Limiter: limiter,
		Config:  ratelimit.Config{Key: ratelimit.ByRouteParam("webhook", "provider"), Window: cfg.RateLimitWindow, Max: cfg.RateLimitMax * 10},
		OnError: onLimitError,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Obs.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if cfg.Obs.MetricsEnabled {
		metrics := obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.MetricsBuckets), nil)
		r.Use(obs.HTTPObs{Metrics: metrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{HSTS: cfg.AppEnv == "production"}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders: []string{"Location", "X-Total-Count", "Content-Disposition", "Idempotent-Replayed"},
		MaxAge:         300,
	}))

	if cfg.Obs.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.Obs.PprofEnabled {
		r.Mount("/debug/pprof", basicAuth(pprofMux(), cfg.Obs.PprofUser, cfg.Obs.PprofPass))
	}

	healthHandler := health.Handler{Checks: deps.HealthChecks(cfg.Obs.ReadyDBTimeout, cfg.Obs.ReadyRedisTimeout)}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	if mem, ok := deps.Objects.(*storage.MemoryStore); ok {
		r.Handle("/files/*", http.StripPrefix("/files", mem))
	}

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)

		v.Get("/currencies", invoiceHandler.Currencies)
		v.Get("/invoice-templates", invoiceHandler.Templates)
		v.Get("/invoice-number", invoiceHandler.InvoiceNumber)
		v.Get("/invoice-drafts/new", invoiceHandler.NewDraft)

		v.Route("/invoices", func(inv chi.Router) {
			inv.Post("/preview", invoiceHandler.Preview)
			inv.With(idem.Middleware).Post("/", invoiceHandler.Publish)
			inv.Get("/", invoiceHandler.List)
			inv.Get("/{id}", invoiceHandler.Get)
			inv.Get("/{id}/pdf", invoiceHandler.PDF)
			inv.With(checkoutLimit.Middleware, idem.Middleware).Post("/{id}/checkout/{provider}", checkoutHandler.Checkout)
		})

		v.With(webhookLimit.Middleware).Post("/webhooks/{provider}", webhookHandler.Handle)
	})
	return r
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{cfg.PublicBaseURL}
	}
	return cfg.CORSAllowedOrigins
}

func pprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		mux.Handle("/"+name, pprof.Handler(name))
	}
	return mux
}

// basicAuth guards next when user is set.
func basicAuth(next http.Handler, user, pass string) http.Handler {
	if user == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
