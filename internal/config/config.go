package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	PublicBaseURL      string
	APIBaseURL         string
	AutoMigrate        bool

	DefaultCurrency string
	PaymentTerms    time.Duration

	StripeSecretKey     string
	StripeWebhookSecret string

	LemonSqueezyAPIKey        string
	LemonSqueezyBaseURL       string
	LemonSqueezyStoreID       string
	LemonSqueezyVariantID     string
	LemonSqueezyWebhookSecret string

	Storage  StorageConfig
	Renderer RendererConfig
	Obs      ObsConfig

	WebhookReplayTTL time.Duration
	IdempotencyTTL   time.Duration
	PaymentLockTTL   time.Duration
	RateLimitWindow  time.Duration
	RateLimitMax     int
	BodyLimitBytes   int64
}

// StorageConfig describes the S3-compatible bucket receiving invoice PDFs.
// When Bucket is empty PDFs are kept in memory.
type StorageConfig struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	UsePathStyle  bool
	PublicBaseURL string
}

// RendererConfig controls the headless Chrome rasterizer.
type RendererConfig struct {
	RemoteURL string
	Timeout   time.Duration
	NoSandbox bool
}

// ObsConfig controls logging, metrics, tracing and the operational endpoints.
type ObsConfig struct {
	LogFormat string
	LogLevel  string

	MetricsEnabled   bool
	MetricsNamespace string
	MetricsBuckets   string

	TracingEnabled  bool
	TracingExporter string
	OTLPEndpoint    string
	SamplingRatio   float64

	PprofEnabled bool
	PprofUser    string
	PprofPass    string

	ReadyDBTimeout    time.Duration
	ReadyRedisTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Load reads configuration from the environment, after merging an optional
// .env file. Malformed numbers, booleans and durations are reported together.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	src := &source{k: k}

	cfg := &Config{
		AppEnv:             src.str("APP_ENV", "development"),
		Port:               src.str("PORT", "8080"),
		DatabaseURL:        src.str("DATABASE_URL", ""),
		RedisURL:           src.str("REDIS_URL", ""),
		CORSAllowedOrigins: src.list("CORS_ALLOWED_ORIGINS"),
		PublicBaseURL:      src.url("PUBLIC_BASE_URL", "http://localhost:3000"),
		APIBaseURL:         src.url("API_BASE_URL", ""),
		AutoMigrate:        src.flag("AUTO_MIGRATE", false),

		DefaultCurrency: strings.ToUpper(src.str("DEFAULT_CURRENCY", "USD")),
		PaymentTerms:    src.duration("PAYMENT_TERMS", 30*24*time.Hour),

		StripeSecretKey:     src.str("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: src.str("STRIPE_WEBHOOK_SECRET", ""),

		LemonSqueezyAPIKey:        src.str("LEMON_SQUEEZY_API_KEY", ""),
		LemonSqueezyBaseURL:       src.url("LEMON_SQUEEZY_BASE_URL", "https://api.lemonsqueezy.com"),
		LemonSqueezyStoreID:       src.str("LEMON_SQUEEZY_STORE_ID", ""),
		LemonSqueezyVariantID:     src.str("LEMON_SQUEEZY_VARIANT_ID", ""),
		LemonSqueezyWebhookSecret: src.str("LEMON_SQUEEZY_WEBHOOK_SECRET", ""),

		Storage: StorageConfig{
			Endpoint:      src.str("STORAGE_ENDPOINT", ""),
			Region:        src.str("STORAGE_REGION", "us-east-1"),
			Bucket:        src.str("STORAGE_BUCKET", ""),
			AccessKey:     src.str("STORAGE_ACCESS_KEY", ""),
			SecretKey:     src.str("STORAGE_SECRET_KEY", ""),
			UsePathStyle:  src.flag("STORAGE_USE_PATH_STYLE", true),
			PublicBaseURL: src.url("STORAGE_PUBLIC_BASE_URL", ""),
		},
		Renderer: RendererConfig{
			RemoteURL: src.str("RENDERER_REMOTE_URL", ""),
			Timeout:   src.duration("RENDERER_TIMEOUT", 30*time.Second),
			NoSandbox: src.flag("RENDERER_NO_SANDBOX", false),
		},

		Obs: ObsConfig{
			LogFormat:         src.str("OBS_LOG_FORMAT", "json"),
			LogLevel:          src.str("OBS_LOG_LEVEL", "info"),
			MetricsEnabled:    src.flag("OBS_ENABLE_PROMETHEUS", true),
			MetricsNamespace:  src.str("OBS_METRICS_NAMESPACE", "invoice"),
			MetricsBuckets:    src.str("OBS_METRICS_BUCKETS_MS", ""),
			TracingEnabled:    src.flag("OBS_ENABLE_TRACING", true),
			TracingExporter:   src.str("OBS_TRACING_EXPORTER", "otlp"),
			OTLPEndpoint:      src.str("OBS_OTLP_ENDPOINT", ""),
			SamplingRatio:     src.ratio("OBS_TRACING_SAMPLING_RATIO", 1),
			PprofEnabled:      src.flag("OBS_ENABLE_PPROF", false),
			PprofUser:         src.str("SECURE_PPROF_BASIC_AUTH_USER", ""),
			PprofPass:         src.str("SECURE_PPROF_BASIC_AUTH_PASS", ""),
			ReadyDBTimeout:    src.duration("HEALTH_READY_DB_TIMEOUT", 500*time.Millisecond),
			ReadyRedisTimeout: src.duration("HEALTH_READY_REDIS_TIMEOUT", 300*time.Millisecond),
			ShutdownTimeout:   src.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},

		WebhookReplayTTL: src.duration("WEBHOOK_REPLAY_TTL", 48*time.Hour),
		IdempotencyTTL:   src.duration("IDEMPOTENCY_TTL", 24*time.Hour),
		PaymentLockTTL:   src.duration("PAYMENT_LOCK_TTL", 10*time.Second),
		RateLimitWindow:  src.duration("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitMax:     src.integer("RATE_LIMIT_MAX", 60),
		BodyLimitBytes:   int64(src.integer("BODY_LIMIT_BYTES", 5<<20)),
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost" + cfg.HTTPAddr()
	}

	switch {
	case cfg.DatabaseURL == "":
		src.fail(errors.New("DATABASE_URL is required"))
	case cfg.RedisURL == "":
		src.fail(errors.New("REDIS_URL is required"))
	}
	if cfg.Storage.Bucket != "" && (cfg.Storage.AccessKey == "" || cfg.Storage.SecretKey == "") {
		src.fail(errors.New("STORAGE_ACCESS_KEY and STORAGE_SECRET_KEY are required when STORAGE_BUCKET is set"))
	}
	if err := errors.Join(src.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HTTPAddr returns the address the HTTP server binds to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	switch {
	case port == "":
		return ":8080"
	case strings.HasPrefix(port, ":"):
		return port
	default:
		return ":" + port
	}
}

// StripeEnabled reports whether Stripe checkout or webhooks are configured.
func (c *Config) StripeEnabled() bool {
	return c.StripeSecretKey != "" || c.StripeWebhookSecret != ""
}

// LemonSqueezyEnabled reports whether Lemon Squeezy checkout or webhooks are configured.
func (c *Config) LemonSqueezyEnabled() bool {
	return c.LemonSqueezyAPIKey != "" || c.LemonSqueezyWebhookSecret != ""
}

// source reads typed values from koanf and collects parse errors.
type source struct {
	k    *koanf.Koanf
	errs []error
}

func (s *source) fail(err error) { s.errs = append(s.errs, err) }

func (s *source) str(key, fallback string) string {
	if v := strings.TrimSpace(s.k.String(key)); v != "" {
		return v
	}
	return fallback
}

func (s *source) url(key, fallback string) string {
	return strings.TrimRight(s.str(key, fallback), "/")
}

func (s *source) list(key string) []string {
	var out []string
	for _, part := range strings.Split(s.str(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s *source) duration(key string, fallback time.Duration) time.Duration {
	raw := s.str(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		s.fail(fmt.Errorf("%s: invalid duration %q", key, raw))
		return fallback
	}
	return d
}

func (s *source) integer(key string, fallback int) int {
	raw := s.str(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		s.fail(fmt.Errorf("%s: invalid integer %q", key, raw))
		return fallback
	}
	return n
}

// ratio reads a float in [0, 1].
func (s *source) ratio(key string, fallback float64) float64 {
	raw := s.str(key, "")
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 || f > 1 {
		s.fail(fmt.Errorf("%s: invalid ratio %q", key, raw))
		return fallback
	}
	return f
}

func (s *source) flag(key string, fallback bool) bool {
	switch strings.ToLower(s.str(key, "")) {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		s.fail(fmt.Errorf("%s: invalid boolean %q", key, s.str(key, "")))
		return fallback
	}
}
