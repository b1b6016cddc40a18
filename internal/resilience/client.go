package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxRetryAfter caps how long a provider's Retry-After can stall a request.
const maxRetryAfter = 10 * time.Second

// HTTPClient sends provider API calls with a per-attempt timeout, retries
// on transport errors, 429 and 5xx, and a circuit breaker. 429 answers are
// retried but never count against the breaker.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	Target      string
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
}

// ClientConfig configures NewHTTPClient.
type ClientConfig struct {
	// Target labels breaker metrics and outbound spans, e.g. "lemonsqueezy".
	Target      string
	Timeout     time.Duration
	MaxAttempts int
	Logger      zerolog.Logger
}

// NewHTTPClient builds a traced client with its own breaker.
func NewHTTPClient(cfg ClientConfig) HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return cfg.Target + " " + r.Method + " " + r.URL.Path
		}),
	)
	return HTTPClient{
		Client:      &http.Client{Transport: transport},
		Breaker:     NewBreaker(5, 0.5, 30*time.Second).WithTarget(cfg.Target).WithLogger(cfg.Logger),
		Target:      cfg.Target,
		BaseBackoff: 200 * time.Millisecond,
		MaxAttempts: cfg.MaxAttempts,
		Jitter:      0.2,
		Timeout:     cfg.Timeout,
	}
}

// Do sends req. The body is buffered once so every attempt replays it. A
// final 429 or 5xx response is returned to the caller as is.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	body, err := bufferBody(req)
	if err != nil {
		return nil, fmt.Errorf("resilience: read request body: %w", err)
	}
	attempts := max(cl.MaxAttempts, 1)

	for attempt := 1; ; attempt++ {
		if cl.Breaker != nil && !cl.Breaker.Allow(ctx) {
			return nil, ErrOpenCircuit
		}
		resp, err := cl.send(ctx, req, body)
		reason := retryReason(resp, err)
		if cl.Breaker != nil {
			cl.Breaker.Report(ctx, reason == "" || reason == "throttled")
		}
		if reason == "" || attempt == attempts || ctx.Err() != nil {
			if err != nil && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return resp, err
		}

		wait := Backoff(cl.BaseBackoff, attempt, cl.Jitter)
		if resp != nil {
			if ra, ok := retryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				wait = ra
			}
			discard(resp.Body)
		}
		breakerMetrics.retries.WithLabelValues(cl.Target, reason).Inc()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// send runs one attempt. Its timeout context is released when the caller
// closes the response body.
func (cl HTTPClient) send(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	attempt := req.Clone(ctx)
	if body != nil {
		attempt.Body = io.NopCloser(bytes.NewReader(body))
		attempt.ContentLength = int64(len(body))
	}
	resp, err := cl.Client.Do(attempt)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = releasingBody{ReadCloser: resp.Body, release: cancel}
	return resp, nil
}

// retryReason is empty when the outcome is final.
func retryReason(resp *http.Response, err error) string {
	switch {
	case err != nil:
		return "transport"
	case resp.StatusCode == http.StatusTooManyRequests:
		return "throttled"
	case resp.StatusCode >= 500:
		return "server_error"
	default:
		return ""
	}
}

// retryAfter parses delay-seconds or an HTTP date.
func retryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = at.Sub(now)
	} else {
		return 0, false
	}
	return min(max(d, 0), maxRetryAfter), true
}

type releasingBody struct {
	io.ReadCloser
	release context.CancelFunc
}

func (b releasingBody) Close() error {
	defer b.release()
	return b.ReadCloser.Close()
}

func discard(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 64<<10))
	_ = rc.Close()
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}
