// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noah-isme/backend-invoice/internal/common"
)

const defaultCheckTimeout = 500 * time.Millisecond

var draining atomic.Bool

// SetReady toggles readiness. The API clears it on shutdown so load
// balancers stop routing before the listener closes.
func SetReady(v bool) {
	draining.Store(!v)
}

// Check probes one dependency.
type Check struct {
	Name    string
	Timeout time.Duration
	Probe   func(ctx context.Context) error
}

// Handler serves /health/live and /health/ready.
type Handler struct {
	Checks []Check
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Live always answers 200 while the process runs.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every check concurrently and answers 503 if any fails or the
// server is draining.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if draining.Load() {
		common.JSON(w, http.StatusServiceUnavailable, readiness{Status: "draining", Checks: map[string]string{}})
		return
	}
	results := make(map[string]string, len(h.Checks))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range h.Checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			timeout := c.Timeout
			if timeout <= 0 {
				timeout = defaultCheckTimeout
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			status := "ok"
			if err := c.Probe(ctx); err != nil {
				status = err.Error()
			}
			mu.Lock()
			results[c.Name] = status
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	body := readiness{Status: "ok", Checks: results}
	code := http.StatusOK
	for _, s := range results {
		if s != "ok" {
			body.Status, code = "unavailable", http.StatusServiceUnavailable
			break
		}
	}
	common.JSON(w, code, body)
}
