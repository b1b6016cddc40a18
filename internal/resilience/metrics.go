package resilience

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// breakerMetrics are shared by every breaker and labelled by target.
var breakerMetrics = struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	opened      *prometheus.CounterVec
	retries     *prometheus.CounterVec
}{
	state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "provider_breaker_state",
		Help: "Outbound provider breaker state (0 closed, 1 open, 2 half-open).",
	}, []string{"target"}),
	transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_breaker_transition_total",
		Help: "Outbound provider breaker state changes.",
	}, []string{"target", "from", "to"}),
	opened: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_breaker_open_total",
		Help: "Times an outbound provider breaker opened.",
	}, []string{"target"}),
	retries: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_http_retry_total",
		Help: "Outbound provider requests retried, by reason.",
	}, []string{"target", "reason"}),
}

// RegisterMetrics registers the breaker and retry collectors. Collectors that
// are already registered are skipped.
func RegisterMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		breakerMetrics.state,
		breakerMetrics.transitions,
		breakerMetrics.opened,
		breakerMetrics.retries,
	}
	for _, c := range collectors {
		err := reg.Register(c)
		var dup prometheus.AlreadyRegisteredError
		if err != nil && !errors.As(err, &dup) {
			return err
		}
	}
	return nil
}
