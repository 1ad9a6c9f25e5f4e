// Package metrics defines the Prometheus collectors shared by the batch
// processor. Collectors are constructed against an explicit registerer so
// tests can use a private registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultBuckets provides a common set of histogram buckets in seconds that
// can be reused across the application for latency metrics.
var DefaultBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10} //nolint: gochecknoglobals

// Outcome label values for the requests counter.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics bundles the collectors updated during a batch run.
type Metrics struct {
	// Requests counts completed items by outcome (success/failure).
	Requests *prometheus.CounterVec
	// RequestDuration observes the wall time of each upstream call.
	RequestDuration prometheus.Histogram
	// QuotaRemaining tracks the server-advertised remaining request budget.
	QuotaRemaining prometheus.Gauge
	// InFlight tracks requests admitted but not yet answered.
	InFlight prometheus.Gauge
}

// New registers and returns the batch processor collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "fsbatch",
			Name:      "items_total",
			Help:      "Completed batch items by outcome.",
		}, []string{"outcome"}),
		RequestDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "fsbatch",
			Name:      "request_duration_seconds",
			Help:      "Duration of upstream API calls.",
			Buckets:   DefaultBuckets,
		}),
		QuotaRemaining: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "fsbatch",
			Name:      "quota_remaining",
			Help:      "Server-advertised remaining request quota.",
		}),
		InFlight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "fsbatch",
			Name:      "requests_in_flight",
			Help:      "Requests admitted but not yet answered.",
		}),
	}
}
