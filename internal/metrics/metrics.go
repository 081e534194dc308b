// Package metrics holds the Prometheus collectors for matching, compact index
// loading and embedding precomputation. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "qamatch"

// Metrics groups all collectors of the service.
type Metrics struct {
	matchRequests     *prometheus.CounterVec
	matchDuration     *prometheus.HistogramVec
	compactLoads      *prometheus.CounterVec
	precomputeBatches *prometheus.CounterVec
	precomputeRetries prometheus.Counter
	precomputeItems   prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		matchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_requests_total",
			Help:      "Match requests by scoring path and outcome",
		}, []string{"path", "outcome"}),
		matchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_duration_seconds",
			Help:      "Time spent answering a match request, embedding included",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"path"}),
		compactLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compact_index_loads_total",
			Help:      "Compact index load attempts by outcome",
		}, []string{"outcome"}),
		precomputeBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precompute_batches_total",
			Help:      "Embedding batches by outcome",
		}, []string{"outcome"}),
		precomputeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precompute_retries_total",
			Help:      "Retried embedding batch calls",
		}),
		precomputeItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precompute_items_total",
			Help:      "Records that received a new embedding",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.matchRequests,
			m.matchDuration,
			m.compactLoads,
			m.precomputeBatches,
			m.precomputeRetries,
			m.precomputeItems,
		)
	}
	return m
}

// ObserveMatch records one match call. path is "compact", "legacy" or "none";
// outcome is "hit", "miss" or "error".
func (m *Metrics) ObserveMatch(path, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.matchRequests.WithLabelValues(path, outcome).Inc()
	m.matchDuration.WithLabelValues(path).Observe(elapsed.Seconds())
}

// CompactLoad records a compact index probe: "present", "missing" or "error".
func (m *Metrics) CompactLoad(outcome string) {
	if m == nil {
		return
	}
	m.compactLoads.WithLabelValues(outcome).Inc()
}

// Batch records a finished embedding batch: "ok" or "failed".
func (m *Metrics) Batch(outcome string) {
	if m == nil {
		return
	}
	m.precomputeBatches.WithLabelValues(outcome).Inc()
}

// Retry records one retried batch call.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.precomputeRetries.Inc()
}

// ItemsEmbedded adds n newly embedded records.
func (m *Metrics) ItemsEmbedded(n int) {
	if m == nil {
		return
	}
	m.precomputeItems.Add(float64(n))
}
