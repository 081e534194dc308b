package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterSum adds up every sample of the named counter family.
func counterSum(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range f.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func TestMetrics_recorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveMatch("compact", "hit", 10*time.Millisecond)
	m.ObserveMatch("compact", "hit", 20*time.Millisecond)
	m.CompactLoad("missing")
	m.Batch("ok")
	m.Retry()
	m.Retry()
	m.ItemsEmbedded(32)

	assert.Equal(t, 2.0, counterSum(t, reg, "qamatch_match_requests_total"))
	assert.Equal(t, 1.0, counterSum(t, reg, "qamatch_compact_index_loads_total"))
	assert.Equal(t, 1.0, counterSum(t, reg, "qamatch_precompute_batches_total"))
	assert.Equal(t, 2.0, counterSum(t, reg, "qamatch_precompute_retries_total"))
	assert.Equal(t, 32.0, counterSum(t, reg, "qamatch_precompute_items_total"))
}

func TestMetrics_nilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveMatch("legacy", "miss", time.Millisecond)
	m.CompactLoad("present")
	m.Batch("failed")
	m.Retry()
	m.ItemsEmbedded(1)
}

func TestNew_nilRegisterer(t *testing.T) {
	m := New(nil)
	require.NotNil(t, m)
	m.Retry()
}
