package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCountersCreatedOnFirstUse(t *testing.T) {
	m := GetMetrics()
	m.IncrementCounter("test_counter_a")
	m.IncrementCounter("test_counter_a")
	m.AddCounter("test_counter_a", 3)
	assert.Equal(t, int64(5), m.CounterValue("test_counter_a"))
}

func TestHistogramStats(t *testing.T) {
	h := NewHistogram()
	for i := 0; i < 100; i++ {
		h.Observe(10 * time.Millisecond)
	}
	h.Observe(5 * time.Second)

	count, sumMs, avgMs, p95Ms := h.Stats()
	assert.Equal(t, int64(101), count)
	assert.Equal(t, int64(100*10+5000), sumMs)
	assert.InDelta(t, float64(sumMs)/101, avgMs, 0.01)
	assert.GreaterOrEqual(t, p95Ms, 8.0)
}

func TestSnapshotShape(t *testing.T) {
	m := GetMetrics()
	m.IncrementCounter("snap_counter")
	m.ObserveDuration("snap_hist", 25*time.Millisecond)

	snap := m.Snapshot()
	counters, ok := snap["counters"].(map[string]int64)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, counters["snap_counter"], int64(1))

	hists, ok := snap["histograms"].(map[string]map[string]interface{})
	assert.True(t, ok)
	assert.Contains(t, hists, "snap_hist")
	assert.NotNil(t, snap["uptime_seconds"])
}
