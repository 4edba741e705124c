// Package metrics keeps in-process counters and duration histograms exposed
// through the status API. Named series keep call sites decoupled from this
// package: a counter or histogram springs into existence on first use.
package metrics

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Metrics struct {
	mu         sync.RWMutex
	counters   map[string]*int64
	histograms map[string]*Histogram

	goroutineCount int
	heapAllocMB    uint64
	numGC          uint32

	startTime time.Time
}

// Histogram buckets millisecond durations logarithmically: bucket i covers
// [2^(i-1), 2^i) ms.
type Histogram struct {
	counts []int64
	sum    int64
	count  int64
}

var globalMetrics = &Metrics{
	counters:   make(map[string]*int64),
	histograms: make(map[string]*Histogram),
	startTime:  time.Now(),
}

func GetMetrics() *Metrics {
	return globalMetrics
}

func NewHistogram() *Histogram {
	return &Histogram{counts: make([]int64, 20)}
}

func (h *Histogram) Observe(duration time.Duration) {
	ms := duration.Milliseconds()
	atomic.AddInt64(&h.count, 1)
	atomic.AddInt64(&h.sum, ms)

	bucket := 0
	for ms > 0 && bucket < len(h.counts)-1 {
		ms /= 2
		bucket++
	}
	atomic.AddInt64(&h.counts[bucket], 1)
}

// Stats returns count, total, average and an estimated p95 in milliseconds.
func (h *Histogram) Stats() (count int64, sumMs int64, avgMs float64, p95Ms float64) {
	count = atomic.LoadInt64(&h.count)
	sumMs = atomic.LoadInt64(&h.sum)
	if count == 0 {
		return 0, 0, 0, 0
	}
	avgMs = float64(sumMs) / float64(count)

	// p95 estimated as the upper bound of the bucket holding the 95th
	// percentile observation.
	target := count - count/20
	var seen int64
	for i := range h.counts {
		seen += atomic.LoadInt64(&h.counts[i])
		if seen >= target {
			p95Ms = float64(int64(1) << uint(i))
			break
		}
	}
	return count, sumMs, avgMs, p95Ms
}

func (m *Metrics) counter(name string) *int64 {
	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[name]; ok {
		return c
	}
	c = new(int64)
	m.counters[name] = c
	return c
}

func (m *Metrics) histogram(name string) *Histogram {
	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.histograms[name]; ok {
		return h
	}
	h = NewHistogram()
	m.histograms[name] = h
	return h
}

func (m *Metrics) IncrementCounter(name string) {
	atomic.AddInt64(m.counter(name), 1)
}

func (m *Metrics) AddCounter(name string, delta int64) {
	atomic.AddInt64(m.counter(name), delta)
}

func (m *Metrics) CounterValue(name string) int64 {
	return atomic.LoadInt64(m.counter(name))
}

func (m *Metrics) ObserveDuration(name string, d time.Duration) {
	m.histogram(name).Observe(d)
}

func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.Lock()
	m.goroutineCount = runtime.NumGoroutine()
	m.heapAllocMB = memStats.Alloc / 1024 / 1024
	m.numGC = memStats.NumGC
	m.mu.Unlock()
}

// Snapshot renders every series into a JSON-friendly map for the status API.
func (m *Metrics) Snapshot() map[string]interface{} {
	m.UpdateSystemMetrics()

	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	names := make([]string, 0, len(m.counters))
	for name := range m.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		counters[name] = atomic.LoadInt64(m.counters[name])
	}

	histograms := make(map[string]map[string]interface{}, len(m.histograms))
	for name, h := range m.histograms {
		count, sumMs, avgMs, p95Ms := h.Stats()
		histograms[name] = map[string]interface{}{
			"count":  count,
			"sum_ms": sumMs,
			"avg_ms": avgMs,
			"p95_ms": p95Ms,
		}
	}

	return map[string]interface{}{
		"counters":       counters,
		"histograms":     histograms,
		"goroutines":     m.goroutineCount,
		"heap_alloc_mb":  m.heapAllocMB,
		"gc_runs":        m.numGC,
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
	}
}
