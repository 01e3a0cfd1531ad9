// Package metrics aggregates request outcome events into the overall, per
// caller, security, performance, hourly and recent views.
package metrics

import (
	"math"
	"sync"
	"time"
)

// HistogramBucket stores the cumulative count for one latency bound.
type HistogramBucket struct {
	LeMs  float64 `json:"le_ms"`
	Count int64   `json:"count"`
}

// defaultBuckets are latency bounds in milliseconds.
var defaultBuckets = []float64{
	5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000,
}

// Histogram tracks a latency distribution. It is safe for concurrent use.
type Histogram struct {
	mu      sync.Mutex
	buckets []HistogramBucket
	sumMs   float64
	maxMs   float64
	count   int64
	slow    int64
	slowMs  float64
}

// NewHistogram creates a histogram with the default buckets. Observations
// above slow count as slow queries.
func NewHistogram(slow time.Duration) *Histogram {
	buckets := make([]HistogramBucket, len(defaultBuckets))
	for i, le := range defaultBuckets {
		buckets[i] = HistogramBucket{LeMs: le}
	}
	return &Histogram{buckets: buckets, slowMs: ms(slow)}
}

// Observe records one latency.
func (h *Histogram) Observe(d time.Duration) {
	v := ms(d)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sumMs += v
	h.count++
	if v > h.maxMs {
		h.maxMs = v
	}
	if h.slowMs > 0 && v > h.slowMs {
		h.slow++
	}
	for i := range h.buckets {
		if v <= h.buckets[i].LeMs {
			h.buckets[i].Count++
		}
	}
}

// Performance is a point-in-time view of a Histogram. Percentiles are
// bucket upper bounds; above the last bucket the largest observation is
// reported.
type Performance struct {
	Count       int64             `json:"count"`
	AvgMs       float64           `json:"avg_execution_time_ms"`
	P50Ms       float64           `json:"p50_execution_time_ms"`
	P95Ms       float64           `json:"p95_execution_time_ms"`
	P99Ms       float64           `json:"p99_execution_time_ms"`
	MaxMs       float64           `json:"max_execution_time_ms"`
	SlowQueries int64             `json:"slow_queries_count"`
	Buckets     []HistogramBucket `json:"buckets"`
}

// Snapshot returns the current distribution.
func (h *Histogram) Snapshot() Performance {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := Performance{
		Count:       h.count,
		MaxMs:       round2(h.maxMs),
		SlowQueries: h.slow,
		Buckets:     append([]HistogramBucket(nil), h.buckets...),
	}
	if h.count == 0 {
		return p
	}
	p.AvgMs = round2(h.sumMs / float64(h.count))
	p.P50Ms = h.percentile(0.50)
	p.P95Ms = h.percentile(0.95)
	p.P99Ms = h.percentile(0.99)
	return p
}

func (h *Histogram) percentile(q float64) float64 {
	target := int64(math.Ceil(q * float64(h.count)))
	if target < 1 {
		target = 1
	}
	for _, b := range h.buckets {
		if b.Count >= target {
			return b.LeMs
		}
	}
	return round2(h.maxMs)
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
