package metrics

import (
	"sync"
	"time"
)

// Guardrail checks are sub-millisecond; approval round-trips can take
// minutes, so the bounds stretch further than usual HTTP buckets.
var latencyBounds = []float64{
	0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 60.0, 300.0,
}

// Histogram records a latency distribution against fixed upper bounds.
// Counts are cumulative: an observation increments every bucket whose
// bound it fits under.
type Histogram struct {
	mu     sync.Mutex
	name   string
	counts []int64
	sum    float64
	total  int64
}

func NewHistogram(name string) *Histogram {
	return &Histogram{name: name, counts: make([]int64, len(latencyBounds))}
}

func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += sec
	h.total++
	for i, le := range latencyBounds {
		if sec <= le {
			h.counts[i]++
		}
	}
}

// HistogramBucket is one bound/count pair in a snapshot.
type HistogramBucket struct {
	Le    float64 // upper bound in seconds
	Count int64
}

type HistogramSnapshot struct {
	Name    string
	Buckets []HistogramBucket
	Sum     float64
	Count   int64
	P50     float64
	P95     float64
	P99     float64
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	buckets := make([]HistogramBucket, len(latencyBounds))
	for i, le := range latencyBounds {
		buckets[i] = HistogramBucket{Le: le, Count: h.counts[i]}
	}
	return HistogramSnapshot{
		Name:    h.name,
		Buckets: buckets,
		Sum:     h.sum,
		Count:   h.total,
		P50:     quantileBound(buckets, h.total, 0.50),
		P95:     quantileBound(buckets, h.total, 0.95),
		P99:     quantileBound(buckets, h.total, 0.99),
	}
}

// quantileBound returns the smallest bucket bound covering the q-th share
// of observations. The estimate is the bound itself, not an interpolation.
func quantileBound(buckets []HistogramBucket, total int64, q float64) float64 {
	if total == 0 {
		return 0
	}
	target := int64(q * float64(total))
	for _, b := range buckets {
		if b.Count >= target {
			return b.Le
		}
	}
	return buckets[len(buckets)-1].Le
}

// HistogramRegistry holds one histogram per checkpoint name.
type HistogramRegistry struct {
	mu     sync.Mutex
	byName map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{byName: map[string]*Histogram{}}
}

func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byName[name]
	if !ok {
		h = NewHistogram(name)
		r.byName[name] = h
	}
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.Lock()
	hs := make([]*Histogram, 0, len(r.byName))
	for _, h := range r.byName {
		hs = append(hs, h)
	}
	r.mu.Unlock()
	out := make([]HistogramSnapshot, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Snapshot())
	}
	return out
}
