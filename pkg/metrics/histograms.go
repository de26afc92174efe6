package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// latencyBounds are upper bucket bounds in seconds. Decision checks are
// in-process and usually land under 5ms; the upper bounds exist for
// handlers that touch Redis, Postgres, or the escalation webhook.
var latencyBounds = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

// HistogramBucket is a cumulative count of observations at or under Le.
type HistogramBucket struct {
	Le    float64
	Count int64
}

// Histogram records a latency distribution for one endpoint. Buckets
// are stored per-interval and accumulated only when a snapshot is
// taken, which keeps Observe to a single index increment.
type Histogram struct {
	mu    sync.Mutex
	name  string
	perLe []int64 // observations that fell into bucket i, non-cumulative
	over  int64   // observations above the largest bound
	sum   float64
	count int64
}

func NewHistogram(name string) *Histogram {
	return &Histogram{name: name, perLe: make([]int64, len(latencyBounds))}
}

func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	idx := sort.SearchFloat64s(latencyBounds, sec)

	h.mu.Lock()
	if idx < len(h.perLe) {
		h.perLe[idx]++
	} else {
		h.over++
	}
	h.sum += sec
	h.count++
	h.mu.Unlock()
}

// HistogramSnapshot is the exposition form: cumulative buckets plus
// estimated quantiles (each quantile reports the bound of the bucket
// its rank falls into).
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

	snap := HistogramSnapshot{
		Name:    h.name,
		Buckets: make([]HistogramBucket, len(latencyBounds)),
		Sum:     h.sum,
		Count:   h.count,
	}
	var cum int64
	for i, le := range latencyBounds {
		cum += h.perLe[i]
		snap.Buckets[i] = HistogramBucket{Le: le, Count: cum}
	}
	snap.P50 = quantileBound(snap.Buckets, h.count, 0.50)
	snap.P95 = quantileBound(snap.Buckets, h.count, 0.95)
	snap.P99 = quantileBound(snap.Buckets, h.count, 0.99)
	return snap
}

// Percentile estimates the given quantile (0.0-1.0) from bucket bounds.
func (h *Histogram) Percentile(q float64) float64 {
	snap := h.Snapshot()
	return quantileBound(snap.Buckets, snap.Count, q)
}

func quantileBound(buckets []HistogramBucket, total int64, q float64) float64 {
	if total == 0 || len(buckets) == 0 {
		return 0
	}
	rank := int64(math.Ceil(q * float64(total)))
	if rank < 1 {
		rank = 1
	}
	for _, b := range buckets {
		if b.Count >= rank {
			return b.Le
		}
	}
	return buckets[len(buckets)-1].Le
}

// HistogramRegistry keys histograms by endpoint label.
type HistogramRegistry struct {
	mu        sync.Mutex
	byName    map[string]*Histogram
	nameOrder []string
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
		r.nameOrder = append(r.nameOrder, name)
		sort.Strings(r.nameOrder)
	}
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots returns one snapshot per endpoint in name order, so the
// Prometheus exposition is stable between scrapes.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.Lock()
	names := make([]string, len(r.nameOrder))
	copy(names, r.nameOrder)
	hs := make([]*Histogram, 0, len(names))
	for _, name := range names {
		hs = append(hs, r.byName[name])
	}
	r.mu.Unlock()

	out := make([]HistogramSnapshot, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Snapshot())
	}
	return out
}
