package enrich

import (
	"math"
	"sort"
	"sync"
	"time"
)

// latencyRing keeps the most recent enrichment durations and computes
// percentiles over them for /stats. Bounded; old samples are
// overwritten in ring order.
type latencyRing struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func newLatencyRing(capacity int) *latencyRing {
	if capacity <= 0 {
		capacity = 512
	}
	return &latencyRing{samples: make([]time.Duration, capacity)}
}

func (r *latencyRing) Observe(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

// Percentiles returns the p95 and p99 over the live window. Zero when
// nothing has been observed yet.
func (r *latencyRing) Percentiles() (p95, p99 time.Duration) {
	r.mu.Lock()
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	live := make([]time.Duration, n)
	copy(live, r.samples[:n])
	r.mu.Unlock()

	if n == 0 {
		return 0, 0
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })
	return percentile(live, 0.95), percentile(live, 0.99)
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
