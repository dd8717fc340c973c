package utils

import (
	"sort"
	"sync"
	"time"
)

// LatencySummary is a point-in-time view of a LatencyTracker.
type LatencySummary struct {
	Samples int
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
	Max     time.Duration
}

// LatencyTracker keeps a fixed-size ring of recent request durations.
type LatencyTracker struct {
	mu    sync.RWMutex
	ring  []time.Duration
	next  int
	full  bool
	total uint64
}

// NewLatencyTracker creates a tracker holding up to size samples.
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = 512
	}
	return &LatencyTracker{ring: make([]time.Duration, size)}
}

// Observe records d, overwriting the oldest sample once the ring is full.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ring[l.next] = d
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.full = true
	}
	l.total++
}

// Count returns the number of retained samples.
func (l *LatencyTracker) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count()
}

// Total returns the number of samples observed over the tracker's lifetime.
func (l *LatencyTracker) Total() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Percentile returns the interpolated percentile (0-100), or zero when empty.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	v, ok := Percentile(l.values(), p)
	if !ok {
		return 0
	}
	return time.Duration(v)
}

// Summary computes the common percentiles over one consistent sample set.
func (l *LatencyTracker) Summary() LatencySummary {
	values := l.values()
	out := LatencySummary{Samples: len(values)}
	if len(values) == 0 {
		return out
	}
	sort.Float64s(values)
	at := func(p float64) time.Duration { return time.Duration(PercentileSorted(values, p)) }
	out.P50, out.P95, out.P99, out.Max = at(50), at(95), at(99), at(100)
	return out
}

func (l *LatencyTracker) count() int {
	if l.full {
		return len(l.ring)
	}
	return l.next
}

func (l *LatencyTracker) values() []float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := l.count()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = float64(l.ring[i])
	}
	return out
}
