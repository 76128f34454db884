package cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// latencyWindowSize bounds the rolling sample set used for percentiles.
const latencyWindowSize = 1024

// Stats is a point-in-time view of cache activity.
type Stats struct {
	MemoryHits    uint64
	MemoryMisses  uint64
	BackendHits   uint64
	BackendMisses uint64
	TotalOps      uint64

	// PendingWrites counts async distributed writes not yet acknowledged.
	// Acknowledged writes are the only ones reflected in TotalOps.
	PendingWrites int64

	// Entries and SizeBytes describe the memory tier.
	Entries   uint64
	SizeBytes uint64

	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
}

// HitRatio reports overall hits over total lookups.
func (s Stats) HitRatio() float64 {
	hits := s.MemoryHits + s.BackendHits
	total := hits + s.BackendMisses + s.MemoryMisses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

type statsTracker struct {
	memoryHits    uint64
	memoryMisses  uint64
	backendHits   uint64
	backendMisses uint64
	totalOps      uint64
	pendingWrites int64

	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func newStatsTracker() *statsTracker {
	return &statsTracker{samples: make([]time.Duration, latencyWindowSize)}
}

func (t *statsTracker) memoryHit() { atomic.AddUint64(&t.memoryHits, 1) }

func (t *statsTracker) memoryMiss() { atomic.AddUint64(&t.memoryMisses, 1) }

func (t *statsTracker) backendHit() { atomic.AddUint64(&t.backendHits, 1) }

func (t *statsTracker) backendMiss() { atomic.AddUint64(&t.backendMisses, 1) }

func (t *statsTracker) op() { atomic.AddUint64(&t.totalOps, 1) }

func (t *statsTracker) pendingAdd() { atomic.AddInt64(&t.pendingWrites, 1) }

func (t *statsTracker) pendingDone() { atomic.AddInt64(&t.pendingWrites, -1) }

func (t *statsTracker) observe(d time.Duration) {
	t.mu.Lock()
	t.samples[t.next] = d
	t.next++
	if t.next == len(t.samples) {
		t.next = 0
		t.full = true
	}
	t.mu.Unlock()
}

func (t *statsTracker) percentiles() (p50, p95, p99 time.Duration) {
	t.mu.Lock()
	n := t.next
	if t.full {
		n = len(t.samples)
	}
	if n == 0 {
		t.mu.Unlock()
		return 0, 0, 0
	}
	window := make([]time.Duration, n)
	copy(window, t.samples[:n])
	t.mu.Unlock()

	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	at := func(p float64) time.Duration {
		idx := int(p * float64(n-1))
		return window[idx]
	}
	return at(0.50), at(0.95), at(0.99)
}

func (t *statsTracker) snapshot() Stats {
	p50, p95, p99 := t.percentiles()
	return Stats{
		MemoryHits:    atomic.LoadUint64(&t.memoryHits),
		MemoryMisses:  atomic.LoadUint64(&t.memoryMisses),
		BackendHits:   atomic.LoadUint64(&t.backendHits),
		BackendMisses: atomic.LoadUint64(&t.backendMisses),
		TotalOps:      atomic.LoadUint64(&t.totalOps),
		PendingWrites: atomic.LoadInt64(&t.pendingWrites),
		P50:           p50,
		P95:           p95,
		P99:           p99,
	}
}
