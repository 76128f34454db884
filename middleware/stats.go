package middleware

import (
	"sort"
	"sync"
	"time"
)

const latencyWindowSize = 128

// latencyWindow keeps a rolling sample of recent latencies plus lifetime
// counters. Cheap enough to sit on the request path.
type latencyWindow struct {
	mu         sync.Mutex
	samples    []time.Duration
	next       int
	count      uint64
	totalNanos int64
}

func (w *latencyWindow) record(d time.Duration) {
	w.mu.Lock()
	if len(w.samples) < latencyWindowSize {
		w.samples = append(w.samples, d)
	} else {
		w.samples[w.next] = d
		w.next = (w.next + 1) % latencyWindowSize
	}
	w.count++
	w.totalNanos += d.Nanoseconds()
	w.mu.Unlock()
}

func (w *latencyWindow) snapshot() (count uint64, avg, p95 time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	count = w.count
	if count > 0 {
		avg = time.Duration(w.totalNanos / int64(count))
	}
	if len(w.samples) == 0 {
		return count, avg, 0
	}
	sorted := make([]time.Duration, len(w.samples))
	copy(sorted, w.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted))*0.95) - 1
	if idx < 0 {
		idx = 0
	}
	return count, avg, sorted[idx]
}
