package app

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/xypriss/xypriss/config"
	"github.com/xypriss/xypriss/internal/counter"
	"github.com/xypriss/xypriss/log"
	"github.com/xypriss/xypriss/web"
)

// routePriority maps a compiled route pattern to a queue priority.
type routePriority struct {
	g   glob.Glob
	pri int
}

// Limiter enforces the global and per-IP concurrency caps with a bounded
// priority queue. Queued requests wait up to queueTimeout for a slot;
// overflow and timeout both surface as 429.
type Limiter struct {
	mu       sync.Mutex
	capacity int
	inFlight int
	queue    waiterHeap
	maxQueue int
	seq      uint64

	maxPerIP int
	perIP    map[string]int

	queueTimeout time.Duration
	priorities   []routePriority

	Queued   counter.Counter
	Rejected counter.Counter
}

// NewLimiter builds a limiter from the concurrency configuration.
func NewLimiter(cfg config.Concurrency) *Limiter {
	l := &Limiter{
		capacity:     cfg.MaxConcurrentRequests,
		maxQueue:     cfg.MaxConcurrentRequests,
		maxPerIP:     cfg.MaxPerIP,
		perIP:        make(map[string]int),
		queueTimeout: time.Duration(cfg.QueueTimeout),
	}
	if l.capacity <= 0 {
		l.capacity = 1024
	}
	if l.queueTimeout <= 0 {
		l.queueTimeout = 5 * time.Second
	}
	for pattern, pri := range cfg.RoutePriorities {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			log.Errorf("cannot compile route priority pattern %q: %s", pattern, err)
			continue
		}
		l.priorities = append(l.priorities, routePriority{g: g, pri: pri})
	}
	return l
}

// Acquire claims a slot for one request. The caller must invoke the
// returned release exactly once. A nil release means the request was
// rejected and err carries the 429.
func (l *Limiter) Acquire(ctx context.Context, ip, path string) (release func(), err error) {
	l.mu.Lock()
	if l.maxPerIP > 0 && l.perIP[ip] >= l.maxPerIP {
		l.mu.Unlock()
		l.Rejected.Inc()
		return nil, &web.RateLimitError{RetryAfterSeconds: 1}
	}
	l.perIP[ip]++

	if l.inFlight < l.capacity {
		l.inFlight++
		l.mu.Unlock()
		return func() { l.release(ip) }, nil
	}

	if l.queue.Len() >= l.maxQueue {
		l.perIP[ip]--
		if l.perIP[ip] == 0 {
			delete(l.perIP, ip)
		}
		l.mu.Unlock()
		l.Rejected.Inc()
		return nil, &web.RateLimitError{RetryAfterSeconds: 1}
	}

	w := &waiter{
		pri: l.priorityFor(path),
		seq: l.seq,
		ch:  make(chan struct{}),
	}
	l.seq++
	heap.Push(&l.queue, w)
	l.mu.Unlock()
	l.Queued.Inc()

	t := time.NewTimer(l.queueTimeout)
	defer t.Stop()
	select {
	case <-w.ch:
		// Slot handed over by release; inFlight already accounts for us.
		return func() { l.release(ip) }, nil
	case <-t.C:
	case <-ctx.Done():
	}

	l.mu.Lock()
	if w.index >= 0 {
		heap.Remove(&l.queue, w.index)
		l.perIP[ip]--
		if l.perIP[ip] == 0 {
			delete(l.perIP, ip)
		}
		l.mu.Unlock()
		l.Rejected.Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &web.RateLimitError{RetryAfterSeconds: 1}
	}
	// Lost the race: release already granted us the slot.
	l.mu.Unlock()
	return func() { l.release(ip) }, nil
}

func (l *Limiter) release(ip string) {
	l.mu.Lock()
	if n, ok := l.perIP[ip]; ok {
		if n <= 1 {
			delete(l.perIP, ip)
		} else {
			l.perIP[ip] = n - 1
		}
	}
	if l.queue.Len() > 0 {
		w := heap.Pop(&l.queue).(*waiter)
		l.mu.Unlock()
		close(w.ch)
		return
	}
	l.inFlight--
	l.mu.Unlock()
}

// InFlight reports the current number of admitted requests.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

func (l *Limiter) priorityFor(path string) int {
	for _, rp := range l.priorities {
		if rp.g.Match(path) {
			return rp.pri
		}
	}
	return 0
}

type waiter struct {
	pri   int
	seq   uint64
	ch    chan struct{}
	index int
}

// waiterHeap dequeues the highest priority waiter first; FIFO within a
// priority.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].pri != h[j].pri {
		return h[i].pri > h[j].pri
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x interface{}) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	w := old[n-1]
	w.index = -1
	old[n-1] = nil
	*h = old[:n-1]
	return w
}
