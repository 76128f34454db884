package netplug

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xypriss/xypriss/cache"
	"github.com/xypriss/xypriss/config"
	"github.com/xypriss/xypriss/log"
	"github.com/xypriss/xypriss/web"
)

// RateLimiter throttles requests by the configured strategy and key.
// With Distributed set and a cache attached, window counters live in the
// secure cache so every worker shares them.
type RateLimiter struct {
	cfg    config.RateLimit
	window time.Duration
	limit  int
	prefix string

	cache *cache.SecureCache

	mu      sync.Mutex
	fixed   map[string]*fixedWindow
	sliding map[string]*slidingWindow
	buckets map[string]*rate.Limiter

	now func() time.Time
}

type fixedWindow struct {
	start time.Time
	count int
}

type slidingWindow struct {
	start     time.Time
	count     int
	prevCount int
}

// NewRateLimiter builds the rate limit plugin. Returns nil when disabled.
// sc may be nil; distributed limiting then degrades to local counters.
func NewRateLimiter(cfg config.RateLimit, sc *cache.SecureCache) *RateLimiter {
	if !cfg.Enabled {
		return nil
	}
	window := time.Duration(cfg.Window)
	if window <= 0 {
		window = time.Minute
	}
	limit := cfg.Requests
	if limit <= 0 {
		limit = 100
	}
	prefix := cfg.HeaderPrefix
	if prefix == "" {
		prefix = "X-RateLimit"
	}
	r := &RateLimiter{
		cfg:     cfg,
		window:  window,
		limit:   limit,
		prefix:  prefix,
		fixed:   make(map[string]*fixedWindow),
		sliding: make(map[string]*slidingWindow),
		buckets: make(map[string]*rate.Limiter),
		now:     time.Now,
	}
	if cfg.Distributed {
		if sc == nil {
			log.Warnf("distributed rate limiting requested without a cache; using local counters")
		} else {
			r.cache = sc
		}
	}
	return r
}

// Wrap returns a handler enforcing the limit ahead of next.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rl.keyFor(r)
		allowed, remaining, reset := rl.take(r, key)

		w.Header().Set(rl.prefix+"-Limit", strconv.Itoa(rl.limit))
		w.Header().Set(rl.prefix+"-Remaining", strconv.Itoa(remaining))
		w.Header().Set(rl.prefix+"-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !allowed {
			retryAfter := int(time.Until(reset).Seconds()) + 1
			web.RespondError(web.NewResponse(w), &web.RateLimitError{RetryAfterSeconds: retryAfter})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) keyFor(r *http.Request) string {
	switch rl.cfg.Key {
	case "ip":
		return "ip:" + clientIP(r)
	case "user":
		if uid := r.Header.Get("X-User-Id"); uid != "" {
			return "user:" + uid
		}
		return "ip:" + clientIP(r)
	case "route":
		return "route:" + r.Method + ":" + r.URL.Path
	default:
		return "global"
	}
}

func (rl *RateLimiter) take(r *http.Request, key string) (allowed bool, remaining int, reset time.Time) {
	if rl.cache != nil {
		return rl.takeDistributed(r, key)
	}
	switch rl.cfg.Strategy {
	case "token-bucket":
		return rl.takeBucket(key)
	case "sliding-window":
		return rl.takeSliding(key)
	default:
		return rl.takeFixed(key)
	}
}

// takeFixed counts per window; the counter resets at each boundary so
// exactly limit requests pass inside one window.
func (rl *RateLimiter) takeFixed(key string) (bool, int, time.Time) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w := rl.fixed[key]
	if w == nil || now.Sub(w.start) >= rl.window {
		w = &fixedWindow{start: now.Truncate(rl.window)}
		rl.fixed[key] = w
	}
	reset := w.start.Add(rl.window)
	if w.count >= rl.limit {
		return false, 0, reset
	}
	w.count++
	return true, rl.limit - w.count, reset
}

// takeSliding weights the previous window's count by its remaining
// overlap, smoothing the boundary burst of fixed windows.
func (rl *RateLimiter) takeSliding(key string) (bool, int, time.Time) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w := rl.sliding[key]
	if w == nil {
		w = &slidingWindow{start: now.Truncate(rl.window)}
		rl.sliding[key] = w
	}
	for now.Sub(w.start) >= rl.window {
		if now.Sub(w.start) >= 2*rl.window {
			w.prevCount = 0
		} else {
			w.prevCount = w.count
		}
		w.count = 0
		w.start = w.start.Add(rl.window)
		if now.Sub(w.start) >= rl.window {
			w.start = now.Truncate(rl.window)
			w.prevCount = 0
		}
	}
	elapsed := float64(now.Sub(w.start)) / float64(rl.window)
	effective := float64(w.count) + float64(w.prevCount)*(1-elapsed)
	reset := w.start.Add(rl.window)
	if int(effective) >= rl.limit {
		return false, 0, reset
	}
	w.count++
	remaining := rl.limit - int(effective) - 1
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining, reset
}

func (rl *RateLimiter) takeBucket(key string) (bool, int, time.Time) {
	rl.mu.Lock()
	b := rl.buckets[key]
	if b == nil {
		b = rate.NewLimiter(rate.Limit(float64(rl.limit)/rl.window.Seconds()), rl.limit)
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	reset := rl.now().Add(rl.window)
	if !b.Allow() {
		return false, 0, reset
	}
	remaining := int(b.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining, reset
}

// takeDistributed keeps a fixed-window counter per key in the shared
// cache. Increments are read-modify-write; the striped key locks in the
// cache serialize same-key writers within one process and cross-process
// skew is bounded by the window length.
func (rl *RateLimiter) takeDistributed(r *http.Request, key string) (bool, int, time.Time) {
	now := rl.now()
	windowStart := now.Truncate(rl.window)
	reset := windowStart.Add(rl.window)
	cacheKey := fmt.Sprintf("ratelimit:%s:%d", key, windowStart.Unix())

	ctx := r.Context()
	count := 0
	if v, ok := rl.cache.Get(ctx, cacheKey); ok {
		switch n := v.(type) {
		case float64:
			count = int(n)
		case int:
			count = n
		}
	}
	if count >= rl.limit {
		return false, 0, reset
	}
	count++
	err := rl.cache.Set(ctx, cacheKey, count, &cache.Options{TTL: rl.window * 2})
	if err != nil {
		log.Errorf("cannot store rate limit counter %q: %s", cacheKey, err)
	}
	return true, rl.limit - count, reset
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
