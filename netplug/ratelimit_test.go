package netplug

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"

	"github.com/xypriss/xypriss/cache"
	"github.com/xypriss/xypriss/clients"
	"github.com/xypriss/xypriss/config"
	"github.com/xypriss/xypriss/secure"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
}

func hit(h http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/x", nil)
	req.RemoteAddr = ip + ":12345"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestFixedWindowBoundary(t *testing.T) {
	rl := NewRateLimiter(config.RateLimit{
		Enabled:  true,
		Strategy: "fixed-window",
		Requests: 3,
		Window:   config.Duration(time.Minute),
		Key:      "global",
	}, nil)
	h := rl.Wrap(okHandler())

	// Exactly `requests` calls succeed inside one window.
	for i := 0; i < 3; i++ {
		rec := hit(h, "1.2.3.4")
		assert.Equal(t, http.StatusOK, rec.Code, "call %d", i)
	}
	rec := hit(h, "1.2.3.4")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestFixedWindowResets(t *testing.T) {
	rl := NewRateLimiter(config.RateLimit{
		Enabled:  true,
		Strategy: "fixed-window",
		Requests: 1,
		Window:   config.Duration(time.Minute),
		Key:      "global",
	}, nil)
	now := time.Now()
	rl.now = func() time.Time { return now }
	h := rl.Wrap(okHandler())

	assert.Equal(t, http.StatusOK, hit(h, "1.2.3.4").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "1.2.3.4").Code)

	now = now.Add(time.Minute + time.Second)
	assert.Equal(t, http.StatusOK, hit(h, "1.2.3.4").Code)
}

func TestPerIPKey(t *testing.T) {
	rl := NewRateLimiter(config.RateLimit{
		Enabled:  true,
		Strategy: "fixed-window",
		Requests: 1,
		Window:   config.Duration(time.Minute),
		Key:      "ip",
	}, nil)
	h := rl.Wrap(okHandler())

	assert.Equal(t, http.StatusOK, hit(h, "1.1.1.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "1.1.1.1").Code)
	assert.Equal(t, http.StatusOK, hit(h, "2.2.2.2").Code)
}

func TestTokenBucket(t *testing.T) {
	rl := NewRateLimiter(config.RateLimit{
		Enabled:  true,
		Strategy: "token-bucket",
		Requests: 2,
		Window:   config.Duration(time.Hour),
		Key:      "global",
	}, nil)
	h := rl.Wrap(okHandler())

	assert.Equal(t, http.StatusOK, hit(h, "1.2.3.4").Code)
	assert.Equal(t, http.StatusOK, hit(h, "1.2.3.4").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "1.2.3.4").Code)
}

func TestSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(config.RateLimit{
		Enabled:  true,
		Strategy: "sliding-window",
		Requests: 2,
		Window:   config.Duration(time.Minute),
		Key:      "global",
	}, nil)
	now := time.Now().Truncate(time.Minute)
	rl.now = func() time.Time { return now }
	h := rl.Wrap(okHandler())

	assert.Equal(t, http.StatusOK, hit(h, "1.2.3.4").Code)
	assert.Equal(t, http.StatusOK, hit(h, "1.2.3.4").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "1.2.3.4").Code)

	// Early in the next window the previous count still weighs in.
	now = now.Add(time.Minute + time.Second)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "1.2.3.4").Code)

	// Far into the next window the old requests have aged out.
	now = now.Add(50 * time.Second)
	assert.Equal(t, http.StatusOK, hit(h, "1.2.3.4").Code)
}

func TestCustomHeaderPrefix(t *testing.T) {
	rl := NewRateLimiter(config.RateLimit{
		Enabled:      true,
		Strategy:     "fixed-window",
		Requests:     5,
		Window:       config.Duration(time.Minute),
		Key:          "global",
		HeaderPrefix: "X-RL",
	}, nil)
	rec := hit(rl.Wrap(okHandler()), "1.2.3.4")
	assert.Equal(t, "5", rec.Header().Get("X-RL-Limit"))
	assert.Equal(t, "4", rec.Header().Get("X-RL-Remaining"))
}

func TestDistributedCounters(t *testing.T) {
	s := miniredis.RunT(t)

	redisCfg := config.Cache{
		Strategy: "hybrid",
		Redis:    config.RedisCache{Nodes: []string{s.Addr()}},
		Memory:   config.MemoryCache{MaxEntries: 1024},
	}
	client, err := clients.NewRedisClient(redisCfg.Redis)
	assert.NoError(t, err)
	backend := cache.NewRedisBackend(client)
	sc, err := cache.New(redisCfg, secure.NewProvider(), backend, []byte("0123456789abcdef0123456789abcdef"))
	assert.NoError(t, err)
	assert.NoError(t, sc.Connect(context.Background()))
	defer sc.Disconnect()

	rl := NewRateLimiter(config.RateLimit{
		Enabled:     true,
		Strategy:    "fixed-window",
		Requests:    2,
		Window:      config.Duration(time.Minute),
		Key:         "global",
		Distributed: true,
	}, sc)
	h := rl.Wrap(okHandler())

	assert.Equal(t, http.StatusOK, hit(h, "1.2.3.4").Code)
	assert.Equal(t, http.StatusOK, hit(h, "1.2.3.4").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "1.2.3.4").Code)
}
