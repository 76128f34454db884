package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"

	"github.com/xypriss/xypriss/clients"
	"github.com/xypriss/xypriss/config"
	"github.com/xypriss/xypriss/log"
	"github.com/xypriss/xypriss/secure"
)

func TestMain(m *testing.M) {
	log.SuppressOutput(true)
	defer log.SuppressOutput(false)
	os.Exit(m.Run())
}

func memoryConfig() config.Cache {
	return config.Cache{
		Strategy: "memory",
		Memory: config.MemoryCache{
			MaxEntries: 1000,
		},
		CompressionLevel: 6,
	}
}

func newTestMemoryCache(t *testing.T, cfg config.Cache) *SecureCache {
	t.Helper()
	c, err := New(cfg, secure.NewProvider(), nil, []byte("test-master-key"))
	assert.NoError(t, err)
	assert.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestMemoryRoundTrip(t *testing.T) {
	c := newTestMemoryCache(t, memoryConfig())
	ctx := context.Background()

	assert.NoError(t, c.Set(ctx, "str", "hello", nil))
	v, ok := c.Get(ctx, "str")
	assert.True(t, ok)
	assert.Equal(t, "hello", v)

	assert.NoError(t, c.Set(ctx, "num", 42, nil))
	v, ok = c.Get(ctx, "num")
	assert.True(t, ok)
	assert.Equal(t, float64(42), v)

	assert.NoError(t, c.Set(ctx, "map", map[string]interface{}{"a": 1, "b": "two"}, nil))
	v, ok = c.Get(ctx, "map")
	assert.True(t, ok)
	m := v.(map[string]interface{})
	assert.Equal(t, float64(1), m["a"])
	assert.Equal(t, "two", m["b"])

	assert.NoError(t, c.Set(ctx, "bytes", []byte{0x00, 0x01, 0xFF}, nil))
	v, ok = c.Get(ctx, "bytes")
	assert.True(t, ok)
	assert.Equal(t, []byte{0x00, 0x01, 0xFF}, v)

	_, ok = c.Get(ctx, "absent")
	assert.False(t, ok)
}

func TestMemoryTTL(t *testing.T) {
	c := newTestMemoryCache(t, memoryConfig())
	ctx := context.Background()

	assert.NoError(t, c.Set(ctx, "short", "v", &Options{TTL: 50 * time.Millisecond}))
	_, ok := c.Get(ctx, "short")
	assert.True(t, ok)

	time.Sleep(80 * time.Millisecond)
	_, ok = c.Get(ctx, "short")
	assert.False(t, ok)

	ttl, err := c.TTL(ctx, "short")
	assert.NoError(t, err)
	assert.Equal(t, int64(-2), ttl)

	// negative TTL disables expiry
	assert.NoError(t, c.Set(ctx, "forever", "v", &Options{TTL: -1}))
	ttl, err = c.TTL(ctx, "forever")
	assert.NoError(t, err)
	assert.Equal(t, int64(-1), ttl)

	assert.NoError(t, c.Set(ctx, "hour", "v", &Options{TTL: time.Hour}))
	ttl, err = c.TTL(ctx, "hour")
	assert.NoError(t, err)
	assert.InDelta(t, 3600, ttl, 2)
}

func TestMemoryExpire(t *testing.T) {
	c := newTestMemoryCache(t, memoryConfig())
	ctx := context.Background()

	assert.NoError(t, c.Set(ctx, "k", "v", nil))
	assert.NoError(t, c.Expire(ctx, "k", 50*time.Millisecond))
	time.Sleep(80 * time.Millisecond)
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryDeleteAndExists(t *testing.T) {
	c := newTestMemoryCache(t, memoryConfig())
	ctx := context.Background()

	assert.NoError(t, c.Set(ctx, "k", "v", nil))
	ok, err := c.Exists(ctx, "k")
	assert.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, c.Delete(ctx, "k"))
	ok, err = c.Exists(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestLRUEviction(t *testing.T) {
	cfg := memoryConfig()
	cfg.Memory.MaxEntries = 3
	c := newTestMemoryCache(t, cfg)
	ctx := context.Background()

	assert.NoError(t, c.Set(ctx, "k1", "v1", nil))
	assert.NoError(t, c.Set(ctx, "k2", "v2", nil))
	assert.NoError(t, c.Set(ctx, "k3", "v3", nil))

	// touching k1 makes k2 the eviction victim
	_, ok := c.Get(ctx, "k1")
	assert.True(t, ok)

	assert.NoError(t, c.Set(ctx, "k4", "v4", nil))

	_, ok = c.Get(ctx, "k2")
	assert.False(t, ok)
	for _, k := range []string{"k1", "k3", "k4"} {
		_, ok := c.Get(ctx, k)
		assert.True(t, ok, k)
	}

	stats := c.GetStats()
	assert.Equal(t, uint64(3), stats.Entries)
}

func TestEntryTooLarge(t *testing.T) {
	cfg := memoryConfig()
	cfg.Memory.MaxSize = 64
	c := newTestMemoryCache(t, cfg)

	err := c.Set(context.Background(), "big", strings.Repeat("x", 500), nil)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestTagInvalidation(t *testing.T) {
	c := newTestMemoryCache(t, memoryConfig())
	ctx := context.Background()

	assert.NoError(t, c.Set(ctx, "u1", "a", &Options{Tags: []string{"users"}}))
	assert.NoError(t, c.Set(ctx, "u2", "b", &Options{Tags: []string{"users", "admins"}}))
	assert.NoError(t, c.Set(ctx, "p1", "c", &Options{Tags: []string{"posts"}}))

	n, err := c.InvalidateByTags(ctx, []string{"users"})
	assert.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := c.Get(ctx, "u1")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "u2")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "p1")
	assert.True(t, ok)

	// index pruned with the victims
	n, err = c.InvalidateByTags(ctx, []string{"users", "admins"})
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestKeysPattern(t *testing.T) {
	c := newTestMemoryCache(t, memoryConfig())
	ctx := context.Background()

	for _, k := range []string{"user:1", "user:2", "post:1"} {
		assert.NoError(t, c.Set(ctx, k, "v", nil))
	}

	ks, err := c.Keys(ctx, "user:*")
	assert.NoError(t, err)
	assert.Equal(t, []string{"user:1", "user:2"}, ks)

	ks, err = c.Keys(ctx, "")
	assert.NoError(t, err)
	assert.Len(t, ks, 3)

	_, err = c.Keys(ctx, "[bad")
	assert.Error(t, err)
}

func TestMGetMSet(t *testing.T) {
	c := newTestMemoryCache(t, memoryConfig())
	ctx := context.Background()

	assert.NoError(t, c.MSet(ctx, map[string]interface{}{"a": 1, "b": 2}, nil))
	got := c.MGet(ctx, []string{"a", "b", "missing"})
	assert.Len(t, got, 2)
	assert.Equal(t, float64(1), got["a"])
}

func TestEncryptionAtRest(t *testing.T) {
	cfg := memoryConfig()
	cfg.Encryption = config.CacheEncryption{Enabled: true}
	c := newTestMemoryCache(t, cfg)
	ctx := context.Background()

	assert.NoError(t, c.Set(ctx, "k", "secret-value", nil))

	e, ok := c.memory.get("k")
	assert.True(t, ok)
	assert.False(t, bytes.Contains(e.value, []byte("secret-value")))
	_, isEnvelope := secure.UnmarshalEnvelope(e.value)
	assert.True(t, isEnvelope)

	v, ok := c.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "secret-value", v)
}

func TestCrossInstanceDecrypt(t *testing.T) {
	cfg := memoryConfig()
	cfg.Encryption = config.CacheEncryption{Enabled: true}
	c1 := newTestMemoryCache(t, cfg)
	c2 := newTestMemoryCache(t, cfg) // same master key, fresh salt

	ctx := context.Background()
	assert.NoError(t, c1.Set(ctx, "k", "shared", nil))
	e, ok := c1.memory.get("k")
	assert.True(t, ok)

	// another instance sharing the master key derives the salt's key
	assert.NoError(t, c2.memory.set(&entry{
		key:       "k",
		value:     e.value,
		createdAt: time.Now(),
		size:      uint64(len(e.value)),
	}))
	v, ok := c2.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "shared", v)
}

func TestWrongMasterKeyDropsEntry(t *testing.T) {
	cfg := memoryConfig()
	cfg.Encryption = config.CacheEncryption{Enabled: true}
	c1 := newTestMemoryCache(t, cfg)

	other, err := New(cfg, secure.NewProvider(), nil, []byte("different-master-key"))
	assert.NoError(t, err)
	assert.NoError(t, other.Connect(context.Background()))
	t.Cleanup(func() { other.Disconnect() })

	ctx := context.Background()
	assert.NoError(t, c1.Set(ctx, "k", "v", nil))
	e, ok := c1.memory.get("k")
	assert.True(t, ok)

	assert.NoError(t, other.memory.set(&entry{
		key:       "k",
		value:     e.value,
		createdAt: time.Now(),
		size:      uint64(len(e.value)),
	}))
	_, ok = other.Get(ctx, "k")
	assert.False(t, ok)
	// undecodable entry is dropped, not retried forever
	assert.False(t, other.memory.exists("k"))
}

func TestPlaintextRollout(t *testing.T) {
	cfg := memoryConfig()
	cfg.Encryption = config.CacheEncryption{Enabled: true}
	c := newTestMemoryCache(t, cfg)
	ctx := context.Background()

	// entry written before encryption was switched on
	raw, err := c.encode("legacy", "old-value", nil, false, false)
	assert.NoError(t, err)
	assert.NoError(t, c.memory.set(&entry{
		key:       "legacy",
		value:     raw,
		createdAt: time.Now(),
		size:      uint64(len(raw)),
	}))

	v, ok := c.Get(ctx, "legacy")
	assert.True(t, ok)
	assert.Equal(t, "old-value", v)
}

func TestCompression(t *testing.T) {
	cfg := memoryConfig()
	cfg.EnableCompression = true
	cfg.CompressionThreshold = 10
	c := newTestMemoryCache(t, cfg)
	ctx := context.Background()

	value := strings.Repeat("abcdefgh", 200)
	assert.NoError(t, c.Set(ctx, "k", value, nil))

	e, ok := c.memory.get("k")
	assert.True(t, ok)
	var p payload
	assert.NoError(t, json.Unmarshal(e.value, &p))
	assert.True(t, p.Compressed)
	assert.Less(t, len(p.Data), len(value))

	v, ok := c.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, value, v)
}

func TestCompressionSkipsIncompressible(t *testing.T) {
	cfg := memoryConfig()
	cfg.EnableCompression = true
	cfg.CompressionThreshold = 10
	c := newTestMemoryCache(t, cfg)

	// random-ish bytes do not shrink; the payload stays uncompressed
	noise, err := secure.NewProvider().RandomBytes(256)
	assert.NoError(t, err)
	assert.NoError(t, c.Set(context.Background(), "k", noise, nil))

	e, ok := c.memory.get("k")
	assert.True(t, ok)
	var p payload
	assert.NoError(t, json.Unmarshal(e.value, &p))
	assert.False(t, p.Compressed)
}

func TestCircularValue(t *testing.T) {
	c := newTestMemoryCache(t, memoryConfig())
	ctx := context.Background()

	m := map[string]interface{}{"name": "loop"}
	m["self"] = m

	assert.NoError(t, c.Set(ctx, "k", m, nil))
	v, ok := c.Get(ctx, "k")
	assert.True(t, ok)
	got := v.(map[string]interface{})
	assert.Equal(t, "loop", got["name"])
	assert.Equal(t, "[Circular]", got["self"])
}

func TestStructSerialization(t *testing.T) {
	c := newTestMemoryCache(t, memoryConfig())
	ctx := context.Background()

	type user struct {
		Name  string `json:"name"`
		Email string `json:"email,omitempty"`
		inner int
	}
	assert.NoError(t, c.Set(ctx, "k", user{Name: "ada", Email: "a@b.c", inner: 1}, nil))

	v, ok := c.Get(ctx, "k")
	assert.True(t, ok)
	got := v.(map[string]interface{})
	assert.Equal(t, "ada", got["name"])
	assert.Equal(t, "a@b.c", got["email"])
	_, hasInner := got["inner"]
	assert.False(t, hasInner)
}

func TestStats(t *testing.T) {
	c := newTestMemoryCache(t, memoryConfig())
	ctx := context.Background()

	c.Get(ctx, "missing")
	c.Get(ctx, "missing")
	assert.NoError(t, c.Set(ctx, "k", "v", nil))
	c.Get(ctx, "k")

	s := c.GetStats()
	assert.Equal(t, uint64(1), s.MemoryHits)
	assert.Equal(t, uint64(2), s.MemoryMisses)
	assert.Equal(t, uint64(4), s.TotalOps)
	assert.Equal(t, uint64(1), s.Entries)
	assert.InDelta(t, 1.0/3.0, s.HitRatio(), 0.001)
}

func TestHealthMemory(t *testing.T) {
	c, err := New(memoryConfig(), secure.NewProvider(), nil, []byte("k"))
	assert.NoError(t, err)

	assert.Equal(t, HealthUnhealthy, c.GetHealth().Status)
	assert.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, HealthHealthy, c.GetHealth().Status)
	c.Disconnect()
}

func TestAutoFallsBackToMemory(t *testing.T) {
	cfg := memoryConfig()
	cfg.Strategy = "auto"
	c, err := New(cfg, secure.NewProvider(), nil, []byte("k"))
	assert.NoError(t, err)
	assert.Equal(t, "memory", c.Strategy())
}

func TestRedisStrategyRequiresBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Strategy = "redis"
	_, err := New(cfg, secure.NewProvider(), nil, []byte("k"))
	assert.Error(t, err)
}

func redisTestCache(t *testing.T, strategy string) (*SecureCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client, err := clients.NewRedisClient(config.RedisCache{Nodes: []string{s.Addr()}})
	assert.NoError(t, err)

	cfg := memoryConfig()
	cfg.Strategy = strategy
	c, err := New(cfg, secure.NewProvider(), NewRedisBackend(client), []byte("test-master-key"))
	assert.NoError(t, err)
	assert.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Disconnect() })
	return c, s
}

func TestRedisRoundTrip(t *testing.T) {
	c, s := redisTestCache(t, "redis")
	ctx := context.Background()

	assert.NoError(t, c.Set(ctx, "k", "v", &Options{TTL: time.Minute}))
	assert.True(t, s.Exists("k"))

	v, ok := c.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	ttl, err := c.TTL(ctx, "k")
	assert.NoError(t, err)
	assert.InDelta(t, 60, ttl, 2)

	assert.NoError(t, c.Delete(ctx, "k"))
	assert.False(t, s.Exists("k"))
}

func TestRedisTagInvalidation(t *testing.T) {
	c, _ := redisTestCache(t, "redis")
	ctx := context.Background()

	assert.NoError(t, c.Set(ctx, "u1", "a", &Options{Tags: []string{"users"}}))
	assert.NoError(t, c.Set(ctx, "p1", "b", &Options{Tags: []string{"posts"}}))

	n, err := c.InvalidateByTags(ctx, []string{"users"})
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := c.Get(ctx, "u1")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "p1")
	assert.True(t, ok)
}

func TestHybridPromotion(t *testing.T) {
	c, _ := redisTestCache(t, "hybrid")
	ctx := context.Background()

	assert.NoError(t, c.Set(ctx, "k", "v", &Options{TTL: time.Minute}))

	// drop the memory copy; the next read must refill it from the backend
	c.memory.delete("k")
	assert.False(t, c.memory.exists("k"))

	v, ok := c.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.True(t, c.memory.exists("k"))

	s := c.GetStats()
	assert.Equal(t, uint64(1), s.BackendHits)
}

func TestHybridAsyncWrites(t *testing.T) {
	s := miniredis.RunT(t)
	client, err := clients.NewRedisClient(config.RedisCache{Nodes: []string{s.Addr()}})
	assert.NoError(t, err)

	cfg := memoryConfig()
	cfg.Strategy = "hybrid"
	cfg.AsyncRedisWrites = true
	c, err := New(cfg, secure.NewProvider(), NewRedisBackend(client), []byte("k"))
	assert.NoError(t, err)
	assert.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Disconnect() })

	assert.NoError(t, c.Set(context.Background(), "k", "v", nil))
	assert.Eventually(t, func() bool { return s.Exists("k") }, time.Second, 10*time.Millisecond)
}

func TestDegradedHealth(t *testing.T) {
	c, s := redisTestCache(t, "hybrid")
	ctx := context.Background()

	assert.Equal(t, HealthHealthy, c.GetHealth().Status)

	s.Close()
	// a failed backend write degrades health but keeps serving from memory
	assert.NoError(t, c.Set(ctx, "k", "v", nil))
	assert.Equal(t, HealthDegraded, c.GetHealth().Status)

	v, ok := c.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}
