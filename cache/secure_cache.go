package cache

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/klauspost/compress/gzip"

	"github.com/xypriss/xypriss/config"
	"github.com/xypriss/xypriss/log"
	"github.com/xypriss/xypriss/secure"
)

const (
	// reconnect backoff bounds for an unreachable distributed tier.
	backoffMin = 100 * time.Millisecond
	backoffMax = 30 * time.Second

	kdfSaltSize = 16

	payloadVersion = 1
)

// payload is the self-describing record stored in either tier before the
// optional encryption envelope is applied.
type payload struct {
	Version    int      `json:"v"`
	Compressed bool     `json:"c"`
	Tags       []string `json:"t,omitempty"`
	Data       []byte   `json:"d"`
}

// SecureCache is the layered cache facade. Safe for concurrent use; writes
// are serialized per key.
type SecureCache struct {
	cfg      config.Cache
	provider secure.Provider

	masterKey []byte
	salt      []byte
	key       []byte

	keyMu     sync.Mutex
	keysBySalt map[string][]byte

	memory  *memoryCache
	backend Backend

	strategy string

	locks keyLocks

	stats *statsTracker

	backendUp   int32 // 1 when the distributed tier is reachable
	reconnectIn int32 // 1 while a reconnect loop is running
	connected   int32

	warnOnce sync.Once

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a SecureCache from configuration. backend may be nil; the
// `redis` and `hybrid` strategies require it, `auto` downgrades to `memory`
// without it. masterKey may be nil, in which case the configured env var is
// consulted and, failing that, an ephemeral key is generated.
func New(cfg config.Cache, provider secure.Provider, backend Backend, masterKey []byte) (*SecureCache, error) {
	if provider == nil {
		provider = secure.NewProvider()
	}
	if masterKey == nil {
		masterKey = masterKeyFromEnv(cfg, provider)
	}

	salt, err := provider.RandomBytes(kdfSaltSize)
	if err != nil {
		return nil, err
	}
	key, err := provider.KDF(masterKey, salt, secure.MinKDFIterations, secure.KeySize)
	if err != nil {
		return nil, err
	}

	strategy := cfg.Strategy
	switch strategy {
	case "redis", "hybrid":
		if backend == nil {
			return nil, fmt.Errorf("cache strategy %q requires a distributed backend", strategy)
		}
	case "auto":
		if backend == nil {
			strategy = "memory"
		} else if err := backend.Ping(context.Background()); err == nil {
			strategy = "hybrid"
		} else {
			log.Warnf("cache: distributed tier unreachable, auto strategy falls back to memory: %s", err)
			strategy = "memory"
			backend = nil
		}
	case "memory":
		backend = nil
	}

	c := &SecureCache{
		cfg:        cfg,
		provider:   provider,
		masterKey:  masterKey,
		salt:       salt,
		key:        key,
		keysBySalt: map[string][]byte{string(salt): key},
		memory:     newMemoryCache(uint64(cfg.Memory.MaxSize), cfg.Memory.MaxEntries, 0),
		backend:    backend,
		strategy:   strategy,
		stats:      newStatsTracker(),
		stopCh:     make(chan struct{}),
	}
	if backend != nil {
		atomic.StoreInt32(&c.backendUp, 1)
	}
	return c, nil
}

func masterKeyFromEnv(cfg config.Cache, provider secure.Provider) []byte {
	envName := cfg.Encryption.MasterKeyEnv
	if envName == "" {
		envName = config.DefaultMasterKeyEnv
	}
	if v := os.Getenv(envName); v != "" {
		if k, err := hex.DecodeString(v); err == nil && len(k) == secure.KeySize {
			return k
		}
		log.Warnf("cache: %s is not a %d-byte hex key, generating an ephemeral one", envName, secure.KeySize)
	}
	k, err := provider.RandomBytes(secure.KeySize)
	if err != nil {
		// CSPRNG failure is not recoverable.
		log.Fatalf("cache: cannot generate master key: %s", err)
	}
	return k
}

// Strategy reports the resolved strategy (`auto` is resolved at build time).
func (c *SecureCache) Strategy() string { return c.strategy }

// Connect is idempotent; for the memory strategy it is a no-op that must
// not fail.
func (c *SecureCache) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.connected, 0, 1) {
		return nil
	}
	if c.backend == nil {
		return nil
	}
	if err := c.backend.Ping(ctx); err != nil {
		c.degrade(err)
	}
	return nil
}

// Disconnect is idempotent.
func (c *SecureCache) Disconnect() error {
	if !atomic.CompareAndSwapInt32(&c.connected, 1, 0) {
		return nil
	}
	close(c.stopCh)
	c.wg.Wait()
	c.memory.close()
	if c.backend != nil {
		return c.backend.Close()
	}
	return nil
}

// Get returns the stored value if present and unexpired. A miss is not an
// error.
func (c *SecureCache) Get(ctx context.Context, key string) (interface{}, bool) {
	start := time.Now()
	defer func() {
		c.stats.op()
		c.stats.observe(time.Since(start))
	}()

	if c.strategy != "redis" {
		if e, ok := c.memory.get(key); ok {
			v, err := c.decode(key, e.value)
			if err == nil {
				c.stats.memoryHit()
				return v, true
			}
			log.Warnf("cache: dropping undecodable entry %q: %s", key, err)
			c.memory.delete(key)
		}
		c.stats.memoryMiss()
		if c.strategy == "memory" {
			return nil, false
		}
	}

	if !c.backendAvailable() {
		return nil, false
	}
	raw, err := c.backend.Get(ctx, key)
	if err != nil {
		if err != ErrMissing {
			c.degrade(err)
		}
		c.stats.backendMiss()
		return nil, false
	}
	v, err := c.decode(key, raw)
	if err != nil {
		log.Warnf("cache: dropping undecodable backend entry %q: %s", key, err)
		c.stats.backendMiss()
		return nil, false
	}
	c.stats.backendHit()

	if c.strategy == "hybrid" {
		c.promote(ctx, key, raw)
	}
	return v, true
}

// promote copies a backend hit into the memory tier, preserving the
// remaining TTL.
func (c *SecureCache) promote(ctx context.Context, key string, raw []byte) {
	ttl, err := c.backend.TTL(ctx, key)
	if err != nil {
		return
	}
	e := &entry{
		key:       key,
		value:     raw,
		createdAt: time.Now(),
		size:      uint64(len(raw)),
	}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	if p, ok := c.peekTags(raw); ok {
		e.tags = p
	}
	if err := c.memory.set(e); err != nil {
		log.Debugf("cache: cannot promote %q: %s", key, err)
	}
}

func (c *SecureCache) peekTags(raw []byte) ([]string, bool) {
	p, err := c.decodePayload("", raw)
	if err != nil {
		return nil, false
	}
	return p.Tags, true
}

// Set serializes, optionally compresses and encrypts, then writes to the
// configured tiers. The distributed write may be asynchronous.
func (c *SecureCache) Set(ctx context.Context, key string, value interface{}, opts *Options) error {
	start := time.Now()
	defer func() {
		c.stats.op()
		c.stats.observe(time.Since(start))
	}()

	ttl := time.Duration(c.cfg.TTL)
	var tags []string
	compress := c.cfg.EnableCompression
	encrypt := c.cfg.Encryption.Enabled
	if opts != nil {
		if opts.TTL != 0 {
			ttl = opts.TTL
		}
		tags = opts.Tags
		if opts.Compress != nil {
			compress = *opts.Compress
		}
		if opts.Encrypt != nil {
			encrypt = *opts.Encrypt
		}
	}
	if ttl < 0 {
		ttl = 0
	}

	raw, err := c.encode(key, value, tags, compress, encrypt)
	if err != nil {
		return err
	}

	lock := c.locks.get(key)
	lock.Lock()
	defer lock.Unlock()

	if c.strategy != "redis" {
		e := &entry{
			key:       key,
			value:     raw,
			createdAt: time.Now(),
			tags:      tags,
			size:      uint64(len(raw)),
		}
		if ttl > 0 {
			e.expiresAt = e.createdAt.Add(ttl)
		}
		if err := c.memory.set(e); err != nil {
			return err
		}
	}

	if c.strategy == "memory" || !c.backendAvailable() {
		return nil
	}

	if c.strategy == "hybrid" && c.cfg.AsyncRedisWrites {
		c.stats.pendingAdd()
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.stats.pendingDone()
			c.backendSet(context.Background(), key, raw, ttl, tags)
		}()
		return nil
	}
	return c.backendSet(ctx, key, raw, ttl, tags)
}

func (c *SecureCache) backendSet(ctx context.Context, key string, raw []byte, ttl time.Duration, tags []string) error {
	if err := c.backend.Set(ctx, key, raw, ttl); err != nil {
		c.degrade(err)
		if c.strategy == "redis" {
			return err
		}
		return nil
	}
	if err := c.backend.AddTags(ctx, key, tags); err != nil {
		c.degrade(err)
	}
	return nil
}

// Delete removes the key from every tier.
func (c *SecureCache) Delete(ctx context.Context, key string) error {
	c.stats.op()
	lock := c.locks.get(key)
	lock.Lock()
	defer lock.Unlock()

	tags := c.memory.entryTags(key)
	c.memory.delete(key)
	if c.backendAvailable() {
		if _, err := c.backend.Del(ctx, key); err != nil {
			c.degrade(err)
			if c.strategy == "redis" {
				return err
			}
		}
		if err := c.backend.RemoveTags(ctx, key, tags); err != nil {
			c.degrade(err)
		}
	}
	return nil
}

// Exists reports key presence without touching LRU promotion across tiers.
func (c *SecureCache) Exists(ctx context.Context, key string) (bool, error) {
	c.stats.op()
	if c.strategy != "redis" && c.memory.exists(key) {
		return true, nil
	}
	if c.strategy == "memory" || !c.backendAvailable() {
		return false, nil
	}
	ok, err := c.backend.Exists(ctx, key)
	if err != nil {
		c.degrade(err)
		return false, err
	}
	return ok, nil
}

// TTL reports remaining seconds, -1 when the key exists without expiry and
// -2 when absent.
func (c *SecureCache) TTL(ctx context.Context, key string) (int64, error) {
	c.stats.op()
	if c.strategy != "redis" {
		if v := c.memory.ttl(key); v != -2 {
			return v, nil
		}
		if c.strategy == "memory" || !c.backendAvailable() {
			return -2, nil
		}
	}
	d, err := c.backend.TTL(ctx, key)
	if err != nil {
		c.degrade(err)
		return -2, err
	}
	switch d {
	case -2:
		return -2, nil
	case -1:
		return -1, nil
	}
	secs := int64(d.Seconds())
	if secs < 0 {
		secs = 0
	}
	return secs, nil
}

// Expire updates the key's TTL in every tier.
func (c *SecureCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.stats.op()
	found := false
	if c.strategy != "redis" {
		found = c.memory.expire(key, ttl)
	}
	if c.backendAvailable() {
		if err := c.backend.Expire(ctx, key, ttl); err != nil {
			c.degrade(err)
			if !found {
				return err
			}
		}
	}
	return nil
}

// Keys returns keys matching the glob-style pattern (`*`, `?`). Empty
// pattern matches everything. This walks both tiers and is expensive;
// intended for administrative use.
func (c *SecureCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	c.stats.op()
	set := make(map[string]struct{})

	var matcher glob.Glob
	if pattern != "" && pattern != "*" {
		var err error
		matcher, err = glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}

	if c.strategy != "redis" {
		for _, k := range c.memory.keys() {
			if matcher == nil || matcher.Match(k) {
				set[k] = struct{}{}
			}
		}
	}
	if c.backendAvailable() {
		p := pattern
		if p == "" {
			p = "*"
		}
		ks, err := c.backend.Keys(ctx, p)
		if err != nil {
			c.degrade(err)
		} else {
			for _, k := range ks {
				set[k] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// MGet fetches several keys, omitting misses.
func (c *SecureCache) MGet(ctx context.Context, keys []string) map[string]interface{} {
	out := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		if v, ok := c.Get(ctx, k); ok {
			out[k] = v
		}
	}
	return out
}

// MSet stores several entries with shared options.
func (c *SecureCache) MSet(ctx context.Context, entries map[string]interface{}, opts *Options) error {
	for k, v := range entries {
		if err := c.Set(ctx, k, v, opts); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateByTags atomically removes every key referenced by any supplied
// tag and returns the number of distinct keys removed.
func (c *SecureCache) InvalidateByTags(ctx context.Context, tags []string) (int, error) {
	c.stats.op()
	victims := make(map[string]struct{})
	for _, k := range c.memory.taggedKeys(tags) {
		victims[k] = struct{}{}
	}

	var backendKeys []string
	if c.backendAvailable() {
		ks, err := c.backend.TaggedKeys(ctx, tags)
		if err != nil {
			c.degrade(err)
		} else {
			backendKeys = ks
			for _, k := range ks {
				victims[k] = struct{}{}
			}
		}
	}

	c.memory.invalidateTags(tags)
	if len(backendKeys) > 0 {
		if _, err := c.backend.Del(ctx, backendKeys...); err != nil {
			c.degrade(err)
		}
		for _, k := range backendKeys {
			if err := c.backend.RemoveTags(ctx, k, tags); err != nil {
				c.degrade(err)
				break
			}
		}
	}
	return len(victims), nil
}

// GetStats returns a snapshot of cache activity. Totals reflect only
// acknowledged operations; in-flight async writes appear as PendingWrites.
func (c *SecureCache) GetStats() Stats {
	s := c.stats.snapshot()
	s.Entries, s.SizeBytes = c.memory.stats()
	return s
}

// GetHealth reports the coarse health signal.
func (c *SecureCache) GetHealth() Health {
	if atomic.LoadInt32(&c.connected) == 0 {
		return Health{Status: HealthUnhealthy, Details: "cache is not connected"}
	}
	if c.backend != nil && !c.backendAvailable() {
		return Health{Status: HealthDegraded, Details: "distributed tier unreachable, serving from memory"}
	}
	return Health{Status: HealthHealthy, Details: fmt.Sprintf("strategy %s", c.strategy)}
}

func (c *SecureCache) backendAvailable() bool {
	return c.backend != nil && atomic.LoadInt32(&c.backendUp) == 1
}

// degrade marks the distributed tier down and starts a background
// reconnect loop with exponential backoff.
func (c *SecureCache) degrade(err error) {
	if c.backend == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&c.backendUp, 1, 0) {
		log.Errorf("cache: distributed tier degraded: %s", err)
	}
	if !atomic.CompareAndSwapInt32(&c.reconnectIn, 0, 1) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer atomic.StoreInt32(&c.reconnectIn, 0)
		backoff := backoffMin
		for {
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}
			if err := c.backend.Ping(context.Background()); err == nil {
				atomic.StoreInt32(&c.backendUp, 1)
				log.Infof("cache: distributed tier recovered")
				return
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
	}()
}

// encode runs the serialize -> compress -> encrypt pipeline.
func (c *SecureCache) encode(key string, value interface{}, tags []string, compress, encrypt bool) ([]byte, error) {
	serialized, err := serialize(key, value)
	if err != nil {
		return nil, err
	}

	p := payload{Version: payloadVersion, Tags: tags, Data: serialized}
	threshold := int(c.cfg.CompressionThreshold)
	if threshold <= 0 {
		threshold = 1024
	}
	if compress && len(serialized) >= threshold && len(serialized) <= maxStringLength {
		compressed, err := gzipBytes(serialized, c.cfg.CompressionLevel)
		if err != nil {
			return nil, &SerializationError{Key: key, Err: err}
		}
		if len(compressed) < len(serialized) {
			p.Compressed = true
			p.Data = compressed
		}
	}

	raw, err := json.Marshal(&p)
	if err != nil {
		return nil, &SerializationError{Key: key, Err: err}
	}
	if !encrypt {
		return raw, nil
	}

	env, err := secure.Seal(c.provider, c.key, raw, []byte(key))
	if err != nil {
		return nil, err
	}
	env.Salt = c.salt
	return env.Marshal()
}

// decode is the inverse of encode.
func (c *SecureCache) decode(key string, raw []byte) (interface{}, error) {
	p, err := c.decodePayload(key, raw)
	if err != nil {
		return nil, err
	}
	data := p.Data
	if p.Compressed {
		data, err = gunzipBytes(data)
		if err != nil {
			return nil, &SerializationError{Key: key, Err: err}
		}
	}
	return deserialize(key, data)
}

func (c *SecureCache) decodePayload(key string, raw []byte) (*payload, error) {
	body := raw
	if env, ok := secure.UnmarshalEnvelope(raw); ok {
		k, err := c.keyForSalt(env.Salt)
		if err != nil {
			return nil, err
		}
		body, err = secure.Open(c.provider, k, env, []byte(key), 0, 0)
		if err != nil {
			if !c.cfg.Encryption.PlaintextFallback {
				return nil, err
			}
			c.warnOnce.Do(func() {
				log.Warnf("cache: decrypt failed, falling through to plaintext (compatibility path enabled): %s", err)
			})
			body = raw
		}
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &SerializationError{Key: key, Err: err}
	}
	return &p, nil
}

// keyForSalt derives (and memoizes) the AEAD key for an envelope written by
// another cache instance sharing the same master key.
func (c *SecureCache) keyForSalt(salt []byte) ([]byte, error) {
	if len(salt) == 0 || bytes.Equal(salt, c.salt) {
		return c.key, nil
	}
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if k, ok := c.keysBySalt[string(salt)]; ok {
		return k, nil
	}
	k, err := c.provider.KDF(c.masterKey, salt, secure.MinKDFIterations, secure.KeySize)
	if err != nil {
		return nil, err
	}
	c.keysBySalt[string(salt)] = k
	return k, nil
}

func gzipBytes(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// keyLocks serializes writes per key with a fixed set of striped mutexes.
type keyLocks struct {
	stripes [64]sync.Mutex
}

func (l *keyLocks) get(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.stripes[h.Sum32()%uint32(len(l.stripes))]
}
