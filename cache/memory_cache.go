package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/xypriss/xypriss/log"
)

// defaultSweepInterval is how often the expired-entry sweep runs.
const defaultSweepInterval = time.Minute

// entry is a single memory-tier record. Value holds the encoded bytes
// after serialization (and optional compression/encryption).
type entry struct {
	key       string
	value     []byte
	createdAt time.Time
	expiresAt time.Time // zero means no expiry
	tags      []string
	size      uint64
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// memoryCache is the fixed-capacity LRU tier. The LRU order and the tag
// index are updated under a single short-held lock per operation; no lock
// is held across an I/O boundary.
type memoryCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List // front is most recently used
	tags    map[string]map[string]struct{}
	bytes   uint64
	maxSize uint64
	maxItems int

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func newMemoryCache(maxSize uint64, maxItems int, sweepInterval time.Duration) *memoryCache {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	m := &memoryCache{
		items:    make(map[string]*list.Element),
		lru:      list.New(),
		tags:     make(map[string]map[string]struct{}),
		maxSize:  maxSize,
		maxItems: maxItems,
		stopCh:   make(chan struct{}),
	}

	m.wg.Add(1)
	go func() {
		log.Debugf("cache memory tier: sweeper start")
		m.sweeper(sweepInterval)
		log.Debugf("cache memory tier: sweeper stop")
		m.wg.Done()
	}()

	return m
}

func (m *memoryCache) close() {
	close(m.stopCh)
	m.wg.Wait()
}

// get returns the entry if present and unexpired, refreshing its LRU rank.
// Expired entries are removed lazily on access.
func (m *memoryCache) get(key string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if e.expired(time.Now()) {
		m.removeLocked(el)
		return nil, false
	}
	m.lru.MoveToFront(el)
	return e, true
}

// set inserts or replaces an entry, evicting least-recently-used entries
// until both capacity limits are satisfied. A single entry larger than the
// total capacity is rejected.
func (m *memoryCache) set(e *entry) error {
	if m.maxSize > 0 && e.size > m.maxSize {
		return &SerializationError{Key: e.key, Err: ErrTooLarge}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[e.key]; ok {
		m.removeLocked(el)
	}

	for (m.maxSize > 0 && m.bytes+e.size > m.maxSize) ||
		(m.maxItems > 0 && len(m.items) >= m.maxItems) {
		back := m.lru.Back()
		if back == nil {
			break
		}
		m.removeLocked(back)
	}

	el := m.lru.PushFront(e)
	m.items[e.key] = el
	m.bytes += e.size
	m.indexTagsLocked(e)
	return nil
}

func (m *memoryCache) delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return false
	}
	m.removeLocked(el)
	return true
}

func (m *memoryCache) exists(key string) bool {
	_, ok := m.get(key)
	return ok
}

// ttl reports remaining seconds, -1 when the key has no expiry and -2 when
// the key is absent.
func (m *memoryCache) ttl(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return -2
	}
	e := el.Value.(*entry)
	now := time.Now()
	if e.expired(now) {
		m.removeLocked(el)
		return -2
	}
	if e.expiresAt.IsZero() {
		return -1
	}
	secs := int64(e.expiresAt.Sub(now).Seconds())
	if secs < 0 {
		secs = 0
	}
	return secs
}

func (m *memoryCache) expire(key string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return false
	}
	e := el.Value.(*entry)
	if ttl <= 0 {
		e.expiresAt = time.Time{}
	} else {
		e.expiresAt = time.Now().Add(ttl)
	}
	return true
}

func (m *memoryCache) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]string, 0, len(m.items))
	for k, el := range m.items {
		if el.Value.(*entry).expired(now) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// invalidateTags removes every key referenced by any supplied tag and
// returns the number removed. Atomic with respect to concurrent operations.
func (m *memoryCache) invalidateTags(tags []string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	victims := make(map[string]struct{})
	for _, t := range tags {
		for k := range m.tags[t] {
			victims[k] = struct{}{}
		}
	}
	for k := range victims {
		if el, ok := m.items[k]; ok {
			m.removeLocked(el)
		}
	}
	return len(victims)
}

// taggedKeys returns the keys carrying any of the given tags.
func (m *memoryCache) taggedKeys(tags []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]struct{})
	for _, t := range tags {
		for k := range m.tags[t] {
			set[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// entryTags reports the tag set of a key; used to verify the tag-index
// invariant in tests.
func (m *memoryCache) entryTags(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	out := make([]string, len(e.tags))
	copy(out, e.tags)
	return out
}

func (m *memoryCache) stats() (entries, bytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.items)), m.bytes
}

func (m *memoryCache) indexTagsLocked(e *entry) {
	for _, t := range e.tags {
		set, ok := m.tags[t]
		if !ok {
			set = make(map[string]struct{})
			m.tags[t] = set
		}
		set[e.key] = struct{}{}
	}
}

// removeLocked unlinks the element and its tag references. Empty tag sets
// are pruned so the index never leaks.
func (m *memoryCache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	m.lru.Remove(el)
	delete(m.items, e.key)
	m.bytes -= e.size
	for _, t := range e.tags {
		if set, ok := m.tags[t]; ok {
			delete(set, e.key)
			if len(set) == 0 {
				delete(m.tags, t)
			}
		}
	}
}

func (m *memoryCache) sweeper(interval time.Duration) {
	for {
		select {
		case <-time.After(interval):
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *memoryCache) sweep() {
	now := time.Now()
	m.mu.Lock()
	var removed int
	for el := m.lru.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*entry).expired(now) {
			m.removeLocked(el)
			removed++
		}
		el = prev
	}
	m.mu.Unlock()
	if removed > 0 {
		log.Debugf("cache memory tier: sweep removed %d expired entries", removed)
	}
}
