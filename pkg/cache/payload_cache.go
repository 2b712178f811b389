// Package cache provides the custom-payload cache for graph requests.
//
// Every continuous graph request carries a small custom payload naming the
// graph language, result sub-protocol, graph name and traversal source. The
// payload depends only on those options, so it is built once per distinct
// combination and shared by every request that uses it.
//
// Entries expire after a TTL and the least recently used payload is dropped
// once the cache is full.
//
// Usage:
//
//	payloads := cache.NewPayloadCache(256, 10*time.Minute)
//	key := cache.PayloadKey{Language: "gremlin-groovy", Results: "graph-binary-1.0"}
//	payload := payloads.GetOrBuild(key, func() map[string][]byte {
//		return buildPayload(key)
//	})
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// PayloadKey identifies one payload. The zero value is a valid key.
type PayloadKey struct {
	Language string
	Results  string
	Graph    string
	Source   string
}

// hash is a 64-bit FNV-1a over the fields, separated by 0x00.
func (k PayloadKey) hash() uint64 {
	h := fnv.New64a()
	for _, s := range []string{k.Language, k.Results, k.Graph, k.Source} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// PayloadCache is a thread-safe LRU cache of encoded request payloads.
//
// Cached payloads are shared; callers must treat them as read-only.
type PayloadCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	enabled bool

	// Front is most recently used.
	lru     *list.List
	entries map[uint64]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheEntry struct {
	key       PayloadKey
	hash      uint64
	value     map[string][]byte
	expiresAt time.Time
}

// NewPayloadCache holds up to maxSize payloads (256 when maxSize <= 0).
// ttl zero keeps entries until evicted.
func NewPayloadCache(maxSize int, ttl time.Duration) *PayloadCache {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &PayloadCache{
		maxSize: maxSize,
		ttl:     ttl,
		enabled: true,
		lru:     list.New(),
		entries: make(map[uint64]*list.Element, maxSize),
	}
}

// Get returns the payload for key unless it is missing or expired.
func (c *PayloadCache) Get(key PayloadKey) (map[string][]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		c.misses.Add(1)
		return nil, false
	}

	elem, ok := c.entries[key.hash()]
	if !ok || elem.Value.(*cacheEntry).key != key {
		c.misses.Add(1)
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		c.misses.Add(1)
		return nil, false
	}

	c.lru.MoveToFront(elem)
	c.hits.Add(1)
	return entry.value, true
}

// Put stores value under key, replacing any previous payload and renewing
// its TTL.
func (c *PayloadCache) Put(key PayloadKey, value map[string][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	h := key.hash()
	if elem, ok := c.entries[h]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.key = key
		entry.value = value
		if c.ttl > 0 {
			entry.expiresAt = time.Now().Add(c.ttl)
		}
		c.lru.MoveToFront(elem)
		return
	}

	for c.lru.Len() >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry{
		key:   key,
		hash:  h,
		value: value,
	}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	c.entries[h] = c.lru.PushFront(entry)
}

// GetOrBuild returns the cached payload for key, building and caching it
// on a miss. build may run more than once under contention.
func (c *PayloadCache) GetOrBuild(key PayloadKey, build func() map[string][]byte) map[string][]byte {
	if v, ok := c.Get(key); ok {
		return v
	}
	v := build()
	c.Put(key, v)
	return v
}

// Remove drops key's payload.
func (c *PayloadCache) Remove(key PayloadKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key.hash()]; ok && elem.Value.(*cacheEntry).key == key {
		c.removeElement(elem)
	}
}

// Clear drops every payload. Statistics are kept.
func (c *PayloadCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Init()
	c.entries = make(map[uint64]*list.Element, c.maxSize)
}

// Len returns the number of cached payloads.
func (c *PayloadCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats reports occupancy and hit rate.
func (c *PayloadCache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses) * 100
	}
	return CacheStats{
		Size:    c.Len(),
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// CacheStats is a snapshot of a PayloadCache. HitRate is a percentage.
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// SetEnabled enables or disables the cache. Disabling drops all entries.
func (c *PayloadCache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled

	if !enabled {
		c.lru.Init()
		c.entries = make(map[uint64]*list.Element, c.maxSize)
	}
}

// c.mu must be held.
func (c *PayloadCache) evictOldest() {
	if elem := c.lru.Back(); elem != nil {
		c.removeElement(elem)
	}
}

// c.mu must be held.
func (c *PayloadCache) removeElement(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.entries, elem.Value.(*cacheEntry).hash)
}
