package resolver

import (
	"hash/fnv"
	"sync"
	"time"
)

// cacheKey identifies one cached resolver result by resolver name and a
// hash of its ordered input values.
type cacheKey struct {
	name string
	hash uint64
}

func makeCacheKey(name string, inputValues []*string) cacheKey {
	h := fnv.New64a()
	for _, v := range inputValues {
		if v == nil {
			h.Write([]byte{0})
			continue
		}
		h.Write([]byte{1})
		h.Write([]byte(*v))
	}
	return cacheKey{name: name, hash: h.Sum64()}
}

type cacheEntry struct {
	values    map[string]*string // column name -> value (nil = NULL)
	expiresAt time.Time
}

// resultCache is the shared, concurrency-safe resolver result cache.
type resultCache struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

func newResultCache() *resultCache {
	return &resultCache{entries: make(map[cacheKey]cacheEntry)}
}

func (c *resultCache) get(key cacheKey) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *resultCache) put(key cacheKey, values map[string]*string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{values: values, expiresAt: time.Now().Add(ttl)}
}

func (c *resultCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *resultCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
