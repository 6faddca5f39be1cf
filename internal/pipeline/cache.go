// cache.go provides the pipeline's bounded TTL stores.
//
// go-cache handles expiry and the background sweeper; the wrapper adds
// a hard entry bound with least-recently-used eviction on overflow.
package pipeline

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// boundedCache is a TTL cache with a maximum entry count. Reads of
// expired keys miss (go-cache removes them lazily and via its janitor);
// writes beyond the bound evict the least-recently-used key.
type boundedCache struct {
	mu       sync.Mutex
	store    *gocache.Cache
	lastUsed map[string]time.Time
	maxSize  int
}

func newBoundedCache(maxSize int, ttl time.Duration) *boundedCache {
	return &boundedCache{
		store:    gocache.New(ttl, ttl/2+time.Second),
		lastUsed: make(map[string]time.Time),
		maxSize:  maxSize,
	}
}

func (c *boundedCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store.Get(key)
	if !ok {
		delete(c.lastUsed, key)
		return nil, false
	}
	c.lastUsed[key] = time.Now()
	return v, true
}

func (c *boundedCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.store.Get(key); !exists && c.store.ItemCount() >= c.maxSize {
		c.evictLRULocked()
	}
	c.store.SetDefault(key, value)
	c.lastUsed[key] = time.Now()
}

func (c *boundedCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Delete(key)
	delete(c.lastUsed, key)
}

func (c *boundedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.ItemCount()
}

// evictLRULocked removes the least-recently-used live key. Keys the
// janitor already purged are dropped from the bookkeeping map instead.
func (c *boundedCache) evictLRULocked() {
	items := c.store.Items()
	var (
		oldestKey  string
		oldestTime time.Time
		found      bool
	)
	for key := range c.lastUsed {
		if _, live := items[key]; !live {
			delete(c.lastUsed, key)
			continue
		}
		used := c.lastUsed[key]
		if !found || used.Before(oldestTime) {
			oldestKey, oldestTime, found = key, used, true
		}
	}
	if !found {
		// Bookkeeping empty but the store is full: fall back to any key.
		for key := range items {
			oldestKey, found = key, true
			break
		}
	}
	if found {
		c.store.Delete(oldestKey)
		delete(c.lastUsed, oldestKey)
	}
}
