package toolcore

import (
	"sync"
	"time"
)

// cacheEntry is one cached tool result.
type cacheEntry struct {
	result   string
	isError  bool
	storedAt time.Time
}

// resultCache is a TTL+LRU cache of tool results keyed by
// "<session_key>|<tool_name>|<hex of a truncated SHA-256 of the canonical
// args JSON>" (see Executor.cacheKey). Grounded
// on haasonsaas-nexus/internal/cache.DedupeCache's touch/prune shape,
// generalized from a boolean "seen" cache to one that stores the result
// value so a cache hit can skip re-execution entirely.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	order   []string // insertion/touch order, oldest first
	ttl     time.Duration
	maxSize int
}

func newResultCache(ttl time.Duration, maxSize int) *resultCache {
	if maxSize < 0 {
		maxSize = 0
	}
	return &resultCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get returns the cached result for key, if present and unexpired, and
// marks it most recently used.
func (c *resultCache) Get(key string) (string, bool, bool) {
	if key == "" {
		return "", false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false, false
	}
	if c.ttl > 0 && time.Since(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		return "", false, false
	}
	kept := c.order[:0]
	for _, k := range c.order {
		if k != key {
			kept = append(kept, k)
		}
	}
	c.order = append(kept, key)
	return entry.result, entry.isError, true
}

// Set stores result under key, evicting the oldest entry if at capacity.
func (c *resultCache) Set(key, result string, isError bool) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{result: result, isError: isError, storedAt: time.Now()}
	c.evictLocked()
}

func (c *resultCache) evictLocked() {
	if c.maxSize <= 0 {
		return
	}
	for len(c.entries) > c.maxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Invalidate removes any cached entry for key, used when a schema mismatch
// is suspected and Tools.SchemaFallbackTTL is set.
func (c *resultCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
