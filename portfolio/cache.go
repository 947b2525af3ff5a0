package portfolio

import (
	"sync"
	"time"
)

// resultCache is a per-user TTL cache for consolidated results. It
// absorbs bursts of repeated reads without re-fanning out to brokers.
type resultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value     Consolidated
	expiresAt time.Time
}

func newResultCache(ttl time.Duration, clock func() time.Time) *resultCache {
	return &resultCache{
		ttl:     ttl,
		clock:   clock,
		entries: map[string]cacheEntry{},
	}
}

func (c *resultCache) get(userID string) (Consolidated, bool) {
	if c == nil || c.ttl <= 0 {
		return Consolidated{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[userID]
	if !ok {
		return Consolidated{}, false
	}
	if c.clock().After(entry.expiresAt) {
		delete(c.entries, userID)
		return Consolidated{}, false
	}
	return entry.value, true
}

func (c *resultCache) set(userID string, value Consolidated) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[userID] = cacheEntry{value: value, expiresAt: c.clock().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *resultCache) invalidate(userID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}
