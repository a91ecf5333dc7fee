package cache

import (
	"strings"
	"sync"
	"time"

	"pricebar/internal/domain"
)

// DefaultTTL is how long a secondary symbol's quote is served from memory.
const DefaultTTL = 30 * time.Second

type entry struct {
	quote    domain.PriceQuote
	storedAt time.Time
}

// PriceCache memoizes recent quotes per symbol. Safe for concurrent use.
type PriceCache struct {
	mu        sync.Mutex
	entries   map[string]entry
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
}

// NewPriceCache creates a cache with the given TTL (DefaultTTL when <= 0).
func NewPriceCache(ttl time.Duration) *PriceCache {
	return NewPriceCacheWithClock(ttl, time.Now)
}

// NewPriceCacheWithClock creates a cache that reads time from now.
func NewPriceCacheWithClock(ttl time.Duration, now func() time.Time) *PriceCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PriceCache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     now,
	}
}

// Get returns the cached quote if it is not older than the TTL.
// A stale entry is removed.
func (c *PriceCache) Get(symbol string) (domain.PriceQuote, bool) {
	key := strings.ToUpper(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return domain.PriceQuote{}, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return domain.PriceQuote{}, false
	}
	return e.quote, true
}

// Put overwrites the entry for symbol, stamped with the current time.
// Expired entries are swept at most once per TTL window.
func (c *PriceCache) Put(symbol string, quote domain.PriceQuote) {
	key := strings.ToUpper(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = entry{quote: quote, storedAt: now}

	if now.Sub(c.lastSweep) >= c.ttl {
		c.sweep(now)
		c.lastSweep = now
	}
}

// sweep removes every expired entry. Must be called with lock held.
func (c *PriceCache) sweep(now time.Time) {
	for key, e := range c.entries {
		if now.Sub(e.storedAt) > c.ttl {
			delete(c.entries, key)
		}
	}
}

// Clear removes all entries.
func (c *PriceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]entry)
}

// Len returns the number of stored entries, including not yet swept stale ones.
func (c *PriceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// TTL returns the configured lifetime.
func (c *PriceCache) TTL() time.Duration {
	return c.ttl
}
