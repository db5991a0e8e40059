package marketdata

import (
	"sync"
	"time"

	"github.com/seenimoa/sandbox/pkg/models"
)

// quoteEntry holds a cached quote with expiration.
type quoteEntry struct {
	quote     models.Quote
	expiresAt time.Time
}

// QuoteCache is a thread-safe TTL cache for quotes, shared between the
// execution tick and the MTM refresh so one upstream fetch serves both.
type QuoteCache struct {
	mu      sync.RWMutex
	entries map[SymbolKey]quoteEntry
	ttl     time.Duration
}

// NewQuoteCache creates a cache with the given TTL.
func NewQuoteCache(ttl time.Duration) *QuoteCache {
	return &QuoteCache{
		entries: make(map[SymbolKey]quoteEntry),
		ttl:     ttl,
	}
}

// Get retrieves a fresh quote. ok is false if absent or expired.
func (c *QuoteCache) Get(key SymbolKey) (models.Quote, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return models.Quote{}, false
	}
	return entry.quote, true
}

// Set stores a quote with the default TTL.
func (c *QuoteCache) Set(key SymbolKey, q models.Quote) {
	c.mu.Lock()
	c.entries[key] = quoteEntry{quote: q, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Flush removes all entries.
func (c *QuoteCache) Flush() {
	c.mu.Lock()
	c.entries = make(map[SymbolKey]quoteEntry)
	c.mu.Unlock()
}

// Cleanup removes expired entries. Can be called periodically.
func (c *QuoteCache) Cleanup() {
	c.mu.Lock()
	now := time.Now()
	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}
