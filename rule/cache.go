package rule

import (
	"sync"

	"github.com/abstack/abx"
)

// Cache is the in-memory rule cache keyed by experiment id. It is advisory:
// correctness never depends on a hit, only evaluation latency. Reads take a
// shared lock; writes are exclusive.
type Cache struct {
	mu    sync.RWMutex
	rules map[abx.UUID]abx.CompiledRule
}

// NewCache returns an empty rule cache.
func NewCache() *Cache {
	return &Cache{
		rules: make(map[abx.UUID]abx.CompiledRule),
	}
}

// Get returns the cached rule for the experiment, or nil when none is cached.
func (c *Cache) Get(id abx.UUID) abx.CompiledRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rules[id]
}

// Set installs the compiled rule for the experiment, replacing any previous one.
func (c *Cache) Set(id abx.UUID, rule abx.CompiledRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[id] = rule
}

// Clear removes the experiment's rule. Clearing an absent id is a no-op.
func (c *Cache) Clear(id abx.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rules, id)
}
