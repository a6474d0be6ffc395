// Package dedup provides a recency-bounded cache of already-ingested match
// IDs, consulted before costly existence checks against the durable store.
package dedup

import (
	"sync"

	"github.com/statforge/matchminer/internal/match"
)

// Cache is a capacity-bounded set with oldest-first eviction. It is safe for
// concurrent use; region workers append from separate goroutines and a
// duplicate insert is an idempotent no-op.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    []match.MatchID
	index    map[match.MatchID]struct{}
}

// New returns an empty Cache holding at most capacity entries.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		index:    make(map[match.MatchID]struct{}, capacity),
	}
}

// Add inserts an ID, evicting the oldest entry on overflow.
func (c *Cache) Add(id match.MatchID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[id]; ok {
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.index, oldest)
	}
	c.order = append(c.order, id)
	c.index[id] = struct{}{}
}

// Contains reports whether the ID is cached.
func (c *Cache) Contains(id match.MatchID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[id]
	return ok
}

// FilterUnknown returns the ids not present in the cache, preserving order.
func (c *Cache) FilterUnknown(ids []match.MatchID) []match.MatchID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]match.MatchID, 0, len(ids))
	for _, id := range ids {
		if _, ok := c.index[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Snapshot returns the cached IDs oldest-first for persistence.
func (c *Cache) Snapshot() []match.MatchID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]match.MatchID, len(c.order))
	copy(out, c.order)
	return out
}

// Restore seeds the cache from a persisted snapshot, oldest-first, applying
// the capacity bound.
func (c *Cache) Restore(ids []match.MatchID) {
	for _, id := range ids {
		c.Add(id)
	}
}
