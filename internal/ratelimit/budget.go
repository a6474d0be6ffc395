package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// budgetKey identifies one locally cached budget view.
type budgetKey struct {
	scope string
	class Class
}

// budget is the local cache of one (scope, class) request budget. Counts are
// optimistic local views reconciled against the shared counter store during
// sync; pending tracks grants not yet pushed to the shared store.
type budget struct {
	mu sync.Mutex

	shortCount int64
	longCount  int64
	// window expiries; the zero time means "not armed yet".
	shortExpiry time.Time
	longExpiry  time.Time

	pending  int64
	lastSync time.Time
	synced   bool

	syncInflight atomic.Bool
}

// roll zeroes any window whose expiry has passed. Pending increments survive
// a roll; they are charged against the fresh window on the next sync.
func (b *budget) roll(now time.Time) {
	if !b.shortExpiry.IsZero() && !now.Before(b.shortExpiry) {
		b.shortCount = 0
		b.shortExpiry = time.Time{}
	}
	if !b.longExpiry.IsZero() && !now.Before(b.longExpiry) {
		b.longCount = 0
		b.longExpiry = time.Time{}
	}
}

// budgetMap is a typed map over budget entries.
type budgetMap map[budgetKey]*budget

// getOrInsert returns the budget for k, creating a default entry on first
// use. Callers must hold the limiter mutex.
func (m budgetMap) getOrInsert(k budgetKey) *budget {
	b, ok := m[k]
	if !ok {
		b = &budget{}
		m[k] = b
	}
	return b
}
