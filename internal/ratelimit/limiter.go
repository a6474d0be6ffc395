// Package ratelimit implements the dual-window request budget shared with
// the upstream record API. A scope (usually one region) owns a short and a
// long fixed window; request classes partition the budget so low-volume
// foreground traffic always has guaranteed headroom over bulk crawling.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/statforge/matchminer/internal/metrics"
	"github.com/statforge/matchminer/internal/ratelimit/counter"
)

// Class partitions a scope's budget.
type Class string

// Supported request classes. Bulk crawler traffic runs under a reduced
// ceiling; overhead and priority may consume the full shared ceiling.
const (
	ClassBulk     Class = "bulk"
	ClassOverhead Class = "overhead"
	ClassPriority Class = "priority"
)

// ErrTimeoutExceeded is returned when the projected wait exceeds the
// caller-supplied bound. The caller decides whether to skip or escalate.
var ErrTimeoutExceeded = errors.New("rate budget wait exceeds max wait")

// Config holds the budget parameters.
type Config struct {
	ShortWindow time.Duration
	LongWindow  time.Duration
	ShortLimit  int
	LongLimit   int
	// Reserves are subtracted from the bulk class's effective limits so the
	// other classes always find headroom.
	ShortReserve int
	LongReserve  int
	// ThrottlePercent (10-100) scales the bulk long-window ceiling for
	// controlled-load operation.
	ThrottlePercent int
	// SyncBatch is the pending-increment count that triggers a resync.
	SyncBatch int
	// SyncInterval forces a resync after this much time regardless of volume.
	SyncInterval time.Duration
}

func (c *Config) normalize() {
	if c.ShortWindow <= 0 {
		c.ShortWindow = time.Second
	}
	if c.LongWindow <= 0 {
		c.LongWindow = 120 * time.Second
	}
	if c.ShortLimit <= 0 {
		c.ShortLimit = 20
	}
	if c.LongLimit <= 0 {
		c.LongLimit = 100
	}
	if c.ThrottlePercent <= 0 || c.ThrottlePercent > 100 {
		c.ThrottlePercent = 100
	}
	if c.SyncBatch <= 0 {
		c.SyncBatch = 5
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 2 * time.Second
	}
}

// effectiveLimits returns the per-window ceilings for a class.
func (c Config) effectiveLimits(class Class) (short, long int64) {
	short = int64(c.ShortLimit)
	long = int64(c.LongLimit)
	if class == ClassBulk {
		long = long * int64(c.ThrottlePercent) / 100
		short -= int64(c.ShortReserve)
		long -= int64(c.LongReserve)
		if short < 1 {
			short = 1
		}
		if long < 1 {
			long = 1
		}
	}
	return short, long
}

// Clock supplies the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Status is the read-only view of one (scope, class) budget.
type Status struct {
	Scope          string        `json:"scope"`
	Class          Class         `json:"class"`
	ShortUsed      int64         `json:"short_used"`
	ShortLimit     int64         `json:"short_limit"`
	ShortRemaining int64         `json:"short_remaining"`
	ShortReset     time.Duration `json:"short_reset"`
	LongUsed       int64         `json:"long_used"`
	LongLimit      int64         `json:"long_limit"`
	LongRemaining  int64         `json:"long_remaining"`
	LongReset      time.Duration `json:"long_reset"`
}

const backgroundSyncTimeout = 5 * time.Second

// Limiter tracks request budgets per (scope, class) across the short and
// long windows, backed by a shared counter store so concurrent processes
// converge on one true count.
type Limiter struct {
	cfg      Config
	counters counter.Store
	clock    Clock
	logger   *zap.Logger

	mu      sync.Mutex
	budgets budgetMap

	syncWG sync.WaitGroup
	closed atomic.Bool
}

// New constructs a Limiter over the provided counter store.
func New(cfg Config, counters counter.Store, clock Clock, logger *zap.Logger) *Limiter {
	cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		cfg:      cfg,
		counters: counters,
		clock:    clock,
		logger:   logger,
		budgets:  make(budgetMap),
	}
}

func shortKey(scope string) string { return scope + ":short" }
func longKey(scope string) string  { return scope + ":long" }

func (l *Limiter) budget(scope string, class Class) *budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budgets.getOrInsert(budgetKey{scope: scope, class: class})
}

// Acquire blocks until both windows for scope have headroom under the
// effective limit for class, then consumes one slot. A positive maxWait
// bounds the total wait; ErrTimeoutExceeded is returned when the projected
// wait would exceed it. The wait is an explicit loop, never a recursive
// retry, so long backoff chains cannot grow the stack.
func (l *Limiter) Acquire(ctx context.Context, scope string, class Class, maxWait time.Duration) error {
	b := l.budget(scope, class)

	start := l.clock.Now()
	var deadline time.Time
	if maxWait > 0 {
		deadline = start.Add(maxWait)
	}

	for {
		b.mu.Lock()
		now := l.clock.Now()

		if l.needsSync(b, now) {
			if err := l.resyncLocked(ctx, scope, b, now); err != nil {
				return l.failOpen(scope, class, b, now, err)
			}
		}

		wait := l.waitLocked(b, class, now)
		if wait > 0 {
			if !deadline.IsZero() && now.Add(wait).After(deadline) {
				b.mu.Unlock()
				metrics.ObserveAcquire(scope, string(class), "timeout")
				return ErrTimeoutExceeded
			}
			// Refresh once more so we never sleep on stale counts.
			if err := l.resyncLocked(ctx, scope, b, now); err != nil {
				return l.failOpen(scope, class, b, now, err)
			}
			wait = l.waitLocked(b, class, now)
		}

		if wait == 0 {
			l.grantLocked(b, now)
			kick := b.pending >= int64(l.cfg.SyncBatch)
			b.mu.Unlock()
			if kick {
				l.kickSync(scope, b)
			}
			metrics.ObserveAcquire(scope, string(class), "granted")
			metrics.ObserveRateWait(scope, now.Sub(start))
			return nil
		}

		if !deadline.IsZero() && now.Add(wait).After(deadline) {
			b.mu.Unlock()
			metrics.ObserveAcquire(scope, string(class), "timeout")
			return ErrTimeoutExceeded
		}
		b.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			metrics.ObserveAcquire(scope, string(class), "canceled")
			return err
		}
	}
}

// Status returns current usage and headroom without consuming a slot.
func (l *Limiter) Status(ctx context.Context, scope string, class Class) Status {
	b := l.budget(scope, class)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.clock.Now()
	if !b.synced {
		if err := l.resyncLocked(ctx, scope, b, now); err != nil {
			l.logger.Warn("status sync failed; serving local view",
				zap.String("scope", scope), zap.Error(err))
		}
	}
	b.roll(now)

	shortLim, longLim := l.cfg.effectiveLimits(class)
	st := Status{
		Scope:      scope,
		Class:      class,
		ShortUsed:  b.shortCount,
		ShortLimit: shortLim,
		LongUsed:   b.longCount,
		LongLimit:  longLim,
	}
	st.ShortRemaining = max(0, shortLim-b.shortCount)
	st.LongRemaining = max(0, longLim-b.longCount)
	if !b.shortExpiry.IsZero() {
		st.ShortReset = b.shortExpiry.Sub(now)
	}
	if !b.longExpiry.IsZero() {
		st.LongReset = b.longExpiry.Sub(now)
	}
	return st
}

// Close waits for any in-flight background sync, then pushes every budget's
// remaining unsynced increments to the shared store so the next cold start
// does not undercount.
func (l *Limiter) Close(ctx context.Context) error {
	l.closed.Store(true)

	done := make(chan struct{})
	go func() {
		l.syncWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("await background rate sync: %w", ctx.Err())
	}

	l.mu.Lock()
	type entry struct {
		scope string
		b     *budget
	}
	entries := make([]entry, 0, len(l.budgets))
	for k, b := range l.budgets {
		entries = append(entries, entry{scope: k.scope, b: b})
	}
	l.mu.Unlock()

	var errs []error
	for _, e := range entries {
		e.b.mu.Lock()
		if e.b.pending > 0 {
			if err := l.resyncLocked(ctx, e.scope, e.b, l.clock.Now()); err != nil {
				errs = append(errs, fmt.Errorf("flush scope %s: %w", e.scope, err))
			}
		}
		e.b.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (l *Limiter) needsSync(b *budget, now time.Time) bool {
	if !b.synced {
		return true
	}
	if b.pending >= int64(l.cfg.SyncBatch) {
		return true
	}
	return now.Sub(b.lastSync) >= l.cfg.SyncInterval
}

// resyncLocked pushes pending increments into the shared counters and reads
// back the authoritative values: an atomic increment-then-read, never a
// blind overwrite, so concurrent processes converge on one true count. A
// key freshly created in the shared store gets its window expiry armed
// exactly once via ExpireNX.
func (l *Limiter) resyncLocked(ctx context.Context, scope string, b *budget, now time.Time) error {
	delta := b.pending

	shortVal, shortTTL, err := l.syncWindow(ctx, shortKey(scope), delta, l.cfg.ShortWindow)
	if err != nil {
		return err
	}
	longVal, longTTL, err := l.syncWindow(ctx, longKey(scope), delta, l.cfg.LongWindow)
	if err != nil {
		return err
	}

	b.shortCount = shortVal
	b.longCount = longVal
	b.shortExpiry = now.Add(shortTTL)
	b.longExpiry = now.Add(longTTL)
	b.pending = 0
	b.lastSync = now
	b.synced = true
	return nil
}

func (l *Limiter) syncWindow(ctx context.Context, key string, delta int64, window time.Duration) (int64, time.Duration, error) {
	val, err := l.counters.IncrBy(ctx, key, delta)
	if err != nil {
		return 0, 0, fmt.Errorf("sync %s: %w", key, err)
	}
	ttl, err := l.counters.TTL(ctx, key)
	if err != nil {
		return 0, 0, fmt.Errorf("ttl %s: %w", key, err)
	}
	if ttl <= 0 {
		if _, err := l.counters.ExpireNX(ctx, key, window); err != nil {
			return 0, 0, fmt.Errorf("arm expiry %s: %w", key, err)
		}
		ttl = window
	}
	return val, ttl, nil
}

// waitLocked returns how long until both windows have headroom for class.
func (l *Limiter) waitLocked(b *budget, class Class, now time.Time) time.Duration {
	b.roll(now)
	shortLim, longLim := l.cfg.effectiveLimits(class)

	var wait time.Duration
	if b.shortCount >= shortLim {
		exp := b.shortExpiry
		if exp.IsZero() {
			exp = now.Add(l.cfg.ShortWindow)
		}
		if d := exp.Sub(now); d > wait {
			wait = d
		}
	}
	if b.longCount >= longLim {
		exp := b.longExpiry
		if exp.IsZero() {
			exp = now.Add(l.cfg.LongWindow)
		}
		if d := exp.Sub(now); d > wait {
			wait = d
		}
	}
	return wait
}

// grantLocked consumes one slot optimistically; the shared store learns of
// it on the next sync.
func (l *Limiter) grantLocked(b *budget, now time.Time) {
	if b.shortExpiry.IsZero() {
		b.shortExpiry = now.Add(l.cfg.ShortWindow)
	}
	if b.longExpiry.IsZero() {
		b.longExpiry = now.Add(l.cfg.LongWindow)
	}
	b.shortCount++
	b.longCount++
	b.pending++
}

// failOpen grants immediately when the counter store is unreachable. The
// upstream API's own rejection is the backstop; crawler availability wins
// over strict local accuracy.
func (l *Limiter) failOpen(scope string, class Class, b *budget, now time.Time, cause error) error {
	l.grantLocked(b, now)
	b.mu.Unlock()
	l.logger.Warn("counter store unreachable; granting without sync",
		zap.String("scope", scope),
		zap.String("class", string(class)),
		zap.Error(cause))
	metrics.ObserveAcquire(scope, string(class), "failopen")
	return nil
}

// kickSync schedules one non-blocking background resync for the budget. The
// task is tracked on a wait group, not fired and forgotten, so Close can
// await it before the final flush.
func (l *Limiter) kickSync(scope string, b *budget) {
	if l.closed.Load() {
		return
	}
	if !b.syncInflight.CompareAndSwap(false, true) {
		return
	}
	l.syncWG.Add(1)
	go func() {
		defer l.syncWG.Done()
		defer b.syncInflight.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), backgroundSyncTimeout)
		defer cancel()
		b.mu.Lock()
		defer b.mu.Unlock()
		if err := l.resyncLocked(ctx, scope, b, l.clock.Now()); err != nil {
			l.logger.Warn("background rate sync failed",
				zap.String("scope", scope), zap.Error(err))
		}
	}()
}

func (l *Limiter) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("acquire wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
