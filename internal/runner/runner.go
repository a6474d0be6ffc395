// Package runner owns the process lifecycle: one guarded loop per region, a
// periodic persistence and flush tick, and the shutdown drain.
package runner

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/statforge/matchminer/internal/crawl"
	"github.com/statforge/matchminer/internal/dedup"
	"github.com/statforge/matchminer/internal/match"
)

// RegionLoop is one region's scheduler loop.
type RegionLoop interface {
	Run(ctx context.Context) error
}

// StatePersister writes crawl-state and dedup snapshots.
type StatePersister interface {
	SaveRegion(ctx context.Context, region match.Region, snap crawl.Snapshot) error
	SaveDedup(ctx context.Context, ids []match.MatchID) error
}

// Flusher drains the aggregate buffer.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Closer flushes and shuts a component down; used for the rate limiter's
// pending-increment flush.
type Closer interface {
	Close(ctx context.Context) error
}

// Config tunes the runner.
type Config struct {
	// PersistInterval is the period of the persistence and flush tick.
	PersistInterval time.Duration
	// PanicPause is the delay before resuming a region loop after a panic.
	PanicPause time.Duration
	// DrainTimeout bounds the whole shutdown drain.
	DrainTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.PersistInterval <= 0 {
		c.PersistInterval = 60 * time.Second
	}
	if c.PanicPause <= 0 {
		c.PanicPause = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// Runner supervises the region loops and runs the shutdown ladder: stop
// loops, flush pending rate increments, drain aggregates, persist state.
type Runner struct {
	cfg     Config
	loops   map[match.Region]RegionLoop
	states  map[match.Region]*crawl.State
	cache   *dedup.Cache
	agg     Flusher
	persist StatePersister
	limiter Closer
	logger  *zap.Logger
}

// New assembles a Runner.
func New(
	cfg Config,
	loops map[match.Region]RegionLoop,
	states map[match.Region]*crawl.State,
	cache *dedup.Cache,
	agg Flusher,
	persist StatePersister,
	limiter Closer,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:     cfg.normalize(),
		loops:   loops,
		states:  states,
		cache:   cache,
		agg:     agg,
		persist: persist,
		limiter: limiter,
		logger:  logger,
	}
}

// Run blocks until ctx is canceled, then executes the drain. The returned
// error reports drain failures; cancellation itself is not an error.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for region, loop := range r.loops {
		g.Go(func() error {
			r.guardedLoop(gctx, region, loop)
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(r.cfg.PersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				r.tick(gctx)
			}
		}
	})

	_ = g.Wait()
	return r.drain()
}

// guardedLoop keeps one region running for the process lifetime. Nothing a
// loop does may kill the process: panics are logged, the loop pauses, then
// resumes.
func (r *Runner) guardedLoop(ctx context.Context, region match.Region, loop RegionLoop) {
	logger := r.logger.With(zap.String("region", string(region)))
	for ctx.Err() == nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("region loop panicked, pausing before resume",
						zap.Any("panic", rec))
				}
			}()
			if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("region loop exited", zap.Error(err))
			}
		}()
		if ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case <-time.After(r.cfg.PanicPause):
			}
		}
	}
}

// tick persists all state and flushes aggregates. Failures are logged and
// retried on the next tick.
func (r *Runner) tick(ctx context.Context) {
	r.persistAll(ctx)
	if err := r.agg.Flush(ctx); err != nil {
		r.logger.Warn("periodic aggregate flush failed", zap.Error(err))
	}
}

func (r *Runner) persistAll(ctx context.Context) {
	for region, state := range r.states {
		if err := r.persist.SaveRegion(ctx, region, state.Snapshot()); err != nil {
			r.logger.Warn("state persist failed",
				zap.String("region", string(region)), zap.Error(err))
		}
	}
	if err := r.persist.SaveDedup(ctx, r.cache.Snapshot()); err != nil {
		r.logger.Warn("dedup persist failed", zap.Error(err))
	}
}

// drain runs the shutdown ladder on a fresh context so a canceled run
// context cannot abort the final writes.
func (r *Runner) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
	defer cancel()

	var errs []error
	if r.limiter != nil {
		if err := r.limiter.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.agg.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	r.persistAll(ctx)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	r.logger.Info("shutdown drain complete")
	return nil
}
