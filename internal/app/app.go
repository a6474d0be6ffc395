// Package app initializes and holds the long-lived services, acting as the
// dependency injection container for the crawler process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	gcpstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/statforge/matchminer/internal/aggregate"
	"github.com/statforge/matchminer/internal/api"
	"github.com/statforge/matchminer/internal/clock/system"
	"github.com/statforge/matchminer/internal/config"
	"github.com/statforge/matchminer/internal/crawl"
	"github.com/statforge/matchminer/internal/dedup"
	"github.com/statforge/matchminer/internal/hash/sha256"
	"github.com/statforge/matchminer/internal/id/uuid"
	"github.com/statforge/matchminer/internal/match"
	"github.com/statforge/matchminer/internal/metrics"
	"github.com/statforge/matchminer/internal/persist"
	"github.com/statforge/matchminer/internal/progress"
	"github.com/statforge/matchminer/internal/progress/sinks"
	pubmem "github.com/statforge/matchminer/internal/publisher/memory"
	"github.com/statforge/matchminer/internal/publisher/pubsub"
	"github.com/statforge/matchminer/internal/ratelimit"
	"github.com/statforge/matchminer/internal/ratelimit/counter"
	"github.com/statforge/matchminer/internal/runner"
	"github.com/statforge/matchminer/internal/storage/gcs"
	"github.com/statforge/matchminer/internal/storage/local"
	"github.com/statforge/matchminer/internal/storage/memory"
	"github.com/statforge/matchminer/internal/store"
	"github.com/statforge/matchminer/internal/upstream"
)

// App holds every long-lived service of the crawler process. It is built
// once at startup and torn down by Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	runID  string

	limiter *ratelimit.Limiter
	hub     *progress.Hub
	server  *http.Server
	runner  *runner.Runner

	// closers run in reverse registration order during Close.
	closers []func(ctx context.Context) error
}

// New wires all services from configuration. Any failure here is fatal to
// the process; nothing after startup is.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	clock := system.New()

	runID, err := uuid.NewGenerator().NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, runID: runID}

	counters, err := a.buildCounterStore(ctx)
	if err != nil {
		return nil, err
	}

	a.limiter = ratelimit.New(ratelimit.Config{
		ShortWindow:     cfg.RateLimit.ShortWindow,
		LongWindow:      cfg.RateLimit.LongWindow,
		ShortLimit:      cfg.RateLimit.ShortLimit,
		LongLimit:       cfg.RateLimit.LongLimit,
		ShortReserve:    cfg.RateLimit.ShortReserve,
		LongReserve:     cfg.RateLimit.LongReserve,
		ThrottlePercent: cfg.RateLimit.ThrottlePercent,
		SyncBatch:       cfg.RateLimit.SyncBatch,
		SyncInterval:    cfg.RateLimit.SyncInterval,
	}, counters, clock, logger)

	fetcher, err := upstream.New(upstream.Config{
		BaseURL:   cfg.Upstream.BaseURL,
		APIKey:    cfg.Upstream.APIKey,
		Timeout:   cfg.Upstream.Timeout,
		SmoothRPS: cfg.Upstream.SmoothRPS,
		MaxWait:   cfg.Upstream.MaxWait,
		Class:     ratelimit.ClassBulk,
	}, a.limiter, sha256.New(), logger)
	if err != nil {
		return nil, fmt.Errorf("build upstream client: %w", err)
	}

	matchStore, err := a.buildMatchStore(ctx, clock)
	if err != nil {
		return nil, err
	}

	blobs, err := a.buildBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	persistMgr := persist.New(blobs, cfg.Persist.Prefix, clock, logger)

	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}
	agg := aggregate.New(matchStore, publisher, cfg.Publish.Topic, cfg.Aggregate.MaxPending, clock, logger)

	cache := dedup.New(cfg.Dedup.Capacity)
	if !cfg.Persist.Reset {
		if ids, ok := persistMgr.LoadDedup(ctx); ok {
			cache.Restore(ids)
			logger.Info("dedup cache restored", zap.Int("ids", cache.Len()))
		}
	}

	snapshotSink := sinks.NewSnapshotSink()
	a.hub = progress.NewHub(progress.Config{Logger: logger},
		sinks.NewLogSink(logger), snapshotSink)

	caps := crawl.Caps{
		StackSoftCap: cfg.Crawler.StackSoftCap,
		DryCap:       cfg.Crawler.DryCap,
		SeedPoolCap:  cfg.Crawler.SeedPoolCap,
		BacktrackCap: cfg.Crawler.BacktrackCap,
	}
	states := make(map[match.Region]*crawl.State)
	loops := make(map[match.Region]runner.RegionLoop)
	stateSources := make(map[match.Region]api.StateSource)
	for _, region := range cfg.Regions() {
		state := a.buildRegionState(ctx, region, caps, persistMgr)
		states[region] = state
		stateSources[region] = state
		loops[region] = crawl.NewScheduler(crawl.SchedulerConfig{
			Region:              region,
			RunID:               runID,
			ListWindow:          cfg.Crawler.ListWindow,
			ListCount:           cfg.Crawler.ListCount,
			StackSoftCap:        cfg.Crawler.StackSoftCap,
			ReseedSample:        cfg.Crawler.ReseedSample,
			DryEvictFraction:    cfg.Crawler.DryEvictFraction,
			DryBackoffThreshold: cfg.Crawler.DryBackoffThreshold,
			DryClearThreshold:   cfg.Crawler.DryClearThreshold,
			DryBackoffBase:      cfg.Crawler.DryBackoffBase,
			DryBackoffMax:       cfg.Crawler.DryBackoffMax,
			SaturationThreshold: cfg.Crawler.SaturationThreshold,
			ReseedCooldown:      cfg.Crawler.ReseedCooldown,
			SaturatedCooldown:   cfg.Crawler.SaturatedCooldown,
		}, state, fetcher, matchStore, cache, agg, a.hub, clock, logger)
	}

	a.runner = runner.New(
		runner.Config{PersistInterval: cfg.Persist.Interval},
		loops, states, cache, agg, persistMgr, a.limiter, logger,
	)

	opsServer := api.NewServer(a.limiter, snapshotSink, stateSources, logger)
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           opsServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// RunID identifies this process run in progress events.
func (a *App) RunID() string { return a.runID }

// Run starts the ops server and the region loops, blocking until ctx is
// canceled and the shutdown drain finishes.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("ops server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	runnerDone := make(chan error, 1)
	go func() {
		runnerDone <- a.runner.Run(ctx)
	}()

	var runErr error
	select {
	case err := <-serverErr:
		// The crawler keeps running; the ops surface is advisory.
		a.logger.Error("ops server failed", zap.Error(err))
		runErr = <-runnerDone
	case runErr = <-runnerDone:
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutCtx); err != nil {
		a.logger.Warn("ops server shutdown failed", zap.Error(err))
	}
	if err := a.hub.Close(shutCtx); err != nil {
		a.logger.Warn("progress hub close failed", zap.Error(err))
	}
	return runErr
}

// Close releases all held clients in reverse registration order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) buildCounterStore(ctx context.Context) (counter.Store, error) {
	switch a.cfg.Counter.Provider {
	case "redis":
		a.logger.Info("using redis shared rate counter")
		rc, err := counter.NewRedis(ctx, a.cfg.Counter.RedisURL, a.cfg.Counter.Prefix)
		if err != nil {
			return nil, fmt.Errorf("connect redis counter: %w", err)
		}
		a.onClose(func(context.Context) error { return rc.Close() })
		return rc, nil
	case "memory":
		a.logger.Info("using in-process rate counter; budgets are not shared across processes")
		return counter.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown counter provider %q", a.cfg.Counter.Provider)
	}
}

func (a *App) buildMatchStore(ctx context.Context, clock match.Clock) (match.Store, error) {
	switch a.cfg.Store.Provider {
	case "postgres":
		a.logger.Info("connecting to postgres match store")
		ps, err := store.NewPostgresStore(ctx, store.PostgresConfig{
			DSN:      a.cfg.Store.DSN,
			MaxConns: a.cfg.Store.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connect match store: %w", err)
		}
		a.onClose(func(context.Context) error { ps.Close(); return nil })
		return ps, nil
	case "memory":
		a.logger.Info("using in-memory match store; records will not survive a restart")
		return store.NewMemoryStore(clock), nil
	default:
		return nil, fmt.Errorf("unknown store provider %q", a.cfg.Store.Provider)
	}
}

func (a *App) buildBlobStore(ctx context.Context) (match.BlobStore, error) {
	switch a.cfg.Persist.Provider {
	case "local":
		return local.New(local.Config{BaseDir: a.cfg.Persist.Dir})
	case "gcs":
		client, err := gcpstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		return gcs.New(client, gcs.Config{Bucket: a.cfg.Persist.Bucket})
	case "memory":
		return memory.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown persist provider %q", a.cfg.Persist.Provider)
	}
}

// buildPublisher returns nil when no topic is configured; aggregate flush
// summaries are optional.
func (a *App) buildPublisher(ctx context.Context) (aggregate.Publisher, error) {
	if a.cfg.Publish.Topic == "" {
		return nil, nil
	}
	if a.cfg.Publish.ProjectID == "" {
		a.logger.Info("publish.project_id not set, using in-memory publisher")
		return pubmem.New(), nil
	}
	client, err := gcppubsub.NewClient(ctx, a.cfg.Publish.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub, err := pubsub.New(client)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return pub.Close() })
	return pub, nil
}

// buildRegionState restores a persisted snapshot unless a reset was
// requested, falling back to the configured seeds.
func (a *App) buildRegionState(ctx context.Context, region match.Region, caps crawl.Caps, persistMgr *persist.Manager) *crawl.State {
	if !a.cfg.Persist.Reset {
		if snap, ok := persistMgr.LoadRegion(ctx, region); ok {
			a.logger.Info("crawl state restored",
				zap.String("region", string(region)),
				zap.Int("stack", len(snap.Stack)),
				zap.Int("visited", len(snap.Visited)))
			state := crawl.FromSnapshot(caps, snap)
			if len(snap.Stack) == 0 {
				state.Push(a.cfg.RegionSeeds(region)...)
			}
			return state
		}
	}
	state := crawl.NewState(caps)
	seeds := a.cfg.RegionSeeds(region)
	state.Push(seeds...)
	a.logger.Info("crawl state seeded fresh",
		zap.String("region", string(region)), zap.Int("seeds", len(seeds)))
	return state
}
