package crawl

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/statforge/matchminer/internal/dedup"
	"github.com/statforge/matchminer/internal/match"
	"github.com/statforge/matchminer/internal/metrics"
	"github.com/statforge/matchminer/internal/progress"
	"github.com/statforge/matchminer/internal/upstream"
)

// Aggregator buffers derived-stat deltas produced while storing records.
type Aggregator interface {
	Add(ctx context.Context, delta match.StatDelta) error
}

// SchedulerConfig tunes one region's crawl loop.
type SchedulerConfig struct {
	Region match.Region
	RunID  string

	// ListWindow bounds how far back match listings reach. ListCount caps
	// IDs per listing call.
	ListWindow time.Duration
	ListCount  int

	// StackSoftCap stops neighbor pushes once the stack is this deep.
	// Discovered neighbors still land in the seed pool.
	StackSoftCap int

	// ReseedSample caps nodes pulled per reseed attempt.
	ReseedSample int
	// DryEvictFraction of the dry set is released when reseeding finds
	// nothing, so previously dry nodes become re-checkable.
	DryEvictFraction float64

	// DryBackoffThreshold starts capped exponential backoff on consecutive
	// dry nodes; DryClearThreshold wipes the backtrack history to force new
	// territory.
	DryBackoffThreshold int
	DryClearThreshold   int
	DryBackoffBase      time.Duration
	DryBackoffMax       time.Duration

	// SaturationThreshold counts consecutive fruitless backtracks before
	// the longer saturated cool-down applies.
	SaturationThreshold int
	ReseedCooldown      time.Duration
	SaturatedCooldown   time.Duration
}

func (c SchedulerConfig) normalize() SchedulerConfig {
	if c.ListCount <= 0 {
		c.ListCount = 20
	}
	if c.StackSoftCap <= 0 {
		c.StackSoftCap = 1000
	}
	if c.ReseedSample <= 0 {
		c.ReseedSample = 10
	}
	if c.DryEvictFraction <= 0 || c.DryEvictFraction > 1 {
		c.DryEvictFraction = 0.25
	}
	if c.DryBackoffThreshold <= 0 {
		c.DryBackoffThreshold = 5
	}
	if c.DryClearThreshold <= 0 {
		c.DryClearThreshold = 20
	}
	if c.DryBackoffBase <= 0 {
		c.DryBackoffBase = 2 * time.Second
	}
	if c.DryBackoffMax <= 0 {
		c.DryBackoffMax = 60 * time.Second
	}
	if c.SaturationThreshold <= 0 {
		c.SaturationThreshold = 5
	}
	if c.ReseedCooldown <= 0 {
		c.ReseedCooldown = 30 * time.Second
	}
	if c.SaturatedCooldown <= 0 {
		c.SaturatedCooldown = 120 * time.Second
	}
	return c
}

// Scheduler runs one region's depth-first discovery loop. It is the single
// writer of its State; only snapshot reads happen concurrently.
type Scheduler struct {
	cfg     SchedulerConfig
	state   *State
	fetcher match.Fetcher
	store   match.Store
	dedup   *dedup.Cache
	agg     Aggregator
	emitter progress.Emitter
	clock   match.Clock
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	dryStreak int
	fruitless int
}

// NewScheduler wires a region scheduler. The state is owned by the caller so
// it can be snapshotted for persistence.
func NewScheduler(
	cfg SchedulerConfig,
	state *State,
	fetcher match.Fetcher,
	store match.Store,
	cache *dedup.Cache,
	agg Aggregator,
	emitter progress.Emitter,
	clock match.Clock,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:     cfg.normalize(),
		state:   state,
		fetcher: fetcher,
		store:   store,
		dedup:   cache,
		agg:     agg,
		emitter: emitter,
		clock:   clock,
		logger:  logger.With(zap.String("region", string(cfg.Region))),
		sleep:   sleepCtx,
	}
}

// Run drives the loop until ctx is canceled. Errors inside a step never
// terminate the loop; only cancellation does.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Step(ctx); err != nil {
			return err
		}
	}
}

// Step executes one unit of work: process the stack top, or refill the stack
// when it is empty. It returns an error only on context cancellation.
func (s *Scheduler) Step(ctx context.Context) error {
	node, ok := s.state.Pop()
	if !ok {
		return s.refill(ctx)
	}
	// Stale entries are pushed unfiltered and discarded here, never fetched.
	if s.state.Seen(node) {
		return nil
	}
	return s.process(ctx, node)
}

func (s *Scheduler) process(ctx context.Context, node match.PlayerID) error {
	start := s.clock.Now()

	ids, err := s.fetcher.ListMatchIDs(ctx, s.cfg.Region, node, match.ListOptions{
		Since: s.cfg.ListWindow,
		Count: s.cfg.ListCount,
	})
	switch {
	case err == nil:
	case errors.Is(err, upstream.ErrNotFound):
		// No data for this node; falls through to the dry path.
		ids = nil
	case errors.Is(err, upstream.ErrRateLimited):
		// Abort the unit; the node stays queued for a later pop.
		s.state.Push(node)
		s.logger.Warn("upstream rate limited during listing", zap.String("node", string(node)))
		return ctx.Err()
	default:
		s.logger.Warn("listing failed, skipping node",
			zap.String("node", string(node)), zap.Error(err))
		return ctx.Err()
	}

	unknown := s.dedup.FilterUnknown(ids)
	if len(unknown) > 0 {
		filtered, ferr := s.store.FilterUnknown(ctx, unknown)
		if ferr != nil {
			// Insert-if-absent dedupes anyway; proceed with the local view.
			s.logger.Warn("store existence check failed", zap.Error(ferr))
		} else {
			unknown = filtered
		}
	}

	newRecords := 0
	var neighbors []match.PlayerID
	seen := map[match.PlayerID]struct{}{node: {}}
	for _, id := range unknown {
		rec, gerr := s.fetcher.GetMatch(ctx, s.cfg.Region, id)
		switch {
		case gerr == nil:
		case errors.Is(gerr, upstream.ErrNotFound):
			s.dedup.Add(id)
			continue
		case errors.Is(gerr, upstream.ErrRateLimited):
			s.state.Push(node)
			s.logger.Warn("upstream rate limited during fetch",
				zap.String("node", string(node)), zap.String("match", string(id)))
			return ctx.Err()
		default:
			s.logger.Warn("match fetch failed",
				zap.String("match", string(id)), zap.Error(gerr))
			continue
		}

		inserted, serr := s.store.InsertMatch(ctx, rec)
		if serr != nil {
			s.logger.Warn("match insert failed",
				zap.String("match", string(id)), zap.Error(serr))
			continue
		}
		s.dedup.Add(id)
		if !inserted {
			continue
		}
		newRecords++
		for _, p := range rec.Participants {
			s.bufferDelta(ctx, p, rec)
			if _, dup := seen[p.Player]; !dup {
				seen[p.Player] = struct{}{}
				neighbors = append(neighbors, p.Player)
			}
		}
	}

	if newRecords > 0 {
		s.productive(ctx, node, neighbors, newRecords, start)
	} else {
		if err := s.dry(ctx, node, start); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (s *Scheduler) bufferDelta(ctx context.Context, p match.Participant, rec match.Record) {
	delta := match.StatDelta{
		Player:   p.Player,
		Region:   rec.Region,
		Matches:  1,
		Duration: int64(rec.Duration / time.Second),
	}
	if p.Win {
		delta.Wins = 1
	}
	if err := s.agg.Add(ctx, delta); err != nil {
		s.logger.Warn("aggregate buffer add failed",
			zap.String("player", string(p.Player)), zap.Error(err))
	}
}

func (s *Scheduler) productive(ctx context.Context, node match.PlayerID, neighbors []match.PlayerID, newRecords int, start time.Time) {
	s.state.MarkVisited(node)
	s.dryStreak = 0
	s.fruitless = 0
	s.state.AppendBacktrack(node)

	// Push in reverse discovery order so the first-discovered neighbor is
	// popped next. When the soft cap cuts the push short, the earliest
	// discoveries keep their priority.
	avail := s.cfg.StackSoftCap - s.state.StackLen()
	if avail > len(neighbors) {
		avail = len(neighbors)
	}
	if avail > 0 {
		queued := make([]match.PlayerID, avail)
		for i, n := range neighbors[:avail] {
			queued[avail-1-i] = n
		}
		s.state.Push(queued...)
	}
	s.state.AddSeeds(neighbors...)

	if len(neighbors) > 0 {
		if err := s.store.RecordPlayers(ctx, s.cfg.Region, neighbors); err != nil {
			s.logger.Warn("player metadata write failed", zap.Error(err))
		}
	}

	metrics.ObserveTransition(string(s.cfg.Region), "productive")
	metrics.AddRecordsStored(string(s.cfg.Region), newRecords)
	metrics.SetStackDepth(string(s.cfg.Region), s.state.StackLen())
	s.emit(progress.Event{
		Stage:      progress.StageProductive,
		Node:       node,
		NewRecords: newRecords,
		Dur:        s.clock.Now().Sub(start),
	})
}

func (s *Scheduler) dry(ctx context.Context, node match.PlayerID, start time.Time) error {
	s.state.MarkVisited(node)
	s.state.MarkDry(node)
	s.dryStreak++

	metrics.ObserveTransition(string(s.cfg.Region), "dry")
	metrics.SetStackDepth(string(s.cfg.Region), s.state.StackLen())
	s.emit(progress.Event{
		Stage: progress.StageDry,
		Node:  node,
		Dur:   s.clock.Now().Sub(start),
	})

	switch {
	case s.dryStreak >= s.cfg.DryClearThreshold:
		s.logger.Info("dry streak exhausted neighborhood, clearing backtrack history",
			zap.Int("streak", s.dryStreak))
		s.state.ClearBacktrack()
		s.dryStreak = 0
	case s.dryStreak >= s.cfg.DryBackoffThreshold:
		d := s.dryBackoff()
		s.logger.Debug("dry streak backoff",
			zap.Int("streak", s.dryStreak), zap.Duration("backoff", d))
		return s.sleep(ctx, d)
	}
	return nil
}

// dryBackoff doubles per dry node past the threshold, capped.
func (s *Scheduler) dryBackoff() time.Duration {
	d := s.cfg.DryBackoffBase
	for i := s.cfg.DryBackoffThreshold; i < s.dryStreak && d < s.cfg.DryBackoffMax; i++ {
		d *= 2
	}
	if d > s.cfg.DryBackoffMax {
		d = s.cfg.DryBackoffMax
	}
	return d
}

// refill handles the empty-stack state: backtrack when history allows,
// otherwise reseed. Persistent fruitless backtracking escalates to the
// saturated ladder with its longer cool-down.
func (s *Scheduler) refill(ctx context.Context) error {
	if s.fruitless >= s.cfg.SaturationThreshold {
		s.fruitless = 0
		metrics.ObserveTransition(string(s.cfg.Region), "saturated")
		s.emit(progress.Event{Stage: progress.StageSaturated})
		return s.reseed(ctx, s.cfg.SaturatedCooldown)
	}

	if node, ok := s.state.RandomBacktrack(); ok {
		s.state.Unvisit(node)
		s.state.Push(node)
		s.fruitless++
		metrics.ObserveTransition(string(s.cfg.Region), "backtrack")
		s.emit(progress.Event{Stage: progress.StageBacktrack, Node: node})
		return ctx.Err()
	}

	metrics.ObserveTransition(string(s.cfg.Region), "reseed")
	return s.reseed(ctx, s.cfg.ReseedCooldown)
}

// reseed works down the fallback ladder: local seed pool, then the durable
// store plus one upstream mining pass, then dry-set relief and a cool-down.
func (s *Scheduler) reseed(ctx context.Context, cooldown time.Duration) error {
	if nodes := s.state.SampleSeeds(s.cfg.ReseedSample); len(nodes) > 0 {
		s.state.Push(nodes...)
		s.emit(progress.Event{Stage: progress.StageReseed, Note: "seed_pool"})
		return ctx.Err()
	}

	if nodes := s.mineStore(ctx); len(nodes) > 0 {
		s.state.Push(nodes...)
		s.state.AddSeeds(nodes...)
		s.emit(progress.Event{Stage: progress.StageReseed, Note: "store"})
		return ctx.Err()
	}

	evicted := s.state.EvictDryOldest(s.cfg.DryEvictFraction)
	s.logger.Info("reseed cool-down",
		zap.Int("dry_evicted", evicted), zap.Duration("cooldown", cooldown))
	s.emit(progress.Event{Stage: progress.StageReseed, Note: "cooldown"})
	return s.sleep(ctx, cooldown)
}

// mineStore pulls recently seen players from the durable store and mines one
// of their match listings for fresh participants.
func (s *Scheduler) mineStore(ctx context.Context) []match.PlayerID {
	players, err := s.store.SeedPlayers(ctx, s.cfg.Region, s.cfg.ReseedSample)
	if err != nil {
		s.logger.Warn("store seed query failed", zap.Error(err))
		return nil
	}

	var nodes []match.PlayerID
	seen := make(map[match.PlayerID]struct{})
	for _, p := range players {
		if s.state.Seen(p) {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		nodes = append(nodes, p)
	}

	// One upstream pass on the freshest seed widens the candidate set with
	// participants the store has not seen as players yet.
	if len(players) > 0 {
		if mined := s.mineUpstream(ctx, players[0], seen); len(mined) > 0 {
			nodes = append(nodes, mined...)
		}
	}
	if len(nodes) > s.cfg.ReseedSample {
		nodes = nodes[:s.cfg.ReseedSample]
	}
	return nodes
}

func (s *Scheduler) mineUpstream(ctx context.Context, player match.PlayerID, seen map[match.PlayerID]struct{}) []match.PlayerID {
	ids, err := s.fetcher.ListMatchIDs(ctx, s.cfg.Region, player, match.ListOptions{
		Since: s.cfg.ListWindow,
		Count: 1,
	})
	if err != nil || len(ids) == 0 {
		return nil
	}
	rec, err := s.fetcher.GetMatch(ctx, s.cfg.Region, ids[0])
	if err != nil {
		return nil
	}
	var mined []match.PlayerID
	for _, p := range rec.Players() {
		if s.state.Seen(p) {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		mined = append(mined, p)
	}
	return mined
}

func (s *Scheduler) emit(evt progress.Event) {
	if s.emitter == nil {
		return
	}
	evt.RunID = s.cfg.RunID
	evt.TS = s.clock.Now().UTC()
	evt.Region = s.cfg.Region
	if evt.StackLen == 0 {
		evt.StackLen = s.state.StackLen()
	}
	s.emitter.Emit(evt)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
