package crawl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/statforge/matchminer/internal/dedup"
	"github.com/statforge/matchminer/internal/match"
	"github.com/statforge/matchminer/internal/progress"
	"github.com/statforge/matchminer/internal/upstream"
)

type fakeFetcher struct {
	mu        sync.Mutex
	lists     map[match.PlayerID][]match.MatchID
	listErr   map[match.PlayerID]error
	matches   map[match.MatchID]match.Record
	matchErr  map[match.MatchID]error
	listCalls int
	getCalls  int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		lists:    make(map[match.PlayerID][]match.MatchID),
		listErr:  make(map[match.PlayerID]error),
		matches:  make(map[match.MatchID]match.Record),
		matchErr: make(map[match.MatchID]error),
	}
}

func (f *fakeFetcher) ListMatchIDs(_ context.Context, _ match.Region, player match.PlayerID, _ match.ListOptions) ([]match.MatchID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if err := f.listErr[player]; err != nil {
		return nil, err
	}
	return f.lists[player], nil
}

func (f *fakeFetcher) GetMatch(_ context.Context, region match.Region, id match.MatchID) (match.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if err := f.matchErr[id]; err != nil {
		return match.Record{}, err
	}
	rec, ok := f.matches[id]
	if !ok {
		return match.Record{}, upstream.ErrNotFound
	}
	rec.Region = region
	return rec, nil
}

func (f *fakeFetcher) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.getCalls
}

type fakeStore struct {
	mu       sync.Mutex
	existing map[match.MatchID]bool
	inserted []match.Record
	players  []match.PlayerID
	seeds    []match.PlayerID
}

func newFakeStore() *fakeStore {
	return &fakeStore{existing: make(map[match.MatchID]bool)}
}

func (s *fakeStore) FilterUnknown(_ context.Context, ids []match.MatchID) ([]match.MatchID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []match.MatchID
	for _, id := range ids {
		if !s.existing[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertMatch(_ context.Context, rec match.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existing[rec.ID] {
		return false, nil
	}
	s.existing[rec.ID] = true
	s.inserted = append(s.inserted, rec)
	return true, nil
}

func (s *fakeStore) RecordPlayers(_ context.Context, _ match.Region, players []match.PlayerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players = append(s.players, players...)
	return nil
}

func (s *fakeStore) SeedPlayers(_ context.Context, _ match.Region, _ int) ([]match.PlayerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeds, nil
}

func (s *fakeStore) UpsertAggregates(context.Context, []match.StatDelta) error { return nil }

type fakeAgg struct {
	mu     sync.Mutex
	deltas []match.StatDelta
}

func (a *fakeAgg) Add(_ context.Context, d match.StatDelta) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deltas = append(a.deltas, d)
	return nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *fakeEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *fakeEmitter) stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slept = append(r.slept, d)
	return ctx.Err()
}

type schedFixture struct {
	sched   *Scheduler
	state   *State
	fetcher *fakeFetcher
	store   *fakeStore
	agg     *fakeAgg
	emitter *fakeEmitter
	sleeps  *sleepRecorder
}

func newFixture(t *testing.T, cfg SchedulerConfig) *schedFixture {
	t.Helper()
	if cfg.Region == "" {
		cfg.Region = match.RegionAmericas
	}
	if cfg.RunID == "" {
		cfg.RunID = "test-run"
	}
	f := &schedFixture{
		state:   NewState(Caps{}),
		fetcher: newFakeFetcher(),
		store:   newFakeStore(),
		agg:     &fakeAgg{},
		emitter: &fakeEmitter{},
		sleeps:  &sleepRecorder{},
	}
	f.sched = NewScheduler(cfg, f.state, f.fetcher, f.store, dedup.New(100), f.agg, f.emitter,
		fixedClock{now: time.Unix(1700000000, 0)}, nil)
	f.sched.sleep = f.sleeps.sleep
	return f
}

func record(id match.MatchID, players ...match.PlayerID) match.Record {
	rec := match.Record{ID: id, Duration: 30 * time.Minute}
	for i, p := range players {
		rec.Participants = append(rec.Participants, match.Participant{Player: p, Win: i == 0})
	}
	return rec
}

func TestProcessProductiveNode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, SchedulerConfig{})
	f.fetcher.lists["A"] = []match.MatchID{"m1"}
	f.fetcher.matches["m1"] = record("m1", "A", "B", "C")
	f.state.Push("A")

	require.NoError(t, f.sched.Step(context.Background()))

	snap := f.state.Snapshot()
	require.Equal(t, ids("C", "B"), snap.Stack, "first-discovered neighbor pops next")
	require.Equal(t, ids("A"), snap.Visited)
	require.Equal(t, ids("A"), snap.Backtrack)
	require.ElementsMatch(t, ids("B", "C"), snap.SeedPool)
	require.Empty(t, snap.Dry)

	// B pops before C, preserving depth-first order.
	next, ok := f.state.Pop()
	require.True(t, ok)
	require.Equal(t, match.PlayerID("B"), next)

	require.Len(t, f.store.inserted, 1)
	require.Len(t, f.agg.deltas, 3, "one delta per participant")
	require.ElementsMatch(t, f.store.players, ids("B", "C"))
	require.Equal(t, []progress.Stage{progress.StageProductive}, f.emitter.stages())
}

func TestProcessDryNode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, SchedulerConfig{})
	f.state.AppendBacktrack("Z")
	f.state.Push("A")

	require.NoError(t, f.sched.Step(context.Background()))

	snap := f.state.Snapshot()
	require.Equal(t, ids("A"), snap.Dry)
	require.Equal(t, ids("A"), snap.Visited)
	require.Equal(t, ids("Z"), snap.Backtrack, "backtrack history untouched")
	require.Empty(t, snap.Stack)
	require.Equal(t, []progress.Stage{progress.StageDry}, f.emitter.stages())
}

func TestAllRecordsKnownIsDry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, SchedulerConfig{})
	f.fetcher.lists["A"] = []match.MatchID{"m1"}
	f.fetcher.matches["m1"] = record("m1", "A", "B")
	f.store.existing["m1"] = true
	f.state.Push("A")

	require.NoError(t, f.sched.Step(context.Background()))

	snap := f.state.Snapshot()
	require.Equal(t, ids("A"), snap.Dry)
	_, gets := f.fetcher.calls()
	require.Zero(t, gets, "known records are never re-fetched")
}

func TestNotFoundListingIsDry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, SchedulerConfig{})
	f.fetcher.listErr["A"] = upstream.ErrNotFound
	f.state.Push("A")

	require.NoError(t, f.sched.Step(context.Background()))
	require.Equal(t, ids("A"), f.state.Snapshot().Dry)
}

func TestSeenNodeIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, SchedulerConfig{})
	f.state.MarkVisited("A")
	f.state.MarkDry("B")
	f.state.Push("A", "B")

	require.NoError(t, f.sched.Step(context.Background()))
	require.NoError(t, f.sched.Step(context.Background()))

	lists, gets := f.fetcher.calls()
	require.Zero(t, lists)
	require.Zero(t, gets)
	require.Empty(t, f.emitter.stages())
}

func TestRateLimitedFetchRequeuesNode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, SchedulerConfig{})
	f.fetcher.lists["A"] = []match.MatchID{"m1"}
	f.fetcher.matchErr["m1"] = upstream.ErrRateLimited
	f.state.Push("A")

	require.NoError(t, f.sched.Step(context.Background()))

	snap := f.state.Snapshot()
	require.Equal(t, ids("A"), snap.Stack, "node stays queued for a later pop")
	require.Empty(t, snap.Visited)
	require.Empty(t, snap.Dry)
}

func TestTransientFetchSkipsRecordOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, SchedulerConfig{})
	f.fetcher.lists["A"] = []match.MatchID{"m1", "m2"}
	f.fetcher.matchErr["m1"] = upstream.ErrTransient
	f.fetcher.matches["m2"] = record("m2", "A", "B")
	f.state.Push("A")

	require.NoError(t, f.sched.Step(context.Background()))

	require.Len(t, f.store.inserted, 1)
	require.Equal(t, match.MatchID("m2"), f.store.inserted[0].ID)
	require.Equal(t, ids("A"), f.state.Snapshot().Visited)
}

func TestDryBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	f := newFixture(t, SchedulerConfig{
		DryBackoffThreshold: 2,
		DryClearThreshold:   100,
		DryBackoffBase:      time.Second,
		DryBackoffMax:       3 * time.Second,
	})
	f.state.Push("E", "D", "C", "B", "A")

	for i := 0; i < 5; i++ {
		require.NoError(t, f.sched.Step(context.Background()))
	}

	// Streaks 2..5 back off; growth doubles from the base and caps.
	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second,
	}, f.sleeps.slept)
}

func TestDryStreakClearsBacktrackHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, SchedulerConfig{
		DryBackoffThreshold: 100,
		DryClearThreshold:   2,
	})
	f.state.AppendBacktrack("Z")
	f.state.Push("B", "A")

	require.NoError(t, f.sched.Step(context.Background()))
	require.Equal(t, 1, f.state.BacktrackLen())

	require.NoError(t, f.sched.Step(context.Background()))
	require.Zero(t, f.state.BacktrackLen(), "history cleared to force new territory")
}

func TestEmptyStackBacktracks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, SchedulerConfig{})
	f.state.MarkVisited("A")
	f.state.AppendBacktrack("A")

	require.NoError(t, f.sched.Step(context.Background()))

	snap := f.state.Snapshot()
	require.Equal(t, ids("A"), snap.Stack)
	require.Empty(t, snap.Visited, "backtrack target is re-processable")
	require.Equal(t, []progress.Stage{progress.StageBacktrack}, f.emitter.stages())
}

func TestReseedFromSeedPool(t *testing.T) {
	t.Parallel()

	f := newFixture(t, SchedulerConfig{})
	f.state.AddSeeds("X", "Y")

	require.NoError(t, f.sched.Step(context.Background()))

	require.Equal(t, 2, f.state.StackLen())
	require.Equal(t, []progress.Stage{progress.StageReseed}, f.emitter.stages())
	require.Empty(t, f.sleeps.slept)
}

func TestReseedMinesStoreAndUpstream(t *testing.T) {
	t.Parallel()

	f := newFixture(t, SchedulerConfig{})
	f.store.seeds = ids("P")
	f.fetcher.lists["P"] = []match.MatchID{"m9"}
	f.fetcher.matches["m9"] = record("m9", "P", "Q")

	require.NoError(t, f.sched.Step(context.Background()))

	snap := f.state.Snapshot()
	require.ElementsMatch(t, ids("P", "Q"), snap.Stack)
	require.ElementsMatch(t, ids("P", "Q"), snap.SeedPool)
}

func TestReseedExhaustedCoolsDownAndEvictsDry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, SchedulerConfig{
		ReseedCooldown:   7 * time.Second,
		DryEvictFraction: 0.5,
	})
	f.state.MarkDry("d1")
	f.state.MarkDry("d2")

	require.NoError(t, f.sched.Step(context.Background()))

	require.Equal(t, 1, f.state.DryLen(), "oldest half of dry set released")
	require.Equal(t, []time.Duration{7 * time.Second}, f.sleeps.slept)
}

func TestSaturationUsesLongerCooldown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, SchedulerConfig{
		SaturationThreshold: 1,
		SaturatedCooldown:   time.Minute,
		ReseedCooldown:      time.Second,
	})
	f.state.MarkVisited("A")
	f.state.AppendBacktrack("A")

	// First refill backtracks and counts as fruitless.
	require.NoError(t, f.sched.Step(context.Background()))
	// A comes back dry.
	require.NoError(t, f.sched.Step(context.Background()))
	// Next refill escalates to the saturated ladder.
	require.NoError(t, f.sched.Step(context.Background()))

	require.Contains(t, f.emitter.stages(), progress.StageSaturated)
	require.Equal(t, []time.Duration{time.Minute}, f.sleeps.slept)
}

func TestProductiveResetsFruitlessCount(t *testing.T) {
	t.Parallel()

	f := newFixture(t, SchedulerConfig{SaturationThreshold: 2})
	f.state.MarkVisited("A")
	f.state.AppendBacktrack("A")
	f.fetcher.lists["A"] = []match.MatchID{"m1"}
	f.fetcher.matches["m1"] = record("m1", "A", "B")

	// Backtrack, then a productive pass on A.
	require.NoError(t, f.sched.Step(context.Background()))
	require.NoError(t, f.sched.Step(context.Background()))
	require.Zero(t, f.sched.fruitless)
}

func TestStackSoftCapStillFeedsSeedPool(t *testing.T) {
	t.Parallel()

	f := newFixture(t, SchedulerConfig{StackSoftCap: 2})
	f.fetcher.lists["A"] = []match.MatchID{"m1"}
	f.fetcher.matches["m1"] = record("m1", "A", "B", "C", "D", "E")
	f.state.Push("A")

	require.NoError(t, f.sched.Step(context.Background()))

	snap := f.state.Snapshot()
	require.Len(t, snap.Stack, 2, "pushes stop at the soft cap")
	require.ElementsMatch(t, ids("B", "C", "D", "E"), snap.SeedPool,
		"every neighbor reaches the seed pool regardless of the cap")
}
