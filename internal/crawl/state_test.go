package crawl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/statforge/matchminer/internal/match"
)

func ids(ss ...string) []match.PlayerID {
	out := make([]match.PlayerID, 0, len(ss))
	for _, s := range ss {
		out = append(out, match.PlayerID(s))
	}
	return out
}

func TestStackLIFO(t *testing.T) {
	t.Parallel()

	s := NewState(Caps{})
	s.Push("a", "b", "c")

	n, ok := s.Pop()
	require.True(t, ok)
	require.Equal(t, match.PlayerID("c"), n)
	n, _ = s.Pop()
	require.Equal(t, match.PlayerID("b"), n)
	n, _ = s.Pop()
	require.Equal(t, match.PlayerID("a"), n)
	_, ok = s.Pop()
	require.False(t, ok)
}

func TestSeenCoversVisitedAndDry(t *testing.T) {
	t.Parallel()

	s := NewState(Caps{})
	s.MarkVisited("v")
	s.MarkDry("d")

	require.True(t, s.Seen("v"))
	require.True(t, s.Seen("d"))
	require.False(t, s.Seen("x"))

	s.Unvisit("v")
	require.False(t, s.Seen("v"))
}

func TestDrySetEvictsOldestOnOverflow(t *testing.T) {
	t.Parallel()

	s := NewState(Caps{DryCap: 3})
	for _, n := range ids("a", "b", "c", "d") {
		s.MarkDry(n)
	}

	require.Equal(t, 3, s.DryLen())
	require.False(t, s.Seen("a"), "oldest entry evicted")
	require.True(t, s.Seen("d"))
}

func TestEvictDryOldestFraction(t *testing.T) {
	t.Parallel()

	s := NewState(Caps{DryCap: 100})
	for _, n := range ids("a", "b", "c", "d") {
		s.MarkDry(n)
	}

	require.Equal(t, 1, s.EvictDryOldest(0.25))
	require.Equal(t, 3, s.DryLen())
	require.False(t, s.Seen("a"))

	// Evicting from a tiny set still makes progress.
	require.Equal(t, 1, s.EvictDryOldest(0.1))
	require.Equal(t, 0, s.EvictDryOldest(0))
}

func TestBacktrackHistoryBounded(t *testing.T) {
	t.Parallel()

	s := NewState(Caps{BacktrackCap: 2})
	s.AppendBacktrack("a")
	s.AppendBacktrack("b")
	s.AppendBacktrack("c")

	require.Equal(t, 2, s.BacktrackLen())
	require.Equal(t, ids("b", "c"), s.Snapshot().Backtrack)
}

func TestRandomBacktrackSkipsDryAndAvoidsRepeat(t *testing.T) {
	t.Parallel()

	s := NewState(Caps{})
	s.AppendBacktrack("a")
	s.AppendBacktrack("b")
	s.MarkDry("a")

	n, ok := s.RandomBacktrack()
	require.True(t, ok)
	require.Equal(t, match.PlayerID("b"), n)

	// With an alternative available, the previous target is avoided.
	s.AppendBacktrack("c")
	n, ok = s.RandomBacktrack()
	require.True(t, ok)
	require.Equal(t, match.PlayerID("c"), n)

	// With no alternative, repeating is allowed.
	s.MarkDry("b")
	n, ok = s.RandomBacktrack()
	require.True(t, ok)
	require.Equal(t, match.PlayerID("c"), n)

	s.MarkDry("c")
	_, ok = s.RandomBacktrack()
	require.False(t, ok)
}

func TestSampleSeedsFiltersSeen(t *testing.T) {
	t.Parallel()

	s := NewState(Caps{})
	s.AddSeeds(ids("a", "b", "c", "d")...)
	s.MarkVisited("a")
	s.MarkDry("b")

	got := s.SampleSeeds(10)
	require.ElementsMatch(t, ids("c", "d"), got)

	got = s.SampleSeeds(1)
	require.Len(t, got, 1)
}

func TestSeedPoolBounded(t *testing.T) {
	t.Parallel()

	s := NewState(Caps{SeedPoolCap: 2})
	s.AddSeeds(ids("a", "b", "c")...)

	snap := s.Snapshot()
	require.Equal(t, ids("b", "c"), snap.SeedPool)
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	caps := Caps{StackSoftCap: 10, DryCap: 10, SeedPoolCap: 10, BacktrackCap: 10}
	s := NewState(caps)
	s.Push("a", "b")
	s.MarkVisited("v1")
	s.MarkDry("d1")
	s.AddSeeds("s1", "s2")
	s.AppendBacktrack("a")

	restored := FromSnapshot(caps, s.Snapshot())
	require.Equal(t, s.Snapshot(), restored.Snapshot())
}

func TestSnapshotAppliesCaps(t *testing.T) {
	t.Parallel()

	// Build with loose caps, snapshot through tight ones.
	s := NewState(Caps{StackSoftCap: 100, BacktrackCap: 100})
	s.Push("a", "b", "c", "d")

	restored := FromSnapshot(Caps{StackSoftCap: 2}, s.Snapshot())
	snap := restored.Snapshot()
	// The stack keeps its top entries.
	require.Equal(t, ids("c", "d"), snap.Stack)
}
