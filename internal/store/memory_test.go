package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/statforge/matchminer/internal/match"
)

type stepClock struct {
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func TestMemoryStoreInsertAndFilter(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(&stepClock{now: time.Unix(1700000000, 0)})
	ctx := context.Background()

	inserted, err := s.InsertMatch(ctx, match.Record{ID: "m1"})
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = s.InsertMatch(ctx, match.Record{ID: "m1"})
	require.NoError(t, err)
	require.False(t, inserted)

	unknown, err := s.FilterUnknown(ctx, []match.MatchID{"m1", "m2"})
	require.NoError(t, err)
	require.Equal(t, []match.MatchID{"m2"}, unknown)
	require.Equal(t, 1, s.Len())
}

func TestMemoryStoreSeedPlayersNewestFirst(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(&stepClock{now: time.Unix(1700000000, 0), step: time.Second})
	ctx := context.Background()

	require.NoError(t, s.RecordPlayers(ctx, match.RegionAmericas, []match.PlayerID{"old"}))
	require.NoError(t, s.RecordPlayers(ctx, match.RegionAmericas, []match.PlayerID{"new"}))
	require.NoError(t, s.RecordPlayers(ctx, match.RegionEurope, []match.PlayerID{"other"}))

	players, err := s.SeedPlayers(ctx, match.RegionAmericas, 10)
	require.NoError(t, err)
	require.Equal(t, []match.PlayerID{"new", "old"}, players)

	players, err = s.SeedPlayers(ctx, match.RegionAmericas, 1)
	require.NoError(t, err)
	require.Equal(t, []match.PlayerID{"new"}, players)
}

func TestMemoryStoreAggregates(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(&stepClock{now: time.Unix(1700000000, 0)})
	ctx := context.Background()

	require.NoError(t, s.UpsertAggregates(ctx, []match.StatDelta{
		{Player: "p1", Region: match.RegionSea, Matches: 1, Wins: 1, Duration: 1800},
		{Player: "p1", Region: match.RegionSea, Matches: 1, Wins: 0, Duration: 1200},
	}))

	d, ok := s.Stats(match.RegionSea, "p1")
	require.True(t, ok)
	require.EqualValues(t, 2, d.Matches)
	require.EqualValues(t, 1, d.Wins)
	require.EqualValues(t, 3000, d.Duration)
}
