package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/statforge/matchminer/internal/match"
	"github.com/statforge/matchminer/internal/progress"
)

func TestSnapshotSinkFoldsBatches(t *testing.T) {
	t.Parallel()

	sink := NewSnapshotSink()
	now := time.Now().UTC()
	batch := []progress.Event{
		{RunID: "r", TS: now, Stage: progress.StageProductive, Region: match.RegionAmericas, Node: "p1", NewRecords: 3, StackLen: 5},
		{RunID: "r", TS: now, Stage: progress.StageDry, Region: match.RegionAmericas, Node: "p2", StackLen: 4},
		{RunID: "r", TS: now, Stage: progress.StageReseed, Region: match.RegionEurope, Note: "seed_pool"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	status := sink.Status()
	require.Len(t, status, 2)

	byRegion := make(map[match.Region]RegionStatus, len(status))
	for _, st := range status {
		byRegion[st.Region] = st
	}

	am := byRegion[match.RegionAmericas]
	require.EqualValues(t, 1, am.Productive)
	require.EqualValues(t, 1, am.DryNodes)
	require.EqualValues(t, 3, am.NewRecords)
	require.Equal(t, progress.StageDry, am.LastStage)
	require.Equal(t, match.PlayerID("p2"), am.LastNode)
	require.Equal(t, 4, am.StackLen)

	eu := byRegion[match.RegionEurope]
	require.EqualValues(t, 1, eu.Reseeds)
	require.Equal(t, "seed_pool", eu.LastNote)
}
