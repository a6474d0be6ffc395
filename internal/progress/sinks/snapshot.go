package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/statforge/matchminer/internal/match"
	"github.com/statforge/matchminer/internal/progress"
)

// RegionStatus is the rolled-up view of one region's crawl, served by the
// ops API.
type RegionStatus struct {
	Region      match.Region   `json:"region"`
	LastStage   progress.Stage `json:"last_stage"`
	LastNode    match.PlayerID `json:"last_node,omitempty"`
	LastEventAt time.Time      `json:"last_event_at"`
	StackLen    int            `json:"stack_len"`
	NewRecords  int64          `json:"new_records_total"`
	DryNodes    int64          `json:"dry_nodes_total"`
	Productive  int64          `json:"productive_nodes_total"`
	Backtracks  int64          `json:"backtracks_total"`
	Reseeds     int64          `json:"reseeds_total"`
	Saturations int64          `json:"saturations_total"`
	LastNote    string         `json:"last_note,omitempty"`
}

// SnapshotSink folds the event stream into per-region counters that the ops
// API reads. It keeps no history beyond the running totals.
type SnapshotSink struct {
	mu      sync.RWMutex
	regions map[match.Region]*RegionStatus
}

// NewSnapshotSink constructs an empty SnapshotSink.
func NewSnapshotSink() *SnapshotSink {
	return &SnapshotSink{regions: make(map[match.Region]*RegionStatus)}
}

// Consume folds the batch into the per-region tallies.
func (s *SnapshotSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		st, ok := s.regions[evt.Region]
		if !ok {
			st = &RegionStatus{Region: evt.Region}
			s.regions[evt.Region] = st
		}
		st.LastStage = evt.Stage
		st.LastEventAt = evt.TS
		st.StackLen = evt.StackLen
		st.LastNote = evt.Note
		if evt.Node != "" {
			st.LastNode = evt.Node
		}
		switch evt.Stage {
		case progress.StageProductive:
			st.Productive++
			st.NewRecords += int64(evt.NewRecords)
		case progress.StageDry:
			st.DryNodes++
		case progress.StageBacktrack:
			st.Backtracks++
		case progress.StageReseed:
			st.Reseeds++
		case progress.StageSaturated:
			st.Saturations++
		}
	}
	return nil
}

// Status returns a copy of every region's rolled-up view.
func (s *SnapshotSink) Status() []RegionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RegionStatus, 0, len(s.regions))
	for _, st := range s.regions {
		out = append(out, *st)
	}
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *SnapshotSink) Close(context.Context) error {
	return nil
}
