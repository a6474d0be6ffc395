// Package progress defines the event stream emitted by the region crawl
// schedulers and the hub that fans it out to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/statforge/matchminer/internal/match"
)

// Stage denotes the kind of milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageProductive Stage = "NODE_PRODUCTIVE"
	StageDry        Stage = "NODE_DRY"
	StageBacktrack  Stage = "BACKTRACK"
	StageReseed     Stage = "RESEED"
	StageSaturated  Stage = "SATURATED"
	StageSummary    Stage = "SUMMARY"
)

// Event captures one milestone of a region's crawl.
type Event struct {
	// RunID identifies the process run that emitted the event.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Region scopes the event to one scheduler.
	Region match.Region
	// Node is the player being processed, where applicable.
	Node match.PlayerID
	// NewRecords counts records stored by this unit of work.
	NewRecords int
	// StackLen is the stack depth after the unit of work.
	StackLen int
	// Dur captures the unit's execution latency.
	Dur time.Duration
	// Note carries low-volume debug context (reseed source, error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Region == "" {
		return errors.New("region is required")
	}
	switch e.Stage {
	case StageRunStart, StageBacktrack, StageReseed, StageSaturated, StageSummary:
	case StageProductive, StageDry:
		if e.Node == "" {
			return fmt.Errorf("%s requires a node", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
