// Package match defines core types shared across the crawl subsystems.
package match

import (
	"fmt"
	"time"
)

// Region identifies one upstream routing shard. Each region runs an
// independent crawl scheduler and, by default, its own rate-limit scope.
type Region string

// Supported routing regions.
const (
	RegionAmericas Region = "americas"
	RegionEurope   Region = "europe"
	RegionAsia     Region = "asia"
	RegionSea      Region = "sea"
)

// AllRegions lists every supported region in a stable order.
func AllRegions() []Region {
	return []Region{RegionAmericas, RegionEurope, RegionAsia, RegionSea}
}

// ParseRegion validates a region string from configuration.
func ParseRegion(s string) (Region, error) {
	r := Region(s)
	switch r {
	case RegionAmericas, RegionEurope, RegionAsia, RegionSea:
		return r, nil
	}
	return "", fmt.Errorf("unknown region %q", s)
}

// PlayerID is the opaque upstream identifier for one player. Players are the
// nodes of the discovery graph: a player's matches reveal further players.
type PlayerID string

// MatchID is the opaque upstream identifier for one match record.
type MatchID string

// Participant is one player's slot in a match.
type Participant struct {
	Player PlayerID `json:"player_id"`
	Win    bool     `json:"win"`
}

// Record is one fully fetched match. Payload carries the raw upstream JSON so
// downstream scoring can re-parse fields the crawler does not model.
type Record struct {
	ID           MatchID       `json:"id"`
	Region       Region        `json:"region"`
	EndedAt      time.Time     `json:"ended_at"`
	Duration     time.Duration `json:"duration"`
	Participants []Participant `json:"participants"`
	Payload      []byte        `json:"-"`
	PayloadHash  string        `json:"payload_hash"`
}

// Players returns the participant IDs of the record, in slot order.
func (r Record) Players() []PlayerID {
	out := make([]PlayerID, 0, len(r.Participants))
	for _, p := range r.Participants {
		out = append(out, p.Player)
	}
	return out
}

// ListOptions bounds a match-ID listing call.
type ListOptions struct {
	// Since restricts results to matches that ended within the trailing
	// window. Zero means no time bound.
	Since time.Duration
	// Count caps the number of returned IDs. Zero means the upstream default.
	Count int
}

// StatDelta is one buffered derived-stat increment for a player. Deltas are
// merged in the aggregate buffer and flushed in batches.
type StatDelta struct {
	Player   PlayerID `json:"player_id"`
	Region   Region   `json:"region"`
	Matches  int64    `json:"matches"`
	Wins     int64    `json:"wins"`
	Duration int64    `json:"duration_seconds"`
}
