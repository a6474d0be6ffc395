package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/statforge/matchminer/internal/match"
)

type seenPlayer struct {
	player   match.PlayerID
	lastSeen time.Time
}

// MemoryStore implements match.Store in memory for development runs and
// tests.
type MemoryStore struct {
	mu      sync.Mutex
	clock   match.Clock
	records map[match.MatchID]match.Record
	seen    map[match.Region]map[match.PlayerID]time.Time
	stats   map[match.Region]map[match.PlayerID]match.StatDelta
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(clock match.Clock) *MemoryStore {
	return &MemoryStore{
		clock:   clock,
		records: make(map[match.MatchID]match.Record),
		seen:    make(map[match.Region]map[match.PlayerID]time.Time),
		stats:   make(map[match.Region]map[match.PlayerID]match.StatDelta),
	}
}

// FilterUnknown returns ids with no stored record, preserving input order.
func (s *MemoryStore) FilterUnknown(_ context.Context, ids []match.MatchID) ([]match.MatchID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var unknown []match.MatchID
	for _, id := range ids {
		if _, ok := s.records[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	return unknown, nil
}

// InsertMatch stores a record if absent.
func (s *MemoryStore) InsertMatch(_ context.Context, rec match.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return false, nil
	}
	s.records[rec.ID] = rec
	return true, nil
}

// RecordPlayers stamps the players as seen now.
func (s *MemoryStore) RecordPlayers(_ context.Context, region match.Region, players []match.PlayerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPlayer, ok := s.seen[region]
	if !ok {
		byPlayer = make(map[match.PlayerID]time.Time)
		s.seen[region] = byPlayer
	}
	now := s.clock.Now()
	for _, p := range players {
		byPlayer[p] = now
	}
	return nil
}

// SeedPlayers returns the region's players, most recently seen first.
func (s *MemoryStore) SeedPlayers(_ context.Context, region match.Region, limit int) ([]match.PlayerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPlayer := s.seen[region]
	entries := make([]seenPlayer, 0, len(byPlayer))
	for p, at := range byPlayer {
		entries = append(entries, seenPlayer{player: p, lastSeen: at})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].lastSeen.Equal(entries[j].lastSeen) {
			return entries[i].lastSeen.After(entries[j].lastSeen)
		}
		return entries[i].player < entries[j].player
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	players := make([]match.PlayerID, 0, len(entries))
	for _, e := range entries {
		players = append(players, e.player)
	}
	return players, nil
}

// UpsertAggregates folds the deltas into the stored totals.
func (s *MemoryStore) UpsertAggregates(_ context.Context, deltas []match.StatDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deltas {
		byPlayer, ok := s.stats[d.Region]
		if !ok {
			byPlayer = make(map[match.PlayerID]match.StatDelta)
			s.stats[d.Region] = byPlayer
		}
		cur := byPlayer[d.Player]
		cur.Player = d.Player
		cur.Region = d.Region
		cur.Matches += d.Matches
		cur.Wins += d.Wins
		cur.Duration += d.Duration
		byPlayer[d.Player] = cur
	}
	return nil
}

// Stats returns the accumulated totals for one player, for tests and the
// dev console.
func (s *MemoryStore) Stats(region match.Region, player match.PlayerID) (match.StatDelta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPlayer, ok := s.stats[region]
	if !ok {
		return match.StatDelta{}, false
	}
	d, ok := byPlayer[player]
	return d, ok
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
