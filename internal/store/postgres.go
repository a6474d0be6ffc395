package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/statforge/matchminer/internal/match"
)

// PostgresConfig controls the connection pool for the match store.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// PostgresStore implements match.Store on top of a pgx pool.
//
// Expected schema:
//
//	CREATE TABLE matches (
//	    id TEXT PRIMARY KEY,
//	    region TEXT NOT NULL,
//	    ended_at TIMESTAMPTZ NOT NULL,
//	    duration_seconds BIGINT NOT NULL,
//	    participants JSONB NOT NULL,
//	    payload JSONB,
//	    payload_hash TEXT,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE TABLE seen_players (
//	    player_id TEXT NOT NULL,
//	    region TEXT NOT NULL,
//	    last_seen TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (player_id, region)
//	);
//	CREATE TABLE player_stats (
//	    player_id TEXT NOT NULL,
//	    region TEXT NOT NULL,
//	    matches BIGINT NOT NULL,
//	    wins BIGINT NOT NULL,
//	    duration_seconds BIGINT NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (player_id, region)
//	);
type PostgresStore struct {
	pool pgPool
}

// NewPostgresStore connects a pool from config.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewPostgresStoreWithPool(pool pgPool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// FilterUnknown returns the subset of ids with no matches row, preserving
// input order.
func (s *PostgresStore) FilterUnknown(ctx context.Context, ids []match.MatchID) ([]match.MatchID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]string, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, string(id))
	}
	rows, err := s.pool.Query(ctx, `SELECT id FROM matches WHERE id = ANY($1)`, raw)
	if err != nil {
		return nil, fmt.Errorf("query existing matches: %w", err)
	}
	defer rows.Close()

	known := make(map[match.MatchID]struct{}, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan match id: %w", err)
		}
		known[match.MatchID(id)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate existing matches: %w", err)
	}

	var unknown []match.MatchID
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	return unknown, nil
}

// InsertMatch writes a record if absent and reports whether a row landed.
func (s *PostgresStore) InsertMatch(ctx context.Context, rec match.Record) (bool, error) {
	if rec.ID == "" {
		return false, fmt.Errorf("record id is required")
	}
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return false, fmt.Errorf("marshal participants: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO matches (id, region, ended_at, duration_seconds, participants, payload, payload_hash)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`,
		string(rec.ID),
		string(rec.Region),
		rec.EndedAt,
		int64(rec.Duration/time.Second),
		participants,
		rec.Payload,
		rec.PayloadHash,
	)
	if err != nil {
		return false, fmt.Errorf("insert match %s: %w", rec.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordPlayers upserts the last-seen marker for a batch of players.
func (s *PostgresStore) RecordPlayers(ctx context.Context, region match.Region, players []match.PlayerID) error {
	if len(players) == 0 {
		return nil
	}
	raw := make([]string, 0, len(players))
	for _, p := range players {
		raw = append(raw, string(p))
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO seen_players (player_id, region, last_seen)
SELECT unnest($1::text[]), $2, NOW()
ON CONFLICT (player_id, region) DO UPDATE SET last_seen = EXCLUDED.last_seen`,
		raw, string(region))
	if err != nil {
		return fmt.Errorf("upsert seen players: %w", err)
	}
	return nil
}

// SeedPlayers returns recently seen players for a region, newest first.
func (s *PostgresStore) SeedPlayers(ctx context.Context, region match.Region, limit int) ([]match.PlayerID, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
SELECT player_id FROM seen_players WHERE region = $1 ORDER BY last_seen DESC LIMIT $2`,
		string(region), limit)
	if err != nil {
		return nil, fmt.Errorf("query seed players: %w", err)
	}
	defer rows.Close()

	var players []match.PlayerID
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan player id: %w", err)
		}
		players = append(players, match.PlayerID(p))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seed players: %w", err)
	}
	return players, nil
}

// UpsertAggregates applies a drained batch of derived-stat deltas. Each
// delta adds onto the stored totals.
func (s *PostgresStore) UpsertAggregates(ctx context.Context, deltas []match.StatDelta) error {
	for _, d := range deltas {
		_, err := s.pool.Exec(ctx, `
INSERT INTO player_stats (player_id, region, matches, wins, duration_seconds, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (player_id, region) DO UPDATE SET
    matches = player_stats.matches + EXCLUDED.matches,
    wins = player_stats.wins + EXCLUDED.wins,
    duration_seconds = player_stats.duration_seconds + EXCLUDED.duration_seconds,
    updated_at = NOW()`,
			string(d.Player), string(d.Region), d.Matches, d.Wins, d.Duration)
		if err != nil {
			return fmt.Errorf("upsert stats for %s: %w", d.Player, err)
		}
	}
	return nil
}
