// Package aggregate buffers derived-stat deltas and flushes them to the
// durable store in batches.
package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/statforge/matchminer/internal/match"
	"github.com/statforge/matchminer/internal/metrics"
)

type deltaKey struct {
	player match.PlayerID
	region match.Region
}

// FlushSummary is the payload published after each non-empty flush.
type FlushSummary struct {
	FlushedAt time.Time `json:"flushed_at"`
	Players   int       `json:"players"`
	Matches   int64     `json:"matches"`
}

// Publisher is the optional summary sink; nil disables publishing.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Buffer merges deltas by (player, region) and flushes once MaxPending
// distinct players accumulate, or when Flush is called by the periodic tick
// and at shutdown. A failed flush keeps the deltas buffered for the next
// attempt.
type Buffer struct {
	store      match.Store
	publisher  Publisher
	topic      string
	maxPending int
	clock      match.Clock
	logger     *zap.Logger

	mu      sync.Mutex
	pending map[deltaKey]match.StatDelta
}

// New constructs a Buffer. maxPending <= 0 falls back to 500.
func New(store match.Store, publisher Publisher, topic string, maxPending int, clock match.Clock, logger *zap.Logger) *Buffer {
	if maxPending <= 0 {
		maxPending = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		store:      store,
		publisher:  publisher,
		topic:      topic,
		maxPending: maxPending,
		clock:      clock,
		logger:     logger,
		pending:    make(map[deltaKey]match.StatDelta),
	}
}

// Add merges one delta into the buffer, flushing inline when the pending
// count crosses the threshold.
func (b *Buffer) Add(ctx context.Context, delta match.StatDelta) error {
	b.mu.Lock()
	key := deltaKey{player: delta.Player, region: delta.Region}
	cur := b.pending[key]
	cur.Player = delta.Player
	cur.Region = delta.Region
	cur.Matches += delta.Matches
	cur.Wins += delta.Wins
	cur.Duration += delta.Duration
	b.pending[key] = cur
	full := len(b.pending) >= b.maxPending
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

// Pending reports the number of distinct buffered players.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush drains the buffer into the store. On store failure the deltas are
// restored so nothing is lost before the next attempt.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	drained := b.pending
	b.pending = make(map[deltaKey]match.StatDelta)
	b.mu.Unlock()

	deltas := make([]match.StatDelta, 0, len(drained))
	var matches int64
	for _, d := range drained {
		deltas = append(deltas, d)
		matches += d.Matches
	}

	if err := b.store.UpsertAggregates(ctx, deltas); err != nil {
		b.restore(drained)
		return fmt.Errorf("flush aggregates: %w", err)
	}
	metrics.IncAggregateFlush()

	if b.publisher != nil && b.topic != "" {
		summary := FlushSummary{
			FlushedAt: b.clock.Now().UTC(),
			Players:   len(deltas),
			Matches:   matches,
		}
		if _, err := b.publisher.Publish(ctx, b.topic, summary); err != nil {
			// Summaries are advisory; the flush itself succeeded.
			b.logger.Warn("flush summary publish failed", zap.Error(err))
		}
	}
	return nil
}

// restore merges drained deltas back after a failed store write. Deltas that
// arrived concurrently are preserved.
func (b *Buffer) restore(drained map[deltaKey]match.StatDelta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, d := range drained {
		cur := b.pending[key]
		cur.Player = d.Player
		cur.Region = d.Region
		cur.Matches += d.Matches
		cur.Wins += d.Wins
		cur.Duration += d.Duration
		b.pending[key] = cur
	}
}
