// Package persist saves and restores crawl state snapshots through a blob
// store so a restart resumes where the previous run stopped.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/statforge/matchminer/internal/crawl"
	"github.com/statforge/matchminer/internal/match"
)

const contentTypeJSON = "application/json"

// Manager reads and writes per-region state blobs plus the shared dedup
// snapshot. Load failures are never fatal: a missing or corrupt blob yields
// a fresh default.
type Manager struct {
	blobs  match.BlobStore
	prefix string
	clock  match.Clock
	logger *zap.Logger
}

// New constructs a Manager. The prefix namespaces all snapshot paths inside
// the blob store.
func New(blobs match.BlobStore, prefix string, clock match.Clock, logger *zap.Logger) *Manager {
	if prefix == "" {
		prefix = "crawlstate"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{blobs: blobs, prefix: prefix, clock: clock, logger: logger}
}

type regionBlob struct {
	SavedAt time.Time      `json:"saved_at"`
	Region  match.Region   `json:"region"`
	State   crawl.Snapshot `json:"state"`
}

type dedupBlob struct {
	SavedAt time.Time       `json:"saved_at"`
	IDs     []match.MatchID `json:"ids"`
}

func (m *Manager) regionPath(region match.Region) string {
	return fmt.Sprintf("%s/%s.json", m.prefix, region)
}

func (m *Manager) dedupPath() string {
	return fmt.Sprintf("%s/dedup.json", m.prefix)
}

// SaveRegion writes one region's snapshot. The snapshot already carries its
// caps applied, so a restored state never exceeds the configured bounds.
func (m *Manager) SaveRegion(ctx context.Context, region match.Region, snap crawl.Snapshot) error {
	blob := regionBlob{SavedAt: m.clock.Now().UTC(), Region: region, State: snap}
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("marshal region state: %w", err)
	}
	if _, err := m.blobs.PutObject(ctx, m.regionPath(region), contentTypeJSON, data); err != nil {
		return fmt.Errorf("persist region %s: %w", region, err)
	}
	return nil
}

// LoadRegion restores one region's snapshot. The second return reports
// whether a usable snapshot existed; false means start fresh.
func (m *Manager) LoadRegion(ctx context.Context, region match.Region) (crawl.Snapshot, bool) {
	data, err := m.blobs.GetObject(ctx, m.regionPath(region))
	if err != nil {
		if !errors.Is(err, match.ErrObjectNotFound) {
			m.logger.Warn("region state load failed, starting fresh",
				zap.String("region", string(region)), zap.Error(err))
		}
		return crawl.Snapshot{}, false
	}
	var blob regionBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		m.logger.Warn("region state blob corrupt, starting fresh",
			zap.String("region", string(region)), zap.Error(err))
		return crawl.Snapshot{}, false
	}
	return blob.State, true
}

// SaveDedup writes the dedup cache snapshot.
func (m *Manager) SaveDedup(ctx context.Context, ids []match.MatchID) error {
	data, err := json.Marshal(dedupBlob{SavedAt: m.clock.Now().UTC(), IDs: ids})
	if err != nil {
		return fmt.Errorf("marshal dedup snapshot: %w", err)
	}
	if _, err := m.blobs.PutObject(ctx, m.dedupPath(), contentTypeJSON, data); err != nil {
		return fmt.Errorf("persist dedup snapshot: %w", err)
	}
	return nil
}

// LoadDedup restores the dedup snapshot; false means none was usable.
func (m *Manager) LoadDedup(ctx context.Context) ([]match.MatchID, bool) {
	data, err := m.blobs.GetObject(ctx, m.dedupPath())
	if err != nil {
		if !errors.Is(err, match.ErrObjectNotFound) {
			m.logger.Warn("dedup snapshot load failed, starting fresh", zap.Error(err))
		}
		return nil, false
	}
	var blob dedupBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		m.logger.Warn("dedup snapshot corrupt, starting fresh", zap.Error(err))
		return nil, false
	}
	return blob.IDs, true
}
