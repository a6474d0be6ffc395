package match

import (
	"context"
	"errors"
	"time"
)

// ErrObjectNotFound is returned by BlobStore.GetObject for a missing path.
var ErrObjectNotFound = errors.New("object not found")

// Fetcher performs the two upstream record-API calls. Implementations must
// gate every call on the rate limiter before touching the network.
type Fetcher interface {
	// ListMatchIDs returns the recent match IDs associated with a player.
	ListMatchIDs(ctx context.Context, region Region, player PlayerID, opts ListOptions) ([]MatchID, error)
	// GetMatch fetches the full record for one match ID.
	GetMatch(ctx context.Context, region Region, id MatchID) (Record, error)
}

// Store is the durable match store.
type Store interface {
	// FilterUnknown returns the subset of ids that are not yet stored.
	FilterUnknown(ctx context.Context, ids []MatchID) ([]MatchID, error)
	// InsertMatch writes a record if absent. It reports whether a row was
	// actually inserted.
	InsertMatch(ctx context.Context, rec Record) (bool, error)
	// RecordPlayers upserts lightweight player metadata used later to seed
	// fresh crawl targets.
	RecordPlayers(ctx context.Context, region Region, players []PlayerID) error
	// SeedPlayers returns recently seen players for a region, newest first.
	SeedPlayers(ctx context.Context, region Region, limit int) ([]PlayerID, error)
	// UpsertAggregates applies a drained batch of derived-stat deltas.
	UpsertAggregates(ctx context.Context, deltas []StatDelta) error
}

// BlobStore reads and writes opaque blobs, used for crawl-state snapshots.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes summary events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher computes digests for payload integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
