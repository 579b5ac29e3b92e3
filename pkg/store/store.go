// Package store provides the DTU stores. The knowledge store and the system
// store are distinct containers created separately; nothing in the substrate
// can route one DTU into both, which makes the scope-exclusivity invariant
// structural rather than a runtime flag check.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/concordhq/substrate/pkg/contracts"
)

var (
	// ErrNotFound is returned when a DTU id is not in the hot store.
	ErrNotFound = errors.New("dtu not found")

	// ErrDuplicateHash is returned by PutIfAbsentByEventHash when another
	// DTU with the same raw event hash is already committed.
	ErrDuplicateHash = errors.New("duplicate_hash_blocked")
)

// DTUStore is the persistence contract shared by the knowledge and system
// stores. Implementations serialize writes per key; reads may be concurrent.
type DTUStore interface {
	// Put inserts or replaces a DTU.
	Put(ctx context.Context, d *contracts.DTU) error

	// PutIfAbsentByEventHash commits d only if no DTU with the same
	// meta.rawEventHash exists. The check and the insert are atomic; this is
	// the compare-and-set half of the bridge's dedup guarantee.
	PutIfAbsentByEventHash(ctx context.Context, d *contracts.DTU) error

	// Get returns the DTU by id from the hot store.
	Get(ctx context.Context, id string) (*contracts.DTU, error)

	// GetByEventHash returns the DTU carrying the given raw event hash.
	GetByEventHash(ctx context.Context, hash string) (*contracts.DTU, bool, error)

	// ListEventDTUsOlderThan returns uncompressed event-origin DTUs created
	// before cutoff, for the news hub's daily compaction pass.
	ListEventDTUsOlderThan(ctx context.Context, cutoff time.Time) ([]*contracts.DTU, error)

	// ListTierOlderThan returns uncompressed DTUs of the given internal tier
	// created before cutoff, for the weekly and monthly aggregation passes.
	ListTierOlderThan(ctx context.Context, tier contracts.InternalTier, cutoff time.Time) ([]*contracts.DTU, error)

	// MarkCompressed flags a child as folded into a Mega/Hyper parent.
	// The child stays in the hot store.
	MarkCompressed(ctx context.Context, id, parentID string) error

	// ListCompressedOlderThan returns compressed children created before
	// cutoff, candidates for cold archival.
	ListCompressedOlderThan(ctx context.Context, cutoff time.Time) ([]*contracts.DTU, error)

	// Archive moves a DTU out of the hot store into the cold record.
	Archive(ctx context.Context, id string) error

	// GetArchived returns a DTU from the cold record.
	GetArchived(ctx context.Context, id string) (*contracts.DTU, bool, error)

	// Count returns the number of DTUs in the hot store.
	Count(ctx context.Context) (int, error)
}
