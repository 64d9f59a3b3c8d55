package engine

import (
	"context"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/index"
)

// StorageEngineInterface is the call contract the protocol gateway and the
// replication layer program against.
type StorageEngineInterface interface {
	// Start acquires the data directory lock, runs recovery, and makes the
	// engine ready to serve. It must be called exactly once.
	Start(ctx context.Context) error

	// Get returns the current value for key, or core.ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set durably writes a key-value pair. It returns only after the WAL
	// append has reached stable storage.
	Set(ctx context.Context, key, value string) error
	// Delete removes a key. Deleting an absent key is a no-op success.
	Delete(ctx context.Context, key string) error
	// BulkSet atomically writes all pairs under a single WAL entry: after a
	// crash either every pair is visible or none are.
	BulkSet(ctx context.Context, pairs []core.KVPair) error
	// GetAllKeys returns every key in the store, sorted.
	GetAllKeys(ctx context.Context) []string

	// SearchText returns the keys whose value contains every query word.
	SearchText(ctx context.Context, queryWords []string) []string
	// SearchSimilar returns the top-k keys by cosine similarity to the query.
	SearchSimilar(ctx context.Context, queryText string, topK int) []index.ScoredKey

	// ApplyReplicated applies an entry received from the primary, keeping the
	// primary's sequence number. Entries at or below the local sequence are
	// ignored (idempotent re-delivery).
	ApplyReplicated(ctx context.Context, entry core.WALEntry) error

	// Checkpoint snapshots the map, persists it, and truncates the WAL.
	Checkpoint(ctx context.Context) error
	// LastSeqNum returns the sequence number of the last applied mutation.
	LastSeqNum() uint64

	// Close checkpoints, closes the WAL, and releases the directory lock.
	Close(ctx context.Context) error
}
