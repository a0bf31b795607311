// Package snapshot provides the durable document store behind livesync.
//
// A document is identified by (collection, id) and carries a version that
// advances by exactly 1 per accepted mutation. Version 0 means "does not
// exist". The store's conditional Put is the single linearization point for
// a document: concurrent writers race on it and exactly one wins per
// version.
//
// Two implementations are provided: SQLiteStore for single-process
// deployments and MongoStore for distributed deployments where several
// processes share one logical document space.
package snapshot

import "context"

// Snapshot is the current materialized state of a document.
type Snapshot struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Version    int64  `json:"version"`
	Data       []byte `json:"data"` // opaque payload; nil marks a tombstone
}

// Store is the durable snapshot store contract.
//
// Put is an atomic compare-and-swap: it writes data at version
// expectedVersion+1 iff the stored version equals expectedVersion, leaving
// the store untouched otherwise. expectedVersion 0 creates the document.
// It returns the new version on success, *ErrVersionConflict when the
// stored version differs, and *ErrUnavailable for transient store I/O
// failures (retryable, never silently dropped).
type Store interface {
	Get(ctx context.Context, collection, id string) (Snapshot, error)
	Put(ctx context.Context, collection, id string, expectedVersion int64, data []byte) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
