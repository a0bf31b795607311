// Package oplog owns the commit ordering decision for livesync documents.
//
// A Log accepts client operations, arbitrates them through the snapshot
// store's conditional write, records accepted commits in a durable history,
// and hands each commit record to the broadcast layer before the submitter
// sees its acknowledgment. That ordering is what lets a client treat its
// own ack and its own subscription stream as a single consistent timeline.
//
// There is no leader election: every process runs its own Log against the
// shared store, losers of a version race get a conflict and re-base.
package oplog

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/livesync/snapshot"
)

// Operation is a client-submitted, versioned mutation request.
// BaseVersion is the version the client believed was current; OpID is a
// client-generated idempotency token (optional but recommended).
type Operation struct {
	Collection  string          `json:"collection"`
	ID          string          `json:"id"`
	BaseVersion int64           `json:"base_version"`
	Payload     json.RawMessage `json:"payload"`
	OpID        string          `json:"op_id,omitempty"`
}

// CommitRecord is the immutable result of an accepted operation, emitted
// exactly once per commit and broadcast to subscribers in version order.
type CommitRecord struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Version    int64     `json:"version"`
	Op         Operation `json:"op"`
}

// Publisher receives every accepted commit record. Satisfied by
// pubsub.Broker; declared here so the log does not depend on a concrete
// broadcast layer.
type Publisher interface {
	Publish(ctx context.Context, channel string, rec CommitRecord) error
}

// DocChannel is the broadcast channel for a single document. The join is
// unambiguous because validate rejects "/" in both keys.
func DocChannel(collection, id string) string { return collection + "/" + id }

// CollectionChannel is the broadcast channel carrying every commit of a
// collection, used by query subscriptions.
func CollectionChannel(collection string) string { return collection }

// Log is the operation log driver.
type Log struct {
	store   snapshot.Store
	history History
	pub     Publisher
	logger  *slog.Logger

	onCommit func(rec CommitRecord, elapsed time.Duration)
	onReject func(op Operation, current int64)

	submitted  atomic.Int64
	accepted   atomic.Int64
	conflicts  atomic.Int64
	idemHits   atomic.Int64
	storeFails atomic.Int64
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Log) { lg.logger = l }
}

// WithCommitHook installs a callback invoked after each accepted commit
// with the submit latency. Idempotent replays do not fire it.
func WithCommitHook(fn func(rec CommitRecord, elapsed time.Duration)) Option {
	return func(lg *Log) { lg.onCommit = fn }
}

// WithRejectHook installs a callback invoked on each version conflict
// with the current version the client must re-base on.
func WithRejectHook(fn func(op Operation, current int64)) Option {
	return func(lg *Log) { lg.onReject = fn }
}

// New creates a Log over the given store, durable history, and broadcast
// publisher. All three are required; the wiring layer picks the local or
// distributed implementations.
func New(store snapshot.Store, history History, pub Publisher, opts ...Option) *Log {
	l := &Log{
		store:   store,
		history: history,
		pub:     pub,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Submit attempts to commit op. On success the returned CommitRecord has
// already been handed to the broadcast layer. A *snapshot.ErrVersionConflict
// is an expected outcome: the caller re-bases on the reported current
// version and resubmits. *snapshot.ErrUnavailable is retryable.
func (l *Log) Submit(ctx context.Context, op Operation) (CommitRecord, error) {
	l.submitted.Add(1)
	start := time.Now()

	if err := validate(op); err != nil {
		return CommitRecord{}, err
	}

	newVersion, err := l.store.Put(ctx, op.Collection, op.ID, op.BaseVersion, op.Payload)
	if err != nil {
		if current, ok := snapshot.IsConflict(err); ok {
			if rec, ok := l.replayed(ctx, op); ok {
				l.idemHits.Add(1)
				return rec, nil
			}
			l.conflicts.Add(1)
			if l.onReject != nil {
				l.onReject(op, current)
			}
			return CommitRecord{}, err
		}
		l.storeFails.Add(1)
		l.logger.Error("oplog: store put failed", "collection", op.Collection, "id", op.ID, "error", err)
		return CommitRecord{}, err
	}

	rec := CommitRecord{
		Collection: op.Collection,
		ID:         op.ID,
		Version:    newVersion,
		Op:         op,
	}

	// History append is best-effort: the snapshot write already decided the
	// commit, and subscribers that miss the history row resync from the
	// snapshot store.
	if err := l.history.Append(ctx, rec); err != nil {
		l.logger.Error("oplog: history append failed",
			"collection", rec.Collection, "id", rec.ID, "version", rec.Version, "error", err)
	}

	// Publish before returning so acknowledgment never races ahead of the
	// submitter's own subscription.
	if err := l.pub.Publish(ctx, DocChannel(rec.Collection, rec.ID), rec); err != nil {
		l.logger.Error("oplog: publish failed",
			"collection", rec.Collection, "id", rec.ID, "version", rec.Version, "error", err)
	}
	if err := l.pub.Publish(ctx, CollectionChannel(rec.Collection), rec); err != nil {
		l.logger.Error("oplog: collection publish failed",
			"collection", rec.Collection, "version", rec.Version, "error", err)
	}

	l.accepted.Add(1)
	if l.onCommit != nil {
		l.onCommit(rec, time.Since(start))
	}
	return rec, nil
}

// replayed reports whether op already committed at BaseVersion+1 with the
// same OpID — a client retry after a lost ack. The recorded commit is
// returned instead of a conflict.
func (l *Log) replayed(ctx context.Context, op Operation) (CommitRecord, bool) {
	if op.OpID == "" {
		return CommitRecord{}, false
	}
	rec, ok, err := l.history.At(ctx, op.Collection, op.ID, op.BaseVersion+1)
	if err != nil {
		l.logger.Warn("oplog: idempotency lookup failed",
			"collection", op.Collection, "id", op.ID, "error", err)
		return CommitRecord{}, false
	}
	if !ok || rec.Op.OpID != op.OpID {
		return CommitRecord{}, false
	}
	return rec, true
}

// Ops returns the committed operations of a document with
// after < version <= until, in version order. until <= 0 means "through the
// latest". Used by subscribers catching up after a reconnect.
func (l *Log) Ops(ctx context.Context, collection, id string, after, until int64) ([]CommitRecord, error) {
	return l.history.Range(ctx, collection, id, after, until)
}

// Status returns a JSON-serializable counters summary.
func (l *Log) Status() map[string]any {
	return map[string]any{
		"submitted":       l.submitted.Load(),
		"accepted":        l.accepted.Load(),
		"conflicts":       l.conflicts.Load(),
		"idempotent_hits": l.idemHits.Load(),
		"store_failures":  l.storeFails.Load(),
	}
}

func validate(op Operation) error {
	switch {
	case op.Collection == "":
		return &ErrInvalidOp{Reason: "missing collection"}
	case strings.Contains(op.Collection, "/"):
		return &ErrInvalidOp{Reason: "collection must not contain '/'"}
	case op.ID == "":
		return &ErrInvalidOp{Reason: "missing document id"}
	case strings.Contains(op.ID, "/"):
		return &ErrInvalidOp{Reason: "document id must not contain '/'"}
	case op.BaseVersion < 0:
		return &ErrInvalidOp{Reason: "negative base version"}
	default:
		return nil
	}
}
