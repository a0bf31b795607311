package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/hazyhaar/livesync/dbopen"
)

// Schema is the snapshot table DDL, exported so callers can pass it to
// dbopen.WithSchema when opening the database.
const Schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	collection TEXT NOT NULL,
	doc_id     TEXT NOT NULL,
	version    INTEGER NOT NULL,
	data       BLOB,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, doc_id)
);
`

// SQLiteStore is the single-process Store backed by a local SQLite
// database. The UPDATE ... WHERE version = ? conditional write is the
// linearization point; no additional locking is used.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a Store on an already-opened database.
// Call Init once to apply the schema.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Init applies the snapshot schema. Idempotent.
func (s *SQLiteStore) Init() error {
	_, err := s.db.Exec(Schema)
	return err
}

// Get returns the current snapshot of collection/id.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (Snapshot, error) {
	snap := Snapshot{Collection: collection, ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT version, data FROM snapshots WHERE collection = ? AND doc_id = ?`,
		collection, id).Scan(&snap.Version, &snap.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, &ErrNotFound{Collection: collection, ID: id}
	}
	if err != nil {
		return Snapshot{}, &ErrUnavailable{Op: "get", Cause: err}
	}
	return snap, nil
}

// Put performs the conditional write described by the Store contract.
func (s *SQLiteStore) Put(ctx context.Context, collection, id string, expectedVersion int64, data []byte) (int64, error) {
	newVersion := expectedVersion + 1
	now := time.Now().Unix()

	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if expectedVersion == 0 {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO snapshots (collection, doc_id, version, data, updated_at) VALUES (?,?,?,?,?)`,
				collection, id, newVersion, data, now)
			if err != nil && isConstraintError(err) {
				return s.conflictIn(ctx, tx, collection, id, expectedVersion)
			}
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE snapshots SET version = ?, data = ?, updated_at = ? WHERE collection = ? AND doc_id = ? AND version = ?`,
			newVersion, data, now, collection, id, expectedVersion)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return s.conflictIn(ctx, tx, collection, id, expectedVersion)
		}
		return nil
	})

	if err != nil {
		var conflict *ErrVersionConflict
		if errors.As(err, &conflict) {
			return 0, conflict
		}
		return 0, &ErrUnavailable{Op: "put", Cause: err}
	}
	return newVersion, nil
}

// conflictIn reads the current version inside the transaction so the
// conflict error reports the version that actually beat the caller.
func (s *SQLiteStore) conflictIn(ctx context.Context, tx *sql.Tx, collection, id string, expected int64) error {
	var current int64
	err := tx.QueryRowContext(ctx,
		`SELECT version FROM snapshots WHERE collection = ? AND doc_id = ?`,
		collection, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		current = 0
	} else if err != nil {
		return err
	}
	return &ErrVersionConflict{Collection: collection, ID: id, Expected: expected, Current: current}
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op: the *sql.DB is owned by the caller that opened it.
func (s *SQLiteStore) Close() error { return nil }

func isConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT")
}
