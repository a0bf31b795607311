package oplog

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// History is the durable, per-document, version-ordered record of accepted
// commits. It backs reconnect catch-up and idempotent resubmission; the
// snapshot store remains the authority on current state.
type History interface {
	// Append records an accepted commit. Appending the same
	// (collection, id, version) twice is a no-op.
	Append(ctx context.Context, rec CommitRecord) error

	// Range returns commits with after < version <= until in version
	// order. until <= 0 means no upper bound.
	Range(ctx context.Context, collection, id string, after, until int64) ([]CommitRecord, error)

	// At returns the commit at an exact version, if recorded.
	At(ctx context.Context, collection, id string, version int64) (CommitRecord, bool, error)
}

// HistorySchema is the op log DDL for the SQLite history.
const HistorySchema = `
CREATE TABLE IF NOT EXISTS ops (
	collection   TEXT NOT NULL,
	doc_id       TEXT NOT NULL,
	version      INTEGER NOT NULL,
	op_id        TEXT NOT NULL DEFAULT '',
	base_version INTEGER NOT NULL,
	payload      BLOB,
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (collection, doc_id, version)
);
`

// SQLiteHistory stores the op log in the same SQLite database as the
// snapshots.
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory creates a History on an already-opened database.
// Call Init once to apply the schema.
func NewSQLiteHistory(db *sql.DB) *SQLiteHistory {
	return &SQLiteHistory{db: db}
}

// Init applies the op log schema. Idempotent.
func (h *SQLiteHistory) Init() error {
	_, err := h.db.Exec(HistorySchema)
	return err
}

// Append records an accepted commit.
func (h *SQLiteHistory) Append(ctx context.Context, rec CommitRecord) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO ops (collection, doc_id, version, op_id, base_version, payload, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		rec.Collection, rec.ID, rec.Version, rec.Op.OpID, rec.Op.BaseVersion,
		[]byte(rec.Op.Payload), time.Now().Unix())
	return err
}

// Range returns commits with after < version <= until in version order.
func (h *SQLiteHistory) Range(ctx context.Context, collection, id string, after, until int64) ([]CommitRecord, error) {
	q := `SELECT version, op_id, base_version, payload FROM ops
	      WHERE collection = ? AND doc_id = ? AND version > ?`
	args := []any{collection, id, after}
	if until > 0 {
		q += ` AND version <= ?`
		args = append(args, until)
	}
	q += ` ORDER BY version`

	rows, err := h.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []CommitRecord
	for rows.Next() {
		rec, err := scanOp(rows, collection, id)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// At returns the commit at an exact version, if recorded.
func (h *SQLiteHistory) At(ctx context.Context, collection, id string, version int64) (CommitRecord, bool, error) {
	row := h.db.QueryRowContext(ctx,
		`SELECT version, op_id, base_version, payload FROM ops
		 WHERE collection = ? AND doc_id = ? AND version = ?`,
		collection, id, version)
	rec, err := scanOp(row, collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return CommitRecord{}, false, nil
	}
	if err != nil {
		return CommitRecord{}, false, err
	}
	return rec, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOp(r rowScanner, collection, id string) (CommitRecord, error) {
	var rec CommitRecord
	var payload []byte
	if err := r.Scan(&rec.Version, &rec.Op.OpID, &rec.Op.BaseVersion, &payload); err != nil {
		return CommitRecord{}, err
	}
	rec.Collection = collection
	rec.ID = id
	rec.Op.Collection = collection
	rec.Op.ID = id
	rec.Op.Payload = payload
	return rec, nil
}
