package session

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Schema is the session table DDL, exported for dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// SQLiteStore keeps sessions in the local SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteTTL overrides the sliding session lifetime.
func WithSQLiteTTL(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) { s.ttl = d }
}

// NewSQLiteStore creates a session store on an already-opened database.
// Call Init once to apply the schema.
func NewSQLiteStore(db *sql.DB, opts ...SQLiteOption) *SQLiteStore {
	s := &SQLiteStore{db: db, ttl: DefaultTTL}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init applies the session schema. Idempotent.
func (s *SQLiteStore) Init() error {
	_, err := s.db.Exec(Schema)
	return err
}

// Get returns the record for token and slides its expiry forward.
func (s *SQLiteStore) Get(ctx context.Context, token string) (Record, error) {
	now := time.Now().Unix()
	var rec Record
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM sessions WHERE token = ? AND expires_at > ?`,
		token, now).Scan(&rec.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ? WHERE token = ?`,
		time.Now().Add(s.ttl).Unix(), token)
	return rec, err
}

// Put stores or replaces the record for token.
func (s *SQLiteStore) Put(ctx context.Context, token string, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at) VALUES (?,?,?)
		 ON CONFLICT(token) DO UPDATE SET user_id = excluded.user_id, expires_at = excluded.expires_at`,
		token, rec.UserID, time.Now().Add(s.ttl).Unix())
	return err
}

// Delete removes the session. Removing an unknown token is a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	return err
}

// Cleanup deletes expired sessions. Call periodically from the host.
func (s *SQLiteStore) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, time.Now().Unix())
	return err
}

// Close is a no-op: the *sql.DB is owned by the caller that opened it.
func (s *SQLiteStore) Close() error { return nil }
