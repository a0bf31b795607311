// Package session persists the logical user identity behind each client
// session cookie.
//
// A session token lives in an HttpOnly cookie; the store maps it to the
// minted userId for the lifetime of the logical session, so transport
// reconnects resume as the same user. SQLiteStore serves single-process
// deployments, RedisStore shares sessions across a cluster.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a token is unknown or expired.
var ErrNotFound = errors.New("session: not found")

// Record is the state bound to one session token.
type Record struct {
	UserID string `json:"user_id"`
}

// Store is the session persistence contract. Get refreshes the session's
// expiry (sliding TTL).
type Store interface {
	Get(ctx context.Context, token string) (Record, error)
	Put(ctx context.Context, token string, rec Record) error
	Delete(ctx context.Context, token string) error
	Close() error
}

// DefaultTTL is the sliding session lifetime used when none is configured.
const DefaultTTL = 30 * 24 * time.Hour
