package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps sessions in Redis so every process in a cluster resolves
// the same cookie to the same user.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisTTL overrides the sliding session lifetime.
func WithRedisTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

// WithRedisPrefix sets the key namespace. Default: "livesync:sess:".
func WithRedisPrefix(p string) RedisOption {
	return func(s *RedisStore) { s.prefix = p }
}

// NewRedisStore creates a session store on the given client. The client is
// shared with other uses (it is not the pub/sub observer connection) and is
// not closed by this store.
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: "livesync:sess:", ttl: DefaultTTL}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the record for token and slides its expiry forward.
func (s *RedisStore) Get(ctx context.Context, token string) (Record, error) {
	data, err := s.rdb.GetEx(ctx, s.prefix+token, s.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Put stores or replaces the record for token.
func (s *RedisStore) Put(ctx context.Context, token string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.prefix+token, data, s.ttl).Err()
}

// Delete removes the session. Removing an unknown token is a no-op.
func (s *RedisStore) Delete(ctx context.Context, token string) error {
	return s.rdb.Del(ctx, s.prefix+token).Err()
}

// Close is a no-op: the client is owned by the wiring layer.
func (s *RedisStore) Close() error { return nil }
