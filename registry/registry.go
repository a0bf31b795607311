// Package registry owns the lifetime of live client connections and their
// subscriptions.
//
// The registry sits between the transport (websocket connections handed
// over by the gateway) and the sync core: inbound frames become log
// submits and snapshot fetches, broker notifications become outbound
// pushes to every subscribed connection. All subscriptions of a
// connection are released atomically when it disconnects.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/livesync/idgen"
	"github.com/hazyhaar/livesync/oplog"
	"github.com/hazyhaar/livesync/pubsub"
	"github.com/hazyhaar/livesync/snapshot"
)

// Conn is the outbound half of a live client connection. Send enqueues a
// frame without blocking and reports false when the connection is closed
// or its queue is full (the caller treats both as a dead connection).
type Conn interface {
	Send(msg ServerMessage) bool
	Close() error
}

// channelFanout tracks one broker subscription shared by every session
// subscribed to that channel.
type channelFanout struct {
	sub      *pubsub.Subscription
	sessions map[*Session]struct{}
}

// Registry is the per-process client session table.
type Registry struct {
	store  snapshot.Store
	log    *oplog.Log
	broker pubsub.Broker
	logger *slog.Logger
	newID  idgen.Generator

	onConnect    func(*Session)
	onDisconnect func(*Session)

	mu       sync.Mutex
	sessions map[string]*Session
	channels map[string]*channelFanout

	pushes  atomic.Int64
	resyncs atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithSessionIDs sets the generator for session IDs.
func WithSessionIDs(gen idgen.Generator) Option {
	return func(r *Registry) { r.newID = gen }
}

// WithConnectHook installs a callback invoked after a session registers.
func WithConnectHook(fn func(*Session)) Option {
	return func(r *Registry) { r.onConnect = fn }
}

// WithDisconnectHook installs a callback invoked after a session releases.
func WithDisconnectHook(fn func(*Session)) Option {
	return func(r *Registry) { r.onDisconnect = fn }
}

// New creates a Registry over the sync core. It registers a broker
// reconnect hook so every live session resyncs its documents after a
// transport gap.
func New(store snapshot.Store, log *oplog.Log, broker pubsub.Broker, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		log:      log,
		broker:   broker,
		logger:   slog.Default(),
		newID:    idgen.Prefixed("conn_", idgen.NanoID(16)),
		sessions: make(map[string]*Session),
		channels: make(map[string]*channelFanout),
	}
	for _, o := range opts {
		o(r)
	}
	broker.OnReconnect(r.resyncAll)
	return r
}

// Register binds a live connection to a new session for userID and sends
// the hello frame. The returned session handles inbound frames via Handle
// and must be released with Release when the transport closes.
func (r *Registry) Register(conn Conn, userID string) *Session {
	s := &Session{
		ID:          r.newID(),
		UserID:      userID,
		conn:        conn,
		reg:         r,
		docs:        make(map[string]*docTarget),
		collections: make(map[string]struct{}),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	conn.Send(ServerMessage{Type: TypeHello, UserID: userID})
	r.logger.Info("registry: session connected", "session", s.ID, "user", userID)
	if r.onConnect != nil {
		r.onConnect(s)
	}
	return s
}

// Release tears down a session: all its subscriptions are dropped
// atomically and no further pushes reach its connection. Idempotent.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)

	s.mu.Lock()
	s.closed = true
	channels := make([]string, 0, len(s.docs)+len(s.collections))
	for ch := range s.docs {
		channels = append(channels, ch)
	}
	for ch := range s.collections {
		channels = append(channels, ch)
	}
	s.docs = make(map[string]*docTarget)
	s.collections = make(map[string]struct{})
	s.mu.Unlock()

	orphaned := make([]*pubsub.Subscription, 0, len(channels))
	for _, ch := range channels {
		if sub := r.dropMemberLocked(ch, s); sub != nil {
			orphaned = append(orphaned, sub)
		}
	}
	r.mu.Unlock()

	// Broker unsubscribes can block on transport I/O, so they happen
	// outside the registry lock.
	for _, sub := range orphaned {
		sub.Close()
	}

	s.conn.Close()
	r.logger.Info("registry: session disconnected", "session", s.ID, "user", s.UserID)
	if r.onDisconnect != nil {
		r.onDisconnect(s)
	}
}

// subscribe adds s to the channel's fan-out, creating the broker
// subscription on first use. Membership is decided under the lock; the
// broker call itself (a network round trip with RedisBroker) runs outside
// it, so fan-out and session lifecycle never stall behind a slow broker.
func (r *Registry) subscribe(s *Session, channel string) {
	r.mu.Lock()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		r.mu.Unlock()
		return
	}

	fo := r.channels[channel]
	first := fo == nil
	if first {
		fo = &channelFanout{sessions: make(map[*Session]struct{})}
		r.channels[channel] = fo
	}
	fo.sessions[s] = struct{}{}
	r.mu.Unlock()

	if !first {
		return
	}

	sub := r.broker.Subscribe(channel, func(rec oplog.CommitRecord) {
		r.deliver(channel, rec)
	})

	r.mu.Lock()
	if r.channels[channel] == fo && len(fo.sessions) > 0 {
		fo.sub = sub
		r.mu.Unlock()
		return
	}
	// Every member left (or the fanout was replaced) while the broker
	// call was in flight; the subscription has no takers.
	r.mu.Unlock()
	sub.Close()
}

// unsubscribe removes s from the channel's fan-out.
func (r *Registry) unsubscribe(s *Session, channel string) {
	r.mu.Lock()
	sub := r.dropMemberLocked(channel, s)
	r.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// dropMemberLocked removes s from the channel's fan-out, deleting the
// fanout when it empties. It returns the broker subscription to close —
// the caller closes it after releasing r.mu. A nil sub on an emptied
// fanout means the initial broker subscribe is still in flight; its
// installer will observe the empty fanout and close it.
func (r *Registry) dropMemberLocked(channel string, s *Session) *pubsub.Subscription {
	fo := r.channels[channel]
	if fo == nil {
		return nil
	}
	delete(fo.sessions, s)
	if len(fo.sessions) == 0 {
		delete(r.channels, channel)
		return fo.sub
	}
	return nil
}

// deliver pushes a commit to every session subscribed to channel,
// including the session that submitted it.
func (r *Registry) deliver(channel string, rec oplog.CommitRecord) {
	r.mu.Lock()
	fo := r.channels[channel]
	if fo == nil {
		r.mu.Unlock()
		return
	}
	sessions := make([]*Session, 0, len(fo.sessions))
	for s := range fo.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.push(channel, rec)
		r.pushes.Add(1)
	}
}

// resyncAll re-fetches the snapshot of every document-level subscription
// after a broker transport gap: notifications may have been lost, so the
// stream alone cannot be trusted.
func (r *Registry) resyncAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	r.resyncs.Add(1)
	r.logger.Info("registry: broker reconnected, resyncing sessions", "sessions", len(sessions))
	for _, s := range sessions {
		s.resync()
	}
}

// Status returns a JSON-serializable summary.
func (r *Registry) Status() map[string]any {
	r.mu.Lock()
	sessions := len(r.sessions)
	channels := len(r.channels)
	r.mu.Unlock()

	return map[string]any{
		"sessions": sessions,
		"channels": channels,
		"pushes":   r.pushes.Load(),
		"resyncs":  r.resyncs.Load(),
	}
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SubscriptionCount returns the total number of (session, channel)
// memberships across all fanouts.
func (r *Registry) SubscriptionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, fo := range r.channels {
		n += len(fo.sessions)
	}
	return n
}

// Close releases every session.
func (r *Registry) Close() error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Release(id)
	}
	return nil
}

// fetchSnapshot loads current document state, mapping "not found" to an
// empty version-0 snapshot so subscribers of unborn documents get a
// well-formed baseline.
func (r *Registry) fetchSnapshot(ctx context.Context, collection, id string) (snapshot.Snapshot, error) {
	snap, err := r.store.Get(ctx, collection, id)
	if snapshot.IsNotFound(err) {
		return snapshot.Snapshot{Collection: collection, ID: id, Version: 0}, nil
	}
	return snap, err
}
