package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/hazyhaar/livesync/oplog"
	"github.com/hazyhaar/livesync/snapshot"
)

// docTarget is a document-level subscription with the last version pushed
// to the client. -1 means no baseline sent yet.
type docTarget struct {
	collection string
	id         string
	last       int64
}

// Session is one live connection's view of the registry.
//
// Lock order is Registry.mu before Session.mu everywhere; Session methods
// that need both go through the registry.
type Session struct {
	ID     string
	UserID string

	conn Conn
	reg  *Registry

	mu          sync.Mutex
	closed      bool
	docs        map[string]*docTarget
	collections map[string]struct{}
}

// Handle processes one inbound frame. The gateway calls it sequentially
// from the connection's read loop.
func (s *Session) Handle(ctx context.Context, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.send(ServerMessage{Type: TypeError, Code: http.StatusBadRequest, Message: "malformed frame"})
		return
	}

	switch msg.Action {
	case ActionSubscribe:
		s.handleSubscribe(ctx, msg)
	case ActionUnsubscribe:
		s.handleUnsubscribe(msg)
	case ActionOp:
		s.handleOp(ctx, msg)
	case ActionFetch:
		s.handleFetch(ctx, msg)
	case ActionPing:
		s.send(ServerMessage{Type: TypePong})
	default:
		s.send(ServerMessage{Type: TypeError, Code: http.StatusBadRequest,
			Message: "unknown action: " + msg.Action})
	}
}

func (s *Session) handleSubscribe(ctx context.Context, msg ClientMessage) {
	if msg.Collection == "" {
		s.send(ServerMessage{Type: TypeError, Code: http.StatusBadRequest, Message: "missing collection"})
		return
	}

	if msg.ID == "" {
		// Collection-wide (query) subscription: forward every commit of
		// the collection, no per-document version tracking.
		channel := oplog.CollectionChannel(msg.Collection)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.collections[channel] = struct{}{}
		s.mu.Unlock()
		s.reg.subscribe(s, channel)
		return
	}

	channel := oplog.DocChannel(msg.Collection, msg.ID)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.docs[channel]; dup {
		s.mu.Unlock()
		// Duplicate sub: just re-send current state.
		s.resyncTarget(ctx, channel)
		return
	}
	s.docs[channel] = &docTarget{collection: msg.Collection, id: msg.ID, last: -1}
	s.mu.Unlock()

	s.reg.subscribe(s, channel)

	// Baseline snapshot. Commits racing with this fetch are caught by the
	// gap check in push and trigger a resync, so nothing is lost.
	s.resyncTarget(ctx, channel)
}

func (s *Session) handleUnsubscribe(msg ClientMessage) {
	if msg.Collection == "" {
		s.send(ServerMessage{Type: TypeError, Code: http.StatusBadRequest, Message: "missing collection"})
		return
	}

	var channel string
	s.mu.Lock()
	if msg.ID == "" {
		channel = oplog.CollectionChannel(msg.Collection)
		delete(s.collections, channel)
	} else {
		channel = oplog.DocChannel(msg.Collection, msg.ID)
		delete(s.docs, channel)
	}
	s.mu.Unlock()

	s.reg.unsubscribe(s, channel)
}

func (s *Session) handleOp(ctx context.Context, msg ClientMessage) {
	if msg.Op == nil {
		s.send(ServerMessage{Type: TypeError, Code: http.StatusBadRequest, Message: "missing op"})
		return
	}

	rec, err := s.reg.log.Submit(ctx, *msg.Op)
	if err == nil {
		s.send(ServerMessage{
			Type:       TypeAck,
			Collection: rec.Collection,
			ID:         rec.ID,
			Version:    rec.Version,
			OpID:       rec.Op.OpID,
		})
		return
	}

	if current, ok := snapshot.IsConflict(err); ok {
		s.send(ServerMessage{
			Type:       TypeReject,
			Collection: msg.Op.Collection,
			ID:         msg.Op.ID,
			OpID:       msg.Op.OpID,
			Current:    current,
		})
		return
	}
	s.send(errorMessage(err, msg.Op.OpID))
}

func (s *Session) handleFetch(ctx context.Context, msg ClientMessage) {
	if msg.Collection == "" || msg.ID == "" {
		s.send(ServerMessage{Type: TypeError, Code: http.StatusBadRequest, Message: "missing collection or id"})
		return
	}
	snap, err := s.reg.fetchSnapshot(ctx, msg.Collection, msg.ID)
	if err != nil {
		s.send(errorMessage(err, ""))
		return
	}
	s.sendSnapshot(snap)
}

// push delivers a commit notification. Stale records are dropped; a gap in
// the version sequence (or a missing baseline) falls back to a snapshot
// re-fetch instead of forwarding out-of-order commits.
func (s *Session) push(channel string, rec oplog.CommitRecord) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if _, ok := s.collections[channel]; ok {
		s.mu.Unlock()
		s.send(commitMessage(rec))
		return
	}

	target, ok := s.docs[channel]
	if !ok {
		s.mu.Unlock()
		return
	}
	switch {
	case target.last >= 0 && rec.Version <= target.last:
		s.mu.Unlock() // duplicate or stale notification
	case target.last >= 0 && rec.Version == target.last+1:
		target.last = rec.Version
		s.mu.Unlock()
		s.send(commitMessage(rec))
	default:
		s.mu.Unlock() // gap, or baseline not sent yet
		s.resyncTarget(context.Background(), channel)
	}
}

// resyncTarget re-fetches one document and pushes its full snapshot,
// advancing the session's version watermark.
func (s *Session) resyncTarget(ctx context.Context, channel string) {
	s.mu.Lock()
	target, ok := s.docs[channel]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	collection, id := target.collection, target.id
	s.mu.Unlock()

	snap, err := s.reg.fetchSnapshot(ctx, collection, id)
	if err != nil {
		s.reg.logger.Warn("registry: resync fetch failed",
			"session", s.ID, "collection", collection, "id", id, "error", err)
		return
	}

	s.mu.Lock()
	target, ok = s.docs[channel]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	if snap.Version <= target.last {
		s.mu.Unlock() // already current; nothing to send
		return
	}
	target.last = snap.Version
	s.mu.Unlock()

	s.sendSnapshot(snap)
}

// resync re-baselines every document subscription. Called after a broker
// transport gap.
func (s *Session) resync() {
	s.mu.Lock()
	channels := make([]string, 0, len(s.docs))
	for ch := range s.docs {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		s.resyncTarget(context.Background(), ch)
	}
}

func (s *Session) sendSnapshot(snap snapshot.Snapshot) {
	s.send(ServerMessage{
		Type:       TypeSnapshot,
		Collection: snap.Collection,
		ID:         snap.ID,
		Version:    snap.Version,
		Data:       snap.Data,
	})
}

// send enqueues a frame; a dead connection triggers release so the session
// is torn down from the registry side as well.
func (s *Session) send(msg ServerMessage) {
	if !s.conn.Send(msg) {
		s.mu.Lock()
		alreadyClosed := s.closed
		s.mu.Unlock()
		if !alreadyClosed {
			slog.Debug("registry: send to dead connection, releasing", "session", s.ID)
			go s.reg.Release(s.ID)
		}
	}
}

func commitMessage(rec oplog.CommitRecord) ServerMessage {
	return ServerMessage{
		Type:       TypeCommit,
		Collection: rec.Collection,
		ID:         rec.ID,
		Version:    rec.Version,
		Data:       rec.Op.Payload,
		OpID:       rec.Op.OpID,
	}
}

// errorMessage maps core failures to the outward status-coded error frame:
// retryable store unavailability is 503, invalid operations are 400,
// anything else is an opaque 500.
func errorMessage(err error, opID string) ServerMessage {
	switch {
	case snapshot.IsUnavailable(err):
		return ServerMessage{Type: TypeError, Code: http.StatusServiceUnavailable,
			Message: "store unavailable", OpID: opID, Retryable: true}
	default:
		var invalid *oplog.ErrInvalidOp
		if errors.As(err, &invalid) {
			return ServerMessage{Type: TypeError, Code: http.StatusBadRequest,
				Message: invalid.Reason, OpID: opID}
		}
		return ServerMessage{Type: TypeError, Code: http.StatusInternalServerError,
			Message: "internal error", OpID: opID}
	}
}
