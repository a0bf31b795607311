// Package observability persists sync-domain events and metrics to a
// dedicated SQLite database.
//
// All persistence is async and non-blocking: buffer overflow falls back to
// a synchronous insert rather than applying backpressure to the commit or
// fan-out paths.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/livesync/idgen"
)

// Event types recorded by the sync server.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventCommit     = "commit"
	EventReject     = "reject"
)

// Event is a single row in the sync event trail.
type Event struct {
	EventID    string
	Timestamp  time.Time
	Type       string
	SessionID  string
	UserID     string
	Collection string
	DocID      string
	Version    int64
	Detail     string // optional JSON
}

// EventFilter controls Query results.
type EventFilter struct {
	Type       string
	Collection string
	Since      *time.Time
	Limit      int // default 100
}

// EventLogger buffers events and flushes them to SQLite in batches.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *Event
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates an async event logger. Recommended bufferSize: 1000.
func NewEventLogger(db *sql.DB, bufferSize int, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
		ch:    make(chan *Event, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// Record queues an event for async persistence. Falls back to a synchronous
// insert when the buffer is full, so events are not silently lost.
func (l *EventLogger) Record(e *Event) {
	l.fillDefaults(e)
	select {
	case l.ch <- e:
	default:
		slog.Warn("observability: event buffer full, sync fallback", "type", e.Type)
		if err := l.insert(context.Background(), e); err != nil {
			slog.Error("observability: sync fallback failed", "error", err)
		}
	}
}

// Query retrieves events matching the filter, newest first.
func (l *EventLogger) Query(ctx context.Context, f *EventFilter) ([]*Event, error) {
	q := `SELECT event_id, timestamp, event_type, session_id, user_id,
		collection, doc_id, version, detail
		FROM sync_events WHERE 1=1`
	var args []any

	if f.Type != "" {
		q += " AND event_type = ?"
		args = append(args, f.Type)
	}
	if f.Collection != "" {
		q += " AND collection = ?"
		args = append(args, f.Collection)
	}
	if f.Since != nil {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.Unix())
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var ts int64
		var sessionID, userID, collection, docID, detail sql.NullString
		var version sql.NullInt64

		if err := rows.Scan(&e.EventID, &ts, &e.Type,
			&sessionID, &userID, &collection, &docID, &version, &detail); err != nil {
			return nil, fmt.Errorf("scan sync event: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		e.SessionID = sessionID.String
		e.UserID = userID.String
		e.Collection = collection.String
		e.DocID = docID.String
		e.Version = version.Int64
		e.Detail = detail.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than retentionDays.
func (l *EventLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	result, err := l.db.ExecContext(ctx, "DELETE FROM sync_events WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup sync events: %w", err)
	}
	return result.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine. Idempotent.
func (l *EventLogger) Close() error {
	l.once.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

func (l *EventLogger) fillDefaults(e *Event) {
	if e.EventID == "" {
		e.EventID = l.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
}

func (l *EventLogger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*Event, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			slog.Error("observability: begin tx", "error", err)
			return
		}
		stmt, err := tx.PrepareContext(ctx, insertEventSQL)
		if err != nil {
			tx.Rollback()
			slog.Error("observability: prepare", "error", err)
			return
		}
		defer stmt.Close()

		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx, e.EventID, e.Timestamp.Unix(), e.Type,
				e.SessionID, e.UserID, e.Collection, e.DocID, e.Version, e.Detail); err != nil {
				slog.Error("observability: insert", "error", err, "event_id", e.EventID)
			}
		}
		if err := tx.Commit(); err != nil {
			slog.Error("observability: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

const insertEventSQL = `INSERT INTO sync_events
	(event_id, timestamp, event_type, session_id, user_id,
	 collection, doc_id, version, detail)
	VALUES (?,?,?,?,?,?,?,?,?)`

func (l *EventLogger) insert(ctx context.Context, e *Event) error {
	_, err := l.db.ExecContext(ctx, insertEventSQL,
		e.EventID, e.Timestamp.Unix(), e.Type,
		e.SessionID, e.UserID, e.Collection, e.DocID, e.Version, e.Detail)
	return err
}
