// Package backend assembles the sync server from its parts: snapshot
// store, operation log, broker, session registry, identity store and
// gateway, selected by configuration.
//
// Two modes exist. Local mode keeps everything in SQLite with an
// in-process broker, suitable for a single node and for tests.
// Distributed mode stores snapshots and history in MongoDB, fans commits
// out over Redis and keeps identity sessions in Redis, so any number of
// server processes can serve the same documents.
package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/hazyhaar/livesync/config"
	"github.com/hazyhaar/livesync/dbopen"
	"github.com/hazyhaar/livesync/gateway"
	"github.com/hazyhaar/livesync/observability"
	"github.com/hazyhaar/livesync/oplog"
	"github.com/hazyhaar/livesync/pubsub"
	"github.com/hazyhaar/livesync/registry"
	"github.com/hazyhaar/livesync/session"
	"github.com/hazyhaar/livesync/snapshot"
)

// Backend owns every long-lived component of the sync server.
type Backend struct {
	cfg    *config.Config
	logger *slog.Logger

	Store    snapshot.Store
	History  oplog.History
	Broker   pubsub.Broker
	Log      *oplog.Log
	Registry *registry.Registry
	Sessions session.Store
	Gateway  *gateway.Gateway
	Events   *observability.EventLogger
	Metrics  *observability.MetricsManager

	// Distributed-mode clients, nil in local mode.
	mongo    *mongo.Client
	redisPub *redis.Client
	redisSub *redis.Client
	localDB  *sql.DB
	obsDB    *sql.DB

	maintStop chan struct{}
	maintDone chan struct{}
}

const (
	gaugeSampleInterval = time.Minute
	retentionInterval   = time.Hour
	retentionDays       = 30
)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New builds a Backend for the given configuration. The context bounds
// connection establishment in distributed mode.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Backend, error) {
	b := &Backend{cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}

	if cfg.Session.Secret == config.InsecureSessionSecret {
		b.logger.Warn("backend: using the insecure development session secret, set SESSION_SECRET")
	}

	var err error
	if cfg.Local {
		err = b.initLocal(ctx)
	} else {
		err = b.initDistributed(ctx)
	}
	if err != nil {
		b.Close()
		return nil, err
	}

	if err := b.initObservability(); err != nil {
		b.Close()
		return nil, err
	}

	b.Log = oplog.New(b.Store, b.History, b.Broker,
		oplog.WithLogger(b.logger),
		oplog.WithCommitHook(func(rec oplog.CommitRecord, elapsed time.Duration) {
			b.Events.Record(&observability.Event{
				Type:       observability.EventCommit,
				Collection: rec.Collection, DocID: rec.ID, Version: rec.Version,
			})
			b.Metrics.RecordSimple(observability.MetricCommitCount, 1, "count")
			b.Metrics.RecordSimple(observability.MetricSubmitDurationMs,
				float64(elapsed)/float64(time.Millisecond), "ms")
		}),
		oplog.WithRejectHook(func(op oplog.Operation, current int64) {
			b.Events.Record(&observability.Event{
				Type:       observability.EventReject,
				Collection: op.Collection, DocID: op.ID, Version: current,
			})
			b.Metrics.RecordSimple(observability.MetricConflictCount, 1, "count")
		}),
	)
	b.Registry = registry.New(b.Store, b.Log, b.Broker,
		registry.WithLogger(b.logger),
		registry.WithConnectHook(func(s *registry.Session) {
			b.Events.Record(&observability.Event{
				Type: observability.EventConnect, SessionID: s.ID, UserID: s.UserID,
			})
		}),
		registry.WithDisconnectHook(func(s *registry.Session) {
			b.Events.Record(&observability.Event{
				Type: observability.EventDisconnect, SessionID: s.ID, UserID: s.UserID,
			})
		}),
	)
	b.Gateway = gateway.New(b.Registry, b.Sessions,
		gateway.WithLogger(b.logger),
		gateway.WithPath(cfg.SyncPath),
	)

	b.maintStop = make(chan struct{})
	b.maintDone = make(chan struct{})
	go b.maintenanceLoop()

	mode := "distributed"
	if cfg.Local {
		mode = "local"
	}
	b.logger.Info("backend ready", "mode", mode, "sync_path", cfg.SyncPath)
	return b, nil
}

// maintenanceLoop samples gauge metrics and sweeps expired rows until the
// backend closes.
func (b *Backend) maintenanceLoop() {
	defer close(b.maintDone)
	sample := time.NewTicker(gaugeSampleInterval)
	retain := time.NewTicker(retentionInterval)
	defer sample.Stop()
	defer retain.Stop()

	for {
		select {
		case <-sample.C:
			b.sampleGauges()
		case <-retain.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			b.RunRetention(ctx)
			cancel()
		case <-b.maintStop:
			return
		}
	}
}

func (b *Backend) sampleGauges() {
	b.Metrics.RecordSimple(observability.MetricActiveSessions,
		float64(b.Registry.SessionCount()), "count")
	b.Metrics.RecordSimple(observability.MetricActiveSubscription,
		float64(b.Registry.SubscriptionCount()), "count")
	b.Metrics.RecordSimple(observability.MetricQueueOverflowCount,
		float64(b.Gateway.Overflows()), "count")
}

// RunRetention performs one retention sweep over events, metrics and
// expired identity sessions. The maintenance loop runs it hourly; it is
// exported so operators can trigger a sweep out of band.
func (b *Backend) RunRetention(ctx context.Context) {
	if n, err := b.Events.Cleanup(ctx, retentionDays); err != nil {
		b.logger.Warn("backend: event retention sweep failed", "error", err)
	} else if n > 0 {
		b.logger.Info("backend: events swept", "removed", n)
	}
	if n, err := b.Metrics.Cleanup(ctx, retentionDays); err != nil {
		b.logger.Warn("backend: metric retention sweep failed", "error", err)
	} else if n > 0 {
		b.logger.Info("backend: metrics swept", "removed", n)
	}
	if s, ok := b.Sessions.(*session.SQLiteStore); ok {
		if err := s.Cleanup(ctx); err != nil {
			b.logger.Warn("backend: session retention sweep failed", "error", err)
		}
	}
}

func (b *Backend) initLocal(_ context.Context) error {
	db, err := dbopen.Open(filepath.Join(b.cfg.DataDir, "livesync.db"),
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(snapshot.Schema+oplog.HistorySchema+session.Schema))
	if err != nil {
		return fmt.Errorf("backend: open local db: %w", err)
	}
	b.localDB = db
	b.Store = snapshot.NewSQLiteStore(db)
	b.History = oplog.NewSQLiteHistory(db)
	b.Broker = pubsub.NewLocalBroker()
	b.Sessions = session.NewSQLiteStore(db, session.WithSQLiteTTL(b.cfg.Session.TTL))
	return nil
}

func (b *Backend) initDistributed(ctx context.Context) error {
	store, err := snapshot.NewMongoStore(ctx, b.cfg.MongoURL(), b.cfg.Mongo.Database)
	if err != nil {
		return fmt.Errorf("backend: connect mongo: %w", err)
	}
	b.Store = store
	b.mongo = store.Client()
	b.History = oplog.NewMongoHistory(b.mongo.Database(b.cfg.Mongo.Database))

	addr, password, err := b.cfg.RedisAddr()
	if err != nil {
		return err
	}
	// Publishing and subscribing need separate connections: a client in
	// subscriber state cannot issue regular commands.
	b.redisPub = redis.NewClient(&redis.Options{Addr: addr, Password: password})
	b.redisSub = redis.NewClient(&redis.Options{Addr: addr, Password: password})
	broker := pubsub.NewRedisBroker(b.redisPub, b.redisSub)
	if err := broker.Ping(ctx); err != nil {
		broker.Close()
		return fmt.Errorf("backend: connect redis: %w", err)
	}
	b.Broker = broker

	b.Sessions = session.NewRedisStore(b.redisPub, session.WithRedisTTL(b.cfg.Session.TTL))
	return nil
}

func (b *Backend) initObservability() error {
	db, err := dbopen.Open(filepath.Join(b.cfg.DataDir, "observability.db"),
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(observability.Schema))
	if err != nil {
		return fmt.Errorf("backend: open observability db: %w", err)
	}
	b.obsDB = db
	b.Events = observability.NewEventLogger(db, 1000)
	b.Metrics = observability.NewMetricsManager(db, 100, 5*time.Second)
	return nil
}

// Health pings the stores this backend depends on.
func (b *Backend) Health(ctx context.Context) error {
	if err := b.Store.Ping(ctx); err != nil {
		return fmt.Errorf("snapshot store: %w", err)
	}
	if rb, ok := b.Broker.(*pubsub.RedisBroker); ok {
		if err := rb.Ping(ctx); err != nil {
			return fmt.Errorf("broker: %w", err)
		}
	}
	return nil
}

// Status aggregates per-component status for the status endpoint.
func (b *Backend) Status() map[string]any {
	return map[string]any{
		"registry": b.Registry.Status(),
		"oplog":    b.Log.Status(),
		"broker":   b.Broker.Status(),
		"gateway":  b.Gateway.Status(),
	}
}

// Close shuts components down in dependency order: registry first so no
// new work reaches the stores, then the broker, then storage.
func (b *Backend) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if b.maintStop != nil {
		close(b.maintStop)
		<-b.maintDone
		b.maintStop = nil
	}
	if b.Registry != nil {
		keep(b.Registry.Close())
	}
	if b.Broker != nil {
		keep(b.Broker.Close())
	}
	if b.Events != nil {
		keep(b.Events.Close())
	}
	if b.Metrics != nil {
		keep(b.Metrics.Close())
	}
	if b.Sessions != nil {
		keep(b.Sessions.Close())
	}
	if b.Store != nil {
		keep(b.Store.Close())
	}
	if b.localDB != nil {
		keep(b.localDB.Close())
	}
	if b.obsDB != nil {
		keep(b.obsDB.Close())
	}
	return firstErr
}
