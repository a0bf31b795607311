package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/livesync/oplog"
)

// RedisBroker carries commit records across processes over Redis pub/sub.
//
// It requires two independent connections: a blocking SUBSCRIBE holds its
// connection, so publishing must go through a second client. The publisher
// client issues only PUBLISH; the observer client only SUBSCRIBE.
//
// Redis pub/sub is fire-and-forget: messages published while the observer
// connection is down are gone. The broker therefore fires the OnReconnect
// hooks after every re-established subscription so subscribers re-fetch
// current snapshots instead of trusting the notification stream.
type RedisBroker struct {
	pub    *redis.Client
	sub    *redis.Client
	ps     *redis.PubSub
	logger *slog.Logger
	opts   redisOptions

	mu      sync.RWMutex
	subs    map[string]map[*Subscription]Handler
	pending map[string]struct{} // channels whose SUBSCRIBE has not landed yet
	hooks   []func()

	cancel    context.CancelFunc
	done      chan struct{}
	retryDone chan struct{}

	published  atomic.Int64
	delivered  atomic.Int64
	dropped    atomic.Int64
	reconnects atomic.Int64
}

type redisOptions struct {
	prefix  string
	backoff time.Duration
}

// RedisOption configures a RedisBroker.
type RedisOption func(*redisOptions)

// WithChannelPrefix sets the namespace prepended to every Redis channel
// name. Default: "livesync:".
func WithChannelPrefix(p string) RedisOption {
	return func(o *redisOptions) { o.prefix = p }
}

// WithReconnectBackoff sets the pause before re-subscribing after a
// transport failure. Default: 1s.
func WithReconnectBackoff(d time.Duration) RedisOption {
	return func(o *redisOptions) { o.backoff = d }
}

// NewRedisBroker creates a broker over the two given clients and starts
// the receive loop. The broker owns both clients; Close releases them.
func NewRedisBroker(pubClient, subClient *redis.Client, opts ...RedisOption) *RedisBroker {
	o := redisOptions{prefix: "livesync:", backoff: time.Second}
	for _, fn := range opts {
		fn(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBroker{
		pub:       pubClient,
		sub:       subClient,
		ps:        subClient.Subscribe(ctx),
		logger:    slog.Default(),
		opts:      o,
		subs:      make(map[string]map[*Subscription]Handler),
		pending:   make(map[string]struct{}),
		cancel:    cancel,
		done:      make(chan struct{}),
		retryDone: make(chan struct{}),
	}
	go b.run(ctx)
	go b.retryLoop(ctx)
	return b
}

// Publish sends rec to the channel via the publishing connection. The
// record reaches local subscribers through the same Redis round-trip as
// remote ones, keeping one delivery path regardless of process count.
func (b *RedisBroker) Publish(ctx context.Context, channel string, rec oplog.CommitRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &ErrTransport{Op: "encode", Cause: err}
	}
	if err := b.pub.Publish(ctx, b.opts.prefix+channel, data).Err(); err != nil {
		return &ErrTransport{Op: "publish", Cause: err}
	}
	b.published.Add(1)
	return nil
}

// Subscribe registers a handler on a channel, issuing the Redis SUBSCRIBE
// on first use of the channel and UNSUBSCRIBE when the last handler leaves.
func (b *RedisBroker) Subscribe(channel string, h Handler) *Subscription {
	sub := &Subscription{channel: channel}
	sub.cancel = func() { b.unsubscribe(channel, sub) }

	b.mu.Lock()
	first := b.subs[channel] == nil
	if first {
		b.subs[channel] = make(map[*Subscription]Handler)
	}
	b.subs[channel][sub] = h
	b.mu.Unlock()

	if first {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.ps.Subscribe(ctx, b.opts.prefix+channel); err != nil {
			// Park the channel for the retry loop: until the SUBSCRIBE
			// lands this process misses its notifications.
			b.logger.Warn("pubsub: redis subscribe failed", "channel", channel, "error", err)
			b.mu.Lock()
			if _, live := b.subs[channel]; live {
				b.pending[channel] = struct{}{}
			}
			b.mu.Unlock()
		}
	}
	return sub
}

func (b *RedisBroker) unsubscribe(channel string, sub *Subscription) {
	b.mu.Lock()
	delete(b.subs[channel], sub)
	last := len(b.subs[channel]) == 0
	if last {
		delete(b.subs, channel)
		delete(b.pending, channel)
	}
	b.mu.Unlock()

	if last {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.ps.Unsubscribe(ctx, b.opts.prefix+channel); err != nil {
			b.logger.Warn("pubsub: redis unsubscribe failed", "channel", channel, "error", err)
		}
	}
}

// OnReconnect registers a hook fired after the observer connection is
// re-established.
func (b *RedisBroker) OnReconnect(fn func()) {
	b.mu.Lock()
	b.hooks = append(b.hooks, fn)
	b.mu.Unlock()
}

func (b *RedisBroker) run(ctx context.Context) {
	defer close(b.done)
	for {
		msg, err := b.ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("pubsub: redis receive failed", "error", err)
			if sleepErr := sleepCtx(ctx, b.opts.backoff); sleepErr != nil {
				return
			}
			b.resubscribe(ctx)
			b.reconnects.Add(1)
			b.fireHooks()
			continue
		}
		b.dispatch(strings.TrimPrefix(msg.Channel, b.opts.prefix), []byte(msg.Payload))
	}
}

// resubscribe re-issues SUBSCRIBE for every channel with live handlers.
func (b *RedisBroker) resubscribe(ctx context.Context) {
	b.mu.RLock()
	channels := make([]string, 0, len(b.subs))
	for ch := range b.subs {
		channels = append(channels, b.opts.prefix+ch)
	}
	b.mu.RUnlock()

	if len(channels) == 0 {
		return
	}
	if err := b.ps.Subscribe(ctx, channels...); err != nil {
		b.logger.Error("pubsub: redis resubscribe failed", "channels", len(channels), "error", err)
		return
	}
	// Every live channel was just re-issued, pending retries included.
	b.mu.Lock()
	b.pending = make(map[string]struct{})
	b.mu.Unlock()
}

// retryLoop re-issues SUBSCRIBEs that failed on first use. The receive
// loop only heals subscriptions after a ReceiveMessage error, which never
// comes when the very first SUBSCRIBE never reached the server.
func (b *RedisBroker) retryLoop(ctx context.Context) {
	defer close(b.retryDone)
	t := time.NewTicker(b.opts.backoff)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.retryPending(ctx)
		}
	}
}

func (b *RedisBroker) retryPending(ctx context.Context) {
	b.mu.RLock()
	channels := make([]string, 0, len(b.pending))
	for ch := range b.pending {
		channels = append(channels, ch)
	}
	b.mu.RUnlock()
	if len(channels) == 0 {
		return
	}

	prefixed := make([]string, len(channels))
	for i, ch := range channels {
		prefixed[i] = b.opts.prefix + ch
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.ps.Subscribe(sctx, prefixed...); err != nil {
		b.logger.Warn("pubsub: redis subscribe retry failed", "channels", len(channels), "error", err)
		return
	}

	b.mu.Lock()
	for _, ch := range channels {
		delete(b.pending, ch)
	}
	b.mu.Unlock()
}

func (b *RedisBroker) fireHooks() {
	b.mu.RLock()
	hooks := append([]func(){}, b.hooks...)
	b.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

func (b *RedisBroker) dispatch(channel string, payload []byte) {
	var rec oplog.CommitRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		b.dropped.Add(1)
		b.logger.Warn("pubsub: undecodable message dropped", "channel", channel, "error", err)
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[channel]))
	for _, h := range b.subs[channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(rec)
		b.delivered.Add(1)
	}
}

// Ping verifies both Redis connections.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.pub.Ping(ctx).Err(); err != nil {
		return &ErrTransport{Op: "ping publisher", Cause: err}
	}
	if err := b.sub.Ping(ctx).Err(); err != nil {
		return &ErrTransport{Op: "ping observer", Cause: err}
	}
	return nil
}

// Status returns a JSON-serializable summary.
func (b *RedisBroker) Status() map[string]any {
	b.mu.RLock()
	channels := len(b.subs)
	pending := len(b.pending)
	subs := 0
	for _, m := range b.subs {
		subs += len(m)
	}
	b.mu.RUnlock()

	return map[string]any{
		"mode":          "redis",
		"channels":      channels,
		"pending":       pending,
		"subscriptions": subs,
		"published":     b.published.Load(),
		"delivered":     b.delivered.Load(),
		"dropped":       b.dropped.Load(),
		"reconnects":    b.reconnects.Load(),
	}
}

// Close stops the receive loop and releases both Redis connections.
func (b *RedisBroker) Close() error {
	b.cancel()
	b.ps.Close()
	<-b.done
	<-b.retryDone
	err := b.pub.Close()
	if subErr := b.sub.Close(); err == nil {
		err = subErr
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
