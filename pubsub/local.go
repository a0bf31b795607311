package pubsub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/livesync/oplog"
)

// LocalBroker is the in-process Broker used in single-process mode. The
// operation log publishes directly into it and the session registry
// subscribes directly to it; no external transport is involved, so there
// is no reconnect path.
type LocalBroker struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]Handler

	published atomic.Int64
	delivered atomic.Int64
}

// NewLocalBroker creates an empty in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string]map[*Subscription]Handler)}
}

// Publish delivers rec to every handler currently subscribed to channel.
// Handlers run synchronously on the caller's goroutine, so a sequential
// publisher observes per-channel delivery in publish order.
func (b *LocalBroker) Publish(_ context.Context, channel string, rec oplog.CommitRecord) error {
	b.published.Add(1)

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
	return nil
}

// Subscribe registers a handler on a channel.
func (b *LocalBroker) Subscribe(channel string, h Handler) *Subscription {
	sub := &Subscription{channel: channel}
	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[channel], sub)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*Subscription]Handler)
	}
	b.subs[channel][sub] = h
	return sub
}

// OnReconnect is a no-op: the in-process broker has no transport to lose.
func (b *LocalBroker) OnReconnect(func()) {}

// Status returns a JSON-serializable summary.
func (b *LocalBroker) Status() map[string]any {
	b.mu.RLock()
	channels := len(b.subs)
	subs := 0
	for _, m := range b.subs {
		subs += len(m)
	}
	b.mu.RUnlock()

	return map[string]any{
		"mode":          "local",
		"channels":      channels,
		"subscriptions": subs,
		"published":     b.published.Load(),
		"delivered":     b.delivered.Load(),
	}
}

// Close drops all subscriptions.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	b.subs = make(map[string]map[*Subscription]Handler)
	b.mu.Unlock()
	return nil
}
