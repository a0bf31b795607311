// Package pubsub fans committed operations out to subscribers.
//
// A Broker carries commit records from the operation log to every
// interested handler. LocalBroker covers single-process deployments;
// RedisBroker adds cross-process delivery over Redis pub/sub for
// distributed mode. Delivery is at-least-once to handlers subscribed at
// publish time; a handler that needs a gap-free view resyncs from the
// snapshot store after a transport reconnect (see OnReconnect).
package pubsub

import (
	"context"
	"sync"

	"github.com/hazyhaar/livesync/oplog"
)

// Handler receives a commit record delivered on a subscribed channel.
// Handlers must not block: they run on the broker's dispatch path.
type Handler func(rec oplog.CommitRecord)

// Broker is the broadcast layer contract. Channel names come from
// oplog.DocChannel and oplog.CollectionChannel.
type Broker interface {
	// Publish hands a commit record to the fan-out. It returns once the
	// record is accepted by the transport; delivery to remote handlers is
	// asynchronous.
	Publish(ctx context.Context, channel string, rec oplog.CommitRecord) error

	// Subscribe registers a handler on a channel. The returned
	// Subscription's Close is idempotent.
	Subscribe(channel string, h Handler) *Subscription

	// OnReconnect registers a hook invoked after the underlying transport
	// dropped and was re-established. Subscribers use it to re-fetch
	// snapshots and close any notification gap. LocalBroker never fires it.
	OnReconnect(fn func())

	Status() map[string]any
	Close() error
}

// Subscription is a standing registration on one channel.
type Subscription struct {
	channel string
	once    sync.Once
	cancel  func()
}

// Channel returns the channel this subscription listens on.
func (s *Subscription) Channel() string { return s.channel }

// Close removes the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}
