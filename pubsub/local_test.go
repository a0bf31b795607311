package pubsub_test

import (
	"context"
	"sync"
	"testing"

	"github.com/hazyhaar/livesync/oplog"
	"github.com/hazyhaar/livesync/pubsub"
)

func rec(version int64) oplog.CommitRecord {
	return oplog.CommitRecord{Collection: "notes", ID: "42", Version: version}
}

func TestLocalBroker_FanOut(t *testing.T) {
	b := pubsub.NewLocalBroker()
	ctx := context.Background()

	var mu sync.Mutex
	got := map[string][]int64{}
	handler := func(name string) pubsub.Handler {
		return func(r oplog.CommitRecord) {
			mu.Lock()
			got[name] = append(got[name], r.Version)
			mu.Unlock()
		}
	}

	s1 := b.Subscribe("notes/42", handler("s1"))
	s2 := b.Subscribe("notes/42", handler("s2"))
	defer s1.Close()
	defer s2.Close()
	b.Subscribe("notes/other", handler("other")).Close()

	for v := int64(1); v <= 3; v++ {
		if err := b.Publish(ctx, "notes/42", rec(v)); err != nil {
			t.Fatal(err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, name := range []string{"s1", "s2"} {
		versions := got[name]
		if len(versions) != 3 {
			t.Fatalf("%s: got %d deliveries, want 3", name, len(versions))
		}
		for i, v := range versions {
			if v != int64(i+1) {
				t.Fatalf("%s: delivery order %v", name, versions)
			}
		}
	}
	if len(got["other"]) != 0 {
		t.Fatalf("closed subscription received %v", got["other"])
	}
}

func TestLocalBroker_CloseIdempotent(t *testing.T) {
	b := pubsub.NewLocalBroker()
	ctx := context.Background()

	delivered := 0
	sub := b.Subscribe("notes/42", func(oplog.CommitRecord) { delivered++ })

	sub.Close()
	sub.Close() // second close must be a no-op

	if err := b.Publish(ctx, "notes/42", rec(1)); err != nil {
		t.Fatal(err)
	}
	if delivered != 0 {
		t.Fatalf("delivered %d records after Close", delivered)
	}
}

func TestLocalBroker_PublishNoSubscribers(t *testing.T) {
	b := pubsub.NewLocalBroker()
	if err := b.Publish(context.Background(), "empty", rec(1)); err != nil {
		t.Fatalf("publish to empty channel: %v", err)
	}
}

func TestLocalBroker_Status(t *testing.T) {
	b := pubsub.NewLocalBroker()
	sub := b.Subscribe("a", func(oplog.CommitRecord) {})
	defer sub.Close()
	b.Publish(context.Background(), "a", rec(1))

	st := b.Status()
	if st["mode"] != "local" {
		t.Fatalf("mode = %v", st["mode"])
	}
	if st["channels"].(int) != 1 || st["subscriptions"].(int) != 1 {
		t.Fatalf("status = %v", st)
	}
	if st["published"].(int64) != 1 || st["delivered"].(int64) != 1 {
		t.Fatalf("counters = %v", st)
	}
}
