package oplog_test

import (
	"context"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/livesync/dbopen"
	"github.com/hazyhaar/livesync/oplog"
	"github.com/hazyhaar/livesync/snapshot"
)

// capturePublisher records every published record, preserving order.
type capturePublisher struct {
	mu   sync.Mutex
	recs map[string][]oplog.CommitRecord
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{recs: make(map[string][]oplog.CommitRecord)}
}

func (p *capturePublisher) Publish(_ context.Context, channel string, rec oplog.CommitRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs[channel] = append(p.recs[channel], rec)
	return nil
}

func (p *capturePublisher) published(channel string) []oplog.CommitRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]oplog.CommitRecord(nil), p.recs[channel]...)
}

func newLog(t *testing.T) (*oplog.Log, *capturePublisher) {
	t.Helper()
	db := dbopen.OpenMemory(t,
		dbopen.WithSchema(snapshot.Schema),
		dbopen.WithSchema(oplog.HistorySchema))
	pub := newCapturePublisher()
	log := oplog.New(snapshot.NewSQLiteStore(db), oplog.NewSQLiteHistory(db), pub)
	return log, pub
}

// TestSubmit_AcceptRejectRebase walks the canonical two-client exchange:
// A creates, B submits against a stale base and is rejected, B re-bases
// and succeeds.
func TestSubmit_AcceptRejectRebase(t *testing.T) {
	log, _ := newLog(t)
	ctx := context.Background()

	recA, err := log.Submit(ctx, oplog.Operation{
		Collection: "notes", ID: "42", BaseVersion: 0, Payload: []byte(`"hello"`), OpID: "a1",
	})
	if err != nil {
		t.Fatalf("A submit: %v", err)
	}
	if recA.Version != 1 {
		t.Fatalf("A version = %d, want 1", recA.Version)
	}

	_, err = log.Submit(ctx, oplog.Operation{
		Collection: "notes", ID: "42", BaseVersion: 0, Payload: []byte(`"world"`), OpID: "b1",
	})
	current, ok := snapshot.IsConflict(err)
	if !ok {
		t.Fatalf("B stale submit: expected conflict, got %v", err)
	}
	if current != 1 {
		t.Fatalf("B conflict current = %d, want 1", current)
	}

	recB, err := log.Submit(ctx, oplog.Operation{
		Collection: "notes", ID: "42", BaseVersion: 1, Payload: []byte(`"world"`), OpID: "b1",
	})
	if err != nil {
		t.Fatalf("B rebase: %v", err)
	}
	if recB.Version != 2 {
		t.Fatalf("B version = %d, want 2", recB.Version)
	}
}

// TestSubmit_PublishBeforeReturn asserts the commit record is visible on
// both the document and collection channels by the time Submit returns.
func TestSubmit_PublishBeforeReturn(t *testing.T) {
	log, pub := newLog(t)
	ctx := context.Background()

	rec, err := log.Submit(ctx, oplog.Operation{
		Collection: "notes", ID: "42", BaseVersion: 0, Payload: []byte(`1`),
	})
	if err != nil {
		t.Fatal(err)
	}

	doc := pub.published(oplog.DocChannel("notes", "42"))
	if len(doc) != 1 || doc[0].Version != rec.Version {
		t.Fatalf("doc channel: got %v", doc)
	}
	coll := pub.published(oplog.CollectionChannel("notes"))
	if len(coll) != 1 || coll[0].Version != rec.Version {
		t.Fatalf("collection channel: got %v", coll)
	}
}

// TestSubmit_IdempotentRetry simulates a client that never saw its ack and
// resubmits the identical operation: it must receive the recorded commit,
// not a conflict, and the version must not advance.
func TestSubmit_IdempotentRetry(t *testing.T) {
	log, pub := newLog(t)
	ctx := context.Background()

	op := oplog.Operation{
		Collection: "notes", ID: "42", BaseVersion: 0, Payload: []byte(`"x"`), OpID: "op-1",
	}
	first, err := log.Submit(ctx, op)
	if err != nil {
		t.Fatal(err)
	}

	retry, err := log.Submit(ctx, op)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.Version != first.Version {
		t.Fatalf("retry version = %d, want %d", retry.Version, first.Version)
	}
	if got := pub.published(oplog.DocChannel("notes", "42")); len(got) != 1 {
		t.Fatalf("retry republished: %d records on channel", len(got))
	}

	// A different op against the same stale base still conflicts.
	_, err = log.Submit(ctx, oplog.Operation{
		Collection: "notes", ID: "42", BaseVersion: 0, Payload: []byte(`"y"`), OpID: "op-2",
	})
	if _, ok := snapshot.IsConflict(err); !ok {
		t.Fatalf("expected conflict for different op, got %v", err)
	}
}

func TestSubmit_Invalid(t *testing.T) {
	log, _ := newLog(t)
	ctx := context.Background()

	cases := []oplog.Operation{
		{ID: "42", BaseVersion: 0},
		{Collection: "notes", BaseVersion: 0},
		{Collection: "notes", ID: "42", BaseVersion: -1},
		// "/" would make ("a", "b/c") and ("a/b", "c") share a channel
		// and a composite store key.
		{Collection: "notes/archive", ID: "42", BaseVersion: 0},
		{Collection: "notes", ID: "42/7", BaseVersion: 0},
	}
	for _, op := range cases {
		if _, err := log.Submit(ctx, op); err == nil {
			t.Fatalf("expected invalid op error for %+v", op)
		}
	}
}

func TestOps_CatchUpRange(t *testing.T) {
	log, _ := newLog(t)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		if _, err := log.Submit(ctx, oplog.Operation{
			Collection: "notes", ID: "42", BaseVersion: i, Payload: []byte(`{}`),
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	recs, err := log.Ops(ctx, "notes", "42", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, rec := range recs {
		want := int64(3 + i)
		if rec.Version != want {
			t.Fatalf("record %d: version %d, want %d", i, rec.Version, want)
		}
	}

	bounded, err := log.Ops(ctx, "notes", "42", 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(bounded) != 2 || bounded[0].Version != 2 || bounded[1].Version != 3 {
		t.Fatalf("bounded range wrong: %v", bounded)
	}
}

// TestSubmit_ConcurrentSameDocument races submitters with the same base
// version: exactly one wins each round, versions stay gapless, and every
// accepted commit reaches the broadcast channel exactly once.
func TestSubmit_ConcurrentSameDocument(t *testing.T) {
	log, pub := newLog(t)
	ctx := context.Background()

	const writers = 6
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var base int64
			for {
				_, err := log.Submit(ctx, oplog.Operation{
					Collection: "race", ID: "doc", BaseVersion: base, Payload: []byte(`{}`),
				})
				if err == nil {
					return
				}
				if current, ok := snapshot.IsConflict(err); ok {
					base = current
					continue
				}
				t.Errorf("unexpected error: %v", err)
				return
			}
		}()
	}
	wg.Wait()

	recs := pub.published(oplog.DocChannel("race", "doc"))
	if len(recs) != writers {
		t.Fatalf("published %d records, want %d", len(recs), writers)
	}
	seen := make(map[int64]bool)
	for _, rec := range recs {
		if seen[rec.Version] {
			t.Fatalf("version %d published twice", rec.Version)
		}
		seen[rec.Version] = true
	}
	for v := int64(1); v <= writers; v++ {
		if !seen[v] {
			t.Fatalf("version %d never published", v)
		}
	}
}
