package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hazyhaar/livesync/config"
	"github.com/hazyhaar/livesync/observability"
	"github.com/hazyhaar/livesync/oplog"
	"github.com/hazyhaar/livesync/registry"
	_ "modernc.org/sqlite"
)

func setup(t *testing.T) *Backend {
	t.Helper()
	cfg := &config.Config{
		Local:   true,
		DataDir: t.TempDir(),
		Session: config.SessionConfig{Secret: "test-secret", TTL: time.Hour},
	}
	b, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestLocalMode_HealthAndStatus(t *testing.T) {
	b := setup(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var st map[string]any
	if err := json.NewDecoder(resp2.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"registry", "oplog", "broker", "gateway"} {
		if _, ok := st[key]; !ok {
			t.Fatalf("status missing %q: %v", key, st)
		}
	}
}

func TestDocEndpoint(t *testing.T) {
	b := setup(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	ctx := context.Background()
	if _, err := b.Log.Submit(ctx, oplog.Operation{
		Collection:  "notes",
		ID:          "n1",
		BaseVersion: 0,
		Payload:     json.RawMessage(`{"create":{"title":"first"}}`),
		OpID:        "op-1",
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/doc/notes/n1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var doc struct {
		Collection string `json:"collection"`
		ID         string `json:"id"`
		Version    int64  `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc.Collection != "notes" || doc.ID != "n1" || doc.Version != 1 {
		t.Fatalf("doc = %+v", doc)
	}

	missing, err := http.Get(srv.URL + "/doc/notes/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing doc status = %d", missing.StatusCode)
	}
}

func TestOpsEndpoint(t *testing.T) {
	b := setup(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	ctx := context.Background()
	for i := int64(0); i < 3; i++ {
		if _, err := b.Log.Submit(ctx, oplog.Operation{
			Collection:  "notes",
			ID:          "n1",
			BaseVersion: i,
			Payload:     json.RawMessage(`{"edit":true}`),
		}); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := http.Get(srv.URL + "/doc/notes/n1/ops?after=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var recs []oplog.CommitRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d ops, want 2", len(recs))
	}
	if recs[0].Version != 2 || recs[1].Version != 3 {
		t.Fatalf("versions = %d, %d", recs[0].Version, recs[1].Version)
	}
}

func TestEventsRecordedOnConnect(t *testing.T) {
	b := setup(t)
	s := b.Registry.Register(nopConn{}, "usr_test")
	b.Registry.Release(s.ID)

	// The event logger batches asynchronously; closing it flushes.
	if err := b.Events.Close(); err != nil {
		t.Fatal(err)
	}
	events, err := b.Events.Query(context.Background(), &observability.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) < 2 {
		t.Fatalf("got %d events, want connect and disconnect", len(events))
	}
}

func TestCommitAndConflictObservability(t *testing.T) {
	b := setup(t)
	ctx := context.Background()

	if _, err := b.Log.Submit(ctx, oplog.Operation{
		Collection: "notes", ID: "n1", BaseVersion: 0, Payload: []byte(`"a"`),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Log.Submit(ctx, oplog.Operation{
		Collection: "notes", ID: "n1", BaseVersion: 0, Payload: []byte(`"b"`),
	}); err == nil {
		t.Fatal("expected version conflict")
	}

	if err := b.Events.Close(); err != nil {
		t.Fatal(err)
	}
	commits, err := b.Events.Query(ctx, &observability.EventFilter{Type: observability.EventCommit})
	if err != nil {
		t.Fatal(err)
	}
	if len(commits) != 1 || commits[0].DocID != "n1" || commits[0].Version != 1 {
		t.Fatalf("commit events = %+v", commits)
	}
	rejects, err := b.Events.Query(ctx, &observability.EventFilter{Type: observability.EventReject})
	if err != nil {
		t.Fatal(err)
	}
	if len(rejects) != 1 || rejects[0].Version != 1 {
		t.Fatalf("reject events = %+v", rejects)
	}

	if err := b.Metrics.Close(); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		observability.MetricCommitCount,
		observability.MetricConflictCount,
		observability.MetricSubmitDurationMs,
	} {
		ms, err := b.Metrics.Query(name, nil, nil, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(ms) == 0 {
			t.Fatalf("no %s samples recorded", name)
		}
	}
}

func TestRunRetention(t *testing.T) {
	b := setup(t)
	ctx := context.Background()

	b.Events.Record(&observability.Event{
		Type:      observability.EventCommit,
		Timestamp: time.Now().AddDate(0, 0, -40),
	})
	b.Events.Record(&observability.Event{Type: observability.EventCommit})
	if err := b.Events.Close(); err != nil {
		t.Fatal(err)
	}

	b.RunRetention(ctx)

	events, err := b.Events.Query(ctx, &observability.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events after sweep, want 1", len(events))
	}
}

type nopConn struct{}

func (nopConn) Send(msg registry.ServerMessage) bool { return true }
func (nopConn) Close() error                         { return nil }
