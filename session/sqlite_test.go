package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/livesync/dbopen"
	"github.com/hazyhaar/livesync/session"
)

func newStore(t *testing.T, opts ...session.SQLiteOption) *session.SQLiteStore {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(session.Schema))
	return session.NewSQLiteStore(db, opts...)
}

func TestPutGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "tok1", session.Record{UserID: "usr_1"}); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Get(ctx, "tok1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.UserID != "usr_1" {
		t.Fatalf("user = %q", rec.UserID)
	}
}

func TestGet_Unknown(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_Expired(t *testing.T) {
	s := newStore(t, session.WithSQLiteTTL(-time.Second))
	ctx := context.Background()

	if err := s.Put(ctx, "tok1", session.Record{UserID: "usr_1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "tok1"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expired session resolved: %v", err)
	}
}

func TestPut_Replaces(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Put(ctx, "tok1", session.Record{UserID: "usr_1"})
	s.Put(ctx, "tok1", session.Record{UserID: "usr_2"})

	rec, err := s.Get(ctx, "tok1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.UserID != "usr_2" {
		t.Fatalf("user = %q, want usr_2", rec.UserID)
	}
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Put(ctx, "tok1", session.Record{UserID: "usr_1"})
	if err := s.Delete(ctx, "tok1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "tok1"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("deleted session resolved: %v", err)
	}
	// Deleting again is a no-op.
	if err := s.Delete(ctx, "tok1"); err != nil {
		t.Fatal(err)
	}
}

func TestCleanup(t *testing.T) {
	s := newStore(t, session.WithSQLiteTTL(-time.Second))
	ctx := context.Background()

	s.Put(ctx, "old", session.Record{UserID: "usr_1"})
	if err := s.Cleanup(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "old"); !errors.Is(err, session.ErrNotFound) {
		t.Fatal("cleanup left expired session behind")
	}
}
