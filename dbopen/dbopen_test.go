package dbopen_test

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/livesync/dbopen"
)

func TestOpen_Pragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatal(err)
	}
	// :memory: may report "memory" instead of "wal" for journal_mode,
	// but the PRAGMA was still executed successfully.
	if journalMode != "wal" && journalMode != "memory" {
		t.Fatalf("journal_mode = %q, want wal or memory", journalMode)
	}

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatal(err)
	}
	if busyTimeout != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", busyTimeout)
	}
}

func TestWithBusyTimeout(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithBusyTimeout(5000))

	var bt int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&bt); err != nil {
		t.Fatal(err)
	}
	if bt != 5000 {
		t.Fatalf("busy_timeout = %d, want 5000", bt)
	}
}

func TestWithSchema(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(
		`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`))

	if _, err := db.Exec(`INSERT INTO kv VALUES ('a', '1')`); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}
}

func TestRunTx(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(
		`CREATE TABLE counters (name TEXT PRIMARY KEY, n INTEGER)`))

	ctx := context.Background()
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO counters VALUES ('c', 1)`)
		return err
	})
	if err != nil {
		t.Fatalf("RunTx: %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT n FROM counters WHERE name = 'c'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
}

func TestRunTx_RollbackOnError(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(
		`CREATE TABLE counters (name TEXT PRIMARY KEY, n INTEGER)`))

	ctx := context.Background()
	wantErr := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO counters VALUES ('c', 1)`); err != nil {
			return err
		}
		return sql.ErrTxDone // any error aborts
	})
	if wantErr == nil {
		t.Fatal("RunTx: expected error")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM counters`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("rollback failed: %d rows present", count)
	}
}
