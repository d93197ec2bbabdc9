// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ncruces/go-sqlite3"
)

const testSchema = `
CREATE TABLE parents (id TEXT PRIMARY KEY, size INTEGER NOT NULL);
CREATE TABLE children (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id TEXT NOT NULL REFERENCES parents(id)
);`

func openTestStore(t *testing.T, mutate ...func(*Config)) *Store {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "archivist.db"))
	cfg.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if _, err := s.Exec(context.Background(), testSchema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return s
}

func TestOpenUsesWAL(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	var mode string
	if err := s.QueryRow(t.Context(), "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("expected wal journal, got %q", mode)
	}

	var fk int
	if err := s.QueryRow(t.Context(), "PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("expected foreign keys enforced, got %d", fk)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(t.Context(), Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestTransactionCommitAndRollback(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := t.Context()

	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO parents (id, size) VALUES ('a', 1)")
		return err
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	boom := errors.New("boom")
	err = s.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO parents (id, size) VALUES ('b', 2)"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var n int
	if err := s.QueryRow(ctx, "SELECT COUNT(*) FROM parents").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected rolled back insert to be absent, got %d rows", n)
	}
}

func TestForeignKeyViolationIsReferentialIntegrityError(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.Exec(t.Context(), "INSERT INTO children (parent_id) VALUES ('missing')")
	var ref *ReferentialIntegrityError
	if !errors.As(err, &ref) {
		t.Fatalf("expected ReferentialIntegrityError, got %T %v", err, err)
	}
	if !errors.Is(err, sqlite3.CONSTRAINT_FOREIGNKEY) {
		t.Error("expected driver error to stay in the chain")
	}
}

func TestUniqueViolation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := t.Context()

	if _, err := s.Exec(ctx, "INSERT INTO parents (id, size) VALUES ('a', 1)"); err != nil {
		t.Fatal(err)
	}
	_, err := s.Exec(ctx, "INSERT INTO parents (id, size) VALUES ('a', 1)")
	if !IsUniqueViolation(err) {
		t.Errorf("expected unique violation, got %v", err)
	}
}

func TestHaltRefusesWrites(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := t.Context()

	cause := errors.New("checksum mismatch")
	s.Halt(cause)
	s.Halt(errors.New("second cause ignored"))

	_, err := s.Exec(ctx, "INSERT INTO parents (id, size) VALUES ('a', 1)")
	if !errors.Is(err, ErrHalted) || !errors.Is(err, cause) {
		t.Fatalf("expected halted error wrapping cause, got %v", err)
	}
	err = s.Transaction(ctx, func(*sql.Tx) error {
		t.Error("transaction body must not run on a halted store")
		return nil
	})
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}

	// Reads stay available for diagnosis.
	var n int
	if err := s.QueryRow(ctx, "SELECT COUNT(*) FROM parents").Scan(&n); err != nil {
		t.Errorf("read on halted store: %v", err)
	}
}

func TestBusyWriterExhaustsRetries(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "busy.db")
	ctx := t.Context()

	first := openTestStore(t, func(c *Config) { c.Path = path })
	cfg := DefaultConfig(path)
	cfg.BusyTimeout = 5 * time.Millisecond
	cfg.Retry = RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	second, err := Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = second.Close() })

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- first.Transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, "INSERT INTO parents (id, size) VALUES ('held', 1)"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	_, err = second.Exec(ctx, "INSERT INTO parents (id, size) VALUES ('blocked', 1)")
	close(release)

	if !errors.Is(err, ErrStoreBusy) {
		t.Fatalf("expected ErrStoreBusy, got %v", err)
	}
	if !strings.Contains(err.Error(), "after 2 attempts") {
		t.Errorf("expected attempt count in error, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("holder transaction: %v", err)
	}
}

func TestVerifyIntegrity(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, func(c *Config) { c.MaxOpenConns = 1 })
	ctx := t.Context()

	anomalies, err := s.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(anomalies) != 0 {
		t.Fatalf("expected clean store, got %v", anomalies)
	}

	// Single pooled connection, so the pragma applies to the insert.
	for _, q := range []string{
		"PRAGMA foreign_keys=OFF",
		"INSERT INTO children (parent_id) VALUES ('ghost')",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.Exec(ctx, q); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
	}

	custom := IntegrityCheck{
		Name: "size_positive",
		Run: func(ctx context.Context, q Querier, batchSize int, report func(Anomaly)) error {
			if batchSize <= 0 {
				t.Errorf("expected positive batch size, got %d", batchSize)
			}
			report(Anomaly{Kind: "size_mismatch", Table: "parents", Key: "x", Detail: "synthetic"})
			return nil
		},
	}

	for range 2 {
		anomalies, err = s.VerifyIntegrity(ctx, custom)
		if err != nil {
			t.Fatal(err)
		}
		if len(anomalies) != 2 {
			t.Fatalf("expected 2 anomalies, got %v", anomalies)
		}
		if anomalies[0].Kind != AnomalyForeignKey || anomalies[0].Table != "children" {
			t.Errorf("unexpected first anomaly: %+v", anomalies[0])
		}
		if anomalies[1].Kind != "size_mismatch" {
			t.Errorf("unexpected second anomaly: %+v", anomalies[1])
		}
	}
}

func TestCheckpoint(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if err := s.Checkpoint(t.Context()); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := t.Context()
	if _, err := s.Exec(ctx, `INSERT INTO parents (id, size) VALUES ('a', 1), ('b', 2)`); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "snap.db")
	if err := s.Snapshot(ctx, path); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := s.Snapshot(ctx, path); err == nil {
		t.Error("snapshot over an existing file must fail")
	}

	cfg := DefaultConfig(path)
	copied, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer func() { _ = copied.Close() }()
	var n int
	if err := copied.QueryRow(ctx, `SELECT COUNT(*) FROM parents`).Scan(&n); err != nil || n != 2 {
		t.Errorf("snapshot rows = %d, %v", n, err)
	}
}
