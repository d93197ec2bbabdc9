// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package storetest opens isolated, fully migrated stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/migrate"
	"github.com/tomtom215/archivist/internal/store"
)

// New returns a migrated store in a per-test temporary directory.
func New(t testing.TB) *store.Store {
	t.Helper()
	return NewAt(t, filepath.Join(t.TempDir(), "archivist.db"))
}

// NewAt opens and migrates the store at path. Several handles on one path
// behave like separate processes sharing the file.
func NewAt(t testing.TB, path string) *store.Store {
	t.Helper()

	cfg := store.DefaultConfig(path)
	cfg.BusyTimeout = 2 * time.Second
	cfg.Retry = store.RetryPolicy{MaxAttempts: 10, BaseDelay: 2 * time.Millisecond, MaxDelay: 50 * time.Millisecond}

	s, err := store.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	tracker, err := migrate.NewTracker(s, migrate.CoreMigrations(), zerolog.Nop())
	if err != nil {
		t.Fatalf("migration tracker: %v", err)
	}
	if _, err := tracker.Run(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

// Count returns SELECT COUNT(*) for the given FROM/WHERE clause.
func Count(t testing.TB, s *store.Store, from string, args ...any) int {
	t.Helper()
	var n int
	if err := s.QueryRow(context.Background(), "SELECT COUNT(*) FROM "+from, args...).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", from, err)
	}
	return n
}
