// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package migrate tracks schema migrations in the persistent store.
//
// Migrations are applied strictly in ascending id order, each inside one
// transaction that covers both the schema change and its schema_migrations
// record. On startup every stored record is compared against the registered
// migration of the same id; a checksum mismatch halts the store.
//
// Migrations are append-only. Never edit a migration that has shipped; add
// a new one instead.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/metrics"
	"github.com/tomtom215/archivist/internal/store"
)

// StatusApplied is the only status a committed migration record carries.
const StatusApplied = "applied"

const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	migration_id INTEGER PRIMARY KEY CHECK (migration_id > 0),
	name         TEXT    NOT NULL,
	applied_at   INTEGER NOT NULL,
	checksum     TEXT    NOT NULL,
	status       TEXT    NOT NULL DEFAULT 'applied'
);`

// Migration is one versioned schema change.
type Migration struct {
	ID   int
	Name string
	SQL  string
}

// Checksum is the hex SHA-256 of the name and SQL.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.Name + "\n" + m.SQL))
	return hex.EncodeToString(sum[:])
}

// Record is a row of schema_migrations.
type Record struct {
	ID        int       `json:"migration_id"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
	Checksum  string    `json:"checksum"`
	Status    string    `json:"status"`
}

// Tracker applies and verifies migrations against one store.
type Tracker struct {
	store      *store.Store
	migrations []Migration
	byID       map[int]Migration
	logger     zerolog.Logger
	now        func() time.Time
}

// NewTracker registers migrations, which must have unique positive ids.
func NewTracker(s *store.Store, migrations []Migration, logger zerolog.Logger) (*Tracker, error) {
	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	byID := make(map[int]Migration, len(sorted))
	for _, m := range sorted {
		if m.ID <= 0 {
			return nil, fmt.Errorf("migration %q has non-positive id %d", m.Name, m.ID)
		}
		if _, dup := byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate migration id %d", m.ID)
		}
		byID[m.ID] = m
	}

	return &Tracker{
		store:      s,
		migrations: sorted,
		byID:       byID,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// EnsureTable creates schema_migrations if it does not exist.
func (t *Tracker) EnsureTable(ctx context.Context) error {
	if _, err := t.store.Exec(ctx, schemaMigrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	return nil
}

// CurrentVersion returns the highest applied migration id, 0 if none.
func (t *Tracker) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := t.store.QueryRow(ctx, `SELECT COALESCE(MAX(migration_id), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

// PendingMigrations returns registered migrations above current, ascending.
func (t *Tracker) PendingMigrations(current int) []Migration {
	var pending []Migration
	for _, m := range t.migrations {
		if m.ID > current {
			pending = append(pending, m)
		}
	}
	return pending
}

// History returns applied migration records in ascending id order.
func (t *Tracker) History(ctx context.Context) ([]Record, error) {
	rows, err := t.store.Query(ctx,
		`SELECT migration_id, name, applied_at, checksum, status FROM schema_migrations ORDER BY migration_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migration history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var history []Record
	for rows.Next() {
		var (
			r       Record
			applied int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &applied, &r.Checksum, &r.Status); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		r.AppliedAt = time.Unix(0, applied).UTC()
		history = append(history, r)
	}
	return history, rows.Err()
}

// Verify compares every stored record with the registered migration of the
// same id. Any mismatch halts the store and returns a
// *MigrationCorruptionError.
func (t *Tracker) Verify(ctx context.Context) error {
	history, err := t.History(ctx)
	if err != nil {
		return err
	}

	for i, r := range history {
		var corrupt *MigrationCorruptionError
		m, ok := t.byID[r.ID]
		switch {
		case !ok:
			corrupt = &MigrationCorruptionError{ID: r.ID, Name: r.Name, Stored: r.Checksum,
				Reason: "applied migration is not registered with this build"}
		case r.ID != i+1:
			corrupt = &MigrationCorruptionError{ID: r.ID, Name: r.Name, Stored: r.Checksum,
				Reason: fmt.Sprintf("history has a gap before this id (position %d)", i+1)}
		case r.Status != StatusApplied:
			corrupt = &MigrationCorruptionError{ID: r.ID, Name: r.Name, Stored: r.Checksum,
				Reason: fmt.Sprintf("unexpected status %q", r.Status)}
		case r.Checksum != m.Checksum():
			corrupt = &MigrationCorruptionError{ID: r.ID, Name: m.Name, Stored: r.Checksum, Expected: m.Checksum()}
		}
		if corrupt != nil {
			t.store.Halt(corrupt)
			return corrupt
		}
	}

	t.logger.Debug().Int("verified", len(history)).Msg("Migration checksums verified")
	return nil
}

// Apply applies m in one transaction. Reapplying an already recorded
// migration with the same checksum is a no-op; with a different checksum it
// is corruption and halts the store. Any id other than last+1 is rejected.
// The returned bool reports whether m was newly applied.
func (t *Tracker) Apply(ctx context.Context, m Migration) (bool, error) {
	checksum := m.Checksum()
	applied := false

	err := t.store.Transaction(ctx, func(tx *sql.Tx) error {
		applied = false

		var stored string
		err := tx.QueryRowContext(ctx,
			`SELECT checksum FROM schema_migrations WHERE migration_id = ?`, m.ID).Scan(&stored)
		switch {
		case err == nil:
			if stored == checksum {
				return nil
			}
			return &MigrationCorruptionError{ID: m.ID, Name: m.Name, Stored: stored, Expected: checksum}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to read migration %d: %w", m.ID, err)
		}

		var last int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(migration_id), 0) FROM schema_migrations`).Scan(&last); err != nil {
			return fmt.Errorf("failed to read last migration: %w", err)
		}
		if m.ID != last+1 {
			return &OutOfSequenceMigrationError{ID: m.ID, LastApplied: last}
		}

		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("failed to execute migration %d (%s): %w", m.ID, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (migration_id, name, applied_at, checksum, status) VALUES (?, ?, ?, ?, ?)`,
			m.ID, m.Name, t.now().UTC().UnixNano(), checksum, StatusApplied); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.ID, err)
		}
		applied = true
		return nil
	})

	var corrupt *MigrationCorruptionError
	if errors.As(err, &corrupt) {
		t.store.Halt(corrupt)
	}
	if err != nil {
		return false, err
	}

	if applied {
		metrics.MigrationsApplied.Inc()
		metrics.SchemaVersion.Set(float64(m.ID))
		t.logger.Info().Int("migration_id", m.ID).Str("name", m.Name).Msg("Applied migration")
	}
	return applied, nil
}

// Run is the startup entrypoint: create the tracking table, verify what is
// already applied, then apply every pending migration in order. It returns
// the number of migrations applied.
func (t *Tracker) Run(ctx context.Context) (int, error) {
	if err := t.EnsureTable(ctx); err != nil {
		return 0, err
	}
	if err := t.Verify(ctx); err != nil {
		return 0, err
	}

	current, err := t.CurrentVersion(ctx)
	if err != nil {
		return 0, err
	}
	metrics.SchemaVersion.Set(float64(current))

	count := 0
	for _, m := range t.PendingMigrations(current) {
		applied, err := t.Apply(ctx, m)
		if err != nil {
			return count, err
		}
		if applied {
			count++
		}
	}

	if count > 0 {
		t.logger.Info().Int("applied", count).Int("from_version", current).Msg("Schema migrations complete")
	}
	return count, nil
}
