// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package export provides the duckdb destination: forwarded file references
// are appended to an analytics table that can be queried or exported to
// Parquet without touching the operational store.
package export

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/delivery"
)

// DefaultTable receives rows when a destination names no table.
const DefaultTable = "forwarded_files"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Sink is a delivery.Transport writing to DuckDB. Deliveries are
// idempotent per item id.
type Sink struct {
	db     *sql.DB
	table  string
	logger zerolog.Logger
	now    func() time.Time
}

// Factory builds sinks for the delivery registry.
func Factory(cfg delivery.DestinationConfig, logger zerolog.Logger) (delivery.Transport, error) {
	return Open(context.Background(), cfg, logger)
}

// Open opens (or creates) the DuckDB file at cfg.Path and ensures the table
// exists. An empty path opens an in-memory database.
func Open(ctx context.Context, cfg delivery.DestinationConfig, logger zerolog.Logger) (*Sink, error) {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("destination %s: invalid table name %q", cfg.ID, table)
	}

	dsn := ""
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("destination %s: create directory: %w", cfg.ID, err)
		}
		dsn = cfg.Path
	}
	// Extensions are not needed; never reach out to the network for them.
	dsn += "?autoinstall_known_extensions=false&autoload_known_extensions=false"

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("destination %s: open duckdb: %w", cfg.ID, err)
	}
	// One writer connection; DuckDB serializes writes per database anyway.
	db.SetMaxOpenConns(1)

	s := &Sink{
		db:     db,
		table:  table,
		logger: logger.With().Str("destination", cfg.ID).Str("table", table).Logger(),
		now:    time.Now,
	}
	if err := s.createTable(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("destination %s: %w", cfg.ID, err)
	}
	return s, nil
}

func (s *Sink) createTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			item_id           TEXT PRIMARY KEY,
			schedule_id       TEXT NOT NULL,
			destination_id    TEXT NOT NULL,
			content_sha256    TEXT NOT NULL,
			size_bytes        BIGINT NOT NULL,
			mime_hint         TEXT,
			source_channel_id TEXT NOT NULL,
			source_message_id TEXT NOT NULL,
			first_seen_at     TIMESTAMP NOT NULL,
			forwarded_at      TIMESTAMP NOT NULL,
			attempt           INTEGER NOT NULL
		)`, s.table))
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// Kind implements delivery.Transport.
func (s *Sink) Kind() delivery.Kind {
	return delivery.KindDuckDB
}

// Deliver appends req. A redelivered item keeps its first row.
func (s *Sink) Deliver(ctx context.Context, req delivery.Request) (string, error) {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (item_id, schedule_id, destination_id, content_sha256, size_bytes, mime_hint,
			source_channel_id, source_message_id, first_seen_at, forwarded_at, attempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (item_id) DO NOTHING`, s.table),
		req.ItemID, req.ScheduleID, req.DestinationID, req.ContentSHA256, req.SizeBytes, req.MimeHint,
		req.SourceChannelID, req.SourceMessageID, req.FirstSeenAt.UTC(), s.now().UTC(), req.Attempt)
	if err != nil {
		return "", &delivery.Error{
			Code:      delivery.ErrorCodeServerError,
			Message:   fmt.Sprintf("insert into %s: %v", s.table, err),
			Transient: true,
			Err:       err,
		}
	}
	return "duckdb:" + req.ItemID, nil
}

// CountBySchedule returns the number of exported rows per schedule.
func (s *Sink) CountBySchedule(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT schedule_id, COUNT(*) FROM %s GROUP BY schedule_id`, s.table))
	if err != nil {
		return nil, fmt.Errorf("count by schedule: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			id    string
			count int64
		)
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		out[id] = count
	}
	return out, rows.Err()
}

// ExportParquet writes the table to a Parquet file at path.
func (s *Sink) ExportParquet(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`COPY %s TO '%s' (FORMAT PARQUET)`,
		s.table, escapeLiteral(path))); err != nil {
		return fmt.Errorf("export parquet: %w", err)
	}
	s.logger.Info().Str("path", path).Msg("Exported forwarded files")
	return nil
}

func escapeLiteral(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// Close releases the database.
func (s *Sink) Close() error {
	return s.db.Close()
}
