// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package store is the single persistent store shared by every component.
//
// It wraps one SQLite file (ncruces/go-sqlite3, WAL journal) behind a
// handle that is passed explicitly to each component constructor. Writes
// go through Exec or Transaction, which apply the injected RetryPolicy to
// busy conditions, map foreign-key failures to ReferentialIntegrityError
// and refuse to run once the store has been halted.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/metrics"
)

// Config configures the store file and connection pool.
type Config struct {
	Path               string        `koanf:"path" validate:"required"`
	BusyTimeout        time.Duration `koanf:"busy_timeout"`
	MaxOpenConns       int           `koanf:"max_open_conns" validate:"min=0"`
	MaxIdleConns       int           `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime    time.Duration `koanf:"conn_max_lifetime"`
	IntegrityBatchSize int           `koanf:"integrity_batch_size" validate:"min=0"`
	Retry              RetryPolicy   `koanf:"retry"`
}

// DefaultConfig returns store defaults for the given file path.
func DefaultConfig(path string) Config {
	return Config{
		Path:               path,
		BusyTimeout:        250 * time.Millisecond,
		MaxOpenConns:       8,
		MaxIdleConns:       2,
		ConnMaxLifetime:    time.Hour,
		IntegrityBatchSize: 500,
		Retry:              DefaultRetryPolicy(),
	}
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Option customizes Open.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithRetryPolicy overrides the retry policy from Config.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Store) {
		s.retry = p
	}
}

// Store is the shared handle to the persistent store.
type Store struct {
	db     *sql.DB
	path   string
	retry  RetryPolicy
	batch  int
	logger zerolog.Logger
	halted atomic.Pointer[haltState]
}

type haltState struct {
	cause error
}

// Open opens (creating if needed) the store file at cfg.Path.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}

	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	batch := cfg.IntegrityBatchSize
	if batch <= 0 {
		batch = 500
	}

	s := &Store{
		path:   cfg.Path,
		retry:  retry,
		batch:  batch,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	conn, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 8
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	s.db = conn

	if err := s.retry.Do(ctx, func() error { return conn.PingContext(ctx) }); err != nil {
		closeWithLog(conn, "store")
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	var mode string
	if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		closeWithLog(conn, "store")
		return nil, fmt.Errorf("failed to read journal mode: %w", err)
	}
	if mode != "wal" {
		closeWithLog(conn, "store")
		return nil, fmt.Errorf("store journal mode is %q, expected wal", mode)
	}

	metrics.SetStoreHalted(false)
	s.logger.Info().Str("path", cfg.Path).Int("max_open_conns", maxOpen).Msg("Store opened")
	return s, nil
}

// dsn builds the ncruces connection string. Pragmas are applied to every
// pooled connection; _txlock=immediate makes BEGIN take the write lock so
// contention surfaces at transaction start.
func dsn(cfg Config) string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 250 * time.Millisecond
	}
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "journal_mode(wal)")
	params.Add("_pragma", "synchronous(normal)")
	params.Set("_txlock", "immediate")

	path := (&url.URL{Path: cfg.Path}).EscapedPath()
	return "file:" + path + "?" + params.Encode()
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// RetryPolicy returns the active retry policy.
func (s *Store) RetryPolicy() RetryPolicy {
	return s.retry
}

// Halt makes every later write fail with ErrHalted. The first cause wins.
func (s *Store) Halt(cause error) {
	if cause == nil {
		cause = fmt.Errorf("halted without cause")
	}
	if s.halted.CompareAndSwap(nil, &haltState{cause: cause}) {
		metrics.SetStoreHalted(true)
		s.logger.Error().Err(cause).Msg("Store halted, refusing further writes")
	}
}

// Halted returns nil while the store accepts writes, otherwise an error
// wrapping ErrHalted and the halt cause.
func (s *Store) Halted() error {
	h := s.halted.Load()
	if h == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrHalted, h.cause)
}

// Exec runs a single write statement with busy retry.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := s.Halted(); err != nil {
		return nil, err
	}
	var result sql.Result
	err := s.retry.Do(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return nil, classify(err)
	}
	return result, nil
}

// Transaction runs fn inside one write transaction. fn may be invoked more
// than once when the transaction hits a busy condition, so it must not
// have side effects outside tx.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := s.Halted(); err != nil {
		return err
	}
	start := time.Now()
	err := s.retry.Do(ctx, func() error {
		return s.runTx(ctx, nil, fn)
	})
	metrics.RecordTransaction(time.Since(start), err)
	return classify(err)
}

// ReadTransaction runs fn in a read-only transaction for a consistent
// snapshot across several queries. It is allowed on a halted store.
func (s *Store) ReadTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.retry.Do(ctx, func() error {
		return s.runTx(ctx, &sql.TxOptions{ReadOnly: true}, fn)
	})
}

func (s *Store) runTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// Query runs a read query. WAL readers do not wait on writers.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := s.retry.Do(ctx, func() error {
		var qErr error
		rows, qErr = s.db.QueryContext(ctx, query, args...) //nolint:rowserrcheck // returned to caller
		return qErr
	})
	return rows, err
}

// QueryRow runs a single-row read query.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// Checkpoint folds the WAL back into the main file and truncates it.
func (s *Store) Checkpoint(ctx context.Context) error {
	var busy, logFrames, checkpointed int
	err := s.retry.Do(ctx, func() error {
		return s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed)
	})
	if err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if busy != 0 {
		s.logger.Warn().Int("log_frames", logFrames).Int("checkpointed", checkpointed).
			Msg("WAL checkpoint could not complete while readers were active")
		return nil
	}
	s.logger.Debug().Int("checkpointed", checkpointed).Msg("WAL checkpoint complete")
	return nil
}

// Snapshot writes a consistent copy of the database to path with VACUUM
// INTO. It reads only, so it is allowed on a halted store. path must not
// exist.
func (s *Store) Snapshot(ctx context.Context, path string) error {
	err := s.retry.Do(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, "VACUUM INTO ?", path)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("snapshot to %s: %w", path, classify(err))
	}
	return nil
}

// Ping checks that the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close checkpoints and closes the store.
func (s *Store) Close() error {
	if s.Halted() == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Checkpoint(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Checkpoint on close failed")
		}
		cancel()
	}
	return s.db.Close()
}
