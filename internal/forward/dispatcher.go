// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package forward

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/hashing"
	"github.com/tomtom215/archivist/internal/store"
)

// Enqueued pairs a schedule with the result of enqueueing into it.
type Enqueued struct {
	ScheduleID string `json:"schedule_id"`
	EnqueueResult
}

// Dispatcher turns schedules into queue items: per file on ingest, and in
// batches of newly dispatched files for cron schedules.
//
// Every dispatched file gets a dispatch_log row, written in the transaction
// that enqueues it into the on-ingest schedules. A file with no row was
// interrupted between being recorded and being dispatched and is safe to
// dispatch again. Cron sweeps walk dispatch_log by seq, which follows commit
// order, so a slow commit is never behind a sweep that already passed it.
type Dispatcher struct {
	queue    *Queue
	interval time.Duration
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher. interval is how often Serve sweeps.
func NewDispatcher(q *Queue, interval time.Duration, logger zerolog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Dispatcher{
		queue:    q,
		interval: interval,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// OnIngest enqueues f into every enabled on-ingest schedule whose source
// and criteria match and logs f as dispatched, all in one transaction. A
// file that is already dispatched is left alone and nothing is returned.
func (d *Dispatcher) OnIngest(ctx context.Context, f hashing.FileRecord, category string) ([]Enqueued, error) {
	var (
		out   []Enqueued
		moves []move
	)
	err := d.queue.store.Transaction(ctx, func(tx *sql.Tx) error {
		out, moves = out[:0], moves[:0]
		now := d.queue.now().UTC()

		done, err := dispatchedTx(ctx, tx, f.ContentSHA256)
		if err != nil || done {
			return err
		}

		schedules, err := ingestSchedulesTx(ctx, tx, f.SourceChannelID)
		if err != nil {
			return fmt.Errorf("list ingest schedules: %w", err)
		}
		for _, s := range schedules {
			if !s.Criteria.Matches(f, category) {
				continue
			}
			res, err := d.queue.enqueueTx(ctx, tx, f.ContentSHA256, s.ID, now, &moves)
			if err != nil {
				return fmt.Errorf("enqueue into %s: %w", s.ID, err)
			}
			out = append(out, Enqueued{ScheduleID: s.ID, EnqueueResult: res})
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO dispatch_log (content_sha256, dispatched_at) VALUES (?, ?)`,
			f.ContentSHA256, now.UnixNano()); err != nil {
			return fmt.Errorf("log dispatch: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	recordMoves(moves)
	return out, nil
}

// dispatchedTx reports whether sha has been dispatched. An unknown sha is a
// ReferentialIntegrityError.
func dispatchedTx(ctx context.Context, tx *sql.Tx, sha string) (bool, error) {
	var known, done bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM file_records WHERE content_sha256 = ?),
			EXISTS (SELECT 1 FROM dispatch_log WHERE content_sha256 = ?)`, sha, sha).Scan(&known, &done)
	if err != nil {
		return false, err
	}
	if !known {
		return false, &store.ReferentialIntegrityError{Table: "file_records", Key: sha}
	}
	return done, nil
}

// Dispatched reports whether sha has been handed to the on-ingest
// schedules.
func (d *Dispatcher) Dispatched(ctx context.Context, sha string) (bool, error) {
	var done bool
	err := d.queue.store.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM dispatch_log WHERE content_sha256 = ?)`, sha).
		Scan(&done)
	return done, err
}

// Undispatched returns up to limit recorded files first seen at or before
// cutoff that were never dispatched, oldest first.
func (d *Dispatcher) Undispatched(ctx context.Context, cutoff time.Time, limit int) ([]hashing.FileRecord, error) {
	rows, err := d.queue.store.Query(ctx, `
		SELECT f.content_sha256, f.size_bytes, f.first_seen_at, f.source_channel_id, f.source_message_id, f.mime_hint
		FROM file_records f
		LEFT JOIN dispatch_log d ON d.content_sha256 = f.content_sha256
		WHERE d.seq IS NULL AND f.first_seen_at <= ?
		ORDER BY f.first_seen_at, f.content_sha256
		LIMIT ?`, cutoff.UTC().UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []hashing.FileRecord
	for rows.Next() {
		var (
			f         hashing.FileRecord
			firstSeen int64
		)
		if err := rows.Scan(&f.ContentSHA256, &f.SizeBytes, &firstSeen, &f.SourceChannelID, &f.SourceMessageID,
			&f.MimeHint); err != nil {
			return nil, err
		}
		f.FirstSeenAt = fromUnixNano(firstSeen)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Sweep runs every cron schedule due at now. Each schedule is swept in one
// transaction: matching files dispatched since the schedule's cursor are
// enqueued and the cursor moves to the newest dispatch. It returns the
// number of new items.
func (d *Dispatcher) Sweep(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	due, err := d.queue.dueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}

	total := 0
	for _, s := range due {
		n, err := d.sweepSchedule(ctx, s, now)
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", s.ID, err)
		}
		total += n
	}
	return total, nil
}

func (d *Dispatcher) sweepSchedule(ctx context.Context, s Schedule, now time.Time) (int, error) {
	var (
		added int
		moves []move
	)
	err := d.queue.store.Transaction(ctx, func(tx *sql.Tx) error {
		added, moves = 0, moves[:0]

		// Another process may have swept since the schedule was listed.
		var (
			enabled           bool
			cursor, nextSweep int64
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT enabled, last_swept_seq, next_sweep_at FROM forward_schedules WHERE schedule_id = ?`, s.ID).
			Scan(&enabled, &cursor, &nextSweep); err != nil {
			return err
		}
		if !enabled || nextSweep == 0 || nextSweep > now.UnixNano() {
			return nil
		}

		var head int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM dispatch_log`).Scan(&head); err != nil {
			return err
		}
		files, err := filesDispatchedAfter(ctx, tx, s.SourceID, cursor, head)
		if err != nil {
			return err
		}
		for _, f := range files {
			if !s.Criteria.Matches(f.FileRecord, f.category) {
				continue
			}
			res, err := d.queue.enqueueTx(ctx, tx, f.ContentSHA256, s.ID, now, &moves)
			if err != nil {
				return err
			}
			if !res.AlreadyQueued {
				added++
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE forward_schedules SET last_swept_at = ?, last_swept_seq = ?, next_sweep_at = ? WHERE schedule_id = ?`,
			now.UnixNano(), max(cursor, head), unixNano(s.Trigger.Next(now)), s.ID)
		return err
	})
	if err != nil {
		return 0, err
	}
	recordMoves(moves)
	if added > 0 {
		d.logger.Info().Str("schedule_id", s.ID).Int("enqueued", added).Msg("Swept schedule")
	}
	return added, nil
}

type windowFile struct {
	hashing.FileRecord
	category string
}

// filesDispatchedAfter returns the files with dispatch seq in (after, upTo]
// in seq order, with their current category.
func filesDispatchedAfter(ctx context.Context, tx *sql.Tx, sourceID string, after, upTo int64) ([]windowFile, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT f.content_sha256, f.size_bytes, f.first_seen_at, f.source_channel_id, f.source_message_id, f.mime_hint,
			COALESCE(ac.category_id, '')
		FROM dispatch_log d
		JOIN file_records f ON f.content_sha256 = d.content_sha256
		LEFT JOIN active_categories ac ON ac.content_sha256 = f.content_sha256
		WHERE d.seq > ? AND d.seq <= ? AND (? = '*' OR f.source_channel_id = ?)
		ORDER BY d.seq`, after, upTo, sourceID, sourceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []windowFile
	for rows.Next() {
		var (
			f         windowFile
			firstSeen int64
		)
		if err := rows.Scan(&f.ContentSHA256, &f.SizeBytes, &firstSeen, &f.SourceChannelID, &f.SourceMessageID,
			&f.MimeHint, &f.category); err != nil {
			return nil, err
		}
		f.FirstSeenAt = fromUnixNano(firstSeen)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Serve sweeps on every tick until ctx is done. Sweep errors are logged
// and retried on the next tick.
func (d *Dispatcher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.Sweep(ctx, d.queue.now()); err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("Sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// String names the service in supervisor logs.
func (d *Dispatcher) String() string {
	return "forward-dispatcher"
}
