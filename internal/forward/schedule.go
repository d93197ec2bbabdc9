// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package forward

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/archivist/internal/hashing"
	"github.com/tomtom215/archivist/internal/store"
)

// AnySource matches files from every source channel.
const AnySource = "*"

// Criteria narrows which files a schedule forwards. Empty fields match all.
type Criteria struct {
	Categories   []string `json:"categories,omitempty" koanf:"categories"`
	MimePrefixes []string `json:"mime_prefixes,omitempty" koanf:"mime_prefixes"`
	MinBytes     int64    `json:"min_bytes,omitempty" koanf:"min_bytes" validate:"min=0"`
	MaxBytes     int64    `json:"max_bytes,omitempty" koanf:"max_bytes" validate:"min=0"`
}

// Matches reports whether a file in the given category passes the criteria.
func (c Criteria) Matches(f hashing.FileRecord, category string) bool {
	if len(c.Categories) > 0 && !slices.Contains(c.Categories, category) {
		return false
	}
	if len(c.MimePrefixes) > 0 && !slices.ContainsFunc(c.MimePrefixes, func(p string) bool {
		return strings.HasPrefix(f.MimeHint, p)
	}) {
		return false
	}
	if c.MinBytes > 0 && f.SizeBytes < c.MinBytes {
		return false
	}
	if c.MaxBytes > 0 && f.SizeBytes > c.MaxBytes {
		return false
	}
	return true
}

// ScheduleSpec describes a schedule to register. An empty ID generates one;
// registering an existing ID updates it in place. A nil Enabled registers
// a new schedule enabled and leaves an existing one as it is.
type ScheduleSpec struct {
	ID            string   `json:"schedule_id,omitempty" koanf:"id" validate:"omitempty,identifier"`
	SourceID      string   `json:"source_id" koanf:"source" validate:"required"`
	DestinationID string   `json:"destination_id" koanf:"destination" validate:"required,identifier"`
	Trigger       string   `json:"trigger" koanf:"trigger"`
	Criteria      Criteria `json:"criteria" koanf:"criteria"`
	Enabled       *bool    `json:"enabled,omitempty" koanf:"enabled"`
}

// IsEnabled reports whether the schedule should be registered enabled.
func (s ScheduleSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Schedule is a registered forward_schedules row.
type Schedule struct {
	ID            string    `json:"schedule_id"`
	SourceID      string    `json:"source_id"`
	DestinationID string    `json:"destination_id"`
	Trigger       Trigger   `json:"-"`
	TriggerSpec   string    `json:"trigger"`
	Criteria      Criteria  `json:"criteria"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastSweptAt   time.Time `json:"last_swept_at"`
	NextSweepAt   time.Time `json:"next_sweep_at"`
	// LastSweptSeq is the dispatch_log position the last sweep reached.
	LastSweptSeq int64 `json:"last_swept_seq"`
}

// MatchesSource reports whether files from sourceID belong to the schedule.
func (s Schedule) MatchesSource(sourceID string) bool {
	return s.SourceID == AnySource || s.SourceID == sourceID
}

// RegisterSchedule creates or updates a schedule and returns its id. A new
// cron schedule sweeps only files dispatched after it was registered.
func (q *Queue) RegisterSchedule(ctx context.Context, spec ScheduleSpec) (string, error) {
	if spec.SourceID == "" || spec.DestinationID == "" {
		return "", fmt.Errorf("%w: schedule needs a source and a destination", ErrInvalidRequest)
	}
	trig, err := ParseTrigger(spec.Trigger)
	if err != nil {
		return "", err
	}
	criteria, err := json.Marshal(spec.Criteria)
	if err != nil {
		return "", fmt.Errorf("encode criteria: %w", err)
	}
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	err = q.store.Transaction(ctx, func(tx *sql.Tx) error {
		now := q.now().UTC()
		next := unixNano(trig.Next(now))

		var prevTrigger string
		err := tx.QueryRowContext(ctx, `SELECT trigger_spec FROM forward_schedules WHERE schedule_id = ?`, id).Scan(&prevTrigger)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO forward_schedules (schedule_id, source_id, destination_id, trigger_spec, criteria, enabled,
					created_at, updated_at, last_swept_at, next_sweep_at, last_swept_seq)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) FROM dispatch_log))`,
				id, spec.SourceID, spec.DestinationID, trig.String(), string(criteria), spec.IsEnabled(),
				now.UnixNano(), now.UnixNano(), now.UnixNano(), next); err != nil {
				return fmt.Errorf("insert schedule: %w", err)
			}
			return adjustStats(ctx, tx, id, statsDelta{})
		case err != nil:
			return err
		}

		// An unset Enabled keeps the stored state; keep the sweep position
		// unless the trigger changed.
		var enabledArg any
		if spec.Enabled != nil {
			enabledArg = *spec.Enabled
		}
		if prevTrigger == trig.String() {
			_, err = tx.ExecContext(ctx, `
				UPDATE forward_schedules SET source_id = ?, destination_id = ?, criteria = ?, enabled = COALESCE(?, enabled),
					updated_at = ?
				WHERE schedule_id = ?`,
				spec.SourceID, spec.DestinationID, string(criteria), enabledArg, now.UnixNano(), id)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE forward_schedules SET source_id = ?, destination_id = ?, trigger_spec = ?, criteria = ?,
					enabled = COALESCE(?, enabled), updated_at = ?, next_sweep_at = ?
				WHERE schedule_id = ?`,
				spec.SourceID, spec.DestinationID, trig.String(), string(criteria), enabledArg, now.UnixNano(), next, id)
		}
		if err != nil {
			return fmt.Errorf("update schedule: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	q.logger.Info().Str("schedule_id", id).Str("source", spec.SourceID).Str("destination", spec.DestinationID).
		Str("trigger", trig.String()).Bool("enabled", spec.IsEnabled()).Msg("Registered schedule")
	return id, nil
}

// SetEnabled toggles a schedule. Existing items are kept; dequeue skips
// items of disabled schedules.
func (q *Queue) SetEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	return q.store.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE forward_schedules SET enabled = ?, updated_at = ? WHERE schedule_id = ?`,
			enabled, q.now().UTC().UnixNano(), scheduleID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("schedule %s: %w", scheduleID, store.ErrNotFound)
		}
		return nil
	})
}

// GetSchedule returns a schedule or store.ErrNotFound.
func (q *Queue) GetSchedule(ctx context.Context, scheduleID string) (Schedule, error) {
	s, err := scanSchedule(q.store.QueryRow(ctx, scheduleSelect+` WHERE schedule_id = ?`, scheduleID))
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, fmt.Errorf("schedule %s: %w", scheduleID, store.ErrNotFound)
	}
	return s, err
}

// ListSchedules returns every schedule ordered by id.
func (q *Queue) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return q.querySchedules(ctx, scheduleSelect+` ORDER BY schedule_id`)
}

// ingestSchedulesTx returns the enabled on-ingest schedules matching
// sourceID.
func ingestSchedulesTx(ctx context.Context, tx *sql.Tx, sourceID string) ([]Schedule, error) {
	rows, err := tx.QueryContext(ctx, scheduleSelect+`
		WHERE enabled = 1 AND trigger_spec = ? AND source_id IN (?, ?)
		ORDER BY schedule_id`, TriggerOnIngest, sourceID, AnySource)
	if err != nil {
		return nil, err
	}
	return collectSchedules(rows)
}

// dueSchedules returns the enabled cron schedules whose next sweep is due.
func (q *Queue) dueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	return q.querySchedules(ctx, scheduleSelect+`
		WHERE enabled = 1 AND trigger_spec != ? AND next_sweep_at > 0 AND next_sweep_at <= ?
		ORDER BY next_sweep_at, schedule_id`, TriggerOnIngest, now.UnixNano())
}

func (q *Queue) querySchedules(ctx context.Context, query string, args ...any) ([]Schedule, error) {
	rows, err := q.store.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectSchedules(rows)
}

func collectSchedules(rows *sql.Rows) ([]Schedule, error) {
	defer func() { _ = rows.Close() }()

	var out []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const scheduleSelect = `
	SELECT schedule_id, source_id, destination_id, trigger_spec, criteria, enabled,
		created_at, updated_at, last_swept_at, next_sweep_at, last_swept_seq
	FROM forward_schedules`

func scanSchedule(r rowScanner) (Schedule, error) {
	var (
		s                                  Schedule
		criteria                           string
		created, updated, swept, nextSweep int64
	)
	if err := r.Scan(&s.ID, &s.SourceID, &s.DestinationID, &s.TriggerSpec, &criteria, &s.Enabled,
		&created, &updated, &swept, &nextSweep, &s.LastSweptSeq); err != nil {
		return Schedule{}, err
	}
	trig, err := ParseTrigger(s.TriggerSpec)
	if err != nil {
		return Schedule{}, fmt.Errorf("schedule %s: %w", s.ID, err)
	}
	s.Trigger = trig
	if err := json.Unmarshal([]byte(criteria), &s.Criteria); err != nil {
		return Schedule{}, fmt.Errorf("schedule %s criteria: %w", s.ID, err)
	}
	s.CreatedAt = fromUnixNano(created)
	s.UpdatedAt = fromUnixNano(updated)
	s.LastSweptAt = fromUnixNano(swept)
	s.NextSweepAt = fromUnixNano(nextSweep)
	return s, nil
}
