// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package forward owns the forwarding schedules and the delivery queue.
//
// Every queue item moves through the state machine in state.go. Each write
// happens in one store transaction that also adjusts the per-schedule
// counters in forward_stats, so Status is a single-row read. At most one
// open item exists per (content, schedule) pair; the partial unique index
// on forward_queue enforces it across processes.
package forward

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/metrics"
	"github.com/tomtom215/archivist/internal/store"
)

var (
	// ErrScheduleDisabled is returned when enqueueing into a disabled schedule.
	ErrScheduleDisabled = errors.New("schedule disabled")

	// ErrInvalidRequest marks arguments no retry can fix: a malformed
	// trigger, a schedule without endpoints, a non-positive batch size.
	ErrInvalidRequest = errors.New("invalid forward request")
)

const leaseExpiredError = "lease expired"

// Config holds the retry and lease parameters of the queue.
type Config struct {
	MaxAttempts    int           `koanf:"max_attempts" validate:"min=1,max=100"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay" validate:"min=0"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay" validate:"min=0"`
	LeaseDuration  time.Duration `koanf:"lease_duration" validate:"min=1s"`
}

// DefaultConfig returns a ceiling of 5 attempts, 30s base backoff capped at
// one hour and a five minute lease.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		RetryBaseDelay: 30 * time.Second,
		RetryMaxDelay:  time.Hour,
		LeaseDuration:  5 * time.Minute,
	}
}

// Backoff returns the not-before delay after the given failed attempt.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 || c.RetryBaseDelay <= 0 {
		return 0
	}
	d := c.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if c.RetryMaxDelay > 0 && d >= c.RetryMaxDelay {
			return c.RetryMaxDelay
		}
	}
	if c.RetryMaxDelay > 0 && d > c.RetryMaxDelay {
		return c.RetryMaxDelay
	}
	return d
}

// Item is one forward_queue row. DestinationID is joined from the schedule.
type Item struct {
	ID            string    `json:"item_id"`
	ContentSHA256 string    `json:"content_sha256"`
	ScheduleID    string    `json:"schedule_id"`
	DestinationID string    `json:"destination_id"`
	State         State     `json:"state"`
	AttemptCount  int       `json:"attempt_count"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	NotBefore     time.Time `json:"not_before"`
	ClaimedAt     time.Time `json:"claimed_at"`
	ClaimedBy     string    `json:"claimed_by,omitempty"`
	DeliveryRef   string    `json:"delivery_ref,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EnqueueResult reports the open item for a pair and whether it existed.
type EnqueueResult struct {
	ItemID        string `json:"item_id"`
	AlreadyQueued bool   `json:"already_queued"`
}

// Outcome is the result of one delivery attempt. A Permanent failure is
// dead-lettered without further retries.
type Outcome struct {
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
	Ref       string `json:"ref,omitempty"`
	Permanent bool   `json:"permanent,omitempty"`
}

// Status is the per-schedule item count by state.
type Status struct {
	ScheduleID   string `json:"schedule_id"`
	Pending      int64  `json:"pending"`
	InFlight     int64  `json:"in_flight"`
	Delivered    int64  `json:"delivered"`
	DeadLettered int64  `json:"dead_lettered"`
}

// Stats extends Status with attempt accounting.
type Stats struct {
	Status
	FailedAttempts  int64   `json:"failed_attempts"`
	TerminalItems   int64   `json:"terminal_items"`
	AverageAttempts float64 `json:"average_attempts"`
}

// Queue is the forwarding component. It exclusively writes the
// forward_schedules, forward_queue and forward_stats tables.
type Queue struct {
	store  *store.Store
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewQueue creates a queue over s. Zero config fields take defaults.
func NewQueue(s *store.Store, cfg Config, logger zerolog.Logger) *Queue {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	return &Queue{
		store:  s,
		cfg:    cfg,
		logger: logger.With().Str("component", "forward").Logger(),
		now:    time.Now,
	}
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// move is a committed transition, recorded in metrics after commit.
type move struct {
	from, to State
}

func recordMoves(moves []move) {
	for _, m := range moves {
		from := string(m.from)
		if from == "" {
			from = "new"
		}
		metrics.RecordQueueTransition(from, string(m.to))
	}
}

// Enqueue places sha on scheduleID. If an open item already exists for the
// pair its id is returned with AlreadyQueued set.
func (q *Queue) Enqueue(ctx context.Context, sha, scheduleID string) (EnqueueResult, error) {
	var (
		res   EnqueueResult
		moves []move
	)
	err := q.store.Transaction(ctx, func(tx *sql.Tx) error {
		moves = moves[:0]
		enabled, err := scheduleEnabled(ctx, tx, scheduleID)
		if err != nil {
			return err
		}
		if !enabled {
			return fmt.Errorf("enqueue into %s: %w", scheduleID, ErrScheduleDisabled)
		}
		res, err = q.enqueueTx(ctx, tx, sha, scheduleID, q.now().UTC(), &moves)
		return err
	})
	if err != nil {
		return EnqueueResult{}, err
	}
	recordMoves(moves)
	return res, nil
}

func scheduleEnabled(ctx context.Context, tx *sql.Tx, scheduleID string) (bool, error) {
	var enabled bool
	err := tx.QueryRowContext(ctx, `SELECT enabled FROM forward_schedules WHERE schedule_id = ?`, scheduleID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, &store.ReferentialIntegrityError{Table: "forward_schedules", Key: scheduleID}
	}
	return enabled, err
}

// enqueueTx inserts a pending item unless the pair already has an open one.
// The caller has checked the schedule.
func (q *Queue) enqueueTx(ctx context.Context, tx *sql.Tx, sha, scheduleID string, now time.Time, moves *[]move) (EnqueueResult, error) {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM file_records WHERE content_sha256 = ?`, sha).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return EnqueueResult{}, &store.ReferentialIntegrityError{Table: "file_records", Key: sha}
	}
	if err != nil {
		return EnqueueResult{}, err
	}

	if id, ok, err := openItem(ctx, tx, sha, scheduleID); err != nil || ok {
		return EnqueueResult{ItemID: id, AlreadyQueued: ok}, err
	}

	id := uuid.NewString()
	at := now.UnixNano()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO forward_queue (item_id, content_sha256, schedule_id, state, enqueued_at, not_before, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, id, sha, scheduleID, StatePending, at, at, at)
	if store.IsUniqueViolation(err) {
		if id, ok, lookupErr := openItem(ctx, tx, sha, scheduleID); lookupErr == nil && ok {
			return EnqueueResult{ItemID: id, AlreadyQueued: true}, nil
		}
	}
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("insert queue item: %w", err)
	}
	if err := adjustStats(ctx, tx, scheduleID, statsDelta{pending: 1}); err != nil {
		return EnqueueResult{}, err
	}
	*moves = append(*moves, move{to: StatePending})
	return EnqueueResult{ItemID: id}, nil
}

func openItem(ctx context.Context, tx *sql.Tx, sha, scheduleID string) (string, bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT item_id FROM forward_queue
		WHERE content_sha256 = ? AND schedule_id = ? AND state IN ('pending', 'in_flight', 'failed')`,
		sha, scheduleID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// DequeueBatch claims up to maxItems ready pending items for workerID in one
// transaction. Expired leases are reclaimed first. Items of disabled
// schedules stay pending.
func (q *Queue) DequeueBatch(ctx context.Context, workerID string, maxItems int) ([]Item, error) {
	if maxItems <= 0 {
		return nil, fmt.Errorf("%w: max items must be positive, got %d", ErrInvalidRequest, maxItems)
	}

	var (
		items     []Item
		moves     []move
		reclaimed int
	)
	err := q.store.Transaction(ctx, func(tx *sql.Tx) error {
		items, moves = items[:0], moves[:0]
		now := q.now().UTC()

		var err error
		if reclaimed, err = q.reclaimTx(ctx, tx, now, &moves); err != nil {
			return fmt.Errorf("reclaim expired leases: %w", err)
		}

		rows, err := tx.QueryContext(ctx, itemSelect+`
			JOIN forward_schedules s ON s.schedule_id = q.schedule_id
			WHERE q.state = 'pending' AND q.not_before <= ? AND s.enabled = 1
			ORDER BY q.not_before, q.enqueued_at, q.item_id
			LIMIT ?`, now.UnixNano(), maxItems)
		if err != nil {
			return err
		}
		candidates, err := scanItems(rows)
		if err != nil {
			return err
		}

		for i := range candidates {
			it := &candidates[i]
			it.ClaimedAt = now
			it.ClaimedBy = workerID
			it.LastAttemptAt = now
			if err := q.transition(ctx, tx, it, StateInFlight, now, &moves); err != nil {
				return err
			}
		}
		items = candidates
		return nil
	})
	if err != nil {
		return nil, err
	}

	recordMoves(moves)
	metrics.QueueClaimBatch.Observe(float64(len(items)))
	if reclaimed > 0 {
		metrics.QueueLeaseReclaims.Add(float64(reclaimed))
		q.logger.Warn().Int("count", reclaimed).Msg("Reclaimed expired leases")
	}
	return items, nil
}

// ReclaimExpired fails every in-flight item whose lease has expired.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	var (
		n     int
		moves []move
	)
	err := q.store.Transaction(ctx, func(tx *sql.Tx) error {
		moves = moves[:0]
		var err error
		n, err = q.reclaimTx(ctx, tx, q.now().UTC(), &moves)
		return err
	})
	if err != nil {
		return 0, err
	}
	recordMoves(moves)
	if n > 0 {
		metrics.QueueLeaseReclaims.Add(float64(n))
	}
	return n, nil
}

func (q *Queue) reclaimTx(ctx context.Context, tx *sql.Tx, now time.Time, moves *[]move) (int, error) {
	cutoff := now.Add(-q.cfg.LeaseDuration).UnixNano()
	rows, err := tx.QueryContext(ctx, itemSelect+`
		JOIN forward_schedules s ON s.schedule_id = q.schedule_id
		WHERE q.state = 'in_flight' AND q.claimed_at < ?
		ORDER BY q.claimed_at, q.item_id`, cutoff)
	if err != nil {
		return 0, err
	}
	expired, err := scanItems(rows)
	if err != nil {
		return 0, err
	}
	for i := range expired {
		q.logger.Warn().Str("item_id", expired[i].ID).Str("claimed_by", expired[i].ClaimedBy).Msg("Lease expired")
		if err := q.failTx(ctx, tx, &expired[i], leaseExpiredError, false, now, moves); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// MarkResult records the outcome of the in-flight item. A failure moves the
// item back to pending with backoff, or dead-letters it at the attempt
// ceiling. The updated item is returned.
func (q *Queue) MarkResult(ctx context.Context, itemID string, o Outcome) (Item, error) {
	var (
		it    Item
		moves []move
	)
	err := q.store.Transaction(ctx, func(tx *sql.Tx) error {
		moves = moves[:0]
		var err error
		if it, err = getItem(ctx, tx, itemID); err != nil {
			return err
		}
		now := q.now().UTC()

		if o.Delivered {
			if it.State != StateInFlight {
				return &InvalidTransitionError{ItemID: itemID, From: it.State, To: StateDelivered}
			}
			it.DeliveryRef = o.Ref
			it.LastError = ""
			it.ClaimedBy = ""
			it.ClaimedAt = time.Time{}
			return q.transition(ctx, tx, &it, StateDelivered, now, &moves)
		}

		if it.State != StateInFlight {
			return &InvalidTransitionError{ItemID: itemID, From: it.State, To: StateFailed}
		}
		msg := o.Error
		if msg == "" {
			msg = "delivery failed"
		}
		return q.failTx(ctx, tx, &it, msg, o.Permanent, now, &moves)
	})
	if err != nil {
		return Item{}, err
	}

	recordMoves(moves)
	ev := q.logger.Debug()
	if it.State == StateDeadLettered {
		ev = q.logger.Warn()
	}
	ev.Str("item_id", it.ID).Str("schedule_id", it.ScheduleID).Str("state", string(it.State)).
		Int("attempts", it.AttemptCount).Str("error", it.LastError).Msg("Recorded delivery result")
	return it, nil
}

// failTx burns one attempt: InFlight -> Failed, then Pending with backoff or
// DeadLettered at the ceiling.
func (q *Queue) failTx(ctx context.Context, tx *sql.Tx, it *Item, msg string, permanent bool, now time.Time, moves *[]move) error {
	it.AttemptCount++
	it.LastError = msg
	it.ClaimedBy = ""
	it.ClaimedAt = time.Time{}
	if err := q.transition(ctx, tx, it, StateFailed, now, moves); err != nil {
		return err
	}
	if permanent || it.AttemptCount >= q.cfg.MaxAttempts {
		return q.transition(ctx, tx, it, StateDeadLettered, now, moves)
	}
	it.NotBefore = now.Add(q.cfg.Backoff(it.AttemptCount))
	return q.transition(ctx, tx, it, StatePending, now, moves)
}

// Release returns an in-flight item to pending without burning an attempt.
// It is the compensating transition for a claim the worker gives up.
func (q *Queue) Release(ctx context.Context, itemID string, delay time.Duration) error {
	var moves []move
	err := q.store.Transaction(ctx, func(tx *sql.Tx) error {
		moves = moves[:0]
		it, err := getItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		now := q.now().UTC()
		it.ClaimedBy = ""
		it.ClaimedAt = time.Time{}
		it.NotBefore = now.Add(max(delay, 0))
		return q.transition(ctx, tx, &it, StatePending, now, &moves)
	})
	if err != nil {
		return err
	}
	recordMoves(moves)
	return nil
}

// transition is the only writer of forward_queue.state. It persists the
// mutable fields of it, moves the counters and appends to moves.
func (q *Queue) transition(ctx context.Context, tx *sql.Tx, it *Item, to State, now time.Time, moves *[]move) error {
	from := it.State
	if err := ValidateTransition(from, to); err != nil {
		var ite *InvalidTransitionError
		if errors.As(err, &ite) {
			ite.ItemID = it.ID
		}
		return err
	}

	it.State = to
	it.UpdatedAt = now
	res, err := tx.ExecContext(ctx, `
		UPDATE forward_queue SET
			state = ?, attempt_count = ?, last_attempt_at = ?, last_error = ?, not_before = ?,
			claimed_at = ?, claimed_by = ?, delivery_ref = ?, updated_at = ?
		WHERE item_id = ? AND state = ?`,
		to, it.AttemptCount, unixNano(it.LastAttemptAt), it.LastError, unixNano(it.NotBefore),
		unixNano(it.ClaimedAt), it.ClaimedBy, it.DeliveryRef, now.UnixNano(), it.ID, from)
	if err != nil {
		return fmt.Errorf("update item %s: %w", it.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return fmt.Errorf("item %s is no longer %s", it.ID, from)
	}

	d := statsDelta{}
	d.add(from, -1)
	d.add(to, 1)
	switch to {
	case StateFailed:
		d.failedAttempts = 1
	case StateDelivered:
		d.terminalItems = 1
		d.terminalAttempts = int64(it.AttemptCount) + 1
	case StateDeadLettered:
		d.terminalItems = 1
		d.terminalAttempts = int64(it.AttemptCount)
	}
	if err := adjustStats(ctx, tx, it.ScheduleID, d); err != nil {
		return err
	}
	*moves = append(*moves, move{from: from, to: to})
	return nil
}

type statsDelta struct {
	pending, inFlight, delivered, deadLettered int64
	failedAttempts                             int64
	terminalItems, terminalAttempts            int64
}

func (d *statsDelta) add(s State, n int64) {
	switch s {
	case StatePending:
		d.pending += n
	case StateInFlight:
		d.inFlight += n
	case StateDelivered:
		d.delivered += n
	case StateDeadLettered:
		d.deadLettered += n
	}
}

func adjustStats(ctx context.Context, tx *sql.Tx, scheduleID string, d statsDelta) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO forward_stats (schedule_id, pending, in_flight, delivered, failed_attempts, dead_lettered, terminal_items, terminal_attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (schedule_id) DO UPDATE SET
			pending = pending + excluded.pending,
			in_flight = in_flight + excluded.in_flight,
			delivered = delivered + excluded.delivered,
			failed_attempts = failed_attempts + excluded.failed_attempts,
			dead_lettered = dead_lettered + excluded.dead_lettered,
			terminal_items = terminal_items + excluded.terminal_items,
			terminal_attempts = terminal_attempts + excluded.terminal_attempts`,
		scheduleID, d.pending, d.inFlight, d.delivered, d.failedAttempts, d.deadLettered, d.terminalItems, d.terminalAttempts)
	if err != nil {
		return fmt.Errorf("adjust stats for %s: %w", scheduleID, err)
	}
	return nil
}

// Get returns one item or store.ErrNotFound.
func (q *Queue) Get(ctx context.Context, itemID string) (Item, error) {
	row := q.store.QueryRow(ctx, itemSelect+`
		JOIN forward_schedules s ON s.schedule_id = q.schedule_id
		WHERE q.item_id = ?`, itemID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("queue item %s: %w", itemID, store.ErrNotFound)
	}
	return it, err
}

// Items lists the items of a schedule, optionally filtered by state, oldest
// first.
func (q *Queue) Items(ctx context.Context, scheduleID string, state State, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.store.Query(ctx, itemSelect+`
		JOIN forward_schedules s ON s.schedule_id = q.schedule_id
		WHERE q.schedule_id = ? AND (? = '' OR q.state = ?)
		ORDER BY q.enqueued_at, q.item_id
		LIMIT ?`, scheduleID, state, state, limit)
	if err != nil {
		return nil, err
	}
	return scanItems(rows)
}

// Status returns the per-state counts of a schedule.
func (q *Queue) Status(ctx context.Context, scheduleID string) (Status, error) {
	st, err := q.Stats(ctx, scheduleID)
	return st.Status, err
}

// Stats returns the counters of a schedule. An unknown schedule is
// store.ErrNotFound.
func (q *Queue) Stats(ctx context.Context, scheduleID string) (Stats, error) {
	st := Stats{Status: Status{ScheduleID: scheduleID}}
	var terminalAttempts int64
	err := q.store.QueryRow(ctx, `
		SELECT s.pending, s.in_flight, s.delivered, s.dead_lettered, s.failed_attempts, s.terminal_items, s.terminal_attempts
		FROM forward_schedules f LEFT JOIN forward_stats s ON s.schedule_id = f.schedule_id
		WHERE f.schedule_id = ?`, scheduleID).
		Scan(nullInt(&st.Pending), nullInt(&st.InFlight), nullInt(&st.Delivered), nullInt(&st.DeadLettered),
			nullInt(&st.FailedAttempts), nullInt(&st.TerminalItems), nullInt(&terminalAttempts))
	if errors.Is(err, sql.ErrNoRows) {
		return Stats{}, fmt.Errorf("schedule %s: %w", scheduleID, store.ErrNotFound)
	}
	if err != nil {
		return Stats{}, err
	}
	if st.TerminalItems > 0 {
		st.AverageAttempts = float64(terminalAttempts) / float64(st.TerminalItems)
	}
	return st, nil
}

// nullableInt scans a possibly NULL integer into an int64, treating NULL as 0.
type nullableInt struct{ dst *int64 }

func nullInt(dst *int64) nullableInt { return nullableInt{dst: dst} }

func (n nullableInt) Scan(src any) error {
	var v sql.NullInt64
	if err := v.Scan(src); err != nil {
		return err
	}
	*n.dst = v.Int64
	return nil
}

const itemSelect = `
	SELECT q.item_id, q.content_sha256, q.schedule_id, s.destination_id, q.state, q.attempt_count,
		q.last_attempt_at, q.last_error, q.enqueued_at, q.not_before, q.claimed_at, q.claimed_by,
		q.delivery_ref, q.updated_at
	FROM forward_queue q`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (Item, error) {
	var (
		it                                                     Item
		lastAttempt, enqueued, notBefore, claimedAt, updatedAt int64
	)
	err := r.Scan(&it.ID, &it.ContentSHA256, &it.ScheduleID, &it.DestinationID, &it.State, &it.AttemptCount,
		&lastAttempt, &it.LastError, &enqueued, &notBefore, &claimedAt, &it.ClaimedBy,
		&it.DeliveryRef, &updatedAt)
	if err != nil {
		return Item{}, err
	}
	it.LastAttemptAt = fromUnixNano(lastAttempt)
	it.EnqueuedAt = fromUnixNano(enqueued)
	it.NotBefore = fromUnixNano(notBefore)
	it.ClaimedAt = fromUnixNano(claimedAt)
	it.UpdatedAt = fromUnixNano(updatedAt)
	return it, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer func() { _ = rows.Close() }()
	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func getItem(ctx context.Context, tx *sql.Tx, itemID string) (Item, error) {
	row := tx.QueryRowContext(ctx, itemSelect+`
		JOIN forward_schedules s ON s.schedule_id = q.schedule_id
		WHERE q.item_id = ?`, itemID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("queue item %s: %w", itemID, store.ErrNotFound)
	}
	return it, err
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
