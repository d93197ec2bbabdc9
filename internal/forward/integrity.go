// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package forward

import (
	"context"
	"fmt"

	"github.com/tomtom215/archivist/internal/store"
)

// Anomaly kinds reported by the forward checks.
const (
	AnomalyQueueStatsDrift  = "queue_stats_drift"
	AnomalyAttemptCeiling   = "attempt_ceiling"
	AnomalyTransientFailed  = "persisted_failed_state"
	AnomalyDuplicateOpenRow = "duplicate_open_item"
)

// IntegrityChecks returns the read-only checks over the forward tables.
// maxAttempts is the configured ceiling.
func IntegrityChecks(maxAttempts int) []store.IntegrityCheck {
	return []store.IntegrityCheck{
		{Name: "forward_stats", Run: checkForwardStats},
		{Name: "forward_item_states", Run: func(ctx context.Context, q store.Querier, _ int, report func(store.Anomaly)) error {
			return checkItemStates(ctx, q, maxAttempts, report)
		}},
		{Name: "forward_open_pairs", Run: checkOpenPairs},
	}
}

// checkForwardStats recomputes per-state counts, one batch of schedules per
// query.
func checkForwardStats(ctx context.Context, q store.Querier, batch int, report func(store.Anomaly)) error {
	after := ""
	for {
		rows, err := q.QueryContext(ctx, `
			SELECT s.schedule_id, s.pending, s.in_flight, s.delivered, s.dead_lettered,
				(SELECT COUNT(*) FROM forward_queue f WHERE f.schedule_id = s.schedule_id AND f.state = 'pending'),
				(SELECT COUNT(*) FROM forward_queue f WHERE f.schedule_id = s.schedule_id AND f.state = 'in_flight'),
				(SELECT COUNT(*) FROM forward_queue f WHERE f.schedule_id = s.schedule_id AND f.state = 'delivered'),
				(SELECT COUNT(*) FROM forward_queue f WHERE f.schedule_id = s.schedule_id AND f.state = 'dead_lettered')
			FROM forward_stats s
			WHERE s.schedule_id > ?
			ORDER BY s.schedule_id
			LIMIT ?`, after, batch)
		if err != nil {
			return err
		}

		n := 0
		for rows.Next() {
			var (
				id     string
				stored [4]int64
				actual [4]int64
			)
			if err := rows.Scan(&id, &stored[0], &stored[1], &stored[2], &stored[3],
				&actual[0], &actual[1], &actual[2], &actual[3]); err != nil {
				_ = rows.Close()
				return err
			}
			n++
			after = id
			if stored != actual {
				report(store.Anomaly{
					Kind:  AnomalyQueueStatsDrift,
					Table: "forward_stats",
					Key:   id,
					Detail: fmt.Sprintf("stored pending/in_flight/delivered/dead=%v, recomputed %v",
						stored, actual),
				})
			}
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return err
		}
		if n < batch {
			return nil
		}
	}
}

// checkItemStates finds rows that broke the attempt ceiling or were left
// in the failed state, which only exists inside a transaction.
func checkItemStates(ctx context.Context, q store.Querier, maxAttempts int, report func(store.Anomaly)) error {
	rows, err := q.QueryContext(ctx, `
		SELECT item_id, state, attempt_count FROM forward_queue
		WHERE state = 'failed' OR attempt_count > ?
		ORDER BY item_id`, maxAttempts)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			id       string
			state    State
			attempts int
		)
		if err := rows.Scan(&id, &state, &attempts); err != nil {
			return err
		}
		if state == StateFailed {
			report(store.Anomaly{Kind: AnomalyTransientFailed, Table: "forward_queue", Key: id,
				Detail: "item persisted in failed state"})
		}
		if attempts > maxAttempts {
			report(store.Anomaly{Kind: AnomalyAttemptCeiling, Table: "forward_queue", Key: id,
				Detail: fmt.Sprintf("%d attempts exceed ceiling %d", attempts, maxAttempts)})
		}
	}
	return rows.Err()
}

// checkOpenPairs double-checks the partial unique index.
func checkOpenPairs(ctx context.Context, q store.Querier, _ int, report func(store.Anomaly)) error {
	rows, err := q.QueryContext(ctx, `
		SELECT content_sha256, schedule_id, COUNT(*) FROM forward_queue
		WHERE state IN ('pending', 'in_flight', 'failed')
		GROUP BY content_sha256, schedule_id
		HAVING COUNT(*) > 1`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			sha, schedule string
			count         int
		)
		if err := rows.Scan(&sha, &schedule, &count); err != nil {
			return err
		}
		report(store.Anomaly{Kind: AnomalyDuplicateOpenRow, Table: "forward_queue", Key: sha + "/" + schedule,
			Detail: fmt.Sprintf("%d open items", count)})
	}
	return rows.Err()
}
