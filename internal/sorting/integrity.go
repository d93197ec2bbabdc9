// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package sorting

import (
	"context"
	"fmt"

	"github.com/tomtom215/archivist/internal/store"
)

// Anomaly kinds reported by the sorting checks.
const (
	AnomalyOrphanActiveCategory = "orphan_active_category"
	AnomalySizeMismatch         = "size_mismatch"
	AnomalyStatsDrift           = "stats_drift"
)

// IntegrityChecks returns the read-only checks over the sorting tables.
func IntegrityChecks() []store.IntegrityCheck {
	return []store.IntegrityCheck{
		{Name: "active_category_links", Run: checkActiveLinks},
		{Name: "active_category_sizes", Run: checkActiveSizes},
		{Name: "category_stats", Run: checkCategoryStats},
	}
}

// checkActiveLinks finds active rows pointing at an audit row for another
// file or category.
func checkActiveLinks(ctx context.Context, q store.Querier, _ int, report func(store.Anomaly)) error {
	rows, err := q.QueryContext(ctx, `
		SELECT ac.content_sha256, ac.category_id, COALESCE(a.content_sha256, ''), COALESCE(a.category_id, '')
		FROM active_categories ac
		LEFT JOIN category_assignments a ON a.assignment_id = ac.assignment_id
		WHERE a.assignment_id IS NULL
		   OR a.content_sha256 != ac.content_sha256
		   OR a.category_id != ac.category_id`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var sha, category, auditSHA, auditCategory string
		if err := rows.Scan(&sha, &category, &auditSHA, &auditCategory); err != nil {
			return err
		}
		report(store.Anomaly{
			Kind:   AnomalyOrphanActiveCategory,
			Table:  "active_categories",
			Key:    sha,
			Detail: fmt.Sprintf("active %q does not match audit row (%q, %q)", category, auditSHA, auditCategory),
		})
	}
	return rows.Err()
}

// checkActiveSizes compares the cached byte count with the file record.
func checkActiveSizes(ctx context.Context, q store.Querier, _ int, report func(store.Anomaly)) error {
	rows, err := q.QueryContext(ctx, `
		SELECT ac.content_sha256, ac.size_bytes, f.size_bytes
		FROM active_categories ac JOIN file_records f ON f.content_sha256 = ac.content_sha256
		WHERE ac.size_bytes != f.size_bytes`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			sha            string
			cached, actual int64
		)
		if err := rows.Scan(&sha, &cached, &actual); err != nil {
			return err
		}
		report(store.Anomaly{
			Kind:   AnomalySizeMismatch,
			Table:  "active_categories",
			Key:    sha,
			Detail: fmt.Sprintf("cached %d bytes, file record has %d", cached, actual),
		})
	}
	return rows.Err()
}

// checkCategoryStats recomputes counters from active rows, one batch of
// categories per query.
func checkCategoryStats(ctx context.Context, q store.Querier, batch int, report func(store.Anomaly)) error {
	after := ""
	for {
		rows, err := q.QueryContext(ctx, `
			SELECT s.category_id, s.file_count, s.total_bytes,
				(SELECT COUNT(*) FROM active_categories ac WHERE ac.category_id = s.category_id),
				(SELECT COALESCE(SUM(size_bytes), 0) FROM active_categories ac WHERE ac.category_id = s.category_id)
			FROM category_stats s
			WHERE s.category_id > ?
			ORDER BY s.category_id
			LIMIT ?`, after, batch)
		if err != nil {
			return err
		}

		n := 0
		for rows.Next() {
			var (
				category                   string
				count, total, recount, sum int64
			)
			if err := rows.Scan(&category, &count, &total, &recount, &sum); err != nil {
				_ = rows.Close()
				return err
			}
			n++
			after = category
			if count != recount || total != sum {
				report(store.Anomaly{
					Kind:  AnomalyStatsDrift,
					Table: "category_stats",
					Key:   category,
					Detail: fmt.Sprintf("stored count=%d bytes=%d, recomputed count=%d bytes=%d",
						count, total, recount, sum),
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
