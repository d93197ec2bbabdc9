// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/tomtom215/archivist/internal/metrics"
)

// Anomaly kinds reported by the built-in checks.
const (
	AnomalySQLiteIntegrity = "sqlite_integrity"
	AnomalyForeignKey      = "foreign_key"
)

// Anomaly is one structured finding from VerifyIntegrity. Anomalies are
// reported, never repaired.
type Anomaly struct {
	Kind   string `json:"kind"`
	Table  string `json:"table,omitempty"`
	Key    string `json:"key,omitempty"`
	Detail string `json:"detail"`
}

func (a Anomaly) String() string {
	if a.Key != "" {
		return fmt.Sprintf("%s %s[%s]: %s", a.Kind, a.Table, a.Key, a.Detail)
	}
	return fmt.Sprintf("%s %s: %s", a.Kind, a.Table, a.Detail)
}

// IntegrityCheck is a read-only check contributed by a component that owns
// the tables it inspects. BatchSize bounds the rows a check reads per query.
type IntegrityCheck struct {
	Name string
	Run  func(ctx context.Context, q Querier, batchSize int, report func(Anomaly)) error
}

// VerifyIntegrity runs the SQLite structural checks followed by checks in
// order. It only reads, so it is safe to run repeatedly and concurrently
// with writers.
func (s *Store) VerifyIntegrity(ctx context.Context, checks ...IntegrityCheck) ([]Anomaly, error) {
	var anomalies []Anomaly
	report := func(a Anomaly) {
		anomalies = append(anomalies, a)
	}

	all := append([]IntegrityCheck{
		{Name: "quick_check", Run: quickCheck},
		{Name: "foreign_key_check", Run: foreignKeyCheck},
	}, checks...)

	for _, check := range all {
		if err := ctx.Err(); err != nil {
			return anomalies, err
		}
		if err := check.Run(ctx, s.db, s.batch, report); err != nil {
			return anomalies, fmt.Errorf("integrity check %s: %w", check.Name, err)
		}
	}

	counts := make(map[string]int)
	for _, a := range anomalies {
		counts[a.Kind]++
	}
	metrics.RecordIntegrityAnomalies(counts)

	if len(anomalies) > 0 {
		s.logger.Warn().Int("anomalies", len(anomalies)).Msg("Integrity verification found anomalies")
	} else {
		s.logger.Debug().Msg("Integrity verification clean")
	}
	return anomalies, nil
}

func quickCheck(ctx context.Context, q Querier, _ int, report func(Anomaly)) error {
	rows, err := q.QueryContext(ctx, "PRAGMA quick_check")
	if err != nil {
		return err
	}
	defer closeWithLog(rows, "rows")

	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return err
		}
		if line != "ok" {
			report(Anomaly{Kind: AnomalySQLiteIntegrity, Detail: line})
		}
	}
	return rows.Err()
}

func foreignKeyCheck(ctx context.Context, q Querier, _ int, report func(Anomaly)) error {
	rows, err := q.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return err
	}
	defer closeWithLog(rows, "rows")

	for rows.Next() {
		var (
			table, parent string
			rowid         sql.NullInt64
			fkid          int
		)
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return err
		}
		key := ""
		if rowid.Valid {
			key = strconv.FormatInt(rowid.Int64, 10)
		}
		report(Anomaly{
			Kind:   AnomalyForeignKey,
			Table:  table,
			Key:    key,
			Detail: fmt.Sprintf("row references missing %s (constraint %d)", parent, fkid),
		})
	}
	return rows.Err()
}
