// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package hashing

import (
	"context"
	"fmt"

	"github.com/tomtom215/archivist/internal/store"
)

// AnomalyInvalidDigest marks a stored similarity digest that cannot be
// compared.
const AnomalyInvalidDigest = "invalid_digest"

// IntegrityChecks returns the read-only checks over the digest tables.
func IntegrityChecks() []store.IntegrityCheck {
	return []store.IntegrityCheck{
		{Name: "perceptual_digests", Run: func(ctx context.Context, q store.Querier, batch int, report func(store.Anomaly)) error {
			return checkDigests(ctx, q, AlgorithmPerceptual, batch, report)
		}},
		{Name: "fuzzy_digests", Run: func(ctx context.Context, q store.Querier, batch int, report func(store.Anomaly)) error {
			return checkDigests(ctx, q, AlgorithmFuzzy, batch, report)
		}},
	}
}

// checkDigests compares every digest against itself, which parses it and
// validates the variant, one keyset page at a time.
func checkDigests(ctx context.Context, q store.Querier, a Algorithm, batch int, report func(store.Anomaly)) error {
	table, err := a.table()
	if err != nil {
		return err
	}
	afterSHA, afterVariant := "", ""
	for {
		rows, err := q.QueryContext(ctx, fmt.Sprintf(`
			SELECT content_sha256, algorithm, digest FROM %s
			WHERE (content_sha256, algorithm) > (?, ?)
			ORDER BY content_sha256, algorithm
			LIMIT ?`, table), afterSHA, afterVariant, batch)
		if err != nil {
			return err
		}

		n := 0
		for rows.Next() {
			var sha, variant, digest string
			if err := rows.Scan(&sha, &variant, &digest); err != nil {
				_ = rows.Close()
				return err
			}
			n++
			afterSHA, afterVariant = sha, variant
			if _, err := a.Distance(variant, digest, digest); err != nil {
				report(store.Anomaly{
					Kind:   AnomalyInvalidDigest,
					Table:  table,
					Key:    sha + "/" + variant,
					Detail: err.Error(),
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
