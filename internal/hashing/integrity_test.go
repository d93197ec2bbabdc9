// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package hashing

import (
	"bytes"
	"image/png"
	"testing"
)

func TestIntegrityChecksDigests(t *testing.T) {
	t.Parallel()
	l, s := newLayer(t)
	ctx := t.Context()

	img := gradientPNG(t, png.DefaultCompression)
	res, err := l.Record(ctx, bytes.NewReader(img), meta("1", int64(len(img))))
	if err != nil {
		t.Fatal(err)
	}
	for i := range 3 {
		data := randomBytes(uint64(i+1), 20<<10)
		if _, err := l.Record(ctx, bytes.NewReader(data), meta(string(rune('a'+i)), int64(len(data)))); err != nil {
			t.Fatal(err)
		}
	}

	anomalies, err := s.VerifyIntegrity(ctx, IntegrityChecks()...)
	if err != nil {
		t.Fatal(err)
	}
	if len(anomalies) != 0 {
		t.Fatalf("expected a clean store, got %v", anomalies)
	}

	if _, err := s.Exec(ctx, `UPDATE perceptual_hashes SET digest = 'zz' WHERE content_sha256 = ? AND algorithm = ?`,
		res.ContentSHA256, VariantDHash); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Exec(ctx, `UPDATE fuzzy_hashes SET digest = 'garbage' WHERE content_sha256 = ?`, res.ContentSHA256); err != nil {
		t.Fatal(err)
	}

	anomalies, err = s.VerifyIntegrity(ctx, IntegrityChecks()...)
	if err != nil {
		t.Fatal(err)
	}
	if len(anomalies) != 2 {
		t.Fatalf("expected two invalid digests, got %v", anomalies)
	}
	for _, a := range anomalies {
		if a.Kind != AnomalyInvalidDigest {
			t.Errorf("unexpected anomaly %v", a)
		}
	}
}
