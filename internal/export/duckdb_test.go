// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package export

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/delivery"
)

func TestSinkDeliverIdempotent(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	sink, err := Open(ctx, delivery.DestinationConfig{
		ID:   "analytics",
		Kind: delivery.KindDuckDB,
		Path: filepath.Join(t.TempDir(), "export.duckdb"),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	req := delivery.Request{
		ItemID:          "item-1",
		ScheduleID:      "nightly",
		DestinationID:   "analytics",
		ContentSHA256:   "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		SizeBytes:       5,
		SourceChannelID: "chan",
		SourceMessageID: "7",
		FirstSeenAt:     time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
		Attempt:         1,
	}
	for range 2 {
		ref, err := sink.Deliver(ctx, req)
		if err != nil {
			t.Fatalf("deliver: %v", err)
		}
		if ref != "duckdb:item-1" {
			t.Errorf("unexpected ref %q", ref)
		}
	}
	req.ItemID = "item-2"
	if _, err := sink.Deliver(ctx, req); err != nil {
		t.Fatal(err)
	}

	counts, err := sink.CountBySchedule(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["nightly"] != 2 || len(counts) != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestOpenRejectsBadTable(t *testing.T) {
	t.Parallel()
	_, err := Open(t.Context(), delivery.DestinationConfig{ID: "x", Table: "files; DROP TABLE x"}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected invalid table name to be rejected")
	}
}

func TestRegistryFactory(t *testing.T) {
	t.Parallel()
	reg := delivery.NewRegistry(zerolog.Nop())
	reg.RegisterFactory(delivery.KindDuckDB, Factory)
	if err := reg.Configure([]delivery.DestinationConfig{{ID: "mem", Kind: delivery.KindDuckDB}}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	tr, err := reg.Lookup("mem")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Kind() != delivery.KindDuckDB {
		t.Errorf("unexpected kind %s", tr.Kind())
	}
}
