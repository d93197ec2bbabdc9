// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package forward

import (
	"errors"
	"testing"
	"time"
)

func TestParseTrigger(t *testing.T) {
	t.Parallel()

	for _, spec := range []string{"", "on_ingest", " on_ingest "} {
		trig, err := ParseTrigger(spec)
		if err != nil || !trig.OnIngest() || trig.String() != TriggerOnIngest {
			t.Errorf("ParseTrigger(%q) = %v, %v", spec, trig, err)
		}
		if !trig.Next(time.Now()).IsZero() {
			t.Errorf("on_ingest trigger must not have a next firing")
		}
	}

	valid := []string{"@hourly", "@daily", "@weekly", "@monthly", "*/5 * * * *", "0 9 * * 1-5", "0,30 8-18/2 1 1,6 *"}
	for _, spec := range valid {
		trig, err := ParseTrigger(spec)
		if err != nil {
			t.Errorf("ParseTrigger(%q): %v", spec, err)
			continue
		}
		if trig.OnIngest() || trig.String() != spec {
			t.Errorf("ParseTrigger(%q) = %v", spec, trig)
		}
	}

	invalid := []string{"* * * *", "* * * * * *", "60 * * * *", "* 24 * * *", "* * 0 * *", "* * * 13 *",
		"* * * * 8", "*/0 * * * *", "5-1 * * * *", "a * * * *", "@sometimes"}
	for _, spec := range invalid {
		if _, err := ParseTrigger(spec); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("ParseTrigger(%q) = %v, want ErrInvalidRequest", spec, err)
		}
	}
}

func TestTriggerNext(t *testing.T) {
	t.Parallel()

	at := func(s string) time.Time {
		v, err := time.Parse(time.RFC3339, s)
		if err != nil {
			t.Fatal(err)
		}
		return v
	}

	tests := []struct {
		spec  string
		after string
		want  string
	}{
		{"*/15 * * * *", "2026-10-16T10:07:00Z", "2026-10-16T10:15:00Z"},
		{"*/15 * * * *", "2026-10-16T10:45:00Z", "2026-10-16T11:00:00Z"},
		{"0 9 * * 1-5", "2026-10-16T10:00:00Z", "2026-10-19T09:00:00Z"},
		{"@daily", "2026-10-16T23:59:30Z", "2026-10-17T00:00:00Z"},
		{"@hourly", "2026-10-16T10:00:00Z", "2026-10-16T11:00:00Z"},
		{"30 2 31 * *", "2026-11-01T00:00:00Z", "2026-12-31T02:30:00Z"},
		{"0 0 13 * 5", "2026-10-16T00:00:00Z", "2026-10-23T00:00:00Z"},
		{"0 0 * * 7", "2026-10-16T12:00:00Z", "2026-10-18T00:00:00Z"},
		{"@monthly", "2026-12-15T00:00:00Z", "2027-01-01T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.spec+"@"+tt.after, func(t *testing.T) {
			t.Parallel()
			trig, err := ParseTrigger(tt.spec)
			if err != nil {
				t.Fatal(err)
			}
			got := trig.Next(at(tt.after))
			if !got.Equal(at(tt.want)) {
				t.Errorf("Next = %s, want %s", got.Format(time.RFC3339), tt.want)
			}
		})
	}
}

func TestTriggerNextUnsatisfiable(t *testing.T) {
	t.Parallel()
	trig, err := ParseTrigger("0 0 31 2 *")
	if err != nil {
		t.Fatal(err)
	}
	if got := trig.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); !got.IsZero() {
		t.Errorf("expected no firing for February 31st, got %s", got)
	}
}
