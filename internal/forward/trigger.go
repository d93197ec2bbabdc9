// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package forward

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// TriggerOnIngest enqueues as files arrive.
const TriggerOnIngest = "on_ingest"

// Trigger decides when a schedule enqueues: on ingest, or on a 5-field cron
// expression (minute hour day-of-month month day-of-week, UTC).
type Trigger struct {
	spec string
	cron *cronSchedule
}

var cronDescriptors = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
}

// ParseTrigger accepts "on_ingest" (or empty), a cron descriptor such as
// "@hourly", or a 5-field cron expression supporting *, n, n-m, lists and
// steps.
func ParseTrigger(spec string) (Trigger, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == TriggerOnIngest {
		return Trigger{spec: TriggerOnIngest}, nil
	}

	expr := spec
	if d, ok := cronDescriptors[spec]; ok {
		expr = d
	}
	c, err := parseCron(expr)
	if err != nil {
		return Trigger{}, fmt.Errorf("%w: trigger %q: %w", ErrInvalidRequest, spec, err)
	}
	return Trigger{spec: spec, cron: c}, nil
}

// String returns the trigger as written.
func (t Trigger) String() string {
	if t.spec == "" {
		return TriggerOnIngest
	}
	return t.spec
}

// OnIngest reports whether the trigger fires per ingested file.
func (t Trigger) OnIngest() bool {
	return t.cron == nil
}

// Next returns the first cron firing strictly after after, or the zero
// time for on-ingest triggers.
func (t Trigger) Next(after time.Time) time.Time {
	if t.cron == nil {
		return time.Time{}
	}
	return t.cron.next(after)
}

// cronSchedule holds each field as a bit set.
type cronSchedule struct {
	minute uint64 // bits 0-59
	hour   uint64 // bits 0-23
	dom    uint64 // bits 1-31
	month  uint64 // bits 1-12
	dow    uint64 // bits 0-6, Sunday = 0

	domAny bool
	dowAny bool
}

type cronField struct {
	name     string
	min, max int
}

var cronFields = [5]cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

func parseCron(expr string) (*cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != len(cronFields) {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	var sets [5]uint64
	for i, f := range fields {
		set, err := parseCronField(f, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", cronFields[i].name, err)
		}
		sets[i] = set
	}

	// 7 is an alias for Sunday.
	if sets[4]&(1<<7) != 0 {
		sets[4] = sets[4]&^(1<<7) | 1
	}

	return &cronSchedule{
		minute: sets[0],
		hour:   sets[1],
		dom:    sets[2],
		month:  sets[3],
		dow:    sets[4],
		domAny: fields[2] == "*",
		dowAny: fields[4] == "*",
	}, nil
}

func parseCronField(field string, spec cronField) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		lo, hi, step := spec.min, spec.max, 1

		rangePart, stepPart, hasStep := strings.Cut(part, "/")
		if hasStep {
			n, err := strconv.Atoi(stepPart)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step %q", stepPart)
			}
			step = n
		}

		switch {
		case rangePart == "*":
		case strings.Contains(rangePart, "-"):
			a, b, _ := strings.Cut(rangePart, "-")
			var err error
			if lo, err = strconv.Atoi(a); err != nil {
				return 0, fmt.Errorf("invalid range start %q", a)
			}
			if hi, err = strconv.Atoi(b); err != nil {
				return 0, fmt.Errorf("invalid range end %q", b)
			}
		default:
			n, err := strconv.Atoi(rangePart)
			if err != nil {
				return 0, fmt.Errorf("invalid value %q", rangePart)
			}
			lo = n
			if !hasStep {
				hi = n
			}
		}

		if lo < spec.min || hi > spec.max || lo > hi {
			return 0, fmt.Errorf("range %d-%d outside %d-%d", lo, hi, spec.min, spec.max)
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

func has(set uint64, v int) bool {
	return set&(1<<uint(v)) != 0
}

func (c *cronSchedule) dayMatches(t time.Time) bool {
	dom := has(c.dom, t.Day())
	dow := has(c.dow, int(t.Weekday()))
	switch {
	case c.domAny && c.dowAny:
		return true
	case c.domAny:
		return dow
	case c.dowAny:
		return dom
	default:
		// Both restricted: standard cron ORs them.
		return dom || dow
	}
}

// next walks forward in UTC, skipping whole months, days and hours that
// cannot match. The search is bounded to five years.
func (c *cronSchedule) next(after time.Time) time.Time {
	t := after.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)

	for t.Before(limit) {
		if !has(c.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !c.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !has(c.hour, t.Hour()) {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if !has(c.minute, t.Minute()) {
			// Jump to the next set minute bit in this hour, if any.
			rest := c.minute >> uint(t.Minute()+1)
			if rest == 0 {
				t = t.Truncate(time.Hour).Add(time.Hour)
				continue
			}
			t = t.Add(time.Duration(bits.TrailingZeros64(rest)+1) * time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}
