// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package forward

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/hashing"
	"github.com/tomtom215/archivist/internal/store"
	"github.com/tomtom215/archivist/internal/store/storetest"
)

// clock is a settable time source shared by the queue under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  *store.Store
	hashes *hashing.Layer
	queue  *Queue
	clock  *clock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s := storetest.New(t)
	c := &clock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	q := NewQueue(s, cfg, zerolog.Nop())
	q.now = c.Now
	return &fixture{store: s, hashes: hashing.New(s, hashing.DefaultConfig(), zerolog.Nop()), queue: q, clock: c}
}

func testConfig() Config {
	return Config{MaxAttempts: 3, RetryBaseDelay: time.Second, RetryMaxDelay: 4 * time.Second, LeaseDuration: time.Minute}
}

func (f *fixture) file(t *testing.T, source, msg, body string) hashing.FileRecord {
	t.Helper()
	res, err := f.hashes.Record(t.Context(), bytes.NewReader([]byte(body)), hashing.Metadata{
		SourceChannelID: source,
		SourceMessageID: msg,
		SizeBytes:       int64(len(body)),
	})
	if err != nil {
		t.Fatalf("record %q: %v", body, err)
	}
	return res.File
}

func (f *fixture) schedule(t *testing.T, spec ScheduleSpec) string {
	t.Helper()
	if spec.SourceID == "" {
		spec.SourceID = AnySource
	}
	if spec.DestinationID == "" {
		spec.DestinationID = "sink"
	}
	id, err := f.queue.RegisterSchedule(t.Context(), spec)
	if err != nil {
		t.Fatalf("register schedule: %v", err)
	}
	return id
}

func (f *fixture) claimOne(t *testing.T, worker string) Item {
	t.Helper()
	items, err := f.queue.DequeueBatch(t.Context(), worker, 1)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one claimed item, got %d", len(items))
	}
	return items[0]
}

func (f *fixture) assertClean(t *testing.T) {
	t.Helper()
	anomalies, err := f.store.VerifyIntegrity(t.Context(), IntegrityChecks(f.queue.Config().MaxAttempts)...)
	if err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	if len(anomalies) != 0 {
		t.Fatalf("unexpected anomalies: %v", anomalies)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{7, 32 * time.Minute},
		{8, time.Hour},
		{60, time.Hour},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestEnqueueAlreadyQueuedThenRequeueAfterDelivery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := t.Context()
	file := f.file(t, "chan", "1", "payload")
	sched := f.schedule(t, ScheduleSpec{})

	first, err := f.queue.Enqueue(ctx, file.ContentSHA256, sched)
	if err != nil || first.AlreadyQueued || first.ItemID == "" {
		t.Fatalf("first enqueue = %+v, %v", first, err)
	}
	second, err := f.queue.Enqueue(ctx, file.ContentSHA256, sched)
	if err != nil || !second.AlreadyQueued || second.ItemID != first.ItemID {
		t.Fatalf("second enqueue = %+v, %v", second, err)
	}

	it := f.claimOne(t, "w1")
	if it.ID != first.ItemID || it.State != StateInFlight || it.ClaimedBy != "w1" || it.DestinationID != "sink" {
		t.Fatalf("unexpected claim: %+v", it)
	}
	again, err := f.queue.Enqueue(ctx, file.ContentSHA256, sched)
	if err != nil || !again.AlreadyQueued {
		t.Fatalf("enqueue while in flight = %+v, %v", again, err)
	}

	done, err := f.queue.MarkResult(ctx, it.ID, Outcome{Delivered: true, Ref: "msg-42"})
	if err != nil {
		t.Fatal(err)
	}
	if done.State != StateDelivered || done.DeliveryRef != "msg-42" || done.ClaimedBy != "" {
		t.Fatalf("unexpected delivered item: %+v", done)
	}

	third, err := f.queue.Enqueue(ctx, file.ContentSHA256, sched)
	if err != nil || third.AlreadyQueued || third.ItemID == first.ItemID {
		t.Fatalf("enqueue after delivery = %+v, %v", third, err)
	}

	st, err := f.queue.Status(ctx, sched)
	if err != nil {
		t.Fatal(err)
	}
	if st != (Status{ScheduleID: sched, Pending: 1, Delivered: 1}) {
		t.Errorf("unexpected status: %+v", st)
	}
	f.assertClean(t)
}

func TestConcurrentEnqueueSinglePair(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	file := f.file(t, "chan", "1", "contended")
	sched := f.schedule(t, ScheduleSpec{})

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]int{}
		created int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.queue.Enqueue(t.Context(), file.ContentSHA256, sched)
			if err != nil {
				t.Errorf("enqueue: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[res.ItemID]++
			if !res.AlreadyQueued {
				created++
			}
		}()
	}
	wg.Wait()

	if created != 1 || len(ids) != 1 {
		t.Fatalf("expected exactly one created item, created=%d ids=%v", created, ids)
	}
	if got := storetest.Count(t, f.store, "forward_queue WHERE schedule_id = ?", sched); got != 1 {
		t.Errorf("expected one row, got %d", got)
	}
	f.assertClean(t)
}

func TestConcurrentDequeueDisjoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := t.Context()
	sched := f.schedule(t, ScheduleSpec{})

	const total = 30
	for i := range total {
		file := f.file(t, "chan", fmt.Sprint(i), fmt.Sprintf("file-%d", i))
		if _, err := f.queue.Enqueue(ctx, file.ContentSHA256, sched); err != nil {
			t.Fatal(err)
		}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]string{}
	)
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker := fmt.Sprintf("w%d", w)
			items, err := f.queue.DequeueBatch(ctx, worker, 10)
			if err != nil {
				t.Errorf("dequeue: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, it := range items {
				if prev, dup := claimed[it.ID]; dup {
					t.Errorf("item %s claimed by %s and %s", it.ID, prev, worker)
				}
				claimed[it.ID] = worker
			}
		}()
	}
	wg.Wait()

	if len(claimed) != total {
		t.Errorf("expected %d claimed items, got %d", total, len(claimed))
	}
	st, err := f.queue.Status(ctx, sched)
	if err != nil {
		t.Fatal(err)
	}
	if st.InFlight != total || st.Pending != 0 {
		t.Errorf("unexpected status: %+v", st)
	}
	f.assertClean(t)
}

func TestAttemptCeilingDeadLetters(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := t.Context()
	file := f.file(t, "chan", "1", "flaky")
	sched := f.schedule(t, ScheduleSpec{})
	res, err := f.queue.Enqueue(ctx, file.ContentSHA256, sched)
	if err != nil {
		t.Fatal(err)
	}

	wantDelay := []time.Duration{time.Second, 2 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		it := f.claimOne(t, "w")
		out, err := f.queue.MarkResult(ctx, it.ID, Outcome{Error: fmt.Sprintf("boom %d", attempt)})
		if err != nil {
			t.Fatal(err)
		}
		if out.AttemptCount != attempt || out.LastError != fmt.Sprintf("boom %d", attempt) {
			t.Fatalf("attempt %d: unexpected item %+v", attempt, out)
		}
		if attempt < 3 {
			if out.State != StatePending {
				t.Fatalf("attempt %d: expected pending, got %s", attempt, out.State)
			}
			if got := out.NotBefore.Sub(f.clock.Now()); got != wantDelay[attempt-1] {
				t.Fatalf("attempt %d: backoff %s, want %s", attempt, got, wantDelay[attempt-1])
			}
			// Not ready until the backoff elapses.
			if items, _ := f.queue.DequeueBatch(ctx, "w", 1); len(items) != 0 {
				t.Fatalf("attempt %d: item claimable before backoff", attempt)
			}
			f.clock.Advance(out.NotBefore.Sub(f.clock.Now()))
		} else if out.State != StateDeadLettered {
			t.Fatalf("expected dead letter at ceiling, got %s", out.State)
		}
	}

	_, err = f.queue.MarkResult(ctx, res.ItemID, Outcome{Delivered: true})
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) || ite.From != StateDeadLettered {
		t.Fatalf("expected InvalidTransitionError from dead letter, got %v", err)
	}

	stats, err := f.queue.Stats(ctx, sched)
	if err != nil {
		t.Fatal(err)
	}
	if stats.DeadLettered != 1 || stats.FailedAttempts != 3 || stats.TerminalItems != 1 || stats.AverageAttempts != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	f.assertClean(t)
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := t.Context()
	file := f.file(t, "chan", "1", "bad request")
	sched := f.schedule(t, ScheduleSpec{})
	if _, err := f.queue.Enqueue(ctx, file.ContentSHA256, sched); err != nil {
		t.Fatal(err)
	}

	it := f.claimOne(t, "w")
	out, err := f.queue.MarkResult(ctx, it.ID, Outcome{Error: "forbidden", Permanent: true})
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateDeadLettered || out.AttemptCount != 1 {
		t.Errorf("unexpected item: %+v", out)
	}
}

func TestMarkResultRequiresInFlight(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := t.Context()
	file := f.file(t, "chan", "1", "pending only")
	sched := f.schedule(t, ScheduleSpec{})
	res, err := f.queue.Enqueue(ctx, file.ContentSHA256, sched)
	if err != nil {
		t.Fatal(err)
	}

	var ite *InvalidTransitionError
	if _, err := f.queue.MarkResult(ctx, res.ItemID, Outcome{Delivered: true}); !errors.As(err, &ite) {
		t.Errorf("expected InvalidTransitionError, got %v", err)
	}
	if _, err := f.queue.MarkResult(ctx, "missing", Outcome{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := f.queue.Release(ctx, res.ItemID, 0); !errors.As(err, &ite) {
		t.Errorf("expected InvalidTransitionError from releasing a pending item, got %v", err)
	}
}

func TestReleaseKeepsAttempts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := t.Context()
	file := f.file(t, "chan", "1", "release me")
	sched := f.schedule(t, ScheduleSpec{})
	if _, err := f.queue.Enqueue(ctx, file.ContentSHA256, sched); err != nil {
		t.Fatal(err)
	}

	it := f.claimOne(t, "w")
	if err := f.queue.Release(ctx, it.ID, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	got, err := f.queue.Get(ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StatePending || got.AttemptCount != 0 || got.ClaimedBy != "" ||
		!got.NotBefore.Equal(f.clock.Now().Add(10*time.Second)) {
		t.Errorf("unexpected released item: %+v", got)
	}
	f.assertClean(t)
}

func TestLeaseReclaim(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RetryBaseDelay = 0
	f := newFixture(t, cfg)
	ctx := t.Context()
	file := f.file(t, "chan", "1", "crashy")
	sched := f.schedule(t, ScheduleSpec{})
	if _, err := f.queue.Enqueue(ctx, file.ContentSHA256, sched); err != nil {
		t.Fatal(err)
	}

	crashed := f.claimOne(t, "dead-worker")

	// Within the lease nothing is reclaimed.
	f.clock.Advance(30 * time.Second)
	if n, err := f.queue.ReclaimExpired(ctx); err != nil || n != 0 {
		t.Fatalf("ReclaimExpired = %d, %v", n, err)
	}

	f.clock.Advance(time.Minute)
	it := f.claimOne(t, "live-worker")
	if it.ID != crashed.ID || it.AttemptCount != 1 || it.LastError != leaseExpiredError || it.ClaimedBy != "live-worker" {
		t.Fatalf("unexpected reclaimed item: %+v", it)
	}

	// A poison item is eventually dead-lettered by reclaims alone.
	for range 2 {
		f.clock.Advance(2 * time.Minute)
		if _, err := f.queue.ReclaimExpired(ctx); err != nil {
			t.Fatal(err)
		}
		if items, err := f.queue.DequeueBatch(ctx, "w", 1); err != nil {
			t.Fatal(err)
		} else if len(items) == 0 {
			break
		}
	}
	f.clock.Advance(2 * time.Minute)
	if _, err := f.queue.ReclaimExpired(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := f.queue.Get(ctx, crashed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateDeadLettered || got.AttemptCount != cfg.MaxAttempts {
		t.Errorf("expected dead letter after repeated lease expiry, got %+v", got)
	}
	f.assertClean(t)
}

func TestDisabledSchedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := t.Context()
	file := f.file(t, "chan", "1", "paused")
	sched := f.schedule(t, ScheduleSpec{})
	if _, err := f.queue.Enqueue(ctx, file.ContentSHA256, sched); err != nil {
		t.Fatal(err)
	}

	if err := f.queue.SetEnabled(ctx, sched, false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Enqueue(ctx, file.ContentSHA256, sched); !errors.Is(err, ErrScheduleDisabled) {
		t.Errorf("expected ErrScheduleDisabled, got %v", err)
	}
	if items, err := f.queue.DequeueBatch(ctx, "w", 5); err != nil || len(items) != 0 {
		t.Errorf("disabled schedule items must stay pending, got %d, %v", len(items), err)
	}

	if err := f.queue.SetEnabled(ctx, sched, true); err != nil {
		t.Fatal(err)
	}
	f.claimOne(t, "w")

	if err := f.queue.SetEnabled(ctx, "missing", true); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEnqueueReferentialIntegrity(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := t.Context()
	file := f.file(t, "chan", "1", "exists")
	sched := f.schedule(t, ScheduleSpec{})

	var ref *store.ReferentialIntegrityError
	if _, err := f.queue.Enqueue(ctx, file.ContentSHA256, "no-such-schedule"); !errors.As(err, &ref) || ref.Table != "forward_schedules" {
		t.Errorf("expected missing schedule error, got %v", err)
	}
	missing := "0000000000000000000000000000000000000000000000000000000000000000"
	if _, err := f.queue.Enqueue(ctx, missing, sched); !errors.As(err, &ref) || ref.Table != "file_records" {
		t.Errorf("expected missing file error, got %v", err)
	}
	if _, err := f.queue.Status(ctx, "no-such-schedule"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for status, got %v", err)
	}
	if _, err := f.queue.DequeueBatch(ctx, "w", 0); err == nil {
		t.Error("expected error for empty batch size")
	}
}

func TestIntegrityDetectsQueueDrift(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := t.Context()
	file := f.file(t, "chan", "1", "drift")
	sched := f.schedule(t, ScheduleSpec{})
	if _, err := f.queue.Enqueue(ctx, file.ContentSHA256, sched); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Exec(ctx, `UPDATE forward_stats SET pending = pending + 2 WHERE schedule_id = ?`, sched); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Exec(ctx, `UPDATE forward_queue SET attempt_count = 9`); err != nil {
		t.Fatal(err)
	}

	anomalies, err := f.store.VerifyIntegrity(ctx, IntegrityChecks(3)...)
	if err != nil {
		t.Fatal(err)
	}
	kinds := map[string]int{}
	for _, a := range anomalies {
		kinds[a.Kind]++
	}
	if kinds[AnomalyQueueStatsDrift] != 1 || kinds[AnomalyAttemptCeiling] != 1 {
		t.Errorf("unexpected anomalies: %v", anomalies)
	}
}

func TestScheduleRegistration(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := t.Context()

	if _, err := f.queue.RegisterSchedule(ctx, ScheduleSpec{SourceID: "a", DestinationID: "b", Trigger: "61 * * * *"}); err == nil {
		t.Error("expected invalid trigger to fail")
	}
	if _, err := f.queue.RegisterSchedule(ctx, ScheduleSpec{DestinationID: "b"}); err == nil {
		t.Error("expected missing source to fail")
	}

	id := f.schedule(t, ScheduleSpec{
		ID:       "nightly",
		SourceID: "chan",
		Trigger:  "@daily",
		Criteria: Criteria{Categories: []string{"docs"}, MinBytes: 10},
	})
	if id != "nightly" {
		t.Fatalf("expected explicit id, got %s", id)
	}
	s, err := f.queue.GetSchedule(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	wantNext := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	if s.TriggerSpec != "@daily" || s.Trigger.OnIngest() || !s.NextSweepAt.Equal(wantNext) ||
		!s.LastSweptAt.Equal(f.clock.Now()) || s.Criteria.MinBytes != 10 || !s.Enabled {
		t.Fatalf("unexpected schedule: %+v", s)
	}

	// Re-registering updates in place and keeps the sweep window and the
	// enabled state.
	f.clock.Advance(time.Hour)
	f.schedule(t, ScheduleSpec{ID: "nightly", SourceID: "chan", DestinationID: "other", Trigger: "@daily"})
	s, err = f.queue.GetSchedule(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if s.DestinationID != "other" || !s.Enabled || !s.NextSweepAt.Equal(wantNext) || len(s.Criteria.Categories) != 0 {
		t.Errorf("unexpected updated schedule: %+v", s)
	}

	f.schedule(t, ScheduleSpec{ID: "zz-ingest"})
	all, err := f.queue.ListSchedules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "nightly" || all[1].ID != "zz-ingest" || !all[1].Trigger.OnIngest() {
		t.Errorf("unexpected schedule list: %+v", all)
	}
	if _, err := f.queue.GetSchedule(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestScheduleEnabledDefault(t *testing.T) {
	t.Parallel()
	yes, no := true, false
	tests := []struct {
		name     string
		register *bool
		toggle   *bool
		update   *bool
		want     bool
	}{
		{name: "omitted registers enabled", want: true},
		{name: "explicit false registers disabled", register: &no, want: false},
		{name: "omitted on update keeps disabled", toggle: &no, want: false},
		{name: "omitted on update keeps enabled", register: &no, toggle: &yes, want: true},
		{name: "explicit on update wins", update: &no, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, testConfig())
			ctx := t.Context()

			id := f.schedule(t, ScheduleSpec{ID: "s", Enabled: tt.register})
			if tt.toggle != nil {
				if err := f.queue.SetEnabled(ctx, id, *tt.toggle); err != nil {
					t.Fatal(err)
				}
			}
			if tt.toggle != nil || tt.update != nil {
				f.schedule(t, ScheduleSpec{ID: "s", Enabled: tt.update})
			}
			s, err := f.queue.GetSchedule(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if s.Enabled != tt.want {
				t.Errorf("Enabled = %v, want %v", s.Enabled, tt.want)
			}
		})
	}
}
