// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package forward

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/delivery"
)

type fakeTransport struct {
	mu    sync.Mutex
	calls []delivery.Request
	err   error
}

func (f *fakeTransport) Kind() delivery.Kind { return delivery.KindLog }

func (f *fakeTransport) Deliver(_ context.Context, req delivery.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return "", f.err
	}
	return "ref-" + req.ItemID[:8], nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type workerFixture struct {
	*fixture
	transport *fakeTransport
	worker    *Worker
	schedule  string
	results   []Item
}

func newWorkerFixture(t *testing.T, dest delivery.DestinationConfig, cfg WorkerConfig, files int) *workerFixture {
	t.Helper()
	f := newFixture(t, testConfig())
	tr := &fakeTransport{}
	reg := delivery.NewRegistry(zerolog.Nop())
	if err := reg.Register(dest, tr); err != nil {
		t.Fatal(err)
	}

	wf := &workerFixture{fixture: f, transport: tr}
	wf.schedule = f.schedule(t, ScheduleSpec{DestinationID: "sink"})
	for i := range files {
		file := f.file(t, "chan", fmt.Sprint(100+i), fmt.Sprintf("worker file %d", i))
		if _, err := f.queue.Enqueue(t.Context(), file.ContentSHA256, wf.schedule); err != nil {
			t.Fatal(err)
		}
		// Distinct enqueue times give a deterministic claim order.
		f.clock.Advance(time.Millisecond)
	}

	wf.worker = NewWorker(f.queue, f.hashes, reg, cfg, zerolog.Nop())
	var mu sync.Mutex
	wf.worker.OnResult(func(_ context.Context, it Item) {
		mu.Lock()
		defer mu.Unlock()
		wf.results = append(wf.results, it)
	})
	return wf
}

func sequentialConfig() WorkerConfig {
	cfg := DefaultWorkerConfig()
	cfg.Concurrency = 1
	return cfg
}

func TestWorkerDelivers(t *testing.T) {
	t.Parallel()
	wf := newWorkerFixture(t, delivery.DestinationConfig{ID: "sink", Kind: delivery.KindLog}, DefaultWorkerConfig(), 3)
	ctx := t.Context()

	n, err := wf.worker.RunOnce(ctx)
	if err != nil || n != 3 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if wf.transport.count() != 3 || len(wf.results) != 3 {
		t.Fatalf("expected 3 deliveries and results, got %d and %d", wf.transport.count(), len(wf.results))
	}
	for _, it := range wf.results {
		if it.State != StateDelivered || it.DeliveryRef != "ref-"+it.ID[:8] {
			t.Errorf("unexpected result: %+v", it)
		}
	}
	for _, req := range wf.transport.calls {
		if req.SourceChannelID != "chan" || req.Attempt != 1 || req.SizeBytes == 0 || req.DestinationID != "sink" {
			t.Errorf("unexpected request: %+v", req)
		}
	}

	st, err := wf.queue.Status(ctx, wf.schedule)
	if err != nil {
		t.Fatal(err)
	}
	if st.Delivered != 3 || st.Pending != 0 || st.InFlight != 0 {
		t.Errorf("unexpected status: %+v", st)
	}
	if n, err := wf.worker.RunOnce(ctx); err != nil || n != 0 {
		t.Errorf("expected empty queue, got %d, %v", n, err)
	}
	wf.assertClean(t)
}

func TestWorkerPermanentFailure(t *testing.T) {
	t.Parallel()
	wf := newWorkerFixture(t, delivery.DestinationConfig{ID: "sink", Kind: delivery.KindLog}, sequentialConfig(), 1)
	wf.transport.err = &delivery.Error{Code: delivery.ErrorCodeForbidden, Message: "bot was kicked"}

	if _, err := wf.worker.RunOnce(t.Context()); err != nil {
		t.Fatal(err)
	}
	if len(wf.results) != 1 || wf.results[0].State != StateDeadLettered || wf.results[0].AttemptCount != 1 {
		t.Fatalf("expected immediate dead letter, got %+v", wf.results)
	}
}

func TestWorkerBreakerReleasesWithoutAttempt(t *testing.T) {
	t.Parallel()
	cfg := sequentialConfig()
	cfg.BreakerFailures = 2
	cfg.BreakerTimeout = time.Hour
	wf := newWorkerFixture(t, delivery.DestinationConfig{ID: "sink", Kind: delivery.KindLog}, cfg, 3)
	wf.transport.err = &delivery.Error{Code: delivery.ErrorCodeServerError, Message: "down", Transient: true}

	if _, err := wf.worker.RunOnce(t.Context()); err != nil {
		t.Fatal(err)
	}
	if wf.transport.count() != 2 {
		t.Fatalf("expected breaker to stop the third call, got %d calls", wf.transport.count())
	}

	items, err := wf.queue.Items(t.Context(), wf.schedule, StatePending, 10)
	if err != nil {
		t.Fatal(err)
	}
	attempts := map[int]int{}
	for _, it := range items {
		attempts[it.AttemptCount]++
	}
	if len(items) != 3 || attempts[1] != 2 || attempts[0] != 1 {
		t.Errorf("expected two failed attempts and one released item, got %v", attempts)
	}
	wf.assertClean(t)
}

func TestWorkerRateLimitReleases(t *testing.T) {
	t.Parallel()
	dest := delivery.DestinationConfig{ID: "sink", Kind: delivery.KindLog, RatePerSecond: 0.001, Burst: 1}
	wf := newWorkerFixture(t, dest, sequentialConfig(), 2)

	if _, err := wf.worker.RunOnce(t.Context()); err != nil {
		t.Fatal(err)
	}
	st, err := wf.queue.Status(t.Context(), wf.schedule)
	if err != nil {
		t.Fatal(err)
	}
	if wf.transport.count() != 1 || st.Delivered != 1 || st.Pending != 1 {
		t.Errorf("expected one delivery and one release, calls=%d status=%+v", wf.transport.count(), st)
	}
}

func TestWorkerUnknownDestination(t *testing.T) {
	t.Parallel()
	wf := newWorkerFixture(t, delivery.DestinationConfig{ID: "elsewhere", Kind: delivery.KindLog}, sequentialConfig(), 1)

	if _, err := wf.worker.RunOnce(t.Context()); err != nil {
		t.Fatal(err)
	}
	items, err := wf.queue.Items(t.Context(), wf.schedule, StatePending, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].AttemptCount != 0 || wf.transport.count() != 0 {
		t.Errorf("expected item released untouched, got %+v", items)
	}
}
