// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package forward

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tomtom215/archivist/internal/delivery"
	"github.com/tomtom215/archivist/internal/hashing"
	"github.com/tomtom215/archivist/internal/metrics"
	"github.com/tomtom215/archivist/internal/store"
)

// WorkerConfig controls claiming and per-destination protection.
type WorkerConfig struct {
	BatchSize    int           `koanf:"batch_size" validate:"min=1,max=1000"`
	Concurrency  int           `koanf:"concurrency" validate:"min=1,max=256"`
	PollInterval time.Duration `koanf:"poll_interval" validate:"min=0"`

	// BreakerFailures consecutive failures open a destination's breaker for
	// BreakerTimeout.
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"min=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"min=0"`

	// ReleaseDelay postpones items skipped by the rate limiter.
	ReleaseDelay time.Duration `koanf:"release_delay" validate:"min=0"`
}

// DefaultWorkerConfig returns batches of 10 with 4 deliveries in parallel.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:       10,
		Concurrency:     4,
		PollInterval:    2 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  time.Minute,
		ReleaseDelay:    5 * time.Second,
	}
}

// Destinations resolves destination ids to transports.
type Destinations interface {
	Lookup(id string) (delivery.Transport, error)
	Config(id string) (delivery.DestinationConfig, bool)
}

// FileLookup loads the file record of a queued digest.
type FileLookup interface {
	Lookup(ctx context.Context, sha string) (hashing.FileRecord, error)
}

// ResultHook observes every item MarkResult returns.
type ResultHook func(ctx context.Context, it Item)

// Worker claims batches from the queue and delivers them.
type Worker struct {
	id     string
	queue  *Queue
	files  FileLookup
	dests  Destinations
	cfg    WorkerConfig
	hook   ResultHook
	logger zerolog.Logger

	mu    sync.Mutex
	gates map[string]*gate
}

// gate is the per-destination circuit breaker and rate limiter.
type gate struct {
	breaker *gobreaker.CircuitBreaker[string]
	limiter *rate.Limiter
}

// NewWorker creates a worker with a random id.
func NewWorker(q *Queue, files FileLookup, dests Destinations, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	def := DefaultWorkerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	id := uuid.NewString()
	return &Worker{
		id:     id,
		queue:  q,
		files:  files,
		dests:  dests,
		cfg:    cfg,
		logger: logger.With().Str("component", "forward-worker").Str("worker_id", id).Logger(),
		gates:  make(map[string]*gate),
	}
}

// OnResult registers a hook called after each recorded result.
func (w *Worker) OnResult(h ResultHook) {
	w.hook = h
}

// ID returns the lease owner id written to claimed items.
func (w *Worker) ID() string {
	return w.id
}

// String names the service in supervisor logs.
func (w *Worker) String() string {
	return "forward-worker-" + w.id[:8]
}

// Serve polls until ctx is done. A full batch is followed immediately by
// another claim.
func (w *Worker) Serve(ctx context.Context) error {
	w.logger.Info().Int("batch_size", w.cfg.BatchSize).Int("concurrency", w.cfg.Concurrency).Msg("Worker started")
	defer w.logger.Info().Msg("Worker stopped")

	for {
		n, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if errors.Is(err, store.ErrHalted) {
				return err
			}
			w.logger.Error().Err(err).Msg("Batch failed")
		}
		if n == w.cfg.BatchSize && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims one batch and processes it. It returns the batch size.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	items, err := w.queue.DequeueBatch(ctx, w.id, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("dequeue: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, it := range items {
		g.Go(func() error {
			return w.process(ctx, it)
		})
	}
	return len(items), g.Wait()
}

func (w *Worker) process(ctx context.Context, it Item) error {
	log := w.logger.With().Str("item_id", it.ID).Str("destination", it.DestinationID).Logger()

	transport, err := w.dests.Lookup(it.DestinationID)
	if err != nil {
		// Configuration may be rolled out later; keep the attempt.
		log.Warn().Err(err).Msg("No transport for destination, releasing item")
		return w.queue.Release(ctx, it.ID, w.cfg.BreakerTimeout)
	}
	g := w.gate(it.DestinationID)

	if !g.limiter.Allow() {
		metrics.RecordDelivery(it.DestinationID, "rate_limited", 0)
		return w.queue.Release(ctx, it.ID, w.cfg.ReleaseDelay)
	}

	file, err := w.files.Lookup(ctx, it.ContentSHA256)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return w.record(ctx, it, Outcome{Error: "file record missing", Permanent: true}, log)
		}
		return w.queue.Release(ctx, it.ID, w.cfg.ReleaseDelay)
	}

	req := delivery.Request{
		ItemID:          it.ID,
		ScheduleID:      it.ScheduleID,
		DestinationID:   it.DestinationID,
		ContentSHA256:   file.ContentSHA256,
		SizeBytes:       file.SizeBytes,
		MimeHint:        file.MimeHint,
		SourceChannelID: file.SourceChannelID,
		SourceMessageID: file.SourceMessageID,
		FirstSeenAt:     file.FirstSeenAt,
		Attempt:         it.AttemptCount + 1,
	}

	start := time.Now()
	ref, err := g.breaker.Execute(func() (string, error) {
		return transport.Deliver(ctx, req)
	})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		metrics.RecordDelivery(it.DestinationID, "success", elapsed)
		return w.record(context.WithoutCancel(ctx), it, Outcome{Delivered: true, Ref: ref}, log)
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RecordDelivery(it.DestinationID, "breaker_open", 0)
		return w.queue.Release(ctx, it.ID, w.cfg.BreakerTimeout)
	case ctx.Err() != nil:
		// Shutdown; the lease expiry or a restart picks the item up again.
		return w.queue.Release(context.WithoutCancel(ctx), it.ID, 0)
	default:
		metrics.RecordDelivery(it.DestinationID, "failure", elapsed)
		log.Warn().Err(err).Int("attempt", req.Attempt).Msg("Delivery failed")
		return w.record(ctx, it, Outcome{Error: err.Error(), Permanent: delivery.IsPermanent(err)}, log)
	}
}

func (w *Worker) record(ctx context.Context, it Item, o Outcome, log zerolog.Logger) error {
	updated, err := w.queue.MarkResult(ctx, it.ID, o)
	if err != nil {
		log.Error().Err(err).Msg("Failed to record delivery result")
		return err
	}
	if w.hook != nil {
		w.hook(ctx, updated)
	}
	return nil
}

func (w *Worker) gate(destinationID string) *gate {
	w.mu.Lock()
	defer w.mu.Unlock()
	if g, ok := w.gates[destinationID]; ok {
		return g
	}

	limit, burst := rate.Inf, 1
	if cfg, ok := w.dests.Config(destinationID); ok && cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = max(cfg.Burst, 1)
	}

	threshold := w.cfg.BreakerFailures
	metrics.SetCircuitBreakerState(destinationID, gobreaker.StateClosed.String())
	g := &gate{
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
			Name:        destinationID,
			MaxRequests: 1,
			Timeout:     w.cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// Permanent failures say nothing about the destination's health.
			IsSuccessful: func(err error) bool {
				return err == nil || delivery.IsPermanent(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				w.logger.Warn().Str("destination", name).Str("from", from.String()).Str("to", to.String()).
					Msg("Circuit breaker state change")
				metrics.SetCircuitBreakerState(name, to.String())
			},
		}),
	}
	w.gates[destinationID] = g
	return g
}
