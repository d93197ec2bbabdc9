// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package archive wires the store, migrations, hash identity, sorting and
// forwarding layers into the single entry point every surface uses.
//
// Open brings the schema up to date before anything else can touch the
// store. If the migration history cannot be verified, Open fails and no
// Archive exists to serve calls.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/delivery"
	"github.com/tomtom215/archivist/internal/events"
	"github.com/tomtom215/archivist/internal/export"
	"github.com/tomtom215/archivist/internal/forward"
	"github.com/tomtom215/archivist/internal/hashing"
	"github.com/tomtom215/archivist/internal/migrate"
	"github.com/tomtom215/archivist/internal/sorting"
	"github.com/tomtom215/archivist/internal/store"
	"github.com/tomtom215/archivist/internal/validation"
)

// Config assembles the per-layer configuration.
type Config struct {
	Store        store.Config                 `koanf:"store"`
	Hashing      hashing.Config               `koanf:"hashing"`
	Sorting      sorting.Config               `koanf:"sorting"`
	Forward      forward.Config               `koanf:"forward"`
	Worker       forward.WorkerConfig         `koanf:"worker"`
	Destinations []delivery.DestinationConfig `koanf:"destinations" validate:"dive"`
	Schedules    []forward.ScheduleSpec       `koanf:"schedules" validate:"dive"`

	// SweepInterval is how often due cron schedules are checked.
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"min=0"`

	// RedriveAfter is how long a recorded file may stay undispatched
	// before Redrive picks it up.
	RedriveAfter time.Duration `koanf:"redrive_after" validate:"min=0"`
}

const redriveBatch = 100

// DefaultConfig returns defaults for a store at path.
func DefaultConfig(path string) Config {
	return Config{
		Store:         store.DefaultConfig(path),
		Hashing:       hashing.DefaultConfig(),
		Sorting:       sorting.DefaultConfig(),
		Forward:       forward.DefaultConfig(),
		Worker:        forward.DefaultWorkerConfig(),
		SweepInterval: time.Minute,
		RedriveAfter:  5 * time.Minute,
	}
}

// Publisher receives archive notifications. *events.Bus implements it.
type Publisher interface {
	PublishFileRecorded(ctx context.Context, e events.FileRecorded) error
	PublishForwardResult(ctx context.Context, e events.ForwardResult) error
}

// Option configures Open.
type Option func(*Archive)

// WithPublisher sends events to p.
func WithPublisher(p Publisher) Option {
	return func(a *Archive) {
		a.events = p
	}
}

// WithMigrations replaces the core migration set. Tests use it to stage
// schema histories.
func WithMigrations(ms []migrate.Migration) Option {
	return func(a *Archive) {
		a.migrations = ms
	}
}

// Archive is the facade over one store.
type Archive struct {
	cfg        Config
	store      *store.Store
	tracker    *migrate.Tracker
	hashes     *hashing.Layer
	sorter     *sorting.Sorter
	queue      *forward.Queue
	dispatcher *forward.Dispatcher
	registry   *delivery.Registry
	events     Publisher
	migrations []migrate.Migration
	logger     zerolog.Logger
}

// Open opens the store at cfg.Store.Path, applies pending migrations,
// registers configured destinations and schedules, and returns the facade.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger, opts ...Option) (*Archive, error) {
	a := &Archive{
		cfg:        cfg,
		migrations: migrate.CoreMigrations(),
		logger:     logger.With().Str("component", "archive").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}

	s, err := store.Open(ctx, cfg.Store, store.WithLogger(logger), store.WithRetryPolicy(cfg.Store.Retry))
	if err != nil {
		return nil, err
	}
	a.store = s

	tracker, err := migrate.NewTracker(s, a.migrations, logger.With().Str("component", "migrate").Logger())
	if err != nil {
		a.closeStore()
		return nil, err
	}
	if _, err := tracker.Run(ctx); err != nil {
		a.closeStore()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	a.tracker = tracker

	a.hashes = hashing.New(s, cfg.Hashing, logger.With().Str("component", "hashing").Logger())
	a.sorter = sorting.New(s, cfg.Sorting, a.hashes, logger.With().Str("component", "sorting").Logger())
	a.queue = forward.NewQueue(s, cfg.Forward, logger.With().Str("component", "forward").Logger())
	a.dispatcher = forward.NewDispatcher(a.queue, cfg.SweepInterval, logger)

	a.registry = delivery.NewRegistry(logger.With().Str("component", "delivery").Logger())
	a.registry.RegisterFactory(delivery.KindDuckDB, export.Factory)
	if err := a.registry.Configure(cfg.Destinations); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("destinations: %w", err)
	}

	for _, spec := range cfg.Schedules {
		if _, err := a.RegisterSchedule(ctx, spec); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("schedule %s: %w", spec.ID, err)
		}
	}

	a.logger.Info().
		Str("path", s.Path()).
		Int("destinations", len(cfg.Destinations)).
		Int("schedules", len(cfg.Schedules)).
		Msg("Archive ready")
	return a, nil
}

func (a *Archive) closeStore() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close store")
	}
}

// Close releases destinations and the store.
func (a *Archive) Close() error {
	var errs []error
	if a.registry != nil {
		errs = append(errs, a.registry.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// SubmitMetadata describes a submitted stream. Labels are optional
// classification hints; a label naming a configured category wins.
type SubmitMetadata struct {
	SourceID        string   `json:"source_id"`
	SourceMessageID string   `json:"source_message_id"`
	MimeHint        string   `json:"mime_hint,omitempty"`
	SizeBytes       int64    `json:"size_bytes"`
	Labels          []string `json:"labels,omitempty" validate:"omitempty,dive,identifier"`
}

// SubmitResult reports what happened to a submission.
type SubmitResult struct {
	ContentSHA256 string         `json:"content_sha256"`
	Status        hashing.Status `json:"status"`
	CategoryID    string         `json:"category_id,omitempty"`
	Enqueued      []string       `json:"enqueued,omitempty"`
}

// Submit fingerprints r. A new file is classified and dispatched to every
// matching on-ingest schedule. An exact duplicate changes nothing and
// reports the category of the original, unless the original was recorded
// but never dispatched; then the dispatch is finished now.
func (a *Archive) Submit(ctx context.Context, r io.Reader, md SubmitMetadata) (SubmitResult, error) {
	if err := validation.ValidateStruct(&md); err != nil {
		return SubmitResult{}, err
	}
	res, err := a.hashes.Record(ctx, r, hashing.Metadata{
		SourceChannelID: md.SourceID,
		SourceMessageID: md.SourceMessageID,
		MimeHint:        md.MimeHint,
		SizeBytes:       md.SizeBytes,
	})
	if err != nil {
		return SubmitResult{}, err
	}
	out := SubmitResult{ContentSHA256: res.ContentSHA256, Status: res.Status}
	log := a.logger.With().Str("sha256", res.ContentSHA256).Str("status", res.Status.String()).Logger()

	pending := res.Status == hashing.StatusNew
	if !pending {
		dispatched, err := a.dispatcher.Dispatched(ctx, res.ContentSHA256)
		if err != nil {
			return out, fmt.Errorf("dispatch state: %w", err)
		}
		pending = !dispatched
		if pending {
			log.Info().Msg("Resuming interrupted dispatch")
		}
	}

	if pending {
		out.CategoryID, out.Enqueued, err = a.dispatch(ctx, res.File, md.Labels)
		if err != nil {
			return out, err
		}
	} else {
		active, err := a.sorter.ActiveAssignment(ctx, res.ContentSHA256)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return out, fmt.Errorf("active category: %w", err)
		}
		out.CategoryID = active.CategoryID
	}

	log.Debug().Str("category", out.CategoryID).Int("enqueued", len(out.Enqueued)).Msg("Submission processed")
	a.publishFile(ctx, res.File, out)
	return out, nil
}

// dispatch classifies f unless it already holds a category, then hands it
// to the on-ingest schedules. It returns the category and the schedules
// that gained a new item.
func (a *Archive) dispatch(ctx context.Context, f hashing.FileRecord, labels []string) (string, []string, error) {
	active, err := a.sorter.ActiveAssignment(ctx, f.ContentSHA256)
	switch {
	case errors.Is(err, store.ErrNotFound):
		active, err = a.sorter.Classify(ctx, f.ContentSHA256, sorting.SignalsFor(f, labels))
		if err != nil {
			return "", nil, fmt.Errorf("classify: %w", err)
		}
	case err != nil:
		return "", nil, fmt.Errorf("active category: %w", err)
	}

	enqueued, err := a.dispatcher.OnIngest(ctx, f, active.CategoryID)
	if err != nil {
		return active.CategoryID, nil, fmt.Errorf("dispatch: %w", err)
	}
	var ids []string
	for _, e := range enqueued {
		if !e.AlreadyQueued {
			ids = append(ids, e.ScheduleID)
		}
	}
	return active.CategoryID, ids, nil
}

// Redrive finishes the dispatch of files recorded more than RedriveAfter
// ago whose submission was interrupted before they reached the forwarding
// layer. It returns the number of files dispatched.
func (a *Archive) Redrive(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-a.cfg.RedriveAfter)
	files, err := a.dispatcher.Undispatched(ctx, cutoff, redriveBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range files {
		category, enqueued, err := a.dispatch(ctx, f, nil)
		if err != nil {
			return n, fmt.Errorf("redrive %s: %w", f.ContentSHA256, err)
		}
		n++
		a.logger.Info().Str("sha256", f.ContentSHA256).Str("category", category).
			Int("enqueued", len(enqueued)).Msg("Redrove undispatched file")
	}
	return n, nil
}

func (a *Archive) publishFile(ctx context.Context, f hashing.FileRecord, res SubmitResult) {
	if a.events == nil {
		return
	}
	err := a.events.PublishFileRecorded(ctx, events.FileRecorded{
		ContentSHA256:   res.ContentSHA256,
		Status:          res.Status.String(),
		SizeBytes:       f.SizeBytes,
		MimeHint:        f.MimeHint,
		SourceChannelID: f.SourceChannelID,
		SourceMessageID: f.SourceMessageID,
		CategoryID:      res.CategoryID,
		Enqueued:        res.Enqueued,
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("sha256", res.ContentSHA256).Msg("Failed to publish file event")
	}
}

// FindSimilar returns near-duplicates of sha. A negative threshold uses the
// configured default.
func (a *Archive) FindSimilar(ctx context.Context, sha string, alg hashing.Algorithm, threshold int) ([]hashing.Match, error) {
	return a.hashes.FindSimilar(ctx, sha, alg, threshold)
}

// Lookup returns the file record of sha.
func (a *Archive) Lookup(ctx context.Context, sha string) (hashing.FileRecord, error) {
	return a.hashes.Lookup(ctx, sha)
}

// RegisterSchedule creates or updates a schedule and returns its id.
func (a *Archive) RegisterSchedule(ctx context.Context, spec forward.ScheduleSpec) (string, error) {
	if _, ok := a.registry.Config(spec.DestinationID); !ok && spec.DestinationID != "" {
		a.logger.Warn().Str("destination", spec.DestinationID).
			Msg("Schedule names a destination that is not configured; items will wait until it is")
	}
	return a.queue.RegisterSchedule(ctx, spec)
}

// SetScheduleEnabled enables or disables a schedule.
func (a *Archive) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	return a.queue.SetEnabled(ctx, id, enabled)
}

// Schedules lists every schedule.
func (a *Archive) Schedules(ctx context.Context) ([]forward.Schedule, error) {
	return a.queue.ListSchedules(ctx)
}

// Status returns the per-state counts of a schedule.
func (a *Archive) Status(ctx context.Context, scheduleID string) (forward.Status, error) {
	return a.queue.Status(ctx, scheduleID)
}

// Stats returns the aggregate delivery statistics of a schedule.
func (a *Archive) Stats(ctx context.Context, scheduleID string) (forward.Stats, error) {
	return a.queue.Stats(ctx, scheduleID)
}

// Items lists queue items of a schedule, optionally filtered by state.
func (a *Archive) Items(ctx context.Context, scheduleID string, state forward.State, limit int) ([]forward.Item, error) {
	return a.queue.Items(ctx, scheduleID, state, limit)
}

// Claim leases up to max pending items to an external delivery agent,
// which reports back through MarkResult.
func (a *Archive) Claim(ctx context.Context, agentID string, max int) ([]forward.Item, error) {
	return a.queue.DequeueBatch(ctx, agentID, max)
}

// MarkResult records the outcome of a delivery attempt made outside the
// built-in workers.
func (a *Archive) MarkResult(ctx context.Context, itemID string, o forward.Outcome) (forward.Item, error) {
	it, err := a.queue.MarkResult(ctx, itemID, o)
	if err != nil {
		return forward.Item{}, err
	}
	a.publishResult(ctx, it)
	return it, nil
}

func (a *Archive) publishResult(ctx context.Context, it forward.Item) {
	if a.events == nil || !it.State.Terminal() {
		return
	}
	err := a.events.PublishForwardResult(ctx, events.ForwardResult{
		ItemID:        it.ID,
		ScheduleID:    it.ScheduleID,
		DestinationID: it.DestinationID,
		ContentSHA256: it.ContentSHA256,
		State:         string(it.State),
		AttemptCount:  it.AttemptCount,
		LastError:     it.LastError,
		DeliveryRef:   it.DeliveryRef,
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("item_id", it.ID).Msg("Failed to publish forward event")
	}
}

// GroupStats returns the counters of a category.
func (a *Archive) GroupStats(ctx context.Context, categoryID string) (sorting.GroupStats, error) {
	return a.sorter.GroupStats(ctx, categoryID)
}

// ListGroupStats returns the counters of every category.
func (a *Archive) ListGroupStats(ctx context.Context) ([]sorting.GroupStats, error) {
	return a.sorter.ListStats(ctx)
}

// Reassign moves sha to categoryID by hand.
func (a *Archive) Reassign(ctx context.Context, sha, categoryID string) (sorting.Assignment, error) {
	f, err := a.hashes.Lookup(ctx, sha)
	if err != nil {
		return sorting.Assignment{}, err
	}
	return a.sorter.Assign(ctx, sha, categoryID, 1, sorting.SourceManual, sorting.SignalsFor(f, nil))
}

// Migrations returns the applied migration history.
func (a *Archive) Migrations(ctx context.Context) ([]migrate.Record, error) {
	return a.tracker.History(ctx)
}

// VerifyIntegrity runs every read-only consistency check and returns the
// anomalies found. Nothing is repaired.
func (a *Archive) VerifyIntegrity(ctx context.Context) ([]store.Anomaly, error) {
	checks := append(hashing.IntegrityChecks(), sorting.IntegrityChecks()...)
	checks = append(checks, forward.IntegrityChecks(a.cfg.Forward.MaxAttempts)...)
	return a.store.VerifyIntegrity(ctx, checks...)
}

// Ready reports whether the store can serve writes.
func (a *Archive) Ready(ctx context.Context) error {
	if err := a.store.Halted(); err != nil {
		return err
	}
	return a.store.Ping(ctx)
}

// Checkpoint flushes the WAL into the main database file.
func (a *Archive) Checkpoint(ctx context.Context) error {
	return a.store.Checkpoint(ctx)
}

// Snapshot writes a consistent copy of the store to path.
func (a *Archive) Snapshot(ctx context.Context, path string) error {
	return a.store.Snapshot(ctx, path)
}

// Dispatcher returns the cron sweeper, run as a service by the supervisor.
func (a *Archive) Dispatcher() *forward.Dispatcher {
	return a.dispatcher
}

// Destinations returns the configured destination registry.
func (a *Archive) Destinations() *delivery.Registry {
	return a.registry
}

// NewWorker creates a delivery worker whose terminal results are published
// as events.
func (a *Archive) NewWorker() *forward.Worker {
	w := forward.NewWorker(a.queue, a.hashes, a.registry, a.cfg.Worker, a.logger)
	w.OnResult(a.publishResult)
	return w
}
