// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package supervisor runs the long-lived archive services under a suture
// tree so a crashing component is restarted with backoff instead of taking
// the process down.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds the restart policy shared by every layer.
type TreeConfig struct {
	// FailureThreshold failures, decaying at FailureDecay seconds, put a
	// supervisor into FailureBackoff.
	FailureThreshold float64       `koanf:"failure_threshold" validate:"min=0"`
	FailureDecay     float64       `koanf:"failure_decay" validate:"min=0"`
	FailureBackoff   time.Duration `koanf:"failure_backoff" validate:"min=0"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout" validate:"min=0"`
}

// DefaultTreeConfig matches suture's own defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the supervisor hierarchy:
//   - store: checkpoint and integrity maintenance
//   - forward: the cron dispatcher and delivery workers
//   - ingest: the spool watcher
//   - api: the admin HTTP server
//
// Layers fail independently; a spool crash loop does not stop deliveries.
type Tree struct {
	root    *suture.Supervisor
	store   *suture.Supervisor
	forward *suture.Supervisor
	ingest  *suture.Supervisor
	api     *suture.Supervisor
	config  TreeConfig
}

// NewTree creates the tree. Zero config fields take defaults.
func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = def.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	// MustHook has a pointer receiver.
	handler := &sutureslog.Handler{Logger: logger}

	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	// Children inherit the event hook from the root when added.
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	t := &Tree{
		root:    suture.New("archivist", rootSpec),
		store:   suture.New("store-layer", childSpec),
		forward: suture.New("forward-layer", childSpec),
		ingest:  suture.New("ingest-layer", childSpec),
		api:     suture.New("api-layer", childSpec),
		config:  config,
	}
	t.root.Add(t.store)
	t.root.Add(t.forward)
	t.root.Add(t.ingest)
	t.root.Add(t.api)
	return t
}

// AddStoreService adds a maintenance service.
func (t *Tree) AddStoreService(svc suture.Service) suture.ServiceToken {
	return t.store.Add(svc)
}

// AddForwardService adds the dispatcher or a worker.
func (t *Tree) AddForwardService(svc suture.Service) suture.ServiceToken {
	return t.forward.Add(svc)
}

// AddIngestService adds an ingest source.
func (t *Tree) AddIngestService(svc suture.Service) suture.ServiceToken {
	return t.ingest.Add(svc)
}

// AddAPIService adds the HTTP server and the event stream hub.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve runs the tree until ctx is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
