// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package api is the admin HTTP surface over an archive: file submission
// and lookup, schedule management, queue inspection, the claim/result
// protocol for external delivery agents, and health endpoints.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/archive"
	"github.com/tomtom215/archivist/internal/forward"
	"github.com/tomtom215/archivist/internal/hashing"
	"github.com/tomtom215/archivist/internal/migrate"
	"github.com/tomtom215/archivist/internal/sorting"
	"github.com/tomtom215/archivist/internal/store"
)

// Config controls the admin listener.
type Config struct {
	Addr            string        `koanf:"addr" validate:"omitempty,hostname_port"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"min=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"min=0"`

	// RateLimitRequests per RateLimitWindow per client IP; zero disables.
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"min=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window" validate:"min=0"`

	// MaxUploadBytes caps a submitted file body.
	MaxUploadBytes int64 `koanf:"max_upload_bytes" validate:"min=1"`

	// EventStream serves bus events over a websocket at /api/v1/events.
	EventStream bool `koanf:"event_stream"`

	// CORSOrigins allowed for browser clients, also applied to the event
	// stream; "*" allows any origin.
	CORSOrigins []string `koanf:"cors_origins"`
}

// DefaultConfig listens on localhost only.
func DefaultConfig() Config {
	return Config{
		Addr:              "127.0.0.1:8787",
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		ShutdownTimeout:   15 * time.Second,
		RateLimitRequests: 600,
		RateLimitWindow:   time.Minute,
		MaxUploadBytes:    2 << 30,
		EventStream:       true,
	}
}

// Archive is the part of *archive.Archive the handlers call.
type Archive interface {
	Submit(ctx context.Context, r io.Reader, md archive.SubmitMetadata) (archive.SubmitResult, error)
	Lookup(ctx context.Context, sha string) (hashing.FileRecord, error)
	FindSimilar(ctx context.Context, sha string, alg hashing.Algorithm, threshold int) ([]hashing.Match, error)

	RegisterSchedule(ctx context.Context, spec forward.ScheduleSpec) (string, error)
	SetScheduleEnabled(ctx context.Context, id string, enabled bool) error
	Schedules(ctx context.Context) ([]forward.Schedule, error)
	Status(ctx context.Context, scheduleID string) (forward.Status, error)
	Stats(ctx context.Context, scheduleID string) (forward.Stats, error)
	Items(ctx context.Context, scheduleID string, state forward.State, limit int) ([]forward.Item, error)
	Claim(ctx context.Context, agentID string, max int) ([]forward.Item, error)
	MarkResult(ctx context.Context, itemID string, o forward.Outcome) (forward.Item, error)

	GroupStats(ctx context.Context, categoryID string) (sorting.GroupStats, error)
	ListGroupStats(ctx context.Context) ([]sorting.GroupStats, error)
	Reassign(ctx context.Context, sha, categoryID string) (sorting.Assignment, error)

	Migrations(ctx context.Context) ([]migrate.Record, error)
	VerifyIntegrity(ctx context.Context) ([]store.Anomaly, error)
	Ready(ctx context.Context) error
}

// HealthChecker is an optional dependency reported by /readyz.
type HealthChecker interface {
	Healthy() bool
}

// Handler serves the admin API.
type Handler struct {
	archive Archive
	deps    map[string]HealthChecker
	cfg     Config
	logger  zerolog.Logger

	stream http.Handler
}

// NewHandler creates the handler set. deps are reported by name on /readyz.
func NewHandler(a Archive, cfg Config, logger zerolog.Logger, deps map[string]HealthChecker) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultConfig().MaxUploadBytes
	}
	return &Handler{
		archive: a,
		deps:    deps,
		cfg:     cfg,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// WithEventStream mounts stream at /api/v1/events.
func (h *Handler) WithEventStream(stream http.Handler) *Handler {
	h.stream = stream
	return h
}

// Router builds the chi route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(Metrics())
	if len(h.cfg.CORSOrigins) > 0 {
		r.Use(CORS(h.cfg.CORSOrigins))
	}

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimit(h.cfg.RateLimitRequests, h.cfg.RateLimitWindow))
		if h.stream != nil {
			r.Get("/events", h.stream.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(SecurityHeaders())
			h.routes(r)
		})
	})
	return r
}

func (h *Handler) routes(r chi.Router) {
	r.Route("/files", func(r chi.Router) {
		r.Post("/", h.submitFile)
		r.Get("/{sha}", h.getFile)
		r.Get("/{sha}/similar", h.similarFiles)
		r.Put("/{sha}/category", h.reassignFile)
	})

	r.Route("/schedules", func(r chi.Router) {
		r.Get("/", h.listSchedules)
		r.Post("/", h.registerSchedule)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/enable", h.enableSchedule)
			r.Post("/disable", h.disableSchedule)
			r.Get("/status", h.scheduleStatus)
			r.Get("/stats", h.scheduleStats)
			r.Get("/items", h.scheduleItems)
		})
	})

	r.Post("/claims", h.claim)
	r.Post("/items/{id}/result", h.markResult)

	r.Get("/categories", h.listCategories)
	r.Get("/categories/{id}/stats", h.categoryStats)

	r.Get("/integrity", h.integrity)
	r.Get("/migrations", h.migrations)
}

// NewServer returns an http.Server for handler with the configured timeouts.
func NewServer(cfg Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
}
