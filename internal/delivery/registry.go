// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package delivery

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnknownDestination is returned by Lookup for an unregistered id.
var ErrUnknownDestination = errors.New("unknown destination")

// DestinationConfig configures one destination. Fields apply per kind.
type DestinationConfig struct {
	ID      string            `koanf:"id" validate:"required,identifier"`
	Kind    Kind              `koanf:"kind" validate:"required,oneof=webhook telegram log duckdb"`
	URL     string            `koanf:"url"`
	Method  string            `koanf:"method" validate:"omitempty,oneof=POST PUT PATCH post put patch"`
	Headers map[string]string `koanf:"headers"`
	Auth    string            `koanf:"auth"`
	Timeout time.Duration     `koanf:"timeout" validate:"min=0"`

	BotToken string `koanf:"bot_token"`
	ChatID   string `koanf:"chat_id"`
	Silent   bool   `koanf:"silent"`

	Path  string `koanf:"path"`
	Table string `koanf:"table"`

	// RatePerSecond and Burst bound deliveries per process; zero is unlimited.
	RatePerSecond float64 `koanf:"rate_per_second" validate:"min=0"`
	Burst         int     `koanf:"burst" validate:"min=0"`
}

// Factory builds a transport for one destination.
type Factory func(cfg DestinationConfig, logger zerolog.Logger) (Transport, error)

// Registry maps destination ids to transports.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
	configs    map[string]DestinationConfig
	factories  map[Kind]Factory
	logger     zerolog.Logger
}

// NewRegistry creates a registry with the built-in webhook, telegram and
// log factories.
func NewRegistry(logger zerolog.Logger) *Registry {
	r := &Registry{
		transports: make(map[string]Transport),
		configs:    make(map[string]DestinationConfig),
		factories:  make(map[Kind]Factory),
		logger:     logger,
	}
	r.RegisterFactory(KindWebhook, func(cfg DestinationConfig, _ zerolog.Logger) (Transport, error) {
		return NewWebhook(cfg)
	})
	r.RegisterFactory(KindTelegram, func(cfg DestinationConfig, _ zerolog.Logger) (Transport, error) {
		return NewTelegram(cfg)
	})
	r.RegisterFactory(KindLog, func(cfg DestinationConfig, l zerolog.Logger) (Transport, error) {
		return NewLogSink(cfg.ID, l), nil
	})
	return r
}

// RegisterFactory adds or replaces the factory for kind.
func (r *Registry) RegisterFactory(kind Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Configure builds and registers a transport for every destination.
func (r *Registry) Configure(cfgs []DestinationConfig) error {
	for _, cfg := range cfgs {
		r.mu.RLock()
		f, ok := r.factories[cfg.Kind]
		r.mu.RUnlock()
		if !ok {
			return fmt.Errorf("destination %s: no transport for kind %q", cfg.ID, cfg.Kind)
		}
		t, err := f(cfg, r.logger)
		if err != nil {
			return err
		}
		if err := r.Register(cfg, t); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a transport under cfg.ID.
func (r *Registry) Register(cfg DestinationConfig, t Transport) error {
	if cfg.ID == "" {
		return fmt.Errorf("destination id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.transports[cfg.ID]; exists {
		return fmt.Errorf("destination %s registered twice", cfg.ID)
	}
	r.transports[cfg.ID] = t
	r.configs[cfg.ID] = cfg
	r.logger.Debug().Str("destination", cfg.ID).Str("kind", string(t.Kind())).Msg("Registered destination")
	return nil
}

// Lookup returns the transport for id.
func (r *Registry) Lookup(id string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDestination, id)
	}
	return t, nil
}

// Config returns the configuration a destination was registered with.
func (r *Registry) Config(id string) (DestinationConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	return cfg, ok
}

// IDs returns the registered destination ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.transports))
	for id := range r.transports {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close closes every transport that holds resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for id, t := range r.transports {
		if c, ok := t.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close destination %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}
