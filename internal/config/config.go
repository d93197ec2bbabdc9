// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package config loads the process configuration from built-in defaults,
// an optional YAML file and ARCHIVIST_* environment variables, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tomtom215/archivist/internal/api"
	"github.com/tomtom215/archivist/internal/archive"
	"github.com/tomtom215/archivist/internal/backup"
	"github.com/tomtom215/archivist/internal/events"
	"github.com/tomtom215/archivist/internal/ingest"
	"github.com/tomtom215/archivist/internal/logging"
	"github.com/tomtom215/archivist/internal/supervisor"
	"github.com/tomtom215/archivist/internal/supervisor/services"
	"github.com/tomtom215/archivist/internal/validation"
)

// Config is the whole process configuration.
type Config struct {
	Archive     archive.Config             `koanf:"archive"`
	Events      events.Config              `koanf:"events"`
	HTTP        api.Config                 `koanf:"http"`
	Spool       ingest.Config              `koanf:"spool"`
	Supervisor  supervisor.TreeConfig      `koanf:"supervisor"`
	Maintenance services.MaintenanceConfig `koanf:"maintenance"`
	Backup      backup.Config              `koanf:"backup"`
	Logging     LoggingConfig              `koanf:"logging"`

	// Workers is the number of delivery workers run by serve.
	Workers int `koanf:"workers" validate:"min=0,max=64"`
}

// LoggingConfig is the file-facing half of logging.Config.
type LoggingConfig struct {
	Level      string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format     string `koanf:"format" validate:"oneof=json console"`
	Caller     bool   `koanf:"caller"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb" validate:"min=0"`
	MaxBackups int    `koanf:"max_backups" validate:"min=0"`
	MaxAgeDays int    `koanf:"max_age_days" validate:"min=0"`
}

// ToLogging converts to the logging package's configuration.
func (l LoggingConfig) ToLogging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = l.Level
	cfg.Format = l.Format
	cfg.Caller = l.Caller
	cfg.File = l.File
	if l.MaxSizeMB > 0 {
		cfg.MaxSizeMB = l.MaxSizeMB
	}
	if l.MaxBackups > 0 {
		cfg.MaxBackups = l.MaxBackups
	}
	if l.MaxAgeDays > 0 {
		cfg.MaxAgeDays = l.MaxAgeDays
	}
	return cfg
}

// DefaultStorePath is used when no store path is configured.
const DefaultStorePath = "data/archivist.db"

func defaultConfig() *Config {
	spool := ingest.DefaultConfig("")
	spool.DoneDir = ""
	spool.FailedDir = ""

	ev := events.DefaultConfig()
	ev.Server.StoreDir = filepath.Join(filepath.Dir(DefaultStorePath), "jetstream")

	return &Config{
		Archive:     archive.DefaultConfig(DefaultStorePath),
		Events:      ev,
		HTTP:        api.DefaultConfig(),
		Spool:       spool,
		Supervisor:  supervisor.DefaultTreeConfig(),
		Maintenance: services.DefaultMaintenanceConfig(),
		Backup:      backup.DefaultConfig(),
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Workers: 1,
	}
}

// Default returns the built-in defaults.
func Default() *Config {
	return defaultConfig()
}

// SpoolEnabled reports whether a spool directory is configured.
func (c *Config) SpoolEnabled() bool {
	return c.Spool.Dir != ""
}

// HTTPEnabled reports whether the admin listener is configured.
func (c *Config) HTTPEnabled() bool {
	return c.HTTP.Addr != ""
}

// Validate runs the struct tags and then the checks that span sections.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}
	return errors.Join(
		c.validateDestinations(),
		c.validateEvents(),
		c.validateSpool(),
		c.validateLeases(),
		c.validateBackup(),
	)
}

func (c *Config) validateDestinations() error {
	known := make(map[string]bool, len(c.Archive.Destinations))
	for _, d := range c.Archive.Destinations {
		if known[d.ID] {
			return fmt.Errorf("destination %q is defined twice", d.ID)
		}
		known[d.ID] = true
	}

	ids := make(map[string]bool, len(c.Archive.Schedules))
	for i, s := range c.Archive.Schedules {
		if !known[s.DestinationID] {
			return fmt.Errorf("schedule %d (%s) names unknown destination %q", i, s.ID, s.DestinationID)
		}
		if s.ID == "" {
			// Configured schedules are upserted by id on every start.
			return fmt.Errorf("schedule %d needs an id", i)
		}
		if ids[s.ID] {
			return fmt.Errorf("schedule %q is defined twice", s.ID)
		}
		ids[s.ID] = true
	}
	return nil
}

func (c *Config) validateEvents() error {
	if c.Events.Backend == events.BackendNATS && !c.Events.Embedded && c.Events.URL == "" {
		return fmt.Errorf("events.url is required for the nats backend without an embedded server")
	}
	return nil
}

func (c *Config) validateSpool() error {
	if !c.SpoolEnabled() {
		return nil
	}
	dir := filepath.Clean(c.Spool.Dir)
	for name, other := range map[string]string{"done_dir": c.Spool.DoneDir, "failed_dir": c.Spool.FailedDir} {
		if other != "" && filepath.Clean(other) == dir {
			return fmt.Errorf("spool.%s must differ from spool.dir", name)
		}
	}
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		return fmt.Errorf("spool.dir %s is not a directory", dir)
	}
	return nil
}

// validateLeases rejects a lease that can expire while a delivery is still
// within its timeout; the item would be claimed twice.
func (c *Config) validateLeases() error {
	lease := c.Archive.Forward.LeaseDuration
	for _, d := range c.Archive.Destinations {
		if lease > 0 && d.Timeout >= lease {
			return fmt.Errorf("destination %q timeout %s must be shorter than archive.forward.lease_duration %s",
				d.ID, d.Timeout, lease)
		}
	}
	return nil
}

// validateBackup keeps snapshots out of the directory that holds the store
// and its WAL sidecars.
func (c *Config) validateBackup() error {
	if c.Backup.Dir == "" {
		return nil
	}
	if filepath.Clean(c.Backup.Dir) == filepath.Clean(filepath.Dir(c.Archive.Store.Path)) {
		return fmt.Errorf("backup.dir must differ from the store directory %s", filepath.Dir(c.Archive.Store.Path))
	}
	return nil
}
