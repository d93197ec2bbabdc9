// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/store"
)

// Maintainer is the part of the archive the maintenance loop drives.
type Maintainer interface {
	Checkpoint(ctx context.Context) error
	VerifyIntegrity(ctx context.Context) ([]store.Anomaly, error)
}

// Backuper takes a scheduled backup and applies retention.
type Backuper interface {
	RunScheduled(ctx context.Context) error
}

// Redriver finishes dispatches interrupted between recording a file and
// handing it to the forwarding layer.
type Redriver interface {
	Redrive(ctx context.Context) (int, error)
}

// MaintenanceConfig sets the job periods; zero disables a job.
type MaintenanceConfig struct {
	CheckpointInterval time.Duration `koanf:"checkpoint_interval" validate:"min=0"`
	IntegrityInterval  time.Duration `koanf:"integrity_interval" validate:"min=0"`
	RedriveInterval    time.Duration `koanf:"redrive_interval" validate:"min=0"`
}

// DefaultMaintenanceConfig checkpoints every 5 minutes, redrives every
// minute and verifies hourly.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		CheckpointInterval: 5 * time.Minute,
		IntegrityInterval:  time.Hour,
		RedriveInterval:    time.Minute,
	}
}

// MaintenanceService flushes the WAL, runs the read-only integrity checks,
// redrives interrupted dispatches and takes backups on timers. Anomalies are logged and exported as metrics
// by the store; nothing is repaired.
type MaintenanceService struct {
	target Maintainer
	cfg    MaintenanceConfig
	logger zerolog.Logger

	backups        Backuper
	backupInterval time.Duration

	redrive Redriver
}

// NewMaintenanceService creates the service.
func NewMaintenanceService(target Maintainer, cfg MaintenanceConfig, logger zerolog.Logger) *MaintenanceService {
	return &MaintenanceService{
		target: target,
		cfg:    cfg,
		logger: logger.With().Str("component", "maintenance").Logger(),
	}
}

// WithBackups adds a backup job every interval. A zero interval or nil b
// leaves it off.
func (m *MaintenanceService) WithBackups(b Backuper, interval time.Duration) *MaintenanceService {
	m.backups, m.backupInterval = b, interval
	return m
}

// WithRedrive runs r every RedriveInterval.
func (m *MaintenanceService) WithRedrive(r Redriver) *MaintenanceService {
	m.redrive = r
	return m
}

// Serve runs until ctx is canceled.
func (m *MaintenanceService) Serve(ctx context.Context) error {
	checkpoint := ticker(m.cfg.CheckpointInterval)
	defer checkpoint.Stop()
	integrity := ticker(m.cfg.IntegrityInterval)
	defer integrity.Stop()
	backupEvery := m.backupInterval
	if m.backups == nil {
		backupEvery = 0
	}
	backups := ticker(backupEvery)
	defer backups.Stop()
	redriveEvery := m.cfg.RedriveInterval
	if m.redrive == nil {
		redriveEvery = 0
	}
	redrive := ticker(redriveEvery)
	defer redrive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-checkpoint.C:
			if err := m.target.Checkpoint(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn().Err(err).Msg("WAL checkpoint failed")
			}
		case <-integrity.C:
			m.RunIntegrity(ctx)
		case <-backups.C:
			if err := m.backups.RunScheduled(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Msg("Scheduled backup failed")
			}
		case <-redrive.C:
			if n, err := m.redrive.Redrive(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Int("redriven", n).Msg("Redrive failed")
			} else if n > 0 {
				m.logger.Info().Int("redriven", n).Msg("Redrove undispatched files")
			}
		}
	}
}

// RunIntegrity performs one verification pass and returns the anomaly count.
func (m *MaintenanceService) RunIntegrity(ctx context.Context) int {
	start := time.Now()
	anomalies, err := m.target.VerifyIntegrity(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Error().Err(err).Msg("Integrity verification failed")
		}
		return 0
	}
	for _, a := range anomalies {
		m.logger.Warn().Str("kind", a.Kind).Str("table", a.Table).Str("key", a.Key).Str("detail", a.Detail).
			Msg("Integrity anomaly")
	}
	m.logger.Info().Int("anomalies", len(anomalies)).Dur("duration", time.Since(start)).Msg("Integrity verification finished")
	return len(anomalies)
}

func (m *MaintenanceService) String() string {
	return "store-maintenance"
}

// ticker returns a stopped-forever ticker for a zero period.
func ticker(d time.Duration) *time.Ticker {
	if d <= 0 {
		t := time.NewTicker(time.Hour)
		t.Stop()
		return t
	}
	return time.NewTicker(d)
}
