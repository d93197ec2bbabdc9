// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/archivist/internal/api"
	"github.com/tomtom215/archivist/internal/archive"
	"github.com/tomtom215/archivist/internal/backup"
	"github.com/tomtom215/archivist/internal/config"
	"github.com/tomtom215/archivist/internal/events"
	"github.com/tomtom215/archivist/internal/ingest"
	"github.com/tomtom215/archivist/internal/logging"
	"github.com/tomtom215/archivist/internal/supervisor"
	"github.com/tomtom215/archivist/internal/supervisor/services"
	"github.com/tomtom215/archivist/internal/websocket"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher, delivery workers, spool watcher and admin API",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// oneShotBus returns a bus for commands that do not run the supervisor
// tree. Only an external NATS server outlives the process, so every other
// backend yields nil.
func oneShotBus(ctx context.Context, cfg *config.Config) (*events.Bus, error) {
	if cfg.Events.Backend != events.BackendNATS || cfg.Events.Embedded {
		return nil, nil
	}
	return events.New(ctx, cfg.Events, logging.Logger())
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.Logger()
	logger.Info().
		Str("store", cfg.Archive.Store.Path).
		Str("events", cfg.Events.Backend).
		Int("workers", cfg.Workers).
		Msg("Starting archivist")

	bus, err := events.New(ctx, cfg.Events, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close event bus")
		}
	}()

	a, err := archive.Open(ctx, cfg.Archive, logger, archive.WithPublisher(bus))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close archive")
		}
	}()

	backups, err := backup.New(cfg.Backup, a, logger)
	if err != nil {
		return err
	}

	tree, err := buildTree(cfg, a, bus, backups)
	if err != nil {
		return err
	}

	logger.Info().Msg("Supervisor tree starting")
	errCh := tree.ServeBackground(ctx)

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received, stopping services")

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-time.After(cfg.Supervisor.ShutdownTimeout + 5*time.Second):
		logger.Error().Msg("Supervisor tree did not stop in time")
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		logger.Error().Err(serveErr).Msg("Supervisor tree stopped with error")
	}

	if report, err := tree.UnstoppedServiceReport(); err != nil {
		logger.Warn().Err(err).Msg("Failed to collect unstopped service report")
	} else if len(report) > 0 {
		for _, svc := range report {
			logger.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
		}
	}

	logger.Info().Msg("Archivist stopped")
	return nil
}

// buildTree places every long-running loop under the supervisor.
func buildTree(cfg *config.Config, a *archive.Archive, bus *events.Bus, backups *backup.Manager) (*supervisor.Tree, error) {
	logger := logging.Logger()
	tree := supervisor.NewTree(logging.NewSlogLogger(logger), cfg.Supervisor)

	maintenance := services.NewMaintenanceService(a, cfg.Maintenance, logger)
	if backups.Interval() > 0 {
		maintenance.WithBackups(backups, backups.Interval())
		logger.Info().Str("dir", cfg.Backup.Dir).Dur("interval", backups.Interval()).Msg("Scheduled backups enabled")
	}
	maintenance.WithRedrive(a)
	tree.AddStoreService(maintenance)

	tree.AddForwardService(a.Dispatcher())
	for i := 0; i < cfg.Workers; i++ {
		tree.AddForwardService(a.NewWorker())
	}

	if cfg.SpoolEnabled() {
		tree.AddIngestService(ingest.New(cfg.Spool, a, logger))
	}

	if cfg.HTTPEnabled() {
		handler := api.NewHandler(a, cfg.HTTP, logger, map[string]api.HealthChecker{"events": bus})
		if cfg.HTTP.EventStream && cfg.Events.Backend != events.BackendNone {
			hub := websocket.NewHub(bus, nil, cfg.HTTP.CORSOrigins, logger)
			tree.AddAPIService(hub)
			handler.WithEventStream(hub)
		}
		server := api.NewServer(cfg.HTTP, handler.Router())
		tree.AddAPIService(services.NewHTTPServerService(server, cfg.HTTP.ShutdownTimeout))
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("Admin API enabled")
	}
	return tree, nil
}
