// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Command archivist runs the archive service and its operator commands.
//
// The exit status of every command follows the result class of its error:
// 0 processed, 75 retry later, 65 rejected and 70 unrecoverable. An
// unusable configuration exits 78, a bad invocation 64, an unreadable input
// file 66 and verify exits 1 when it finds anomalies. The backup commands
// exit 65 for a missing or corrupted backup and 73 when restore would
// overwrite an existing store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomtom215/archivist/internal/archive"
	"github.com/tomtom215/archivist/internal/backup"
	"github.com/tomtom215/archivist/internal/config"
	"github.com/tomtom215/archivist/internal/logging"
)

const (
	exitAnomalies = 1
	exitUsage     = 64 // EX_USAGE
	exitDataErr   = 65 // EX_DATAERR
	exitNoInput   = 66 // EX_NOINPUT
	exitCantCreat = 73 // EX_CANTCREAT
	exitConfig    = 78 // EX_CONFIG
)

// configError marks a failure to load or validate the configuration.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

var (
	// errAnomalies is returned by verify when the store is inconsistent.
	errAnomalies = errors.New("integrity anomalies found")
	errUsage     = errors.New("invalid usage")
	errNoInput   = errors.New("cannot read input")
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	dbPath     string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "archivist:", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	var cfgErr *configError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.Is(err, errAnomalies):
		return exitAnomalies
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, errNoInput):
		return exitNoInput
	case errors.Is(err, backup.ErrDisabled):
		return exitConfig
	case errors.Is(err, backup.ErrCorrupted), errors.Is(err, backup.ErrNotFound):
		return exitDataErr
	case errors.Is(err, backup.ErrTargetExists):
		return exitCantCreat
	default:
		return archive.Classify(err).ExitCode()
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "archivist",
		Short:         "Content-addressed archive with deduplication and forwarding",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
			}
			return cmd.Help()
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errUsage, err)
	})
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (default: $CONFIG_PATH or ./archivist.yaml)")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "store path, overrides archive.store.path")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level, overrides logging.level")

	root.AddCommand(
		newServeCmd(flags),
		newMigrateCmd(flags),
		newVerifyCmd(flags),
		newSubmitCmd(flags),
		newLookupCmd(flags),
		newSimilarCmd(flags),
		newScheduleCmd(flags),
		newStatusCmd(flags),
		newItemsCmd(flags),
		newClaimCmd(flags),
		newMarkResultCmd(flags),
		newCategoriesCmd(flags),
		newReassignCmd(flags),
		newExportCmd(flags),
		newBackupCmd(flags),
	)
	return root
}

// usageArgs marks argument count errors as usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
		return nil
	}
}

// loadConfig loads the configuration, applies flag overrides and
// initializes logging from it.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, &configError{err: err}
	}
	if flags.dbPath != "" {
		cfg.Archive.Store.Path = flags.dbPath
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	logging.Init(cfg.Logging.ToLogging())
	return cfg, nil
}

// openArchive opens the store for a one-shot command. Events go to an
// external NATS server when one is configured and are dropped otherwise.
func openArchive(ctx context.Context, flags *globalFlags) (*archive.Archive, func(), error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, err
	}
	return openArchiveWith(ctx, cfg)
}

func openArchiveWith(ctx context.Context, cfg *config.Config) (*archive.Archive, func(), error) {
	logger := logging.Logger()

	var opts []archive.Option
	closeBus := func() {}
	if bus, err := oneShotBus(ctx, cfg); err != nil {
		return nil, nil, err
	} else if bus != nil {
		opts = append(opts, archive.WithPublisher(bus))
		closeBus = func() { _ = bus.Close() }
	}

	a, err := archive.Open(ctx, cfg.Archive, logger, opts...)
	if err != nil {
		closeBus()
		return nil, nil, err
	}
	return a, func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close archive")
		}
		closeBus()
	}, nil
}
