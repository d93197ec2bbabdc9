// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomtom215/archivist/internal/delivery"
	"github.com/tomtom215/archivist/internal/export"
	"github.com/tomtom215/archivist/internal/logging"
	"github.com/tomtom215/archivist/internal/sorting"
	"github.com/tomtom215/archivist/internal/store"
)

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and print the history",
		Long: "Opening the store applies every pending migration and verifies the " +
			"checksums of those already applied. A checksum mismatch or a gap in " +
			"the history halts the store and exits 70.",
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, done, err := openArchive(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()

			records, err := a.Migrations(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, records)
		},
	}
}

func newVerifyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check referential integrity and the forwarding counters",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, done, err := openArchive(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()

			anomalies, err := a.VerifyIntegrity(cmd.Context())
			if err != nil {
				return err
			}
			if anomalies == nil {
				anomalies = []store.Anomaly{}
			}
			if err := printJSON(cmd, anomalies); err != nil {
				return err
			}
			if len(anomalies) > 0 {
				return fmt.Errorf("%w: %d", errAnomalies, len(anomalies))
			}
			return nil
		},
	}
}

func newCategoriesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "categories [CATEGORY]",
		Short: "Show file counts and sizes per category",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := openArchive(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()

			if len(args) == 1 {
				stats, err := a.GroupStats(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			}
			all, err := a.ListGroupStats(cmd.Context())
			if err != nil {
				return err
			}
			if all == nil {
				all = []sorting.GroupStats{}
			}
			return printJSON(cmd, all)
		},
	}
}

func newReassignCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reassign SHA256 CATEGORY",
		Short: "Move a file to another category, keeping its assignment history",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := openArchive(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()

			assignment, err := a.Reassign(cmd.Context(), digestArg(args[0]), args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, assignment)
		},
	}
}

func newExportCmd(flags *globalFlags) *cobra.Command {
	var (
		destination string
		out         string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the rows of a duckdb destination to a Parquet file",
		Long: "The duckdb file is opened directly, so export cannot run while " +
			"serve holds the same file.",
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return fmt.Errorf("%w: --out is required", errUsage)
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			dest, err := duckDBDestination(cfg.Archive.Destinations, destination)
			if err != nil {
				return err
			}

			sink, err := export.Open(cmd.Context(), dest, logging.Logger())
			if err != nil {
				return err
			}
			defer func() { _ = sink.Close() }()

			if err := sink.ExportParquet(cmd.Context(), out); err != nil {
				return err
			}
			counts, err := sink.CountBySchedule(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"path": out, "rows_by_schedule": counts})
		},
	}
	cmd.Flags().StringVar(&destination, "destination", "", "duckdb destination id (default: the only one configured)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Parquet file to write")
	return cmd
}

// duckDBDestination picks the named duckdb destination, or the only one
// when id is empty.
func duckDBDestination(dests []delivery.DestinationConfig, id string) (delivery.DestinationConfig, error) {
	var found []delivery.DestinationConfig
	for _, d := range dests {
		if d.Kind != delivery.KindDuckDB {
			continue
		}
		if id == "" || d.ID == id {
			found = append(found, d)
		}
	}
	switch {
	case len(found) == 1:
		return found[0], nil
	case len(found) == 0 && id != "":
		return delivery.DestinationConfig{}, fmt.Errorf("%w: no duckdb destination %q", errUsage, id)
	case len(found) == 0:
		return delivery.DestinationConfig{}, fmt.Errorf("%w: no duckdb destination configured", errUsage)
	default:
		return delivery.DestinationConfig{}, fmt.Errorf("%w: %d duckdb destinations, choose one with --destination", errUsage, len(found))
	}
}
