// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package main

import (
	"github.com/spf13/cobra"

	"github.com/tomtom215/archivist/internal/backup"
	"github.com/tomtom215/archivist/internal/config"
	"github.com/tomtom215/archivist/internal/logging"
)

func newBackupCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list, verify, prune and restore store backups",
		Args:  usageArgs(cobra.NoArgs),
	}
	cmd.AddCommand(
		newBackupCreateCmd(flags),
		newBackupListCmd(flags),
		newBackupVerifyCmd(flags),
		newBackupPruneCmd(flags),
		newBackupRestoreCmd(flags),
	)
	return cmd
}

// backupManager opens the backup index without a store; it can list,
// verify, prune and restore but not create.
func backupManager(flags *globalFlags) (*backup.Manager, *config.Config, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Backup.Dir == "" {
		return nil, nil, &configError{err: backup.ErrDisabled}
	}
	m, err := backup.New(cfg.Backup, nil, logging.Logger())
	if err != nil {
		return nil, nil, err
	}
	return m, cfg, nil
}

func newBackupCreateCmd(flags *globalFlags) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Snapshot the live store into a new backup",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cfg.Backup.Dir == "" {
				return &configError{err: backup.ErrDisabled}
			}
			a, done, err := openArchiveWith(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer done()

			m, err := backup.New(cfg.Backup, a, logging.Logger())
			if err != nil {
				return err
			}
			b, err := m.Create(cmd.Context(), backup.TriggerManual, notes)
			if err != nil {
				return err
			}
			return printJSON(cmd, b)
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "free-form note stored with the backup")
	return cmd
}

func newBackupListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, _, err := backupManager(flags)
			if err != nil {
				return err
			}
			return printJSON(cmd, m.List())
		},
	}
}

func newBackupVerifyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify ID",
		Short: "Check a backup's archive and database checksums",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := backupManager(flags)
			if err != nil {
				return err
			}
			b, err := m.Verify(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, b)
		},
	}
}

func newBackupPruneCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, _, err := backupManager(flags)
			if err != nil {
				return err
			}
			removed, err := m.Prune()
			if removed == nil {
				removed = []backup.Backup{}
			}
			if perr := printJSON(cmd, removed); err == nil {
				err = perr
			}
			return err
		},
	}
}

func newBackupRestoreCmd(flags *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "restore ID",
		Short: "Replace the store with a backup; serve must be stopped",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := backupManager(flags)
			if err != nil {
				return err
			}
			b, err := m.Restore(cmd.Context(), args[0], cfg.Archive.Store.Path, force)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"restored": b.ID,
				"target":   cfg.Archive.Store.Path,
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing store")
	return cmd
}
