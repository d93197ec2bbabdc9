// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package backup takes consistent snapshots of the archive store, keeps
// them as checksummed tar.gz archives under a retention policy, and
// restores one over a stopped store.
//
// Archive layout:
//
//	archivist-{timestamp}-{id}.tar.gz
//	├── database/archivist.db   (VACUUM INTO snapshot)
//	└── metadata.json           (Backup record)
//
// The backup directory also holds index.json, the list of every backup
// with the checksum of its archive file.
package backup

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDisabled is returned when no backup directory is configured.
	ErrDisabled = errors.New("backups are disabled")
	// ErrNotFound is returned for an id missing from the index.
	ErrNotFound = errors.New("backup not found")
	// ErrCorrupted is returned when an archive fails checksum verification.
	ErrCorrupted = errors.New("backup corrupted")
	// ErrTargetExists is returned by Restore when the target store exists
	// and overwriting was not requested.
	ErrTargetExists = errors.New("restore target exists")
)

// Trigger records what started a backup.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// Backup describes one snapshot archive.
type Backup struct {
	ID        string        `json:"id"`
	Trigger   Trigger       `json:"trigger"`
	CreatedAt time.Time     `json:"created_at"`
	Duration  time.Duration `json:"duration_ns"`

	// FileName is relative to the backup directory.
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	// Checksum is the SHA-256 of the archive file.
	Checksum string `json:"checksum"`

	DatabaseSize     int64  `json:"database_size"`
	DatabaseChecksum string `json:"database_checksum"`

	Notes string `json:"notes,omitempty"`
}

// Snapshotter writes a consistent copy of a live store to a new file.
type Snapshotter interface {
	Snapshot(ctx context.Context, path string) error
}

const (
	databaseEntry = "database/archivist.db"
	metadataEntry = "metadata.json"
	indexFile     = "index.json"
)
