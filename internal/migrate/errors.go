// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package migrate

import "fmt"

// MigrationCorruptionError means a stored migration record no longer matches
// the registered migration. It is fatal: the store is halted.
type MigrationCorruptionError struct {
	ID       int
	Name     string
	Expected string
	Stored   string
	Reason   string
}

func (e *MigrationCorruptionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("migration %d (%s) corrupt: %s", e.ID, e.Name, e.Reason)
	}
	return fmt.Sprintf("migration %d (%s) corrupt: stored checksum %s, expected %s",
		e.ID, e.Name, short(e.Stored), short(e.Expected))
}

// OutOfSequenceMigrationError means a migration id was not exactly one past
// the last applied id.
type OutOfSequenceMigrationError struct {
	ID          int
	LastApplied int
}

func (e *OutOfSequenceMigrationError) Error() string {
	return fmt.Sprintf("migration %d out of sequence: last applied is %d, next must be %d",
		e.ID, e.LastApplied, e.LastApplied+1)
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
