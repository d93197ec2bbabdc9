// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package store

import (
	"errors"
	"fmt"
	"io"

	"github.com/ncruces/go-sqlite3"

	"github.com/tomtom215/archivist/internal/logging"
)

var (
	// ErrStoreBusy is returned once busy retries are exhausted.
	ErrStoreBusy = errors.New("store busy")

	// ErrHalted is returned by every write after Halt has been called.
	ErrHalted = errors.New("store halted")

	// ErrNotFound is returned when a keyed lookup matches no row.
	ErrNotFound = errors.New("not found")
)

// ReferentialIntegrityError reports a write that referenced a row which
// does not exist. It is a caller bug and is never retried.
type ReferentialIntegrityError struct {
	Table string
	Key   string
	Err   error
}

func (e *ReferentialIntegrityError) Error() string {
	switch {
	case e.Table != "" && e.Key != "":
		return fmt.Sprintf("referential integrity: %s %q does not exist", e.Table, e.Key)
	case e.Err != nil:
		return fmt.Sprintf("referential integrity: %v", e.Err)
	default:
		return "referential integrity violation"
	}
}

func (e *ReferentialIntegrityError) Unwrap() error {
	return e.Err
}

// IsBusy reports whether err is a transient lock condition worth retrying.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED)
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY conflict.
func IsUniqueViolation(err error) bool {
	return errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) || errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY)
}

// classify maps driver errors onto the store taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ref *ReferentialIntegrityError
	if errors.As(err, &ref) {
		return err
	}
	if errors.Is(err, sqlite3.CONSTRAINT_FOREIGNKEY) {
		return &ReferentialIntegrityError{Err: err}
	}
	return err
}

// closeWithLog closes a resource and logs any error.
func closeWithLog(closer io.Closer, resourceType string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logging.Warn().Str("type", resourceType).Err(err).Msg("Failed to close resource")
	}
}
