// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package archive

import (
	"context"
	"errors"

	"github.com/tomtom215/archivist/internal/delivery"
	"github.com/tomtom215/archivist/internal/forward"
	"github.com/tomtom215/archivist/internal/hashing"
	"github.com/tomtom215/archivist/internal/migrate"
	"github.com/tomtom215/archivist/internal/store"
	"github.com/tomtom215/archivist/internal/validation"
)

// ResultClass tells a caller what to do with the outcome of a call.
type ResultClass int

const (
	// ClassProcessed: the call completed; duplicates are processed too.
	ClassProcessed ResultClass = iota
	// ClassRetryLater: contention or a deadline; the same call may succeed.
	ClassRetryLater
	// ClassRejected: the request itself is wrong and retrying will not help.
	ClassRejected
	// ClassUnrecoverable: the store refuses writes until an operator acts.
	ClassUnrecoverable
)

func (c ResultClass) String() string {
	switch c {
	case ClassProcessed:
		return "processed"
	case ClassRetryLater:
		return "retry_later"
	case ClassRejected:
		return "rejected"
	case ClassUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// ExitCode maps the class onto a process exit status.
func (c ResultClass) ExitCode() int {
	switch c {
	case ClassProcessed:
		return 0
	case ClassRetryLater:
		return 75 // EX_TEMPFAIL
	case ClassRejected:
		return 65 // EX_DATAERR
	default:
		return 70 // EX_SOFTWARE
	}
}

// Classify sorts err into a ResultClass. Unrecognized errors are treated as
// retryable.
func Classify(err error) ResultClass {
	if err == nil {
		return ClassProcessed
	}

	var (
		corrupt    *migrate.MigrationCorruptionError
		sequence   *migrate.OutOfSequenceMigrationError
		ref        *store.ReferentialIntegrityError
		transition *forward.InvalidTransitionError
		invalid    *validation.RequestValidationError
	)
	switch {
	case errors.Is(err, store.ErrHalted), errors.As(err, &corrupt), errors.As(err, &sequence):
		return ClassUnrecoverable
	case errors.Is(err, store.ErrStoreBusy), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassRetryLater
	case errors.As(err, &ref), errors.As(err, &transition), errors.As(err, &invalid),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, forward.ErrScheduleDisabled),
		errors.Is(err, forward.ErrInvalidRequest),
		errors.Is(err, hashing.ErrSizeMismatch),
		errors.Is(err, hashing.ErrUnsupportedAlgorithm),
		errors.Is(err, hashing.ErrInvalidDigest),
		errors.Is(err, delivery.ErrUnknownDestination):
		return ClassRejected
	default:
		return ClassRetryLater
	}
}
