// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package delivery provides the destination transports used by the forward
// workers.
//
// A destination is a configured transport instance identified by the
// destination_id of a schedule:
//   - webhook: JSON POST of the file reference to an HTTP endpoint
//   - telegram: Bot API copyMessage from the source chat
//   - log: writes the delivery to the structured log
//   - duckdb: appends to an analytics table (registered by package export)
//
// Transports never retry; the queue owns attempt accounting. Failures are
// returned as *Error, whose Transient flag decides whether the item is
// retried or dead-lettered.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind names a transport implementation.
type Kind string

const (
	KindWebhook  Kind = "webhook"
	KindTelegram Kind = "telegram"
	KindLog      Kind = "log"
	KindDuckDB   Kind = "duckdb"
)

// Request is one file reference to forward.
type Request struct {
	ItemID          string    `json:"item_id"`
	ScheduleID      string    `json:"schedule_id"`
	DestinationID   string    `json:"destination_id"`
	ContentSHA256   string    `json:"content_sha256"`
	SizeBytes       int64     `json:"size_bytes"`
	MimeHint        string    `json:"mime_hint,omitempty"`
	SourceChannelID string    `json:"source_channel_id"`
	SourceMessageID string    `json:"source_message_id"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	Attempt         int       `json:"attempt"`
}

// Transport delivers a request and returns the remote reference, such as a
// message id, when the destination provides one.
type Transport interface {
	Kind() Kind
	Deliver(ctx context.Context, req Request) (string, error)
}

// Error codes for delivery failures.
const (
	ErrorCodeInvalidConfig    = "INVALID_CONFIG"
	ErrorCodeInvalidRequest   = "INVALID_REQUEST"
	ErrorCodeConnectionFailed = "CONNECTION_FAILED"
	ErrorCodeAuthFailed       = "AUTH_FAILED"
	ErrorCodeRateLimited      = "RATE_LIMITED"
	ErrorCodeContentTooLarge  = "CONTENT_TOO_LARGE"
	ErrorCodeNotFound         = "NOT_FOUND"
	ErrorCodeForbidden        = "FORBIDDEN"
	ErrorCodeServerError      = "SERVER_ERROR"
	ErrorCodeTimeout          = "TIMEOUT"
	ErrorCodeUnknown          = "UNKNOWN"
)

// Error is a classified delivery failure.
type Error struct {
	Code       string
	Message    string
	Status     int
	Transient  bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Transient: isTransientCode(code), Err: err}
}

// IsPermanent reports whether err is a delivery failure retrying cannot fix.
// Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	var de *Error
	return errors.As(err, &de) && !de.Transient
}

// RetryAfter returns the delay requested by the destination, if any.
func RetryAfter(err error) time.Duration {
	var de *Error
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

func isTransientCode(code string) bool {
	switch code {
	case ErrorCodeConnectionFailed, ErrorCodeTimeout, ErrorCodeRateLimited, ErrorCodeServerError, ErrorCodeUnknown:
		return true
	default:
		return false
	}
}
