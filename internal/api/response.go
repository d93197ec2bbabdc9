// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/archivist/internal/archive"
	"github.com/tomtom215/archivist/internal/forward"
	"github.com/tomtom215/archivist/internal/logging"
	"github.com/tomtom215/archivist/internal/store"
	"github.com/tomtom215/archivist/internal/validation"
)

// APIResponse is the envelope of every admin response.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
	Meta    *APIMeta  `json:"meta,omitempty"`
}

// APIError is the error half of the envelope. Class is the archive result
// class, so clients can decide whether to retry without parsing Code.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Class     string `json:"class,omitempty"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// APIMeta carries tracing data for a response.
type APIMeta struct {
	RequestID  string    `json:"request_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
	Count      *int      `json:"count,omitempty"`
}

// Error codes
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeTooManyRequests    = "TOO_MANY_REQUESTS"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeStoreHalted        = "STORE_HALTED"
)

// retryAfterSeconds is advertised on retryable failures.
const retryAfterSeconds = 1

// ResponseWriter writes enveloped JSON responses for one request.
type ResponseWriter struct {
	w         http.ResponseWriter
	r         *http.Request
	startTime time.Time
}

// NewResponseWriter creates a response writer.
func NewResponseWriter(w http.ResponseWriter, r *http.Request) *ResponseWriter {
	return &ResponseWriter{w: w, r: r, startTime: time.Now()}
}

// Success writes 200 with data.
func (rw *ResponseWriter) Success(data any) {
	rw.write(http.StatusOK, APIResponse{Success: true, Data: data, Meta: rw.meta()})
}

// List writes 200 with a slice and its length in the metadata.
func (rw *ResponseWriter) List(data any, count int) {
	meta := rw.meta()
	meta.Count = &count
	rw.write(http.StatusOK, APIResponse{Success: true, Data: data, Meta: meta})
}

// Created writes 201 with data.
func (rw *ResponseWriter) Created(data any) {
	rw.write(http.StatusCreated, APIResponse{Success: true, Data: data, Meta: rw.meta()})
}

// Error writes an error envelope.
func (rw *ResponseWriter) Error(status int, code, message string) {
	rw.ErrorWithDetails(status, code, message, "", nil)
}

// ErrorWithDetails writes an error envelope with a result class and details.
func (rw *ResponseWriter) ErrorWithDetails(status int, code, message, class string, details any) {
	meta := rw.meta()
	rw.write(status, APIResponse{
		Error: &APIError{
			Code:      code,
			Message:   message,
			Class:     class,
			Details:   details,
			RequestID: meta.RequestID,
		},
		Meta: meta,
	})
}

// BadRequest writes 400.
func (rw *ResponseWriter) BadRequest(message string) {
	rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeBadRequest, message, archive.ClassRejected.String(), nil)
}

// NotFound writes 404.
func (rw *ResponseWriter) NotFound(message string) {
	rw.ErrorWithDetails(http.StatusNotFound, ErrCodeNotFound, message, archive.ClassRejected.String(), nil)
}

// ServiceUnavailable writes 503.
func (rw *ResponseWriter) ServiceUnavailable(message string) {
	rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, message)
}

// ArchiveError maps an archive error onto a status by its result class.
func (rw *ResponseWriter) ArchiveError(err error) {
	class := archive.Classify(err)
	var (
		invalid    *validation.RequestValidationError
		transition *forward.InvalidTransitionError
	)

	switch class {
	case archive.ClassUnrecoverable:
		logging.Ctx(rw.r.Context(), logging.Logger()).Error().Err(err).Msg("Archive refused request")
		rw.ErrorWithDetails(http.StatusServiceUnavailable, ErrCodeStoreHalted, err.Error(), class.String(), nil)
	case archive.ClassRetryLater:
		logging.Ctx(rw.r.Context(), logging.Logger()).Warn().Err(err).Msg("Archive request failed, retryable")
		rw.w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		rw.ErrorWithDetails(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error(), class.String(), nil)
	case archive.ClassRejected:
		switch {
		case errors.As(err, &invalid):
			rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, "request validation failed", class.String(), invalid.Errors)
		case errors.Is(err, store.ErrNotFound):
			rw.NotFound(err.Error())
		case errors.As(err, &transition), errors.Is(err, forward.ErrScheduleDisabled):
			rw.ErrorWithDetails(http.StatusConflict, ErrCodeConflict, err.Error(), class.String(), nil)
		default:
			rw.BadRequest(err.Error())
		}
	default:
		rw.ErrorWithDetails(http.StatusInternalServerError, ErrCodeInternalError, err.Error(), class.String(), nil)
	}
}

func (rw *ResponseWriter) meta() *APIMeta {
	return &APIMeta{
		RequestID:  logging.RequestIDFromContext(rw.r.Context()),
		Timestamp:  time.Now().UTC(),
		DurationMs: time.Since(rw.startTime).Milliseconds(),
	}
}

func (rw *ResponseWriter) write(status int, body APIResponse) {
	rw.w.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.w.WriteHeader(status)
	if err := json.NewEncoder(rw.w).Encode(body); err != nil {
		logging.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
