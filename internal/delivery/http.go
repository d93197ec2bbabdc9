// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	userAgent        = "Archivist/1.0"
	maxResponseBytes = 4096
	defaultTimeout   = 30 * time.Second
)

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// validateURL requires an absolute http or https URL.
func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// classifyTransportError maps a client error onto an error code.
func classifyTransportError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorCodeTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorCodeConnectionFailed
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ErrorCodeTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "refused"):
		return ErrorCodeConnectionFailed
	}
	return ErrorCodeUnknown
}

// classifyStatus maps a non-2xx HTTP status onto an error code.
func classifyStatus(code int) string {
	switch {
	case code == http.StatusUnauthorized:
		return ErrorCodeAuthFailed
	case code == http.StatusForbidden:
		return ErrorCodeForbidden
	case code == http.StatusNotFound:
		return ErrorCodeNotFound
	case code == http.StatusRequestEntityTooLarge:
		return ErrorCodeContentTooLarge
	case code == http.StatusTooManyRequests:
		return ErrorCodeRateLimited
	case code == http.StatusRequestTimeout:
		return ErrorCodeTimeout
	case code >= 500:
		return ErrorCodeServerError
	case code >= 400:
		return ErrorCodeInvalidRequest
	default:
		return ErrorCodeUnknown
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
