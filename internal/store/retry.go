// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/archivist/internal/metrics"
)

// RetryPolicy is the single busy-retry policy applied to every write.
type RetryPolicy struct {
	MaxAttempts int           `koanf:"max_attempts" validate:"min=1,max=20"`
	BaseDelay   time.Duration `koanf:"base_delay" validate:"min=1ms"`
	MaxDelay    time.Duration `koanf:"max_delay"`
}

// DefaultRetryPolicy returns 5 attempts starting at 50ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Backoff returns the wait before retry number attempt (1-based):
// BaseDelay * 2^(attempt-1), capped at MaxDelay when set.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Do runs fn until it succeeds, fails with a non-busy error, the context is
// done, or MaxAttempts is reached. Exhaustion wraps ErrStoreBusy.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !IsBusy(err) {
			return err
		}
		if attempt >= maxAttempts {
			metrics.StoreBusyExhausted.Inc()
			return fmt.Errorf("%w after %d attempts: %w", ErrStoreBusy, attempt, err)
		}

		metrics.StoreBusyRetries.Inc()
		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
