// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package delivery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// errorsAs keeps the test tables terse.
func errorsAs(err error, target **Error) bool {
	return errors.As(err, target)
}

type closingTransport struct {
	LogSink
	closed bool
}

func (c *closingTransport) Close() error {
	c.closed = true
	return nil
}

func TestRegistryConfigure(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(zerolog.Nop())

	err := reg.Configure([]DestinationConfig{
		{ID: "audit", Kind: KindLog},
		{ID: "hook", Kind: KindWebhook, URL: "https://example.com/hook", RatePerSecond: 2, Burst: 4},
		{ID: "tg", Kind: KindTelegram, BotToken: testToken, ChatID: "-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := reg.IDs(); !slices.Equal(got, []string{"audit", "hook", "tg"}) {
		t.Errorf("IDs() = %v", got)
	}

	tr, err := reg.Lookup("hook")
	if err != nil || tr.Kind() != KindWebhook {
		t.Fatalf("Lookup(hook) = %v, %v", tr, err)
	}
	cfg, ok := reg.Config("hook")
	if !ok || cfg.RatePerSecond != 2 || cfg.Burst != 4 {
		t.Errorf("Config(hook) = %+v, %v", cfg, ok)
	}
	if _, err := reg.Lookup("missing"); !errors.Is(err, ErrUnknownDestination) {
		t.Errorf("expected ErrUnknownDestination, got %v", err)
	}
}

func TestRegistryRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfgs []DestinationConfig
	}{
		{"duplicate", []DestinationConfig{{ID: "a", Kind: KindLog}, {ID: "a", Kind: KindLog}}},
		{"unknown kind", []DestinationConfig{{ID: "a", Kind: "carrier-pigeon"}}},
		{"unregistered duckdb", []DestinationConfig{{ID: "a", Kind: KindDuckDB}}},
		{"invalid webhook", []DestinationConfig{{ID: "a", Kind: KindWebhook}}},
		{"empty id", []DestinationConfig{{Kind: KindLog}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := NewRegistry(zerolog.Nop()).Configure(tt.cfgs); err == nil {
				t.Error("expected Configure to fail")
			}
		})
	}
}

func TestRegistryCustomFactoryAndClose(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(zerolog.Nop())
	ct := &closingTransport{}
	reg.RegisterFactory(KindDuckDB, func(DestinationConfig, zerolog.Logger) (Transport, error) {
		return ct, nil
	})
	if err := reg.Configure([]DestinationConfig{{ID: "lake", Kind: KindDuckDB}}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Close(); err != nil {
		t.Fatal(err)
	}
	if !ct.closed {
		t.Error("expected transport to be closed")
	}
}

func TestLogSink(t *testing.T) {
	t.Parallel()
	sink := NewLogSink("audit", zerolog.Nop())
	ref, err := sink.Deliver(t.Context(), testRequest())
	if err != nil || ref != testRequest().ItemID {
		t.Errorf("Deliver = %q, %v", ref, err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := sink.Deliver(ctx, testRequest()); err == nil || IsPermanent(err) {
		t.Errorf("expected transient error on cancelled context, got %v", err)
	}
}

func TestClassification(t *testing.T) {
	t.Parallel()

	if !IsPermanent(&Error{Code: ErrorCodeForbidden}) {
		t.Error("non-transient *Error should be permanent")
	}
	if IsPermanent(fmt.Errorf("wrapped: %w", newError(ErrorCodeTimeout, "slow", nil))) {
		t.Error("timeout should be transient")
	}
	if IsPermanent(errors.New("plain")) {
		t.Error("unclassified errors should be transient")
	}
	if !newError(ErrorCodeUnknown, "?", nil).Transient {
		t.Error("unknown errors should be retried")
	}

	statuses := map[int]string{
		401: ErrorCodeAuthFailed,
		403: ErrorCodeForbidden,
		404: ErrorCodeNotFound,
		408: ErrorCodeTimeout,
		413: ErrorCodeContentTooLarge,
		429: ErrorCodeRateLimited,
		400: ErrorCodeInvalidRequest,
		500: ErrorCodeServerError,
		302: ErrorCodeUnknown,
	}
	for status, want := range statuses {
		if got := classifyStatus(status); got != want {
			t.Errorf("classifyStatus(%d) = %s, want %s", status, got, want)
		}
	}

	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	retry := map[string]time.Duration{
		"":                              0,
		"120":                           2 * time.Minute,
		"-5":                            0,
		"Fri, 16 Oct 2026 12:01:00 GMT": time.Minute,
		"Fri, 16 Oct 2026 11:00:00 GMT": 0,
		"soon":                          0,
	}
	for v, want := range retry {
		if got := parseRetryAfter(v, now); got != want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", v, got, want)
		}
	}
}
