// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got '%s'", cfg.Level)
	}
	if cfg.Format != "json" {
		t.Errorf("expected default format 'json', got '%s'", cfg.Format)
	}
	if !cfg.Timestamp {
		t.Error("expected default timestamp to be true")
	}
	if cfg.MaxSizeMB != 100 || cfg.MaxBackups != 5 || cfg.MaxAgeDays != 30 {
		t.Errorf("unexpected rotation defaults: %+v", cfg)
	}
}

func TestInit(t *testing.T) {
	var buf bytes.Buffer

	Init(Config{
		Level:     "debug",
		Format:    "json",
		Timestamp: true,
		Output:    &buf,
	})
	t.Cleanup(func() { Init(DefaultConfig()) })

	Info().Str("sha256", "abc").Msg("file recorded")

	output := buf.String()
	if !strings.Contains(output, "file recorded") {
		t.Errorf("expected output to contain message, got: %s", output)
	}
	if !strings.Contains(output, `"level":"info"`) {
		t.Errorf("expected output to contain level, got: %s", output)
	}
	if !strings.Contains(output, `"sha256":"abc"`) {
		t.Errorf("expected structured field, got: %s", output)
	}
}

func TestInitWithRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archivist.log")

	Init(Config{Level: "info", Format: "json", File: path})
	t.Cleanup(func() { Init(DefaultConfig()) })

	Warn().Msg("rotating writer")
	Init(DefaultConfig())

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "rotating writer") {
		t.Errorf("expected log file to contain message, got: %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"DEBUG", zerolog.DebugLevel},
		{"invalid", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSlogHandler(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	slogger := NewSlogLogger(NewTestLogger(&buf))

	slogger.With("service", "forward-worker").
		WithGroup("suture").
		Warn("service restarted", "attempt", 3, "err", errors.New("boom"))

	out := buf.String()
	for _, want := range []string{
		`"level":"warn"`,
		`"message":"service restarted"`,
		`"service":"forward-worker"`,
		`"suture.attempt":3`,
		`"error":"boom"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in output: %s", want, out)
		}
	}
}

func TestSlogHandlerEnabled(t *testing.T) {
	t.Parallel()

	h := NewSlogHandler(zerolog.New(&bytes.Buffer{}).Level(zerolog.WarnLevel))
	if h.Enabled(t.Context(), slog.LevelInfo) {
		t.Error("info should be disabled for a warn-level logger")
	}
	if !h.Enabled(t.Context(), slog.LevelError) {
		t.Error("error should be enabled for a warn-level logger")
	}
}
