// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package ingest feeds files dropped into a spool directory to the archive.
//
// Writers place the data file into the spool directory with a rename once
// it is complete. Metadata travels in an optional sidecar named
// "<file>.meta.json", which must be in place before the data file appears.
// Without a sidecar the configured default source is used and the file
// name becomes the message id.
//
// Processed files move to the done directory. Rejected files move to the
// failed directory next to a ".error" note. Files that failed for a
// transient reason stay in place and are retried by the periodic rescan.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/archive"
	"github.com/tomtom215/archivist/internal/hashing"
	"github.com/tomtom215/archivist/internal/metrics"
)

// SidecarSuffix names metadata files.
const SidecarSuffix = ".meta.json"

// Config configures the spool watcher.
type Config struct {
	Dir           string        `koanf:"dir"`
	DoneDir       string        `koanf:"done_dir"`
	FailedDir     string        `koanf:"failed_dir"`
	DefaultSource string        `koanf:"default_source" validate:"omitempty,identifier"`
	Settle        time.Duration `koanf:"settle" validate:"min=0"`
	Rescan        time.Duration `koanf:"rescan" validate:"min=0"`
}

// DefaultConfig returns a watcher for dir with done/ and failed/ inside it.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		DoneDir:       filepath.Join(dir, "done"),
		FailedDir:     filepath.Join(dir, "failed"),
		DefaultSource: "spool",
		Settle:        500 * time.Millisecond,
		Rescan:        time.Minute,
	}
}

// Sidecar is the metadata file accompanying a spooled file.
type Sidecar struct {
	SourceID        string   `json:"source_id"`
	SourceMessageID string   `json:"source_message_id"`
	MimeHint        string   `json:"mime_hint,omitempty"`
	Labels          []string `json:"labels,omitempty"`
}

// Submitter is the part of the archive the spool uses.
type Submitter interface {
	Submit(ctx context.Context, r io.Reader, md archive.SubmitMetadata) (archive.SubmitResult, error)
}

// Spool watches one directory.
type Spool struct {
	cfg    Config
	target Submitter
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New creates a spool watcher. The directories are created on Serve.
func New(cfg Config, target Submitter, logger zerolog.Logger) *Spool {
	def := DefaultConfig(cfg.Dir)
	if cfg.DoneDir == "" {
		cfg.DoneDir = def.DoneDir
	}
	if cfg.FailedDir == "" {
		cfg.FailedDir = def.FailedDir
	}
	if cfg.DefaultSource == "" {
		cfg.DefaultSource = def.DefaultSource
	}
	if cfg.Rescan <= 0 {
		cfg.Rescan = def.Rescan
	}
	return &Spool{
		cfg:     cfg,
		target:  target,
		logger:  logger.With().Str("component", "spool").Str("dir", cfg.Dir).Logger(),
		pending: make(map[string]*time.Timer),
	}
}

// String names the service in supervisor logs.
func (s *Spool) String() string {
	return "spool-watcher"
}

// Serve watches the spool until ctx is done.
func (s *Spool) Serve(ctx context.Context) error {
	for _, dir := range []string{s.cfg.Dir, s.cfg.DoneDir, s.cfg.FailedDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create spool directory: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close watcher")
		}
	}()
	if err := watcher.Add(s.cfg.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.cfg.Dir, err)
	}

	ready := make(chan string, 64)
	done := make(chan struct{})
	defer func() {
		close(done)
		s.stopTimers()
	}()

	s.logger.Info().Msg("Spool watcher started")
	s.Scan(ctx)

	rescan := time.NewTicker(s.cfg.Rescan)
	defer rescan.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if (event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) && s.candidate(event.Name) {
				s.settle(event.Name, ready, done)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			s.logger.Warn().Err(err).Msg("Watcher error")

		case path := <-ready:
			s.process(ctx, path)

		case <-rescan.C:
			s.Scan(ctx)
		}
	}
}

// settle (re)arms the quiet-period timer of path.
func (s *Spool) settle(path string, ready chan<- string, done <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.pending[path]; ok {
		t.Reset(s.cfg.Settle)
		return
	}
	s.pending[path] = time.AfterFunc(s.cfg.Settle, func() {
		s.mu.Lock()
		delete(s.pending, path)
		s.mu.Unlock()
		select {
		case ready <- path:
		case <-done:
		}
	})
}

func (s *Spool) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, t := range s.pending {
		t.Stop()
		delete(s.pending, path)
	}
}

// candidate reports whether path is a data file the spool should take.
func (s *Spool) candidate(path string) bool {
	if filepath.Dir(path) != filepath.Clean(s.cfg.Dir) {
		return false
	}
	name := filepath.Base(path)
	switch {
	case strings.HasPrefix(name, "."),
		strings.HasSuffix(name, SidecarSuffix),
		strings.HasSuffix(name, ".tmp"),
		strings.HasSuffix(name, ".part"),
		strings.HasSuffix(name, ".error"):
		return false
	}
	return true
}

// Scan processes every data file currently in the spool, oldest name first.
// It returns the number of files handed to the archive.
func (s *Spool) Scan(ctx context.Context) int {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read spool directory")
		return 0
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && s.candidate(filepath.Join(s.cfg.Dir, e.Name())) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		s.process(ctx, filepath.Join(s.cfg.Dir, name))
	}
	return len(names)
}

func (s *Spool) process(ctx context.Context, path string) {
	log := s.logger.With().Str("file", filepath.Base(path)).Logger()
	res, err := s.ProcessFile(ctx, path)
	class := archive.Classify(err)
	var sidecar *SidecarError
	if errors.As(err, &sidecar) {
		class = archive.ClassRejected
	}

	switch class {
	case archive.ClassProcessed:
		metrics.SpoolFiles.WithLabelValues(res.Status.String()).Inc()
		log.Info().Str("sha256", res.ContentSHA256).Str("status", res.Status.String()).
			Str("category", res.CategoryID).Msg("Spooled file archived")
		s.move(path, s.cfg.DoneDir, "", log)
	case archive.ClassRejected:
		metrics.SpoolFiles.WithLabelValues("rejected").Inc()
		log.Warn().Err(err).Msg("Spooled file rejected")
		s.move(path, s.cfg.FailedDir, err.Error(), log)
	default:
		if errors.Is(err, os.ErrNotExist) {
			// Already taken by an earlier event or scan.
			return
		}
		metrics.SpoolFiles.WithLabelValues("retry").Inc()
		log.Warn().Err(err).Str("class", class.String()).Msg("Spooled file left for retry")
	}
}

// ProcessFile submits one spooled file with its sidecar metadata.
func (s *Spool) ProcessFile(ctx context.Context, path string) (archive.SubmitResult, error) {
	md, err := s.metadata(path)
	if err != nil {
		return archive.SubmitResult{}, err
	}

	f, err := os.Open(path) // #nosec G304 -- path is inside the spool directory
	if err != nil {
		return archive.SubmitResult{}, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return archive.SubmitResult{}, err
	}
	md.SizeBytes = info.Size()
	return s.target.Submit(ctx, f, md)
}

func (s *Spool) metadata(path string) (archive.SubmitMetadata, error) {
	md := archive.SubmitMetadata{
		SourceID:        s.cfg.DefaultSource,
		SourceMessageID: filepath.Base(path),
		SizeBytes:       hashing.UnknownSize,
	}
	raw, err := os.ReadFile(path + SidecarSuffix) // #nosec G304 -- sidecar of a spool file
	if errors.Is(err, os.ErrNotExist) {
		return md, nil
	}
	if err != nil {
		return md, fmt.Errorf("read sidecar: %w", err)
	}

	var sc Sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return md, &SidecarError{Path: path + SidecarSuffix, Err: err}
	}
	if sc.SourceID != "" {
		md.SourceID = sc.SourceID
	}
	if sc.SourceMessageID != "" {
		md.SourceMessageID = sc.SourceMessageID
	}
	md.MimeHint = sc.MimeHint
	md.Labels = sc.Labels
	return md, nil
}

// move relocates path and its sidecar into dir. A non-empty note is written
// next to the moved file.
func (s *Spool) move(path, dir, note string, log zerolog.Logger) {
	dst := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		log.Error().Err(err).Str("to", dir).Msg("Failed to move spooled file")
		return
	}
	if err := os.Rename(path+SidecarSuffix, dst+SidecarSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to move sidecar")
	}
	if note != "" {
		if err := os.WriteFile(dst+".error", []byte(note+"\n"), 0o640); err != nil {
			log.Warn().Err(err).Msg("Failed to write error note")
		}
	}
}

// SidecarError reports an unreadable metadata file.
type SidecarError struct {
	Path string
	Err  error
}

func (e *SidecarError) Error() string {
	return fmt.Sprintf("invalid sidecar %s: %v", e.Path, e.Err)
}

func (e *SidecarError) Unwrap() error {
	return e.Err
}
