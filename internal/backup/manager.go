// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/metrics"
)

// Config controls where backups go and how many are kept.
type Config struct {
	// Dir holds the archives and the index; empty disables backups.
	Dir string `koanf:"dir"`

	// Interval between scheduled backups under serve; zero disables them.
	Interval time.Duration `koanf:"interval" validate:"min=0"`

	// Retain is the number of newest backups kept; zero keeps all.
	Retain int `koanf:"retain" validate:"min=0"`

	// MaxAge removes older backups, always sparing the newest; zero
	// disables age-based removal.
	MaxAge time.Duration `koanf:"max_age" validate:"min=0"`
}

// DefaultConfig keeps a week of daily backups once Dir is set.
func DefaultConfig() Config {
	return Config{
		Interval: 24 * time.Hour,
		Retain:   7,
		MaxAge:   30 * 24 * time.Hour,
	}
}

// Manager creates, lists, verifies, prunes and restores backups.
type Manager struct {
	cfg    Config
	source Snapshotter
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	backups []*Backup
}

// New loads the index in cfg.Dir. source may be nil for a manager that
// only lists, verifies or restores.
func New(cfg Config, source Snapshotter, logger zerolog.Logger) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		source: source,
		logger: logger.With().Str("component", "backup").Logger(),
		now:    time.Now,
	}
	if cfg.Dir == "" {
		return m, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	if err := m.loadIndex(); err != nil {
		return nil, err
	}
	return m, nil
}

// Enabled reports whether a backup directory is configured.
func (m *Manager) Enabled() bool {
	return m.cfg.Dir != ""
}

// Create snapshots the store into a new archive.
func (m *Manager) Create(ctx context.Context, trigger Trigger, notes string) (*Backup, error) {
	b, err := m.create(ctx, trigger, notes)
	size := int64(0)
	if b != nil {
		size = b.FileSize
	}
	metrics.RecordBackup(string(trigger), size, err)
	return b, err
}

func (m *Manager) create(ctx context.Context, trigger Trigger, notes string) (*Backup, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}
	if m.source == nil {
		return nil, errors.New("backup manager has no store to snapshot")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.now()
	b := &Backup{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		CreatedAt: start.UTC(),
		Notes:     notes,
	}
	b.FileName = fmt.Sprintf("archivist-%s-%s.tar.gz", b.CreatedAt.Format("20060102T150405Z"), b.ID[:8])

	snapshot := filepath.Join(m.cfg.Dir, b.ID+".db.tmp")
	defer func() { _ = os.Remove(snapshot) }()
	if err := m.source.Snapshot(ctx, snapshot); err != nil {
		return nil, err
	}

	path := m.path(b)
	if err := writeArchive(path, snapshot, b); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	sum, size, err := fileChecksum(path)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("checksum backup: %w", err)
	}
	b.Checksum, b.FileSize = sum, size
	b.Duration = time.Since(start)

	m.backups = append(m.backups, b)
	if err := m.saveIndexLocked(); err != nil {
		return nil, err
	}

	m.logger.Info().Str("id", b.ID).Str("file", b.FileName).Int64("size", b.FileSize).
		Str("trigger", string(trigger)).Dur("duration", b.Duration).Msg("Backup created")
	return b, nil
}

// List returns every indexed backup, newest first.
func (m *Manager) List() []Backup {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Backup, 0, len(m.backups))
	for _, b := range m.sortedLocked() {
		out = append(out, *b)
	}
	return out
}

// Get returns one backup by id.
func (m *Manager) Get(id string) (Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.findLocked(id)
	if b == nil {
		return Backup{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *b, nil
}

// Verify checks the archive checksum and the database checksum inside it.
func (m *Manager) Verify(id string) (Backup, error) {
	b, err := m.Get(id)
	if err != nil {
		return Backup{}, err
	}
	if err := verifyArchive(m.path(&b), b); err != nil {
		return b, err
	}
	return b, nil
}

// Prune applies the retention policy and returns the removed backups.
func (m *Manager) Prune() ([]Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := m.sortedLocked()
	doomed := selectExpired(sorted, m.cfg.Retain, m.cfg.MaxAge, m.now())
	if len(doomed) == 0 {
		return nil, nil
	}

	removed := make([]Backup, 0, len(doomed))
	var errs []error
	for _, b := range doomed {
		if err := os.Remove(m.path(b)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", b.FileName, err))
			continue
		}
		m.dropLocked(b.ID)
		removed = append(removed, *b)
	}
	if err := m.saveIndexLocked(); err != nil {
		errs = append(errs, err)
	}

	metrics.BackupsPruned.Add(float64(len(removed)))
	m.logger.Info().Int("removed", len(removed)).Int("kept", len(m.backups)).Msg("Backup retention applied")
	return removed, errors.Join(errs...)
}

// RunScheduled creates a scheduled backup and prunes. It is driven by the
// maintenance loop.
func (m *Manager) RunScheduled(ctx context.Context) error {
	if _, err := m.Create(ctx, TriggerScheduled, ""); err != nil {
		return err
	}
	_, err := m.Prune()
	return err
}

// Interval returns the configured schedule period.
func (m *Manager) Interval() time.Duration {
	if !m.Enabled() {
		return 0
	}
	return m.cfg.Interval
}

// selectExpired picks the backups to remove from a newest-first list.
func selectExpired(sorted []*Backup, retain int, maxAge time.Duration, now time.Time) []*Backup {
	var doomed []*Backup
	for i, b := range sorted {
		switch {
		case i == 0:
			// The newest backup always survives.
		case retain > 0 && i >= retain:
			doomed = append(doomed, b)
		case maxAge > 0 && now.Sub(b.CreatedAt) > maxAge:
			doomed = append(doomed, b)
		}
	}
	return doomed
}

func (m *Manager) path(b *Backup) string {
	return filepath.Join(m.cfg.Dir, b.FileName)
}

func (m *Manager) sortedLocked() []*Backup {
	sorted := append([]*Backup(nil), m.backups...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	return sorted
}

func (m *Manager) findLocked(id string) *Backup {
	for _, b := range m.backups {
		if b.ID == id {
			return b
		}
	}
	return nil
}

func (m *Manager) dropLocked(id string) {
	for i, b := range m.backups {
		if b.ID == id {
			m.backups = append(m.backups[:i], m.backups[i+1:]...)
			return
		}
	}
}

func (m *Manager) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(m.cfg.Dir, indexFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read backup index: %w", err)
	}
	if err := json.Unmarshal(data, &m.backups); err != nil {
		return fmt.Errorf("parse backup index: %w", err)
	}
	return nil
}

// saveIndexLocked writes the index through a temp file and rename.
func (m *Manager) saveIndexLocked() error {
	data, err := json.MarshalIndent(m.backups, "", "  ")
	if err != nil {
		return fmt.Errorf("encode backup index: %w", err)
	}
	path := filepath.Join(m.cfg.Dir, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write backup index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace backup index: %w", err)
	}
	return nil
}
