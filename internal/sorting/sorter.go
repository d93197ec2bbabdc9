// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package sorting maps recorded files to category groups.
//
// A category is decided from classification signals (MIME type, extension,
// size, labels) and, when no rule matches, from the active categories of
// similarity neighbors. Files are never re-hashed here. Every assignment
// appends an audit row, replaces the active assignment and adjusts the
// per-category counters in the same transaction.
package sorting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/hashing"
	"github.com/tomtom215/archivist/internal/metrics"
	"github.com/tomtom215/archivist/internal/store"
)

// Assignment sources.
const (
	SourceLabel     = "label"
	SourceRule      = "rule"
	SourceNeighbors = "neighbors"
	SourceDefault   = "default"
	SourceManual    = "manual"
)

// DefaultCategory receives files nothing else claims.
const DefaultCategory = "uncategorized"

const defaultConfidence = 0.1

// Rule assigns Category when every non-empty condition matches.
type Rule struct {
	Category     string   `koanf:"category" validate:"required,identifier"`
	MimePrefixes []string `koanf:"mime_prefixes"`
	Extensions   []string `koanf:"extensions"`
	Labels       []string `koanf:"labels"`
	MinBytes     int64    `koanf:"min_bytes" validate:"min=0"`
	MaxBytes     int64    `koanf:"max_bytes" validate:"min=0"`
	Confidence   float64  `koanf:"confidence" validate:"gte=0,lte=1"`
}

// Matches reports whether sig satisfies the rule.
func (r Rule) Matches(sig Signals) bool {
	if len(r.MimePrefixes) > 0 && !slices.ContainsFunc(r.MimePrefixes, func(p string) bool {
		return strings.HasPrefix(sig.MimeType, p)
	}) {
		return false
	}
	if len(r.Extensions) > 0 && !slices.ContainsFunc(r.Extensions, func(e string) bool {
		return strings.EqualFold(strings.TrimPrefix(e, "."), strings.TrimPrefix(sig.Extension, "."))
	}) {
		return false
	}
	if len(r.Labels) > 0 && !slices.ContainsFunc(r.Labels, func(l string) bool {
		return slices.Contains(sig.Labels, l)
	}) {
		return false
	}
	if r.MinBytes > 0 && sig.SizeBytes < r.MinBytes {
		return false
	}
	if r.MaxBytes > 0 && sig.SizeBytes > r.MaxBytes {
		return false
	}
	return true
}

// Config holds the classification rules.
type Config struct {
	Rules               []Rule `koanf:"rules" validate:"dive"`
	DefaultCategory     string `koanf:"default_category" validate:"required,identifier"`
	NeighborLimit       int    `koanf:"neighbor_limit" validate:"min=0"`
	PerceptualThreshold int    `koanf:"perceptual_threshold"`
	FuzzyThreshold      int    `koanf:"fuzzy_threshold"`
}

// DefaultConfig has no rules; thresholds of -1 defer to the hashing layer.
func DefaultConfig() Config {
	return Config{
		DefaultCategory:     DefaultCategory,
		NeighborLimit:       10,
		PerceptualThreshold: -1,
		FuzzyThreshold:      -1,
	}
}

// Categories returns every category named by configuration.
func (c Config) Categories() []string {
	seen := map[string]bool{c.DefaultCategory: true}
	out := []string{c.DefaultCategory}
	for _, r := range c.Rules {
		if !seen[r.Category] {
			seen[r.Category] = true
			out = append(out, r.Category)
		}
	}
	return out
}

// Signals are the classification inputs for one file.
type Signals struct {
	MimeType  string   `json:"mime_type,omitempty"`
	Extension string   `json:"extension,omitempty"`
	SizeBytes int64    `json:"size_bytes"`
	Labels    []string `json:"labels,omitempty"`
}

// SignalsFor derives signals from a stored file record.
func SignalsFor(f hashing.FileRecord, labels []string) Signals {
	sig := Signals{MimeType: f.MimeHint, SizeBytes: f.SizeBytes, Labels: labels}
	if m := mimetype.Lookup(baseMIME(f.MimeHint)); m != nil {
		sig.Extension = m.Extension()
	}
	return sig
}

func baseMIME(mime string) string {
	base, _, _ := strings.Cut(mime, ";")
	return strings.TrimSpace(base)
}

// Decision is the outcome of the classification rules.
type Decision struct {
	CategoryID string  `json:"category_id"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// Assignment is one audit row.
type Assignment struct {
	ID            int64     `json:"assignment_id"`
	ContentSHA256 string    `json:"content_sha256"`
	CategoryID    string    `json:"category_id"`
	AssignedAt    time.Time `json:"assigned_at"`
	Confidence    float64   `json:"confidence"`
	Source        string    `json:"source"`
	Signals       Signals   `json:"signals"`
}

// GroupStats are the incremental counters of one category.
type GroupStats struct {
	CategoryID     string    `json:"category_id"`
	Count          int64     `json:"count"`
	TotalBytes     int64     `json:"total_bytes"`
	LastAssignedAt time.Time `json:"last_assigned_at"`
}

// Similarity is the part of the hash identity layer sorting reads.
type Similarity interface {
	FindSimilar(ctx context.Context, sha string, a hashing.Algorithm, threshold int) ([]hashing.Match, error)
}

// Sorter classifies files and maintains category statistics.
type Sorter struct {
	store   *store.Store
	cfg     Config
	similar Similarity
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a sorter. similar may be nil to disable the neighbor vote.
func New(s *store.Store, cfg Config, similar Similarity, logger zerolog.Logger) *Sorter {
	if cfg.DefaultCategory == "" {
		cfg.DefaultCategory = DefaultCategory
	}
	return &Sorter{
		store:   s,
		cfg:     cfg,
		similar: similar,
		logger:  logger,
		now:     time.Now,
	}
}

// Decide applies, in order: an explicit label naming a configured category,
// the configured rules, a neighbor vote, the default category.
func (s *Sorter) Decide(ctx context.Context, sha string, sig Signals) (Decision, error) {
	categories := s.cfg.Categories()
	for _, label := range sig.Labels {
		if slices.Contains(categories, label) {
			return Decision{CategoryID: label, Confidence: 1, Source: SourceLabel}, nil
		}
	}

	for _, r := range s.cfg.Rules {
		if r.Matches(sig) {
			conf := r.Confidence
			if conf == 0 {
				conf = 0.9
			}
			return Decision{CategoryID: r.Category, Confidence: conf, Source: SourceRule}, nil
		}
	}

	if s.similar != nil {
		for _, alg := range []hashing.Algorithm{hashing.AlgorithmPerceptual, hashing.AlgorithmFuzzy} {
			d, ok, err := s.neighborVote(ctx, sha, alg)
			if err != nil {
				return Decision{}, err
			}
			if ok {
				return d, nil
			}
		}
	}

	return Decision{CategoryID: s.cfg.DefaultCategory, Confidence: defaultConfidence, Source: SourceDefault}, nil
}

func (s *Sorter) neighborVote(ctx context.Context, sha string, alg hashing.Algorithm) (Decision, bool, error) {
	threshold := s.cfg.PerceptualThreshold
	if alg == hashing.AlgorithmFuzzy {
		threshold = s.cfg.FuzzyThreshold
	}

	matches, err := s.similar.FindSimilar(ctx, sha, alg, threshold)
	if errors.Is(err, store.ErrNotFound) {
		return Decision{}, false, &store.ReferentialIntegrityError{Table: "file_records", Key: sha, Err: err}
	}
	if err != nil {
		return Decision{}, false, fmt.Errorf("%s neighbors: %w", alg, err)
	}
	if s.cfg.NeighborLimit > 0 && len(matches) > s.cfg.NeighborLimit {
		matches = matches[:s.cfg.NeighborLimit]
	}

	votes := make(map[string]int)
	voters := 0
	for _, m := range matches {
		var category string
		err := s.store.QueryRow(ctx,
			`SELECT category_id FROM active_categories WHERE content_sha256 = ?`, m.ContentSHA256).Scan(&category)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return Decision{}, false, fmt.Errorf("neighbor category: %w", err)
		}
		votes[category]++
		voters++
	}
	if voters == 0 {
		return Decision{}, false, nil
	}

	best, bestVotes := "", 0
	for category, n := range votes {
		if n > bestVotes || (n == bestVotes && category < best) {
			best, bestVotes = category, n
		}
	}
	return Decision{
		CategoryID: best,
		Confidence: float64(bestVotes) / float64(voters),
		Source:     SourceNeighbors,
	}, true, nil
}

// Classify decides a category for sha and persists it.
func (s *Sorter) Classify(ctx context.Context, sha string, sig Signals) (Assignment, error) {
	d, err := s.Decide(ctx, sha, sig)
	if err != nil {
		return Assignment{}, err
	}
	return s.Assign(ctx, sha, d.CategoryID, d.Confidence, d.Source, sig)
}

// Assign makes categoryID the active category of sha. The previous active
// assignment stays in the audit history and counters move in O(1).
func (s *Sorter) Assign(ctx context.Context, sha, categoryID string, confidence float64, source string, sig Signals) (Assignment, error) {
	if categoryID == "" {
		return Assignment{}, fmt.Errorf("category id is required")
	}
	if confidence < 0 || confidence > 1 {
		return Assignment{}, fmt.Errorf("confidence %v outside [0, 1]", confidence)
	}
	signals, err := json.Marshal(sig)
	if err != nil {
		return Assignment{}, fmt.Errorf("encode signals: %w", err)
	}

	a := Assignment{
		ContentSHA256: sha,
		CategoryID:    categoryID,
		Confidence:    confidence,
		Source:        source,
		Signals:       sig,
	}

	err = s.store.Transaction(ctx, func(tx *sql.Tx) error {
		a.AssignedAt = s.now().UTC()
		at := a.AssignedAt.UnixNano()

		var size int64
		err := tx.QueryRowContext(ctx, `SELECT size_bytes FROM file_records WHERE content_sha256 = ?`, sha).Scan(&size)
		if errors.Is(err, sql.ErrNoRows) {
			return &store.ReferentialIntegrityError{Table: "file_records", Key: sha}
		}
		if err != nil {
			return err
		}

		var (
			prevCategory string
			prevSize     int64
			hadPrev      = true
		)
		err = tx.QueryRowContext(ctx,
			`SELECT category_id, size_bytes FROM active_categories WHERE content_sha256 = ?`, sha).
			Scan(&prevCategory, &prevSize)
		if errors.Is(err, sql.ErrNoRows) {
			hadPrev = false
		} else if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO category_assignments (content_sha256, category_id, assigned_at, confidence, source, signals)
			VALUES (?, ?, ?, ?, ?, ?)`, sha, categoryID, at, confidence, source, string(signals))
		if err != nil {
			return fmt.Errorf("insert assignment: %w", err)
		}
		if a.ID, err = res.LastInsertId(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO active_categories (content_sha256, assignment_id, category_id, size_bytes)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (content_sha256) DO UPDATE SET
				assignment_id = excluded.assignment_id,
				category_id = excluded.category_id,
				size_bytes = excluded.size_bytes`, sha, a.ID, categoryID, size); err != nil {
			return fmt.Errorf("update active category: %w", err)
		}

		if hadPrev && prevCategory != categoryID {
			if _, err := tx.ExecContext(ctx, `
				UPDATE category_stats SET file_count = file_count - 1, total_bytes = total_bytes - ?
				WHERE category_id = ?`, prevSize, prevCategory); err != nil {
				return fmt.Errorf("decrement %s stats: %w", prevCategory, err)
			}
		}

		countDelta, bytesDelta := int64(1), size
		if hadPrev && prevCategory == categoryID {
			countDelta, bytesDelta = 0, 0
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO category_stats (category_id, file_count, total_bytes, last_assigned_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (category_id) DO UPDATE SET
				file_count = file_count + excluded.file_count,
				total_bytes = total_bytes + excluded.total_bytes,
				last_assigned_at = excluded.last_assigned_at`, categoryID, countDelta, bytesDelta, at)
		if err != nil {
			return fmt.Errorf("increment %s stats: %w", categoryID, err)
		}
		return nil
	})
	if err != nil {
		return Assignment{}, err
	}

	metrics.CategoryAssignments.WithLabelValues(source).Inc()
	s.logger.Debug().Str("sha256", sha).Str("category", categoryID).Str("source", source).
		Float64("confidence", confidence).Msg("Assigned category")
	return a, nil
}

// ActiveAssignment returns the current assignment of sha or store.ErrNotFound.
func (s *Sorter) ActiveAssignment(ctx context.Context, sha string) (Assignment, error) {
	row := s.store.QueryRow(ctx, `
		SELECT a.assignment_id, a.content_sha256, a.category_id, a.assigned_at, a.confidence, a.source, a.signals
		FROM active_categories ac JOIN category_assignments a ON a.assignment_id = ac.assignment_id
		WHERE ac.content_sha256 = ?`, sha)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, fmt.Errorf("active category for %s: %w", sha, store.ErrNotFound)
	}
	return a, err
}

// History returns every assignment of sha, oldest first.
func (s *Sorter) History(ctx context.Context, sha string) ([]Assignment, error) {
	rows, err := s.store.Query(ctx, `
		SELECT assignment_id, content_sha256, category_id, assigned_at, confidence, source, signals
		FROM category_assignments WHERE content_sha256 = ? ORDER BY assignment_id`, sha)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(r rowScanner) (Assignment, error) {
	var (
		a       Assignment
		at      int64
		signals string
	)
	if err := r.Scan(&a.ID, &a.ContentSHA256, &a.CategoryID, &at, &a.Confidence, &a.Source, &signals); err != nil {
		return Assignment{}, err
	}
	a.AssignedAt = time.Unix(0, at).UTC()
	if err := json.Unmarshal([]byte(signals), &a.Signals); err != nil {
		return Assignment{}, fmt.Errorf("decode signals of assignment %d: %w", a.ID, err)
	}
	return a, nil
}

// GroupStats returns the counters of categoryID. An unknown category has
// zero stats.
func (s *Sorter) GroupStats(ctx context.Context, categoryID string) (GroupStats, error) {
	gs := GroupStats{CategoryID: categoryID}
	var last int64
	err := s.store.QueryRow(ctx,
		`SELECT file_count, total_bytes, last_assigned_at FROM category_stats WHERE category_id = ?`, categoryID).
		Scan(&gs.Count, &gs.TotalBytes, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return gs, nil
	}
	if err != nil {
		return GroupStats{}, fmt.Errorf("category stats %s: %w", categoryID, err)
	}
	if last > 0 {
		gs.LastAssignedAt = time.Unix(0, last).UTC()
	}
	return gs, nil
}

// ListStats returns the counters of every category seen so far.
func (s *Sorter) ListStats(ctx context.Context) ([]GroupStats, error) {
	rows, err := s.store.Query(ctx,
		`SELECT category_id, file_count, total_bytes, last_assigned_at FROM category_stats ORDER BY category_id`)
	if err != nil {
		return nil, fmt.Errorf("list category stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []GroupStats
	for rows.Next() {
		var (
			gs   GroupStats
			last int64
		)
		if err := rows.Scan(&gs.CategoryID, &gs.Count, &gs.TotalBytes, &last); err != nil {
			return nil, err
		}
		if last > 0 {
			gs.LastAssignedAt = time.Unix(0, last).UTC()
		}
		out = append(out, gs)
	}
	return out, rows.Err()
}
