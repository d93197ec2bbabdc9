// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package hashing is the hash identity layer.
//
// Every file gets three independent fingerprints: SHA-256 over the full
// stream (the only authority for "same file"), perceptual dHash/pHash for
// images, and a content-defined-chunking sketch for structural similarity.
// Hashing is pure until the final persist, so Record is safe to repeat.
package hashing

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/cache"
	"github.com/tomtom215/archivist/internal/metrics"
	"github.com/tomtom215/archivist/internal/store"
	"github.com/tomtom215/archivist/internal/validation"
)

// UnknownSize marks Metadata.SizeBytes as not declared.
const UnknownSize int64 = -1

// Config holds hashing thresholds and limits.
type Config struct {
	MaxImageBytes       int64 `koanf:"max_image_bytes" validate:"min=0"`
	PerceptualThreshold int   `koanf:"perceptual_threshold" validate:"min=0,max=64"`
	FuzzyThreshold      int   `koanf:"fuzzy_threshold" validate:"min=0,max=100"`

	// LookupCacheSize bounds the in-memory FileRecord cache; zero disables it.
	LookupCacheSize int `koanf:"lookup_cache_size" validate:"min=0"`
}

// DefaultConfig returns conservative thresholds.
func DefaultConfig() Config {
	return Config{
		MaxImageBytes:       32 << 20,
		PerceptualThreshold: 10,
		FuzzyThreshold:      30,
		LookupCacheSize:     4096,
	}
}

// Threshold returns the configured default threshold for a.
func (c Config) Threshold(a Algorithm) int {
	switch a {
	case AlgorithmPerceptual:
		return c.PerceptualThreshold
	case AlgorithmFuzzy:
		return c.FuzzyThreshold
	default:
		return 0
	}
}

// Metadata describes a submitted stream.
type Metadata struct {
	SourceChannelID string `json:"source_channel_id" validate:"required,identifier"`
	SourceMessageID string `json:"source_message_id" validate:"required,max=128"`
	MimeHint        string `json:"mime_hint,omitempty" validate:"omitempty,max=255"`
	SizeBytes       int64  `json:"size_bytes" validate:"gte=-1"`
}

// Status is the outcome of Record.
type Status int

const (
	StatusNew Status = iota + 1
	StatusExactDuplicate
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusExactDuplicate:
		return "exact_duplicate"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FileRecord is the immutable first sighting of a content digest.
type FileRecord struct {
	ContentSHA256   string    `json:"content_sha256"`
	SizeBytes       int64     `json:"size_bytes"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	SourceChannelID string    `json:"source_channel_id"`
	SourceMessageID string    `json:"source_message_id"`
	MimeHint        string    `json:"mime_hint,omitempty"`
}

// Result is returned by Record. File is the stored record, which for an
// exact duplicate is the original sighting.
type Result struct {
	Status        Status     `json:"status"`
	ContentSHA256 string     `json:"content_sha256"`
	File          FileRecord `json:"file"`
}

// Digest is a stored similarity fingerprint.
type Digest struct {
	Algorithm  Algorithm `json:"-"`
	Variant    string    `json:"algorithm"`
	Value      string    `json:"digest"`
	ComputedAt time.Time `json:"computed_at"`
}

// Match is one similarity hit.
type Match struct {
	ContentSHA256 string    `json:"content_sha256"`
	Distance      int       `json:"distance"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
}

// Layer records fingerprints and answers duplicate queries.
type Layer struct {
	store  *store.Store
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	// records caches FileRecords by digest. Rows in file_records are never
	// updated or deleted, so entries cannot go stale.
	records *cache.LRU[string, FileRecord]
}

// New creates a hash identity layer on s.
func New(s *store.Store, cfg Config, logger zerolog.Logger) *Layer {
	if cfg.MaxImageBytes == 0 {
		cfg.MaxImageBytes = DefaultConfig().MaxImageBytes
	}
	l := &Layer{
		store:  s,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	if cfg.LookupCacheSize > 0 {
		l.records = cache.New[string, FileRecord](cfg.LookupCacheSize, 0)
	}
	return l
}

// Config returns the layer configuration.
func (l *Layer) Config() Config {
	return l.cfg
}

// Record streams r once, computing the exact digest and fuzzy chunks, then
// persists a new FileRecord with its similarity digests. An existing digest
// yields StatusExactDuplicate and no writes.
func (l *Layer) Record(ctx context.Context, r io.Reader, md Metadata) (Result, error) {
	if err := validation.ValidateStruct(&md); err != nil {
		return Result{}, err
	}

	start := time.Now()
	exact := sha256.New()
	chunks := newChunker()
	capture := &captureBuffer{max: max(l.cfg.MaxImageBytes, sniffLimit)}

	n, err := io.Copy(io.MultiWriter(exact, chunks, capture), r)
	if err != nil {
		return Result{}, fmt.Errorf("read stream: %w", err)
	}
	if md.SizeBytes != UnknownSize && n != md.SizeBytes {
		return Result{}, fmt.Errorf("%w: declared %d, streamed %d", ErrSizeMismatch, md.SizeBytes, n)
	}
	sha := hex.EncodeToString(exact.Sum(nil))
	metrics.RecordHashDuration(AlgorithmExact.String(), time.Since(start))

	existing, err := l.Lookup(ctx, sha)
	switch {
	case err == nil:
		metrics.RecordFileRecorded(StatusExactDuplicate.String())
		return Result{Status: StatusExactDuplicate, ContentSHA256: sha, File: existing}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, err
	}

	mime := md.MimeHint
	if sniffed := detectMIME(capture.buf.Bytes()); sniffed != "application/octet-stream" || mime == "" {
		mime = sniffed
	}

	computedAt := l.now().UTC()
	digests := []Digest{{
		Algorithm:  AlgorithmFuzzy,
		Variant:    VariantCDC,
		Value:      chunks.Sketch().String(),
		ComputedAt: computedAt,
	}}

	if isImage(mime) && !capture.overflow {
		pstart := time.Now()
		perceptual, perr := perceptualDigests(capture.buf.Bytes())
		if perr != nil {
			l.logger.Debug().Err(perr).Str("sha256", sha).Str("mime", mime).Msg("Skipping perceptual hash")
		} else {
			for _, v := range AlgorithmPerceptual.Variants() {
				digests = append(digests, Digest{
					Algorithm:  AlgorithmPerceptual,
					Variant:    v,
					Value:      perceptual[v],
					ComputedAt: computedAt,
				})
			}
			metrics.RecordHashDuration(AlgorithmPerceptual.String(), time.Since(pstart))
		}
	}

	file := FileRecord{
		ContentSHA256:   sha,
		SizeBytes:       n,
		FirstSeenAt:     computedAt,
		SourceChannelID: md.SourceChannelID,
		SourceMessageID: md.SourceMessageID,
		MimeHint:        mime,
	}

	inserted := false
	err = l.store.Transaction(ctx, func(tx *sql.Tx) error {
		inserted = false
		res, err := tx.ExecContext(ctx, `
			INSERT INTO file_records (content_sha256, size_bytes, first_seen_at, source_channel_id, source_message_id, mime_hint)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (content_sha256) DO NOTHING`,
			file.ContentSHA256, file.SizeBytes, file.FirstSeenAt.UnixNano(),
			file.SourceChannelID, file.SourceMessageID, file.MimeHint)
		if err != nil {
			return fmt.Errorf("insert file record: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}

		for _, d := range digests {
			table, _ := d.Algorithm.table()
			// #nosec G201 -- table comes from the closed Algorithm set
			q := fmt.Sprintf(`INSERT INTO %s (content_sha256, algorithm, digest, computed_at) VALUES (?, ?, ?, ?)`, table)
			if _, err := tx.ExecContext(ctx, q, sha, d.Variant, d.Value, d.ComputedAt.UnixNano()); err != nil {
				return fmt.Errorf("insert %s digest: %w", d.Variant, err)
			}
		}
		inserted = true
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if !inserted {
		// Lost a race with a concurrent Record of the same bytes.
		existing, err := l.Lookup(ctx, sha)
		if err != nil {
			return Result{}, err
		}
		metrics.RecordFileRecorded(StatusExactDuplicate.String())
		return Result{Status: StatusExactDuplicate, ContentSHA256: sha, File: existing}, nil
	}

	l.remember(file)
	metrics.RecordFileRecorded(StatusNew.String())
	l.logger.Debug().Str("sha256", sha).Int64("size", n).Str("mime", mime).Int("digests", len(digests)).
		Msg("Recorded new file")
	return Result{Status: StatusNew, ContentSHA256: sha, File: file}, nil
}

// Lookup returns the FileRecord for sha or store.ErrNotFound.
func (l *Layer) Lookup(ctx context.Context, sha string) (FileRecord, error) {
	if l.records != nil {
		f, ok := l.records.Get(sha)
		metrics.RecordLookupCache(ok)
		if ok {
			return f, nil
		}
	}

	var (
		f     FileRecord
		first int64
	)
	err := l.store.QueryRow(ctx, `
		SELECT content_sha256, size_bytes, first_seen_at, source_channel_id, source_message_id, mime_hint
		FROM file_records WHERE content_sha256 = ?`, sha).
		Scan(&f.ContentSHA256, &f.SizeBytes, &first, &f.SourceChannelID, &f.SourceMessageID, &f.MimeHint)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, fmt.Errorf("file %s: %w", sha, store.ErrNotFound)
	}
	if err != nil {
		return FileRecord{}, fmt.Errorf("lookup file %s: %w", sha, err)
	}
	f.FirstSeenAt = time.Unix(0, first).UTC()
	l.remember(f)
	return f, nil
}

func (l *Layer) remember(f FileRecord) {
	if l.records != nil {
		l.records.Add(f.ContentSHA256, f)
	}
}

// Exists reports whether sha has a FileRecord.
func (l *Layer) Exists(ctx context.Context, sha string) (bool, error) {
	_, err := l.Lookup(ctx, sha)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Digests returns the stored similarity digests of sha.
func (l *Layer) Digests(ctx context.Context, sha string) ([]Digest, error) {
	var out []Digest
	for _, a := range []Algorithm{AlgorithmPerceptual, AlgorithmFuzzy} {
		found, err := l.digestsFor(ctx, sha, a)
		if err != nil {
			return nil, err
		}
		for _, variant := range a.Variants() {
			if d, ok := found[variant]; ok {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (l *Layer) digestsFor(ctx context.Context, sha string, a Algorithm) (map[string]Digest, error) {
	table, err := a.table()
	if err != nil {
		return nil, err
	}
	// #nosec G201 -- table comes from the closed Algorithm set
	rows, err := l.store.Query(ctx,
		fmt.Sprintf(`SELECT algorithm, digest, computed_at FROM %s WHERE content_sha256 = ?`, table), sha)
	if err != nil {
		return nil, fmt.Errorf("query %s digests: %w", a, err)
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]Digest)
	for rows.Next() {
		var (
			d  = Digest{Algorithm: a}
			at int64
		)
		if err := rows.Scan(&d.Variant, &d.Value, &at); err != nil {
			return nil, err
		}
		d.ComputedAt = time.Unix(0, at).UTC()
		found[d.Variant] = d
	}
	return found, rows.Err()
}

// FindSimilar returns files whose a-family distance to sha is at most
// threshold, nearest first with ties broken by earliest first sighting.
// A negative threshold selects the configured default. When a family has
// several variants, the distance is the largest over variants both files
// carry, so every variant must agree.
func (l *Layer) FindSimilar(ctx context.Context, sha string, a Algorithm, threshold int) ([]Match, error) {
	table, err := a.table()
	if err != nil {
		return nil, err
	}
	if threshold < 0 {
		threshold = l.cfg.Threshold(a)
	}

	exists, err := l.Exists(ctx, sha)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("file %s: %w", sha, store.ErrNotFound)
	}

	target, err := l.digestsFor(ctx, sha, a)
	if err != nil {
		return nil, err
	}
	if len(target) == 0 {
		return nil, nil
	}

	variants := make([]any, 0, len(target)+1)
	placeholders := make([]string, 0, len(target))
	for v := range target {
		variants = append(variants, v)
		placeholders = append(placeholders, "?")
	}
	variants = append(variants, sha)

	// #nosec G201 -- table comes from the closed Algorithm set
	q := fmt.Sprintf(`
		SELECT h.content_sha256, h.algorithm, h.digest, f.first_seen_at
		FROM %s h JOIN file_records f ON f.content_sha256 = h.content_sha256
		WHERE h.algorithm IN (%s) AND h.content_sha256 != ?`, table, strings.Join(placeholders, ","))
	rows, err := l.store.Query(ctx, q, variants...)
	if err != nil {
		return nil, fmt.Errorf("scan %s digests: %w", a, err)
	}
	defer func() { _ = rows.Close() }()

	candidates := make(map[string]*Match)
	for rows.Next() {
		var (
			other, variant, digest string
			first                  int64
		)
		if err := rows.Scan(&other, &variant, &digest, &first); err != nil {
			return nil, err
		}
		dist, err := a.Distance(variant, target[variant].Value, digest)
		if err != nil {
			l.logger.Warn().Err(err).Str("sha256", other).Str("variant", variant).Msg("Skipping unreadable digest")
			continue
		}
		m, ok := candidates[other]
		if !ok {
			m = &Match{ContentSHA256: other, Distance: dist, FirstSeenAt: time.Unix(0, first).UTC()}
			candidates[other] = m
			continue
		}
		m.Distance = max(m.Distance, dist)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(candidates))
	for _, m := range candidates {
		if m.Distance <= threshold {
			matches = append(matches, *m)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		if !matches[i].FirstSeenAt.Equal(matches[j].FirstSeenAt) {
			return matches[i].FirstSeenAt.Before(matches[j].FirstSeenAt)
		}
		return matches[i].ContentSHA256 < matches[j].ContentSHA256
	})
	return matches, nil
}
