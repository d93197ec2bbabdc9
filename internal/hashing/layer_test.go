// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package hashing

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/store"
	"github.com/tomtom215/archivist/internal/store/storetest"
	"github.com/tomtom215/archivist/internal/validation"
)

const helloSHA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func newLayer(t *testing.T) (*Layer, *store.Store) {
	t.Helper()
	s := storetest.New(t)
	return New(s, DefaultConfig(), zerolog.Nop()), s
}

func meta(msg string, size int64) Metadata {
	return Metadata{SourceChannelID: "channel-1", SourceMessageID: msg, SizeBytes: size}
}

func randomBytes(seed uint64, n int) []byte {
	r := rand.New(rand.NewPCG(seed, seed^0xabcdef))
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(r.Uint32())
	}
	return out
}

func gradientPNG(t *testing.T, level png.CompressionLevel) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: uint8((x + y) * 2), A: 255})
		}
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: level}
	if err := enc.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestRecordHelloThenDuplicate(t *testing.T) {
	t.Parallel()
	l, s := newLayer(t)
	ctx := t.Context()

	first, err := l.Record(ctx, strings.NewReader("hello"), meta("1", 5))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if first.Status != StatusNew || first.ContentSHA256 != helloSHA {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := l.Record(ctx, strings.NewReader("hello"), meta("2", UnknownSize))
	if err != nil {
		t.Fatalf("Record again: %v", err)
	}
	if second.Status != StatusExactDuplicate || second.ContentSHA256 != helloSHA {
		t.Fatalf("unexpected second result: %+v", second)
	}
	if second.File.SourceMessageID != "1" {
		t.Errorf("expected original sighting, got message %q", second.File.SourceMessageID)
	}
	if n := storetest.Count(t, s, "file_records"); n != 1 {
		t.Errorf("expected 1 file record, got %d", n)
	}
}

func TestRecordIdempotentOverManyStreams(t *testing.T) {
	t.Parallel()
	l, s := newLayer(t)
	ctx := t.Context()

	payloads := [][]byte{[]byte(""), []byte("a"), randomBytes(1, 70_000), randomBytes(2, 3)}
	for round := range 2 {
		for i, p := range payloads {
			res, err := l.Record(ctx, bytes.NewReader(p), meta("m", int64(len(p))))
			if err != nil {
				t.Fatalf("round %d payload %d: %v", round, i, err)
			}
			want := StatusNew
			if round == 1 {
				want = StatusExactDuplicate
			}
			if res.Status != want {
				t.Errorf("round %d payload %d: status %s, want %s", round, i, res.Status, want)
			}
		}
	}
	if n := storetest.Count(t, s, "file_records"); n != len(payloads) {
		t.Errorf("expected %d records, got %d", len(payloads), n)
	}
}

func TestRecordSizeMismatch(t *testing.T) {
	t.Parallel()
	l, s := newLayer(t)

	_, err := l.Record(t.Context(), strings.NewReader("hel"), meta("1", 5))
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	if n := storetest.Count(t, s, "file_records"); n != 0 {
		t.Errorf("truncated stream must not be stored, got %d records", n)
	}
}

func TestRecordValidatesMetadata(t *testing.T) {
	t.Parallel()
	l, _ := newLayer(t)

	_, err := l.Record(t.Context(), strings.NewReader("x"), Metadata{SizeBytes: UnknownSize})
	var verr *validation.RequestValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFindSimilarFuzzy(t *testing.T) {
	t.Parallel()
	l, _ := newLayer(t)
	ctx := t.Context()

	base := randomBytes(7, 512<<10)
	edited := append([]byte(nil), base...)
	edited[len(edited)/2] ^= 0xff
	unrelated := randomBytes(8, 512<<10)

	var shas []string
	for i, p := range [][]byte{base, edited, unrelated} {
		res, err := l.Record(ctx, bytes.NewReader(p), meta(string(rune('a'+i)), int64(len(p))))
		if err != nil {
			t.Fatal(err)
		}
		shas = append(shas, res.ContentSHA256)
	}

	matches, err := l.FindSimilar(ctx, shas[0], AlgorithmFuzzy, -1)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(matches) != 1 || matches[0].ContentSHA256 != shas[1] {
		t.Fatalf("expected only the edited copy, got %+v", matches)
	}
	if matches[0].Distance > 30 {
		t.Errorf("unexpected distance %d", matches[0].Distance)
	}

	all, err := l.FindSimilar(ctx, shas[0], AlgorithmFuzzy, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ContentSHA256 != shas[1] || all[1].ContentSHA256 != shas[2] {
		t.Fatalf("expected nearest first, got %+v", all)
	}
	for _, m := range all {
		if m.ContentSHA256 == shas[0] {
			t.Error("query file must not match itself")
		}
	}
}

func TestFindSimilarPerceptual(t *testing.T) {
	t.Parallel()
	l, _ := newLayer(t)
	ctx := t.Context()

	fast := gradientPNG(t, png.BestSpeed)
	small := gradientPNG(t, png.BestCompression)
	if bytes.Equal(fast, small) {
		t.Skip("encoder produced identical bytes")
	}

	a, err := l.Record(ctx, bytes.NewReader(fast), meta("img-1", int64(len(fast))))
	if err != nil {
		t.Fatal(err)
	}
	b, err := l.Record(ctx, bytes.NewReader(small), meta("img-2", int64(len(small))))
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != StatusNew || b.Status != StatusNew {
		t.Fatal("re-encoded image is not an exact duplicate")
	}
	if a.File.MimeHint != "image/png" {
		t.Errorf("expected sniffed image/png, got %q", a.File.MimeHint)
	}

	digests, err := l.Digests(ctx, a.ContentSHA256)
	if err != nil {
		t.Fatal(err)
	}
	if len(digests) != 3 {
		t.Fatalf("expected dhash, phash and cdc digests, got %+v", digests)
	}

	matches, err := l.FindSimilar(ctx, a.ContentSHA256, AlgorithmPerceptual, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].ContentSHA256 != b.ContentSHA256 || matches[0].Distance != 0 {
		t.Fatalf("expected identical pixels at distance 0, got %+v", matches)
	}
}

func TestFindSimilarErrors(t *testing.T) {
	t.Parallel()
	l, _ := newLayer(t)
	ctx := t.Context()

	if _, err := l.Record(ctx, strings.NewReader("hello"), meta("1", 5)); err != nil {
		t.Fatal(err)
	}

	if _, err := l.FindSimilar(ctx, helloSHA, AlgorithmExact, 0); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
	if _, err := l.FindSimilar(ctx, strings.Repeat("0", 64), AlgorithmFuzzy, 10); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Text has no perceptual digest, so nothing can match.
	matches, err := l.FindSimilar(ctx, helloSHA, AlgorithmPerceptual, 64)
	if err != nil || len(matches) != 0 {
		t.Errorf("expected empty result, got %v, %v", matches, err)
	}
}

func TestLookupCache(t *testing.T) {
	t.Parallel()
	s := storetest.New(t)
	cached := New(s, DefaultConfig(), zerolog.Nop())
	uncachedCfg := DefaultConfig()
	uncachedCfg.LookupCacheSize = 0
	uncached := New(s, uncachedCfg, zerolog.Nop())
	ctx := t.Context()

	if uncached.records != nil {
		t.Fatal("a zero cache size must disable the cache")
	}
	if _, err := cached.Lookup(ctx, helloSHA); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Lookup before Record = %v, want ErrNotFound", err)
	}

	res, err := cached.Record(ctx, strings.NewReader("hello"), meta("1", 5))
	if err != nil {
		t.Fatal(err)
	}

	fromCache, err := cached.Lookup(ctx, helloSHA)
	if err != nil {
		t.Fatal(err)
	}
	fromStore, err := uncached.Lookup(ctx, helloSHA)
	if err != nil {
		t.Fatal(err)
	}
	same := func(a, b FileRecord) bool {
		return a.ContentSHA256 == b.ContentSHA256 && a.SourceMessageID == b.SourceMessageID &&
			a.SizeBytes == b.SizeBytes && a.FirstSeenAt.Equal(b.FirstSeenAt)
	}
	if !same(fromCache, res.File) || !same(fromStore, res.File) {
		t.Errorf("cached %+v, stored %+v, recorded %+v", fromCache, fromStore, res.File)
	}

	hits, _, size := cached.records.Stats()
	if hits == 0 || size != 1 {
		t.Errorf("cache stats: hits=%d size=%d", hits, size)
	}
}
