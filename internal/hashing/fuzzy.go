// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package hashing

import (
	"encoding/binary"
	"fmt"
	"hash"
	"math"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Content-defined chunking bounds.
const (
	MinChunkSize = 2 << 10
	AvgChunkSize = 8 << 10
	MaxChunkSize = 64 << 10

	// SketchSize is k in the bottom-k sketch.
	SketchSize = 64

	sketchPrefix = "cdc1:"
)

// 13 high bits gives an expected boundary every 8 KiB past the minimum.
const chunkMask = uint64(AvgChunkSize-1) << (64 - 13)

var gearTable = func() [256]uint64 {
	var table [256]uint64
	state := uint64(0x9E3779B97F4A7C15)
	for i := range table {
		// splitmix64
		state += 0x9E3779B97F4A7C15
		z := state
		z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
		z = (z ^ (z >> 27)) * 0x94D049BB133111EB
		table[i] = z ^ (z >> 31)
	}
	return table
}()

// chunker is an io.Writer that splits the stream with a gear rolling hash
// and fingerprints each chunk with 64-bit BLAKE2b.
type chunker struct {
	gear   uint64
	length int
	chunk  hash.Hash
	seen   map[uint64]struct{}
	chunks int
}

func newChunker() *chunker {
	h, err := blake2b.New(8, nil)
	if err != nil {
		// Only fails for sizes outside 1..64 or oversized keys.
		panic(err)
	}
	return &chunker{chunk: h, seen: make(map[uint64]struct{})}
}

func (c *chunker) Write(p []byte) (int, error) {
	start := 0
	for i, b := range p {
		c.length++
		c.gear = (c.gear << 1) + gearTable[b]

		if c.length < MinChunkSize {
			continue
		}
		if c.gear&chunkMask == 0 || c.length >= MaxChunkSize {
			c.chunk.Write(p[start : i+1])
			c.cut()
			start = i + 1
		}
	}
	if start < len(p) {
		c.chunk.Write(p[start:])
	}
	return len(p), nil
}

func (c *chunker) cut() {
	sum := c.chunk.Sum(nil)
	c.seen[binary.BigEndian.Uint64(sum)] = struct{}{}
	c.chunks++
	c.chunk.Reset()
	c.gear = 0
	c.length = 0
}

// Sketch flushes the trailing chunk and returns the bottom-k sketch.
func (c *chunker) Sketch() Sketch {
	if c.length > 0 {
		c.cut()
	}
	fps := make([]uint64, 0, len(c.seen))
	for fp := range c.seen {
		fps = append(fps, fp)
	}
	slices.Sort(fps)
	if len(fps) > SketchSize {
		fps = fps[:SketchSize]
	}
	return Sketch(fps)
}

// Sketch is an ascending bottom-k set of chunk fingerprints.
type Sketch []uint64

// String encodes the sketch as "cdc1:<hex>,<hex>,...".
func (s Sketch) String() string {
	var b strings.Builder
	b.WriteString(sketchPrefix)
	for i, fp := range s {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%016x", fp)
	}
	return b.String()
}

// ParseSketch decodes a sketch produced by String.
func ParseSketch(s string) (Sketch, error) {
	body, ok := strings.CutPrefix(s, sketchPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s prefix", ErrInvalidDigest, sketchPrefix)
	}
	if body == "" {
		return Sketch{}, nil
	}
	parts := strings.Split(body, ",")
	out := make(Sketch, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(p, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidDigest, p, err)
		}
		out = append(out, v)
	}
	slices.Sort(out)
	return out, nil
}

// Jaccard estimates set similarity from two bottom-k sketches: among the k
// smallest fingerprints of the union, the fraction present in both.
func (s Sketch) Jaccard(o Sketch) float64 {
	if len(s) == 0 && len(o) == 0 {
		return 1
	}
	if len(s) == 0 || len(o) == 0 {
		return 0
	}

	k := max(len(s), len(o))
	i, j, taken, shared := 0, 0, 0, 0
	for taken < k && (i < len(s) || j < len(o)) {
		switch {
		case j >= len(o) || (i < len(s) && s[i] < o[j]):
			i++
		case i >= len(s) || o[j] < s[i]:
			j++
		default:
			shared++
			i++
			j++
		}
		taken++
	}
	return float64(shared) / float64(taken)
}

// Distance is round(100 * (1 - Jaccard)).
func (s Sketch) Distance(o Sketch) int {
	return int(math.Round(100 * (1 - s.Jaccard(o))))
}
