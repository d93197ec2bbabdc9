// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package hashing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/corona10/goimagehash"
)

var (
	// ErrUnsupportedAlgorithm is returned for similarity queries the
	// algorithm cannot answer.
	ErrUnsupportedAlgorithm = errors.New("unsupported similarity algorithm")

	// ErrSizeMismatch is returned when the streamed length differs from the
	// declared size, usually a truncated upload.
	ErrSizeMismatch = errors.New("streamed size does not match declared size")

	// ErrInvalidDigest is returned when a stored digest cannot be parsed.
	ErrInvalidDigest = errors.New("invalid digest")
)

// Algorithm is the closed set of fingerprint families.
type Algorithm int

const (
	AlgorithmExact Algorithm = iota + 1
	AlgorithmPerceptual
	AlgorithmFuzzy
)

// Stored digest variants.
const (
	VariantSHA256 = "sha256"
	VariantDHash  = "dhash64"
	VariantPHash  = "phash64"
	VariantCDC    = "cdc-bottomk64"
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmExact:
		return "exact"
	case AlgorithmPerceptual:
		return "perceptual"
	case AlgorithmFuzzy:
		return "fuzzy"
	default:
		return "unknown"
	}
}

// ParseAlgorithm parses "exact", "perceptual" or "fuzzy".
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exact", "sha256":
		return AlgorithmExact, nil
	case "perceptual", "phash", "dhash":
		return AlgorithmPerceptual, nil
	case "fuzzy", "cdc":
		return AlgorithmFuzzy, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
	}
}

// Variants returns the stored digest variants of the family.
func (a Algorithm) Variants() []string {
	switch a {
	case AlgorithmExact:
		return []string{VariantSHA256}
	case AlgorithmPerceptual:
		return []string{VariantDHash, VariantPHash}
	case AlgorithmFuzzy:
		return []string{VariantCDC}
	default:
		return nil
	}
}

// table returns the digest table for similarity families.
func (a Algorithm) table() (string, error) {
	switch a {
	case AlgorithmPerceptual:
		return "perceptual_hashes", nil
	case AlgorithmFuzzy:
		return "fuzzy_hashes", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, a)
	}
}

// Distance compares two digests of the same variant. Exact distance is 0 or
// 1, perceptual is the Hamming distance of the 64-bit hashes and fuzzy is
// 0..100 derived from the estimated chunk overlap.
func (a Algorithm) Distance(variant, x, y string) (int, error) {
	switch a {
	case AlgorithmExact:
		if x == y {
			return 0, nil
		}
		return 1, nil
	case AlgorithmPerceptual:
		return perceptualDistance(variant, x, y)
	case AlgorithmFuzzy:
		sx, err := ParseSketch(x)
		if err != nil {
			return 0, err
		}
		sy, err := ParseSketch(y)
		if err != nil {
			return 0, err
		}
		return sx.Distance(sy), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedAlgorithm, int(a))
	}
}

func perceptualDistance(variant, x, y string) (int, error) {
	var kind goimagehash.Kind
	switch variant {
	case VariantDHash:
		kind = goimagehash.DHash
	case VariantPHash:
		kind = goimagehash.PHash
	default:
		return 0, fmt.Errorf("%w: perceptual variant %q", ErrUnsupportedAlgorithm, variant)
	}

	hx, err := strconv.ParseUint(x, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidDigest, x, err)
	}
	hy, err := strconv.ParseUint(y, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidDigest, y, err)
	}
	return goimagehash.NewImageHash(hx, kind).Distance(goimagehash.NewImageHash(hy, kind))
}

func formatImageHash(h *goimagehash.ImageHash) string {
	return fmt.Sprintf("%016x", h.GetHash())
}
