// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package hashing

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/corona10/goimagehash"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// sniffLimit is how much of the stream is kept for content sniffing even
// when the payload is too large to decode.
const sniffLimit = 3072

// captureBuffer keeps the first max bytes written and notes overflow.
type captureBuffer struct {
	buf      bytes.Buffer
	max      int64
	overflow bool
}

func (c *captureBuffer) Write(p []byte) (int, error) {
	room := c.max - int64(c.buf.Len())
	if room <= 0 {
		if len(p) > 0 {
			c.overflow = true
		}
		return len(p), nil
	}
	if int64(len(p)) > room {
		c.buf.Write(p[:room])
		c.overflow = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

// detectMIME sniffs the captured prefix.
func detectMIME(prefix []byte) string {
	if len(prefix) > sniffLimit {
		prefix = prefix[:sniffLimit]
	}
	return mimetype.Detect(prefix).String()
}

func isImage(mime string) bool {
	return strings.HasPrefix(mime, "image/")
}

// perceptualDigests decodes data and returns dHash and pHash digests keyed
// by variant.
func perceptualDigests(data []byte) (map[string]string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	dh, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return nil, fmt.Errorf("dhash %s: %w", format, err)
	}
	ph, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return nil, fmt.Errorf("phash %s: %w", format, err)
	}

	return map[string]string{
		VariantDHash: formatImageHash(dh),
		VariantPHash: formatImageHash(ph),
	}, nil
}
