// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// writeArchive packs the snapshot and b's metadata into path, filling in
// the database size and checksum on b.
func writeArchive(path, snapshot string, b *Backup) (err error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create backup archive: %w", err)
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	defer func() {
		// Close in reverse order, keeping the first error.
		for _, c := range []io.Closer{tw, gz, out} {
			if cerr := c.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("close backup archive: %w", cerr)
			}
		}
	}()

	sum, size, err := addFile(tw, snapshot, databaseEntry)
	if err != nil {
		return err
	}
	b.DatabaseChecksum, b.DatabaseSize = sum, size

	meta, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encode backup metadata: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    metadataEntry,
		Mode:    0o640,
		Size:    int64(len(meta)),
		ModTime: b.CreatedAt,
	}); err != nil {
		return fmt.Errorf("write metadata header: %w", err)
	}
	if _, err := tw.Write(meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// addFile copies src into the archive as name and returns its SHA-256 and
// size.
func addFile(tw *tar.Writer, src, name string) (string, int64, error) {
	f, err := os.Open(src) //nolint:gosec // snapshot path built by the manager
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat %s: %w", src, err)
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return "", 0, fmt.Errorf("tar header for %s: %w", src, err)
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return "", 0, fmt.Errorf("write tar header for %s: %w", src, err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tw, h), f)
	if err != nil {
		return "", 0, fmt.Errorf("copy %s into archive: %w", src, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func fileChecksum(path string) (string, int64, error) {
	f, err := os.Open(path) //nolint:gosec // path inside the backup directory
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// verifyArchive checks the archive file against b.Checksum and the
// database entry against b.DatabaseChecksum.
func verifyArchive(path string, b Backup) error {
	sum, _, err := fileChecksum(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorrupted, b.FileName, err)
	}
	if sum != b.Checksum {
		return fmt.Errorf("%w: %s: archive checksum %s, expected %s", ErrCorrupted, b.FileName, sum, b.Checksum)
	}
	return extractDatabase(path, b, io.Discard)
}

// extractDatabase streams the database entry of the archive at path into
// w, checking its size and checksum.
func extractDatabase(path string, b Backup, w io.Writer) error {
	f, err := os.Open(path) //nolint:gosec // path inside the backup directory
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorrupted, b.FileName, err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %s has no %s entry", ErrCorrupted, b.FileName, databaseEntry)
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCorrupted, b.FileName, err)
		}
		if header.Name != databaseEntry {
			continue
		}
		if header.Size != b.DatabaseSize {
			return fmt.Errorf("%w: database entry is %d bytes, expected %d", ErrCorrupted, header.Size, b.DatabaseSize)
		}

		h := sha256.New()
		n, err := io.Copy(io.MultiWriter(w, h), io.LimitReader(tr, b.DatabaseSize+1))
		if err != nil {
			return fmt.Errorf("read database entry: %w", err)
		}
		if n != b.DatabaseSize || hex.EncodeToString(h.Sum(nil)) != b.DatabaseChecksum {
			return fmt.Errorf("%w: database checksum mismatch in %s", ErrCorrupted, b.FileName)
		}
		return nil
	}
}

// Restore verifies backup id and writes its database to target, replacing
// the file and its WAL sidecars. The store at target must not be open.
func (m *Manager) Restore(ctx context.Context, id, target string, overwrite bool) (Backup, error) {
	b, err := m.Verify(id)
	if err != nil {
		return b, err
	}
	if _, err := os.Stat(target); err == nil && !overwrite {
		return b, fmt.Errorf("%w: %s", ErrTargetExists, target)
	}
	if err := ctx.Err(); err != nil {
		return b, err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return b, fmt.Errorf("create restore directory: %w", err)
	}
	tmp := target + ".restore"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640) //nolint:gosec // operator-provided target
	if err != nil {
		return b, fmt.Errorf("create restore file: %w", err)
	}
	err = extractDatabase(m.path(&b), b, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return b, err
	}

	for _, sidecar := range []string{target + "-wal", target + "-shm"} {
		if err := os.Remove(sidecar); err != nil && !errors.Is(err, os.ErrNotExist) {
			_ = os.Remove(tmp)
			return b, fmt.Errorf("remove %s: %w", sidecar, err)
		}
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return b, fmt.Errorf("replace %s: %w", target, err)
	}

	m.logger.Info().Str("id", b.ID).Str("target", target).Msg("Backup restored")
	return b, nil
}
