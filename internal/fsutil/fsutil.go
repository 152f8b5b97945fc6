// Package fsutil provides crash-safe file writes and cross-filesystem moves.
package fsutil

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrIO marks a file create/write/rename/copy failure.
var ErrIO = errors.New("i/o failure")

// rename is swapped in tests to simulate cross-device moves.
var rename = os.Rename

// WriteAtomic writes data to path through a temp file in the same directory
// followed by a rename, so readers never observe a partially written file.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create dir: %w", ErrIO, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp: %w", ErrIO, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("%w: write temp: %w", ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("%w: sync temp: %w", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: close temp: %w", ErrIO, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: chmod temp: %w", ErrIO, err)
	}
	if err := rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: rename temp: %w", ErrIO, err)
	}
	return nil
}

// Move moves src to dst. It tries an atomic rename first; when src and dst
// live on different filesystems it copies, verifies the copy and only then
// removes src.
func Move(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: create dir: %w", ErrIO, err)
	}

	err := rename(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return fmt.Errorf("%w: rename: %w", ErrIO, err)
	}

	if err := copyVerified(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("%w: remove source after copy: %w", ErrIO, err)
	}
	return nil
}

// copyVerified copies src next to dst, checks the digest of both sides and
// renames the copy into place.
func copyVerified(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: open source: %w", ErrIO, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat source: %w", ErrIO, err)
	}

	out, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create copy: %w", ErrIO, err)
	}
	outPath := out.Name()

	srcHash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, srcHash), in); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return fmt.Errorf("%w: copy: %w", ErrIO, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return fmt.Errorf("%w: sync copy: %w", ErrIO, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("%w: close copy: %w", ErrIO, err)
	}

	dstHash, err := fileDigest(outPath)
	if err != nil {
		_ = os.Remove(outPath)
		return err
	}
	if !bytes.Equal(srcHash.Sum(nil), dstHash) {
		_ = os.Remove(outPath)
		return fmt.Errorf("%w: copy of %s does not match source", ErrIO, src)
	}

	if err := os.Chmod(outPath, info.Mode().Perm()); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("%w: chmod copy: %w", ErrIO, err)
	}
	// Same directory as dst, so this rename never crosses devices.
	if err := os.Rename(outPath, dst); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("%w: rename copy: %w", ErrIO, err)
	}
	return nil
}

func fileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open copy: %w", ErrIO, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("%w: read copy: %w", ErrIO, err)
	}
	return h.Sum(nil), nil
}
