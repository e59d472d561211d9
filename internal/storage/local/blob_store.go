// Package local stores crawl artifacts on the local filesystem for
// single-node runs.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory artifacts are written under. It is
	// created if missing.
	BaseDir string
}

// BlobStore writes artifacts beneath BaseDir. All file operations go through
// an os.Root, so object paths cannot escape the directory.
type BlobStore struct {
	root    *os.Root
	baseDir string
	seq     atomic.Uint64
}

// New opens (and creates) cfg.BaseDir and verifies it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("open base directory: %w", err)
	}
	s := &BlobStore{root: root, baseDir: abs}
	if err := s.checkWritable(); err != nil {
		_ = root.Close()
		return nil, err
	}
	return s, nil
}

func (s *BlobStore) checkWritable() error {
	name := s.tempName(".writecheck")
	f, err := s.root.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close write check file: %w", err)
	}
	if err := s.root.Remove(name); err != nil {
		return fmt.Errorf("remove write check file: %w", err)
	}
	return nil
}

// PutObject writes data at the slash-separated object path and returns a
// file:// URI. The write lands in a temp file that is renamed into place, so
// readers never observe a partial page.
func (s *BlobStore) PutObject(ctx context.Context, objectPath string, _ string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	name, err := localName(objectPath)
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(name); dir != "." {
		if err := s.root.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("create directories for %s: %w", objectPath, err)
		}
	}

	tmp := s.tempName(name)
	f, err := s.root.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("create temp file for %s: %w", objectPath, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.root.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", objectPath, err)
	}
	if err := f.Close(); err != nil {
		_ = s.root.Remove(tmp)
		return "", fmt.Errorf("close %s: %w", objectPath, err)
	}
	if err := s.root.Rename(tmp, name); err != nil {
		_ = s.root.Remove(tmp)
		return "", fmt.Errorf("move %s into place: %w", objectPath, err)
	}
	return "file://" + filepath.Join(s.baseDir, name), nil
}

// Close releases the directory handle.
func (s *BlobStore) Close() error {
	if err := s.root.Close(); err != nil && !errors.Is(err, fs.ErrClosed) {
		return fmt.Errorf("close blob root: %w", err)
	}
	return nil
}

func (s *BlobStore) tempName(name string) string {
	dir, base := filepath.Split(name)
	return filepath.Join(dir, "."+base+"."+strconv.FormatUint(s.seq.Add(1), 36)+".tmp")
}

// localName converts an object path into a relative OS path, rejecting
// absolute paths and parent references.
func localName(objectPath string) (string, error) {
	trimmed := strings.TrimSpace(objectPath)
	if trimmed == "" {
		return "", fmt.Errorf("object path is required")
	}
	cleaned := path.Clean(trimmed)
	if !fs.ValidPath(cleaned) || cleaned == "." {
		return "", fmt.Errorf("object path %q escapes the base directory", objectPath)
	}
	return filepath.FromSlash(cleaned), nil
}
