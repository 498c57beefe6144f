// Package filesystem stores rendered pages as one file per cache key. The file
// modification time is the entry's write time.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/prerender-gateway/internal/prerender"
)

// Config captures the parameters for the filesystem store.
type Config struct {
	// Directory is where cache files are written.
	Directory string
}

// Store implements prerender.Store on the local filesystem.
type Store struct {
	dir string
}

// New creates the cache directory if needed and checks it is writable.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Directory) == "" {
		return nil, errors.New("cache directory is required")
	}

	info, err := os.Stat(cfg.Directory)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.Directory, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create cache directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat cache directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("cache directory %q is not a directory", cfg.Directory)
	}

	probe, err := os.CreateTemp(cfg.Directory, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("cache directory is not writable: %w", err)
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return nil, fmt.Errorf("close probe file: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("remove probe file: %w", err)
	}

	return &Store{dir: filepath.Clean(cfg.Directory)}, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string {
	return s.dir
}

// Get reads the entry for key. A missing file is a cache miss; any other
// failure is returned as-is so the caller can tell the two apart.
func (s *Store) Get(_ context.Context, key string) (prerender.CacheEntry, error) {
	path, err := s.path(key)
	if err != nil {
		return prerender.CacheEntry{}, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return prerender.CacheEntry{}, prerender.ErrCacheMiss
	}
	if err != nil {
		return prerender.CacheEntry{}, fmt.Errorf("stat cache file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return prerender.CacheEntry{}, fmt.Errorf("%w: %s is not a regular file", prerender.ErrCorruptEntry, path)
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is confined to the cache directory
	if err != nil {
		return prerender.CacheEntry{}, fmt.Errorf("read cache file: %w", err)
	}
	return prerender.CacheEntry{
		Key:       key,
		Payload:   data,
		WrittenAt: info.ModTime().UTC(),
	}, nil
}

// Put writes the entry to a temporary file, stamps its modification time with
// entry.WrittenAt and renames it over the previous file. Readers see either
// the old or the new content.
func (s *Store) Put(_ context.Context, entry prerender.CacheEntry) error {
	path, err := s.path(entry.Key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "."+entry.Key+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(entry.Payload); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	writtenAt := entry.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = time.Now()
	}
	if err := os.Chtimes(tmpName, writtenAt, writtenAt); err != nil {
		cleanup()
		return fmt.Errorf("set cache file time: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}

// path resolves key inside the cache directory, rejecting anything that could
// escape it.
func (s *Store) path(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("cache key is required")
	}
	if key != filepath.Base(key) || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(s.dir, key), nil
}
