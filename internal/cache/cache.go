// Package cache stores generated feeds on disk, one file per
// (target, hours) pair. The file's modification time is the freshness
// reference.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/afero"
)

// ErrNotFound is returned by Read when no entry exists for the key.
var ErrNotFound = errors.New("cache entry not found")

// Store is a filesystem-backed feed cache. It keeps no in-memory state, so
// several Stores (or processes) may share one directory.
type Store struct {
	fs  afero.Fs
	dir string
	now func() time.Time
}

// New creates a Store on the OS filesystem rooted at dir.
func New(dir string) *Store {
	return NewWithFS(afero.NewOsFs(), dir)
}

// NewWithFS creates a Store on an arbitrary afero filesystem.
func NewWithFS(fsys afero.Fs, dir string) *Store {
	return &Store{fs: fsys, dir: dir, now: time.Now}
}

// WithClock overrides the clock used for freshness checks.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Key returns the cache file path for a request. Identical requests always
// map to the same path.
func (s *Store) Key(target string, hours int) string {
	return filepath.Join(s.dir, target+"_"+strconv.Itoa(hours)+"hours.xml")
}

// IsFresh reports whether an entry exists and is at most ttl old.
// It does not read the body.
func (s *Store) IsFresh(target string, hours int, ttl time.Duration) bool {
	fi, err := s.fs.Stat(s.Key(target, hours))
	if err != nil || fi.IsDir() {
		return false
	}
	return s.now().Sub(fi.ModTime()) <= ttl
}

// Age returns how old the entry is, or ErrNotFound.
func (s *Store) Age(target string, hours int) (time.Duration, error) {
	fi, err := s.fs.Stat(s.Key(target, hours))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return s.now().Sub(fi.ModTime()), nil
}

// Read returns the stored body regardless of its age.
func (s *Store) Read(target string, hours int) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.Key(target, hours))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read cache entry: %w", err)
	}
	return data, nil
}

// Write stores body for the key. The body is written to a temp file in the
// cache directory and renamed over the final path, so readers see either the
// old or the new content, never a partial file. The directory is created if
// needed.
func (s *Store) Write(target string, hours int, body []byte) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, s.dir, ".calfeed-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error. After a successful rename this
	// is a no-op.
	defer s.fs.Remove(tmpName)

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := s.fs.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	final := s.Key(target, hours)
	if err := s.fs.Rename(tmpName, final); err != nil {
		return fmt.Errorf("replace cache entry: %w", err)
	}

	// Freshness counts from the write, not from whatever the temp file
	// creation time was.
	now := s.now()
	if err := s.fs.Chtimes(final, now, now); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	return nil
}
