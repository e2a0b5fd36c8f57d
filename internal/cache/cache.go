// Package cache keeps the fast-path copy of a credential on local disk.
//
// The file is advisory: anything missing, unreadable or malformed reads as
// absent, and the remote store remains the source of truth.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/semmy-space/credkeep/internal/credential"
)

const lockTimeout = 10 * time.Second

// File is a credential stored as a plain JSON array at a fixed path.
type File struct {
	path     string
	lockPath string
	logger   *slog.Logger

	mu      sync.Mutex
	lastOwn time.Time
}

// New returns a cache backed by path. A nil logger uses slog.Default().
func New(path string, logger *slog.Logger) *File {
	if logger == nil {
		logger = slog.Default()
	}
	return &File{
		path:     path,
		lockPath: path + ".lock",
		logger:   logger,
	}
}

// Path returns the file location.
func (f *File) Path() string { return f.path }

// Has reports whether the file exists. It says nothing about validity.
func (f *File) Has() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// Read returns the stored credential. The second result is false when the
// file is missing, unreadable, malformed or holds an empty array.
func (f *File) Read() (credential.Credential, bool) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("local credential unreadable", "path", f.path, "error", err)
		}
		return nil, false
	}

	var c credential.Credential
	if err := json.Unmarshal(data, &c); err != nil {
		f.logger.Warn("local credential malformed", "path", f.path, "error", err)
		return nil, false
	}
	if len(c) == 0 {
		return nil, false
	}

	return c, true
}

// Write replaces the file with c. The new content is written to a temp file
// in the same directory and renamed over the old one, so a concurrent reader
// sees either the previous credential or the new one.
func (f *File) Write(c credential.Credential) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize credential: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	unlock, err := f.lock()
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credential: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write credential: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}

	if info, err := os.Stat(f.path); err == nil {
		f.mu.Lock()
		f.lastOwn = info.ModTime()
		f.mu.Unlock()
	}

	return nil
}

// Delete removes the file. A missing file is not an error.
func (f *File) Delete() error {
	unlock, err := f.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete credential file: %w", err)
	}
	return nil
}

// lock takes the cross-process write lock next to the file.
func (f *File) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(f.lockPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	lock := flock.New(f.lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire cache lock: timeout")
	}
	return func() { _ = lock.Unlock() }, nil
}

// wroteLast reports whether the file currently on disk is the one this
// cache wrote most recently.
func (f *File) wroteLast() bool {
	info, err := os.Stat(f.path)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return info.ModTime().Equal(f.lastOwn)
}

// WriteTemplate writes a human-editable credential skeleton to path.
// It refuses to overwrite an existing file.
func WriteTemplate(path string, now time.Time) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("template not written: %s already exists", path)
	}
	return New(path, nil).Write(credential.Template(now))
}
