// Package scratch manages disposable copies of SQLite files used for
// attach-based cross-database reads. A copy freezes the source for the
// duration of one operation and is always released afterwards, retrying
// removal while the filesystem still reports the file busy.
package scratch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/lherron/boardtasks/internal/layout"
	"github.com/rs/zerolog"
)

const (
	// DefaultAttempts bounds removal retries.
	DefaultAttempts = 3
	// DefaultDelay is the first backoff between removal attempts.
	DefaultDelay = 100 * time.Millisecond
)

// Manager creates and releases disposable copies.
type Manager struct {
	clock    clock.Clock
	logger   zerolog.Logger
	attempts int
	delay    time.Duration
	remove   func(string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for retry backoff.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithRetry sets the number of removal attempts and the initial delay.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(m *Manager) {
		m.attempts = attempts
		m.delay = delay
	}
}

// WithRemoveFunc replaces os.Remove; used to simulate busy files.
func WithRemoveFunc(fn func(string) error) Option {
	return func(m *Manager) { m.remove = fn }
}

// NewManager returns a Manager that logs cleanup problems to logger.
func NewManager(logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		clock:    clock.WallClock,
		logger:   logger,
		attempts: DefaultAttempts,
		delay:    DefaultDelay,
		remove:   os.Remove,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Copy is a disposable copy of a database file.
type Copy struct {
	// Path is the copy's database file.
	Path string
	// Size and Checksum describe the copied main file.
	Size     int64
	Checksum string

	files   []string
	manager *Manager
}

// Copy copies src to src+suffix, along with a -wal sidecar when present so
// committed pages not yet checkpointed travel with it. The caller must call
// Release on the returned Copy.
func (m *Manager) Copy(src, suffix string) (*Copy, error) {
	if suffix == "" {
		return nil, fmt.Errorf("copy suffix cannot be empty")
	}
	dst := src + suffix
	c := &Copy{Path: dst, manager: m}

	// Anything left over from an aborted run is stale.
	c.files = append(c.files, dst)
	for _, s := range layout.Sidecars {
		c.files = append(c.files, dst+s)
	}
	if err := c.release(); err != nil {
		return nil, fmt.Errorf("failed to clear stale copy %s: %w", dst, err)
	}

	size, checksum, err := copyFile(src, dst)
	if err != nil {
		c.Release()
		return nil, err
	}
	c.Size = size
	c.Checksum = checksum

	if _, err := os.Stat(src + "-wal"); err == nil {
		if _, _, err := copyFile(src+"-wal", dst+"-wal"); err != nil {
			c.Release()
			return nil, err
		}
	}

	m.logger.Debug().
		Str("source", src).
		Str("copy", dst).
		Int64("size", size).
		Str("sha256", checksum).
		Msg("created disposable copy")
	return c, nil
}

// Release removes the copy and its sidecars. Failures after the bounded
// retries are logged as warnings; the migrated data is unaffected.
// Safe to call more than once.
func (c *Copy) Release() {
	if c == nil || c.manager == nil {
		return
	}
	if err := c.release(); err != nil {
		c.manager.logger.Warn().Err(err).Str("copy", c.Path).Msg("failed to remove disposable copy")
	}
}

func (c *Copy) release() error {
	var firstErr error
	for _, f := range c.files {
		if err := c.manager.Remove(f); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Remove deletes path, retrying a bounded number of times with backoff.
// A missing file counts as removed.
func (m *Manager) Remove(path string) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			err := m.remove(path)
			if err == nil || os.IsNotExist(err) {
				return nil
			}
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			m.logger.Debug().Err(err).Str("path", path).Int("attempt", attempt).Msg("file busy, retrying removal")
		},
		Attempts:    m.attempts,
		Delay:       m.delay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       m.clock,
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) {
			err = retry.LastError(err)
		}
		return fmt.Errorf("failed to remove %s after %d attempts: %w", path, m.attempts, err)
	}
	return nil
}

// copyFile copies a file from src to dst, returning size and checksum.
func copyFile(src, dst string) (size int64, checksum string, err error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return 0, "", fmt.Errorf("failed to open source: %w", err)
	}
	defer srcFile.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, "", fmt.Errorf("failed to create destination directory: %w", err)
	}
	dstFile, err := os.Create(dst)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create destination: %w", err)
	}

	hasher := sha256.New()
	size, err = io.Copy(io.MultiWriter(dstFile, hasher), srcFile)
	if err != nil {
		dstFile.Close()
		return 0, "", fmt.Errorf("failed to copy file: %w", err)
	}
	if err := dstFile.Close(); err != nil {
		return 0, "", fmt.Errorf("failed to close destination: %w", err)
	}

	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}
