// Package file provides a durable on-disk store for agentauth.
//
// Each table is one JSON document (<dir>/<table>.json) mapping record keys
// to record values. Every mutation rewrites the whole table through a temp
// file that is fsynced and renamed into place, so a crash leaves either the
// old or the new document. Files are created with mode 0600 inside a 0700
// directory. A lock file per table serializes writers across processes.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/aloks98/agentauth/store"
)

const (
	// DefaultLockTimeout bounds how long an operation waits for the table lock.
	DefaultLockTimeout = 5 * time.Second

	lockRetryInterval = 20 * time.Millisecond

	fileMode = 0o600
	dirMode  = 0o700
)

// ErrInvalidValue indicates a value that is not a JSON document.
var ErrInvalidValue = errors.New("value must be valid JSON")

// Store implements store.Store on the local filesystem.
type Store struct {
	dir         string
	lockTimeout time.Duration
	logger      *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Option configures a file store.
type Option func(*Store)

// WithLockTimeout sets the lock acquisition timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithLogger sets the logger used for lock release warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New opens a file store rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store directory is required")
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	s := &Store{
		dir:         dir,
		lockTimeout: DefaultLockTimeout,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the directory holding the table files.
func (s *Store) Dir() string {
	return s.dir
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping verifies the directory is accessible.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("store directory unavailable: %w", err)
	}
	return store.MapContextError(ctx.Err())
}

// Get retrieves a record.
func (s *Store) Get(ctx context.Context, table, key string) ([]byte, error) {
	var out []byte
	err := s.withReadLock(ctx, table, func(path string) error {
		records, err := readTable(path)
		if err != nil {
			return err
		}
		if v, ok := records[key]; ok {
			out = []byte(v)
		}
		return nil
	})
	return out, err
}

// Put creates or replaces a record.
func (s *Store) Put(ctx context.Context, table, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("%w: %s/%s", ErrInvalidValue, table, key)
	}
	return s.withWriteLock(ctx, table, func(path string) error {
		records, err := readTable(path)
		if err != nil {
			return err
		}
		records[key] = json.RawMessage(value)
		return writeTable(path, records)
	})
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, table, key string) (bool, error) {
	var existed bool
	err := s.withWriteLock(ctx, table, func(path string) error {
		records, err := readTable(path)
		if err != nil {
			return err
		}
		if _, existed = records[key]; !existed {
			return nil
		}
		delete(records, key)
		return writeTable(path, records)
	})
	return existed, err
}

// Update performs an atomic read-modify-write under the table lock.
// The new document is on disk before Update returns.
func (s *Store) Update(ctx context.Context, table, key string, fn store.UpdateFunc) error {
	return s.withWriteLock(ctx, table, func(path string) error {
		records, err := readTable(path)
		if err != nil {
			return err
		}

		var current []byte
		if v, ok := records[key]; ok {
			current = []byte(v)
		}

		next, err := fn(current)
		if errors.Is(err, store.ErrSkipWrite) {
			return nil
		}
		if err != nil {
			return err
		}

		if next == nil {
			if current == nil {
				return nil
			}
			delete(records, key)
		} else {
			if !json.Valid(next) {
				return fmt.Errorf("%w: %s/%s", ErrInvalidValue, table, key)
			}
			records[key] = json.RawMessage(next)
		}
		return writeTable(path, records)
	})
}

// List returns every record in a table.
func (s *Store) List(ctx context.Context, table string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.withReadLock(ctx, table, func(path string) error {
		records, err := readTable(path)
		if err != nil {
			return err
		}
		for k, v := range records {
			out[k] = []byte(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) tablePath(table string) (string, error) {
	if table == "" || strings.Contains(table, "..") || strings.ContainsAny(table, "/\\") {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return filepath.Join(s.dir, table+".json"), nil
}

func (s *Store) withWriteLock(ctx context.Context, table string, fn func(path string) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return s.withFileLock(ctx, table, false, fn)
}

func (s *Store) withReadLock(ctx context.Context, table string, fn func(path string) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return s.withFileLock(ctx, table, true, fn)
}

func (s *Store) withFileLock(ctx context.Context, table string, shared bool, fn func(path string) error) error {
	path, err := s.tablePath(table)
	if err != nil {
		return err
	}

	lockPath := path + ".lock"
	fileLock := flock.New(lockPath)
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			s.logger.Warn("failed to unlock table", "path", lockPath, "error", err)
		}
	}()

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	var locked bool
	if shared {
		locked, err = fileLock.TryRLockContext(lockCtx, lockRetryInterval)
	} else {
		locked, err = fileLock.TryLockContext(lockCtx, lockRetryInterval)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return store.MapContextError(ctxErr)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: lock %s held for more than %v", store.ErrTimeout, table, s.lockTimeout)
		}
		return fmt.Errorf("failed to acquire lock for table %s: %w", table, err)
	}
	if !locked {
		return fmt.Errorf("%w: lock %s held for more than %v", store.ErrTimeout, table, s.lockTimeout)
	}

	return fn(path)
}

// readTable loads a table document. A missing file is an empty table.
func readTable(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is built from a validated table name
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read table: %w", err)
	}
	records := make(map[string]json.RawMessage)
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse table %s: %w", filepath.Base(path), err)
	}
	return records, nil
}

// writeTable replaces a table document atomically and durably.
func writeTable(path string, records map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode table: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write table: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace table: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // store directory
	if err != nil {
		return fmt.Errorf("failed to open store directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("failed to sync store directory: %w", err)
	}
	return nil
}

// Verify Store implements store.Store interface
var _ store.Store = (*Store)(nil)
