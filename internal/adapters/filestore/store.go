package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"spotTrader/internal/ports"
)

// Config holds the lock budget shared by every document.
type Config struct {
	LockRetries    int
	LockRetryDelay time.Duration
	Logger         ports.Logger
}

// Store reads and writes whole JSON documents under advisory file locks.
// Writes go to a temp file that is fsync'ed and renamed over the target.
type Store struct {
	retries int
	delay   time.Duration
	logger  ports.Logger
}

// New creates a Store.
func New(cfg Config) *Store {
	retries := cfg.LockRetries
	if retries <= 0 {
		retries = 50
	}
	delay := cfg.LockRetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return &Store{retries: retries, delay: delay, logger: cfg.Logger}
}

// read decodes path into v under a shared lock. A missing file reports false.
func (s *Store) read(ctx context.Context, path string, v any) (bool, error) {
	lock, err := acquire(ctx, path, false, s.retries, s.delay)
	if err != nil {
		s.logger.Error(ctx, err, "Document lock failed", map[string]interface{}{"path": path, "mode": "shared"})
		return false, err
	}
	defer lock.release()
	return readUnlocked(path, v)
}

// write encodes v to path under an exclusive lock.
func (s *Store) write(ctx context.Context, path string, v any) error {
	lock, err := acquire(ctx, path, true, s.retries, s.delay)
	if err != nil {
		s.logger.Error(ctx, err, "Document lock failed", map[string]interface{}{"path": path, "mode": "exclusive"})
		return err
	}
	defer lock.release()
	return writeUnlocked(path, v)
}

// update runs a read-modify-write cycle under one exclusive lock.
// fn reports whether the document changed and must be written back.
func (s *Store) update(ctx context.Context, path string, v any, fn func(found bool) (bool, error)) error {
	lock, err := acquire(ctx, path, true, s.retries, s.delay)
	if err != nil {
		s.logger.Error(ctx, err, "Document lock failed", map[string]interface{}{"path": path, "mode": "exclusive"})
		return err
	}
	defer lock.release()

	found, err := readUnlocked(path, v)
	if err != nil {
		return err
	}
	changed, err := fn(found)
	if err != nil || !changed {
		return err
	}
	return writeUnlocked(path, v)
}

func readUnlocked(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func writeUnlocked(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
