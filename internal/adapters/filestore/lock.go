package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"spotTrader/internal/ports"
)

// lockFile holds a flock(2) advisory lock on a sidecar file next to a document.
// The sidecar is never renamed so the lock survives atomic document replacement.
type lockFile struct {
	f *os.File
}

// acquire takes an exclusive or shared lock on path+".lock", retrying with a
// fixed delay. Running out of retries returns ports.ErrLockAcquisition.
func acquire(ctx context.Context, path string, exclusive bool, retries int, delay time.Duration) (*lockFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir for %s: %w: %w", path, ports.ErrLockAcquisition, err)
	}
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock for %s: %w: %w", path, ports.ErrLockAcquisition, err)
	}
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	for attempt := 0; ; attempt++ {
		err = unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return &lockFile{f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w: %w", path, ports.ErrLockAcquisition, err)
		}
		if attempt+1 >= retries {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w after %d attempts", path, ports.ErrLockAcquisition, retries)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("flock %s: %w: %w", path, ports.ErrLockAcquisition, ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (l *lockFile) release() error {
	defer l.f.Close()
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}
