// Package lock provides advisory file locks that serialize mutations across
// ckpt processes.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ckpt-go/internal/ckpt"
)

const defaultPoll = 100 * time.Millisecond

// FileLock is an advisory lock on a single file.
type FileLock struct {
	path string
	poll time.Duration
}

// New returns a lock on path. The file is created on first use and left in
// place afterwards.
func New(path string) *FileLock {
	return &FileLock{path: path, poll: defaultPoll}
}

func (l *FileLock) Path() string { return l.path }

// Lock polls until the lock is held. It returns an error wrapping
// ckpt.ErrLocked when ctx ends first.
func (l *FileLock) Lock(ctx context.Context) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := tryLock(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("locking %s: %w", l.path, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("%s: %w", l.path, ckpt.ErrLocked)
		case <-ticker.C:
		}
	}

	released := false
	return func() error {
		if released {
			return nil
		}
		released = true
		unlockErr := unlock(f)
		if err := f.Close(); err != nil && unlockErr == nil {
			unlockErr = err
		}
		return unlockErr
	}, nil
}

var _ ckpt.Locker = (*FileLock)(nil)
