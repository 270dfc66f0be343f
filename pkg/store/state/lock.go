package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Locker serializes mutating commands across processes.
type Locker interface {
	// Lock blocks until the lock is held or ctx is done.
	Lock(ctx context.Context) (unlock func() error, err error)
}

// FileLock is an exclusive flock(2) on a lock file next to the state.
type FileLock struct {
	path     string
	interval time.Duration
}

// NewFileLock creates a lock on path. The file is created on first use.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path, interval: 100 * time.Millisecond}
}

func (l *FileLock) Path() string { return l.path }

func (l *FileLock) Lock(ctx context.Context) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return nil, &StorageError{Op: "lock", Path: l.path, Err: err}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, &StorageError{Op: "lock", Path: l.path, Err: err}
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, &StorageError{Op: "lock", Path: l.path, Err: err}
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, &StorageError{
				Op:   "lock",
				Path: l.path,
				Err:  fmt.Errorf("held by another smbzfs process: %w", ctx.Err()),
			}
		case <-ticker.C:
		}
	}

	return func() error {
		uerr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
		cerr := f.Close()
		return errors.Join(uerr, cerr)
	}, nil
}

// NopLocker never blocks. Used with the memory backend.
type NopLocker struct{}

func (NopLocker) Lock(context.Context) (func() error, error) {
	return func() error { return nil }, nil
}
