//go:build unix

package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// fileLock is an advisory flock on <store>.lock. Every open handle holds it
// shared; upgrades and resets need it exclusive. flock locks belong to the
// open file description, so two handles in one process still conflict.
type fileLock struct {
	f *os.File
}

func openFileLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open lock file: %v", ErrStorageUnavailable, err)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) shared(ctx context.Context, timeout time.Duration) error {
	return l.acquire(ctx, unix.LOCK_SH, timeout)
}

func (l *fileLock) exclusive(ctx context.Context, timeout time.Duration) error {
	return l.acquire(ctx, unix.LOCK_EX, timeout)
}

// acquire polls a non-blocking flock until timeout. A zero timeout tries once.
func (l *fileLock) acquire(ctx context.Context, how int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	wait := 5 * time.Millisecond
	for {
		err := unix.Flock(int(l.f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("%w: flock: %v", ErrStorageUnavailable, err)
		}
		if !time.Now().Before(deadline) {
			return ErrBlocked
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if wait < 50*time.Millisecond {
			wait *= 2
		}
	}
}

func (l *fileLock) unlock() error {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}

func (l *fileLock) close() error {
	_ = l.unlock()
	return l.f.Close()
}
