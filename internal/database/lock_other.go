//go:build !unix

package database

import (
	"context"
	"time"
)

// fileLock is a no-op where flock is unavailable; only in-process
// coordination applies there.
type fileLock struct{}

func openFileLock(string) (*fileLock, error) { return &fileLock{}, nil }

func (l *fileLock) shared(context.Context, time.Duration) error    { return nil }
func (l *fileLock) exclusive(context.Context, time.Duration) error { return nil }
func (l *fileLock) unlock() error                                  { return nil }
func (l *fileLock) close() error                                   { return nil }
