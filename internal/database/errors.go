package database

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrStorageUnavailable means no persistent backend could be opened. It is
	// fatal for the store; callers may fall back to an in-memory store.
	ErrStorageUnavailable = errors.New("database: persistent storage unavailable")
	// ErrSchemaUpgradeFailed means the upgrade transaction was rolled back
	ErrSchemaUpgradeFailed = errors.New("database: schema upgrade failed")
	// ErrStorageIO is matched by every *StorageIOError
	ErrStorageIO = errors.New("database: storage I/O error")
	// ErrBlocked means other connections kept the store busy; retryable
	ErrBlocked = errors.New("database: blocked by other open connections")
	// ErrVersionTooNew means the store was written by a newer schema
	ErrVersionTooNew = errors.New("database: on-disk schema is newer than requested")
	ErrClosed        = errors.New("database: handle is closed")
	ErrNotFound      = errors.New("database: record not found")
	ErrReadOnly      = errors.New("database: write in a read-only transaction")
	// ErrOutOfScope is returned when a transaction touches a collection it did not declare
	ErrOutOfScope        = errors.New("database: collection not in transaction scope")
	ErrUnknownCollection = errors.New("database: unknown collection")
	ErrUnknownIndex      = errors.New("database: unknown index")
	ErrConstraint        = errors.New("database: constraint violation")
	// ErrCorrupt asks for an explicit recovery (ForceReset)
	ErrCorrupt = errors.New("database: store is corrupted")
)

// StorageIOError is a statement that kept failing after the local retry budget
type StorageIOError struct {
	Op         string
	Collection string
	Key        string
	Attempts   int
	cause      error
}

func (e *StorageIOError) Error() string {
	target := e.Collection
	if e.Key != "" {
		target += "/" + e.Key
	}
	return fmt.Sprintf("database: %s %s failed after %d attempts: %v", e.Op, target, e.Attempts, e.cause)
}

func (e *StorageIOError) Unwrap() error { return e.cause }

func (e *StorageIOError) Is(target error) bool { return target == ErrStorageIO }

// transient reports whether a sqlite error is worth retrying locally
func transient(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
		return true
	}
	return false
}

// classify maps driver errors onto the package sentinels
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code {
	case sqlite3.ErrConstraint:
		return fmt.Errorf("%w: %w", ErrConstraint, err)
	case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	case sqlite3.ErrCantOpen, sqlite3.ErrPerm, sqlite3.ErrReadonly, sqlite3.ErrAuth:
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}
