package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// pools holds the two connection pools of one handle. For file stores the
// writer is a single connection (SQLite doesn't support multiple writers)
// that begins IMMEDIATE transactions; readers use deferred transactions and
// run concurrently under WAL. In-memory stores share a single connection.
type pools struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

func (p *pools) close() error {
	var err error
	if p.reader != nil && p.reader != p.writer {
		err = p.reader.Close()
	}
	if p.writer != nil {
		if werr := p.writer.Close(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func (p *pools) forMode(mode Mode) *sqlx.DB {
	if mode == ReadWrite {
		return p.writer
	}
	return p.reader
}

func dsn(path string, txlock string) string {
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	q.Set("_txlock", txlock)
	return "file:" + path + "?" + q.Encode()
}

func memoryDSN(name string) string {
	return "file:" + name + "?mode=memory&cache=shared&_txlock=immediate"
}

// ensureDir creates the data directory of a file store
func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create data directory: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// connect opens the pools for a file or in-memory store and verifies that
// the backend is usable.
func connect(ctx context.Context, path, memoryName string) (*pools, error) {
	if memoryName != "" {
		db, err := sqlx.Open("sqlite3", memoryDSN(memoryName))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		// idle connections must never be recycled or the memory store is lost
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, classify(err)
		}
		return &pools{writer: db, reader: db}, nil
	}

	if err := ensureDir(path); err != nil {
		return nil, err
	}

	writer, err := sqlx.Open("sqlite3", dsn(path, "immediate"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	// The first statement creates the file; it is where permission and
	// corruption problems show up.
	if _, err := writer.ExecContext(ctx, "PRAGMA user_version"); err != nil {
		writer.Close()
		err = classify(err)
		if !isKnown(err) {
			err = fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return nil, err
	}

	reader, err := sqlx.Open("sqlite3", dsn(path, "deferred"))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	reader.SetMaxOpenConns(4)
	reader.SetMaxIdleConns(2)

	return &pools{writer: writer, reader: reader}, nil
}

func isKnown(err error) bool {
	for _, target := range []error{ErrStorageUnavailable, ErrCorrupt} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// removeFiles deletes a file store and its WAL side files
func removeFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %v", p, err)
		}
	}
	return nil
}
