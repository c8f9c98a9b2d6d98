package database

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/example/engprogress/internal/schema"
)

// Txn is a transaction over a declared set of collections. It is only
// valid inside the function passed to Handle.Transaction.
type Txn struct {
	ctx     context.Context
	tx      *sqlx.Tx
	h       *Handle
	mode    Mode
	scope   map[string]schema.Collection
	cursors []*Cursor
}

// Mode returns the mode the transaction was started in
func (t *Txn) Mode() Mode {
	return t.mode
}

func (t *Txn) collection(name string) (schema.Collection, error) {
	c, ok := t.scope[name]
	if !ok {
		return schema.Collection{}, fmt.Errorf("%w: %s", ErrOutOfScope, name)
	}
	return c, nil
}

func (t *Txn) writable(name string) (schema.Collection, error) {
	c, err := t.collection(name)
	if err != nil {
		return c, err
	}
	if t.mode != ReadWrite {
		return c, fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	return c, nil
}

// retry runs fn, retrying transient storage errors with a linear backoff.
// Once the retry budget is spent the failure surfaces as *StorageIOError.
func (t *Txn) retry(op, collection, key string, fn func() error) error {
	m := t.h.m
	var err error
	for attempt := 0; attempt <= m.opts.IORetries; attempt++ {
		if attempt > 0 {
			m.sleep(m.opts.IOBackoff * time.Duration(attempt))
		}
		err = nil
		if m.beforeStatement != nil {
			err = m.beforeStatement(op)
		}
		if err == nil {
			err = fn()
		}
		if err == nil || !transient(err) {
			return classify(err)
		}
		m.log.Debug("statement failed, retrying", "op", op, "collection", collection, "attempt", attempt+1, "error", err)
	}
	return &StorageIOError{Op: op, Collection: collection, Key: key, Attempts: m.opts.IORetries + 1, cause: err}
}

// Get decodes the document stored under key into dest
func (t *Txn) Get(collection, key string, dest interface{}) error {
	raw, err := t.GetRaw(collection, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrCorrupt, collection, key, err)
	}
	return nil
}

// GetRaw returns the stored JSON document under key
func (t *Txn) GetRaw(collection, key string) (json.RawMessage, error) {
	if _, err := t.collection(collection); err != nil {
		return nil, err
	}
	var doc string
	query := fmt.Sprintf("SELECT doc FROM %s WHERE pk = ?", quote(collection))
	err := t.retry("get", collection, key, func() error {
		return t.tx.GetContext(t.ctx, &doc, query, key)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, key)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(doc), nil
}

// Put stores value, replacing any document with the same primary key. The
// key is read from the document at the collection's primary key path.
func (t *Txn) Put(collection string, value interface{}) (string, error) {
	c, err := t.writable(collection)
	if err != nil {
		return "", err
	}
	doc, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s document: %v", collection, err)
	}
	key, err := extractKey(doc, c.PrimaryKey)
	if err != nil {
		return "", fmt.Errorf("%s: %w", collection, err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (pk, doc) VALUES (?, ?)
		ON CONFLICT(pk) DO UPDATE SET doc = excluded.doc`, quote(collection))
	err = t.retry("put", collection, key, func() error {
		_, err := t.tx.ExecContext(t.ctx, query, key, string(doc))
		return err
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// Delete removes the document under key. Deleting a missing key is not an error.
func (t *Txn) Delete(collection, key string) error {
	if _, err := t.writable(collection); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE pk = ?", quote(collection))
	return t.retry("delete", collection, key, func() error {
		_, err := t.tx.ExecContext(t.ctx, query, key)
		return err
	})
}

// Clear removes every document of a collection
func (t *Txn) Clear(collection string) error {
	if _, err := t.writable(collection); err != nil {
		return err
	}
	query := "DELETE FROM " + quote(collection)
	return t.retry("clear", collection, "", func() error {
		_, err := t.tx.ExecContext(t.ctx, query)
		return err
	})
}

// Count counts the documents of an index inside r (nil counts all)
func (t *Txn) Count(collection, index string, r *KeyRange) (int, error) {
	_, expr, err := t.indexExpr(collection, index)
	if err != nil {
		return 0, err
	}
	query := "SELECT COUNT(*) FROM " + quote(collection)
	cond, args := r.where(expr)
	if cond != "" {
		query += " WHERE " + cond
	}
	var n int
	err = t.retry("count", collection, "", func() error {
		return t.tx.GetContext(t.ctx, &n, query, args...)
	})
	return n, err
}

// ScanIndex opens a cursor over an index in ascending key order, ties broken
// by primary key. Use PrimaryIndex to scan by primary key.
func (t *Txn) ScanIndex(collection, index string, r *KeyRange) (*Cursor, error) {
	_, expr, err := t.indexExpr(collection, index)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT pk, doc FROM %s", quote(collection))
	cond, args := r.where(expr)
	if cond != "" {
		query += " WHERE " + cond
	}
	query += " ORDER BY " + expr + ", pk"

	c := &Cursor{t: t, collection: collection, query: query, args: args}
	if err := c.open(); err != nil {
		return nil, err
	}
	t.cursors = append(t.cursors, c)
	return c, nil
}

func (t *Txn) indexExpr(collection, index string) (schema.Collection, string, error) {
	c, err := t.collection(collection)
	if err != nil {
		return c, "", err
	}
	if index == PrimaryIndex {
		return c, "pk", nil
	}
	idx, ok := c.Index(index)
	if !ok {
		return c, "", fmt.Errorf("%w: %s.%s", ErrUnknownIndex, collection, index)
	}
	return c, indexExpr(idx.KeyPath), nil
}

func (t *Txn) closeCursors() {
	for _, c := range t.cursors {
		c.Close()
	}
	t.cursors = nil
}

// extractKey reads the primary key at a dotted path of a JSON document
func extractKey(doc []byte, path string) (string, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	for _, part := range strings.Split(path, ".") {
		obj, ok := v.(map[string]interface{})
		if !ok {
			return "", fmt.Errorf("document has no key at %q", path)
		}
		v = obj[part]
	}
	switch k := v.(type) {
	case string:
		if k == "" {
			return "", fmt.Errorf("empty key at %q", path)
		}
		return k, nil
	case json.Number:
		return k.String(), nil
	case bool:
		return strconv.FormatBool(k), nil
	}
	return "", fmt.Errorf("document has no usable key at %q", path)
}
