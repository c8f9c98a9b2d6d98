package database

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Cursor iterates over the result of Txn.ScanIndex. Cursors are closed
// automatically when their transaction ends.
type Cursor struct {
	t          *Txn
	collection string
	query      string
	args       []interface{}

	rows   *sqlx.Rows
	key    string
	doc    string
	err    error
	closed bool
}

func (c *Cursor) open() error {
	return c.t.retry("scan", c.collection, "", func() error {
		rows, err := c.t.tx.QueryxContext(c.t.ctx, c.query, c.args...)
		if err != nil {
			return err
		}
		c.rows = rows
		return nil
	})
}

// Next advances to the next document
func (c *Cursor) Next() bool {
	if c.closed || c.err != nil || c.rows == nil {
		return false
	}
	if !c.rows.Next() {
		c.err = classify(c.rows.Err())
		c.rows.Close()
		c.rows = nil
		return false
	}
	if err := c.rows.Scan(&c.key, &c.doc); err != nil {
		c.err = classify(err)
		return false
	}
	return true
}

// Key is the primary key of the current document
func (c *Cursor) Key() string {
	return c.key
}

// Raw is the current document as stored
func (c *Cursor) Raw() json.RawMessage {
	return json.RawMessage(c.doc)
}

// Decode unmarshals the current document into dest
func (c *Cursor) Decode(dest interface{}) error {
	if err := json.Unmarshal([]byte(c.doc), dest); err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrCorrupt, c.collection, c.key, err)
	}
	return nil
}

func (c *Cursor) Err() error {
	return c.err
}

// Restart rewinds the cursor to the start of its range. Writes made in the
// same transaction since the scan opened are visible after a restart.
func (c *Cursor) Restart() error {
	if c.closed {
		return ErrClosed
	}
	if c.rows != nil {
		c.rows.Close()
		c.rows = nil
	}
	c.err = nil
	c.key, c.doc = "", ""
	return c.open()
}

func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.rows != nil {
		err := c.rows.Close()
		c.rows = nil
		return err
	}
	return nil
}

// Collect decodes every remaining document of a cursor
func Collect[T any](c *Cursor) ([]T, error) {
	var out []T
	for c.Next() {
		var v T
		if err := c.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, c.Err()
}
