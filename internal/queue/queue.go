// Package queue keeps local progress writes that the remote system has not
// confirmed yet. Mutations are written in the same transaction as the
// record they carry and are removed once the remote accepts them.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/example/engprogress/internal/database"
	"github.com/example/engprogress/internal/logger"
	"github.com/example/engprogress/internal/schema"
	"github.com/example/engprogress/pkg/models"
)

// ErrRemoteSync is matched by every *RemoteSyncError
var ErrRemoteSync = errors.New("queue: remote sync failed")

// RemoteSyncError is a mutation the remote did not accept. It is never
// fatal: the mutation stays queued for the next drain.
type RemoteSyncError struct {
	ItemID     string
	MutationID string
	Err        error
}

func (e *RemoteSyncError) Error() string {
	return fmt.Sprintf("queue: failed to sync %s (mutation %s): %v", e.ItemID, e.MutationID, e.Err)
}

func (e *RemoteSyncError) Unwrap() error { return e.Err }

func (e *RemoteSyncError) Is(target error) bool { return target == ErrRemoteSync }

// SendFunc delivers one mutation to the remote
type SendFunc func(ctx context.Context, m models.PendingMutation) error

// DrainResult summarizes one drain pass
type DrainResult struct {
	Sent     int
	Failed   []*RemoteSyncError
	Skipped  int
	Attempts int
}

// Err joins the per-item failures, nil when everything was sent
func (r DrainResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// Queue is the offline mutation queue stored in the pendingMutations collection
type Queue struct {
	h           *database.Handle
	log         *logger.Logger
	now         func() time.Time
	concurrency int
	group       singleflight.Group
}

// Option tunes a Queue
type Option func(*Queue)

// WithClock overrides the clock used for mutation timestamps
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithConcurrency lets a drain send up to n mutations at once. Every item
// has at most one queued mutation, so sends for different items are
// independent; they are still started in creation order.
func WithConcurrency(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.concurrency = n
		}
	}
}

// New creates a queue on an open store handle
func New(h *database.Handle, log *logger.Logger, opts ...Option) *Queue {
	q := &Queue{
		h:           h,
		log:         logger.OrNop(log).With("component", "queue"),
		now:         time.Now,
		concurrency: 1,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue records a payload for itemID inside the caller's read-write
// transaction. An unsynced mutation for the same item is replaced in place:
// it keeps its id and creation position and carries the latest payload.
func (q *Queue) Enqueue(tx *database.Txn, itemID string, payload json.RawMessage) (models.PendingMutation, error) {
	now := models.NormalizeTime(q.now())

	existing, err := q.unsynced(tx, itemID)
	if err != nil {
		return models.PendingMutation{}, err
	}
	m := models.PendingMutation{ItemID: itemID, CreatedAt: now}
	if existing != nil {
		m = *existing
	} else {
		// v7 ids sort by creation time, which breaks ties inside one millisecond
		id, err := uuid.NewV7()
		if err != nil {
			return models.PendingMutation{}, fmt.Errorf("failed to create mutation id: %w", err)
		}
		m.ID = id.String()
	}
	m.Payload = append(json.RawMessage(nil), payload...)
	m.UpdatedAt = now
	m.Synced = false

	if _, err := tx.Put(schema.PendingMutations, m); err != nil {
		return models.PendingMutation{}, fmt.Errorf("failed to enqueue mutation for %s: %w", itemID, err)
	}
	return m, nil
}

func (q *Queue) unsynced(tx *database.Txn, itemID string) (*models.PendingMutation, error) {
	c, err := tx.ScanIndex(schema.PendingMutations, schema.ByItem, database.Only(itemID))
	if err != nil {
		return nil, err
	}
	defer c.Close()
	for c.Next() {
		var m models.PendingMutation
		if err := c.Decode(&m); err != nil {
			return nil, err
		}
		if !m.Synced {
			return &m, nil
		}
	}
	return nil, c.Err()
}

// Clear drops every queued mutation of the given items, typically because
// the remote state for them was adopted locally.
func (q *Queue) Clear(tx *database.Txn, itemIDs ...string) error {
	for _, itemID := range itemIDs {
		c, err := tx.ScanIndex(schema.PendingMutations, schema.ByItem, database.Only(itemID))
		if err != nil {
			return err
		}
		var ids []string
		for c.Next() {
			ids = append(ids, c.Key())
		}
		if err := c.Err(); err != nil {
			return err
		}
		c.Close()
		for _, id := range ids {
			if err := tx.Delete(schema.PendingMutations, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// ClearAll empties the queue
func (q *Queue) ClearAll(tx *database.Txn) error {
	return tx.Clear(schema.PendingMutations)
}

// Pending returns the unsynced mutations in creation order
func (q *Queue) Pending(ctx context.Context) ([]models.PendingMutation, error) {
	var out []models.PendingMutation
	err := q.h.View(ctx, []string{schema.PendingMutations}, func(tx *database.Txn) error {
		c, err := tx.ScanIndex(schema.PendingMutations, schema.ByCreated, nil)
		if err != nil {
			return err
		}
		all, err := database.Collect[models.PendingMutation](c)
		if err != nil {
			return err
		}
		for _, m := range all {
			if !m.Synced {
				out = append(out, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending mutations: %w", err)
	}
	return out, nil
}

// Len is the number of unsynced mutations
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.h.View(ctx, []string{schema.PendingMutations}, func(tx *database.Txn) error {
		var err error
		n, err = tx.Count(schema.PendingMutations, schema.BySynced, database.Only(false))
		return err
	})
	return n, err
}

// Drain sends the queued mutations in creation order. A mutation is removed
// only after the remote accepted it and only if its payload was not replaced
// while it was in flight. Failures are collected and the drain moves on.
// Concurrent calls share the drain that is already running.
func (q *Queue) Drain(ctx context.Context, send SendFunc) (DrainResult, error) {
	v, err, shared := q.group.Do("drain", func() (interface{}, error) {
		return q.drain(ctx, send)
	})
	if shared {
		q.log.Debug("drain coalesced into running drain")
	}
	res, _ := v.(DrainResult)
	return res, err
}

func (q *Queue) drain(ctx context.Context, send SendFunc) (DrainResult, error) {
	if n, err := q.Sweep(ctx); err != nil {
		return DrainResult{}, err
	} else if n > 0 {
		q.log.Info("swept synced mutations", "count", n)
	}
	pending, err := q.Pending(ctx)
	if err != nil {
		return DrainResult{}, err
	}
	if len(pending) == 0 {
		return DrainResult{}, nil
	}

	var (
		mu  sync.Mutex
		res DrainResult
	)
	g := new(errgroup.Group)
	g.SetLimit(q.concurrency)
	for _, m := range pending {
		// cancellation takes effect between items
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			sendErr := send(ctx, m)

			mu.Lock()
			res.Attempts++
			mu.Unlock()

			if sendErr != nil {
				q.log.Warn("mutation not synced", "item", m.ItemID, "mutation", m.ID, "error", sendErr)
				mu.Lock()
				res.Failed = append(res.Failed, &RemoteSyncError{ItemID: m.ItemID, MutationID: m.ID, Err: sendErr})
				mu.Unlock()
				return nil
			}
			removed, err := q.confirm(ctx, m)
			if err != nil {
				return err
			}
			mu.Lock()
			if removed {
				res.Sent++
			} else {
				res.Skipped++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	q.log.Debug("queue drained", "sent", res.Sent, "failed", len(res.Failed), "skipped", res.Skipped)
	return res, nil
}

// confirm marks a sent mutation synced and then deletes it, unless a newer
// payload replaced it while it was in flight. A synced row left behind by a
// crash between the two steps is invisible to Pending and is swept by the
// next drain; an answer recorded in between starts a fresh mutation.
func (q *Queue) confirm(ctx context.Context, sent models.PendingMutation) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	marked := false
	err := q.h.Update(ctx, []string{schema.PendingMutations}, func(tx *database.Txn) error {
		var cur models.PendingMutation
		err := tx.Get(schema.PendingMutations, sent.ID, &cur)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Synced || !bytes.Equal(cur.Payload, sent.Payload) {
			return nil
		}
		cur.Synced = true
		cur.UpdatedAt = models.NormalizeTime(q.now())
		marked = true
		_, err = tx.Put(schema.PendingMutations, cur)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to confirm mutation %s: %w", sent.ID, err)
	}
	if !marked {
		return false, nil
	}
	err = q.h.Update(ctx, []string{schema.PendingMutations}, func(tx *database.Txn) error {
		return tx.Delete(schema.PendingMutations, sent.ID)
	})
	if err != nil {
		q.log.Warn("synced mutation not removed, next drain sweeps it", "mutation", sent.ID, "error", err)
	}
	return true, nil
}

// Sweep deletes mutations already marked synced and returns how many it
// removed
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	var n int
	err := q.h.Update(ctx, []string{schema.PendingMutations}, func(tx *database.Txn) error {
		c, err := tx.ScanIndex(schema.PendingMutations, schema.BySynced, database.Only(true))
		if err != nil {
			return err
		}
		var ids []string
		for c.Next() {
			ids = append(ids, c.Key())
		}
		if err := c.Err(); err != nil {
			return err
		}
		c.Close()
		for _, id := range ids {
			if err := tx.Delete(schema.PendingMutations, id); err != nil {
				return err
			}
		}
		n = len(ids)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sweep synced mutations: %w", err)
	}
	return n, nil
}
