package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/engprogress/internal/schema"
)

// Handle is one open connection to the store at a fixed schema version
type Handle struct {
	m        *Manager
	desc     schema.Descriptor
	pools    *pools
	lock     *fileLock
	onChange func(newVersion int) bool

	// mu is held shared by running transactions and exclusively by close
	mu     sync.RWMutex
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// Version is the schema version this handle was opened at
func (h *Handle) Version() int {
	return h.desc.Version
}

// Descriptor is the schema this handle was opened with
func (h *Handle) Descriptor() schema.Descriptor {
	return h.desc
}

// Closed reports whether the handle was closed, either explicitly or by a
// version change.
func (h *Handle) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Done is closed when the handle closes
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Close waits for running transactions and closes the handle
func (h *Handle) Close() error {
	return h.close()
}

func (h *Handle) close() error {
	var err error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.done)
		h.m.unregister(h)
		err = h.release()
	})
	return err
}

// release frees the pools and the file lock without touching the registry
func (h *Handle) release() error {
	var err error
	if h.pools != nil {
		err = h.pools.close()
	}
	if h.lock != nil {
		if lerr := h.lock.close(); lerr != nil && err == nil {
			err = lerr
		}
	}
	return err
}

// versionChange asks the handle to go away for a newer version. It returns
// false when the owner decided to keep it open.
func (h *Handle) versionChange(newVersion int) bool {
	if h.onChange != nil && !h.onChange(newVersion) {
		h.m.log.Warn("handle refused version change", "version", h.desc.Version, "requested", newVersion)
		return false
	}
	h.m.log.Info("closing handle for version change", "version", h.desc.Version, "requested", newVersion)
	h.close()
	return true
}

// startWatcher polls the upgrade marker so that upgrades started by other
// processes can make this handle close.
func (h *Handle) startWatcher() {
	if h.lock == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(h.m.opts.WatchInterval)
		defer ticker.Stop()
		refused := 0
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				v := readMarker(h.m.markerPath())
				if v == 0 || (v != resetVersion && v <= h.desc.Version) || v == refused {
					continue
				}
				if !h.versionChange(v) {
					refused = v
					continue
				}
				return
			}
		}
	}()
}

func (h *Handle) diskVersion(ctx context.Context) (int, error) {
	var v int
	if err := h.pools.writer.GetContext(ctx, &v, "PRAGMA user_version"); err != nil {
		return 0, classify(err)
	}
	return v, nil
}

// Collections reads the collection catalog from the store itself
func (h *Handle) Collections(ctx context.Context) (schema.Descriptor, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return schema.Descriptor{}, ErrClosed
	}
	v, err := h.diskVersion(ctx)
	if err != nil {
		return schema.Descriptor{}, err
	}
	cols, err := readCatalog(ctx, h.pools.reader)
	if err != nil {
		return schema.Descriptor{}, err
	}
	d := schema.Descriptor{Version: v, Collections: cols}
	return d.Normalize(), nil
}

// Transaction runs fn inside a transaction over the given collections.
// Read-write transactions on the same collection never interleave; reads
// run concurrently. The transaction commits when fn returns nil and rolls
// back on error or panic. ctx is only checked before the transaction
// starts: once begun, a transaction runs to commit or rollback.
func (h *Handle) Transaction(ctx context.Context, collections []string, mode Mode, fn func(tx *Txn) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	scope := make(map[string]schema.Collection, len(collections))
	for _, name := range collections {
		c, ok := h.desc.Collection(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCollection, name)
		}
		scope[name] = c
	}

	// the store-wide lock comes before mu: upgrades close handles while
	// holding it
	if err := h.m.storeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer h.m.storeSem.Release(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	if mode == ReadWrite {
		names := make([]string, 0, len(scope))
		for name := range scope {
			names = append(names, name)
		}
		// sorted acquisition keeps multi-collection writers deadlock free
		sort.Strings(names)
		for i, name := range names {
			if err := h.m.writeLock(name).Acquire(ctx, 1); err != nil {
				for _, held := range names[:i] {
					h.m.writeLock(held).Release(1)
				}
				return err
			}
		}
		defer func() {
			for _, name := range names {
				h.m.writeLock(name).Release(1)
			}
		}()
	}

	txCtx := context.WithoutCancel(ctx)
	t := &Txn{ctx: txCtx, h: h, mode: mode, scope: scope}

	db := h.pools.forMode(mode)
	err = t.retry("begin", "", "", func() error {
		tx, berr := db.BeginTxx(txCtx, nil)
		if berr != nil {
			return berr
		}
		t.tx = tx
		return nil
	})
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			t.closeCursors()
			_ = t.tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(t); err != nil {
		t.closeCursors()
		if rerr := t.tx.Rollback(); rerr != nil {
			h.m.log.Warn("rollback failed", "error", rerr)
		}
		return err
	}
	t.closeCursors()
	if err := t.tx.Commit(); err != nil {
		return &StorageIOError{Op: "commit", Attempts: 1, cause: classify(err)}
	}
	return nil
}

// View is a read-only Transaction
func (h *Handle) View(ctx context.Context, collections []string, fn func(tx *Txn) error) error {
	return h.Transaction(ctx, collections, ReadOnly, fn)
}

// Update is a read-write Transaction
func (h *Handle) Update(ctx context.Context, collections []string, fn func(tx *Txn) error) error {
	return h.Transaction(ctx, collections, ReadWrite, fn)
}
