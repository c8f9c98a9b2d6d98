package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/example/engprogress/internal/schema"
)

type item struct {
	ItemID       string `json:"itemId"`
	MasteryLevel int    `json:"masteryLevel"`
	NextReviewAt int64  `json:"nextReviewAt"`
}

func newManager(t *testing.T, path string, tune ...func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Path:           path,
		BlockedTimeout: 500 * time.Millisecond,
		UpgradeBackoff: time.Millisecond,
		WatchInterval:  10 * time.Millisecond,
	}
	for _, f := range tune {
		f(&opts)
	}
	m := NewManager(opts)
	m.sleep = func(time.Duration) {}
	t.Cleanup(func() { m.Close() })
	return m
}

func storePath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "data", "progress.db")
}

func at(t *testing.T, version int) schema.Descriptor {
	t.Helper()
	d, err := schema.At(version)
	require.NoError(t, err)
	return d
}

func putItems(t *testing.T, h *Handle, items ...item) {
	t.Helper()
	err := h.Update(context.Background(), []string{schema.Progress}, func(tx *Txn) error {
		for _, it := range items {
			if _, err := tx.Put(schema.Progress, it); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestOpenCreatesLatestSchema(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, storePath(t))

	h, err := m.Open(ctx, schema.Latest())
	require.NoError(t, err)
	assert.Equal(t, len(schema.Migrations), h.Version())

	got, err := h.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.Latest().Normalize(), got)
}

func TestUpgradeSkippingVersionsMatchesStepwise(t *testing.T) {
	ctx := context.Background()
	latest := len(schema.Migrations)

	skip := newManager(t, storePath(t))
	h, err := skip.Open(ctx, at(t, 1))
	require.NoError(t, err)
	require.NoError(t, h.Close())
	h, err = skip.Open(ctx, at(t, latest))
	require.NoError(t, err)
	skipped, err := h.Collections(ctx)
	require.NoError(t, err)

	step := newManager(t, storePath(t))
	for v := 1; v <= latest; v++ {
		h, err = step.Open(ctx, at(t, v))
		require.NoError(t, err)
		require.NoError(t, h.Close())
	}
	h, err = step.Open(ctx, at(t, latest))
	require.NoError(t, err)
	stepped, err := h.Collections(ctx)
	require.NoError(t, err)

	assert.Equal(t, stepped, skipped)
	assert.Equal(t, latest, skipped.Version)
}

func TestUpgradeKeepsData(t *testing.T) {
	ctx := context.Background()
	path := storePath(t)
	m := newManager(t, path)

	h, err := m.Open(ctx, at(t, 1))
	require.NoError(t, err)
	putItems(t, h, item{ItemID: "w1", MasteryLevel: 2, NextReviewAt: 100})

	h2, err := m.Open(ctx, schema.Latest())
	require.NoError(t, err)
	assert.True(t, h.Closed(), "stale handle must be closed by the upgrade")

	var got item
	err = h2.View(ctx, []string{schema.Progress}, func(tx *Txn) error {
		return tx.Get(schema.Progress, "w1", &got)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, got.MasteryLevel)

	// the new index is usable for rows written before it existed
	err = h2.View(ctx, []string{schema.Progress}, func(tx *Txn) error {
		n, err := tx.Count(schema.Progress, schema.ByNextReview, UpperBound(int64(100), false))
		assert.Equal(t, 1, n)
		return err
	})
	require.NoError(t, err)
}

func TestOpenRejectsNewerStore(t *testing.T) {
	ctx := context.Background()
	path := storePath(t)

	m := newManager(t, path)
	h, err := m.Open(ctx, schema.Latest())
	require.NoError(t, err)
	require.NoError(t, h.Close())

	_, err = m.Open(ctx, at(t, 1))
	assert.ErrorIs(t, err, ErrVersionTooNew)
}

func TestStaleHandleIsClosedOnUpgrade(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, storePath(t))

	var asked atomic.Int32
	old, err := m.Open(ctx, at(t, 1), OpenOptions{OnVersionChange: func(v int) bool {
		asked.Store(int32(v))
		return true
	}})
	require.NoError(t, err)

	_, err = m.Open(ctx, at(t, 2))
	require.NoError(t, err)
	assert.Equal(t, int32(2), asked.Load())
	assert.Equal(t, 1, m.OpenHandles())

	err = old.View(ctx, []string{schema.Progress}, func(tx *Txn) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
	select {
	case <-old.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestUpgradeBlockedByRefusingHandleInSameProcess(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, storePath(t))

	old, err := m.Open(ctx, at(t, 1), OpenOptions{OnVersionChange: func(int) bool { return false }})
	require.NoError(t, err)

	_, err = m.Open(ctx, at(t, 2))
	assert.ErrorIs(t, err, ErrBlocked)
	assert.False(t, old.Closed())

	disk, err := old.diskVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, disk)
}

func TestUpgradeAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	path := storePath(t)

	// two managers on one path behave like two processes: they share
	// nothing but the file and its flock
	other := newManager(t, path)
	peer, err := other.Open(ctx, at(t, 1))
	require.NoError(t, err)

	m := newManager(t, path, func(o *Options) { o.BlockedTimeout = 5 * time.Second })
	h, err := m.Open(ctx, at(t, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, h.Version())

	select {
	case <-peer.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer handle was not closed by the upgrade")
	}
	_, err = os.Stat(path + ".upgrade")
	assert.True(t, os.IsNotExist(err), "upgrade marker must be removed")
}

func TestUpgradeBlockedAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	path := storePath(t)

	other := newManager(t, path)
	peer, err := other.Open(ctx, at(t, 1), OpenOptions{OnVersionChange: func(int) bool { return false }})
	require.NoError(t, err)

	m := newManager(t, path, func(o *Options) { o.BlockedTimeout = 100 * time.Millisecond })
	_, err = m.Open(ctx, at(t, 2))
	require.ErrorIs(t, err, ErrBlocked)

	// the refusing handle keeps working at its version
	putItems(t, peer, item{ItemID: "w1"})
	assert.False(t, peer.Closed())
}

func TestOpenNoWaitDuringUpgrade(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, storePath(t))

	require.True(t, m.upgradeSem.TryAcquire(1))
	_, err := m.Open(ctx, schema.Latest(), OpenOptions{NoWait: true})
	assert.ErrorIs(t, err, ErrBlocked)

	waiting, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.Open(waiting, schema.Latest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m.upgradeSem.Release(1)
	_, err = m.Open(ctx, schema.Latest(), OpenOptions{NoWait: true})
	assert.NoError(t, err)
}

func TestOpenNoWaitAtCurrentVersionRunsConcurrently(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, storePath(t))
	_, err := m.Open(ctx, schema.Latest())
	require.NoError(t, err)

	// an upgrade elsewhere does not hold up opens that need none
	require.True(t, m.upgradeSem.TryAcquire(1))
	defer m.upgradeSem.Release(1)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := m.Open(ctx, schema.Latest(), OpenOptions{NoWait: true})
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 9, m.OpenHandles())

	_, err = m.Open(ctx, at(t, 1), OpenOptions{NoWait: true})
	assert.ErrorIs(t, err, ErrVersionTooNew)
}

func uniqueTag(unique bool) []schema.Migration {
	return []schema.Migration{
		{Version: 1, Name: "items", Apply: func(d schema.Descriptor) schema.Descriptor {
			return d.WithCollection(schema.Collection{Name: "items", PrimaryKey: "itemId"})
		}},
		{Version: 2, Name: "unique mastery", Apply: func(d schema.Descriptor) schema.Descriptor {
			return d.WithIndex("items", schema.Index{Name: "by_mastery", KeyPath: "masteryLevel", Unique: unique})
		}},
	}
}

func TestFailedUpgradeRollsBack(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, storePath(t))
	migrations := uniqueTag(true)

	v1, err := schema.Build(migrations, 1)
	require.NoError(t, err)
	v2, err := schema.Build(migrations, 2)
	require.NoError(t, err)

	h, err := m.Open(ctx, v1)
	require.NoError(t, err)
	err = h.Update(ctx, []string{"items"}, func(tx *Txn) error {
		for _, id := range []string{"a", "b"} {
			if _, err := tx.Put("items", item{ItemID: id, MasteryLevel: 1}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, h.Close())

	_, err = m.Open(ctx, v2)
	require.ErrorIs(t, err, ErrSchemaUpgradeFailed)
	assert.ErrorIs(t, err, ErrConstraint)

	h, err = m.Open(ctx, v1)
	require.NoError(t, err)
	got, err := h.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1.Normalize(), got)

	var n int
	err = h.View(ctx, []string{"items"}, func(tx *Txn) error {
		n, err = tx.Count("items", PrimaryIndex, nil)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFailedUpgradeIsRetriedOncePerManager(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, storePath(t))

	var attempts atomic.Int32
	m.beforeUpgrade = func() error {
		attempts.Add(1)
		return errors.New("disk full")
	}

	_, err := m.Open(ctx, schema.Latest())
	require.ErrorIs(t, err, ErrSchemaUpgradeFailed)
	assert.Equal(t, int32(2), attempts.Load())

	_, err = m.Open(ctx, schema.Latest())
	require.ErrorIs(t, err, ErrSchemaUpgradeFailed)
	assert.Equal(t, int32(3), attempts.Load(), "the retry budget is spent")

	m.beforeUpgrade = nil
	h, err := m.Open(ctx, schema.Latest())
	require.NoError(t, err)
	assert.Equal(t, len(schema.Migrations), h.Version())
}

func TestForceReset(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, storePath(t))

	h, err := m.Open(ctx, schema.Latest())
	require.NoError(t, err)
	putItems(t, h, item{ItemID: "w1"}, item{ItemID: "w2"})

	fresh, err := m.ForceReset(ctx, schema.Latest())
	require.NoError(t, err)
	assert.True(t, h.Closed())

	var n int
	err = fresh.View(ctx, []string{schema.Progress}, func(tx *Txn) error {
		n, err = tx.Count(schema.Progress, PrimaryIndex, nil)
		return err
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestForceResetInMemory(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, "")
	require.True(t, m.InMemory())

	h, err := m.Open(ctx, schema.Latest())
	require.NoError(t, err)
	putItems(t, h, item{ItemID: "w1"})

	fresh, err := m.ForceReset(ctx, schema.Latest())
	require.NoError(t, err)
	err = fresh.View(ctx, []string{schema.Progress}, func(tx *Txn) error {
		return tx.Get(schema.Progress, "w1", &item{})
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStoresAreIsolated(t *testing.T) {
	ctx := context.Background()
	a, err := newManager(t, "").Open(ctx, schema.Latest())
	require.NoError(t, err)
	b, err := newManager(t, "").Open(ctx, schema.Latest())
	require.NoError(t, err)

	putItems(t, a, item{ItemID: "w1"})
	err = b.View(ctx, []string{schema.Progress}, func(tx *Txn) error {
		return tx.Get(schema.Progress, "w1", &item{})
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenUnavailableStorage(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	m := newManager(t, filepath.Join(blocker, "sub", "progress.db"))
	_, err := m.Open(context.Background(), schema.Latest())
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestOpenRejectsInvalidDescriptor(t *testing.T) {
	m := newManager(t, "")
	bad := schema.Latest().WithCollection(schema.Collection{Name: "bad name", PrimaryKey: "id"})
	_, err := m.Open(context.Background(), bad)
	assert.Error(t, err)
}
