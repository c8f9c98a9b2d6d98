package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/example/engprogress/internal/logger"
	"github.com/example/engprogress/internal/schema"
)

// maxConcurrentTxns is the weight of the store-wide lock. A transaction takes
// one unit; upgrades and resets take all of them.
const maxConcurrentTxns = 1 << 16

// Options configures a Manager
type Options struct {
	// Path of the sqlite file. Empty opens a private in-memory store.
	Path string
	// BlockedTimeout bounds how long an upgrade waits for other connections
	// to close before failing with ErrBlocked.
	BlockedTimeout time.Duration
	// IORetries is how many times a failing statement is retried
	IORetries int
	// IOBackoff is the linear backoff step between statement retries
	IOBackoff time.Duration
	// UpgradeBackoff is the base delay before the single upgrade retry
	UpgradeBackoff time.Duration
	// WatchInterval is how often handles look for upgrade requests from
	// other processes.
	WatchInterval time.Duration
	Logger        *logger.Logger
}

func (o Options) withDefaults() Options {
	if o.BlockedTimeout <= 0 {
		o.BlockedTimeout = 5 * time.Second
	}
	if o.IORetries <= 0 {
		o.IORetries = 3
	}
	if o.IOBackoff <= 0 {
		o.IOBackoff = 25 * time.Millisecond
	}
	if o.UpgradeBackoff <= 0 {
		o.UpgradeBackoff = 200 * time.Millisecond
	}
	if o.WatchInterval <= 0 {
		o.WatchInterval = 250 * time.Millisecond
	}
	o.Logger = logger.OrNop(o.Logger)
	return o
}

// OpenOptions tunes a single Open call
type OpenOptions struct {
	// NoWait fails with ErrBlocked instead of waiting for an in-flight upgrade
	NoWait bool
	// OnVersionChange is called when another connection wants to upgrade or
	// reset the store. Returning false keeps the handle open, which blocks
	// the upgrade. A nil callback always closes.
	OnVersionChange func(newVersion int) bool
}

// Manager owns one physical store: its open handles, the process-wide
// upgrade lock and the per-collection write locks. Create one per store and
// pass it to whoever needs it.
type Manager struct {
	opts       Options
	log        *logger.Logger
	memoryName string

	// resetMu is held shared by every Open and exclusively by a reset
	resetMu    sync.RWMutex
	upgradeSem *semaphore.Weighted
	storeSem   *semaphore.Weighted

	mu             sync.Mutex
	handles        map[*Handle]struct{}
	writeLocks     map[string]*semaphore.Weighted
	upgradeRetried bool

	// test hooks
	sleep           func(time.Duration)
	beforeStatement func(op string) error
	beforeUpgrade   func() error
}

// NewManager creates a manager for the store at opts.Path
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		opts:       opts,
		log:        opts.Logger.With("component", "store"),
		upgradeSem: semaphore.NewWeighted(1),
		storeSem:   semaphore.NewWeighted(maxConcurrentTxns),
		handles:    make(map[*Handle]struct{}),
		writeLocks: make(map[string]*semaphore.Weighted),
		sleep:      time.Sleep,
	}
	if opts.Path == "" {
		m.memoryName = "progress-" + uuid.NewString()
	}
	return m
}

// InMemory reports whether the manager runs without persistent storage
func (m *Manager) InMemory() bool {
	return m.memoryName != ""
}

// Path returns the store file path, empty for in-memory stores
func (m *Manager) Path() string {
	return m.opts.Path
}

func (m *Manager) lockPath() string    { return m.opts.Path + ".lock" }
func (m *Manager) markerPath() string  { return m.opts.Path + ".upgrade" }
func (m *Manager) writeLock(c string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.writeLocks[c]
	if !ok {
		s = semaphore.NewWeighted(1)
		m.writeLocks[c] = s
	}
	return s
}

// Open opens the store at desc.Version, upgrading it when the on-disk
// version is older. Opens at the current version run concurrently; only an
// open that has to upgrade takes the upgrade lock, and others that need the
// same upgrade wait for it or fail fast with ErrBlocked when opts.NoWait is
// set.
func (m *Manager) Open(ctx context.Context, desc schema.Descriptor, opts ...OpenOptions) (*Handle, error) {
	var o OpenOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if o.NoWait {
		if !m.resetMu.TryRLock() {
			return nil, ErrBlocked
		}
	} else {
		m.resetMu.RLock()
	}
	defer m.resetMu.RUnlock()

	h, onDisk, err := m.openAt(ctx, desc, o)
	if err != nil {
		return nil, err
	}
	if onDisk < desc.Version {
		// the shared file lock would hold up whoever is upgrading
		h.release()
		if h, err = m.openUpgraded(ctx, desc, o); err != nil {
			return nil, err
		}
	} else if onDisk > desc.Version {
		h.release()
		return nil, fmt.Errorf("%w: store is at version %d, requested %d", ErrVersionTooNew, onDisk, desc.Version)
	}

	m.register(h)
	h.startWatcher()
	m.log.Debug("store opened", "path", m.opts.Path, "version", desc.Version, "memory", m.InMemory())
	return h, nil
}

// openUpgraded reopens under the upgrade lock and upgrades the store unless
// another open finished the same upgrade first
func (m *Manager) openUpgraded(ctx context.Context, desc schema.Descriptor, o OpenOptions) (*Handle, error) {
	if o.NoWait {
		if !m.upgradeSem.TryAcquire(1) {
			return nil, ErrBlocked
		}
	} else if err := m.upgradeSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.upgradeSem.Release(1)

	h, onDisk, err := m.openAt(ctx, desc, o)
	if err != nil {
		return nil, err
	}
	switch {
	case onDisk > desc.Version:
		h.release()
		return nil, fmt.Errorf("%w: store is at version %d, requested %d", ErrVersionTooNew, onDisk, desc.Version)
	case onDisk < desc.Version:
		if err := m.upgradeWithRetry(ctx, h, onDisk, desc); err != nil {
			h.release()
			return nil, err
		}
	}
	return h, nil
}

// openAt connects and reads the on-disk version
func (m *Manager) openAt(ctx context.Context, desc schema.Descriptor, o OpenOptions) (*Handle, int, error) {
	h, err := m.openHandle(ctx, desc, o)
	if err != nil {
		return nil, 0, err
	}
	onDisk, err := h.diskVersion(ctx)
	if err != nil {
		h.release()
		return nil, 0, err
	}
	return h, onDisk, nil
}

func (m *Manager) openHandle(ctx context.Context, desc schema.Descriptor, o OpenOptions) (*Handle, error) {
	h := &Handle{
		m:        m,
		desc:     desc,
		onChange: o.OnVersionChange,
		done:     make(chan struct{}),
	}
	if !m.InMemory() {
		if err := ensureDir(m.opts.Path); err != nil {
			return nil, err
		}
		lock, err := openFileLock(m.lockPath())
		if err != nil {
			return nil, err
		}
		timeout := m.opts.BlockedTimeout
		if o.NoWait {
			timeout = 0
		}
		if err := lock.shared(ctx, timeout); err != nil {
			lock.close()
			return nil, err
		}
		h.lock = lock
	}
	p, err := connect(ctx, m.opts.Path, m.memoryName)
	if err != nil {
		if h.lock != nil {
			h.lock.close()
		}
		return nil, err
	}
	h.pools = p
	return h, nil
}

// upgradeWithRetry runs the upgrade, retrying a failed upgrade once per
// manager lifetime after an exponential backoff.
func (m *Manager) upgradeWithRetry(ctx context.Context, h *Handle, from int, desc schema.Descriptor) error {
	for attempt := 0; ; attempt++ {
		err := m.upgrade(ctx, h, from, desc)
		if err == nil || !errors.Is(err, ErrSchemaUpgradeFailed) {
			return err
		}
		m.mu.Lock()
		retry := !m.upgradeRetried
		m.upgradeRetried = true
		m.mu.Unlock()
		if !retry {
			m.log.Error("schema upgrade failed; reset the store to recover", "from", from, "to", desc.Version, "error", err)
			return err
		}
		delay := m.opts.UpgradeBackoff << attempt
		m.log.Warn("schema upgrade failed, retrying", "from", from, "to", desc.Version, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// upgrade takes the store-wide lock, closes stale handles in this process,
// asks other processes to close theirs, then applies the schema diff in a
// single transaction.
func (m *Manager) upgrade(ctx context.Context, h *Handle, from int, desc schema.Descriptor) error {
	if err := m.storeSem.Acquire(ctx, maxConcurrentTxns); err != nil {
		return err
	}
	defer m.storeSem.Release(maxConcurrentTxns)

	if err := m.closeStale(desc.Version); err != nil {
		return err
	}

	if h.lock != nil {
		if err := m.writeMarker(strconv.Itoa(desc.Version)); err != nil {
			return err
		}
		defer m.removeMarker()
		// release first so two processes upgrading at once do not deadlock
		_ = h.lock.unlock()
		if err := h.lock.exclusive(ctx, m.opts.BlockedTimeout); err != nil {
			_ = h.lock.shared(ctx, m.opts.BlockedTimeout)
			if errors.Is(err, ErrBlocked) {
				return fmt.Errorf("%w: upgrade to version %d waited %s for other connections", ErrBlocked, desc.Version, m.opts.BlockedTimeout)
			}
			return err
		}
		defer h.lock.shared(context.WithoutCancel(ctx), m.opts.BlockedTimeout)
	}

	if err := applyUpgrade(ctx, h.pools.writer, desc, m.beforeUpgrade); err != nil {
		return fmt.Errorf("%w: version %d to %d: %w", ErrSchemaUpgradeFailed, from, desc.Version, err)
	}
	m.log.Info("schema upgraded", "from", from, "to", desc.Version)
	return nil
}

// closeStale closes this process's handles that are older than version.
// Callers hold the store-wide lock, so no transaction is running.
func (m *Manager) closeStale(version int) error {
	for _, other := range m.snapshotHandles() {
		if other.desc.Version >= version {
			continue
		}
		if !other.versionChange(version) {
			return fmt.Errorf("%w: a handle at version %d refused to close", ErrBlocked, other.desc.Version)
		}
	}
	return nil
}

// ForceReset closes every handle, deletes the store and recreates it from
// desc. It is meant for corruption recovery only: all local data is lost.
func (m *Manager) ForceReset(ctx context.Context, desc schema.Descriptor) (*Handle, error) {
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("failed to reset store: %w", err)
	}
	if err := m.reset(ctx); err != nil {
		return nil, err
	}
	m.log.Warn("store reset", "path", m.opts.Path)
	return m.Open(ctx, desc)
}

func (m *Manager) reset(ctx context.Context) error {
	m.resetMu.Lock()
	defer m.resetMu.Unlock()
	if err := m.upgradeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.upgradeSem.Release(1)
	if err := m.storeSem.Acquire(ctx, maxConcurrentTxns); err != nil {
		return err
	}
	defer m.storeSem.Release(maxConcurrentTxns)

	for _, h := range m.snapshotHandles() {
		h.versionChange(resetVersion)
		// a reset does not negotiate
		h.close()
	}

	if m.InMemory() {
		// the shared-cache memory database vanished with its last connection
		return nil
	}

	lock, err := openFileLock(m.lockPath())
	if err != nil {
		return err
	}
	defer lock.close()
	if err := m.writeMarker(resetMarker); err != nil {
		return err
	}
	defer m.removeMarker()
	if err := lock.exclusive(ctx, m.opts.BlockedTimeout); err != nil {
		if errors.Is(err, ErrBlocked) {
			return fmt.Errorf("%w: reset waited %s for other connections", ErrBlocked, m.opts.BlockedTimeout)
		}
		return err
	}
	return removeFiles(m.opts.Path)
}

// Close closes every handle opened by this manager
func (m *Manager) Close() error {
	var firstErr error
	for _, h := range m.snapshotHandles() {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenHandles returns how many handles are currently registered
func (m *Manager) OpenHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *Manager) register(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[h] = struct{}{}
}

func (m *Manager) unregister(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, h)
}

func (m *Manager) snapshotHandles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(m.handles))
	for h := range m.handles {
		out = append(out, h)
	}
	return out
}

const (
	resetMarker  = "reset"
	resetVersion = -1
)

func (m *Manager) writeMarker(content string) error {
	if err := os.WriteFile(m.markerPath(), []byte(content), 0644); err != nil {
		return fmt.Errorf("%w: failed to write upgrade marker: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (m *Manager) removeMarker() {
	if err := os.Remove(m.markerPath()); err != nil && !os.IsNotExist(err) {
		m.log.Warn("failed to remove upgrade marker", "error", err)
	}
}

// readMarker returns the version another process wants, resetVersion for a
// reset, or 0 when nobody is upgrading.
func readMarker(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	s := strings.TrimSpace(string(data))
	if s == resetMarker {
		return resetVersion
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
