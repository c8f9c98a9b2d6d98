// Package app wires the progress store, the sync machinery and the
// background jobs from one Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/example/engprogress/internal/bot"
	"github.com/example/engprogress/internal/config"
	"github.com/example/engprogress/internal/database"
	"github.com/example/engprogress/internal/excel"
	"github.com/example/engprogress/internal/logger"
	"github.com/example/engprogress/internal/progress"
	"github.com/example/engprogress/internal/queue"
	"github.com/example/engprogress/internal/reconcile"
	"github.com/example/engprogress/internal/remote"
	"github.com/example/engprogress/internal/scheduler"
	"github.com/example/engprogress/internal/schema"
	"github.com/example/engprogress/internal/snapshot"
	"github.com/example/engprogress/internal/spaced_repetition"
	"github.com/example/engprogress/pkg/models"
)

// ErrStoreReplaced is returned by Serve when another process upgraded or
// reset the store under it
var ErrStoreReplaced = errors.New("app: store was upgraded or reset by another process")

// remoteCloser is implemented by remotes holding connections
type remoteCloser interface {
	Close() error
}

// App is one running installation
type App struct {
	cfg     *config.Config
	log     *logger.Logger
	manager *database.Manager
	handle  *database.Handle
	model   *progress.Model
	svc     *progress.Service
	remote  remote.Remote

	// svcOpts is passed to every service the app builds; tests set a clock
	svcOpts []progress.ServiceOption
}

// Option tunes New
type Option func(*App)

// WithRemote replaces the remote built from the config
func WithRemote(r remote.Remote) Option {
	return func(a *App) { a.remote = r }
}

// WithServiceOptions passes options to the progress service
func WithServiceOptions(opts ...progress.ServiceOption) Option {
	return func(a *App) { a.svcOpts = append(a.svcOpts, opts...) }
}

// New opens the store and connects the remote. A store that cannot be
// opened on disk falls back to memory when the config allows it; a remote
// that cannot be reached leaves the app working offline.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, log: logger.OrNop(log)}
	for _, o := range opts {
		o(a)
	}

	model, err := newModel(cfg.SRS)
	if err != nil {
		return nil, err
	}
	a.model = model

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	a.buildService()

	if a.remote == nil {
		a.remote, err = openRemote(ctx, cfg.Remote, a.log)
		if err != nil {
			a.log.Warn("remote unavailable, working offline", "error", err)
		}
	}
	return a, nil
}

func newModel(cfg config.SRSConfig) (*progress.Model, error) {
	sched, err := spaced_repetition.NewSchedulerFromIntervals(cfg.Intervals())
	if err != nil {
		return nil, err
	}
	model := progress.NewModel()
	model.Scheduler = sched
	model.LearnedLevel = models.MasteryLevel(cfg.LearnedLevel)
	return model, nil
}

func (a *App) storeOptions(path string) database.Options {
	s := a.cfg.Store
	return database.Options{
		Path:           path,
		BlockedTimeout: s.BlockedTimeout,
		IORetries:      s.IORetries,
		IOBackoff:      s.IOBackoff,
		UpgradeBackoff: s.UpgradeBackoff,
		Logger:         a.log,
	}
}

func (a *App) openOptions() database.OpenOptions {
	return database.OpenOptions{OnVersionChange: func(v int) bool {
		a.log.Warn("store is being changed by another process, closing", "version", v)
		return true
	}}
}

func (a *App) openStore(ctx context.Context) error {
	m := database.NewManager(a.storeOptions(a.cfg.Store.Path))
	h, err := m.Open(ctx, schema.Latest(), a.openOptions())
	switch {
	case err == nil:
	case errors.Is(err, database.ErrStorageUnavailable) && a.cfg.Store.MemoryFallback:
		a.log.Warn("working offline/in-memory: progress will not survive a restart",
			"path", a.cfg.Store.Path, "error", err)
		m = database.NewManager(a.storeOptions(""))
		if h, err = m.Open(ctx, schema.Latest(), a.openOptions()); err != nil {
			return fmt.Errorf("failed to open in-memory store: %w", err)
		}
	case errors.Is(err, database.ErrSchemaUpgradeFailed):
		return fmt.Errorf("%w; run the reset command to recreate the store (local progress not yet synced is lost)", err)
	default:
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.manager = m
	a.handle = h
	return nil
}

func (a *App) buildService() {
	q := queue.New(a.handle, a.log, queue.WithConcurrency(a.cfg.Sync.PushConcurrency))
	a.svc = progress.NewService(a.handle, a.model, q, a.log, a.svcOpts...)
}

func openRemote(ctx context.Context, cfg config.RemoteConfig, log *logger.Logger) (remote.Remote, error) {
	if cfg.PostgresDSN == "" {
		log.Info("no remote configured, progress stays on this device")
		return nil, nil
	}
	var (
		opts     []remote.PostgresOption
		notifier *remote.RedisNotifier
	)
	if cfg.RedisAddr != "" {
		n, err := remote.NewRedisNotifier(ctx, cfg.RedisAddr, cfg.ChannelPrefix, log)
		if err != nil {
			log.Warn("redis notifier unavailable, using postgres notifications", "error", err)
		} else {
			notifier = n
			opts = append(opts, remote.WithNotifier(n))
		}
	}
	pg, err := remote.OpenPostgres(ctx, cfg.PostgresDSN, log, opts...)
	if err != nil {
		if notifier != nil {
			notifier.Close()
		}
		return nil, err
	}
	return pg, nil
}

// Service returns the progress service
func (a *App) Service() *progress.Service {
	return a.svc
}

// InMemory reports whether the store runs without persistent storage
func (a *App) InMemory() bool {
	return a.manager.InMemory()
}

// Close releases the store and the remote
func (a *App) Close() error {
	if c, ok := a.remote.(remoteCloser); ok {
		if err := c.Close(); err != nil {
			a.log.Warn("failed to close remote", "error", err)
		}
	}
	return a.manager.Close()
}

// Answer records one answer
func (a *App) Answer(ctx context.Context, itemID string, correct bool) (models.ProgressRecord, error) {
	return a.svc.RecordAnswer(ctx, itemID, correct)
}

// Due lists due items in review order
func (a *App) Due(ctx context.Context, limit int) ([]models.ProgressRecord, error) {
	return a.svc.Due(ctx, limit)
}

// Stats summarizes the store
func (a *App) Stats(ctx context.Context) (models.Statistics, error) {
	return a.svc.Stats(ctx)
}

// Reset recreates the local store. Unsynced progress is lost.
func (a *App) Reset(ctx context.Context) error {
	h, err := a.manager.ForceReset(ctx, schema.Latest())
	if err != nil {
		return err
	}
	a.handle = h
	a.buildService()
	return nil
}

// Sync runs a single reconciliation pass for the configured user
func (a *App) Sync(ctx context.Context) (reconcile.Result, error) {
	if a.remote == nil {
		return reconcile.Result{}, fmt.Errorf("%w: no remote configured", remote.ErrUnavailable)
	}
	r := reconcile.New(a.svc, a.remote, a.log, a.reconcileOptions())
	defer r.Close()
	r.SetUser(a.cfg.UserID)
	return r.Reconcile(ctx)
}

func (a *App) reconcileOptions() reconcile.Options {
	return reconcile.Options{
		BackoffBase: a.cfg.Sync.BackoffBase,
		BackoffMax:  a.cfg.Sync.BackoffMax,
		PushRate:    a.cfg.Sync.PushRate,
	}
}

// ImportResult summarizes Import
type ImportResult struct {
	Processed int
	Merged    int
	Skipped   int
	Errors    []string
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// Export writes a guest snapshot. .json files hold the full snapshot
// document, .xlsx and .csv files a spreadsheet. It returns the number of
// records written.
func (a *App) Export(ctx context.Context, path string) (int, error) {
	if !isJSON(path) {
		return excel.ExportProgress(ctx, a.svc, path, a.cfg.UserID)
	}
	snap, err := snapshot.Export(ctx, a.svc, a.cfg.UserID)
	if err != nil {
		return 0, err
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := snapshot.Write(f, snap); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return len(snap.Records), f.Close()
}

// Import merges a guest snapshot into the store, last writer wins
func (a *App) Import(ctx context.Context, path string) (ImportResult, error) {
	if !isJSON(path) {
		res, err := excel.ImportProgress(ctx, a.svc, path)
		if res == nil {
			return ImportResult{}, err
		}
		return ImportResult{Processed: res.TotalProcessed, Merged: res.Merged, Skipped: res.Skipped, Errors: res.Errors}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return ImportResult{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	snap, err := snapshot.Read(f)
	if err != nil {
		return ImportResult{}, err
	}
	merged, err := snapshot.Import(ctx, a.svc, snap)
	return ImportResult{Processed: len(snap.Records), Merged: merged}, err
}

// Serve runs the background reconciler, the scheduled jobs and, when a
// token is configured, the Telegram bot until ctx is done or the store is
// replaced by another process.
func (a *App) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	var syncer scheduler.Syncer
	if a.remote != nil {
		r := reconcile.New(a.svc, a.remote, a.log, a.reconcileOptions())
		r.SetUser(a.cfg.UserID)
		syncer = r
		g.Go(func() error { return r.Run(ctx) })
		r.Trigger()
	}

	var notifier scheduler.Notifier = scheduler.LogNotifier{Log: a.log}
	if a.cfg.Notify.TelegramToken != "" {
		cfg := bot.DefaultConfig()
		cfg.Token = a.cfg.Notify.TelegramToken
		cfg.ChatID = a.cfg.Notify.TelegramChatID
		b, err := bot.New(cfg, a.svc, a.log)
		if err != nil {
			return err
		}
		notifier = b
		g.Go(func() error { return b.Start(ctx) })
	}

	jobs := scheduler.New(a.svc, syncer, notifier, scheduler.Config{
		SyncInterval: a.cfg.Sync.Interval,
		StartHour:    a.cfg.Notify.StartHour,
		EndHour:      a.cfg.Notify.EndHour,
		DailyLimit:   a.cfg.Notify.DailyLimit,
	}, a.log)
	if err := jobs.Start(); err != nil {
		return err
	}
	defer jobs.Stop()

	handle := a.handle
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-handle.Done():
			return ErrStoreReplaced
		}
	})

	a.log.Info("serving", "user", a.cfg.UserID, "memory", a.InMemory(), "sync", a.remote != nil)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
