// Package reconcile merges local progress with the account's remote copy
// and drains the mutation queue. It owns the retry and backoff policy for
// the remote boundary.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/example/engprogress/internal/logger"
	"github.com/example/engprogress/internal/progress"
	"github.com/example/engprogress/internal/queue"
	"github.com/example/engprogress/internal/remote"
	"github.com/example/engprogress/pkg/models"
)

// ErrSignedOut is returned by Reconcile while no user is signed in
var ErrSignedOut = errors.New("reconcile: no signed-in user")

type State int32

const (
	Idle State = iota
	Reconciling
)

func (s State) String() string {
	if s == Reconciling {
		return "Reconciling"
	}
	return "Idle"
}

type Options struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// PushRate limits uploads per second; 0 means unlimited
	PushRate float64
}

func (o Options) withDefaults() Options {
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = 5 * time.Minute
		if o.BackoffMax < o.BackoffBase {
			o.BackoffMax = o.BackoffBase
		}
	}
	return o
}

// Result summarizes one reconciliation pass
type Result struct {
	Pulled    int
	Adopted   []string
	Uploaded  []string
	Conflicts []*progress.Conflict
	// Rejected holds remote records that failed validation; they are
	// neither adopted nor retried
	Rejected []*queue.RemoteSyncError
	Drain    queue.DrainResult
}

// Changed reports whether the pass changed either side
func (r Result) Changed() bool {
	return len(r.Adopted) > 0 || r.Drain.Sent > 0
}

// Reconciler runs reconciliation passes on a single background task
type Reconciler struct {
	svc     *progress.Service
	remote  remote.Remote
	log     *logger.Logger
	opts    Options
	limiter *rate.Limiter

	trigger chan struct{}
	state   atomic.Int32
	run     sync.Mutex

	mu          sync.Mutex
	userID      string
	online      bool
	failures    int
	unsubscribe func()

	// sleep waits between failed passes; tests replace it
	sleep func(ctx context.Context, d time.Duration) error
}

func New(svc *progress.Service, r remote.Remote, log *logger.Logger, opts Options) *Reconciler {
	opts = opts.withDefaults()
	limit := rate.Inf
	burst := 1
	if opts.PushRate > 0 {
		limit = rate.Limit(opts.PushRate)
		burst = int(math.Max(1, opts.PushRate))
	}
	return &Reconciler{
		svc:     svc,
		remote:  r,
		log:     logger.OrNop(log).With("component", "reconcile"),
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		trigger: make(chan struct{}, 1),
		online:  true,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Reconciler) State() State {
	return State(r.state.Load())
}

// UserID returns the signed-in user, empty for a guest
func (r *Reconciler) UserID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userID
}

// Trigger requests a pass. Requests made while one is pending coalesce.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// SetUser records a sign-in or sign-out. Signing in triggers a pass that
// merges any guest progress into the account.
func (r *Reconciler) SetUser(userID string) {
	r.mu.Lock()
	prev := r.userID
	r.userID = userID
	stop := r.unsubscribe
	if prev != userID {
		r.unsubscribe = nil
	}
	r.mu.Unlock()

	if prev == userID {
		return
	}
	if stop != nil {
		stop()
	}
	if userID == "" {
		r.log.Info("signed out")
		return
	}
	r.log.Info("signed in", "user", userID, "from_guest", prev == "")
	r.subscribe(userID)
	r.Trigger()
}

// SetOnline records a connectivity change reported by the host; regaining
// it triggers a pass. Run also derives connectivity from its own passes.
func (r *Reconciler) SetOnline(online bool) {
	if r.setOnline(online) && online {
		r.Trigger()
	}
}

// Online reports whether the remote is believed reachable
func (r *Reconciler) Online() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

// setOnline reports whether the state changed
func (r *Reconciler) setOnline(online bool) bool {
	r.mu.Lock()
	was := r.online
	r.online = online
	r.mu.Unlock()
	if was == online {
		return false
	}
	if online {
		r.log.Info("back online")
	} else {
		r.log.Warn("remote unreachable, working offline")
	}
	return true
}

func (r *Reconciler) ready() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userID, r.online && r.userID != ""
}

func (r *Reconciler) subscribe(userID string) {
	stop, err := r.remote.Subscribe(context.Background(), userID, r.Trigger)
	if err != nil {
		r.log.Warn("failed to subscribe to remote changes", "user", userID, "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.userID != userID || r.unsubscribe != nil {
		go stop()
		return
	}
	r.unsubscribe = stop
}

func (r *Reconciler) ensureSubscribed(userID string) {
	r.mu.Lock()
	missing := r.unsubscribe == nil && r.userID == userID
	r.mu.Unlock()
	if missing {
		r.subscribe(userID)
	}
}

// Close stops the remote change subscription
func (r *Reconciler) Close() {
	r.mu.Lock()
	stop := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (r *Reconciler) backoff(failures int) time.Duration {
	d := float64(r.opts.BackoffBase) * math.Pow(2, float64(failures-1))
	if d > float64(r.opts.BackoffMax) {
		return r.opts.BackoffMax
	}
	return time.Duration(d)
}

// Run serves triggers until ctx is done. A failed pass is retried after an
// exponential backoff capped at BackoffMax. A pass that fails because the
// remote is unavailable marks the reconciler offline; the backoff retries
// still run while offline and the first one that succeeds brings it back.
func (r *Reconciler) Run(ctx context.Context) error {
	defer r.Close()
	retry := false
	for {
		if !retry {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.trigger:
			}
		}
		userID, ok := r.ready()
		if !ok && !(retry && userID != "") {
			retry = false
			continue
		}
		retry = false
		_, err := r.Reconcile(ctx)
		if err == nil {
			r.mu.Lock()
			r.failures = 0
			r.mu.Unlock()
			r.setOnline(true)
			r.ensureSubscribed(userID)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, remote.ErrUnavailable) {
			r.setOnline(false)
		}
		r.mu.Lock()
		r.failures++
		delay := r.backoff(r.failures)
		r.mu.Unlock()
		r.log.Warn("reconciliation failed", "error", err, "retry_in", delay)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
		retry = true
	}
}

// Reconcile runs one pass for the signed-in user: records only the remote
// has or holds newer are adopted, records only this device has or holds
// newer are queued, then the queue is drained. Running it again without
// intervening writes changes nothing.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	userID, _ := r.ready()
	if userID == "" {
		return Result{}, ErrSignedOut
	}

	r.run.Lock()
	defer r.run.Unlock()
	r.state.Store(int32(Reconciling))
	defer r.state.Store(int32(Idle))

	var (
		res    Result
		pulled map[string]models.ProgressRecord
		local  []models.ProgressRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pulled, err = r.remote.PullProgress(gctx, userID)
		if err != nil {
			return fmt.Errorf("%w: pull: %w", queue.ErrRemoteSync, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		local, err = r.svc.All(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return res, err
	}
	res.Pulled = len(pulled)
	pulled, res.Rejected = validRemote(pulled)
	for _, e := range res.Rejected {
		r.log.Warn("ignoring invalid remote record", "item", e.ItemID, "error", e.Err)
	}

	adopt, upload, conflicts := plan(local, pulled)
	for _, c := range conflicts {
		r.log.Warn("merge conflict, remote copy wins", "item", c.ItemID, "version", c.Version)
	}
	res.Conflicts = conflicts

	// a failed local step must not hold back uploads already queued
	var stepErr error
	if err := r.svc.Adopt(ctx, adopt...); err != nil {
		stepErr = err
	} else {
		for _, rec := range adopt {
			res.Adopted = append(res.Adopted, rec.ItemID)
		}
	}
	if err := r.svc.Requeue(ctx, upload...); err != nil {
		stepErr = errors.Join(stepErr, err)
	} else {
		res.Uploaded = upload
	}

	drained, err := r.svc.Queue().Drain(ctx, r.sender(userID))
	res.Drain = drained
	if err != nil {
		return res, errors.Join(stepErr, err)
	}
	r.log.Debug("reconciled", "user", userID, "pulled", res.Pulled, "adopted", len(res.Adopted),
		"queued", len(res.Uploaded), "sent", drained.Sent, "failed", len(drained.Failed),
		"rejected", len(res.Rejected))
	return res, errors.Join(stepErr, drained.Err())
}

// validRemote drops pulled records that fail validation. A corrupt remote
// copy is reported once per pass and the local copy, if any, is treated as
// the only one.
func validRemote(pulled map[string]models.ProgressRecord) (map[string]models.ProgressRecord, []*queue.RemoteSyncError) {
	var rejected []*queue.RemoteSyncError
	valid := make(map[string]models.ProgressRecord, len(pulled))
	for id, rec := range pulled {
		err := rec.Validate()
		if err == nil && rec.ItemID != id {
			err = fmt.Errorf("record for %q stored under %q", rec.ItemID, id)
		}
		if err != nil {
			rejected = append(rejected, &queue.RemoteSyncError{ItemID: id, Err: err})
			continue
		}
		valid[id] = rec
	}
	sort.Slice(rejected, func(i, j int) bool { return rejected[i].ItemID < rejected[j].ItemID })
	return valid, rejected
}

// plan compares both sides item by item. Items are visited in id order so
// a pass is deterministic.
func plan(local []models.ProgressRecord, pulled map[string]models.ProgressRecord) (adopt []models.ProgressRecord, upload []string, conflicts []*progress.Conflict) {
	seen := make(map[string]bool, len(local))
	for _, l := range local {
		seen[l.ItemID] = true
		rem, ok := pulled[l.ItemID]
		if !ok {
			upload = append(upload, l.ItemID)
			continue
		}
		winner, conflict := progress.Resolve(l, rem)
		if conflict != nil {
			conflicts = append(conflicts, conflict)
		}
		switch {
		case l.Version > rem.Version:
			upload = append(upload, l.ItemID)
		case winner.Version == l.Version && winner.SameState(l):
		default:
			adopt = append(adopt, winner)
		}
	}
	ids := make([]string, 0, len(pulled))
	for id := range pulled {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		adopt = append(adopt, pulled[id])
	}
	return adopt, upload, conflicts
}

func (r *Reconciler) sender(userID string) queue.SendFunc {
	return func(ctx context.Context, m models.PendingMutation) error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		rec, err := m.Record()
		if err != nil {
			return fmt.Errorf("failed to decode queued record: %w", err)
		}
		return r.remote.PushProgress(ctx, userID, m.ItemID, rec)
	}
}
