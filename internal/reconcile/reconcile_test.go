package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/engprogress/internal/database"
	"github.com/example/engprogress/internal/progress"
	"github.com/example/engprogress/internal/queue"
	"github.com/example/engprogress/internal/remote"
	"github.com/example/engprogress/internal/schema"
	"github.com/example/engprogress/pkg/models"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

const day = 24 * time.Hour

func newService(t *testing.T) *progress.Service {
	t.Helper()
	m := database.NewManager(database.Options{})
	t.Cleanup(func() { m.Close() })
	h, err := m.Open(context.Background(), schema.Latest())
	require.NoError(t, err)
	clock := func() time.Time { return t0 }
	return progress.NewService(h, nil, queue.New(h, nil, queue.WithClock(clock)), nil, progress.WithClock(clock))
}

func remoteRecord(id string, level models.MasteryLevel, version int64) models.ProgressRecord {
	return models.ProgressRecord{
		ItemID:         id,
		MasteryLevel:   level,
		Streak:         int(level),
		CorrectCount:   int(level) + 2,
		IncorrectCount: 1,
		LastReviewedAt: t0.Add(-day),
		NextReviewAt:   t0.Add(2 * day),
		Version:        version,
	}
}

func answer(t *testing.T, svc *progress.Service, id string, correct bool) models.ProgressRecord {
	t.Helper()
	rec, err := svc.RecordAnswer(context.Background(), id, correct)
	require.NoError(t, err)
	return rec
}

func byID(recs []models.ProgressRecord) map[string]models.ProgressRecord {
	out := make(map[string]models.ProgressRecord, len(recs))
	for _, r := range recs {
		out[r.ItemID] = r
	}
	return out
}

func queueLen(t *testing.T, svc *progress.Service) int {
	t.Helper()
	n, err := svc.Queue().Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestGuestProgressMergedOnSignIn(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	rem := remote.NewMemory()

	// guest answers A and B before signing in
	a := answer(t, svc, "A", true)
	answer(t, svc, "B", true)
	remoteB := remoteRecord("B", models.Familiar, 10)
	remoteC := remoteRecord("C", models.Comfortable, 3)
	rem.Set("u1", remoteB, remoteC)

	r := New(svc, rem, nil, Options{})
	r.SetUser("u1")
	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, res.Adopted)
	assert.Equal(t, []string{"A"}, res.Uploaded)
	assert.Equal(t, 1, res.Drain.Sent)

	all, err := svc.All(ctx)
	require.NoError(t, err)
	local := byID(all)
	require.Len(t, local, 3)
	assert.Equal(t, a, local["A"], "guest progress kept")
	assert.Equal(t, remoteB, local["B"], "newer remote version wins")
	assert.Equal(t, remoteC, local["C"], "remote-only item adopted")

	assert.Equal(t, map[string]models.ProgressRecord{"A": a, "B": remoteB, "C": remoteC}, rem.Records("u1"))
	assert.Zero(t, queueLen(t, svc), "guest backlog cleared after confirmation")
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	rem := remote.NewMemory()
	answer(t, svc, "A", true)
	answer(t, svc, "B", false)
	rem.Set("u1", remoteRecord("B", models.Learning, 7), remoteRecord("C", models.Familiar, 2))

	r := New(svc, rem, nil, Options{})
	r.SetUser("u1")
	_, err := r.Reconcile(ctx)
	require.NoError(t, err)

	localBefore, err := svc.All(ctx)
	require.NoError(t, err)
	remoteBefore := rem.Records("u1")
	pushes := rem.Pushes()

	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Empty(t, res.Adopted)
	assert.Empty(t, res.Uploaded)
	assert.Zero(t, res.Drain.Sent)

	localAfter, err := svc.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, localBefore, localAfter)
	assert.Equal(t, remoteBefore, rem.Records("u1"))
	assert.Equal(t, pushes, rem.Pushes())
}

func TestLocalNewerIsUploaded(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	rem := remote.NewMemory()
	rem.Set("u1", remoteRecord("A", models.Learning, 1))

	r := New(svc, rem, nil, Options{})
	r.SetUser("u1")
	_, err := r.Reconcile(ctx)
	require.NoError(t, err)

	// two more answers on this device
	answer(t, svc, "A", true)
	latest := answer(t, svc, "A", true)
	require.Equal(t, int64(3), latest.Version)

	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Adopted)
	assert.Equal(t, latest, rem.Records("u1")["A"])
}

func TestEqualVersionConflictTakesRemote(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	rem := remote.NewMemory()
	local := answer(t, svc, "A", true)
	other := remoteRecord("A", models.Mastered, local.Version)
	rem.Set("u1", other)

	r := New(svc, rem, nil, Options{})
	r.SetUser("u1")
	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "A", res.Conflicts[0].ItemID)

	got, err := svc.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, other, got)
	assert.Zero(t, queueLen(t, svc))
}

func TestSingleRemoteFailureLeavesOnlyThatItemQueued(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	rem := remote.NewMemory()
	for _, id := range []string{"a", "b", "x", "c"} {
		answer(t, svc, id, true)
	}
	rejected := errors.New("rejected")
	rem.FailItem("x", rejected)

	r := New(svc, rem, nil, Options{})
	r.SetUser("u1")
	res, err := r.Reconcile(ctx)
	assert.ErrorIs(t, err, queue.ErrRemoteSync)
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, 3, res.Drain.Sent)

	pending, err := svc.Queue().Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "x", pending[0].ItemID)
	assert.Len(t, rem.Records("u1"), 3)

	rem.FailItem("x", nil)
	_, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, queueLen(t, svc))
	assert.Len(t, rem.Records("u1"), 4)
}

func TestCorruptRemoteRecordDoesNotBlockSync(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	rem := remote.NewMemory()
	a := answer(t, svc, "A", true)
	bad := remoteRecord("Z", models.Familiar, 5)
	bad.Streak, bad.CorrectCount = 99, 4
	good := remoteRecord("C", models.Learning, 2)
	rem.Set("u1", bad, good)

	r := New(svc, rem, nil, Options{})
	r.SetUser("u1")
	res, err := r.Reconcile(ctx)
	require.NoError(t, err, "a corrupt remote record is not a failed pass")
	assert.Equal(t, []string{"C"}, res.Adopted)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "Z", res.Rejected[0].ItemID)
	assert.ErrorIs(t, res.Rejected[0], queue.ErrRemoteSync)

	assert.Equal(t, 1, res.Drain.Sent)
	assert.Equal(t, a, rem.Records("u1")["A"], "unrelated local answer uploaded")
	assert.Zero(t, queueLen(t, svc))

	_, err = svc.Get(ctx, "Z")
	assert.ErrorIs(t, err, database.ErrNotFound, "corrupt record not stored locally")
}

func TestAdoptSkipsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	bad := remoteRecord("Z", models.Familiar, 5)
	bad.Streak = 99
	good := remoteRecord("C", models.Learning, 2)

	require.NoError(t, svc.Adopt(ctx, bad, good))
	got, err := svc.Get(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, good, got)
	_, err = svc.Get(ctx, "Z")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestRemoteUnavailableChangesNothing(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	rem := remote.NewMemory()
	before := answer(t, svc, "a", true)
	rem.SetOffline(true)

	r := New(svc, rem, nil, Options{})
	r.SetUser("u1")
	_, err := r.Reconcile(ctx)
	assert.ErrorIs(t, err, queue.ErrRemoteSync)
	assert.ErrorIs(t, err, remote.ErrUnavailable)

	got, err := svc.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, before, got)
	assert.Equal(t, 1, queueLen(t, svc))
}

func TestReconcileRequiresUser(t *testing.T) {
	r := New(newService(t), remote.NewMemory(), nil, Options{})
	_, err := r.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrSignedOut)
}

func TestReconcileCancelled(t *testing.T) {
	svc := newService(t)
	rem := remote.NewMemory()
	answer(t, svc, "a", true)
	rem.Set("u1", remoteRecord("b", models.Learning, 1))

	r := New(svc, rem, nil, Options{})
	r.SetUser("u1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Reconcile(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = svc.Get(context.Background(), "b")
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.Equal(t, 1, queueLen(t, svc))
	assert.Equal(t, Idle, r.State())
}

// blockingRemote holds PullProgress until released
type blockingRemote struct {
	*remote.Memory
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRemote) PullProgress(ctx context.Context, userID string) (map[string]models.ProgressRecord, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Memory.PullProgress(ctx, userID)
}

func TestStateDuringPass(t *testing.T) {
	svc := newService(t)
	rem := &blockingRemote{Memory: remote.NewMemory(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	r := New(svc, rem, nil, Options{})
	r.SetUser("u1")
	assert.Equal(t, Idle, r.State())

	done := make(chan error, 1)
	go func() {
		_, err := r.Reconcile(context.Background())
		done <- err
	}()
	<-rem.entered
	assert.Equal(t, Reconciling, r.State())
	close(rem.release)
	require.NoError(t, <-done)
	assert.Equal(t, Idle, r.State())
}

func TestBackoffIsExponentialAndCapped(t *testing.T) {
	r := New(newService(t), remote.NewMemory(), nil, Options{BackoffBase: 10 * time.Millisecond, BackoffMax: 50 * time.Millisecond})
	var got []time.Duration
	for i := 1; i <= 6; i++ {
		got = append(got, r.backoff(i))
	}
	ms := time.Millisecond
	assert.Equal(t, []time.Duration{10 * ms, 20 * ms, 40 * ms, 50 * ms, 50 * ms, 50 * ms}, got)
}

func TestRunRetriesUntilRemoteRecovers(t *testing.T) {
	svc := newService(t)
	rem := remote.NewMemory()
	answer(t, svc, "a", true)
	rem.SetOffline(true)

	r := New(svc, rem, nil, Options{BackoffBase: 10 * time.Millisecond, BackoffMax: 30 * time.Millisecond})
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	r.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, d)
		if len(delays) == 4 {
			rem.SetOffline(false)
		}
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	r.SetUser("u1")

	require.Eventually(t, func() bool { return queueLen(t, svc) == 0 }, 5*time.Second, 5*time.Millisecond)
	mu.Lock()
	ms := time.Millisecond
	assert.Equal(t, []time.Duration{10 * ms, 20 * ms, 30 * ms, 30 * ms}, delays)
	mu.Unlock()
	assert.Contains(t, rem.Records("u1"), "a")

	// after recovering, Run subscribes and follows changes from other devices
	require.Eventually(t, func() bool {
		rem.Set("u1", remoteRecord("z", models.Learning, 1))
		_, err := svc.Get(context.Background(), "z")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunWaitsForConnectivity(t *testing.T) {
	svc := newService(t)
	rem := remote.NewMemory()
	answer(t, svc, "a", true)

	r := New(svc, rem, nil, Options{})
	r.SetOnline(false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.SetUser("u1")
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, rem.Pulls(), "no pass while offline")

	r.SetOnline(true)
	require.Eventually(t, func() bool { return queueLen(t, svc) == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rem.Pushes())
}

func TestRunTracksConnectivityFromPasses(t *testing.T) {
	svc := newService(t)
	rem := remote.NewMemory()
	answer(t, svc, "a", true)
	rem.SetOffline(true)

	r := New(svc, rem, nil, Options{BackoffBase: time.Millisecond})
	var (
		mu     sync.Mutex
		online []bool
	)
	r.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		online = append(online, r.Online())
		if len(online) == 2 {
			rem.SetOffline(false)
		}
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	r.SetUser("u1")

	require.Eventually(t, func() bool { return queueLen(t, svc) == 0 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, r.Online, 5*time.Second, 5*time.Millisecond, "a successful retry brings the reconciler back online")
	mu.Lock()
	assert.Equal(t, []bool{false, false}, online, "retries run while offline")
	mu.Unlock()
	assert.Equal(t, 1, rem.Pushes())
}

func TestPlan(t *testing.T) {
	local := []models.ProgressRecord{
		remoteRecord("both-same", models.Learning, 2),
		remoteRecord("local-newer", models.Familiar, 5),
		remoteRecord("remote-newer", models.Learning, 1),
		remoteRecord("local-only", models.Learning, 1),
	}
	pulled := map[string]models.ProgressRecord{
		"both-same":    remoteRecord("both-same", models.Learning, 2),
		"local-newer":  remoteRecord("local-newer", models.Learning, 4),
		"remote-newer": remoteRecord("remote-newer", models.Mastered, 9),
		"remote-b":     remoteRecord("remote-b", models.Learning, 1),
		"remote-a":     remoteRecord("remote-a", models.Learning, 1),
	}

	adopt, upload, conflicts := plan(local, pulled)
	var adopted []string
	for _, rec := range adopt {
		adopted = append(adopted, rec.ItemID)
	}
	assert.Equal(t, []string{"remote-newer", "remote-a", "remote-b"}, adopted)
	assert.Equal(t, []string{"local-newer", "local-only"}, upload)
	assert.Empty(t, conflicts)
}
