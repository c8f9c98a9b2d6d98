package remote

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/engprogress/pkg/models"
)

func openPostgres(t *testing.T, opts ...PostgresOption) *Postgres {
	t.Helper()
	dsn := os.Getenv("PROGRESS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PROGRESS_TEST_POSTGRES_DSN not set")
	}
	p, err := OpenPostgres(context.Background(), dsn, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPostgresPushPull(t *testing.T) {
	ctx := context.Background()
	p := openPostgres(t)
	user := uuid.NewString()

	require.NoError(t, p.PushProgress(ctx, user, "w1", record("w1", models.Familiar, 5)))
	require.NoError(t, p.PushProgress(ctx, user, "w1", record("w1", models.Learning, 4)))
	require.NoError(t, p.PushProgress(ctx, user, "w2", record("w2", models.Learning, 1)))

	got, err := p.PullProgress(ctx, user)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, record("w1", models.Familiar, 5), got["w1"])
	assert.Equal(t, record("w2", models.Learning, 1), got["w2"])

	_, err = p.PullProgress(ctx, "")
	assert.ErrorIs(t, err, ErrNoUser)
}

func TestPostgresSubscribe(t *testing.T) {
	ctx := context.Background()
	p := openPostgres(t, WithChannel("progress_changes_test"))
	user := uuid.NewString()

	changed := make(chan struct{}, 4)
	stop, err := p.Subscribe(ctx, user, func() { changed <- struct{}{} })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, p.PushProgress(ctx, user, "w1", record("w1", models.Learning, 1)))
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
}

func TestPostgresWithRedisNotifier(t *testing.T) {
	addr := os.Getenv("PROGRESS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PROGRESS_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	n, err := NewRedisNotifier(ctx, addr, "progress-test", nil)
	require.NoError(t, err)
	p := openPostgres(t, WithNotifier(n))
	user := uuid.NewString()

	changed := make(chan struct{}, 4)
	stop, err := p.Subscribe(ctx, user, func() { changed <- struct{}{} })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, p.PushProgress(ctx, user, "w1", record("w1", models.Learning, 1)))
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
}
