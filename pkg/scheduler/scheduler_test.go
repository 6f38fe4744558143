package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kodiak/pkg/models"
	"kodiak/pkg/scheduler"
	"kodiak/pkg/store"
)

func newTestScheduler(t *testing.T) (*scheduler.Scheduler, *store.Repository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := store.NewRepository(rdb, "kodiak", "test-queue", zap.NewNop())
	cfg := scheduler.DefaultConfig()
	sched := scheduler.New(repo, rdb, cfg, zap.NewNop())
	return sched, repo, mr
}

func TestScheduler_PromotePicksUpDueDelayedJobs(t *testing.T) {
	sched, repo, mr := newTestScheduler(t)
	ctx := context.Background()

	opts := models.DefaultAddOptions()
	opts.Delay = 1000
	_, err := repo.Add(ctx, "delayed-1", []byte(`{}`), opts)
	require.NoError(t, err)

	job, err := repo.FetchNext(ctx, 0, nil)
	require.NoError(t, err)
	require.Nil(t, job, "not due yet")

	mr.FastForward(2 * time.Second)
	sched.Promote(ctx)

	job, err = repo.FetchNext(ctx, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "delayed-1", job.ID)
}

func TestScheduler_RecoverIsSelfExclusive(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	ctx := context.Background()

	// Recover must tolerate concurrent calls without racing on the guard;
	// both should return without blocking each other indefinitely.
	done := make(chan struct{})
	go func() {
		sched.Recover(ctx)
		close(done)
	}()
	sched.Recover(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Recover did not return, possible deadlock in guard")
	}
}

func TestScheduler_CloseStopsTimersAndIsSafeTwice(t *testing.T) {
	sched, repo, _ := newTestScheduler(t)
	ctx := context.Background()

	opts := models.DefaultAddOptions()
	opts.Delay = 60_000
	_, err := repo.Add(ctx, "delayed-1", []byte(`{}`), opts)
	require.NoError(t, err)

	sched.Start(ctx)

	require.NotPanics(t, func() {
		sched.Close()
		sched.Close()
	})
}
