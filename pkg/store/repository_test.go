package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kodiak/pkg/models"
	"kodiak/pkg/qerrors"
	"kodiak/pkg/store"
)

func newTestRepo(t *testing.T) (*store.Repository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := store.NewRepository(rdb, "kodiak", "test-queue", zap.NewNop())
	return repo, mr
}

func TestRepository_AddRejectsDuplicateID(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Add(ctx, "job-1", []byte(`{"n":1}`), models.DefaultAddOptions())
	require.NoError(t, err)

	_, err = repo.Add(ctx, "job-1", []byte(`{"n":2}`), models.DefaultAddOptions())
	require.ErrorIs(t, err, qerrors.ErrAlreadyExists)
}

func TestRepository_PriorityThenFIFO(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	low := models.DefaultAddOptions()
	low.Priority = 100
	normal := models.DefaultAddOptions()
	normal.Priority = 10
	high := models.DefaultAddOptions()
	high.Priority = 1

	_, err := repo.Add(ctx, "low", []byte(`{}`), low)
	require.NoError(t, err)
	_, err = repo.Add(ctx, "normal", []byte(`{}`), normal)
	require.NoError(t, err)
	_, err = repo.Add(ctx, "high", []byte(`{}`), high)
	require.NoError(t, err)

	j1, err := repo.FetchNext(ctx, 0, nil)
	require.NoError(t, err)
	require.Equal(t, "high", j1.ID)

	j2, err := repo.FetchNext(ctx, 0, nil)
	require.NoError(t, err)
	require.Equal(t, "normal", j2.ID)

	j3, err := repo.FetchNext(ctx, 0, nil)
	require.NoError(t, err)
	require.Equal(t, "low", j3.ID)
}

func TestRepository_DelayedJobNotVisibleBeforeDue(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	opts := models.DefaultAddOptions()
	opts.Delay = 60_000
	_, err := repo.Add(ctx, "delayed-1", []byte(`{}`), opts)
	require.NoError(t, err)

	job, err := repo.FetchNext(ctx, 0, nil)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestRepository_CompleteJobTerminal(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Add(ctx, "job-1", []byte(`{}`), models.DefaultAddOptions())
	require.NoError(t, err)

	job, err := repo.FetchNext(ctx, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, job)

	completed, err := repo.MarkAsCompleted(ctx, job.ID, 0)
	require.NoError(t, err)
	require.True(t, completed)
}

func TestRepository_CompleteJobReschedulesRepeat(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	opts := models.DefaultAddOptions()
	opts.Repeat = &models.RepeatConfig{Every: 1000, Limit: 3}
	_, err := repo.Add(ctx, "recurring-1", []byte(`{}`), opts)
	require.NoError(t, err)

	job, err := repo.FetchNext(ctx, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, job)

	completed, err := repo.MarkAsCompleted(ctx, job.ID, 0)
	require.NoError(t, err)
	require.False(t, completed, "first of three completions should reschedule, not finish")
}

func TestRepository_FailJobReschedulesThenFails(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	opts := models.DefaultAddOptions()
	opts.Attempts = 2
	opts.Backoff = &models.BackoffConfig{Type: models.BackoffFixed, Delay: 1000}
	_, err := repo.Add(ctx, "job-1", []byte(`{}`), opts)
	require.NoError(t, err)

	job, err := repo.FetchNext(ctx, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, job)

	nextAttempt, err := repo.MarkAsFailed(ctx, job.ID, assertErr{"boom"}, 0)
	require.NoError(t, err)
	require.Greater(t, nextAttempt, int64(0))

	// The scripts take "now" from the wall clock, so wait until the retry is due.
	time.Sleep(1200 * time.Millisecond)

	ids, err := repo.PromoteDelayedJobs(ctx, 50)
	require.NoError(t, err)
	require.Contains(t, ids, "job-1")

	job2, err := repo.FetchNext(ctx, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, job2)

	final, err := repo.MarkAsFailed(ctx, job2.ID, assertErr{"boom again"}, 0)
	require.NoError(t, err)
	require.Equal(t, int64(-1), final)
}

func TestRepository_RecoverStalledJobs(t *testing.T) {
	repo, mr := newTestRepo(t)
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	_, err := repo.Add(ctx, "stalled-job", []byte(`{}`), models.DefaultAddOptions())
	require.NoError(t, err)

	job, err := repo.FetchNext(ctx, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Force the active lock to look expired.
	require.NoError(t, client.ZAdd(ctx, "kodiak:queue:test-queue:active", redis.Z{
		Score: float64(time.Now().Add(-time.Second).UnixMilli()), Member: job.ID,
	}).Err())

	recovered, err := repo.RecoverStalledJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, recovered)

	retryCount, err := client.HGet(ctx, "kodiak:jobs:"+job.ID, "retry_count").Result()
	require.NoError(t, err)
	require.Equal(t, "1", retryCount)
}

func TestRepository_ExtendLockRequiresOwnerMatch(t *testing.T) {
	repo, mr := newTestRepo(t)
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	_, err := repo.Add(ctx, "job-1", []byte(`{}`), models.DefaultAddOptions())
	require.NoError(t, err)

	job, err := repo.FetchNext(ctx, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, job)

	ok, err := repo.ExtendLock(ctx, job.ID, time.Now().Add(time.Minute).UnixMilli(), "")
	require.NoError(t, err)
	require.True(t, ok, "empty owner token skips the ownership check")

	require.NoError(t, client.HSet(ctx, "kodiak:jobs:"+job.ID, "lock_owner", "owner-a").Err())

	ok, err = repo.ExtendLock(ctx, job.ID, time.Now().Add(time.Minute).UnixMilli(), "owner-b")
	require.NoError(t, err)
	require.False(t, ok, "mismatched owner token must be rejected")

	ok, err = repo.ExtendLock(ctx, job.ID, time.Now().Add(time.Minute).UnixMilli(), "owner-a")
	require.NoError(t, err)
	require.True(t, ok)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
