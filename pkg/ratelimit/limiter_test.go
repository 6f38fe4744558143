package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kodiak/pkg/models"
	"kodiak/pkg/ratelimit"
	"kodiak/pkg/store"
)

func newTestLimiter(t *testing.T, cfg ratelimit.Config) (*ratelimit.Limiter, *store.Repository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := store.NewRepository(rdb, "kodiak", "test-queue", zap.NewNop())
	l := ratelimit.New(rdb, "kodiak", "test-queue", cfg, zap.NewNop())
	return l, repo, mr
}

func TestLimiter_TokenBucketAllowsWithinCapacity(t *testing.T) {
	l, _, _ := newTestLimiter(t, ratelimit.Config{
		Mode:     ratelimit.ModeTokenBucket,
		Rate:     1,
		Capacity: 2,
	})
	ctx := context.Background()

	allowed, err := l.Allow(ctx, 1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = l.Allow(ctx, 1)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestLimiter_TokenBucketDeniesOverCapacity(t *testing.T) {
	l, _, _ := newTestLimiter(t, ratelimit.Config{
		Mode:     ratelimit.ModeTokenBucket,
		Rate:     0.001,
		Capacity: 1,
	})
	ctx := context.Background()

	allowed, err := l.Allow(ctx, 1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = l.Allow(ctx, 1)
	require.NoError(t, err)
	require.False(t, allowed, "bucket should be drained before it can refill at this rate")
}

func TestLimiter_SlidingWindowDeniesOverLimit(t *testing.T) {
	l, _, _ := newTestLimiter(t, ratelimit.Config{
		Mode: ratelimit.ModeSlidingWindow,
		SlidingWindow: ratelimit.SlidingWindowConfig{
			WindowMs: 60_000,
			Limit:    1,
			Policy:   ratelimit.PolicyReject,
		},
	})
	ctx := context.Background()

	allowed, err := l.Allow(ctx, 1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = l.Allow(ctx, 1)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestLimiter_OnDenyDelayPolicyDelaysHeadOfWaiting(t *testing.T) {
	l, repo, _ := newTestLimiter(t, ratelimit.Config{
		Mode:     ratelimit.ModeTokenBucket,
		Rate:     1,
		Capacity: 1,
	})
	ctx := context.Background()

	_, err := repo.Add(ctx, "job-1", []byte(`{}`), models.DefaultAddOptions())
	require.NoError(t, err)

	require.NoError(t, l.OnDeny(ctx, repo))

	job, err := repo.FetchNext(ctx, 0, nil)
	require.NoError(t, err)
	require.Nil(t, job, "job should have been moved to delayed by OnDeny")
}

func TestLimiter_OnDenyRejectPolicyLeavesQueueUntouched(t *testing.T) {
	l, repo, _ := newTestLimiter(t, ratelimit.Config{
		Mode: ratelimit.ModeSlidingWindow,
		SlidingWindow: ratelimit.SlidingWindowConfig{
			WindowMs: 60_000,
			Limit:    1,
			Policy:   ratelimit.PolicyReject,
		},
	})
	ctx := context.Background()

	_, err := repo.Add(ctx, "job-1", []byte(`{}`), models.DefaultAddOptions())
	require.NoError(t, err)

	require.NoError(t, l.OnDeny(ctx, repo))

	job, err := repo.FetchNext(ctx, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, job, "reject policy must not touch the waiting queue")
}
