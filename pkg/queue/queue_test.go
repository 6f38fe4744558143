package queue_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kodiak/pkg/models"
	"kodiak/pkg/queue"
	"kodiak/pkg/ratelimit"
)

func newTestQueue(t *testing.T, cfg queue.Config) (*queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(context.Background(), rdb, "test-queue", cfg, zap.NewNop())
	t.Cleanup(q.Close)
	return q, mr
}

func TestQueue_AddAndFetch(t *testing.T) {
	q, _ := newTestQueue(t, queue.Config{Prefix: "kodiak"})
	ctx := context.Background()

	job, err := q.Add(ctx, "job-1", []byte(`{"n":1}`), models.DefaultAddOptions())
	require.NoError(t, err)
	require.Equal(t, "job-1", job.ID)

	fetched, err := q.Repo.FetchNext(ctx, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	require.Equal(t, "job-1", fetched.ID)
}

func TestQueue_WithoutLimiterHasNilLimiter(t *testing.T) {
	q, _ := newTestQueue(t, queue.Config{Prefix: "kodiak"})
	require.Nil(t, q.Limiter)
}

func TestQueue_WithLimiterConstructsOne(t *testing.T) {
	cfg := queue.Config{
		Prefix: "kodiak",
		Limiter: &ratelimit.Config{
			Mode:     ratelimit.ModeTokenBucket,
			Rate:     10,
			Capacity: 10,
		},
	}
	q, _ := newTestQueue(t, cfg)
	require.NotNil(t, q.Limiter)

	allowed, err := q.Limiter.Allow(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestQueue_CloseIsSafeTwice(t *testing.T) {
	q, _ := newTestQueue(t, queue.Config{Prefix: "kodiak"})
	require.NotPanics(t, func() {
		q.Close()
		q.Close()
	})
}
