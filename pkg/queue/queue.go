// Package queue is the thin façade spec §6 calls the "Producer API" and
// "Queue API": it wires one Repository, one optional rate limiter, and one
// Scheduler together per named queue, and exposes add/close. The
// scheduler loop this package starts is in scope; the rest of the
// producer/worker-facing surface (event bus, connection pooling, CLI) is
// explicitly out of scope per spec §1 and is not reproduced here beyond
// what's needed to exercise the reliability engine end to end.
package queue

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kodiak/pkg/models"
	"kodiak/pkg/ratelimit"
	"kodiak/pkg/scheduler"
	"kodiak/pkg/store"
)

// Config configures one named queue (spec §6 Queue API's rateLimiter
// option plus the scheduler cadence it owns).
type Config struct {
	Prefix    string
	Scheduler scheduler.Config
	Limiter   *ratelimit.Config // nil disables rate limiting
}

// Queue owns a Repository, an optional Limiter, and a Scheduler for one
// named queue.
type Queue struct {
	Name string

	Repo      *store.Repository
	Limiter   store.Limiter
	Scheduler *scheduler.Scheduler

	log *zap.Logger
}

// New constructs and starts a Queue: the scheduler's periodic and
// event-driven loops begin running immediately.
func New(ctx context.Context, rdb *redis.Client, name string, cfg Config, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "kodiak"
	}

	repo := store.NewRepository(rdb, prefix, name, log)

	var limiter store.Limiter
	if cfg.Limiter != nil {
		rl := ratelimit.New(rdb, prefix, name, *cfg.Limiter, log)
		limiter = rl
	}

	sched := scheduler.New(repo, rdb, cfg.Scheduler, log)
	sched.Start(ctx)

	return &Queue{
		Name:      name,
		Repo:      repo,
		Limiter:   limiter,
		Scheduler: sched,
		log:       log,
	}
}

// Add enqueues a new job (spec §6 Producer API).
func (q *Queue) Add(ctx context.Context, id string, data []byte, opts models.AddOptions) (*models.Job, error) {
	return q.Repo.Add(ctx, id, data, opts)
}

// Close stops the queue's scheduler (spec §6 "safe to call twice").
func (q *Queue) Close() {
	q.Scheduler.Close()
}
