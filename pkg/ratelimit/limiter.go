// Package ratelimit implements the token-bucket and sliding-window
// admission checks the fetch protocol consults before popping a job (spec
// §4.1, §4.4). Script failures fail open: job processing availability
// dominates rate-limit precision (spec §9 design note), enforced here by
// wrapping the limiter's script call in the teacher's resilience.
// CircuitBreaker so repeated script errors trip open and short-circuit to
// fail-open immediately instead of re-attempting the script every call.
package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kodiak/pkg/metrics"
	"kodiak/pkg/resilience"
	"kodiak/pkg/store"
)

//go:embed lua/token_bucket.lua
var tokenBucketSrc string

//go:embed lua/sliding_window.lua
var slidingWindowSrc string

// Mode selects the limiting algorithm (spec §4.4).
type Mode string

const (
	ModeTokenBucket   Mode = "token-bucket"
	ModeSlidingWindow Mode = "sliding-window"
)

// Policy decides what happens to the head of waiting on denial under
// sliding-window mode (spec §4.4). Token-bucket always applies delay.
type Policy string

const (
	PolicyReject  Policy = "reject"
	PolicyDelay   Policy = "delay"
	PolicyEnqueue Policy = "enqueue" // reserved; treated as reject
)

// SlidingWindowConfig configures ModeSlidingWindow.
type SlidingWindowConfig struct {
	WindowMs int64
	Limit    int
	Policy   Policy
	DelayMs  int64
}

// Config configures a Limiter (spec §6 Queue API's rateLimiter option).
type Config struct {
	Mode     Mode
	Rate     float64 // tokens per second, token-bucket only
	Capacity float64 // burst size, token-bucket only

	SlidingWindow SlidingWindowConfig
}

// Limiter implements store.Limiter for one queue.
type Limiter struct {
	rdb   *redis.Client
	queue string
	cfg   Config
	log   *zap.Logger

	bucketKey  string
	windowKey  string
	tokenBucket *redis.Script
	slidingWindow *redis.Script

	breaker *resilience.CircuitBreaker
}

// New constructs a Limiter for queue under prefix. log may be nil.
func New(rdb *redis.Client, prefix, queue string, cfg Config, log *zap.Logger) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{
		rdb:   rdb,
		queue: queue,
		cfg:   cfg,
		log:   log,

		bucketKey: fmt.Sprintf("%s:ratelimit:%s", prefix, queue),
		windowKey: fmt.Sprintf("%s:ratelimit:%s:sliding", prefix, queue),

		tokenBucket:   redis.NewScript(tokenBucketSrc),
		slidingWindow: redis.NewScript(slidingWindowSrc),

		breaker: resilience.NewCircuitBreaker("ratelimit:"+queue, resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			MaxRequests:      1,
		}),
	}
}

var _ store.Limiter = (*Limiter)(nil)

// Allow asks for n admissions (spec §4.1 token_bucket/sliding_window). A
// script or transport error is treated as fail-open: Allow returns (true,
// err) so the caller proceeds but can still log/count the failure.
func (l *Limiter) Allow(ctx context.Context, n int) (bool, error) {
	var allowed bool
	err := l.breaker.Execute(ctx, func() error {
		var innerErr error
		allowed, innerErr = l.evalAllow(ctx, n)
		return innerErr
	})
	if err != nil {
		l.log.Debug("rate limiter fail-open", zap.String("queue", l.queue), zap.Error(err))
		return true, err
	}
	return allowed, nil
}

func (l *Limiter) evalAllow(ctx context.Context, n int) (bool, error) {
	now := time.Now().UnixMilli()

	switch l.cfg.Mode {
	case ModeSlidingWindow:
		res, err := l.slidingWindow.Run(ctx, l.rdb,
			[]string{l.windowKey},
			now, l.cfg.SlidingWindow.WindowMs, l.cfg.SlidingWindow.Limit, n, l.queue+":"+uuid.NewString(),
		).Result()
		if err != nil {
			return false, err
		}
		parts, ok := res.([]interface{})
		if !ok || len(parts) == 0 {
			return false, fmt.Errorf("sliding_window: unexpected reply %v", res)
		}
		allowed, _ := parts[0].(int64)
		return allowed == 1, nil

	default: // ModeTokenBucket
		res, err := l.tokenBucket.Run(ctx, l.rdb,
			[]string{l.bucketKey},
			now, n, l.cfg.Rate, l.cfg.Capacity,
		).Result()
		if err != nil {
			return false, err
		}
		allowed, _ := res.(int64)
		return allowed == 1, nil
	}
}

// OnDeny implements the denial policies from spec §4.4: token-bucket
// always delays the head of waiting by DefaultDelayOnLimitMs; sliding
// window honors its configured policy (delay moves the head job, reject
// leaves the queue untouched, enqueue is reserved and treated as reject).
func (l *Limiter) OnDeny(ctx context.Context, repo *store.Repository) error {
	policy := PolicyDelay
	delayMs := int64(store.DefaultDelayOnLimitMs)
	resetAt := time.Now().Add(time.Duration(delayMs) * time.Millisecond).UnixMilli()

	if l.cfg.Mode == ModeSlidingWindow {
		policy = l.cfg.SlidingWindow.Policy
		if policy == "" {
			policy = PolicyReject
		}
		if l.cfg.SlidingWindow.DelayMs > 0 {
			delayMs = l.cfg.SlidingWindow.DelayMs
		}
		resetAt = time.Now().Add(time.Duration(delayMs) * time.Millisecond).UnixMilli()
	}

	if policy != PolicyDelay {
		metrics.RateLimitDenied.WithLabelValues(l.queue, "deny", string(policy)).Inc()
		return nil
	}

	id, err := repo.DelayWaitingJob(ctx, resetAt, "rate_limit", fmt.Sprintf(`{"reason":"rate_limit","resetAt":%d}`, resetAt))
	if err != nil {
		return err
	}
	if id != "" {
		metrics.RateLimitDenied.WithLabelValues(l.queue, "deny", string(policy)).Inc()
	}
	return nil
}
