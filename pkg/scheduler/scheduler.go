// Package scheduler implements the Scheduler (spec §4.5) and Stalled
// Recovery (spec §4.6) components: a 5-second periodic driver that
// promotes due delayed jobs and recovers stalled active jobs, combined
// with an event-driven path (keyspace expiration notifications plus
// in-process per-job timers) that bounds worst-case promotion latency
// even when the periodic sweep is delayed.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kodiak/pkg/store"
)

// Config holds the scheduler's tunables (spec §6 has no dedicated
// scheduler config block; these mirror the worker's config shape).
type Config struct {
	Interval          time.Duration // periodic promote+recover cadence, default 5s
	StalledInterval   time.Duration // kept for API symmetry; recovery runs on Interval
	PromoteBatchLimit int           // default 50
}

// DefaultConfig mirrors spec §4.5's stated defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Second,
		PromoteBatchLimit: 50,
	}
}

// Scheduler drives one queue's promotion and stalled-recovery loop and
// owns the in-process delay timer map (spec §5 "per-job in-process timers
// map: mutated only by the repository instance that scheduled them").
type Scheduler struct {
	repo *store.Repository
	rdb  *redis.Client
	cfg  Config
	log  *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer

	recovering atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New constructs a Scheduler for repo. It wires itself as repo's
// OnDelayedScheduled hook so every add/fail-with-retry/rate-limit-delay
// gets an in-process timer without the caller having to do it.
func New(repo *store.Repository, rdb *redis.Client, cfg Config, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		repo:   repo,
		rdb:    rdb,
		cfg:    cfg,
		log:    log,
		timers: make(map[string]*time.Timer),
		stopCh: make(chan struct{}),
	}
	repo.OnDelayedScheduled = s.scheduleTimer
	return s
}

// Start launches the periodic loop and the expiration-notification
// subscriber. The caller must have `notify-keyspace-events Ex` (or
// equivalent) enabled on the store for the event-driven path to fire;
// the periodic loop alone still bounds delay to ≤ cfg.Interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.periodicLoop(ctx)
	go s.subscribeExpirations(ctx)
}

// Close stops the loops and releases the in-process timers (spec §6
// Queue API's close(), "safe to call twice").
func (s *Scheduler) Close() {
	s.once.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) periodicLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Promote(ctx)
			s.Recover(ctx)
		}
	}
}

// Promote runs promote_delayed_jobs once (spec §4.1, §4.5).
func (s *Scheduler) Promote(ctx context.Context) {
	ids, err := s.repo.PromoteDelayedJobs(ctx, s.cfg.PromoteBatchLimit)
	if err != nil {
		s.log.Warn("promote_delayed_jobs failed", zap.Error(err))
		return
	}
	if len(ids) > 0 {
		s.log.Debug("promoted delayed jobs", zap.Int("count", len(ids)))
	}
}

// Recover runs recover_stalled_jobs once, guarded so it is never
// concurrent with itself (spec §4.5 "mutually exclusive with itself via a
// boolean guard").
func (s *Scheduler) Recover(ctx context.Context) {
	if !s.recovering.CompareAndSwap(false, true) {
		return
	}
	defer s.recovering.Store(false)

	ids, err := s.repo.RecoverStalledJobs(ctx)
	if err != nil {
		s.log.Warn("recover_stalled_jobs failed", zap.Error(err))
		return
	}
	if len(ids) > 0 {
		s.log.Debug("recovered stalled jobs", zap.Int("count", len(ids)))
	}
}

// scheduleTimer installs or replaces the in-process timer for id (spec
// §4.5 "duplicate in-process timers for the same id are replaced").
func (s *Scheduler) scheduleTimer(id string, dueAtMs int64) {
	remaining := time.Until(time.UnixMilli(dueAtMs))
	if remaining < 0 {
		remaining = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[id]; ok {
		existing.Stop()
	}

	s.timers[id] = time.AfterFunc(remaining, func() {
		s.Promote(context.Background())
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
	})
}

// subscribeExpirations listens for the store's expiration notifications on
// delay-timer keys and triggers a promotion sweep (spec §4.5 event-driven
// driver, §3's P:delayed:timer:<id> key).
func (s *Scheduler) subscribeExpirations(ctx context.Context) {
	defer s.wg.Done()

	pubsub := s.rdb.PSubscribe(ctx, "__keyevent@*__:expired")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if strings.Contains(msg.Payload, ":delayed:timer:") {
				s.Promote(ctx)
			}
		}
	}
}
