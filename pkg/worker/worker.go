// Package worker implements the Worker Loop (spec §4.8): one goroutine per
// slot, each with its own prefetch buffer and owner token, gated by a
// process-wide semaphore that caps concurrent processor executions
// (fetching itself is never gated, so prefetch may exceed concurrency).
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kodiak/pkg/metrics"
	"kodiak/pkg/models"
	"kodiak/pkg/qerrors"
	"kodiak/pkg/retry"
	"kodiak/pkg/scheduler"
	"kodiak/pkg/store"
)

// Processor is the user's job handler. progress reports an opaque string
// via update_progress (spec §4.1, §6 Worker API).
type Processor func(ctx context.Context, job *models.Job, progress func(ctx context.Context, value string) error) error

// Config holds the worker's tunables (spec §6 Configuration options).
type Config struct {
	Concurrency             int
	Prefetch                int
	LockDuration            time.Duration
	GracefulShutdownTimeout time.Duration
	HeartbeatEnabled        bool
	HeartbeatInterval       time.Duration // default max(1s, LockDuration/2)
}

// DefaultConfig mirrors the spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:             1,
		Prefetch:                10,
		LockDuration:            30 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
		HeartbeatEnabled:        false,
	}
}

func (c Config) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	half := c.LockDuration / 2
	if half < time.Second {
		return time.Second
	}
	return half
}

// EventHandlers lets a caller observe the events spec §6 names (start,
// stop, completed, failed, progress, error) without the module owning a
// generic event-bus (spec's event-emission plumbing is out of scope;
// these are plain callback fields, nil-safe).
type EventHandlers struct {
	OnStart     func()
	OnStop      func()
	OnCompleted func(job *models.Job)
	OnFailed    func(job *models.Job, err error)
	OnProgress  func(job *models.Job, value string)
	OnError     func(err error)
}

// Worker runs Config.Concurrency slots against one queue's repository.
type Worker struct {
	repo      *store.Repository
	limiter   store.Limiter
	resolver  *retry.Resolver
	processor Processor
	cfg       Config
	log       *zap.Logger
	events    EventHandlers
	queue     string

	ownerBase string

	running bool
	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup

	bufMu   sync.Mutex
	buffers [][]*models.Job

	sem chan struct{}
}

// New constructs a Worker. limiter and custom resolver strategies may be
// nil/empty.
func New(repo *store.Repository, limiter store.Limiter, customStrategies map[string]retry.Strategy, cfg Config, processor Processor, events EventHandlers, log *zap.Logger, queue string) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Worker{
		repo:      repo,
		limiter:   limiter,
		resolver:  retry.NewResolver(customStrategies),
		processor: processor,
		cfg:       cfg,
		log:       log,
		events:    events,
		queue:     queue,
		ownerBase: fmt.Sprintf("%d-%s", os.Getpid(), uuid.NewString()[:8]),
		buffers:   make([][]*models.Job, cfg.Concurrency),
		sem:       make(chan struct{}, cfg.Concurrency),
	}
}

// Start launches one goroutine per slot (spec §6 Worker API, "fails with
// AlreadyRunning if already started").
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return qerrors.NewConfigError("worker already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.slotLoop(ctx, i)
	}

	if w.events.OnStart != nil {
		w.events.OnStart()
	}
	return nil
}

// Stop signals all slots to drain and waits up to
// GracefulShutdownTimeout (spec §4.8, §5 cancellation).
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.cfg.GracefulShutdownTimeout):
		w.log.Warn("graceful shutdown timeout exceeded, returning while slots drain")
	}

	if w.events.OnStop != nil {
		w.events.OnStop()
	}
	return nil
}

func (w *Worker) slotLoop(ctx context.Context, slot int) {
	defer w.wg.Done()

	ownerToken := fmt.Sprintf("%s:%d", w.ownerBase, slot)
	var consecutiveErrors int

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		job, err := w.getJob(ctx, slot, ownerToken)
		if err != nil {
			consecutiveErrors++
			if w.events.OnError != nil {
				w.events.OnError(err)
			}
			w.sleepBackoff(consecutiveErrors)
			continue
		}
		consecutiveErrors = 0

		if job == nil {
			select {
			case <-w.stopCh:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		select {
		case w.sem <- struct{}{}:
		case <-w.stopCh:
			return
		}

		metrics.ActiveLocks.WithLabelValues(w.queue).Inc()
		w.processJob(ctx, job, ownerToken)
		metrics.ActiveLocks.WithLabelValues(w.queue).Dec()

		<-w.sem
	}
}

// sleepBackoff implements spec §7's "fetch loops back off (exponential,
// capped at 30 s) and resume" for StoreError.
func (w *Worker) sleepBackoff(consecutiveErrors int) {
	delay := time.Duration(1<<uint(min(consecutiveErrors, 5))) * time.Second
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	select {
	case <-w.stopCh:
	case <-time.After(delay):
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// getJob drains the slot's buffer, refilling it via a single pipelined
// FetchNextJobs call guarded by a process-wide mutex so concurrent empty
// slots don't double-fetch (spec §4.8, §5).
func (w *Worker) getJob(ctx context.Context, slot int, ownerToken string) (*models.Job, error) {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()

	if len(w.buffers[slot]) > 0 {
		job := w.buffers[slot][0]
		w.buffers[slot] = w.buffers[slot][1:]
		return job, nil
	}

	jobs, err := w.repo.FetchNextJobs(ctx, w.cfg.Prefetch, w.cfg.LockDuration, ownerToken, w.limiter)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	w.buffers[slot] = jobs[1:]
	return jobs[0], nil
}

func (w *Worker) processJob(ctx context.Context, job *models.Job, ownerToken string) {
	var heartbeatStop chan struct{}
	if w.cfg.HeartbeatEnabled {
		heartbeatStop = w.startHeartbeat(job.ID, ownerToken)
		defer close(heartbeatStop)
	}

	start := time.Now()
	err := w.invokeProcessor(ctx, job)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.ProcessorDuration.WithLabelValues(w.queue, outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		w.markFailed(ctx, job, err)
		return
	}
	w.markCompleted(ctx, job)
}

func (w *Worker) invokeProcessor(ctx context.Context, job *models.Job) (procErr error) {
	defer func() {
		if r := recover(); r != nil {
			procErr = qerrors.NewProcessorError(fmt.Errorf("panic: %v", r))
		}
	}()

	progress := func(ctx context.Context, value string) error {
		err := w.repo.UpdateProgress(ctx, job.ID, value)
		if err == nil && w.events.OnProgress != nil {
			w.events.OnProgress(job, value)
		}
		return err
	}

	if err := w.processor(ctx, job, progress); err != nil {
		return qerrors.NewProcessorError(err)
	}
	return nil
}

func (w *Worker) markCompleted(ctx context.Context, job *models.Job) {
	var forcedNextRunAt int64
	if job.Repeat != nil && job.Repeat.Cron != "" {
		if next, err := scheduler.NextCronRun(job.Repeat.Cron, time.Now().UnixMilli()); err == nil {
			forcedNextRunAt = next
		} else {
			w.log.Warn("invalid cron expression on repeat job", zap.String("id", job.ID), zap.Error(err))
		}
	}

	completed, err := w.repo.MarkAsCompleted(ctx, job.ID, forcedNextRunAt)
	if err != nil {
		if w.events.OnError != nil {
			w.events.OnError(err)
		}
		return
	}
	if completed && w.events.OnCompleted != nil {
		w.events.OnCompleted(job)
	}
}

func (w *Worker) markFailed(ctx context.Context, job *models.Job, procErr error) {
	forcedNextAttempt := w.resolver.Resolve(job, time.Now().UnixMilli())

	_, err := w.repo.MarkAsFailed(ctx, job.ID, procErr, forcedNextAttempt)
	if err != nil {
		if w.events.OnError != nil {
			w.events.OnError(err)
		}
		return
	}
	if w.events.OnFailed != nil {
		w.events.OnFailed(job, procErr)
	}
}

// startHeartbeat periodically extends the job's lock until the returned
// channel is closed (spec §4.8 step 3; heartbeat errors never stop
// processing).
func (w *Worker) startHeartbeat(jobID, ownerToken string) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.cfg.heartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				newExpiry := time.Now().Add(w.cfg.LockDuration).UnixMilli()
				ok, err := w.repo.ExtendLock(context.Background(), jobID, newExpiry, ownerToken)
				if err != nil || !ok {
					metrics.HeartbeatFailures.WithLabelValues(w.queue).Inc()
					if w.events.OnError != nil && err != nil {
						w.events.OnError(err)
					}
					continue
				}
				metrics.HeartbeatsSent.WithLabelValues(w.queue).Inc()
			}
		}
	}()
	return stop
}
