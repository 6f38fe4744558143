package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kodiak/pkg/metrics"
	"kodiak/pkg/models"
	"kodiak/pkg/qerrors"
)

// DefaultDelayOnLimitMs is the fallback delay a rate limiter applies to a
// denied job when no explicit delay is configured (spec §4.4).
const DefaultDelayOnLimitMs = 500

// Repository is the Queue Repository (spec §4.2). It owns the key layout,
// loads the script set once, and is the only thing in the module that
// talks to the store directly for a given queue.
type Repository struct {
	rdb     *redis.Client
	keys    keys
	scripts *scripts
	queue   string
	log     *zap.Logger

	// OnDelayedScheduled fires after add / fail-with-retry / rate-limit
	// delay install a due-time for a job (spec §4.2). Nil is a no-op;
	// the scheduler wires this to its timer map.
	OnDelayedScheduled func(id string, scheduledAtMs int64)
}

// NewRepository constructs a repository for one named queue under prefix.
func NewRepository(rdb *redis.Client, prefix, queue string, log *zap.Logger) *Repository {
	return &Repository{
		rdb:     rdb,
		keys:    newKeys(prefix, queue),
		scripts: newScripts(),
		queue:   queue,
		log:     log,
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Add inserts a new job into waiting or delayed (spec §4.1 add_job, §6
// Producer API). Returns qerrors.ErrAlreadyExists if id is already present
// (DESIGN.md Open Question 3: add rejects rather than overwrites).
func (r *Repository) Add(ctx context.Context, id string, data []byte, opts models.AddOptions) (*models.Job, error) {
	now := nowMs()
	isDelayed := opts.Delay > 0

	var score int64
	if isDelayed {
		score = now + opts.Delay
	} else {
		score = int64(models.CompositeScore(opts.Priority, now))
	}

	fields := []interface{}{
		"data", string(data),
		"priority", opts.Priority,
		"retry_count", 0,
		"max_attempts", opts.Attempts,
		"added_at", now,
	}
	if opts.Backoff != nil {
		fields = append(fields, "backoff_type", string(opts.Backoff.Type), "backoff_delay", opts.Backoff.Delay)
	}
	if opts.Repeat != nil {
		fields = append(fields, "repeat_limit", opts.Repeat.Limit, "repeat_count", 0)
		if opts.Repeat.Every > 0 {
			fields = append(fields, "repeat_every", opts.Repeat.Every)
		}
		if opts.Repeat.Cron != "" {
			fields = append(fields, "repeat_cron", opts.Repeat.Cron)
		}
	}

	argv := append([]interface{}{id, score, boolArg(isDelayed), id}, fields...)

	res, err := r.scripts.addJob.Run(ctx, r.rdb,
		[]string{r.keys.waiting(), r.keys.delayed(), r.keys.job(id), r.keys.notify()},
		argv...,
	).Result()
	if err != nil {
		return nil, qerrors.NewScriptError("add_job", err)
	}

	ret, _ := toInt64(res)
	if ret == -2 {
		return nil, qerrors.ErrAlreadyExists
	}

	metrics.JobsAdded.WithLabelValues(r.queue, stateFor(isDelayed)).Inc()

	if isDelayed {
		r.installDelayTimer(ctx, id, score)
		if r.OnDelayedScheduled != nil {
			r.OnDelayedScheduled(id, score)
		}
	}

	job := &models.Job{
		ID:          id,
		Data:        data,
		State:       stateForModel(isDelayed),
		Priority:    opts.Priority,
		MaxAttempts: opts.Attempts,
		AddedAt:     time.UnixMilli(now),
		Backoff:     opts.Backoff,
		Repeat:      opts.Repeat,
	}
	return job, nil
}

func stateFor(isDelayed bool) string {
	if isDelayed {
		return "delayed"
	}
	return "waiting"
}

func stateForModel(isDelayed bool) models.State {
	if isDelayed {
		return models.StateDelayed
	}
	return models.StateWaiting
}

// installDelayTimer sets the short-lived P:delayed:timer:<id> key whose
// expiration the scheduler subscribes to (spec §4.5 event-driven driver).
func (r *Repository) installDelayTimer(ctx context.Context, id string, dueAtMs int64) {
	remaining := time.Duration(dueAtMs-nowMs()) * time.Millisecond
	if remaining < 0 {
		remaining = 0
	}
	if err := r.rdb.Set(ctx, r.keys.delayTimer(id), "1", remaining).Err(); err != nil {
		r.log.Debug("failed to install delay timer", zap.String("id", id), zap.Error(err))
	}
}

// MarkAsCompleted runs complete_job (spec §4.1). forcedNextRunAt overrides
// the every-based reschedule for cron-driven repeats (SPEC_FULL §11.1); 0
// means "derive from repeat_every". Returns true if the job reached
// state=completed, false if it was rescheduled.
func (r *Repository) MarkAsCompleted(ctx context.Context, id string, forcedNextRunAt int64) (bool, error) {
	now := nowMs()
	res, err := r.scripts.completeJob.Run(ctx, r.rdb,
		[]string{r.keys.active(), r.keys.job(id), r.keys.delayed()},
		id, now, forcedNextRunAt,
	).Result()
	if err != nil {
		return false, qerrors.NewScriptError("complete_job", err)
	}

	ret, _ := toInt64(res)
	if ret == 1 {
		metrics.JobsCompleted.WithLabelValues(r.queue).Inc()
		return true, nil
	}

	metrics.JobsRetried.WithLabelValues(r.queue).Inc()
	if r.OnDelayedScheduled != nil {
		// The actual next-run score lives server-side; re-read it is
		// unnecessary for the timer, a conservative periodic sweep
		// will still pick it up within the scheduler's interval.
		r.OnDelayedScheduled(id, now)
	}
	return false, nil
}

// MarkAsFailed runs fail_job (spec §4.1, §4.7). forcedNextAttempt is the
// retry resolver's computed next-attempt time (epoch ms), 0 meaning "let
// the script derive it from backoff fields". Returns the scheduled retry timestamp, or -1 if
// attempts are exhausted.
func (r *Repository) MarkAsFailed(ctx context.Context, id string, procErr error, forcedNextAttempt int64) (int64, error) {
	now := nowMs()
	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}

	res, err := r.scripts.failJob.Run(ctx, r.rdb,
		[]string{r.keys.active(), r.keys.job(id), r.keys.delayed()},
		id, msg, now, forcedNextAttempt,
	).Result()
	if err != nil {
		return 0, qerrors.NewScriptError("fail_job", err)
	}

	nextAttempt, _ := toInt64(res)
	if nextAttempt == -1 {
		metrics.JobsFailed.WithLabelValues(r.queue).Inc()
		return -1, nil
	}

	metrics.JobsRetried.WithLabelValues(r.queue).Inc()
	r.installDelayTimer(ctx, id, nextAttempt)
	if r.OnDelayedScheduled != nil {
		r.OnDelayedScheduled(id, nextAttempt)
	}
	return nextAttempt, nil
}

// PromoteDelayedJobs runs promote_delayed_jobs (spec §4.1, §4.5).
func (r *Repository) PromoteDelayedJobs(ctx context.Context, limit int) ([]string, error) {
	res, err := r.scripts.promoteDelayedJobs.Run(ctx, r.rdb,
		[]string{r.keys.delayed(), r.keys.waiting(), r.keys.notify()},
		nowMs(), limit, r.keys.jobPrefix(),
	).Result()
	if err != nil {
		return nil, qerrors.NewScriptError("promote_delayed_jobs", err)
	}

	ids := toStringSlice(res)
	if len(ids) > 0 {
		metrics.JobsPromoted.WithLabelValues(r.queue).Add(float64(len(ids)))
	}
	return ids, nil
}

// RecoverStalledJobs runs recover_stalled_jobs then finishes the hash
// update the script's declared key set cannot perform (spec §4.1, §4.6).
func (r *Repository) RecoverStalledJobs(ctx context.Context) ([]string, error) {
	now := nowMs()
	res, err := r.scripts.recoverStalledJobs.Run(ctx, r.rdb,
		[]string{r.keys.active(), r.keys.waiting()},
		now,
	).Result()
	if err != nil {
		return nil, qerrors.NewScriptError("recover_stalled_jobs", err)
	}

	ids := toStringSlice(res)
	if len(ids) == 0 {
		return ids, nil
	}

	pipe := r.rdb.Pipeline()
	for _, id := range ids {
		jobKey := r.keys.job(id)
		pipe.HIncrBy(ctx, jobKey, "retry_count", 1)
		pipe.HSet(ctx, jobKey, "state", string(models.StateWaiting), "updated_at", now)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn("recover_stalled_jobs: hash follow-up failed", zap.Error(err))
	}

	metrics.JobsRecovered.WithLabelValues(r.queue).Add(float64(len(ids)))
	return ids, nil
}

// UpdateProgress runs update_progress (spec §4.1).
func (r *Repository) UpdateProgress(ctx context.Context, id, progress string) error {
	res, err := r.scripts.updateProgress.Run(ctx, r.rdb, []string{r.keys.job(id)}, progress).Result()
	if err != nil {
		return qerrors.NewScriptError("update_progress", err)
	}
	ret, _ := toInt64(res)
	if ret == -1 {
		return qerrors.ErrNotFound
	}
	return nil
}

// ExtendLock runs extend_lock (spec §4.1, worker heartbeats). ownerToken
// == "" skips the ownership check.
func (r *Repository) ExtendLock(ctx context.Context, id string, newExpiry int64, ownerToken string) (bool, error) {
	res, err := r.scripts.extendLock.Run(ctx, r.rdb,
		[]string{r.keys.active(), r.keys.job(id)},
		id, newExpiry, ownerToken,
	).Result()
	if err != nil {
		return false, qerrors.NewScriptError("extend_lock", err)
	}
	ret, _ := toInt64(res)
	return ret == 1, nil
}

// DelayWaitingJob runs move_waiting_to_delayed and finishes the hash write
// the script leaves to the caller (spec §4.1, §4.4 rate-limiter delay
// policy).
func (r *Repository) DelayWaitingJob(ctx context.Context, nextAttemptMs int64, reason, metadata string) (string, error) {
	res, err := r.scripts.moveWaitingToDelayed.Run(ctx, r.rdb,
		[]string{r.keys.waiting(), r.keys.delayed()},
		nextAttemptMs, metadata,
	).Result()
	if err == redis.Nil {
		// move_waiting_to_delayed returns false (a nil reply) when waiting
		// is empty.
		return "", nil
	}
	if err != nil {
		return "", qerrors.NewScriptError("move_waiting_to_delayed", err)
	}
	if res == nil {
		return "", nil
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) == 0 {
		return "", nil
	}
	id, _ := parts[0].(string)
	if id == "" {
		return "", nil
	}

	jobKey := r.keys.job(id)
	if err := r.rdb.HSet(ctx, jobKey,
		"state", string(models.StateDelayed),
		"delayed_meta", metadata,
		"delayed_reason", reason,
		"rate_limit_reset_at", nextAttemptMs,
	).Err(); err != nil {
		r.log.Warn("move_waiting_to_delayed: hash follow-up failed", zap.String("id", id), zap.Error(err))
	}

	r.installDelayTimer(ctx, id, nextAttemptMs)
	if r.OnDelayedScheduled != nil {
		r.OnDelayedScheduled(id, nextAttemptMs)
	}
	return id, nil
}

// Stats is a point-in-time snapshot of one queue's set sizes (SPEC_FULL
// §11.2 admin API).
type Stats struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
}

// Stats reads the three sorted set cardinalities in one pipeline. Spec
// never defines a stats operation; this exists only to back the admin
// API's read-only /stats route.
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	pipe := r.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, r.keys.waiting())
	delayed := pipe.ZCard(ctx, r.keys.delayed())
	active := pipe.ZCard(ctx, r.keys.active())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, qerrors.NewStoreError("stats", err)
	}
	return Stats{
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
	}, nil
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected reply type %T", v)
	}
}

func toStringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
