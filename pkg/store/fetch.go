package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kodiak/pkg/metrics"
	"kodiak/pkg/models"
	"kodiak/pkg/qerrors"
)

// Limiter is the admission check the fetch protocol asks before popping a
// job (spec §4.3, §4.4). OnDeny decides what happens to the head of
// waiting on denial.
type Limiter interface {
	Allow(ctx context.Context, n int) (bool, error)
	OnDeny(ctx context.Context, repo *Repository) error
}

// FetchNext implements the optimistic-then-blocking fetch protocol (spec
// §4.3). timeout <= 0 disables the blocking fallback. limiter may be nil
// when no rate limiting is configured for this queue.
func (r *Repository) FetchNext(ctx context.Context, timeout time.Duration, limiter Limiter) (*models.Job, error) {
	start := time.Now()
	defer func() {
		metrics.FetchLatency.WithLabelValues(r.queue, "single").Observe(time.Since(start).Seconds())
	}()

	if job, err := r.tryMoveJob(ctx, true, limiter); job != nil || err != nil {
		return job, err
	}

	if timeout <= 0 {
		metrics.FetchEmpty.WithLabelValues(r.queue).Inc()
		return nil, nil
	}

	popped, err := r.rdb.BLPop(ctx, timeout, r.keys.notify()).Result()
	if err != nil {
		metrics.FetchEmpty.WithLabelValues(r.queue).Inc()
		return nil, nil
	}
	if len(popped) < 2 {
		metrics.FetchEmpty.WithLabelValues(r.queue).Inc()
		return nil, nil
	}

	job, err := r.tryMoveJob(ctx, false, limiter)
	if job == nil && err == nil {
		metrics.FetchEmpty.WithLabelValues(r.queue).Inc()
	}
	return job, err
}

func (r *Repository) tryMoveJob(ctx context.Context, popNotify bool, limiter Limiter) (*models.Job, error) {
	if limiter != nil {
		allowed, err := limiter.Allow(ctx, 1)
		if err != nil {
			metrics.RateLimitFailOpen.WithLabelValues(r.queue).Inc()
		} else if !allowed {
			metrics.RateLimitDenied.WithLabelValues(r.queue, "single", "admission").Inc()
			if denyErr := limiter.OnDeny(ctx, r); denyErr != nil {
				r.log.Debug("rate limiter deny handling failed", zap.Error(denyErr))
			}
			return nil, nil
		} else {
			metrics.RateLimitAllowed.WithLabelValues(r.queue, "single").Inc()
		}
	}

	res, err := r.scripts.moveJob.Run(ctx, r.rdb,
		[]string{r.keys.waiting(), r.keys.active(), r.keys.notify()},
		nowMs(), r.keys.jobPrefix(), boolArg(popNotify),
	).Result()
	if err == redis.Nil {
		// move_job returns false (a nil reply) when waiting is empty.
		return nil, nil
	}
	if err != nil {
		return nil, qerrors.NewScriptError("move_job", err)
	}
	if res == nil {
		return nil, nil
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) < 1 {
		return nil, nil
	}
	id, _ := parts[0].(string)
	if id == "" {
		return nil, nil
	}

	var fields []interface{}
	if len(parts) > 1 {
		fields, _ = parts[1].([]interface{})
	}

	if len(fields) == 0 {
		// move_job could not write the hash under strict key tracking
		// (spec §9); finish it here in a follow-up round trip.
		if err := r.rdb.HSet(ctx, r.keys.job(id), "state", string(models.StateActive), "started_at", nowMs()).Err(); err != nil {
			return nil, qerrors.NewStoreError("move_job.finish_hash", err)
		}
		all, err := r.rdb.HGetAll(ctx, r.keys.job(id)).Result()
		if err != nil {
			return nil, qerrors.NewStoreError("move_job.hgetall", err)
		}
		return r.jobFromMap(id, all)
	}

	m := flattenToMap(fields)
	return r.jobFromMap(id, m)
}

// FetchNextJobs is the batch-prefetch path used by the worker loop (spec
// §4.3, §4.8): ask the limiter for count tokens, pop up to count jobs into
// active, then pipeline the hash writes/reads per id.
func (r *Repository) FetchNextJobs(ctx context.Context, count int, lockDuration time.Duration, ownerToken string, limiter Limiter) ([]*models.Job, error) {
	start := time.Now()
	defer func() {
		metrics.FetchLatency.WithLabelValues(r.queue, "batch").Observe(time.Since(start).Seconds())
	}()

	if limiter != nil {
		allowed, err := limiter.Allow(ctx, count)
		if err != nil {
			metrics.RateLimitFailOpen.WithLabelValues(r.queue).Inc()
		} else if !allowed {
			metrics.RateLimitDenied.WithLabelValues(r.queue, "batch", "admission").Inc()
			if denyErr := limiter.OnDeny(ctx, r); denyErr != nil {
				r.log.Debug("rate limiter deny handling failed", zap.Error(denyErr))
			}
			return nil, nil
		} else {
			metrics.RateLimitAllowed.WithLabelValues(r.queue, "batch").Inc()
		}
	}

	now := time.Now()
	lockExpiresAt := now.Add(lockDuration).UnixMilli()

	res, err := r.scripts.moveToActive.Run(ctx, r.rdb,
		[]string{r.keys.waiting(), r.keys.active()},
		count, lockExpiresAt,
	).Result()
	if err != nil {
		return nil, qerrors.NewScriptError("move_to_active", err)
	}

	ids := toStringSlice(res)
	if len(ids) == 0 {
		metrics.FetchEmpty.WithLabelValues(r.queue).Inc()
		return nil, nil
	}

	pipe := r.rdb.Pipeline()
	getCmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		jobKey := r.keys.job(id)
		fields := []interface{}{"state", string(models.StateActive), "started_at", now.UnixMilli()}
		if ownerToken != "" {
			fields = append(fields, "lock_owner", ownerToken)
		}
		pipe.HSet(ctx, jobKey, fields...)
		getCmds = append(getCmds, pipe.HGetAll(ctx, jobKey))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, qerrors.NewStoreError("move_to_active.pipeline", err)
	}

	jobs := make([]*models.Job, 0, len(ids))
	for i, id := range ids {
		m, err := getCmds[i].Result()
		if err != nil {
			continue
		}
		job, err := r.jobFromMap(id, m)
		if err != nil {
			metrics.JobsCorrupt.WithLabelValues(r.queue).Inc()
			r.log.Debug("skipping corrupt job", zap.String("id", id), zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func flattenToMap(kv []interface{}) map[string]string {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := kv[i].(string)
		v, _ := kv[i+1].(string)
		m[k] = v
	}
	return m
}

// jobFromMap reconstructs a Job entity from a flattened job hash. A
// missing data field is surfaced as qerrors.CorruptJob (spec §4.3, §7).
func (r *Repository) jobFromMap(id string, m map[string]string) (*models.Job, error) {
	data, ok := m["data"]
	if !ok {
		return nil, qerrors.NewCorruptJob(id)
	}

	job := &models.Job{
		ID:          id,
		Data:        json.RawMessage(data),
		State:       models.State(m["state"]),
		Priority:    atoiOr(m["priority"], 0),
		RetryCount:  atoiOr(m["retry_count"], 0),
		MaxAttempts: atoiOr(m["max_attempts"], 1),
		Error:       m["error"],
		Progress:    m["progress"],
		LockOwner:   m["lock_owner"],
	}

	if v, ok := m["added_at"]; ok {
		job.AddedAt = msToTime(v)
	}
	if v, ok := m["started_at"]; ok {
		t := msToTime(v)
		job.StartedAt = &t
	}
	if v, ok := m["completed_at"]; ok {
		t := msToTime(v)
		job.CompletedAt = &t
	}
	if v, ok := m["failed_at"]; ok {
		t := msToTime(v)
		job.FailedAt = &t
	}
	if v, ok := m["updated_at"]; ok {
		t := msToTime(v)
		job.UpdatedAt = &t
	}

	if btype, ok := m["backoff_type"]; ok {
		job.Backoff = &models.BackoffConfig{
			Type:  models.BackoffType(btype),
			Delay: int64(atoiOr(m["backoff_delay"], 0)),
		}
	}
	if every, ok := m["repeat_every"]; ok {
		job.Repeat = &models.RepeatConfig{
			Every: int64(atoiOr(every, 0)),
			Limit: atoiOr(m["repeat_limit"], 0),
		}
	} else if cron, ok := m["repeat_cron"]; ok {
		job.Repeat = &models.RepeatConfig{
			Cron:  cron,
			Limit: atoiOr(m["repeat_limit"], 0),
		}
	}
	job.RepeatCount = atoiOr(m["repeat_count"], 0)

	job.DelayedMeta = m["delayed_meta"]
	job.DelayedReason = m["delayed_reason"]
	job.RateLimitResetAt = int64(atoiOr(m["rate_limit_reset_at"], 0))

	return job, nil
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func msToTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
