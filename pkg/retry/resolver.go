// Package retry computes the next-attempt time from a job's backoff
// config before the worker calls markAsFailed (spec §4.7). The built-in
// formulas use exact integer math with no jitter: spec §8's Backoff law
// requires `nextAttempt - failedAt == d` (fixed) or `d * 2^(k-1)`
// (exponential) to hold precisely, so jitter — which the teacher's
// scheduler applied for backoff — has no home in the built-ins. A jittered
// strategy can still be registered as a Strategy by a caller that doesn't
// need the exact law to hold.
package retry

import (
	"math"

	"kodiak/pkg/models"
)

// Strategy computes a delay in ms from the attempt count and the job's
// configured base delay (spec §4.7 "custom named strategies").
type Strategy func(attemptsMade int, baseDelayMs int64) int64

// Resolver holds the built-in strategies plus any caller-registered ones.
type Resolver struct {
	strategies map[string]Strategy
}

// NewResolver constructs a Resolver seeded with the fixed and exponential
// built-ins and any additional named strategies supplied by the caller
// (spec §6 Worker config's backoffStrategies name→function map).
func NewResolver(custom map[string]Strategy) *Resolver {
	r := &Resolver{strategies: map[string]Strategy{
		string(models.BackoffFixed):       fixed,
		string(models.BackoffExponential): exponential,
	}}
	for name, fn := range custom {
		r.strategies[name] = fn
	}
	return r
}

func fixed(_ int, baseDelayMs int64) int64 {
	return baseDelayMs
}

func exponential(attemptsMade int, baseDelayMs int64) int64 {
	return int64(float64(baseDelayMs) * math.Pow(2, float64(attemptsMade-1)))
}

// Resolve returns the next-attempt epoch-ms for job given it just failed at
// failedAtMs, or 0 if no backoff is configured (the script then retries
// with zero additional delay, per spec §4.7).
func (r *Resolver) Resolve(job *models.Job, failedAtMs int64) int64 {
	if job.Backoff == nil {
		return 0
	}

	strategy, ok := r.strategies[string(job.Backoff.Type)]
	if !ok {
		return 0
	}

	// job.RetryCount is the pre-failure count; AttemptsMade() == RetryCount+1
	// already equals fail_job's post-increment newRetryCount (spec §4.1, §4.7).
	attemptsMade := job.AttemptsMade()
	delay := strategy(attemptsMade, job.Backoff.Delay)
	return failedAtMs + delay
}
