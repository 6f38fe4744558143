// Package models defines the job entity and its lifecycle metadata shared
// across the store, scheduler, rate limiter, and worker packages.
package models

import (
	"encoding/json"
	"time"
)

// State is the job's position in the {waiting, active, delayed, completed,
// failed} lifecycle (spec §3).
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// BackoffType selects the retry-delay formula a failed job's next attempt
// is computed with.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// BackoffConfig is a job's retry-delay policy.
type BackoffConfig struct {
	Type  BackoffType `json:"type"`
	Delay int64       `json:"delay"` // ms
}

// RepeatConfig schedules a job to re-enqueue itself after completion.
// Every and Cron are mutually exclusive; Every is a fixed interval in ms,
// Cron is a five-field cron expression (SPEC_FULL §11.1 supplement).
type RepeatConfig struct {
	Every int64  `json:"every,omitempty"` // ms
	Cron  string `json:"cron,omitempty"`
	Limit int    `json:"limit,omitempty"` // 0 = unlimited
}

// AddOptions configures a newly enqueued job (spec §6 Producer API).
type AddOptions struct {
	Priority int            `json:"priority"` // default 10, lower runs first
	Delay    int64          `json:"delay"`    // ms from now
	Attempts int            `json:"attempts"` // default 1
	Backoff  *BackoffConfig `json:"backoff,omitempty"`
	Repeat   *RepeatConfig  `json:"repeat,omitempty"`
}

// DefaultAddOptions mirrors the Producer API defaults in spec §6.
func DefaultAddOptions() AddOptions {
	return AddOptions{
		Priority: 10,
		Attempts: 1,
	}
}

// Job is the client-side reconstruction of a job hash (spec §3).
type Job struct {
	ID       string          `json:"id"`
	Data     json.RawMessage `json:"data"`
	State    State           `json:"state"`
	Priority int             `json:"priority"`

	RetryCount  int `json:"retry_count"`
	MaxAttempts int `json:"max_attempts"`

	AddedAt     time.Time  `json:"added_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`

	Error    string `json:"error,omitempty"`
	Progress string `json:"progress,omitempty"`

	Backoff *BackoffConfig `json:"backoff,omitempty"`
	Repeat  *RepeatConfig  `json:"repeat,omitempty"`
	RepeatCount int        `json:"repeat_count,omitempty"`

	LockOwner string `json:"lock_owner,omitempty"`

	DelayedMeta       string `json:"delayed_meta,omitempty"`
	DelayedReason     string `json:"delayed_reason,omitempty"`
	RateLimitResetAt  int64  `json:"rate_limit_reset_at,omitempty"`
}

// AttemptsMade is the retry resolver's "attemptsMade" per spec §4.7:
// RetryCount + 1.
func (j *Job) AttemptsMade() int {
	return j.RetryCount + 1
}

// CompositeScore computes the waiting-set ordering key from spec §3:
// priority * 10^13 + scheduledEpochMs. The multiplier keeps priority the
// dominant term for any millisecond-granular epoch.
const PriorityMultiplier = int64(1e13)

func CompositeScore(priority int, scheduledEpochMs int64) float64 {
	return float64(int64(priority)*PriorityMultiplier + scheduledEpochMs)
}
