// Package metrics holds the Prometheus series for the reliability engine.
// The script set, fetch protocol, rate limiter, scheduler, stalled recovery,
// and worker loop each record through here using promauto for automatic
// registration with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// --- Job lifecycle ---

	JobsAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodiak",
			Subsystem: "jobs",
			Name:      "added_total",
			Help:      "Total number of jobs added, by queue and initial state",
		},
		[]string{"queue", "state"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodiak",
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Total number of jobs that reached state=completed",
		},
		[]string{"queue"},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodiak",
			Subsystem: "jobs",
			Name:      "failed_total",
			Help:      "Total number of jobs that reached state=failed (attempts exhausted)",
		},
		[]string{"queue"},
	)

	JobsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodiak",
			Subsystem: "jobs",
			Name:      "retried_total",
			Help:      "Total number of jobs rescheduled into delayed after a failed attempt or a recurring completion",
		},
		[]string{"queue"},
	)

	JobsPromoted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodiak",
			Subsystem: "jobs",
			Name:      "promoted_total",
			Help:      "Total number of delayed jobs promoted to waiting",
		},
		[]string{"queue"},
	)

	JobsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodiak",
			Subsystem: "jobs",
			Name:      "recovered_total",
			Help:      "Total number of stalled jobs recovered from active back to waiting",
		},
		[]string{"queue"},
	)

	JobsCorrupt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodiak",
			Subsystem: "jobs",
			Name:      "corrupt_total",
			Help:      "Total number of job hashes skipped for missing data",
		},
		[]string{"queue"},
	)

	// --- Fetch protocol ---

	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kodiak",
			Subsystem: "fetch",
			Name:      "latency_seconds",
			Help:      "Latency of a fetchNext/fetchNextJobs call",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"queue", "mode"},
	)

	FetchEmpty = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodiak",
			Subsystem: "fetch",
			Name:      "empty_total",
			Help:      "Total number of fetch calls that returned no job",
		},
		[]string{"queue"},
	)

	// --- Rate limiter ---

	RateLimitAllowed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodiak",
			Subsystem: "ratelimit",
			Name:      "allowed_total",
			Help:      "Total number of rate limiter admissions",
		},
		[]string{"queue", "mode"},
	)

	RateLimitDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodiak",
			Subsystem: "ratelimit",
			Name:      "denied_total",
			Help:      "Total number of rate limiter denials",
		},
		[]string{"queue", "mode", "policy"},
	)

	RateLimitFailOpen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodiak",
			Subsystem: "ratelimit",
			Name:      "fail_open_total",
			Help:      "Total number of times the limiter script errored and processing continued",
		},
		[]string{"queue"},
	)

	// --- Worker loop ---

	ActiveLocks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kodiak",
			Subsystem: "worker",
			Name:      "active_locks",
			Help:      "Number of jobs currently held by this process's worker slots",
		},
		[]string{"queue"},
	)

	HeartbeatsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodiak",
			Subsystem: "worker",
			Name:      "heartbeats_total",
			Help:      "Total number of lock-extension heartbeats sent",
		},
		[]string{"queue"},
	)

	HeartbeatFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodiak",
			Subsystem: "worker",
			Name:      "heartbeat_failures_total",
			Help:      "Total number of lock-extension heartbeats that failed",
		},
		[]string{"queue"},
	)

	ProcessorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kodiak",
			Subsystem: "worker",
			Name:      "processor_duration_seconds",
			Help:      "Duration of user processor invocations",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		},
		[]string{"queue", "outcome"},
	)
)
