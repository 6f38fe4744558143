package store

import (
	_ "embed"

	"github.com/redis/go-redis/v9"
)

//go:embed lua/add_job.lua
var addJobSrc string

//go:embed lua/move_job.lua
var moveJobSrc string

//go:embed lua/move_to_active.lua
var moveToActiveSrc string

//go:embed lua/complete_job.lua
var completeJobSrc string

//go:embed lua/fail_job.lua
var failJobSrc string

//go:embed lua/promote_delayed_jobs.lua
var promoteDelayedJobsSrc string

//go:embed lua/recover_stalled_jobs.lua
var recoverStalledJobsSrc string

//go:embed lua/extend_lock.lua
var extendLockSrc string

//go:embed lua/update_progress.lua
var updateProgressSrc string

//go:embed lua/move_waiting_to_delayed.lua
var moveWaitingToDelayedSrc string

// scripts bundles the script set (spec §4.1) as go-redis *Script values,
// each of which handles the EVALSHA/EVAL fallback transparently.
type scripts struct {
	addJob              *redis.Script
	moveJob             *redis.Script
	moveToActive        *redis.Script
	completeJob         *redis.Script
	failJob             *redis.Script
	promoteDelayedJobs  *redis.Script
	recoverStalledJobs  *redis.Script
	extendLock          *redis.Script
	updateProgress      *redis.Script
	moveWaitingToDelayed *redis.Script
}

func newScripts() *scripts {
	return &scripts{
		addJob:               redis.NewScript(addJobSrc),
		moveJob:              redis.NewScript(moveJobSrc),
		moveToActive:         redis.NewScript(moveToActiveSrc),
		completeJob:          redis.NewScript(completeJobSrc),
		failJob:              redis.NewScript(failJobSrc),
		promoteDelayedJobs:   redis.NewScript(promoteDelayedJobsSrc),
		recoverStalledJobs:   redis.NewScript(recoverStalledJobsSrc),
		extendLock:           redis.NewScript(extendLockSrc),
		updateProgress:       redis.NewScript(updateProgressSrc),
		moveWaitingToDelayed: redis.NewScript(moveWaitingToDelayedSrc),
	}
}
