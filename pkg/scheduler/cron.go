package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions (spec's repeat config
// supplements the plain `every` interval with a cron expression per
// SPEC_FULL.md §11.1, grounded on the teacher's own use of
// github.com/robfig/cron/v3 for schedule parsing).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextCronRun computes the next run time after fromMs for a five-field
// cron expression. The worker loop calls this when a completed job's
// Repeat.Cron is set, passing the result to MarkAsCompleted as
// forcedNextRunAt so the store-side script never has to parse cron itself
// (the same "caller computes, script applies" split spec §4.7 uses for
// forcedNextAttempt).
func NextCronRun(expr string, fromMs int64) (int64, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return 0, err
	}
	next := schedule.Next(time.UnixMilli(fromMs))
	return next.UnixMilli(), nil
}
