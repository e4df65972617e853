package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/telemetryops/tslc/pkg/policy"
)

// Task type names routed on the queue
const (
	TaskCompression = "lifecycle:compression"
	TaskRetention   = "lifecycle:retention"
	TaskAggregate   = "lifecycle:aggregate"
)

// taskPayload carries everything a handler needs to run one job instance.
// Now is the dispatching tick's clock so eligibility cutoffs and refresh
// windows are computed against the same instant the schedule fired on.
type taskPayload struct {
	JobID      string    `json:"job_id"`
	Hypertable string    `json:"hypertable"`
	Aggregate  string    `json:"aggregate,omitempty"`
	Now        time.Time `json:"now"`
}

func taskTypeFor(kind policy.Kind) string {
	switch kind {
	case policy.KindCompression:
		return TaskCompression
	case policy.KindRetention:
		return TaskRetention
	case policy.KindAggregate:
		return TaskAggregate
	default:
		return "lifecycle:" + string(kind)
	}
}

// parseScheduleInterval converts a cron schedule string to a duration.
// Supports @every format directly; standard cron expressions are reduced to
// the gap between two consecutive fire times.
func parseScheduleInterval(schedule string) (time.Duration, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	sched, err := parser.Parse(schedule)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule format: %w", err)
	}

	if len(schedule) > 7 && schedule[:6] == "@every" {
		duration, err := time.ParseDuration(schedule[7:])
		if err != nil {
			return 0, fmt.Errorf("failed to parse @every duration: %w", err)
		}

		return duration, nil
	}

	now := time.Now()
	next1 := sched.Next(now)
	next2 := sched.Next(next1)

	return next2.Sub(next1), nil
}
