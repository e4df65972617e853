package scheduler

import (
	"fmt"
	"time"

	"github.com/telemetryops/tslc/pkg/policy"
)

// JobState is the lifecycle state of a job record
type JobState string

// Job states. A job moves Idle -> Running -> Idle on success, or
// Idle -> Running -> PendingRetry -> Running on failure.
const (
	JobIdle         JobState = "idle"
	JobRunning      JobState = "running"
	JobPendingRetry JobState = "pending_retry"
)

// Status labels for the last completed run
const (
	statusSuccess = "success"
	statusFailed  = "failed"
)

// Job is one recurring lifecycle job. At most one job exists per
// (hypertable, kind) pair, plus one per continuous aggregate. Job records are
// owned exclusively by the scheduler loop.
type Job struct {
	ID         string
	Hypertable string
	Kind       policy.Kind
	Aggregate  string
	Schedule   policy.JobSchedule

	State         JobState
	NextStart     time.Time
	Runs          uint64
	Successes     uint64
	Failures      uint64
	FailureStreak int
	LastStatus    string
	LastError     string
	LastRun       time.Time

	// startedAt and deadline track the in-flight run; deadline includes the
	// grace period after max_runtime at which a run with no reported result is
	// declared lost
	startedAt time.Time
	deadline  time.Time
}

// JobID builds the canonical identifier for a job. Aggregate jobs carry the
// aggregate name so multiple rollups over one hypertable stay distinct.
func JobID(table string, kind policy.Kind, aggregate string) string {
	if kind == policy.KindAggregate {
		return fmt.Sprintf("%s:%s:%s", table, kind, aggregate)
	}

	return fmt.Sprintf("%s:%s", table, kind)
}

// due reports whether the job should be dispatched at now
func (j *Job) due(now time.Time) bool {
	return j.State != JobRunning && !j.NextStart.After(now)
}

// completeSuccess advances the normal schedule and resets the failure streak.
// A long-overdue job advances past now in one step instead of replaying every
// missed interval.
func (j *Job) completeSuccess(now time.Time) {
	j.Runs++
	j.Successes++
	j.FailureStreak = 0
	j.State = JobIdle
	j.LastStatus = statusSuccess
	j.LastError = ""
	j.LastRun = j.startedAt

	j.NextStart = advance(j.NextStart, j.Schedule.ScheduleInterval, now)
}

// completeFailure schedules a retry at now + retry_period without advancing
// the normal schedule. The retry never lands after the next normal run, so a
// failing job keeps at least its regular cadence.
func (j *Job) completeFailure(now time.Time, runErr error) {
	j.Runs++
	j.Failures++
	j.FailureStreak++
	j.State = JobPendingRetry
	j.LastStatus = statusFailed
	j.LastError = runErr.Error()
	j.LastRun = j.startedAt

	retry := now.Add(j.Schedule.RetryPeriod)
	if normal := advance(j.NextStart, j.Schedule.ScheduleInterval, now); normal.Before(retry) {
		retry = normal
	}

	j.NextStart = retry
}

// advance steps from past interval boundaries until the result is after now
func advance(from time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		return now
	}

	next := from.Add(interval)
	if next.After(now) {
		return next
	}

	// Snap forward in one arithmetic step rather than looping
	missed := now.Sub(next)/interval + 1

	return next.Add(missed * interval)
}

// jobRecord is the persisted portion of a job, stored in Redis so restarts
// resume next_start instead of re-running everything immediately
type jobRecord struct {
	NextStart     time.Time `json:"next_start"`
	State         JobState  `json:"state"`
	Runs          uint64    `json:"runs"`
	Successes     uint64    `json:"successes"`
	Failures      uint64    `json:"failures"`
	FailureStreak int       `json:"failure_streak"`
	LastStatus    string    `json:"last_status,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastRun       time.Time `json:"last_run,omitempty"`
}

func (j *Job) record() jobRecord {
	return jobRecord{
		NextStart:     j.NextStart,
		State:         j.State,
		Runs:          j.Runs,
		Successes:     j.Successes,
		Failures:      j.Failures,
		FailureStreak: j.FailureStreak,
		LastStatus:    j.LastStatus,
		LastError:     j.LastError,
		LastRun:       j.LastRun,
	}
}

// hydrate restores persisted state onto a freshly discovered job. A record
// left in Running belongs to a run owned by a previous process; it is demoted
// to Idle and the run is re-dispatched on schedule, which is safe because
// every job action is idempotent.
func (j *Job) hydrate(rec *jobRecord) {
	j.NextStart = rec.NextStart
	j.State = rec.State
	j.Runs = rec.Runs
	j.Successes = rec.Successes
	j.Failures = rec.Failures
	j.FailureStreak = rec.FailureStreak
	j.LastStatus = rec.LastStatus
	j.LastError = rec.LastError
	j.LastRun = rec.LastRun

	if j.State == JobRunning {
		j.State = JobIdle
	}
}

// kindRank orders same-tick dispatch: compression before retention, both
// before aggregate refresh
func kindRank(kind policy.Kind) int {
	switch kind {
	case policy.KindCompression:
		return 0
	case policy.KindRetention:
		return 1
	case policy.KindAggregate:
		return 2
	default:
		return 3
	}
}
