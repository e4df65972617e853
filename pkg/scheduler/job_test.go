package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/telemetryops/tslc/pkg/policy"
)

func testSchedule() policy.JobSchedule {
	return policy.JobSchedule{
		ScheduleInterval: time.Hour,
		MaxRuntime:       5 * time.Minute,
		RetryPeriod:      5 * time.Minute,
	}
}

func TestJobID(t *testing.T) {
	assert.Equal(t, "metric_hist:compression", JobID("metric_hist", policy.KindCompression, ""))
	assert.Equal(t, "metric_hist:retention", JobID("metric_hist", policy.KindRetention, ""))
	assert.Equal(t, "metric_hist:aggregate:metric_hist_1m", JobID("metric_hist", policy.KindAggregate, "metric_hist_1m"))
}

func TestAdvance(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("single step when on schedule", func(t *testing.T) {
		next := advance(base, time.Hour, base.Add(time.Minute))
		assert.Equal(t, base.Add(time.Hour), next)
	})

	t.Run("snaps past missed intervals", func(t *testing.T) {
		// Five hours overdue: the schedule catches up in one step instead of
		// replaying every missed run
		next := advance(base, time.Hour, base.Add(5*time.Hour+30*time.Minute))
		assert.Equal(t, base.Add(6*time.Hour), next)
	})
}

func TestCompleteSuccess(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC)

	job := &Job{
		ID:            "metric_hist:compression",
		Kind:          policy.KindCompression,
		Schedule:      testSchedule(),
		State:         JobRunning,
		NextStart:     now.Add(-30 * time.Second),
		FailureStreak: 3,
		startedAt:     now.Add(-10 * time.Second),
	}

	job.completeSuccess(now)

	assert.Equal(t, JobIdle, job.State)
	assert.Equal(t, uint64(1), job.Runs)
	assert.Equal(t, uint64(1), job.Successes)
	assert.Zero(t, job.FailureStreak, "success resets the failure streak")
	assert.Equal(t, statusSuccess, job.LastStatus)
	assert.Equal(t, now.Add(-30*time.Second).Add(time.Hour), job.NextStart)
}

func TestCompleteFailure(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("retry period sooner than next normal run", func(t *testing.T) {
		job := &Job{
			Schedule:  testSchedule(),
			State:     JobRunning,
			NextStart: now.Add(-time.Second),
			startedAt: now.Add(-time.Minute),
		}

		job.completeFailure(now, errors.New("chunk scan failed"))

		assert.Equal(t, JobPendingRetry, job.State)
		assert.Equal(t, now.Add(5*time.Minute), job.NextStart)
		assert.Equal(t, uint64(1), job.Failures)
		assert.Equal(t, 1, job.FailureStreak)
		assert.Equal(t, "chunk scan failed", job.LastError)
	})

	t.Run("retry never lands after the next normal run", func(t *testing.T) {
		sched := testSchedule()
		sched.ScheduleInterval = time.Minute
		sched.RetryPeriod = 10 * time.Minute

		job := &Job{
			Schedule:  sched,
			State:     JobRunning,
			NextStart: now.Add(-time.Second),
			startedAt: now.Add(-time.Second),
		}

		job.completeFailure(now, errors.New("boom"))

		// now + 10m would skip nine normal runs; the cap keeps the regular
		// cadence instead
		assert.Equal(t, now.Add(-time.Second).Add(time.Minute), job.NextStart)
	})

	t.Run("streak accumulates across failures", func(t *testing.T) {
		job := &Job{
			Schedule:  testSchedule(),
			NextStart: now,
			startedAt: now,
		}

		job.completeFailure(now, errors.New("first"))
		job.completeFailure(now.Add(5*time.Minute), errors.New("second"))

		assert.Equal(t, 2, job.FailureStreak)
		assert.Equal(t, uint64(2), job.Failures)
		assert.Equal(t, "second", job.LastError)
	})
}

func TestDue(t *testing.T) {
	now := time.Now().UTC()

	job := &Job{State: JobIdle, NextStart: now.Add(-time.Second)}
	assert.True(t, job.due(now))

	job.NextStart = now.Add(time.Second)
	assert.False(t, job.due(now))

	job.NextStart = now.Add(-time.Second)
	job.State = JobRunning
	assert.False(t, job.due(now), "a running job is never re-dispatched")

	job.State = JobPendingRetry
	assert.True(t, job.due(now), "a pending retry dispatches once its retry time passes")
}

func TestHydrate(t *testing.T) {
	job := &Job{ID: "metric_hist:retention", Kind: policy.KindRetention, Schedule: testSchedule()}

	next := time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC)
	job.hydrate(&jobRecord{
		NextStart:     next,
		State:         JobRunning,
		Runs:          7,
		Successes:     5,
		Failures:      2,
		FailureStreak: 2,
		LastStatus:    statusFailed,
		LastError:     "engine unreachable",
	})

	assert.Equal(t, next, job.NextStart)
	assert.Equal(t, JobIdle, job.State, "a run owned by a dead process is abandoned")
	assert.Equal(t, uint64(7), job.Runs)
	assert.Equal(t, 2, job.FailureStreak)
	assert.Equal(t, "engine unreachable", job.LastError)
}

func TestKindRank(t *testing.T) {
	assert.Less(t, kindRank(policy.KindCompression), kindRank(policy.KindRetention),
		"compression dispatches before retention on the same tick")
	assert.Less(t, kindRank(policy.KindRetention), kindRank(policy.KindAggregate))
}
