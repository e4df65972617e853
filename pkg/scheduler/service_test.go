package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetryops/tslc/internal/testutil"
	"github.com/telemetryops/tslc/pkg/aggregate"
	"github.com/telemetryops/tslc/pkg/catalog"
	"github.com/telemetryops/tslc/pkg/compression"
	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/policy"
	"github.com/telemetryops/tslc/pkg/retention"
)

func rollupSpec() policy.AggregateSpec {
	return policy.AggregateSpec{
		Name:        "metric_hist_1m",
		Hypertable:  "metric_hist",
		BucketWidth: time.Minute,
		Aggregates:  []policy.AggregateExpr{{Func: policy.AggCount}},
		StartOffset: 30 * time.Minute,
		EndOffset:   time.Minute,
		Schedule: policy.JobSchedule{
			ScheduleInterval: time.Minute,
			MaxRuntime:       time.Minute,
			RetryPeriod:      30 * time.Second,
		},
	}
}

// newTestScheduler wires a scheduler over an in-memory engine with all three
// policy kinds configured. The run loop is not started; tests drive the
// internal methods directly so time stays under their control.
func newTestScheduler(t *testing.T) *service {
	t.Helper()

	mr := testutil.NewMiniredis(t)
	redisOpt := &redis.Options{Addr: mr.Addr()}

	eng := testutil.NewLocalEngine(t)
	ctx := context.Background()

	_, err := eng.CreateHypertable(ctx, testutil.MetricHistSpec())
	require.NoError(t, err)
	_, err = eng.SetCompressionPolicy(ctx, testutil.MetricHistCompression())
	require.NoError(t, err)
	_, err = eng.SetRetentionPolicy(ctx, testutil.MetricHistRetention())
	require.NoError(t, err)
	_, err = eng.CreateAggregate(ctx, rollupSpec())
	require.NoError(t, err)

	log := testutil.NewLogger(t)

	cat := catalog.NewService(log, eng)
	require.NoError(t, cat.Start(ctx))

	comp := compression.NewService(log, eng, cat, 1)
	require.NoError(t, comp.Start(ctx))

	cfg := &Config{
		Concurrency:     1,
		Queue:           "tslc:lifecycle",
		TickInterval:    time.Second,
		SyncInterval:    time.Minute,
		Cleanup:         "@every 10m",
		ShutdownTimeout: time.Second,
	}

	svc, err := NewService(log, cfg, redisOpt, eng, comp, retention.NewService(log, eng, cat), aggregate.NewService(log, eng))
	require.NoError(t, err)

	s, ok := svc.(*service)
	require.True(t, ok)

	t.Cleanup(func() {
		require.NoError(t, comp.Stop())
		require.NoError(t, s.queueClient.Close())
		require.NoError(t, s.tracker.Close())
		require.NoError(t, s.elector.Stop())
	})

	return s
}

func TestSyncJobsDerivesJobsFromPolicies(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.syncJobs(ctx, now)

	require.Len(t, s.jobs, 3)

	ordered := s.orderedJobs()
	kinds := make([]policy.Kind, 0, len(ordered))
	for _, job := range ordered {
		kinds = append(kinds, job.Kind)
	}

	assert.Equal(t, []policy.Kind{policy.KindCompression, policy.KindRetention, policy.KindAggregate}, kinds)

	comp := s.jobs["metric_hist:compression"]
	require.NotNil(t, comp)
	assert.Equal(t, JobIdle, comp.State)
	assert.Equal(t, now, comp.NextStart, "a newly registered job is due immediately")

	agg := s.jobs["metric_hist:aggregate:metric_hist_1m"]
	require.NotNil(t, agg)
	assert.Equal(t, "metric_hist_1m", agg.Aggregate)
	assert.Equal(t, time.Minute, agg.Schedule.ScheduleInterval)
}

func TestSyncJobsHydratesPersistedState(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	next := now.Add(45 * time.Minute)
	require.NoError(t, s.tracker.Save(ctx, "metric_hist:compression", jobRecord{
		NextStart:     next,
		State:         JobRunning,
		Runs:          9,
		Successes:     8,
		Failures:      1,
		FailureStreak: 1,
	}))

	s.syncJobs(ctx, now)

	job := s.jobs["metric_hist:compression"]
	require.NotNil(t, job)
	assert.Equal(t, next, job.NextStart, "restart resumes the persisted schedule")
	assert.Equal(t, JobIdle, job.State)
	assert.Equal(t, uint64(9), job.Runs)
	assert.Equal(t, 1, job.FailureStreak)
}

func TestSyncJobsRemovesUnbackedJobs(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.syncJobs(ctx, now)
	require.Len(t, s.jobs, 3)

	// A job whose policy no longer exists disappears along with its record
	stale := &Job{ID: "gone_table:retention", Hypertable: "gone_table", Kind: policy.KindRetention}
	s.jobs[stale.ID] = stale
	require.NoError(t, s.tracker.Save(ctx, stale.ID, stale.record()))

	s.syncJobs(ctx, now.Add(time.Second))

	assert.NotContains(t, s.jobs, stale.ID)

	rec, err := s.tracker.Load(ctx, stale.ID)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCleanupOrphansKeepsLiveRecords(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.syncJobs(ctx, now)
	require.NoError(t, s.tracker.Save(ctx, "metric_hist:compression", jobRecord{State: JobIdle}))
	require.NoError(t, s.tracker.Save(ctx, "abandoned:compression", jobRecord{State: JobIdle}))

	s.cleanupOrphans(ctx)

	live, err := s.tracker.Load(ctx, "metric_hist:compression")
	require.NoError(t, err)
	assert.NotNil(t, live)

	orphan, err := s.tracker.Load(ctx, "abandoned:compression")
	require.NoError(t, err)
	assert.Nil(t, orphan)
}

func TestDispatchTracksRunningInstance(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.syncJobs(ctx, now)

	job := s.jobs["metric_hist:compression"]
	require.NotNil(t, job)

	require.NoError(t, s.dispatch(ctx, job, now, triggerSchedule))
	assert.Equal(t, JobRunning, job.State)
	assert.Equal(t, now.Add(job.Schedule.MaxRuntime).Add(lostRunGrace), job.deadline)

	// A second dispatch hits the TaskID guard: no duplicate task, the job
	// keeps tracking the queued instance
	job.State = JobIdle
	require.NoError(t, s.dispatch(ctx, job, now.Add(time.Second), triggerSchedule))
	assert.Equal(t, JobRunning, job.State)
}

func TestTickDispatchesDueJobs(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.syncJobs(ctx, now)
	s.tick(ctx, now)

	for id, job := range s.jobs {
		assert.Equalf(t, JobRunning, job.State, "job %s should have dispatched", id)
	}
}

func TestTickDeclaresLostRun(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := &Job{
		ID:         "metric_hist:compression",
		Hypertable: "metric_hist",
		Kind:       policy.KindCompression,
		Schedule:   testSchedule(),
		State:      JobRunning,
		NextStart:  now.Add(-time.Hour),
		startedAt:  now.Add(-time.Hour),
		deadline:   now.Add(-time.Minute),
	}
	s.jobs[job.ID] = job

	s.tick(ctx, now)

	assert.Equal(t, JobPendingRetry, job.State)
	assert.Equal(t, uint64(1), job.Failures)
	assert.Contains(t, job.LastError, "lost")
}

func TestFinishJobRetryThenRecovery(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.syncJobs(ctx, now)

	job := s.jobs["metric_hist:aggregate:metric_hist_1m"]
	require.NotNil(t, job)
	require.NoError(t, s.dispatch(ctx, job, now, triggerSchedule))

	failedAt := now.Add(10 * time.Second)
	s.finishJob(ctx, job, errors.New("materialize failed"), failedAt)

	assert.Equal(t, JobPendingRetry, job.State)
	assert.Equal(t, failedAt.Add(job.Schedule.RetryPeriod), job.NextStart)

	rec, err := s.tracker.Load(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, JobPendingRetry, rec.State)
	assert.Equal(t, uint64(1), rec.Failures)

	// The retry succeeds and the job returns to its normal cadence
	retryAt := job.NextStart
	require.True(t, job.due(retryAt))

	job.State = JobRunning
	job.startedAt = retryAt
	s.finishJob(ctx, job, nil, retryAt.Add(time.Second))

	assert.Equal(t, JobIdle, job.State)
	assert.Zero(t, job.FailureStreak)
	assert.Equal(t, uint64(1), job.Successes)
	assert.True(t, job.NextStart.After(retryAt))
}

func TestHandlersReportResults(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()

	t.Run("compression result", func(t *testing.T) {
		payload, err := json.Marshal(taskPayload{
			JobID:      "metric_hist:compression",
			Hypertable: "metric_hist",
			Now:        time.Now().UTC(),
		})
		require.NoError(t, err)

		require.NoError(t, s.handleCompression(ctx, asynq.NewTask(TaskCompression, payload)))

		select {
		case res := <-s.results:
			assert.Equal(t, "metric_hist:compression", res.jobID)
			assert.NoError(t, res.err)
		case <-time.After(time.Second):
			t.Fatal("no result reported")
		}
	})

	t.Run("aggregate failure is reported, not swallowed", func(t *testing.T) {
		payload, err := json.Marshal(taskPayload{
			JobID:      "metric_hist:aggregate:missing",
			Hypertable: "metric_hist",
			Aggregate:  "missing",
			Now:        time.Now().UTC(),
		})
		require.NoError(t, err)

		err = s.handleAggregate(ctx, asynq.NewTask(TaskAggregate, payload))
		require.ErrorIs(t, err, engine.ErrAggregateNotFound)

		select {
		case res := <-s.results:
			assert.Equal(t, "metric_hist:aggregate:missing", res.jobID)
			assert.ErrorIs(t, res.err, engine.ErrAggregateNotFound)
		case <-time.After(time.Second):
			t.Fatal("no result reported")
		}
	})
}

func TestJobsSnapshotAndRunNow(t *testing.T) {
	s := newTestScheduler(t)

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()

	s.syncJobs(ctx, now)

	s.wg.Add(1)
	go s.run(ctx)

	defer func() {
		cancel()
		s.wg.Wait()
	}()

	jobs, err := s.Jobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	require.NoError(t, s.RunNow(context.Background(), "metric_hist:retention"))

	err = s.RunNow(context.Background(), "nope:retention")
	assert.ErrorIs(t, err, ErrJobNotFound)

	jobs, err = s.Jobs(context.Background())
	require.NoError(t, err)

	for _, job := range jobs {
		if job.ID == "metric_hist:retention" {
			assert.Equal(t, JobRunning, job.State)
		}
	}
}
