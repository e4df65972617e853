package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/telemetryops/tslc/pkg/aggregate"
	"github.com/telemetryops/tslc/pkg/compression"
	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/observability"
	"github.com/telemetryops/tslc/pkg/policy"
	tslcredis "github.com/telemetryops/tslc/pkg/redis"
	"github.com/telemetryops/tslc/pkg/retention"
)

// lostRunGrace is how long past max_runtime a dispatched run may stay silent
// before the scheduler declares it lost and schedules a retry
const lostRunGrace = 30 * time.Second

// Dispatch trigger labels
const (
	triggerSchedule = "schedule"
	triggerRetry    = "retry"
	triggerManual   = "manual"
)

var (
	// ErrJobNotFound is returned when a job ID is not registered
	ErrJobNotFound = errors.New("job not found")
	// ErrSchedulerStopped is returned when the scheduler is no longer running
	ErrSchedulerStopped = errors.New("scheduler stopped")
	// ErrRunLost is recorded when a dispatched run never reports a result
	ErrRunLost = errors.New("job run lost: no result before deadline")
)

// Service is the job scheduler. Jobs are derived from the policies stored in
// the engine: one per (hypertable, compression), one per (hypertable,
// retention), one per continuous aggregate. Only the leader dispatches.
type Service interface {
	// Start begins leader election, the task server, and the scheduler loop
	Start(ctx context.Context) error
	// Stop gracefully shuts everything down
	Stop() error

	// IsLeader reports whether this instance holds the scheduler lease
	IsLeader() bool

	// Jobs returns a snapshot of every job record
	Jobs(ctx context.Context) ([]Job, error)
	// RunNow dispatches a job immediately regardless of its schedule
	RunNow(ctx context.Context, jobID string) error
}

type jobResult struct {
	jobID    string
	err      error
	finished time.Time
}

type service struct {
	log logrus.FieldLogger
	cfg *Config

	engine      engine.Engine
	compression compression.Service
	retention   retention.Service
	aggregate   aggregate.Service

	elector LeaderElector
	tracker jobTracker

	redisOpt    *redis.Options
	queueClient *asynq.Client
	asynqServer *asynq.Server

	// jobs is owned exclusively by the run loop; everything else reaches it
	// through the commands channel
	jobs     map[string]*Job
	results  chan jobResult
	commands chan func(context.Context)

	lastSync        time.Time
	lastCleanup     time.Time
	cleanupInterval time.Duration

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a scheduler over the given engine and managers
func NewService(
	log logrus.FieldLogger,
	cfg *Config,
	redisOpt *redis.Options,
	eng engine.Engine,
	comp compression.Service,
	ret retention.Service,
	agg aggregate.Service,
) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cleanupInterval, err := parseScheduleInterval(cfg.Cleanup)
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule: %w", err)
	}

	return &service{
		log:             log.WithField("service", "scheduler"),
		cfg:             cfg,
		engine:          eng,
		compression:     comp,
		retention:       ret,
		aggregate:       agg,
		elector:         NewLeaderElector(log, redisOpt),
		tracker:         newJobTracker(log, redis.NewClient(redisOpt)),
		redisOpt:        redisOpt,
		queueClient:     asynq.NewClient(tslcredis.NewAsynqRedisOptions(redisOpt)),
		jobs:            make(map[string]*Job),
		results:         make(chan jobResult, 64),
		commands:        make(chan func(context.Context)),
		cleanupInterval: cleanupInterval,
		done:            make(chan struct{}),
	}, nil
}

func (s *service) Start(ctx context.Context) error {
	s.log.Info("Starting scheduler service")

	if err := s.elector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start leader election: %w", err)
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskCompression, s.handleCompression)
	mux.HandleFunc(TaskRetention, s.handleRetention)
	mux.HandleFunc(TaskAggregate, s.handleAggregate)

	s.asynqServer = asynq.NewServer(tslcredis.NewAsynqRedisOptions(s.redisOpt), asynq.Config{
		Concurrency:     s.cfg.Concurrency,
		Queues:          map[string]int{s.cfg.Queue: 1},
		ShutdownTimeout: s.cfg.ShutdownTimeout,
	})

	if err := s.asynqServer.Start(mux); err != nil {
		return fmt.Errorf("failed to start task server: %w", err)
	}

	s.wg.Add(1)
	go s.run(ctx)

	s.log.WithFields(logrus.Fields{
		"concurrency":   s.cfg.Concurrency,
		"queue":         s.cfg.Queue,
		"tick_interval": s.cfg.TickInterval,
	}).Info("Scheduler service started")

	return nil
}

func (s *service) Stop() error {
	s.log.Info("Stopping scheduler service")

	// Server first so in-flight handlers finish and report while the loop is
	// still draining results
	if s.asynqServer != nil {
		s.asynqServer.Shutdown()
	}

	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	if err := s.elector.Stop(); err != nil {
		s.log.WithError(err).Warn("Failed to stop leader elector")
	}

	if err := s.queueClient.Close(); err != nil {
		s.log.WithError(err).Warn("Failed to close queue client")
	}

	if err := s.tracker.Close(); err != nil {
		s.log.WithError(err).Warn("Failed to close job tracker")
	}

	s.log.Info("Scheduler service stopped")

	return nil
}

func (s *service) IsLeader() bool {
	return s.elector.IsLeader()
}

func (s *service) Jobs(ctx context.Context) ([]Job, error) {
	out := make(chan []Job, 1)

	err := s.send(ctx, func(context.Context) {
		snapshot := make([]Job, 0, len(s.jobs))
		for _, job := range s.orderedJobs() {
			snapshot = append(snapshot, *job)
		}
		out <- snapshot
	})
	if err != nil {
		return nil, err
	}

	select {
	case jobs := <-out:
		return jobs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSchedulerStopped
	}
}

func (s *service) RunNow(ctx context.Context, jobID string) error {
	out := make(chan error, 1)

	err := s.send(ctx, func(cmdCtx context.Context) {
		job, ok := s.jobs[jobID]
		if !ok {
			out <- fmt.Errorf("%w: %s", ErrJobNotFound, jobID)

			return
		}

		out <- s.dispatch(cmdCtx, job, time.Now().UTC(), triggerManual)
	})
	if err != nil {
		return err
	}

	select {
	case err := <-out:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSchedulerStopped
	}
}

// send hands a closure to the run loop, which executes it with exclusive
// access to the job map
func (s *service) send(ctx context.Context, cmd func(context.Context)) error {
	select {
	case s.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSchedulerStopped
	}
}

func (s *service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return

		case <-ctx.Done():
			return

		case res := <-s.results:
			s.applyResult(ctx, res)

		case cmd := <-s.commands:
			cmd(ctx)

		case <-ticker.C:
			if !s.elector.IsLeader() {
				continue
			}

			now := time.Now().UTC()

			if now.Sub(s.lastSync) >= s.cfg.SyncInterval {
				s.syncJobs(ctx, now)
			}

			if !s.lastSync.IsZero() && now.Sub(s.lastCleanup) >= s.cleanupInterval {
				s.cleanupOrphans(ctx)
				s.lastCleanup = now
			}

			s.tick(ctx, now)
		}
	}
}

// desiredJobs derives the job set from the policies currently stored in the
// engine
func (s *service) desiredJobs(ctx context.Context) ([]*Job, error) {
	tables, err := s.engine.ListHypertables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list hypertables: %w", err)
	}

	var jobs []*Job

	for i := range tables {
		name := tables[i].Name

		cp, err := s.engine.GetCompressionPolicy(ctx, name)
		if err != nil {
			return nil, err
		}

		if cp != nil {
			jobs = append(jobs, &Job{
				ID:         JobID(name, policy.KindCompression, ""),
				Hypertable: name,
				Kind:       policy.KindCompression,
				Schedule:   cp.Schedule,
				State:      JobIdle,
			})
		}

		rp, err := s.engine.GetRetentionPolicy(ctx, name)
		if err != nil {
			return nil, err
		}

		if rp != nil {
			jobs = append(jobs, &Job{
				ID:         JobID(name, policy.KindRetention, ""),
				Hypertable: name,
				Kind:       policy.KindRetention,
				Schedule:   rp.Schedule,
				State:      JobIdle,
			})
		}

		aggs, err := s.engine.ListAggregates(ctx, name)
		if err != nil {
			return nil, err
		}

		for j := range aggs {
			jobs = append(jobs, &Job{
				ID:         JobID(name, policy.KindAggregate, aggs[j].Name),
				Hypertable: name,
				Kind:       policy.KindAggregate,
				Aggregate:  aggs[j].Name,
				Schedule:   aggs[j].Schedule,
				State:      JobIdle,
			})
		}
	}

	return jobs, nil
}

// syncJobs reconciles the in-memory job set against the engine's policies.
// New jobs hydrate persisted state from the tracker; jobs whose policy was
// removed are dropped along with their tracker record.
func (s *service) syncJobs(ctx context.Context, now time.Time) {
	desired, err := s.desiredJobs(ctx)
	if err != nil {
		observability.RecordError("scheduler", "sync")
		s.log.WithError(err).Warn("Failed to sync jobs, keeping current set")

		return
	}

	seen := make(map[string]struct{}, len(desired))

	var registered, updated, removed int

	for _, d := range desired {
		seen[d.ID] = struct{}{}

		if existing, ok := s.jobs[d.ID]; ok {
			if existing.Schedule != d.Schedule {
				existing.Schedule = d.Schedule
				updated++
			}

			continue
		}

		d.NextStart = now

		rec, err := s.tracker.Load(ctx, d.ID)
		if err != nil {
			s.log.WithError(err).WithField("job", d.ID).Warn("Failed to load persisted job state")
		} else if rec != nil {
			d.hydrate(rec)
		}

		s.jobs[d.ID] = d
		registered++
	}

	for id := range s.jobs {
		if _, ok := seen[id]; ok {
			continue
		}

		delete(s.jobs, id)

		if err := s.tracker.Delete(ctx, id); err != nil {
			s.log.WithError(err).WithField("job", id).Warn("Failed to delete job record")
		}

		removed++
	}

	s.lastSync = now

	if registered+updated+removed > 0 {
		s.log.WithFields(logrus.Fields{
			"registered": registered,
			"updated":    updated,
			"removed":    removed,
			"total":      len(s.jobs),
		}).Info("Synced job set")
	}
}

// cleanupOrphans removes tracker records that no longer correspond to any
// job, e.g. left behind by an instance that died mid-reconfiguration
func (s *service) cleanupOrphans(ctx context.Context) {
	ids, err := s.tracker.ListIDs(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Failed to list tracked jobs for cleanup")

		return
	}

	for _, id := range ids {
		if _, ok := s.jobs[id]; ok {
			continue
		}

		if err := s.tracker.Delete(ctx, id); err != nil {
			s.log.WithError(err).WithField("job", id).Warn("Failed to delete orphaned job record")

			continue
		}

		s.log.WithField("job", id).Info("Removed orphaned job record")
	}
}

// orderedJobs returns jobs sorted by hypertable, then compression before
// retention before aggregate refresh, so same-table ordering holds within a
// tick
func (s *service) orderedJobs() []*Job {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Hypertable != jobs[j].Hypertable {
			return jobs[i].Hypertable < jobs[j].Hypertable
		}

		if a, b := kindRank(jobs[i].Kind), kindRank(jobs[j].Kind); a != b {
			return a < b
		}

		return jobs[i].ID < jobs[j].ID
	})

	return jobs
}

func (s *service) tick(ctx context.Context, now time.Time) {
	for _, job := range s.orderedJobs() {
		if job.State == JobRunning {
			if now.After(job.deadline) {
				s.log.WithFields(logrus.Fields{
					"job":      job.ID,
					"deadline": job.deadline,
				}).Warn("Job run reported no result before deadline")
				s.finishJob(ctx, job, ErrRunLost, now)
			}

			continue
		}

		if !job.due(now) {
			continue
		}

		trigger := triggerSchedule
		if job.State == JobPendingRetry {
			trigger = triggerRetry
		}

		if err := s.dispatch(ctx, job, now, trigger); err != nil {
			observability.RecordError("scheduler", "enqueue")
			s.log.WithError(err).WithField("job", job.ID).Error("Failed to dispatch job")
		}
	}
}

func (s *service) dispatch(ctx context.Context, job *Job, now time.Time, trigger string) error {
	payload, err := json.Marshal(taskPayload{
		JobID:      job.ID,
		Hypertable: job.Hypertable,
		Aggregate:  job.Aggregate,
		Now:        now,
	})
	if err != nil {
		return fmt.Errorf("failed to encode task payload: %w", err)
	}

	opts := []asynq.Option{
		asynq.TaskID(job.ID),
		asynq.Queue(s.cfg.Queue),
		asynq.MaxRetry(0),
		asynq.Timeout(job.Schedule.MaxRuntime),
	}

	_, err = s.queueClient.EnqueueContext(ctx, asynq.NewTask(taskTypeFor(job.Kind), payload), opts...)

	switch {
	case err == nil:
		observability.RecordTaskEnqueued(job.ID, trigger)
	case errors.Is(err, asynq.ErrTaskIDConflict):
		// An earlier instance of this job is still queued; the TaskID guard is
		// what keeps at most one instance per job. Track it as running so the
		// lost-run deadline still applies.
		s.log.WithField("job", job.ID).Debug("Job already queued, tracking existing instance")
	default:
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	job.State = JobRunning
	job.startedAt = now
	job.deadline = now.Add(job.Schedule.MaxRuntime).Add(lostRunGrace)

	observability.RecordJobStart(string(job.Kind))

	s.log.WithFields(logrus.Fields{
		"job":     job.ID,
		"trigger": trigger,
		"timeout": job.Schedule.MaxRuntime,
	}).Info("Dispatched job")

	return nil
}

func (s *service) applyResult(ctx context.Context, res jobResult) {
	job, ok := s.jobs[res.jobID]
	if !ok {
		s.log.WithField("job", res.jobID).Debug("Result for unknown job, discarding")

		return
	}

	if job.State != JobRunning {
		// Result from a run this loop already wrote off as lost
		s.log.WithField("job", res.jobID).Debug("Late result for settled job, discarding")

		return
	}

	s.finishJob(ctx, job, res.err, res.finished)
}

func (s *service) finishJob(ctx context.Context, job *Job, runErr error, now time.Time) {
	duration := now.Sub(job.startedAt).Seconds()

	if runErr == nil {
		job.completeSuccess(now)

		observability.RecordJobComplete(job.ID, string(job.Kind), statusSuccess, duration)
		s.log.WithFields(logrus.Fields{
			"job":        job.ID,
			"duration":   duration,
			"next_start": job.NextStart,
		}).Info("Job completed")
	} else {
		job.completeFailure(now, runErr)

		observability.RecordJobComplete(job.ID, string(job.Kind), statusFailed, duration)
		observability.RecordJobRetry(job.ID, string(job.Kind))
		s.log.WithError(runErr).WithFields(logrus.Fields{
			"job":            job.ID,
			"failure_streak": job.FailureStreak,
			"retry_at":       job.NextStart,
		}).Warn("Job failed, retry scheduled")
	}

	if err := s.tracker.Save(ctx, job.ID, job.record()); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Warn("Failed to persist job state")
	}
}

// report pushes a handler's outcome to the scheduler loop
func (s *service) report(jobID string, runErr error) {
	select {
	case s.results <- jobResult{jobID: jobID, err: runErr, finished: time.Now().UTC()}:
	case <-s.done:
	}
}

func decodePayload(task *asynq.Task) (taskPayload, error) {
	var p taskPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return p, fmt.Errorf("failed to decode task payload: %w", err)
	}

	return p, nil
}

func (s *service) handleCompression(ctx context.Context, task *asynq.Task) error {
	p, err := decodePayload(task)
	if err != nil {
		return err
	}

	_, runErr := s.compression.CompressEligible(ctx, p.Hypertable, p.Now)
	s.report(p.JobID, runErr)

	return runErr
}

func (s *service) handleRetention(ctx context.Context, task *asynq.Task) error {
	p, err := decodePayload(task)
	if err != nil {
		return err
	}

	_, runErr := s.retention.DropExpired(ctx, p.Hypertable, p.Now)
	s.report(p.JobID, runErr)

	return runErr
}

func (s *service) handleAggregate(ctx context.Context, task *asynq.Task) error {
	p, err := decodePayload(task)
	if err != nil {
		return err
	}

	_, runErr := s.aggregate.Refresh(ctx, p.Aggregate, p.Now)
	s.report(p.JobID, runErr)

	return runErr
}

// Verify interface compliance at compile time
var _ Service = (*service)(nil)
