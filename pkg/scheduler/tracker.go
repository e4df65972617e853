package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	jobKeyPrefix = "tslc:scheduler:job:" // Redis key prefix
	// Full key pattern: tslc:scheduler:job:{jobID}
	// Example: tslc:scheduler:job:metric_hist:compression
	// Example: tslc:scheduler:job:metric_hist:aggregate:metric_hist_1m
)

// jobTracker persists job records to Redis so a restarted scheduler resumes
// next_start and counters instead of re-running everything immediately
type jobTracker interface {
	// Load retrieves the persisted record for a job.
	// Returns nil if the job has never been persisted.
	Load(ctx context.Context, jobID string) (*jobRecord, error)

	// Save stores the record with no TTL
	Save(ctx context.Context, jobID string, rec jobRecord) error

	// Delete removes the record for a job no longer backed by any policy
	Delete(ctx context.Context, jobID string) error

	// ListIDs returns all job IDs currently tracked in Redis
	ListIDs(ctx context.Context) ([]string, error)

	// Close releases resources held by the tracker
	Close() error
}

type redisJobTracker struct {
	log   logrus.FieldLogger
	redis *redis.Client
}

// newJobTracker creates a Redis-backed job tracker
func newJobTracker(log logrus.FieldLogger, redisClient *redis.Client) jobTracker {
	return &redisJobTracker{
		log:   log.WithField("component", "job_tracker"),
		redis: redisClient,
	}
}

func (r *redisJobTracker) Load(ctx context.Context, jobID string) (*jobRecord, error) {
	val, err := r.redis.Get(ctx, jobKeyPrefix+jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.log.WithField("job_id", jobID).Debug("No persisted state for job")

			return nil, nil
		}

		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	var rec jobRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"job_id":    jobID,
			"raw_value": val,
		}).Error("Failed to decode persisted job record")

		return nil, fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}

	return &rec, nil
}

func (r *redisJobTracker) Save(ctx context.Context, jobID string, rec jobRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", jobID, err)
	}

	if err := r.redis.Set(ctx, jobKeyPrefix+jobID, val, 0).Err(); err != nil {
		return fmt.Errorf("failed to save job %s: %w", jobID, err)
	}

	r.log.WithFields(logrus.Fields{
		"job_id":     jobID,
		"next_start": rec.NextStart.Format(time.RFC3339),
		"state":      rec.State,
	}).Debug("Persisted job record")

	return nil
}

func (r *redisJobTracker) Delete(ctx context.Context, jobID string) error {
	if err := r.redis.Del(ctx, jobKeyPrefix+jobID).Err(); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}

	r.log.WithField("job_id", jobID).Debug("Deleted job record")

	return nil
}

func (r *redisJobTracker) ListIDs(ctx context.Context) ([]string, error) {
	// SCAN instead of KEYS so a large job set never blocks the server. The
	// count hint is keys per iteration, not a total limit.
	const scanBatchSize = 100

	var jobIDs []string

	iter := r.redis.Scan(ctx, 0, jobKeyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		jobIDs = append(jobIDs, iter.Val()[len(jobKeyPrefix):])
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan job IDs: %w", err)
	}

	return jobIDs, nil
}

func (r *redisJobTracker) Close() error {
	if r.redis != nil {
		return r.redis.Close()
	}

	return nil
}

// Verify interface compliance at compile time
var _ jobTracker = (*redisJobTracker)(nil)
