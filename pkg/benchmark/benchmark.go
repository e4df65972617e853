// Package benchmark measures query latency against a live engine. It runs a
// fixed battery of representative read-only queries with discarded warmup
// runs followed by timed repetitions, and compares per-query latency against
// configured thresholds. The benchmark never mutates engine state.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/policy"
)

// Static errors
var (
	// ErrInvalidRepetitions is returned when the configured repetition count
	// is not positive
	ErrInvalidRepetitions = errors.New("repetitions must be positive")
	// ErrThresholdExceeded is returned by Report.Err when any query missed its
	// latency target
	ErrThresholdExceeded = errors.New("latency threshold exceeded")
)

// Query names, used as threshold keys and report identifiers
const (
	QueryRecentScan      = "recent_window_scan"
	QueryBucketedAgg     = "bucketed_aggregation"
	QueryAggregateLookup = "aggregate_lookup"
	QueryFilteredLookup  = "dimension_filtered_lookup"
)

// Config controls the benchmark run
type Config struct {
	// Warmup runs are executed and discarded before timing begins
	Warmup int `yaml:"warmup" default:"3"`
	// Repetitions is the number of timed runs per query
	Repetitions int `yaml:"repetitions" default:"20"`
	// Window is the time range the scan queries cover, ending at now
	Window time.Duration `yaml:"window" default:"1h"`
	// BucketWidth groups the bucketed aggregation query
	BucketWidth time.Duration `yaml:"bucketWidth" default:"1m"`
	// Thresholds maps query name to the p95 latency target; queries without an
	// entry are reported but never flagged
	Thresholds map[string]time.Duration `yaml:"thresholds"`
}

// Validate checks the config
func (c *Config) Validate() error {
	if c.Repetitions <= 0 {
		return ErrInvalidRepetitions
	}

	return nil
}

// Options selects the targets of one run
type Options struct {
	// Hypertable is the table the scan queries read
	Hypertable string
	// Aggregate names the rollup for the point lookup; empty skips that query
	Aggregate string
	// FilterColumn and FilterValue drive the dimension-filtered lookup; an
	// empty column skips that query
	FilterColumn string
	FilterValue  string
	// Now anchors the query windows; zero means wall clock
	Now time.Time
}

// Service is the benchmark runner
type Service interface {
	// Start initializes the service
	Start(ctx context.Context) error
	// Stop shuts down the service
	Stop() error

	// Run executes the battery and returns the latency report
	Run(ctx context.Context, opts Options) (*Report, error)
}

type service struct {
	log    logrus.FieldLogger
	cfg    *Config
	engine engine.Engine
}

// NewService creates a benchmark runner over an engine
func NewService(log logrus.FieldLogger, cfg *Config, eng engine.Engine) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &service{
		log:    log.WithField("service", "benchmark"),
		cfg:    cfg,
		engine: eng,
	}, nil
}

func (s *service) Start(_ context.Context) error {
	s.log.Info("Benchmark service started")

	return nil
}

func (s *service) Stop() error {
	s.log.Info("Benchmark service stopped")

	return nil
}

// query is one battery entry; run returns the number of result rows
type query struct {
	name string
	run  func(ctx context.Context) (int, error)
}

func (s *service) Run(ctx context.Context, opts Options) (*Report, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	battery, err := s.battery(ctx, opts, now)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Hypertable:  opts.Hypertable,
		Aggregate:   opts.Aggregate,
		GeneratedAt: now,
		Warmup:      s.cfg.Warmup,
		Repetitions: s.cfg.Repetitions,
	}

	stats, err := s.engine.TableStats(ctx, opts.Hypertable)
	if err != nil {
		return nil, fmt.Errorf("failed to collect storage stats: %w", err)
	}

	report.Storage = stats

	for _, q := range battery {
		result, err := s.measure(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("query %s failed: %w", q.name, err)
		}

		if target, ok := s.cfg.Thresholds[q.name]; ok && target > 0 {
			result.Threshold = target
			result.Exceeded = result.Stats.P95 > target
		}

		if result.Exceeded {
			report.Failed++

			s.log.WithFields(logrus.Fields{
				"query":     q.name,
				"p95":       result.Stats.P95,
				"threshold": result.Threshold,
			}).Warn("Query exceeded its latency target")
		}

		report.Queries = append(report.Queries, result)
	}

	s.log.WithFields(logrus.Fields{
		"queries": len(report.Queries),
		"failed":  report.Failed,
	}).Info("Benchmark complete")

	return report, nil
}

// measure runs the warmup phase, then times the repetitions
func (s *service) measure(ctx context.Context, q query) (QueryResult, error) {
	for i := 0; i < s.cfg.Warmup; i++ {
		if _, err := q.run(ctx); err != nil {
			return QueryResult{}, err
		}
	}

	durations := make([]time.Duration, 0, s.cfg.Repetitions)
	rows := 0

	for i := 0; i < s.cfg.Repetitions; i++ {
		started := time.Now()

		n, err := q.run(ctx)
		if err != nil {
			return QueryResult{}, err
		}

		durations = append(durations, time.Since(started))
		rows = n
	}

	return QueryResult{
		Name:  q.name,
		Rows:  rows,
		Stats: computeStats(durations),
	}, nil
}

func (s *service) battery(ctx context.Context, opts Options, now time.Time) ([]query, error) {
	spec, err := s.engine.GetHypertable(ctx, opts.Hypertable)
	if err != nil {
		return nil, err
	}

	windowStart := now.Add(-s.cfg.Window)

	battery := []query{
		{
			name: QueryRecentScan,
			run: func(ctx context.Context) (int, error) {
				rows, err := s.engine.ScanRange(ctx, opts.Hypertable, windowStart, now, nil)

				return len(rows), err
			},
		},
		{
			name: QueryBucketedAgg,
			run: func(ctx context.Context) (int, error) {
				return s.bucketedAggregation(ctx, spec, windowStart, now)
			},
		},
	}

	if opts.Aggregate != "" {
		agg, err := s.engine.GetAggregate(ctx, opts.Aggregate)
		if err != nil {
			return nil, err
		}

		// Point lookup two buckets behind the never-materialized tail
		bucket := now.Add(-agg.EndOffset - 2*agg.BucketWidth).Truncate(agg.BucketWidth)

		battery = append(battery, query{
			name: QueryAggregateLookup,
			run: func(ctx context.Context) (int, error) {
				rows, err := s.engine.QueryAggregate(ctx, opts.Aggregate, bucket, bucket.Add(agg.BucketWidth))

				return len(rows), err
			},
		})
	}

	if opts.FilterColumn != "" {
		filter := map[string]any{opts.FilterColumn: opts.FilterValue}

		battery = append(battery, query{
			name: QueryFilteredLookup,
			run: func(ctx context.Context) (int, error) {
				rows, err := s.engine.ScanRange(ctx, opts.Hypertable, windowStart, now, filter)

				return len(rows), err
			},
		})
	}

	return battery, nil
}

// bucketedAggregation groups raw rows into fixed buckets and counts them,
// exercising the scan-then-aggregate path an unrollup'd dashboard query takes.
// Returns the number of buckets produced.
func (s *service) bucketedAggregation(ctx context.Context, spec *policy.HypertableSpec, start, end time.Time) (int, error) {
	rows, err := s.engine.ScanRange(ctx, spec.Name, start, end, nil)
	if err != nil {
		return 0, err
	}

	width := s.cfg.BucketWidth
	if width <= 0 {
		width = time.Minute
	}

	buckets := make(map[int64]int)

	for _, row := range rows {
		ts, ok := row[spec.TimeColumn].(time.Time)
		if !ok {
			continue
		}

		buckets[ts.Truncate(width).UnixNano()]++
	}

	return len(buckets), nil
}
