// Package validator performs the read-only certification pass: it compares
// live engine configuration against a manifest and produces a pass/warn/fail
// report. A missing policy is a failure; suboptimal-but-functional settings
// are warnings. The validator never mutates anything.
package validator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/policy"
)

var (
	// ErrValidationFailed is returned when any check fails
	ErrValidationFailed = errors.New("validation failed")
)

// Status classifies a single check outcome
type Status string

// Check outcomes
const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Check is one line of the report
type Check struct {
	Hypertable string `yaml:"hypertable,omitempty"`
	Name       string `yaml:"check"`
	Status     Status `yaml:"status"`
	Detail     string `yaml:"detail,omitempty"`
}

// Report is the full validation outcome
type Report struct {
	Environment policy.Environment `yaml:"environment"`
	GeneratedAt time.Time          `yaml:"generatedAt"`
	Passed      int                `yaml:"passed"`
	Warned      int                `yaml:"warned"`
	Failed      int                `yaml:"failed"`
	Checks      []Check            `yaml:"checks"`
}

// Err returns ErrValidationFailed when any check failed, nil otherwise
func (r *Report) Err() error {
	if r.Failed > 0 {
		return fmt.Errorf("%w: %d of %d checks failed", ErrValidationFailed, r.Failed, len(r.Checks))
	}

	return nil
}

func (r *Report) add(table, name string, status Status, detail string) {
	r.Checks = append(r.Checks, Check{Hypertable: table, Name: name, Status: status, Detail: detail})

	switch status {
	case StatusPass:
		r.Passed++
	case StatusWarn:
		r.Warned++
	case StatusFail:
		r.Failed++
	}
}

// Options tunes the environment-dependent checks
type Options struct {
	Environment policy.Environment
	// Workers is the configured scheduler concurrency, compared against the
	// environment's recommendation
	Workers int
	// Debug reports whether debug logging is enabled
	Debug bool
}

// Service is the validator
type Service interface {
	// Start initializes the service
	Start(ctx context.Context) error
	// Stop shuts down the service
	Stop() error

	// Validate compares live configuration against the manifest
	Validate(ctx context.Context, m *policy.Manifest, opts Options) (*Report, error)
}

type service struct {
	log    logrus.FieldLogger
	engine engine.Engine
}

// NewService creates a validator over an engine
func NewService(log logrus.FieldLogger, eng engine.Engine) Service {
	return &service{
		log:    log.WithField("service", "validator"),
		engine: eng,
	}
}

func (s *service) Start(_ context.Context) error {
	s.log.Info("Validator service started")

	return nil
}

func (s *service) Stop() error {
	s.log.Info("Validator service stopped")

	return nil
}

func (s *service) Validate(ctx context.Context, m *policy.Manifest, opts Options) (*Report, error) {
	report := &Report{
		Environment: opts.Environment,
		GeneratedAt: time.Now().UTC(),
	}

	for i := range m.Tables {
		if err := s.validateTable(ctx, report, &m.Tables[i]); err != nil {
			return nil, err
		}
	}

	s.validateEnvironment(ctx, report, opts)

	s.log.WithFields(logrus.Fields{
		"passed": report.Passed,
		"warned": report.Warned,
		"failed": report.Failed,
	}).Info("Validation complete")

	return report, nil
}

func (s *service) validateTable(ctx context.Context, report *Report, t *policy.TableManifest) error {
	live, err := s.engine.GetHypertable(ctx, t.Name)
	if err != nil {
		if errors.Is(err, engine.ErrHypertableNotFound) {
			report.add(t.Name, "hypertable", StatusFail, "hypertable does not exist")

			return nil
		}

		return err
	}

	if live.ChunkInterval == t.ChunkInterval {
		report.add(t.Name, "chunk_interval", StatusPass, "")
	} else {
		report.add(t.Name, "chunk_interval", StatusFail,
			fmt.Sprintf("expected %s, live %s", t.ChunkInterval, live.ChunkInterval))
	}

	if err := s.validateCompression(ctx, report, t); err != nil {
		return err
	}

	if err := s.validateRetention(ctx, report, t); err != nil {
		return err
	}

	if err := s.validateIndexes(ctx, report, t); err != nil {
		return err
	}

	return s.validateAggregates(ctx, report, t)
}

func (s *service) validateCompression(ctx context.Context, report *Report, t *policy.TableManifest) error {
	if t.Compression == nil {
		return nil
	}

	live, err := s.engine.GetCompressionPolicy(ctx, t.Name)
	if err != nil {
		return err
	}

	if live == nil {
		report.add(t.Name, "compression", StatusFail, "compression policy missing")

		return nil
	}

	switch {
	case !reflect.DeepEqual(live.SegmentBy, t.Compression.SegmentBy):
		report.add(t.Name, "compression", StatusFail,
			fmt.Sprintf("segmentBy expected %v, live %v", t.Compression.SegmentBy, live.SegmentBy))
	case !reflect.DeepEqual(live.OrderBy, t.Compression.OrderBy):
		report.add(t.Name, "compression", StatusFail,
			fmt.Sprintf("orderBy expected %s, live %s",
				policy.OrderByString(t.Compression.OrderBy), policy.OrderByString(live.OrderBy)))
	case live.CompressAfter != t.Compression.CompressAfter:
		report.add(t.Name, "compression", StatusFail,
			fmt.Sprintf("compressAfter expected %s, live %s", t.Compression.CompressAfter, live.CompressAfter))
	default:
		report.add(t.Name, "compression", StatusPass, "")
	}

	s.checkJob(report, t.Name, "compression_job", live.Schedule, t.Compression.Schedule)

	return nil
}

func (s *service) validateRetention(ctx context.Context, report *Report, t *policy.TableManifest) error {
	if t.Retention == nil {
		return nil
	}

	live, err := s.engine.GetRetentionPolicy(ctx, t.Name)
	if err != nil {
		return err
	}

	if live == nil {
		report.add(t.Name, "retention", StatusFail, "retention policy missing")

		return nil
	}

	if live.DropAfter == t.Retention.DropAfter {
		report.add(t.Name, "retention", StatusPass, "")
	} else {
		report.add(t.Name, "retention", StatusFail,
			fmt.Sprintf("dropAfter expected %s, live %s", t.Retention.DropAfter, live.DropAfter))
	}

	s.checkJob(report, t.Name, "retention_job", live.Schedule, t.Retention.Schedule)

	return nil
}

func (s *service) validateIndexes(ctx context.Context, report *Report, t *policy.TableManifest) error {
	if len(t.Indexes) == 0 {
		return nil
	}

	live, err := s.engine.ListIndexes(ctx, t.Name)
	if err != nil {
		return err
	}

	byName := make(map[string]policy.IndexSpec, len(live))
	for _, idx := range live {
		byName[idx.Name] = idx
	}

	for _, want := range t.Indexes {
		got, ok := byName[want.Name]
		if !ok {
			report.add(t.Name, "index:"+want.Name, StatusFail, "index missing")

			continue
		}

		if !reflect.DeepEqual(got.Columns, want.Columns) || got.Predicate != want.Predicate {
			report.add(t.Name, "index:"+want.Name, StatusFail,
				fmt.Sprintf("expected columns %v predicate %q, live columns %v predicate %q",
					want.Columns, want.Predicate, got.Columns, got.Predicate))

			continue
		}

		report.add(t.Name, "index:"+want.Name, StatusPass, "")
	}

	return nil
}

func (s *service) validateAggregates(ctx context.Context, report *Report, t *policy.TableManifest) error {
	if len(t.Aggregates) == 0 {
		return nil
	}

	live, err := s.engine.ListAggregates(ctx, t.Name)
	if err != nil {
		return err
	}

	byName := make(map[string]policy.AggregateSpec, len(live))
	for _, agg := range live {
		byName[agg.Name] = agg
	}

	for i := range t.Aggregates {
		want := &t.Aggregates[i]

		got, ok := byName[want.Name]
		if !ok {
			report.add(t.Name, "aggregate:"+want.Name, StatusFail, "aggregate missing")

			continue
		}

		switch {
		case got.BucketWidth != want.BucketWidth:
			report.add(t.Name, "aggregate:"+want.Name, StatusFail,
				fmt.Sprintf("bucketWidth expected %s, live %s", want.BucketWidth, got.BucketWidth))
		case got.StartOffset != want.StartOffset || got.EndOffset != want.EndOffset:
			report.add(t.Name, "aggregate:"+want.Name, StatusFail,
				fmt.Sprintf("offsets expected [%s, %s], live [%s, %s]",
					want.StartOffset, want.EndOffset, got.StartOffset, got.EndOffset))
		case !reflect.DeepEqual(got.Aggregates, want.Aggregates):
			report.add(t.Name, "aggregate:"+want.Name, StatusFail, "aggregation expressions differ")
		default:
			report.add(t.Name, "aggregate:"+want.Name, StatusPass, "")
		}

		s.checkJob(report, t.Name, "aggregate_job:"+want.Name, got.Schedule, want.Schedule)
	}

	return nil
}

// checkJob verifies a policy's refresh-job binding. The scheduler derives one
// job per stored schedule, so a matching live schedule means the job is bound.
func (s *service) checkJob(report *Report, table, name string, live, want policy.JobSchedule) {
	if live == (policy.JobSchedule{}) {
		report.add(table, name, StatusFail, "no job schedule bound")

		return
	}

	if live != want {
		report.add(table, name, StatusFail,
			fmt.Sprintf("job schedule expected %+v, live %+v", want, live))

		return
	}

	report.add(table, name, StatusPass, "")
}

// validateEnvironment adds the suboptimal-but-functional checks: these warn,
// never fail
func (s *service) validateEnvironment(ctx context.Context, report *Report, opts Options) {
	rec := opts.Environment.Recommended()

	if opts.Workers > 0 && opts.Workers < rec.Workers {
		report.add("", "workers", StatusWarn,
			fmt.Sprintf("%d workers configured, %d recommended for %s", opts.Workers, rec.Workers, opts.Environment))
	} else {
		report.add("", "workers", StatusPass, "")
	}

	if opts.Debug && opts.Environment == policy.EnvProduction {
		report.add("", "logging", StatusWarn, "debug logging enabled in production")
	} else {
		report.add("", "logging", StatusPass, "")
	}

	free, err := s.engine.StorageFree(ctx)
	if err != nil {
		report.add("", "storage_headroom", StatusWarn, fmt.Sprintf("could not determine free storage: %v", err))

		return
	}

	if free < rec.StorageHeadroomBytes {
		report.add("", "storage_headroom", StatusWarn,
			fmt.Sprintf("%d bytes free, %d recommended for %s", free, rec.StorageHeadroomBytes, opts.Environment))
	} else {
		report.add("", "storage_headroom", StatusPass, "")
	}
}
