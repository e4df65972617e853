// Package compression implements the columnar compression manager: it selects
// uncompressed chunks older than the policy's horizon and rewrites them in
// parallel, isolating per-chunk failures so one bad chunk never blocks the
// rest of the cycle.
package compression

import (
	"context"
	"errors"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/sirupsen/logrus"

	"github.com/telemetryops/tslc/pkg/catalog"
	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/observability"
)

// DefaultWorkers is the pool size when the config does not set one
const DefaultWorkers = 4

// Result summarizes one compression cycle over one hypertable
type Result struct {
	Eligible    int   `json:"eligible"`
	Compressed  int   `json:"compressed"`
	Skipped     int   `json:"skipped"`
	Failed      int   `json:"failed"`
	BytesBefore int64 `json:"bytes_before"`
	BytesAfter  int64 `json:"bytes_after"`
}

// Service is the compression manager
type Service interface {
	// Start initializes the worker pool
	Start(ctx context.Context) error
	// Stop drains the worker pool
	Stop() error

	// CompressEligible compresses every uncompressed chunk of the hypertable
	// whose age, measured against now, exceeds the compression horizon.
	// Chunks failing individually are counted, not fatal.
	CompressEligible(ctx context.Context, table string, now time.Time) (Result, error)
}

type service struct {
	log     logrus.FieldLogger
	engine  engine.Engine
	catalog catalog.Service
	workers int
	pool    pond.Pool
}

// NewService creates a compression manager
func NewService(log logrus.FieldLogger, eng engine.Engine, cat catalog.Service, workers int) Service {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	return &service{
		log:     log.WithField("service", "compression"),
		engine:  eng,
		catalog: cat,
		workers: workers,
	}
}

func (s *service) Start(_ context.Context) error {
	s.pool = pond.NewPool(s.workers)
	s.log.WithField("workers", s.workers).Info("Compression service started")

	return nil
}

func (s *service) Stop() error {
	if s.pool != nil {
		s.pool.StopAndWait()
	}

	s.log.Info("Compression service stopped")

	return nil
}

func (s *service) CompressEligible(ctx context.Context, table string, now time.Time) (Result, error) {
	p, err := s.engine.GetCompressionPolicy(ctx, table)
	if err != nil {
		return Result{}, err
	}

	if p == nil {
		return Result{}, nil
	}

	cutoff := now.Add(-p.CompressAfter)

	eligible, err := s.catalog.UncompressedOlderThan(ctx, table, cutoff)
	if err != nil {
		return Result{}, err
	}

	result := Result{Eligible: len(eligible)}
	if len(eligible) == 0 {
		return result, nil
	}

	outcomes := make([]outcome, len(eligible))

	group := s.pool.NewGroupContext(ctx)
	for i := range eligible {
		chunk := eligible[i]
		out := &outcomes[i]

		group.Submit(func() {
			if ctx.Err() != nil {
				return
			}

			meta, err := s.engine.CompressChunk(ctx, table, chunk.ID, chunk.Version, *p)
			out.before = chunk.Bytes
			out.after = meta.Bytes
			out.err = err
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.log.WithError(err).Warn("Compression pool reported an error")
	}

	for i := range outcomes {
		out := &outcomes[i]

		switch {
		case out.err == nil && out.after == 0 && out.before == 0 && ctx.Err() != nil:
			// Cancelled before the chunk was attempted
			result.Skipped++
		case out.err == nil:
			result.Compressed++
			result.BytesBefore += out.before
			result.BytesAfter += out.after

			observability.RecordCompression(table, out.before, out.after)
		case errors.Is(out.err, engine.ErrVersionConflict), errors.Is(out.err, engine.ErrChunkCompressed):
			// Someone else got there first; the chunk is in a good state
			result.Skipped++

			s.log.WithError(out.err).WithFields(logrus.Fields{
				"hypertable": table,
				"chunk":      eligible[i].ID,
			}).Debug("Skipped chunk")
		default:
			result.Failed++

			observability.RecordError("compression", "compress_chunk")
			s.log.WithError(out.err).WithFields(logrus.Fields{
				"hypertable": table,
				"chunk":      eligible[i].ID,
			}).Error("Failed to compress chunk")
		}
	}

	s.log.WithFields(logrus.Fields{
		"hypertable":   table,
		"eligible":     result.Eligible,
		"compressed":   result.Compressed,
		"skipped":      result.Skipped,
		"failed":       result.Failed,
		"bytes_before": result.BytesBefore,
		"bytes_after":  result.BytesAfter,
	}).Info("Compression cycle complete")

	return result, nil
}

type outcome struct {
	before int64
	after  int64
	err    error
}
