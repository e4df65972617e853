// Package catalog is the write-side view over the engine: it caches
// hypertable specs, routes incoming rows to the chunks that cover them
// (creating chunks on demand), and answers the age-based chunk selections the
// compression and retention managers run on.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"

	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/policy"
)

// Service is the catalog interface
type Service interface {
	// Start warms the spec cache
	Start(ctx context.Context) error
	// Stop shuts down the service
	Stop() error

	// Table returns the cached spec for a hypertable
	Table(ctx context.Context, name string) (*policy.HypertableSpec, error)
	// Invalidate drops a hypertable's cached state after a DDL change
	Invalidate(name string)

	// ChunkFor returns the chunk covering ts, creating it if absent
	ChunkFor(ctx context.Context, table string, ts time.Time) (engine.ChunkMeta, error)
	// Append routes rows to the chunks covering their timestamps
	Append(ctx context.Context, table string, rows []engine.Row) error

	// Chunks returns current chunk metadata ordered by range start
	Chunks(ctx context.Context, table string) ([]engine.ChunkMeta, error)
	// UncompressedOlderThan selects uncompressed chunks whose range_end is at
	// or before cutoff
	UncompressedOlderThan(ctx context.Context, table string, cutoff time.Time) ([]engine.ChunkMeta, error)
	// OlderThan selects chunks of any state whose range_end is at or before
	// cutoff
	OlderThan(ctx context.Context, table string, cutoff time.Time) ([]engine.ChunkMeta, error)
}

type service struct {
	log    logrus.FieldLogger
	engine engine.Engine

	// specs caches hypertable definitions; chunks caches known chunk keys so
	// the append path skips the create round trip for chunks it has already
	// seen
	specs  *xsync.Map[string, *policy.HypertableSpec]
	chunks *xsync.Map[string, engine.ChunkMeta]
}

// NewService creates a catalog service over an engine
func NewService(log logrus.FieldLogger, eng engine.Engine) Service {
	return &service{
		log:    log.WithField("service", "catalog"),
		engine: eng,
		specs:  xsync.NewMap[string, *policy.HypertableSpec](),
		chunks: xsync.NewMap[string, engine.ChunkMeta](),
	}
}

func (s *service) Start(ctx context.Context) error {
	specs, err := s.engine.ListHypertables(ctx)
	if err != nil {
		return fmt.Errorf("failed to warm catalog: %w", err)
	}

	for i := range specs {
		s.specs.Store(specs[i].Name, &specs[i])
	}

	s.log.WithField("hypertables", len(specs)).Info("Catalog service started")

	return nil
}

func (s *service) Stop() error {
	s.log.Info("Catalog service stopped")

	return nil
}

func (s *service) Table(ctx context.Context, name string) (*policy.HypertableSpec, error) {
	if spec, ok := s.specs.Load(name); ok {
		return spec, nil
	}

	spec, err := s.engine.GetHypertable(ctx, name)
	if err != nil {
		return nil, err
	}

	s.specs.Store(name, spec)

	return spec, nil
}

func (s *service) Invalidate(name string) {
	s.specs.Delete(name)

	s.chunks.Range(func(key string, meta engine.ChunkMeta) bool {
		if meta.Hypertable == name {
			s.chunks.Delete(key)
		}

		return true
	})
}

func chunkCacheKey(table string, start time.Time) string {
	return fmt.Sprintf("%s:%d", table, start.UTC().UnixNano())
}

func (s *service) ChunkFor(ctx context.Context, table string, ts time.Time) (engine.ChunkMeta, error) {
	spec, err := s.Table(ctx, table)
	if err != nil {
		return engine.ChunkMeta{}, err
	}

	start := spec.ChunkStart(ts)

	key := chunkCacheKey(table, start)
	if meta, ok := s.chunks.Load(key); ok {
		return meta, nil
	}

	meta, created, err := s.engine.CreateChunk(ctx, table, start, start.Add(spec.ChunkInterval))
	if err != nil {
		return engine.ChunkMeta{}, err
	}

	if created {
		s.log.WithFields(logrus.Fields{
			"hypertable":  table,
			"range_start": start,
		}).Debug("Created chunk")
	}

	s.chunks.Store(key, meta)

	return meta, nil
}

func (s *service) Append(ctx context.Context, table string, rows []engine.Row) error {
	if len(rows) == 0 {
		return nil
	}

	spec, err := s.Table(ctx, table)
	if err != nil {
		return err
	}

	// Group by covering chunk so each chunk gets one append call
	batches := make(map[time.Time][]engine.Row)

	for _, row := range rows {
		normalized, err := engine.NormalizeRow(spec, row)
		if err != nil {
			return err
		}

		ts, _ := engine.RowTime(spec, normalized)
		start := spec.ChunkStart(ts)
		batches[start] = append(batches[start], normalized)
	}

	for start, batch := range batches {
		meta, err := s.ChunkFor(ctx, table, start)
		if err != nil {
			return err
		}

		err = s.engine.AppendRows(ctx, table, meta.ID, batch)
		if err == nil {
			continue
		}

		if !errors.Is(err, engine.ErrChunkNotFound) {
			return err
		}

		// The cached chunk was dropped, typically by retention. Evict the
		// stale entry and route the batch through a fresh chunk.
		s.chunks.Delete(chunkCacheKey(table, start))

		meta, err = s.ChunkFor(ctx, table, start)
		if err != nil {
			return err
		}

		if err := s.engine.AppendRows(ctx, table, meta.ID, batch); err != nil {
			return err
		}
	}

	return nil
}

func (s *service) Chunks(ctx context.Context, table string) ([]engine.ChunkMeta, error) {
	chunks, err := s.engine.ListChunks(ctx, table)
	if err != nil {
		return nil, err
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].RangeStart.Before(chunks[j].RangeStart)
	})

	return chunks, nil
}

func (s *service) UncompressedOlderThan(ctx context.Context, table string, cutoff time.Time) ([]engine.ChunkMeta, error) {
	return s.selectChunks(ctx, table, cutoff, func(meta *engine.ChunkMeta) bool {
		return meta.State == engine.ChunkUncompressed
	})
}

func (s *service) OlderThan(ctx context.Context, table string, cutoff time.Time) ([]engine.ChunkMeta, error) {
	return s.selectChunks(ctx, table, cutoff, func(*engine.ChunkMeta) bool { return true })
}

// selectChunks returns chunks whose whole range is at or before cutoff.
// A chunk is eligible only when its range_end has passed the cutoff, so a
// chunk still receiving writes is never selected.
func (s *service) selectChunks(ctx context.Context, table string, cutoff time.Time, keep func(*engine.ChunkMeta) bool) ([]engine.ChunkMeta, error) {
	chunks, err := s.Chunks(ctx, table)
	if err != nil {
		return nil, err
	}

	var out []engine.ChunkMeta

	for i := range chunks {
		if chunks[i].RangeEnd.After(cutoff) {
			continue
		}

		if keep(&chunks[i]) {
			out = append(out, chunks[i])
		}
	}

	return out, nil
}
