package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetryops/tslc/internal/testutil"
	"github.com/telemetryops/tslc/pkg/engine"
)

func newTestCatalog(t *testing.T) (Service, engine.Engine) {
	t.Helper()

	eng := testutil.NewLocalEngine(t)
	ctx := context.Background()

	_, err := eng.CreateHypertable(ctx, testutil.MetricHistSpec())
	require.NoError(t, err)

	svc := NewService(testutil.NewLogger(t), eng)
	require.NoError(t, svc.Start(ctx))

	t.Cleanup(func() {
		require.NoError(t, svc.Stop())
	})

	return svc, eng
}

func TestChunkForCreatesOnDemand(t *testing.T) {
	svc, eng := newTestCatalog(t)
	ctx := context.Background()

	ts := time.Date(2026, 5, 1, 12, 42, 17, 0, time.UTC)

	meta, err := svc.ChunkFor(ctx, "metric_hist", ts)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), meta.RangeStart, "chunk boundary is floored to the interval")
	assert.Equal(t, time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC), meta.RangeEnd)

	// Second lookup for the same hour hits the cache, not the engine
	again, err := svc.ChunkFor(ctx, "metric_hist", ts.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, meta.ID, again.ID)

	chunks, err := eng.ListChunks(ctx, "metric_hist")
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}

func TestAppendRoutesAcrossChunks(t *testing.T) {
	svc, eng := newTestCatalog(t)
	ctx := context.Background()

	start := time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)

	// 90 minutes of data straddles two hourly chunks
	rows := testutil.TelemetryRows(start, 10*time.Minute, 9, 1)
	require.NoError(t, svc.Append(ctx, "metric_hist", rows))

	chunks, err := eng.ListChunks(ctx, "metric_hist")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, int64(9), chunks[0].RowCount+chunks[1].RowCount)

	got, err := eng.ScanRange(ctx, "metric_hist", start, start.Add(2*time.Hour), nil)
	require.NoError(t, err)
	assert.Len(t, got, 9)
}

func TestAppendRejectsBadRowsBeforeWriting(t *testing.T) {
	svc, eng := newTestCatalog(t)
	ctx := context.Background()

	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	err := svc.Append(ctx, "metric_hist", []engine.Row{
		{"time": start, "equipment_id": "press-01", "value": 1.0, "counter": int64(1)},
		{"time": start.Add(time.Second), "bogus_column": true},
	})
	require.ErrorIs(t, err, engine.ErrTypeMismatch)

	chunks, err := eng.ListChunks(ctx, "metric_hist")
	require.NoError(t, err)
	assert.Empty(t, chunks, "validation happens before any chunk is created")
}

func TestAppendRecreatesDroppedChunk(t *testing.T) {
	svc, eng := newTestCatalog(t)
	ctx := context.Background()

	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	row := engine.Row{"time": start.Add(time.Minute), "equipment_id": "press-01", "value": 1.0, "counter": int64(1)}

	require.NoError(t, svc.Append(ctx, "metric_hist", []engine.Row{row}))

	// Retention drops the chunk behind the catalog's back
	chunks, err := eng.ListChunks(ctx, "metric_hist")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.NoError(t, eng.DropChunk(ctx, "metric_hist", chunks[0].ID, chunks[0].Version))

	// A late write into the same window must not fail on the cached chunk ID
	late := engine.Row{"time": start.Add(2 * time.Minute), "equipment_id": "press-01", "value": 2.0, "counter": int64(2)}
	require.NoError(t, svc.Append(ctx, "metric_hist", []engine.Row{late}))

	chunks, err = eng.ListChunks(ctx, "metric_hist")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.NotEqual(t, chunks[0].ID, "", "a fresh chunk covers the window")
	assert.Equal(t, int64(1), chunks[0].RowCount)

	got, err := eng.ScanRange(ctx, "metric_hist", start, start.Add(time.Hour), nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0]["value"])
}

func TestChunkSelectors(t *testing.T) {
	svc, eng := newTestCatalog(t)
	ctx := context.Background()

	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)

	// Three hourly chunks ending 10 days, 2 hours, and 1 hour ago
	for _, age := range []time.Duration{240 * time.Hour, 2 * time.Hour, time.Hour} {
		start := now.Add(-age)

		meta, err := svc.ChunkFor(ctx, "metric_hist", start)
		require.NoError(t, err)

		require.NoError(t, eng.AppendRows(ctx, "metric_hist", meta.ID, []engine.Row{
			{"time": start, "equipment_id": "press-01", "value": 1.0, "counter": int64(1)},
		}))
	}

	old, err := svc.OlderThan(ctx, "metric_hist", now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, old, 1)

	// Compress the oldest chunk, then verify the uncompressed selector skips
	// it even though it passes the cutoff
	chunks, err := svc.Chunks(ctx, "metric_hist")
	require.NoError(t, err)

	_, err = eng.CompressChunk(ctx, "metric_hist", chunks[0].ID, chunks[0].Version, testutil.MetricHistCompression())
	require.NoError(t, err)

	eligible, err := svc.UncompressedOlderThan(ctx, "metric_hist", now)
	require.NoError(t, err)
	require.Len(t, eligible, 2)

	for _, meta := range eligible {
		assert.Equal(t, engine.ChunkUncompressed, meta.State)
	}

	// A chunk whose range has not fully passed the cutoff stays untouched
	none, err := svc.UncompressedOlderThan(ctx, "metric_hist", now.Add(-90*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInvalidateDropsCachedState(t *testing.T) {
	svc, eng := newTestCatalog(t)
	ctx := context.Background()

	spec, err := svc.Table(ctx, "metric_hist")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, spec.ChunkInterval)

	_, err = eng.SetChunkInterval(ctx, "metric_hist", 2*time.Hour)
	require.NoError(t, err)

	// Stale until invalidated
	spec, err = svc.Table(ctx, "metric_hist")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, spec.ChunkInterval)

	svc.Invalidate("metric_hist")

	spec, err = svc.Table(ctx, "metric_hist")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, spec.ChunkInterval)
}
