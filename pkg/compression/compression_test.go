package compression

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetryops/tslc/internal/testutil"
	"github.com/telemetryops/tslc/pkg/catalog"
	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/engine/local"
)

func newFixture(t *testing.T) (Service, catalog.Service, *local.Store) {
	t.Helper()

	eng := testutil.NewLocalEngine(t)
	ctx := context.Background()

	_, err := eng.CreateHypertable(ctx, testutil.MetricHistSpec())
	require.NoError(t, err)
	_, err = eng.SetCompressionPolicy(ctx, testutil.MetricHistCompression())
	require.NoError(t, err)

	cat := catalog.NewService(testutil.NewLogger(t), eng)
	require.NoError(t, cat.Start(ctx))

	svc := NewService(testutil.NewLogger(t), eng, cat, 2)
	require.NoError(t, svc.Start(ctx))

	t.Cleanup(func() {
		require.NoError(t, svc.Stop())
	})

	return svc, cat, eng
}

func seedChunk(t *testing.T, cat catalog.Service, start time.Time, rows int) engine.ChunkMeta {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, cat.Append(ctx, "metric_hist", testutil.TelemetryRows(start, time.Minute, rows, 2)))

	meta, err := cat.ChunkFor(ctx, "metric_hist", start)
	require.NoError(t, err)

	return meta
}

func TestCompressEligibleRespectsHorizon(t *testing.T) {
	svc, cat, eng := newFixture(t)
	ctx := context.Background()

	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)

	// One chunk well past the 7d horizon, one fresh
	old := seedChunk(t, cat, now.Add(-10*24*time.Hour), 5)
	fresh := seedChunk(t, cat, now.Add(-2*time.Hour), 5)

	result, err := svc.CompressEligible(ctx, "metric_hist", now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Eligible)
	assert.Equal(t, 1, result.Compressed)
	assert.Zero(t, result.Failed)
	assert.Positive(t, result.BytesAfter)

	chunks, err := eng.ListChunks(ctx, "metric_hist")
	require.NoError(t, err)

	states := map[string]engine.ChunkState{}
	for _, c := range chunks {
		states[c.ID] = c.State
	}

	assert.Equal(t, engine.ChunkCompressed, states[old.ID])
	assert.Equal(t, engine.ChunkUncompressed, states[fresh.ID])
}

func TestCompressEligibleNoPolicyIsNoOp(t *testing.T) {
	eng := testutil.NewLocalEngine(t)
	ctx := context.Background()

	_, err := eng.CreateHypertable(ctx, testutil.MetricHistSpec())
	require.NoError(t, err)

	cat := catalog.NewService(testutil.NewLogger(t), eng)
	require.NoError(t, cat.Start(ctx))

	svc := NewService(testutil.NewLogger(t), eng, cat, 1)
	require.NoError(t, svc.Start(ctx))

	t.Cleanup(func() {
		require.NoError(t, svc.Stop())
	})

	result, err := svc.CompressEligible(ctx, "metric_hist", time.Now())
	require.NoError(t, err)
	assert.Zero(t, result.Eligible)
}

func TestCompressEligibleSkipsConcurrentlyCompressed(t *testing.T) {
	svc, cat, eng := newFixture(t)
	ctx := context.Background()

	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	seedChunk(t, cat, now.Add(-10*24*time.Hour), 3)

	// Someone compresses the chunk between selection and transform
	first, err := svc.CompressEligible(ctx, "metric_hist", now)
	require.NoError(t, err)
	require.Equal(t, 1, first.Compressed)

	second, err := svc.CompressEligible(ctx, "metric_hist", now)
	require.NoError(t, err)
	assert.Zero(t, second.Eligible, "compressed chunks are not selected again")

	chunks, err := eng.ListChunks(ctx, "metric_hist")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, engine.ChunkCompressed, chunks[0].State)
}

func TestCompressionRoundTripPreservesRows(t *testing.T) {
	svc, cat, eng := newFixture(t)
	ctx := context.Background()

	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	start := now.Add(-10 * 24 * time.Hour)
	meta := seedChunk(t, cat, start, 10)

	before, err := eng.ScanChunk(ctx, "metric_hist", meta.ID)
	require.NoError(t, err)

	_, err = svc.CompressEligible(ctx, "metric_hist", now)
	require.NoError(t, err)

	after, err := eng.ScanChunk(ctx, "metric_hist", meta.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, before, after, "compression is lossless")
}
