package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetryops/tslc/internal/testutil"
	"github.com/telemetryops/tslc/pkg/catalog"
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
	_, err = eng.SetRetentionPolicy(ctx, testutil.MetricHistRetention())
	require.NoError(t, err)

	cat := catalog.NewService(testutil.NewLogger(t), eng)
	require.NoError(t, cat.Start(ctx))

	svc := NewService(testutil.NewLogger(t), eng, cat)
	require.NoError(t, svc.Start(ctx))

	t.Cleanup(func() {
		require.NoError(t, svc.Stop())
	})

	return svc, cat, eng
}

func TestDropExpiredRemovesWholeChunks(t *testing.T) {
	svc, cat, eng := newFixture(t)
	ctx := context.Background()

	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)

	// One chunk past the 90d horizon, one inside it
	require.NoError(t, cat.Append(ctx, "metric_hist", testutil.TelemetryRows(now.Add(-100*24*time.Hour), time.Minute, 5, 1)))
	require.NoError(t, cat.Append(ctx, "metric_hist", testutil.TelemetryRows(now.Add(-10*24*time.Hour), time.Minute, 5, 1)))

	result, err := svc.DropExpired(ctx, "metric_hist", now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Eligible)
	require.Len(t, result.Dropped, 1)
	assert.Equal(t, int64(5), result.Dropped[0].Rows, "audit record carries the dropped row count")
	assert.Zero(t, result.Failed)

	chunks, err := eng.ListChunks(ctx, "metric_hist")
	require.NoError(t, err)
	require.Len(t, chunks, 1, "the in-horizon chunk survives untouched")
	assert.Equal(t, int64(5), chunks[0].RowCount)
}

func TestDropExpiredNoPolicyIsNoOp(t *testing.T) {
	eng := testutil.NewLocalEngine(t)
	ctx := context.Background()

	_, err := eng.CreateHypertable(ctx, testutil.MetricHistSpec())
	require.NoError(t, err)

	cat := catalog.NewService(testutil.NewLogger(t), eng)
	require.NoError(t, cat.Start(ctx))

	svc := NewService(testutil.NewLogger(t), eng, cat)

	require.NoError(t, cat.Append(ctx, "metric_hist", testutil.TelemetryRows(time.Now().Add(-365*24*time.Hour), time.Minute, 3, 1)))

	result, err := svc.DropExpired(ctx, "metric_hist", time.Now())
	require.NoError(t, err)
	assert.Zero(t, result.Eligible, "no retention policy means nothing is ever dropped")
}

func TestDropExpiredIncludesCompressedChunks(t *testing.T) {
	svc, cat, eng := newFixture(t)
	ctx := context.Background()

	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	old := now.Add(-100 * 24 * time.Hour)

	require.NoError(t, cat.Append(ctx, "metric_hist", testutil.TelemetryRows(old, time.Minute, 5, 1)))

	chunks, err := eng.ListChunks(ctx, "metric_hist")
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	_, err = eng.CompressChunk(ctx, "metric_hist", chunks[0].ID, chunks[0].Version, testutil.MetricHistCompression())
	require.NoError(t, err)

	result, err := svc.DropExpired(ctx, "metric_hist", now)
	require.NoError(t, err)
	assert.Len(t, result.Dropped, 1, "retention drops compressed chunks too")

	remaining, err := eng.ListChunks(ctx, "metric_hist")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestDropOlderThanIgnoresPolicy(t *testing.T) {
	svc, cat, _ := newFixture(t)
	ctx := context.Background()

	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)

	// Well inside the 90d policy horizon, but the operator asked for it
	require.NoError(t, cat.Append(ctx, "metric_hist", testutil.TelemetryRows(now.Add(-48*time.Hour), time.Minute, 3, 1)))

	result, err := svc.DropOlderThan(ctx, "metric_hist", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, result.Dropped, 1)
}
