package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetryops/tslc/internal/testutil"
)

func newTestTracker(t *testing.T) jobTracker {
	t.Helper()

	_, client := testutil.NewMiniredisClient(t)

	return newJobTracker(testutil.NewLogger(t), client)
}

func TestTrackerRoundTrip(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	rec := jobRecord{
		NextStart:     time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		State:         JobPendingRetry,
		Runs:          12,
		Successes:     10,
		Failures:      2,
		FailureStreak: 2,
		LastStatus:    statusFailed,
		LastError:     "version conflict",
		LastRun:       time.Date(2026, 5, 1, 11, 55, 0, 0, time.UTC),
	}

	require.NoError(t, tracker.Save(ctx, "metric_hist:compression", rec))

	loaded, err := tracker.Load(ctx, "metric_hist:compression")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, rec, *loaded)
}

func TestTrackerLoadMissing(t *testing.T) {
	tracker := newTestTracker(t)

	loaded, err := tracker.Load(context.Background(), "metric_hist:retention")
	require.NoError(t, err)
	assert.Nil(t, loaded, "a job that never persisted has no record, not an error")
}

func TestTrackerDelete(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Save(ctx, "metric_hist:retention", jobRecord{State: JobIdle}))
	require.NoError(t, tracker.Delete(ctx, "metric_hist:retention"))

	loaded, err := tracker.Load(ctx, "metric_hist:retention")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestTrackerListIDs(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Save(ctx, "metric_hist:compression", jobRecord{State: JobIdle}))
	require.NoError(t, tracker.Save(ctx, "metric_hist:aggregate:metric_hist_1m", jobRecord{State: JobIdle}))

	ids, err := tracker.ListIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"metric_hist:compression",
		"metric_hist:aggregate:metric_hist_1m",
	}, ids)
}
