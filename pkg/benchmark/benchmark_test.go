package benchmark

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetryops/tslc/internal/testutil"
	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/policy"
)

func testConfig() *Config {
	return &Config{
		Warmup:      1,
		Repetitions: 5,
		Window:      time.Hour,
		BucketWidth: time.Minute,
	}
}

// seedEngine builds one chunk-hour of telemetry ending at the returned anchor:
// two equipment streams, one row per minute each
func seedEngine(t *testing.T, eng engine.Engine) time.Time {
	t.Helper()

	ctx := context.Background()
	chunkStart := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	now := chunkStart.Add(time.Hour)

	_, err := eng.CreateHypertable(ctx, testutil.MetricHistSpec())
	require.NoError(t, err)

	meta, _, err := eng.CreateChunk(ctx, "metric_hist", chunkStart, now)
	require.NoError(t, err)

	rows := make([]engine.Row, 0, 120)

	for i := 0; i < 60; i++ {
		ts := chunkStart.Add(time.Duration(i) * time.Minute)
		rows = append(rows,
			engine.Row{"time": ts, "equipment_id": "press_01", "value": float64(i), "counter": int64(i)},
			engine.Row{"time": ts.Add(30 * time.Second), "equipment_id": "press_02", "value": float64(i), "counter": int64(i)},
		)
	}

	require.NoError(t, eng.AppendRows(ctx, "metric_hist", meta.ID, rows))

	agg := policy.AggregateSpec{
		Name:        "metric_hist_1m",
		Hypertable:  "metric_hist",
		BucketWidth: time.Minute,
		Aggregates:  []policy.AggregateExpr{{Func: policy.AggCount, Alias: "samples"}},
		StartOffset: 30 * time.Minute,
		EndOffset:   time.Minute,
		Schedule: policy.JobSchedule{
			ScheduleInterval: time.Minute,
			MaxRuntime:       time.Minute,
			RetryPeriod:      30 * time.Second,
		},
	}

	_, err = eng.CreateAggregate(ctx, agg)
	require.NoError(t, err)

	_, err = eng.MaterializeWindow(ctx, agg, now.Add(-30*time.Minute), now.Add(-time.Minute))
	require.NoError(t, err)

	return now
}

func TestRunBattery(t *testing.T) {
	eng := testutil.NewLocalEngine(t)
	now := seedEngine(t, eng)

	svc, err := NewService(testutil.NewLogger(t), testConfig(), eng)
	require.NoError(t, err)

	report, err := svc.Run(context.Background(), Options{
		Hypertable:   "metric_hist",
		Aggregate:    "metric_hist_1m",
		FilterColumn: "equipment_id",
		FilterValue:  "press_01",
		Now:          now,
	})
	require.NoError(t, err)
	require.NoError(t, report.Err())

	require.Len(t, report.Queries, 4)
	assert.Equal(t, int64(120), report.Storage.Rows)

	byName := make(map[string]QueryResult, len(report.Queries))
	for _, q := range report.Queries {
		byName[q.Name] = q

		assert.Positive(t, q.Stats.Max, q.Name)
		assert.LessOrEqual(t, q.Stats.Min, q.Stats.Median, q.Name)
		assert.LessOrEqual(t, q.Stats.Median, q.Stats.P95, q.Name)
		assert.LessOrEqual(t, q.Stats.P95, q.Stats.Max, q.Name)
	}

	assert.Equal(t, 120, byName[QueryRecentScan].Rows)
	assert.Equal(t, 60, byName[QueryBucketedAgg].Rows)
	assert.Equal(t, 1, byName[QueryAggregateLookup].Rows)
	assert.Equal(t, 60, byName[QueryFilteredLookup].Rows)
}

func TestRunSkipsUnconfiguredQueries(t *testing.T) {
	eng := testutil.NewLocalEngine(t)
	now := seedEngine(t, eng)

	svc, err := NewService(testutil.NewLogger(t), testConfig(), eng)
	require.NoError(t, err)

	report, err := svc.Run(context.Background(), Options{Hypertable: "metric_hist", Now: now})
	require.NoError(t, err)

	require.Len(t, report.Queries, 2)
	assert.Equal(t, QueryRecentScan, report.Queries[0].Name)
	assert.Equal(t, QueryBucketedAgg, report.Queries[1].Name)
}

func TestThresholdsFlagSlowQueries(t *testing.T) {
	eng := testutil.NewLocalEngine(t)
	now := seedEngine(t, eng)

	cfg := testConfig()
	cfg.Thresholds = map[string]time.Duration{
		QueryRecentScan:  time.Nanosecond,
		QueryBucketedAgg: time.Minute,
	}

	svc, err := NewService(testutil.NewLogger(t), cfg, eng)
	require.NoError(t, err)

	report, err := svc.Run(context.Background(), Options{Hypertable: "metric_hist", Now: now})
	require.NoError(t, err)

	require.ErrorIs(t, report.Err(), ErrThresholdExceeded)
	assert.Equal(t, 1, report.Failed)

	assert.True(t, report.Queries[0].Exceeded)
	assert.False(t, report.Queries[1].Exceeded)
	assert.Equal(t, time.Minute, report.Queries[1].Threshold)
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	cfg.Repetitions = 0

	_, err := NewService(testutil.NewLogger(t), cfg, testutil.NewLocalEngine(t))
	require.ErrorIs(t, err, ErrInvalidRepetitions)
}

func TestComputeStats(t *testing.T) {
	durations := []time.Duration{
		5 * time.Millisecond,
		time.Millisecond,
		3 * time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
	}

	stats := computeStats(durations)

	assert.Equal(t, time.Millisecond, stats.Min)
	assert.Equal(t, 5*time.Millisecond, stats.Max)
	assert.Equal(t, 3*time.Millisecond, stats.Mean)
	assert.Equal(t, 3*time.Millisecond, stats.Median)
	assert.Equal(t, 5*time.Millisecond, stats.P95)

	assert.Equal(t, LatencyStats{}, computeStats(nil))
}

func TestReportOutputs(t *testing.T) {
	eng := testutil.NewLocalEngine(t)
	now := seedEngine(t, eng)

	svc, err := NewService(testutil.NewLogger(t), testConfig(), eng)
	require.NoError(t, err)

	report, err := svc.Run(context.Background(), Options{Hypertable: "metric_hist", Now: now})
	require.NoError(t, err)

	var machine bytes.Buffer
	require.NoError(t, report.WriteJSON(&machine))

	decoded := &Report{}
	require.NoError(t, json.Unmarshal(machine.Bytes(), decoded))
	assert.Equal(t, report.Hypertable, decoded.Hypertable)
	assert.Len(t, decoded.Queries, len(report.Queries))

	var human bytes.Buffer
	require.NoError(t, report.Summary(&human))
	assert.Contains(t, human.String(), QueryRecentScan)
	assert.Contains(t, human.String(), "120 rows")
}
