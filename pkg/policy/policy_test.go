package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metricHistTable() TableManifest {
	return TableManifest{
		HypertableSpec: HypertableSpec{
			Name:          "metric_hist",
			TimeColumn:    "time",
			ChunkInterval: time.Hour,
			Columns: []ColumnSpec{
				{Name: "time", Type: ColumnTimestamp},
				{Name: "equipment_id", Type: ColumnString},
				{Name: "value", Type: ColumnFloat},
			},
		},
		Compression: &CompressionPolicy{
			SegmentBy: []string{"equipment_id"},
			OrderBy: []OrderByColumn{
				{Column: "time", Descending: true},
			},
			CompressAfter: 7 * 24 * time.Hour,
			Schedule:      JobSchedule{ScheduleInterval: time.Minute, MaxRuntime: 5 * time.Minute, RetryPeriod: 30 * time.Second},
		},
		Retention: &RetentionPolicy{
			DropAfter: 90 * 24 * time.Hour,
			Schedule:  JobSchedule{ScheduleInterval: time.Hour, MaxRuntime: 5 * time.Minute, RetryPeriod: 30 * time.Second},
		},
	}
}

func TestManifestValidate(t *testing.T) {
	t.Run("accepts a well-formed manifest", func(t *testing.T) {
		m := &Manifest{Tables: []TableManifest{metricHistTable()}}

		require.NoError(t, m.Validate())
		assert.Equal(t, "metric_hist", m.Tables[0].Compression.Hypertable, "back-reference should be filled")
		assert.Equal(t, "metric_hist", m.Tables[0].Retention.Hypertable)
	})

	t.Run("rejects dropAfter shorter than compressAfter naming both values", func(t *testing.T) {
		table := metricHistTable()
		table.Compression.CompressAfter = 7 * 24 * time.Hour
		table.Retention.DropAfter = 5 * 24 * time.Hour

		m := &Manifest{Tables: []TableManifest{table}}

		err := m.Validate()
		require.ErrorIs(t, err, ErrPolicyConfig)
		assert.Contains(t, err.Error(), "120h0m0s")
		assert.Contains(t, err.Error(), "168h0m0s")
	})

	t.Run("rejects orderBy without time column descending", func(t *testing.T) {
		table := metricHistTable()
		table.Compression.OrderBy = []OrderByColumn{{Column: "value"}}

		m := &Manifest{Tables: []TableManifest{table}}

		err := m.Validate()
		require.ErrorIs(t, err, ErrPolicyConfig)
		assert.Contains(t, err.Error(), "time")
	})

	t.Run("rejects undeclared segmentBy column", func(t *testing.T) {
		table := metricHistTable()
		table.Compression.SegmentBy = []string{"no_such_column"}

		err := (&Manifest{Tables: []TableManifest{table}}).Validate()
		require.ErrorIs(t, err, ErrPolicyConfig)
	})

	t.Run("rejects zero chunk interval", func(t *testing.T) {
		table := metricHistTable()
		table.ChunkInterval = 0

		err := (&Manifest{Tables: []TableManifest{table}}).Validate()
		require.ErrorIs(t, err, ErrPolicyConfig)
	})

	t.Run("rejects duplicate hypertables", func(t *testing.T) {
		err := (&Manifest{Tables: []TableManifest{metricHistTable(), metricHistTable()}}).Validate()
		require.ErrorIs(t, err, ErrPolicyConfig)
	})
}

func TestAggregateValidate(t *testing.T) {
	table := metricHistTable()

	valid := AggregateSpec{
		Name:        "metric_1m",
		BucketWidth: time.Minute,
		Aggregates: []AggregateExpr{
			{Func: AggCount},
			{Func: AggAvg, Column: "value"},
			{Func: AggQuantile, Column: "value", Quantile: 0.95, Alias: "p95_value"},
			{Func: AggLast, Column: "value"},
		},
		StartOffset: 3 * time.Hour,
		EndOffset:   time.Minute,
		Schedule:    JobSchedule{ScheduleInterval: time.Minute, MaxRuntime: time.Minute, RetryPeriod: 15 * time.Second},
	}

	t.Run("accepts a valid aggregate", func(t *testing.T) {
		agg := valid
		require.NoError(t, agg.Validate(&table.HypertableSpec))
	})

	t.Run("rejects zero endOffset", func(t *testing.T) {
		agg := valid
		agg.EndOffset = 0

		err := agg.Validate(&table.HypertableSpec)
		require.ErrorIs(t, err, ErrPolicyConfig)
		assert.Contains(t, err.Error(), "endOffset")
	})

	t.Run("rejects startOffset not beyond endOffset", func(t *testing.T) {
		agg := valid
		agg.StartOffset = time.Minute
		agg.EndOffset = time.Minute

		require.ErrorIs(t, agg.Validate(&table.HypertableSpec), ErrPolicyConfig)
	})

	t.Run("rejects quantile outside (0,1)", func(t *testing.T) {
		agg := valid
		agg.Aggregates = []AggregateExpr{{Func: AggQuantile, Column: "value", Quantile: 1.5}}

		require.ErrorIs(t, agg.Validate(&table.HypertableSpec), ErrPolicyConfig)
	})

	t.Run("rejects duplicate output columns", func(t *testing.T) {
		agg := valid
		agg.Aggregates = []AggregateExpr{
			{Func: AggAvg, Column: "value", Alias: "v"},
			{Func: AggMax, Column: "value", Alias: "v"},
		}

		require.ErrorIs(t, agg.Validate(&table.HypertableSpec), ErrPolicyConfig)
	})
}

func TestAggregateExprOutputName(t *testing.T) {
	assert.Equal(t, "count", AggregateExpr{Func: AggCount}.OutputName())
	assert.Equal(t, "avg_value", AggregateExpr{Func: AggAvg, Column: "value"}.OutputName())
	assert.Equal(t, "p95", AggregateExpr{Func: AggQuantile, Column: "value", Alias: "p95"}.OutputName())
}

func TestBucketStart(t *testing.T) {
	agg := AggregateSpec{BucketWidth: time.Minute}

	ts := time.Date(2026, 3, 1, 10, 4, 37, 123, time.UTC)
	got := agg.BucketStart(ts.UnixNano())

	assert.Equal(t, time.Date(2026, 3, 1, 10, 4, 0, 0, time.UTC).UnixNano(), got)
}

func TestParseEnvironment(t *testing.T) {
	for _, env := range []string{"production", "staging", "development"} {
		got, err := ParseEnvironment(env)
		require.NoError(t, err)
		assert.Equal(t, Environment(env), got)
	}

	_, err := ParseEnvironment("qa")
	require.ErrorIs(t, err, ErrPolicyConfig)
}

func TestRecommendationOrdering(t *testing.T) {
	prod := EnvProduction.Recommended()
	dev := EnvDevelopment.Recommended()

	assert.Greater(t, prod.Workers, dev.Workers)
	assert.Greater(t, prod.StorageHeadroomBytes, dev.StorageHeadroomBytes)
}
