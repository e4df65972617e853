package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/telemetryops/tslc/pkg/engine/local"
	"github.com/telemetryops/tslc/pkg/policy"
)

// NewLocalEngine starts an in-memory embedded engine. The store is stopped
// when the test completes.
func NewLocalEngine(t *testing.T) *local.Store {
	t.Helper()

	store, err := local.NewStore(NewLogger(t), &local.Config{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, store.Start(context.Background()))

	t.Cleanup(func() {
		require.NoError(t, store.Stop())
	})

	return store
}

// NewLogger returns a quiet logger for test fixtures
func NewLogger(_ *testing.T) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// MetricHistSpec is the canonical test hypertable: equipment telemetry with
// hourly chunks
func MetricHistSpec() policy.HypertableSpec {
	return policy.HypertableSpec{
		Name:          "metric_hist",
		TimeColumn:    "time",
		ChunkInterval: time.Hour,
		Columns: []policy.ColumnSpec{
			{Name: "time", Type: policy.ColumnTimestamp},
			{Name: "equipment_id", Type: policy.ColumnString},
			{Name: "value", Type: policy.ColumnFloat},
			{Name: "counter", Type: policy.ColumnInt},
		},
	}
}

// MetricHistCompression pairs with MetricHistSpec: segment by equipment,
// newest first, compress after seven days
func MetricHistCompression() policy.CompressionPolicy {
	return policy.CompressionPolicy{
		Hypertable:    "metric_hist",
		SegmentBy:     []string{"equipment_id"},
		OrderBy:       []policy.OrderByColumn{{Column: "time", Descending: true}},
		CompressAfter: 7 * 24 * time.Hour,
		Schedule: policy.JobSchedule{
			ScheduleInterval: time.Hour,
			MaxRuntime:       15 * time.Minute,
			RetryPeriod:      5 * time.Minute,
		},
	}
}

// MetricHistRetention pairs with MetricHistCompression: drop after ninety
// days
func MetricHistRetention() policy.RetentionPolicy {
	return policy.RetentionPolicy{
		Hypertable: "metric_hist",
		DropAfter:  90 * 24 * time.Hour,
		Schedule: policy.JobSchedule{
			ScheduleInterval: 24 * time.Hour,
			MaxRuntime:       time.Hour,
			RetryPeriod:      time.Hour,
		},
	}
}
