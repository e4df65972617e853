package columnar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/policy"
)

func testSchema() *policy.HypertableSpec {
	return &policy.HypertableSpec{
		Name:          "metric_hist",
		TimeColumn:    "time",
		ChunkInterval: time.Hour,
		Columns: []policy.ColumnSpec{
			{Name: "time", Type: policy.ColumnTimestamp},
			{Name: "equipment_id", Type: policy.ColumnString},
			{Name: "counter", Type: policy.ColumnInt},
			{Name: "value", Type: policy.ColumnFloat},
			{Name: "running", Type: policy.ColumnBool},
		},
	}
}

func testPolicy() *policy.CompressionPolicy {
	return &policy.CompressionPolicy{
		Hypertable: "metric_hist",
		SegmentBy:  []string{"equipment_id"},
		OrderBy: []policy.OrderByColumn{
			{Column: "time", Descending: true},
		},
		CompressAfter: 7 * 24 * time.Hour,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	spec := testSchema()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	rows := []engine.Row{
		{"time": base, "equipment_id": "press-01", "counter": int64(1), "value": 1.5, "running": true},
		{"time": base.Add(time.Second), "equipment_id": "press-02", "counter": int64(2), "value": 2.5, "running": false},
		{"time": base.Add(2 * time.Second), "equipment_id": "press-01", "counter": int64(3), "value": nil, "running": nil},
		// Large int64 that would lose precision through float64
		{"time": base.Add(3 * time.Second), "equipment_id": "press-02", "counter": int64(1 << 62), "value": -0.25, "running": true},
		// NULL segment key and NULL string
		{"time": base.Add(4 * time.Second), "equipment_id": nil, "counter": nil, "value": 99.875, "running": false},
	}

	blob, err := Encode(spec, testPolicy(), rows)
	require.NoError(t, err)

	decoded, err := Decode(spec, blob)
	require.NoError(t, err)

	assert.ElementsMatch(t, rows, decoded, "decoded row set must equal the original including NULLs")
}

func TestEncodeGroupsBySegment(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	rows := []engine.Row{
		{"time": base, "equipment_id": "b", "counter": int64(1), "value": 1.0, "running": true},
		{"time": base.Add(time.Second), "equipment_id": "a", "counter": int64(2), "value": 2.0, "running": true},
		{"time": base.Add(2 * time.Second), "equipment_id": "a", "counter": int64(3), "value": 3.0, "running": true},
	}

	groups, order := groupBySegment([]string{"equipment_id"}, rows)

	// "b" arrives first but segments come back in sorted key order
	require.Len(t, order, 2)
	assert.Less(t, order[0], order[1])
	assert.Len(t, groups[order[0]], 2, "segment a holds two rows")
	assert.Len(t, groups[order[1]], 1)
}

func TestSegmentsSortTimeDescending(t *testing.T) {
	spec := testSchema()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	rows := []engine.Row{
		{"time": base, "equipment_id": "a", "counter": int64(1), "value": 1.0, "running": true},
		{"time": base.Add(2 * time.Second), "equipment_id": "a", "counter": int64(3), "value": 3.0, "running": true},
		{"time": base.Add(time.Second), "equipment_id": "a", "counter": int64(2), "value": 2.0, "running": true},
	}

	blob, err := Encode(spec, testPolicy(), rows)
	require.NoError(t, err)

	decoded, err := Decode(spec, blob)
	require.NoError(t, err)

	require.Len(t, decoded, 3)
	for i := 1; i < len(decoded); i++ {
		prev := decoded[i-1]["time"].(time.Time)
		cur := decoded[i]["time"].(time.Time)
		assert.True(t, prev.After(cur), "rows within the segment are latest first")
	}
}

func TestDecodeEmptyBlock(t *testing.T) {
	spec := testSchema()

	blob, err := Encode(spec, testPolicy(), nil)
	require.NoError(t, err)

	decoded, err := Decode(spec, blob)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	spec := testSchema()

	blob, err := Encode(spec, testPolicy(), nil)
	require.NoError(t, err)

	decoded, err := Decode(spec, blob)
	require.NoError(t, err)
	require.Empty(t, decoded)

	// Corrupt input is rejected, not silently tolerated
	_, err = Decode(spec, []byte("not a block"))
	require.Error(t, err)
}

func TestCompareValuesNullsLast(t *testing.T) {
	assert.Equal(t, 1, compareValues(nil, int64(1)))
	assert.Equal(t, -1, compareValues(int64(1), nil))
	assert.Equal(t, 0, compareValues(nil, nil))
	assert.Equal(t, -1, compareValues("a", "b"))
}
