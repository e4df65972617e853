package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	return path
}

func TestLoadManifestFromYAML(t *testing.T) {
	path := writeManifest(t, `
hypertables:
  - name: metric_hist
    timeColumn: time
    chunkInterval: 1h
    columns:
      - name: time
        type: timestamp
      - name: equipment_id
        type: string
      - name: value
        type: float
    compression:
      segmentBy: [equipment_id]
      orderBy:
        - column: time
          descending: true
      compressAfter: 24h
      schedule:
        scheduleInterval: 1m
    retention:
      dropAfter: 2160h
    indexes:
      - name: metric_hist_equipment
        columns: [equipment_id, time]
    aggregates:
      - name: metric_hist_1m
        bucketWidth: 1m
        aggregates:
          - func: count
            alias: samples
        startOffset: 30m
        endOffset: 1m
`)

	m, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, m.Tables, 1)

	table := m.Tables[0]
	assert.Equal(t, "metric_hist", table.Name)
	assert.Equal(t, time.Hour, table.ChunkInterval)

	require.NotNil(t, table.Compression)
	assert.Equal(t, []string{"equipment_id"}, table.Compression.SegmentBy)
	assert.Equal(t, 24*time.Hour, table.Compression.CompressAfter)
	assert.Equal(t, "metric_hist", table.Compression.Hypertable, "back-reference filled by Validate")
	assert.Equal(t, 5*time.Minute, table.Compression.Schedule.MaxRuntime, "defaults applied to omitted schedule fields")

	require.NotNil(t, table.Retention)
	assert.Equal(t, 90*24*time.Hour, table.Retention.DropAfter)

	require.Len(t, table.Aggregates, 1)
	assert.Equal(t, 30*time.Minute, table.Aggregates[0].StartOffset)
}

func TestLoadManifestRejectsUnknownTopLevelKey(t *testing.T) {
	path := writeManifest(t, `
tables:
  - name: metric_hist
    timeColumn: time
    columns:
      - name: time
        type: timestamp
`)

	m, err := LoadManifest(path)
	require.Error(t, err, "a misspelled top-level key must not decode to an empty manifest")
	assert.Nil(t, m)
	assert.Contains(t, err.Error(), "tables")
}

func TestLoadManifestRejectsMisspelledPolicyField(t *testing.T) {
	path := writeManifest(t, `
hypertables:
  - name: metric_hist
    timeColumn: time
    chunkInterval: 1h
    columns:
      - name: time
        type: timestamp
      - name: equipment_id
        type: string
    compression:
      segmentBy: [equipment_id]
      compresAfter: 24h
`)

	m, err := LoadManifest(path)
	require.Error(t, err)
	assert.Nil(t, m)
	assert.Contains(t, err.Error(), "compresAfter")
}
