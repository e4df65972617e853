// Package engine defines the contract of the time-series store collaborator:
// the component that physically holds chunk data and executes lifecycle
// operations (columnar compression, chunk drops, rollup materialization) on
// behalf of the managers. Two implementations exist: an embedded badger-backed
// store (pkg/engine/local) and an HTTP/SQL client (pkg/engine/remote).
package engine

import (
	"time"
)

// ChunkState is the compression state of a chunk
type ChunkState string

// Chunk states. A chunk is an atomic unit of compression and deletion; there
// is no partially-compressed state visible outside a transform.
const (
	ChunkUncompressed ChunkState = "uncompressed"
	ChunkCompressed   ChunkState = "compressed"
)

// ChunkMeta is the catalog metadata for one physical chunk covering the
// half-open time range [RangeStart, RangeEnd). Version increases on every
// metadata mutation and backs the optimistic single-writer-per-chunk check.
type ChunkMeta struct {
	ID         string     `json:"id"`
	Hypertable string     `json:"hypertable"`
	RangeStart time.Time  `json:"range_start"`
	RangeEnd   time.Time  `json:"range_end"`
	State      ChunkState `json:"state"`
	RowCount   int64      `json:"row_count"`
	Bytes      int64      `json:"bytes"`
	Version    uint64     `json:"version"`
}

// Covers reports whether ts falls inside the chunk's half-open range
func (c *ChunkMeta) Covers(ts time.Time) bool {
	return !ts.Before(c.RangeStart) && ts.Before(c.RangeEnd)
}

// Age returns how long ago the chunk's range ended
func (c *ChunkMeta) Age(now time.Time) time.Duration {
	return now.Sub(c.RangeEnd)
}

// Row is a single record keyed by column name. Values use the declared column
// types: time.Time for timestamp, int64 for int, float64 for float, string,
// bool, and nil for NULL.
type Row map[string]any

// Window is a half-open time range [Start, End)
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the window length
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// IsZero reports whether the window is empty or inverted
func (w Window) IsZero() bool {
	return !w.End.After(w.Start)
}

// BucketRow is one materialized bucket of a continuous aggregate
type BucketRow struct {
	Bucket time.Time      `json:"bucket"`
	Values map[string]any `json:"values"`
}

// TableStats summarizes physical storage for one hypertable
type TableStats struct {
	Hypertable       string `json:"hypertable"`
	Chunks           int    `json:"chunks"`
	CompressedChunks int    `json:"compressed_chunks"`
	Rows             int64  `json:"rows"`
	Bytes            int64  `json:"bytes"`
}
