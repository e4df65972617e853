// Package policy defines the typed lifecycle policy configuration for
// hypertables: chunk intervals, compression, retention, and continuous
// aggregates. All invariants are checked at construction time so that an
// invalid policy is rejected before it is ever applied.
package policy

import (
	"time"
)

// Kind identifies a lifecycle policy type. Each (hypertable, kind) pair is
// driven by at most one background job.
type Kind string

const (
	// KindCompression converts aged chunks to columnar form
	KindCompression Kind = "compression"
	// KindRetention drops chunks past the retention horizon
	KindRetention Kind = "retention"
	// KindAggregate refreshes a continuous aggregate
	KindAggregate Kind = "aggregate"
)

// ColumnType is the declared type of a hypertable column
type ColumnType string

// Supported column types
const (
	ColumnTimestamp ColumnType = "timestamp"
	ColumnInt       ColumnType = "int"
	ColumnFloat     ColumnType = "float"
	ColumnString    ColumnType = "string"
	ColumnBool      ColumnType = "bool"
)

// ColumnSpec declares a single column of a hypertable
type ColumnSpec struct {
	Name string     `yaml:"name"`
	Type ColumnType `yaml:"type"`
}

// HypertableSpec describes a logical time-series table. ChunkInterval is fixed
// per hypertable; changing it only affects chunks created afterwards.
type HypertableSpec struct {
	Name          string        `yaml:"name"`
	TimeColumn    string        `yaml:"timeColumn" default:"time"`
	ChunkInterval time.Duration `yaml:"chunkInterval" default:"1h"`
	Columns       []ColumnSpec  `yaml:"columns"`
}

// ChunkStart floors a timestamp to the boundary of the chunk that covers it,
// in UTC
func (h *HypertableSpec) ChunkStart(ts time.Time) time.Time {
	width := h.ChunkInterval.Nanoseconds()
	if width <= 0 {
		return ts.UTC()
	}

	ns := ts.UTC().UnixNano()

	return time.Unix(0, ns-mod(ns, width)).UTC()
}

// Column returns the spec for a named column, or false if undeclared
func (h *HypertableSpec) Column(name string) (ColumnSpec, bool) {
	for _, c := range h.Columns {
		if c.Name == name {
			return c, true
		}
	}

	return ColumnSpec{}, false
}

// OrderByColumn is one intra-segment sort key for compression
type OrderByColumn struct {
	Column     string `yaml:"column"`
	Descending bool   `yaml:"descending"`
}

// JobSchedule carries the recurring-job parameters shared by every policy kind
type JobSchedule struct {
	ScheduleInterval time.Duration `yaml:"scheduleInterval" default:"1m"`
	MaxRuntime       time.Duration `yaml:"maxRuntime" default:"5m"`
	RetryPeriod      time.Duration `yaml:"retryPeriod" default:"30s"`
}

// CompressionPolicy configures segment-by/order-by compression for one
// hypertable. Chunks whose range_end is older than CompressAfter are eligible.
type CompressionPolicy struct {
	Hypertable    string          `yaml:"-"`
	SegmentBy     []string        `yaml:"segmentBy"`
	OrderBy       []OrderByColumn `yaml:"orderBy"`
	CompressAfter time.Duration   `yaml:"compressAfter" default:"168h"`
	Schedule      JobSchedule     `yaml:"schedule"`
}

// RetentionPolicy configures the drop horizon for one hypertable. Age is
// measured from a chunk's range_end.
type RetentionPolicy struct {
	Hypertable string        `yaml:"-"`
	DropAfter  time.Duration `yaml:"dropAfter" default:"2160h"`
	Schedule   JobSchedule   `yaml:"schedule"`
}

// AggregateFunc names a supported aggregation expression
type AggregateFunc string

// Supported aggregation functions
const (
	AggCount    AggregateFunc = "count"
	AggAvg      AggregateFunc = "avg"
	AggMin      AggregateFunc = "min"
	AggMax      AggregateFunc = "max"
	AggQuantile AggregateFunc = "quantile"
	AggLast     AggregateFunc = "last"
)

// AggregateExpr is one output column of a continuous aggregate
type AggregateExpr struct {
	Func     AggregateFunc `yaml:"func"`
	Column   string        `yaml:"column"`
	Alias    string        `yaml:"alias"`
	Quantile float64       `yaml:"quantile"`
}

// AggregateSpec describes a named materialized rollup over one hypertable.
// The most recent EndOffset of wall-clock time is never materialized because
// that window may still receive late writes.
type AggregateSpec struct {
	Name        string          `yaml:"name"`
	Hypertable  string          `yaml:"-"`
	BucketWidth time.Duration   `yaml:"bucketWidth" default:"1m"`
	Aggregates  []AggregateExpr `yaml:"aggregates"`
	StartOffset time.Duration   `yaml:"startOffset" default:"3h"`
	EndOffset   time.Duration   `yaml:"endOffset" default:"1m"`
	Schedule    JobSchedule     `yaml:"schedule"`
}

// IndexSpec names a secondary index the orchestrator creates for a hypertable
type IndexSpec struct {
	Name       string   `yaml:"name"`
	Hypertable string   `yaml:"-"`
	Columns    []string `yaml:"columns"`
	// Predicate makes the index partial; empty means a full index
	Predicate string `yaml:"predicate"`
}
