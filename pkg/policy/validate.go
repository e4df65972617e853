package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Static validation errors. ErrPolicyConfig wraps every invariant violation so
// callers can classify configuration rejections with errors.Is.
var (
	ErrPolicyConfig = errors.New("policy configuration invalid")
)

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPolicyConfig, fmt.Sprintf(format, args...))
}

// Validate checks the hypertable invariants: a name, a declared time column of
// timestamp type, and a positive chunk interval.
func (h *HypertableSpec) Validate() error {
	if h.Name == "" {
		return configErr("hypertable name is required")
	}

	if h.ChunkInterval <= 0 {
		return configErr("hypertable %s: chunk interval must be positive, got %s", h.Name, h.ChunkInterval)
	}

	if h.TimeColumn == "" {
		return configErr("hypertable %s: time column is required", h.Name)
	}

	col, ok := h.Column(h.TimeColumn)
	if !ok {
		return configErr("hypertable %s: time column %q is not declared", h.Name, h.TimeColumn)
	}

	if col.Type != ColumnTimestamp {
		return configErr("hypertable %s: time column %q must be of type timestamp, got %s", h.Name, h.TimeColumn, col.Type)
	}

	seen := make(map[string]struct{}, len(h.Columns))
	for _, c := range h.Columns {
		if _, dup := seen[c.Name]; dup {
			return configErr("hypertable %s: duplicate column %q", h.Name, c.Name)
		}
		seen[c.Name] = struct{}{}

		switch c.Type {
		case ColumnTimestamp, ColumnInt, ColumnFloat, ColumnString, ColumnBool:
		default:
			return configErr("hypertable %s: column %q has unknown type %q", h.Name, c.Name, c.Type)
		}
	}

	return nil
}

// Validate checks the compression invariants against the owning hypertable:
// positive compress_after, declared segment/order columns, and the time column
// present descending in order_by so compressed segments match latest-first
// access.
func (p *CompressionPolicy) Validate(table *HypertableSpec) error {
	if p.CompressAfter <= 0 {
		return configErr("hypertable %s: compressAfter must be positive, got %s", table.Name, p.CompressAfter)
	}

	for _, col := range p.SegmentBy {
		if _, ok := table.Column(col); !ok {
			return configErr("hypertable %s: segmentBy column %q is not declared", table.Name, col)
		}
	}

	timeDescending := false
	for _, ob := range p.OrderBy {
		if _, ok := table.Column(ob.Column); !ok {
			return configErr("hypertable %s: orderBy column %q is not declared", table.Name, ob.Column)
		}

		if ob.Column == table.TimeColumn && ob.Descending {
			timeDescending = true
		}
	}

	if !timeDescending {
		return configErr("hypertable %s: orderBy must include time column %q descending", table.Name, table.TimeColumn)
	}

	return p.Schedule.validate(table.Name, KindCompression)
}

// Validate checks the retention invariants. The compression policy may be nil
// when the hypertable is not compressed; otherwise drop_after must not undercut
// compress_after, so retention and compression never race on the same chunk.
func (p *RetentionPolicy) Validate(table *HypertableSpec, compression *CompressionPolicy) error {
	if p.DropAfter <= 0 {
		return configErr("hypertable %s: dropAfter must be positive, got %s", table.Name, p.DropAfter)
	}

	if compression != nil && p.DropAfter < compression.CompressAfter {
		return configErr("hypertable %s: dropAfter (%s) must not be shorter than compressAfter (%s)",
			table.Name, p.DropAfter, compression.CompressAfter)
	}

	return p.Schedule.validate(table.Name, KindRetention)
}

// Validate checks the aggregate invariants: a positive bucket width, a strictly
// positive end offset (the late-write tail is never materialized), a refresh
// window that is non-empty, and well-formed expressions.
func (a *AggregateSpec) Validate(table *HypertableSpec) error {
	if a.Name == "" {
		return configErr("hypertable %s: aggregate name is required", table.Name)
	}

	if a.BucketWidth <= 0 {
		return configErr("aggregate %s: bucketWidth must be positive, got %s", a.Name, a.BucketWidth)
	}

	if a.EndOffset <= 0 {
		return configErr("aggregate %s: endOffset must be positive, got %s", a.Name, a.EndOffset)
	}

	if a.StartOffset <= a.EndOffset {
		return configErr("aggregate %s: startOffset (%s) must be greater than endOffset (%s)",
			a.Name, a.StartOffset, a.EndOffset)
	}

	if len(a.Aggregates) == 0 {
		return configErr("aggregate %s: at least one aggregation expression is required", a.Name)
	}

	seen := make(map[string]struct{}, len(a.Aggregates))
	for _, expr := range a.Aggregates {
		alias := expr.OutputName()
		if _, dup := seen[alias]; dup {
			return configErr("aggregate %s: duplicate output column %q", a.Name, alias)
		}
		seen[alias] = struct{}{}

		switch expr.Func {
		case AggCount:
			// count needs no source column
		case AggAvg, AggMin, AggMax, AggLast:
			if _, ok := table.Column(expr.Column); !ok {
				return configErr("aggregate %s: %s column %q is not declared on %s", a.Name, expr.Func, expr.Column, table.Name)
			}
		case AggQuantile:
			if _, ok := table.Column(expr.Column); !ok {
				return configErr("aggregate %s: quantile column %q is not declared on %s", a.Name, expr.Column, table.Name)
			}
			if expr.Quantile <= 0 || expr.Quantile >= 1 {
				return configErr("aggregate %s: quantile must be in (0, 1), got %v", a.Name, expr.Quantile)
			}
		default:
			return configErr("aggregate %s: unknown aggregation function %q", a.Name, expr.Func)
		}
	}

	return a.Schedule.validate(a.Name, KindAggregate)
}

// OutputName returns the materialized column name for an expression
func (e AggregateExpr) OutputName() string {
	if e.Alias != "" {
		return e.Alias
	}

	if e.Column == "" {
		return string(e.Func)
	}

	return fmt.Sprintf("%s_%s", e.Func, e.Column)
}

// OutputColumn synthesizes the column spec of an expression's materialized
// output: counts are ints, averages and quantiles are floats, min/max/last
// keep the source column's type
func (e AggregateExpr) OutputColumn(table *HypertableSpec) ColumnSpec {
	name := e.OutputName()

	switch e.Func {
	case AggCount:
		return ColumnSpec{Name: name, Type: ColumnInt}
	case AggAvg, AggQuantile:
		return ColumnSpec{Name: name, Type: ColumnFloat}
	default:
		src, ok := table.Column(e.Column)
		if !ok {
			return ColumnSpec{Name: name, Type: ColumnString}
		}

		return ColumnSpec{Name: name, Type: src.Type}
	}
}

// Validate checks an index spec against the owning hypertable
func (i *IndexSpec) Validate(table *HypertableSpec) error {
	if i.Name == "" {
		return configErr("hypertable %s: index name is required", table.Name)
	}

	if len(i.Columns) == 0 {
		return configErr("index %s: at least one column is required", i.Name)
	}

	for _, col := range i.Columns {
		if _, ok := table.Column(col); !ok {
			return configErr("index %s: column %q is not declared on %s", i.Name, col, table.Name)
		}
	}

	return nil
}

func (s *JobSchedule) validate(owner string, kind Kind) error {
	if s.ScheduleInterval <= 0 {
		return configErr("%s %s job: scheduleInterval must be positive, got %s", owner, kind, s.ScheduleInterval)
	}

	if s.MaxRuntime <= 0 {
		return configErr("%s %s job: maxRuntime must be positive, got %s", owner, kind, s.MaxRuntime)
	}

	if s.RetryPeriod <= 0 {
		return configErr("%s %s job: retryPeriod must be positive, got %s", owner, kind, s.RetryPeriod)
	}

	return nil
}

// BucketStart floors a timestamp to the aggregate's bucket boundary in UTC
func (a *AggregateSpec) BucketStart(ts int64) int64 {
	width := a.BucketWidth.Nanoseconds()
	if width <= 0 {
		return ts
	}

	floored := ts - mod(ts, width)

	return floored
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}

	return m
}

// String renders the order-by clause the way it appears in reports
func (o OrderByColumn) String() string {
	if o.Descending {
		return o.Column + " DESC"
	}

	return o.Column + " ASC"
}

// OrderByString renders the full order-by list for reports and SQL rendering
func OrderByString(cols []OrderByColumn) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, c.String())
	}

	return strings.Join(parts, ", ")
}
