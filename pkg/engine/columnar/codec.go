// Package columnar implements the compressed chunk representation: rows are
// grouped by the policy's segment-by columns, sorted within each segment by
// the order-by columns, transposed into typed column vectors, and the whole
// block is zstd-compressed. Decoding reconstructs the exact row set including
// NULLs.
package columnar

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/policy"
)

const blockVersion = 1

// Static errors
var (
	// ErrBlockVersion is returned when a block was written by an unknown
	// codec version
	ErrBlockVersion = errors.New("unsupported columnar block version")
	// ErrColumnLength is returned when a decoded column vector does not match
	// the segment row count
	ErrColumnLength = errors.New("column vector length mismatch")
)

type block struct {
	Version  int       `json:"version"`
	Segments []segment `json:"segments"`
}

type segment struct {
	// Key holds the segment-by column values, JSON-encoded per column so the
	// schema-aware decoder restores exact types
	Key     map[string]json.RawMessage `json:"key"`
	Rows    int                        `json:"rows"`
	Columns map[string]columnVector    `json:"columns"`
}

// columnVector stores one column of one segment. Exactly one slice is set,
// matching the declared column type; nil elements are NULLs.
type columnVector struct {
	Timestamps []*int64   `json:"ts,omitempty"`
	Ints       []*int64   `json:"i,omitempty"`
	Floats     []*float64 `json:"f,omitempty"`
	Strings    []*string  `json:"s,omitempty"`
	Bools      []*bool    `json:"b,omitempty"`
}

// Encode builds the compressed columnar block for a chunk's rows
func Encode(spec *policy.HypertableSpec, p *policy.CompressionPolicy, rows []engine.Row) ([]byte, error) {
	groups, order := groupBySegment(p.SegmentBy, rows)

	blk := block{Version: blockVersion, Segments: make([]segment, 0, len(groups))}

	for _, key := range order {
		segRows := groups[key]
		sortRows(segRows, p.OrderBy)

		seg, err := buildSegment(spec, p.SegmentBy, segRows)
		if err != nil {
			return nil, err
		}

		blk.Segments = append(blk.Segments, seg)
	}

	raw, err := json.Marshal(&blk)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal columnar block: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer func() { _ = enc.Close() }()

	return enc.EncodeAll(raw, nil), nil
}

// Decode reconstructs the full row set from a compressed block
func Decode(spec *policy.HypertableSpec, data []byte) ([]engine.Row, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress columnar block: %w", err)
	}

	var blk block
	if err := json.Unmarshal(raw, &blk); err != nil {
		return nil, fmt.Errorf("failed to unmarshal columnar block: %w", err)
	}

	if blk.Version != blockVersion {
		return nil, fmt.Errorf("%w: %d", ErrBlockVersion, blk.Version)
	}

	var rows []engine.Row
	for i := range blk.Segments {
		segRows, err := expandSegment(spec, &blk.Segments[i])
		if err != nil {
			return nil, err
		}

		rows = append(rows, segRows...)
	}

	return rows, nil
}

// groupBySegment partitions rows by their segment-by key. Segments are
// emitted in sorted key order so encoding is deterministic for a given input.
func groupBySegment(segmentBy []string, rows []engine.Row) (map[string][]engine.Row, []string) {
	groups := make(map[string][]engine.Row)
	order := make([]string, 0)

	for _, row := range rows {
		key := segmentKey(segmentBy, row)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}

		groups[key] = append(groups[key], row)
	}

	sort.Strings(order)

	return groups, order
}

func segmentKey(segmentBy []string, row engine.Row) string {
	parts := make([]any, 0, len(segmentBy))
	for _, col := range segmentBy {
		parts = append(parts, row[col])
	}

	key, _ := json.Marshal(parts)

	return string(key)
}

func sortRows(rows []engine.Row, orderBy []policy.OrderByColumn) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, ob := range orderBy {
			c := compareValues(rows[i][ob.Column], rows[j][ob.Column])
			if c == 0 {
				continue
			}

			if ob.Descending {
				return c > 0
			}

			return c < 0
		}

		return false
	})
}

// compareValues orders two canonical values of the same column type.
// NULL sorts after every non-NULL value.
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}

	switch av := a.(type) {
	case time.Time:
		bv, _ := b.(time.Time)
		return av.Compare(bv)
	case int64:
		bv, _ := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case float64:
		bv, _ := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case string:
		bv, _ := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case bool:
		bv, _ := b.(bool)
		switch {
		case !av && bv:
			return -1
		case av && !bv:
			return 1
		}
	}

	return 0
}

func buildSegment(spec *policy.HypertableSpec, segmentBy []string, rows []engine.Row) (segment, error) {
	seg := segment{
		Key:     make(map[string]json.RawMessage, len(segmentBy)),
		Rows:    len(rows),
		Columns: make(map[string]columnVector, len(spec.Columns)),
	}

	if len(rows) > 0 {
		for _, col := range segmentBy {
			raw, err := json.Marshal(rows[0][col])
			if err != nil {
				return segment{}, fmt.Errorf("failed to encode segment key %q: %w", col, err)
			}

			seg.Key[col] = raw
		}
	}

	for _, col := range spec.Columns {
		vec, err := buildVector(col, rows)
		if err != nil {
			return segment{}, err
		}

		seg.Columns[col.Name] = vec
	}

	return seg, nil
}

func buildVector(col policy.ColumnSpec, rows []engine.Row) (columnVector, error) {
	var vec columnVector

	switch col.Type {
	case policy.ColumnTimestamp:
		vec.Timestamps = make([]*int64, len(rows))
		for i, row := range rows {
			if v, ok := row[col.Name].(time.Time); ok {
				ns := v.UnixNano()
				vec.Timestamps[i] = &ns
			}
		}
	case policy.ColumnInt:
		vec.Ints = make([]*int64, len(rows))
		for i, row := range rows {
			if v, ok := row[col.Name].(int64); ok {
				n := v
				vec.Ints[i] = &n
			}
		}
	case policy.ColumnFloat:
		vec.Floats = make([]*float64, len(rows))
		for i, row := range rows {
			if v, ok := row[col.Name].(float64); ok {
				f := v
				vec.Floats[i] = &f
			}
		}
	case policy.ColumnString:
		vec.Strings = make([]*string, len(rows))
		for i, row := range rows {
			if v, ok := row[col.Name].(string); ok {
				s := v
				vec.Strings[i] = &s
			}
		}
	case policy.ColumnBool:
		vec.Bools = make([]*bool, len(rows))
		for i, row := range rows {
			if v, ok := row[col.Name].(bool); ok {
				b := v
				vec.Bools[i] = &b
			}
		}
	default:
		return columnVector{}, fmt.Errorf("%w: column %q has unknown type %q", engine.ErrTypeMismatch, col.Name, col.Type)
	}

	return vec, nil
}

func expandSegment(spec *policy.HypertableSpec, seg *segment) ([]engine.Row, error) {
	rows := make([]engine.Row, seg.Rows)
	for i := range rows {
		rows[i] = make(engine.Row, len(spec.Columns))
	}

	for _, col := range spec.Columns {
		vec, ok := seg.Columns[col.Name]
		if !ok {
			// Column added after the chunk was compressed: all NULLs
			for i := range rows {
				rows[i][col.Name] = nil
			}
			continue
		}

		if err := expandVector(col, vec, rows); err != nil {
			return nil, err
		}
	}

	return rows, nil
}

func expandVector(col policy.ColumnSpec, vec columnVector, rows []engine.Row) error {
	switch col.Type {
	case policy.ColumnTimestamp:
		if len(vec.Timestamps) != len(rows) {
			return fmt.Errorf("%w: column %q", ErrColumnLength, col.Name)
		}
		for i, v := range vec.Timestamps {
			if v == nil {
				rows[i][col.Name] = nil
			} else {
				rows[i][col.Name] = time.Unix(0, *v).UTC()
			}
		}
	case policy.ColumnInt:
		if len(vec.Ints) != len(rows) {
			return fmt.Errorf("%w: column %q", ErrColumnLength, col.Name)
		}
		for i, v := range vec.Ints {
			rows[i][col.Name] = deref(v)
		}
	case policy.ColumnFloat:
		if len(vec.Floats) != len(rows) {
			return fmt.Errorf("%w: column %q", ErrColumnLength, col.Name)
		}
		for i, v := range vec.Floats {
			rows[i][col.Name] = deref(v)
		}
	case policy.ColumnString:
		if len(vec.Strings) != len(rows) {
			return fmt.Errorf("%w: column %q", ErrColumnLength, col.Name)
		}
		for i, v := range vec.Strings {
			rows[i][col.Name] = deref(v)
		}
	case policy.ColumnBool:
		if len(vec.Bools) != len(rows) {
			return fmt.Errorf("%w: column %q", ErrColumnLength, col.Name)
		}
		for i, v := range vec.Bools {
			rows[i][col.Name] = deref(v)
		}
	default:
		return fmt.Errorf("%w: column %q has unknown type %q", engine.ErrTypeMismatch, col.Name, col.Type)
	}

	return nil
}

// deref converts a typed pointer back to the canonical any value, with nil
// pointers becoming untyped NULLs
func deref[T any](p *T) any {
	if p == nil {
		return nil
	}

	return *p
}
