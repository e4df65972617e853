package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/telemetryops/tslc/pkg/policy"
)

// NormalizeRow validates a row against the hypertable schema and converts
// values to their canonical representation (int64, float64, string, bool,
// time.Time in UTC, nil for NULL). Undeclared columns are rejected; declared
// columns absent from the row are stored as NULL.
func NormalizeRow(spec *policy.HypertableSpec, row Row) (Row, error) {
	out := make(Row, len(spec.Columns))

	for name := range row {
		if _, ok := spec.Column(name); !ok {
			return nil, fmt.Errorf("%w: column %q is not declared on %s", ErrTypeMismatch, name, spec.Name)
		}
	}

	for _, col := range spec.Columns {
		raw, ok := row[col.Name]
		if !ok || raw == nil {
			out[col.Name] = nil
			continue
		}

		v, err := normalizeValue(col, raw)
		if err != nil {
			return nil, err
		}

		out[col.Name] = v
	}

	if ts, ok := out[spec.TimeColumn].(time.Time); !ok || ts.IsZero() {
		return nil, fmt.Errorf("%w: row is missing time column %q", ErrTypeMismatch, spec.TimeColumn)
	}

	return out, nil
}

func normalizeValue(col policy.ColumnSpec, raw any) (any, error) {
	switch col.Type {
	case policy.ColumnTimestamp:
		ts, ok := raw.(time.Time)
		if !ok {
			return nil, typeErr(col, raw)
		}
		return ts.UTC(), nil

	case policy.ColumnInt:
		switch v := raw.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		default:
			return nil, typeErr(col, raw)
		}

	case policy.ColumnFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		default:
			return nil, typeErr(col, raw)
		}

	case policy.ColumnString:
		v, ok := raw.(string)
		if !ok {
			return nil, typeErr(col, raw)
		}
		return v, nil

	case policy.ColumnBool:
		v, ok := raw.(bool)
		if !ok {
			return nil, typeErr(col, raw)
		}
		return v, nil

	default:
		return nil, fmt.Errorf("%w: column %q has unknown type %q", ErrTypeMismatch, col.Name, col.Type)
	}
}

func typeErr(col policy.ColumnSpec, raw any) error {
	return fmt.Errorf("%w: column %q expects %s, got %T", ErrTypeMismatch, col.Name, col.Type, raw)
}

// MarshalRow encodes a normalized row as JSON. Timestamps serialize as
// RFC 3339 with nanoseconds, so the round trip through UnmarshalRow is exact.
func MarshalRow(row Row) ([]byte, error) {
	return json.Marshal(row)
}

// UnmarshalRow decodes a row using the schema to restore exact value types.
// Integers are parsed from the JSON digits directly, never through float64.
func UnmarshalRow(spec *policy.HypertableSpec, data []byte) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	raw := make(map[string]json.RawMessage)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}

	out := make(Row, len(spec.Columns))
	for _, col := range spec.Columns {
		msg, ok := raw[col.Name]
		if !ok || string(msg) == "null" {
			out[col.Name] = nil
			continue
		}

		v, err := DecodeValue(col, msg)
		if err != nil {
			return nil, err
		}

		out[col.Name] = v
	}

	return out, nil
}

// DecodeValue decodes a single JSON-encoded value using the declared column
// type, preserving int64 precision
func DecodeValue(col policy.ColumnSpec, msg json.RawMessage) (any, error) {
	switch col.Type {
	case policy.ColumnTimestamp:
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		return ts.UTC(), nil

	case policy.ColumnInt:
		var v int64
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		return v, nil

	case policy.ColumnFloat:
		var v float64
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		return v, nil

	case policy.ColumnString:
		var v string
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		return v, nil

	case policy.ColumnBool:
		var v bool
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		return v, nil

	default:
		return nil, fmt.Errorf("%w: column %q has unknown type %q", ErrTypeMismatch, col.Name, col.Type)
	}
}

// RowTime extracts the (normalized) time column value from a row
func RowTime(spec *policy.HypertableSpec, row Row) (time.Time, bool) {
	ts, ok := row[spec.TimeColumn].(time.Time)
	return ts, ok
}

// MatchesFilter reports whether a row matches every column equality in filter
func MatchesFilter(row Row, filter map[string]any) bool {
	for col, want := range filter {
		if row[col] != want {
			return false
		}
	}

	return true
}
