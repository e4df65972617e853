package local

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/policy"
)

// storedBucket is the on-disk form of one materialized bucket. Values stay
// JSON-encoded per output column so QueryAggregate can restore exact types.
type storedBucket struct {
	Bucket time.Time                  `json:"bucket"`
	Values map[string]json.RawMessage `json:"values"`
}

// CreateAggregate registers a rollup if absent
func (s *Store) CreateAggregate(ctx context.Context, spec policy.AggregateSpec) (bool, error) {
	table, err := s.GetHypertable(ctx, spec.Hypertable)
	if err != nil {
		return false, err
	}

	if err := spec.Validate(table); err != nil {
		return false, err
	}

	created := false
	err = s.db.Update(func(txn *badger.Txn) error {
		key := []byte(keyAggregate + spec.Name)

		var existing policy.AggregateSpec
		found, err := getJSON(txn, key, &existing)
		if err != nil {
			return err
		}

		if found {
			return nil
		}

		created = true

		return setJSON(txn, key, &spec)
	})

	return created, err
}

// GetAggregate returns a rollup spec or ErrAggregateNotFound
func (s *Store) GetAggregate(_ context.Context, name string) (*policy.AggregateSpec, error) {
	var spec policy.AggregateSpec

	err := s.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, []byte(keyAggregate+name), &spec)
		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("%w: %s", engine.ErrAggregateNotFound, name)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &spec, nil
}

// ListAggregates returns the rollups defined over a hypertable
func (s *Store) ListAggregates(_ context.Context, table string) ([]policy.AggregateSpec, error) {
	var specs []policy.AggregateSpec

	err := s.scanPrefix([]byte(keyAggregate), func(_, val []byte) error {
		var spec policy.AggregateSpec
		if err := jsonUnmarshal(val, &spec); err != nil {
			return err
		}

		if spec.Hypertable == table {
			specs = append(specs, spec)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	return specs, nil
}

// MaterializeWindow recomputes every bucket covering [start, end) from raw
// rows. Previously materialized buckets in the window are overwritten, so a
// bucket whose raw rows were dropped by retention becomes empty and is
// removed rather than left stale.
func (s *Store) MaterializeWindow(ctx context.Context, spec policy.AggregateSpec, start, end time.Time) (int, error) {
	table, err := s.GetHypertable(ctx, spec.Hypertable)
	if err != nil {
		return 0, err
	}

	if !end.After(start) {
		return 0, nil
	}

	width := spec.BucketWidth
	firstBucket := time.Unix(0, spec.BucketStart(start.UTC().UnixNano())).UTC()
	lastBucket := time.Unix(0, spec.BucketStart(end.UTC().UnixNano()-1)).UTC()
	scanEnd := lastBucket.Add(width)

	rows, err := s.ScanRange(ctx, spec.Hypertable, firstBucket, scanEnd, nil)
	if err != nil {
		return 0, err
	}

	grouped := make(map[int64][]engine.Row)

	for _, row := range rows {
		ts, ok := engine.RowTime(table, row)
		if !ok {
			continue
		}

		bucket := spec.BucketStart(ts.UnixNano())
		grouped[bucket] = append(grouped[bucket], row)
	}

	written := 0
	err = s.db.Update(func(txn *badger.Txn) error {
		for bucket := firstBucket; bucket.Before(scanEnd); bucket = bucket.Add(width) {
			key := bucketKey(spec.Name, bucket)

			bucketRows := grouped[bucket.UnixNano()]
			if len(bucketRows) == 0 {
				if err := txn.Delete(key); err != nil {
					return fmt.Errorf("failed to clear bucket %s: %w", bucket, err)
				}

				continue
			}

			values, err := computeBucket(&spec, table, bucketRows)
			if err != nil {
				return err
			}

			if err := setJSON(txn, key, &storedBucket{Bucket: bucket, Values: values}); err != nil {
				return err
			}

			written++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return written, nil
}

// QueryAggregate returns materialized buckets with bucket start in [start, end)
func (s *Store) QueryAggregate(ctx context.Context, name string, start, end time.Time) ([]engine.BucketRow, error) {
	spec, err := s.GetAggregate(ctx, name)
	if err != nil {
		return nil, err
	}

	table, err := s.GetHypertable(ctx, spec.Hypertable)
	if err != nil {
		return nil, err
	}

	var out []engine.BucketRow

	err = s.scanPrefix(fmt.Appendf(nil, "%s%s:", keyBucket, name), func(_, val []byte) error {
		var stored storedBucket
		if err := jsonUnmarshal(val, &stored); err != nil {
			return err
		}

		if stored.Bucket.Before(start) || !stored.Bucket.Before(end) {
			return nil
		}

		values := make(map[string]any, len(spec.Aggregates))

		for _, expr := range spec.Aggregates {
			outName := expr.OutputName()

			msg, ok := stored.Values[outName]
			if !ok || string(msg) == "null" {
				values[outName] = nil
				continue
			}

			v, err := engine.DecodeValue(expr.OutputColumn(table), msg)
			if err != nil {
				return err
			}

			values[outName] = v
		}

		out = append(out, engine.BucketRow{Bucket: stored.Bucket, Values: values})

		return nil
	})

	return out, err
}

// computeBucket evaluates every aggregation expression over one bucket's rows
func computeBucket(spec *policy.AggregateSpec, table *policy.HypertableSpec, rows []engine.Row) (map[string]json.RawMessage, error) {
	values := make(map[string]json.RawMessage, len(spec.Aggregates))

	for _, expr := range spec.Aggregates {
		v, err := evalExpr(expr, table, rows)
		if err != nil {
			return nil, err
		}

		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", expr.OutputName(), err)
		}

		values[expr.OutputName()] = raw
	}

	return values, nil
}

func evalExpr(expr policy.AggregateExpr, table *policy.HypertableSpec, rows []engine.Row) (any, error) {
	switch expr.Func {
	case policy.AggCount:
		return int64(len(rows)), nil

	case policy.AggAvg:
		vals := numericValues(expr.Column, rows)
		if len(vals) == 0 {
			return nil, nil
		}

		var sum float64
		for _, v := range vals {
			sum += v
		}

		return sum / float64(len(vals)), nil

	case policy.AggMin, policy.AggMax:
		return extremum(expr, rows), nil

	case policy.AggQuantile:
		vals := numericValues(expr.Column, rows)
		if len(vals) == 0 {
			return nil, nil
		}

		sort.Float64s(vals)

		// Nearest-rank: the smallest value with at least q of the set at or
		// below it
		rank := int(math.Ceil(expr.Quantile * float64(len(vals))))
		if rank < 1 {
			rank = 1
		}

		return vals[rank-1], nil

	case policy.AggLast:
		// Rows arrive in ascending time order; take the latest non-NULL value
		for i := len(rows) - 1; i >= 0; i-- {
			if v := rows[i][expr.Column]; v != nil {
				return v, nil
			}
		}

		return nil, nil

	default:
		return nil, fmt.Errorf("%w: unknown aggregation function %q", engine.ErrTypeMismatch, expr.Func)
	}
}

// numericValues collects a column's non-NULL values as float64
func numericValues(column string, rows []engine.Row) []float64 {
	vals := make([]float64, 0, len(rows))

	for _, row := range rows {
		switch v := row[column].(type) {
		case float64:
			vals = append(vals, v)
		case int64:
			vals = append(vals, float64(v))
		}
	}

	return vals
}

func extremum(expr policy.AggregateExpr, rows []engine.Row) any {
	var best any

	for _, row := range rows {
		v := row[expr.Column]
		if v == nil {
			continue
		}

		if best == nil {
			best = v
			continue
		}

		c := compare(v, best)
		if (expr.Func == policy.AggMin && c < 0) || (expr.Func == policy.AggMax && c > 0) {
			best = v
		}
	}

	return best
}

// compare orders two canonical non-NULL values of the same type
func compare(a, b any) int {
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
