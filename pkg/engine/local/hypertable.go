package local

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/policy"
)

// CreateHypertable registers a hypertable if absent. An existing table is
// left untouched; interval changes go through SetChunkInterval.
func (s *Store) CreateHypertable(_ context.Context, spec policy.HypertableSpec) (bool, error) {
	if err := spec.Validate(); err != nil {
		return false, err
	}

	created := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(keyHypertable + spec.Name)

		var existing policy.HypertableSpec
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

// GetHypertable returns a hypertable spec or ErrHypertableNotFound
func (s *Store) GetHypertable(_ context.Context, name string) (*policy.HypertableSpec, error) {
	var spec policy.HypertableSpec

	err := s.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, []byte(keyHypertable+name), &spec)
		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("%w: %s", engine.ErrHypertableNotFound, name)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &spec, nil
}

// ListHypertables returns all registered hypertables sorted by name
func (s *Store) ListHypertables(_ context.Context) ([]policy.HypertableSpec, error) {
	var specs []policy.HypertableSpec

	err := s.scanPrefix([]byte(keyHypertable), func(_, val []byte) error {
		var spec policy.HypertableSpec
		if err := jsonUnmarshal(val, &spec); err != nil {
			return err
		}

		specs = append(specs, spec)

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	return specs, nil
}

// SetChunkInterval updates the chunk interval for chunks created afterwards
func (s *Store) SetChunkInterval(_ context.Context, table string, interval time.Duration) (bool, error) {
	if interval <= 0 {
		return false, fmt.Errorf("%w: chunk interval must be positive, got %s", policy.ErrPolicyConfig, interval)
	}

	changed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(keyHypertable + table)

		var spec policy.HypertableSpec
		found, err := getJSON(txn, key, &spec)
		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("%w: %s", engine.ErrHypertableNotFound, table)
		}

		if spec.ChunkInterval == interval {
			return nil
		}

		spec.ChunkInterval = interval
		changed = true

		return setJSON(txn, key, &spec)
	})

	return changed, err
}

// SetCompressionPolicy stores compression settings, reporting whether live
// state changed
func (s *Store) SetCompressionPolicy(ctx context.Context, p policy.CompressionPolicy) (bool, error) {
	spec, err := s.GetHypertable(ctx, p.Hypertable)
	if err != nil {
		return false, err
	}

	if err := p.Validate(spec); err != nil {
		return false, err
	}

	return s.setIfChanged([]byte(keyCompression+p.Hypertable), &p)
}

// GetCompressionPolicy returns the stored policy, or nil when compression is
// not enabled for the hypertable
func (s *Store) GetCompressionPolicy(_ context.Context, table string) (*policy.CompressionPolicy, error) {
	var p policy.CompressionPolicy

	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, []byte(keyCompression+table), &p)

		return err
	})
	if err != nil || !found {
		return nil, err
	}

	return &p, nil
}

// SetRetentionPolicy stores retention settings
func (s *Store) SetRetentionPolicy(ctx context.Context, p policy.RetentionPolicy) (bool, error) {
	spec, err := s.GetHypertable(ctx, p.Hypertable)
	if err != nil {
		return false, err
	}

	compression, err := s.GetCompressionPolicy(ctx, p.Hypertable)
	if err != nil {
		return false, err
	}

	if err := p.Validate(spec, compression); err != nil {
		return false, err
	}

	return s.setIfChanged([]byte(keyRetention+p.Hypertable), &p)
}

// GetRetentionPolicy returns the stored policy or nil
func (s *Store) GetRetentionPolicy(_ context.Context, table string) (*policy.RetentionPolicy, error) {
	var p policy.RetentionPolicy

	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, []byte(keyRetention+table), &p)

		return err
	})
	if err != nil || !found {
		return nil, err
	}

	return &p, nil
}

// CreateIndex registers a secondary index if absent
func (s *Store) CreateIndex(ctx context.Context, idx policy.IndexSpec) (bool, error) {
	spec, err := s.GetHypertable(ctx, idx.Hypertable)
	if err != nil {
		return false, err
	}

	if err := idx.Validate(spec); err != nil {
		return false, err
	}

	created := false
	err = s.db.Update(func(txn *badger.Txn) error {
		key := fmt.Appendf(nil, "%s%s:%s", keyIndex, idx.Hypertable, idx.Name)

		var existing policy.IndexSpec
		found, err := getJSON(txn, key, &existing)
		if err != nil {
			return err
		}

		if found {
			return nil
		}

		created = true

		return setJSON(txn, key, &idx)
	})

	return created, err
}

// ListIndexes returns the indexes registered for a hypertable
func (s *Store) ListIndexes(_ context.Context, table string) ([]policy.IndexSpec, error) {
	var indexes []policy.IndexSpec

	err := s.scanPrefix(fmt.Appendf(nil, "%s%s:", keyIndex, table), func(_, val []byte) error {
		var idx policy.IndexSpec
		if err := jsonUnmarshal(val, &idx); err != nil {
			return err
		}

		indexes = append(indexes, idx)

		return nil
	})

	return indexes, err
}

// setIfChanged writes a value only when the stored encoding differs
func (s *Store) setIfChanged(key []byte, v any) (bool, error) {
	changed := false

	err := s.db.Update(func(txn *badger.Txn) error {
		existing := reflect.New(reflect.TypeOf(v).Elem()).Interface()

		found, err := getJSON(txn, key, existing)
		if err != nil {
			return err
		}

		if found && reflect.DeepEqual(existing, v) {
			return nil
		}

		changed = true

		return setJSON(txn, key, v)
	})

	return changed, err
}
