package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/telemetryops/tslc/pkg/engine"
)

// Key prefixes. Chunk and bucket keys embed a zero-padded unix-nano range
// start so lexicographic iteration order equals time order.
const (
	keyHypertable  = "ht:"
	keyCompression = "comp:"
	keyRetention   = "ret:"
	keyIndex       = "idx:"
	keyAggregate   = "agg:"
	keyChunk       = "chunk:"
	keyRowSeq      = "rowseq:"
	keyRow         = "row:"
	keyBlob        = "blob:"
	keyBucket      = "bucket:"
)

// Store implements engine.Engine on badger
type Store struct {
	log logrus.FieldLogger
	cfg *Config
	db  *badger.DB
}

// NewStore creates an embedded engine. Start must be called before use.
func NewStore(log logrus.FieldLogger, cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Store{
		log: log.WithField("component", "engine-local"),
		cfg: cfg,
	}, nil
}

// Start opens the badger database
func (s *Store) Start(_ context.Context) error {
	opts := badger.DefaultOptions(s.cfg.Path).WithLogger(nil)
	if s.cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("%w: failed to open store: %w", engine.ErrEngineUnreachable, err)
	}

	s.db = db
	s.log.WithField("path", s.cfg.Path).Info("Opened embedded time-series store")

	return nil
}

// Stop closes the database
func (s *Store) Stop() error {
	if s.db == nil {
		return nil
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.log.Info("Closed embedded time-series store")

	return nil
}

// Ping reports whether the store is open
func (s *Store) Ping(_ context.Context) error {
	if s.db == nil || s.db.IsClosed() {
		return engine.ErrEngineUnreachable
	}

	return nil
}

func chunkKey(table string, start time.Time) []byte {
	return fmt.Appendf(nil, "%s%s:%020d", keyChunk, table, start.UTC().UnixNano())
}

func chunkID(table string, start time.Time) string {
	return fmt.Sprintf("%s_%020d", table, start.UTC().UnixNano())
}

func rowPrefix(table, chunk string) []byte {
	return fmt.Appendf(nil, "%s%s:%s:", keyRow, table, chunk)
}

func rowKey(table, chunk string, seq uint64) []byte {
	return fmt.Appendf(nil, "%s%s:%s:%012d", keyRow, table, chunk, seq)
}

func blobKey(table, chunk string) []byte {
	return fmt.Appendf(nil, "%s%s:%s", keyBlob, table, chunk)
}

func bucketKey(agg string, start time.Time) []byte {
	return fmt.Appendf(nil, "%s%s:%020d", keyBucket, agg, start.UTC().UnixNano())
}

// getJSON loads and decodes a single key; found=false when absent
func getJSON(txn *badger.Txn, key []byte, dest any) (bool, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, dest)
	}); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}

	return true, nil
}

func jsonUnmarshal(val []byte, dest any) error {
	if err := json.Unmarshal(val, dest); err != nil {
		return fmt.Errorf("failed to decode stored value: %w", err)
	}

	return nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	if err := txn.Set(key, raw); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	return nil
}

// scanPrefix iterates every value under a prefix in key order
func (s *Store) scanPrefix(prefix []byte, fn func(key, val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				return fn(item.KeyCopy(nil), val)
			}); err != nil {
				return err
			}
		}

		return nil
	})
}

// deletePrefix removes every key under a prefix outside of the metadata
// transaction; used for asynchronous space reclamation after a metadata swap
func (s *Store) deletePrefix(prefix []byte) error {
	var keys [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}

		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}

	return wb.Flush()
}

// Verify interface compliance at compile time
var _ engine.Engine = (*Store)(nil)
