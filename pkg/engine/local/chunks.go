package local

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/engine/columnar"
	"github.com/telemetryops/tslc/pkg/policy"
)

// metaKeyForID maps a chunk ID back to its metadata key. IDs embed the
// zero-padded range start after the final underscore.
func metaKeyForID(table, chunkID string) []byte {
	suffix := chunkID
	if i := strings.LastIndex(chunkID, "_"); i >= 0 {
		suffix = chunkID[i+1:]
	}

	return fmt.Appendf(nil, "%s%s:%s", keyChunk, table, suffix)
}

// CreateChunk atomically creates the chunk covering [start, end) unless one
// already exists for that range start. Concurrent creators converge on a
// single chunk because the second transaction observes the first write.
func (s *Store) CreateChunk(ctx context.Context, table string, start, end time.Time) (engine.ChunkMeta, bool, error) {
	if _, err := s.GetHypertable(ctx, table); err != nil {
		return engine.ChunkMeta{}, false, err
	}

	if !end.After(start) {
		return engine.ChunkMeta{}, false, fmt.Errorf("%w: chunk range [%s, %s) is empty", engine.ErrRowOutsideChunk, start, end)
	}

	var meta engine.ChunkMeta

	created := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key := chunkKey(table, start)

		found, err := getJSON(txn, key, &meta)
		if err != nil {
			return err
		}

		if found {
			return nil
		}

		meta = engine.ChunkMeta{
			ID:         chunkID(table, start),
			Hypertable: table,
			RangeStart: start.UTC(),
			RangeEnd:   end.UTC(),
			State:      engine.ChunkUncompressed,
			Version:    1,
		}
		created = true

		return setJSON(txn, key, &meta)
	})

	return meta, created, err
}

// ListChunks returns all chunk metadata for a hypertable ordered by range
// start. Key layout makes badger's iteration order the time order.
func (s *Store) ListChunks(_ context.Context, table string) ([]engine.ChunkMeta, error) {
	var chunks []engine.ChunkMeta

	err := s.scanPrefix(fmt.Appendf(nil, "%s%s:", keyChunk, table), func(_, val []byte) error {
		var meta engine.ChunkMeta
		if err := jsonUnmarshal(val, &meta); err != nil {
			return err
		}

		chunks = append(chunks, meta)

		return nil
	})

	return chunks, err
}

// DropChunk removes a chunk's metadata atomically, guarded by version. Row
// keys and the columnar blob are reclaimed after the metadata transaction
// commits; a crash between the two leaves orphaned data but a consistent
// catalog.
func (s *Store) DropChunk(_ context.Context, table, chunkID string, version uint64) error {
	key := metaKeyForID(table, chunkID)

	err := s.db.Update(func(txn *badger.Txn) error {
		var meta engine.ChunkMeta

		found, err := getJSON(txn, key, &meta)
		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("%w: %s", engine.ErrChunkNotFound, chunkID)
		}

		if meta.Version != version {
			return fmt.Errorf("%w: chunk %s is at version %d, expected %d", engine.ErrVersionConflict, chunkID, meta.Version, version)
		}

		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("failed to delete chunk %s: %w", chunkID, err)
		}

		return txn.Delete(fmt.Appendf(nil, "%s%s:%s", keyRowSeq, table, chunkID))
	})
	if err != nil {
		return err
	}

	if err := s.deletePrefix(rowPrefix(table, chunkID)); err != nil {
		s.log.WithError(err).WithField("chunk", chunkID).Warn("Failed to reclaim row storage for dropped chunk")
	}

	if err := s.deletePrefix(blobKey(table, chunkID)); err != nil {
		s.log.WithError(err).WithField("chunk", chunkID).Warn("Failed to reclaim blob storage for dropped chunk")
	}

	return nil
}

// AppendRows appends rows to an uncompressed chunk. The whole batch is
// validated and written in one transaction; a single bad row rejects the
// batch.
func (s *Store) AppendRows(ctx context.Context, table, chunkID string, rows []engine.Row) error {
	if len(rows) == 0 {
		return nil
	}

	spec, err := s.GetHypertable(ctx, table)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		metaKey := metaKeyForID(table, chunkID)

		var meta engine.ChunkMeta

		found, err := getJSON(txn, metaKey, &meta)
		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("%w: %s", engine.ErrChunkNotFound, chunkID)
		}

		if meta.State == engine.ChunkCompressed {
			return fmt.Errorf("%w: %s", engine.ErrChunkCompressed, chunkID)
		}

		seqKey := fmt.Appendf(nil, "%s%s:%s", keyRowSeq, table, chunkID)

		var seq uint64
		if _, err := getJSON(txn, seqKey, &seq); err != nil {
			return err
		}

		var bytesWritten int64

		for _, row := range rows {
			normalized, err := engine.NormalizeRow(spec, row)
			if err != nil {
				return err
			}

			ts, _ := engine.RowTime(spec, normalized)
			if !meta.Covers(ts) {
				return fmt.Errorf("%w: %s is outside [%s, %s)", engine.ErrRowOutsideChunk, ts, meta.RangeStart, meta.RangeEnd)
			}

			raw, err := engine.MarshalRow(normalized)
			if err != nil {
				return err
			}

			if err := txn.Set(rowKey(table, chunkID, seq), raw); err != nil {
				return fmt.Errorf("failed to write row: %w", err)
			}

			seq++
			bytesWritten += int64(len(raw))
		}

		if err := setJSON(txn, seqKey, seq); err != nil {
			return err
		}

		meta.RowCount += int64(len(rows))
		meta.Bytes += bytesWritten
		meta.Version++

		return setJSON(txn, metaKey, &meta)
	})
}

// ScanChunk returns every row of a chunk regardless of compression state
func (s *Store) ScanChunk(ctx context.Context, table, chunkID string) ([]engine.Row, error) {
	spec, err := s.GetHypertable(ctx, table)
	if err != nil {
		return nil, err
	}

	var (
		meta engine.ChunkMeta
		blob []byte
	)

	err = s.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, metaKeyForID(table, chunkID), &meta)
		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("%w: %s", engine.ErrChunkNotFound, chunkID)
		}

		if meta.State != engine.ChunkCompressed {
			return nil
		}

		item, err := txn.Get(blobKey(table, chunkID))
		if err != nil {
			return fmt.Errorf("failed to read columnar block for %s: %w", chunkID, err)
		}

		blob, err = item.ValueCopy(nil)

		return err
	})
	if err != nil {
		return nil, err
	}

	if meta.State == engine.ChunkCompressed {
		return columnar.Decode(spec, blob)
	}

	var rows []engine.Row

	err = s.scanPrefix(rowPrefix(table, chunkID), func(_, val []byte) error {
		row, err := engine.UnmarshalRow(spec, val)
		if err != nil {
			return err
		}

		rows = append(rows, row)

		return nil
	})

	return rows, err
}

// ScanRange returns rows with timestamp in [start, end) across all chunks
// overlapping the range, in ascending time order
func (s *Store) ScanRange(ctx context.Context, table string, start, end time.Time, filter map[string]any) ([]engine.Row, error) {
	spec, err := s.GetHypertable(ctx, table)
	if err != nil {
		return nil, err
	}

	chunks, err := s.ListChunks(ctx, table)
	if err != nil {
		return nil, err
	}

	var out []engine.Row

	for i := range chunks {
		meta := &chunks[i]
		if !meta.RangeStart.Before(end) || !meta.RangeEnd.After(start) {
			continue
		}

		rows, err := s.ScanChunk(ctx, table, meta.ID)
		if err != nil {
			return nil, err
		}

		for _, row := range rows {
			ts, ok := engine.RowTime(spec, row)
			if !ok || ts.Before(start) || !ts.Before(end) {
				continue
			}

			if engine.MatchesFilter(row, filter) {
				out = append(out, row)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		ti, _ := engine.RowTime(spec, out[i])
		tj, _ := engine.RowTime(spec, out[j])

		return ti.Before(tj)
	})

	return out, nil
}

// CompressChunk rewrites an uncompressed chunk into columnar form. The
// encode happens outside any transaction; the metadata swap re-checks the
// version so a concurrent writer forces a retry instead of losing rows.
func (s *Store) CompressChunk(ctx context.Context, table, chunkID string, version uint64, p policy.CompressionPolicy) (engine.ChunkMeta, error) {
	spec, err := s.GetHypertable(ctx, table)
	if err != nil {
		return engine.ChunkMeta{}, err
	}

	metaKey := metaKeyForID(table, chunkID)

	var meta engine.ChunkMeta

	err = s.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, metaKey, &meta)
		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("%w: %s", engine.ErrChunkNotFound, chunkID)
		}

		if meta.State == engine.ChunkCompressed {
			return fmt.Errorf("%w: %s", engine.ErrChunkCompressed, chunkID)
		}

		if meta.Version != version {
			return fmt.Errorf("%w: chunk %s is at version %d, expected %d", engine.ErrVersionConflict, chunkID, meta.Version, version)
		}

		return nil
	})
	if err != nil {
		return engine.ChunkMeta{}, err
	}

	var rows []engine.Row

	err = s.scanPrefix(rowPrefix(table, chunkID), func(_, val []byte) error {
		row, err := engine.UnmarshalRow(spec, val)
		if err != nil {
			return err
		}

		rows = append(rows, row)

		return nil
	})
	if err != nil {
		return engine.ChunkMeta{}, err
	}

	blob, err := columnar.Encode(spec, &p, rows)
	if err != nil {
		return engine.ChunkMeta{}, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		found, err := getJSON(txn, metaKey, &meta)
		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("%w: %s", engine.ErrChunkNotFound, chunkID)
		}

		// A writer slipped in between the read and the swap: the encoded
		// block is stale, the caller retries on a later cycle
		if meta.Version != version {
			return fmt.Errorf("%w: chunk %s is at version %d, expected %d", engine.ErrVersionConflict, chunkID, meta.Version, version)
		}

		if err := txn.Set(blobKey(table, chunkID), blob); err != nil {
			return fmt.Errorf("failed to write columnar block for %s: %w", chunkID, err)
		}

		meta.State = engine.ChunkCompressed
		meta.Bytes = int64(len(blob))
		meta.Version++

		return setJSON(txn, metaKey, &meta)
	})
	if err != nil {
		return engine.ChunkMeta{}, err
	}

	if err := s.deletePrefix(rowPrefix(table, chunkID)); err != nil {
		s.log.WithError(err).WithField("chunk", chunkID).Warn("Failed to reclaim row storage for compressed chunk")
	}

	return meta, nil
}
