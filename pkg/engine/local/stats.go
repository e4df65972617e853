package local

import (
	"context"

	"github.com/telemetryops/tslc/pkg/engine"
)

// TableStats summarizes physical storage for a hypertable
func (s *Store) TableStats(ctx context.Context, table string) (engine.TableStats, error) {
	if _, err := s.GetHypertable(ctx, table); err != nil {
		return engine.TableStats{}, err
	}

	chunks, err := s.ListChunks(ctx, table)
	if err != nil {
		return engine.TableStats{}, err
	}

	stats := engine.TableStats{Hypertable: table, Chunks: len(chunks)}

	for i := range chunks {
		if chunks[i].State == engine.ChunkCompressed {
			stats.CompressedChunks++
		}

		stats.Rows += chunks[i].RowCount
		stats.Bytes += chunks[i].Bytes
	}

	return stats, nil
}

// StorageFree reports free bytes on the volume holding the data directory.
// In-memory stores report an effectively unlimited value so headroom checks
// pass in tests.
func (s *Store) StorageFree(_ context.Context) (int64, error) {
	if s.cfg.InMemory {
		return 1 << 40, nil
	}

	return storageFree(s.cfg.Path)
}
