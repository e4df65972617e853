package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telemetryops/tslc/pkg/policy"
)

const backupTimeFormat = "20060102T150405Z"

// backup snapshots every live hypertable with its policies, indexes and
// aggregates into a manifest file. The snapshot is replayable: restoring is
// orchestrating with the backup as the input manifest.
func (s *service) backup(ctx context.Context, dir string) (string, error) {
	snapshot, err := s.snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBackupFailed, err)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("%w: failed to create backup directory %s: %w", ErrBackupFailed, dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("tslc-backup-%s.yaml", time.Now().UTC().Format(backupTimeFormat)))

	if err := snapshot.Save(path); err != nil {
		return "", fmt.Errorf("%w: %w", ErrBackupFailed, err)
	}

	s.log.WithFields(logrus.Fields{
		"path":   path,
		"tables": len(snapshot.Tables),
	}).Info("Backup written")

	return path, nil
}

func (s *service) snapshot(ctx context.Context) (*policy.Manifest, error) {
	tables, err := s.engine.ListHypertables(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := &policy.Manifest{Tables: make([]policy.TableManifest, 0, len(tables))}

	for _, spec := range tables {
		entry := policy.TableManifest{HypertableSpec: spec}

		if entry.Compression, err = s.engine.GetCompressionPolicy(ctx, spec.Name); err != nil {
			return nil, err
		}

		if entry.Retention, err = s.engine.GetRetentionPolicy(ctx, spec.Name); err != nil {
			return nil, err
		}

		if entry.Indexes, err = s.engine.ListIndexes(ctx, spec.Name); err != nil {
			return nil, err
		}

		if entry.Aggregates, err = s.engine.ListAggregates(ctx, spec.Name); err != nil {
			return nil, err
		}

		snapshot.Tables = append(snapshot.Tables, entry)
	}

	return snapshot, nil
}
