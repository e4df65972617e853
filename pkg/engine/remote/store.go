package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/policy"
)

// Store implements engine.Engine against a remote server. Specs are
// validated client-side before any statement is shipped, so a malformed
// manifest never reaches the engine.
type Store struct {
	log    logrus.FieldLogger
	cfg    *Config
	client *httpClient
}

// NewStore creates a remote engine client. The credential is read from the
// environment, never from the config itself.
func NewStore(log logrus.FieldLogger, cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.LoadPassword()

	componentLog := log.WithField("component", "engine-remote")

	return &Store{
		log:    componentLog,
		cfg:    cfg,
		client: newHTTPClient(componentLog, cfg),
	}, nil
}

// Start verifies connectivity
func (s *Store) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.Ping(pingCtx); err != nil {
		return fmt.Errorf("failed to connect to engine: %w", err)
	}

	s.log.WithField("url", s.cfg.URL()).Info("Connected to engine query interface")

	return nil
}

// Stop releases idle connections
func (s *Store) Stop() error {
	s.client.close()
	s.log.Info("Closed engine client")

	return nil
}

// Ping verifies the engine is reachable
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.execute(ctx, stmtPing, s.cfg.QueryTimeout)

	return err
}

// changeRow is the result row of idempotent DDL statements
type changeRow struct {
	Created bool `json:"created"`
	Changed bool `json:"changed"`
}

// CreateHypertable registers a hypertable if absent
func (s *Store) CreateHypertable(ctx context.Context, spec policy.HypertableSpec) (bool, error) {
	if err := spec.Validate(); err != nil {
		return false, err
	}

	stmt, err := render("create-hypertable", stmtCreateHypertable, &spec)
	if err != nil {
		return false, err
	}

	var row changeRow
	if _, err := s.client.queryOne(ctx, stmt, &row); err != nil {
		return false, err
	}

	return row.Created, nil
}

// GetHypertable returns a hypertable spec or ErrHypertableNotFound
func (s *Store) GetHypertable(ctx context.Context, name string) (*policy.HypertableSpec, error) {
	stmt, err := render("show-hypertable", stmtShowHypertable, map[string]string{"Name": name})
	if err != nil {
		return nil, err
	}

	var spec policy.HypertableSpec

	found, err := s.client.queryOne(ctx, stmt, &spec)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, fmt.Errorf("%w: %s", engine.ErrHypertableNotFound, name)
	}

	return &spec, nil
}

// ListHypertables returns all registered hypertables
func (s *Store) ListHypertables(ctx context.Context) ([]policy.HypertableSpec, error) {
	rows, err := s.client.queryRows(ctx, stmtShowHypertables)
	if err != nil {
		return nil, err
	}

	specs := make([]policy.HypertableSpec, 0, len(rows))

	for i, raw := range rows {
		var spec policy.HypertableSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal hypertable %d: %w", i, err)
		}

		specs = append(specs, spec)
	}

	return specs, nil
}

// SetChunkInterval updates the interval for chunks created afterwards
func (s *Store) SetChunkInterval(ctx context.Context, table string, interval time.Duration) (bool, error) {
	stmt, err := render("set-chunk-interval", stmtSetChunkInterval, map[string]any{
		"Table":    table,
		"Interval": interval,
	})
	if err != nil {
		return false, err
	}

	var row changeRow
	if _, err := s.client.queryOne(ctx, stmt, &row); err != nil {
		return false, err
	}

	return row.Changed, nil
}

// SetCompressionPolicy stores compression settings
func (s *Store) SetCompressionPolicy(ctx context.Context, p policy.CompressionPolicy) (bool, error) {
	spec, err := s.GetHypertable(ctx, p.Hypertable)
	if err != nil {
		return false, err
	}

	if err := p.Validate(spec); err != nil {
		return false, err
	}

	return s.setPolicy(ctx, "set-compression-policy", stmtSetCompressionPolicy, p.Hypertable, &p)
}

// GetCompressionPolicy returns the stored policy or nil
func (s *Store) GetCompressionPolicy(ctx context.Context, table string) (*policy.CompressionPolicy, error) {
	var p policy.CompressionPolicy

	found, err := s.showOnTable(ctx, "show-compression-policy", stmtShowCompressionPolicy, table, &p)
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

	return s.setPolicy(ctx, "set-retention-policy", stmtSetRetentionPolicy, p.Hypertable, &p)
}

// GetRetentionPolicy returns the stored policy or nil
func (s *Store) GetRetentionPolicy(ctx context.Context, table string) (*policy.RetentionPolicy, error) {
	var p policy.RetentionPolicy

	found, err := s.showOnTable(ctx, "show-retention-policy", stmtShowRetentionPolicy, table, &p)
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

	stmt, err := render("create-index", stmtCreateIndex, map[string]any{
		"Name":      idx.Name,
		"Table":     idx.Hypertable,
		"Columns":   idx.Columns,
		"Predicate": idx.Predicate,
	})
	if err != nil {
		return false, err
	}

	var row changeRow
	if _, err := s.client.queryOne(ctx, stmt, &row); err != nil {
		return false, err
	}

	return row.Created, nil
}

// ListIndexes returns the indexes registered for a hypertable
func (s *Store) ListIndexes(ctx context.Context, table string) ([]policy.IndexSpec, error) {
	stmt, err := render("show-indexes", stmtShowIndexes, map[string]string{"Table": table})
	if err != nil {
		return nil, err
	}

	rows, err := s.client.queryRows(ctx, stmt)
	if err != nil {
		return nil, err
	}

	indexes := make([]policy.IndexSpec, 0, len(rows))

	for i, raw := range rows {
		var idx policy.IndexSpec
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, fmt.Errorf("failed to unmarshal index %d: %w", i, err)
		}

		indexes = append(indexes, idx)
	}

	return indexes, nil
}

// createChunkRow is the result of a chunk creation statement
type createChunkRow struct {
	Created bool             `json:"created"`
	Chunk   engine.ChunkMeta `json:"chunk"`
}

// CreateChunk creates the chunk covering [start, end) unless one exists
func (s *Store) CreateChunk(ctx context.Context, table string, start, end time.Time) (engine.ChunkMeta, bool, error) {
	stmt, err := render("create-chunk", stmtCreateChunk, map[string]any{
		"Table": table,
		"Start": start,
		"End":   end,
	})
	if err != nil {
		return engine.ChunkMeta{}, false, err
	}

	var row createChunkRow
	if _, err := s.client.queryOne(ctx, stmt, &row); err != nil {
		return engine.ChunkMeta{}, false, err
	}

	return row.Chunk, row.Created, nil
}

// ListChunks returns all chunk metadata for a hypertable ordered by range
// start
func (s *Store) ListChunks(ctx context.Context, table string) ([]engine.ChunkMeta, error) {
	stmt, err := render("show-chunks", stmtShowChunks, map[string]string{"Table": table})
	if err != nil {
		return nil, err
	}

	rows, err := s.client.queryRows(ctx, stmt)
	if err != nil {
		return nil, err
	}

	chunks := make([]engine.ChunkMeta, 0, len(rows))

	for i, raw := range rows {
		var meta engine.ChunkMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chunk %d: %w", i, err)
		}

		chunks = append(chunks, meta)
	}

	return chunks, nil
}

// DropChunk removes a chunk, guarded by version
func (s *Store) DropChunk(ctx context.Context, table, chunkID string, version uint64) error {
	stmt, err := render("drop-chunk", stmtDropChunk, map[string]any{
		"Table":   table,
		"Chunk":   chunkID,
		"Version": version,
	})
	if err != nil {
		return err
	}

	_, err = s.client.execute(ctx, stmt, s.cfg.QueryTimeout)

	return err
}

// AppendRows appends rows to an uncompressed chunk
func (s *Store) AppendRows(ctx context.Context, table, chunkID string, rows []engine.Row) error {
	if len(rows) == 0 {
		return nil
	}

	spec, err := s.GetHypertable(ctx, table)
	if err != nil {
		return err
	}

	normalized := make([]engine.Row, 0, len(rows))

	for _, row := range rows {
		n, err := engine.NormalizeRow(spec, row)
		if err != nil {
			return err
		}

		normalized = append(normalized, n)
	}

	header, err := render("insert-rows", stmtInsertRows, map[string]string{
		"Table": table,
		"Chunk": chunkID,
	})
	if err != nil {
		return err
	}

	return s.client.insert(ctx, header, normalized)
}

// ScanChunk returns every row of a chunk regardless of compression state
func (s *Store) ScanChunk(ctx context.Context, table, chunkID string) ([]engine.Row, error) {
	spec, err := s.GetHypertable(ctx, table)
	if err != nil {
		return nil, err
	}

	stmt, err := render("scan-chunk", stmtScanChunk, map[string]string{
		"Table": table,
		"Chunk": chunkID,
	})
	if err != nil {
		return nil, err
	}

	return s.queryRowSet(ctx, spec, stmt)
}

// ScanRange returns rows with timestamp in [start, end) across chunks
func (s *Store) ScanRange(ctx context.Context, table string, start, end time.Time, filter map[string]any) ([]engine.Row, error) {
	spec, err := s.GetHypertable(ctx, table)
	if err != nil {
		return nil, err
	}

	stmt, err := render("scan-range", stmtScanRange, map[string]any{
		"Table":      table,
		"TimeColumn": spec.TimeColumn,
		"Start":      start,
		"End":        end,
		"Filter":     filter,
	})
	if err != nil {
		return nil, err
	}

	return s.queryRowSet(ctx, spec, stmt)
}

// CompressChunk rewrites a chunk into columnar form per the policy
func (s *Store) CompressChunk(ctx context.Context, table, chunkID string, version uint64, p policy.CompressionPolicy) (engine.ChunkMeta, error) {
	payload, err := json.Marshal(&p)
	if err != nil {
		return engine.ChunkMeta{}, fmt.Errorf("failed to encode compression policy: %w", err)
	}

	stmt, err := render("compress-chunk", stmtCompressChunk, map[string]any{
		"Table":   table,
		"Chunk":   chunkID,
		"Version": version,
		"Payload": string(payload),
	})
	if err != nil {
		return engine.ChunkMeta{}, err
	}

	var meta engine.ChunkMeta
	if _, err := s.client.queryOne(ctx, stmt, &meta); err != nil {
		return engine.ChunkMeta{}, err
	}

	return meta, nil
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

	payload, err := json.Marshal(&spec)
	if err != nil {
		return false, fmt.Errorf("failed to encode aggregate spec: %w", err)
	}

	stmt, err := render("create-aggregate", stmtCreateAggregate, map[string]any{
		"Name":    spec.Name,
		"Table":   spec.Hypertable,
		"Payload": string(payload),
	})
	if err != nil {
		return false, err
	}

	var row changeRow
	if _, err := s.client.queryOne(ctx, stmt, &row); err != nil {
		return false, err
	}

	return row.Created, nil
}

// GetAggregate returns a rollup spec or ErrAggregateNotFound
func (s *Store) GetAggregate(ctx context.Context, name string) (*policy.AggregateSpec, error) {
	stmt, err := render("show-aggregate", stmtShowAggregate, map[string]string{"Name": name})
	if err != nil {
		return nil, err
	}

	var spec policy.AggregateSpec

	found, err := s.client.queryOne(ctx, stmt, &spec)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, fmt.Errorf("%w: %s", engine.ErrAggregateNotFound, name)
	}

	return &spec, nil
}

// ListAggregates returns the rollups defined over a hypertable
func (s *Store) ListAggregates(ctx context.Context, table string) ([]policy.AggregateSpec, error) {
	stmt, err := render("show-aggregates", stmtShowAggregates, map[string]string{"Table": table})
	if err != nil {
		return nil, err
	}

	rows, err := s.client.queryRows(ctx, stmt)
	if err != nil {
		return nil, err
	}

	specs := make([]policy.AggregateSpec, 0, len(rows))

	for i, raw := range rows {
		var spec policy.AggregateSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal aggregate %d: %w", i, err)
		}

		specs = append(specs, spec)
	}

	return specs, nil
}

// MaterializeWindow recomputes every bucket covering [start, end)
func (s *Store) MaterializeWindow(ctx context.Context, spec policy.AggregateSpec, start, end time.Time) (int, error) {
	stmt, err := render("materialize", stmtMaterialize, map[string]any{
		"Name":  spec.Name,
		"Start": start,
		"End":   end,
	})
	if err != nil {
		return 0, err
	}

	var row struct {
		Buckets int `json:"buckets"`
	}

	if _, err := s.client.queryOne(ctx, stmt, &row); err != nil {
		return 0, err
	}

	return row.Buckets, nil
}

// wireBucket is one materialized bucket as it travels over the wire; values
// stay raw so the schema-aware decoder restores exact types
type wireBucket struct {
	Bucket time.Time                  `json:"bucket"`
	Values map[string]json.RawMessage `json:"values"`
}

// QueryAggregate returns materialized buckets with start in [start, end)
func (s *Store) QueryAggregate(ctx context.Context, name string, start, end time.Time) ([]engine.BucketRow, error) {
	spec, err := s.GetAggregate(ctx, name)
	if err != nil {
		return nil, err
	}

	table, err := s.GetHypertable(ctx, spec.Hypertable)
	if err != nil {
		return nil, err
	}

	stmt, err := render("query-aggregate", stmtQueryAggregate, map[string]any{
		"Name":  name,
		"Start": start,
		"End":   end,
	})
	if err != nil {
		return nil, err
	}

	rows, err := s.client.queryRows(ctx, stmt)
	if err != nil {
		return nil, err
	}

	out := make([]engine.BucketRow, 0, len(rows))

	for i, raw := range rows {
		var wire wireBucket
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bucket %d: %w", i, err)
		}

		values := make(map[string]any, len(spec.Aggregates))

		for _, expr := range spec.Aggregates {
			outName := expr.OutputName()

			msg, ok := wire.Values[outName]
			if !ok || string(msg) == "null" {
				values[outName] = nil
				continue
			}

			v, err := engine.DecodeValue(expr.OutputColumn(table), msg)
			if err != nil {
				return nil, err
			}

			values[outName] = v
		}

		out = append(out, engine.BucketRow{Bucket: wire.Bucket, Values: values})
	}

	return out, nil
}

// TableStats summarizes physical storage for a hypertable
func (s *Store) TableStats(ctx context.Context, table string) (engine.TableStats, error) {
	stmt, err := render("show-stats", stmtShowStats, map[string]string{"Table": table})
	if err != nil {
		return engine.TableStats{}, err
	}

	var stats engine.TableStats

	found, err := s.client.queryOne(ctx, stmt, &stats)
	if err != nil {
		return engine.TableStats{}, err
	}

	if !found {
		return engine.TableStats{}, fmt.Errorf("%w: %s", engine.ErrHypertableNotFound, table)
	}

	return stats, nil
}

// StorageFree reports free bytes available to the engine
func (s *Store) StorageFree(ctx context.Context) (int64, error) {
	var row struct {
		FreeBytes int64 `json:"free_bytes"`
	}

	if _, err := s.client.queryOne(ctx, stmtShowStorage, &row); err != nil {
		return 0, err
	}

	return row.FreeBytes, nil
}

// setPolicy renders and executes a policy statement with a JSON payload
func (s *Store) setPolicy(ctx context.Context, name, tmpl, table string, p any) (bool, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("failed to encode policy: %w", err)
	}

	stmt, err := render(name, tmpl, map[string]string{
		"Table":   table,
		"Payload": string(payload),
	})
	if err != nil {
		return false, err
	}

	var row changeRow
	if _, err := s.client.queryOne(ctx, stmt, &row); err != nil {
		return false, err
	}

	return row.Changed, nil
}

// showOnTable renders a per-table SHOW statement and decodes a single row
func (s *Store) showOnTable(ctx context.Context, name, tmpl, table string, dest any) (bool, error) {
	stmt, err := render(name, tmpl, map[string]string{"Table": table})
	if err != nil {
		return false, err
	}

	return s.client.queryOne(ctx, stmt, dest)
}

// queryRowSet executes a row query and decodes each row using the schema
func (s *Store) queryRowSet(ctx context.Context, spec *policy.HypertableSpec, stmt string) ([]engine.Row, error) {
	raws, err := s.client.queryRows(ctx, stmt)
	if err != nil {
		return nil, err
	}

	rows := make([]engine.Row, 0, len(raws))

	for i, raw := range raws {
		row, err := engine.UnmarshalRow(spec, raw)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// Verify interface compliance at compile time
var _ engine.Engine = (*Store)(nil)
