package engine

import (
	"context"
	"time"

	"github.com/telemetryops/tslc/pkg/policy"
)

// Engine is the collaborator contract the lifecycle subsystem operates
// against. Every "create" style operation is idempotent: applying a spec that
// already matches live state reports no change and performs no mutation, which
// is what makes the orchestrator safely re-runnable.
type Engine interface {
	// Start initializes the engine (connectivity check for remote, store open
	// for local)
	Start(ctx context.Context) error
	// Stop releases engine resources
	Stop() error
	// Ping verifies the engine is reachable; returns ErrEngineUnreachable
	Ping(ctx context.Context) error

	HypertableStore
	ChunkStore
	AggregateStore

	// TableStats summarizes physical storage for a hypertable
	TableStats(ctx context.Context, table string) (TableStats, error)
	// StorageFree reports free bytes available to the store, used by the
	// orchestrator's headroom precondition
	StorageFree(ctx context.Context) (int64, error)
}

// HypertableStore manages hypertable definitions and their policies
type HypertableStore interface {
	// CreateHypertable registers a hypertable; reports whether it was created
	CreateHypertable(ctx context.Context, spec policy.HypertableSpec) (created bool, err error)
	// GetHypertable returns a hypertable spec or ErrHypertableNotFound
	GetHypertable(ctx context.Context, name string) (*policy.HypertableSpec, error)
	// ListHypertables returns all registered hypertables
	ListHypertables(ctx context.Context) ([]policy.HypertableSpec, error)
	// SetChunkInterval updates the interval for chunks created afterwards;
	// reports whether the stored value changed
	SetChunkInterval(ctx context.Context, table string, interval time.Duration) (changed bool, err error)

	// SetCompressionPolicy stores the compression settings for a hypertable;
	// reports whether live state changed
	SetCompressionPolicy(ctx context.Context, p policy.CompressionPolicy) (changed bool, err error)
	// GetCompressionPolicy returns the stored policy or nil when compression
	// is not enabled
	GetCompressionPolicy(ctx context.Context, table string) (*policy.CompressionPolicy, error)
	// SetRetentionPolicy stores the retention settings for a hypertable
	SetRetentionPolicy(ctx context.Context, p policy.RetentionPolicy) (changed bool, err error)
	// GetRetentionPolicy returns the stored policy or nil
	GetRetentionPolicy(ctx context.Context, table string) (*policy.RetentionPolicy, error)

	// CreateIndex registers a secondary index; reports whether it was created
	CreateIndex(ctx context.Context, idx policy.IndexSpec) (created bool, err error)
	// ListIndexes returns the indexes registered for a hypertable
	ListIndexes(ctx context.Context, table string) ([]policy.IndexSpec, error)
}

// ChunkStore manages chunk metadata, rows, and the compression transform
type ChunkStore interface {
	// CreateChunk atomically creates the chunk covering [start, end) unless
	// one already exists for that range key; reports whether it was created.
	// Concurrent creators for the same range converge on a single chunk.
	CreateChunk(ctx context.Context, table string, start, end time.Time) (meta ChunkMeta, created bool, err error)
	// ListChunks returns all chunk metadata for a hypertable ordered by
	// range start
	ListChunks(ctx context.Context, table string) ([]ChunkMeta, error)
	// DropChunk removes a chunk's metadata atomically, guarded by version;
	// backing storage is reclaimed asynchronously
	DropChunk(ctx context.Context, table, chunkID string, version uint64) error

	// AppendRows appends rows to an uncompressed chunk. Every row timestamp
	// must fall inside the chunk range.
	AppendRows(ctx context.Context, table, chunkID string, rows []Row) error
	// ScanChunk returns every row of a chunk regardless of compression state
	ScanChunk(ctx context.Context, table, chunkID string) ([]Row, error)
	// ScanRange returns rows with timestamp in [start, end) across chunks,
	// optionally filtered by column equality
	ScanRange(ctx context.Context, table string, start, end time.Time, filter map[string]any) ([]Row, error)

	// CompressChunk rewrites a chunk into columnar form per the policy and
	// atomically swaps metadata, guarded by version. An interrupted transform
	// leaves the chunk readable in its prior state.
	CompressChunk(ctx context.Context, table, chunkID string, version uint64, p policy.CompressionPolicy) (ChunkMeta, error)
}

// AggregateStore manages continuous aggregate definitions and materialization
type AggregateStore interface {
	// CreateAggregate registers a rollup; reports whether it was created
	CreateAggregate(ctx context.Context, spec policy.AggregateSpec) (created bool, err error)
	// GetAggregate returns a rollup spec or ErrAggregateNotFound
	GetAggregate(ctx context.Context, name string) (*policy.AggregateSpec, error)
	// ListAggregates returns the rollups defined over a hypertable
	ListAggregates(ctx context.Context, table string) ([]policy.AggregateSpec, error)
	// MaterializeWindow recomputes every bucket covering [start, end) from raw
	// rows, overwriting previously materialized buckets in that window.
	// Returns the number of buckets written.
	MaterializeWindow(ctx context.Context, spec policy.AggregateSpec, start, end time.Time) (int, error)
	// QueryAggregate returns materialized buckets with bucket start in
	// [start, end)
	QueryAggregate(ctx context.Context, name string, start, end time.Time) ([]BucketRow, error)
}
