package engine

import "errors"

// Static errors shared by every engine implementation
var (
	// ErrEngineUnreachable is returned when the store cannot be reached at all.
	// Callers treat it as fatal and abort before any mutation.
	ErrEngineUnreachable = errors.New("engine unreachable")
	// ErrHypertableNotFound is returned for operations on an unknown hypertable
	ErrHypertableNotFound = errors.New("hypertable not found")
	// ErrChunkNotFound is returned for operations on an unknown chunk
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrChunkCompressed is returned when a caller attempts row-level mutation
	// of a compressed chunk; historical data must be decompressed first
	ErrChunkCompressed = errors.New("chunk is compressed and rejects row mutation")
	// ErrVersionConflict is returned when an optimistic metadata update loses a
	// race; the owning job retries on its next schedule instead of blocking
	ErrVersionConflict = errors.New("chunk metadata version conflict")
	// ErrAggregateNotFound is returned for operations on an unknown aggregate
	ErrAggregateNotFound = errors.New("continuous aggregate not found")
	// ErrRowOutsideChunk is returned when a row's timestamp does not fall in
	// the target chunk's range
	ErrRowOutsideChunk = errors.New("row timestamp outside chunk range")
	// ErrTypeMismatch is returned when a row value does not match the declared
	// column type
	ErrTypeMismatch = errors.New("row value does not match declared column type")
)
