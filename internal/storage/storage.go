package storage

import "context"

// Storage defines the persistence interface for run history.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error

	// Operation log bulk operations (called after a run finishes)
	BulkInsertOps(ctx context.Context, runID string, ops []OpLogEntry) error
	GetOps(ctx context.Context, runID string, limit, offset int) (*PaginatedOps, error)

	// Lifecycle
	Close() error
}
