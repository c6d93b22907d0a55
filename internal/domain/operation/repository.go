package operation

import (
	"context"
	"time"
)

// Change is a compare-and-swap status update. It applies only if the stored
// operation still has status From and version Version. Attempt and Logs are
// written in the same unit of work or not at all.
type Change struct {
	Operation *Operation
	From      Status
	Version   int64
	Attempt   *Attempt
	Logs      []LogEntry
}

// Filter narrows List.
type Filter struct {
	ConnectorID string
	Status      Status
	Limit       int
	Offset      int
}

// DueQuery narrows ListDue.
type DueQuery struct {
	Now   time.Time
	Limit int
	// ExcludeConnectors skips connectors with no free execution slot.
	ExcludeConnectors []string
}

// Repository defines the interface for operation persistence.
type Repository interface {
	// Create stores a new operation together with its creation log entry.
	// Returns ErrActiveOperationExists if the discrepancy already has a
	// non-terminal operation.
	Create(ctx context.Context, op *Operation, entry LogEntry) error

	// Get returns the operation or nil if it does not exist.
	Get(ctx context.Context, id int64) (*Operation, error)

	// Transition applies change atomically. Returns ErrVersionConflict when
	// the stored status or version no longer match. On success
	// change.Operation.Version holds the new version.
	Transition(ctx context.Context, change Change) error

	// FindActiveByDiscrepancy returns the non-terminal operation of a
	// discrepancy, or nil.
	FindActiveByDiscrepancy(ctx context.Context, discrepancyID int64) (*Operation, error)

	// ListDue returns pending operations whose next_retry_at is not after
	// query.Now. Connectors are interleaved: the oldest due operation of each
	// connector comes first, then the second oldest of each, and so on.
	ListDue(ctx context.Context, query DueQuery) ([]*Operation, error)

	// ListStale returns operations in status whose current try started before cutoff.
	ListStale(ctx context.Context, status Status, cutoff time.Time, limit int) ([]*Operation, error)

	// List returns a page of operations and the total number matching filter.
	List(ctx context.Context, filter Filter) ([]*Operation, int64, error)

	// ListAttempts returns the attempts of an operation in the order written.
	ListAttempts(ctx context.Context, operationID int64) ([]Attempt, error)

	// ListLogs returns the transition log of an operation in the order written.
	ListLogs(ctx context.Context, operationID int64) ([]LogEntry, error)
}
