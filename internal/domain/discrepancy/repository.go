package discrepancy

import (
	"context"
	"time"
)

// Filter narrows List. Zero values match everything.
type Filter struct {
	ConnectorID string
	RunID       int64
	Type        Type
	Status      ResolutionStatus
	Limit       int
	Offset      int
}

// Repository defines the interface for discrepancy persistence.
type Repository interface {
	// CreateBatch stores new discrepancies, skipping any whose DedupKey
	// matches a discrepancy that is still pending. Returns the number stored.
	CreateBatch(ctx context.Context, items []*Discrepancy) (int, error)

	// Get returns the discrepancy or nil if it does not exist.
	Get(ctx context.Context, id int64) (*Discrepancy, error)

	// List returns a page of discrepancies and the total number matching filter.
	List(ctx context.Context, filter Filter) ([]*Discrepancy, int64, error)

	// MarkResolved records that operationID resolved the discrepancy.
	// Returns ErrNotPending if it was already resolved or ignored.
	MarkResolved(ctx context.Context, id, operationID int64, at time.Time) error

	// MarkIgnored dismisses a pending discrepancy. Returns ErrNotPending
	// otherwise.
	MarkIgnored(ctx context.Context, id int64, at time.Time) error
}
