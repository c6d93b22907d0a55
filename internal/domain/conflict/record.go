package conflict

import (
	"context"
	"time"

	"github.com/railzwaylabs/dirsync/internal/domain/connector"
)

// Outcome is the adjudication of a concurrent change.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeMerged     Outcome = "merged"
	OutcomeRejected   Outcome = "rejected"
)

// Snapshot documents the drift seen at execution time.
type Snapshot struct {
	Captured        connector.Attributes `json:"captured"`
	CapturedPresent bool                 `json:"captured_present"`
	Observed        connector.Attributes `json:"observed"`
	ObservedPresent bool                 `json:"observed_present"`
	ChangedKeys     []string             `json:"changed_keys"`
}

// Record is the immutable adjudication for one operation.
type Record struct {
	ID             int64     `json:"id,string"`
	OperationID    int64     `json:"operation_id,string"`
	Outcome        Outcome   `json:"outcome"`
	DetectedChange Snapshot  `json:"detected_change_snapshot"`
	DecidedAt      time.Time `json:"decided_at"`
}

// Repository defines the interface for conflict record persistence.
type Repository interface {
	// Record stores rec unless the operation already has a record. Returns
	// true if rec was stored.
	Record(ctx context.Context, rec *Record) (bool, error)

	// GetByOperation returns the record of an operation or nil.
	GetByOperation(ctx context.Context, operationID int64) (*Record, error)
}
