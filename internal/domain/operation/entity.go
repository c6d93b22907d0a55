package operation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/railzwaylabs/dirsync/internal/domain/connector"
)

// Type is the kind of corrective action.
type Type string

const (
	TypeCreate Type = "create"
	TypeUpdate Type = "update"
	TypeDelete Type = "delete"
)

// Direction selects which system is authoritative for an operation.
type Direction string

const (
	SourceToTarget Direction = "source_to_target"
	TargetToSource Direction = "target_to_source"
)

// Status represents the lifecycle state of an operation.
type Status string

const (
	StatusPending        Status = "pending"
	StatusInProgress     Status = "in_progress"
	StatusAwaitingSystem Status = "awaiting_system"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusDeadLetter     Status = "dead_letter"
	StatusResolved       Status = "resolved"
	StatusCancelled      Status = "cancelled"
)

// Outcome of a single attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

var (
	ErrVersionConflict       = errors.New("operation was modified concurrently")
	ErrActiveOperationExists = errors.New("discrepancy already has an active operation")
	ErrDuplicateAttempt      = errors.New("attempt with this idempotency key already recorded")
)

// Operation is one corrective action against a connector.
type Operation struct {
	ID              int64                 `json:"id,string"`
	ConnectorID     string                `json:"connector_id"`
	DiscrepancyID   int64                 `json:"discrepancy_id,string"`
	Action          string                `json:"action"`
	Type            Type                  `json:"type"`
	Direction       Direction             `json:"direction"`
	Status          Status                `json:"status"`
	TargetEntityRef string                `json:"target_entity_ref"`
	Payload         connector.Attributes  `json:"payload,omitempty"`
	RetryCount      int                   `json:"retry_count"`
	MaxRetries      int                   `json:"max_retries"`
	RetrySeries     int                   `json:"retry_series"`
	Version         int64                 `json:"version"`
	NextRetryAt     *time.Time            `json:"next_retry_at,omitempty"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	LastError       string                `json:"last_error,omitempty"`
	LastErrorKind   connector.FailureKind `json:"last_error_kind,omitempty"`
	ResolutionNotes string                `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	ResolvedAt      *time.Time            `json:"resolved_at,omitempty"`
}

// Attempt is one settled execution try. Attempts are never updated.
type Attempt struct {
	ID             int64                 `json:"id,string"`
	OperationID    int64                 `json:"operation_id,string"`
	RetryCount     int                   `json:"retry_count"`
	IdempotencyKey string                `json:"idempotency_key"`
	AttemptedAt    time.Time             `json:"attempted_at"`
	Outcome        Outcome               `json:"outcome"`
	ErrorKind      connector.FailureKind `json:"error_kind,omitempty"`
	ErrorDetail    string                `json:"error_detail,omitempty"`
	Duration       time.Duration         `json:"duration"`
}

// LogEntry records one status transition.
type LogEntry struct {
	ID          int64     `json:"id,string"`
	OperationID int64     `json:"operation_id,string"`
	From        Status    `json:"from,omitempty"`
	To          Status    `json:"to"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

// ParseType parses a request value into a Type.
func ParseType(raw string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(raw))); t {
	case TypeCreate, TypeUpdate, TypeDelete:
		return t, nil
	default:
		return "", fmt.Errorf("unknown operation type %q", raw)
	}
}

// ParseDirection parses a request value into a Direction.
func ParseDirection(raw string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(raw))); d {
	case SourceToTarget, TargetToSource:
		return d, nil
	default:
		return "", fmt.Errorf("unknown direction %q", raw)
	}
}

// IsActive reports whether the operation still occupies its discrepancy.
func (o *Operation) IsActive() bool {
	return !o.Status.Terminal()
}

// Clone returns a deep copy of o.
func (o *Operation) Clone() *Operation {
	c := *o
	c.Payload = o.Payload.Clone()
	c.NextRetryAt = cloneTime(o.NextRetryAt)
	c.StartedAt = cloneTime(o.StartedAt)
	c.ResolvedAt = cloneTime(o.ResolvedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
