package run

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Mode selects how much of the population a run scans.
type Mode string

const (
	ModeFull  Mode = "full"
	ModeDelta Mode = "delta"
)

// Status is the lifecycle of a run. It is independent of operation status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Run is one reconciliation pass over a connector.
type Run struct {
	ID          int64          `json:"id,string"`
	ConnectorID string         `json:"connector_id"`
	ScheduleID  *int64         `json:"schedule_id,string,omitempty"`
	Mode        Mode           `json:"mode"`
	Status      Status         `json:"status"`
	DryRun      bool           `json:"dry_run"`
	Since       *time.Time     `json:"since,omitempty"`
	Summary     map[string]int `json:"summary"`
	Detected    int            `json:"detected"`
	Stored      int            `json:"stored"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// ParseMode parses a request value into a Mode.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeFull, ModeDelta:
		return m, nil
	default:
		return "", fmt.Errorf("unknown run mode %q", raw)
	}
}

// Repository defines the interface for run persistence.
type Repository interface {
	Create(ctx context.Context, r *Run) error

	// Save overwrites the mutable fields of an existing run.
	Save(ctx context.Context, r *Run) error

	// Get returns the run or nil.
	Get(ctx context.Context, id int64) (*Run, error)

	// LastSuccessful returns the most recently started completed run that was
	// not a dry run, or nil.
	LastSuccessful(ctx context.Context, connectorID string) (*Run, error)

	// List returns runs of a connector, newest first, and the total count.
	List(ctx context.Context, connectorID string, limit, offset int) ([]*Run, int64, error)
}
