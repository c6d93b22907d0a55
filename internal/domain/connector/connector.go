package connector

import (
	"context"
	"iter"
	"maps"
	"time"
)

// LinkAttribute is the payload key that sets or clears an entity's link to
// its counterpart. It is never stored as a plain attribute.
const LinkAttribute = "link"

// Attributes is the flat attribute set of a directory entity.
type Attributes map[string]string

// Clone returns a copy of a. A nil map stays nil.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	return maps.Clone(a)
}

// Entity is one record observed in a directory.
type Entity struct {
	Ref        string     `json:"ref"`
	Key        string     `json:"key"`
	Link       string     `json:"link,omitempty"`
	Attributes Attributes `json:"attributes"`
	Deleted    bool       `json:"deleted,omitempty"`
	ModifiedAt time.Time  `json:"modified_at"`
}

// ApplyKind is the kind of write issued to a directory.
type ApplyKind string

const (
	ApplyCreate ApplyKind = "create"
	ApplyUpdate ApplyKind = "update"
	ApplyDelete ApplyKind = "delete"
)

// ApplyRequest is a single idempotent write.
type ApplyRequest struct {
	Kind           ApplyKind
	Ref            string
	Payload        Attributes
	IdempotencyKey string
}

// ResultStatus is the outcome of an Apply call.
type ResultStatus string

const (
	// ResultApplied means the write took effect.
	ResultApplied ResultStatus = "applied"
	// ResultAccepted means the directory will confirm asynchronously.
	ResultAccepted ResultStatus = "accepted"
	ResultFailed   ResultStatus = "failed"
)

// FailureKind classifies a failed Apply.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
	FailureConflict  FailureKind = "conflict"
)

// Failure carries the reason of a failed Apply.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail"`
}

// Result is returned by Apply instead of an error so callers can branch on
// the failure kind.
type Result struct {
	Status  ResultStatus
	Failure Failure
	Detail  string
}

func Applied(detail string) Result {
	return Result{Status: ResultApplied, Detail: detail}
}

func Accepted(detail string) Result {
	return Result{Status: ResultAccepted, Detail: detail}
}

func Failed(kind FailureKind, detail string) Result {
	return Result{Status: ResultFailed, Failure: Failure{Kind: kind, Detail: detail}}
}

// ScanRequest scopes a Scan. A nil Since scans the whole population.
type ScanRequest struct {
	Since *time.Time
}

// Directory is one side of a connector. Implementations must make Apply
// safe to repeat with the same idempotency key.
type Directory interface {
	// Scan yields every entity, or only those modified after Since.
	// Tombstoned entities are yielded with Deleted set.
	Scan(ctx context.Context, req ScanRequest) iter.Seq2[Entity, error]

	// Fetch returns all entities, tombstones included, whose key is in keys.
	Fetch(ctx context.Context, keys []string) ([]Entity, error)

	// Observe returns the current live state of ref, or nil when absent.
	Observe(ctx context.Context, ref string) (*Entity, error)

	Apply(ctx context.Context, req ApplyRequest) Result
}

// Connector pairs the authoritative source directory with the connected
// target system.
type Connector struct {
	ID          string
	Concurrency int
	CallTimeout time.Duration
	Source      Directory
	Target      Directory
}

// Registry resolves configured connectors by id.
type Registry interface {
	Get(id string) (*Connector, bool)
	List() []*Connector
}
