package discrepancy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/railzwaylabs/dirsync/internal/domain/connector"
)

// Type is the kind of drift detected between source and target.
type Type string

const (
	TypeMissing   Type = "missing"
	TypeOrphan    Type = "orphan"
	TypeMismatch  Type = "mismatch"
	TypeCollision Type = "collision"
	TypeUnlinked  Type = "unlinked"
	TypeDeleted   Type = "deleted"
)

// Types lists every discrepancy type.
func Types() []Type {
	return []Type{TypeMissing, TypeOrphan, TypeMismatch, TypeCollision, TypeUnlinked, TypeDeleted}
}

// ResolutionStatus tracks whether a discrepancy still needs attention.
type ResolutionStatus string

const (
	ResolutionPending  ResolutionStatus = "pending"
	ResolutionResolved ResolutionStatus = "resolved"
	ResolutionIgnored  ResolutionStatus = "ignored"
)

// Action is a remediation requested by an operator.
type Action string

const (
	ActionCreate             Action = "create"
	ActionUpdate             Action = "update"
	ActionDelete             Action = "delete"
	ActionLink               Action = "link"
	ActionUnlink             Action = "unlink"
	ActionInactivateIdentity Action = "inactivate_identity"
)

var ErrNotPending = errors.New("discrepancy is no longer pending")

var allowedActions = map[Type][]Action{
	TypeMissing:   {ActionCreate, ActionDelete},
	TypeOrphan:    {ActionCreate, ActionDelete, ActionInactivateIdentity},
	TypeMismatch:  {ActionUpdate},
	TypeCollision: {ActionUnlink, ActionLink},
	TypeUnlinked:  {ActionLink, ActionUnlink},
	TypeDeleted:   {ActionDelete, ActionInactivateIdentity},
}

// Discrepancy is one detected unit of drift. TargetRef is empty when the
// target has no counterpart. For orphans SourceRef carries the correlation
// key the missing source entity would have.
type Discrepancy struct {
	ID                    int64                `json:"id,string"`
	ConnectorID           string               `json:"connector_id"`
	RunID                 int64                `json:"run_id,string"`
	Type                  Type                 `json:"discrepancy_type"`
	Key                   string               `json:"key"`
	SourceRef             string               `json:"source_ref"`
	TargetRef             string               `json:"target_ref,omitempty"`
	SourceSnapshot        connector.Attributes `json:"source_snapshot,omitempty"`
	TargetSnapshot        connector.Attributes `json:"target_snapshot,omitempty"`
	ResolutionStatus      ResolutionStatus     `json:"resolution_status"`
	ResolvedByOperationID *int64               `json:"resolved_by_operation_id,string,omitempty"`
	DetectedAt            time.Time            `json:"detected_at"`
	ResolvedAt            *time.Time           `json:"resolved_at,omitempty"`
}

// ParseAction parses a request value into an Action.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range []Action{ActionCreate, ActionUpdate, ActionDelete, ActionLink, ActionUnlink, ActionInactivateIdentity} {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", raw)
}

// ParseType parses a request value into a Type.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Types() {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown discrepancy type %q", raw)
}

// ParseResolutionStatus parses a request value into a ResolutionStatus.
func ParseResolutionStatus(raw string) (ResolutionStatus, error) {
	switch s := ResolutionStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case ResolutionPending, ResolutionResolved, ResolutionIgnored:
		return s, nil
	default:
		return "", fmt.Errorf("unknown resolution status %q", raw)
	}
}

// Allows reports whether action is meaningful for discrepancies of type t.
func (t Type) Allows(action Action) bool {
	for _, a := range allowedActions[t] {
		if a == action {
			return true
		}
	}
	return false
}

// DedupKey identifies a pending discrepancy across runs.
func (d *Discrepancy) DedupKey() string {
	return d.ConnectorID + "|" + string(d.Type) + "|" + d.SourceRef + "|" + d.TargetRef
}

// Clone returns a deep copy of d.
func (d *Discrepancy) Clone() *Discrepancy {
	c := *d
	c.SourceSnapshot = d.SourceSnapshot.Clone()
	c.TargetSnapshot = d.TargetSnapshot.Clone()
	if d.ResolvedByOperationID != nil {
		v := *d.ResolvedByOperationID
		c.ResolvedByOperationID = &v
	}
	if d.ResolvedAt != nil {
		v := *d.ResolvedAt
		c.ResolvedAt = &v
	}
	return &c
}
