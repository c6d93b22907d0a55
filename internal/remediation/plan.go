package remediation

import (
	"github.com/railzwaylabs/dirsync/internal/domain/connector"
	"github.com/railzwaylabs/dirsync/internal/domain/discrepancy"
	"github.com/railzwaylabs/dirsync/internal/domain/errs"
	"github.com/railzwaylabs/dirsync/internal/domain/operation"
)

// Preview is the operation a remediation would submit.
type Preview struct {
	DiscrepancyID   int64                `json:"discrepancy_id,string"`
	Action          discrepancy.Action   `json:"action"`
	Type            operation.Type       `json:"type"`
	Direction       operation.Direction  `json:"direction"`
	TargetEntityRef string               `json:"target_entity_ref"`
	Payload         connector.Attributes `json:"payload,omitempty"`
}

// Plan maps a discrepancy, action and direction to the operation that
// remediates it. It depends on nothing but its arguments.
func Plan(d *discrepancy.Discrepancy, action discrepancy.Action, dir operation.Direction) (*Preview, error) {
	if !d.Type.Allows(action) {
		return nil, errs.Validation("action %s does not apply to %s discrepancies", action, d.Type)
	}

	// The authoritative side supplies the data; the destination receives the write.
	authoritative, destination := d.SourceSnapshot, d.TargetSnapshot
	destRef, counterpartRef := d.TargetRef, d.SourceRef
	if destRef == "" {
		destRef = d.Key
	}
	if dir == operation.TargetToSource {
		authoritative, destination = d.TargetSnapshot, d.SourceSnapshot
		destRef, counterpartRef = d.SourceRef, d.TargetRef
	}

	p := &Preview{
		DiscrepancyID:   d.ID,
		Action:          action,
		Direction:       dir,
		TargetEntityRef: destRef,
	}

	switch action {
	case discrepancy.ActionCreate:
		if authoritative == nil {
			return nil, errs.Validation("the %s side has no entity to create from", authoritativeSide(dir))
		}
		if destination != nil {
			return nil, errs.Validation("the destination entity %s already exists", destRef)
		}
		p.Type = operation.TypeCreate
		p.Payload = authoritative.Clone()
		if dir == operation.SourceToTarget {
			p.Payload[connector.LinkAttribute] = d.SourceRef
		}
		return p, nil
	case discrepancy.ActionDelete:
		p.Type = operation.TypeDelete
	case discrepancy.ActionUpdate:
		if authoritative == nil {
			return nil, errs.Validation("the %s side has no entity to update from", authoritativeSide(dir))
		}
		p.Type = operation.TypeUpdate
		p.Payload = authoritative.Clone()
	case discrepancy.ActionLink:
		if counterpartRef == "" {
			return nil, errs.Validation("no counterpart entity to link to")
		}
		p.Type = operation.TypeUpdate
		p.Payload = connector.Attributes{connector.LinkAttribute: counterpartRef}
	case discrepancy.ActionUnlink:
		p.Type = operation.TypeUpdate
		p.Payload = connector.Attributes{connector.LinkAttribute: ""}
	case discrepancy.ActionInactivateIdentity:
		p.Type = operation.TypeUpdate
		p.Payload = connector.Attributes{"active": "false"}
	default:
		return nil, errs.Validation("unknown action %q", action)
	}

	if destination == nil {
		return nil, errs.Validation("the destination entity %s does not exist", destRef)
	}
	if p.Type == operation.TypeUpdate && len(p.Payload) == 0 {
		return nil, errs.Validation("nothing to update on %s", destRef)
	}
	return p, nil
}

func authoritativeSide(dir operation.Direction) string {
	if dir == operation.TargetToSource {
		return "target"
	}
	return "source"
}
