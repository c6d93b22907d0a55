package resolver

import (
	"maps"
	"slices"

	"github.com/railzwaylabs/dirsync/internal/domain/conflict"
	"github.com/railzwaylabs/dirsync/internal/domain/connector"
	"github.com/railzwaylabs/dirsync/internal/domain/operation"
)

// Input is what a Policy sees when the destination drifted after detection.
// A nil Captured or Observed means the entity was absent.
type Input struct {
	Type        operation.Type
	Direction   operation.Direction
	Payload     connector.Attributes
	Captured    connector.Attributes
	Observed    *connector.Entity
	ChangedKeys []string
}

// Decision is the adjudication of an Input. Payload is set only for merged.
type Decision struct {
	Outcome conflict.Outcome
	Payload connector.Attributes
	Reason  string
}

// Policy decides how a remediation reacts to a concurrent change.
type Policy interface {
	Decide(in Input) Decision
}

// DefaultPolicy treats the authoritative side of the operation as the tie breaker.
type DefaultPolicy struct{}

func (DefaultPolicy) Decide(in Input) Decision {
	if in.Observed == nil {
		switch in.Type {
		case operation.TypeDelete:
			return Decision{Outcome: conflict.OutcomeSuperseded, Reason: "entity already removed"}
		case operation.TypeCreate:
			return Decision{Outcome: conflict.OutcomeApplied, Reason: "entity removed concurrently, recreating"}
		default:
			return Decision{Outcome: conflict.OutcomeRejected, Reason: "entity removed concurrently"}
		}
	}

	if in.Type == operation.TypeDelete {
		return byDirection(in.Direction, "entity changed before delete")
	}

	if satisfied(in.Payload, in.Observed.Attributes) {
		return Decision{Outcome: conflict.OutcomeSuperseded, Reason: "concurrent change already matches payload"}
	}

	if disjoint(in.ChangedKeys, in.Payload) {
		merged := in.Payload.Clone()
		if merged == nil {
			merged = connector.Attributes{}
		}
		for _, k := range in.ChangedKeys {
			if v, ok := in.Observed.Attributes[k]; ok {
				merged[k] = v
			}
		}
		return Decision{Outcome: conflict.OutcomeMerged, Payload: merged, Reason: "concurrent change touches other attributes"}
	}

	return byDirection(in.Direction, "concurrent change overlaps payload")
}

func byDirection(dir operation.Direction, reason string) Decision {
	if dir == operation.SourceToTarget {
		return Decision{Outcome: conflict.OutcomeApplied, Reason: reason + ", source is authoritative"}
	}
	return Decision{Outcome: conflict.OutcomeRejected, Reason: reason + ", payload is stale"}
}

func satisfied(payload, observed connector.Attributes) bool {
	for k, v := range payload {
		if observed[k] != v {
			return false
		}
	}
	return true
}

func disjoint(keys []string, payload connector.Attributes) bool {
	for _, k := range keys {
		if _, ok := payload[k]; ok {
			return false
		}
	}
	return true
}

// ChangedKeys returns the sorted attribute keys whose values differ between
// captured and observed.
func ChangedKeys(captured, observed connector.Attributes) []string {
	set := make(map[string]struct{})
	for k, v := range captured {
		if ov, ok := observed[k]; !ok || ov != v {
			set[k] = struct{}{}
		}
	}
	for k := range observed {
		if _, ok := captured[k]; !ok {
			set[k] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}
