package reconcile

import (
	"maps"
	"slices"
	"sort"

	"github.com/railzwaylabs/dirsync/internal/domain/connector"
	"github.com/railzwaylabs/dirsync/internal/domain/discrepancy"
)

// Diff compares both sides by correlation key and returns the drift found,
// ordered by key. Only IDs and run metadata are left for the caller to fill.
//
// Per key, at most one discrepancy class applies in this order: collision
// (several live targets), missing, deleted, orphan, unlinked, mismatch.
func Diff(source, target []connector.Entity) []*discrepancy.Discrepancy {
	type side struct {
		live  []connector.Entity
		tombs []connector.Entity
	}
	group := func(entities []connector.Entity) map[string]*side {
		out := make(map[string]*side)
		for _, e := range entities {
			s, ok := out[e.Key]
			if !ok {
				s = &side{}
				out[e.Key] = s
			}
			if e.Deleted {
				s.tombs = append(s.tombs, e)
			} else {
				s.live = append(s.live, e)
			}
		}
		for _, s := range out {
			sort.Slice(s.live, func(i, j int) bool { return s.live[i].Ref < s.live[j].Ref })
		}
		return out
	}

	src := group(source)
	tgt := group(target)

	keys := make(map[string]struct{}, len(src)+len(tgt))
	for k := range src {
		keys[k] = struct{}{}
	}
	for k := range tgt {
		keys[k] = struct{}{}
	}

	var out []*discrepancy.Discrepancy
	for _, key := range slices.Sorted(maps.Keys(keys)) {
		s, t := src[key], tgt[key]
		var srcLive, srcTomb *connector.Entity
		if s != nil && len(s.live) > 0 {
			srcLive = &s.live[0]
		} else if s != nil && len(s.tombs) > 0 {
			srcTomb = &s.tombs[0]
		}
		var targets []connector.Entity
		if t != nil {
			targets = t.live
		}

		switch {
		case len(targets) > 1:
			for _, te := range targets {
				d := newDiscrepancy(discrepancy.TypeCollision, key, srcLive, &te)
				if srcLive == nil {
					d.SourceRef = key
				}
				out = append(out, d)
			}
		case srcLive != nil && len(targets) == 0:
			out = append(out, newDiscrepancy(discrepancy.TypeMissing, key, srcLive, nil))
		case srcLive == nil && srcTomb != nil && len(targets) == 1:
			out = append(out, newDiscrepancy(discrepancy.TypeDeleted, key, srcTomb, &targets[0]))
		case srcLive == nil && len(targets) == 1:
			d := newDiscrepancy(discrepancy.TypeOrphan, key, nil, &targets[0])
			d.SourceRef = key
			out = append(out, d)
		case srcLive != nil && len(targets) == 1:
			te := targets[0]
			if te.Link != srcLive.Ref {
				out = append(out, newDiscrepancy(discrepancy.TypeUnlinked, key, srcLive, &te))
			} else if !maps.Equal(srcLive.Attributes, te.Attributes) {
				out = append(out, newDiscrepancy(discrepancy.TypeMismatch, key, srcLive, &te))
			}
		}
	}
	return out
}

func newDiscrepancy(typ discrepancy.Type, key string, src, tgt *connector.Entity) *discrepancy.Discrepancy {
	d := &discrepancy.Discrepancy{
		Type:             typ,
		Key:              key,
		ResolutionStatus: discrepancy.ResolutionPending,
	}
	if src != nil {
		d.SourceRef = src.Ref
		d.SourceSnapshot = snapshot(src.Attributes)
	}
	if tgt != nil {
		d.TargetRef = tgt.Ref
		d.TargetSnapshot = snapshot(tgt.Attributes)
	}
	return d
}

// snapshot never returns nil so a present entity with no attributes stays
// distinguishable from an absent one.
func snapshot(attrs connector.Attributes) connector.Attributes {
	if attrs == nil {
		return connector.Attributes{}
	}
	return attrs.Clone()
}
