package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/railzwaylabs/dirsync/internal/domain/discrepancy"
)

type DiscrepancyRepository struct {
	mu    sync.RWMutex
	items map[int64]*discrepancy.Discrepancy
}

func NewDiscrepancyRepository() *DiscrepancyRepository {
	return &DiscrepancyRepository{items: make(map[int64]*discrepancy.Discrepancy)}
}

func (r *DiscrepancyRepository) CreateBatch(_ context.Context, items []*discrepancy.Discrepancy) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make(map[string]struct{})
	for _, d := range r.items {
		if d.ResolutionStatus == discrepancy.ResolutionPending {
			pending[d.DedupKey()] = struct{}{}
		}
	}

	stored := 0
	for _, d := range items {
		key := d.DedupKey()
		if _, dup := pending[key]; dup {
			continue
		}
		pending[key] = struct{}{}
		r.items[d.ID] = d.Clone()
		stored++
	}
	return stored, nil
}

func (r *DiscrepancyRepository) Get(_ context.Context, id int64) (*discrepancy.Discrepancy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.items[id]
	if !ok {
		return nil, nil
	}
	return d.Clone(), nil
}

func (r *DiscrepancyRepository) List(_ context.Context, filter discrepancy.Filter) ([]*discrepancy.Discrepancy, int64, error) {
	r.mu.RLock()
	out := make([]*discrepancy.Discrepancy, 0)
	for _, d := range r.items {
		if filter.ConnectorID != "" && d.ConnectorID != filter.ConnectorID {
			continue
		}
		if filter.RunID != 0 && d.RunID != filter.RunID {
			continue
		}
		if filter.Type != "" && d.Type != filter.Type {
			continue
		}
		if filter.Status != "" && d.ResolutionStatus != filter.Status {
			continue
		}
		out = append(out, d.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return page(out, filter.Limit, filter.Offset), int64(len(out)), nil
}

func (r *DiscrepancyRepository) MarkResolved(_ context.Context, id, operationID int64, at time.Time) error {
	return r.settle(id, func(d *discrepancy.Discrepancy) {
		d.ResolutionStatus = discrepancy.ResolutionResolved
		d.ResolvedByOperationID = &operationID
		d.ResolvedAt = &at
	})
}

func (r *DiscrepancyRepository) MarkIgnored(_ context.Context, id int64, at time.Time) error {
	return r.settle(id, func(d *discrepancy.Discrepancy) {
		d.ResolutionStatus = discrepancy.ResolutionIgnored
		d.ResolvedAt = &at
	})
}

func (r *DiscrepancyRepository) settle(id int64, mutate func(*discrepancy.Discrepancy)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.items[id]
	if !ok || d.ResolutionStatus != discrepancy.ResolutionPending {
		return discrepancy.ErrNotPending
	}
	mutate(d)
	return nil
}
