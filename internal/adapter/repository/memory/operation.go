package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/railzwaylabs/dirsync/internal/domain/operation"
)

// OperationRepository keeps operations in process memory. It enforces the
// same compare-and-swap and uniqueness rules as the Postgres repository.
type OperationRepository struct {
	mu         sync.RWMutex
	operations map[int64]*operation.Operation
	attempts   map[int64][]operation.Attempt
	logs       map[int64][]operation.LogEntry
}

func NewOperationRepository() *OperationRepository {
	return &OperationRepository{
		operations: make(map[int64]*operation.Operation),
		attempts:   make(map[int64][]operation.Attempt),
		logs:       make(map[int64][]operation.LogEntry),
	}
}

func (r *OperationRepository) Create(_ context.Context, op *operation.Operation, entry operation.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeFor(op.DiscrepancyID) != nil {
		return operation.ErrActiveOperationExists
	}
	r.operations[op.ID] = op.Clone()
	r.logs[op.ID] = append(r.logs[op.ID], entry)
	return nil
}

func (r *OperationRepository) Get(_ context.Context, id int64) (*operation.Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.operations[id]
	if !ok {
		return nil, nil
	}
	return op.Clone(), nil
}

func (r *OperationRepository) Transition(_ context.Context, change operation.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.operations[change.Operation.ID]
	if !ok || current.Status != change.From || current.Version != change.Version {
		return operation.ErrVersionConflict
	}
	if change.Attempt != nil {
		for _, a := range r.attempts[current.ID] {
			if a.IdempotencyKey == change.Attempt.IdempotencyKey {
				return operation.ErrDuplicateAttempt
			}
		}
	}

	change.Operation.Version = change.Version + 1
	r.operations[current.ID] = change.Operation.Clone()
	if change.Attempt != nil {
		r.attempts[current.ID] = append(r.attempts[current.ID], *change.Attempt)
	}
	r.logs[current.ID] = append(r.logs[current.ID], change.Logs...)
	return nil
}

func (r *OperationRepository) FindActiveByDiscrepancy(_ context.Context, discrepancyID int64) (*operation.Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if op := r.activeFor(discrepancyID); op != nil {
		return op.Clone(), nil
	}
	return nil, nil
}

func (r *OperationRepository) activeFor(discrepancyID int64) *operation.Operation {
	for _, op := range r.operations {
		if op.DiscrepancyID == discrepancyID && op.IsActive() {
			return op
		}
	}
	return nil
}

func (r *OperationRepository) ListDue(_ context.Context, q operation.DueQuery) ([]*operation.Operation, error) {
	excluded := make(map[string]struct{}, len(q.ExcludeConnectors))
	for _, id := range q.ExcludeConnectors {
		excluded[id] = struct{}{}
	}

	due := r.collect(0, func(op *operation.Operation) bool {
		if _, skip := excluded[op.ConnectorID]; skip {
			return false
		}
		return op.Status == operation.StatusPending && op.NextRetryAt != nil && !op.NextRetryAt.After(q.Now)
	}, dueBefore)

	rank := make(map[int64]int, len(due))
	seen := make(map[string]int)
	for _, op := range due {
		seen[op.ConnectorID]++
		rank[op.ID] = seen[op.ConnectorID]
	}
	sort.SliceStable(due, func(i, j int) bool {
		if rank[due[i].ID] != rank[due[j].ID] {
			return rank[due[i].ID] < rank[due[j].ID]
		}
		return dueBefore(due[i], due[j])
	})

	if q.Limit > 0 && len(due) > q.Limit {
		due = due[:q.Limit]
	}
	return due, nil
}

func dueBefore(a, b *operation.Operation) bool {
	if a.NextRetryAt.Equal(*b.NextRetryAt) {
		return a.ID < b.ID
	}
	return a.NextRetryAt.Before(*b.NextRetryAt)
}

func (r *OperationRepository) ListStale(_ context.Context, status operation.Status, cutoff time.Time, limit int) ([]*operation.Operation, error) {
	return r.collect(limit, func(op *operation.Operation) bool {
		return op.Status == status && op.StartedAt != nil && op.StartedAt.Before(cutoff)
	}, func(a, b *operation.Operation) bool {
		return a.StartedAt.Before(*b.StartedAt)
	}), nil
}

func (r *OperationRepository) List(_ context.Context, filter operation.Filter) ([]*operation.Operation, int64, error) {
	all := r.collect(0, func(op *operation.Operation) bool {
		if filter.ConnectorID != "" && op.ConnectorID != filter.ConnectorID {
			return false
		}
		return filter.Status == "" || op.Status == filter.Status
	}, func(a, b *operation.Operation) bool {
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.ID > b.ID
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})
	return page(all, filter.Limit, filter.Offset), int64(len(all)), nil
}

func (r *OperationRepository) ListAttempts(_ context.Context, operationID int64) ([]operation.Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]operation.Attempt(nil), r.attempts[operationID]...), nil
}

func (r *OperationRepository) ListLogs(_ context.Context, operationID int64) ([]operation.LogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]operation.LogEntry(nil), r.logs[operationID]...), nil
}

func (r *OperationRepository) collect(limit int, match func(*operation.Operation) bool, less func(a, b *operation.Operation) bool) []*operation.Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*operation.Operation, 0)
	for _, op := range r.operations {
		if match(op) {
			out = append(out, op.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
