package memory

import (
	"context"
	"sync"

	"github.com/railzwaylabs/dirsync/internal/domain/conflict"
)

type ConflictRepository struct {
	mu      sync.RWMutex
	records map[int64]conflict.Record
}

func NewConflictRepository() *ConflictRepository {
	return &ConflictRepository{records: make(map[int64]conflict.Record)}
}

func (r *ConflictRepository) Record(_ context.Context, rec *conflict.Record) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.OperationID]; ok {
		return false, nil
	}
	r.records[rec.OperationID] = *rec
	return true, nil
}

func (r *ConflictRepository) GetByOperation(_ context.Context, operationID int64) (*conflict.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[operationID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Count returns the number of stored records.
func (r *ConflictRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
