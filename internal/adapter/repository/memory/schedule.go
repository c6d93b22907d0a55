package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/railzwaylabs/dirsync/internal/domain/run"
	"github.com/railzwaylabs/dirsync/internal/domain/schedule"
)

type ScheduleRepository struct {
	mu          sync.RWMutex
	byConnector map[string]schedule.Schedule
}

func NewScheduleRepository() *ScheduleRepository {
	return &ScheduleRepository{byConnector: make(map[string]schedule.Schedule)}
}

func (r *ScheduleRepository) GetByConnector(_ context.Context, connectorID string) (*schedule.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byConnector[connectorID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *ScheduleRepository) Save(_ context.Context, s *schedule.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byConnector[s.ConnectorID]; ok {
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
	}
	r.byConnector[s.ConnectorID] = *s
	return nil
}

func (r *ScheduleRepository) Delete(_ context.Context, connectorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byConnector, connectorID)
	return nil
}

func (r *ScheduleRepository) ListDue(_ context.Context, now time.Time) ([]*schedule.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*schedule.Schedule, 0)
	for _, s := range r.byConnector {
		if s.Enabled && s.NextRunAt != nil && !s.NextRunAt.After(now) {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	return out, nil
}

func (r *ScheduleRepository) MarkFired(_ context.Context, id int64, firedAt, next time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, s := range r.byConnector {
		if s.ID == id {
			s.LastRunAt = &firedAt
			s.NextRunAt = &next
			s.UpdatedAt = firedAt
			r.byConnector[key] = s
			return nil
		}
	}
	return nil
}

type RunRepository struct {
	mu   sync.RWMutex
	runs map[int64]run.Run
}

func NewRunRepository() *RunRepository {
	return &RunRepository{runs: make(map[int64]run.Run)}
}

func (r *RunRepository) Create(_ context.Context, rn *run.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[rn.ID]; ok {
		return fmt.Errorf("run %d already exists", rn.ID)
	}
	r.store(rn)
	return nil
}

func (r *RunRepository) Save(_ context.Context, rn *run.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[rn.ID]; !ok {
		return fmt.Errorf("run %d not found", rn.ID)
	}
	r.store(rn)
	return nil
}

func (r *RunRepository) store(rn *run.Run) {
	c := *rn
	c.Summary = maps.Clone(rn.Summary)
	r.runs[rn.ID] = c
}

func (r *RunRepository) Get(_ context.Context, id int64) (*run.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rn, ok := r.runs[id]
	if !ok {
		return nil, nil
	}
	return &rn, nil
}

func (r *RunRepository) LastSuccessful(_ context.Context, connectorID string) (*run.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var last *run.Run
	for _, rn := range r.runs {
		if rn.ConnectorID != connectorID || rn.Status != run.StatusCompleted || rn.DryRun {
			continue
		}
		if last == nil || rn.StartedAt.After(last.StartedAt) {
			rn := rn
			last = &rn
		}
	}
	return last, nil
}

func (r *RunRepository) List(_ context.Context, connectorID string, limit, offset int) ([]*run.Run, int64, error) {
	r.mu.RLock()
	out := make([]*run.Run, 0)
	for _, rn := range r.runs {
		if rn.ConnectorID == connectorID {
			rn := rn
			out = append(out, &rn)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, limit, offset), int64(len(out)), nil
}
