package deadletter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/railzwaylabs/dirsync/internal/domain/errs"
	"github.com/railzwaylabs/dirsync/internal/domain/operation"
)

// Operator is the subset of the state machine the manager delegates to.
type Operator interface {
	Retry(ctx context.Context, id int64) (*operation.Operation, error)
	Resolve(ctx context.Context, id int64, notes string) (*operation.Operation, error)
}

type Filter struct {
	ConnectorID string
	Limit       int
	Offset      int
}

// Entry is a dead-lettered operation with the attempts that exhausted it.
type Entry struct {
	*operation.Operation
	Attempts []operation.Attempt `json:"attempts"`
}

type Page struct {
	Items  []Entry `json:"items"`
	Total  int64   `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

type Manager struct {
	operations operation.Repository
	operator   Operator
	logger     *zap.Logger
}

func NewManager(operations operation.Repository, operator Operator, logger *zap.Logger) *Manager {
	return &Manager{
		operations: operations,
		operator:   operator,
		logger:     logger.Named("deadletter.manager"),
	}
}

// List returns dead-lettered operations, most recently updated first.
func (m *Manager) List(ctx context.Context, f Filter) (*Page, error) {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	ops, total, err := m.operations.List(ctx, operation.Filter{
		ConnectorID: f.ConnectorID,
		Status:      operation.StatusDeadLetter,
		Limit:       f.Limit,
		Offset:      f.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list dead letter: %w", err)
	}

	items := make([]Entry, 0, len(ops))
	for _, op := range ops {
		attempts, err := m.operations.ListAttempts(ctx, op.ID)
		if err != nil {
			return nil, fmt.Errorf("list attempts of %d: %w", op.ID, err)
		}
		items = append(items, Entry{Operation: op, Attempts: attempts})
	}

	return &Page{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// Retry re-queues a dead-lettered operation with a fresh retry counter.
func (m *Manager) Retry(ctx context.Context, id int64) (*operation.Operation, error) {
	current, err := m.operations.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load operation: %w", err)
	}
	if current == nil {
		return nil, errs.NotFound("operation %d not found", id)
	}
	if current.Status != operation.StatusDeadLetter {
		return nil, errs.State("operation %d is %s, not dead_letter", id, current.Status)
	}

	op, err := m.operator.Retry(ctx, id)
	if err != nil {
		return nil, err
	}
	m.logger.Info("dead_letter_retried", zap.Int64("operation_id", id))
	return op, nil
}

// Resolve closes a dead-lettered operation that was handled out of band.
func (m *Manager) Resolve(ctx context.Context, id int64, notes string) (*operation.Operation, error) {
	op, err := m.operator.Resolve(ctx, id, notes)
	if err != nil {
		return nil, err
	}
	m.logger.Info("dead_letter_resolved", zap.Int64("operation_id", id))
	return op, nil
}
