package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/railzwaylabs/dirsync/internal/domain/connector"
	"github.com/railzwaylabs/dirsync/internal/domain/operation"
	"github.com/railzwaylabs/dirsync/pkg/metrics"
	"github.com/railzwaylabs/dirsync/pkg/telemetry/correlation"
)

// Executor runs and expires operations.
type Executor interface {
	Execute(ctx context.Context, id int64) (*operation.Operation, error)
	Expire(ctx context.Context, op *operation.Operation, reason string) (*operation.Operation, error)
}

type Config struct {
	PollInterval       time.Duration
	BatchSize          int
	DefaultConcurrency int
	// ExecutionLease bounds how long an operation may stay in_progress
	// before it is treated as abandoned by a crashed worker.
	ExecutionLease time.Duration
	// ConfirmTimeout bounds how long an operation may wait in
	// awaiting_system for the target to confirm.
	ConfirmTimeout time.Duration
}

// Pool polls due operations and executes them, bounded per connector.
type Pool struct {
	operations operation.Repository
	executor   Executor
	connectors connector.Registry
	logger     *zap.Logger
	cfg        Config
	now        func() time.Time

	mu       sync.Mutex
	lanes    map[string]*lane
	inflight map[int64]struct{}
	wg       sync.WaitGroup
}

func NewPool(cfg Config, operations operation.Repository, executor Executor, connectors connector.Registry, logger *zap.Logger) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 4
	}
	if cfg.ExecutionLease <= 0 {
		cfg.ExecutionLease = 5 * time.Minute
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = time.Hour
	}

	return &Pool{
		operations: operations,
		executor:   executor,
		connectors: connectors,
		logger:     logger.Named("operation.worker"),
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		lanes:      make(map[string]*lane),
		inflight:   make(map[int64]struct{}),
	}
}

// SetClock replaces the time source.
func (p *Pool) SetClock(now func() time.Time) {
	p.now = now
}

// Run polls until ctx is cancelled, then waits for in-flight executions.
func (p *Pool) Run(ctx context.Context) {
	defer p.wg.Wait()

	if err := p.Poll(ctx); err != nil {
		p.logger.Error("worker_initial_poll_failed", zap.Error(err))
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				p.logger.Error("worker_poll_failed", zap.Error(err))
			}
		}
	}
}

// Wait blocks until every dispatched execution has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Poll reaps expired leases and dispatches one batch of due operations.
// Connectors without a free slot are left out of the batch so a backlog on
// one connector cannot hold back the others.
func (p *Pool) Poll(ctx context.Context) error {
	now := p.now()
	p.reap(ctx, operation.StatusInProgress, now.Add(-p.cfg.ExecutionLease), "execution lease expired")
	p.reap(ctx, operation.StatusAwaitingSystem, now.Add(-p.cfg.ConfirmTimeout), "confirmation timed out")

	due, err := p.operations.ListDue(ctx, operation.DueQuery{
		Now:               now,
		Limit:             p.cfg.BatchSize,
		ExcludeConnectors: p.saturated(),
	})
	if err != nil {
		return err
	}
	for _, op := range due {
		p.dispatch(ctx, op)
	}
	return nil
}

func (p *Pool) reap(ctx context.Context, status operation.Status, cutoff time.Time, reason string) {
	stale, err := p.operations.ListStale(ctx, status, cutoff, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("worker_reap_failed", zap.String("status", string(status)), zap.Error(err))
		return
	}

	for _, op := range stale {
		if p.isInflight(op.ID) {
			continue
		}
		next, err := p.executor.Expire(ctx, op, reason)
		if err != nil {
			p.logger.Warn("operation_expire_failed", zap.Int64("operation_id", op.ID), zap.Error(err))
			continue
		}
		p.logger.Warn("operation_expired",
			zap.Int64("operation_id", op.ID),
			zap.String("from", string(status)),
			zap.String("to", string(next.Status)),
		)
	}
}

func (p *Pool) dispatch(ctx context.Context, op *operation.Operation) {
	l := p.laneFor(op.ConnectorID)
	if !l.slots.TryAcquire(1) {
		return
	}
	if !p.markInflight(op.ID) {
		l.slots.Release(1)
		return
	}
	p.mu.Lock()
	l.running++
	p.mu.Unlock()

	p.wg.Add(1)
	metrics.InFlight.WithLabelValues(op.ConnectorID).Inc()

	// A started connector call runs to completion even during shutdown; the
	// lease reaper covers a process that dies mid-call.
	execCtx, _ := correlation.Ensure(context.WithoutCancel(ctx))
	logger := correlation.Logger(execCtx, p.logger)
	go func() {
		defer p.wg.Done()
		defer p.release(l)
		defer p.clearInflight(op.ID)
		defer metrics.InFlight.WithLabelValues(op.ConnectorID).Dec()

		next, err := p.executor.Execute(execCtx, op.ID)
		if err != nil {
			logger.Warn("operation_execute_failed", zap.Int64("operation_id", op.ID), zap.Error(err))
			return
		}
		logger.Info("operation_executed",
			zap.Int64("operation_id", op.ID),
			zap.String("connector_id", op.ConnectorID),
			zap.String("status", string(next.Status)),
		)
	}()
}

// lane bounds concurrent executions for one connector.
type lane struct {
	slots   *semaphore.Weighted
	limit   int
	running int
}

func (p *Pool) laneFor(connectorID string) *lane {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.lanes[connectorID]; ok {
		return l
	}
	limit := p.cfg.DefaultConcurrency
	if conn, ok := p.connectors.Get(connectorID); ok && conn.Concurrency > 0 {
		limit = conn.Concurrency
	}
	l := &lane{slots: semaphore.NewWeighted(int64(limit)), limit: limit}
	p.lanes[connectorID] = l
	return l
}

func (p *Pool) release(l *lane) {
	p.mu.Lock()
	l.running--
	p.mu.Unlock()
	l.slots.Release(1)
}

// saturated returns the connectors whose every slot is taken.
func (p *Pool) saturated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []string
	for id, l := range p.lanes {
		if l.running >= l.limit {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Pool) markInflight(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[id]; ok {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Pool) clearInflight(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}

func (p *Pool) isInflight(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[id]
	return ok
}
