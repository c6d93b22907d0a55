package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/railzwaylabs/dirsync/internal/domain/connector"
	"github.com/railzwaylabs/dirsync/internal/domain/errs"
	"github.com/railzwaylabs/dirsync/internal/domain/run"
	"github.com/railzwaylabs/dirsync/internal/domain/schedule"
	"github.com/railzwaylabs/dirsync/internal/reconcile"
	"github.com/railzwaylabs/dirsync/pkg/lock"
	"github.com/railzwaylabs/dirsync/pkg/telemetry/correlation"
)

// Runner executes one reconciliation run.
type Runner interface {
	Run(ctx context.Context, req reconcile.Request) (*reconcile.Result, error)
}

// IDGenerator issues unique ids.
type IDGenerator interface {
	GenerateID() int64
}

type Config struct {
	Tick    time.Duration
	LockTTL time.Duration
}

// Scheduler fires due schedules and manages schedules and on-demand runs.
// Runs of one connector never overlap, across processes when the locker is
// shared.
type Scheduler struct {
	schedules  schedule.Repository
	runs       run.Repository
	runner     Runner
	connectors connector.Registry
	locker     lock.Locker
	ids        IDGenerator
	logger     *zap.Logger
	cfg        Config
	now        func() time.Time

	wg sync.WaitGroup
}

func New(
	cfg Config,
	schedules schedule.Repository,
	runs run.Repository,
	runner Runner,
	connectors connector.Registry,
	locker lock.Locker,
	ids IDGenerator,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	return &Scheduler{
		schedules:  schedules,
		runs:       runs,
		runner:     runner,
		connectors: connectors,
		locker:     locker,
		ids:        ids,
		logger:     logger.Named("reconcile.scheduler"),
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run fires due schedules until ctx is cancelled, then waits for started runs.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()

	if err := s.Tick(ctx); err != nil {
		s.logger.Error("scheduler_initial_tick_failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler_tick_failed", zap.Error(err))
			}
		}
	}
}

// Wait blocks until every run started by Tick has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick starts a run for every due schedule whose connector is not already
// running.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	due, err := s.schedules.ListDue(ctx, now)
	if err != nil {
		return err
	}

	for _, sc := range due {
		if _, ok := s.connectors.Get(sc.ConnectorID); !ok {
			s.logger.Warn("schedule_connector_missing", zap.String("connector_id", sc.ConnectorID))
			continue
		}

		held, err := s.locker.Obtain(ctx, sc.ConnectorID, s.cfg.LockTTL)
		if errors.Is(err, lock.ErrNotObtained) {
			s.logger.Info("schedule_skipped_run_in_progress", zap.String("connector_id", sc.ConnectorID))
			continue
		}
		if err != nil {
			s.logger.Error("schedule_lock_failed", zap.String("connector_id", sc.ConnectorID), zap.Error(err))
			continue
		}

		next, err := sc.Next(now)
		if err == nil {
			err = s.schedules.MarkFired(ctx, sc.ID, now, next)
		}
		if err != nil {
			s.logger.Error("schedule_mark_fired_failed", zap.Int64("schedule_id", sc.ID), zap.Error(err))
			s.release(ctx, held, sc.ConnectorID)
			continue
		}

		id := sc.ID
		req := reconcile.Request{ConnectorID: sc.ConnectorID, Mode: sc.Mode, ScheduleID: &id}
		runCtx, _ := correlation.Ensure(context.WithoutCancel(ctx))
		logger := correlation.Logger(runCtx, s.logger)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(runCtx, held, req.ConnectorID)

			if _, err := s.runner.Run(runCtx, req); err != nil {
				logger.Error("scheduled_run_failed",
					zap.String("connector_id", req.ConnectorID),
					zap.Int64("schedule_id", id),
					zap.Error(err),
				)
			}
		}()

		logger.Info("schedule_fired",
			zap.Int64("schedule_id", sc.ID),
			zap.String("connector_id", sc.ConnectorID),
			zap.String("mode", string(sc.Mode)),
			zap.Time("next_run_at", next),
		)
	}
	return nil
}

func (s *Scheduler) release(ctx context.Context, held lock.Lock, connectorID string) {
	if err := held.Release(ctx); err != nil {
		s.logger.Warn("run_lock_release_failed", zap.String("connector_id", connectorID), zap.Error(err))
	}
}

// TriggerRun starts an on-demand run outside the schedule and waits for it.
func (s *Scheduler) TriggerRun(ctx context.Context, connectorID, mode string, dryRun bool) (*reconcile.Result, error) {
	m, err := run.ParseMode(mode)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "mode")
	}
	if _, ok := s.connectors.Get(connectorID); !ok {
		return nil, errs.NotFound("connector %s is not configured", connectorID)
	}

	held, err := s.locker.Obtain(ctx, connectorID, s.cfg.LockTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		return nil, errs.State("a run of connector %s is already in progress", connectorID)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain run lock: %w", err)
	}
	defer s.release(context.WithoutCancel(ctx), held, connectorID)

	return s.runner.Run(ctx, reconcile.Request{ConnectorID: connectorID, Mode: m, DryRun: dryRun})
}

// GetRun returns a run or a not-found error.
func (s *Scheduler) GetRun(ctx context.Context, connectorID string, id int64) (*run.Run, error) {
	rn, err := s.runs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if rn == nil || rn.ConnectorID != connectorID {
		return nil, errs.NotFound("run %d not found for connector %s", id, connectorID)
	}
	return rn, nil
}

// ListRuns returns a page of runs of a connector, newest first.
func (s *Scheduler) ListRuns(ctx context.Context, connectorID string, limit, offset int) ([]*run.Run, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.runs.List(ctx, connectorID, limit, offset)
}
