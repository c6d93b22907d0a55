package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/railzwaylabs/dirsync/internal/domain/errs"
	"github.com/railzwaylabs/dirsync/internal/domain/run"
	"github.com/railzwaylabs/dirsync/internal/domain/schedule"
)

// UpsertRequest creates or replaces the schedule of a connector. Enabled
// defaults to true.
type UpsertRequest struct {
	ConnectorID    string
	Mode           string
	Frequency      string
	CronExpression string
	DayOfWeek      *int
	DayOfMonth     *int
	HourOfDay      *int
	Enabled        *bool
}

// Get returns the schedule of a connector.
func (s *Scheduler) Get(ctx context.Context, connectorID string) (*schedule.Schedule, error) {
	sc, err := s.schedules.GetByConnector(ctx, connectorID)
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	if sc == nil {
		return nil, errs.NotFound("connector %s has no schedule", connectorID)
	}
	return sc, nil
}

// Upsert validates req and stores it as the connector's only schedule.
func (s *Scheduler) Upsert(ctx context.Context, req UpsertRequest) (*schedule.Schedule, error) {
	if _, ok := s.connectors.Get(req.ConnectorID); !ok {
		return nil, errs.NotFound("connector %s is not configured", req.ConnectorID)
	}
	mode, err := run.ParseMode(req.Mode)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "mode")
	}
	freq, err := schedule.ParseFrequency(req.Frequency)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "frequency")
	}

	existing, err := s.schedules.GetByConnector(ctx, req.ConnectorID)
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}

	now := s.now()
	sc := &schedule.Schedule{
		ID:             s.ids.GenerateID(),
		ConnectorID:    req.ConnectorID,
		Mode:           mode,
		Frequency:      freq,
		CronExpression: req.CronExpression,
		DayOfWeek:      req.DayOfWeek,
		DayOfMonth:     req.DayOfMonth,
		HourOfDay:      req.HourOfDay,
		Enabled:        req.Enabled == nil || *req.Enabled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if existing != nil {
		sc.ID = existing.ID
		sc.CreatedAt = existing.CreatedAt
		sc.LastRunAt = existing.LastRunAt
	}
	if err := sc.Validate(); err != nil {
		return nil, scheduleError(err)
	}

	return s.save(ctx, sc)
}

// Enable resumes firing; the next run is computed from now.
func (s *Scheduler) Enable(ctx context.Context, connectorID string) (*schedule.Schedule, error) {
	return s.setEnabled(ctx, connectorID, true)
}

// Disable stops firing. Past runs and the schedule itself are kept.
func (s *Scheduler) Disable(ctx context.Context, connectorID string) (*schedule.Schedule, error) {
	return s.setEnabled(ctx, connectorID, false)
}

func (s *Scheduler) setEnabled(ctx context.Context, connectorID string, enabled bool) (*schedule.Schedule, error) {
	sc, err := s.Get(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	sc.Enabled = enabled
	sc.UpdatedAt = s.now()
	return s.save(ctx, sc)
}

// Delete removes the schedule of a connector. Runs it produced are kept.
func (s *Scheduler) Delete(ctx context.Context, connectorID string) error {
	if _, err := s.Get(ctx, connectorID); err != nil {
		return err
	}
	if err := s.schedules.Delete(ctx, connectorID); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	s.logger.Info("schedule_deleted", zap.String("connector_id", connectorID))
	return nil
}

func (s *Scheduler) save(ctx context.Context, sc *schedule.Schedule) (*schedule.Schedule, error) {
	sc.NextRunAt = nil
	if sc.Enabled {
		next, err := sc.Next(s.now())
		if err != nil {
			return nil, scheduleError(err)
		}
		sc.NextRunAt = &next
	}
	if err := s.schedules.Save(ctx, sc); err != nil {
		return nil, fmt.Errorf("save schedule: %w", err)
	}
	s.logger.Info("schedule_saved",
		zap.String("connector_id", sc.ConnectorID),
		zap.String("frequency", string(sc.Frequency)),
		zap.Bool("enabled", sc.Enabled),
	)
	return sc, nil
}

func scheduleError(err error) error {
	if errors.Is(err, schedule.ErrInvalidSchedule) {
		return errs.Wrap(errs.KindValidation, err, "schedule")
	}
	return err
}
