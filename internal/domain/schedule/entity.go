package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron"

	"github.com/railzwaylabs/dirsync/internal/domain/run"
)

// Frequency is how often a schedule fires.
type Frequency string

const (
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCron    Frequency = "cron"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// Schedule is the recurring trigger of one connector.
type Schedule struct {
	ID             int64      `json:"id,string"`
	ConnectorID    string     `json:"connector_id"`
	Mode           run.Mode   `json:"mode"`
	Frequency      Frequency  `json:"frequency"`
	CronExpression string     `json:"cron_expression,omitempty"`
	DayOfWeek      *int       `json:"day_of_week,omitempty"`
	DayOfMonth     *int       `json:"day_of_month,omitempty"`
	HourOfDay      *int       `json:"hour_of_day,omitempty"`
	Enabled        bool       `json:"enabled"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ParseFrequency parses a request value into a Frequency.
func ParseFrequency(raw string) (Frequency, error) {
	switch f := Frequency(strings.ToLower(strings.TrimSpace(raw))); f {
	case FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyCron:
		return f, nil
	default:
		return "", fmt.Errorf("unknown frequency %q", raw)
	}
}

// Validate checks the field combination of s.
func (s *Schedule) Validate() error {
	if s.ConnectorID == "" {
		return fmt.Errorf("%w: connector_id is required", ErrInvalidSchedule)
	}
	if _, err := run.ParseMode(string(s.Mode)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if _, err := ParseFrequency(string(s.Frequency)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	if s.Frequency == FrequencyCron {
		if strings.TrimSpace(s.CronExpression) == "" {
			return fmt.Errorf("%w: cron_expression is required for cron frequency", ErrInvalidSchedule)
		}
		if _, err := cron.ParseStandard(s.CronExpression); err != nil {
			return fmt.Errorf("%w: cron_expression: %v", ErrInvalidSchedule, err)
		}
		return nil
	}
	if s.CronExpression != "" {
		return fmt.Errorf("%w: cron_expression is only allowed for cron frequency", ErrInvalidSchedule)
	}

	if err := checkRange("hour_of_day", s.HourOfDay, 0, 23); err != nil {
		return err
	}
	if err := checkRange("day_of_week", s.DayOfWeek, 0, 6); err != nil {
		return err
	}
	return checkRange("day_of_month", s.DayOfMonth, 1, 31)
}

func checkRange(name string, v *int, lo, hi int) error {
	if v != nil && (*v < lo || *v > hi) {
		return fmt.Errorf("%w: %s must be between %d and %d", ErrInvalidSchedule, name, lo, hi)
	}
	return nil
}

// Next returns the first fire time strictly after after, in UTC.
func (s *Schedule) Next(after time.Time) (time.Time, error) {
	after = after.UTC()
	hour := valueOr(s.HourOfDay, 0)

	switch s.Frequency {
	case FrequencyHourly:
		return after.Truncate(time.Hour).Add(time.Hour), nil
	case FrequencyDaily:
		next := time.Date(after.Year(), after.Month(), after.Day(), hour, 0, 0, 0, time.UTC)
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil
	case FrequencyWeekly:
		weekday := time.Weekday(valueOr(s.DayOfWeek, 0))
		next := time.Date(after.Year(), after.Month(), after.Day(), hour, 0, 0, 0, time.UTC)
		next = next.AddDate(0, 0, (int(weekday)-int(next.Weekday())+7)%7)
		if !next.After(after) {
			next = next.AddDate(0, 0, 7)
		}
		return next, nil
	case FrequencyMonthly:
		day := valueOr(s.DayOfMonth, 1)
		next := monthDay(after.Year(), after.Month(), day, hour)
		if !next.After(after) {
			next = monthDay(after.Year(), after.Month()+1, day, hour)
		}
		return next, nil
	case FrequencyCron:
		sched, err := cron.ParseStandard(s.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		return sched.Next(after), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, s.Frequency)
	}
}

// monthDay clamps day to the last day of the month.
func monthDay(year int, month time.Month, day, hour int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, 0, 0, 0, time.UTC)
}

func valueOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// Repository defines the interface for schedule persistence.
type Repository interface {
	// GetByConnector returns the schedule of a connector or nil.
	GetByConnector(ctx context.Context, connectorID string) (*Schedule, error)

	// Save inserts or replaces the schedule of s.ConnectorID.
	Save(ctx context.Context, s *Schedule) error

	// Delete removes the schedule of a connector. Past runs are kept.
	Delete(ctx context.Context, connectorID string) error

	// ListDue returns enabled schedules whose next_run_at is not after now.
	ListDue(ctx context.Context, now time.Time) ([]*Schedule, error)

	// MarkFired records a firing and the next fire time.
	MarkFired(ctx context.Context, id int64, firedAt, next time.Time) error
}
