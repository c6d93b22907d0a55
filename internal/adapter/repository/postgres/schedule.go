package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/railzwaylabs/dirsync/internal/domain/schedule"
)

type ScheduleRepository struct {
	db *gorm.DB
}

func NewScheduleRepository(db *gorm.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

func (r *ScheduleRepository) GetByConnector(ctx context.Context, connectorID string) (*schedule.Schedule, error) {
	var model ScheduleModel
	if err := r.db.WithContext(ctx).Where("connector_id = ?", connectorID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toSchedule(model), nil
}

// Save upserts on connector_id; a connector has at most one schedule.
func (r *ScheduleRepository) Save(ctx context.Context, s *schedule.Schedule) error {
	model := toScheduleModel(s)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "connector_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"mode", "frequency", "cron_expression", "day_of_week", "day_of_month",
				"hour_of_day", "enabled", "next_run_at", "last_run_at", "updated_at",
			}),
		}).
		Create(&model).Error
}

func (r *ScheduleRepository) Delete(ctx context.Context, connectorID string) error {
	return r.db.WithContext(ctx).Where("connector_id = ?", connectorID).Delete(&ScheduleModel{}).Error
}

func (r *ScheduleRepository) ListDue(ctx context.Context, now time.Time) ([]*schedule.Schedule, error) {
	var models []ScheduleModel
	if err := r.db.WithContext(ctx).
		Where("enabled AND next_run_at <= ?", now).
		Order("next_run_at asc").
		Find(&models).Error; err != nil {
		return nil, err
	}

	items := make([]*schedule.Schedule, 0, len(models))
	for _, m := range models {
		items = append(items, toSchedule(m))
	}
	return items, nil
}

func (r *ScheduleRepository) MarkFired(ctx context.Context, id int64, firedAt, next time.Time) error {
	return r.db.WithContext(ctx).Model(&ScheduleModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_run_at": firedAt,
			"next_run_at": next,
			"updated_at":  firedAt,
		}).Error
}
