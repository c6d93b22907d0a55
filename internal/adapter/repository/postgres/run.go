package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/railzwaylabs/dirsync/internal/domain/run"
)

type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) Create(ctx context.Context, rn *run.Run) error {
	model := toRunModel(rn)
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *RunRepository) Save(ctx context.Context, rn *run.Run) error {
	model := toRunModel(rn)
	res := r.db.WithContext(ctx).Model(&RunModel{}).
		Where("id = ?", model.ID).
		Updates(map[string]any{
			"status":      model.Status,
			"since":       model.Since,
			"summary":     model.Summary,
			"detected":    model.Detected,
			"stored":      model.Stored,
			"error":       model.Error,
			"finished_at": model.FinishedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %d does not exist", rn.ID)
	}
	return nil
}

func (r *RunRepository) Get(ctx context.Context, id int64) (*run.Run, error) {
	var model RunModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toRun(model), nil
}

func (r *RunRepository) LastSuccessful(ctx context.Context, connectorID string) (*run.Run, error) {
	var model RunModel
	err := r.db.WithContext(ctx).
		Where("connector_id = ? AND status = ? AND NOT dry_run", connectorID, string(run.StatusCompleted)).
		Order("started_at desc").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toRun(model), nil
}

func (r *RunRepository) List(ctx context.Context, connectorID string, limit, offset int) ([]*run.Run, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&RunModel{}).
		Where("connector_id = ?", connectorID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query := r.db.WithContext(ctx).
		Where("connector_id = ?", connectorID).
		Order("started_at desc, id desc").
		Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []RunModel
	if err := query.Find(&models).Error; err != nil {
		return nil, 0, err
	}

	items := make([]*run.Run, 0, len(models))
	for _, m := range models {
		items = append(items, toRun(m))
	}
	return items, total, nil
}
