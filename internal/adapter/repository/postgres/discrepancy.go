package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/railzwaylabs/dirsync/internal/domain/discrepancy"
)

const insertBatchSize = 500

type DiscrepancyRepository struct {
	db *gorm.DB
}

func NewDiscrepancyRepository(db *gorm.DB) *DiscrepancyRepository {
	return &DiscrepancyRepository{db: db}
}

// CreateBatch relies on the partial unique index over pending discrepancies
// to skip duplicates.
func (r *DiscrepancyRepository) CreateBatch(ctx context.Context, items []*discrepancy.Discrepancy) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	models := make([]DiscrepancyModel, 0, len(items))
	for _, d := range items {
		models = append(models, toDiscrepancyModel(d))
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&models, insertBatchSize)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (r *DiscrepancyRepository) Get(ctx context.Context, id int64) (*discrepancy.Discrepancy, error) {
	var model DiscrepancyModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toDiscrepancy(model), nil
}

func (r *DiscrepancyRepository) List(ctx context.Context, filter discrepancy.Filter) ([]*discrepancy.Discrepancy, int64, error) {
	scope := func(db *gorm.DB) *gorm.DB {
		if filter.ConnectorID != "" {
			db = db.Where("connector_id = ?", filter.ConnectorID)
		}
		if filter.RunID != 0 {
			db = db.Where("run_id = ?", filter.RunID)
		}
		if filter.Type != "" {
			db = db.Where("discrepancy_type = ?", string(filter.Type))
		}
		if filter.Status != "" {
			db = db.Where("resolution_status = ?", string(filter.Status))
		}
		return db
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&DiscrepancyModel{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query := r.db.WithContext(ctx).Scopes(scope).Order("detected_at asc, id asc").Offset(filter.Offset)
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var models []DiscrepancyModel
	if err := query.Find(&models).Error; err != nil {
		return nil, 0, err
	}

	items := make([]*discrepancy.Discrepancy, 0, len(models))
	for _, m := range models {
		items = append(items, toDiscrepancy(m))
	}
	return items, total, nil
}

func (r *DiscrepancyRepository) MarkResolved(ctx context.Context, id, operationID int64, at time.Time) error {
	return r.settle(ctx, id, map[string]any{
		"resolution_status":        string(discrepancy.ResolutionResolved),
		"resolved_by_operation_id": operationID,
		"resolved_at":              at,
	})
}

func (r *DiscrepancyRepository) MarkIgnored(ctx context.Context, id int64, at time.Time) error {
	return r.settle(ctx, id, map[string]any{
		"resolution_status": string(discrepancy.ResolutionIgnored),
		"resolved_at":       at,
	})
}

func (r *DiscrepancyRepository) settle(ctx context.Context, id int64, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&DiscrepancyModel{}).
		Where("id = ? AND resolution_status = ?", id, string(discrepancy.ResolutionPending)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return discrepancy.ErrNotPending
	}
	return nil
}
