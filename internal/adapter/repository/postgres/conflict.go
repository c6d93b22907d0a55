package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/railzwaylabs/dirsync/internal/domain/conflict"
)

type ConflictRepository struct {
	db *gorm.DB
}

func NewConflictRepository(db *gorm.DB) *ConflictRepository {
	return &ConflictRepository{db: db}
}

func (r *ConflictRepository) Record(ctx context.Context, rec *conflict.Record) (bool, error) {
	model := toConflictRecordModel(rec)
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "operation_id"}}, DoNothing: true}).
		Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *ConflictRepository) GetByOperation(ctx context.Context, operationID int64) (*conflict.Record, error) {
	var model ConflictRecordModel
	if err := r.db.WithContext(ctx).Where("operation_id = ?", operationID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toConflictRecord(model), nil
}
