package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/railzwaylabs/dirsync/internal/domain/operation"
)

type OperationRepository struct {
	db *gorm.DB
}

func NewOperationRepository(db *gorm.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

func (r *OperationRepository) Create(ctx context.Context, op *operation.Operation, entry operation.LogEntry) error {
	model := toOperationModel(op)
	logModel := toLogModel(entry)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return tx.Create(&logModel).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return operation.ErrActiveOperationExists
	}
	return err
}

func (r *OperationRepository) Get(ctx context.Context, id int64) (*operation.Operation, error) {
	var model OperationModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toOperation(model), nil
}

func (r *OperationRepository) Transition(ctx context.Context, change operation.Change) error {
	model := toOperationModel(change.Operation)
	next := change.Version + 1

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&OperationModel{}).
			Where("id = ? AND status = ? AND version = ?", model.ID, string(change.From), change.Version).
			Updates(map[string]any{
				"status":            model.Status,
				"target_entity_ref": model.TargetEntityRef,
				"payload":           model.Payload,
				"retry_count":       model.RetryCount,
				"max_retries":       model.MaxRetries,
				"retry_series":      model.RetrySeries,
				"version":           next,
				"next_retry_at":     model.NextRetryAt,
				"started_at":        model.StartedAt,
				"last_error":        model.LastError,
				"last_error_kind":   model.LastErrorKind,
				"resolution_notes":  model.ResolutionNotes,
				"updated_at":        model.UpdatedAt,
				"resolved_at":       model.ResolvedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return operation.ErrVersionConflict
		}

		if change.Attempt != nil {
			attempt := toAttemptModel(change.Attempt)
			if err := tx.Create(&attempt).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return operation.ErrDuplicateAttempt
				}
				return err
			}
		}

		if len(change.Logs) > 0 {
			logs := make([]OperationLogModel, 0, len(change.Logs))
			for _, entry := range change.Logs {
				logs = append(logs, toLogModel(entry))
			}
			if err := tx.Create(&logs).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	change.Operation.Version = next
	return nil
}

func (r *OperationRepository) FindActiveByDiscrepancy(ctx context.Context, discrepancyID int64) (*operation.Operation, error) {
	var model OperationModel
	err := r.db.WithContext(ctx).
		Where("discrepancy_id = ? AND status NOT IN ?", discrepancyID, terminalStatuses()).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toOperation(model), nil
}

func (r *OperationRepository) ListDue(ctx context.Context, q operation.DueQuery) ([]*operation.Operation, error) {
	ranked := r.db.WithContext(ctx).
		Model(&OperationModel{}).
		Select("*, ROW_NUMBER() OVER (PARTITION BY connector_id ORDER BY next_retry_at, id) AS due_rank").
		Where("status = ? AND next_retry_at <= ?", string(operation.StatusPending), q.Now)
	if len(q.ExcludeConnectors) > 0 {
		ranked = ranked.Where("connector_id NOT IN ?", q.ExcludeConnectors)
	}

	query := r.db.WithContext(ctx).
		Table("(?) AS due", ranked).
		Order("due_rank asc, next_retry_at asc, id asc")
	return r.find(query, q.Limit)
}

func (r *OperationRepository) ListStale(ctx context.Context, status operation.Status, cutoff time.Time, limit int) ([]*operation.Operation, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", string(status), cutoff).
		Order("started_at asc")
	return r.find(query, limit)
}

func (r *OperationRepository) List(ctx context.Context, filter operation.Filter) ([]*operation.Operation, int64, error) {
	scope := func(db *gorm.DB) *gorm.DB {
		if filter.ConnectorID != "" {
			db = db.Where("connector_id = ?", filter.ConnectorID)
		}
		if filter.Status != "" {
			db = db.Where("status = ?", string(filter.Status))
		}
		return db
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&OperationModel{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query := r.db.WithContext(ctx).Scopes(scope).Order("updated_at desc, id desc").Offset(filter.Offset)
	items, err := r.find(query, filter.Limit)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *OperationRepository) ListAttempts(ctx context.Context, operationID int64) ([]operation.Attempt, error) {
	var models []AttemptModel
	if err := r.db.WithContext(ctx).
		Where("operation_id = ?", operationID).
		Order("attempted_at asc, id asc").
		Find(&models).Error; err != nil {
		return nil, err
	}

	items := make([]operation.Attempt, 0, len(models))
	for _, m := range models {
		items = append(items, toAttempt(m))
	}
	return items, nil
}

func (r *OperationRepository) ListLogs(ctx context.Context, operationID int64) ([]operation.LogEntry, error) {
	var models []OperationLogModel
	if err := r.db.WithContext(ctx).
		Where("operation_id = ?", operationID).
		Order("created_at asc, id asc").
		Find(&models).Error; err != nil {
		return nil, err
	}

	items := make([]operation.LogEntry, 0, len(models))
	for _, m := range models {
		items = append(items, toLogEntry(m))
	}
	return items, nil
}

func (r *OperationRepository) find(query *gorm.DB, limit int) ([]*operation.Operation, error) {
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []OperationModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	items := make([]*operation.Operation, 0, len(models))
	for _, m := range models {
		items = append(items, toOperation(m))
	}
	return items, nil
}

func terminalStatuses() []string {
	statuses := operation.TerminalStatuses()
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}
	return values
}
