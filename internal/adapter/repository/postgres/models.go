package postgres

import (
	"time"

	"gorm.io/datatypes"

	"github.com/railzwaylabs/dirsync/internal/domain/conflict"
	"github.com/railzwaylabs/dirsync/internal/domain/connector"
	"github.com/railzwaylabs/dirsync/internal/domain/discrepancy"
	"github.com/railzwaylabs/dirsync/internal/domain/operation"
	"github.com/railzwaylabs/dirsync/internal/domain/run"
	"github.com/railzwaylabs/dirsync/internal/domain/schedule"
)

type attributesJSON = datatypes.JSONType[connector.Attributes]

// OperationModel is the database DTO of a remediation operation.
type OperationModel struct {
	ID              int64           `gorm:"primaryKey;autoIncrement:false"`
	ConnectorID     string          `gorm:"type:varchar(128)"`
	DiscrepancyID   int64           `gorm:"index"`
	Action          string          `gorm:"type:varchar(32)"`
	OperationType   string          `gorm:"type:varchar(16)"`
	Direction       string          `gorm:"type:varchar(32)"`
	Status          string          `gorm:"type:varchar(32)"`
	TargetEntityRef string          `gorm:"type:text"`
	Payload         *attributesJSON `gorm:"type:jsonb"`
	RetryCount      int
	MaxRetries      int
	RetrySeries     int
	Version         int64
	NextRetryAt     *time.Time
	StartedAt       *time.Time
	LastError       string `gorm:"type:text"`
	LastErrorKind   string `gorm:"type:varchar(16)"`
	ResolutionNotes string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
}

func (OperationModel) TableName() string {
	return "remediation_operations"
}

// AttemptModel is one settled execution try.
type AttemptModel struct {
	ID             int64 `gorm:"primaryKey;autoIncrement:false"`
	OperationID    int64 `gorm:"index"`
	RetryCount     int
	IdempotencyKey string `gorm:"type:varchar(64)"`
	AttemptedAt    time.Time
	Outcome        string `gorm:"type:varchar(16)"`
	ErrorKind      string `gorm:"type:varchar(16)"`
	ErrorDetail    string `gorm:"type:text"`
	DurationMS     int64  `gorm:"column:duration_ms"`
}

func (AttemptModel) TableName() string {
	return "operation_attempts"
}

// OperationLogModel is one status transition of an operation.
type OperationLogModel struct {
	ID          int64  `gorm:"primaryKey;autoIncrement:false"`
	OperationID int64  `gorm:"index"`
	FromStatus  string `gorm:"type:varchar(32)"`
	ToStatus    string `gorm:"type:varchar(32)"`
	Message     string `gorm:"type:text"`
	CreatedAt   time.Time
}

func (OperationLogModel) TableName() string {
	return "operation_logs"
}

// DiscrepancyModel is the database DTO of a detected discrepancy.
type DiscrepancyModel struct {
	ID                    int64  `gorm:"primaryKey;autoIncrement:false"`
	ConnectorID           string `gorm:"type:varchar(128)"`
	RunID                 int64
	DiscrepancyType       string          `gorm:"type:varchar(32)"`
	Key                   string          `gorm:"type:text"`
	SourceRef             string          `gorm:"type:text"`
	TargetRef             string          `gorm:"type:text"`
	SourceSnapshot        *attributesJSON `gorm:"type:jsonb"`
	TargetSnapshot        *attributesJSON `gorm:"type:jsonb"`
	ResolutionStatus      string          `gorm:"type:varchar(16)"`
	ResolvedByOperationID *int64
	DetectedAt            time.Time
	ResolvedAt            *time.Time
}

func (DiscrepancyModel) TableName() string {
	return "discrepancies"
}

// ConflictRecordModel is the stored adjudication of one operation.
type ConflictRecordModel struct {
	ID                     int64                                 `gorm:"primaryKey;autoIncrement:false"`
	OperationID            int64                                 `gorm:"uniqueIndex"`
	Outcome                string                                `gorm:"type:varchar(16)"`
	DetectedChangeSnapshot datatypes.JSONType[conflict.Snapshot] `gorm:"type:jsonb"`
	DecidedAt              time.Time
}

func (ConflictRecordModel) TableName() string {
	return "conflict_records"
}

// ScheduleModel is the recurring trigger of a connector.
type ScheduleModel struct {
	ID             int64  `gorm:"primaryKey;autoIncrement:false"`
	ConnectorID    string `gorm:"type:varchar(128);uniqueIndex"`
	Mode           string `gorm:"type:varchar(16)"`
	Frequency      string `gorm:"type:varchar(16)"`
	CronExpression string `gorm:"type:varchar(128)"`
	DayOfWeek      *int
	DayOfMonth     *int
	HourOfDay      *int
	Enabled        bool
	NextRunAt      *time.Time
	LastRunAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (ScheduleModel) TableName() string {
	return "reconciliation_schedules"
}

// RunModel is one reconciliation pass.
type RunModel struct {
	ID          int64  `gorm:"primaryKey;autoIncrement:false"`
	ConnectorID string `gorm:"type:varchar(128)"`
	ScheduleID  *int64
	Mode        string `gorm:"type:varchar(16)"`
	Status      string `gorm:"type:varchar(32)"`
	DryRun      bool
	Since       *time.Time
	Summary     datatypes.JSONType[map[string]int] `gorm:"type:jsonb"`
	Detected    int
	Stored      int
	Error       string `gorm:"type:text"`
	StartedAt   time.Time
	FinishedAt  *time.Time
}

func (RunModel) TableName() string {
	return "reconciliation_runs"
}

// Mappers

func toAttributesJSON(a connector.Attributes) *attributesJSON {
	if a == nil {
		return nil
	}
	v := datatypes.NewJSONType(a)
	return &v
}

func fromAttributesJSON(j *attributesJSON) connector.Attributes {
	if j == nil {
		return nil
	}
	return j.Data()
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func toOperationModel(o *operation.Operation) OperationModel {
	return OperationModel{
		ID:              o.ID,
		ConnectorID:     o.ConnectorID,
		DiscrepancyID:   o.DiscrepancyID,
		Action:          o.Action,
		OperationType:   string(o.Type),
		Direction:       string(o.Direction),
		Status:          string(o.Status),
		TargetEntityRef: o.TargetEntityRef,
		Payload:         toAttributesJSON(o.Payload),
		RetryCount:      o.RetryCount,
		MaxRetries:      o.MaxRetries,
		RetrySeries:     o.RetrySeries,
		Version:         o.Version,
		NextRetryAt:     o.NextRetryAt,
		StartedAt:       o.StartedAt,
		LastError:       o.LastError,
		LastErrorKind:   string(o.LastErrorKind),
		ResolutionNotes: o.ResolutionNotes,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		ResolvedAt:      o.ResolvedAt,
	}
}

func toOperation(m OperationModel) *operation.Operation {
	return &operation.Operation{
		ID:              m.ID,
		ConnectorID:     m.ConnectorID,
		DiscrepancyID:   m.DiscrepancyID,
		Action:          m.Action,
		Type:            operation.Type(m.OperationType),
		Direction:       operation.Direction(m.Direction),
		Status:          operation.Status(m.Status),
		TargetEntityRef: m.TargetEntityRef,
		Payload:         fromAttributesJSON(m.Payload),
		RetryCount:      m.RetryCount,
		MaxRetries:      m.MaxRetries,
		RetrySeries:     m.RetrySeries,
		Version:         m.Version,
		NextRetryAt:     utc(m.NextRetryAt),
		StartedAt:       utc(m.StartedAt),
		LastError:       m.LastError,
		LastErrorKind:   connector.FailureKind(m.LastErrorKind),
		ResolutionNotes: m.ResolutionNotes,
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
		ResolvedAt:      utc(m.ResolvedAt),
	}
}

func toAttemptModel(a *operation.Attempt) AttemptModel {
	return AttemptModel{
		ID:             a.ID,
		OperationID:    a.OperationID,
		RetryCount:     a.RetryCount,
		IdempotencyKey: a.IdempotencyKey,
		AttemptedAt:    a.AttemptedAt,
		Outcome:        string(a.Outcome),
		ErrorKind:      string(a.ErrorKind),
		ErrorDetail:    a.ErrorDetail,
		DurationMS:     a.Duration.Milliseconds(),
	}
}

func toAttempt(m AttemptModel) operation.Attempt {
	return operation.Attempt{
		ID:             m.ID,
		OperationID:    m.OperationID,
		RetryCount:     m.RetryCount,
		IdempotencyKey: m.IdempotencyKey,
		AttemptedAt:    m.AttemptedAt.UTC(),
		Outcome:        operation.Outcome(m.Outcome),
		ErrorKind:      connector.FailureKind(m.ErrorKind),
		ErrorDetail:    m.ErrorDetail,
		Duration:       time.Duration(m.DurationMS) * time.Millisecond,
	}
}

func toLogModel(e operation.LogEntry) OperationLogModel {
	return OperationLogModel{
		ID:          e.ID,
		OperationID: e.OperationID,
		FromStatus:  string(e.From),
		ToStatus:    string(e.To),
		Message:     e.Message,
		CreatedAt:   e.At,
	}
}

func toLogEntry(m OperationLogModel) operation.LogEntry {
	return operation.LogEntry{
		ID:          m.ID,
		OperationID: m.OperationID,
		From:        operation.Status(m.FromStatus),
		To:          operation.Status(m.ToStatus),
		Message:     m.Message,
		At:          m.CreatedAt.UTC(),
	}
}

func toDiscrepancyModel(d *discrepancy.Discrepancy) DiscrepancyModel {
	return DiscrepancyModel{
		ID:                    d.ID,
		ConnectorID:           d.ConnectorID,
		RunID:                 d.RunID,
		DiscrepancyType:       string(d.Type),
		Key:                   d.Key,
		SourceRef:             d.SourceRef,
		TargetRef:             d.TargetRef,
		SourceSnapshot:        toAttributesJSON(d.SourceSnapshot),
		TargetSnapshot:        toAttributesJSON(d.TargetSnapshot),
		ResolutionStatus:      string(d.ResolutionStatus),
		ResolvedByOperationID: d.ResolvedByOperationID,
		DetectedAt:            d.DetectedAt,
		ResolvedAt:            d.ResolvedAt,
	}
}

func toDiscrepancy(m DiscrepancyModel) *discrepancy.Discrepancy {
	return &discrepancy.Discrepancy{
		ID:                    m.ID,
		ConnectorID:           m.ConnectorID,
		RunID:                 m.RunID,
		Type:                  discrepancy.Type(m.DiscrepancyType),
		Key:                   m.Key,
		SourceRef:             m.SourceRef,
		TargetRef:             m.TargetRef,
		SourceSnapshot:        fromAttributesJSON(m.SourceSnapshot),
		TargetSnapshot:        fromAttributesJSON(m.TargetSnapshot),
		ResolutionStatus:      discrepancy.ResolutionStatus(m.ResolutionStatus),
		ResolvedByOperationID: m.ResolvedByOperationID,
		DetectedAt:            m.DetectedAt.UTC(),
		ResolvedAt:            utc(m.ResolvedAt),
	}
}

func toConflictRecordModel(r *conflict.Record) ConflictRecordModel {
	return ConflictRecordModel{
		ID:                     r.ID,
		OperationID:            r.OperationID,
		Outcome:                string(r.Outcome),
		DetectedChangeSnapshot: datatypes.NewJSONType(r.DetectedChange),
		DecidedAt:              r.DecidedAt,
	}
}

func toConflictRecord(m ConflictRecordModel) *conflict.Record {
	return &conflict.Record{
		ID:             m.ID,
		OperationID:    m.OperationID,
		Outcome:        conflict.Outcome(m.Outcome),
		DetectedChange: m.DetectedChangeSnapshot.Data(),
		DecidedAt:      m.DecidedAt.UTC(),
	}
}

func toScheduleModel(s *schedule.Schedule) ScheduleModel {
	return ScheduleModel{
		ID:             s.ID,
		ConnectorID:    s.ConnectorID,
		Mode:           string(s.Mode),
		Frequency:      string(s.Frequency),
		CronExpression: s.CronExpression,
		DayOfWeek:      s.DayOfWeek,
		DayOfMonth:     s.DayOfMonth,
		HourOfDay:      s.HourOfDay,
		Enabled:        s.Enabled,
		NextRunAt:      s.NextRunAt,
		LastRunAt:      s.LastRunAt,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func toSchedule(m ScheduleModel) *schedule.Schedule {
	return &schedule.Schedule{
		ID:             m.ID,
		ConnectorID:    m.ConnectorID,
		Mode:           run.Mode(m.Mode),
		Frequency:      schedule.Frequency(m.Frequency),
		CronExpression: m.CronExpression,
		DayOfWeek:      m.DayOfWeek,
		DayOfMonth:     m.DayOfMonth,
		HourOfDay:      m.HourOfDay,
		Enabled:        m.Enabled,
		NextRunAt:      utc(m.NextRunAt),
		LastRunAt:      utc(m.LastRunAt),
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
}

func toRunModel(r *run.Run) RunModel {
	summary := r.Summary
	if summary == nil {
		summary = map[string]int{}
	}
	return RunModel{
		ID:          r.ID,
		ConnectorID: r.ConnectorID,
		ScheduleID:  r.ScheduleID,
		Mode:        string(r.Mode),
		Status:      string(r.Status),
		DryRun:      r.DryRun,
		Since:       r.Since,
		Summary:     datatypes.NewJSONType(summary),
		Detected:    r.Detected,
		Stored:      r.Stored,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
}

func toRun(m RunModel) *run.Run {
	return &run.Run{
		ID:          m.ID,
		ConnectorID: m.ConnectorID,
		ScheduleID:  m.ScheduleID,
		Mode:        run.Mode(m.Mode),
		Status:      run.Status(m.Status),
		DryRun:      m.DryRun,
		Since:       utc(m.Since),
		Summary:     m.Summary.Data(),
		Detected:    m.Detected,
		Stored:      m.Stored,
		Error:       m.Error,
		StartedAt:   m.StartedAt.UTC(),
		FinishedAt:  utc(m.FinishedAt),
	}
}
