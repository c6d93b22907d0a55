package remediation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/railzwaylabs/dirsync/internal/domain/discrepancy"
	"github.com/railzwaylabs/dirsync/internal/domain/errs"
	"github.com/railzwaylabs/dirsync/internal/domain/operation"
	"github.com/railzwaylabs/dirsync/internal/engine"
)

// Submitter hands new operations to the state machine.
type Submitter interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (*operation.Operation, error)
}

// Request asks for one discrepancy to be remediated. Action and Direction
// arrive as raw strings and are parsed here.
type Request struct {
	ConnectorID   string `validate:"required"`
	DiscrepancyID int64  `validate:"required"`
	Action        string `validate:"required"`
	Direction     string `validate:"required"`
	DryRun        bool
}

// Outcome carries the submitted operation, or only the preview on a dry run.
type Outcome struct {
	Preview   *Preview             `json:"preview"`
	Operation *operation.Operation `json:"operation,omitempty"`
	DryRun    bool                 `json:"dry_run"`
}

// Item is one entry of a bulk request.
type Item struct {
	DiscrepancyID int64  `json:"discrepancy_id,string" validate:"required"`
	Action        string `json:"action" validate:"required"`
	Direction     string `json:"direction" validate:"required"`
}

type BulkRequest struct {
	ConnectorID string `validate:"required"`
	Items       []Item `validate:"required,min=1,max=1000,dive"`
	DryRun      bool
}

// ItemResult is the outcome of one bulk item. Exactly one of OperationID,
// Preview and Error is meaningful.
type ItemResult struct {
	DiscrepancyID int64     `json:"discrepancy_id,string"`
	OperationID   *int64    `json:"operation_id,string,omitempty"`
	Preview       *Preview  `json:"preview,omitempty"`
	Error         string    `json:"error,omitempty"`
	ErrorKind     errs.Kind `json:"error_kind,omitempty"`
}

type BulkResult struct {
	Items     []ItemResult `json:"items"`
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	DryRun    bool         `json:"dry_run"`
}

type Service struct {
	discrepancies discrepancy.Repository
	operations    operation.Repository
	submitter     Submitter
	validate      *validator.Validate
	logger        *zap.Logger
	now           func() time.Time
}

func NewService(discrepancies discrepancy.Repository, operations operation.Repository, submitter Submitter, logger *zap.Logger) *Service {
	return &Service{
		discrepancies: discrepancies,
		operations:    operations,
		submitter:     submitter,
		validate:      validator.New(),
		logger:        logger.Named("remediation.service"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Remediate previews or submits the operation that remediates one
// discrepancy.
func (s *Service) Remediate(ctx context.Context, req Request) (*Outcome, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	action, err := discrepancy.ParseAction(req.Action)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "action")
	}
	dir, err := operation.ParseDirection(req.Direction)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "direction")
	}

	d, err := s.load(ctx, req.ConnectorID, req.DiscrepancyID)
	if err != nil {
		return nil, err
	}
	if d.ResolutionStatus != discrepancy.ResolutionPending {
		return nil, errs.State("discrepancy %d is %s", d.ID, d.ResolutionStatus)
	}

	preview, err := Plan(d, action, dir)
	if err != nil {
		return nil, err
	}
	if req.DryRun {
		return &Outcome{Preview: preview, DryRun: true}, nil
	}

	active, err := s.operations.FindActiveByDiscrepancy(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("check active operation: %w", err)
	}
	if active != nil {
		return nil, errs.Wrap(errs.KindState, operation.ErrActiveOperationExists,
			"discrepancy %d has active operation %d (%s)", d.ID, active.ID, active.Status)
	}

	op, err := s.submitter.Submit(ctx, engine.SubmitRequest{
		ConnectorID:     d.ConnectorID,
		DiscrepancyID:   d.ID,
		Action:          string(action),
		Type:            preview.Type,
		Direction:       preview.Direction,
		TargetEntityRef: preview.TargetEntityRef,
		Payload:         preview.Payload,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("discrepancy_remediation_submitted",
		zap.Int64("discrepancy_id", d.ID),
		zap.Int64("operation_id", op.ID),
		zap.String("action", string(action)),
		zap.String("direction", string(dir)),
	)
	return &Outcome{Preview: preview, Operation: op}, nil
}

// Ignore dismisses a pending discrepancy without remediating it.
func (s *Service) Ignore(ctx context.Context, connectorID string, id int64) (*discrepancy.Discrepancy, error) {
	d, err := s.load(ctx, connectorID, id)
	if err != nil {
		return nil, err
	}

	active, err := s.operations.FindActiveByDiscrepancy(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("check active operation: %w", err)
	}
	if active != nil {
		return nil, errs.State("discrepancy %d has active operation %d; cancel it first", id, active.ID)
	}

	if err := s.discrepancies.MarkIgnored(ctx, id, s.now()); err != nil {
		if errors.Is(err, discrepancy.ErrNotPending) {
			return nil, errs.Wrap(errs.KindState, err, "discrepancy %d is %s", id, d.ResolutionStatus)
		}
		return nil, fmt.Errorf("ignore discrepancy: %w", err)
	}

	s.logger.Info("discrepancy_ignored", zap.Int64("discrepancy_id", id), zap.String("connector_id", connectorID))
	return s.load(ctx, connectorID, id)
}

// BulkRemediate remediates every item independently. An item that fails
// never prevents the others from being submitted.
func (s *Service) BulkRemediate(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	res := &BulkResult{Items: make([]ItemResult, 0, len(req.Items)), Total: len(req.Items), DryRun: req.DryRun}
	for _, item := range req.Items {
		out, err := s.Remediate(ctx, Request{
			ConnectorID:   req.ConnectorID,
			DiscrepancyID: item.DiscrepancyID,
			Action:        item.Action,
			Direction:     item.Direction,
			DryRun:        req.DryRun,
		})

		r := ItemResult{DiscrepancyID: item.DiscrepancyID}
		switch {
		case err != nil:
			r.Error = err.Error()
			r.ErrorKind = errs.KindOf(err)
			res.Failed++
		case out.Operation != nil:
			id := out.Operation.ID
			r.OperationID = &id
			res.Succeeded++
		default:
			r.Preview = out.Preview
			res.Succeeded++
		}
		res.Items = append(res.Items, r)
	}

	s.logger.Info("bulk_remediation_finished",
		zap.String("connector_id", req.ConnectorID),
		zap.Int("total", res.Total),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Bool("dry_run", req.DryRun),
	)
	return res, nil
}

func (s *Service) load(ctx context.Context, connectorID string, id int64) (*discrepancy.Discrepancy, error) {
	d, err := s.discrepancies.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load discrepancy: %w", err)
	}
	if d == nil || d.ConnectorID != connectorID {
		return nil, errs.NotFound("discrepancy %d not found for connector %s", id, connectorID)
	}
	return d, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errs.Wrap(errs.KindValidation, err, "invalid request")
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Namespace()+" failed "+fe.Tag())
	}
	return errs.Validation("invalid request: %s", strings.Join(fields, ", "))
}
