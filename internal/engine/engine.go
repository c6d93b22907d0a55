package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/railzwaylabs/dirsync/internal/domain/conflict"
	"github.com/railzwaylabs/dirsync/internal/domain/connector"
	"github.com/railzwaylabs/dirsync/internal/domain/discrepancy"
	"github.com/railzwaylabs/dirsync/internal/domain/errs"
	"github.com/railzwaylabs/dirsync/internal/domain/operation"
	"github.com/railzwaylabs/dirsync/internal/resolver"
	"github.com/railzwaylabs/dirsync/pkg/metrics"
	"github.com/railzwaylabs/dirsync/pkg/telemetry/correlation"
)

// IDGenerator issues unique ids.
type IDGenerator interface {
	GenerateID() int64
}

// Config holds the retry and timeout parameters shared by all workers.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	CallTimeout time.Duration
}

// Engine drives operations through their state machine. Every status write
// is a compare-and-swap on (status, version), so concurrent workers and
// operator calls never overwrite each other.
type Engine struct {
	operations    operation.Repository
	discrepancies discrepancy.Repository
	connectors    connector.Registry
	resolver      *resolver.Resolver
	ids           IDGenerator
	logger        *zap.Logger
	backoff       Backoff
	maxRetries    int
	callTimeout   time.Duration
	now           func() time.Time
}

func New(
	cfg Config,
	operations operation.Repository,
	discrepancies discrepancy.Repository,
	connectors connector.Registry,
	res *resolver.Resolver,
	ids IDGenerator,
	logger *zap.Logger,
) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	return &Engine{
		operations:    operations,
		discrepancies: discrepancies,
		connectors:    connectors,
		resolver:      res,
		ids:           ids,
		logger:        logger.Named("operation.engine"),
		backoff:       Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		maxRetries:    cfg.MaxRetries,
		callTimeout:   cfg.CallTimeout,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SubmitRequest describes a new operation. Type and Direction are already
// parsed at the boundary.
type SubmitRequest struct {
	ConnectorID     string
	DiscrepancyID   int64
	Action          string
	Type            operation.Type
	Direction       operation.Direction
	TargetEntityRef string
	Payload         connector.Attributes
}

// Submit validates req and stores it as a pending operation due now.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*operation.Operation, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	now := e.now()
	op := &operation.Operation{
		ID:              e.ids.GenerateID(),
		ConnectorID:     req.ConnectorID,
		DiscrepancyID:   req.DiscrepancyID,
		Action:          req.Action,
		Type:            req.Type,
		Direction:       req.Direction,
		Status:          operation.StatusPending,
		TargetEntityRef: req.TargetEntityRef,
		Payload:         req.Payload.Clone(),
		MaxRetries:      e.maxRetries,
		NextRetryAt:     &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	entry := operation.LogEntry{
		ID:          e.ids.GenerateID(),
		OperationID: op.ID,
		To:          operation.StatusPending,
		Message:     "submitted",
		At:          now,
	}
	if err := e.operations.Create(ctx, op, entry); err != nil {
		if errors.Is(err, operation.ErrActiveOperationExists) {
			return nil, errs.Wrap(errs.KindState, err, "discrepancy %d", req.DiscrepancyID)
		}
		return nil, fmt.Errorf("create operation: %w", err)
	}

	metrics.OperationTransitions.WithLabelValues("", string(operation.StatusPending)).Inc()
	e.log(ctx).Info("operation_submitted",
		zap.Int64("operation_id", op.ID),
		zap.Int64("discrepancy_id", op.DiscrepancyID),
		zap.String("connector_id", op.ConnectorID),
		zap.String("type", string(op.Type)),
		zap.String("direction", string(op.Direction)),
	)
	return op, nil
}

func validateSubmit(req SubmitRequest) error {
	if req.ConnectorID == "" {
		return errs.Validation("connector_id is required")
	}
	if req.DiscrepancyID == 0 {
		return errs.Validation("discrepancy_id is required")
	}
	if _, err := operation.ParseType(string(req.Type)); err != nil {
		return errs.Wrap(errs.KindValidation, err, "type")
	}
	if _, err := operation.ParseDirection(string(req.Direction)); err != nil {
		return errs.Wrap(errs.KindValidation, err, "direction")
	}
	if req.TargetEntityRef == "" {
		return errs.Validation("target_entity_ref is required")
	}
	switch req.Type {
	case operation.TypeCreate, operation.TypeUpdate:
		if len(req.Payload) == 0 {
			return errs.Validation("%s requires a payload", req.Type)
		}
	case operation.TypeDelete:
		if len(req.Payload) != 0 {
			return errs.Validation("delete does not take a payload")
		}
	}
	return nil
}

// Get returns an operation or a not-found error.
func (e *Engine) Get(ctx context.Context, id int64) (*operation.Operation, error) {
	op, err := e.operations.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load operation: %w", err)
	}
	if op == nil {
		return nil, errs.NotFound("operation %d not found", id)
	}
	return op, nil
}

// Attempts returns the attempt history of an operation.
func (e *Engine) Attempts(ctx context.Context, id int64) ([]operation.Attempt, error) {
	if _, err := e.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.operations.ListAttempts(ctx, id)
}

// Logs returns the transition log of an operation.
func (e *Engine) Logs(ctx context.Context, id int64) ([]operation.LogEntry, error) {
	if _, err := e.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.operations.ListLogs(ctx, id)
}

// Execute claims a pending operation and runs one try against its connector.
// A try that loses its final compare-and-swap to a cancel returns the
// cancelled operation and writes no attempt.
func (e *Engine) Execute(ctx context.Context, id int64) (*operation.Operation, error) {
	op, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Status != operation.StatusPending {
		return nil, errs.State("operation %d is %s, not pending", id, op.Status)
	}

	now := e.now()
	claimed, err := e.transition(ctx, op, func(next *operation.Operation) {
		next.StartedAt = &now
	}, nil, "execution started", operation.StatusInProgress)
	if errors.Is(err, operation.ErrVersionConflict) {
		return nil, errs.State("operation %d was claimed concurrently", id)
	}
	if err != nil {
		return nil, err
	}

	return e.run(ctx, claimed)
}

func (e *Engine) run(ctx context.Context, op *operation.Operation) (*operation.Operation, error) {
	conn, ok := e.connectors.Get(op.ConnectorID)
	if !ok {
		return e.settle(ctx, op, connector.Failed(connector.FailurePermanent, "connector "+op.ConnectorID+" is not configured"), op.Payload)
	}
	dest := conn.Target
	if op.Direction == operation.TargetToSource {
		dest = conn.Source
	}
	timeout := e.callTimeout
	if conn.CallTimeout > 0 {
		timeout = conn.CallTimeout
	}

	disc, err := e.discrepancies.Get(ctx, op.DiscrepancyID)
	if err != nil {
		return e.settle(ctx, op, connector.Failed(connector.FailureTransient, "load discrepancy: "+err.Error()), op.Payload)
	}

	payload := op.Payload
	var captured connector.Attributes
	if disc != nil {
		captured = disc.TargetSnapshot
		if op.Direction == operation.TargetToSource {
			captured = disc.SourceSnapshot
		}

		observeCtx, cancel := context.WithTimeout(ctx, timeout)
		observed, err := dest.Observe(observeCtx, op.TargetEntityRef)
		cancel()
		if err != nil {
			return e.settle(ctx, op, connector.Failed(connector.FailureTransient, "observe destination: "+err.Error()), payload)
		}

		verdict, err := e.resolver.Adjudicate(ctx, op, captured, observed)
		if err != nil {
			return e.settle(ctx, op, connector.Failed(connector.FailureTransient, err.Error()), payload)
		}
		if verdict.Changed {
			switch verdict.Decision.Outcome {
			case conflict.OutcomeSuperseded:
				return e.settle(ctx, op, connector.Applied("superseded: "+verdict.Decision.Reason), payload)
			case conflict.OutcomeRejected:
				return e.settle(ctx, op, connector.Failed(connector.FailureConflict, "rejected: "+verdict.Decision.Reason), payload)
			case conflict.OutcomeMerged:
				payload = verdict.Decision.Payload
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	res := dest.Apply(callCtx, connector.ApplyRequest{
		Kind:           connector.ApplyKind(op.Type),
		Ref:            op.TargetEntityRef,
		Payload:        payload,
		IdempotencyKey: IdempotencyKey(op.ID, op.RetrySeries, op.RetryCount),
	})
	if res.Status == connector.ResultFailed && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		res.Failure.Kind = connector.FailureTransient
	}
	cancel()

	if res.Status == connector.ResultFailed && res.Failure.Kind == connector.FailureConflict {
		if err := e.recordReportedConflict(ctx, op, dest, timeout, captured, res.Failure.Detail); err != nil {
			return e.settle(ctx, op, connector.Failed(connector.FailureTransient, err.Error()), payload)
		}
	}

	return e.settle(ctx, op, res, payload)
}

// recordReportedConflict writes the rejected record for a conflict the
// destination reported itself. The live entity is read back for the snapshot.
func (e *Engine) recordReportedConflict(
	ctx context.Context,
	op *operation.Operation,
	dest connector.Directory,
	timeout time.Duration,
	captured connector.Attributes,
	reason string,
) error {
	observeCtx, cancel := context.WithTimeout(ctx, timeout)
	observed, err := dest.Observe(observeCtx, op.TargetEntityRef)
	cancel()
	if err != nil {
		e.log(ctx).Warn("conflict_observe_failed", zap.Int64("operation_id", op.ID), zap.Error(err))
		observed = nil
	}
	_, err = e.resolver.Reject(ctx, op, captured, observed, reason)
	return err
}

// settle records the result of the current try of an in-flight operation.
func (e *Engine) settle(ctx context.Context, op *operation.Operation, res connector.Result, payload connector.Attributes) (*operation.Operation, error) {
	now := e.now()
	attempt := e.newAttempt(op, now)

	var next *operation.Operation
	var err error
	switch res.Status {
	case connector.ResultApplied:
		attempt.Outcome = operation.OutcomeSuccess
		attempt.ErrorDetail = res.Detail
		next, err = e.transition(ctx, op, func(n *operation.Operation) {
			n.Payload = payload
			n.StartedAt = nil
			n.ResolvedAt = &now
			n.LastError = ""
			n.LastErrorKind = ""
		}, attempt, "completed", operation.StatusCompleted)
	case connector.ResultAccepted:
		attempt.Outcome = operation.OutcomeSuccess
		attempt.ErrorDetail = "accepted, awaiting confirmation"
		if res.Detail != "" {
			attempt.ErrorDetail += ": " + res.Detail
		}
		next, err = e.transition(ctx, op, func(n *operation.Operation) {
			n.Payload = payload
		}, attempt, "awaiting confirmation from target", operation.StatusAwaitingSystem)
	default:
		next, err = e.fail(ctx, op, res.Failure, attempt)
	}

	if errors.Is(err, operation.ErrVersionConflict) {
		return e.lostRace(ctx, op.ID)
	}
	if err != nil {
		return nil, err
	}

	if attempt.Outcome != "" {
		metrics.Attempts.WithLabelValues(string(attempt.Outcome), string(attempt.ErrorKind)).Inc()
	}
	if next.Status == operation.StatusCompleted {
		e.resolveDiscrepancy(ctx, next)
	}
	return next, nil
}

func (e *Engine) newAttempt(op *operation.Operation, now time.Time) *operation.Attempt {
	started := now
	if op.StartedAt != nil {
		started = *op.StartedAt
	}
	key := IdempotencyKey(op.ID, op.RetrySeries, op.RetryCount)
	if op.Status == operation.StatusAwaitingSystem {
		// The accepted call already holds the try's key.
		key = ConfirmationKey(op.ID, op.RetrySeries, op.RetryCount)
	}
	return &operation.Attempt{
		ID:             e.ids.GenerateID(),
		OperationID:    op.ID,
		RetryCount:     op.RetryCount,
		IdempotencyKey: key,
		AttemptedAt:    started,
		Duration:       now.Sub(started),
	}
}

// fail moves an in-flight operation through failed and on to pending with a
// backoff, or to dead_letter once retries are exhausted.
func (e *Engine) fail(ctx context.Context, op *operation.Operation, f connector.Failure, attempt *operation.Attempt) (*operation.Operation, error) {
	if f.Kind == "" {
		f.Kind = connector.FailureTransient
	}
	attempt.Outcome = operation.OutcomeFailure
	attempt.ErrorKind = f.Kind
	attempt.ErrorDetail = f.Detail

	retries := op.RetryCount + 1
	record := func(n *operation.Operation) {
		n.RetryCount = retries
		n.StartedAt = nil
		n.LastError = f.Detail
		n.LastErrorKind = f.Kind
	}

	if retries < op.MaxRetries {
		at := e.now().Add(e.backoff.Delay(op.RetryCount))
		next, err := e.transition(ctx, op, func(n *operation.Operation) {
			record(n)
			n.NextRetryAt = &at
		}, attempt, f.Detail, operation.StatusFailed, operation.StatusPending)
		if err == nil {
			e.log(ctx).Warn("operation_retry_scheduled",
				zap.Int64("operation_id", op.ID),
				zap.Int("retry_count", retries),
				zap.Time("next_retry_at", at),
				zap.String("error_kind", string(f.Kind)),
				zap.String("error", f.Detail),
			)
		}
		return next, err
	}

	next, err := e.transition(ctx, op, record, attempt, f.Detail, operation.StatusFailed, operation.StatusDeadLetter)
	if err == nil {
		e.log(ctx).Error("operation_dead_lettered",
			zap.Int64("operation_id", op.ID),
			zap.Int("retry_count", retries),
			zap.String("error_kind", string(f.Kind)),
			zap.String("error", f.Detail),
		)
	}
	return next, err
}

func (e *Engine) lostRace(ctx context.Context, id int64) (*operation.Operation, error) {
	current, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == operation.StatusCancelled {
		e.log(ctx).Info("operation_cancelled_in_flight", zap.Int64("operation_id", id))
		return current, nil
	}
	return nil, errs.State("operation %d changed concurrently, now %s", id, current.Status)
}

// Retry re-queues a failed or dead-lettered operation for immediate
// execution. Only a retry from dead_letter restarts the retry counter.
func (e *Engine) Retry(ctx context.Context, id int64) (*operation.Operation, error) {
	op, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var mutate func(*operation.Operation)
	switch op.Status {
	case operation.StatusFailed:
		mutate = func(n *operation.Operation) { n.NextRetryAt = &now }
	case operation.StatusDeadLetter:
		mutate = func(n *operation.Operation) {
			n.RetryCount = 0
			n.RetrySeries++
			n.NextRetryAt = &now
		}
	default:
		return nil, errs.State("operation %d is %s, only failed or dead_letter operations can be retried", id, op.Status)
	}

	next, err := e.transition(ctx, op, mutate, nil, "manual retry", operation.StatusPending)
	if errors.Is(err, operation.ErrVersionConflict) {
		return nil, errs.State("operation %d changed concurrently", id)
	}
	if err != nil {
		return nil, err
	}

	e.log(ctx).Info("operation_retried", zap.Int64("operation_id", id), zap.String("from", string(op.Status)))
	return next, nil
}

// Cancel stops a pending, in-flight or awaiting operation. An in-flight
// connector call is not interrupted but its result is discarded.
func (e *Engine) Cancel(ctx context.Context, id int64) (*operation.Operation, error) {
	const maxTries = 3
	for try := 0; ; try++ {
		op, err := e.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !operation.CanTransition(op.Status, operation.StatusCancelled) {
			return nil, errs.State("operation %d is %s and cannot be cancelled", id, op.Status)
		}

		now := e.now()
		next, err := e.transition(ctx, op, func(n *operation.Operation) {
			n.StartedAt = nil
			n.ResolvedAt = &now
		}, nil, "cancelled by operator", operation.StatusCancelled)
		if errors.Is(err, operation.ErrVersionConflict) && try < maxTries {
			continue
		}
		if errors.Is(err, operation.ErrVersionConflict) {
			return nil, errs.State("operation %d changed concurrently", id)
		}
		if err != nil {
			return nil, err
		}

		e.log(ctx).Info("operation_cancelled", zap.Int64("operation_id", id), zap.String("from", string(op.Status)))
		return next, nil
	}
}

// Resolve closes a dead-lettered operation that was handled out of band.
func (e *Engine) Resolve(ctx context.Context, id int64, notes string) (*operation.Operation, error) {
	op, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Status != operation.StatusDeadLetter {
		return nil, errs.State("operation %d is %s, only dead_letter operations can be resolved", id, op.Status)
	}

	now := e.now()
	next, err := e.transition(ctx, op, func(n *operation.Operation) {
		n.ResolvedAt = &now
		n.ResolutionNotes = notes
	}, nil, "resolved by operator", operation.StatusResolved)
	if errors.Is(err, operation.ErrVersionConflict) {
		return nil, errs.State("operation %d changed concurrently", id)
	}
	if err != nil {
		return nil, err
	}

	e.resolveDiscrepancy(ctx, next)
	e.log(ctx).Info("operation_resolved", zap.Int64("operation_id", id))
	return next, nil
}

// ConfirmRequest carries the target's asynchronous verdict.
type ConfirmRequest struct {
	Success bool
	Detail  string
}

// Confirm settles an operation that is awaiting confirmation from the target.
func (e *Engine) Confirm(ctx context.Context, id int64, req ConfirmRequest) (*operation.Operation, error) {
	op, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Status != operation.StatusAwaitingSystem {
		return nil, errs.State("operation %d is %s, not awaiting confirmation", id, op.Status)
	}

	if req.Success {
		return e.settle(ctx, op, connector.Applied(req.Detail), op.Payload)
	}
	detail := req.Detail
	if detail == "" {
		detail = "target reported failure"
	}
	return e.settle(ctx, op, connector.Failed(connector.FailurePermanent, detail), op.Payload)
}

// Expire fails an in-flight or awaiting operation whose lease ran out so it
// re-enters the retry path.
func (e *Engine) Expire(ctx context.Context, op *operation.Operation, reason string) (*operation.Operation, error) {
	if op.Status != operation.StatusInProgress && op.Status != operation.StatusAwaitingSystem {
		return nil, errs.State("operation %d is %s and cannot expire", op.ID, op.Status)
	}
	next, err := e.fail(ctx, op, connector.Failure{Kind: connector.FailureTransient, Detail: reason}, e.newAttempt(op, e.now()))
	if err != nil {
		return nil, err
	}
	metrics.Attempts.WithLabelValues(string(operation.OutcomeFailure), string(connector.FailureTransient)).Inc()
	return next, nil
}

// transition moves op along path in one compare-and-swap, logging every hop.
func (e *Engine) transition(
	ctx context.Context,
	op *operation.Operation,
	mutate func(*operation.Operation),
	attempt *operation.Attempt,
	message string,
	path ...operation.Status,
) (*operation.Operation, error) {
	now := e.now()
	logs := make([]operation.LogEntry, 0, len(path))
	current := op.Status
	for _, to := range path {
		if !operation.CanTransition(current, to) {
			return nil, errs.Wrap(errs.KindState, &operation.TransitionError{From: current, To: to}, "operation %d", op.ID)
		}
		logs = append(logs, operation.LogEntry{
			ID:          e.ids.GenerateID(),
			OperationID: op.ID,
			From:        current,
			To:          to,
			Message:     message,
			At:          now,
		})
		current = to
	}

	next := op.Clone()
	next.Status = current
	next.UpdatedAt = now
	if mutate != nil {
		mutate(next)
	}
	if !next.Status.Schedulable() {
		next.NextRetryAt = nil
	}

	if err := e.operations.Transition(ctx, operation.Change{
		Operation: next,
		From:      op.Status,
		Version:   op.Version,
		Attempt:   attempt,
		Logs:      logs,
	}); err != nil {
		return nil, err
	}

	for _, l := range logs {
		metrics.OperationTransitions.WithLabelValues(string(l.From), string(l.To)).Inc()
	}
	return next, nil
}

func (e *Engine) resolveDiscrepancy(ctx context.Context, op *operation.Operation) {
	if err := e.discrepancies.MarkResolved(ctx, op.DiscrepancyID, op.ID, e.now()); err != nil {
		e.log(ctx).Warn("discrepancy_resolve_failed",
			zap.Int64("operation_id", op.ID),
			zap.Int64("discrepancy_id", op.DiscrepancyID),
			zap.Error(err),
		)
	}
}

func (e *Engine) log(ctx context.Context) *zap.Logger {
	return correlation.Logger(ctx, e.logger)
}
