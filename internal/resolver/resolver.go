package resolver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/railzwaylabs/dirsync/internal/domain/conflict"
	"github.com/railzwaylabs/dirsync/internal/domain/connector"
	"github.com/railzwaylabs/dirsync/internal/domain/operation"
)

// IDGenerator issues unique ids.
type IDGenerator interface {
	GenerateID() int64
}

// Verdict is returned by Adjudicate. Changed is false when the destination is
// exactly as it was at detection, in which case no record is written.
type Verdict struct {
	Changed  bool
	Decision Decision
	Record   *conflict.Record
}

// Resolver compares the destination's live state with the state captured at
// detection and records a ConflictRecord whenever they differ.
type Resolver struct {
	policy  Policy
	records conflict.Repository
	ids     IDGenerator
	logger  *zap.Logger
	now     func() time.Time
}

func New(records conflict.Repository, ids IDGenerator, logger *zap.Logger) *Resolver {
	return &Resolver{
		policy:  DefaultPolicy{},
		records: records,
		ids:     ids,
		logger:  logger.Named("conflict.resolver"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithPolicy replaces the adjudication policy.
func (r *Resolver) WithPolicy(p Policy) *Resolver {
	r.policy = p
	return r
}

// Adjudicate decides how op proceeds given the captured and observed
// destination state.
func (r *Resolver) Adjudicate(ctx context.Context, op *operation.Operation, captured connector.Attributes, observed *connector.Entity) (Verdict, error) {
	var observedAttrs connector.Attributes
	if observed != nil {
		observedAttrs = observed.Attributes
	}

	capturedPresent := captured != nil
	observedPresent := observed != nil
	changed := ChangedKeys(captured, observedAttrs)
	if capturedPresent == observedPresent && len(changed) == 0 {
		return Verdict{}, nil
	}

	decision := r.policy.Decide(Input{
		Type:        op.Type,
		Direction:   op.Direction,
		Payload:     op.Payload,
		Captured:    captured,
		Observed:    observed,
		ChangedKeys: changed,
	})

	rec, err := r.record(ctx, op, decision.Outcome, captured, observed, changed)
	if err != nil {
		return Verdict{}, err
	}
	if rec.Outcome != decision.Outcome {
		r.logger.Warn("conflict_decision_diverges_from_record",
			zap.Int64("operation_id", op.ID),
			zap.Int64("conflict_record_id", rec.ID),
			zap.String("recorded_outcome", string(rec.Outcome)),
			zap.String("outcome", string(decision.Outcome)),
		)
	}

	r.logger.Info("conflict_adjudicated",
		zap.Int64("operation_id", op.ID),
		zap.String("outcome", string(decision.Outcome)),
		zap.Strings("changed_keys", changed),
		zap.String("reason", decision.Reason),
	)

	return Verdict{Changed: true, Decision: decision, Record: rec}, nil
}

// Reject records that the destination itself refused op because the entity
// changed underneath it. observed may be nil when the destination could not
// be read back.
func (r *Resolver) Reject(ctx context.Context, op *operation.Operation, captured connector.Attributes, observed *connector.Entity, reason string) (*conflict.Record, error) {
	var observedAttrs connector.Attributes
	if observed != nil {
		observedAttrs = observed.Attributes
	}
	rec, err := r.record(ctx, op, conflict.OutcomeRejected, captured, observed, ChangedKeys(captured, observedAttrs))
	if err != nil {
		return nil, err
	}

	r.logger.Info("conflict_reported_by_connector",
		zap.Int64("operation_id", op.ID),
		zap.String("outcome", string(rec.Outcome)),
		zap.String("reason", reason),
	)
	return rec, nil
}

// record writes the first record of op. A later try gets the stored one back.
func (r *Resolver) record(
	ctx context.Context,
	op *operation.Operation,
	outcome conflict.Outcome,
	captured connector.Attributes,
	observed *connector.Entity,
	changed []string,
) (*conflict.Record, error) {
	var observedAttrs connector.Attributes
	if observed != nil {
		observedAttrs = observed.Attributes
	}

	rec := &conflict.Record{
		ID:          r.ids.GenerateID(),
		OperationID: op.ID,
		Outcome:     outcome,
		DetectedChange: conflict.Snapshot{
			Captured:        captured.Clone(),
			CapturedPresent: captured != nil,
			Observed:        observedAttrs.Clone(),
			ObservedPresent: observed != nil,
			ChangedKeys:     changed,
		},
		DecidedAt: r.now(),
	}

	stored, err := r.records.Record(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("record conflict: %w", err)
	}
	if stored {
		return rec, nil
	}

	// Records are immutable; an earlier try's record stays as written.
	existing, err := r.records.GetByOperation(ctx, op.ID)
	if err != nil {
		return nil, fmt.Errorf("load conflict: %w", err)
	}
	if existing == nil {
		return rec, nil
	}
	return existing, nil
}
