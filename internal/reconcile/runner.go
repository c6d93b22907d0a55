package reconcile

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/railzwaylabs/dirsync/internal/domain/connector"
	"github.com/railzwaylabs/dirsync/internal/domain/discrepancy"
	"github.com/railzwaylabs/dirsync/internal/domain/errs"
	"github.com/railzwaylabs/dirsync/internal/domain/run"
	"github.com/railzwaylabs/dirsync/pkg/metrics"
	"github.com/railzwaylabs/dirsync/pkg/telemetry/correlation"
)

// IDGenerator issues unique ids.
type IDGenerator interface {
	GenerateID() int64
}

// Request starts one reconciliation run.
type Request struct {
	ConnectorID string
	Mode        run.Mode
	DryRun      bool
	ScheduleID  *int64
}

// Result is a finished run and the discrepancies it detected. On dry runs
// the discrepancies carry no IDs and were not stored.
type Result struct {
	Run           *run.Run                   `json:"run"`
	Discrepancies []*discrepancy.Discrepancy `json:"discrepancies"`
}

// Runner scans both sides of a connector and records the drift between them.
type Runner struct {
	connectors    connector.Registry
	runs          run.Repository
	discrepancies discrepancy.Repository
	ids           IDGenerator
	logger        *zap.Logger
	now           func() time.Time
}

func NewRunner(connectors connector.Registry, runs run.Repository, discrepancies discrepancy.Repository, ids IDGenerator, logger *zap.Logger) *Runner {
	return &Runner{
		connectors:    connectors,
		runs:          runs,
		discrepancies: discrepancies,
		ids:           ids,
		logger:        logger.Named("reconcile.runner"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// Run executes a reconciliation run to completion. A run that fails after it
// was recorded is returned together with the error.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	mode, err := run.ParseMode(string(req.Mode))
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "mode")
	}
	conn, ok := r.connectors.Get(req.ConnectorID)
	if !ok {
		return nil, errs.NotFound("connector %s is not configured", req.ConnectorID)
	}

	rn := &run.Run{
		ID:          r.ids.GenerateID(),
		ConnectorID: conn.ID,
		ScheduleID:  req.ScheduleID,
		Mode:        mode,
		Status:      run.StatusPending,
		DryRun:      req.DryRun,
		Summary:     map[string]int{},
		StartedAt:   r.now(),
	}
	if err := r.runs.Create(ctx, rn); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	if mode == run.ModeDelta {
		last, err := r.runs.LastSuccessful(ctx, conn.ID)
		if err != nil {
			return r.finish(ctx, rn, nil, fmt.Errorf("load last run: %w", err))
		}
		if last != nil {
			since := last.StartedAt
			rn.Since = &since
		} else {
			correlation.Logger(ctx, r.logger).Info("delta_without_baseline", zap.String("connector_id", conn.ID), zap.Int64("run_id", rn.ID))
		}
	}

	rn.Status = run.StatusInProgress
	if err := r.runs.Save(ctx, rn); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	correlation.Logger(ctx, r.logger).Info("run_started",
		zap.Int64("run_id", rn.ID),
		zap.String("connector_id", conn.ID),
		zap.String("mode", string(mode)),
		zap.Bool("dry_run", req.DryRun),
	)

	source, target, err := r.collect(ctx, conn, rn.Since)
	if err != nil {
		return r.finish(ctx, rn, nil, err)
	}

	found := Diff(source, target)
	detectedAt := r.now()
	for _, d := range found {
		d.ConnectorID = conn.ID
		d.DetectedAt = detectedAt
		if !req.DryRun {
			d.ID = r.ids.GenerateID()
			d.RunID = rn.ID
		}
		rn.Summary[string(d.Type)]++
	}
	rn.Detected = len(found)

	if !req.DryRun && len(found) > 0 {
		stored, err := r.discrepancies.CreateBatch(ctx, found)
		if err != nil {
			return r.finish(ctx, rn, found, fmt.Errorf("store discrepancies: %w", err))
		}
		rn.Stored = stored
	}

	return r.finish(ctx, rn, found, nil)
}

// collect scans both sides. With since set only changed entities are scanned,
// and the counterparts of every changed key are fetched from both sides.
func (r *Runner) collect(ctx context.Context, conn *connector.Connector, since *time.Time) ([]connector.Entity, []connector.Entity, error) {
	var source, target []connector.Entity
	scan := connector.ScanRequest{Since: since}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		source, err = drain(gctx, conn.Source, scan)
		if err != nil {
			return fmt.Errorf("scan source: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		target, err = drain(gctx, conn.Target, scan)
		if err != nil {
			return fmt.Errorf("scan target: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if since == nil {
		return source, target, nil
	}

	changed := make(map[string]struct{}, len(source)+len(target))
	for _, e := range source {
		changed[e.Key] = struct{}{}
	}
	for _, e := range target {
		changed[e.Key] = struct{}{}
	}
	if len(changed) == 0 {
		return nil, nil, nil
	}
	keys := slices.Sorted(maps.Keys(changed))

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		source, err = conn.Source.Fetch(gctx, keys)
		if err != nil {
			return fmt.Errorf("fetch source: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		target, err = conn.Target.Fetch(gctx, keys)
		if err != nil {
			return fmt.Errorf("fetch target: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return source, target, nil
}

func drain(ctx context.Context, dir connector.Directory, req connector.ScanRequest) ([]connector.Entity, error) {
	var out []connector.Entity
	for e, err := range dir.Scan(ctx, req) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Runner) finish(ctx context.Context, rn *run.Run, found []*discrepancy.Discrepancy, runErr error) (*Result, error) {
	finished := r.now()
	rn.FinishedAt = &finished
	rn.Status = run.StatusCompleted
	if runErr != nil {
		rn.Status = run.StatusFailed
		rn.Error = runErr.Error()
	}

	// The run record must settle even when the caller gave up.
	if err := r.runs.Save(context.WithoutCancel(ctx), rn); err != nil {
		correlation.Logger(ctx, r.logger).Error("run_save_failed", zap.Int64("run_id", rn.ID), zap.Error(err))
		if runErr == nil {
			runErr = fmt.Errorf("finish run: %w", err)
		}
	}
	metrics.Runs.WithLabelValues(rn.ConnectorID, string(rn.Mode), string(rn.Status)).Inc()

	if runErr != nil {
		correlation.Logger(ctx, r.logger).Error("run_failed",
			zap.Int64("run_id", rn.ID),
			zap.String("connector_id", rn.ConnectorID),
			zap.Error(runErr),
		)
		return &Result{Run: rn, Discrepancies: found}, runErr
	}

	if !rn.DryRun {
		for typ, n := range rn.Summary {
			metrics.DiscrepanciesDetected.WithLabelValues(rn.ConnectorID, typ).Add(float64(n))
		}
	}
	correlation.Logger(ctx, r.logger).Info("run_completed",
		zap.Int64("run_id", rn.ID),
		zap.String("connector_id", rn.ConnectorID),
		zap.Int("detected", rn.Detected),
		zap.Int("stored", rn.Stored),
		zap.Any("summary", rn.Summary),
	)
	return &Result{Run: rn, Discrepancies: found}, nil
}
