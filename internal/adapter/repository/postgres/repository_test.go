package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	memdir "github.com/railzwaylabs/dirsync/internal/adapter/connector/memory"
	"github.com/railzwaylabs/dirsync/internal/adapter/connector/registry"
	"github.com/railzwaylabs/dirsync/internal/adapter/repository/postgres"
	"github.com/railzwaylabs/dirsync/internal/domain/conflict"
	"github.com/railzwaylabs/dirsync/internal/domain/connector"
	"github.com/railzwaylabs/dirsync/internal/domain/discrepancy"
	"github.com/railzwaylabs/dirsync/internal/domain/operation"
	"github.com/railzwaylabs/dirsync/internal/domain/run"
	"github.com/railzwaylabs/dirsync/internal/domain/schedule"
	"github.com/railzwaylabs/dirsync/internal/engine"
	"github.com/railzwaylabs/dirsync/internal/resolver"
	"github.com/railzwaylabs/dirsync/pkg/snowflake"
	"github.com/railzwaylabs/dirsync/pkg/testhelper"
)

func TestRepositories_Integration(t *testing.T) {
	db := testhelper.MigratedDB(t)
	ctx := context.Background()

	ids, err := snowflake.NewNode(1)
	require.NoError(t, err)

	operations := postgres.NewOperationRepository(db)
	discrepancies := postgres.NewDiscrepancyRepository(db)
	conflicts := postgres.NewConflictRepository(db)
	schedules := postgres.NewScheduleRepository(db)
	runs := postgres.NewRunRepository(db)

	now := time.Now().UTC().Truncate(time.Millisecond)

	newDiscrepancy := func(key string) *discrepancy.Discrepancy {
		return &discrepancy.Discrepancy{
			ID:               ids.GenerateID(),
			ConnectorID:      "crm",
			RunID:            ids.GenerateID(),
			Type:             discrepancy.TypeMissing,
			Key:              key,
			SourceRef:        "src-" + key,
			SourceSnapshot:   connector.Attributes{"mail": key + "@example.com"},
			ResolutionStatus: discrepancy.ResolutionPending,
			DetectedAt:       now,
		}
	}

	t.Run("DiscrepancyDedupe", func(t *testing.T) {
		first := newDiscrepancy("dedupe")
		stored, err := discrepancies.CreateBatch(ctx, []*discrepancy.Discrepancy{first})
		require.NoError(t, err)
		assert.Equal(t, 1, stored)

		again := newDiscrepancy("dedupe")
		other := newDiscrepancy("dedupe-other")
		stored, err = discrepancies.CreateBatch(ctx, []*discrepancy.Discrepancy{again, other})
		require.NoError(t, err)
		assert.Equal(t, 1, stored)

		got, err := discrepancies.Get(ctx, first.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, first.SourceSnapshot, got.SourceSnapshot)
		assert.Nil(t, got.TargetSnapshot)

		missing, err := discrepancies.Get(ctx, again.ID)
		require.NoError(t, err)
		assert.Nil(t, missing)

		require.NoError(t, discrepancies.MarkIgnored(ctx, first.ID, now))
		assert.ErrorIs(t, discrepancies.MarkIgnored(ctx, first.ID, now), discrepancy.ErrNotPending)

		// Once the first is settled the same drift may be recorded again.
		stored, err = discrepancies.CreateBatch(ctx, []*discrepancy.Discrepancy{again})
		require.NoError(t, err)
		assert.Equal(t, 1, stored)

		page, total, err := discrepancies.List(ctx, discrepancy.Filter{ConnectorID: "crm", Status: discrepancy.ResolutionPending, Limit: 1})
		require.NoError(t, err)
		assert.EqualValues(t, 2, total)
		assert.Len(t, page, 1)
	})

	t.Run("OperationCompareAndSwap", func(t *testing.T) {
		d := newDiscrepancy("cas")
		_, err := discrepancies.CreateBatch(ctx, []*discrepancy.Discrepancy{d})
		require.NoError(t, err)

		op := &operation.Operation{
			ID:              ids.GenerateID(),
			ConnectorID:     "crm",
			DiscrepancyID:   d.ID,
			Action:          "create",
			Type:            operation.TypeCreate,
			Direction:       operation.SourceToTarget,
			Status:          operation.StatusPending,
			TargetEntityRef: "cas",
			Payload:         connector.Attributes{"mail": "cas@example.com"},
			MaxRetries:      3,
			Version:         1,
			NextRetryAt:     &now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		entry := operation.LogEntry{ID: ids.GenerateID(), OperationID: op.ID, To: operation.StatusPending, At: now}
		require.NoError(t, operations.Create(ctx, op, entry))

		dup := *op
		dup.ID = ids.GenerateID()
		err = operations.Create(ctx, &dup, operation.LogEntry{ID: ids.GenerateID(), OperationID: dup.ID, To: operation.StatusPending, At: now})
		assert.ErrorIs(t, err, operation.ErrActiveOperationExists)

		due, err := operations.ListDue(ctx, operation.DueQuery{Now: now.Add(time.Second), Limit: 10})
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, op.ID, due[0].ID)

		due, err = operations.ListDue(ctx, operation.DueQuery{Now: now.Add(time.Second), Limit: 10, ExcludeConnectors: []string{"crm"}})
		require.NoError(t, err)
		assert.Empty(t, due)

		claimed := op.Clone()
		claimed.Status = operation.StatusInProgress
		claimed.NextRetryAt = nil
		claimed.StartedAt = &now
		require.NoError(t, operations.Transition(ctx, operation.Change{
			Operation: claimed, From: operation.StatusPending, Version: 1,
			Logs: []operation.LogEntry{{ID: ids.GenerateID(), OperationID: op.ID, From: operation.StatusPending, To: operation.StatusInProgress, At: now}},
		}))
		assert.EqualValues(t, 2, claimed.Version)

		stale := op.Clone()
		stale.Status = operation.StatusCancelled
		err = operations.Transition(ctx, operation.Change{Operation: stale, From: operation.StatusPending, Version: 1})
		assert.ErrorIs(t, err, operation.ErrVersionConflict)

		old, err := operations.ListStale(ctx, operation.StatusInProgress, now.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, old, 1)

		attempt := &operation.Attempt{
			ID: ids.GenerateID(), OperationID: op.ID, IdempotencyKey: "key-1",
			AttemptedAt: now, Outcome: operation.OutcomeFailure, ErrorKind: connector.FailureTransient,
			ErrorDetail: "timeout", Duration: 1500 * time.Millisecond,
		}
		failed := claimed.Clone()
		failed.Status = operation.StatusFailed
		failed.RetryCount = 1
		require.NoError(t, operations.Transition(ctx, operation.Change{
			Operation: failed, From: operation.StatusInProgress, Version: 2, Attempt: attempt,
		}))

		// A replayed attempt rolls back the whole change.
		replay := failed.Clone()
		replay.Status = operation.StatusDeadLetter
		err = operations.Transition(ctx, operation.Change{
			Operation: replay, From: operation.StatusFailed, Version: 3,
			Attempt: &operation.Attempt{ID: ids.GenerateID(), OperationID: op.ID, IdempotencyKey: "key-1", AttemptedAt: now, Outcome: operation.OutcomeFailure},
		})
		assert.ErrorIs(t, err, operation.ErrDuplicateAttempt)

		got, err := operations.Get(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, operation.StatusFailed, got.Status)
		assert.EqualValues(t, 3, got.Version)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, op.Payload, got.Payload)

		attempts, err := operations.ListAttempts(ctx, op.ID)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, 1500*time.Millisecond, attempts[0].Duration)
		assert.Equal(t, connector.FailureTransient, attempts[0].ErrorKind)

		logs, err := operations.ListLogs(ctx, op.ID)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, operation.StatusInProgress, logs[1].To)

		active, err := operations.FindActiveByDiscrepancy(ctx, d.ID)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, op.ID, active.ID)

		page, total, err := operations.List(ctx, operation.Filter{ConnectorID: "crm", Status: operation.StatusFailed})
		require.NoError(t, err)
		assert.EqualValues(t, 1, total)
		require.Len(t, page, 1)
	})

	t.Run("ListDueInterleavesConnectors", func(t *testing.T) {
		submit := func(connectorID, key string, due time.Time) int64 {
			d := newDiscrepancy(key)
			_, err := discrepancies.CreateBatch(ctx, []*discrepancy.Discrepancy{d})
			require.NoError(t, err)
			op := &operation.Operation{
				ID: ids.GenerateID(), ConnectorID: connectorID, DiscrepancyID: d.ID, Action: "create",
				Type: operation.TypeCreate, Direction: operation.SourceToTarget, Status: operation.StatusPending,
				MaxRetries: 3, Version: 1, NextRetryAt: &due, CreatedAt: now, UpdatedAt: now,
			}
			require.NoError(t, operations.Create(ctx, op, operation.LogEntry{ID: ids.GenerateID(), OperationID: op.ID, To: operation.StatusPending, At: now}))
			return op.ID
		}

		busy1 := submit("fair-busy", "fair-1", now.Add(-5*time.Minute))
		busy2 := submit("fair-busy", "fair-2", now.Add(-4*time.Minute))
		submit("fair-busy", "fair-3", now.Add(-3*time.Minute))
		quiet := submit("fair-quiet", "fair-4", now.Add(-time.Minute))

		fair := func(items []*operation.Operation) []int64 {
			var out []int64
			for _, op := range items {
				if op.ConnectorID == "fair-busy" || op.ConnectorID == "fair-quiet" {
					out = append(out, op.ID)
				}
			}
			return out
		}

		due, err := operations.ListDue(ctx, operation.DueQuery{Now: now})
		require.NoError(t, err)
		got := fair(due)
		require.Len(t, got, 4)
		assert.Equal(t, []int64{busy1, quiet, busy2}, got[:3])

		due, err = operations.ListDue(ctx, operation.DueQuery{Now: now, ExcludeConnectors: []string{"fair-busy"}})
		require.NoError(t, err)
		assert.Equal(t, []int64{quiet}, fair(due))
	})

	t.Run("ConflictRecordOncePerOperation", func(t *testing.T) {
		d := newDiscrepancy("conflict")
		_, err := discrepancies.CreateBatch(ctx, []*discrepancy.Discrepancy{d})
		require.NoError(t, err)
		op := &operation.Operation{
			ID: ids.GenerateID(), ConnectorID: "crm", DiscrepancyID: d.ID, Action: "update",
			Type: operation.TypeUpdate, Direction: operation.SourceToTarget, Status: operation.StatusPending,
			MaxRetries: 3, Version: 1, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, operations.Create(ctx, op, operation.LogEntry{ID: ids.GenerateID(), OperationID: op.ID, To: operation.StatusPending, At: now}))

		rec := &conflict.Record{
			ID: ids.GenerateID(), OperationID: op.ID, Outcome: conflict.OutcomeSuperseded,
			DetectedChange: conflict.Snapshot{
				Captured: connector.Attributes{"title": "a"}, CapturedPresent: true,
				Observed: connector.Attributes{"title": "b"}, ObservedPresent: true,
				ChangedKeys: []string{"title"},
			},
			DecidedAt: now,
		}
		stored, err := conflicts.Record(ctx, rec)
		require.NoError(t, err)
		assert.True(t, stored)

		second := *rec
		second.ID = ids.GenerateID()
		second.Outcome = conflict.OutcomeRejected
		stored, err = conflicts.Record(ctx, &second)
		require.NoError(t, err)
		assert.False(t, stored)

		got, err := conflicts.GetByOperation(ctx, op.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, conflict.OutcomeSuperseded, got.Outcome)
		assert.Equal(t, []string{"title"}, got.DetectedChange.ChangedKeys)
	})

	t.Run("SchedulesAndRuns", func(t *testing.T) {
		hour := 9
		next := now.Add(-time.Minute)
		sc := &schedule.Schedule{
			ID: ids.GenerateID(), ConnectorID: "crm", Mode: run.ModeDelta, Frequency: schedule.FrequencyDaily,
			HourOfDay: &hour, Enabled: true, NextRunAt: &next, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, schedules.Save(ctx, sc))

		replaced := *sc
		replaced.ID = ids.GenerateID()
		replaced.Mode = run.ModeFull
		require.NoError(t, schedules.Save(ctx, &replaced))

		got, err := schedules.GetByConnector(ctx, "crm")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, sc.ID, got.ID)
		assert.Equal(t, run.ModeFull, got.Mode)

		due, err := schedules.ListDue(ctx, now)
		require.NoError(t, err)
		require.Len(t, due, 1)

		require.NoError(t, schedules.MarkFired(ctx, sc.ID, now, now.Add(24*time.Hour)))
		due, err = schedules.ListDue(ctx, now)
		require.NoError(t, err)
		assert.Empty(t, due)

		scheduleID := sc.ID
		for i, dry := range []bool{false, true} {
			rn := &run.Run{
				ID: ids.GenerateID(), ConnectorID: "crm", ScheduleID: &scheduleID, Mode: run.ModeFull,
				Status: run.StatusInProgress, DryRun: dry, StartedAt: now.Add(time.Duration(i) * time.Minute),
			}
			require.NoError(t, runs.Create(ctx, rn))
			finished := rn.StartedAt.Add(time.Second)
			rn.Status = run.StatusCompleted
			rn.Summary = map[string]int{"missing": 2}
			rn.Detected = 2
			rn.FinishedAt = &finished
			require.NoError(t, runs.Save(ctx, rn))
		}

		last, err := runs.LastSuccessful(ctx, "crm")
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.False(t, last.DryRun)
		assert.Equal(t, map[string]int{"missing": 2}, last.Summary)

		list, total, err := runs.List(ctx, "crm", 10, 0)
		require.NoError(t, err)
		assert.EqualValues(t, 2, total)
		require.Len(t, list, 2)
		assert.True(t, list[0].DryRun)

		assert.Error(t, runs.Save(ctx, &run.Run{ID: ids.GenerateID()}))

		require.NoError(t, schedules.Delete(ctx, "crm"))
		gone, err := schedules.GetByConnector(ctx, "crm")
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("EngineEndToEnd", func(t *testing.T) {
		d := newDiscrepancy("e2e")
		_, err := discrepancies.CreateBatch(ctx, []*discrepancy.Discrepancy{d})
		require.NoError(t, err)

		target := memdir.NewDirectory()
		reg := registry.New(&connector.Connector{ID: "crm", Source: memdir.NewDirectory(), Target: target})
		eng := engine.New(engine.Config{MaxRetries: 3}, operations, discrepancies, reg,
			resolver.New(conflicts, ids, zap.NewNop()), ids, zap.NewNop())

		op, err := eng.Submit(ctx, engine.SubmitRequest{
			ConnectorID: "crm", DiscrepancyID: d.ID, Action: "create",
			Type: operation.TypeCreate, Direction: operation.SourceToTarget,
			TargetEntityRef: "e2e", Payload: d.SourceSnapshot,
		})
		require.NoError(t, err)

		op, err = eng.Execute(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, operation.StatusCompleted, op.Status)

		resolved, err := discrepancies.Get(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, discrepancy.ResolutionResolved, resolved.ResolutionStatus)
		require.NotNil(t, resolved.ResolvedByOperationID)
		assert.Equal(t, op.ID, *resolved.ResolvedByOperationID)

		written, ok := target.Entity("e2e")
		require.True(t, ok)
		assert.Equal(t, "e2e@example.com", written.Attributes["mail"])
	})
}
