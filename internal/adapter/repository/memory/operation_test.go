package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railzwaylabs/dirsync/internal/domain/discrepancy"
	"github.com/railzwaylabs/dirsync/internal/domain/operation"
)

func newPending(id, discrepancyID int64, due time.Time) *operation.Operation {
	return &operation.Operation{
		ID:            id,
		ConnectorID:   "crm",
		DiscrepancyID: discrepancyID,
		Type:          operation.TypeCreate,
		Direction:     operation.SourceToTarget,
		Status:        operation.StatusPending,
		NextRetryAt:   &due,
		CreatedAt:     due,
		UpdatedAt:     due,
	}
}

func TestOperationRepository_OneActivePerDiscrepancy(t *testing.T) {
	ctx := context.Background()
	repo := NewOperationRepository()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, newPending(1, 100, now), operation.LogEntry{ID: 1, OperationID: 1, To: operation.StatusPending}))
	err := repo.Create(ctx, newPending(2, 100, now), operation.LogEntry{ID: 2, OperationID: 2, To: operation.StatusPending})
	assert.ErrorIs(t, err, operation.ErrActiveOperationExists)

	op, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	op.Status = operation.StatusCancelled
	require.NoError(t, repo.Transition(ctx, operation.Change{Operation: op, From: operation.StatusPending, Version: 0}))

	assert.NoError(t, repo.Create(ctx, newPending(3, 100, now), operation.LogEntry{ID: 3, OperationID: 3, To: operation.StatusPending}))
}

func TestOperationRepository_TransitionCAS(t *testing.T) {
	ctx := context.Background()
	repo := NewOperationRepository()
	now := time.Now()
	require.NoError(t, repo.Create(ctx, newPending(1, 100, now), operation.LogEntry{}))

	first, _ := repo.Get(ctx, 1)
	stale, _ := repo.Get(ctx, 1)

	first.Status = operation.StatusInProgress
	require.NoError(t, repo.Transition(ctx, operation.Change{Operation: first, From: operation.StatusPending, Version: 0}))
	assert.Equal(t, int64(1), first.Version)

	stale.Status = operation.StatusInProgress
	err := repo.Transition(ctx, operation.Change{Operation: stale, From: operation.StatusPending, Version: 0})
	assert.ErrorIs(t, err, operation.ErrVersionConflict)
}

func TestOperationRepository_DuplicateAttemptRejected(t *testing.T) {
	ctx := context.Background()
	repo := NewOperationRepository()
	now := time.Now()
	require.NoError(t, repo.Create(ctx, newPending(1, 100, now), operation.LogEntry{}))

	op, _ := repo.Get(ctx, 1)
	op.Status = operation.StatusInProgress
	require.NoError(t, repo.Transition(ctx, operation.Change{Operation: op, From: operation.StatusPending, Version: 0,
		Attempt: &operation.Attempt{ID: 1, OperationID: 1, IdempotencyKey: "k"}}))

	op.Status = operation.StatusCompleted
	err := repo.Transition(ctx, operation.Change{Operation: op, From: operation.StatusInProgress, Version: 1,
		Attempt: &operation.Attempt{ID: 2, OperationID: 1, IdempotencyKey: "k"}})
	assert.ErrorIs(t, err, operation.ErrDuplicateAttempt)

	stored, _ := repo.Get(ctx, 1)
	assert.Equal(t, operation.StatusInProgress, stored.Status)
}

func TestOperationRepository_ListDue(t *testing.T) {
	ctx := context.Background()
	repo := NewOperationRepository()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, newPending(1, 1, now.Add(-time.Minute)), operation.LogEntry{}))
	require.NoError(t, repo.Create(ctx, newPending(2, 2, now.Add(time.Minute)), operation.LogEntry{}))
	require.NoError(t, repo.Create(ctx, newPending(3, 3, now.Add(-2*time.Minute)), operation.LogEntry{}))

	due, err := repo.ListDue(ctx, operation.DueQuery{Now: now, Limit: 10})
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, int64(3), due[0].ID)
	assert.Equal(t, int64(1), due[1].ID)
}

func TestOperationRepository_ListDueInterleavesConnectors(t *testing.T) {
	ctx := context.Background()
	repo := NewOperationRepository()
	now := time.Now()

	for i := int64(1); i <= 5; i++ {
		op := newPending(i, i, now.Add(-time.Duration(10-i)*time.Minute))
		op.ConnectorID = "ldap"
		require.NoError(t, repo.Create(ctx, op, operation.LogEntry{}))
	}
	require.NoError(t, repo.Create(ctx, newPending(6, 6, now.Add(-time.Second)), operation.LogEntry{}))
	require.NoError(t, repo.Create(ctx, newPending(7, 7, now), operation.LogEntry{}))

	due, err := repo.ListDue(ctx, operation.DueQuery{Now: now, Limit: 3})
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, []int64{1, 6, 2}, []int64{due[0].ID, due[1].ID, due[2].ID})

	due, err = repo.ListDue(ctx, operation.DueQuery{Now: now, Limit: 3, ExcludeConnectors: []string{"ldap"}})
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "crm", due[0].ConnectorID)
	assert.Equal(t, int64(6), due[0].ID)
	assert.Equal(t, int64(7), due[1].ID)
}

func TestDiscrepancyRepository_DedupPending(t *testing.T) {
	ctx := context.Background()
	repo := NewDiscrepancyRepository()
	now := time.Now()

	mk := func(id int64) *discrepancy.Discrepancy {
		return &discrepancy.Discrepancy{ID: id, ConnectorID: "crm", Type: discrepancy.TypeMissing, SourceRef: "u1",
			ResolutionStatus: discrepancy.ResolutionPending, DetectedAt: now}
	}

	n, err := repo.CreateBatch(ctx, []*discrepancy.Discrepancy{mk(1), mk(2)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, repo.MarkIgnored(ctx, 1, now))
	assert.ErrorIs(t, repo.MarkIgnored(ctx, 1, now), discrepancy.ErrNotPending)

	n, err = repo.CreateBatch(ctx, []*discrepancy.Discrepancy{mk(3)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
