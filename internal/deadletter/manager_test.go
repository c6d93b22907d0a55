package deadletter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	memdir "github.com/railzwaylabs/dirsync/internal/adapter/connector/memory"
	"github.com/railzwaylabs/dirsync/internal/adapter/connector/registry"
	"github.com/railzwaylabs/dirsync/internal/adapter/repository/memory"
	"github.com/railzwaylabs/dirsync/internal/domain/connector"
	"github.com/railzwaylabs/dirsync/internal/domain/discrepancy"
	"github.com/railzwaylabs/dirsync/internal/domain/errs"
	"github.com/railzwaylabs/dirsync/internal/domain/operation"
	"github.com/railzwaylabs/dirsync/internal/engine"
	"github.com/railzwaylabs/dirsync/internal/resolver"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) GenerateID() int64 { return s.n.Add(1) }

// deadLettered drives one operation per connector into dead_letter.
func deadLettered(t *testing.T, connectors ...string) (*Manager, *engine.Engine, []*operation.Operation) {
	t.Helper()
	ctx := context.Background()
	ids := &seqIDs{}
	operations := memory.NewOperationRepository()
	discrepancies := memory.NewDiscrepancyRepository()

	var conns []*connector.Connector
	for _, id := range connectors {
		target := memdir.NewDirectory()
		target.SetApplyHook(func(context.Context, connector.ApplyRequest) *connector.Result {
			res := connector.Failed(connector.FailurePermanent, "schema violation")
			return &res
		})
		conns = append(conns, &connector.Connector{ID: id, Source: memdir.NewDirectory(), Target: target})
	}

	eng := engine.New(engine.Config{MaxRetries: 2, BackoffBase: time.Second, BackoffMax: time.Second},
		operations, discrepancies, registry.New(conns...),
		resolver.New(memory.NewConflictRepository(), ids, zap.NewNop()), ids, zap.NewNop())

	var ops []*operation.Operation
	for _, c := range connectors {
		d := &discrepancy.Discrepancy{
			ID: ids.GenerateID(), ConnectorID: c, Type: discrepancy.TypeMissing, Key: "k", SourceRef: "s",
			SourceSnapshot: connector.Attributes{"a": "b"}, ResolutionStatus: discrepancy.ResolutionPending,
		}
		_, err := discrepancies.CreateBatch(ctx, []*discrepancy.Discrepancy{d})
		require.NoError(t, err)

		op, err := eng.Submit(ctx, engine.SubmitRequest{
			ConnectorID: c, DiscrepancyID: d.ID, Action: "create",
			Type: operation.TypeCreate, Direction: operation.SourceToTarget,
			TargetEntityRef: "k", Payload: connector.Attributes{"a": "b"},
		})
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			op, err = eng.Execute(ctx, op.ID)
			require.NoError(t, err)
		}
		require.Equal(t, operation.StatusDeadLetter, op.Status)
		ops = append(ops, op)
	}

	return NewManager(operations, eng, zap.NewNop()), eng, ops
}

func TestListCarriesAttemptHistory(t *testing.T) {
	m, _, ops := deadLettered(t, "crm", "hr")

	page, err := m.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)
	assert.Equal(t, defaultLimit, page.Limit)
	require.Len(t, page.Items, 2)
	for _, item := range page.Items {
		require.Len(t, item.Attempts, 2)
		for _, a := range item.Attempts {
			assert.Equal(t, operation.OutcomeFailure, a.Outcome)
			assert.Equal(t, connector.FailurePermanent, a.ErrorKind)
			assert.Equal(t, "schema violation", a.ErrorDetail)
		}
	}

	scoped, err := m.List(context.Background(), Filter{ConnectorID: "hr"})
	require.NoError(t, err)
	require.Len(t, scoped.Items, 1)
	assert.Equal(t, ops[1].ID, scoped.Items[0].ID)
}

func TestRetryAndResolveLeaveTheQueue(t *testing.T) {
	ctx := context.Background()
	m, _, ops := deadLettered(t, "crm", "hr")

	retried, err := m.Retry(ctx, ops[0].ID)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusPending, retried.Status)
	assert.Zero(t, retried.RetryCount)

	resolved, err := m.Resolve(ctx, ops[1].ID, "fixed the schema by hand")
	require.NoError(t, err)
	assert.Equal(t, operation.StatusResolved, resolved.Status)

	page, err := m.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Items)

	_, err = m.Resolve(ctx, ops[0].ID, "too late")
	assert.True(t, errs.Is(err, errs.KindState))
}

func TestRetryOnlyFromDeadLetter(t *testing.T) {
	ctx := context.Background()
	m, eng, ops := deadLettered(t, "crm")

	_, err := m.Retry(ctx, 424242)
	assert.True(t, errs.Is(err, errs.KindNotFound))

	// Back in the regular retry path after one more failed try.
	_, err = eng.Retry(ctx, ops[0].ID)
	require.NoError(t, err)
	failed, err := eng.Execute(ctx, ops[0].ID)
	require.NoError(t, err)
	require.Equal(t, operation.StatusPending, failed.Status)

	_, err = m.Retry(ctx, ops[0].ID)
	assert.True(t, errs.Is(err, errs.KindState))

	got, err := eng.Get(ctx, ops[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 1, got.RetrySeries)
}
