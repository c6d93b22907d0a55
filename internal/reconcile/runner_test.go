package reconcile

import (
	"context"
	"errors"
	"iter"
	"sync"
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
	"github.com/railzwaylabs/dirsync/internal/domain/run"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) GenerateID() int64 { return s.n.Add(1) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	runner        *Runner
	runs          *memory.RunRepository
	discrepancies *memory.DiscrepancyRepository
	source        *memdir.Directory
	target        *memdir.Directory
	clock         *clock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		runs:          memory.NewRunRepository(),
		discrepancies: memory.NewDiscrepancyRepository(),
		source:        memdir.NewDirectory(),
		target:        memdir.NewDirectory(),
		clock:         &clock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)},
	}
	e.source.SetClock(e.clock.Now)
	e.target.SetClock(e.clock.Now)

	reg := registry.New(&connector.Connector{ID: "ldap", Source: e.source, Target: e.target})
	e.runner = NewRunner(reg, e.runs, e.discrepancies, &seqIDs{}, zap.NewNop())
	e.runner.SetClock(e.clock.Now)
	return e
}

func keysOf(items []*discrepancy.Discrepancy) []string {
	out := make([]string, 0, len(items))
	for _, d := range items {
		out = append(out, d.DedupKey())
	}
	return out
}

func TestRunFullStoresDiscrepancies(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.source.Put(connector.Entity{Ref: "s-ann", Key: "ann", Attributes: connector.Attributes{"mail": "ann@x"}})
	e.source.Put(connector.Entity{Ref: "s-bob", Key: "bob", Attributes: connector.Attributes{"mail": "bob@x"}})
	e.target.Put(connector.Entity{Ref: "t-bob", Key: "bob", Link: "s-bob", Attributes: connector.Attributes{"mail": "old"}})
	e.target.Put(connector.Entity{Ref: "t-cat", Key: "cat"})

	res, err := e.runner.Run(ctx, Request{ConnectorID: "ldap", Mode: run.ModeFull})
	require.NoError(t, err)

	assert.Equal(t, run.StatusCompleted, res.Run.Status)
	assert.Equal(t, map[string]int{"missing": 1, "mismatch": 1, "orphan": 1}, res.Run.Summary)
	assert.Equal(t, 3, res.Run.Detected)
	assert.Equal(t, 3, res.Run.Stored)

	page, total, err := e.discrepancies.List(ctx, discrepancy.Filter{ConnectorID: "ldap", RunID: res.Run.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, page, 3)

	// A second run finds the same drift but stores nothing new.
	e.clock.Advance(time.Minute)
	again, err := e.runner.Run(ctx, Request{ConnectorID: "ldap", Mode: run.ModeFull})
	require.NoError(t, err)
	assert.Equal(t, 3, again.Run.Detected)
	assert.Equal(t, 0, again.Run.Stored)
}

func TestRunDryRunStoresNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.source.Put(connector.Entity{Ref: "s-ann", Key: "ann"})

	res, err := e.runner.Run(ctx, Request{ConnectorID: "ldap", Mode: run.ModeFull, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Run.Detected)
	assert.Equal(t, 0, res.Run.Stored)
	assert.True(t, res.Run.DryRun)
	assert.Zero(t, res.Discrepancies[0].ID)

	_, total, err := e.discrepancies.List(ctx, discrepancy.Filter{})
	require.NoError(t, err)
	assert.Zero(t, total)

	last, err := e.runs.LastSuccessful(ctx, "ldap")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestDeltaIsSubsetOfFull(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.source.Put(connector.Entity{Ref: "s-ann", Key: "ann", Attributes: connector.Attributes{"mail": "ann@x"}})
	e.source.Put(connector.Entity{Ref: "s-bob", Key: "bob", Attributes: connector.Attributes{"mail": "bob@x"}})
	e.source.Put(connector.Entity{Ref: "s-cat", Key: "cat", Attributes: connector.Attributes{"mail": "cat@x"}})
	e.target.Put(connector.Entity{Ref: "t-ann", Key: "ann", Link: "s-ann", Attributes: connector.Attributes{"mail": "stale"}})
	e.target.Put(connector.Entity{Ref: "t-bob", Key: "bob", Link: "s-bob", Attributes: connector.Attributes{"mail": "bob@x"}})

	_, err := e.runner.Run(ctx, Request{ConnectorID: "ldap", Mode: run.ModeFull})
	require.NoError(t, err)

	// bob drifts after the baseline; ann and cat were already known.
	e.clock.Advance(time.Hour)
	e.source.Put(connector.Entity{Ref: "s-bob", Key: "bob", Attributes: connector.Attributes{"mail": "bob@new"}})
	e.clock.Advance(time.Minute)

	delta, err := e.runner.Run(ctx, Request{ConnectorID: "ldap", Mode: run.ModeDelta})
	require.NoError(t, err)
	require.NotNil(t, delta.Run.Since)
	assert.Equal(t, map[string]int{"mismatch": 1}, delta.Run.Summary)

	full, err := e.runner.Run(ctx, Request{ConnectorID: "ldap", Mode: run.ModeFull, DryRun: true})
	require.NoError(t, err)

	fullKeys := keysOf(full.Discrepancies)
	deltaKeys := keysOf(delta.Discrepancies)
	assert.Subset(t, fullKeys, deltaKeys)
	assert.Less(t, len(deltaKeys), len(fullKeys))
}

func TestDeltaWithoutBaselineScansEverything(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.source.Put(connector.Entity{Ref: "s-ann", Key: "ann"})

	res, err := e.runner.Run(ctx, Request{ConnectorID: "ldap", Mode: run.ModeDelta})
	require.NoError(t, err)
	assert.Nil(t, res.Run.Since)
	assert.Equal(t, 1, res.Run.Detected)
}

func TestRunValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.runner.Run(ctx, Request{ConnectorID: "ldap", Mode: "partial"})
	assert.True(t, errs.Is(err, errs.KindValidation))

	_, err = e.runner.Run(ctx, Request{ConnectorID: "nope", Mode: run.ModeFull})
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

type brokenDirectory struct{ connector.Directory }

func (brokenDirectory) Scan(context.Context, connector.ScanRequest) iter.Seq2[connector.Entity, error] {
	return func(yield func(connector.Entity, error) bool) {
		yield(connector.Entity{}, errors.New("connection refused"))
	}
}

func TestRunScanFailureMarksRunFailed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	reg := registry.New(&connector.Connector{ID: "ldap", Source: e.source, Target: brokenDirectory{e.target}})
	runner := NewRunner(reg, e.runs, e.discrepancies, &seqIDs{}, zap.NewNop())

	res, err := runner.Run(ctx, Request{ConnectorID: "ldap", Mode: run.ModeFull})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, run.StatusFailed, res.Run.Status)
	assert.Contains(t, res.Run.Error, "scan target")

	stored, err := e.runs.Get(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, stored.Status)
	assert.NotNil(t, stored.FinishedAt)
}
