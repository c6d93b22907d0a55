package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	memdir "github.com/railzwaylabs/dirsync/internal/adapter/connector/memory"
	"github.com/railzwaylabs/dirsync/internal/adapter/connector/registry"
	"github.com/railzwaylabs/dirsync/internal/adapter/repository/memory"
	"github.com/railzwaylabs/dirsync/internal/config"
	"github.com/railzwaylabs/dirsync/internal/deadletter"
	"github.com/railzwaylabs/dirsync/internal/domain/connector"
	"github.com/railzwaylabs/dirsync/internal/engine"
	"github.com/railzwaylabs/dirsync/internal/reconcile"
	"github.com/railzwaylabs/dirsync/internal/remediation"
	"github.com/railzwaylabs/dirsync/internal/resolver"
	"github.com/railzwaylabs/dirsync/internal/scheduler"
	"github.com/railzwaylabs/dirsync/pkg/lock"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) GenerateID() int64 { return s.n.Add(1) }

type harness struct {
	handler http.Handler
	engine  *engine.Engine
	source  *memdir.Directory
	target  *memdir.Directory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ids := &seqIDs{}
	ids.n.Store(100)
	logger := zap.NewNop()

	h := &harness{source: memdir.NewDirectory(), target: memdir.NewDirectory()}
	h.source.Put(connector.Entity{Ref: "s-ann", Key: "ann", Attributes: connector.Attributes{"mail": "ann@example.com"}})
	reg := registry.New(&connector.Connector{ID: "crm", Source: h.source, Target: h.target})

	operations := memory.NewOperationRepository()
	discrepancies := memory.NewDiscrepancyRepository()
	runs := memory.NewRunRepository()

	h.engine = engine.New(engine.Config{MaxRetries: 2, BackoffBase: time.Second, BackoffMax: time.Second, CallTimeout: time.Second},
		operations, discrepancies, reg, resolver.New(memory.NewConflictRepository(), ids, logger), ids, logger)
	runner := reconcile.NewRunner(reg, runs, discrepancies, ids, logger)
	sched := scheduler.New(scheduler.Config{}, memory.NewScheduleRepository(), runs, runner, reg, lock.NewLocalLocker(), ids, logger)

	router := NewRouter(&config.Config{Port: "0"},
		remediation.NewService(discrepancies, operations, h.engine, logger),
		h.engine,
		deadletter.NewManager(operations, h.engine, logger),
		sched,
		logger,
	)
	h.handler = router.Handler()
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

// detect runs a full reconciliation and returns the id of the only
// discrepancy found.
func (h *harness) detect(t *testing.T) string {
	t.Helper()
	code, body := h.do(t, http.MethodPost, "/v1/connectors/crm/runs", nil)
	require.Equal(t, http.StatusOK, code, body)

	code, body = h.do(t, http.MethodGet, "/v1/connectors/crm/discrepancies?status=pending", nil)
	require.Equal(t, http.StatusOK, code)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	d := items[0].(map[string]any)
	assert.Equal(t, "missing", d["discrepancy_type"])
	return d["id"].(string)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestRemediationFlow(t *testing.T) {
	h := newHarness(t)
	id := h.detect(t)
	base := "/v1/connectors/crm/discrepancies/" + id

	code, body := h.do(t, http.MethodPost, base+"/remediate", map[string]any{"action": "create", "direction": "source_to_target", "dry_run": true})
	require.Equal(t, http.StatusOK, code, body)
	preview := body["preview"].(map[string]any)
	assert.Equal(t, "create", preview["type"])
	assert.Equal(t, "ann", preview["target_entity_ref"])

	code, body = h.do(t, http.MethodPost, base+"/remediate", map[string]any{"action": "create", "direction": "source_to_target"})
	require.Equal(t, http.StatusAccepted, code, body)
	op := body["operation"].(map[string]any)
	assert.Equal(t, "pending", op["status"])
	opID := op["id"].(string)

	code, body = h.do(t, http.MethodPost, base+"/remediate", map[string]any{"action": "create", "direction": "source_to_target"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "state", body["error"])

	parsed, err := strconv.ParseInt(opID, 10, 64)
	require.NoError(t, err)
	_, err = h.engine.Execute(context.Background(), parsed)
	require.NoError(t, err)

	code, body = h.do(t, http.MethodGet, "/v1/operations/"+opID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", body["status"])

	code, body = h.do(t, http.MethodGet, "/v1/operations/"+opID+"/attempts", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 1)

	code, body = h.do(t, http.MethodGet, "/v1/operations/"+opID+"/logs", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 3)

	code, _ = h.do(t, http.MethodPost, "/v1/operations/"+opID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, code)

	_, ok := h.target.Entity("ann")
	assert.True(t, ok)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t)
	id := h.detect(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"malformed id", http.MethodPost, "/v1/connectors/crm/discrepancies/abc/remediate", map[string]any{"action": "create", "direction": "source_to_target"}, http.StatusBadRequest},
		{"unknown discrepancy", http.MethodPost, "/v1/connectors/crm/discrepancies/999999/remediate", map[string]any{"action": "create", "direction": "source_to_target"}, http.StatusNotFound},
		{"wrong connector", http.MethodPost, "/v1/connectors/hr/discrepancies/" + id + "/remediate", map[string]any{"action": "create", "direction": "source_to_target"}, http.StatusNotFound},
		{"action not allowed", http.MethodPost, "/v1/connectors/crm/discrepancies/" + id + "/remediate", map[string]any{"action": "update", "direction": "source_to_target"}, http.StatusBadRequest},
		{"unknown direction", http.MethodPost, "/v1/connectors/crm/discrepancies/" + id + "/remediate", map[string]any{"action": "create", "direction": "sideways"}, http.StatusBadRequest},
		{"unknown type filter", http.MethodGet, "/v1/connectors/crm/discrepancies?type=weird", nil, http.StatusBadRequest},
		{"unknown operation", http.MethodGet, "/v1/operations/424242", nil, http.StatusNotFound},
		{"confirm without verdict", http.MethodPost, "/v1/operations/424242/confirm", map[string]any{}, http.StatusBadRequest},
		{"empty bulk", http.MethodPost, "/v1/connectors/crm/discrepancies/bulk-remediate", map[string]any{"items": []any{}}, http.StatusBadRequest},
		{"unknown connector run", http.MethodPost, "/v1/connectors/ghost/runs", map[string]any{"mode": "full"}, http.StatusNotFound},
		{"unknown run mode", http.MethodPost, "/v1/connectors/crm/runs", map[string]any{"mode": "partial"}, http.StatusBadRequest},
		{"no schedule", http.MethodGet, "/v1/connectors/crm/schedule", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := h.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, code, body)
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestBulkRemediateAndIgnore(t *testing.T) {
	h := newHarness(t)
	id := h.detect(t)

	code, body := h.do(t, http.MethodPost, "/v1/connectors/crm/discrepancies/bulk-remediate", map[string]any{
		"dry_run": true,
		"items": []map[string]any{
			{"discrepancy_id": id, "action": "create", "direction": "source_to_target"},
			{"discrepancy_id": "777", "action": "create", "direction": "source_to_target"},
		},
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 2, body["total"])
	assert.EqualValues(t, 1, body["succeeded"])
	assert.EqualValues(t, 1, body["failed"])
	items := body["items"].([]any)
	assert.Equal(t, "not_found", items[1].(map[string]any)["error_kind"])

	code, body = h.do(t, http.MethodPost, "/v1/connectors/crm/discrepancies/"+id+"/ignore", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "ignored", body["resolution_status"])

	code, _ = h.do(t, http.MethodPost, "/v1/connectors/crm/discrepancies/"+id+"/ignore", nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestDeadLetterEndpoints(t *testing.T) {
	h := newHarness(t)
	h.target.SetApplyHook(func(context.Context, connector.ApplyRequest) *connector.Result {
		res := connector.Failed(connector.FailurePermanent, "rejected by target")
		return &res
	})
	id := h.detect(t)

	code, body := h.do(t, http.MethodPost, "/v1/connectors/crm/discrepancies/"+id+"/remediate", map[string]any{"action": "create", "direction": "source_to_target"})
	require.Equal(t, http.StatusAccepted, code, body)
	opID := body["operation"].(map[string]any)["id"].(string)
	parsed, err := strconv.ParseInt(opID, 10, 64)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = h.engine.Execute(context.Background(), parsed)
		require.NoError(t, err)
	}

	code, body = h.do(t, http.MethodGet, "/v1/dead-letter?connector_id=crm", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total"])
	entry := body["items"].([]any)[0].(map[string]any)
	assert.Equal(t, opID, entry["id"])
	assert.Len(t, entry["attempts"], 2)

	code, body = h.do(t, http.MethodPost, "/v1/operations/"+opID+"/resolve", map[string]any{"notes": "created by hand"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "resolved", body["status"])
	assert.Equal(t, "created by hand", body["resolution_notes"])

	code, _ = h.do(t, http.MethodPost, "/v1/dead-letter/"+opID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestScheduleEndpoints(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPut, "/v1/connectors/crm/schedule", map[string]any{"mode": "delta", "frequency": "daily", "hour_of_day": 3})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["enabled"])
	assert.NotEmpty(t, body["next_run_at"])

	code, body = h.do(t, http.MethodPut, "/v1/connectors/crm/schedule", map[string]any{"mode": "delta", "frequency": "cron"})
	assert.Equal(t, http.StatusBadRequest, code, body)

	code, body = h.do(t, http.MethodPost, "/v1/connectors/crm/schedule/disable", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["enabled"])

	code, _ = h.do(t, http.MethodDelete, "/v1/connectors/crm/schedule", nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = h.do(t, http.MethodPost, "/v1/connectors/crm/schedule/enable", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRunEndpoints(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/v1/connectors/crm/runs", map[string]any{"mode": "full", "dry_run": true})
	require.Equal(t, http.StatusOK, code, body)
	rn := body["run"].(map[string]any)
	assert.Equal(t, true, rn["dry_run"])
	assert.Len(t, body["discrepancies"], 1)
	runID := rn["id"].(string)

	code, body = h.do(t, http.MethodGet, "/v1/connectors/crm/runs", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total"])

	code, body = h.do(t, http.MethodGet, "/v1/connectors/crm/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", body["status"])

	code, _ = h.do(t, http.MethodGet, "/v1/connectors/hr/runs/"+runID, nil)
	assert.Equal(t, http.StatusNotFound, code)
}
