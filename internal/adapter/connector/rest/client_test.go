package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railzwaylabs/dirsync/internal/domain/connector"
)

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.RetryDelay = time.Millisecond
	cfg.RateLimit = 0
	return cfg
}

func TestApplyStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   connector.ResultStatus
		kind   connector.FailureKind
	}{
		{"created", http.StatusCreated, connector.ResultApplied, ""},
		{"no content", http.StatusNoContent, connector.ResultApplied, ""},
		{"accepted", http.StatusAccepted, connector.ResultAccepted, ""},
		{"conflict", http.StatusConflict, connector.ResultFailed, connector.FailureConflict},
		{"validation", http.StatusUnprocessableEntity, connector.ResultFailed, connector.FailurePermanent},
		{"server", http.StatusBadGateway, connector.ResultFailed, connector.FailureTransient},
		{"throttled", http.StatusTooManyRequests, connector.ResultFailed, connector.FailureTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotKey string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotKey = r.Header.Get("Idempotency-Key")
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := New("test", testConfig(srv.URL))
			res := c.Apply(context.Background(), connector.ApplyRequest{
				Kind: connector.ApplyUpdate, Ref: "u1", Payload: connector.Attributes{"mail": "a@x"}, IdempotencyKey: "key-1",
			})

			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.kind, res.Failure.Kind)
			assert.Equal(t, "key-1", gotKey)
		})
	}
}

func TestApplyTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	res := New("test", testConfig(srv.URL)).Apply(context.Background(), connector.ApplyRequest{Kind: connector.ApplyDelete, Ref: "u1"})
	assert.Equal(t, connector.ResultFailed, res.Status)
	assert.Equal(t, connector.FailureTransient, res.Failure.Kind)
}

func TestObserve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/entities/u1":
			_ = json.NewEncoder(w).Encode(connector.Entity{Ref: "u1", Key: "k1", Attributes: connector.Attributes{"mail": "a@x"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New("test", testConfig(srv.URL))

	e, err := c.Observe(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "a@x", e.Attributes["mail"])

	missing, err := c.Observe(context.Background(), "u2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestScanFollowsPagesAndRetriesServerErrors(t *testing.T) {
	var failures atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page_token") == "" && failures.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Query().Get("page_token") == "" {
			_ = json.NewEncoder(w).Encode(entityPage{Items: []connector.Entity{{Ref: "a"}}, NextPageToken: "p2"})
			return
		}
		_ = json.NewEncoder(w).Encode(entityPage{Items: []connector.Entity{{Ref: "b"}}})
	}))
	defer srv.Close()

	var refs []string
	for e, err := range New("test", testConfig(srv.URL)).Scan(context.Background(), connector.ScanRequest{}) {
		require.NoError(t, err)
		refs = append(refs, e.Ref)
	}
	assert.Equal(t, []string{"a", "b"}, refs)
}
