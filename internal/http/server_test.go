package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recond/internal/config"
	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/heuristics"
	"github.com/fyrsmithlabs/recond/internal/orchestrator"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/record"
	"github.com/fyrsmithlabs/recond/internal/reflection"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

type testServer struct {
	*Server
	records   *record.InMemoryStore
	logs      *reconlog.InMemoryStore
	snapshots *reflection.InMemorySnapshotStore
}

// setupTestServer wires the API to a real runner over in-memory stores.
func setupTestServer(t *testing.T, opts ...func(*Deps, *Config)) *testServer {
	t.Helper()

	ts := &testServer{
		records:   record.NewInMemoryStore(),
		logs:      reconlog.NewInMemoryStore(),
		snapshots: reflection.NewInMemorySnapshotStore(),
	}
	memory, err := heuristics.NewMemory(heuristics.NewInMemoryStore(), heuristics.DefaultConfig(), nil)
	require.NoError(t, err)
	ocfg, err := orchestrator.ConfigFromApp(config.Default())
	require.NoError(t, err)
	runner, err := orchestrator.NewRunner(orchestrator.Deps{
		Records: ts.records,
		Logs:    ts.logs,
		Claims:  decision.NewInMemoryClaims(),
		Memory:  memory,
	}, ocfg, nil)
	require.NoError(t, err)
	engine, err := reflection.NewEngine(ts.logs, memory, ts.snapshots, reflection.DefaultConfig(), nil)
	require.NoError(t, err)

	deps := Deps{
		Runner:    runner,
		Records:   ts.records,
		Logs:      ts.logs,
		Memory:    memory,
		Reflector: engine,
		Snapshots: ts.snapshots,
		Checks: map[string]HealthCheck{
			"storage": func(context.Context) error { return nil },
		},
	}
	cfg := &Config{Host: "localhost", Port: 9191, Version: "test"}
	for _, opt := range opts {
		opt(&deps, cfg)
	}

	ts.Server, err = NewServer(deps, zap.NewNop(), cfg)
	require.NoError(t, err)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func stageBody() RecordsRequest {
	return RecordsRequest{Records: []record.Raw{
		{ID: "V-1", SourceKind: "voucher", Amount: "10000.00", Date: "2024-04-10"},
		{ID: "B-1", SourceKind: "bank", Amount: "9850.00", Date: "2024-04-12"},
	}}
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		ts := setupTestServer(t)
		server, err := NewServer(ts.deps, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", server.config.Host)
		assert.Equal(t, 9191, server.config.Port)
		assert.Nil(t, server.limiter)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		ts := setupTestServer(t)
		_, err := NewServer(ts.deps, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when a dependency is missing", func(t *testing.T) {
		_, err := NewServer(Deps{}, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "runner is required")
	})
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
}

func TestHandleStatus(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/tenants/acme/records", stageBody())
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = ts.do(t, http.MethodGet, "/api/v1/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[StatusResponse](t, rec)
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "test", resp.Version)
		assert.Equal(t, "ok", resp.Services["storage"])
		assert.Equal(t, 1, resp.Counts.Tenants)
	})

	t.Run("degraded when a check fails", func(t *testing.T) {
		ts := setupTestServer(t, func(d *Deps, _ *Config) {
			d.Checks["nats"] = func(context.Context) error { return errors.New("disconnected") }
		})
		resp := decode[StatusResponse](t, ts.do(t, http.MethodGet, "/api/v1/status", nil))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "error: disconnected", resp.Services["nats"])
		assert.Equal(t, "ok", resp.Services["storage"])
	})
}

func TestRecords(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/tenants/acme/records", stageBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 2, decode[RecordsResponse](t, rec).Staged)

	rec = ts.do(t, http.MethodGet, "/api/v1/tenants/acme/records", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[RecordListResponse](t, rec)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "acme", list.Records[0].TenantID)
	assert.Equal(t, record.RawAmount("9850.00"), list.Records[0].Amount)

	rec = ts.do(t, http.MethodGet, "/api/v1/tenants/globex/records", nil)
	assert.Equal(t, 0, decode[RecordListResponse](t, rec).Count)
}

func TestRecords_Rejections(t *testing.T) {
	tests := []struct {
		name string
		path string
		body any
		code int
	}{
		{"empty body", "/api/v1/tenants/acme/records", RecordsRequest{}, http.StatusBadRequest},
		{"missing id", "/api/v1/tenants/acme/records", RecordsRequest{Records: []record.Raw{{SourceKind: "bank"}}}, http.StatusBadRequest},
		{"foreign tenant", "/api/v1/tenants/acme/records", RecordsRequest{Records: []record.Raw{{ID: "B-1", TenantID: "globex"}}}, http.StatusBadRequest},
		{"invalid tenant", "/api/v1/tenants/no%20spaces/records", stageBody(), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := setupTestServer(t)
			rec := ts.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestRunAndFeedbackFlow(t *testing.T) {
	ts := setupTestServer(t)
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/v1/tenants/acme/records", stageBody()).Code)

	rec := ts.do(t, http.MethodPost, "/api/v1/tenants/acme/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[orchestrator.BatchSummary](t, rec)
	assert.Equal(t, tenant.ID("acme"), summary.TenantID)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.NearMatch)

	rec = ts.do(t, http.MethodGet, "/api/v1/tenants/acme/logs?status=Near_Match", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[LogsResponse](t, rec)
	require.Equal(t, 1, logs.Count)
	entry := logs.Entries[0]
	assert.Equal(t, "V-1", entry.InternalID)
	assert.Equal(t, "B-1", entry.ExternalID)

	rec = ts.do(t, http.MethodGet, "/api/v1/tenants/acme/logs/"+entry.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, entry.ID, decode[reconlog.Entry](t, rec).ID)

	rec = ts.do(t, http.MethodPost, "/api/v1/tenants/acme/feedback", reconlog.FeedbackEvent{
		LogID: entry.ID, Outcome: reconlog.OutcomeConfirmed, VerifierID: "ana",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[orchestrator.FeedbackResult](t, rec)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, decision.StatusHumanVerified, res.Entries[0].Status)
	require.NotEmpty(t, res.Updates)

	rec = ts.do(t, http.MethodPost, "/api/v1/tenants/acme/feedback", reconlog.FeedbackEvent{
		LogID: entry.ID, Outcome: reconlog.OutcomeConfirmed,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/tenants/acme/patterns", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	patterns := decode[PatternsResponse](t, rec)
	assert.Equal(t, 0.85, patterns.Thresholds.High)
	require.Len(t, patterns.Patterns, 1)
	assert.Equal(t, 1, patterns.Patterns[0].Usage)
}

func TestFeedback_ErrorMapping(t *testing.T) {
	ts := setupTestServer(t)
	tests := []struct {
		name string
		body any
		code int
	}{
		{"unknown log", reconlog.FeedbackEvent{LogID: "missing", Outcome: reconlog.OutcomeConfirmed}, http.StatusNotFound},
		{"bad outcome", reconlog.FeedbackEvent{LogID: "x", Outcome: "maybe"}, http.StatusBadRequest},
		{"tenant mismatch", reconlog.FeedbackEvent{TenantID: "globex", LogID: "x", Outcome: reconlog.OutcomeConfirmed}, http.StatusBadRequest},
		{"malformed body", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/tenants/acme/feedback", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestLogs_QueryValidation(t *testing.T) {
	ts := setupTestServer(t)
	for _, q := range []string{"status=maybe", "since=yesterday", "limit=-1", "limit=ten"} {
		t.Run(q, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, "/api/v1/tenants/acme/logs?"+q, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/tenants/acme/logs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReflections(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/tenants/acme/reflections", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	snap := decode[reflection.Snapshot](t, rec)
	require.NotEmpty(t, snap.Issues)
	assert.Equal(t, reflection.IssueInsufficientData, snap.Issues[0].Kind)

	rec = ts.do(t, http.MethodGet, "/api/v1/tenants/acme/reflections?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ReflectionsResponse](t, rec)
	require.Len(t, list.Snapshots, 1)
	assert.Equal(t, snap.ID, list.Snapshots[0].ID)
}

type stubRunner struct {
	summary *orchestrator.BatchSummary
	err     error
}

func (s stubRunner) Run(context.Context, tenant.ID) (*orchestrator.BatchSummary, error) {
	return s.summary, s.err
}

func (s stubRunner) ApplyFeedback(context.Context, reconlog.FeedbackEvent) (*orchestrator.FeedbackResult, error) {
	return nil, s.err
}

func TestRun_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		runner stubRunner
		code   int
	}{
		{"in progress", stubRunner{err: orchestrator.ErrRunInProgress}, http.StatusConflict},
		{"interrupted with summary", stubRunner{summary: &orchestrator.BatchSummary{Cancelled: true}, err: orchestrator.ErrRunInterrupted}, http.StatusOK},
		{"storage failure", stubRunner{err: errors.New("disk full")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := setupTestServer(t, func(d *Deps, _ *Config) { d.Runner = tt.runner })
			rec := ts.do(t, http.MethodPost, "/api/v1/tenants/acme/runs", nil)
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusInternalServerError {
				assert.Equal(t, "Internal Server Error", decode[ErrorResponse](t, rec).Error)
			}
		})
	}
}

func TestRateLimit_PerTenant(t *testing.T) {
	ts := setupTestServer(t, func(_ *Deps, c *Config) {
		c.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/tenants/acme/logs", nil).Code)
	}
	rec := ts.do(t, http.MethodGet, "/api/v1/tenants/acme/logs", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Other tenants keep their own budget.
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/tenants/globex/logs", nil).Code)
	// Unscoped routes are never limited.
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	ts.do(t, http.MethodGet, "/health", nil)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "recond_http_requests_total")
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID header", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodGet, "/health", nil)
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		var rec *httptest.ResponseRecorder
		assert.NotPanics(t, func() {
			rec = ts.do(t, http.MethodGet, "/panic", nil)
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
