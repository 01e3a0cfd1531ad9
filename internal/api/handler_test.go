package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bi-gateway/internal/audit"
	"bi-gateway/internal/config"
	"bi-gateway/internal/db"
	"bi-gateway/internal/db/repository"
	"bi-gateway/internal/demo"
	"bi-gateway/internal/domain"
	"bi-gateway/internal/engine"
	"bi-gateway/internal/metrics"
	"bi-gateway/internal/middleware"
	"bi-gateway/internal/service/gateway"
	"bi-gateway/internal/testutil"
)

type testServer struct {
	*httptest.Server
	agg   *metrics.Aggregator
	audit *repository.AuditRepo
}

func setupTestServer(t *testing.T, gen domain.Generator) *testServer {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	ctx := context.Background()

	holder, err := config.NewHolder("../../configs/policy.yaml", "../../configs/glossary.yaml", logger)
	require.NoError(t, err)

	warehouse, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = warehouse.Close() })
	require.NoError(t, demo.Seed(ctx, warehouse))
	coord := engine.NewCoordinator(engine.NewSQLDatabase(warehouse), engine.NewMemoryCache(32, time.Minute), holder.Current().Limits, logger)

	store := db.OpenTestStore(t)
	auditRepo := repository.NewAuditRepo(store.Write, store.Read)
	agg := metrics.New(metrics.Options{Logger: logger})
	t.Cleanup(func() { _ = agg.Close(context.Background()) })

	svc := gateway.New(holder, gen, coord, agg, audit.NewRepoEmitter(auditRepo, logger), logger)
	health := NewHealth("test", time.Second,
		Check{Name: "database", Critical: true, Fn: coord.Ping},
		Check{Name: "generator", Fn: func(context.Context) error { return errors.New("unreachable") }},
	)
	h := NewHandler(svc, agg, holder, auditRepo, health, logger)
	srv := httptest.NewServer(NewRouter(h, RouterOptions{
		CORSAllowedOrigins: []string{"*"},
		RateLimit:          middleware.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
	}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, agg: agg, audit: auditRepo}
}

func (s *testServer) do(t *testing.T, method, path, caller, role string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(middleware.CallerIDHeader, caller)
	}
	if role != "" {
		req.Header.Set(middleware.CallerRoleHeader, role)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestAPI_Query(t *testing.T) {
	t.Parallel()
	srv := setupTestServer(t, testutil.StaticSQL("SELECT stores.region, COUNT(*) AS n FROM sales JOIN stores ON sales.store_id = stores.id GROUP BY stores.region"))

	resp, body := srv.do(t, http.MethodPost, "/api/v1/query", "alice", "analyst", map[string]any{"question": "sales count by region", "max_rows": 10})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "completed", body["status"])
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))
	assert.Equal(t, resp.Header.Get(middleware.RequestIDHeader), body["request_id"])

	result := body["result"].(map[string]any)
	assert.EqualValues(t, 4, result["row_count"])
	assert.Contains(t, result["sql_query"], "LIMIT 10")

	require.NoError(t, srv.agg.Flush(context.Background()))
	_, overall := srv.do(t, http.MethodGet, "/api/v1/metrics/overall", "alice", "analyst", nil)
	assert.EqualValues(t, 1, overall["total_queries"])
	assert.EqualValues(t, 1, overall["successful_queries"])

	_, user := srv.do(t, http.MethodGet, "/api/v1/metrics/user/alice", "ops", "", nil)
	assert.Equal(t, "alice", user["user_id"])

	resp, _ = srv.do(t, http.MethodGet, "/api/v1/metrics/user/nobody", "ops", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_QueryStatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		gen    domain.Generator
		role   string
		want   int
		status string
		reason string
	}{
		{"pii rejection", testutil.StaticSQL("SELECT customers.email FROM customers"), "manager", http.StatusForbidden, "rejected", domain.ReasonPolicyViolation},
		{"unparsable", testutil.StaticSQL("SELECT FROM WHERE"), "analyst", http.StatusUnprocessableEntity, "rejected", domain.ReasonUnparsable},
		{"generation failure", &testutil.MockGenerator{GenerateFn: func(context.Context, domain.GenerationRequest) (*domain.GenerationResult, error) {
			return nil, errors.New("upstream down")
		}}, "analyst", http.StatusBadGateway, "failed", domain.ReasonGenerationFailed},
		{"clarification", &testutil.MockGenerator{GenerateFn: func(context.Context, domain.GenerationRequest) (*domain.GenerationResult, error) {
			return nil, &domain.ClarificationError{Questions: []string{"Which store?"}}
		}}, "analyst", http.StatusOK, "needs_clarification", domain.ReasonNeedsClarification},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := setupTestServer(t, tc.gen)
			resp, body := srv.do(t, http.MethodPost, "/api/v1/query", "bob", tc.role, map[string]any{"question": "q"})
			assert.Equal(t, tc.want, resp.StatusCode)
			assert.Equal(t, tc.status, body["status"])
			assert.Equal(t, tc.reason, body["reason"])
		})
	}
}

func TestAPI_BadRequests(t *testing.T) {
	t.Parallel()
	srv := setupTestServer(t, testutil.StaticSQL("SELECT 1"))

	tests := []struct {
		name   string
		caller string
		body   any
		want   int
	}{
		{"no caller", "", map[string]any{"question": "q"}, http.StatusUnauthorized},
		{"empty body", "alice", "", http.StatusBadRequest},
		{"unknown field", "alice", `{"question":"q","sql":"DROP TABLE x"}`, http.StatusBadRequest},
		{"two objects", "alice", `{"question":"q"}{"question":"r"}`, http.StatusBadRequest},
		{"blank question", "alice", map[string]any{"question": "   "}, http.StatusBadRequest},
		{"oversized", "alice", `{"question":"` + strings.Repeat("a", maxBodyBytes) + `"}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := srv.do(t, http.MethodPost, "/api/v1/query", tc.caller, "analyst", tc.body)
			assert.Equal(t, tc.want, resp.StatusCode, body)
			assert.EqualValues(t, tc.want, body["code"])
		})
	}
}

func TestAPI_Validate(t *testing.T) {
	t.Parallel()
	srv := setupTestServer(t, testutil.StaticSQL("SELECT region FROM stores"))

	resp, body := srv.do(t, http.MethodPost, "/api/v1/query/validate", "alice", "analyst", map[string]any{"question": "regions"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "valid", body["status"])
	assert.Equal(t, "SELECT region FROM stores", body["sql"])

	resp, body = srv.do(t, http.MethodPost, "/api/v1/sql/validate", "alice", "analyst", map[string]any{"sql": "DELETE FROM sales"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body["reasons"], "disallowed_operation:DELETE")

	resp, _ = srv.do(t, http.MethodPost, "/api/v1/sql/validate", "alice", "analyst", map[string]any{"sql": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_MetricsViews(t *testing.T) {
	t.Parallel()
	srv := setupTestServer(t, testutil.StaticSQL("SELECT region FROM stores"))
	srv.do(t, http.MethodPost, "/api/v1/query", "alice", "analyst", map[string]any{"question": "regions"})
	require.NoError(t, srv.agg.Flush(context.Background()))

	for _, path := range []string{"security", "performance", "hourly?hours=3", "recent?limit=5"} {
		resp, body := srv.do(t, http.MethodGet, "/api/v1/metrics/"+path, "ops", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.NotEmpty(t, body, path)
	}
	_, body := srv.do(t, http.MethodGet, "/api/v1/metrics/recent", "ops", "", nil)
	assert.Len(t, body["queries"], 1)

	resp, _ := srv.do(t, http.MethodGet, "/api/v1/metrics/hourly?hours=0", "ops", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Admin(t *testing.T) {
	t.Parallel()
	srv := setupTestServer(t, testutil.StaticSQL("SELECT customers.email FROM customers"))
	srv.do(t, http.MethodPost, "/api/v1/query", "mallory", "analyst", map[string]any{"question": "emails"})

	resp, _ := srv.do(t, http.MethodPost, "/api/v1/admin/reload", "alice", "analyst", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := srv.do(t, http.MethodPost, "/api/v1/admin/reload", "root", "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, body["previous_version"], body["version"], "unchanged files keep their version")

	resp, body = srv.do(t, http.MethodGet, "/api/v1/audit?status=denied", "root", "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.EqualValues(t, 1, body["total"])
	events := body["data"].([]any)
	require.Len(t, events, 1)
	ev := events[0].(map[string]any)
	assert.Equal(t, "mallory", ev["caller_id"])
	assert.Equal(t, "DENIED", ev["status"])
	assert.NotContains(t, ev, "sql")

	resp, _ = srv.do(t, http.MethodGet, "/api/v1/audit?since=yesterday", "root", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Health(t *testing.T) {
	t.Parallel()
	srv := setupTestServer(t, testutil.StaticSQL("SELECT 1"))

	resp, body := srv.do(t, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = srv.do(t, http.MethodGet, "/health/detailed", "", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	assert.NotEmpty(t, body["policy_version"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"].(map[string]any)["status"])
	assert.Equal(t, "failing", checks["generator"].(map[string]any)["status"])
}

func TestHealth_CriticalFailure(t *testing.T) {
	t.Parallel()
	h := NewHealth("v", time.Second, Check{Name: "db", Critical: true, Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	h.timeout = 10 * time.Millisecond
	rep := h.Run(context.Background())
	assert.Equal(t, "unhealthy", rep.Status)
	assert.Contains(t, rep.Checks["db"].Error, "deadline")
}

func TestHTTPStatusFromError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrValidation("x"), http.StatusBadRequest},
		{domain.ErrNotFound("x"), http.StatusNotFound},
		{&domain.PolicyViolationError{}, http.StatusForbidden},
		{domain.ErrMalformed(0, "x"), http.StatusUnprocessableEntity},
		{domain.ErrGeneration(nil, "x"), http.StatusBadGateway},
		{&domain.ExecutionFailureError{Err: errors.New("x")}, http.StatusBadGateway},
		{&domain.ExecutionTimeoutError{Timeout: time.Second}, http.StatusGatewayTimeout},
		{&domain.ClarificationError{}, http.StatusOK},
		{domain.ErrConfig("policy", "", "x"), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, httpStatusFromError(tc.err), "%T", tc.err)
	}
}
