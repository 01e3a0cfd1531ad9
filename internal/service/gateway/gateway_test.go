package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"bi-gateway/internal/config"
	"bi-gateway/internal/demo"
	"bi-gateway/internal/domain"
	"bi-gateway/internal/engine"
	"bi-gateway/internal/testutil"
)

const regionRevenueSQL = `SELECT stores.region, SUM(sales.revenue) AS revenue
FROM sales JOIN stores ON sales.store_id = stores.id
GROUP BY stores.region`

type harness struct {
	svc     *Service
	coord   *engine.Coordinator
	metrics *testutil.MockMetricsRecorder
	audit   *testutil.MockAuditEmitter
}

func loadSnapshot(t *testing.T) *config.Snapshot {
	t.Helper()
	snap, err := config.LoadSnapshot("../../../configs/policy.yaml", "../../../configs/glossary.yaml")
	require.NoError(t, err)
	return snap
}

func warehouse(t *testing.T) *engine.SQLDatabase {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, demo.Seed(context.Background(), db))
	return engine.NewSQLDatabase(db)
}

func newHarness(t *testing.T, gen domain.Generator, db domain.Database, snap *config.Snapshot) *harness {
	t.Helper()
	if snap == nil {
		snap = loadSnapshot(t)
	}
	if db == nil {
		db = warehouse(t)
	}
	logger := slog.New(slog.DiscardHandler)
	coord := engine.NewCoordinator(db, engine.NewMemoryCache(64, time.Minute), snap.Limits, logger)
	h := &harness{
		coord:   coord,
		metrics: &testutil.MockMetricsRecorder{},
		audit:   &testutil.MockAuditEmitter{},
	}
	h.svc = New(config.NewStaticHolder(snap), gen, coord, h.metrics, h.audit, logger)
	return h
}

func TestHandleQuery_Completed(t *testing.T) {
	t.Parallel()
	gen := testutil.StaticSQL(regionRevenueSQL)
	h := newHarness(t, gen, nil, nil)

	resp, err := h.svc.HandleQuery(context.Background(), QueryInput{
		Question: "Revenue by region",
		CallerID: "alice",
		Role:     "analyst",
		MaxRows:  1000,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.NotEmpty(t, resp.RequestID)
	assert.NotEmpty(t, resp.PolicyVersion)

	r := resp.Result
	require.NotNil(t, r)
	assert.Equal(t, 4, r.RowCount)
	assert.Equal(t, []string{"region", "revenue"}, r.Columns)
	assert.True(t, strings.HasSuffix(r.SQLQuery, "LIMIT 1000"), r.SQLQuery)
	assert.False(t, r.Truncated)
	assert.Equal(t, 1000, r.AppliedLimit)
	assert.Greater(t, r.ConfidenceScore, 0.5)

	require.NotNil(t, resp.Explanation)
	assert.ElementsMatch(t, []string{"sales", "stores"}, resp.Explanation.TablesUsed)
	assert.Contains(t, resp.Explanation.BusinessTerms, "revenue")
	assert.Contains(t, strings.Join(resp.Explanation.Assumptions, " "), "row limit of 1000")

	genReq := gen.LastRequest()
	require.NotNil(t, genReq)
	assert.Contains(t, genReq.Context.PIIColumns, "customers.email")
	assert.NotEmpty(t, genReq.Context.PermittedTables)

	events := h.metrics.Snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, domain.OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, "alice", events[0].CallerID)
	assert.Equal(t, 4, events[0].RowCount)

	ev := h.audit.LastEvent()
	require.NotNil(t, ev)
	assert.Equal(t, domain.AuditAllowed, ev.Status)
	assert.Equal(t, ActionQuery, ev.Action)
	assert.NotEmpty(t, ev.SQLHash)
	assert.Equal(t, int64(1), h.coord.Executions())
}

func TestHandleQuery_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sql      string
		role     string
		reason   string
		rule     string
		outcome  domain.OutcomeClass
		security bool
		pii      []string
	}{
		{
			name:     "pii column without clearance",
			sql:      "SELECT customer_id, revenue FROM sales",
			role:     "analyst",
			reason:   domain.ReasonPolicyViolation,
			rule:     "pii_access:sales.customer_id",
			outcome:  domain.OutcomeRejected,
			security: true,
			pii:      []string{"sales.customer_id"},
		},
		{
			name:     "drop hidden behind comment",
			sql:      "/* cleanup */ drop TABLE sales",
			role:     "admin",
			reason:   domain.ReasonPolicyViolation,
			rule:     "disallowed_operation:DROP",
			outcome:  domain.OutcomeRejected,
			security: true,
		},
		{
			name:     "drop after escape string literal",
			sql:      `SELECT region FROM stores WHERE region = E'\''; DROP TABLE sales; --'`,
			role:     "analyst",
			reason:   domain.ReasonPolicyViolation,
			rule:     "disallowed_operation:DROP",
			outcome:  domain.OutcomeRejected,
			security: true,
		},
		{
			name:     "whole row through to_json",
			sql:      "SELECT to_json(s) FROM sales s",
			role:     "analyst",
			reason:   domain.ReasonPolicyViolation,
			rule:     "pii_access:sales.customer_id",
			outcome:  domain.OutcomeRejected,
			security: true,
			pii:      []string{"sales.customer_id"},
		},
		{
			name:     "columns by pattern",
			sql:      "SELECT COLUMNS('customer.*') FROM sales",
			role:     "analyst",
			reason:   domain.ReasonPolicyViolation,
			rule:     "pii_access:sales.customer_id",
			outcome:  domain.OutcomeRejected,
			security: true,
			pii:      []string{"sales.customer_id"},
		},
		{
			name:    "malformed",
			sql:     "SELECT region FROM (stores",
			role:    "analyst",
			reason:  domain.ReasonUnparsable,
			outcome: domain.OutcomeUnparsable,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			db := &testutil.MockDatabase{}
			h := newHarness(t, testutil.StaticSQL(tc.sql), db, nil)

			resp, err := h.svc.HandleQuery(context.Background(), QueryInput{
				Question: "anything", CallerID: "bob", Role: tc.role,
			})
			require.Error(t, err)
			assert.Equal(t, tc.reason, domain.ReasonCode(err))
			assert.Equal(t, StatusRejected, resp.Status)
			assert.Equal(t, tc.reason, resp.Reason)
			assert.Nil(t, resp.Result)
			if tc.rule != "" {
				assert.Contains(t, resp.Reasons, tc.rule)
			}
			assert.Empty(t, db.Queries(), "rejected statements never reach the database")

			events := h.metrics.Snapshot()
			require.Len(t, events, 1)
			assert.Equal(t, tc.outcome, events[0].Outcome)
			assert.Equal(t, tc.security, events[0].SecurityViolation)
			assert.ElementsMatch(t, tc.pii, events[0].PIIColumns)

			ev := h.audit.LastEvent()
			require.NotNil(t, ev)
			assert.Equal(t, domain.AuditDenied, ev.Status)
			assert.NotEmpty(t, ev.SQLHash)
		})
	}
}

func TestHandleQuery_GenerationOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		status  Status
		reason  string
		outcome domain.OutcomeClass
		audit   string
	}{
		{"upstream down", errors.New("connection refused"), StatusFailed, domain.ReasonGenerationFailed, domain.OutcomeGenerationFailed, domain.AuditError},
		{"typed failure", domain.ErrGeneration(nil, "no SQL found"), StatusFailed, domain.ReasonGenerationFailed, domain.OutcomeGenerationFailed, domain.AuditError},
		{"clarification", &domain.ClarificationError{Questions: []string{"Which year?"}}, StatusNeedsClarification, domain.ReasonNeedsClarification, domain.OutcomeClarification, domain.AuditAllowed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			gen := &testutil.MockGenerator{GenerateFn: func(context.Context, domain.GenerationRequest) (*domain.GenerationResult, error) {
				return nil, tc.err
			}}
			h := newHarness(t, gen, &testutil.MockDatabase{}, nil)

			resp, err := h.svc.HandleQuery(context.Background(), QueryInput{Question: "sales", CallerID: "carol", Role: "analyst"})
			require.Error(t, err)
			assert.Equal(t, tc.reason, domain.ReasonCode(err))
			assert.Equal(t, tc.status, resp.Status)
			if tc.status == StatusNeedsClarification {
				assert.Equal(t, []string{"Which year?"}, resp.ClarificationQuestions)
			}

			events := h.metrics.Snapshot()
			require.Len(t, events, 1)
			assert.Equal(t, tc.outcome, events[0].Outcome)
			assert.Equal(t, tc.audit, h.audit.LastEvent().Status)
		})
	}
}

func TestHandleQuery_EmptyGeneration(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testutil.StaticSQL("  "), &testutil.MockDatabase{}, nil)
	_, err := h.svc.HandleQuery(context.Background(), QueryInput{Question: "q", CallerID: "c"})
	assert.Equal(t, domain.ReasonGenerationFailed, domain.ReasonCode(err))
}

func TestHandleQuery_Timeout(t *testing.T) {
	t.Parallel()
	snap := *loadSnapshot(t)
	snap.Limits.Timeout = 50 * time.Millisecond

	db := &testutil.MockDatabase{QueryFn: func(ctx context.Context, _ string, _ int) (*domain.ResultSet, error) {
		<-ctx.Done()
		return nil, &domain.DatabaseError{Kind: domain.DBErrorTimeout, Err: ctx.Err()}
	}}
	h := newHarness(t, testutil.StaticSQL(regionRevenueSQL), db, &snap)

	resp, err := h.svc.HandleQuery(context.Background(), QueryInput{Question: "revenue", CallerID: "dave", Role: "analyst"})
	var te *domain.ExecutionTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, domain.ReasonExecutionTimeout, resp.Reason)
	assert.Len(t, db.Queries(), 1, "timeouts are not retried")

	events := h.metrics.Snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, domain.OutcomeTimeout, events[0].Outcome)
	assert.Equal(t, domain.AuditError, h.audit.LastEvent().Status)
}

func TestHandleQuery_ExecutionFailure(t *testing.T) {
	t.Parallel()
	snap := *loadSnapshot(t)
	snap.Limits.RetryBaseDelay = time.Millisecond

	db := &testutil.MockDatabase{QueryFn: func(context.Context, string, int) (*domain.ResultSet, error) {
		return nil, &domain.DatabaseError{Kind: domain.DBErrorConnectivity, Err: errors.New("connection reset")}
	}}
	h := newHarness(t, testutil.StaticSQL(regionRevenueSQL), db, &snap)

	resp, err := h.svc.HandleQuery(context.Background(), QueryInput{Question: "revenue", CallerID: "dave", Role: "analyst"})
	require.Error(t, err)
	assert.Equal(t, domain.ReasonExecutionFailed, resp.Reason)
	assert.Len(t, db.Queries(), snap.Limits.RetryAttempts)
	assert.Equal(t, domain.OutcomeExecutionFailed, h.metrics.Snapshot()[0].Outcome)
}

func TestHandleQuery_ClampsLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testutil.StaticSQL("SELECT sales.id, sales.revenue FROM sales ORDER BY sales.id LIMIT 200000"), nil, nil)

	resp, err := h.svc.HandleQuery(context.Background(), QueryInput{Question: "all sales", CallerID: "erin", Role: "analyst", MaxRows: 500})
	require.NoError(t, err)
	assert.Equal(t, 500, resp.Result.RowCount)
	assert.True(t, resp.Result.Truncated)

	var ids []string
	for _, w := range resp.Warnings {
		ids = append(ids, w.RuleID)
	}
	assert.Contains(t, ids, "large_limit")
}

type fixedExecutor struct {
	out *domain.ExecutionOutcome
}

func (f fixedExecutor) Execute(context.Context, engine.Request) (*domain.ExecutionOutcome, error) {
	return f.out, nil
}

func TestHandleQuery_RedactsUnclearedColumns(t *testing.T) {
	t.Parallel()
	shared := &domain.ExecutionOutcome{
		Columns:  []string{"region", "email"},
		Rows:     []map[string]any{{"region": "north", "email": "a@example.com"}},
		RowCount: 1,
	}
	snap := loadSnapshot(t)
	metrics, emitter := &testutil.MockMetricsRecorder{}, &testutil.MockAuditEmitter{}
	svc := New(config.NewStaticHolder(snap), testutil.StaticSQL("SELECT customers.region FROM customers"),
		fixedExecutor{out: shared}, metrics, emitter, slog.New(slog.DiscardHandler))

	resp, err := svc.HandleQuery(context.Background(), QueryInput{Question: "regions", CallerID: "mia", Role: "manager"})
	require.NoError(t, err)
	assert.Equal(t, []string{"region"}, resp.Result.Columns)
	assert.Equal(t, []map[string]any{{"region": "north"}}, resp.Result.Data)
	assert.Equal(t, []string{"region", "email"}, shared.Columns, "shared outcome is not modified")

	ev := metrics.Snapshot()[0]
	assert.Equal(t, domain.OutcomeSuccess, ev.Outcome)
	assert.Equal(t, []string{"email"}, ev.PIIColumns)
	assert.Equal(t, "pii_redacted", emitter.LastEvent().Reason)
}

func TestHandleQuery_InvalidInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.MockGenerator{}, &testutil.MockDatabase{}, nil)

	_, err := h.svc.HandleQuery(context.Background(), QueryInput{Question: "  ", CallerID: "x"})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	_, err = h.svc.HandleQuery(context.Background(), QueryInput{Question: "q"})
	require.ErrorAs(t, err, &ve)

	assert.Empty(t, h.metrics.Snapshot())
	assert.Nil(t, h.audit.LastEvent())
}

func TestHandleQuery_ConcurrentIdenticalRequestsExecuteOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testutil.StaticSQL(regionRevenueSQL), nil, nil)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.svc.HandleQuery(context.Background(), QueryInput{
				Question: "revenue by region", CallerID: fmt.Sprint("user", i), Role: "analyst", MaxRows: 1000,
			})
			assert.NoError(t, err)
			assert.Equal(t, 4, resp.Result.RowCount)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), h.coord.Executions())
	assert.Len(t, h.metrics.Snapshot(), 10)
}

func TestValidateOnly(t *testing.T) {
	t.Parallel()
	db := &testutil.MockDatabase{}
	h := newHarness(t, testutil.StaticSQL(regionRevenueSQL), db, nil)

	resp, err := h.svc.ValidateOnly(context.Background(), QueryInput{Question: "Revenue by region", CallerID: "alice", Role: "analyst"})
	require.NoError(t, err)
	assert.Equal(t, StatusValid, resp.Status)
	assert.Equal(t, regionRevenueSQL, resp.SQL)
	assert.True(t, resp.Validation.Approved())
	assert.Positive(t, resp.Confidence)
	assert.Empty(t, db.Queries())
	assert.Empty(t, h.metrics.Snapshot(), "approved validations are not query outcomes")
	assert.Equal(t, ActionValidate, h.audit.LastEvent().Action)
}

func TestValidateOnly_RejectedIsRecorded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testutil.StaticSQL("SELECT customers.email FROM customers"), &testutil.MockDatabase{}, nil)

	resp, err := h.svc.ValidateOnly(context.Background(), QueryInput{Question: "emails", CallerID: "alice", Role: "analyst"})
	require.Error(t, err)
	assert.Equal(t, StatusRejected, resp.Status)
	assert.False(t, resp.Validation.Approved())

	events := h.metrics.Snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, domain.OutcomeRejected, events[0].Outcome)
	assert.True(t, events[0].SecurityViolation)
}

func TestValidateSQL(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.MockGenerator{}, &testutil.MockDatabase{}, nil)
	ctx := context.Background()

	in := SQLInput{SQL: "SELECT customer_id, revenue FROM sales", CallerID: "bob", Role: "analyst"}
	first, err := h.svc.ValidateSQL(ctx, in)
	require.Error(t, err)
	second, err2 := h.svc.ValidateSQL(ctx, in)
	require.Error(t, err2)
	assert.Equal(t, first.Validation, second.Validation, "validation is deterministic")
	assert.Contains(t, first.Reasons, "pii_access:sales.customer_id")
	assert.Equal(t, ActionValidateSQL, h.audit.LastEvent().Action)
	assert.Empty(t, h.metrics.Snapshot()[0].Question, "raw SQL is not kept as the question")

	ok, err := h.svc.ValidateSQL(ctx, SQLInput{SQL: "SELECT region FROM stores", CallerID: "bob", Role: "analyst"})
	require.NoError(t, err)
	assert.Equal(t, StatusValid, ok.Status)

	_, err = h.svc.ValidateSQL(ctx, SQLInput{SQL: "", CallerID: "bob"})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestHandleQuery_Spans(t *testing.T) {
	t.Parallel()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(t, testutil.StaticSQL(regionRevenueSQL), nil, nil)
	h.svc.tracer = tp.Tracer("test")

	_, err := h.svc.HandleQuery(context.Background(), QueryInput{Question: "revenue", CallerID: "alice", Role: "analyst"})
	require.NoError(t, err)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"gateway.HandleQuery", "gateway.generate", "gateway.validate", "gateway.execute"}, names)
}
