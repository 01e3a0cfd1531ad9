package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bi-gateway/internal/domain"
	"bi-gateway/internal/sqlscan"
	"bi-gateway/internal/testutil"
)

var discard = slog.New(slog.DiscardHandler)

func analyze(t *testing.T, sql string) *domain.Statement {
	t.Helper()
	stmt, err := sqlscan.Analyze(sql)
	require.NoError(t, err)
	return stmt
}

// openDuckDB returns an in-memory warehouse with a small sales schema.
func openDuckDB(t *testing.T) *SQLDatabase {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE stores (id INTEGER, region VARCHAR);
		CREATE TABLE sales (store_id INTEGER, customer_id INTEGER, revenue DOUBLE, sale_date DATE);
		INSERT INTO stores VALUES (1, 'north'), (2, 'south'), (3, 'east');
		INSERT INTO sales SELECT (i % 3) + 1, i, i * 1.5, DATE '2024-01-01' + (i % 90)::INTEGER FROM range(2000) t(i);
	`)
	require.NoError(t, err)
	return NewSQLDatabase(db)
}

func testLimits() Limits {
	return Limits{
		DefaultMaxRows: 1000,
		HardRowCap:     100000,
		Timeout:        2 * time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		MaxConcurrency: 4,
	}
}

func TestCoordinator_InjectsLimit(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(openDuckDB(t), nil, testLimits(), discard)
	stmt := analyze(t, "SELECT region, SUM(revenue) AS total FROM sales JOIN stores ON sales.store_id = stores.id GROUP BY region")

	out, err := c.Execute(context.Background(), Request{Statement: stmt, Role: "analyst", MaxRows: 1000})
	require.NoError(t, err)

	assert.Equal(t, stmt.Raw+" LIMIT 1000", out.ExecutedSQL)
	assert.True(t, out.LimitInjected)
	assert.False(t, out.Truncated)
	assert.Equal(t, 1000, out.AppliedLimit)
	assert.Equal(t, 3, out.RowCount)
	assert.Equal(t, []string{"region", "total"}, out.Columns)
	assert.Equal(t, 1, out.Attempts)
}

func TestCoordinator_RowCap(t *testing.T) {
	t.Parallel()

	limits := testLimits()
	limits.HardRowCap = 100
	c := NewCoordinator(openDuckDB(t), nil, limits, discard)

	tests := []struct {
		name      string
		sql       string
		maxRows   int
		wantRows  int
		truncated bool
	}{
		{"default max rows under cap", "SELECT customer_id FROM sales", 0, 100, false},
		{"requested rows", "SELECT customer_id FROM sales", 25, 25, false},
		{"explicit limit above cap", "SELECT customer_id FROM sales ORDER BY customer_id LIMIT 5000", 0, 100, true},
		{"explicit limit above max rows", "SELECT customer_id FROM sales ORDER BY customer_id LIMIT 500", 40, 40, true},
		{"explicit limit below cap", "SELECT customer_id FROM sales LIMIT 7", 0, 7, false},
		{"non-numeric limit", "SELECT customer_id FROM sales LIMIT ALL", 30, 30, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out, err := c.Execute(context.Background(), Request{Statement: analyze(t, tc.sql), Role: "analyst", MaxRows: tc.maxRows})
			require.NoError(t, err)
			assert.Equal(t, tc.wantRows, out.RowCount)
			assert.LessOrEqual(t, out.RowCount, limits.EffectiveCap(tc.maxRows))
			assert.Equal(t, tc.truncated, out.Truncated)
		})
	}
}

func TestCoordinator_SyntaxErrorNotRetried(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(openDuckDB(t), nil, testLimits(), discard)
	_, err := c.Execute(context.Background(), Request{Statement: analyze(t, "SELECT nope FROM missing_table"), Role: "analyst"})

	var fe *domain.ExecutionFailureError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Attempts)
	var dbErr *domain.DatabaseError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, domain.DBErrorSyntax, dbErr.Kind)
	assert.EqualValues(t, 1, c.Executions())
}

func TestCoordinator_RefusesStatementThatDoesNotRelex(t *testing.T) {
	// Statements are built by hand, standing in for an analyzer that missed
	// a second statement or a dangling comment.
	tests := []struct {
		name string
		sql  string
	}{
		{"stacked", "SELECT region FROM stores; DROP TABLE sales"},
		{"limit_swallowed_by_comment", "SELECT region FROM stores --"},
		{"unterminated_literal", "SELECT region FROM stores WHERE region = 'x"},
		{"escape_string_split", `SELECT region FROM stores WHERE region = E'\''; DROP TABLE sales`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			db := &testutil.MockDatabase{}
			c := NewCoordinator(db, nil, testLimits(), discard)
			stmt := &domain.Statement{Raw: tc.sql, Kind: domain.KindSelect, Columns: map[string][]string{}}

			_, err := c.Execute(context.Background(), Request{Statement: stmt, Role: "analyst"})

			var fe *domain.ExecutionFailureError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, domain.ReasonExecutionFailed, domain.ReasonCode(err))
			assert.Empty(t, db.Queries())
			assert.Zero(t, c.Executions())
		})
	}
}

func TestCoordinator_SingleFlight(t *testing.T) {
	t.Parallel()

	const n = 10
	release := make(chan struct{})
	var calls atomic.Int32
	db := &testutil.MockDatabase{QueryFn: func(ctx context.Context, _ string, _ int) (*domain.ResultSet, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, &domain.DatabaseError{Kind: domain.DBErrorTimeout, Err: ctx.Err()}
		}
		return &domain.ResultSet{Columns: []string{"n"}, Rows: []map[string]any{{"n": 1}}}, nil
	}}
	c := NewCoordinator(db, NewMemoryCache(16, time.Minute), testLimits(), discard)
	stmt := analyze(t, "SELECT count(*) AS n FROM sales")

	var wg sync.WaitGroup
	results := make([]*domain.ExecutionOutcome, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Execute(context.Background(), Request{Statement: stmt, Role: "analyst"})
		}()
	}

	key := CacheKey(Bound(stmt, 1000).SQL, "analyst", 1000)
	require.Eventually(t, func() bool { return c.waiters(key) == n }, 2*time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, 1, results[i].RowCount)
	}
	assert.EqualValues(t, 1, calls.Load())

	// a later identical request is a cache hit
	out, err := c.Execute(context.Background(), Request{Statement: analyze(t, "select COUNT(*) as n from sales"), Role: "analyst"})
	require.NoError(t, err)
	assert.True(t, out.CacheHit)
	assert.EqualValues(t, 1, calls.Load())

	// a different role is a different key
	_, err = c.Execute(context.Background(), Request{Statement: stmt, Role: "admin"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCoordinator_TimeoutNotRetried(t *testing.T) {
	t.Parallel()

	db := &testutil.MockDatabase{QueryFn: func(ctx context.Context, _ string, _ int) (*domain.ResultSet, error) {
		<-ctx.Done()
		return nil, &domain.DatabaseError{Kind: domain.DBErrorTimeout, Err: ctx.Err()}
	}}
	limits := testLimits()
	limits.Timeout = 30 * time.Millisecond
	c := NewCoordinator(db, nil, limits, discard)

	_, err := c.Execute(context.Background(), Request{Statement: analyze(t, "SELECT 1 AS one"), Role: "analyst"})

	var te *domain.ExecutionTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 30*time.Millisecond, te.Timeout)
	assert.EqualValues(t, 1, c.Executions())
	assert.Equal(t, domain.ReasonExecutionTimeout, domain.ReasonCode(err))
}

func TestCoordinator_RetriesConnectivity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		failures     int
		wantErr      bool
		wantAttempts int
	}{
		{"recovers", 2, false, 3},
		{"exhausted", 5, true, 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			db := &testutil.MockDatabase{QueryFn: func(context.Context, string, int) (*domain.ResultSet, error) {
				if int(calls.Add(1)) <= tc.failures {
					return nil, &domain.DatabaseError{Kind: domain.DBErrorConnectivity, Err: errors.New("connection reset")}
				}
				return &domain.ResultSet{Columns: []string{"one"}, Rows: []map[string]any{{"one": 1}}}, nil
			}}
			c := NewCoordinator(db, nil, testLimits(), discard)

			out, err := c.Execute(context.Background(), Request{Statement: analyze(t, "SELECT 1 AS one"), Role: "analyst"})
			if tc.wantErr {
				var fe *domain.ExecutionFailureError
				require.ErrorAs(t, err, &fe)
				assert.Equal(t, tc.wantAttempts, fe.Attempts)
				assert.EqualValues(t, tc.wantAttempts, calls.Load())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantAttempts, out.Attempts)
		})
	}
}

func TestCoordinator_CancelAbortsQuery(t *testing.T) {
	t.Parallel()

	aborted := make(chan struct{})
	started := make(chan struct{})
	db := &testutil.MockDatabase{QueryFn: func(ctx context.Context, _ string, _ int) (*domain.ResultSet, error) {
		close(started)
		<-ctx.Done()
		close(aborted)
		return nil, &domain.DatabaseError{Kind: domain.DBErrorOther, Err: ctx.Err()}
	}}
	c := NewCoordinator(db, nil, testLimits(), discard)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Execute(ctx, Request{Statement: analyze(t, "SELECT 1 AS one"), Role: "analyst"})
		errc <- err
	}()
	<-started
	cancel()

	require.ErrorIs(t, <-errc, context.Canceled)
	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("database call was not cancelled")
	}
}

func TestCoordinator_WaiterLeavingKeepsSharedCall(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	db := &testutil.MockDatabase{QueryFn: func(ctx context.Context, _ string, _ int) (*domain.ResultSet, error) {
		select {
		case <-release:
			return &domain.ResultSet{Columns: []string{"one"}, Rows: []map[string]any{{"one": 1}}}, nil
		case <-ctx.Done():
			return nil, &domain.DatabaseError{Kind: domain.DBErrorOther, Err: ctx.Err()}
		}
	}}
	c := NewCoordinator(db, nil, testLimits(), discard)
	stmt := analyze(t, "SELECT 1 AS one")
	key := CacheKey(Bound(stmt, 1000).SQL, "analyst", 1000)

	leaving, cancel := context.WithCancel(context.Background())
	leftErr := make(chan error, 1)
	go func() {
		_, err := c.Execute(leaving, Request{Statement: stmt, Role: "analyst"})
		leftErr <- err
	}()
	require.Eventually(t, func() bool { return c.waiters(key) == 1 }, 2*time.Second, time.Millisecond)

	stayed := make(chan *domain.ExecutionOutcome, 1)
	go func() {
		out, err := c.Execute(context.Background(), Request{Statement: stmt, Role: "analyst"})
		assert.NoError(t, err)
		stayed <- out
	}()
	require.Eventually(t, func() bool { return c.waiters(key) == 2 }, 2*time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-leftErr, context.Canceled)
	close(release)

	out := <-stayed
	require.NotNil(t, out)
	assert.Equal(t, 1, out.RowCount)
	assert.Len(t, db.Queries(), 1)
}

func TestCoordinator_ConcurrencyBound(t *testing.T) {
	t.Parallel()

	var active, peak atomic.Int32
	db := &testutil.MockDatabase{QueryFn: func(context.Context, string, int) (*domain.ResultSet, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return &domain.ResultSet{Columns: []string{}, Rows: []map[string]any{}}, nil
	}}
	limits := testLimits()
	limits.MaxConcurrency = 2
	c := NewCoordinator(db, nil, limits, discard)

	var wg sync.WaitGroup
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// distinct row caps give distinct keys
			_, err := c.Execute(context.Background(), Request{Statement: analyze(t, "SELECT 1 AS one"), Role: "analyst", MaxRows: i + 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestCoordinator_RejectsDisallowed(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(&testutil.MockDatabase{}, nil, testLimits(), discard)
	_, err := c.Execute(context.Background(), Request{Statement: analyze(t, "DROP TABLE sales"), Role: "analyst"})
	require.Error(t, err)
}

func (c *Coordinator) waiters(key string) int {
	c.flights.mu.Lock()
	defer c.flights.mu.Unlock()
	if call, ok := c.flights.calls[key]; ok {
		return call.waiters
	}
	return 0
}
