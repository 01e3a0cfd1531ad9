package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"bi-gateway/internal/domain"
	"bi-gateway/internal/sqlscan"
)

// Request is one approved statement to execute.
type Request struct {
	Statement *domain.Statement
	Role      string
	MaxRows   int
	// Limits overrides the coordinator's limits, typically with those of the
	// current config snapshot. MaxConcurrency is fixed at construction.
	Limits *Limits
}

// Coordinator executes approved statements: it bounds the row count,
// serves repeated requests from the cache, collapses identical concurrent
// requests, caps concurrency and retries transient connectivity failures.
type Coordinator struct {
	db      domain.Database
	cache   Cache
	limits  Limits
	sem     *semaphore.Weighted
	flights flightGroup
	logger  *slog.Logger

	executions atomic.Int64
}

// NewCoordinator creates a Coordinator. cache may be nil.
func NewCoordinator(db domain.Database, cache Cache, limits Limits, logger *slog.Logger) *Coordinator {
	limits = limits.WithDefaults()
	return &Coordinator{
		db:     db,
		cache:  cache,
		limits: limits,
		sem:    semaphore.NewWeighted(int64(limits.MaxConcurrency)),
		logger: logger,
	}
}

// Executions returns the number of database calls made so far.
func (c *Coordinator) Executions() int64 { return c.executions.Load() }

// Ping checks the database.
func (c *Coordinator) Ping(ctx context.Context) error { return c.db.Ping(ctx) }

// Execute runs req and returns its outcome. Errors are
// *domain.ExecutionTimeoutError, *domain.ExecutionFailureError or the
// caller's context error when it gave up before the result was ready.
func (c *Coordinator) Execute(ctx context.Context, req Request) (*domain.ExecutionOutcome, error) {
	if req.Statement == nil || req.Statement.Kind != domain.KindSelect {
		return nil, fmt.Errorf("execute: statement is not an approved select")
	}
	l := c.limits
	if req.Limits != nil {
		l = req.Limits.WithDefaults()
	}
	rowCap := l.EffectiveCap(req.MaxRows)
	b := Bound(req.Statement, rowCap)
	want := 0
	if b.Injected {
		want = b.Applied
	}
	if err := sqlscan.CheckBounded(b.SQL, want); err != nil {
		c.logger.Error("bounded statement failed re-lex, not sent", "error", err)
		return nil, &domain.ExecutionFailureError{Err: fmt.Errorf("bounded statement rejected: %v", err)}
	}
	key := CacheKey(b.SQL, req.Role, rowCap)

	if c.cache != nil {
		if o, ok := c.cache.Get(ctx, key); ok {
			hit := *o
			hit.CacheHit = true
			return &hit, nil
		}
	}

	out, shared, err := c.flights.Do(ctx, key, func(runCtx context.Context) (*domain.ExecutionOutcome, error) {
		// a flight that finished between our lookup and now has filled the cache
		if c.cache != nil {
			if o, ok := c.cache.Get(runCtx, key); ok {
				hit := *o
				hit.CacheHit = true
				return &hit, nil
			}
		}
		o, err := c.run(runCtx, b, l)
		if err == nil && c.cache != nil {
			c.cache.Set(runCtx, key, o)
		}
		return o, err
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &domain.ExecutionTimeoutError{Timeout: l.Timeout}
		}
		return nil, err
	}
	if shared {
		c.logger.Debug("joined in-flight execution", "key", key[:12])
	}
	return out, nil
}

func (c *Coordinator) run(ctx context.Context, b Bounded, l Limits) (*domain.ExecutionOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()

	// queueing counts against the same deadline
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, c.interrupted(ctx, l, 0)
	}
	defer c.sem.Release(1)

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= l.RetryAttempts; attempt++ {
		c.executions.Add(1)
		rs, err := c.db.Query(ctx, b.SQL, b.Applied)
		if err == nil {
			return &domain.ExecutionOutcome{
				Rows:          rs.Rows,
				Columns:       rs.Columns,
				RowCount:      len(rs.Rows),
				ExecutionTime: time.Since(start),
				Truncated:     b.Truncated || rs.More,
				ExecutedSQL:   b.SQL,
				AppliedLimit:  b.Applied,
				LimitInjected: b.Injected,
				Attempts:      attempt,
			}, nil
		}
		if ctx.Err() != nil {
			return nil, c.interrupted(ctx, l, attempt)
		}
		var dbErr *domain.DatabaseError
		if errors.As(err, &dbErr) && dbErr.Kind == domain.DBErrorTimeout {
			return nil, &domain.ExecutionTimeoutError{Timeout: l.Timeout}
		}
		if !errors.As(err, &dbErr) || !dbErr.Retryable() {
			return nil, &domain.ExecutionFailureError{Attempts: attempt, Err: err}
		}
		lastErr = err
		if attempt == l.RetryAttempts {
			break
		}

		delay := l.RetryBaseDelay << (attempt - 1)
		c.logger.Warn("transient database error, retrying",
			"attempt", attempt, "delay", delay, "error", err)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, c.interrupted(ctx, l, attempt)
		}
	}
	return nil, &domain.ExecutionFailureError{Attempts: l.RetryAttempts, Err: lastErr}
}

// interrupted reports why ctx ended: the deadline is a timeout, anything
// else means every waiter left.
func (c *Coordinator) interrupted(ctx context.Context, l Limits, attempts int) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.logger.Info("query deadline exceeded", "timeout", l.Timeout, "attempts", attempts)
		return &domain.ExecutionTimeoutError{Timeout: l.Timeout}
	}
	return ctx.Err()
}
