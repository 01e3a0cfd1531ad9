// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase.
package testutil

import (
	"context"
	"sync"
	"time"

	"bi-gateway/internal/domain"
)

// === Database Mock ===

// MockDatabase implements domain.Database for testing. It is safe for
// concurrent use.
type MockDatabase struct {
	QueryFn func(ctx context.Context, sql string, maxRows int) (*domain.ResultSet, error)
	PingFn  func(ctx context.Context) error

	mu      sync.Mutex
	queries []string
}

// Query implements the interface method for testing.
func (m *MockDatabase) Query(ctx context.Context, sql string, maxRows int) (*domain.ResultSet, error) {
	m.mu.Lock()
	m.queries = append(m.queries, sql)
	m.mu.Unlock()
	if m.QueryFn != nil {
		return m.QueryFn(ctx, sql, maxRows)
	}
	return &domain.ResultSet{Columns: []string{}, Rows: []map[string]any{}}, nil
}

// Ping implements the interface method for testing.
func (m *MockDatabase) Ping(ctx context.Context) error {
	if m.PingFn != nil {
		return m.PingFn(ctx)
	}
	return nil
}

// Queries returns the SQL of every Query call in order.
func (m *MockDatabase) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}

// === Generator Mock ===

// MockGenerator implements domain.Generator for testing.
type MockGenerator struct {
	GenerateFn func(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error)

	mu   sync.Mutex
	last *domain.GenerationRequest
}

// Generate implements the interface method for testing.
func (m *MockGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	m.mu.Lock()
	m.last = &req
	m.mu.Unlock()
	if m.GenerateFn != nil {
		return m.GenerateFn(ctx, req)
	}
	panic("unexpected call to MockGenerator.Generate")
}

// LastRequest returns the most recent generation request, or nil.
func (m *MockGenerator) LastRequest() *domain.GenerationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// StaticSQL returns a MockGenerator that always answers with sql.
func StaticSQL(sql string) *MockGenerator {
	return &MockGenerator{GenerateFn: func(context.Context, domain.GenerationRequest) (*domain.GenerationResult, error) {
		return &domain.GenerationResult{SQL: sql, Model: "static"}, nil
	}}
}

// === Metrics Recorder Mock ===

// MockMetricsRecorder collects recorded events.
type MockMetricsRecorder struct {
	mu     sync.Mutex
	Events []domain.MetricEvent
}

// Record implements domain.MetricsRecorder.
func (m *MockMetricsRecorder) Record(ev domain.MetricEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, ev)
}

// Snapshot returns a copy of the recorded events.
func (m *MockMetricsRecorder) Snapshot() []domain.MetricEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.MetricEvent(nil), m.Events...)
}

// === Metric Event Repository Mock ===

// MockMetricEventRepo implements domain.MetricEventRepository for testing.
type MockMetricEventRepo struct {
	InsertFn       func(ctx context.Context, ev domain.MetricEvent) error
	DeleteBeforeFn func(ctx context.Context, cutoff time.Time) (int64, error)
	ListSinceFn    func(ctx context.Context, since time.Time) ([]domain.MetricEvent, error)

	mu      sync.Mutex
	Entries []domain.MetricEvent
}

// Insert implements the interface method for testing.
func (m *MockMetricEventRepo) Insert(ctx context.Context, ev domain.MetricEvent) error {
	if m.InsertFn != nil {
		if err := m.InsertFn(ctx, ev); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.Entries = append(m.Entries, ev)
	m.mu.Unlock()
	return nil
}

// DeleteBefore implements the interface method for testing.
func (m *MockMetricEventRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.DeleteBeforeFn != nil {
		return m.DeleteBeforeFn(ctx, cutoff)
	}
	return 0, nil
}

// ListSince implements the interface method for testing.
func (m *MockMetricEventRepo) ListSince(ctx context.Context, since time.Time) ([]domain.MetricEvent, error) {
	if m.ListSinceFn != nil {
		return m.ListSinceFn(ctx, since)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MetricEvent
	for _, ev := range m.Entries {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Len returns the number of stored entries.
func (m *MockMetricEventRepo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Entries)
}

// === Audit Emitter Mock ===

// MockAuditEmitter collects emitted audit events.
type MockAuditEmitter struct {
	mu     sync.Mutex
	Events []domain.AuditEvent
}

// Emit implements domain.AuditEmitter.
func (m *MockAuditEmitter) Emit(_ context.Context, ev domain.AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, ev)
}

// LastEvent returns the last emitted event, or nil if none.
func (m *MockAuditEmitter) LastEvent() *domain.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Events) == 0 {
		return nil
	}
	ev := m.Events[len(m.Events)-1]
	return &ev
}

// HasStatus returns true if any emitted event has the given status.
func (m *MockAuditEmitter) HasStatus(status string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.Events {
		if e.Status == status {
			return true
		}
	}
	return false
}
