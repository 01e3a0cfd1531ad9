package domain

import (
	"context"
	"time"
)

// GenerationRequest is the input handed to a Generator.
type GenerationRequest struct {
	Question string
	Role     string
	MaxRows  int
	Context  GenerationContext
}

// GenerationContext carries glossary knowledge for prompt construction.
type GenerationContext struct {
	Terms           []GlossaryEntry
	PermittedTables []string
	PIIColumns      []string
	Schemas         []TableSchema
}

// GenerationResult is the raw generator output. SQL is untrusted.
type GenerationResult struct {
	SQL        string
	Model      string
	Confidence float64
}

// Generator turns a question into candidate SQL.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}

// Database executes bounded read queries. Errors are *DatabaseError.
type Database interface {
	Query(ctx context.Context, sql string, maxRows int) (*ResultSet, error)
	Ping(ctx context.Context) error
}

// MetricsRecorder accepts metric events without blocking the caller.
type MetricsRecorder interface {
	Record(ev MetricEvent)
}

// MetricEventRepository persists metric events.
type MetricEventRepository interface {
	Insert(ctx context.Context, ev MetricEvent) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListSince(ctx context.Context, since time.Time) ([]MetricEvent, error)
}
