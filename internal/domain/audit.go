package domain

import (
	"context"
	"time"
)

// Audit statuses.
const (
	AuditAllowed = "ALLOWED"
	AuditDenied  = "DENIED"
	AuditError   = "ERROR"
)

// AuditEvent is one audit record. The SQL text itself is never stored;
// SQLHash identifies it.
type AuditEvent struct {
	RequestID      string    `json:"request_id"`
	CallerID       string    `json:"caller_id"`
	Role           string    `json:"role,omitempty"`
	Action         string    `json:"action"` // "QUERY", "VALIDATE" or "VALIDATE_SQL"
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	Violations     []string  `json:"violations,omitempty"`
	PIIColumns     []string  `json:"pii_columns,omitempty"`
	SQLHash        string    `json:"sql_hash,omitempty"`
	TablesAccessed []string  `json:"tables_accessed,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	RowsReturned   int       `json:"rows_returned"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuditEmitter publishes audit events. Emit must not block the request for
// long and failures are the emitter's to log.
type AuditEmitter interface {
	Emit(ctx context.Context, ev AuditEvent)
}

// AuditFilter narrows an audit listing. Empty fields match everything.
type AuditFilter struct {
	CallerID string
	Status   string
	Action   string
	Since    time.Time
	Page     PageRequest
}

// AuditRepository stores audit events.
type AuditRepository interface {
	Insert(ctx context.Context, ev AuditEvent) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEvent, int64, error)
}
