// Package audit fans audit events out to logs, the local store and Pub/Sub.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"bi-gateway/internal/domain"
	"bi-gateway/internal/sqlscan"
)

// HashSQL identifies a statement without storing it. Formatting and keyword
// case do not change the hash.
func HashSQL(sql string) string {
	if sql == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(sqlscan.Normalize(sql)))
	return hex.EncodeToString(sum[:8])
}

// LogEmitter writes audit events to a structured logger.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

// Emit implements domain.AuditEmitter.
func (e *LogEmitter) Emit(ctx context.Context, ev domain.AuditEvent) {
	level := slog.LevelInfo
	if ev.Status != domain.AuditAllowed {
		level = slog.LevelWarn
	}
	e.logger.LogAttrs(ctx, level, "audit",
		slog.String("request_id", ev.RequestID),
		slog.String("caller_id", ev.CallerID),
		slog.String("role", ev.Role),
		slog.String("action", ev.Action),
		slog.String("status", ev.Status),
		slog.String("reason", ev.Reason),
		slog.Any("violations", ev.Violations),
		slog.Any("pii_columns", ev.PIIColumns),
		slog.String("sql_hash", ev.SQLHash),
		slog.Int64("duration_ms", ev.DurationMs),
		slog.Int("rows", ev.RowsReturned),
	)
}

// RepoEmitter stores audit events through a domain.AuditRepository.
type RepoEmitter struct {
	repo    domain.AuditRepository
	logger  *slog.Logger
	timeout time.Duration
}

// NewRepoEmitter creates a RepoEmitter.
func NewRepoEmitter(repo domain.AuditRepository, logger *slog.Logger) *RepoEmitter {
	return &RepoEmitter{repo: repo, logger: logger, timeout: 2 * time.Second}
}

// Emit implements domain.AuditEmitter. The write outlives request
// cancellation but not the emitter's own timeout.
func (e *RepoEmitter) Emit(ctx context.Context, ev domain.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if err := e.repo.Insert(ctx, ev); err != nil {
		e.logger.Error("store audit event", "request_id", ev.RequestID, "error", err)
	}
}

// MultiEmitter sends every event to each of its emitters in order.
type MultiEmitter struct {
	emitters []domain.AuditEmitter
}

// NewMultiEmitter creates a MultiEmitter, skipping nil entries.
func NewMultiEmitter(emitters ...domain.AuditEmitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		if e != nil {
			m.emitters = append(m.emitters, e)
		}
	}
	return m
}

// Emit implements domain.AuditEmitter.
func (m *MultiEmitter) Emit(ctx context.Context, ev domain.AuditEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	for _, e := range m.emitters {
		e.Emit(ctx, ev)
	}
}

var (
	_ domain.AuditEmitter = (*LogEmitter)(nil)
	_ domain.AuditEmitter = (*RepoEmitter)(nil)
	_ domain.AuditEmitter = (*MultiEmitter)(nil)
)
