package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"bi-gateway/internal/domain"
)

// AuditRepo stores audit events in SQLite.
type AuditRepo struct {
	write *sql.DB
	read  *sql.DB
}

// NewAuditRepo creates an AuditRepo. read may equal write.
func NewAuditRepo(write, read *sql.DB) *AuditRepo {
	return &AuditRepo{write: write, read: read}
}

// Insert appends one event.
func (r *AuditRepo) Insert(ctx context.Context, ev domain.AuditEvent) error {
	_, err := r.write.ExecContext(ctx, `
		INSERT INTO audit_events (
			request_id, caller_id, role, action, status, reason, violations,
			pii_columns, sql_hash, tables_accessed, duration_ms, rows_returned, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RequestID, ev.CallerID, nullString(ev.Role), ev.Action, ev.Status,
		nullString(ev.Reason), encodeList(ev.Violations), encodeList(ev.PIIColumns),
		nullString(ev.SQLHash), encodeList(ev.TablesAccessed), ev.DurationMs,
		ev.RowsReturned, formatTime(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// List returns one page of matching events, newest first, and the total
// number of matches.
func (r *AuditRepo) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, int64, error) {
	var (
		where []string
		args  []any
	)
	if filter.CallerID != "" {
		where = append(where, "caller_id = ?")
		args = append(args, filter.CallerID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, strings.ToUpper(filter.Status))
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, strings.ToUpper(filter.Action))
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(filter.Since))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := r.read.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	rows, err := r.read.QueryContext(ctx, `
		SELECT request_id, caller_id, role, action, status, reason, violations,
		       pii_columns, sql_hash, tables_accessed, duration_ms, rows_returned, created_at
		FROM audit_events`+clause+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		append(args, filter.Page.Limit(), filter.Page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make([]domain.AuditEvent, 0)
	for rows.Next() {
		var (
			ev                          domain.AuditEvent
			role, reason, hash          sql.NullString
			violations, pii, tables, at string
		)
		if err := rows.Scan(&ev.RequestID, &ev.CallerID, &role, &ev.Action, &ev.Status, &reason,
			&violations, &pii, &hash, &tables, &ev.DurationMs, &ev.RowsReturned, &at); err != nil {
			return nil, 0, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Role = role.String
		ev.Reason = reason.String
		ev.SQLHash = hash.String
		ev.Violations = decodeList(violations)
		ev.PIIColumns = decodeList(pii)
		ev.TablesAccessed = decodeList(tables)
		ev.CreatedAt = parseTime(at)
		out = append(out, ev)
	}
	return out, total, rows.Err()
}

var _ domain.AuditRepository = (*AuditRepo)(nil)
