package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bi-gateway/internal/domain"
)

// MetricEventRepo persists metric events for replay after restart.
type MetricEventRepo struct {
	write *sql.DB
	read  *sql.DB
}

// NewMetricEventRepo creates a MetricEventRepo. read may equal write.
func NewMetricEventRepo(write, read *sql.DB) *MetricEventRepo {
	return &MetricEventRepo{write: write, read: read}
}

// Insert appends one event.
func (r *MetricEventRepo) Insert(ctx context.Context, ev domain.MetricEvent) error {
	_, err := r.write.ExecContext(ctx, `
		INSERT INTO metric_events (
			request_id, outcome, supersedes, latency_ms, caller_id, role,
			pii_columns, security_violation, reasons, confidence, row_count,
			cache_hit, question, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RequestID, string(ev.Outcome), nullString(string(ev.Supersedes)),
		float64(ev.Latency)/float64(time.Millisecond), ev.CallerID, nullString(ev.Role),
		encodeList(ev.PIIColumns), boolToInt(ev.SecurityViolation), encodeList(ev.Reasons),
		ev.Confidence, ev.RowCount, boolToInt(ev.CacheHit), nullString(ev.Question),
		formatTime(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert metric event: %w", err)
	}
	return nil
}

// DeleteBefore removes events recorded before cutoff.
func (r *MetricEventRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.write.ExecContext(ctx, `DELETE FROM metric_events WHERE recorded_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete metric events: %w", err)
	}
	return res.RowsAffected()
}

// ListSince returns events recorded at or after since, oldest first.
func (r *MetricEventRepo) ListSince(ctx context.Context, since time.Time) ([]domain.MetricEvent, error) {
	rows, err := r.read.QueryContext(ctx, `
		SELECT request_id, outcome, supersedes, latency_ms, caller_id, role,
		       pii_columns, security_violation, reasons, confidence, row_count,
		       cache_hit, question, recorded_at
		FROM metric_events
		WHERE recorded_at >= ?
		ORDER BY recorded_at, id`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("list metric events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.MetricEvent
	for rows.Next() {
		var (
			ev                         domain.MetricEvent
			outcome, pii, reasons, at  string
			supersedes, role, question sql.NullString
			latencyMs                  float64
			violation, cacheHit        int64
		)
		if err := rows.Scan(&ev.RequestID, &outcome, &supersedes, &latencyMs, &ev.CallerID, &role,
			&pii, &violation, &reasons, &ev.Confidence, &ev.RowCount,
			&cacheHit, &question, &at); err != nil {
			return nil, fmt.Errorf("scan metric event: %w", err)
		}
		ev.Outcome = domain.OutcomeClass(outcome)
		ev.Supersedes = domain.OutcomeClass(supersedes.String)
		ev.Latency = time.Duration(latencyMs * float64(time.Millisecond))
		ev.Role = role.String
		ev.PIIColumns = decodeList(pii)
		ev.SecurityViolation = violation != 0
		ev.Reasons = decodeList(reasons)
		ev.CacheHit = cacheHit != 0
		ev.Question = question.String
		ev.Timestamp = parseTime(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

var _ domain.MetricEventRepository = (*MetricEventRepo)(nil)
