package gateway

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bi-gateway/internal/domain"
)

// finish is the terminal state of one request, recorded exactly once.
type finish struct {
	// outcome is empty for approved validate-only requests, which are not
	// counted as query outcomes.
	outcome    domain.OutcomeClass
	status     Status
	reason     string
	reasons    []string
	pii        []string
	security   bool
	confidence float64
	rows       int
	cacheHit   bool
	sqlHash    string
	tables     []string
}

func generationFailure(err error) finish {
	if errors.As(err, new(*domain.ClarificationError)) {
		return finish{
			outcome: domain.OutcomeClarification,
			status:  StatusNeedsClarification,
			reason:  domain.ReasonNeedsClarification,
		}
	}
	return finish{
		outcome: domain.OutcomeGenerationFailed,
		status:  StatusFailed,
		reason:  domain.ReasonGenerationFailed,
	}
}

func rejection(vr *domain.ValidationResult, stmt *domain.Statement) finish {
	f := finish{
		outcome:  domain.OutcomeRejected,
		status:   StatusRejected,
		reason:   domain.ReasonPolicyViolation,
		reasons:  vr.Reasons(),
		pii:      vr.PIIColumns,
		security: vr.SecurityRelevant(),
	}
	if stmt == nil {
		f.outcome, f.reason = domain.OutcomeUnparsable, domain.ReasonUnparsable
		return f
	}
	f.tables = stmt.TableNames()
	return f
}

func executionFailure(err error) finish {
	f := finish{
		outcome: domain.OutcomeExecutionFailed,
		status:  StatusFailed,
		reason:  domain.ReasonCode(err),
	}
	switch {
	case errors.As(err, new(*domain.ExecutionTimeoutError)):
		f.outcome = domain.OutcomeTimeout
	case errors.Is(err, context.Canceled):
		f.reason = domain.ReasonExecutionFailed
		f.reasons = []string{"cancelled"}
	case !errors.As(err, new(*domain.ExecutionFailureError)):
		f.reason = domain.ReasonExecutionFailed
	}
	return f
}

func auditStatus(s Status) string {
	switch s {
	case StatusRejected:
		return domain.AuditDenied
	case StatusFailed:
		return domain.AuditError
	default:
		return domain.AuditAllowed
	}
}

// finish records the metric event, emits the audit event, logs and closes
// out the span. The audit event never carries the SQL text.
func (s *Service) finish(ctx context.Context, span trace.Span, req *domain.QueryRequest, action string, f finish) {
	latency := s.now().Sub(req.SubmittedAt)

	if f.outcome != "" {
		s.metrics.Record(domain.MetricEvent{
			RequestID:         req.ID,
			Outcome:           f.outcome,
			Latency:           latency,
			CallerID:          req.CallerID,
			Role:              req.Role,
			PIIColumns:        f.pii,
			SecurityViolation: f.security,
			Reasons:           f.reasons,
			Confidence:        f.confidence,
			RowCount:          f.rows,
			CacheHit:          f.cacheHit,
			Question:          req.Question,
		})
	}

	reason := f.reason
	if reason == "" && f.security {
		reason = "pii_redacted"
	}
	s.audit.Emit(ctx, domain.AuditEvent{
		RequestID:      req.ID,
		CallerID:       req.CallerID,
		Role:           req.Role,
		Action:         action,
		Status:         auditStatus(f.status),
		Reason:         reason,
		Violations:     f.reasons,
		PIIColumns:     f.pii,
		SQLHash:        f.sqlHash,
		TablesAccessed: f.tables,
		DurationMs:     latency.Milliseconds(),
		RowsReturned:   f.rows,
		CreatedAt:      s.now().UTC(),
	})

	span.SetAttributes(attribute.String("bigate.status", string(f.status)))
	if f.reason != "" {
		span.SetAttributes(attribute.String("bigate.reason", f.reason))
	}
	if f.status == StatusFailed {
		span.SetStatus(codes.Error, f.reason)
	}

	level := slog.LevelInfo
	if f.status == StatusRejected || f.status == StatusFailed {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "request finished",
		slog.String("request_id", req.ID),
		slog.String("action", action),
		slog.String("caller_id", req.CallerID),
		slog.String("role", req.Role),
		slog.String("status", string(f.status)),
		slog.String("reason", f.reason),
		slog.Any("violations", f.reasons),
		slog.Duration("latency", latency),
	)
}
