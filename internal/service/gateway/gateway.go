// Package gateway runs the question-to-answer pipeline: glossary matching,
// generation, structural analysis, policy validation, bounded execution,
// explanation and outcome recording.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bi-gateway/internal/audit"
	"bi-gateway/internal/config"
	"bi-gateway/internal/domain"
	"bi-gateway/internal/engine"
	"bi-gateway/internal/explain"
	"bi-gateway/internal/glossary"
	"bi-gateway/internal/policy"
	"bi-gateway/internal/sqlscan"
)

// Audit actions.
const (
	ActionQuery       = "QUERY"
	ActionValidate    = "VALIDATE"
	ActionValidateSQL = "VALIDATE_SQL"
)

// Snapshots supplies the current policy and glossary snapshot.
type Snapshots interface {
	Current() *config.Snapshot
}

// Executor runs approved statements.
type Executor interface {
	Execute(ctx context.Context, req engine.Request) (*domain.ExecutionOutcome, error)
}

// Service is the query pipeline. It is safe for concurrent use; every
// request reads one snapshot from start to finish.
type Service struct {
	snapshots Snapshots
	generator domain.Generator
	exec      Executor
	metrics   domain.MetricsRecorder
	audit     domain.AuditEmitter
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates a Service.
func New(snapshots Snapshots, generator domain.Generator, exec Executor, metrics domain.MetricsRecorder, emitter domain.AuditEmitter, logger *slog.Logger) *Service {
	return &Service{
		snapshots: snapshots,
		generator: generator,
		exec:      exec,
		metrics:   metrics,
		audit:     emitter,
		logger:    logger,
		tracer:    otel.Tracer("bi-gateway/gateway"),
		now:       time.Now,
	}
}

// HandleQuery answers a question. The response is always returned once the
// input is valid; the error carries the taxonomy class for every status
// other than completed.
func (s *Service) HandleQuery(ctx context.Context, in QueryInput) (*QueryResponse, error) {
	req, err := domain.NewQueryRequest(in.RequestID, in.Question, in.CallerID, in.Role, in.MaxRows, s.now())
	if err != nil {
		return nil, err
	}
	snap := s.snapshots.Current()
	ctx, span := s.start(ctx, "gateway.HandleQuery", req)
	defer span.End()

	resp := &QueryResponse{RequestID: req.ID, PolicyVersion: snap.Version}
	session := snap.Glossary.NewSession()
	session.MatchQuestion(req.Question)

	gen, err := s.generate(ctx, snap, req, session)
	if err != nil {
		f := generationFailure(err)
		resp.Status, resp.Reason, resp.Message = f.status, f.reason, err.Error()
		resp.ClarificationQuestions = clarification(err)
		s.finish(ctx, span, req, ActionQuery, f)
		return resp, err
	}

	stmt, vr, err := s.check(ctx, snap, gen.SQL, req.Role)
	if err != nil {
		f := rejection(vr, stmt)
		f.sqlHash = audit.HashSQL(gen.SQL)
		resp.Status, resp.Reason, resp.Reasons, resp.Message = StatusRejected, f.reason, f.reasons, err.Error()
		resp.Warnings = vr.Warnings()
		s.finish(ctx, span, req, ActionQuery, f)
		return resp, err
	}
	resp.Warnings = vr.Warnings()

	out, err := s.execute(ctx, snap, stmt, req)
	if err != nil {
		f := executionFailure(err)
		f.sqlHash, f.tables = audit.HashSQL(gen.SQL), stmt.TableNames()
		resp.Status, resp.Reason, resp.Message = StatusFailed, f.reason, err.Error()
		s.finish(ctx, span, req, ActionQuery, f)
		return resp, err
	}

	hidden := snap.Validator.UnclearedColumns(stmt.TableNames(), req.Role)
	out, redacted := redact(out, hidden)
	if len(redacted) > 0 {
		s.logger.Warn("redacted uncleared columns from result",
			"request_id", req.ID, "role", req.Role, "columns", redacted)
	}

	conf, exp := explain.Build(explain.Input{
		Question:   req.Question,
		Statement:  stmt,
		Validation: vr,
		Session:    session,
		Outcome:    out,
	}, snap.Weights)

	resp.Status = StatusCompleted
	resp.Explanation = &exp
	resp.Result = &Result{
		Data:            out.Rows,
		Columns:         out.Columns,
		RowCount:        out.RowCount,
		ExecutionTime:   out.ExecutionTime.Seconds(),
		SQLQuery:        out.ExecutedSQL,
		ConfidenceScore: conf,
		Truncated:       out.Truncated,
		CacheHit:        out.CacheHit,
		AppliedLimit:    out.AppliedLimit,
	}
	s.finish(ctx, span, req, ActionQuery, finish{
		outcome:    domain.OutcomeSuccess,
		status:     StatusCompleted,
		pii:        redacted,
		security:   len(redacted) > 0,
		confidence: conf,
		rows:       out.RowCount,
		cacheHit:   out.CacheHit,
		sqlHash:    audit.HashSQL(gen.SQL),
		tables:     stmt.TableNames(),
	})
	return resp, nil
}

// ValidateOnly generates and validates SQL for a question without running
// it. Approved validations are audited but not counted as outcomes.
func (s *Service) ValidateOnly(ctx context.Context, in QueryInput) (*ValidationResponse, error) {
	req, err := domain.NewQueryRequest(in.RequestID, in.Question, in.CallerID, in.Role, 0, s.now())
	if err != nil {
		return nil, err
	}
	snap := s.snapshots.Current()
	ctx, span := s.start(ctx, "gateway.ValidateOnly", req)
	defer span.End()

	resp := &ValidationResponse{RequestID: req.ID, PolicyVersion: snap.Version}
	session := snap.Glossary.NewSession()
	session.MatchQuestion(req.Question)

	gen, err := s.generate(ctx, snap, req, session)
	if err != nil {
		f := generationFailure(err)
		resp.Status, resp.Reason, resp.Message = f.status, f.reason, err.Error()
		resp.ClarificationQuestions = clarification(err)
		s.finish(ctx, span, req, ActionValidate, f)
		return resp, err
	}
	resp.SQL = gen.SQL
	return s.validated(ctx, span, snap, req, ActionValidate, resp, session)
}

// ValidateSQL validates caller-supplied SQL. No glossary matching or
// generation takes place.
func (s *Service) ValidateSQL(ctx context.Context, in SQLInput) (*ValidationResponse, error) {
	if strings.TrimSpace(in.SQL) == "" {
		return nil, domain.ErrValidation("sql is required")
	}
	if strings.TrimSpace(in.CallerID) == "" {
		return nil, domain.ErrValidation("caller id is required")
	}
	id := in.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	req := &domain.QueryRequest{ID: id, CallerID: in.CallerID, Role: strings.TrimSpace(in.Role), SubmittedAt: s.now()}
	snap := s.snapshots.Current()
	ctx, span := s.start(ctx, "gateway.ValidateSQL", req)
	defer span.End()

	resp := &ValidationResponse{RequestID: req.ID, PolicyVersion: snap.Version, SQL: in.SQL}
	return s.validated(ctx, span, snap, req, ActionValidateSQL, resp, nil)
}

func (s *Service) validated(ctx context.Context, span trace.Span, snap *config.Snapshot, req *domain.QueryRequest, action string, resp *ValidationResponse, session *glossary.Session) (*ValidationResponse, error) {
	stmt, vr, err := s.check(ctx, snap, resp.SQL, req.Role)
	resp.Validation = vr
	conf, exp := explain.Build(explain.Input{
		Question:   req.Question,
		Statement:  stmt,
		Validation: vr,
		Session:    session,
	}, snap.Weights)
	resp.Explanation = &exp
	hash := audit.HashSQL(resp.SQL)

	if err != nil {
		f := rejection(vr, stmt)
		f.sqlHash = hash
		resp.Status, resp.Reason, resp.Reasons, resp.Message = StatusRejected, f.reason, f.reasons, err.Error()
		s.finish(ctx, span, req, action, f)
		return resp, err
	}

	resp.Status = StatusValid
	resp.Confidence = conf
	s.finish(ctx, span, req, action, finish{
		status:     StatusValid,
		confidence: conf,
		sqlHash:    hash,
		tables:     stmt.TableNames(),
	})
	return resp, nil
}

func (s *Service) start(ctx context.Context, name string, req *domain.QueryRequest) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("bigate.request_id", req.ID),
		attribute.String("bigate.caller_id", req.CallerID),
		attribute.String("bigate.role", req.Role),
	))
}

func (s *Service) generate(ctx context.Context, snap *config.Snapshot, req *domain.QueryRequest, session *glossary.Session) (*domain.GenerationResult, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.generate")
	defer span.End()

	gen, err := s.generator.Generate(ctx, domain.GenerationRequest{
		Question: req.Question,
		Role:     req.Role,
		MaxRows:  req.MaxRows,
		Context:  snap.Glossary.Context(session),
	})
	switch {
	case err != nil:
		if !errors.As(err, new(*domain.GenerationError)) && !errors.As(err, new(*domain.ClarificationError)) {
			err = domain.ErrGeneration(err, "generate")
		}
	case gen == nil || strings.TrimSpace(gen.SQL) == "":
		err = domain.ErrGeneration(nil, "generator returned no SQL")
	default:
		span.SetAttributes(attribute.String("bigate.model", gen.Model))
		return gen, nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, domain.ReasonCode(err))
	return nil, err
}

// check analyzes and validates raw. The error is the *domain.AnalysisError
// or *domain.PolicyViolationError of a rejected statement; stmt is nil when
// analysis failed.
func (s *Service) check(ctx context.Context, snap *config.Snapshot, raw, role string) (*domain.Statement, *domain.ValidationResult, error) {
	_, span := s.tracer.Start(ctx, "gateway.validate")
	defer span.End()

	stmt, err := sqlscan.Analyze(raw)
	if err != nil {
		span.SetAttributes(attribute.String("bigate.decision", string(domain.DecisionRejected)))
		return nil, policy.Unparsable(err), err
	}
	vr := snap.Validator.Validate(stmt, role)
	span.SetAttributes(
		attribute.String("bigate.decision", string(vr.Decision)),
		attribute.Int("bigate.cost", vr.CostScore),
		attribute.StringSlice("bigate.tables", stmt.TableNames()),
	)
	return stmt, vr, vr.Err()
}

func (s *Service) execute(ctx context.Context, snap *config.Snapshot, stmt *domain.Statement, req *domain.QueryRequest) (*domain.ExecutionOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.execute")
	defer span.End()

	limits := snap.Limits
	out, err := s.exec.Execute(ctx, engine.Request{
		Statement: stmt,
		Role:      req.Role,
		MaxRows:   req.MaxRows,
		Limits:    &limits,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.ReasonCode(err))
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("bigate.rows", out.RowCount),
		attribute.Bool("bigate.cache_hit", out.CacheHit),
		attribute.Int("bigate.attempts", out.Attempts),
	)
	return out, nil
}

// redact drops hidden columns from a result. The outcome may be shared with
// other requests, so a copy is made when anything is removed.
func redact(o *domain.ExecutionOutcome, hidden map[string]bool) (*domain.ExecutionOutcome, []string) {
	if len(hidden) == 0 {
		return o, nil
	}
	var drop []string
	keep := make([]string, 0, len(o.Columns))
	for _, c := range o.Columns {
		if hidden[strings.ToLower(c)] {
			drop = append(drop, c)
			continue
		}
		keep = append(keep, c)
	}
	if len(drop) == 0 {
		return o, nil
	}

	cp := *o
	cp.Columns = keep
	cp.Rows = make([]map[string]any, len(o.Rows))
	for i, row := range o.Rows {
		r := make(map[string]any, len(keep))
		for _, c := range keep {
			r[c] = row[c]
		}
		cp.Rows[i] = r
	}
	return &cp, drop
}

func clarification(err error) []string {
	var ce *domain.ClarificationError
	if errors.As(err, &ce) {
		return ce.Questions
	}
	return nil
}
