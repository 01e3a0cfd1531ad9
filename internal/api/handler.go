// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"bi-gateway/internal/config"
	"bi-gateway/internal/domain"
	"bi-gateway/internal/metrics"
	"bi-gateway/internal/middleware"
	"bi-gateway/internal/service/gateway"
)

const maxBodyBytes = 64 << 10

// QueryService is the request pipeline.
type QueryService interface {
	HandleQuery(ctx context.Context, in gateway.QueryInput) (*gateway.QueryResponse, error)
	ValidateOnly(ctx context.Context, in gateway.QueryInput) (*gateway.ValidationResponse, error)
	ValidateSQL(ctx context.Context, in gateway.SQLInput) (*gateway.ValidationResponse, error)
}

// MetricsView is the read side of the metrics aggregator.
type MetricsView interface {
	Overall() metrics.Overall
	User(callerID string) (metrics.UserStats, bool)
	Security() metrics.Security
	Performance() metrics.Performance
	Hourly(n int) []metrics.HourlyStat
	Recent(n int) []metrics.RecentQuery
}

// Snapshots reads and reloads the policy and glossary snapshot.
type Snapshots interface {
	Current() *config.Snapshot
	Reload(ctx context.Context) (*config.Snapshot, error)
}

// Handler serves the HTTP API.
type Handler struct {
	queries   QueryService
	metrics   MetricsView
	snapshots Snapshots
	audit     domain.AuditRepository // nil when audit persistence is off
	health    *Health
	logger    *slog.Logger
}

// NewHandler creates a Handler. auditRepo may be nil.
func NewHandler(queries QueryService, mv MetricsView, snapshots Snapshots, auditRepo domain.AuditRepository, health *Health, logger *slog.Logger) *Handler {
	return &Handler{
		queries:   queries,
		metrics:   mv,
		snapshots: snapshots,
		audit:     auditRepo,
		health:    health,
		logger:    logger,
	}
}

// === Request bodies ===

type queryBody struct {
	Question string `json:"question"`
	MaxRows  int    `json:"max_rows"`
}

type sqlBody struct {
	SQL string `json:"sql"`
}

// === Query endpoints ===

func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	var body queryBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	caller, _ := domain.CallerFromContext(r.Context())
	resp, err := h.queries.HandleQuery(r.Context(), gateway.QueryInput{
		RequestID: middleware.RequestIDFromContext(r.Context()),
		Question:  body.Question,
		CallerID:  caller.ID,
		Role:      caller.Role,
		MaxRows:   body.MaxRows,
	})
	h.respond(w, r, resp, err)
}

func (h *Handler) validateQuery(w http.ResponseWriter, r *http.Request) {
	var body queryBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	caller, _ := domain.CallerFromContext(r.Context())
	resp, err := h.queries.ValidateOnly(r.Context(), gateway.QueryInput{
		RequestID: middleware.RequestIDFromContext(r.Context()),
		Question:  body.Question,
		CallerID:  caller.ID,
		Role:      caller.Role,
	})
	h.respond(w, r, resp, err)
}

func (h *Handler) validateSQL(w http.ResponseWriter, r *http.Request) {
	var body sqlBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	caller, _ := domain.CallerFromContext(r.Context())
	resp, err := h.queries.ValidateSQL(r.Context(), gateway.SQLInput{
		RequestID: middleware.RequestIDFromContext(r.Context()),
		SQL:       body.SQL,
		CallerID:  caller.ID,
		Role:      caller.Role,
	})
	h.respond(w, r, resp, err)
}

// respond writes a pipeline response. A response that exists is always the
// body, with the status code derived from err.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, resp any, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if isNil(resp) {
		writeError(w, err)
		return
	}
	code := httpStatusFromError(err)
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// client went away; nobody reads this
		code = 499
	}
	writeJSON(w, code, resp)
}

func isNil(resp any) bool {
	switch v := resp.(type) {
	case nil:
		return true
	case *gateway.QueryResponse:
		return v == nil
	case *gateway.ValidationResponse:
		return v == nil
	}
	return false
}

// === Metrics endpoints ===

func (h *Handler) metricsOverall(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Overall())
}

func (h *Handler) metricsUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stats, ok := h.metrics.User(id)
	if !ok {
		writeError(w, domain.ErrNotFound("no metrics for user %q", id))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) metricsSecurity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Security())
}

func (h *Handler) metricsPerformance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Performance())
}

func (h *Handler) metricsHourly(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "hours", 24, 1, 24*7)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hours": h.metrics.Hourly(n)})
}

func (h *Handler) metricsRecent(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "limit", 20, 1, 500)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queries": h.metrics.Recent(n)})
}

// === Admin endpoints ===

func (h *Handler) reload(w http.ResponseWriter, r *http.Request) {
	prev := h.snapshots.Current()
	next, err := h.snapshots.Reload(r.Context())
	if err != nil {
		h.logger.Warn("config reload rejected", "error", err)
		var ce *domain.ConfigError
		if errors.As(err, &ce) {
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{
				Code:    http.StatusUnprocessableEntity,
				Reason:  domain.ReasonConfigError,
				Message: err.Error(),
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"previous_version": prev.Version,
		"version":          next.Version,
		"loaded_at":        next.LoadedAt,
		"summary":          next.Summarize(),
	})
}

type auditPage struct {
	Data          []domain.AuditEvent `json:"data"`
	Total         int64               `json:"total"`
	NextPageToken string              `json:"next_page_token,omitempty"`
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, domain.ErrNotFound("audit persistence is not enabled"))
		return
	}
	q := r.URL.Query()
	maxResults, err := intParam(r, "max_results", domain.DefaultMaxResults, 1, domain.MaxMaxResults)
	if err != nil {
		writeError(w, err)
		return
	}
	filter := domain.AuditFilter{
		CallerID: q.Get("caller_id"),
		Status:   strings.ToUpper(q.Get("status")),
		Action:   strings.ToUpper(q.Get("action")),
		Page:     domain.PageRequest{MaxResults: maxResults, PageToken: q.Get("page_token")},
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, domain.ErrValidation("since must be RFC 3339, got %q", s))
			return
		}
		filter.Since = t
	}

	events, total, err := h.audit.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list audit events", "error", err)
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, auditPage{
		Data:          events,
		Total:         total,
		NextPageToken: domain.NextPageToken(filter.Page.Offset(), filter.Page.Limit(), total),
	})
}

// === helpers ===

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			return domain.ErrValidation("request body exceeds %d bytes", tooBig.Limit)
		case errors.Is(err, io.EOF):
			return domain.ErrValidation("request body is empty")
		}
		return domain.ErrValidation("invalid JSON body: %v", err)
	}
	if dec.More() {
		return domain.ErrValidation("request body must be a single JSON object")
	}
	return nil
}

func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, domain.ErrValidation("%s must be an integer in [%d, %d]", name, lo, hi)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// headers are gone; nothing left but the log
		slog.Default().Debug("write response", "error", fmt.Errorf("encode %T: %w", v, err))
	}
}
