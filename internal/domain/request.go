package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// QueryRequest is one natural-language question submitted by a caller.
// It is immutable once created.
type QueryRequest struct {
	ID          string
	Question    string
	CallerID    string
	Role        string
	MaxRows     int
	SubmittedAt time.Time
}

// NewQueryRequest validates input and assigns a fresh request ID.
// A non-empty id (for example an upstream X-Request-ID) is kept as-is.
func NewQueryRequest(id, question, callerID, role string, maxRows int, now time.Time) (*QueryRequest, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrValidation("question is required")
	}
	if strings.TrimSpace(callerID) == "" {
		return nil, ErrValidation("caller id is required")
	}
	if maxRows < 0 {
		return nil, ErrValidation("max_rows must not be negative")
	}
	if id == "" {
		id = uuid.NewString()
	}
	return &QueryRequest{
		ID:          id,
		Question:    question,
		CallerID:    callerID,
		Role:        strings.TrimSpace(role),
		MaxRows:     maxRows,
		SubmittedAt: now,
	}, nil
}
