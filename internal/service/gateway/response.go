package gateway

import (
	"bi-gateway/internal/domain"
)

// Status is the terminal state of a request as seen by the caller.
type Status string

// Statuses.
const (
	StatusCompleted          Status = "completed"
	StatusRejected           Status = "rejected"
	StatusFailed             Status = "failed"
	StatusNeedsClarification Status = "needs_clarification"
	// StatusValid is returned by the validate-only operations for approved
	// statements.
	StatusValid Status = "valid"
)

// QueryInput is an inbound question.
type QueryInput struct {
	RequestID string
	Question  string
	CallerID  string
	Role      string
	MaxRows   int
}

// SQLInput is caller-supplied SQL to validate without generation.
type SQLInput struct {
	RequestID string
	SQL       string
	CallerID  string
	Role      string
}

// Result is the executed answer to a question.
type Result struct {
	Data     []map[string]any `json:"data"`
	Columns  []string         `json:"columns"`
	RowCount int              `json:"row_count"`
	// ExecutionTime is in seconds.
	ExecutionTime   float64 `json:"execution_time"`
	SQLQuery        string  `json:"sql_query"`
	ConfidenceScore float64 `json:"confidence_score"`
	Truncated       bool    `json:"truncated"`
	CacheHit        bool    `json:"cache_hit"`
	AppliedLimit    int     `json:"applied_limit"`
}

// QueryResponse answers HandleQuery. Result and Explanation are set only
// for completed requests; Reason and Reasons only for the others.
type QueryResponse struct {
	RequestID              string              `json:"request_id"`
	Status                 Status              `json:"status"`
	Result                 *Result             `json:"result,omitempty"`
	Explanation            *domain.Explanation `json:"explanation,omitempty"`
	Warnings               []domain.Violation  `json:"warnings,omitempty"`
	Reason                 string              `json:"reason,omitempty"`
	Reasons                []string            `json:"reasons,omitempty"`
	Message                string              `json:"message,omitempty"`
	ClarificationQuestions []string            `json:"clarification_questions,omitempty"`
	PolicyVersion          string              `json:"policy_version"`
}

// ValidationResponse answers ValidateOnly and ValidateSQL.
type ValidationResponse struct {
	RequestID              string                   `json:"request_id"`
	Status                 Status                   `json:"status"`
	SQL                    string                   `json:"sql,omitempty"`
	Validation             *domain.ValidationResult `json:"validation,omitempty"`
	Confidence             float64                  `json:"confidence_score"`
	Explanation            *domain.Explanation      `json:"explanation,omitempty"`
	Reason                 string                   `json:"reason,omitempty"`
	Reasons                []string                 `json:"reasons,omitempty"`
	Message                string                   `json:"message,omitempty"`
	ClarificationQuestions []string                 `json:"clarification_questions,omitempty"`
	PolicyVersion          string                   `json:"policy_version"`
}
