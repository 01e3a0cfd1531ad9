package domain

import "strings"

// Decision is the outcome of policy validation.
type Decision string

// Decisions.
const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Severity of a single violation.
type Severity string

// Severities. Only blocking violations cause rejection.
const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
)

// Violation is one rule finding. RuleID is a stable machine-readable code such
// as "pii_access:sales.customer_id".
type Violation struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// ValidationResult is produced exactly once per statement.
type ValidationResult struct {
	Decision   Decision    `json:"decision"`
	Violations []Violation `json:"violations"`
	PIIColumns []string    `json:"pii_columns,omitempty"` // referenced PII the role is not cleared for
	CostScore  int         `json:"cost_score"`
}

// Approved reports whether the statement may execute.
func (r *ValidationResult) Approved() bool { return r.Decision == DecisionApproved }

// Blocking returns the blocking violations in rule order.
func (r *ValidationResult) Blocking() []Violation {
	return r.filter(SeverityBlocking)
}

// Warnings returns the warning violations in rule order.
func (r *ValidationResult) Warnings() []Violation {
	return r.filter(SeverityWarning)
}

// Reasons returns the rule IDs of all blocking violations.
func (r *ValidationResult) Reasons() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Blocking() {
		out = append(out, v.RuleID)
	}
	return out
}

// SecurityRelevant reports whether any blocking violation concerns data
// exposure or destructive intent rather than cost.
func (r *ValidationResult) SecurityRelevant() bool {
	for _, v := range r.Blocking() {
		switch {
		case strings.HasPrefix(v.RuleID, "pii_access:"),
			strings.HasPrefix(v.RuleID, "disallowed_operation:"),
			strings.HasPrefix(v.RuleID, "disallowed_function:"),
			strings.HasPrefix(v.RuleID, "system_catalog:"),
			strings.HasPrefix(v.RuleID, "table_not_permitted:"),
			v.RuleID == "multiple_statements":
			return true
		}
	}
	return false
}

// Err returns a PolicyViolationError for rejected results, nil otherwise.
func (r *ValidationResult) Err() error {
	if r.Approved() {
		return nil
	}
	return &PolicyViolationError{Violations: r.Blocking()}
}

func (r *ValidationResult) filter(sev Severity) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == sev {
			out = append(out, v)
		}
	}
	return out
}
