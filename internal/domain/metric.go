package domain

import "time"

// OutcomeClass is the terminal classification of a request.
type OutcomeClass string

// Outcome classes recorded by the metrics aggregator.
const (
	OutcomeSuccess          OutcomeClass = "success"
	OutcomeRejected         OutcomeClass = "rejected"
	OutcomeUnparsable       OutcomeClass = "unparsable"
	OutcomeGenerationFailed OutcomeClass = "generation_failed"
	OutcomeClarification    OutcomeClass = "needs_clarification"
	OutcomeTimeout          OutcomeClass = "timeout"
	OutcomeExecutionFailed  OutcomeClass = "execution_failed"
)

// MetricEvent is an append-only record of one request outcome. Corrections
// are made by recording a new event whose Supersedes names the class being
// replaced.
type MetricEvent struct {
	RequestID         string        `json:"request_id"`
	Outcome           OutcomeClass  `json:"outcome"`
	Latency           time.Duration `json:"latency"`
	CallerID          string        `json:"caller_id"`
	Role              string        `json:"role,omitempty"`
	Timestamp         time.Time     `json:"timestamp"`
	PIIColumns        []string      `json:"pii_columns,omitempty"`
	SecurityViolation bool          `json:"security_violation"`
	Reasons           []string      `json:"reasons,omitempty"`
	Confidence        float64       `json:"confidence"`
	RowCount          int           `json:"row_count"`
	CacheHit          bool          `json:"cache_hit"`
	Question          string        `json:"question,omitempty"`
	Supersedes        OutcomeClass  `json:"supersedes,omitempty"`
}

// SecurityIncident reports whether the event concerns PII exposure.
func (e MetricEvent) SecurityIncident() bool { return len(e.PIIColumns) > 0 }
