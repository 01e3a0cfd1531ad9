package domain

import "time"

// ResultSet is what a Database returns for one query.
type ResultSet struct {
	Columns []string
	Rows    []map[string]any
	// More is true when the driver had rows left after the read cap.
	More bool
}

// ExecutionOutcome is produced at most once per approved request. Rows are
// shared between single-flight waiters and cache hits and must be treated
// as read-only.
type ExecutionOutcome struct {
	Rows          []map[string]any `json:"data"`
	Columns       []string         `json:"columns"`
	RowCount      int              `json:"row_count"`
	ExecutionTime time.Duration    `json:"execution_time"`
	Truncated     bool             `json:"truncated"`
	ExecutedSQL   string           `json:"sql_query"`
	AppliedLimit  int              `json:"applied_limit"`
	LimitInjected bool             `json:"limit_injected"`
	CacheHit      bool             `json:"cache_hit"`
	Attempts      int              `json:"attempts"`
}
