package domain

// Explanation describes how a question was answered.
type Explanation struct {
	TablesUsed     []string `json:"tables_used"`
	FiltersApplied []string `json:"filters_applied"`
	Assumptions    []string `json:"assumptions"`
	Formulas       []string `json:"formulas"`
	BusinessTerms  []string `json:"business_terms"`
}

// GlossaryEntry maps a business term to a SQL fragment.
type GlossaryEntry struct {
	Term           string   `json:"term"`
	Fragment       string   `json:"fragment"`
	Category       string   `json:"category,omitempty"`
	Synonyms       []string `json:"synonyms,omitempty"`
	Description    string   `json:"description,omitempty"`
	RequiredTables []string `json:"required_tables,omitempty"`
	DefaultGrain   string   `json:"default_grain,omitempty"`
	Owner          string   `json:"owner,omitempty"`
}

// TableSchema describes a table for the generation context.
type TableSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Columns     []ColumnSchema `json:"columns"`
}

// ColumnSchema describes one column.
type ColumnSchema struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	PII         bool   `json:"pii,omitempty"`
}
