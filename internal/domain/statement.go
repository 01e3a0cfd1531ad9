package domain

import (
	"slices"
	"strings"
)

// StatementKind is the closed set of structural classifications.
type StatementKind string

// Statement kinds. Anything that is not a plain (optionally CTE-prefixed)
// SELECT is disallowed.
const (
	KindSelect     StatementKind = "select"
	KindDisallowed StatementKind = "disallowed"
)

// TableRef is a table referenced in FROM or JOIN, possibly schema-qualified.
type TableRef struct {
	Name  string // lowercased, dotted when qualified (e.g. "analytics.sales")
	Alias string
}

// ShortName returns the final segment of a qualified table name.
func (t TableRef) ShortName() string {
	if i := strings.LastIndexByte(t.Name, '.'); i >= 0 {
		return t.Name[i+1:]
	}
	return t.Name
}

// Schema returns the leading segment of a qualified name, or "".
func (t TableRef) Schema() string {
	if i := strings.IndexByte(t.Name, '.'); i >= 0 {
		return t.Name[:i]
	}
	return ""
}

// LimitClause is a trailing top-level LIMIT. Start/End are byte offsets of the
// count token in the raw SQL; Numeric is false for LIMIT ALL or expressions.
type LimitClause struct {
	Value   int64
	Numeric bool
	Start   int
	End     int
}

// DateBound describes which side of a range a date predicate constrains.
type DateBound string

// Date bounds.
const (
	BoundLower DateBound = "lower"
	BoundUpper DateBound = "upper"
	BoundBoth  DateBound = "both"
	BoundEqual DateBound = "equal"
)

// DateFilter is a predicate comparing a column against a date or interval literal.
type DateFilter struct {
	Column   string
	Operator string
	Value    string
	Bound    DateBound
	Relative bool // compares against current_date, now(), or an interval
}

// Statement is the structural form of a SQL string produced by the analyzer.
// It is created once per request and never mutated afterwards.
type Statement struct {
	Raw     string
	Kind    StatementKind
	Keyword string // leading keyword, uppercased

	Tables         []TableRef
	Columns        map[string][]string // resolved table name -> columns
	Unqualified    []string            // columns not attributable to one table
	Functions      []string            // lowercased function names, qualified when written so
	SelectAliases  []string
	CTEs           []string
	WildcardTables []string // tables named in t.* projections, "" for a bare *

	OperationKeywords []string // statement verbs found anywhere, uppercased
	MultiStatement    bool
	SetOperation      bool

	JoinCount         int
	Subqueries        int
	Windows           int
	HasGroupBy        bool
	HasOrderBy        bool
	OrderByPositional bool
	HasWildcard       bool
	HasCTE            bool

	Limit       *LimitClause
	DateFilters []DateFilter
	// UnboundedRanges counts date columns constrained on only one side by an
	// absolute literal.
	UnboundedRanges int
	// RangeDays is the widest literal date range found, in days.
	RangeDays int
	Filters   []string

	// BodyEnd is the byte offset just past the last significant token,
	// excluding trailing semicolons and comments.
	BodyEnd int
}

// TableNames returns the referenced table names in order.
func (s *Statement) TableNames() []string {
	out := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		out = append(out, t.Name)
	}
	return out
}

// ReferencesTable reports whether the statement reads from the named table,
// matching either the full or short name.
func (s *Statement) ReferencesTable(name string) bool {
	name = strings.ToLower(name)
	return slices.ContainsFunc(s.Tables, func(t TableRef) bool {
		return t.Name == name || t.ShortName() == name
	})
}

// HasDateFilter reports whether any date/interval predicate was found.
func (s *Statement) HasDateFilter() bool { return len(s.DateFilters) > 0 }

// Body returns the raw SQL without trailing semicolons and comments.
func (s *Statement) Body() string {
	if s.BodyEnd <= 0 || s.BodyEnd > len(s.Raw) {
		return strings.TrimSpace(s.Raw)
	}
	return s.Raw[:s.BodyEnd]
}
