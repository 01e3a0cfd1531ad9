// Package explain scores how far a generated answer can be trusted and
// describes the choices that went into it.
package explain

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"bi-gateway/internal/domain"
	"bi-gateway/internal/glossary"
)

// Weights are the confidence baseline and per-finding penalties.
type Weights struct {
	Baseline          float64 `yaml:"baseline"`
	UnmatchedTerm     float64 `yaml:"unmatched_term"`
	Warning           float64 `yaml:"warning"`
	Wildcard          float64 `yaml:"wildcard"`
	MissingTimeFilter float64 `yaml:"missing_time_filter"`
}

// DefaultWeights is used when no confidence section is configured.
var DefaultWeights = Weights{
	Baseline:          1.0,
	UnmatchedTerm:     0.1,
	Warning:           0.05,
	Wildcard:          0.1,
	MissingTimeFilter: 0.2,
}

// WithDefaults returns DefaultWeights when w is the zero value.
func (w Weights) WithDefaults() Weights {
	if w == (Weights{}) {
		return DefaultWeights
	}
	return w
}

// Validate checks that the baseline is a probability and penalties are not
// negative.
func (w Weights) Validate() error {
	if w.Baseline <= 0 || w.Baseline > 1 {
		return domain.ErrConfig("confidence", "confidence.baseline", "must be in (0, 1]")
	}
	for field, v := range map[string]float64{
		"unmatched_term": w.UnmatchedTerm, "warning": w.Warning,
		"wildcard": w.Wildcard, "missing_time_filter": w.MissingTimeFilter,
	} {
		if v < 0 {
			return domain.ErrConfig("confidence", "confidence."+field, "must not be negative")
		}
	}
	return nil
}

// Input is everything the builder looks at. Session and Outcome may be nil:
// validate-only requests have no outcome and raw SQL has no session.
type Input struct {
	Question   string
	Statement  *domain.Statement
	Validation *domain.ValidationResult
	Session    *glossary.Session
	Outcome    *domain.ExecutionOutcome
}

// timeWords catches questions that ask about a period without naming a
// glossary time term.
var timeWords = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(today|yesterday|tomorrow|days?|daily|weeks?|weekly|months?|monthly|quarters?|quarterly|years?|yearly|annual|ytd|mtd|qtd|since|last|recent|trend|period)\b`),
	// \b is ASCII-only in RE2, so Cyrillic stems match as substrings
	regexp.MustCompile(`(?i)(сегодня|вчера|дн[яе]|недел|месяц|квартал|год|период|последн)`),
}

// ImpliesTime reports whether the question asks about a time period.
func ImpliesTime(question string, s *glossary.Session) bool {
	if s != nil && s.MatchedCategory("time") {
		return true
	}
	for _, re := range timeWords {
		if re.MatchString(question) {
			return true
		}
	}
	return false
}

// Build returns the confidence score in [0, 1] and the explanation. It is a
// pure function of its input.
func Build(in Input, w Weights) (float64, domain.Explanation) {
	w = w.WithDefaults()
	exp := domain.Explanation{
		TablesUsed:     []string{},
		FiltersApplied: []string{},
		Assumptions:    []string{},
		Formulas:       []string{},
		BusinessTerms:  []string{},
	}
	score := w.Baseline

	if in.Session != nil {
		exp.BusinessTerms = append(exp.BusinessTerms, in.Session.BusinessTerms()...)
		for _, e := range in.Session.Matched() {
			if e.Fragment != "" && e.Fragment != e.Term {
				exp.Formulas = append(exp.Formulas, e.Term+" = "+e.Fragment)
			}
		}
		for _, term := range in.Session.Unmatched() {
			exp.Assumptions = append(exp.Assumptions,
				fmt.Sprintf("%q is not a known business term and was used as written", term))
			score -= w.UnmatchedTerm
		}
	}

	stmt := in.Statement
	if stmt != nil {
		exp.TablesUsed = append(exp.TablesUsed, stmt.TableNames()...)
		exp.FiltersApplied = append(exp.FiltersApplied, stmt.Filters...)
		if stmt.HasWildcard {
			score -= w.Wildcard
		}
		if hasRelativeDate(stmt) {
			exp.Assumptions = append(exp.Assumptions, "the current date was used for relative time filters")
		}
		if !stmt.HasDateFilter() && ImpliesTime(in.Question, in.Session) {
			exp.Assumptions = append(exp.Assumptions, "the question mentions a time period but no date filter was applied; all history is included")
			score -= w.MissingTimeFilter
		}
	}

	if in.Validation != nil {
		for _, v := range in.Validation.Warnings() {
			// already penalized as a wildcard
			if v.RuleID == "wildcard_select" {
				continue
			}
			score -= w.Warning
		}
	}

	if o := in.Outcome; o != nil {
		switch {
		case o.LimitInjected && stmt != nil && stmt.Limit != nil && !stmt.Limit.Numeric:
			exp.Assumptions = append(exp.Assumptions, fmt.Sprintf("the result was bounded to %d rows", o.AppliedLimit))
		case o.LimitInjected:
			exp.Assumptions = append(exp.Assumptions, fmt.Sprintf("a row limit of %d was added", o.AppliedLimit))
		case o.Truncated && stmt != nil && stmt.Limit != nil:
			exp.Assumptions = append(exp.Assumptions,
				fmt.Sprintf("the row limit was lowered from %d to %d", stmt.Limit.Value, o.AppliedLimit))
		}
	}

	return clamp(score), exp
}

func hasRelativeDate(stmt *domain.Statement) bool {
	for _, f := range stmt.DateFilters {
		if f.Relative {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	v = math.Max(0, math.Min(1, v))
	return math.Round(v*100) / 100
}

// Summary renders an explanation as short lines for the CLI.
func Summary(e domain.Explanation) string {
	var b strings.Builder
	line := func(label string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s: %s\n", label, strings.Join(items, "; "))
	}
	line("tables", e.TablesUsed)
	line("filters", e.FiltersApplied)
	line("terms", e.BusinessTerms)
	line("formulas", e.Formulas)
	line("assumptions", e.Assumptions)
	return b.String()
}
