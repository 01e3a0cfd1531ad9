package policy

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"bi-gateway/internal/domain"
)

// Validator evaluates statements against a fixed rule set. It holds no
// mutable state and is safe for concurrent use.
type Validator struct {
	rules Rules

	keywords   map[string]bool
	functions  map[string]bool
	prefixes   []string
	schemas    map[string]bool
	sysPrefix  []string
	permitted  []string
	pii        map[string]map[string]string // table -> column -> classification
	roles      map[string]*Role
	limitsWarn WarningThresholds
}

// NewValidator compiles rules (after applying defaults) into a Validator.
func NewValidator(rules Rules) (*Validator, error) {
	rules = rules.WithDefaults()
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	v := &Validator{
		rules:      rules,
		keywords:   make(map[string]bool),
		functions:  make(map[string]bool),
		schemas:    make(map[string]bool),
		pii:        make(map[string]map[string]string),
		roles:      make(map[string]*Role),
		limitsWarn: rules.Warnings,
	}
	for _, k := range rules.ForbiddenKeywords {
		v.keywords[strings.ToUpper(k)] = true
	}
	for _, f := range rules.ForbiddenFunctions {
		v.functions[strings.ToLower(f)] = true
	}
	for _, p := range rules.ForbiddenFunctionPrefixes {
		v.prefixes = append(v.prefixes, strings.ToLower(p))
	}
	for _, s := range rules.SystemSchemas {
		v.schemas[strings.ToLower(s)] = true
	}
	for _, p := range rules.SystemTablePrefixes {
		v.sysPrefix = append(v.sysPrefix, strings.ToLower(p))
	}
	for _, t := range rules.PermittedTables {
		v.permitted = append(v.permitted, strings.ToLower(t))
	}
	for key, class := range rules.PIIColumns {
		table, col, _ := strings.Cut(strings.ToLower(key), ".")
		if v.pii[table] == nil {
			v.pii[table] = make(map[string]string)
		}
		v.pii[table][col] = class
	}
	for name, spec := range rules.Roles {
		role := &Role{
			Name:          strings.ToLower(name),
			AllowedTables: lowerAll(spec.Tables),
			DeniedTables:  lowerAll(spec.DenyTables),
			PIIClearance:  lowerAll(spec.PII),
		}
		if spec.Tables == nil {
			role.AllowedTables = v.permittedOrAll()
		}
		v.roles[role.Name] = role
	}
	return v, nil
}

// Rules returns the defaulted rules the validator was built from.
func (v *Validator) Rules() Rules { return v.rules }

// Role returns the named role. Unknown roles get the globally permitted
// tables and no PII clearance.
func (v *Validator) Role(name string) *Role {
	name = strings.ToLower(strings.TrimSpace(name))
	if r, ok := v.roles[name]; ok {
		return r
	}
	return &Role{Name: name, AllowedTables: v.permittedOrAll()}
}

func (v *Validator) permittedOrAll() []string {
	if len(v.permitted) == 0 {
		return []string{"*"}
	}
	return v.permitted
}

// Validate runs every rule and collects all violations. The result depends
// only on stmt, role and the rule set.
func (v *Validator) Validate(stmt *domain.Statement, roleName string) *domain.ValidationResult {
	res := &domain.ValidationResult{Decision: domain.DecisionApproved, Violations: []domain.Violation{}}
	role := v.Role(roleName)

	v.checkOperations(stmt, res)
	if stmt.Kind == domain.KindSelect {
		v.checkFunctions(stmt, res)
		v.checkTables(stmt, role, res)
		v.checkPII(stmt, role, res)
		v.checkCost(stmt, res)
		v.checkStyle(stmt, res)
	}

	if len(res.Blocking()) > 0 {
		res.Decision = domain.DecisionRejected
	}
	return res
}

// Unparsable is the automatic rejection for statements the analyzer could
// not read.
func Unparsable(err error) *domain.ValidationResult {
	msg := "statement could not be analyzed"
	var ae *domain.AnalysisError
	if errors.As(err, &ae) {
		msg = ae.Error()
	}
	return &domain.ValidationResult{
		Decision: domain.DecisionRejected,
		Violations: []domain.Violation{{
			RuleID:   domain.ReasonUnparsable,
			Severity: domain.SeverityBlocking,
			Message:  msg,
		}},
	}
}

func (v *Validator) checkOperations(stmt *domain.Statement, res *domain.ValidationResult) {
	if stmt.Kind != domain.KindSelect {
		block(res, "disallowed_operation:"+stmt.Keyword,
			fmt.Sprintf("only SELECT statements are allowed, got %s", stmt.Keyword))
		return
	}
	for _, kw := range stmt.OperationKeywords {
		if v.keywords[kw] {
			block(res, "disallowed_operation:"+kw, fmt.Sprintf("keyword %s is not allowed", kw))
		}
	}
	if stmt.MultiStatement {
		block(res, "multiple_statements", "only a single statement is allowed")
	}
}

func (v *Validator) checkFunctions(stmt *domain.Statement, res *domain.ValidationResult) {
	for _, fn := range stmt.Functions {
		if v.forbiddenFunction(fn) {
			block(res, "disallowed_function:"+fn, fmt.Sprintf("function %s is not allowed", fn))
		}
	}
}

func (v *Validator) forbiddenFunction(fn string) bool {
	candidates := []string{fn}
	if i := strings.LastIndexByte(fn, '.'); i >= 0 && !strings.HasPrefix(fn, "read_file:") {
		candidates = append(candidates, fn[i+1:])
	}
	for _, c := range candidates {
		if v.functions[c] {
			return true
		}
		for _, p := range v.prefixes {
			if strings.HasPrefix(c, p) {
				return true
			}
		}
	}
	return false
}

func (v *Validator) checkTables(stmt *domain.Statement, role *Role, res *domain.ValidationResult) {
	for _, t := range stmt.Tables {
		if v.systemTable(t) {
			block(res, "system_catalog:"+t.Name, fmt.Sprintf("system catalog %s may not be queried", t.Name))
			continue
		}
		if !role.CanAccess(t.Name) {
			block(res, "table_not_permitted:"+t.Name,
				fmt.Sprintf("role %q may not read table %s", role.Name, t.Name))
		}
	}
}

func (v *Validator) systemTable(t domain.TableRef) bool {
	if parts := strings.Split(t.Name, "."); len(parts) > 1 {
		for _, p := range parts[:len(parts)-1] {
			if v.schemas[p] {
				return true
			}
		}
	}
	if v.schemas[t.Name] {
		return true
	}
	short := t.ShortName()
	for _, p := range v.sysPrefix {
		if strings.HasPrefix(short, p) {
			return true
		}
	}
	return false
}

// checkPII flags every referenced PII column the role is not cleared for.
// Unqualified columns in multi-table queries and wildcard projections are
// checked against every table they could come from.
func (v *Validator) checkPII(stmt *domain.Statement, role *Role, res *domain.ValidationResult) {
	found := map[string]bool{}
	flag := func(table, col string) {
		key := table + "." + col
		if found[key] || role.Cleared(table, col) {
			return
		}
		found[key] = true
	}

	tables := stmt.TableNames()
	for t := range stmt.Columns {
		if !slices.Contains(tables, t) {
			tables = append(tables, t)
		}
	}
	sort.Strings(tables)

	// A bare * or a star on a derived table or CTE may expose any table.
	wildAll := stmt.HasWildcard && len(stmt.WildcardTables) == 0
	for _, w := range stmt.WildcardTables {
		if !slices.Contains(tables, w) {
			wildAll = true
		}
	}
	for _, t := range tables {
		pt, cols := v.piiFor(t)
		if cols == nil {
			continue
		}
		for _, c := range stmt.Columns[t] {
			if _, ok := cols[c]; ok {
				flag(pt, c)
			}
		}
		for _, c := range stmt.Unqualified {
			if _, ok := cols[c]; ok {
				flag(pt, c)
			}
		}
		if wildAll || slices.Contains(stmt.WildcardTables, t) {
			for c := range cols {
				flag(pt, c)
			}
		}
	}

	keys := make([]string, 0, len(found))
	for k := range found {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		table, col, _ := strings.Cut(k, ".")
		block(res, "pii_access:"+k, fmt.Sprintf("column %s is classified %s and role %q is not cleared",
			k, v.pii[table][col], role.Name))
	}
	res.PIIColumns = keys
}

// piiFor returns the configured PII table name and its columns for a
// referenced table, matching on the full or short name.
func (v *Validator) piiFor(table string) (string, map[string]string) {
	if cols, ok := v.pii[table]; ok {
		return table, cols
	}
	if i := strings.LastIndexByte(table, '.'); i >= 0 {
		short := table[i+1:]
		if cols, ok := v.pii[short]; ok {
			return short, cols
		}
	}
	return "", nil
}

func (v *Validator) checkCost(stmt *domain.Statement, res *domain.ValidationResult) {
	res.CostScore = Cost(stmt, v.rules.Cost)
	if res.CostScore > v.rules.Cost.Ceiling {
		block(res, "cost_exceeded", fmt.Sprintf("estimated cost %d exceeds ceiling %d", res.CostScore, v.rules.Cost.Ceiling))
	}
}

func (v *Validator) checkStyle(stmt *domain.Statement, res *domain.ValidationResult) {
	if stmt.HasWildcard {
		warn(res, "wildcard_select", "SELECT * returns every column; list the columns needed")
	}
	if l := stmt.Limit; l != nil {
		switch {
		case !l.Numeric:
			warn(res, "non_numeric_limit", "LIMIT is not a plain number and will be bounded by an outer query")
		case l.Value > v.limitsWarn.LargeLimit:
			warn(res, "large_limit", fmt.Sprintf("LIMIT %d is above %d", l.Value, v.limitsWarn.LargeLimit))
		}
	}
	if stmt.JoinCount >= v.limitsWarn.ManyJoins && res.CostScore <= v.rules.Cost.Ceiling {
		warn(res, "many_joins", fmt.Sprintf("%d joins", stmt.JoinCount))
	}
	if stmt.OrderByPositional {
		warn(res, "positional_order_by", "ORDER BY uses column positions")
	}
}

// Cost computes the heuristic cost score of a statement.
func Cost(stmt *domain.Statement, w CostWeights) int {
	score := w.Base + w.Join*stmt.JoinCount + w.Subquery*stmt.Subqueries +
		w.Window*stmt.Windows + w.UnboundedRange*stmt.UnboundedRanges
	if stmt.HasGroupBy {
		score += w.GroupBy
	}
	if stmt.HasOrderBy {
		score += w.OrderBy
	}
	if stmt.RangeDays > 0 {
		score += w.RangeMonth * ((stmt.RangeDays + 29) / 30)
	}
	return score
}

func block(res *domain.ValidationResult, id, msg string) {
	res.Violations = append(res.Violations, domain.Violation{RuleID: id, Severity: domain.SeverityBlocking, Message: msg})
}

func warn(res *domain.ValidationResult, id, msg string) {
	res.Violations = append(res.Violations, domain.Violation{RuleID: id, Severity: domain.SeverityWarning, Message: msg})
}

func lowerAll(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

// UnclearedColumns returns the PII column names of the given tables that the
// role may not see.
func (v *Validator) UnclearedColumns(tables []string, roleName string) map[string]bool {
	role := v.Role(roleName)
	out := map[string]bool{}
	for _, t := range tables {
		pt, cols := v.piiFor(t)
		for c := range cols {
			if !role.Cleared(pt, c) {
				out[c] = true
			}
		}
	}
	return out
}
