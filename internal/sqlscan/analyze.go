package sqlscan

import (
	"slices"
	"strconv"
	"strings"

	"bi-gateway/internal/domain"
)

type clause int

const (
	clauseNone clause = iota
	clauseSelect
	clauseFrom
	clauseOn
	clauseWhere
	clauseGroupBy
	clauseHaving
	clauseQualify
	clauseWindow
	clauseOrderBy
	clauseLimit
)

func (c clause) filters() bool {
	return c == clauseWhere || c == clauseHaving || c == clauseOn || c == clauseQualify
}

// scope is one parenthesised level. Query scopes hold a SELECT; expression
// scopes hold function arguments, IN lists, window specs and the like.
type scope struct {
	query       bool
	clause      clause
	expectTable bool
	fn          string // owning function for expression scopes
	args        int    // tokens seen inside an expression scope

	predStart      int // token index where the current predicate began, -1 if none
	betweenPending bool
}

type colRef struct {
	qualifier string
	column    string
	clause    clause
}

type analyzer struct {
	raw  string
	toks []Token
	stmt *domain.Statement

	scopes      []*scope
	clauseAt    []clause
	aliases     map[string]string // alias -> table name ("" for derived tables)
	ctes        map[string]bool
	refs        []colRef
	selectAlias map[string]bool
}

// Analyze classifies raw SQL and extracts its structural features. The
// returned error is always a *domain.AnalysisError.
func Analyze(raw string) (*domain.Statement, error) {
	toks := Tokenize(raw)
	if n := len(toks); n > 0 && toks[n-1].Type == TOKEN_ILLEGAL {
		return nil, domain.ErrMalformed(toks[n-1].Pos, "%s", toks[n-1].Literal)
	}

	stmt := &domain.Statement{Raw: raw, Columns: map[string][]string{}}

	// Trailing semicolons end the statement; anything after an inner
	// semicolon is a second statement.
	last := len(toks) - 1
	for last >= 0 && toks[last].Type == TOKEN_SEMICOLON {
		last--
	}
	if last < 0 {
		return nil, domain.ErrMalformed(0, "empty statement")
	}
	toks = toks[:last+1]
	stmt.BodyEnd = toks[last].End
	for _, t := range toks {
		if t.Type == TOKEN_SEMICOLON {
			stmt.MultiStatement = true
			break
		}
	}

	first := 0
	for first < len(toks) && toks[first].Type == TOKEN_LPAREN {
		first++
	}
	if first == len(toks) || !toks[first].IsWord() || toks[first].Type == TOKEN_QIDENT {
		pos := 0
		if first < len(toks) {
			pos = toks[first].Pos
		}
		return nil, domain.ErrMalformed(pos, "statement must begin with a keyword")
	}

	stmt.Keyword = strings.ToUpper(toks[first].Literal)
	switch toks[first].Type {
	case TOKEN_SELECT:
		stmt.Kind = domain.KindSelect
	case TOKEN_WITH:
		verb, err := mainVerbAfterCTEs(toks, first)
		if err != nil {
			return nil, err
		}
		stmt.HasCTE = true
		if verb.Type != TOKEN_SELECT {
			stmt.Kind = domain.KindDisallowed
			stmt.Keyword = strings.ToUpper(verb.Literal)
			return stmt, nil
		}
		stmt.Kind = domain.KindSelect
	default:
		stmt.Kind = domain.KindDisallowed
		return stmt, nil
	}

	a := &analyzer{
		raw:         raw,
		toks:        toks,
		stmt:        stmt,
		clauseAt:    make([]clause, len(toks)),
		aliases:     map[string]string{},
		ctes:        map[string]bool{},
		selectAlias: map[string]bool{},
	}
	if err := a.walk(); err != nil {
		return nil, err
	}
	a.resolveColumns()
	a.collectDateFilters()
	return stmt, nil
}

// mainVerbAfterCTEs skips "WITH [RECURSIVE] name [(cols)] AS [NOT] [MATERIALIZED] (...) [, ...]"
// and returns the token that starts the main statement.
func mainVerbAfterCTEs(toks []Token, i int) (Token, error) {
	i++ // WITH
	if i < len(toks) && toks[i].Type == TOKEN_RECURSIVE {
		i++
	}
	for {
		if i >= len(toks) || !toks[i].IsWord() {
			return Token{}, malformedAt(toks, i, "expected common table expression name")
		}
		i++
		if i < len(toks) && toks[i].Type == TOKEN_LPAREN {
			j, err := skipParens(toks, i)
			if err != nil {
				return Token{}, err
			}
			i = j
		}
		if i >= len(toks) || toks[i].Type != TOKEN_AS {
			return Token{}, malformedAt(toks, i, "expected AS in common table expression")
		}
		i++
		for i < len(toks) && (toks[i].Type == TOKEN_NOT || strings.EqualFold(toks[i].Literal, "materialized")) {
			i++
		}
		if i >= len(toks) || toks[i].Type != TOKEN_LPAREN {
			return Token{}, malformedAt(toks, i, "expected ( after AS")
		}
		j, err := skipParens(toks, i)
		if err != nil {
			return Token{}, err
		}
		i = j
		if i < len(toks) && toks[i].Type == TOKEN_COMMA {
			i++
			continue
		}
		break
	}
	for i < len(toks) && toks[i].Type == TOKEN_LPAREN {
		i++
	}
	if i >= len(toks) {
		return Token{}, malformedAt(toks, i, "missing statement after WITH")
	}
	return toks[i], nil
}

// skipParens returns the index just past the parenthesis matching toks[i].
func skipParens(toks []Token, i int) (int, error) {
	depth := 0
	for j := i; j < len(toks); j++ {
		switch toks[j].Type {
		case TOKEN_LPAREN:
			depth++
		case TOKEN_RPAREN:
			depth--
			if depth == 0 {
				return j + 1, nil
			}
		}
	}
	return 0, malformedAt(toks, i, "unbalanced parentheses")
}

func malformedAt(toks []Token, i int, msg string) error {
	pos := 0
	switch {
	case i < len(toks):
		pos = toks[i].Pos
	case len(toks) > 0:
		pos = toks[len(toks)-1].End
	}
	return domain.ErrMalformed(pos, "%s", msg)
}

func (a *analyzer) cur() *scope { return a.scopes[len(a.scopes)-1] }

func (a *analyzer) tok(i int) Token {
	if i < 0 || i >= len(a.toks) {
		return Token{Type: TOKEN_EOF}
	}
	return a.toks[i]
}

// walk is the single pass over the token stream.
func (a *analyzer) walk() error {
	a.scopes = []*scope{{query: true, predStart: -1}}
	s := a.stmt

	for i := 0; i < len(a.toks); i++ {
		t := a.toks[i]
		sc := a.cur()
		a.clauseAt[i] = sc.clause
		if !sc.query {
			sc.args++
		}

		switch t.Type {
		case TOKEN_LPAREN:
			a.openParen(i)
			continue
		case TOKEN_RPAREN:
			if len(a.scopes) == 1 {
				return domain.ErrMalformed(t.Pos, "unbalanced parentheses")
			}
			a.flushPredicate(sc, i-1)
			a.scopes = a.scopes[:len(a.scopes)-1]
			continue
		case TOKEN_SEMICOLON:
			// Later statements are scanned for verbs only.
			a.scopes = []*scope{{query: true, predStart: -1}}
			continue
		case TOKEN_VERB:
			if a.isVerbUse(i) {
				s.OperationKeywords = appendUnique(s.OperationKeywords, strings.ToUpper(t.Literal))
				continue
			}
		case TOKEN_INTO:
			if sc.query && sc.clause == clauseSelect {
				s.OperationKeywords = appendUnique(s.OperationKeywords, "INTO")
			}
			continue
		case TOKEN_OVER:
			s.Windows++
			continue
		}

		if sc.query {
			handled, err := a.clauseKeyword(i)
			if err != nil {
				return err
			}
			if handled {
				continue
			}
		}

		switch {
		case t.Type == TOKEN_STAR:
			prev := a.tok(i - 1).Type
			switch {
			case sc.query && sc.clause == clauseSelect:
				switch prev {
				case TOKEN_SELECT, TOKEN_DISTINCT, TOKEN_ALL, TOKEN_COMMA:
					s.HasWildcard = true
					s.WildcardTables = appendUnique(s.WildcardTables, "")
				}
			case !sc.query && sc.fn != "count" && (prev == TOKEN_LPAREN || prev == TOKEN_COMMA):
				// A star argument expands to every column: COLUMNS(*), struct_pack(*).
				s.HasWildcard = true
				s.WildcardTables = appendUnique(s.WildcardTables, "")
			}
		case t.Type == TOKEN_NUMBER:
			if sc.query && sc.clause == clauseOrderBy {
				if p := a.tok(i - 1).Type; p == TOKEN_BY || p == TOKEN_COMMA {
					s.OrderByPositional = true
				}
			}
		case t.Type == TOKEN_STRING:
			if sc.query && sc.clause == clauseFrom && sc.expectTable {
				// DuckDB reads files named as string literals in FROM.
				s.Functions = appendUnique(s.Functions, "read_file:"+t.Literal)
				sc.expectTable = false
			}
		case t.Type == TOKEN_COMMA:
			if sc.query && (sc.clause == clauseFrom || sc.clause == clauseOn) {
				sc.clause = clauseFrom
				sc.expectTable = true
				s.JoinCount++
			}
		case t.Type == TOKEN_AND:
			if sc.query && (sc.clause == clauseWhere || sc.clause == clauseHaving) {
				if sc.betweenPending {
					sc.betweenPending = false
				} else {
					a.flushPredicate(sc, i-1)
					sc.predStart = i + 1
				}
			}
		case t.Type == TOKEN_BETWEEN:
			sc.betweenPending = true
		case t.IsWord():
			i = a.word(i)
		}
	}

	if len(a.scopes) != 1 {
		return domain.ErrMalformed(a.toks[len(a.toks)-1].End, "unbalanced parentheses")
	}
	a.flushPredicate(a.cur(), len(a.toks)-1)
	return nil
}

// openParen pushes the scope for the parenthesis at toks[i].
func (a *analyzer) openParen(i int) {
	sc := a.cur()
	next := a.tok(i + 1).Type
	prev := a.tok(i - 1)

	if next == TOKEN_SELECT || next == TOKEN_WITH || (next == TOKEN_VERB && strings.EqualFold(a.tok(i+1).Literal, "values")) {
		// CTE bodies are "name AS (", everything else is a subquery.
		if prev.Type != TOKEN_AS {
			a.stmt.Subqueries++
		}
		if sc.query && sc.clause == clauseFrom {
			sc.expectTable = false
		}
		a.scopes = append(a.scopes, &scope{query: true, predStart: -1})
		return
	}
	if sc.query && sc.clause == clauseFrom && sc.expectTable {
		// Parenthesised join tree.
		a.scopes = append(a.scopes, &scope{query: true, clause: clauseFrom, expectTable: true, predStart: -1})
		return
	}
	fn := ""
	if prev.IsWord() {
		fn = strings.ToLower(prev.Literal)
	}
	a.scopes = append(a.scopes, &scope{clause: sc.clause, fn: fn, predStart: -1})
}

// clauseKeyword handles keywords that switch the clause of a query scope.
func (a *analyzer) clauseKeyword(i int) (bool, error) {
	t := a.toks[i]
	sc := a.cur()
	s := a.stmt
	next := a.tok(i + 1)

	switch t.Type {
	case TOKEN_SELECT:
		a.setClause(sc, clauseSelect, i)
		switch next.Type {
		case TOKEN_FROM, TOKEN_EOF, TOKEN_RPAREN, TOKEN_SEMICOLON:
			return true, domain.ErrMalformed(t.End, "empty select list")
		}
	case TOKEN_FROM:
		a.setClause(sc, clauseFrom, i)
		sc.expectTable = true
		if err := a.requireFromItem(i); err != nil {
			return true, err
		}
	case TOKEN_JOIN:
		a.setClause(sc, clauseFrom, i)
		sc.expectTable = true
		s.JoinCount++
		if err := a.requireFromItem(i); err != nil {
			return true, err
		}
	case TOKEN_LEFT, TOKEN_RIGHT:
		if next.Type == TOKEN_LPAREN {
			return false, nil // left(str, n)
		}
	case TOKEN_INNER, TOKEN_OUTER, TOKEN_FULL, TOKEN_CROSS, TOKEN_NATURAL,
		TOKEN_ANTI, TOKEN_SEMI, TOKEN_ASOF, TOKEN_POSITIONAL, TOKEN_LATERAL:
	case TOKEN_ON, TOKEN_USING:
		if sc.clause == clauseFrom {
			a.setClause(sc, clauseOn, i)
		}
	case TOKEN_WHERE:
		a.setClause(sc, clauseWhere, i)
		sc.predStart = i + 1
		if next.Type == TOKEN_EOF {
			return true, domain.ErrMalformed(t.End, "missing predicate after WHERE")
		}
	case TOKEN_GROUP:
		if next.Type != TOKEN_BY {
			return false, nil
		}
		a.setClause(sc, clauseGroupBy, i)
		s.HasGroupBy = true
		if a.tok(i+2).Type == TOKEN_EOF {
			return true, domain.ErrMalformed(next.End, "missing GROUP BY expression")
		}
	case TOKEN_HAVING:
		a.setClause(sc, clauseHaving, i)
		sc.predStart = i + 1
	case TOKEN_QUALIFY:
		a.setClause(sc, clauseQualify, i)
	case TOKEN_WINDOW:
		a.setClause(sc, clauseWindow, i)
	case TOKEN_ORDER:
		if next.Type != TOKEN_BY {
			return false, nil
		}
		a.setClause(sc, clauseOrderBy, i)
		s.HasOrderBy = true
		if a.tok(i+2).Type == TOKEN_EOF {
			return true, domain.ErrMalformed(next.End, "missing ORDER BY expression")
		}
	case TOKEN_LIMIT:
		a.setClause(sc, clauseLimit, i)
		if next.Type == TOKEN_EOF {
			return true, domain.ErrMalformed(t.End, "missing LIMIT count")
		}
		if len(a.scopes) == 1 {
			s.Limit = a.limitClause(i)
		}
	case TOKEN_FETCH:
		a.setClause(sc, clauseLimit, i)
		if len(a.scopes) == 1 {
			s.Limit = &domain.LimitClause{Start: t.Pos, End: t.End}
		}
	case TOKEN_OFFSET:
		a.setClause(sc, clauseLimit, i)
	case TOKEN_UNION, TOKEN_INTERSECT, TOKEN_EXCEPT:
		a.setClause(sc, clauseNone, i)
		s.SetOperation = true
		if len(a.scopes) == 1 {
			s.Limit = nil
		}
	default:
		return false, nil
	}
	return true, nil
}

func (a *analyzer) setClause(sc *scope, c clause, i int) {
	if sc.clause == clauseWhere || sc.clause == clauseHaving {
		a.flushPredicate(sc, i-1)
	}
	sc.clause = c
	sc.betweenPending = false
	a.clauseAt[i] = c
}

func (a *analyzer) requireFromItem(i int) error {
	next := a.tok(i + 1)
	switch next.Type {
	case TOKEN_EOF, TOKEN_WHERE, TOKEN_GROUP, TOKEN_ORDER, TOKEN_LIMIT, TOKEN_HAVING,
		TOKEN_SEMICOLON, TOKEN_RPAREN, TOKEN_COMMA, TOKEN_JOIN, TOKEN_ON:
		return domain.ErrMalformed(a.toks[i].End, "missing table after %s", strings.ToUpper(a.toks[i].Literal))
	}
	return nil
}

// limitClause reads the count following LIMIT at toks[i].
func (a *analyzer) limitClause(i int) *domain.LimitClause {
	next := a.tok(i + 1)
	after := a.tok(i + 2).Type
	lc := &domain.LimitClause{Start: next.Pos, End: next.End}
	if next.Type == TOKEN_NUMBER && (after == TOKEN_EOF || after == TOKEN_OFFSET || after == TOKEN_SEMICOLON) {
		if v, err := strconv.ParseInt(next.Literal, 10, 64); err == nil && v >= 0 {
			lc.Value = v
			lc.Numeric = true
		}
	}
	return lc
}

// isVerbUse reports whether the verb at toks[i] is used as a statement verb
// rather than as a function name, qualified name part, or alias.
func (a *analyzer) isVerbUse(i int) bool {
	prev, next := a.tok(i-1).Type, a.tok(i+1).Type
	if prev == TOKEN_DOT || prev == TOKEN_AS || prev == TOKEN_DCOLON || next == TOKEN_DOT || next == TOKEN_LPAREN {
		return false
	}
	// VALUES lists are data, not a write.
	return !strings.EqualFold(a.toks[i].Literal, "values")
}

// word handles an identifier-like token and returns the index of the last
// token consumed.
func (a *analyzer) word(i int) int {
	sc := a.cur()
	s := a.stmt
	t := a.toks[i]
	prev := a.tok(i - 1)

	// Only unquoted identifiers or keywords can name functions.
	if a.tok(i+1).Type == TOKEN_LPAREN && t.Type != TOKEN_QIDENT {
		name := strings.ToLower(t.Literal)
		if prev.Type == TOKEN_DOT {
			name = a.qualifiedBefore(i) + "." + name
		}
		if t.Type == TOKEN_IDENT || t.Type == TOKEN_VERB || t.Type == TOKEN_LEFT || t.Type == TOKEN_RIGHT ||
			t.Type == TOKEN_CURRENT_DATE || t.Type == TOKEN_CURRENT_TIMESTAMP {
			s.Functions = appendUnique(s.Functions, name)
		}
		if name == "columns" {
			// COLUMNS('regex') and COLUMNS(lambda) select columns by pattern.
			s.HasWildcard = true
			s.WildcardTables = appendUnique(s.WildcardTables, "")
		}
		if sc.query && sc.clause == clauseFrom && sc.expectTable {
			sc.expectTable = false // table function
		}
		return i
	}
	if t.IsKeyword() {
		return i
	}
	if prev.Type == TOKEN_DCOLON || prev.Type == TOKEN_DOT {
		return i
	}
	lower := strings.ToLower(t.Literal)
	if a.tok(i+1).Type == TOKEN_STRING && (lower == "date" || lower == "timestamp" || lower == "time" || lower == "timestamptz") {
		return i // typed literal
	}
	if !sc.query && sc.fn == "extract" && sc.args == 1 {
		return i // EXTRACT(YEAR FROM ...)
	}
	if !sc.query && (sc.fn == "cast" || sc.fn == "try_cast") && prev.Type == TOKEN_AS {
		return i
	}

	parts, end, ok := a.chain(i)
	if !ok {
		return i // qualifier of schema.func(
	}

	if sc.query && sc.clause == clauseFrom {
		if sc.expectTable {
			return a.fromItem(parts, end)
		}
		// Alias of a derived table: "(SELECT ...) AS t" or "(SELECT ...) t".
		if len(parts) == 1 && (prev.Type == TOKEN_RPAREN || prev.Type == TOKEN_AS) {
			a.aliases[parts[0]] = ""
		}
		return end
	}
	if sc.clause == clauseNone || sc.clause == clauseLimit || sc.clause == clauseWindow && sc.query {
		return end
	}

	if sc.query && sc.clause == clauseSelect && len(parts) == 1 {
		if prev.Type == TOKEN_AS || isExpressionEnd(prev) {
			a.selectAlias[parts[0]] = true
			s.SelectAliases = appendUnique(s.SelectAliases, parts[0])
			return end
		}
	}
	if !sc.query && prev.Type == TOKEN_AS || prev.Type == TOKEN_OVER {
		return end
	}
	if a.tok(end+1).Type == TOKEN_ARROW {
		return end // lambda parameter
	}

	if parts[len(parts)-1] == "*" {
		qual := strings.Join(parts[:len(parts)-1], ".")
		s.HasWildcard = true
		s.WildcardTables = appendUnique(s.WildcardTables, qual)
		return end
	}
	ref := colRef{column: parts[len(parts)-1], clause: sc.clause}
	if len(parts) > 1 {
		ref.qualifier = strings.Join(parts[:len(parts)-1], ".")
	}
	a.refs = append(a.refs, ref)
	return end
}

// chain reads "a.b.c" or "a.*" starting at toks[i], lowercasing each part.
// It returns false when the chain names a function ("schema.func(").
func (a *analyzer) chain(i int) ([]string, int, bool) {
	parts := []string{strings.ToLower(a.toks[i].Literal)}
	j := i
	for a.tok(j+1).Type == TOKEN_DOT {
		n := a.tok(j + 2)
		switch {
		case n.Type == TOKEN_STAR:
			parts = append(parts, "*")
			return parts, j + 2, true
		case n.IsWord():
			if a.tok(j+3).Type == TOKEN_LPAREN && n.Type != TOKEN_QIDENT {
				return nil, i, false
			}
			parts = append(parts, strings.ToLower(n.Literal))
			j += 2
		default:
			return parts, j, true
		}
	}
	return parts, j, true
}

func (a *analyzer) qualifiedBefore(i int) string {
	var parts []string
	for j := i - 1; j-1 >= 0 && a.toks[j].Type == TOKEN_DOT && a.toks[j-1].IsWord(); j -= 2 {
		parts = append([]string{strings.ToLower(a.toks[j-1].Literal)}, parts...)
	}
	return strings.Join(parts, ".")
}

// fromItem records a table reference and its alias, returning the last
// token index consumed.
func (a *analyzer) fromItem(parts []string, end int) int {
	sc := a.cur()
	s := a.stmt
	sc.expectTable = false

	name := strings.Join(parts, ".")
	isCTE := len(parts) == 1 && a.isCTEName(name)
	if !isCTE {
		if !slices.ContainsFunc(s.Tables, func(t domain.TableRef) bool { return t.Name == name }) {
			s.Tables = append(s.Tables, domain.TableRef{Name: name})
		}
	}

	alias := ""
	next := a.tok(end + 1)
	switch {
	case next.Type == TOKEN_AS && a.tok(end+2).IsWord():
		alias = strings.ToLower(a.tok(end + 2).Literal)
		end += 2
	case next.Type == TOKEN_IDENT || next.Type == TOKEN_QIDENT:
		alias = strings.ToLower(next.Literal)
		end++
	}
	if alias != "" {
		if isCTE {
			a.aliases[alias] = ""
		} else {
			a.aliases[alias] = name
			for k := range s.Tables {
				if s.Tables[k].Name == name && s.Tables[k].Alias == "" {
					s.Tables[k].Alias = alias
				}
			}
		}
		// Column alias list: "t(a, b)".
		if a.tok(end+1).Type == TOKEN_LPAREN {
			if j, err := skipParens(a.toks, end+1); err == nil {
				for k := end + 1; k < j; k++ {
					a.clauseAt[k] = clauseFrom
				}
				end = j - 1
			}
		}
	}
	return end
}

// isCTEName reports whether name was declared in a WITH clause. CTE names are
// collected lazily from "name AS (" patterns at the top of the statement.
func (a *analyzer) isCTEName(name string) bool {
	if !a.stmt.HasCTE {
		return false
	}
	if len(a.ctes) == 0 {
		a.collectCTEs()
	}
	return a.ctes[name]
}

func (a *analyzer) collectCTEs() {
	depth := 0
	for i, t := range a.toks {
		switch t.Type {
		case TOKEN_LPAREN:
			depth++
		case TOKEN_RPAREN:
			depth--
		case TOKEN_AS:
			if depth == 0 && a.tok(i+1).Type == TOKEN_LPAREN || depth == 0 && a.tok(i+1).Type == TOKEN_NOT {
				j := i - 1
				if a.tok(j).Type == TOKEN_RPAREN {
					// name(col, ...) AS (
					for d := 0; j >= 0; j-- {
						if a.toks[j].Type == TOKEN_RPAREN {
							d++
						} else if a.toks[j].Type == TOKEN_LPAREN {
							d--
							if d == 0 {
								j--
								break
							}
						}
					}
				}
				if j >= 0 && a.toks[j].IsWord() {
					name := strings.ToLower(a.toks[j].Literal)
					a.ctes[name] = true
					a.stmt.CTEs = appendUnique(a.stmt.CTEs, name)
				}
			}
		}
	}
}

// flushPredicate records toks[sc.predStart..endIdx] as a filter predicate.
func (a *analyzer) flushPredicate(sc *scope, endIdx int) {
	if sc.predStart < 0 || endIdx < sc.predStart || endIdx >= len(a.toks) {
		sc.predStart = -1
		return
	}
	if sc.clause == clauseWhere || sc.clause == clauseHaving {
		text := strings.TrimSpace(a.raw[a.toks[sc.predStart].Pos:a.toks[endIdx].End])
		if text != "" {
			a.stmt.Filters = append(a.stmt.Filters, collapseSpace(text))
		}
	}
	sc.predStart = -1
}

// resolveColumns attributes collected column references to tables.
func (a *analyzer) resolveColumns() {
	if a.stmt.HasCTE && len(a.ctes) == 0 {
		a.collectCTEs()
	}
	s := a.stmt
	var realTables []string
	for _, t := range s.Tables {
		realTables = append(realTables, t.Name)
	}

	for i, w := range s.WildcardTables {
		if w == "" {
			continue
		}
		if t, ok := a.resolveQualifier(w); ok {
			s.WildcardTables[i] = t
		}
	}

	for _, ref := range a.refs {
		if ref.qualifier == "" {
			if a.selectAlias[ref.column] && ref.clause != clauseSelect && ref.clause != clauseWhere {
				continue
			}
			if table, ok := a.rowReference(ref.column); ok {
				s.HasWildcard = true
				s.WildcardTables = appendUnique(s.WildcardTables, table)
				continue
			}
			if len(realTables) == 1 {
				a.addColumn(realTables[0], ref.column)
			} else {
				s.Unqualified = appendUnique(s.Unqualified, ref.column)
			}
			continue
		}
		table, ok := a.resolveQualifier(ref.qualifier)
		if !ok {
			s.Unqualified = appendUnique(s.Unqualified, ref.column)
			continue
		}
		a.addColumn(table, ref.column)
	}
}

// resolveQualifier maps an alias or table name to a referenced table. The
// second result is false for derived tables and CTEs, whose columns cannot be
// attributed to a base table.
func (a *analyzer) resolveQualifier(q string) (string, bool) {
	if t, ok := a.aliases[q]; ok {
		return t, t != ""
	}
	if a.ctes[q] {
		return "", false
	}
	for _, t := range a.stmt.Tables {
		if t.Name == q || t.ShortName() == q {
			return t.Name, true
		}
	}
	return q, true
}

// rowReference reports whether a bare name refers to a whole row, as in
// "SELECT s FROM sales s" or "to_json(sales)", and returns the table it
// exposes. Derived tables and CTEs come back under their own name, which no
// base table matches.
func (a *analyzer) rowReference(name string) (string, bool) {
	if t, ok := a.aliases[name]; ok {
		if t == "" {
			return name, true
		}
		return t, true
	}
	if a.ctes[name] {
		return name, true
	}
	for _, t := range a.stmt.Tables {
		if t.Name == name || t.ShortName() == name {
			return t.Name, true
		}
	}
	return "", false
}

func (a *analyzer) addColumn(table, col string) {
	cols := a.stmt.Columns[table]
	if !slices.Contains(cols, col) {
		a.stmt.Columns[table] = append(cols, col)
	}
}

// isExpressionEnd reports whether tok can end a select-list expression, so a
// bare identifier after it is an implicit alias.
func isExpressionEnd(tok Token) bool {
	switch tok.Type {
	case TOKEN_IDENT, TOKEN_QIDENT, TOKEN_NUMBER, TOKEN_STRING, TOKEN_RPAREN, TOKEN_END,
		TOKEN_NULL, TOKEN_TRUE, TOKEN_FALSE:
		return true
	}
	return false
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
