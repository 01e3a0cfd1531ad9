package sqlscan

import (
	"regexp"
	"strings"
	"time"

	"bi-gateway/internal/domain"
)

var dateLiteral = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

// relativeDateFuncs produce values anchored to the current time.
var relativeDateFuncs = map[string]bool{
	"now": true, "today": true, "getdate": true, "current_date": true,
	"current_timestamp": true, "date_trunc": true, "date_sub": true,
	"date_add": true, "dateadd": true, "localtimestamp": true,
}

type dateValue struct {
	text     string
	relative bool
	at       time.Time
	absolute bool
	end      int // index of the last token of the value
}

type columnBounds struct {
	lower, upper       bool
	lowerRel, upperRel bool
	lowerAt, upperAt   time.Time
	hasLowerAt         bool
	hasUpperAt         bool
}

// collectDateFilters finds "col OP date", "date OP col" and
// "col BETWEEN date AND date" predicates in filtering clauses.
func (a *analyzer) collectDateFilters() {
	s := a.stmt
	bounds := map[string]*columnBounds{}
	var order []string

	add := func(col, op string, v dateValue, bound domain.DateBound) {
		s.DateFilters = append(s.DateFilters, domain.DateFilter{
			Column:   col,
			Operator: op,
			Value:    v.text,
			Bound:    bound,
			Relative: v.relative,
		})
		b, ok := bounds[col]
		if !ok {
			b = &columnBounds{}
			bounds[col] = b
			order = append(order, col)
		}
		if bound == domain.BoundLower || bound == domain.BoundBoth || bound == domain.BoundEqual {
			b.lower = true
			b.lowerRel = b.lowerRel || v.relative
			if v.absolute && bound != domain.BoundBoth {
				b.lowerAt, b.hasLowerAt = v.at, true
			}
		}
		if bound == domain.BoundUpper || bound == domain.BoundBoth || bound == domain.BoundEqual {
			b.upper = true
			b.upperRel = b.upperRel || v.relative
			if v.absolute && bound != domain.BoundBoth {
				b.upperAt, b.hasUpperAt = v.at, true
			}
		}
	}

	for i := 0; i < len(a.toks); i++ {
		if !a.clauseAt[i].filters() {
			continue
		}
		t := a.toks[i]
		switch {
		case t.IsComparison():
			if col, ok := a.columnEndingAt(i - 1); ok {
				if v, ok := a.dateValueAt(i + 1); ok {
					add(col, t.Literal, v, boundFor(t.Type, false))
					i = v.end
				}
				continue
			}
			if v, ok := a.dateValueEndingAt(i - 1); ok {
				if col, ok := a.columnStartingAt(i + 1); ok {
					add(col, t.Literal, v, boundFor(t.Type, true))
				}
			}
		case t.Type == TOKEN_BETWEEN:
			col, ok := a.columnEndingAt(i - 1)
			if !ok {
				continue
			}
			lo, ok := a.dateValueAt(i + 1)
			if !ok || a.tok(lo.end+1).Type != TOKEN_AND {
				continue
			}
			hi, ok := a.dateValueAt(lo.end + 2)
			if !ok {
				continue
			}
			add(col, "BETWEEN", dateValue{text: lo.text + " AND " + hi.text, relative: lo.relative || hi.relative}, domain.BoundBoth)
			if lo.absolute && hi.absolute {
				if d := int(hi.at.Sub(lo.at).Hours() / 24); d > s.RangeDays {
					s.RangeDays = d
				}
			}
			i = hi.end
		}
	}

	for _, col := range order {
		b := bounds[col]
		switch {
		case b.lower && !b.upper && !b.lowerRel:
			s.UnboundedRanges++
		case b.upper && !b.lower:
			s.UnboundedRanges++
		}
		if b.hasLowerAt && b.hasUpperAt {
			if d := int(b.upperAt.Sub(b.lowerAt).Hours() / 24); d > s.RangeDays {
				s.RangeDays = d
			}
		}
	}
}

func boundFor(op TokenType, reversed bool) domain.DateBound {
	switch op {
	case TOKEN_GT, TOKEN_GE:
		if reversed {
			return domain.BoundUpper
		}
		return domain.BoundLower
	case TOKEN_LT, TOKEN_LE:
		if reversed {
			return domain.BoundLower
		}
		return domain.BoundUpper
	default:
		return domain.BoundEqual
	}
}

// columnEndingAt reads a column reference "a", "t.a" or "s.t.a" whose last
// token is toks[i].
func (a *analyzer) columnEndingAt(i int) (string, bool) {
	t := a.tok(i)
	if !isColumnToken(t) {
		return "", false
	}
	parts := []string{strings.ToLower(t.Literal)}
	for j := i - 1; a.tok(j).Type == TOKEN_DOT && isColumnToken(a.tok(j-1)); j -= 2 {
		parts = append([]string{strings.ToLower(a.tok(j - 1).Literal)}, parts...)
	}
	return strings.Join(parts, "."), true
}

func (a *analyzer) columnStartingAt(i int) (string, bool) {
	if !isColumnToken(a.tok(i)) || a.tok(i+1).Type == TOKEN_LPAREN {
		return "", false
	}
	parts := []string{strings.ToLower(a.tok(i).Literal)}
	for j := i + 1; a.tok(j).Type == TOKEN_DOT && isColumnToken(a.tok(j+1)); j += 2 {
		parts = append(parts, strings.ToLower(a.tok(j+1).Literal))
	}
	return strings.Join(parts, "."), true
}

func isColumnToken(t Token) bool {
	return t.Type == TOKEN_IDENT || t.Type == TOKEN_QIDENT
}

// dateValueAt recognises a date-like value expression starting at toks[i]:
// a date string, a typed literal, an interval, or a relative function.
// Trailing "+/- INTERVAL '...'" arithmetic is included in the value.
func (a *analyzer) dateValueAt(i int) (dateValue, bool) {
	t := a.tok(i)
	var v dateValue
	switch {
	case t.Type == TOKEN_STRING && dateLiteral.MatchString(t.Literal):
		v = absoluteDate(t.Literal, i)
	case t.Type == TOKEN_IDENT && a.tok(i+1).Type == TOKEN_STRING && isDateTypeName(t.Literal) &&
		dateLiteral.MatchString(a.tok(i+1).Literal):
		v = absoluteDate(a.tok(i+1).Literal, i+1)
	case t.Type == TOKEN_CURRENT_DATE || t.Type == TOKEN_CURRENT_TIMESTAMP:
		v = dateValue{text: strings.ToUpper(t.Literal), relative: true, end: i}
		if a.tok(i+1).Type == TOKEN_LPAREN {
			end, err := skipParens(a.toks, i+1)
			if err != nil {
				return dateValue{}, false
			}
			v.end = end - 1
		}
	case t.Type == TOKEN_INTERVAL:
		v = dateValue{text: "INTERVAL", relative: true, end: i}
		if a.tok(i+1).Type == TOKEN_STRING {
			v.text += " '" + a.tok(i+1).Literal + "'"
			v.end = i + 1
		}
	case t.Type == TOKEN_IDENT && relativeDateFuncs[strings.ToLower(t.Literal)] && a.tok(i+1).Type == TOKEN_LPAREN:
		end, err := skipParens(a.toks, i+1)
		if err != nil {
			return dateValue{}, false
		}
		v = dateValue{text: strings.ToLower(t.Literal) + "(...)", relative: true, end: end - 1}
	default:
		return dateValue{}, false
	}
	// "CURRENT_DATE - INTERVAL '7 days'"
	for {
		op := a.tok(v.end + 1).Type
		if op != TOKEN_PLUS && op != TOKEN_MINUS {
			break
		}
		next, ok := a.dateValueAt(v.end + 2)
		if !ok {
			break
		}
		v.text += " " + a.tok(v.end+1).Literal + " " + next.text
		v.relative = v.relative || next.relative
		v.end = next.end
	}
	return v, true
}

// dateValueEndingAt handles the reversed form "'2024-01-01' <= col".
func (a *analyzer) dateValueEndingAt(i int) (dateValue, bool) {
	t := a.tok(i)
	switch {
	case t.Type == TOKEN_STRING && dateLiteral.MatchString(t.Literal):
		return absoluteDate(t.Literal, i), true
	case t.Type == TOKEN_CURRENT_DATE || t.Type == TOKEN_CURRENT_TIMESTAMP:
		return dateValue{text: strings.ToUpper(t.Literal), relative: true, end: i}, true
	}
	return dateValue{}, false
}

func absoluteDate(lit string, end int) dateValue {
	v := dateValue{text: "'" + lit + "'", end: end}
	if at, err := time.Parse("2006-01-02", lit[:10]); err == nil {
		v.at, v.absolute = at, true
	}
	return v
}

func isDateTypeName(s string) bool {
	switch strings.ToLower(s) {
	case "date", "timestamp", "timestamptz", "time":
		return true
	}
	return false
}
