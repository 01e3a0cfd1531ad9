package sqlscan

import "strings"

// Normalize returns a canonical rendering of raw SQL: comments and redundant
// whitespace dropped, keywords uppercased, unquoted identifiers lowercased and
// trailing semicolons removed. Two statements that differ only in those
// respects normalize to the same string. Input that does not tokenize is
// returned with whitespace collapsed.
func Normalize(raw string) string {
	toks := Tokenize(raw)
	if n := len(toks); n > 0 && toks[n-1].Type == TOKEN_ILLEGAL {
		return collapseSpace(raw)
	}
	for len(toks) > 0 && toks[len(toks)-1].Type == TOKEN_SEMICOLON {
		toks = toks[:len(toks)-1]
	}

	var b strings.Builder
	for i, t := range toks {
		if i > 0 && needsSpace(toks[i-1], t) {
			b.WriteByte(' ')
		}
		switch {
		case t.Type == TOKEN_STRING:
			b.WriteByte('\'')
			b.WriteString(strings.ReplaceAll(t.Literal, "'", "''"))
			b.WriteByte('\'')
		case t.Type == TOKEN_QIDENT:
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(t.Literal, `"`, `""`))
			b.WriteByte('"')
		case t.IsKeyword() || t.Type == TOKEN_VERB:
			b.WriteString(strings.ToUpper(t.Literal))
		case t.Type == TOKEN_IDENT:
			b.WriteString(strings.ToLower(t.Literal))
		default:
			b.WriteString(t.Literal)
		}
	}
	return b.String()
}

func needsSpace(prev, cur Token) bool {
	switch prev.Type {
	case TOKEN_DOT, TOKEN_LPAREN, TOKEN_DCOLON, TOKEN_LBRACKET:
		return false
	}
	switch cur.Type {
	case TOKEN_DOT, TOKEN_RPAREN, TOKEN_COMMA, TOKEN_DCOLON, TOKEN_RBRACKET:
		return false
	case TOKEN_LPAREN, TOKEN_LBRACKET:
		// Function calls and subscripts stay attached to their name.
		return !prev.IsWord() || prev.IsKeyword() && prev.Type != TOKEN_LEFT && prev.Type != TOKEN_RIGHT
	}
	return true
}
