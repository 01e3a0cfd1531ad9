package sqlscan

import (
	"strconv"

	"bi-gateway/internal/domain"
)

// CheckBounded re-lexes a rewritten statement just before it is sent to the
// database. It fails unless sql lexes cleanly into a single statement and,
// when limit > 0, ends in "LIMIT <limit>". Trailing semicolons are allowed.
func CheckBounded(sql string, limit int) error {
	toks := Tokenize(sql)
	if n := len(toks); n > 0 && toks[n-1].Type == TOKEN_ILLEGAL {
		return domain.ErrMalformed(toks[n-1].Pos, "%s", toks[n-1].Literal)
	}
	last := len(toks) - 1
	for last >= 0 && toks[last].Type == TOKEN_SEMICOLON {
		last--
	}
	if last < 0 {
		return domain.ErrMalformed(0, "empty statement")
	}
	toks = toks[:last+1]
	for _, t := range toks {
		if t.Type == TOKEN_SEMICOLON {
			return domain.ErrMalformed(t.Pos, "more than one statement")
		}
	}
	if limit <= 0 {
		return nil
	}
	if last < 1 || toks[last-1].Type != TOKEN_LIMIT || toks[last].Type != TOKEN_NUMBER ||
		toks[last].Literal != strconv.Itoa(limit) {
		return domain.ErrMalformed(toks[last].Pos, "statement does not end in LIMIT %d", limit)
	}
	return nil
}
