// Package sqlscan performs structural analysis of untrusted SQL text.
//
// It does not build a full AST. A tolerant lexer produces positioned tokens
// and a single pass over them classifies the statement, collects referenced
// tables, columns, and functions, and locates the trailing LIMIT so the
// executor can inject or clamp it.
package sqlscan

import (
	"fmt"
	"strings"
)

// TokenType represents the type of a lexical token.
type TokenType int

// TOKEN_EOF and friends enumerate all token types produced by the lexer.
const (
	TOKEN_EOF     TokenType = iota // end of input
	TOKEN_ILLEGAL                  // unexpected character or unterminated literal

	TOKEN_IDENT  // identifier
	TOKEN_QIDENT // "quoted" or `quoted` identifier, never a keyword
	TOKEN_NUMBER // 123, 45.67, 1e10
	TOKEN_STRING // 'hello', $$hello$$
	TOKEN_PARAM  // $1, ?

	TOKEN_PLUS      // +
	TOKEN_MINUS     // -
	TOKEN_STAR      // *
	TOKEN_SLASH     // /
	TOKEN_MOD       // %
	TOKEN_DPIPE     // ||
	TOKEN_EQ        // = or ==
	TOKEN_NE        // != or <>
	TOKEN_LT        // <
	TOKEN_GT        // >
	TOKEN_LE        // <=
	TOKEN_GE        // >=
	TOKEN_DOT       // .
	TOKEN_COMMA     // ,
	TOKEN_SEMICOLON // ;
	TOKEN_LPAREN    // (
	TOKEN_RPAREN    // )
	TOKEN_LBRACKET  // [
	TOKEN_RBRACKET  // ]
	TOKEN_COLON     // :
	TOKEN_DCOLON    // ::
	TOKEN_ARROW     // ->
	TOKEN_OP        // any other operator (&, |, ^, ~, <<, >>)

	// TOKEN_ALL through TOKEN_WITH are query keywords (alphabetical).
	TOKEN_ALL
	TOKEN_AND
	TOKEN_ANTI
	TOKEN_AS
	TOKEN_ASC
	TOKEN_ASOF
	TOKEN_BETWEEN
	TOKEN_BY
	TOKEN_CASE
	TOKEN_CAST
	TOKEN_CROSS
	TOKEN_CURRENT_DATE
	TOKEN_CURRENT_TIMESTAMP
	TOKEN_DESC
	TOKEN_DISTINCT
	TOKEN_ELSE
	TOKEN_END
	TOKEN_EXCEPT
	TOKEN_EXISTS
	TOKEN_FALSE
	TOKEN_FETCH
	TOKEN_FILTER
	TOKEN_FROM
	TOKEN_FULL
	TOKEN_GROUP
	TOKEN_HAVING
	TOKEN_ILIKE
	TOKEN_IN
	TOKEN_INNER
	TOKEN_INTERSECT
	TOKEN_INTERVAL
	TOKEN_INTO
	TOKEN_IS
	TOKEN_JOIN
	TOKEN_LATERAL
	TOKEN_LEFT
	TOKEN_LIKE
	TOKEN_LIMIT
	TOKEN_NATURAL
	TOKEN_NOT
	TOKEN_NULL
	TOKEN_OFFSET
	TOKEN_ON
	TOKEN_OR
	TOKEN_ORDER
	TOKEN_OUTER
	TOKEN_OVER
	TOKEN_PARTITION
	TOKEN_POSITIONAL
	TOKEN_QUALIFY
	TOKEN_RECURSIVE
	TOKEN_RIGHT
	TOKEN_SELECT
	TOKEN_SEMI
	TOKEN_THEN
	TOKEN_TRUE
	TOKEN_UNION
	TOKEN_USING
	TOKEN_WHEN
	TOKEN_WHERE
	TOKEN_WINDOW
	TOKEN_WITH

	// TOKEN_VERB marks statement verbs (INSERT, DROP, GRANT, ...). The literal
	// carries the actual word.
	TOKEN_VERB
)

// String returns a human-readable representation of the token type.
func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TOKEN(%d)", t)
}

// tokenNames maps token types to their string representations.
var tokenNames = map[TokenType]string{
	TOKEN_EOF:     "EOF",
	TOKEN_ILLEGAL: "ILLEGAL",
	TOKEN_IDENT:   "IDENT",
	TOKEN_QIDENT:  "QIDENT",
	TOKEN_NUMBER:  "NUMBER",
	TOKEN_STRING:  "STRING",
	TOKEN_PARAM:   "PARAM",

	TOKEN_PLUS:      "+",
	TOKEN_MINUS:     "-",
	TOKEN_STAR:      "*",
	TOKEN_SLASH:     "/",
	TOKEN_MOD:       "%",
	TOKEN_DPIPE:     "||",
	TOKEN_EQ:        "=",
	TOKEN_NE:        "!=",
	TOKEN_LT:        "<",
	TOKEN_GT:        ">",
	TOKEN_LE:        "<=",
	TOKEN_GE:        ">=",
	TOKEN_DOT:       ".",
	TOKEN_COMMA:     ",",
	TOKEN_SEMICOLON: ";",
	TOKEN_LPAREN:    "(",
	TOKEN_RPAREN:    ")",
	TOKEN_LBRACKET:  "[",
	TOKEN_RBRACKET:  "]",
	TOKEN_COLON:     ":",
	TOKEN_DCOLON:    "::",
	TOKEN_ARROW:     "->",
	TOKEN_OP:        "OP",
	TOKEN_VERB:      "VERB",
}

// keywords maps lowercase keyword strings to their token types.
var keywords = map[string]TokenType{
	"all":               TOKEN_ALL,
	"and":               TOKEN_AND,
	"anti":              TOKEN_ANTI,
	"as":                TOKEN_AS,
	"asc":               TOKEN_ASC,
	"asof":              TOKEN_ASOF,
	"between":           TOKEN_BETWEEN,
	"by":                TOKEN_BY,
	"case":              TOKEN_CASE,
	"cast":              TOKEN_CAST,
	"cross":             TOKEN_CROSS,
	"current_date":      TOKEN_CURRENT_DATE,
	"current_timestamp": TOKEN_CURRENT_TIMESTAMP,
	"desc":              TOKEN_DESC,
	"distinct":          TOKEN_DISTINCT,
	"else":              TOKEN_ELSE,
	"end":               TOKEN_END,
	"except":            TOKEN_EXCEPT,
	"exists":            TOKEN_EXISTS,
	"false":             TOKEN_FALSE,
	"fetch":             TOKEN_FETCH,
	"filter":            TOKEN_FILTER,
	"from":              TOKEN_FROM,
	"full":              TOKEN_FULL,
	"group":             TOKEN_GROUP,
	"having":            TOKEN_HAVING,
	"ilike":             TOKEN_ILIKE,
	"in":                TOKEN_IN,
	"inner":             TOKEN_INNER,
	"intersect":         TOKEN_INTERSECT,
	"interval":          TOKEN_INTERVAL,
	"into":              TOKEN_INTO,
	"is":                TOKEN_IS,
	"join":              TOKEN_JOIN,
	"lateral":           TOKEN_LATERAL,
	"left":              TOKEN_LEFT,
	"like":              TOKEN_LIKE,
	"limit":             TOKEN_LIMIT,
	"natural":           TOKEN_NATURAL,
	"not":               TOKEN_NOT,
	"null":              TOKEN_NULL,
	"offset":            TOKEN_OFFSET,
	"on":                TOKEN_ON,
	"or":                TOKEN_OR,
	"order":             TOKEN_ORDER,
	"outer":             TOKEN_OUTER,
	"over":              TOKEN_OVER,
	"partition":         TOKEN_PARTITION,
	"positional":        TOKEN_POSITIONAL,
	"qualify":           TOKEN_QUALIFY,
	"recursive":         TOKEN_RECURSIVE,
	"right":             TOKEN_RIGHT,
	"select":            TOKEN_SELECT,
	"semi":              TOKEN_SEMI,
	"then":              TOKEN_THEN,
	"true":              TOKEN_TRUE,
	"union":             TOKEN_UNION,
	"using":             TOKEN_USING,
	"when":              TOKEN_WHEN,
	"where":             TOKEN_WHERE,
	"window":            TOKEN_WINDOW,
	"with":              TOKEN_WITH,
}

// verbs are words that start a statement other than a query. Finding one
// anywhere outside a function call or qualified name is significant.
var verbs = map[string]bool{
	"alter": true, "analyze": true, "attach": true, "begin": true, "call": true,
	"checkpoint": true, "commit": true, "copy": true, "create": true,
	"deallocate": true, "declare": true, "delete": true, "deny": true, "describe": true,
	"detach": true, "do": true, "drop": true, "exec": true, "execute": true,
	"explain": true, "export": true, "grant": true, "import": true, "insert": true,
	"install": true, "kill": true, "load": true, "lock": true, "merge": true,
	"pragma": true, "prepare": true, "refresh": true, "reindex": true, "rename": true,
	"reset": true, "revoke": true, "rollback": true, "savepoint": true, "set": true,
	"show": true, "shutdown": true, "summarize": true, "truncate": true, "unload": true,
	"update": true, "upsert": true, "use": true, "vacuum": true, "values": true,
	"waitfor": true,
}

func init() {
	for name, tok := range keywords {
		if _, ok := tokenNames[tok]; !ok {
			tokenNames[tok] = strings.ToUpper(name)
		}
	}
}

// lookupKeyword returns the token type for the given lowercase identifier.
// Returns TOKEN_IDENT if it's not a keyword.
func lookupKeyword(ident string) TokenType {
	if tok, ok := keywords[ident]; ok {
		return tok
	}
	if verbs[ident] {
		return TOKEN_VERB
	}
	return TOKEN_IDENT
}

// Token represents a lexical token with its literal value and byte span.
type Token struct {
	Type    TokenType
	Literal string
	Pos     int // offset of the first byte
	End     int // offset just past the last byte
}

// IsWord reports whether the token is an identifier, keyword, or verb.
func (t Token) IsWord() bool {
	return t.Type == TOKEN_IDENT || t.Type == TOKEN_QIDENT || t.Type == TOKEN_VERB || t.IsKeyword()
}

// IsKeyword reports whether the token is one of the query keywords.
func (t Token) IsKeyword() bool {
	return t.Type >= TOKEN_ALL && t.Type <= TOKEN_WITH
}

// IsComparison reports whether the token is a comparison operator.
func (t Token) IsComparison() bool {
	switch t.Type {
	case TOKEN_EQ, TOKEN_NE, TOKEN_LT, TOKEN_GT, TOKEN_LE, TOKEN_GE:
		return true
	}
	return false
}
