package sqlscan

import (
	"strings"
)

// Lexer tokenizes SQL input. It never panics on arbitrary input: anything it
// cannot make sense of becomes a TOKEN_ILLEGAL whose literal describes why.
type Lexer struct {
	input   string
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      byte // current char under examination
	err     string
	errPos  int
}

// NewLexer creates a new Lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

// readChar advances to the next character.
func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0 // NUL = EOF
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

// peekChar returns the next character without advancing.
func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

func (l *Lexer) atEOF() bool { return l.pos >= len(l.input) }

// Tokenize returns all tokens up to (not including) EOF, stopping at the
// first illegal token, which is returned as the last element.
func Tokenize(input string) []Token {
	l := NewLexer(input)
	var toks []Token
	for {
		tok := l.NextToken()
		if tok.Type == TOKEN_EOF {
			return toks
		}
		toks = append(toks, tok)
		if tok.Type == TOKEN_ILLEGAL {
			return toks
		}
	}
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespaceAndComments()
	if l.err != "" {
		return Token{Type: TOKEN_ILLEGAL, Literal: l.err, Pos: l.errPos, End: l.pos}
	}

	start := l.pos
	if l.atEOF() {
		return Token{Type: TOKEN_EOF, Pos: start, End: start}
	}

	var tok Token
	switch l.ch {
	case '+':
		tok = Token{Type: TOKEN_PLUS, Literal: "+"}
	case '-':
		if l.peekChar() == '>' {
			l.readChar()
			tok = Token{Type: TOKEN_ARROW, Literal: "->"}
		} else {
			tok = Token{Type: TOKEN_MINUS, Literal: "-"}
		}
	case '*':
		tok = Token{Type: TOKEN_STAR, Literal: "*"}
	case '/':
		tok = Token{Type: TOKEN_SLASH, Literal: "/"}
	case '%':
		tok = Token{Type: TOKEN_MOD, Literal: "%"}
	case '=':
		if l.peekChar() == '=' {
			l.readChar()
		}
		tok = Token{Type: TOKEN_EQ, Literal: "="}
	case '<':
		switch l.peekChar() {
		case '=':
			l.readChar()
			tok = Token{Type: TOKEN_LE, Literal: "<="}
		case '>':
			l.readChar()
			tok = Token{Type: TOKEN_NE, Literal: "<>"}
		case '<':
			l.readChar()
			tok = Token{Type: TOKEN_OP, Literal: "<<"}
		default:
			tok = Token{Type: TOKEN_LT, Literal: "<"}
		}
	case '>':
		switch l.peekChar() {
		case '=':
			l.readChar()
			tok = Token{Type: TOKEN_GE, Literal: ">="}
		case '>':
			l.readChar()
			tok = Token{Type: TOKEN_OP, Literal: ">>"}
		default:
			tok = Token{Type: TOKEN_GT, Literal: ">"}
		}
	case '!':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TOKEN_NE, Literal: "!="}
		} else {
			tok = Token{Type: TOKEN_ILLEGAL, Literal: "unexpected character '!'"}
		}
	case '|':
		if l.peekChar() == '|' {
			l.readChar()
			tok = Token{Type: TOKEN_DPIPE, Literal: "||"}
		} else {
			tok = Token{Type: TOKEN_OP, Literal: "|"}
		}
	case '&', '^', '~':
		tok = Token{Type: TOKEN_OP, Literal: string(l.ch)}
	case '.':
		if isDigit(l.peekChar()) {
			tok = Token{Type: TOKEN_NUMBER, Literal: l.readNumber()}
			tok.Pos, tok.End = start, l.pos
			return tok
		}
		tok = Token{Type: TOKEN_DOT, Literal: "."}
	case ',':
		tok = Token{Type: TOKEN_COMMA, Literal: ","}
	case ';':
		tok = Token{Type: TOKEN_SEMICOLON, Literal: ";"}
	case '(':
		tok = Token{Type: TOKEN_LPAREN, Literal: "("}
	case ')':
		tok = Token{Type: TOKEN_RPAREN, Literal: ")"}
	case '[':
		tok = Token{Type: TOKEN_LBRACKET, Literal: "["}
	case ']':
		tok = Token{Type: TOKEN_RBRACKET, Literal: "]"}
	case ':':
		if l.peekChar() == ':' {
			l.readChar()
			tok = Token{Type: TOKEN_DCOLON, Literal: "::"}
		} else {
			tok = Token{Type: TOKEN_COLON, Literal: ":"}
		}
	case '?':
		tok = Token{Type: TOKEN_PARAM, Literal: "?"}
	case '$':
		tok = l.readDollar()
		tok.Pos, tok.End = start, l.pos
		return tok
	case '\'':
		lit, ok := l.readQuoted('\'')
		tok = Token{Type: TOKEN_STRING, Literal: lit}
		if !ok {
			tok = Token{Type: TOKEN_ILLEGAL, Literal: "unterminated string literal"}
		}
		tok.Pos, tok.End = start, l.pos
		return tok
	case '"', '`':
		lit, ok := l.readQuoted(l.ch)
		tok = Token{Type: TOKEN_QIDENT, Literal: lit}
		if !ok {
			tok = Token{Type: TOKEN_ILLEGAL, Literal: "unterminated quoted identifier"}
		}
		tok.Pos, tok.End = start, l.pos
		return tok
	default:
		switch {
		case (l.ch == 'e' || l.ch == 'E') && l.peekChar() == '\'':
			l.readChar() // skip E
			lit, ok := l.readEscaped()
			tok = Token{Type: TOKEN_STRING, Literal: lit}
			if !ok {
				tok = Token{Type: TOKEN_ILLEGAL, Literal: "unterminated string literal"}
			}
			tok.Pos, tok.End = start, l.pos
			return tok
		case isLetter(l.ch) || l.ch == '_':
			literal := l.readIdentifier()
			tok.Literal = literal
			tok.Type = lookupKeyword(strings.ToLower(literal))
			tok.Pos, tok.End = start, l.pos
			return tok
		case isDigit(l.ch):
			tok.Type = TOKEN_NUMBER
			tok.Literal = l.readNumber()
			tok.Pos, tok.End = start, l.pos
			return tok
		default:
			tok = Token{Type: TOKEN_ILLEGAL, Literal: "unexpected character '" + string(l.ch) + "'"}
		}
	}

	l.readChar()
	tok.Pos, tok.End = start, l.pos
	return tok
}

// skipWhitespaceAndComments skips whitespace and SQL comments. An unterminated
// block comment sets l.err so the next token is illegal.
func (l *Lexer) skipWhitespaceAndComments() {
	for {
		for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' || l.ch == '\f' || l.ch == '\v' {
			l.readChar()
		}
		// Line comment (-- ...)
		if l.ch == '-' && l.peekChar() == '-' {
			for l.ch != '\n' && !l.atEOF() {
				l.readChar()
			}
			continue
		}
		// Block comment (/* ... */), nesting allowed as in PostgreSQL.
		if l.ch == '/' && l.peekChar() == '*' {
			open := l.pos
			depth := 0
			for !l.atEOF() {
				if l.ch == '/' && l.peekChar() == '*' {
					depth++
					l.readChar()
					l.readChar()
					continue
				}
				if l.ch == '*' && l.peekChar() == '/' {
					depth--
					l.readChar()
					l.readChar()
					if depth == 0 {
						break
					}
					continue
				}
				l.readChar()
			}
			if depth != 0 {
				l.err = "unterminated block comment"
				l.errPos = open
				return
			}
			continue
		}
		break
	}
}

// readQuoted reads a literal delimited by quote, where a doubled quote is an
// escaped quote. Returns false when the input ends before the closing quote.
func (l *Lexer) readQuoted(quote byte) (string, bool) {
	l.readChar() // skip opening quote
	var result strings.Builder
	for !l.atEOF() {
		if l.ch == quote {
			if l.peekChar() == quote {
				result.WriteByte(quote)
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar() // skip closing quote
			return result.String(), true
		}
		result.WriteByte(l.ch)
		l.readChar()
	}
	return result.String(), false
}

// readEscaped reads an escape string body (E'...'), where a backslash
// escapes the byte after it and a doubled quote is an escaped quote.
func (l *Lexer) readEscaped() (string, bool) {
	l.readChar() // skip opening quote
	var result strings.Builder
	for !l.atEOF() {
		switch {
		case l.ch == '\\':
			l.readChar()
			if l.atEOF() {
				return result.String(), false
			}
		case l.ch == '\'':
			if l.peekChar() != '\'' {
				l.readChar() // skip closing quote
				return result.String(), true
			}
			l.readChar()
		}
		result.WriteByte(l.ch)
		l.readChar()
	}
	return result.String(), false
}

// readDollar reads a positional parameter ($1) or a dollar-quoted string
// ($$...$$ or $tag$...$tag$).
func (l *Lexer) readDollar() Token {
	l.readChar() // skip $
	tagStart := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' {
		l.readChar()
	}
	tag := l.input[tagStart:l.pos]
	if l.ch != '$' {
		if tag == "" {
			return Token{Type: TOKEN_ILLEGAL, Literal: "unexpected character '$'"}
		}
		return Token{Type: TOKEN_PARAM, Literal: "$" + tag}
	}
	delim := "$" + tag + "$"
	l.readChar() // skip closing $ of the opening delimiter
	bodyStart := l.pos
	idx := strings.Index(l.input[bodyStart:], delim)
	if idx < 0 {
		for !l.atEOF() {
			l.readChar()
		}
		return Token{Type: TOKEN_ILLEGAL, Literal: "unterminated dollar-quoted string"}
	}
	body := l.input[bodyStart : bodyStart+idx]
	for l.pos < bodyStart+idx+len(delim) {
		l.readChar()
	}
	return Token{Type: TOKEN_STRING, Literal: body}
}

// readIdentifier reads an unquoted identifier.
func (l *Lexer) readIdentifier() string {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' || l.ch == '$' {
		l.readChar()
	}
	return l.input[start:l.pos]
}

// readNumber reads a numeric literal (integer, decimal, or scientific).
func (l *Lexer) readNumber() string {
	start := l.pos
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		l.readChar() // skip .
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if (l.ch == 'e' || l.ch == 'E') && (isDigit(l.peekChar()) || l.peekChar() == '+' || l.peekChar() == '-') {
		l.readChar()
		if l.ch == '+' || l.ch == '-' {
			l.readChar()
		}
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return l.input[start:l.pos]
}

// isLetter treats every non-ASCII byte as a letter so UTF-8 identifiers
// survive byte-wise scanning.
func isLetter(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch >= 0x80
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
