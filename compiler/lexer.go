package compiler

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Lexer: tokenizer for tag expressions
// ---------------------------------------------------------------------------

// Lexer tokenizes the expression text inside a tag.
type Lexer struct {
	input   string
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      rune // current character
	line    int  // current line (1-based)
	col     int  // current column (1-based)
	base    int  // offset of input within the template
}

// NewLexer creates a lexer for input starting at line 1, column 1.
func NewLexer(input string) *Lexer {
	return NewLexerAt(input, Position{Line: 1, Column: 1})
}

// NewLexerAt creates a lexer for input that begins at start in the
// enclosing template, so token positions are template positions.
func NewLexerAt(input string, start Position) *Lexer {
	l := &Lexer{
		input: input,
		line:  start.Line,
		col:   start.Column - 1,
		base:  start.Offset,
	}
	l.readChar()
	return l
}

// readChar reads the next character.
func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
		l.col = 0
	}
	if l.readPos >= len(l.input) {
		l.ch = 0
		l.pos = l.readPos
		l.col++
		return
	}
	r, size := utf8.DecodeRuneInString(l.input[l.readPos:])
	l.ch = r
	l.pos = l.readPos
	l.readPos += size
	l.col++
}

// peekChar returns the next character without consuming it.
func (l *Lexer) peekChar() rune {
	if l.readPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPos:])
	return r
}

func (l *Lexer) position() Position {
	return Position{Offset: l.base + l.pos, Line: l.line, Column: l.col}
}

// Tokens returns every remaining token up to and including EOF or the
// first error.
func (l *Lexer) Tokens() []Token {
	var toks []Token
	for {
		tok := l.NextToken()
		toks = append(toks, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			return toks
		}
	}
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}

	pos := l.position()

	switch {
	case l.ch == 0 && l.pos >= len(l.input):
		return Token{Type: TokenEOF, Pos: pos}

	case l.ch == '(':
		l.readChar()
		return Token{Type: TokenLParen, Literal: "(", Pos: pos}

	case l.ch == ')':
		l.readChar()
		return Token{Type: TokenRParen, Literal: ")", Pos: pos}

	case l.ch == ',':
		l.readChar()
		return Token{Type: TokenComma, Literal: ",", Pos: pos}

	case l.ch == ':':
		l.readChar()
		return Token{Type: TokenColon, Literal: ":", Pos: pos}

	case l.ch == '"' || l.ch == '\'':
		return l.readString(pos)

	case isDigit(l.ch):
		return l.readNumber(pos)

	case isIdentStart(l.ch):
		return l.readIdent(pos)

	default:
		return l.readOperator(pos)
	}
}

// readIdent reads a variable path: identifier segments joined by '.' or
// ':'. A separator only joins when a segment follows it directly, so
// "a : b" is three tokens and "a:b" is one.
func (l *Lexer) readIdent(pos Position) Token {
	start := l.pos
	for {
		for isIdentChar(l.ch) {
			l.readChar()
		}
		if (l.ch == '.' || l.ch == ':') && isIdentChar(l.peekChar()) {
			l.readChar()
			continue
		}
		break
	}
	return Token{Type: TokenIdent, Literal: l.input[start:l.pos], Pos: pos}
}

// readNumber reads an integer or float literal: digits, an optional
// fraction and an optional signed exponent.
func (l *Lexer) readNumber(pos Position) Token {
	start := l.pos
	typ := TokenInteger
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		typ = TokenFloat
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if l.ch == 'e' || l.ch == 'E' {
		rest := l.input[l.readPos:]
		if len(rest) > 0 && (isDigit(rune(rest[0])) ||
			(len(rest) > 1 && (rest[0] == '+' || rest[0] == '-') && isDigit(rune(rest[1])))) {
			typ = TokenFloat
			l.readChar()
			if l.ch == '+' || l.ch == '-' {
				l.readChar()
			}
			for isDigit(l.ch) {
				l.readChar()
			}
		}
	}
	if isIdentStart(l.ch) {
		for isIdentChar(l.ch) {
			l.readChar()
		}
		return Token{Type: TokenError, Literal: fmt.Sprintf("malformed number %q", l.input[start:l.pos]), Pos: pos}
	}
	return Token{Type: typ, Literal: l.input[start:l.pos], Pos: pos}
}

var operators = []string{"||", "&&", "==", "!=", "<=", ">=", "<", ">", "+", "-", "~", "*", "/", "%", "!"}

func (l *Lexer) readOperator(pos Position) Token {
	rest := l.input[l.pos:]
	for _, op := range operators {
		if strings.HasPrefix(rest, op) {
			for range op {
				l.readChar()
			}
			return Token{Type: TokenOperator, Literal: op, Pos: pos}
		}
	}
	ch := l.ch
	l.readChar()
	if ch == '=' {
		return Token{Type: TokenError, Literal: "unexpected '=', use '==' to compare", Pos: pos}
	}
	return Token{Type: TokenError, Literal: fmt.Sprintf("unexpected character %q", ch), Pos: pos}
}

// readString reads a quoted literal and decodes its escapes.
func (l *Lexer) readString(pos Position) Token {
	quote := l.ch
	l.readChar()

	var sb strings.Builder
	for {
		switch {
		case l.ch == 0 && l.pos >= len(l.input):
			return Token{Type: TokenError, Literal: "unterminated string", Pos: pos}
		case l.ch == quote:
			l.readChar()
			return Token{Type: TokenString, Literal: sb.String(), Pos: pos}
		case l.ch == '\\':
			l.readChar()
			l.readEscape(&sb)
		default:
			sb.WriteRune(l.ch)
			l.readChar()
		}
	}
}

var simpleEscapes = map[rune]byte{
	'n':  '\n',
	't':  '\t',
	'r':  '\r',
	'a':  '\a',
	'b':  '\b',
	'f':  '\f',
	'v':  '\v',
	'0':  0,
	'\\': '\\',
	'"':  '"',
	'\'': '\'',
}

// readEscape decodes the escape following a backslash. \xHH and \oOOO
// produce one byte; \uHHHH produces the UTF-8 encoding of the code unit.
// Unknown escapes stand for the escaped character itself.
func (l *Lexer) readEscape(sb *strings.Builder) {
	if b, ok := simpleEscapes[l.ch]; ok {
		sb.WriteByte(b)
		l.readChar()
		return
	}
	switch l.ch {
	case 'x':
		l.readChar()
		if n, ok := l.readDigits(16, 2); ok {
			sb.WriteByte(byte(n))
			return
		}
		sb.WriteByte('x')
	case 'o':
		l.readChar()
		if n, ok := l.readDigits(8, 3); ok && n <= 0xFF {
			sb.WriteByte(byte(n))
			return
		}
		sb.WriteByte('o')
	case 'u':
		l.readChar()
		if n, ok := l.readDigits(16, 4); ok {
			sb.WriteRune(rune(n))
			return
		}
		sb.WriteByte('u')
	case 0:
	default:
		sb.WriteRune(l.ch)
		l.readChar()
	}
}

// readDigits consumes up to max digits in base and reports whether at
// least one was read.
func (l *Lexer) readDigits(base, max int) (int, bool) {
	n, read := 0, 0
	for read < max {
		d := digitValue(l.ch)
		if d < 0 || d >= base {
			break
		}
		n = n*base + d
		read++
		l.readChar()
	}
	return n, read > 0
}

func digitValue(r rune) int {
	switch {
	case r >= '0' && r <= '9':
		return int(r - '0')
	case r >= 'a' && r <= 'f':
		return int(r-'a') + 10
	case r >= 'A' && r <= 'F':
		return int(r-'A') + 10
	}
	return -1
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentChar(r rune) bool { return isIdentStart(r) || isDigit(r) }
