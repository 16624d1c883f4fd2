package compiler

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Token types for the expression lexer
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError

	// Literals
	TokenInteger // 42
	TokenFloat   // 3.14, 1.5e10
	TokenString  // "hello", 'hello'
	TokenIdent   // name, user.name, rows:0:title

	// Operators and delimiters
	TokenOperator // || && == != < > <= >= + - ~ * / % !
	TokenLParen   // (
	TokenRParen   // )
	TokenComma    // ,
	TokenColon    // :
)

var tokenNames = map[TokenType]string{
	TokenEOF:      "EOF",
	TokenError:    "ERROR",
	TokenInteger:  "INTEGER",
	TokenFloat:    "FLOAT",
	TokenString:   "STRING",
	TokenIdent:    "IDENT",
	TokenOperator: "OPERATOR",
	TokenLParen:   "(",
	TokenRParen:   ")",
	TokenComma:    ",",
	TokenColon:    ":",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", t)
}

// Position is a location in template source.
type Position struct {
	Offset int // byte offset
	Line   int // 1-based line number
	Column int // 1-based column number
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string   // raw text; the decoded value for strings
	Pos     Position // start position
}

func (t Token) String() string {
	if t.Type == TokenEOF {
		return "EOF"
	}
	if t.Type == TokenError {
		return fmt.Sprintf("ERROR(%s)", t.Literal)
	}
	if len(t.Literal) > 20 {
		return fmt.Sprintf("%s(%q...)", t.Type, t.Literal[:20])
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}

// is reports whether t is the operator or word spelled s.
func (t Token) is(s string) bool {
	switch t.Type {
	case TokenOperator:
		return t.Literal == s
	case TokenIdent:
		return strings.EqualFold(t.Literal, s)
	}
	return false
}

// Word operators. They are reserved and cannot name variables.
var wordOperators = map[string]string{
	"or":  "||",
	"and": "&&",
	"not": "!",
	"eq":  "eq",
	"ne":  "ne",
	"lt":  "lt",
	"gt":  "gt",
	"le":  "le",
	"ge":  "ge",
	"div": "div",
	"mod": "mod",
}

// operator returns the canonical operator spelled by t, folding word
// operators onto their symbols, or "" when t is not an operator.
func (t Token) operator() string {
	switch t.Type {
	case TokenOperator:
		return t.Literal
	case TokenIdent:
		if op, ok := wordOperators[strings.ToLower(t.Literal)]; ok {
			return op
		}
	}
	return ""
}
