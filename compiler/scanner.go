package compiler

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// pieceKind classifies what the tag scanner returns.
type pieceKind int

const (
	pieceEOF   pieceKind = iota
	pieceText            // literal template text
	pieceOpen            // <TMPL_name body>
	pieceClose           // </TMPL_name>
)

// piece is one unit of template source: a run of text or a tag.
type piece struct {
	kind    pieceKind
	name    string   // lower-cased tag name
	text    string   // literal text, or the tag body
	pos     Position // start of the piece
	bodyPos Position // start of the tag body
}

func (p piece) String() string {
	switch p.kind {
	case pieceEOF:
		return "end of template"
	case pieceOpen:
		return "<TMPL_" + p.name + ">"
	case pieceClose:
		return "</TMPL_" + p.name + ">"
	}
	return "text"
}

const (
	openPrefix  = "<tmpl_"
	closePrefix = "</tmpl_"
)

// scanner splits template source into text runs and tags. Tag names are
// case-insensitive. Inside a tag, '>' within a quoted string or within
// parentheses does not end the tag, so "a > b" must be written "(a > b)"
// or "a gt b".
type scanner struct {
	src    string
	source string // template name, for faults
	off    int
	line   int
	col    int
}

func newScanner(source, src string) *scanner {
	return &scanner{src: src, source: source, line: 1, col: 1}
}

func (s *scanner) position() Position {
	return Position{Offset: s.off, Line: s.line, Column: s.col}
}

// advance moves forward n bytes, tracking lines and columns.
func (s *scanner) advance(n int) {
	end := s.off + n
	for s.off < end {
		r, size := utf8.DecodeRuneInString(s.src[s.off:])
		s.off += size
		if r == '\n' {
			s.line++
			s.col = 1
		} else {
			s.col++
		}
	}
}

func (s *scanner) fault(pos Position, format string, args ...any) error {
	return &SyntaxFault{Source: s.source, Line: pos.Line, Column: pos.Column, Msg: fmt.Sprintf(format, args...)}
}

// tagAt reports whether a tag starts at offset i, and its prefix length.
func (s *scanner) tagAt(i int) (closing bool, n int, ok bool) {
	rest := s.src[i:]
	switch {
	case hasPrefixFold(rest, closePrefix):
		return true, len(closePrefix), true
	case hasPrefixFold(rest, openPrefix):
		return false, len(openPrefix), true
	}
	return false, 0, false
}

// next returns the next piece.
func (s *scanner) next() (piece, error) {
	if s.off >= len(s.src) {
		return piece{kind: pieceEOF, pos: s.position()}, nil
	}

	start := s.position()
	for i := s.off; i < len(s.src); {
		j := strings.IndexByte(s.src[i:], '<')
		if j < 0 {
			break
		}
		i += j
		if _, _, ok := s.tagAt(i); ok {
			if i > s.off {
				text := s.src[s.off:i]
				s.advance(i - s.off)
				return piece{kind: pieceText, text: text, pos: start}, nil
			}
			return s.tag()
		}
		i++
	}
	text := s.src[s.off:]
	s.advance(len(text))
	return piece{kind: pieceText, text: text, pos: start}, nil
}

// tag reads the tag starting at the current offset.
func (s *scanner) tag() (piece, error) {
	pos := s.position()
	closing, n, _ := s.tagAt(s.off)
	s.advance(n)

	nameStart := s.off
	for s.off < len(s.src) && isIdentChar(rune(s.src[s.off])) {
		s.advance(1)
	}
	name := strings.ToLower(s.src[nameStart:s.off])
	if name == "" {
		return piece{}, s.fault(pos, "missing tag name")
	}

	bodyPos := s.position()
	end, ok := tagEnd(s.src, s.off)
	if !ok {
		return piece{}, s.fault(pos, "unterminated <TMPL_%s> tag", name)
	}
	body := s.src[s.off:end]
	s.advance(end + 1 - s.off)

	if closing {
		if strings.TrimSpace(body) != "" {
			return piece{}, s.fault(bodyPos, "unexpected text in closing tag </TMPL_%s>", name)
		}
		return piece{kind: pieceClose, name: name, pos: pos, bodyPos: bodyPos}, nil
	}
	return piece{kind: pieceOpen, name: name, text: body, pos: pos, bodyPos: bodyPos}, nil
}

// tagEnd finds the '>' that closes a tag body starting at i. A '>' inside
// a quoted string or inside parentheses belongs to the expression.
func tagEnd(src string, i int) (int, bool) {
	var quote byte
	parens := 0
	for ; i < len(src); i++ {
		c := src[i]
		switch {
		case quote != 0 && c == '\\':
			i++
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(':
			parens++
		case c == ')' && parens > 0:
			parens--
		case c == '>' && parens == 0:
			return i, true
		}
	}
	return 0, false
}

// skipComment skips a comment body up to its balanced closer. Tags inside
// are not parsed, only comment openers and closers are counted.
func (s *scanner) skipComment(open piece) error {
	depth := 1
	for i := s.off; i < len(s.src); {
		j := strings.IndexByte(s.src[i:], '<')
		if j < 0 {
			break
		}
		i += j
		closing, n, ok := s.tagAt(i)
		if !ok || !hasPrefixFold(s.src[i+n:], "comment") ||
			(i+n+7 < len(s.src) && isIdentChar(rune(s.src[i+n+7]))) {
			i++
			continue
		}
		end, ok := tagEnd(s.src, i+n+7)
		if !ok {
			break
		}
		if closing {
			depth--
		} else {
			depth++
		}
		i = end + 1
		if depth == 0 {
			s.advance(i - s.off)
			return nil
		}
	}
	return s.fault(open.pos, "unterminated <TMPL_comment>")
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
