package compiler

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// SyntaxFault is a compile-time error at a template location.
type SyntaxFault struct {
	Source string
	Line   int
	Column int
	Msg    string
}

func (e *SyntaxFault) Error() string {
	return fmt.Sprintf("syntax error in %s at %d:%d: %s", sourceLabel(e.Source), e.Line, e.Column, e.Msg)
}

// Location returns where the fault was detected.
func (e *SyntaxFault) Location() (string, int, int) { return e.Source, e.Line, e.Column }

// OperatorMismatch reports a closing tag that does not match the innermost
// open tag.
type OperatorMismatch struct {
	Expected string // tag name expected to close, "" at top level
	Found    string // tag name found
	Source   string
	Line     int
	Column   int
}

func (e *OperatorMismatch) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("operator mismatch in %s at %d:%d: </TMPL_%s> has no opening tag",
			sourceLabel(e.Source), e.Line, e.Column, e.Found)
	}
	return fmt.Sprintf("operator mismatch in %s at %d:%d: expected </TMPL_%s>, found </TMPL_%s>",
		sourceLabel(e.Source), e.Line, e.Column, e.Expected, e.Found)
}

// Location returns where the fault was detected.
func (e *OperatorMismatch) Location() (string, int, int) { return e.Source, e.Line, e.Column }

// Located is implemented by compile-time faults.
type Located interface {
	error
	Location() (source string, line, col int)
}

// LocationOf returns the innermost compile-time fault in err's chain, if
// any. For a fault raised inside an included template that is the
// location inside the included file.
func LocationOf(err error) (Located, bool) {
	var sf *SyntaxFault
	if errors.As(err, &sf) {
		return sf, true
	}
	var om *OperatorMismatch
	if errors.As(err, &om) {
		return om, true
	}
	return nil, false
}

func sourceLabel(name string) string {
	if name == "" {
		return "<string>"
	}
	return name
}

// Snippet renders err with a caret under the faulting column of src, with
// one line of context on each side:
//
//	syntax error in page.tmpl at 2:12: unexpected token ")"
//
//	   1 | <ul>
//	   2 | <TMPL_var (a + )>
//	     |            ^
//	   3 | </ul>
//
// src must be the text of the template the fault points into. Errors
// that carry no location are rendered as their message.
func Snippet(err error, src string) string {
	loc, ok := LocationOf(err)
	if !ok {
		return err.Error()
	}
	_, line, col := loc.Location()

	lines := strings.Split(src, "\n")
	if line < 1 {
		line = 1
	}
	if line > len(lines) {
		line = len(lines)
	}
	if col < 1 {
		col = 1
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", err.Error())
	if line > 1 {
		fmt.Fprintf(&b, "%4d | %s\n", line-1, lines[line-2])
	}
	fmt.Fprintf(&b, "%4d | %s\n", line, lines[line-1])
	fmt.Fprintf(&b, "     | %s^\n", strings.Repeat(" ", col-1))
	if line < len(lines) {
		fmt.Fprintf(&b, "%4d | %s\n", line+1, lines[line])
	}
	return b.String()
}
