package value

import (
	"strconv"
	"strings"
)

// EscapeFunc transforms string contents before Dump quotes them.
type EscapeFunc func(string) string

// QuoteEscape escapes backslashes, double quotes and control characters.
func QuoteEscape(s string) string {
	q := strconv.Quote(s)
	return q[1 : len(q)-1]
}

// Dump renders v on one line in a JSON-like form. Strings are passed
// through escape, or QuoteEscape when escape is nil. Hash keys are sorted.
func Dump(v Value, escape EscapeFunc) string {
	var b strings.Builder
	dump(&b, v, escape, "", "")
	return b.String()
}

// RecursiveDump renders v across several lines, indenting nested
// containers by indent per level.
func RecursiveDump(v Value, escape EscapeFunc, indent string) string {
	var b strings.Builder
	dump(&b, v, escape, indent, "")
	return b.String()
}

func dump(b *strings.Builder, v Value, escape EscapeFunc, indent, prefix string) {
	if escape == nil {
		escape = QuoteEscape
	}
	switch v.kind {
	case Undefined:
		b.WriteString("undef")
	case Integer, Real:
		b.WriteString(v.String())
	case Pointer:
		b.WriteString(v.String())
	case String:
		b.WriteByte('"')
		b.WriteString(escape(v.box.str))
		b.WriteByte('"')
	case Array:
		if len(v.box.elems) == 0 {
			b.WriteString("[]")
			return
		}
		b.WriteByte('[')
		inner := prefix + indent
		for i, e := range v.box.elems {
			if i > 0 {
				separator(b, indent)
			}
			newline(b, indent, inner)
			dump(b, e, escape, indent, inner)
		}
		newline(b, indent, prefix)
		b.WriteByte(']')
	case Hash:
		keys := v.Keys()
		if len(keys) == 0 {
			b.WriteString("{}")
			return
		}
		b.WriteByte('{')
		inner := prefix + indent
		for i, k := range keys {
			if i > 0 {
				separator(b, indent)
			}
			newline(b, indent, inner)
			b.WriteByte('"')
			b.WriteString(escape(k))
			b.WriteString(`": `)
			dump(b, *v.box.keys[k], escape, indent, inner)
		}
		newline(b, indent, prefix)
		b.WriteByte('}')
	}
}

func separator(b *strings.Builder, indent string) {
	b.WriteByte(',')
	if indent == "" {
		b.WriteByte(' ')
	}
}

func newline(b *strings.Builder, indent, prefix string) {
	if indent == "" {
		return
	}
	b.WriteByte('\n')
	b.WriteString(prefix)
}
