// Package sink re-encodes rendered UTF-8 output into a target charset.
package sink

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// CharsetFault reports an unknown charset, or input the charset cannot
// represent. Offset counts input bytes from the first Write.
type CharsetFault struct {
	Charset string
	Rune    rune // 0 when the charset itself is the problem
	Offset  int64
	Msg     string
}

func (e *CharsetFault) Error() string {
	if e.Rune != 0 {
		return fmt.Sprintf("charset %s: cannot encode %q at byte %d", e.Charset, e.Rune, e.Offset)
	}
	return fmt.Sprintf("charset %s: %s", e.Charset, e.Msg)
}

// Mode selects what happens to runes the charset lacks.
type Mode int

const (
	Strict     Mode = iota // fail with a CharsetFault
	Replace                // substitute the charset's replacement character
	HTMLEscape             // write a numeric character reference
)

// Lookup resolves an IANA charset name and returns its canonical name.
// UTF-8 yields a nil Encoding.
func Lookup(charset string) (encoding.Encoding, string, error) {
	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil {
		return nil, "", &CharsetFault{Charset: charset, Msg: "unknown charset"}
	}
	if enc == nil {
		return nil, "", &CharsetFault{Charset: charset, Msg: "charset is registered but not supported"}
	}
	name, err := ianaindex.IANA.Name(enc)
	if err != nil {
		name = charset
	}
	if strings.EqualFold(name, "UTF-8") {
		return nil, "UTF-8", nil
	}
	return enc, name, nil
}

// Encoder is an io.Writer that converts UTF-8 to a charset before
// writing to the underlying writer. A rune split across Writes is held
// until it is complete.
type Encoder struct {
	w        io.Writer
	charset  string
	enc      *encoding.Encoder // nil for UTF-8 passthrough
	pending  []byte
	consumed int64
}

// NewEncoder returns a writer encoding into charset. An empty charset
// means UTF-8.
func NewEncoder(w io.Writer, charset string, mode Mode) (*Encoder, error) {
	if charset == "" {
		return &Encoder{w: w, charset: "UTF-8"}, nil
	}
	enc, name, err := Lookup(charset)
	if err != nil {
		return nil, err
	}
	e := &Encoder{w: w, charset: name}
	if enc == nil {
		return e, nil
	}
	e.enc = enc.NewEncoder()
	switch mode {
	case Replace:
		e.enc = encoding.ReplaceUnsupported(e.enc)
	case HTMLEscape:
		e.enc = encoding.HTMLEscapeUnsupported(e.enc)
	}
	return e, nil
}

// Charset returns the canonical name of the target charset.
func (e *Encoder) Charset() string { return e.charset }

func (e *Encoder) Write(p []byte) (int, error) {
	if e.enc == nil {
		n, err := e.w.Write(p)
		e.consumed += int64(n)
		return n, err
	}

	buf := append(e.pending, p...)
	cut := completePrefix(buf)
	if cut == 0 {
		e.pending = buf
		return len(p), nil
	}

	out, err := e.enc.Bytes(buf[:cut])
	if err != nil {
		return 0, e.locate(buf[:cut], err)
	}
	if _, err := e.w.Write(out); err != nil {
		return 0, errors.Wrap(err, "write encoded output")
	}
	e.consumed += int64(cut)
	e.pending = append(e.pending[:0], buf[cut:]...)
	return len(p), nil
}

// WriteString lets io.WriteString skip a conversion.
func (e *Encoder) WriteString(s string) (int, error) { return e.Write([]byte(s)) }

// Close reports a rune left incomplete by the last Write. It does not
// close the underlying writer.
func (e *Encoder) Close() error {
	if len(e.pending) == 0 {
		return nil
	}
	return &CharsetFault{Charset: e.charset, Offset: e.consumed, Msg: "output ends inside a UTF-8 sequence"}
}

// locate finds the first rune of p the charset rejects.
func (e *Encoder) locate(p []byte, cause error) error {
	for i := 0; i < len(p); {
		r, size := utf8.DecodeRune(p[i:])
		if _, err := e.enc.Bytes(p[i : i+size]); err != nil {
			return &CharsetFault{Charset: e.charset, Rune: r, Offset: e.consumed + int64(i)}
		}
		i += size
	}
	return &CharsetFault{Charset: e.charset, Offset: e.consumed, Msg: cause.Error()}
}

// completePrefix returns the length of p without a trailing incomplete
// UTF-8 sequence.
func completePrefix(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}
