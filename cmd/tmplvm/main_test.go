package main

import (
	"strings"
	"testing"

	"github.com/chazu/tmplvm/diag"
	"github.com/chazu/tmplvm/engine"
	"github.com/chazu/tmplvm/loader"
	"github.com/chazu/tmplvm/value"
)

func newTestREPL(t *testing.T) (*repl, *strings.Builder) {
	t.Helper()
	e, err := engine.New(engine.Options{Loader: loader.NewMapLoader(map[string]string{
		"greet.tmpl": "Hello <TMPL_var name>",
	})})
	if err != nil {
		t.Fatal(err)
	}
	var out strings.Builder
	return &repl{engine: e, out: &out}, &out
}

func TestDecodeData(t *testing.T) {
	tests := []struct {
		path string
		data string
		tmpl string
		want string
	}{
		{"site.yaml", "name: Ada\ntags: [x, y]\n", `<TMPL_var name>:<TMPL_var join(tags, ",")>`, "Ada:x,y"},
		{"site.yml", "n: 2.5\n", `<TMPL_var n * 2>`, "5"},
		{"site.json", `{"n": 3, "s": "a"}`, `<TMPL_var n + 1><TMPL_var s>`, "4a"},
		{"-", `{"nested": {"k": "v"}}`, `<TMPL_var nested.k>`, "v"},
		{"site.cbor", cborDoc(t, map[string]any{"name": "Ada", "n": 3, "tags": []any{"x", "y"}}),
			`<TMPL_var name>:<TMPL_var n + 1>:<TMPL_var join(tags, ",")>`, "Ada:4:x,y"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			root, err := decodeData(tt.path, []byte(tt.data))
			if err != nil {
				t.Fatal(err)
			}
			r, out := newTestREPL(t)
			r.root = root
			r.eval(tt.tmpl)
			if got := strings.TrimSuffix(out.String(), "\n"); got != tt.want {
				t.Errorf("rendered %q, want %q", got, tt.want)
			}
		})
	}
}

func cborDoc(t *testing.T, x any) string {
	t.Helper()
	data, err := value.FromGo(x).MarshalCBOR()
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestDecodeDataErrors(t *testing.T) {
	if _, err := decodeData("bad.json", []byte("{")); err == nil || !strings.Contains(err.Error(), "bad.json") {
		t.Errorf("bad JSON: %v", err)
	}
	if _, err := decodeData("bad.yaml", []byte("a: [")); err == nil {
		t.Error("bad YAML decoded")
	}
	if _, err := decodeData("bad.cbor", []byte{0xbf}); err == nil || !strings.Contains(err.Error(), "bad.cbor") {
		t.Errorf("bad CBOR: %v", err)
	}
	if v, err := loadData(""); err != nil || !v.IsUndefined() {
		t.Errorf("empty path = %v, %v", v, err)
	}
}

func TestVerbosity(t *testing.T) {
	tests := []struct {
		sev  diag.Severity
		want int
	}{
		{diag.Notice, 0},
		{diag.Debug, 2},
		{diag.Warning, -1},
		{diag.Error, -2},
	}
	for _, tt := range tests {
		if got := verbosity(tt.sev); got != tt.want {
			t.Errorf("verbosity(%v) = %d, want %d", tt.sev, got, tt.want)
		}
	}
}

func TestREPLEval(t *testing.T) {
	r, out := newTestREPL(t)
	r.root = value.FromGo(map[string]any{"xs": []any{1, 2, 3}})

	r.eval("<TMPL_foreach xs as x><TMPL_var x * x> </TMPL_foreach>")
	if got := out.String(); got != "1 4 9 \n" {
		t.Errorf("output = %q", got)
	}

	out.Reset()
	r.eval("<TMPL_var 1 +>")
	if got := out.String(); !strings.Contains(got, "missing expression") || !strings.Contains(got, "^") {
		t.Errorf("fault output = %q", got)
	}
}

func TestREPLCommands(t *testing.T) {
	r, out := newTestREPL(t)

	if r.command(":help") {
		t.Error(":help quit the REPL")
	}
	if !strings.Contains(out.String(), ":data") {
		t.Errorf("help = %q", out.String())
	}

	out.Reset()
	r.root = value.FromGo(map[string]any{"name": "Bo"})
	r.command(":render greet.tmpl")
	if got := out.String(); got != "Hello Bo\n" {
		t.Errorf(":render = %q", got)
	}

	out.Reset()
	r.command(":disasm")
	r.eval("x")
	if got := out.String(); !strings.Contains(got, "disassembly on") || !strings.Contains(got, replName) {
		t.Errorf(":disasm output = %q", got)
	}

	out.Reset()
	r.command(":bogus")
	if !strings.Contains(out.String(), "Unknown command") {
		t.Errorf("unknown command output = %q", out.String())
	}

	if !r.command(":quit") {
		t.Error(":quit did not quit")
	}
}

func TestUnclosed(t *testing.T) {
	r, _ := newTestREPL(t)
	tests := []struct {
		text string
		want bool
	}{
		{"<TMPL_if 1>x", true},
		{"<TMPL_foreach xs as x>\n<TMPL_var x>", true},
		{"<TMPL_if 1>x</TMPL_if>", false},
		{"<TMPL_var 1 +>", false},
		{"plain", false},
	}
	for _, tt := range tests {
		if got := unclosed(r.engine, tt.text); got != tt.want {
			t.Errorf("unclosed(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestComplete(t *testing.T) {
	r, _ := newTestREPL(t)
	tests := []struct {
		line string
		want string
	}{
		{"a <TMPL_fore", "a <TMPL_foreach"},
		{"x </TMPL_i", "x </TMPL_if>"},
		{"<TMPL_var upp", "<TMPL_var upper("},
	}
	for _, tt := range tests {
		got := r.complete(tt.line)
		if len(got) != 1 || got[0] != tt.want {
			t.Errorf("complete(%q) = %v, want [%s]", tt.line, got, tt.want)
		}
	}
	if got := r.complete("x "); got != nil {
		t.Errorf("complete at space = %v", got)
	}
}
