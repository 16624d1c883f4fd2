package compiler

import (
	"reflect"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/chazu/tmplvm/diag"
	"github.com/chazu/tmplvm/loader"
	"github.com/chazu/tmplvm/registry"
	"github.com/chazu/tmplvm/value"
	"github.com/chazu/tmplvm/vm"
)

func testData() value.Value {
	return value.FromGo(map[string]any{
		"n":     5,
		"v":     9,
		"name":  "ada",
		"which": "greet",
		"user":  map[string]any{"name": "ada"},
		"tags":  []any{"x", "y"},
		"h":     map[string]any{"b": 2, "a": 1},
		"empty": []any{},
		"rows": []any{
			map[string]any{"name": "a", "v": 1},
			map[string]any{"name": "b", "v": 2},
			map[string]any{"name": "c"},
		},
	})
}

// testRegistry returns a registry with a call counter behind "tick".
func testRegistry(ticks *int) *registry.Registry {
	reg := registry.New(0)
	reg.MustRegister("tick", registry.FuncOf(func(registry.Args, diag.Logger) (value.Value, error) {
		*ticks++
		return value.Int(1), nil
	}))
	reg.MustRegister("cat2", registry.FuncOf(func(args registry.Args, log diag.Logger) (value.Value, error) {
		if err := registry.Want(args, log, "cat2", 2, 2); err != nil {
			return value.Value{}, err
		}
		return value.Concat(args.At(0), args.At(1)), nil
	}))
	return reg
}

var testTemplates = map[string]string{
	"greet.tmpl": "Hello <TMPL_var who>!",
	"row.tmpl":   "<TMPL_var item.name>",
	"self.tmpl":  `<TMPL_include "self.tmpl">`,
	"bad.tmpl":   "line1\n<TMPL_var 1 +>",
}

type renderResult struct {
	out   string
	err   error
	ticks int
}

func render(t *testing.T, src string, opts Options) renderResult {
	t.Helper()
	var res renderResult
	reg := testRegistry(&res.ticks)
	if opts.Loader == nil {
		opts.Loader = loader.NewMapLoader(testTemplates)
	}
	u, err := CompileString("page.tmpl", src, reg, opts)
	if err != nil {
		res.err = err
		return res
	}
	p, err := vm.Load(u, reg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m := vm.New(vm.DefaultConfig())
	var sb strings.Builder
	if err := m.Init(p, testData(), &sb, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	res.err = m.Run()
	res.out = sb.String()
	if res.err == nil && m.Depth() != 0 {
		t.Errorf("%q left %d values on the stack", src, m.Depth())
	}
	return res
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"text", "hello", "hello"},
		{"precedence", "<TMPL_var 2 + 3 * 4>", "14"},
		{"parens", "<TMPL_var (2 + 3) * 4>", "20"},
		{"integer division", "<TMPL_var 7 / 2>", "3"},
		{"real division", "<TMPL_var 7.0 / 2>", "3.5"},
		{"div", "<TMPL_var 7 div 2>", "3"},
		{"mod", "<TMPL_var 7 mod 3>", "1"},
		{"negative mod", "<TMPL_var -7 % 3>", "-1"},
		{"concat", `<TMPL_var 1 + 2 ~ "x">`, "3x"},
		{"negate variable", "<TMPL_var -n>", "-5"},
		{"double negation", "<TMPL_var - -3>", "3"},
		{"not", "<TMPL_var !n><TMPL_var not 0>", "01"},
		{"real inf", "<TMPL_var 10.0 / 0>", "inf"},

		{"less", "<TMPL_var 1 < 2><TMPL_var 2 <= 1>", "10"},
		{"numeric string equality", `<TMPL_var "10" == 10>`, "1"},
		{"variable equality", "<TMPL_var n == 5><TMPL_var n != 5>", "10"},
		{"lexical", `<TMPL_var name eq "ada"><TMPL_var "b" gt "a"><TMPL_var "10" lt "9">`, "111"},
		{"and", "<TMPL_var (2 > 1) && (3 >= 2)><TMPL_var 1 and 0>", "10"},
		{"greater in parens", "<TMPL_var (n > 4)><TMPL_var (n >= 6)>", "10"},
		{"or", "<TMPL_var 0 || n><TMPL_var 0 or 0>", "10"},

		{"path", "<TMPL_var user.name>", "ada"},
		{"index", "<TMPL_var tags.1><TMPL_var tags:0>", "yx"},
		{"missing path", "[<TMPL_var missing.deep>]", "[]"},
		{"tag case", "<tmpl_VAR name>", "ada"},

		{"if", "<TMPL_if n>yes<TMPL_else>no</TMPL_if>", "yes"},
		{"if undefined", "<TMPL_if missing>yes<TMPL_else>no</TMPL_if>", "no"},
		{"unless", "<TMPL_unless missing>yes</TMPL_unless>", "yes"},
		{"unless else", "<TMPL_unless n>yes<TMPL_else>no</TMPL_unless>", "no"},
		{"elsif", "<TMPL_if n == 1>one<TMPL_elsif n == 5>five<TMPL_else>other</TMPL_if>", "five"},
		{"elsif fallthrough", "<TMPL_if n == 1>one<TMPL_elsif n == 2>two<TMPL_else>other</TMPL_if>", "other"},
		{"nested if", "<TMPL_if n><TMPL_if missing>a<TMPL_else>b</TMPL_if></TMPL_if>", "b"},
		{"constant empty branches", "<TMPL_if 1><TMPL_else></TMPL_if>", ""},
		{"constant skipped", "<TMPL_if 0>a<TMPL_else>b</TMPL_if>", "b"},

		{"foreach", "<TMPL_foreach rows as r><TMPL_var r.name></TMPL_foreach>", "abc"},
		{"foreach empty", "<TMPL_foreach empty as e>x</TMPL_foreach>done", "done"},
		{"foreach undefined", "<TMPL_foreach missing as e>x</TMPL_foreach>", ""},
		{"foreach hash", "<TMPL_foreach h as e><TMPL_var e></TMPL_foreach>", "12"},
		{"content", "<TMPL_foreach tags as t><TMPL_var __content__></TMPL_foreach>", "xy"},
		{
			"counter and last",
			"<TMPL_foreach tags as t><TMPL_var __counter__>:<TMPL_var t><TMPL_if __last__>.<TMPL_else>,</TMPL_if></TMPL_foreach>",
			"1:x,2:y.",
		},
		{
			"contextual variables",
			"<TMPL_foreach rows as r>[<TMPL_var __first__><TMPL_var __inner__><TMPL_var __last__>" +
				"<TMPL_var __odd__><TMPL_var __even__><TMPL_var __rcounter__><TMPL_var __size__>]</TMPL_foreach>",
			"[1001033][0100123][0011013]",
		},
		{"contextual case", "<TMPL_foreach tags as t><TMPL_var __COUNTER__></TMPL_foreach>", "12"},
		{
			"outer counter",
			"<TMPL_foreach tags as t><TMPL_foreach rows as r><TMPL_var t.__counter__><TMPL_var __counter__> </TMPL_foreach></TMPL_foreach>",
			"11 12 13 21 22 23 ",
		},
		{
			"outer item",
			"<TMPL_foreach tags as t><TMPL_foreach rows as r><TMPL_var t><TMPL_var r.name></TMPL_foreach>|</TMPL_foreach>",
			"xaxbxc|yaybyc|",
		},

		{"loop scope fallback", "<TMPL_loop rows><TMPL_var name>=<TMPL_var v>;</TMPL_loop>", "a=1;b=2;c=9;"},
		{"loop count", "<TMPL_loop 3><TMPL_var __counter__></TMPL_loop>", "123"},
		{"loop count scope", "<TMPL_loop 2><TMPL_var n></TMPL_loop>", "55"},
		{"loop zero", "<TMPL_loop 0>x</TMPL_loop>", ""},
		{"loop negative", "<TMPL_loop -2>x</TMPL_loop>", ""},

		{"include map", `<TMPL_include "greet.tmpl" map(who: user.name)>`, "Hello ada!"},
		{"include map compact", `<TMPL_include "greet.tmpl" map(who:name)>`, "Hello ada!"},
		{"include in loop", `<TMPL_foreach rows as r><TMPL_include "row.tmpl" map(item: r)></TMPL_foreach>`, "abc"},

		{"block", `<TMPL_block greet>Hi <TMPL_var name>.</TMPL_block><TMPL_call "greet"><TMPL_call which>`, "Hi ada.Hi ada."},
		{"forward call", `<TMPL_call "x">|<TMPL_block "x">X</TMPL_block>`, "X|"},

		{"comment", "a<TMPL_comment>b<TMPL_var x></TMPL_comment>c", "ac"},
		{"syscall arguments", `<TMPL_var cat2("a", "b")>`, "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := render(t, tt.src, Options{})
			if res.err != nil {
				t.Fatalf("render %q: %v", tt.src, res.err)
			}
			if res.out != tt.want {
				t.Errorf("render %q = %q, want %q", tt.src, res.out, tt.want)
			}
		})
	}
}

func TestShortCircuit(t *testing.T) {
	tests := []struct {
		src   string
		want  string
		ticks int
	}{
		{"<TMPL_var 0 && tick()>", "0", 0},
		{"<TMPL_var 1 || tick()>", "1", 0},
		{"<TMPL_var 1 && tick()>", "1", 1},
		{"<TMPL_var 0 || tick() || tick()>", "1", 1},
	}
	for _, tt := range tests {
		res := render(t, tt.src, Options{})
		if res.err != nil {
			t.Fatalf("render %q: %v", tt.src, res.err)
		}
		if res.out != tt.want || res.ticks != tt.ticks {
			t.Errorf("render %q = %q with %d calls, want %q with %d", tt.src, res.out, res.ticks, tt.want, tt.ticks)
		}
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"break", "<TMPL_break>", "<TMPL_break> is not implemented"},
		{"never closed", "<TMPL_if n>x", "<TMPL_if> is never closed"},
		{"else outside if", "<TMPL_else>", "outside <TMPL_if>"},
		{"unknown tag", "<TMPL_bogus>", "unknown tag <TMPL_bogus>"},
		{"missing expression", "<TMPL_var>", "missing expression"},
		{"trailing token", "<TMPL_var 1 2>", "after expression"},
		{"foreach without as", "<TMPL_foreach rows>x</TMPL_foreach>", "expected 'as'"},
		{"reserved iterator", "<TMPL_foreach rows as __first__></TMPL_foreach>", "loop variable"},
		{"counter outside loop", "<TMPL_var __counter__>", "used outside a loop"},
		{"unknown iterator", "<TMPL_foreach rows as r><TMPL_var q.__first__></TMPL_foreach>", "not an enclosing foreach"},
		{"unknown function", "<TMPL_var nosuch(1)>", `unknown function "nosuch"`},
		{"missing include", `<TMPL_include "nope.tmpl">`, "cannot include"},
		{"include depth", `<TMPL_include "self.tmpl">`, "include depth exceeds 16"},
		{"unterminated comment", "<TMPL_comment>x", "unterminated <TMPL_comment>"},
		{"duplicate block", "<TMPL_block a></TMPL_block><TMPL_block a></TMPL_block>", `block "a" is already defined`},
		{"single equals", "<TMPL_if n = 1></TMPL_if>", "use '=='"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := render(t, tt.src, Options{})
			if res.err == nil {
				t.Fatalf("render %q succeeded with %q", tt.src, res.out)
			}
			if !strings.Contains(res.err.Error(), tt.want) {
				t.Errorf("err = %v, want it to contain %q", res.err, tt.want)
			}
			if _, ok := LocationOf(res.err); !ok {
				t.Errorf("err %v carries no location", res.err)
			}
		})
	}
}

func TestOperatorMismatch(t *testing.T) {
	tests := []struct {
		src      string
		expected string
		found    string
	}{
		{"<TMPL_if n>x</TMPL_unless>", "if", "unless"},
		{"<TMPL_foreach rows as r></TMPL_loop>", "foreach", "loop"},
		{"text</TMPL_if>", "", "if"},
	}
	for _, tt := range tests {
		res := render(t, tt.src, Options{})
		var om *OperatorMismatch
		if !errors.As(res.err, &om) {
			t.Errorf("%q: err = %v, want an OperatorMismatch", tt.src, res.err)
			continue
		}
		if om.Expected != tt.expected || om.Found != tt.found {
			t.Errorf("%q: mismatch %q/%q, want %q/%q", tt.src, om.Expected, om.Found, tt.expected, tt.found)
		}
	}
}

func TestIncludeErrorLocation(t *testing.T) {
	res := render(t, "x\n<TMPL_include \"bad.tmpl\">", Options{})
	if res.err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(res.err.Error(), "in include file bad.tmpl at line 2") {
		t.Errorf("err = %v", res.err)
	}
	loc, ok := LocationOf(res.err)
	if !ok {
		t.Fatal("no location")
	}
	if src, line, _ := loc.Location(); src != "bad.tmpl" || line != 2 {
		t.Errorf("location %s:%d, want bad.tmpl:2", src, line)
	}
}

func TestNestingLimit(t *testing.T) {
	src := "<TMPL_if n><TMPL_if n><TMPL_if n></TMPL_if></TMPL_if></TMPL_if>"
	if res := render(t, src, Options{MaxDepth: 3}); res.err != nil {
		t.Fatalf("depth 3: %v", res.err)
	}
	res := render(t, src, Options{MaxDepth: 2})
	if res.err == nil || !strings.Contains(res.err.Error(), "nesting depth exceeds 2") {
		t.Errorf("err = %v", res.err)
	}
}

func TestConstantConditionWarning(t *testing.T) {
	tests := []struct {
		src     string
		want    string
		outcome string
	}{
		{"<TMPL_if 1>a<TMPL_else>b</TMPL_if>", "a", "always taken"},
		{"<TMPL_if 0>a<TMPL_else>b</TMPL_if>", "b", "always skipped"},
		{"<TMPL_unless 0>a</TMPL_unless>", "a", "always taken"},
		{`<TMPL_if "">a</TMPL_if>`, "", "always skipped"},
	}
	for _, tt := range tests {
		var log diag.Collector
		res := render(t, tt.src, Options{Log: &log})
		if res.err != nil {
			t.Fatalf("render %q: %v", tt.src, res.err)
		}
		if res.out != tt.want {
			t.Errorf("render %q = %q, want %q", tt.src, res.out, tt.want)
		}
		entries := log.Entries()
		if len(entries) != 1 || entries[0].Severity != diag.Warning || !strings.Contains(entries[0].Message, tt.outcome) {
			t.Errorf("render %q logged %v, want one warning containing %q", tt.src, entries, tt.outcome)
		}
	}

	var log diag.Collector
	if res := render(t, "<TMPL_if n>a</TMPL_if>", Options{Log: &log}); res.err != nil || len(log.Entries()) != 0 {
		t.Errorf("variable condition: err %v, entries %v", res.err, log.Entries())
	}
}

func TestRuntimeFaults(t *testing.T) {
	res := render(t, "line1\n<TMPL_var 10 / 0>", Options{})
	if !vm.IsKind(res.err, vm.ZeroDivision) {
		t.Fatalf("err = %v, want a zero division fault", res.err)
	}
	var f *vm.Fault
	if !errors.As(res.err, &f) {
		t.Fatal("not a *vm.Fault")
	}
	if f.Source != "page.tmpl" || f.Debug.Line() != 2 {
		t.Errorf("fault at %s:%d, want page.tmpl:2", f.Source, f.Debug.Line())
	}
	if res.out != "line1\n" {
		t.Errorf("output before the fault = %q", res.out)
	}

	res = render(t, `<TMPL_call "nope">`, Options{})
	if !vm.IsKind(res.err, vm.InvalidCall) {
		t.Errorf("undefined block: err = %v, want an invalid call fault", res.err)
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	src := `<TMPL_foreach rows as r><TMPL_var r.name ~ 1.5><TMPL_call "b"></TMPL_foreach><TMPL_block b>x</TMPL_block>`
	a, err := CompileString("page.tmpl", src, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := CompileString("page.tmpl", src, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("compiling the same source twice produced different units")
	}
}

func TestSnippet(t *testing.T) {
	src := "<ul>\n<TMPL_var (1 + )>\n</ul>"
	_, err := CompileString("page.tmpl", src, nil, Options{})
	if err == nil {
		t.Fatal("expected a syntax error")
	}
	loc, ok := LocationOf(err)
	if !ok {
		t.Fatalf("err %v has no location", err)
	}
	if _, line, col := loc.Location(); line != 2 || col != 16 {
		t.Errorf("location %d:%d, want 2:16", line, col)
	}

	snip := Snippet(err, src)
	lines := strings.Split(snip, "\n")
	var caret string
	for _, l := range lines {
		if strings.HasSuffix(l, "^") {
			caret = l
		}
	}
	if got := strings.Index(caret, "^") - len("     | "); got != 15 {
		t.Errorf("caret at column %d, want 15 spaces in:\n%s", got, snip)
	}
	for _, want := range []string{"   1 | <ul>", "   2 | <TMPL_var (1 + )>", "   3 | </ul>"} {
		if !strings.Contains(snip, want) {
			t.Errorf("snippet missing %q:\n%s", want, snip)
		}
	}
}
