package builtins

import (
	"strings"
	"testing"

	"github.com/chazu/tmplvm/compiler"
	"github.com/chazu/tmplvm/diag"
	"github.com/chazu/tmplvm/registry"
	"github.com/chazu/tmplvm/value"
	"github.com/chazu/tmplvm/vm"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(0)
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	return reg
}

func call(t *testing.T, reg *registry.Registry, name string, args ...value.Value) (value.Value, error) {
	t.Helper()
	_, fn, ok := reg.LookupName(name)
	if !ok {
		t.Fatalf("%s is not registered", name)
	}
	return fn.Call(registry.Slice(args), diag.Discard)
}

func TestBuiltins(t *testing.T) {
	reg := newRegistry(t)
	list := value.FromGo([]any{"a", "b", 3})
	hash := value.FromGo(map[string]any{"z": 1, "a": 2})

	tests := []struct {
		name string
		args []value.Value
		want string
	}{
		{"size", []value.Value{list}, "3"},
		{"size", []value.Value{value.Str("héllo")}, "6"},
		{"defined", []value.Value{value.Value{}}, "0"},
		{"defined", []value.Value{value.Int(0)}, "1"},
		{"default", []value.Value{value.Value{}, value.Str("x")}, "x"},
		{"default", []value.Value{value.Str(""), value.Str("x")}, "x"},
		{"default", []value.Value{value.Int(0), value.Str("x")}, "0"},
		{"htmlescape", []value.Value{value.Str(`<a href="x">&</a>`)}, "&lt;a href=&#34;x&#34;&gt;&amp;&lt;/a&gt;"},
		{"urlescape", []value.Value{value.Str("a b&c")}, "a+b%26c"},
		{"upper", []value.Value{value.Str("straße")}, "STRASSE"},
		{"lower", []value.Value{value.Str("ÀB")}, "àb"},
		{"title", []value.Value{value.Str("hello world")}, "Hello World"},
		{"substr", []value.Value{value.Str("héllo"), value.Int(1), value.Int(3)}, "éll"},
		{"substr", []value.Value{value.Str("hello"), value.Int(-2)}, "lo"},
		{"substr", []value.Value{value.Str("hello"), value.Int(9)}, ""},
		{"join", []value.Value{list, value.Str(", ")}, "a, b, 3"},
		{"keys", []value.Value{hash}, `["a", "z"]`},
		{"dump", []value.Value{hash}, `{"a": 2, "z": 1}`},
		{"json", []value.Value{hash}, `{"a":2,"z":1}`},
		{"yaml", []value.Value{list}, "- a\n- b\n- 3\n"},
		{"sprintf", []value.Value{value.Str("%s=%d"), value.Str("n"), value.Int(4)}, "n=4"},
	}
	for _, tt := range tests {
		got, err := call(t, reg, tt.name, tt.args...)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("%s(%v) = %q, want %q", tt.name, tt.args, got.String(), tt.want)
		}
	}
}

func TestBuiltinUsage(t *testing.T) {
	reg := newRegistry(t)
	tests := []struct {
		name string
		args []value.Value
	}{
		{"size", nil},
		{"upper", []value.Value{value.Str("a"), value.Str("b")}},
		{"join", []value.Value{value.Str("a"), value.Str(",")}},
		{"keys", []value.Value{value.Int(1)}},
		{"substr", []value.Value{value.Str("a")}},
		{"sprintf", nil},
	}
	for _, tt := range tests {
		var log diag.Collector
		_, fn, _ := reg.LookupName(tt.name)
		_, err := fn.Call(registry.Slice(tt.args), &log)
		if _, ok := err.(*registry.UsageError); !ok {
			t.Errorf("%s: err = %v, want a UsageError", tt.name, err)
		}
		if log.Count(diag.Error) != 1 {
			t.Errorf("%s: logged %v, want one error", tt.name, log.Entries())
		}
	}
}

func TestNamesMatchRegistration(t *testing.T) {
	reg := newRegistry(t)
	if reg.Len() != len(Names()) {
		t.Errorf("registered %d, Names has %d", reg.Len(), len(Names()))
	}
	if err := Register(reg); err == nil {
		t.Error("registering twice succeeded")
	}
}

func TestLookupBindsRoot(t *testing.T) {
	reg := newRegistry(t)
	src := `<TMPL_foreach rows as r><TMPL_var r.name>@<TMPL_var upper(lookup("site.name"))> </TMPL_foreach>`
	u, err := compiler.CompileString("page.tmpl", src, reg, compiler.Options{})
	if err != nil {
		t.Fatal(err)
	}
	p, err := vm.Load(u, reg)
	if err != nil {
		t.Fatal(err)
	}

	for _, site := range []string{"one", "two"} {
		root := value.FromGo(map[string]any{
			"site": map[string]any{"name": site},
			"rows": []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}},
		})
		var sb strings.Builder
		m := vm.New(vm.DefaultConfig())
		if err := m.Init(p, root, &sb, nil); err != nil {
			t.Fatal(err)
		}
		if err := m.Run(); err != nil {
			t.Fatal(err)
		}
		up := strings.ToUpper(site)
		if want := "a@" + up + " b@" + up + " "; sb.String() != want {
			t.Errorf("output = %q, want %q", sb.String(), want)
		}
	}
}
