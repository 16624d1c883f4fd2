// Package builtins is a small library of native functions for templates.
//
// Every function checks its argument count with registry.Want and reports
// misuse through the diagnostics logger before failing the call.
package builtins

import (
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/chazu/tmplvm/diag"
	"github.com/chazu/tmplvm/registry"
	"github.com/chazu/tmplvm/value"
)

type entry struct {
	name string
	fn   registry.Func
}

// table lists the library in registration order.
var table = []entry{
	{"size", fixed("size", 1, size)},
	{"defined", fixed("defined", 1, defined)},
	{"default", fixed("default", 2, fallback)},
	{"htmlescape", fixed("htmlescape", 1, htmlEscape)},
	{"urlescape", fixed("urlescape", 1, urlEscape)},
	{"upper", fixed("upper", 1, upper)},
	{"lower", fixed("lower", 1, lower)},
	{"title", fixed("title", 1, title)},
	{"substr", registry.FuncOf(substr)},
	{"join", fixed("join", 2, join)},
	{"keys", fixed("keys", 1, keys)},
	{"dump", fixed("dump", 1, dump)},
	{"json", registry.FuncOf(toJSON)},
	{"yaml", fixed("yaml", 1, toYAML)},
	{"sprintf", registry.FuncOf(sprintf)},
	{"lookup", &Lookup{}},
}

// Register adds every builtin to reg.
func Register(reg *registry.Registry) error {
	for _, e := range table {
		if _, err := reg.Register(e.name, e.fn); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the builtin names in registration order.
func Names() []string {
	names := make([]string, len(table))
	for i, e := range table {
		names[i] = e.name
	}
	return names
}

// fixed wraps a function taking exactly n arguments.
func fixed(name string, n int, fn func(args []value.Value, log diag.Logger) (value.Value, error)) registry.Func {
	return registry.FuncOf(func(args registry.Args, log diag.Logger) (value.Value, error) {
		if err := registry.Want(args, log, name, n, n); err != nil {
			return value.Value{}, err
		}
		vals := make([]value.Value, n)
		for i := range vals {
			vals[i] = args.At(i)
		}
		return fn(vals, log)
	})
}

func size(args []value.Value, _ diag.Logger) (value.Value, error) {
	return value.Int(int64(args[0].Size())), nil
}

func defined(args []value.Value, _ diag.Logger) (value.Value, error) {
	return value.Bool(!args[0].IsUndefined()), nil
}

// fallback returns its first argument unless that is undefined or empty.
func fallback(args []value.Value, _ diag.Logger) (value.Value, error) {
	if args[0].IsUndefined() || (args[0].Kind().IsString() && args[0].Size() == 0) {
		return args[1].Copy(), nil
	}
	return args[0].Copy(), nil
}

func htmlEscape(args []value.Value, _ diag.Logger) (value.Value, error) {
	return value.Str(html.EscapeString(args[0].String())), nil
}

func urlEscape(args []value.Value, _ diag.Logger) (value.Value, error) {
	return value.Str(url.QueryEscape(args[0].String())), nil
}

func upper(args []value.Value, _ diag.Logger) (value.Value, error) {
	return value.Str(cases.Upper(language.Und).String(args[0].String())), nil
}

func lower(args []value.Value, _ diag.Logger) (value.Value, error) {
	return value.Str(cases.Lower(language.Und).String(args[0].String())), nil
}

func title(args []value.Value, _ diag.Logger) (value.Value, error) {
	return value.Str(cases.Title(language.Und).String(args[0].String())), nil
}

// substr(s, start [, length]) counts in runes. A negative start counts
// from the end.
func substr(args registry.Args, log diag.Logger) (value.Value, error) {
	if err := registry.Want(args, log, "substr", 2, 3); err != nil {
		return value.Value{}, err
	}
	r := []rune(args.At(0).String())
	start := int(args.At(1).Int64())
	if start < 0 {
		start += len(r)
	}
	start = clamp(start, 0, len(r))
	end := len(r)
	if args.Len() == 3 {
		end = clamp(start+int(args.At(2).Int64()), start, len(r))
	}
	return value.Str(string(r[start:end])), nil
}

func clamp(n, lo, hi int) int {
	return max(lo, min(n, hi))
}

func join(args []value.Value, log diag.Logger) (value.Value, error) {
	if args[0].Kind() != value.Array {
		return value.Value{}, registry.Usage(log, "join", "first argument must be an array, got %s", args[0].Kind())
	}
	elems := args[0].Elems()
	parts := make([]string, len(elems))
	for i, e := range elems {
		parts[i] = e.String()
		e.Release()
	}
	return value.Str(strings.Join(parts, args[1].String())), nil
}

func keys(args []value.Value, log diag.Logger) (value.Value, error) {
	if args[0].Kind() != value.Hash {
		return value.Value{}, registry.Usage(log, "keys", "argument must be a hash, got %s", args[0].Kind())
	}
	ks := args[0].Keys()
	out := make([]value.Value, len(ks))
	for i, k := range ks {
		out[i] = value.Str(k)
	}
	return value.NewArray(out...), nil
}

func dump(args []value.Value, _ diag.Logger) (value.Value, error) {
	return value.Str(value.Dump(args[0], nil)), nil
}

// json(x [, indent]) encodes x as JSON.
func toJSON(args registry.Args, log diag.Logger) (value.Value, error) {
	if err := registry.Want(args, log, "json", 1, 2); err != nil {
		return value.Value{}, err
	}
	var (
		data []byte
		err  error
	)
	if args.Len() == 2 {
		data, err = json.MarshalIndent(value.ToGo(args.At(0)), "", args.At(1).String())
	} else {
		data, err = json.Marshal(value.ToGo(args.At(0)))
	}
	if err != nil {
		return value.Value{}, registry.Usage(log, "json", "%v", err)
	}
	return value.Str(string(data)), nil
}

func toYAML(args []value.Value, log diag.Logger) (value.Value, error) {
	data, err := yaml.Marshal(value.ToGo(args[0]))
	if err != nil {
		return value.Value{}, registry.Usage(log, "yaml", "%v", err)
	}
	return value.Str(string(data)), nil
}

// sprintf(format, args...) formats with Go verbs. Strings stay strings,
// so numeric strings need %s or %v.
func sprintf(args registry.Args, log diag.Logger) (value.Value, error) {
	if err := registry.Want(args, log, "sprintf", 1, -1); err != nil {
		return value.Value{}, err
	}
	rest := make([]any, args.Len()-1)
	for i := range rest {
		rest[i] = value.ToGo(args.At(i + 1))
	}
	return value.Str(fmt.Sprintf(args.At(0).String(), rest...)), nil
}

// Lookup is lookup(path): the value at a dotted path below the render's
// root, for templates that need to escape the current loop scope. It is
// bound to the root at VM Init.
type Lookup struct {
	root value.Value
}

// Bind captures the render's root value.
func (l *Lookup) Bind(env registry.Env) (registry.Func, error) {
	return &Lookup{root: env.Root}, nil
}

func (l *Lookup) Call(args registry.Args, log diag.Logger) (value.Value, error) {
	if err := registry.Want(args, log, "lookup", 1, 1); err != nil {
		return value.Value{}, err
	}
	v := l.root.Copy()
	for _, seg := range strings.FieldsFunc(args.At(0).String(), func(r rune) bool { return r == '.' || r == ':' }) {
		next := v.Get(seg)
		v.Release()
		v = next
	}
	return v, nil
}
