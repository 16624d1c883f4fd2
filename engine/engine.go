// Package engine wires the loader, compiler, registry, unit cache and a
// pool of virtual machines into one object a host can render through.
//
// An Engine is safe for concurrent use once its registry is populated.
// Compiled programs are kept in memory by template name and, when a cache
// store is configured, persisted across processes. Each render borrows a
// VM from a pool. The root value passed to a render is only read, but the
// render takes and drops references on it, so renders running at the same
// time need roots of their own.
package engine

import (
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/chazu/tmplvm/builtins"
	"github.com/chazu/tmplvm/cache"
	"github.com/chazu/tmplvm/compiler"
	"github.com/chazu/tmplvm/diag"
	"github.com/chazu/tmplvm/loader"
	"github.com/chazu/tmplvm/manifest"
	"github.com/chazu/tmplvm/registry"
	"github.com/chazu/tmplvm/sink"
	"github.com/chazu/tmplvm/value"
	"github.com/chazu/tmplvm/vm"
)

// Options configures an Engine.
type Options struct {
	Loader   loader.Loader      // required for Compile and Render
	Registry *registry.Registry // nil creates one holding the builtins
	Parser   compiler.Options   // Loader and Log are set by the engine
	VM       vm.Config          // zero value selects vm.DefaultConfig
	Cache    *cache.Store       // optional; needs a loader.Reloader
	Charset  string             // output charset; empty means UTF-8
	Mode     sink.Mode          // handling of unencodable runes
	Log      diag.Logger
}

// Engine compiles and renders templates.
type Engine struct {
	opts   Options
	reg    *registry.Registry
	log    diag.Logger
	key    string
	closer io.Closer

	mu       sync.Mutex
	programs map[string]*vm.Program

	pool sync.Pool
}

// New returns an Engine. The output charset is checked here so a bad name
// fails before the first render.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		opts.Registry = registry.New(0)
		if err := builtins.Register(opts.Registry); err != nil {
			return nil, errors.Wrap(err, "register builtins")
		}
	}
	if opts.VM == (vm.Config{}) {
		opts.VM = vm.DefaultConfig()
	}
	if opts.Log == nil {
		opts.Log = diag.Discard
	}
	if opts.Charset != "" {
		if _, _, err := sink.Lookup(opts.Charset); err != nil {
			return nil, err
		}
	}
	e := &Engine{
		opts:     opts,
		reg:      opts.Registry,
		log:      opts.Log,
		programs: make(map[string]*vm.Program),
	}
	e.pool.New = func() any { return vm.New(e.opts.VM) }
	return e, nil
}

// FromManifest builds an Engine from project configuration, opening the
// unit cache when the manifest enables it. Close releases the cache.
func FromManifest(m *manifest.Manifest, log diag.Logger) (*Engine, error) {
	opts := Options{
		Loader:  loader.NewFSLoader(m.IncludeDirPaths()...),
		Parser:  m.ParserOptions(),
		VM:      m.VMConfig(),
		Charset: m.Output.Charset,
		Mode:    m.SinkMode(),
		Log:     log,
	}
	if m.Cache.Enabled {
		store, err := cache.Open(m.CachePath())
		if err != nil {
			return nil, err
		}
		opts.Cache = store
	}
	e, err := New(opts)
	if err != nil {
		if opts.Cache != nil {
			opts.Cache.Close()
		}
		return nil, err
	}
	if opts.Cache != nil {
		e.closer = opts.Cache
	}
	return e, nil
}

// Close releases a cache opened by FromManifest.
func (e *Engine) Close() error {
	if e.closer != nil {
		return e.closer.Close()
	}
	return nil
}

// Registry returns the function registry. Register host functions before
// the first Compile.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Loader returns the configured loader.
func (e *Engine) Loader() loader.Loader { return e.opts.Loader }

// Compile returns the program for the named template, compiling it on
// first use.
func (e *Engine) Compile(ctx context.Context, name string) (*vm.Program, error) {
	e.mu.Lock()
	p, ok := e.programs[name]
	e.mu.Unlock()
	if ok {
		return p, nil
	}

	if e.opts.Loader == nil {
		return nil, errors.Errorf("cannot compile %q: no loader configured", name)
	}
	u := e.cached(ctx, name)
	if u == nil {
		var (
			deps []cache.Dependency
			err  error
		)
		if u, deps, err = e.compile(name); err != nil {
			return nil, err
		}
		e.store(ctx, name, u, deps)
	}

	p, err := vm.Load(u, e.reg)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.programs[name] = p
	e.mu.Unlock()
	return p, nil
}

// CompileString compiles text without consulting or filling any cache.
// Includes resolve through the configured loader.
func (e *Engine) CompileString(name, text string) (*vm.Program, error) {
	opts := e.parserOptions(e.opts.Loader)
	u, err := compiler.CompileString(name, text, e.reg, opts)
	if err != nil {
		return nil, err
	}
	return vm.Load(u, e.reg)
}

// Invalidate forgets the in-memory program for name, or every program when
// name is empty. Persistent cache entries are rechecked against their
// sources on the next Compile.
func (e *Engine) Invalidate(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if name == "" {
		clear(e.programs)
		return
	}
	delete(e.programs, name)
}

// Render compiles name if needed and executes it against root, writing to w.
func (e *Engine) Render(ctx context.Context, name string, root value.Value, w io.Writer) error {
	p, err := e.Compile(ctx, name)
	if err != nil {
		return err
	}
	return e.Execute(ctx, p, root, w)
}

// RenderString is Render into a string.
func (e *Engine) RenderString(ctx context.Context, name string, root value.Value) (string, error) {
	var sb strings.Builder
	err := e.Render(ctx, name, root, &sb)
	return sb.String(), err
}

// Execute runs p against root on a pooled VM. When a charset is configured
// the output is re-encoded, and a rune left incomplete at the end is
// reported as a CharsetFault.
func (e *Engine) Execute(ctx context.Context, p *vm.Program, root value.Value, w io.Writer) error {
	out := w
	var enc *sink.Encoder
	if e.opts.Charset != "" {
		var err error
		if enc, err = sink.NewEncoder(w, e.opts.Charset, e.opts.Mode); err != nil {
			return err
		}
		out = enc
	}

	m := e.pool.Get().(*vm.VM)
	defer func() {
		m.Reset()
		e.pool.Put(m)
	}()
	if err := m.Init(p, root, out, e.log); err != nil {
		return err
	}
	if err := m.RunContext(ctx); err != nil {
		return err
	}
	if enc != nil {
		return enc.Close()
	}
	return nil
}

// ParserOptions returns the parser settings the engine compiles with,
// using the engine's loader and log.
func (e *Engine) ParserOptions() compiler.Options { return e.parserOptions(e.opts.Loader) }

// VMConfig returns the limits pooled VMs are created with.
func (e *Engine) VMConfig() vm.Config { return e.opts.VM }

func (e *Engine) parserOptions(l loader.Loader) compiler.Options {
	opts := e.opts.Parser
	opts.Loader = l
	opts.Log = e.log
	return opts
}

// compile parses name from a fresh loader clone, recording every source read.
func (e *Engine) compile(name string) (*vm.CodeUnit, []cache.Dependency, error) {
	rec := &recorder{inner: e.opts.Loader.Clone(), seen: new([]loader.Source)}
	c := compiler.New(e.reg)
	if err := compiler.NewParser(c, e.parserOptions(rec)).ParseFile(name); err != nil {
		return nil, nil, err
	}
	u, err := c.Compile(true)
	if err != nil {
		return nil, nil, err
	}
	return u, rec.dependencies(), nil
}

// settingsKey digests everything besides source text that changes the
// compiled unit.
func (e *Engine) settingsKey() string {
	if e.key != "" {
		return e.key
	}
	var b strings.Builder
	b.WriteString("unit:" + strconv.Itoa(int(vm.UnitVersion)) + "\n")
	b.WriteString("include-depth:" + strconv.Itoa(e.opts.Parser.MaxIncludeDepth) + "\n")
	b.WriteString("depth:" + strconv.Itoa(e.opts.Parser.MaxDepth) + "\n")
	for _, d := range e.opts.Loader.IncludeDirs() {
		b.WriteString("dir:" + d + "\n")
	}
	keys := make([]string, 0, len(e.opts.Parser.Translate))
	for k := range e.opts.Parser.Translate {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("map:" + k + "=" + e.opts.Parser.Translate[k] + "\n")
	}
	for _, n := range e.reg.Names() {
		b.WriteString("fn:" + n + "\n")
	}
	e.key = cache.Digest(b.String())
	return e.key
}

// cached returns a stored unit whose sources are unchanged, or nil.
func (e *Engine) cached(ctx context.Context, name string) *vm.CodeUnit {
	if e.opts.Cache == nil {
		return nil
	}
	rl, ok := e.opts.Loader.(loader.Reloader)
	if !ok {
		return nil
	}
	e.mu.Lock()
	key := e.settingsKey()
	e.mu.Unlock()
	u, meta, err := e.opts.Cache.Get(ctx, name, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			e.log.Logf(diag.Warning, "unit cache: %v", err)
		}
		return nil
	}
	for _, d := range meta.Deps {
		src, err := rl.Reload(d.Name)
		if err != nil || cache.Digest(src.Text) != d.Digest {
			e.log.Logf(diag.Debug, "unit cache: %s is stale (%s changed)", name, d.Name)
			return nil
		}
	}
	e.log.Logf(diag.Debug, "unit cache: hit for %s", name)
	return u
}

func (e *Engine) store(ctx context.Context, name string, u *vm.CodeUnit, deps []cache.Dependency) {
	if e.opts.Cache == nil {
		return
	}
	if _, ok := e.opts.Loader.(loader.Reloader); !ok {
		return
	}
	e.mu.Lock()
	key := e.settingsKey()
	e.mu.Unlock()
	if err := e.opts.Cache.Put(ctx, u, cache.Meta{Name: name, Key: key, Deps: deps}); err != nil {
		e.log.Logf(diag.Warning, "unit cache: %v", err)
	}
}

// recorder is a Loader that notes every source its clones load.
type recorder struct {
	inner loader.Loader
	seen  *[]loader.Source
}

func (r *recorder) Load(name string) (loader.Source, error) {
	src, err := r.inner.Load(name)
	if err == nil {
		*r.seen = append(*r.seen, src)
	}
	return src, err
}

func (r *recorder) Clone() loader.Loader {
	return &recorder{inner: r.inner.Clone(), seen: r.seen}
}

func (r *recorder) IncludeDirs() []string { return r.inner.IncludeDirs() }

func (r *recorder) dependencies() []cache.Dependency {
	byName := make(map[string]bool)
	var deps []cache.Dependency
	for _, s := range *r.seen {
		if byName[s.Name] {
			continue
		}
		byName[s.Name] = true
		deps = append(deps, cache.Dependency{Name: s.Name, Digest: cache.Digest(s.Text)})
	}
	return deps
}
