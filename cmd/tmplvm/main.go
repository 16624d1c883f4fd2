// tmplvm CLI - renders, checks and serves templates
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"gopkg.in/yaml.v3"

	"github.com/chazu/tmplvm/compiler"
	"github.com/chazu/tmplvm/diag"
	"github.com/chazu/tmplvm/engine"
	"github.com/chazu/tmplvm/loader"
	"github.com/chazu/tmplvm/manifest"
	"github.com/chazu/tmplvm/value"
)

const usage = `Usage: tmplvm <command> [options] [args...]

Commands:
  render   Render templates to stdout
  check    Compile templates and report faults and warnings
  disasm   Print the compiled listing of a template
  repl     Render template snippets interactively
  serve    Serve the render API over Connect and gRPC
  lsp      Run the language server on stdio

Run 'tmplvm <command> -h' for the options of a command.

Examples:
  tmplvm render -data site.yaml index.tmpl
  tmplvm check templates/*.tmpl
  tmplvm serve -grpc :7071
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "render":
		err = runRender(args)
	case "check":
		err = runCheck(args)
	case "disasm":
		err = runDisasm(args)
	case "repl":
		err = runREPL(args)
	case "serve":
		err = runServe(args)
	case "lsp":
		err = runLSP(args)
	case "help", "-h", "-help", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		var fail exitError
		if errors.As(err, &fail) {
			os.Exit(int(fail))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// exitError ends the process with a status after output was already
// written.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// ---------------------------------------------------------------------------
// Shared setup
// ---------------------------------------------------------------------------

// common holds the flags every command accepts.
type common struct {
	dir      string
	includes stringList
	verbose  bool
	quiet    bool
}

type stringList []string

func (l *stringList) String() string     { return strings.Join(*l, ",") }
func (l *stringList) Set(s string) error { *l = append(*l, s); return nil }

func newFlagSet(name, args string) (*flag.FlagSet, *common) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	c := &common{}
	fs.StringVar(&c.dir, "C", "", "Project directory (default: search upward for "+manifest.FileName+")")
	fs.Var(&c.includes, "I", "Additional include directory (repeatable)")
	fs.BoolVar(&c.verbose, "v", false, "Verbose output")
	fs.BoolVar(&c.quiet, "q", false, "Only log errors")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: tmplvm %s [options] %s\n\nOptions:\n", name, args)
		fs.PrintDefaults()
	}
	return fs, c
}

// manifest loads the project manifest, falling back to defaults rooted at
// the working directory, and applies command-line overrides.
func (c *common) manifest() (*manifest.Manifest, error) {
	var m *manifest.Manifest
	var err error
	if c.dir != "" {
		if _, statErr := os.Stat(filepath.Join(c.dir, manifest.FileName)); statErr == nil {
			m, err = manifest.Load(c.dir)
		} else {
			m = manifest.Default(c.dir)
		}
	} else {
		wd, wdErr := os.Getwd()
		if wdErr != nil {
			return nil, wdErr
		}
		if m, err = manifest.FindAndLoad(wd); err == nil && m == nil {
			m = manifest.Default(wd)
		}
	}
	if err != nil {
		return nil, err
	}

	// Paths given on the command line are relative to the working
	// directory, manifest paths to the manifest.
	for _, inc := range c.includes {
		abs, err := filepath.Abs(inc)
		if err != nil {
			return nil, err
		}
		m.Templates.Dirs = append(m.Templates.Dirs, abs)
	}

	sev := m.Severity()
	switch {
	case c.quiet:
		sev = diag.Error
	case c.verbose:
		sev = diag.Debug
	}
	commonlog.Configure(verbosity(sev), nil)
	return m, nil
}

// engine builds an engine from the manifest. The working directory is
// searched after the manifest's template directories so that paths given
// on the command line resolve.
func (c *common) engine() (*engine.Engine, *manifest.Manifest, error) {
	m, err := c.manifest()
	if err != nil {
		return nil, nil, err
	}
	if wd, err := os.Getwd(); err == nil {
		m.Templates.Dirs = append(m.Templates.Dirs, wd)
	}
	e, err := engine.FromManifest(m, diag.NewCommonLog("tmplvm"))
	if err != nil {
		return nil, nil, err
	}
	return e, m, nil
}

// verbosity maps a severity onto commonlog's verbosity scale, where 0
// shows notices.
func verbosity(sev diag.Severity) int {
	return int(sev) - int(diag.Notice)
}

// loadData reads the root object from a YAML or JSON file, or from stdin
// when path is "-". An empty path yields Undefined.
func loadData(path string) (value.Value, error) {
	if path == "" {
		return value.Value{}, nil
	}
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return value.Value{}, err
	}
	return decodeData(path, data)
}

func decodeData(path string, data []byte) (value.Value, error) {
	var doc any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return value.Value{}, errors.Wrapf(err, "decoding %s", path)
		}
	case ".cbor":
		var root value.Value
		if err := root.UnmarshalCBOR(data); err != nil {
			return value.Value{}, errors.Wrapf(err, "decoding %s", path)
		}
		return root, nil
	default:
		// YAML is a superset of JSON, so stdin and unknown extensions go
		// through the YAML decoder.
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return value.Value{}, errors.Wrapf(err, "decoding %s", path)
		}
	}
	return value.FromGo(doc), nil
}

// ---------------------------------------------------------------------------
// render
// ---------------------------------------------------------------------------

func runRender(args []string) error {
	fs, c := newFlagSet("render", "template...")
	dataPath := fs.String("data", "", "Root data file (.yaml, .yml, .json or .cbor; - for stdin)")
	outPath := fs.String("o", "", "Write output to file instead of stdout")
	text := fs.String("e", "", "Render this template text instead of named templates")
	if err := fs.Parse(args); err != nil {
		return exitError(2)
	}
	if *text == "" && fs.NArg() == 0 {
		fs.Usage()
		return exitError(2)
	}

	e, _, err := c.engine()
	if err != nil {
		return err
	}
	defer e.Close()

	root, err := loadData(*dataPath)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	ctx := context.Background()
	if *text != "" {
		p, err := e.CompileString("<command line>", *text)
		if err != nil {
			return reportFault(err, *text)
		}
		return e.Execute(ctx, p, root, w)
	}
	for _, name := range fs.Args() {
		if err := e.Render(ctx, name, root, w); err != nil {
			return reportFault(err, sourceText(e.Loader(), err))
		}
	}
	return nil
}

// reportFault prints a compile fault with a caret snippet when the
// source is at hand.
func reportFault(err error, src string) error {
	if _, ok := compiler.LocationOf(err); ok && src != "" {
		fmt.Fprint(os.Stderr, compiler.Snippet(err, src))
		return exitError(1)
	}
	return err
}

// sourceText loads the file a compile fault points into.
func sourceText(l loader.Loader, err error) string {
	loc, ok := compiler.LocationOf(err)
	if !ok || l == nil {
		return ""
	}
	name, _, _ := loc.Location()
	if r, ok := l.(loader.Reloader); ok {
		if src, err := r.Reload(name); err == nil {
			return src.Text
		}
	}
	if src, err := l.Clone().Load(name); err == nil {
		return src.Text
	}
	return ""
}

// ---------------------------------------------------------------------------
// check
// ---------------------------------------------------------------------------

func runCheck(args []string) error {
	fs, c := newFlagSet("check", "template...")
	werror := fs.Bool("Werror", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		return exitError(2)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitError(2)
	}

	e, _, err := c.engine()
	if err != nil {
		return err
	}
	defer e.Close()

	failed := 0
	for _, name := range fs.Args() {
		var log diag.Collector
		opts := e.ParserOptions()
		opts.Log = &log

		ld := opts.Loader.Clone()
		src, err := ld.Load(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			failed++
			continue
		}
		opts.Loader = ld

		_, cerr := compiler.CompileString(src.Name, src.Text, e.Registry(), opts)
		for _, entry := range log.Entries() {
			fmt.Fprintln(os.Stderr, entry)
		}
		switch {
		case cerr != nil:
			fmt.Fprint(os.Stderr, compiler.Snippet(cerr, sourceText(e.Loader(), cerr)))
			failed++
		case *werror && log.Count(diag.Warning) > 0:
			failed++
		case c.verbose:
			fmt.Printf("%s: ok\n", name)
		}
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d templates failed\n", failed, fs.NArg())
		return exitError(1)
	}
	return nil
}

// ---------------------------------------------------------------------------
// disasm
// ---------------------------------------------------------------------------

func runDisasm(args []string) error {
	fs, c := newFlagSet("disasm", "template")
	if err := fs.Parse(args); err != nil {
		return exitError(2)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitError(2)
	}

	e, _, err := c.engine()
	if err != nil {
		return err
	}
	defer e.Close()

	name := fs.Arg(0)
	p, err := e.Compile(context.Background(), name)
	if err != nil {
		return reportFault(err, sourceText(e.Loader(), err))
	}
	fmt.Print(p.Unit.DisassembleWithName(name))
	return nil
}
