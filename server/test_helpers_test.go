package server

import (
	"testing"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/tmplvm/engine"
	"github.com/chazu/tmplvm/loader"
	"github.com/chazu/tmplvm/vm"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
// ---------------------------------------------------------------------------

var testTemplates = map[string]string{
	"hello.tmpl":  "Hello <TMPL_var name>! <TMPL_var n / 2>",
	"list.tmpl":   `<TMPL_foreach xs as x><TMPL_var x><TMPL_unless __last__>,</TMPL_unless></TMPL_foreach>`,
	"frame.tmpl":  `<TMPL_include "hello.tmpl">`,
	"spin.tmpl":   `<TMPL_loop 1000000000>.</TMPL_loop>`,
	"broken.tmpl": "a\n<TMPL_var 1 +>",
	"div.tmpl":    "<TMPL_var 1 / zero>",
}

// newTestEngine creates an engine over testTemplates with a small step
// budget so runaway templates fail fast.
func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := vm.DefaultConfig()
	cfg.MaxSteps = 100_000
	e, err := engine.New(engine.Options{Loader: loader.NewMapLoader(testTemplates), VM: cfg})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// newTestService creates a RenderService with its own worker.
func newTestService(t *testing.T) *RenderService {
	t.Helper()
	w := NewWorker(2)
	t.Cleanup(w.Stop)
	return NewRenderService(newTestEngine(t), w)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatal(err)
	}
	return s
}
