package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/chazu/tmplvm/diag"
	"github.com/chazu/tmplvm/sink"
	"github.com/chazu/tmplvm/vm"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[templates]
dirs = ["pages", "/opt/shared"]
max-include-depth = 4
max-depth = 32

[translate]
title = "page.title"

[vm]
max-arg-stack = 256
max-steps = 0
strict-compare = true

[output]
charset = "ISO-8859-1"
on-unencodable = "html"

[cache]
enabled = true
path = "build/units.db"

[server]
addr = ":9000"

[log]
level = "debug"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	abs, _ := filepath.Abs(dir)
	if m.Dir != abs {
		t.Errorf("Dir = %q, want %q", m.Dir, abs)
	}
	paths := m.IncludeDirPaths()
	if len(paths) != 2 || paths[0] != filepath.Join(abs, "pages") || paths[1] != "/opt/shared" {
		t.Errorf("IncludeDirPaths = %v", paths)
	}
	if m.Translate["title"] != "page.title" {
		t.Errorf("translate = %v", m.Translate)
	}

	opts := m.ParserOptions()
	if opts.MaxIncludeDepth != 4 || opts.MaxDepth != 32 || opts.Translate["title"] != "page.title" {
		t.Errorf("ParserOptions = %+v", opts)
	}

	cfg := m.VMConfig()
	if cfg.MaxArgStack != 256 {
		t.Errorf("MaxArgStack = %d, want 256", cfg.MaxArgStack)
	}
	if cfg.MaxCallStack != vm.DefaultMaxCallStack {
		t.Errorf("MaxCallStack = %d, want the default", cfg.MaxCallStack)
	}
	if cfg.MaxSteps != 0 {
		t.Errorf("MaxSteps = %d, want 0 (unlimited)", cfg.MaxSteps)
	}
	if !cfg.StrictCompare {
		t.Error("StrictCompare = false, want true")
	}

	if m.Output.Charset != "ISO-8859-1" || m.SinkMode() != sink.HTMLEscape {
		t.Errorf("output = %+v", m.Output)
	}
	if !m.Cache.Enabled || m.CachePath() != filepath.Join(abs, "build", "units.db") {
		t.Errorf("CachePath = %q", m.CachePath())
	}
	if m.Server.Addr != ":9000" {
		t.Errorf("server addr = %q", m.Server.Addr)
	}
	if m.Severity() != diag.Debug {
		t.Errorf("Severity = %v, want debug", m.Severity())
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "")

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(m.Templates.Dirs) != 1 || m.Templates.Dirs[0] != "templates" {
		t.Errorf("template dirs = %v, want [templates]", m.Templates.Dirs)
	}
	if m.VMConfig() != vm.DefaultConfig() {
		t.Errorf("VMConfig = %+v, want the defaults", m.VMConfig())
	}
	if m.SinkMode() != sink.Strict {
		t.Error("default sink mode is not strict")
	}
	if m.Severity() != diag.Warning {
		t.Errorf("Severity = %v, want warning", m.Severity())
	}
	if m.Server.Addr == "" || m.Cache.Path == "" {
		t.Errorf("missing defaults: %+v", m)
	}
}

func TestManifestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		problem string
	}{
		{"unknown section", "[plugins]\nx = 1\n", "plugins"},
		{"unknown key", "[vm]\nmax-heap = 1\n", "max-heap"},
		{"negative limit", "[vm]\nmax-steps = -1\n", "max-steps"},
		{"wrong type", "[templates]\ndirs = \"pages\"\n", "dirs"},
		{"bad mode", "[output]\non-unencodable = \"drop\"\n", "on-unencodable"},
		{"bad level", "[log]\nlevel = \"loud\"\n", "level"},
		{"translate value", "[translate]\na = 1\n", "translate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want a ValidationError", err)
			}
			if !strings.Contains(ve.Error(), tt.problem) {
				t.Errorf("error %q does not mention %q", ve.Error(), tt.problem)
			}
		})
	}
}

func TestParseErrorNamesFile(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[templates\n")
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), FileName) {
		t.Errorf("err = %v, want a parse error naming %s", err, FileName)
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "[server]\naddr = \":1\"\n")
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Server.Addr != ":1" {
		t.Errorf("server addr = %q", m.Server.Addr)
	}
}

func TestFindAndLoadNoManifest(t *testing.T) {
	m, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil manifest, got %+v", m)
	}
}
