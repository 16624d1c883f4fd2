// Package manifest handles tmplvm.toml project configuration.
package manifest

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/chazu/tmplvm/compiler"
	"github.com/chazu/tmplvm/diag"
	"github.com/chazu/tmplvm/sink"
	"github.com/chazu/tmplvm/vm"
)

// FileName is the manifest file searched for by FindAndLoad.
const FileName = "tmplvm.toml"

// Manifest represents a tmplvm.toml project configuration.
type Manifest struct {
	Templates Templates         `toml:"templates"`
	Translate map[string]string `toml:"translate"`
	VM        VMConfig          `toml:"vm"`
	Output    Output            `toml:"output"`
	Cache     Cache             `toml:"cache"`
	Server    Server            `toml:"server"`
	Log       Log               `toml:"log"`

	// Dir is the directory containing the tmplvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Templates configures template lookup and parser limits.
type Templates struct {
	Dirs            []string `toml:"dirs"`
	MaxIncludeDepth int      `toml:"max-include-depth"`
	MaxDepth        int      `toml:"max-depth"`
}

// VMConfig mirrors vm.Config. Zero fields keep the VM defaults.
type VMConfig struct {
	MaxArgStack   int  `toml:"max-arg-stack"`
	MaxCallStack  int  `toml:"max-call-stack"`
	MaxSteps      *int `toml:"max-steps"`
	DebugLevel    int  `toml:"debug-level"`
	StrictCompare bool `toml:"strict-compare"`
}

// Output configures the output charset.
type Output struct {
	Charset       string `toml:"charset"`
	OnUnencodable string `toml:"on-unencodable"`
}

// Cache configures the compiled-unit cache.
type Cache struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Server configures the render service.
type Server struct {
	Addr string `toml:"addr"`
}

// Log configures diagnostics.
type Log struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when no tmplvm.toml exists.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

// Load parses and validates a tmplvm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %s", path)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot resolve path %s", dir)
	}
	return m, nil
}

// Parse decodes and validates manifest text. Dir is left empty.
func Parse(data []byte) (*Manifest, error) {
	var raw map[string]any
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, errors.Wrap(err, "parse error")
	}
	if err := Validate(raw); err != nil {
		return nil, err
	}

	var m Manifest
	if _, err := toml.Decode(string(data), &m); err != nil {
		return nil, errors.Wrap(err, "parse error")
	}
	m.applyDefaults()
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if len(m.Templates.Dirs) == 0 {
		m.Templates.Dirs = []string{"templates"}
	}
	if m.Cache.Path == "" {
		m.Cache.Path = filepath.Join(".tmplvm", "cache.db")
	}
	if m.Server.Addr == "" {
		m.Server.Addr = "localhost:7070"
	}
	if m.Log.Level == "" {
		m.Log.Level = "warning"
	}
}

// FindAndLoad walks up from startDir to find a tmplvm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// IncludeDirPaths returns absolute paths for the configured template directories.
func (m *Manifest) IncludeDirPaths() []string {
	var paths []string
	for _, d := range m.Templates.Dirs {
		if filepath.IsAbs(d) {
			paths = append(paths, d)
			continue
		}
		paths = append(paths, filepath.Join(m.Dir, d))
	}
	return paths
}

// CachePath returns the absolute path of the cache database.
func (m *Manifest) CachePath() string {
	if filepath.IsAbs(m.Cache.Path) {
		return m.Cache.Path
	}
	return filepath.Join(m.Dir, m.Cache.Path)
}

// ParserOptions returns the parser settings. The loader is left to the caller.
func (m *Manifest) ParserOptions() compiler.Options {
	return compiler.Options{
		Translate:       m.Translate,
		MaxIncludeDepth: m.Templates.MaxIncludeDepth,
		MaxDepth:        m.Templates.MaxDepth,
	}
}

// VMConfig returns the VM limits, falling back to vm.DefaultConfig.
func (m *Manifest) VMConfig() vm.Config {
	cfg := vm.DefaultConfig()
	if m.VM.MaxArgStack > 0 {
		cfg.MaxArgStack = m.VM.MaxArgStack
	}
	if m.VM.MaxCallStack > 0 {
		cfg.MaxCallStack = m.VM.MaxCallStack
	}
	if m.VM.MaxSteps != nil {
		cfg.MaxSteps = *m.VM.MaxSteps
	}
	cfg.DebugLevel = m.VM.DebugLevel
	cfg.StrictCompare = m.VM.StrictCompare
	return cfg
}

// SinkMode maps on-unencodable onto a sink.Mode.
func (m *Manifest) SinkMode() sink.Mode {
	switch m.Output.OnUnencodable {
	case "replace":
		return sink.Replace
	case "html":
		return sink.HTMLEscape
	}
	return sink.Strict
}

// Severity returns the configured log threshold.
func (m *Manifest) Severity() diag.Severity {
	if sev, ok := diag.ParseSeverity(m.Log.Level); ok {
		return sev
	}
	return diag.Warning
}
