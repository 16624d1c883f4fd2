// Package loader supplies template source text to the compiler.
package loader

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when no search location holds a template.
var ErrNotFound = errors.New("template not found")

// Source is a loaded template.
type Source struct {
	Name string // human-readable name used in diagnostics
	Text string
}

// Loader resolves template names to source text.
type Loader interface {
	// Load returns the template identified by name.
	Load(name string) (Source, error)
	// Clone returns an independent loader with the same configuration,
	// used for included templates.
	Clone() Loader
	// IncludeDirs returns the search locations tried in order.
	IncludeDirs() []string
}

// Reloader is implemented by loaders that can re-read a template by the
// Name a previous Load returned, bypassing the search path. Caches use it
// to check that a compiled unit is still current.
type Reloader interface {
	Reload(name string) (Source, error)
}

// ---------------------------------------------------------------------------
// FSLoader
// ---------------------------------------------------------------------------

// FSLoader loads templates from the filesystem. Relative names are tried
// against the directory of the last template it loaded, then against
// each include directory in order.
type FSLoader struct {
	dirs    []string
	current string // directory of the last loaded template
	fsys    fs.FS  // optional; when set, dirs are paths within it
}

// NewFSLoader returns a loader searching dirs in order. An empty list
// searches the working directory.
func NewFSLoader(dirs ...string) *FSLoader {
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	return &FSLoader{dirs: append([]string(nil), dirs...)}
}

// NewFSLoaderFS returns a loader over an fs.FS such as an embed.FS.
// Names and dirs use forward slashes.
func NewFSLoaderFS(fsys fs.FS, dirs ...string) *FSLoader {
	l := NewFSLoader(dirs...)
	l.fsys = fsys
	return l
}

// IncludeDirs returns the search list.
func (l *FSLoader) IncludeDirs() []string { return append([]string(nil), l.dirs...) }

// Clone returns a loader with the same search list and relative base.
func (l *FSLoader) Clone() Loader {
	c := *l
	c.dirs = append([]string(nil), l.dirs...)
	return &c
}

// candidates lists the paths tried for name.
func (l *FSLoader) candidates(name string) []string {
	if l.fsys != nil {
		name = strings.TrimPrefix(path.Clean("/"+name), "/")
		var out []string
		if l.current != "" {
			out = append(out, path.Join(l.current, name))
		}
		for _, d := range l.dirs {
			out = append(out, path.Join(d, name))
		}
		return out
	}
	if filepath.IsAbs(name) {
		return []string{name}
	}
	var out []string
	if l.current != "" {
		out = append(out, filepath.Join(l.current, name))
	}
	for _, d := range l.dirs {
		out = append(out, filepath.Join(d, name))
	}
	return out
}

// Load reads the first candidate that exists.
func (l *FSLoader) Load(name string) (Source, error) {
	if name == "" {
		return Source{}, errors.New("empty template name")
	}
	for _, p := range l.candidates(name) {
		var (
			data []byte
			err  error
		)
		if l.fsys != nil {
			data, err = fs.ReadFile(l.fsys, p)
		} else {
			data, err = os.ReadFile(p)
		}
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Source{}, errors.Wrapf(err, "reading template %s", p)
		}
		if l.fsys != nil {
			l.current = path.Dir(p)
		} else {
			l.current = filepath.Dir(p)
		}
		return Source{Name: p, Text: string(data)}, nil
	}
	return Source{}, errors.Wrapf(ErrNotFound, "%s (searched %s)", name, strings.Join(l.dirs, ", "))
}

// Reload reads the file at the resolved path name.
func (l *FSLoader) Reload(name string) (Source, error) {
	var (
		data []byte
		err  error
	)
	if l.fsys != nil {
		data, err = fs.ReadFile(l.fsys, name)
	} else {
		data, err = os.ReadFile(name)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Source{}, errors.Wrapf(ErrNotFound, "%s", name)
	}
	if err != nil {
		return Source{}, errors.Wrapf(err, "reading template %s", name)
	}
	return Source{Name: name, Text: string(data)}, nil
}

// ---------------------------------------------------------------------------
// MapLoader
// ---------------------------------------------------------------------------

// MapLoader serves templates from memory, keyed by name.
type MapLoader struct {
	templates map[string]string
}

// NewMapLoader returns a loader over a copy of templates.
func NewMapLoader(templates map[string]string) *MapLoader {
	m := make(map[string]string, len(templates))
	for k, v := range templates {
		m[k] = v
	}
	return &MapLoader{templates: m}
}

// Set adds or replaces a template.
func (l *MapLoader) Set(name, text string) { l.templates[name] = text }

// Names returns the template names in sorted order.
func (l *MapLoader) Names() []string {
	names := make([]string, 0, len(l.templates))
	for n := range l.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load returns the template stored under name.
func (l *MapLoader) Load(name string) (Source, error) {
	text, ok := l.templates[name]
	if !ok {
		return Source{}, errors.Wrapf(ErrNotFound, "%s", name)
	}
	return Source{Name: name, Text: text}, nil
}

// Reload is Load; map names are already resolved.
func (l *MapLoader) Reload(name string) (Source, error) { return l.Load(name) }

// Clone shares the template map; a MapLoader has no per-load state.
func (l *MapLoader) Clone() Loader { return l }

// IncludeDirs returns nil; a MapLoader has no search path.
func (l *MapLoader) IncludeDirs() []string { return nil }
