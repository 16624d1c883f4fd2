package server

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/tmplvm/compiler"
	"github.com/chazu/tmplvm/diag"
	"github.com/chazu/tmplvm/engine"
)

const (
	lspName    = "tmplvm-lsp"
	lspVersion = "0.1.0"
)

// tagDocs describes each tag for completion and hover.
var tagDocs = map[string]string{
	"var":     "`<TMPL_var expr>` writes the value of expr.",
	"if":      "`<TMPL_if expr>` ... `<TMPL_elsif expr>` ... `<TMPL_else>` ... `</TMPL_if>`",
	"unless":  "`<TMPL_unless expr>` ... `<TMPL_else>` ... `</TMPL_unless>` inverts the condition.",
	"elsif":   "`<TMPL_elsif expr>` starts an alternative branch of `<TMPL_if>`.",
	"else":    "`<TMPL_else>` starts the fallback branch of `<TMPL_if>` or `<TMPL_unless>`.",
	"loop":    "`<TMPL_loop expr>` repeats its body expr times, or once per element of a container.",
	"foreach": "`<TMPL_foreach expr as name>` binds name to each element of expr.",
	"include": "`<TMPL_include \"file\" map(inner : outer, ...)>` compiles another template in place.",
	"block":   "`<TMPL_block name>` ... `</TMPL_block>` defines a named block.",
	"call":    "`<TMPL_call name>` runs a block defined with `<TMPL_block>`.",
	"comment": "`<TMPL_comment>` ... `</TMPL_comment>` is dropped from the output.",
}

// contextVars are the loop variables completion offers inside tags.
var contextVars = []string{
	"__counter__", "__rcounter__", "__size__", "__first__", "__last__",
	"__inner__", "__odd__", "__even__", "__content__",
}

// LSP publishes template diagnostics to editors and offers completion
// and hover for tags and registered functions.
type LSP struct {
	engine *engine.Engine
	worker *Worker
	docs   documents
	rpc    *glspserver.Server
	caps   protocol.Handler
}

// documents holds the text of open documents by URI.
type documents struct {
	sync.Mutex
	text map[protocol.DocumentUri]string
}

func (d *documents) get(uri protocol.DocumentUri) (string, bool) {
	d.Lock()
	defer d.Unlock()
	t, ok := d.text[uri]
	return t, ok
}

func (d *documents) put(uri protocol.DocumentUri, text string) {
	d.Lock()
	d.text[uri] = text
	d.Unlock()
}

func (d *documents) drop(uri protocol.DocumentUri) {
	d.Lock()
	delete(d.text, uri)
	d.Unlock()
}

// NewLSP creates a language server compiling with e.
func NewLSP(e *engine.Engine) *LSP {
	s := &LSP{
		engine: e,
		worker: NewWorker(1),
		docs:   documents{text: make(map[protocol.DocumentUri]string)},
	}
	s.caps = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: func(*glsp.Context, *protocol.InitializedParams) error {
			return nil
		},
		Shutdown: func(*glsp.Context) error {
			s.worker.Stop()
			return nil
		},
		SetTrace: func(*glsp.Context, *protocol.SetTraceParams) error {
			return nil
		},
		TextDocumentDidOpen: func(ctx *glsp.Context, p *protocol.DidOpenTextDocumentParams) error {
			s.update(ctx, p.TextDocument.URI, p.TextDocument.Text)
			return nil
		},
		TextDocumentDidChange: s.didChange,
		TextDocumentDidClose: func(ctx *glsp.Context, p *protocol.DidCloseTextDocumentParams) error {
			s.docs.drop(p.TextDocument.URI)
			s.publish(ctx, p.TextDocument.URI, []protocol.Diagnostic{})
			return nil
		},
		TextDocumentCompletion: func(ctx *glsp.Context, p *protocol.CompletionParams) (any, error) {
			if prefix := s.wordAt(p.TextDocument.URI, p.Position, false); prefix != "" {
				return s.complete(prefix), nil
			}
			return nil, nil
		},
		TextDocumentHover: func(ctx *glsp.Context, p *protocol.HoverParams) (*protocol.Hover, error) {
			if word := s.wordAt(p.TextDocument.URI, p.Position, true); word != "" {
				return s.hover(word), nil
			}
			return nil, nil
		},
	}
	s.rpc = glspserver.NewServer(&s.caps, lspName, false)
	return s
}

// Run serves the protocol on stdio until the client disconnects.
func (s *LSP) Run() error {
	return s.rpc.RunStdio()
}

func (s *LSP) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	commonlog.NewInfoMessage(0, "tmplvm LSP initializing")

	caps := s.caps.CreateServerCapabilities()
	full := protocol.TextDocumentSyncKindFull
	open := true
	caps.TextDocumentSync = &protocol.TextDocumentSyncOptions{OpenClose: &open, Change: &full}
	caps.CompletionProvider = &protocol.CompletionOptions{TriggerCharacters: []string{"_", "("}}
	caps.HoverProvider = true

	version := lspVersion
	return protocol.InitializeResult{
		Capabilities: caps,
		ServerInfo:   &protocol.InitializeResultServerInfo{Name: lspName, Version: &version},
	}, nil
}

// didChange takes the last change event, which under full sync carries
// the whole document.
func (s *LSP) didChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	n := len(params.ContentChanges)
	if n == 0 {
		return nil
	}
	if whole, ok := params.ContentChanges[n-1].(protocol.TextDocumentContentChangeEventWhole); ok {
		s.update(ctx, params.TextDocument.URI, whole.Text)
	}
	return nil
}

// update stores a document and republishes its diagnostics.
func (s *LSP) update(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	s.docs.put(uri, text)
	result, err := s.worker.Do(context.Background(), func(context.Context) (any, error) {
		return s.diagnose(uri, text), nil
	})
	if err != nil {
		return
	}
	s.publish(ctx, uri, result.([]protocol.Diagnostic))
}

func (s *LSP) publish(ctx *glsp.Context, uri protocol.DocumentUri, diags []protocol.Diagnostic) {
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diags,
	})
}

// wordAt returns the identifier at pos in an open document. With whole
// false only the part before the cursor is returned.
func (s *LSP) wordAt(uri protocol.DocumentUri, pos protocol.Position, whole bool) string {
	text, ok := s.docs.get(uri)
	if !ok {
		return ""
	}
	if whole {
		return extractWord(text, pos)
	}
	return extractPrefix(text, pos)
}

func (s *LSP) complete(prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	add := func(label string, kind protocol.CompletionItemKind, detail string) {
		items = append(items, protocol.CompletionItem{
			Label:      label,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &label,
		})
	}
	lower := strings.ToLower(prefix)

	if tag, ok := strings.CutPrefix(lower, "tmpl_"); ok {
		names := make([]string, 0, len(tagDocs))
		for name := range tagDocs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if strings.HasPrefix(name, tag) {
				add("TMPL_"+name, protocol.CompletionItemKindKeyword, "tag")
			}
		}
		return items
	}

	for _, name := range contextVars {
		if strings.HasPrefix(name, lower) {
			add(name, protocol.CompletionItemKindVariable, "loop variable")
		}
	}
	for _, name := range s.engine.Registry().Names() {
		if strings.HasPrefix(strings.ToLower(name), lower) {
			add(name, protocol.CompletionItemKindFunction, "function")
		}
	}

	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	return items
}

func (s *LSP) hover(word string) *protocol.Hover {
	var doc string
	if tag, ok := strings.CutPrefix(strings.ToLower(word), "tmpl_"); ok {
		doc = tagDocs[tag]
	} else if _, _, ok := s.engine.Registry().LookupName(word); ok {
		doc = fmt.Sprintf("**%s**\n\nregistered function", word)
	}
	if doc == "" {
		return nil
	}
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: doc,
		},
	}
}

// diagnose compiles a document and converts its fault and warnings into
// diagnostics. Faults inside included files are reported on the first
// line of the document.
func (s *LSP) diagnose(uri protocol.DocumentUri, text string) []protocol.Diagnostic {
	name := documentName(uri)
	opts := s.engine.ParserOptions()
	var log diag.Collector
	opts.Log = &log

	diagnostics := []protocol.Diagnostic{}
	if _, err := compiler.CompileString(name, text, s.engine.Registry(), opts); err != nil {
		line, col := 0, 0
		if loc, ok := compiler.LocationOf(err); ok {
			if src, l, c := loc.Location(); src == name {
				line, col = l-1, c-1
			}
		}
		diagnostics = append(diagnostics, newDiagnostic(line, col, protocol.DiagnosticSeverityError, err.Error()))
	}
	for _, e := range log.Entries() {
		entry := logEntry(e)
		line, _ := entry["line"].(int)
		col, _ := entry["column"].(int)
		diagnostics = append(diagnostics, newDiagnostic(max(line-1, 0), max(col-1, 0), severity(e.Severity), entry["message"].(string)))
	}
	return diagnostics
}

func newDiagnostic(line, col int, sev protocol.DiagnosticSeverity, msg string) protocol.Diagnostic {
	source := lspName
	return protocol.Diagnostic{
		Range: protocol.Range{
			Start: protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(col)},
			End:   protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(col + 1)},
		},
		Severity: &sev,
		Source:   &source,
		Message:  msg,
	}
}

func severity(sev diag.Severity) protocol.DiagnosticSeverity {
	switch {
	case sev <= diag.Error:
		return protocol.DiagnosticSeverityError
	case sev == diag.Warning:
		return protocol.DiagnosticSeverityWarning
	case sev <= diag.Info:
		return protocol.DiagnosticSeverityInformation
	}
	return protocol.DiagnosticSeverityHint
}

// documentName returns the file path of a file:// URI, or the URI itself.
func documentName(uri protocol.DocumentUri) string {
	u, err := url.Parse(string(uri))
	if err != nil || u.Scheme != "file" {
		return string(uri)
	}
	return path.Clean(u.Path)
}

func identRune(ch byte) bool {
	return ch == '_' || 'a' <= ch && ch <= 'z' || 'A' <= ch && ch <= 'Z' || '0' <= ch && ch <= '9'
}

// wordBounds finds the identifier around the cursor on its line.
func wordBounds(text string, pos protocol.Position) (line string, start, col, end int) {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return "", 0, 0, 0
	}
	line = lines[pos.Line]
	col = min(int(pos.Character), len(line))
	for start = col; start > 0 && identRune(line[start-1]); start-- {
	}
	for end = col; end < len(line) && identRune(line[end]); end++ {
	}
	return line, start, col, end
}

// extractPrefix returns the identifier fragment before the cursor.
func extractPrefix(text string, pos protocol.Position) string {
	line, start, col, _ := wordBounds(text, pos)
	return line[start:col]
}

// extractWord returns the whole identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	line, start, _, end := wordBounds(text, pos)
	return line[start:end]
}
