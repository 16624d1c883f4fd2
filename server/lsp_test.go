package server

import (
	"strings"
	"testing"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

// ---------------------------------------------------------------------------
// LSP text extraction helpers
// ---------------------------------------------------------------------------

func TestExtractPrefix(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  protocol.Position
		want string
	}{
		{"simple word", "<TMPL_var upp", protocol.Position{Line: 0, Character: 13}, "upp"},
		{"tag name", "<TMPL_fo", protocol.Position{Line: 0, Character: 8}, "TMPL_fo"},
		{"empty line", "", protocol.Position{Line: 0, Character: 0}, ""},
		{"multi line", "first\nsecond\n<TMPL_var __c", protocol.Position{Line: 2, Character: 13}, "__c"},
		{"after paren", "<TMPL_var size(ro", protocol.Position{Line: 0, Character: 17}, "ro"},
		{"stops at dot", "<TMPL_var site.na", protocol.Position{Line: 0, Character: 17}, "na"},
		{"cursor at beginning", "hello", protocol.Position{Line: 0, Character: 0}, ""},
		{"line beyond document", "single line", protocol.Position{Line: 5, Character: 0}, ""},
		{"character beyond line", "abc", protocol.Position{Line: 0, Character: 40}, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPrefix(tt.text, tt.pos); got != tt.want {
				t.Errorf("extractPrefix = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractWord(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  protocol.Position
		want string
	}{
		{"middle of word", "<TMPL_var upper(x)>", protocol.Position{Line: 0, Character: 12}, "upper"},
		{"tag", "<TMPL_foreach xs as x>", protocol.Position{Line: 0, Character: 3}, "TMPL_foreach"},
		{"between words", "a + b", protocol.Position{Line: 0, Character: 2}, ""},
		{"second line", "x\n<TMPL_if y>", protocol.Position{Line: 1, Character: 10}, "y"},
		{"line beyond document", "x", protocol.Position{Line: 3, Character: 0}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractWord(tt.text, tt.pos); got != tt.want {
				t.Errorf("extractWord = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Completion and hover
// ---------------------------------------------------------------------------

func labels(items []protocol.CompletionItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Label
	}
	return out
}

func TestComplete(t *testing.T) {
	s := NewLSP(newTestEngine(t))
	t.Cleanup(s.worker.Stop)

	tests := []struct {
		prefix string
		want   []string
	}{
		{"TMPL_f", []string{"TMPL_foreach"}},
		{"tmpl_el", []string{"TMPL_else", "TMPL_elsif"}},
		{"__c", []string{"__counter__", "__content__"}},
		{"upp", []string{"upper"}},
		{"zzz", nil},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			got := labels(s.complete(tt.prefix))
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("complete(%q) = %v, want %v", tt.prefix, got, tt.want)
			}
		})
	}
}

func TestHover(t *testing.T) {
	s := NewLSP(newTestEngine(t))
	t.Cleanup(s.worker.Stop)

	h := s.hover("TMPL_foreach")
	if h == nil {
		t.Fatal("no hover for TMPL_foreach")
	}
	if mc, ok := h.Contents.(protocol.MarkupContent); !ok || !strings.Contains(mc.Value, "as name") {
		t.Errorf("hover contents = %v", h.Contents)
	}
	if s.hover("upper") == nil {
		t.Error("no hover for registered function")
	}
	if s.hover("nosuchthing") != nil {
		t.Error("hover for unknown word")
	}
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

func TestDiagnose(t *testing.T) {
	s := NewLSP(newTestEngine(t))
	t.Cleanup(s.worker.Stop)
	const uri = protocol.DocumentUri("file:///work/page.tmpl")

	if got := s.diagnose(uri, "Hello <TMPL_var name>"); len(got) != 0 {
		t.Errorf("valid document: %v", got)
	}

	got := s.diagnose(uri, "a\n<TMPL_var 1 +>")
	if len(got) != 1 {
		t.Fatalf("broken document: %v", got)
	}
	if got[0].Range.Start.Line != 1 || *got[0].Severity != protocol.DiagnosticSeverityError {
		t.Errorf("fault diagnostic = %+v", got[0])
	}

	got = s.diagnose(uri, "x\n  <TMPL_if 0>y</TMPL_if>")
	if len(got) != 1 {
		t.Fatalf("constant condition: %v", got)
	}
	d := got[0]
	if d.Range.Start.Line != 1 || d.Range.Start.Character != 2 || *d.Severity != protocol.DiagnosticSeverityWarning {
		t.Errorf("warning diagnostic = %+v", d)
	}
	if !strings.Contains(d.Message, "constant") {
		t.Errorf("warning message = %q", d.Message)
	}
}

func TestDocumentName(t *testing.T) {
	tests := []struct {
		uri  protocol.DocumentUri
		want string
	}{
		{"file:///work/a/../page.tmpl", "/work/page.tmpl"},
		{"untitled:Untitled-1", "untitled:Untitled-1"},
	}
	for _, tt := range tests {
		if got := documentName(tt.uri); got != tt.want {
			t.Errorf("documentName(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}
}
