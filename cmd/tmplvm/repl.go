package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/pkg/errors"

	"github.com/chazu/tmplvm/compiler"
	"github.com/chazu/tmplvm/engine"
	"github.com/chazu/tmplvm/value"
)

const (
	historyFile = ".tmplvm_history"
	promptMain  = ">> "
	promptCont  = ".. "
	replName    = "<repl>"
)

const replHelp = `REPL commands:
  :data <file>   Load the root object from a YAML or JSON file
  :root          Show the current root object
  :disasm        Toggle printing the compiled listing
  :render <name> Render a named template
  :help          Show this help
  :quit          Exit the REPL
Anything else is compiled as template text and rendered against the root.
Input continues on the next line while a block tag is open.
`

// repl holds the state of an interactive session.
type repl struct {
	engine *engine.Engine
	root   value.Value
	disasm bool
	out    io.Writer
}

func runREPL(args []string) error {
	fs, c := newFlagSet("repl", "")
	dataPath := fs.String("data", "", "Root data file (.yaml, .yml, .json or .cbor)")
	if err := fs.Parse(args); err != nil {
		return exitError(2)
	}

	e, _, err := c.engine()
	if err != nil {
		return err
	}
	defer e.Close()

	r := &repl{engine: e, out: os.Stdout}
	if r.root, err = loadData(*dataPath); err != nil {
		return err
	}

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)
	ln.SetCompleter(r.complete)

	histPath := filepath.Join(os.TempDir(), historyFile)
	if home, err := os.UserHomeDir(); err == nil {
		histPath = filepath.Join(home, historyFile)
	}
	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}
	}()

	fmt.Println("tmplvm REPL (Ctrl+D or :quit to exit, :help for commands)")
	for {
		input, ok := r.read(ln)
		if !ok {
			break
		}
		if strings.TrimSpace(input) == "" {
			continue
		}
		ln.AppendHistory(input)
		if strings.HasPrefix(input, ":") {
			if quit := r.command(input); quit {
				break
			}
			continue
		}
		r.eval(input)
	}
	fmt.Println()
	return nil
}

// read collects one input, prompting for more lines while the text ends
// inside an unclosed block. ok is false at end of input.
func (r *repl) read(ln *liner.State) (string, bool) {
	var b strings.Builder
	for {
		prompt := promptMain
		if b.Len() > 0 {
			prompt = promptCont
		}
		line, err := ln.Prompt(prompt)
		if errors.Is(err, io.EOF) {
			return "", false
		}
		if errors.Is(err, liner.ErrPromptAborted) {
			return "", true
		}
		if err != nil {
			return "", false
		}

		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		if strings.HasPrefix(b.String(), ":") || !unclosed(r.engine, b.String()) {
			return b.String(), true
		}
	}
}

// unclosed reports whether text fails to compile only because a block
// tag is still open.
func unclosed(e *engine.Engine, text string) bool {
	_, err := e.CompileString(replName, text)
	var sf *compiler.SyntaxFault
	return errors.As(err, &sf) && strings.HasSuffix(sf.Msg, "is never closed")
}

// command runs a REPL meta-command and reports whether to exit.
func (r *repl) command(input string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(input), " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case ":quit", ":q", ":exit":
		return true
	case ":help", ":h", ":?":
		fmt.Fprint(r.out, replHelp)
	case ":data":
		root, err := loadData(arg)
		if err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
			return false
		}
		r.root = root
	case ":root":
		fmt.Fprintln(r.out, value.Dump(r.root, nil))
	case ":disasm":
		r.disasm = !r.disasm
		fmt.Fprintf(r.out, "disassembly %s\n", onOff(r.disasm))
	case ":render":
		if arg == "" {
			fmt.Fprintln(r.out, "Usage: :render <template>")
			return false
		}
		r.engine.Invalidate(arg)
		if err := r.engine.Render(context.Background(), arg, r.root, r.out); err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
		}
		fmt.Fprintln(r.out)
	default:
		fmt.Fprintf(r.out, "Unknown command: %s (type :help for commands)\n", cmd)
	}
	return false
}

// eval compiles and renders one input.
func (r *repl) eval(text string) {
	p, err := r.engine.CompileString(replName, text)
	if err != nil {
		fmt.Fprint(r.out, compiler.Snippet(err, text))
		return
	}
	if r.disasm {
		fmt.Fprint(r.out, p.Unit.DisassembleWithName(replName))
	}
	if err := r.engine.Execute(context.Background(), p, r.root, r.out); err != nil {
		fmt.Fprintf(r.out, "\nError: %v\n", err)
		return
	}
	fmt.Fprintln(r.out)
}

// complete offers tag names and registered functions for the word before
// the cursor.
func (r *repl) complete(line string) []string {
	start := strings.LastIndexFunc(line, func(ch rune) bool {
		return !(ch == '_' || ch == '<' || ch == '/' || 'a' <= ch && ch <= 'z' || 'A' <= ch && ch <= 'Z' || '0' <= ch && ch <= '9')
	}) + 1
	head, word := line[:start], line[start:]
	if word == "" {
		return nil
	}

	var out []string
	var forms []string
	for _, tag := range []string{"var", "elsif", "else", "include", "call"} {
		forms = append(forms, "<TMPL_"+tag)
	}
	for _, tag := range []string{"if", "unless", "loop", "foreach", "block", "comment"} {
		forms = append(forms, "<TMPL_"+tag, "</TMPL_"+tag+">")
	}
	for _, form := range forms {
		if strings.HasPrefix(form, word) {
			out = append(out, head+form)
		}
	}
	for _, name := range r.engine.Registry().Names() {
		if strings.HasPrefix(name, word) {
			out = append(out, head+name+"(")
		}
	}
	return out
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
