package compiler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/chazu/tmplvm/diag"
	"github.com/chazu/tmplvm/loader"
	"github.com/chazu/tmplvm/registry"
	"github.com/chazu/tmplvm/value"
	"github.com/chazu/tmplvm/vm"
)

// ---------------------------------------------------------------------------
// Parser: recursive descent over tags and tag expressions
// ---------------------------------------------------------------------------

// Parser limits.
const (
	DefaultMaxIncludeDepth = 16
	DefaultMaxDepth        = 64
)

// Options configures a Parser.
type Options struct {
	Loader          loader.Loader     // resolves <TMPL_include>; nil disables includes
	Translate       map[string]string // initial variable name translation
	MaxIncludeDepth int               // 0 selects DefaultMaxIncludeDepth
	MaxDepth        int               // construct nesting limit; 0 selects DefaultMaxDepth
	Log             diag.Logger       // compile-time warnings
}

// Parser compiles template text by driving a Compiler.
type Parser struct {
	c      *Compiler
	opts   Options
	loader loader.Loader
	log    diag.Logger

	sc  *scanner
	lex *Lexer
	tok Token
}

// NewParser returns a parser emitting into c.
func NewParser(c *Compiler, opts Options) *Parser {
	if opts.MaxIncludeDepth <= 0 {
		opts.MaxIncludeDepth = DefaultMaxIncludeDepth
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	log := opts.Log
	if log == nil {
		log = diag.Discard
	}
	return &Parser{c: c, opts: opts, loader: opts.Loader, log: log}
}

// Parse compiles the template text named name.
func (p *Parser) Parse(name, text string) error {
	return p.parse(parseContext{translate: p.opts.Translate, source: name}, name, text)
}

// ParseFile loads name through the configured loader and compiles it.
func (p *Parser) ParseFile(name string) error {
	if p.loader == nil {
		return errors.Errorf("cannot load %q: no loader configured", name)
	}
	src, err := p.loader.Load(name)
	if err != nil {
		return err
	}
	return p.Parse(src.Name, src.Text)
}

// CompileString parses text as a complete template and links it.
func CompileString(name, text string, reg *registry.Registry, opts Options) (*vm.CodeUnit, error) {
	c := New(reg)
	if err := NewParser(c, opts).Parse(name, text); err != nil {
		return nil, err
	}
	return c.Compile(true)
}

func (p *Parser) parse(ctx parseContext, name, text string) error {
	p.sc = newScanner(name, text)
	end, err := p.parseBody(ctx)
	if err != nil {
		return err
	}
	if end.kind == pieceClose {
		return &OperatorMismatch{Found: end.name, Source: name, Line: end.pos.Line, Column: end.pos.Column}
	}
	return nil
}

func (p *Parser) fault(pos Position, format string, args ...any) error {
	return &SyntaxFault{Source: p.sc.source, Line: pos.Line, Column: pos.Column, Msg: fmt.Sprintf(format, args...)}
}

func (p *Parser) locate(pos Position) {
	p.c.SetLocation(p.sc.source, pos.Line, pos.Column)
}

// parseBody compiles pieces until end of input, a closing tag, or an
// opening tag named in stops, and returns that piece.
func (p *Parser) parseBody(ctx parseContext, stops ...string) (piece, error) {
	for {
		pc, err := p.sc.next()
		if err != nil {
			return piece{}, err
		}
		switch pc.kind {
		case pieceEOF, pieceClose:
			return pc, nil
		case pieceText:
			p.locate(pc.pos)
			p.c.OutputText(pc.text)
		case pieceOpen:
			if slices.Contains(stops, pc.name) {
				return pc, nil
			}
			p.locate(pc.pos)
			if err := p.parseTag(ctx, pc); err != nil {
				return piece{}, err
			}
		}
	}
}

func (p *Parser) parseTag(ctx parseContext, pc piece) error {
	switch pc.name {
	case "var":
		return p.parseVar(ctx, pc)
	case "if":
		return p.parseIf(ctx, pc, false)
	case "unless":
		return p.parseIf(ctx, pc, true)
	case "loop":
		return p.parseLoop(ctx, pc)
	case "foreach":
		return p.parseForeach(ctx, pc)
	case "include":
		return p.parseInclude(ctx, pc)
	case "call":
		return p.parseCall(ctx, pc)
	case "block":
		return p.parseBlock(ctx, pc)
	case "comment":
		return p.sc.skipComment(pc)
	case "break":
		return p.fault(pc.pos, "<TMPL_break> is not implemented")
	case "else", "elsif":
		return p.fault(pc.pos, "<TMPL_%s> outside <TMPL_if>", pc.name)
	}
	return p.fault(pc.pos, "unknown tag <TMPL_%s>", pc.name)
}

// nest enters a construct, enforcing the nesting limit.
func (p *Parser) nest(ctx parseContext, open piece) (parseContext, error) {
	ctx.depth++
	if ctx.depth > p.opts.MaxDepth {
		return ctx, p.fault(open.pos, "nesting depth exceeds %d", p.opts.MaxDepth)
	}
	return ctx, nil
}

// expectClose checks that end closes the construct opened by open.
func (p *Parser) expectClose(end, open piece) error {
	switch {
	case end.kind == pieceEOF:
		return p.fault(open.pos, "<TMPL_%s> is never closed", open.name)
	case end.kind == pieceOpen:
		return p.fault(end.pos, "<TMPL_%s> is not allowed inside <TMPL_%s>", end.name, open.name)
	case end.name != open.name:
		return &OperatorMismatch{Expected: open.name, Found: end.name, Source: p.sc.source,
			Line: end.pos.Line, Column: end.pos.Column}
	}
	return nil
}

// noBody rejects text in tags that take none.
func (p *Parser) noBody(pc piece) error {
	if strings.TrimSpace(pc.text) != "" {
		return p.fault(pc.bodyPos, "<TMPL_%s> takes no arguments", pc.name)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tags
// ---------------------------------------------------------------------------

func (p *Parser) parseVar(ctx parseContext, pc piece) error {
	p.begin(pc)
	if _, err := p.parseExpr(ctx); err != nil {
		return err
	}
	if err := p.expectEnd(); err != nil {
		return err
	}
	p.c.OutputTop()
	return nil
}

// parseIf compiles if/elsif/else and unless/else.
func (p *Parser) parseIf(ctx parseContext, open piece, invert bool) error {
	ctx, err := p.nest(ctx, open)
	if err != nil {
		return err
	}
	stops := []string{"elsif", "else"}
	if invert {
		stops = stops[1:]
	}

	var exits []int
	cond := open
	for {
		skip, err := p.condition(ctx, cond, invert)
		if err != nil {
			return err
		}
		p.c.OpenScope()
		end, err := p.parseBody(ctx, stops...)
		if err != nil {
			return err
		}
		p.c.CloseScope()

		if end.kind == pieceOpen {
			exits = append(exits, p.c.Jump(Always, false))
		}
		if skip >= 0 {
			p.c.PatchHere(skip)
		}

		if end.kind == pieceOpen && end.name == "elsif" {
			cond, invert = end, false
			continue
		}
		if end.kind == pieceOpen && end.name == "else" {
			if err := p.noBody(end); err != nil {
				return err
			}
			p.c.OpenScope()
			if end, err = p.parseBody(ctx); err != nil {
				return err
			}
			p.c.CloseScope()
		}
		if err := p.expectClose(end, open); err != nil {
			return err
		}
		break
	}
	for _, j := range exits {
		p.c.PatchHere(j)
	}
	return nil
}

// condition compiles the test of an if, elsif or unless tag and returns
// the jump taken when the branch is skipped, or -1 when it never is. A
// literal condition is decided here with a warning.
func (p *Parser) condition(ctx parseContext, pc piece, invert bool) (int, error) {
	p.locate(pc.pos)
	p.begin(pc)
	mark := p.c.Mark()
	x, err := p.parseExpr(ctx)
	if err != nil {
		return 0, err
	}
	if err := p.expectEnd(); err != nil {
		return 0, err
	}

	if x.constant {
		p.c.Rewind(mark)
		taken := x.val.Bool() != invert
		outcome := "skipped"
		if taken {
			outcome = "taken"
		}
		p.log.Logf(diag.Warning, "%s:%d:%d: condition of <TMPL_%s> is constant, branch is always %s",
			p.sc.source, pc.pos.Line, pc.pos.Column, pc.name, outcome)
		if taken {
			return -1, nil
		}
		return p.c.Jump(Always, false), nil
	}

	p.c.Test()
	if invert {
		return p.c.Jump(IfNE, false), nil
	}
	return p.c.Jump(IfEQ, false), nil
}

func (p *Parser) parseLoop(ctx parseContext, open piece) error {
	ctx, err := p.nest(ctx, open)
	if err != nil {
		return err
	}
	p.begin(open)
	if _, err := p.parseExpr(ctx); err != nil {
		return err
	}
	if err := p.expectEnd(); err != nil {
		return err
	}
	return p.loopBody(ctx, open, loopFrame{implicit: true}, IterCount)
}

func (p *Parser) parseForeach(ctx parseContext, open piece) error {
	ctx, err := p.nest(ctx, open)
	if err != nil {
		return err
	}
	p.begin(open)
	if _, err := p.parseExpr(ctx); err != nil {
		return err
	}
	if !p.tok.is("as") {
		return p.fault(p.tok.Pos, "expected 'as' after the foreach collection, got %s", p.tok)
	}
	p.advance()
	alias := p.tok
	switch {
	case alias.Type != TokenIdent || strings.ContainsAny(alias.Literal, ".:"):
		return p.fault(alias.Pos, "expected an iterator name, got %s", alias)
	case alias.operator() != "":
		return p.fault(alias.Pos, "%q is an operator and cannot name an iterator", alias.Literal)
	case isContextVar(alias.Literal):
		return p.fault(alias.Pos, "%q is a loop variable and cannot name an iterator", alias.Literal)
	}
	p.advance()
	if err := p.expectEnd(); err != nil {
		return err
	}
	return p.loopBody(ctx, open, loopFrame{alias: alias.Literal}, IterElements)
}

// loopBody compiles the body of a loop over the value just pushed.
func (p *Parser) loopBody(ctx parseContext, open piece, f loopFrame, kind IterKind) error {
	f.scope = p.c.PushIterScope(kind)
	end, err := p.parseBody(ctx.withLoop(f))
	if err != nil {
		return err
	}
	if err := p.expectClose(end, open); err != nil {
		return err
	}
	p.locate(end.pos)
	p.c.PopIterScope(f.scope)
	return nil
}

func (p *Parser) parseInclude(ctx parseContext, open piece) error {
	ctx, err := p.nest(ctx, open)
	if err != nil {
		return err
	}
	p.begin(open)
	if p.tok.Type != TokenString {
		return p.fault(p.tok.Pos, "<TMPL_include> needs a quoted template name, got %s", p.tok)
	}
	name := p.tok.Literal
	p.advance()

	var pairs [][2]string
	if p.tok.is("map") {
		p.advance()
		if pairs, err = p.parseMap(); err != nil {
			return err
		}
	}
	if err := p.expectEnd(); err != nil {
		return err
	}

	if ctx.includeDepth+1 > p.opts.MaxIncludeDepth {
		return p.fault(open.pos, "include depth exceeds %d including %q", p.opts.MaxIncludeDepth, name)
	}
	if p.loader == nil {
		return p.fault(open.pos, "cannot include %q: no loader configured", name)
	}
	ld := p.loader.Clone()
	src, err := ld.Load(name)
	if err != nil {
		return p.fault(open.pos, "cannot include %q: %v", name, err)
	}

	inner := ctx.withTranslation(pairs)
	inner.includeDepth++
	inner.source = src.Name
	child := &Parser{c: p.c, opts: p.opts, loader: ld, log: p.log}
	if err := child.parse(inner, src.Name, src.Text); err != nil {
		return errors.Wrapf(err, "in include file %s at line %d", src.Name, open.pos.Line)
	}
	return nil
}

// parseMap parses "(inner : outer, ...)" after the map keyword.
func (p *Parser) parseMap() ([][2]string, error) {
	if p.tok.Type != TokenLParen {
		return nil, p.fault(p.tok.Pos, "expected '(' after map, got %s", p.tok)
	}
	p.advance()
	var pairs [][2]string
	for p.tok.Type != TokenRParen {
		if p.tok.Type != TokenIdent {
			return nil, p.fault(p.tok.Pos, "expected a variable name in map, got %s", p.tok)
		}
		inner, outer := p.tok.Literal, ""
		p.advance()
		if p.tok.Type == TokenColon {
			p.advance()
			if p.tok.Type != TokenIdent {
				return nil, p.fault(p.tok.Pos, "expected a variable path after ':', got %s", p.tok)
			}
			outer = p.tok.Literal
			p.advance()
		} else if i := strings.IndexByte(inner, ':'); i > 0 {
			inner, outer = inner[:i], inner[i+1:]
		} else {
			return nil, p.fault(p.tok.Pos, "expected ':' in map entry for %q", inner)
		}
		pairs = append(pairs, [2]string{inner, outer})
		if p.tok.Type == TokenComma {
			p.advance()
			continue
		}
		if p.tok.Type != TokenRParen {
			return nil, p.fault(p.tok.Pos, "expected ',' or ')' in map, got %s", p.tok)
		}
	}
	p.advance()
	return pairs, nil
}

func (p *Parser) parseCall(ctx parseContext, pc piece) error {
	p.begin(pc)
	mark := p.c.Mark()
	x, err := p.parseExpr(ctx)
	if err != nil {
		return err
	}
	if err := p.expectEnd(); err != nil {
		return err
	}
	p.locate(pc.pos)
	if x.constant {
		p.c.Rewind(mark)
		p.c.CallName(x.val.String())
		return nil
	}
	p.c.CallTop()
	return nil
}

func (p *Parser) parseBlock(ctx parseContext, open piece) error {
	ctx, err := p.nest(ctx, open)
	if err != nil {
		return err
	}
	p.begin(open)
	var name string
	switch {
	case p.tok.Type == TokenString:
		name = p.tok.Literal
	case p.tok.Type == TokenIdent && p.tok.operator() == "":
		name = p.tok.Literal
	default:
		return p.fault(p.tok.Pos, "<TMPL_block> needs a name, got %s", p.tok)
	}
	p.advance()
	if err := p.expectEnd(); err != nil {
		return err
	}
	if err := p.c.OpenBlock(name); err != nil {
		return p.fault(open.pos, "%v", err)
	}

	// A block runs wherever it is called, so enclosing loops are not
	// visible inside it.
	inner := ctx
	inner.loops = nil
	end, err := p.parseBody(inner)
	if err != nil {
		return err
	}
	if err := p.expectClose(end, open); err != nil {
		return err
	}
	p.locate(end.pos)
	return p.c.CloseBlock()
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// expr describes a compiled expression. Literals and operators applied
// only to literals are constant; their value is known at compile time
// and their code is a single push.
type expr struct {
	constant bool
	val      value.Value
}

// begin starts lexing the body of a tag.
func (p *Parser) begin(pc piece) {
	p.lex = NewLexerAt(pc.text, pc.bodyPos)
	p.advance()
}

func (p *Parser) advance() { p.tok = p.lex.NextToken() }

func (p *Parser) expectEnd() error {
	switch p.tok.Type {
	case TokenEOF:
		return nil
	case TokenError:
		return p.fault(p.tok.Pos, "%s", p.tok.Literal)
	}
	return p.fault(p.tok.Pos, "unexpected %s after expression", p.tok)
}

func (p *Parser) parseExpr(ctx parseContext) (expr, error) {
	return p.parseOr(ctx)
}

// parseOr compiles a || b || ... to branches leaving one 0 or 1.
func (p *Parser) parseOr(ctx parseContext) (expr, error) {
	x, err := p.parseAnd(ctx)
	if err != nil || p.tok.operator() != "||" {
		return x, err
	}
	var trues []int
	for p.tok.operator() == "||" {
		p.locate(p.tok.Pos)
		p.advance()
		p.c.Test()
		trues = append(trues, p.c.Jump(IfNE, false))
		if _, err := p.parseAnd(ctx); err != nil {
			return expr{}, err
		}
	}
	p.c.Test()
	trues = append(trues, p.c.Jump(IfNE, false))
	p.c.PushInt(0)
	done := p.c.Jump(Always, true)
	for _, j := range trues {
		p.c.PatchHere(j)
	}
	p.c.PushInt(1)
	p.c.PatchHere(done)
	p.c.DecDepth(1)
	return expr{}, nil
}

// parseAnd compiles a && b && ... to branches leaving one 0 or 1.
func (p *Parser) parseAnd(ctx parseContext) (expr, error) {
	x, err := p.parseRelational(ctx)
	if err != nil || p.tok.operator() != "&&" {
		return x, err
	}
	var falses []int
	for p.tok.operator() == "&&" {
		p.locate(p.tok.Pos)
		p.advance()
		p.c.Test()
		falses = append(falses, p.c.Jump(IfEQ, false))
		if _, err := p.parseRelational(ctx); err != nil {
			return expr{}, err
		}
	}
	p.c.Test()
	falses = append(falses, p.c.Jump(IfEQ, false))
	p.c.PushInt(1)
	done := p.c.Jump(Always, true)
	for _, j := range falses {
		p.c.PatchHere(j)
	}
	p.c.PushInt(0)
	p.c.PatchHere(done)
	p.c.DecDepth(1)
	return expr{}, nil
}

var relations = map[string]struct {
	rel     Relation
	lexical bool
}{
	"==": {RelEQ, false},
	"!=": {RelNE, false},
	"<":  {RelLT, false},
	">":  {RelGT, false},
	"<=": {RelLE, false},
	">=": {RelGE, false},
	"eq": {RelEQ, true},
	"ne": {RelNE, true},
	"lt": {RelLT, true},
	"gt": {RelGT, true},
	"le": {RelLE, true},
	"ge": {RelGE, true},
}

func (p *Parser) parseRelational(ctx parseContext) (expr, error) {
	x, err := p.parseAdditive(ctx)
	if err != nil {
		return x, err
	}
	for {
		r, ok := relations[p.tok.operator()]
		if !ok {
			return x, nil
		}
		pos := p.tok.Pos
		p.advance()
		if _, err := p.parseAdditive(ctx); err != nil {
			return expr{}, err
		}
		p.locate(pos)
		p.c.Compare(r.rel, r.lexical)
		x = expr{}
	}
}

var additive = map[string]value.Op{"+": value.OpAdd, "-": value.OpSub, "~": value.OpConcat}

func (p *Parser) parseAdditive(ctx parseContext) (expr, error) {
	x, err := p.parseMultiplicative(ctx)
	if err != nil {
		return x, err
	}
	for {
		op, ok := additive[p.tok.operator()]
		if !ok {
			return x, nil
		}
		pos := p.tok.Pos
		p.advance()
		if _, err := p.parseMultiplicative(ctx); err != nil {
			return expr{}, err
		}
		p.locate(pos)
		p.c.Binary(op)
		x = expr{}
	}
}

var multiplicative = map[string]value.Op{
	"*":   value.OpMul,
	"/":   value.OpDiv,
	"%":   value.OpMod,
	"div": value.OpIDiv,
	"mod": value.OpMod,
}

func (p *Parser) parseMultiplicative(ctx parseContext) (expr, error) {
	x, err := p.parseUnary(ctx)
	if err != nil {
		return x, err
	}
	for {
		op, ok := multiplicative[p.tok.operator()]
		if !ok {
			return x, nil
		}
		pos := p.tok.Pos
		p.advance()
		if _, err := p.parseUnary(ctx); err != nil {
			return expr{}, err
		}
		p.locate(pos)
		p.c.Binary(op)
		x = expr{}
	}
}

// parseUnary compiles prefix + - ! and not. Applied to a constant they
// fold, so "-1" stays a literal.
func (p *Parser) parseUnary(ctx parseContext) (expr, error) {
	op := p.tok.operator()
	if op != "+" && op != "-" && op != "!" {
		return p.parsePrimary(ctx)
	}
	pos := p.tok.Pos
	p.advance()
	mark := p.c.Mark()
	x, err := p.parseUnary(ctx)
	if err != nil {
		return x, err
	}
	p.locate(pos)

	if x.constant {
		var v value.Value
		switch op {
		case "+":
			v = x.val.ToNumber()
		case "-":
			if v, err = value.Neg(x.val); err != nil {
				return expr{}, p.fault(pos, "%v", err)
			}
		case "!":
			v = value.Not(x.val)
		}
		p.c.Rewind(mark)
		p.pushConstant(v)
		return expr{constant: true, val: v}, nil
	}

	switch op {
	case "+":
		p.c.PushInt(0)
		p.c.Binary(value.OpAdd)
	case "-":
		p.c.Neg()
	case "!":
		p.c.Not()
	}
	return expr{}, nil
}

func (p *Parser) pushConstant(v value.Value) {
	switch v.Kind() {
	case value.Integer:
		p.c.PushInt(v.Int64())
	case value.Real:
		p.c.PushReal(v.Float64())
	case value.Undefined:
		p.c.PushUndefined()
	default:
		p.c.PushString(v.String())
	}
}

func (p *Parser) parsePrimary(ctx parseContext) (expr, error) {
	tok := p.tok
	p.locate(tok.Pos)

	switch tok.Type {
	case TokenInteger:
		p.advance()
		n, err := strconv.ParseInt(tok.Literal, 10, 64)
		if err != nil {
			return expr{}, p.fault(tok.Pos, "integer literal %s out of range", tok.Literal)
		}
		p.c.PushInt(n)
		return expr{constant: true, val: value.Int(n)}, nil

	case TokenFloat:
		p.advance()
		f, err := strconv.ParseFloat(tok.Literal, 64)
		if err != nil {
			return expr{}, p.fault(tok.Pos, "malformed number %s", tok.Literal)
		}
		p.c.PushReal(f)
		return expr{constant: true, val: value.Float(f)}, nil

	case TokenString:
		p.advance()
		p.c.PushString(tok.Literal)
		return expr{constant: true, val: value.Str(tok.Literal)}, nil

	case TokenLParen:
		p.advance()
		x, err := p.parseExpr(ctx)
		if err != nil {
			return x, err
		}
		if p.tok.Type != TokenRParen {
			return expr{}, p.fault(p.tok.Pos, "expected ')', got %s", p.tok)
		}
		p.advance()
		return x, nil

	case TokenIdent:
		if tok.operator() != "" {
			return expr{}, p.fault(tok.Pos, "unexpected operator %q", tok.Literal)
		}
		p.advance()
		if p.tok.Type == TokenLParen {
			return expr{}, p.parseCallExpr(ctx, tok)
		}
		return expr{}, p.pushPath(ctx, tok)

	case TokenEOF:
		return expr{}, p.fault(tok.Pos, "missing expression")

	case TokenError:
		return expr{}, p.fault(tok.Pos, "%s", tok.Literal)
	}
	return expr{}, p.fault(tok.Pos, "unexpected %s", tok)
}

// parseCallExpr compiles name(arg, ...) as a syscall.
func (p *Parser) parseCallExpr(ctx parseContext, name Token) error {
	if strings.ContainsAny(name.Literal, ".:") {
		return p.fault(name.Pos, "%q is not a function name", name.Literal)
	}
	p.advance()
	argc := 0
	for p.tok.Type != TokenRParen {
		if _, err := p.parseExpr(ctx); err != nil {
			return err
		}
		argc++
		if p.tok.Type == TokenComma {
			p.advance()
			continue
		}
		if p.tok.Type != TokenRParen {
			return p.fault(p.tok.Pos, "expected ',' or ')' in call to %s, got %s", name.Literal, p.tok)
		}
	}
	p.advance()
	if argc > 0xFFFF {
		return p.fault(name.Pos, "too many arguments to %s", name.Literal)
	}
	p.locate(name.Pos)
	p.c.Syscall(name.Literal, argc)
	return nil
}

func isContextVar(s string) bool {
	_, ok := contextVars[strings.ToLower(s)]
	return ok
}

// pushPath compiles a variable reference.
func (p *Parser) pushPath(ctx parseContext, tok Token) error {
	path := ctx.resolve(splitPath(tok.Literal))
	if len(path) == 0 {
		return p.fault(tok.Pos, "malformed variable %q", tok.Literal)
	}

	if cv, ok := contextVars[strings.ToLower(path[len(path)-1])]; ok {
		if len(ctx.loops) == 0 {
			return p.fault(tok.Pos, "%s used outside a loop", path[len(path)-1])
		}
		k := len(ctx.loops) - 1
		switch len(path) {
		case 1:
		case 2:
			if k = ctx.alias(path[0]); k < 0 {
				return p.fault(tok.Pos, "%q is not an enclosing foreach iterator", path[0])
			}
		default:
			return p.fault(tok.Pos, "malformed loop variable %q", tok.Literal)
		}
		if cv == CtxContent {
			p.c.PushStack(ctx.loops[k].scope.Item, nil)
			return nil
		}
		p.c.PushLoopContext(cv, ctx.loopRef(k))
		return nil
	}

	if k := ctx.alias(path[0]); k >= 0 {
		p.c.PushStack(ctx.loops[k].scope.Item, path[1:])
		return nil
	}
	if n := len(ctx.loops); n > 0 && ctx.loops[n-1].implicit {
		p.c.PushScoped(ctx.loops[n-1].scope.Item, path)
		return nil
	}
	p.c.PushRoot(path)
	return nil
}
