package compiler

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/chazu/tmplvm/registry"
	"github.com/chazu/tmplvm/value"
	"github.com/chazu/tmplvm/vm"
)

// ---------------------------------------------------------------------------
// Compiler: the bytecode assembler driven by the Parser
// ---------------------------------------------------------------------------

// Cond is a jump condition. Always is an unconditional jump.
type Cond int

const (
	Always Cond = iota
	IfEQ
	IfNE
	IfLT
	IfGT
	IfLE
	IfGE
	IfOdd
	IfEven
)

var vmConds = map[Cond]vm.Cond{
	IfEQ:   vm.CondEQ,
	IfNE:   vm.CondNE,
	IfLT:   vm.CondLT,
	IfGT:   vm.CondGT,
	IfLE:   vm.CondLE,
	IfGE:   vm.CondGE,
	IfOdd:  vm.CondOD,
	IfEven: vm.CondEV,
}

// Relation is a relational operator.
type Relation int

const (
	RelEQ Relation = iota
	RelNE
	RelLT
	RelGT
	RelLE
	RelGE
)

var relConds = [...]Cond{RelEQ: IfEQ, RelNE: IfNE, RelLT: IfLT, RelGT: IfGT, RelLE: IfLE, RelGE: IfGE}

// ContextVar is a loop contextual variable.
type ContextVar int

const (
	CtxFirst    ContextVar = iota // __first__
	CtxLast                       // __last__
	CtxInner                      // __inner__
	CtxOdd                        // __odd__
	CtxEven                       // __even__
	CtxCounter                    // __counter__
	CtxRCounter                   // __rcounter__
	CtxSize                       // __size__
	CtxContent                    // __content__
)

var contextVars = map[string]ContextVar{
	"__first__":    CtxFirst,
	"__last__":     CtxLast,
	"__inner__":    CtxInner,
	"__odd__":      CtxOdd,
	"__even__":     CtxEven,
	"__counter__":  CtxCounter,
	"__rcounter__": CtxRCounter,
	"__size__":     CtxSize,
	"__content__":  CtxContent,
}

// IterKind selects how a loop derives its pass count from the value it
// iterates.
type IterKind int

const (
	IterElements IterKind = iota // Size(value) passes
	IterCount                    // Size for containers, else the value as a number
)

// IterScope is an open loop. Slots are absolute stack depths.
type IterScope struct {
	Collection int // the iterated value
	Saved      int // the enclosing loop's R6; its R7 is at Saved+1
	Item       int // the current element, valid inside the body
	top        int // first instruction of the body
	exit       int // the JLE that skips an empty loop
}

// LoopRef locates a loop's remaining and index counters: in R6/R7 for
// the innermost loop, or in the stack slots a nested loop saved them to.
type LoopRef struct {
	Saved bool
	Slot  int
}

// Mark is an emission point that code can be rewound to.
type Mark struct {
	ip    int
	depth int
}

type openBlock struct {
	name  string
	skip  int // the JMP over the body
	depth int
}

type dataKey struct {
	kind value.Kind
	bits uint64
}

type syscallUse struct {
	slot int
	loc  vm.DebugInfo
}

// Compiler accumulates instructions, the static data and text pools, the
// syscall table and the calls table. It is append-only except for jump
// patching and Rewind.
type Compiler struct {
	code     []vm.Instruction
	data     []value.Value
	dataIdx  map[dataKey]uint32
	text     []string
	textIdx  map[string]uint32
	syscalls []uint32
	sysIdx   map[string]syscallUse
	sources  []uint32
	srcIdx   map[string]uint16
	calls    map[string]uint32

	blocks   []openBlock
	scopes   int
	depth    int
	maxDepth int
	loc      vm.DebugInfo
	err      error
	done     bool

	reg *registry.Registry
}

// New returns an empty Compiler. When reg is non-nil, Compile verifies
// every function name against it.
func New(reg *registry.Registry) *Compiler {
	return &Compiler{
		dataIdx: make(map[dataKey]uint32),
		textIdx: make(map[string]uint32),
		sysIdx:  make(map[string]syscallUse),
		srcIdx:  make(map[string]uint16),
		calls:   make(map[string]uint32),
		reg:     reg,
	}
}

// emit appends an instruction carrying the current location and adjusts
// the stack depth by delta.
func (c *Compiler) emit(op vm.Opcode, dst, src vm.Operand, arg uint32, delta int) int {
	c.code = append(c.code, vm.Instruction{Op: op, Dst: dst, Src: src, Arg: arg, Debug: c.loc})
	c.adjust(delta)
	return len(c.code) - 1
}

func (c *Compiler) adjust(delta int) {
	c.depth += delta
	if c.depth < 0 && c.err == nil {
		c.err = errors.Errorf("stack depth accounting fell below zero at instruction %d", len(c.code)-1)
	}
	if c.depth > c.maxDepth {
		c.maxDepth = c.depth
	}
}

// Here returns the index the next instruction will occupy.
func (c *Compiler) Here() int { return len(c.code) }

// Depth returns the compile-time stack depth.
func (c *Compiler) Depth() int { return c.depth }

// MaxDepth returns the deepest stack the emitted code can reach.
func (c *Compiler) MaxDepth() int { return c.maxDepth }

// DecDepth lowers the depth accounting by n without emitting code. Branch
// shapes that push one value on each of two paths use it.
func (c *Compiler) DecDepth(n int) { c.adjust(-n) }

// Mark records the current emission point.
func (c *Compiler) Mark() Mark { return Mark{ip: len(c.code), depth: c.depth} }

// Rewind drops everything emitted since m. Nothing emitted since m may
// have been patched or recorded as a jump target.
func (c *Compiler) Rewind(m Mark) {
	c.code = c.code[:m.ip]
	c.depth = m.depth
}

// SetLocation sets the debug info attached to subsequent instructions.
func (c *Compiler) SetLocation(source string, line, col int) {
	id, ok := c.srcIdx[source]
	if !ok {
		id = uint16(len(c.sources))
		c.srcIdx[source] = id
		c.sources = append(c.sources, c.InternText(source))
	}
	c.loc = vm.MakeDebug(id, line, col)
}

// InternText returns the text pool index of s, adding it once.
func (c *Compiler) InternText(s string) uint32 {
	if i, ok := c.textIdx[s]; ok {
		return i
	}
	i := uint32(len(c.text))
	c.text = append(c.text, s)
	c.textIdx[s] = i
	return i
}

// InternData returns the data pool index of an Integer or Real, adding
// it once.
func (c *Compiler) InternData(v value.Value) uint32 {
	k := dataKey{kind: v.Kind()}
	switch k.kind {
	case value.Integer:
		k.bits = uint64(v.Int64())
	case value.Real:
		k.bits = math.Float64bits(v.Float64())
	default:
		panic(errors.Errorf("static data cannot hold %s", k.kind))
	}
	if i, ok := c.dataIdx[k]; ok {
		return i
	}
	i := uint32(len(c.data))
	c.data = append(c.data, v)
	c.dataIdx[k] = i
	return i
}

// ---------------------------------------------------------------------------
// Pushes
// ---------------------------------------------------------------------------

// PushInt pushes an integer constant. Values that fit 32 bits are
// immediates.
func (c *Compiler) PushInt(n int64) {
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		c.emit(vm.PUSH, vm.None, vm.Imm(), uint32(int32(n)), 1)
		return
	}
	c.emit(vm.PUSH, vm.None, vm.Data(), c.InternData(value.Int(n)), 1)
}

// PushReal pushes a real constant.
func (c *Compiler) PushReal(f float64) {
	c.emit(vm.PUSH, vm.None, vm.Data(), c.InternData(value.Float(f)), 1)
}

// PushString pushes a string constant.
func (c *Compiler) PushString(s string) {
	c.emit(vm.PUSH, vm.None, vm.Text(), c.InternText(s), 1)
}

// PushUndefined pushes Undefined.
func (c *Compiler) PushUndefined() {
	c.emit(vm.CLR, vm.Reg(vm.R1), vm.None, 0, 0)
	c.emit(vm.PUSH, vm.None, vm.Reg(vm.R1), 0, 1)
}

// PushRegister pushes a copy of register r.
func (c *Compiler) PushRegister(r uint8) {
	c.emit(vm.PUSH, vm.None, vm.Reg(r), 0, 1)
}

// selector addresses segment seg of the container in register r.
func (c *Compiler) selector(r uint8, seg string) (vm.Operand, uint32) {
	if n, ok := index(seg); ok {
		return vm.Idx(r), n
	}
	return vm.Key(r), c.InternText(seg)
}

// walk loads the container at path[:len-1], starting from register base,
// into R1 and returns the operand for the last segment.
func (c *Compiler) walk(base uint8, path []string) (vm.Operand, uint32) {
	for _, seg := range path[:len(path)-1] {
		src, arg := c.selector(base, seg)
		c.emit(vm.MOV, vm.Reg(vm.R1), src, arg, 0)
		base = vm.R1
	}
	return c.selector(base, path[len(path)-1])
}

// PushRoot pushes the value at path below the root value in R0. An empty
// path pushes the root itself.
func (c *Compiler) PushRoot(path []string) {
	if len(path) == 0 {
		c.PushRegister(vm.R0)
		return
	}
	src, arg := c.walk(vm.R0, path)
	c.emit(vm.PUSH, vm.None, src, arg, 1)
}

// offset converts an absolute slot to a top-relative offset.
func (c *Compiler) offset(slot int) uint32 {
	return uint32(c.depth - 1 - slot)
}

// PushStack pushes the value at path below the value in stack slot.
func (c *Compiler) PushStack(slot int, path []string) {
	if len(path) == 0 {
		c.emit(vm.PUSH, vm.None, vm.Stack(), c.offset(slot), 1)
		return
	}
	c.emit(vm.MOV, vm.Reg(vm.R1), vm.Stack(), c.offset(slot), 0)
	src, arg := c.walk(vm.R1, path)
	c.emit(vm.PUSH, vm.None, src, arg, 1)
}

// PushScoped pushes path looked up below the value in stack slot, falling
// back to the same path below the root when that is undefined.
func (c *Compiler) PushScoped(slot int, path []string) {
	src, arg := c.walk(vm.R0, path)
	c.emit(vm.MOV, vm.Reg(vm.R2), src, arg, 0)
	c.emit(vm.MOV, vm.Reg(vm.R1), vm.Stack(), c.offset(slot), 0)
	src, arg = c.walk(vm.R1, path)
	c.emit(vm.MOVD, vm.Reg(vm.R2), src, arg, 0)
	c.emit(vm.PUSH, vm.None, vm.Reg(vm.R2), 0, 1)
}

// loadCounters puts a loop's remaining count in R2 and its index in R3.
func (c *Compiler) loadCounters(ref LoopRef) {
	if ref.Saved {
		c.emit(vm.MOV, vm.Reg(vm.R2), vm.Stack(), c.offset(ref.Slot), 0)
		c.emit(vm.MOV, vm.Reg(vm.R3), vm.Stack(), c.offset(ref.Slot+1), 0)
		return
	}
	c.emit(vm.MOV, vm.Reg(vm.R2), vm.Reg(vm.R6), 0, 0)
	c.emit(vm.MOV, vm.Reg(vm.R3), vm.Reg(vm.R7), 0, 0)
}

// PushLoopContext pushes a contextual variable of the loop at ref.
// CtxContent is not computed from counters; use PushStack on the item
// slot instead.
func (c *Compiler) PushLoopContext(v ContextVar, ref LoopRef) {
	c.loadCounters(ref)
	switch v {
	case CtxCounter:
		c.PushRegister(vm.R3)
		c.PushInt(1)
		c.Binary(value.OpAdd)
	case CtxRCounter:
		c.PushRegister(vm.R2)
	case CtxSize:
		c.PushRegister(vm.R2)
		c.PushRegister(vm.R3)
		c.Binary(value.OpAdd)
	case CtxFirst:
		c.emit(vm.CMP, vm.Imm(), vm.Reg(vm.R3), 0, 0)
		c.pushFlag(IfEQ)
	case CtxLast:
		c.emit(vm.CMP, vm.Imm(), vm.Reg(vm.R2), 1, 0)
		c.pushFlag(IfEQ)
	case CtxOdd:
		// The counter is odd when the zero-based index is even.
		c.emit(vm.CMP, vm.Imm(), vm.Reg(vm.R3), 0, 0)
		c.pushFlag(IfEven)
	case CtxEven:
		c.emit(vm.CMP, vm.Imm(), vm.Reg(vm.R3), 0, 0)
		c.pushFlag(IfOdd)
	case CtxInner:
		c.emit(vm.CMP, vm.Imm(), vm.Reg(vm.R3), 0, 0)
		first := c.Jump(IfEQ, true)
		c.emit(vm.CMP, vm.Imm(), vm.Reg(vm.R2), 1, 0)
		last := c.Jump(IfEQ, true)
		c.PushInt(1)
		done := c.Jump(Always, true)
		c.PatchHere(first)
		c.PatchHere(last)
		c.PushInt(0)
		c.PatchHere(done)
		c.DecDepth(1)
	default:
		c.PushUndefined()
	}
}

// pushFlag pushes 1 when the flags satisfy cond, else 0.
func (c *Compiler) pushFlag(cond Cond) {
	yes := c.Jump(cond, true)
	c.PushInt(0)
	done := c.Jump(Always, true)
	c.PatchHere(yes)
	c.PushInt(1)
	c.PatchHere(done)
	c.DecDepth(1)
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

var binaryOpcodes = map[value.Op]vm.Opcode{
	value.OpAdd:    vm.ADD,
	value.OpSub:    vm.SUB,
	value.OpMul:    vm.MUL,
	value.OpDiv:    vm.DIV,
	value.OpIDiv:   vm.IDIV,
	value.OpMod:    vm.MOD,
	value.OpConcat: vm.CONCAT,
}

// Binary replaces the two top values with op applied to them, the deeper
// one being the left operand.
func (c *Compiler) Binary(op value.Op) {
	c.emit(binaryOpcodes[op], vm.None, vm.None, 0, -1)
}

// Compare replaces the two top values with 1 when the relation holds and
// 0 otherwise. Incomparable operands satisfy only RelNE.
func (c *Compiler) Compare(rel Relation, lexical bool) {
	op := vm.CMP
	if lexical {
		op = vm.SCMP
	}
	c.emit(vm.POP, vm.Reg(vm.R2), vm.None, 0, -1)
	c.emit(vm.POP, vm.Reg(vm.R1), vm.None, 0, -1)
	c.emit(op, vm.Reg(vm.R2), vm.Reg(vm.R1), 0, 0)
	c.pushFlag(relConds[rel])
}

// Not replaces the top value with its logical negation.
func (c *Compiler) Not() { c.emit(vm.NOT, vm.None, vm.None, 0, 0) }

// Neg replaces the top value with its arithmetic negation.
func (c *Compiler) Neg() { c.emit(vm.NEG, vm.None, vm.None, 0, 0) }

// Truth replaces the top value with 1 or 0.
func (c *Compiler) Truth() { c.emit(vm.BOOL, vm.None, vm.None, 0, 0) }

// Test pops the top value and sets the flags from its truth: EQ when
// false.
func (c *Compiler) Test() {
	c.emit(vm.TEST, vm.None, vm.Stack(), 0, 0)
	c.Pop(1)
}

// Pop discards n values.
func (c *Compiler) Pop(n int) {
	if n > 0 {
		c.emit(vm.POPN, vm.None, vm.None, uint32(n), -n)
	}
}

// ---------------------------------------------------------------------------
// Jumps
// ---------------------------------------------------------------------------

// Jump emits a jump with an unresolved target and returns its index for
// Patch.
func (c *Compiler) Jump(cond Cond, relative bool) int {
	if cond == Always {
		op := vm.JMP
		if relative {
			op = vm.JMPR
		}
		return c.emit(op, vm.None, vm.None, 0, 0)
	}
	return c.emit(vm.Branch(vmConds[cond], relative), vm.None, vm.None, 0, 0)
}

// Patch sets the target of the jump at idx.
func (c *Compiler) Patch(idx, target int) {
	in := &c.code[idx]
	if in.Op.IsRelative() {
		in.Arg = uint32(int32(target - idx))
		return
	}
	in.Arg = uint32(target)
}

// PatchHere targets the jump at idx at the next instruction.
func (c *Compiler) PatchHere(idx int) { c.Patch(idx, len(c.code)) }

// ---------------------------------------------------------------------------
// Output, calls and syscalls
// ---------------------------------------------------------------------------

// OutputText writes literal text.
func (c *Compiler) OutputText(s string) {
	if s != "" {
		c.emit(vm.OUT, vm.None, vm.Text(), c.InternText(s), 0)
	}
}

// OutputTop writes and pops the top value.
func (c *Compiler) OutputTop() {
	c.emit(vm.OUT, vm.None, vm.Stack(), 0, 0)
	c.Pop(1)
}

// CallName calls the block with a literal name.
func (c *Compiler) CallName(name string) {
	c.emit(vm.CALLNAME, vm.None, vm.None, c.InternText(name), 0)
}

// CallTop pops a block name and calls it.
func (c *Compiler) CallTop() {
	c.emit(vm.POP, vm.Reg(vm.R1), vm.None, 0, -1)
	c.emit(vm.CALLIND, vm.None, vm.Reg(vm.R1), 0, 0)
}

// Syscall calls the named function on the top argc values, replacing them
// with its result.
func (c *Compiler) Syscall(name string, argc int) {
	use, ok := c.sysIdx[name]
	if !ok {
		use = syscallUse{slot: len(c.syscalls), loc: c.loc}
		c.syscalls = append(c.syscalls, c.InternText(name))
		c.sysIdx[name] = use
	}
	c.emit(vm.SYSCALL, vm.None, vm.None, vm.SyscallArg(use.slot, argc), 1-argc)
}

// ---------------------------------------------------------------------------
// Scopes, blocks and loops
// ---------------------------------------------------------------------------

// OpenScope records an open control construct.
func (c *Compiler) OpenScope() { c.scopes++ }

// CloseScope closes the innermost control construct.
func (c *Compiler) CloseScope() {
	if c.scopes == 0 && c.err == nil {
		c.err = errors.New("scope closed twice")
	}
	c.scopes--
}

// OpenBlock starts a named block. The body is skipped by straight-line
// execution and entered only by calls.
func (c *Compiler) OpenBlock(name string) error {
	if _, ok := c.calls[name]; ok {
		return errors.Errorf("block %q is already defined", name)
	}
	for _, b := range c.blocks {
		if b.name == name {
			return errors.Errorf("block %q is already being defined", name)
		}
	}
	skip := c.Jump(Always, false)
	c.InternText(name)
	c.calls[name] = uint32(len(c.code))
	c.blocks = append(c.blocks, openBlock{name: name, skip: skip, depth: c.depth})
	c.depth = 0
	return nil
}

// CloseBlock ends the innermost block.
func (c *Compiler) CloseBlock() error {
	if len(c.blocks) == 0 {
		return errors.New("no open block")
	}
	b := c.blocks[len(c.blocks)-1]
	c.blocks = c.blocks[:len(c.blocks)-1]
	if c.depth != 0 && c.err == nil {
		c.err = errors.Errorf("block %q leaves %d values on the stack", b.name, c.depth)
	}
	c.emit(vm.RET, vm.None, vm.None, 0, 0)
	c.PatchHere(b.skip)
	c.depth = b.depth
	return nil
}

// PushIterScope opens a loop over the value on top of the stack. The
// body runs once per pass with the current element pushed as Item.
func (c *Compiler) PushIterScope(kind IterKind) *IterScope {
	s := &IterScope{Collection: c.depth - 1}
	c.PushRegister(vm.R6)
	s.Saved = c.depth - 1
	c.PushRegister(vm.R7)

	op := vm.SIZE
	if kind == IterCount {
		op = vm.CNT
	}
	c.emit(op, vm.Reg(vm.R6), vm.Stack(), c.offset(s.Collection), 0)
	c.emit(vm.MOV, vm.Reg(vm.R7), vm.Imm(), 0, 0)
	c.emit(vm.CMP, vm.Imm(), vm.Reg(vm.R6), 0, 0)
	s.exit = c.Jump(IfLE, false)

	s.top = c.Here()
	c.emit(vm.MOV, vm.Reg(vm.R1), vm.Stack(), c.offset(s.Collection), 0)
	c.emit(vm.PUSH, vm.None, vm.Elem(vm.R1), uint32(vm.R7), 1)
	s.Item = c.depth - 1
	c.OpenScope()
	return s
}

// PopIterScope closes the loop opened by PushIterScope and drops the
// iterated value.
func (c *Compiler) PopIterScope(s *IterScope) {
	c.CloseScope()
	c.Pop(1)
	c.Loop(s.top)
	c.PatchHere(s.exit)
	c.emit(vm.POP, vm.Reg(vm.R7), vm.None, 0, -1)
	c.emit(vm.POP, vm.Reg(vm.R6), vm.None, 0, -1)
	c.Pop(1)
}

// Loop emits the loop step: count down R6, count up R7, and jump to
// target while passes remain.
func (c *Compiler) Loop(target int) {
	c.emit(vm.LOOP, vm.Reg(vm.R7), vm.Reg(vm.R6), uint32(target), 0)
}

// ---------------------------------------------------------------------------
// Linking
// ---------------------------------------------------------------------------

// Compile links the unit and returns it. Literal calls to defined blocks
// become direct CALLs; other named calls stay for runtime lookup. With
// halt set a HLT is appended.
func (c *Compiler) Compile(halt bool) (*vm.CodeUnit, error) {
	if c.done {
		return nil, errors.New("compiler already produced its code unit")
	}
	if c.err != nil {
		return nil, c.err
	}
	if len(c.blocks) > 0 {
		return nil, errors.Errorf("block %q is not closed", c.blocks[len(c.blocks)-1].name)
	}
	if c.scopes > 0 {
		return nil, errors.Errorf("%d scopes are not closed", c.scopes)
	}
	if c.reg != nil {
		if err := c.verify(); err != nil {
			return nil, err
		}
	}

	for i := range c.code {
		in := &c.code[i]
		if in.Op != vm.CALLNAME {
			continue
		}
		if entry, ok := c.calls[c.text[in.Arg]]; ok {
			in.Op, in.Arg = vm.CALL, entry
		}
	}
	if halt {
		c.emit(vm.HLT, vm.None, vm.None, 0, 0)
	}
	c.done = true

	calls := make(map[string]uint32, len(c.calls))
	for k, v := range c.calls {
		calls[k] = v
	}
	return &vm.CodeUnit{
		Instructions: append([]vm.Instruction(nil), c.code...),
		Data:         append([]value.Value(nil), c.data...),
		Text:         append([]string(nil), c.text...),
		Syscalls:     append([]uint32(nil), c.syscalls...),
		Sources:      append([]uint32(nil), c.sources...),
		Calls:        calls,
	}, nil
}

// verify checks every function name against the registry, reporting the
// first unknown one at its first use.
func (c *Compiler) verify() error {
	for _, ti := range c.syscalls {
		name := c.text[ti]
		if _, _, ok := c.reg.LookupName(name); ok {
			continue
		}
		use := c.sysIdx[name]
		source := ""
		if id := int(use.loc.Source()); id < len(c.sources) {
			source = c.text[c.sources[id]]
		}
		return &SyntaxFault{Source: source, Line: use.loc.Line(), Column: use.loc.Column(),
			Msg: fmt.Sprintf("unknown function %q", name)}
	}
	return nil
}

// index reports whether a path segment is an array index.
func index(seg string) (uint32, bool) {
	if seg == "" || len(seg) > 9 {
		return 0, false
	}
	var n uint32
	for i := 0; i < len(seg); i++ {
		if !isDigit(rune(seg[i])) {
			return 0, false
		}
		n = n*10 + uint32(seg[i]-'0')
	}
	return n, true
}
