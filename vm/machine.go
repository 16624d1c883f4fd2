package vm

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/chazu/tmplvm/diag"
	"github.com/chazu/tmplvm/registry"
	"github.com/chazu/tmplvm/value"
)

// Default limits.
const (
	DefaultMaxArgStack  = 1024
	DefaultMaxCallStack = 256
	DefaultMaxSteps     = 50_000_000
)

// Config bounds a VM.
type Config struct {
	MaxArgStack   int  // argument stack capacity
	MaxCallStack  int  // call stack capacity
	MaxSteps      int  // control transfers allowed per Run; 0 means unlimited
	DebugLevel    int  // > 0 makes BRK fault; > 1 traces every instruction
	StrictCompare bool // comparing incompatible kinds is a LogicFault
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxArgStack:  DefaultMaxArgStack,
		MaxCallStack: DefaultMaxCallStack,
		MaxSteps:     DefaultMaxSteps,
	}
}

// Flags is the comparison flags word.
type Flags uint32

const (
	FlagEQ Flags = 1 << iota
	FlagLT
	FlagGT
	FlagODD
	FlagUnordered
)

// VM executes Programs. A VM is reusable across runs and programs but must
// not be used by more than one goroutine at a time.
type VM struct {
	cfg Config

	regs  [NumRegisters]value.Value
	stack []value.Value // grows toward index 0; stack[sp] is the top
	sp    int
	calls []int
	csp   int
	flags Flags
	ip    int
	steps int

	prog  *Program
	funcs []registry.Func
	out   io.Writer
	log   diag.Logger

	ctx  context.Context // set only during RunContext
	done <-chan struct{}
}

// New returns a VM with the given limits. Zero stack sizes select the
// defaults.
func New(cfg Config) *VM {
	if cfg.MaxArgStack <= 0 {
		cfg.MaxArgStack = DefaultMaxArgStack
	}
	if cfg.MaxCallStack <= 0 {
		cfg.MaxCallStack = DefaultMaxCallStack
	}
	return &VM{
		cfg:   cfg,
		stack: make([]value.Value, cfg.MaxArgStack),
		sp:    cfg.MaxArgStack,
		calls: make([]int, cfg.MaxCallStack),
		log:   diag.Discard,
	}
}

// Config returns the VM's limits.
func (m *VM) Config() Config { return m.cfg }

// Reset clears registers, stacks and flags. The loaded program, if any,
// stays bound.
func (m *VM) Reset() {
	for i := range m.regs {
		m.regs[i].Release()
	}
	for i := m.sp; i < len(m.stack); i++ {
		m.stack[i].Release()
	}
	m.sp = len(m.stack)
	m.funcs = nil
	m.csp = 0
	m.flags = 0
	m.ip = 0
	m.steps = 0
}

// Init prepares the VM to run p against root, writing to out. Functions
// implementing registry.Binder are bound here, once, and the bound
// instances stay private to this VM.
func (m *VM) Init(p *Program, root value.Value, out io.Writer, log diag.Logger) error {
	m.Reset()
	if log == nil {
		log = diag.Discard
	}
	if out == nil {
		out = io.Discard
	}
	m.prog, m.out, m.log = p, out, log
	m.regs[R0] = root.Copy()

	env := registry.Env{Root: root, Out: out, Log: log}
	m.funcs = make([]registry.Func, len(p.funcs))
	for slot, fn := range p.funcs {
		bound, err := registry.Instance(fn, env)
		if err != nil {
			f := p.loadFault(InvalidSyscall, slot, errors.Wrapf(err, "bind %q", p.Unit.SyscallName(slot)))
			return f
		}
		m.funcs[slot] = bound
	}
	return nil
}

// Steps returns the number of control transfers charged by the last Run.
func (m *VM) Steps() int { return m.steps }

// Flags returns the current flags word.
func (m *VM) Flags() Flags { return m.flags }

// Register returns a copy of register r.
func (m *VM) Register(r uint8) value.Value {
	if r >= NumRegisters {
		return value.Value{}
	}
	return m.regs[r].Copy()
}

// Depth returns the number of values on the argument stack.
func (m *VM) Depth() int { return len(m.stack) - m.sp }

// CallDepth returns the number of pending returns.
func (m *VM) CallDepth() int { return m.csp }

// Run executes from instruction 0 until HLT or a fault. Any panic escaping
// an instruction is recovered into an Internal fault.
func (m *VM) Run() (err error) {
	if m.prog == nil {
		return &Fault{Kind: Internal, Err: errors.New("no program loaded")}
	}
	defer func() {
		if e := recover(); e != nil {
			cause, ok := e.(error)
			if !ok {
				cause = errors.Errorf("%v", e)
			}
			err = m.fault(Internal, errors.Wrapf(cause, "recovered panic @ip=%d/%d, stack %d/%d, calls %d/%d",
				m.ip, len(m.prog.Unit.Instructions), m.Depth(), len(m.stack), m.csp, len(m.calls)))
		}
	}()
	m.ip = 0
	m.steps = 0
	return m.loop()
}

// pollInterval is how many control transfers pass between context checks.
const pollInterval = 1024

// RunContext is Run, stopping with ExecutionLimitReached once ctx is done.
// The fault wraps ctx.Err().
func (m *VM) RunContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &Fault{Kind: ExecutionLimitReached, Err: errors.Wrap(err, "interrupted")}
	}
	m.ctx, m.done = ctx, ctx.Done()
	defer func() { m.ctx, m.done = nil, nil }()
	return m.Run()
}

// fault builds a Fault for the instruction at the current IP.
func (m *VM) fault(kind FaultKind, err error) *Fault {
	f := &Fault{Kind: kind, IP: m.ip, Err: err}
	code := m.prog.Unit.Instructions
	if m.ip >= 0 && m.ip < len(code) {
		f.Debug = code[m.ip].Debug
		f.Source = m.prog.Unit.SourceName(f.Debug.Source())
	}
	return f
}
