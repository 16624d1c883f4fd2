package vm

import (
	"io"

	"github.com/pkg/errors"

	"github.com/chazu/tmplvm/diag"
	"github.com/chazu/tmplvm/value"
)

// errHalt stops the dispatch loop without a fault.
var errHalt = errors.New("halt")

// loop is the fetch-decode-dispatch cycle. Handlers compute their effects
// first and commit them only once nothing can fail, so a fault leaves the
// registers and stacks as they were before the failing instruction.
func (m *VM) loop() error {
	code := m.prog.Unit.Instructions
	for {
		if m.ip < 0 || m.ip >= len(code) {
			return m.fault(CodeSegmentOverrun, errors.Errorf("ip %d outside code segment [0,%d)", m.ip, len(code)))
		}
		in := &code[m.ip]
		if in.Op.IsTransfer() {
			m.steps++
			if m.cfg.MaxSteps > 0 && m.steps > m.cfg.MaxSteps {
				return m.fault(ExecutionLimitReached, errors.Errorf("more than %d control transfers", m.cfg.MaxSteps))
			}
			if m.done != nil && m.steps%pollInterval == 0 {
				select {
				case <-m.done:
					return m.fault(ExecutionLimitReached, errors.Wrap(m.ctx.Err(), "interrupted"))
				default:
				}
			}
		}
		if m.cfg.DebugLevel > 1 {
			m.log.Logf(diag.Debug, "%04d  %-24s sp=%d csp=%d flags=%05b", m.ip, in, m.Depth(), m.csp, m.flags)
		}

		var err error
		switch in.Op.Class() {
		case ClassCtl:
			err = m.execCtl(in)
		case ClassStack:
			err = m.execStack(in)
		case ClassArith:
			err = m.execArith(in)
		case ClassMov:
			err = m.execMov(in)
		case ClassCmp:
			err = m.execCmp(in)
		case ClassBr1, ClassBr2:
			err = m.execBranch(in)
		case ClassMisc:
			err = m.execMisc(in)
		default:
			err = m.fault(IllegalOpcode, errors.Errorf("unknown class 0x%02X", uint8(in.Op.Class())))
		}
		if err == errHalt {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

// read fetches the value addressed by o. Container lookups are lenient:
// a missing element, or a lookup on a non-container, yields Undefined.
// The result holds its own reference; callers that do not store it must
// Release it.
func (m *VM) read(in *Instruction, o Operand) (value.Value, error) {
	switch o.Mode {
	case ModeReg:
		return m.regs[o.Reg].Copy(), nil
	case ModeStack:
		i := m.sp + int(in.Int())
		if in.Int() < 0 || i >= len(m.stack) {
			return value.Value{}, m.fault(StackUnderflow, errors.Errorf("stack slot %d not present (depth %d)", in.Int(), m.Depth()))
		}
		return m.stack[i].Copy(), nil
	case ModeData:
		data := m.prog.Unit.Data
		if int(in.Arg) >= len(data) {
			return value.Value{}, m.fault(AccessFault, errors.Errorf("static data index %d out of range", in.Arg))
		}
		return data[in.Arg], nil
	case ModeText:
		s, err := m.text(in.Arg)
		if err != nil {
			return value.Value{}, err
		}
		return value.Str(s), nil
	case ModeImm:
		return value.Int(int64(in.Int())), nil
	case ModeIdx:
		base := m.regs[o.Reg]
		if base.Kind() == value.Hash {
			return base.Get(itoa(in.Arg)), nil
		}
		return base.Elem(int(in.Arg)), nil
	case ModeKey:
		s, err := m.text(in.Arg)
		if err != nil {
			return value.Value{}, err
		}
		return m.regs[o.Reg].Get(s), nil
	case ModeElem:
		return m.regs[o.Reg].Elem(int(m.regs[in.Arg&7].Int64())), nil
	}
	return value.Value{}, m.fault(IllegalOpcode, errors.Errorf("%s: operand mode %s is not readable", in.Op, o.Mode))
}

// write stores v into o, taking ownership of v. ModeNone discards it.
func (m *VM) write(in *Instruction, o Operand, v value.Value) error {
	switch o.Mode {
	case ModeNone:
		v.Release()
		return nil
	case ModeReg:
		m.regs[o.Reg].Release()
		m.regs[o.Reg] = v
		return nil
	case ModeStack:
		i := m.sp + int(in.Int())
		if in.Int() < 0 || i >= len(m.stack) {
			return m.fault(StackUnderflow, errors.Errorf("stack slot %d not present (depth %d)", in.Int(), m.Depth()))
		}
		m.stack[i].Release()
		m.stack[i] = v
		return nil
	}
	return m.fault(IllegalOpcode, errors.Errorf("%s: operand mode %s is not writable", in.Op, o.Mode))
}

func (m *VM) text(i uint32) (string, error) {
	text := m.prog.Unit.Text
	if int(i) >= len(text) {
		return "", m.fault(AccessFault, errors.Errorf("static text index %d out of range", i))
	}
	return text[i], nil
}

func itoa(u uint32) string {
	var buf [10]byte
	i := len(buf)
	for {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
		if u == 0 {
			return string(buf[i:])
		}
	}
}

// ---------------------------------------------------------------------------
// Stack helpers
// ---------------------------------------------------------------------------

func (m *VM) push(v value.Value) error {
	if m.sp == 0 {
		return m.fault(StackOverflow, errors.Errorf("argument stack full (%d)", len(m.stack)))
	}
	m.sp--
	m.stack[m.sp] = v
	return nil
}

func (m *VM) need(n int) error {
	if m.Depth() < n {
		return m.fault(StackUnderflow, errors.Errorf("need %d values, stack holds %d", n, m.Depth()))
	}
	return nil
}

func (m *VM) drop(n int) {
	for i := 0; i < n; i++ {
		m.stack[m.sp].Release()
		m.sp++
	}
}

// jump moves to target after checking it lies in the code segment.
func (m *VM) jump(target int) error {
	if target < 0 || target >= len(m.prog.Unit.Instructions) {
		return m.fault(CodeSegmentOverrun, errors.Errorf("jump target %d outside code segment [0,%d)", target, len(m.prog.Unit.Instructions)))
	}
	m.ip = target
	return nil
}

func (m *VM) target(in *Instruction) int {
	if in.Op.IsRelative() {
		return m.ip + int(in.Int())
	}
	return int(in.Arg)
}

// ---------------------------------------------------------------------------
// Control transfer
// ---------------------------------------------------------------------------

func (m *VM) execCtl(in *Instruction) error {
	switch in.Op {
	case NOP:
		m.ip++
		return nil
	case HLT:
		return errHalt
	case BRK:
		if m.cfg.DebugLevel > 0 {
			return m.fault(Breakpoint, nil)
		}
		m.ip++
		return nil
	case JMP, JMPR:
		return m.jump(m.target(in))
	case CALL:
		return m.call(int(in.Arg))
	case CALLNAME:
		name, err := m.text(in.Arg)
		if err != nil {
			return err
		}
		return m.callName(name)
	case CALLIND:
		v, err := m.read(in, in.Src)
		if err != nil {
			return err
		}
		name := v.String()
		v.Release()
		return m.callName(name)
	case RET:
		if m.csp == 0 {
			return m.fault(StackUnderflow, errors.New("return with empty call stack"))
		}
		m.csp--
		m.ip = m.calls[m.csp]
		return nil
	case SYSCALL:
		return m.syscall(in)
	case LOOP, RLOOP:
		return m.loopStep(in)
	}
	return m.fault(IllegalOpcode, errors.Errorf("unknown control opcode %s", in.Op))
}

func (m *VM) call(entry int) error {
	if m.csp >= len(m.calls) {
		return m.fault(StackOverflow, errors.Errorf("call stack full (%d)", len(m.calls)))
	}
	ret := m.ip + 1
	if err := m.jump(entry); err != nil {
		return err
	}
	m.calls[m.csp] = ret
	m.csp++
	return nil
}

func (m *VM) callName(name string) error {
	entry, ok := m.prog.Unit.Calls[name]
	if !ok {
		return m.fault(InvalidCall, errors.Errorf("block %q is not defined", name))
	}
	return m.call(int(entry))
}

// loopStep decrements the counter in Src and increments the index in Dst,
// jumping back while iterations remain.
func (m *VM) loopStep(in *Instruction) error {
	if in.Src.Mode != ModeReg || in.Dst.Mode != ModeReg {
		return m.fault(IllegalOpcode, errors.Errorf("%s needs register operands", in.Op))
	}
	remaining := m.regs[in.Src.Reg].Int64() - 1
	index := m.regs[in.Dst.Reg].Int64() + 1
	next := m.ip + 1
	if remaining > 0 {
		next = m.target(in)
		if next < 0 || next >= len(m.prog.Unit.Instructions) {
			return m.jump(next)
		}
	}
	m.regs[in.Src.Reg] = value.Int(remaining)
	m.regs[in.Dst.Reg] = value.Int(index)
	m.ip = next
	return nil
}

// args is the source-ordered view of a syscall's stack window.
type args struct {
	m    *VM
	argc int
}

func (a args) Len() int { return a.argc }

func (a args) At(i int) value.Value {
	if i < 0 || i >= a.argc {
		return value.Value{}
	}
	return a.m.stack[a.m.sp+a.argc-1-i]
}

func (m *VM) syscall(in *Instruction) error {
	slot, argc := SplitSyscallArg(in.Arg)
	if slot >= len(m.funcs) || m.funcs[slot] == nil {
		return m.fault(InvalidSyscall, errors.Errorf("syscall slot %d is not bound", slot))
	}
	if err := m.need(argc); err != nil {
		return err
	}
	if argc == 0 && m.sp == 0 {
		return m.fault(StackOverflow, errors.Errorf("argument stack full (%d)", len(m.stack)))
	}
	res, err := m.funcs[slot].Call(args{m: m, argc: argc}, m.log)
	if err != nil {
		return m.fault(InvalidSyscall, errors.Wrapf(err, "internal syscall error in %q", m.prog.Unit.SyscallName(slot)))
	}
	m.drop(argc)
	m.sp--
	m.stack[m.sp] = res
	m.ip++
	return nil
}

// ---------------------------------------------------------------------------
// Stack
// ---------------------------------------------------------------------------

func (m *VM) execStack(in *Instruction) error {
	switch in.Op {
	case PUSH:
		v, err := m.read(in, in.Src)
		if err != nil {
			return err
		}
		if err := m.push(v); err != nil {
			return err
		}
	case POP:
		if err := m.need(1); err != nil {
			return err
		}
		v := m.stack[m.sp]
		if in.Dst.Mode == ModeStack {
			i := m.sp + 1 + int(in.Int())
			if in.Int() < 0 || i >= len(m.stack) {
				return m.fault(StackUnderflow, errors.Errorf("stack slot %d not present after pop", in.Int()))
			}
			m.stack[m.sp] = value.Value{}
			m.sp++
			m.stack[i].Release()
			m.stack[i] = v
			break
		}
		if in.Dst.Mode != ModeNone && in.Dst.Mode != ModeReg {
			return m.fault(IllegalOpcode, errors.Errorf("POP: operand mode %s is not writable", in.Dst.Mode))
		}
		m.stack[m.sp] = value.Value{}
		m.sp++
		if err := m.write(in, in.Dst, v); err != nil {
			return err
		}
	case POPN:
		if err := m.need(int(in.Arg)); err != nil {
			return err
		}
		m.drop(int(in.Arg))
	default:
		return m.fault(IllegalOpcode, errors.Errorf("unknown stack opcode %s", in.Op))
	}
	m.ip++
	return nil
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

var binaryOps = map[Opcode]value.Op{
	ADD:    value.OpAdd,
	SUB:    value.OpSub,
	MUL:    value.OpMul,
	DIV:    value.OpDiv,
	IDIV:   value.OpIDiv,
	MOD:    value.OpMod,
	CONCAT: value.OpConcat,
}

func (m *VM) execArith(in *Instruction) error {
	if op, ok := binaryOps[in.Op]; ok {
		if err := m.need(2); err != nil {
			return err
		}
		r, err := value.Binary(op, m.stack[m.sp+1], m.stack[m.sp])
		if err != nil {
			return m.valueFault(err)
		}
		m.drop(1)
		m.stack[m.sp].Release()
		m.stack[m.sp] = r
		m.ip++
		return nil
	}

	if err := m.need(1); err != nil {
		return err
	}
	top := m.stack[m.sp]
	var r value.Value
	switch in.Op {
	case NEG:
		var err error
		if r, err = value.Neg(top); err != nil {
			return m.valueFault(err)
		}
	case NOT:
		r = value.Not(top)
	case BOOL:
		r = value.Bool(top.Bool())
	default:
		return m.fault(IllegalOpcode, errors.Errorf("unknown arithmetic opcode %s", in.Op))
	}
	m.stack[m.sp].Release()
	m.stack[m.sp] = r
	m.ip++
	return nil
}

// valueFault maps a value package error onto a fault kind.
func (m *VM) valueFault(err error) error {
	var (
		lf *value.LogicFault
		af *value.AccessFault
		rf *value.RangeFault
	)
	switch {
	case errors.Is(err, value.ErrZeroDivision):
		return m.fault(ZeroDivision, err)
	case errors.As(err, &lf):
		return m.fault(LogicFault, err)
	case errors.As(err, &af), errors.As(err, &rf):
		return m.fault(AccessFault, err)
	}
	return m.fault(Internal, err)
}

// ---------------------------------------------------------------------------
// Moves
// ---------------------------------------------------------------------------

func (m *VM) execMov(in *Instruction) error {
	var v value.Value
	switch in.Op {
	case MOV, MOVD, SIZE, CNT:
		var err error
		if v, err = m.read(in, in.Src); err != nil {
			return err
		}
		switch {
		case in.Op == MOVD && v.IsUndefined():
			m.ip++
			return nil
		case in.Op == SIZE:
			n := int64(v.Size())
			v.Release()
			v = value.Int(n)
		case in.Op == CNT:
			n := count(v)
			v.Release()
			v = value.Int(n)
		}
	case CLR:
	default:
		return m.fault(IllegalOpcode, errors.Errorf("unknown move opcode %s", in.Op))
	}
	if err := m.write(in, in.Dst, v); err != nil {
		return err
	}
	m.ip++
	return nil
}

// count is the number of passes a counted loop makes over v.
func count(v value.Value) int64 {
	if v.Kind().IsContainer() {
		return int64(v.Size())
	}
	n := v.Int64()
	if n < 0 {
		return 0
	}
	return n
}

// ---------------------------------------------------------------------------
// Comparison and branches
// ---------------------------------------------------------------------------

func (m *VM) execCmp(in *Instruction) error {
	a, err := m.read(in, in.Src)
	if err != nil {
		return err
	}
	defer a.Release()
	var flags Flags
	switch in.Op {
	case TEST:
		if a.Bool() {
			flags = FlagGT
		} else {
			flags = FlagEQ
		}
	case CMP, SCMP:
		b, err := m.read(in, in.Dst)
		if err != nil {
			return err
		}
		defer b.Release()
		var (
			c  int
			ok bool
		)
		if in.Op == CMP {
			c, ok, err = value.Compare(a, b, m.cfg.StrictCompare)
		} else {
			c, ok, err = stringCompare(a, b, m.cfg.StrictCompare)
		}
		if err != nil {
			return m.valueFault(err)
		}
		switch {
		case !ok:
			flags = FlagUnordered
		case c < 0:
			flags = FlagLT
		case c > 0:
			flags = FlagGT
		default:
			flags = FlagEQ
		}
		if in.Op == CMP && a.IsNumeric() && a.Int64()&1 == 1 {
			flags |= FlagODD
		}
	default:
		return m.fault(IllegalOpcode, errors.Errorf("unknown comparison opcode %s", in.Op))
	}
	m.flags = flags
	m.ip++
	return nil
}

// stringCompare orders the string forms of two scalars. Containers and
// pointers are incomparable.
func stringCompare(a, b value.Value, strict bool) (int, bool, error) {
	if incomparable(a.Kind()) || incomparable(b.Kind()) {
		if strict {
			return 0, false, &value.LogicFault{Op: "string comparison", Left: a.Kind(), Right: b.Kind()}
		}
		return 0, false, nil
	}
	return value.CompareStrings(a, b), true, nil
}

func incomparable(k value.Kind) bool {
	return k.IsContainer() || k == value.Pointer
}

// holds reports whether the flags satisfy a branch condition.
func (f Flags) holds(c uint8) bool {
	switch c {
	case condEQ:
		return f&FlagEQ != 0
	case condNE:
		return f&FlagEQ == 0
	case condLT:
		return f&FlagLT != 0
	case condGT:
		return f&FlagGT != 0
	case condLE:
		return f&(FlagLT|FlagEQ) != 0
	case condGE:
		return f&(FlagGT|FlagEQ) != 0
	case condOD:
		return f&FlagODD != 0
	case condEV:
		return f&FlagODD == 0
	}
	return false
}

func (m *VM) execBranch(in *Instruction) error {
	if !m.flags.holds(in.Op.Sub()) {
		m.ip++
		return nil
	}
	return m.jump(m.target(in))
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func (m *VM) execMisc(in *Instruction) error {
	if in.Op != OUT {
		return m.fault(IllegalOpcode, errors.Errorf("unknown opcode %s", in.Op))
	}
	var s string
	if in.Src.Mode == ModeText {
		var err error
		if s, err = m.text(in.Arg); err != nil {
			return err
		}
	} else {
		v, err := m.read(in, in.Src)
		if err != nil {
			return err
		}
		s = v.String()
		v.Release()
	}
	if s != "" {
		if _, err := io.WriteString(m.out, s); err != nil {
			return m.fault(OutputFault, err)
		}
	}
	m.ip++
	return nil
}
