package vm

import (
	"github.com/pkg/errors"

	"github.com/chazu/tmplvm/registry"
)

// Program is a CodeUnit whose syscalls have been resolved against a
// registry. It is immutable and safe to share between VMs.
type Program struct {
	Unit  *CodeUnit
	funcs []registry.Func
	ids   []registry.ID
}

// Load validates u and resolves each syscall name through reg. An unknown
// name fails here with InvalidSyscall rather than when the call executes.
// A nil reg is only valid for units without syscalls.
func Load(u *CodeUnit, reg *registry.Registry) (*Program, error) {
	if u == nil {
		return nil, &Fault{Kind: Internal, Err: errors.New("nil code unit")}
	}
	p := &Program{
		Unit:  u,
		funcs: make([]registry.Func, len(u.Syscalls)),
		ids:   make([]registry.ID, len(u.Syscalls)),
	}
	for slot := range u.Syscalls {
		name := u.SyscallName(slot)
		if reg == nil {
			return nil, p.loadFault(InvalidSyscall, slot, errors.Errorf("no registry to resolve %q", name))
		}
		id, fn, ok := reg.LookupName(name)
		if !ok {
			return nil, p.loadFault(InvalidSyscall, slot, errors.Errorf("unknown function %q", name))
		}
		p.funcs[slot], p.ids[slot] = fn, id
	}
	for ip, in := range u.Instructions {
		if err := validate(u, in); err != nil {
			return nil, &Fault{Kind: err.kind, IP: ip, Debug: in.Debug, Source: u.SourceName(in.Debug.Source()), Err: err.err}
		}
	}
	return p, nil
}

// loadFault reports a syscall problem at the first instruction using slot.
func (p *Program) loadFault(kind FaultKind, slot int, err error) *Fault {
	f := &Fault{Kind: kind, IP: -1, Err: err}
	for ip, in := range p.Unit.Instructions {
		if in.Op != SYSCALL {
			continue
		}
		if s, _ := SplitSyscallArg(in.Arg); s == slot {
			f.IP, f.Debug = ip, in.Debug
			f.Source = p.Unit.SourceName(in.Debug.Source())
			break
		}
	}
	return f
}

// SyscallID returns the registry ID resolved for a syscall slot.
func (p *Program) SyscallID(slot int) (registry.ID, bool) {
	if slot < 0 || slot >= len(p.ids) {
		return 0, false
	}
	return p.ids[slot], true
}

type loadError struct {
	kind FaultKind
	err  error
}

func validate(u *CodeUnit, in Instruction) *loadError {
	if !in.Op.Valid() {
		return &loadError{IllegalOpcode, errors.Errorf("illegal opcode 0x%04X", uint16(in.Op))}
	}
	for _, o := range []Operand{in.Src, in.Dst} {
		if o.Mode > ModeElem || o.Reg >= NumRegisters {
			return &loadError{IllegalOpcode, errors.Errorf("%s: invalid operand %s/R%d", in.Op, o.Mode, o.Reg)}
		}
		if o.Mode == ModeElem && in.Arg >= NumRegisters {
			return &loadError{IllegalOpcode, errors.Errorf("%s: invalid index register R%d", in.Op, in.Arg)}
		}
	}
	switch in.Op {
	case SYSCALL:
		if slot, _ := SplitSyscallArg(in.Arg); slot >= len(u.Syscalls) {
			return &loadError{InvalidSyscall, errors.Errorf("syscall slot %d not in table", slot)}
		}
	case CALLNAME:
		if int(in.Arg) >= len(u.Text) {
			return &loadError{InvalidCall, errors.Errorf("call name index %d out of range", in.Arg)}
		}
	}
	return nil
}
