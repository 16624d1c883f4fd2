package vm

import (
	"fmt"
	"strings"
)

// NumRegisters is the size of the register file.
const NumRegisters = 8

// Register numbers with a fixed role.
const (
	R0 uint8 = iota // root value
	R1              // scratch
	R2              // scratch
	R3              // scratch
	R4              // reserved
	R5              // reserved
	R6              // loop iterations remaining
	R7              // loop index
)

// Mode selects how an operand is addressed.
type Mode uint8

const (
	ModeNone  Mode = iota // no operand
	ModeReg               // register Reg
	ModeStack             // stack slot at top + int32(Arg)
	ModeData              // static data[Arg]
	ModeText              // static text[Arg]
	ModeImm               // immediate int32(Arg)
	ModeIdx               // element Arg of the container in register Reg
	ModeKey               // element text[Arg] of the container in register Reg
	ModeElem              // element Int(register Arg) of the container in register Reg
)

var modeNames = [...]string{"none", "reg", "stack", "data", "text", "imm", "idx", "key", "elem"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", m)
}

// usesArg reports whether the mode reads the instruction argument.
func (m Mode) usesArg() bool {
	return m >= ModeStack
}

// Operand is a source or destination of an instruction.
type Operand struct {
	Mode Mode
	Reg  uint8
}

// None is the absent operand.
var None = Operand{}

// Reg addresses a register.
func Reg(r uint8) Operand { return Operand{Mode: ModeReg, Reg: r} }

// Stack addresses a stack slot relative to the top.
func Stack() Operand { return Operand{Mode: ModeStack} }

// Data addresses the static data pool.
func Data() Operand { return Operand{Mode: ModeData} }

// Text addresses the static text pool.
func Text() Operand { return Operand{Mode: ModeText} }

// Imm is an immediate integer carried in Arg.
func Imm() Operand { return Operand{Mode: ModeImm} }

// Idx addresses element Arg of the container held in register r.
func Idx(r uint8) Operand { return Operand{Mode: ModeIdx, Reg: r} }

// Key addresses element text[Arg] of the container held in register r.
func Key(r uint8) Operand { return Operand{Mode: ModeKey, Reg: r} }

// Elem addresses an element of the container in register r, indexed by
// the register named in Arg.
func Elem(r uint8) Operand { return Operand{Mode: ModeElem, Reg: r} }

// Byte packs the operand as mode<<4 | register.
func (o Operand) Byte() byte { return byte(o.Mode)<<4 | o.Reg&0x0F }

// OperandFromByte unpacks an operand byte.
func OperandFromByte(b byte) Operand {
	return Operand{Mode: Mode(b >> 4), Reg: b & 0x0F}
}

// ---------------------------------------------------------------------------
// Debug info
// ---------------------------------------------------------------------------

// DebugInfo locates an instruction in its template source: a 16-bit
// source id, a 24-bit line and a 24-bit column.
type DebugInfo uint64

const (
	debugLineBits = 24
	debugColBits  = 24
	debugLineMax  = 1<<debugLineBits - 1
	debugColMax   = 1<<debugColBits - 1
)

// MakeDebug packs a location. Out of range lines and columns saturate.
func MakeDebug(source uint16, line, col int) DebugInfo {
	if line < 0 {
		line = 0
	}
	if line > debugLineMax {
		line = debugLineMax
	}
	if col < 0 {
		col = 0
	}
	if col > debugColMax {
		col = debugColMax
	}
	return DebugInfo(uint64(source)<<48 | uint64(line)<<24 | uint64(col))
}

// Source returns the source id.
func (d DebugInfo) Source() uint16 { return uint16(d >> 48) }

// Line returns the 1-based line, or 0 when unknown.
func (d DebugInfo) Line() int { return int(d>>24) & debugLineMax }

// Column returns the 1-based column, or 0 when unknown.
func (d DebugInfo) Column() int { return int(d) & debugColMax }

// ---------------------------------------------------------------------------
// Instruction
// ---------------------------------------------------------------------------

// Instruction is the decoded form of one instruction.
type Instruction struct {
	Op    Opcode
	Src   Operand
	Dst   Operand
	Arg   uint32
	Debug DebugInfo
}

// Int returns Arg as a signed value, as used by relative targets, stack
// offsets and immediates.
func (in Instruction) Int() int32 { return int32(in.Arg) }

// OpcodeWord packs class<<24 | sub<<16 | src<<8 | dst.
func (in Instruction) OpcodeWord() uint32 {
	return uint32(in.Op.Class())<<24 | uint32(in.Op.Sub())<<16 |
		uint32(in.Src.Byte())<<8 | uint32(in.Dst.Byte())
}

// DecodeOpcodeWord splits a packed opcode word.
func DecodeOpcodeWord(w uint32) (Opcode, Operand, Operand) {
	op := Opcode(w>>24)<<8 | Opcode(w>>16&0xFF)
	return op, OperandFromByte(byte(w >> 8)), OperandFromByte(byte(w))
}

// SyscallArg packs a syscall slot and argument count.
func SyscallArg(slot, argc int) uint32 {
	return uint32(slot&0xFFFF)<<16 | uint32(argc&0xFFFF)
}

// SplitSyscallArg unpacks a SYSCALL argument.
func SplitSyscallArg(arg uint32) (slot, argc int) {
	return int(arg >> 16), int(arg & 0xFFFF)
}

func (in Instruction) String() string {
	var sb strings.Builder
	sb.WriteString(in.Op.String())
	ops := make([]string, 0, 3)
	if in.Dst.Mode != ModeNone {
		ops = append(ops, in.formatOperand(in.Dst))
	}
	if in.Src.Mode != ModeNone {
		ops = append(ops, in.formatOperand(in.Src))
	}
	info := GetOpcodeInfo(in.Op)
	if info.UsesArg && !in.Src.Mode.usesArg() && !in.Dst.Mode.usesArg() {
		switch {
		case in.Op == SYSCALL:
			slot, argc := SplitSyscallArg(in.Arg)
			ops = append(ops, fmt.Sprintf("#%d/%d", slot, argc))
		case in.Op.IsRelative():
			ops = append(ops, fmt.Sprintf("%+d", in.Int()))
		default:
			ops = append(ops, fmt.Sprintf("%d", in.Arg))
		}
	}
	if len(ops) > 0 {
		sb.WriteByte(' ')
		sb.WriteString(strings.Join(ops, ", "))
	}
	return sb.String()
}

func (in Instruction) formatOperand(o Operand) string {
	switch o.Mode {
	case ModeReg:
		return fmt.Sprintf("R%d", o.Reg)
	case ModeStack:
		return fmt.Sprintf("S%d", in.Int())
	case ModeData:
		return fmt.Sprintf("D%d", in.Arg)
	case ModeText:
		return fmt.Sprintf("T%d", in.Arg)
	case ModeImm:
		return fmt.Sprintf("$%d", in.Int())
	case ModeIdx:
		return fmt.Sprintf("R%d[%d]", o.Reg, in.Arg)
	case ModeKey:
		return fmt.Sprintf("R%d[T%d]", o.Reg, in.Arg)
	case ModeElem:
		return fmt.Sprintf("R%d[R%d]", o.Reg, in.Arg)
	}
	return o.Mode.String()
}
