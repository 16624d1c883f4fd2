// Package vm executes compiled templates.
//
// A CodeUnit is the compiler's output: decoded instructions plus the
// static data and static text pools, the syscall table and the calls
// table. Load resolves a CodeUnit's syscalls against a registry and yields
// an immutable Program that any number of VMs may run concurrently. A VM
// owns eight registers, an argument stack, a call stack and a flags word,
// and is used by one goroutine at a time.
package vm

import "fmt"

// Class is the high byte of an opcode and selects the first level of
// dispatch.
type Class uint8

const (
	ClassCtl   Class = 0x01 // control transfer, calls, syscalls, loops
	ClassStack Class = 0x02 // push and pop
	ClassArith Class = 0x03 // stack arithmetic
	ClassMov   Class = 0x04 // register and stack moves
	ClassCmp   Class = 0x05 // flag-setting comparisons
	ClassBr1   Class = 0x06 // conditional jumps, absolute target
	ClassBr2   Class = 0x07 // conditional jumps, relative target
	ClassMisc  Class = 0x08 // output
)

// Opcode is class<<8 | sub-opcode.
type Opcode uint16

// Class returns the instruction class of op.
func (op Opcode) Class() Class { return Class(op >> 8) }

// Sub returns the sub-opcode byte of op.
func (op Opcode) Sub() uint8 { return uint8(op) }

func opc(c Class, sub uint8) Opcode { return Opcode(c)<<8 | Opcode(sub) }

const (
	// ========================================================================
	// Control transfer (class 0x01)
	// ========================================================================

	NOP      = Opcode(ClassCtl)<<8 | 0x00 // no operation
	HLT      = Opcode(ClassCtl)<<8 | 0x01 // stop execution
	BRK      = Opcode(ClassCtl)<<8 | 0x02 // breakpoint when debugging, else no-op
	JMP      = Opcode(ClassCtl)<<8 | 0x03 // jump to Arg
	JMPR     = Opcode(ClassCtl)<<8 | 0x04 // jump by signed Arg
	CALL     = Opcode(ClassCtl)<<8 | 0x05 // call block at Arg
	CALLNAME = Opcode(ClassCtl)<<8 | 0x06 // call block named by text[Arg]
	CALLIND  = Opcode(ClassCtl)<<8 | 0x07 // call block named by Src
	RET      = Opcode(ClassCtl)<<8 | 0x08 // return from block
	SYSCALL  = Opcode(ClassCtl)<<8 | 0x09 // native call: Arg = slot<<16 | argc
	LOOP     = Opcode(ClassCtl)<<8 | 0x0A // Src--, Dst++, jump to Arg while Src > 0
	RLOOP    = Opcode(ClassCtl)<<8 | 0x0B // as LOOP with a relative target

	// ========================================================================
	// Stack (class 0x02)
	// ========================================================================

	PUSH = Opcode(ClassStack)<<8 | 0x00 // push Src
	POP  = Opcode(ClassStack)<<8 | 0x01 // pop into Dst, or discard
	POPN = Opcode(ClassStack)<<8 | 0x02 // discard Arg values

	// ========================================================================
	// Arithmetic (class 0x03), operands on the stack
	// ========================================================================

	ADD    = Opcode(ClassArith)<<8 | 0x00
	SUB    = Opcode(ClassArith)<<8 | 0x01
	MUL    = Opcode(ClassArith)<<8 | 0x02
	DIV    = Opcode(ClassArith)<<8 | 0x03
	IDIV   = Opcode(ClassArith)<<8 | 0x04
	MOD    = Opcode(ClassArith)<<8 | 0x05
	CONCAT = Opcode(ClassArith)<<8 | 0x06
	NEG    = Opcode(ClassArith)<<8 | 0x07
	NOT    = Opcode(ClassArith)<<8 | 0x08
	BOOL   = Opcode(ClassArith)<<8 | 0x09

	// ========================================================================
	// Moves (class 0x04)
	// ========================================================================

	MOV  = Opcode(ClassMov)<<8 | 0x00 // Dst = Src
	MOVD = Opcode(ClassMov)<<8 | 0x01 // Dst = Src when Src is defined
	SIZE = Opcode(ClassMov)<<8 | 0x02 // Dst = Size(Src)
	CLR  = Opcode(ClassMov)<<8 | 0x03 // Dst = undef
	CNT  = Opcode(ClassMov)<<8 | 0x04 // Dst = Size(Src) for containers, else Src as a count

	// ========================================================================
	// Comparison (class 0x05)
	// ========================================================================

	CMP  = Opcode(ClassCmp)<<8 | 0x00 // numeric ladder: Src against Dst
	SCMP = Opcode(ClassCmp)<<8 | 0x01 // lexicographic: Src against Dst
	TEST = Opcode(ClassCmp)<<8 | 0x02 // truth of Src against false

	// ========================================================================
	// Branches (classes 0x06 and 0x07 share sub-opcodes)
	// ========================================================================

	JE   = Opcode(ClassBr1)<<8 | condEQ
	JNE  = Opcode(ClassBr1)<<8 | condNE
	JL   = Opcode(ClassBr1)<<8 | condLT
	JG   = Opcode(ClassBr1)<<8 | condGT
	JLE  = Opcode(ClassBr1)<<8 | condLE
	JGE  = Opcode(ClassBr1)<<8 | condGE
	JOD  = Opcode(ClassBr1)<<8 | condOD
	JEV  = Opcode(ClassBr1)<<8 | condEV
	JER  = Opcode(ClassBr2)<<8 | condEQ
	JNER = Opcode(ClassBr2)<<8 | condNE
	JLR  = Opcode(ClassBr2)<<8 | condLT
	JGR  = Opcode(ClassBr2)<<8 | condGT
	JLER = Opcode(ClassBr2)<<8 | condLE
	JGER = Opcode(ClassBr2)<<8 | condGE
	JODR = Opcode(ClassBr2)<<8 | condOD
	JEVR = Opcode(ClassBr2)<<8 | condEV

	// ========================================================================
	// Misc (class 0x08)
	// ========================================================================

	OUT = Opcode(ClassMisc)<<8 | 0x00 // write String(Src) to the output
)

// Branch conditions, the sub-opcode of ClassBr1 and ClassBr2.
const (
	condEQ = iota
	condNE
	condLT
	condGT
	condLE
	condGE
	condOD
	condEV
)

// Cond is a branch condition; Branch turns it into an opcode.
type Cond uint8

const (
	CondEQ Cond = Cond(condEQ)
	CondNE Cond = Cond(condNE)
	CondLT Cond = Cond(condLT)
	CondGT Cond = Cond(condGT)
	CondLE Cond = Cond(condLE)
	CondGE Cond = Cond(condGE)
	CondOD Cond = Cond(condOD)
	CondEV Cond = Cond(condEV)
)

// Negate returns the condition that holds exactly when c does not, for
// ordered comparisons. Parity conditions swap with each other.
func (c Cond) Negate() Cond {
	switch c {
	case CondEQ:
		return CondNE
	case CondNE:
		return CondEQ
	case CondLT:
		return CondGE
	case CondGE:
		return CondLT
	case CondGT:
		return CondLE
	case CondLE:
		return CondGT
	case CondOD:
		return CondEV
	}
	return CondOD
}

// Branch returns the conditional jump opcode for c.
func Branch(c Cond, relative bool) Opcode {
	if relative {
		return opc(ClassBr2, uint8(c))
	}
	return opc(ClassBr1, uint8(c))
}

// OpcodeInfo describes an opcode for the disassembler and validation.
type OpcodeInfo struct {
	Name    string
	UsesArg bool // Arg is meaningful
	Target  bool // Arg is a jump target (absolute or relative)
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	NOP:      {"NOP", false, false},
	HLT:      {"HLT", false, false},
	BRK:      {"BRK", false, false},
	JMP:      {"JMP", true, true},
	JMPR:     {"JMPR", true, true},
	CALL:     {"CALL", true, true},
	CALLNAME: {"CALLNAME", true, false},
	CALLIND:  {"CALLIND", false, false},
	RET:      {"RET", false, false},
	SYSCALL:  {"SYSCALL", true, false},
	LOOP:     {"LOOP", true, true},
	RLOOP:    {"RLOOP", true, true},

	PUSH: {"PUSH", false, false},
	POP:  {"POP", false, false},
	POPN: {"POPN", true, false},

	ADD:    {"ADD", false, false},
	SUB:    {"SUB", false, false},
	MUL:    {"MUL", false, false},
	DIV:    {"DIV", false, false},
	IDIV:   {"IDIV", false, false},
	MOD:    {"MOD", false, false},
	CONCAT: {"CONCAT", false, false},
	NEG:    {"NEG", false, false},
	NOT:    {"NOT", false, false},
	BOOL:   {"BOOL", false, false},

	MOV:  {"MOV", false, false},
	MOVD: {"MOVD", false, false},
	SIZE: {"SIZE", false, false},
	CLR:  {"CLR", false, false},
	CNT:  {"CNT", false, false},

	CMP:  {"CMP", false, false},
	SCMP: {"SCMP", false, false},
	TEST: {"TEST", false, false},

	JE:   {"JE", true, true},
	JNE:  {"JNE", true, true},
	JL:   {"JL", true, true},
	JG:   {"JG", true, true},
	JLE:  {"JLE", true, true},
	JGE:  {"JGE", true, true},
	JOD:  {"JOD", true, true},
	JEV:  {"JEV", true, true},
	JER:  {"JER", true, true},
	JNER: {"JNER", true, true},
	JLR:  {"JLR", true, true},
	JGR:  {"JGR", true, true},
	JLER: {"JLER", true, true},
	JGER: {"JGER", true, true},
	JODR: {"JODR", true, true},
	JEVR: {"JEVR", true, true},

	OUT: {"OUT", false, false},
}

// GetOpcodeInfo returns metadata for op, or an UNKNOWN entry.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%04X)", uint16(op))}
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// IsRelative reports whether op's Arg is an offset from its own address.
func (op Opcode) IsRelative() bool {
	return op == JMPR || op == RLOOP || op.Class() == ClassBr2
}

// IsTransfer reports whether op may change the instruction pointer other
// than by falling through. These are the instructions charged against the
// step limit.
func (op Opcode) IsTransfer() bool {
	switch op.Class() {
	case ClassBr1, ClassBr2:
		return true
	case ClassCtl:
		return op != NOP && op != HLT && op != BRK
	}
	return false
}

// AllOpcodes returns every defined opcode.
func AllOpcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		ops = append(ops, op)
	}
	return ops
}
