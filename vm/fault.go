package vm

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// FaultKind classifies runtime faults.
type FaultKind uint8

const (
	IllegalOpcode FaultKind = iota + 1
	InvalidSyscall
	InvalidCall
	CodeSegmentOverrun
	ExecutionLimitReached
	ZeroDivision
	StackOverflow
	StackUnderflow
	Breakpoint
	OutputFault
	LogicFault
	AccessFault
	Internal
)

var faultNames = map[FaultKind]string{
	IllegalOpcode:         "illegal opcode",
	InvalidSyscall:        "invalid syscall",
	InvalidCall:           "invalid call",
	CodeSegmentOverrun:    "code segment overrun",
	ExecutionLimitReached: "execution limit reached",
	ZeroDivision:          "zero division",
	StackOverflow:         "stack overflow",
	StackUnderflow:        "stack underflow",
	Breakpoint:            "breakpoint",
	OutputFault:           "output fault",
	LogicFault:            "logic fault",
	AccessFault:           "access fault",
	Internal:              "internal error",
}

func (k FaultKind) String() string {
	if s, ok := faultNames[k]; ok {
		return s
	}
	return fmt.Sprintf("fault(%d)", k)
}

// Fault is the error returned by Run and Load. IP is the address of the
// failing instruction; Source is the template name resolved from Debug
// when available.
type Fault struct {
	Kind   FaultKind
	IP     int
	Debug  DebugInfo
	Source string
	Err    error
}

func (f *Fault) Error() string {
	var sb strings.Builder
	sb.WriteString(f.Kind.String())
	fmt.Fprintf(&sb, " at ip %d", f.IP)
	if f.Source != "" || f.Debug.Line() > 0 {
		sb.WriteString(" (")
		if f.Source != "" {
			sb.WriteString(f.Source)
		}
		if f.Debug.Line() > 0 {
			fmt.Fprintf(&sb, ":%d:%d", f.Debug.Line(), f.Debug.Column())
		}
		sb.WriteByte(')')
	}
	if f.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(f.Err.Error())
	}
	return sb.String()
}

func (f *Fault) Unwrap() error { return f.Err }

// Is matches another *Fault of the same kind, so errors.Is(err,
// &Fault{Kind: ZeroDivision}) works.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	return ok && t.Kind == f.Kind && t.IP == 0 && t.Err == nil
}

// IsKind reports whether err is a Fault of kind k.
func IsKind(err error, k FaultKind) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == k
}
