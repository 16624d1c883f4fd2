package vm

import (
	"fmt"
	"sort"
	"strings"
)

// Disassemble returns a human-readable listing of the unit.
func (u *CodeUnit) Disassemble() string {
	return u.DisassembleWithName("")
}

// DisassembleWithName returns a listing with a name header.
func (u *CodeUnit) DisassembleWithName(name string) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; tmplvm code unit v%d, %d instructions\n\n", UnitVersion, len(u.Instructions)))

	if len(u.Text) > 0 {
		sb.WriteString("; Text:\n")
		for i, s := range u.Text {
			sb.WriteString(fmt.Sprintf(";   T%-3d %q\n", i, truncate(s, 40)))
		}
		sb.WriteString("\n")
	}

	if len(u.Data) > 0 {
		sb.WriteString("; Data:\n")
		for i, d := range u.Data {
			sb.WriteString(fmt.Sprintf(";   D%-3d %s %s\n", i, d.Kind(), d))
		}
		sb.WriteString("\n")
	}

	if len(u.Syscalls) > 0 {
		sb.WriteString("; Syscalls:\n")
		for i := range u.Syscalls {
			sb.WriteString(fmt.Sprintf(";   #%-3d %s\n", i, u.SyscallName(i)))
		}
		sb.WriteString("\n")
	}

	blocks := make(map[int]string, len(u.Calls))
	if len(u.Calls) > 0 {
		names := make([]string, 0, len(u.Calls))
		for n := range u.Calls {
			names = append(names, n)
		}
		sort.Strings(names)
		sb.WriteString("; Blocks:\n")
		for _, n := range names {
			sb.WriteString(fmt.Sprintf(";   %-16s @%04d\n", n, u.Calls[n]))
			blocks[int(u.Calls[n])] = n
		}
		sb.WriteString("\n")
	}

	sb.WriteString("; Code:\n")
	for ip, in := range u.Instructions {
		if n, ok := blocks[ip]; ok {
			sb.WriteString(fmt.Sprintf("%s:\n", n))
		}
		line := in.String()
		if note := u.annotate(ip, in); note != "" {
			line = fmt.Sprintf("%-30s ; %s", line, note)
		}
		if in.Debug.Line() > 0 {
			sb.WriteString(fmt.Sprintf("%04d  %-48s ; %s:%d:%d\n", ip, line,
				u.SourceName(in.Debug.Source()), in.Debug.Line(), in.Debug.Column()))
		} else {
			sb.WriteString(fmt.Sprintf("%04d  %s\n", ip, line))
		}
	}
	return sb.String()
}

// annotate resolves pool references and relative targets for display.
func (u *CodeUnit) annotate(ip int, in Instruction) string {
	switch {
	case in.Op == SYSCALL:
		slot, _ := SplitSyscallArg(in.Arg)
		return u.SyscallName(slot)
	case in.Op == CALLNAME, in.Src.Mode == ModeText, in.Src.Mode == ModeKey, in.Dst.Mode == ModeKey:
		return fmt.Sprintf("%q", truncate(u.text(in.Arg), 20))
	case in.Src.Mode == ModeData && int(in.Arg) < len(u.Data):
		return u.Data[in.Arg].String()
	case in.Op.IsRelative():
		return fmt.Sprintf("-> %04d", ip+int(in.Int()))
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
