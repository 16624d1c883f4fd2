package vm

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/chazu/tmplvm/value"
)

// Format constants for the binary form of a CodeUnit.
const (
	UnitVersion uint16 = 1
	unitMagic          = "TVBC"
	instrSize          = 16
)

// CodeUnit is the output of the compiler. It is immutable once compiled
// and may be shared between goroutines.
type CodeUnit struct {
	Instructions []Instruction
	Data         []value.Value     // static data pool: Integer and Real only
	Text         []string          // static text pool, deduplicated
	Syscalls     []uint32          // syscall slot -> text index of the function name
	Sources      []uint32          // source id -> text index of the template name
	Calls        map[string]uint32 // block name -> entry instruction
}

// SyscallName returns the function name bound to a syscall slot.
func (u *CodeUnit) SyscallName(slot int) string {
	if slot < 0 || slot >= len(u.Syscalls) {
		return ""
	}
	return u.text(u.Syscalls[slot])
}

// SourceName returns the template name for a source id.
func (u *CodeUnit) SourceName(id uint16) string {
	if int(id) >= len(u.Sources) {
		return ""
	}
	return u.text(u.Sources[id])
}

func (u *CodeUnit) text(i uint32) string {
	if int(i) >= len(u.Text) {
		return ""
	}
	return u.Text[i]
}

// Len returns the number of instructions.
func (u *CodeUnit) Len() int { return len(u.Instructions) }

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

// MarshalBinary encodes the unit.
//
// Format (big endian):
//
//	[magic:4 "TVBC"] [version:2] [reserved:2]
//	[text_count:4]    { [len:4] [bytes] }
//	[data_count:4]    { [kind:1] [bits:8] }
//	[syscall_count:4] { [text:4] }
//	[source_count:4]  { [text:4] }
//	[call_count:4]    { [text:4] [entry:4] }   sorted by name
//	[instr_count:4]   { [opcode:4] [arg:4] [debug:8] }
func (u *CodeUnit) MarshalBinary() ([]byte, error) {
	size := 8 + 4*6 + len(u.Instructions)*instrSize + len(u.Data)*9
	for _, s := range u.Text {
		size += 4 + len(s)
	}
	buf := make([]byte, 0, size)

	buf = append(buf, unitMagic...)
	buf = binary.BigEndian.AppendUint16(buf, UnitVersion)
	buf = binary.BigEndian.AppendUint16(buf, 0)

	index := make(map[string]uint32, len(u.Text))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(u.Text)))
	for i, s := range u.Text {
		if _, ok := index[s]; !ok {
			index[s] = uint32(i)
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
		buf = append(buf, s...)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(u.Data)))
	for i, d := range u.Data {
		switch d.Kind() {
		case value.Integer:
			buf = append(buf, byte(value.Integer))
			buf = binary.BigEndian.AppendUint64(buf, uint64(d.Int64()))
		case value.Real:
			buf = append(buf, byte(value.Real))
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(d.Float64()))
		default:
			return nil, errors.Errorf("static data %d: cannot encode %s", i, d.Kind())
		}
	}

	buf = appendIndexes(buf, u.Syscalls)
	buf = appendIndexes(buf, u.Sources)

	names := make([]string, 0, len(u.Calls))
	for n := range u.Calls {
		names = append(names, n)
	}
	sort.Strings(names)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(names)))
	for _, n := range names {
		ti, ok := index[n]
		if !ok {
			return nil, errors.Errorf("block name %q is not in the text pool", n)
		}
		buf = binary.BigEndian.AppendUint32(buf, ti)
		buf = binary.BigEndian.AppendUint32(buf, u.Calls[n])
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(u.Instructions)))
	for _, in := range u.Instructions {
		buf = binary.BigEndian.AppendUint32(buf, in.OpcodeWord())
		buf = binary.BigEndian.AppendUint32(buf, in.Arg)
		buf = binary.BigEndian.AppendUint64(buf, uint64(in.Debug))
	}
	return buf, nil
}

func appendIndexes(buf []byte, xs []uint32) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(xs)))
	for _, x := range xs {
		buf = binary.BigEndian.AppendUint32(buf, x)
	}
	return buf
}

// decoder reads the binary form with bounds checks.
type decoder struct {
	data []byte
	pos  int
	err  error
}

func (d *decoder) need(n int, what string) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || d.pos+n > len(d.data) {
		d.err = errors.Errorf("unexpected end of code unit reading %s at offset %d", what, d.pos)
		return false
	}
	return true
}

func (d *decoder) u16(what string) uint16 {
	if !d.need(2, what) {
		return 0
	}
	v := binary.BigEndian.Uint16(d.data[d.pos:])
	d.pos += 2
	return v
}

func (d *decoder) u32(what string) uint32 {
	if !d.need(4, what) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.data[d.pos:])
	d.pos += 4
	return v
}

func (d *decoder) u64(what string) uint64 {
	if !d.need(8, what) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.data[d.pos:])
	d.pos += 8
	return v
}

func (d *decoder) bytes(n int, what string) []byte {
	if !d.need(n, what) {
		return nil
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b
}

// count reads an element count and checks it against the bytes left, so a
// corrupt header cannot trigger a huge allocation.
func (d *decoder) count(elemSize int, what string) int {
	n := int(d.u32(what + " count"))
	if d.err == nil && n*elemSize > len(d.data)-d.pos {
		d.err = errors.Errorf("%s count %d exceeds remaining data", what, n)
		return 0
	}
	return n
}

// UnmarshalBinary decodes a unit produced by MarshalBinary. Opcodes and
// text references are validated.
func (u *CodeUnit) UnmarshalBinary(data []byte) error {
	d := &decoder{data: data}
	magic := d.bytes(4, "magic")
	if d.err != nil {
		return d.err
	}
	if string(magic) != unitMagic {
		return errors.Errorf("invalid code unit magic: expected %q, got %q", unitMagic, magic)
	}
	version := d.u16("version")
	d.u16("reserved")
	if d.err == nil && version > UnitVersion {
		return errors.Errorf("code unit version %d is newer than supported version %d", version, UnitVersion)
	}

	var out CodeUnit
	n := d.count(4, "text")
	out.Text = make([]string, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		l := int(d.u32("text length"))
		out.Text = append(out.Text, string(d.bytes(l, "text")))
	}

	n = d.count(9, "data")
	out.Data = make([]value.Value, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		k := d.bytes(1, "data kind")
		bits := d.u64("data")
		if d.err != nil {
			break
		}
		switch value.Kind(k[0]) {
		case value.Integer:
			out.Data = append(out.Data, value.Int(int64(bits)))
		case value.Real:
			out.Data = append(out.Data, value.Float(math.Float64frombits(bits)))
		default:
			d.err = errors.Errorf("static data %d: invalid kind %d", i, k[0])
		}
	}

	out.Syscalls = d.indexes("syscall", len(out.Text))
	out.Sources = d.indexes("source", len(out.Text))

	n = d.count(8, "call")
	out.Calls = make(map[string]uint32, n)
	for i := 0; i < n && d.err == nil; i++ {
		ti := d.u32("call name")
		entry := d.u32("call entry")
		if d.err == nil && int(ti) >= len(out.Text) {
			d.err = errors.Errorf("call %d: text index %d out of range", i, ti)
		}
		if d.err == nil {
			out.Calls[out.Text[ti]] = entry
		}
	}

	n = d.count(instrSize, "instruction")
	out.Instructions = make([]Instruction, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		w := d.u32("opcode")
		arg := d.u32("argument")
		dbg := d.u64("debug info")
		if d.err != nil {
			break
		}
		op, src, dst := DecodeOpcodeWord(w)
		if !op.Valid() {
			d.err = errors.Errorf("instruction %d: illegal opcode 0x%04X", i, uint16(op))
			break
		}
		out.Instructions = append(out.Instructions, Instruction{Op: op, Src: src, Dst: dst, Arg: arg, Debug: DebugInfo(dbg)})
	}
	if d.err != nil {
		return d.err
	}
	*u = out
	return nil
}

func (d *decoder) indexes(what string, limit int) []uint32 {
	n := d.count(4, what)
	out := make([]uint32, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		x := d.u32(what)
		if d.err == nil && int(x) >= limit {
			d.err = errors.Errorf("%s %d: text index %d out of range", what, i, x)
		}
		out = append(out, x)
	}
	return out
}
