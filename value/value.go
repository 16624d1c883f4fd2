// Package value implements the dynamic data model shared by the compiler,
// the virtual machine and native functions.
//
// A Value is a small tagged union. Scalars (Undefined, Integer, Real,
// Pointer) are stored inline and copied by plain assignment. Strings,
// arrays and hashes live in a reference-counted payload: Copy shares the
// payload, and every mutating method unshares it first when another owner
// still holds it. Code that hands a complex Value to a second owner must go
// through Copy; plain assignment is a move.
//
// Values are not safe for concurrent use. A Value graph belongs to one
// goroutine at a time.
package value

import (
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Kinds
// ---------------------------------------------------------------------------

// Kind identifies the case of a Value.
type Kind uint8

const (
	Undefined  Kind = iota // no value
	Integer                // 64-bit signed integer
	Real                   // IEEE-754 double
	Pointer                // opaque host pointer
	String                 // byte string, numeric classification unknown or negative
	StringInt              // string known to hold an integer
	StringReal             // string known to hold a real
	Array                  // ordered sequence of values
	Hash                   // string-keyed map of values
)

var kindNames = [...]string{
	Undefined:  "UNDEF",
	Integer:    "INTEGER",
	Real:       "REAL",
	Pointer:    "POINTER",
	String:     "STRING",
	StringInt:  "STRING_INT",
	StringReal: "STRING_REAL",
	Array:      "ARRAY",
	Hash:       "HASH",
}

// String returns the upper-case kind name used in diagnostics.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// IsString reports whether k is one of the three string kinds.
func (k Kind) IsString() bool {
	return k == String || k == StringInt || k == StringReal
}

// IsContainer reports whether k is Array or Hash.
func (k Kind) IsContainer() bool {
	return k == Array || k == Hash
}

// ---------------------------------------------------------------------------
// Value
// ---------------------------------------------------------------------------

// Value is a dynamically typed template value. The zero Value is Undefined.
type Value struct {
	kind Kind
	i    int64
	f    float64
	ptr  any
	box  *payload
}

// Int returns an Integer value.
func Int(i int64) Value { return Value{kind: Integer, i: i} }

// Float returns a Real value.
func Float(f float64) Value { return Value{kind: Real, f: f} }

// Bool returns Integer 1 for true and Integer 0 for false.
func Bool(b bool) Value {
	if b {
		return Int(1)
	}
	return Int(0)
}

// Ptr wraps an opaque host pointer. A nil p yields a nil Pointer value.
func Ptr(p any) Value { return Value{kind: Pointer, ptr: p} }

// Str returns a String value.
func Str(s string) Value {
	return Value{kind: String, box: newStringPayload(s)}
}

// NewArray returns an Array holding copies of elems.
func NewArray(elems ...Value) Value {
	data := make([]Value, len(elems))
	for i, e := range elems {
		data[i] = e.Copy()
	}
	return Value{kind: Array, box: newArrayPayload(data)}
}

// NewHash returns an empty Hash.
func NewHash() Value {
	return Value{kind: Hash, box: newHashPayload(make(map[string]*Value))}
}

// Kind returns the case of v. Strings report StringInt or StringReal once
// ToNumber has classified them.
func (v Value) Kind() Kind {
	if v.kind == String {
		switch v.box.num {
		case numInt:
			return StringInt
		case numReal:
			return StringReal
		}
	}
	return v.kind
}

// IsUndefined reports whether v is Undefined.
func (v Value) IsUndefined() bool { return v.kind == Undefined }

// Size returns the byte length of a string, the element count of an Array
// or Hash, and 0 for scalars.
func (v Value) Size() int {
	switch v.kind {
	case String:
		return len(v.box.str)
	case Array:
		return len(v.box.elems)
	case Hash:
		return len(v.box.keys)
	}
	return 0
}

// Bool reports whether v counts as true in a condition: non-zero numbers,
// non-empty strings, non-empty containers and non-nil pointers. A string is
// judged by its text whether or not it has been classified as numeric, so
// "0" is true.
func (v Value) Bool() bool {
	switch v.kind {
	case Integer:
		return v.i != 0
	case Real:
		return v.f != 0
	case Pointer:
		return v.ptr != nil
	case String:
		return v.box.str != ""
	case Array:
		return len(v.box.elems) > 0
	case Hash:
		return len(v.box.keys) > 0
	}
	return false
}

// Pointer returns the wrapped host pointer, or nil for other kinds.
func (v Value) Pointer() any {
	if v.kind == Pointer {
		return v.ptr
	}
	return nil
}

// Int64 returns v as an integer. Reals are truncated and strings are
// coerced; containers and pointers yield 0.
func (v Value) Int64() int64 {
	n := v.ToNumber()
	if n.kind == Real {
		return int64(n.f)
	}
	return n.i
}

// Float64 returns v as a float. Strings are coerced; containers and
// pointers yield 0.
func (v Value) Float64() float64 {
	n := v.ToNumber()
	if n.kind == Real {
		return n.f
	}
	return float64(n.i)
}

// String renders v as template output: integers in decimal, reals with up
// to twelve significant digits, strings verbatim, containers as their Dump.
func (v Value) String() string {
	switch v.kind {
	case Undefined:
		return ""
	case Integer:
		return strconv.FormatInt(v.i, 10)
	case Real:
		return formatReal(v.f)
	case Pointer:
		if v.ptr == nil {
			return "0x0"
		}
		return "<pointer>"
	case String:
		return v.box.str
	case Array, Hash:
		return Dump(v, nil)
	}
	return ""
}

func formatReal(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	return strconv.FormatFloat(f, 'g', 12, 64)
}

// ---------------------------------------------------------------------------
// Numeric coercion
// ---------------------------------------------------------------------------

// ToNumber returns the numeric interpretation of v as an Integer or Real.
// For strings the classification is computed once and cached on the shared
// payload. Non-numeric strings, Undefined, pointers and containers yield
// Integer 0.
func (v Value) ToNumber() Value {
	switch v.kind {
	case Integer, Real:
		return v
	case String:
		b := v.box
		if b.num == numUnknown {
			b.classify()
		}
		switch b.num {
		case numInt:
			return Int(b.ival)
		case numReal:
			return Float(b.fval)
		}
	}
	return Int(0)
}

// IsNumeric reports whether v is a number or a string holding one.
func (v Value) IsNumeric() bool {
	switch v.kind {
	case Integer, Real:
		return true
	case String:
		if v.box.num == numUnknown {
			v.box.classify()
		}
		return v.box.num == numInt || v.box.num == numReal
	}
	return false
}

// ---------------------------------------------------------------------------
// Ownership
// ---------------------------------------------------------------------------

// Copy returns a Value that shares v's payload. Mutating either copy later
// unshares it, so neither owner observes the other's changes.
func (v Value) Copy() Value {
	if v.box != nil {
		v.box.refs++
	}
	return v
}

// Release drops v's hold on its payload and resets v to Undefined.
func (v *Value) Release() {
	if v.box != nil {
		v.box.release()
	}
	*v = Value{}
}

// Set replaces v with a copy of other, releasing the old payload.
func (v *Value) Set(other Value) {
	nv := other.Copy()
	v.Release()
	*v = nv
}

// Shared reports whether v's payload currently has more than one owner.
func (v Value) Shared() bool {
	return v.box != nil && v.box.refs > 1
}

// unshare gives v a private payload if it is shared.
func (v *Value) unshare() {
	if v.box == nil || v.box.refs <= 1 {
		return
	}
	nb := v.box.clone()
	v.box.refs--
	v.box = nb
}

// ---------------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------------

// Append concatenates s to a string value in place. Undefined becomes a
// String; other scalars are converted to their string form first.
func (v *Value) Append(s string) error {
	switch v.kind {
	case String:
		v.unshare()
		v.box.str += s
		v.box.num = numUnknown
		return nil
	case Array, Hash:
		return &AccessFault{Op: "append string", Kind: v.kind}
	}
	*v = Str(v.String() + s)
	return nil
}

// ---------------------------------------------------------------------------
// Containers
// ---------------------------------------------------------------------------

// Index returns a pointer to element i of an Array, growing it with
// Undefined elements as needed. An Undefined receiver becomes an empty
// Array. The pointer is valid until the next mutation of the container.
func (v *Value) Index(i int) (*Value, error) {
	if i < 0 {
		return nil, &RangeFault{Index: i, Size: v.Size()}
	}
	switch v.kind {
	case Undefined:
		*v = Value{kind: Array, box: newArrayPayload(nil)}
	case Array:
		v.unshare()
	default:
		return nil, &AccessFault{Op: "[]", Kind: v.kind}
	}
	if i >= len(v.box.elems) {
		grown := make([]Value, i+1)
		copy(grown, v.box.elems)
		v.box.elems = grown
	}
	return &v.box.elems[i], nil
}

// Key returns a pointer to the element stored under k in a Hash, creating
// an Undefined element when absent. An Undefined receiver becomes an empty
// Hash. The pointer is valid until the next mutation of the container.
func (v *Value) Key(k string) (*Value, error) {
	switch v.kind {
	case Undefined:
		*v = NewHash()
	case Hash:
		v.unshare()
	default:
		return nil, &AccessFault{Op: "[\"" + k + "\"]", Kind: v.kind}
	}
	e, ok := v.box.keys[k]
	if !ok {
		e = new(Value)
		v.box.keys[k] = e
		v.box.sorted = nil
	}
	return e, nil
}

// Push appends a copy of e to an Array. An Undefined receiver becomes an
// Array.
func (v *Value) Push(e Value) error {
	switch v.kind {
	case Undefined:
		*v = Value{kind: Array, box: newArrayPayload(nil)}
	case Array:
		v.unshare()
	default:
		return &AccessFault{Op: "push", Kind: v.kind}
	}
	v.box.elems = append(v.box.elems, e.Copy())
	return nil
}

// SetKey stores a copy of e under k. An Undefined receiver becomes a Hash.
func (v *Value) SetKey(k string, e Value) error {
	p, err := v.Key(k)
	if err != nil {
		return err
	}
	p.Set(e)
	return nil
}

// Delete removes k from a Hash. Deleting an absent key is a no-op.
func (v *Value) Delete(k string) error {
	if v.kind != Hash {
		return &AccessFault{Op: "delete", Kind: v.kind}
	}
	v.unshare()
	if e, ok := v.box.keys[k]; ok {
		// e is owned by this payload alone once unshared.
		e.Release()
		delete(v.box.keys, k)
		v.box.sorted = nil
	}
	return nil
}

// At is the checked read of element i of an Array. It fails with a
// RangeFault when i is out of bounds.
func (v Value) At(i int) (Value, error) {
	if v.kind != Array {
		return Value{}, &AccessFault{Op: "at", Kind: v.kind}
	}
	if i < 0 || i >= len(v.box.elems) {
		return Value{}, &RangeFault{Index: i, Size: len(v.box.elems)}
	}
	return v.box.elems[i].Copy(), nil
}

// AtKey is the checked read of key k of a Hash. It fails with a RangeFault
// when k is absent.
func (v Value) AtKey(k string) (Value, error) {
	if v.kind != Hash {
		return Value{}, &AccessFault{Op: "at", Kind: v.kind}
	}
	e, ok := v.box.keys[k]
	if !ok {
		return Value{}, &RangeFault{Key: k, Index: -1, Size: len(v.box.keys)}
	}
	return e.Copy(), nil
}

// Get is the lenient read used by template variable lookup: it returns a
// copy of the Hash element under k, or of the Array element when k is a
// decimal index, and Undefined in every other case.
func (v Value) Get(k string) Value {
	switch v.kind {
	case Hash:
		if e, ok := v.box.keys[k]; ok {
			return e.Copy()
		}
	case Array:
		if i, err := strconv.Atoi(k); err == nil && i >= 0 && i < len(v.box.elems) {
			return v.box.elems[i].Copy()
		}
	}
	return Value{}
}

// Elem is the lenient positional read: Array element i, or the value of
// the i-th key in sorted order for a Hash. Out of range yields Undefined.
func (v Value) Elem(i int) Value {
	switch v.kind {
	case Array:
		if i >= 0 && i < len(v.box.elems) {
			return v.box.elems[i].Copy()
		}
	case Hash:
		keys := v.box.sortedKeys()
		if i >= 0 && i < len(keys) {
			return v.box.keys[keys[i]].Copy()
		}
	}
	return Value{}
}

// Has reports whether a Hash contains k.
func (v Value) Has(k string) bool {
	if v.kind != Hash {
		return false
	}
	_, ok := v.box.keys[k]
	return ok
}

// Keys returns the keys of a Hash in sorted order, or nil.
func (v Value) Keys() []string {
	if v.kind != Hash {
		return nil
	}
	return append([]string(nil), v.box.sortedKeys()...)
}

// Elems returns copies of the elements of an Array, or nil.
func (v Value) Elems() []Value {
	if v.kind != Array {
		return nil
	}
	out := make([]Value, len(v.box.elems))
	for i, e := range v.box.elems {
		out[i] = e.Copy()
	}
	return out
}

// Equal reports deep equality of kinds and contents. Strings compare by
// bytes regardless of their numeric classification.
func Equal(a, b Value) bool {
	ka, kb := a.kind, b.kind
	if ka != kb {
		return false
	}
	switch ka {
	case Undefined:
		return true
	case Integer:
		return a.i == b.i
	case Real:
		return a.f == b.f || (math.IsNaN(a.f) && math.IsNaN(b.f))
	case Pointer:
		return a.ptr == b.ptr
	case String:
		return a.box.str == b.box.str
	case Array:
		if len(a.box.elems) != len(b.box.elems) {
			return false
		}
		for i := range a.box.elems {
			if !Equal(a.box.elems[i], b.box.elems[i]) {
				return false
			}
		}
		return true
	case Hash:
		if len(a.box.keys) != len(b.box.keys) {
			return false
		}
		for k, e := range a.box.keys {
			o, ok := b.box.keys[k]
			if !ok || !Equal(*e, *o) {
				return false
			}
		}
		return true
	}
	return false
}

// trimNumber strips the surrounding blanks tolerated by numeric coercion.
func trimNumber(s string) string {
	return strings.TrimSpace(s)
}
