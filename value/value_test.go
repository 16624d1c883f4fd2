package value

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestZeroValueIsUndefined(t *testing.T) {
	var v Value
	if v.Kind() != Undefined {
		t.Errorf("Kind() = %v, want UNDEF", v.Kind())
	}
	if v.Bool() {
		t.Error("Undefined should be false")
	}
	if v.String() != "" {
		t.Errorf("String() = %q, want empty", v.String())
	}
}

func TestCopyOnWriteString(t *testing.T) {
	a := Str("hello")
	b := a.Copy()
	if !a.Shared() || !b.Shared() {
		t.Fatal("copies should share the payload")
	}

	if err := b.Append(" world"); err != nil {
		t.Fatal(err)
	}
	if a.String() != "hello" {
		t.Errorf("original = %q, want %q", a.String(), "hello")
	}
	if b.String() != "hello world" {
		t.Errorf("copy = %q, want %q", b.String(), "hello world")
	}
	if a.Shared() {
		t.Error("original still shared after unshare")
	}
}

func TestCopyOnWriteArray(t *testing.T) {
	a := NewArray(Int(1), Int(2))
	b := a.Copy()

	p, err := b.Index(0)
	if err != nil {
		t.Fatal(err)
	}
	*p = Int(42)
	if err := b.Push(Int(3)); err != nil {
		t.Fatal(err)
	}

	if a.Size() != 2 {
		t.Errorf("original Size() = %d, want 2", a.Size())
	}
	if got, _ := a.At(0); got.Int64() != 1 {
		t.Errorf("original[0] = %v, want 1", got)
	}
	if got, _ := b.At(0); got.Int64() != 42 {
		t.Errorf("copy[0] = %v, want 42", got)
	}
}

func TestCopyOnWriteNested(t *testing.T) {
	inner := NewArray(Str("x"))
	outer := NewHash()
	if err := outer.SetKey("list", inner); err != nil {
		t.Fatal(err)
	}
	snapshot := outer.Copy()

	list, err := outer.Key("list")
	if err != nil {
		t.Fatal(err)
	}
	if err := list.Push(Str("y")); err != nil {
		t.Fatal(err)
	}

	if got := snapshot.Get("list").Size(); got != 1 {
		t.Errorf("snapshot list Size() = %d, want 1", got)
	}
	if got := outer.Get("list").Size(); got != 2 {
		t.Errorf("mutated list Size() = %d, want 2", got)
	}
	if inner.Size() != 1 {
		t.Errorf("source array Size() = %d, want 1", inner.Size())
	}
}

func TestScalarCopyIndependent(t *testing.T) {
	a := Int(7)
	b := a.Copy()
	b.Inc(1)
	if a.Int64() != 7 || b.Int64() != 8 {
		t.Errorf("a=%d b=%d, want 7 and 8", a.Int64(), b.Int64())
	}
}

func TestReleaseResets(t *testing.T) {
	a := Str("abc")
	b := a.Copy()
	a.Release()
	if !a.IsUndefined() {
		t.Error("released value should be Undefined")
	}
	if b.Shared() {
		t.Error("remaining owner should hold the payload alone")
	}
	if b.String() != "abc" {
		t.Errorf("remaining owner = %q", b.String())
	}
}

func TestToNumberCaches(t *testing.T) {
	tests := []struct {
		in   string
		kind Kind
		num  float64
	}{
		{"42", StringInt, 42},
		{" -7 ", StringInt, -7},
		{"3.5", StringReal, 3.5},
		{"1e3", StringReal, 1000},
		{"abc", String, 0},
		{"", String, 0},
		{"0x10", String, 0},
		{"inf", String, 0},
	}
	for _, tt := range tests {
		v := Str(tt.in)
		if v.Kind() != String {
			t.Errorf("%q: unclassified Kind() = %v", tt.in, v.Kind())
		}
		n := v.ToNumber()
		if n.Float64() != tt.num {
			t.Errorf("%q: ToNumber() = %v, want %v", tt.in, n, tt.num)
		}
		if v.Kind() != tt.kind {
			t.Errorf("%q: Kind() after ToNumber = %v, want %v", tt.in, v.Kind(), tt.kind)
		}
		if again := v.ToNumber(); !Equal(again, n) {
			t.Errorf("%q: ToNumber not idempotent: %v then %v", tt.in, n, again)
		}
	}
}

func TestClassificationResetsOnAppend(t *testing.T) {
	v := Str("12")
	v.ToNumber()
	if v.Kind() != StringInt {
		t.Fatalf("Kind() = %v, want STRING_INT", v.Kind())
	}
	if err := v.Append("x"); err != nil {
		t.Fatal(err)
	}
	if v.Kind() != String {
		t.Errorf("Kind() after append = %v, want STRING", v.Kind())
	}
}

func TestIndexAutoVivify(t *testing.T) {
	var v Value
	p, err := v.Index(3)
	if err != nil {
		t.Fatal(err)
	}
	*p = Str("d")
	if v.Kind() != Array || v.Size() != 4 {
		t.Fatalf("got %v size %d, want ARRAY size 4", v.Kind(), v.Size())
	}
	if e, _ := v.At(0); !e.IsUndefined() {
		t.Errorf("padding element = %v, want undef", e)
	}

	var h Value
	k, err := h.Key("name")
	if err != nil {
		t.Fatal(err)
	}
	*k = Int(1)
	if got, err := h.AtKey("name"); err != nil || got.Int64() != 1 {
		t.Errorf("AtKey = %v, %v", got, err)
	}
}

func TestAccessFault(t *testing.T) {
	v := Int(1)
	_, err := v.Index(0)
	var af *AccessFault
	if !errors.As(err, &af) {
		t.Fatalf("Index on integer: err = %v, want AccessFault", err)
	}
	if af.Kind != Integer {
		t.Errorf("AccessFault.Kind = %v", af.Kind)
	}
	h := NewHash()
	if _, err := h.Index(0); !errors.As(err, &af) {
		t.Errorf("Index on hash: err = %v", err)
	}
	a := NewArray()
	if _, err := a.Key("x"); !errors.As(err, &af) {
		t.Errorf("Key on array: err = %v", err)
	}
}

func TestRangeFault(t *testing.T) {
	a := NewArray(Int(1))
	var rf *RangeFault
	if _, err := a.At(1); !errors.As(err, &rf) {
		t.Errorf("At(1): err = %v, want RangeFault", err)
	}
	if _, err := a.At(-1); !errors.As(err, &rf) {
		t.Errorf("At(-1): err = %v, want RangeFault", err)
	}
	h := NewHash()
	if _, err := h.AtKey("missing"); !errors.As(err, &rf) {
		t.Errorf("AtKey: err = %v, want RangeFault", err)
	}
}

func TestSize(t *testing.T) {
	h := NewHash()
	_ = h.SetKey("a", Int(1))
	_ = h.SetKey("b", Int(2))
	tests := []struct {
		v    Value
		want int
	}{
		{Value{}, 0},
		{Int(12345), 0},
		{Float(1.5), 0},
		{Str("héllo"), 6},
		{NewArray(Int(1), Int(2), Int(3)), 3},
		{h, 2},
	}
	for _, tt := range tests {
		if got := tt.v.Size(); got != tt.want {
			t.Errorf("Size(%v) = %d, want %d", tt.v, got, tt.want)
		}
	}
}

func TestBool(t *testing.T) {
	tests := []struct {
		v    Value
		want bool
	}{
		{Value{}, false},
		{Int(0), false},
		{Int(-1), true},
		{Float(0), false},
		{Float(0.1), true},
		{Str(""), false},
		{Str("0"), true},
		{Str("a"), true},
		{NewArray(), false},
		{NewArray(Int(0)), true},
		{NewHash(), false},
		{Ptr(nil), false},
		{Ptr(&struct{}{}), true},
	}
	for _, tt := range tests {
		if got := tt.v.Bool(); got != tt.want {
			t.Errorf("Bool(%s %v) = %v, want %v", tt.v.Kind(), tt.v, got, tt.want)
		}
	}

}

func TestBoolIgnoresClassification(t *testing.T) {
	for _, s := range []string{"0", "0.0", "1", "-0", "abc", ""} {
		v := Str(s)
		before := v.Bool()
		shared := v.Copy()
		v.ToNumber()
		if got := v.Bool(); got != before {
			t.Errorf("Bool(%q) = %v after ToNumber, %v before", s, got, before)
		}
		if got := shared.Bool(); got != before {
			t.Errorf("Bool(%q) of a copy = %v after ToNumber, %v before", s, got, before)
		}
		if want := s != ""; before != want {
			t.Errorf("Bool(%q) = %v, want %v", s, before, want)
		}
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Int(-12), "-12"},
		{Float(0.5), "0.5"},
		{Float(1.0 / 3.0), "0.333333333333"},
		{Float(math.Inf(1)), "inf"},
		{Float(math.Inf(-1)), "-inf"},
		{Float(math.NaN()), "nan"},
		{Float(1e20), "1e+20"},
		{NewArray(Int(1), Str("a")), `[1, "a"]`},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestDelete(t *testing.T) {
	h := NewHash()
	_ = h.SetKey("a", Int(1))
	c := h.Copy()
	if err := h.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if h.Has("a") {
		t.Error("key still present after Delete")
	}
	if !c.Has("a") {
		t.Error("Delete leaked into a copy")
	}
	i := Int(1)
	if err := i.Delete("a"); err == nil {
		t.Error("Delete on integer should fail")
	}
}

func TestHashElemOrder(t *testing.T) {
	elems := func(v Value) string {
		var parts []string
		for i := 0; i < v.Size(); i++ {
			parts = append(parts, v.Elem(i).String())
		}
		return strings.Join(parts, ",")
	}
	h := FromGo(map[string]any{"b": 2, "d": 4})
	if got := elems(h); got != "2,4" {
		t.Fatalf("initial order = %q", got)
	}
	_ = h.SetKey("a", Int(1))
	_ = h.SetKey("c", Int(3))
	if got := elems(h); got != "1,2,3,4" {
		t.Errorf("after insert = %q", got)
	}
	_ = h.SetKey("c", Int(30))
	if got := elems(h); got != "1,2,30,4" {
		t.Errorf("after overwrite = %q", got)
	}

	c := h.Copy()
	if err := h.Delete("b"); err != nil {
		t.Fatal(err)
	}
	if got := elems(h); got != "1,30,4" {
		t.Errorf("after delete = %q", got)
	}
	if got := elems(c); got != "1,2,30,4" {
		t.Errorf("copy after delete = %q", got)
	}
	_ = c.SetKey("e", Int(5))
	if got := strings.Join(c.Keys(), ","); got != "a,b,c,d,e" {
		t.Errorf("copy keys = %q", got)
	}
	if got := strings.Join(h.Keys(), ","); got != "a,c,d" {
		t.Errorf("keys = %q", got)
	}

	ks := h.Keys()
	ks[0] = "zzz"
	if got := h.Elem(0).String(); got != "1" {
		t.Errorf("mutating Keys result changed Elem: %q", got)
	}
}

func TestGetLenient(t *testing.T) {
	a := NewArray(Str("zero"), Str("one"))
	if got := a.Get("1").String(); got != "one" {
		t.Errorf("Get(\"1\") = %q", got)
	}
	if !a.Get("9").IsUndefined() {
		t.Error("Get past end should be undefined")
	}
	if !Int(3).Get("x").IsUndefined() {
		t.Error("Get on scalar should be undefined")
	}
}
