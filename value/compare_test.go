package value

import (
	"errors"
	"math"
	"testing"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want int
	}{
		{"ints", Int(1), Int(2), -1},
		{"int real", Int(2), Float(1.5), 1},
		{"numeric strings", Str("10"), Str("9"), 1},
		{"numstr int", Str("3"), Int(3), 0},
		{"strings", Str("abc"), Str("abd"), -1},
		{"word int", Str("abc"), Int(1), 1},
		{"undef undef", Value{}, Value{}, 0},
		{"undef zero", Value{}, Int(0), 0},
		{"undef empty", Value{}, Str(""), 0},
		{"undef word", Value{}, Str("a"), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := Compare(tt.a, tt.b, true)
			if err != nil || !ok {
				t.Fatalf("Compare: ok=%v err=%v", ok, err)
			}
			if got != tt.want {
				t.Errorf("Compare = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCompareIncompatible(t *testing.T) {
	h := NewHash()
	_, ok, err := Compare(h, Int(1), false)
	if ok || err != nil {
		t.Errorf("lenient: ok=%v err=%v, want false, nil", ok, err)
	}

	_, _, err = Compare(h, Int(1), true)
	var lf *LogicFault
	if !errors.As(err, &lf) {
		t.Fatalf("strict: err = %v, want LogicFault", err)
	}
	if lf.Left != Hash || lf.Right != Integer {
		t.Errorf("LogicFault kinds = %v, %v", lf.Left, lf.Right)
	}

	p := &struct{}{}
	if c, ok, _ := Compare(Ptr(p), Ptr(p), true); !ok || c != 0 {
		t.Errorf("same pointer: c=%d ok=%v", c, ok)
	}
}

func TestCompareNaN(t *testing.T) {
	_, ok, err := Compare(Float(math.NaN()), Int(1), true)
	if ok || err != nil {
		t.Errorf("NaN: ok=%v err=%v, want unordered", ok, err)
	}
}

func TestCompareStrings(t *testing.T) {
	if CompareStrings(Int(10), Int(9)) != -1 {
		t.Error(`"10" should sort before "9"`)
	}
	if CompareStrings(Str("b"), Str("a")) != 1 {
		t.Error(`"b" should sort after "a"`)
	}
}

func TestDump(t *testing.T) {
	h := NewHash()
	_ = h.SetKey("b", NewArray(Int(1), Str("x\"y")))
	_ = h.SetKey("a", Value{})

	if got, want := Dump(h, nil), `{"a": undef, "b": [1, "x\"y"]}`; got != want {
		t.Errorf("Dump = %s, want %s", got, want)
	}

	upper := func(s string) string { return "<" + s + ">" }
	if got, want := Dump(Str("q"), upper), `"<q>"`; got != want {
		t.Errorf("Dump with escape = %s, want %s", got, want)
	}

	want := "{\n  \"a\": undef,\n  \"b\": [\n    1,\n    \"x\\\"y\"\n  ]\n}"
	if got := RecursiveDump(h, nil, "  "); got != want {
		t.Errorf("RecursiveDump =\n%s\nwant\n%s", got, want)
	}
}

func TestFromGoToGo(t *testing.T) {
	doc := map[string]any{
		"name":  "tmpl",
		"count": 3,
		"ratio": 0.5,
		"tags":  []any{"a", "b"},
		"ok":    true,
		"none":  nil,
		"inner": map[any]any{1: "one"},
	}
	v := FromGo(doc)
	if v.Kind() != Hash || v.Size() != 7 {
		t.Fatalf("FromGo: %s size %d", v.Kind(), v.Size())
	}
	if v.Get("count").Kind() != Integer || v.Get("ok").Int64() != 1 {
		t.Errorf("scalar conversion wrong: %s", Dump(v, nil))
	}
	if v.Get("inner").Get("1").String() != "one" {
		t.Errorf("map[any]any keys not stringified: %s", Dump(v, nil))
	}

	back, ok := ToGo(v).(map[string]any)
	if !ok {
		t.Fatalf("ToGo returned %T", ToGo(v))
	}
	if back["count"] != int64(3) || back["name"] != "tmpl" {
		t.Errorf("ToGo = %#v", back)
	}
}

func TestCBOR(t *testing.T) {
	v := FromGo(map[string]any{"n": -2, "s": "x", "l": []any{1.5}})
	data, err := v.MarshalCBOR()
	if err != nil {
		t.Fatal(err)
	}
	var out Value
	if err := out.UnmarshalCBOR(data); err != nil {
		t.Fatal(err)
	}
	if !Equal(v, out) {
		t.Errorf("decoded %s, want %s", Dump(out, nil), Dump(v, nil))
	}

	if _, err := Ptr(&struct{}{}).MarshalCBOR(); err == nil {
		t.Error("encoding a pointer should fail")
	}
}
