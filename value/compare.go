package value

import (
	"math"
	"strings"
)

// Compare orders a against b and returns -1, 0 or 1.
//
// Both sides numeric (numbers, numeric strings, Undefined) compare as
// numbers. Otherwise two scalars compare by their string forms. Pointers
// are equal only to the same pointer. Containers, and pointers against
// anything else, are incomparable: ok is false, or with strict set a
// LogicFault naming both kinds is returned. A NaN operand is unordered.
func Compare(a, b Value, strict bool) (c int, ok bool, err error) {
	ka, kb := a.kind, b.kind
	switch {
	case ka == Pointer && kb == Pointer:
		if a.ptr == b.ptr {
			return 0, true, nil
		}
		return incomparable(a, b, strict)
	case ka.IsContainer() || kb.IsContainer() || ka == Pointer || kb == Pointer:
		return incomparable(a, b, strict)
	}
	if numericSide(a) && numericSide(b) {
		x, y := a.ToNumber(), b.ToNumber()
		if x.kind == Integer && y.kind == Integer {
			return cmpInt(x.i, y.i), true, nil
		}
		fx, fy := x.Float64(), y.Float64()
		if math.IsNaN(fx) || math.IsNaN(fy) {
			return 0, false, nil
		}
		return cmpFloat(fx, fy), true, nil
	}
	return CompareStrings(a, b), true, nil
}

func incomparable(a, b Value, strict bool) (int, bool, error) {
	if strict {
		return 0, false, &LogicFault{Op: "comparison", Left: a.Kind(), Right: b.Kind()}
	}
	return 0, false, nil
}

func numericSide(v Value) bool {
	return v.kind == Undefined || v.IsNumeric()
}

// CompareStrings orders the string forms of a and b lexicographically by
// bytes.
func CompareStrings(a, b Value) int {
	return strings.Compare(a.String(), b.String())
}

func cmpInt(x, y int64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func cmpFloat(x, y float64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}
