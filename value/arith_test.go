package value

import (
	"errors"
	"math"
	"testing"
)

func TestArithmeticPromotion(t *testing.T) {
	tests := []struct {
		name string
		op   Op
		a, b Value
		kind Kind
		want string
	}{
		{"int+int", OpAdd, Int(2), Int(3), Integer, "5"},
		{"int+real", OpAdd, Int(2), Float(0.5), Real, "2.5"},
		{"numstr+int", OpAdd, Str("40"), Int(2), Integer, "42"},
		{"numstr+numstr", OpAdd, Str("1.5"), Str("2"), Real, "3.5"},
		{"str+str concat", OpAdd, Str("ab"), Str("cd"), String, "abcd"},
		{"str+numstr concat", OpAdd, Str("ab"), Str("1"), String, "ab1"},
		{"word+int", OpAdd, Str("ab"), Int(1), Integer, "1"},
		{"undef+int", OpAdd, Value{}, Int(4), Integer, "4"},
		{"sub", OpSub, Int(2), Int(5), Integer, "-3"},
		{"mul", OpMul, Float(1.5), Int(4), Real, "6"},
		{"div int", OpDiv, Int(7), Int(2), Integer, "3"},
		{"div negative", OpDiv, Int(-7), Int(2), Integer, "-3"},
		{"div real", OpDiv, Float(7), Int(2), Real, "3.5"},
		{"idiv real", OpIDiv, Float(7.9), Int(2), Integer, "3"},
		{"mod", OpMod, Int(-7), Int(3), Integer, "-1"},
		{"concat", OpConcat, Int(1), Float(2.5), String, "12.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Binary(tt.op, tt.a, tt.b)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Kind() != tt.kind {
				t.Errorf("Kind() = %v, want %v", got.Kind(), tt.kind)
			}
			if got.String() != tt.want {
				t.Errorf("result = %q, want %q", got.String(), tt.want)
			}
		})
	}
}

func TestZeroDivision(t *testing.T) {
	for _, op := range []Op{OpDiv, OpIDiv, OpMod} {
		_, err := Binary(op, Int(10), Int(0))
		if !errors.Is(err, ErrZeroDivision) {
			t.Errorf("%v: err = %v, want ErrZeroDivision", op, err)
		}
	}
	if _, err := IDiv(Float(1), Float(0.5)); !errors.Is(err, ErrZeroDivision) {
		t.Errorf("idiv by 0.5 truncates to zero: err = %v", err)
	}
}

func TestRealDivisionIEEE(t *testing.T) {
	got, err := Div(Float(10), Int(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !math.IsInf(got.Float64(), 1) {
		t.Errorf("10.0/0 = %v, want +Inf", got)
	}
	if got.String() != "inf" {
		t.Errorf("String() = %q, want inf", got.String())
	}

	got, _ = Div(Float(-1), Float(0))
	if !math.IsInf(got.Float64(), -1) {
		t.Errorf("-1.0/0 = %v, want -Inf", got)
	}
	got, _ = Div(Float(0), Float(0))
	if !math.IsNaN(got.Float64()) {
		t.Errorf("0.0/0 = %v, want NaN", got)
	}
}

func TestArithmeticOnContainers(t *testing.T) {
	var lf *LogicFault
	if _, err := Add(NewArray(), Int(1)); !errors.As(err, &lf) {
		t.Errorf("array + int: err = %v, want LogicFault", err)
	}
	if _, err := Neg(NewHash()); !errors.As(err, &lf) {
		t.Errorf("-hash: err = %v, want LogicFault", err)
	}
}

func TestCompoundAssign(t *testing.T) {
	v := Int(10)
	if err := v.AddAssign(Int(5)); err != nil {
		t.Fatal(err)
	}
	if err := v.MulAssign(Float(0.5)); err != nil {
		t.Fatal(err)
	}
	if v.Kind() != Real || v.Float64() != 7.5 {
		t.Errorf("got %s %v, want REAL 7.5", v.Kind(), v)
	}
	if err := v.SubAssign(Float(0.5)); err != nil {
		t.Fatal(err)
	}
	if err := v.DivAssign(Int(7)); err != nil {
		t.Fatal(err)
	}
	if v.Float64() != 1 {
		t.Errorf("got %v, want 1", v)
	}
	w := Int(1)
	if err := w.ModAssign(Int(0)); !errors.Is(err, ErrZeroDivision) {
		t.Errorf("ModAssign(0): err = %v", err)
	}
	if w.Int64() != 1 {
		t.Errorf("failed assignment changed the target: %v", w)
	}
}

func TestNeg(t *testing.T) {
	if got, _ := Neg(Str("3")); got.Int64() != -3 {
		t.Errorf("-\"3\" = %v", got)
	}
	if got, _ := Neg(Float(2.5)); got.Float64() != -2.5 {
		t.Errorf("-2.5 = %v", got)
	}
	if Not(Int(0)).Int64() != 1 || Not(Str("x")).Int64() != 0 {
		t.Error("Not gave the wrong truth value")
	}
}
