package value

import "math"

// Op names a binary arithmetic operator.
type Op uint8

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpIDiv
	OpMod
	OpConcat
)

var opNames = [...]string{
	OpAdd:    "+",
	OpSub:    "-",
	OpMul:    "*",
	OpDiv:    "/",
	OpIDiv:   "div",
	OpMod:    "mod",
	OpConcat: "~",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "?"
}

// Binary applies op to a and b.
func Binary(op Op, a, b Value) (Value, error) {
	switch op {
	case OpAdd:
		return Add(a, b)
	case OpSub:
		return Sub(a, b)
	case OpMul:
		return Mul(a, b)
	case OpDiv:
		return Div(a, b)
	case OpIDiv:
		return IDiv(a, b)
	case OpMod:
		return Mod(a, b)
	case OpConcat:
		return Concat(a, b), nil
	}
	return Value{}, &LogicFault{Op: op.String(), Left: a.Kind(), Right: b.Kind()}
}

// operands coerces both sides to numbers, failing for containers and
// pointers.
func operands(op Op, a, b Value) (Value, Value, error) {
	if !arithmetic(a.kind) || !arithmetic(b.kind) {
		return Value{}, Value{}, &LogicFault{Op: op.String(), Left: a.Kind(), Right: b.Kind()}
	}
	return a.ToNumber(), b.ToNumber(), nil
}

func arithmetic(k Kind) bool {
	return k != Array && k != Hash && k != Pointer
}

// Add returns a+b. Two strings that are not both numeric concatenate;
// everything else adds numerically.
func Add(a, b Value) (Value, error) {
	if a.kind == String && b.kind == String && !(a.IsNumeric() && b.IsNumeric()) {
		return Concat(a, b), nil
	}
	x, y, err := operands(OpAdd, a, b)
	if err != nil {
		return Value{}, err
	}
	if x.kind == Real || y.kind == Real {
		return Float(x.Float64() + y.Float64()), nil
	}
	return Int(x.i + y.i), nil
}

// Sub returns a-b.
func Sub(a, b Value) (Value, error) {
	x, y, err := operands(OpSub, a, b)
	if err != nil {
		return Value{}, err
	}
	if x.kind == Real || y.kind == Real {
		return Float(x.Float64() - y.Float64()), nil
	}
	return Int(x.i - y.i), nil
}

// Mul returns a*b.
func Mul(a, b Value) (Value, error) {
	x, y, err := operands(OpMul, a, b)
	if err != nil {
		return Value{}, err
	}
	if x.kind == Real || y.kind == Real {
		return Float(x.Float64() * y.Float64()), nil
	}
	return Int(x.i * y.i), nil
}

// Div returns a/b. Two integers divide with truncation and fail with
// ErrZeroDivision on a zero divisor. A real on either side divides per
// IEEE-754, so a zero divisor yields an infinity or NaN.
func Div(a, b Value) (Value, error) {
	x, y, err := operands(OpDiv, a, b)
	if err != nil {
		return Value{}, err
	}
	if x.kind == Real || y.kind == Real {
		return Float(x.Float64() / y.Float64()), nil
	}
	if y.i == 0 {
		return Value{}, ErrZeroDivision
	}
	return Int(x.i / y.i), nil
}

// IDiv returns the truncated integer quotient of a and b.
func IDiv(a, b Value) (Value, error) {
	x, y, err := operands(OpIDiv, a, b)
	if err != nil {
		return Value{}, err
	}
	d := y.Int64()
	if d == 0 {
		return Value{}, ErrZeroDivision
	}
	return Int(x.Int64() / d), nil
}

// Mod returns the integer remainder of a and b, with the sign of a.
func Mod(a, b Value) (Value, error) {
	x, y, err := operands(OpMod, a, b)
	if err != nil {
		return Value{}, err
	}
	d := y.Int64()
	if d == 0 {
		return Value{}, ErrZeroDivision
	}
	return Int(x.Int64() % d), nil
}

// Neg returns -a.
func Neg(a Value) (Value, error) {
	if !arithmetic(a.kind) {
		return Value{}, &LogicFault{Op: "unary -", Left: a.Kind(), Right: a.Kind()}
	}
	n := a.ToNumber()
	if n.kind == Real {
		return Float(-n.f), nil
	}
	return Int(-n.i), nil
}

// Not returns Integer 1 when a is false and 0 otherwise.
func Not(a Value) Value {
	return Bool(!a.Bool())
}

// Concat joins the string forms of a and b.
func Concat(a, b Value) Value {
	return Str(a.String() + b.String())
}

// AddAssign replaces v with v+b.
func (v *Value) AddAssign(b Value) error { return v.assign(OpAdd, b) }

// SubAssign replaces v with v-b.
func (v *Value) SubAssign(b Value) error { return v.assign(OpSub, b) }

// MulAssign replaces v with v*b.
func (v *Value) MulAssign(b Value) error { return v.assign(OpMul, b) }

// DivAssign replaces v with v/b.
func (v *Value) DivAssign(b Value) error { return v.assign(OpDiv, b) }

// ModAssign replaces v with v mod b.
func (v *Value) ModAssign(b Value) error { return v.assign(OpMod, b) }

func (v *Value) assign(op Op, b Value) error {
	r, err := Binary(op, *v, b)
	if err != nil {
		return err
	}
	v.Release()
	*v = r
	return nil
}

// Inc adds delta to an integer or real in place; any other kind is first
// coerced to a number.
func (v *Value) Inc(delta int64) {
	n := v.ToNumber()
	v.Release()
	if n.kind == Real {
		*v = Float(n.f + float64(delta))
		return
	}
	*v = Int(n.i + delta)
}

// IsInf reports whether v is a real infinity.
func (v Value) IsInf() bool {
	return v.kind == Real && math.IsInf(v.f, 0)
}
