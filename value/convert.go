package value

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// FromGo converts a decoded document tree into a Value. Maps become
// Hashes, slices become Arrays, booleans become Integer 0 or 1 and nil
// becomes Undefined. Values of unrecognised types are wrapped as Pointers.
func FromGo(x any) Value {
	switch t := x.(type) {
	case nil:
		return Value{}
	case Value:
		return t.Copy()
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int8:
		return Int(int64(t))
	case int16:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint:
		return Int(int64(t))
	case uint8:
		return Int(int64(t))
	case uint16:
		return Int(int64(t))
	case uint32:
		return Int(int64(t))
	case uint64:
		return Int(int64(t))
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case json.Number:
		s := Str(string(t))
		return s.ToNumber()
	case string:
		return Str(t)
	case []byte:
		return Str(string(t))
	case []string:
		a := Value{kind: Array, box: newArrayPayload(make([]Value, len(t)))}
		for i, s := range t {
			a.box.elems[i] = Str(s)
		}
		return a
	case []any:
		a := Value{kind: Array, box: newArrayPayload(make([]Value, len(t)))}
		for i, e := range t {
			a.box.elems[i] = FromGo(e)
		}
		return a
	case map[string]any:
		h := NewHash()
		for k, e := range t {
			ev := FromGo(e)
			h.box.keys[k] = &ev
		}
		return h
	case map[any]any:
		h := NewHash()
		for k, e := range t {
			ev := FromGo(e)
			h.box.keys[fmt.Sprint(k)] = &ev
		}
		return h
	}
	return Ptr(x)
}

// ToGo converts v into plain Go data: nil, int64, float64, string,
// []any and map[string]any. Pointers are returned unwrapped.
func ToGo(v Value) any {
	switch v.kind {
	case Integer:
		return v.i
	case Real:
		return v.f
	case Pointer:
		return v.ptr
	case String:
		return v.box.str
	case Array:
		out := make([]any, len(v.box.elems))
		for i, e := range v.box.elems {
			out[i] = ToGo(e)
		}
		return out
	case Hash:
		out := make(map[string]any, len(v.box.keys))
		for k, e := range v.box.keys {
			out[k] = ToGo(*e)
		}
		return out
	}
	return nil
}

// MarshalCBOR encodes v through ToGo. Pointers cannot be encoded.
func (v Value) MarshalCBOR() ([]byte, error) {
	if err := checkEncodable(v); err != nil {
		return nil, err
	}
	return cbor.Marshal(ToGo(v))
}

// UnmarshalCBOR decodes a CBOR item into v through FromGo.
func (v *Value) UnmarshalCBOR(data []byte) error {
	var x any
	if err := cbor.Unmarshal(data, &x); err != nil {
		return errors.Wrap(err, "decode value")
	}
	v.Release()
	*v = FromGo(x)
	return nil
}

func checkEncodable(v Value) error {
	switch v.kind {
	case Pointer:
		return &AccessFault{Op: "encode", Kind: Pointer}
	case Array:
		for _, e := range v.box.elems {
			if err := checkEncodable(e); err != nil {
				return err
			}
		}
	case Hash:
		for _, e := range v.box.keys {
			if err := checkEncodable(*e); err != nil {
				return err
			}
		}
	}
	return nil
}
