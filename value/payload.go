package value

import (
	"math"
	"sort"
	"strconv"
)

// numClass caches the numeric interpretation of a string payload.
type numClass uint8

const (
	numUnknown numClass = iota
	numNone
	numInt
	numReal
)

// payload is the shared, reference-counted body of String, Array and Hash
// values. Exactly one of str, elems or keys is meaningful, chosen by the
// owning Value's kind.
type payload struct {
	refs  int32
	str   string
	num   numClass
	ival  int64
	fval  float64
	elems []Value
	keys  map[string]*Value

	// sorted caches the keys of a Hash in order. Writers that add or
	// remove a key reset it to nil.
	sorted []string
}

func newStringPayload(s string) *payload {
	return &payload{refs: 1, str: s}
}

func newArrayPayload(elems []Value) *payload {
	return &payload{refs: 1, elems: elems}
}

func newHashPayload(keys map[string]*Value) *payload {
	return &payload{refs: 1, keys: keys}
}

// clone copies one level of p into a new payload with a single owner.
// Nested complex elements are shared with p through Copy.
func (p *payload) clone() *payload {
	np := &payload{refs: 1, str: p.str, num: p.num, ival: p.ival, fval: p.fval, sorted: p.sorted}
	if p.elems != nil {
		np.elems = make([]Value, len(p.elems))
		for i, e := range p.elems {
			np.elems[i] = e.Copy()
		}
	}
	if p.keys != nil {
		np.keys = make(map[string]*Value, len(p.keys))
		for k, e := range p.keys {
			c := e.Copy()
			np.keys[k] = &c
		}
	}
	return np
}

// release drops one owner. The last owner releases nested elements so
// their payloads can be reclaimed by the collector as well.
func (p *payload) release() {
	p.refs--
	if p.refs > 0 {
		return
	}
	for i := range p.elems {
		p.elems[i].Release()
	}
	for _, e := range p.keys {
		e.Release()
	}
	p.elems = nil
	p.keys = nil
	p.sorted = nil
}

// sortedKeys returns the keys of a Hash payload in order, building the
// cache on first use. The result must not be modified.
func (p *payload) sortedKeys() []string {
	if p.sorted == nil && len(p.keys) > 0 {
		keys := make([]string, 0, len(p.keys))
		for k := range p.keys {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		p.sorted = keys
	}
	return p.sorted
}

// classify parses str as an integer, then as a real, and records the
// outcome. Leading and trailing blanks are tolerated.
func (p *payload) classify() {
	s := trimNumber(p.str)
	if s == "" {
		p.num = numNone
		return
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		p.num, p.ival = numInt, i
		return
	}
	if !looksReal(s) {
		p.num = numNone
		return
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !math.IsInf(f, 0) {
		p.num = numNone
		return
	}
	p.num, p.fval = numReal, f
}

// looksReal accepts decimal floating literals only: an optional sign,
// digits with an optional fraction and an optional signed exponent. It
// rejects the hex, inf, nan and underscore forms strconv would accept.
func looksReal(s string) bool {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := 0
	for i < len(s) && isDigit(s[i]) {
		i++
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && isDigit(s[i]) {
			i++
			digits++
		}
	}
	if digits == 0 {
		return false
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		i++
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			i++
		}
		exp := 0
		for i < len(s) && isDigit(s[i]) {
			i++
			exp++
		}
		if exp == 0 {
			return false
		}
	}
	return i == len(s)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
