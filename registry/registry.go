// Package registry is the table of native functions reachable from
// bytecode through SYSCALL.
//
// Functions are registered by name and receive a numeric ID that is never
// reused for the lifetime of the Registry, even after Unregister. A
// Registry is filled before execution starts and is read-only afterwards,
// which lets any number of virtual machines share it. It is not safe for
// concurrent mutation.
package registry

import (
	"io"
	"reflect"
	"sort"

	"github.com/pkg/errors"

	"github.com/chazu/tmplvm/diag"
	"github.com/chazu/tmplvm/value"
)

// ID identifies a registered function. It fits the 16-bit field of a
// packed SYSCALL argument.
type ID uint16

// MaxCapacity is the largest number of IDs a Registry can hand out.
const MaxCapacity = 1<<16 - 1

// DefaultCapacity is the capacity used by New when none is given.
const DefaultCapacity = 1024

var (
	ErrNilFunc   = errors.New("registry: nil function")
	ErrFull      = errors.New("registry: capacity exhausted")
	ErrDuplicate = errors.New("registry: name already registered")
	ErrNotFound  = errors.New("registry: function not found")
)

// Args is the argument window of one call, in source order. At returns a
// borrowed value that stays valid for the duration of the call; a function
// that returns an argument or keeps it must Copy it.
type Args interface {
	Len() int
	At(i int) value.Value
}

// Func is a native function. Call receives the arguments fixed by the call
// site and returns one result. A function that rejects its arguments
// reports the problem to log and returns an error, usually via Usage.
type Func interface {
	Call(args Args, log diag.Logger) (value.Value, error)
}

// FuncOf adapts a plain function to Func.
type FuncOf func(args Args, log diag.Logger) (value.Value, error)

func (f FuncOf) Call(args Args, log diag.Logger) (value.Value, error) { return f(args, log) }

// Env is the execution state handed to a Binder. Root is borrowed for
// the length of one render.
type Env struct {
	Root value.Value
	Out  io.Writer
	Log  diag.Logger
}

// Binder is implemented by functions that need per-execution state. Bind
// runs once per virtual machine Init and returns the instance that VM calls;
// the registered value itself is never called.
type Binder interface {
	Func
	Bind(env Env) (Func, error)
}

// Instance returns the callable a VM should use for fn, binding it to env
// when fn is a Binder.
func Instance(fn Func, env Env) (Func, error) {
	if b, ok := fn.(Binder); ok {
		bound, err := b.Bind(env)
		if err != nil {
			return nil, err
		}
		if isNil(bound) {
			return nil, ErrNilFunc
		}
		return bound, nil
	}
	return fn, nil
}

// isNil reports whether fn is nil or an interface holding a nil func,
// pointer, map, slice or channel.
func isNil(fn Func) bool {
	if fn == nil {
		return true
	}
	switch v := reflect.ValueOf(fn); v.Kind() {
	case reflect.Func, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

type slot struct {
	name string
	fn   Func
}

// Registry maps names and IDs to functions.
type Registry struct {
	capacity int
	slots    []slot
	byName   map[string]ID
}

// New returns an empty Registry holding at most capacity functions. A
// capacity of 0 selects DefaultCapacity.
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if capacity > MaxCapacity {
		capacity = MaxCapacity
	}
	return &Registry{capacity: capacity, byName: make(map[string]ID)}
}

// Register assigns the next free ID to fn under name.
func (r *Registry) Register(name string, fn Func) (ID, error) {
	if isNil(fn) {
		return 0, errors.Wrapf(ErrNilFunc, "register %q", name)
	}
	if _, ok := r.byName[name]; ok {
		return 0, errors.Wrapf(ErrDuplicate, "register %q", name)
	}
	if len(r.slots) >= r.capacity {
		return 0, errors.Wrapf(ErrFull, "register %q (capacity %d)", name, r.capacity)
	}
	id := ID(len(r.slots))
	r.slots = append(r.slots, slot{name: name, fn: fn})
	r.byName[name] = id
	return id, nil
}

// MustRegister is Register for static setup code; it panics on error.
func (r *Registry) MustRegister(name string, fn Func) ID {
	id, err := r.Register(name, fn)
	if err != nil {
		panic(err)
	}
	return id
}

// LookupName returns the ID and function registered under name.
func (r *Registry) LookupName(name string) (ID, Func, bool) {
	id, ok := r.byName[name]
	if !ok {
		return 0, nil, false
	}
	return id, r.slots[id].fn, true
}

// LookupID returns the function with the given ID. Unregistered IDs are
// not found.
func (r *Registry) LookupID(id ID) (Func, bool) {
	if int(id) >= len(r.slots) || r.slots[id].fn == nil {
		return nil, false
	}
	return r.slots[id].fn, true
}

// NameOf returns the name registered for id.
func (r *Registry) NameOf(id ID) (string, bool) {
	if int(id) >= len(r.slots) || r.slots[id].fn == nil {
		return "", false
	}
	return r.slots[id].name, true
}

// Unregister removes the binding for name. Its ID stays retired.
func (r *Registry) Unregister(name string) error {
	id, ok := r.byName[name]
	if !ok {
		return errors.Wrapf(ErrNotFound, "unregister %q", name)
	}
	delete(r.byName, name)
	r.slots[id] = slot{}
	return nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of live registrations.
func (r *Registry) Len() int { return len(r.byName) }

// Capacity returns the maximum number of IDs.
func (r *Registry) Capacity() int { return r.capacity }
