package registry

import (
	"fmt"

	"github.com/chazu/tmplvm/diag"
	"github.com/chazu/tmplvm/value"
)

// UsageError is returned by a function that rejects its arguments.
type UsageError struct {
	Func string
	Msg  string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Func, e.Msg)
}

// Usage reports a usage problem to log at Error severity and returns the
// matching UsageError.
func Usage(log diag.Logger, fn, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if log != nil {
		log.Logf(diag.Error, "%s: %s", fn, msg)
	}
	return &UsageError{Func: fn, Msg: msg}
}

// Want checks that args holds between min and max arguments. A negative
// max means no upper bound.
func Want(args Args, log diag.Logger, fn string, min, max int) error {
	n := args.Len()
	switch {
	case n < min:
		return Usage(log, fn, "expected at least %d argument(s), got %d", min, n)
	case max >= 0 && n > max:
		return Usage(log, fn, "expected at most %d argument(s), got %d", max, n)
	}
	return nil
}

// Slice is an Args over a Go slice, for callers outside the VM.
type Slice []value.Value

func (s Slice) Len() int { return len(s) }

func (s Slice) At(i int) value.Value {
	if i < 0 || i >= len(s) {
		return value.Value{}
	}
	return s[i]
}
