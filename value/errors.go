package value

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrZeroDivision is returned by integer division and modulo with a zero
// divisor.
var ErrZeroDivision = errors.New("division by zero")

// AccessFault reports a container operation applied to the wrong kind.
type AccessFault struct {
	Op   string
	Kind Kind
}

func (e *AccessFault) Error() string {
	return fmt.Sprintf("access fault: cannot apply %s to %s", e.Op, e.Kind)
}

// RangeFault reports a checked read of an absent index or key.
type RangeFault struct {
	Index int    // -1 for hash lookups
	Key   string // hash key, empty for array lookups
	Size  int
}

func (e *RangeFault) Error() string {
	if e.Index < 0 && e.Key != "" {
		return fmt.Sprintf("range fault: key %q not found", e.Key)
	}
	return fmt.Sprintf("range fault: index %d out of range [0,%d)", e.Index, e.Size)
}

// LogicFault reports an operation that is meaningless for its operand
// kinds, such as ordering a hash against an integer under strict
// comparison.
type LogicFault struct {
	Op          string
	Left, Right Kind
}

func (e *LogicFault) Error() string {
	return fmt.Sprintf("logic fault: invalid %s between %s and %s", e.Op, e.Left, e.Right)
}
