package wasm

import "errors"

// TrapKind identifies a guest-visible runtime fault. Traps unwind to the
// nearest call boundary and are reported to the host as a *TrapError, never
// as a host-level failure.
type TrapKind uint32

const (
	// TrapKindUnreachable means the "unreachable" instruction was executed.
	TrapKindUnreachable TrapKind = iota
	// TrapKindOutOfBoundsMemoryAccess means an access went beyond the
	// current linear memory size, or the effective address overflowed.
	TrapKindOutOfBoundsMemoryAccess
	// TrapKindInvalidTableAccess means a table index was out of bounds or
	// the addressed slot was null.
	TrapKindInvalidTableAccess
	// TrapKindIndirectCallTypeMismatch means the call site's expected
	// signature differed structurally from the table slot's target.
	TrapKindIndirectCallTypeMismatch
	// TrapKindIntegerDivideByZero means an integer div or rem instruction
	// was executed with a zero divisor.
	TrapKindIntegerDivideByZero
	// TrapKindIntegerOverflow means an integer result was unrepresentable,
	// e.g. i32.div_s of MinInt32 by -1 or a float truncation out of range.
	TrapKindIntegerOverflow
	// TrapKindInvalidConversionToInteger means a NaN was truncated to an
	// integer.
	TrapKindInvalidConversionToInteger
	// TrapKindCallStackOverflow means the configured activation depth was
	// exceeded.
	TrapKindCallStackOverflow
	// TrapKindInvalidSegmentAccess means a passive segment was copied after
	// being dropped, or a segment copy range was out of bounds.
	TrapKindInvalidSegmentAccess
)

// String implements fmt.Stringer.
func (k TrapKind) String() string {
	switch k {
	case TrapKindUnreachable:
		return "unreachable"
	case TrapKindOutOfBoundsMemoryAccess:
		return "out of bounds memory access"
	case TrapKindInvalidTableAccess:
		return "invalid table access"
	case TrapKindIndirectCallTypeMismatch:
		return "indirect call type mismatch"
	case TrapKindIntegerDivideByZero:
		return "integer divide by zero"
	case TrapKindIntegerOverflow:
		return "integer overflow"
	case TrapKindInvalidConversionToInteger:
		return "invalid conversion to integer"
	case TrapKindCallStackOverflow:
		return "call stack exhausted"
	case TrapKindInvalidSegmentAccess:
		return "invalid segment access"
	}
	return "unknown trap"
}

// TrapError is the distinguished non-exceptional outcome of a guest call
// that faulted. Execution tiers panic with one of the sentinel values below
// and the call bridge recovers it at the host boundary.
type TrapError struct {
	kind TrapKind
}

// NewTrapError returns a TrapError of the given kind. The package-level
// sentinels should be preferred so errors.Is works by identity.
func NewTrapError(kind TrapKind) *TrapError {
	return &TrapError{kind: kind}
}

// Kind returns which fault occurred.
func (e *TrapError) Kind() TrapKind { return e.kind }

// Error implements error.
func (e *TrapError) Error() string { return "runtime trap: " + e.kind.String() }

// The sentinel trap values raised by all execution tiers. They indicate the
// guest faulted, not that the engine's state is corrupt.
var (
	ErrRuntimeUnreachable              = NewTrapError(TrapKindUnreachable)
	ErrRuntimeOutOfBoundsMemoryAccess  = NewTrapError(TrapKindOutOfBoundsMemoryAccess)
	ErrRuntimeInvalidTableAccess       = NewTrapError(TrapKindInvalidTableAccess)
	ErrRuntimeIndirectCallTypeMismatch = NewTrapError(TrapKindIndirectCallTypeMismatch)
	ErrRuntimeIntegerDivideByZero      = NewTrapError(TrapKindIntegerDivideByZero)
	ErrRuntimeIntegerOverflow          = NewTrapError(TrapKindIntegerOverflow)
	ErrRuntimeInvalidConversionToInteger = NewTrapError(TrapKindInvalidConversionToInteger)
	ErrRuntimeCallStackOverflow        = NewTrapError(TrapKindCallStackOverflow)
	ErrRuntimeInvalidSegmentAccess     = NewTrapError(TrapKindInvalidSegmentAccess)
)

// ErrExecutionExhausted is returned when the interpreter's step budget
// reaches zero mid-execution. It is distinct from both a normal return and
// a trap: the guest did not fault, it simply was not allowed to finish.
var ErrExecutionExhausted = errors.New("execution exhausted: step budget reached zero")
