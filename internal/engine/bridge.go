package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/ferrovm/ferro/internal/moremath"
	"github.com/ferrovm/ferro/wasm"
)

// callState is the per-host-call execution state shared by every
// activation the call spawns, including re-entrant ones through host
// functions.
type callState struct {
	// budget is the remaining instruction count when limited.
	budget  uint64
	limited bool

	depth    int
	maxDepth int
	// frames are activation names, innermost last, for guest backtraces.
	frames []string

	// caller is the instance whose code is executing, passed to host
	// functions so imports see the calling module's memory.
	caller *wasm.ModuleInstance

	// hostFn is non-empty while a host callable runs; a panic recovered
	// with it set is a host failure, not a guest fault.
	hostFn string

	// nanSeen records that a float operation produced a NaN, whose
	// payload bits are not guaranteed identical across tiers.
	nanSeen bool
}

func newCallState(cfg Config) *callState {
	return &callState{
		budget:   cfg.StepBudget,
		limited:  cfg.StepBudget != 0,
		maxDepth: cfg.MaxCallStackDepth,
	}
}

// step retires one instruction against the budget.
func (st *callState) step() {
	if st.limited {
		if st.budget == 0 {
			panic(wasm.ErrExecutionExhausted)
		}
		st.budget--
	}
}

func (st *callState) pushFrame(name string) {
	st.depth++
	if st.depth > st.maxDepth {
		panic(wasm.ErrRuntimeCallStackOverflow)
	}
	st.frames = append(st.frames, name)
}

func (st *callState) popFrame() {
	st.depth--
	st.frames = st.frames[:len(st.frames)-1]
}

// backtrace renders the guest frames innermost first.
func (st *callState) backtrace() string {
	var b strings.Builder
	for i := len(st.frames) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "\t%s\n", st.frames[i])
	}
	return b.String()
}

// noteNaN32 canonicalizes a possibly-NaN f32 result and flags the call.
func (st *callState) noteNaN32(bits uint64) uint64 {
	if moremath.IsNaNBits32(uint32(bits)) {
		st.nanSeen = true
		return uint64(moremath.CanonicalNaNBitsF32)
	}
	return bits
}

// noteNaN64 canonicalizes a possibly-NaN f64 result and flags the call.
func (st *callState) noteNaN64(bits uint64) uint64 {
	if moremath.IsNaNBits64(bits) {
		st.nanSeen = true
		return moremath.CanonicalNaNBitsF64
	}
	return bits
}

// callEngine implements wasm.Function: the host-side boundary of one
// guest function. It owns the per-wrapper diagnostics.
type callEngine struct {
	f  *wasm.FunctionInstance
	me *moduleEngine

	invocations atomic.Uint64
	nondet      atomic.Bool
}

// Type implements wasm.Function.
func (ce *callEngine) Type() *wasm.FunctionType { return ce.f.Type }

// ExecutionCount implements wasm.Function.
func (ce *callEngine) ExecutionCount() uint64 { return ce.invocations.Load() }

// PossiblyNondeterministic implements wasm.Function.
func (ce *callEngine) PossiblyNondeterministic() bool { return ce.nondet.Load() }

// Call implements wasm.Function. Execution-tier panics are recovered here,
// at the outermost boundary only: traps unwind through any number of
// nested guest activations before being attributed.
func (ce *callEngine) Call(ctx context.Context, params ...uint64) (results []uint64, err error) {
	if expected := len(ce.f.Type.Params); len(params) != expected {
		return nil, fmt.Errorf("expected %d params, but passed %d", expected, len(params))
	}
	st := newCallState(ce.me.parent.cfg)
	st.caller = ce.f.Module
	defer func() {
		ce.invocations.Add(1)
		ce.nondet.Store(st.nanSeen)
		if v := recover(); v != nil {
			results, err = nil, ce.attribute(st, v)
		}
	}()
	results = invoke(ctx, st, ce.f, params)
	return
}

// attribute maps a recovered panic value to the call's error. Trap
// sentinels and budget exhaustion pass through; a divide-by-zero raised by
// the Go runtime is the guest's trap; anything else is an engine or host
// fault carrying the guest backtrace.
func (ce *callEngine) attribute(st *callState, v any) error {
	switch e := v.(type) {
	case *wasm.TrapError:
		return e
	case compileError:
		return e.err
	case runtime.Error:
		if strings.Contains(e.Error(), "integer divide by zero") {
			return wasm.ErrRuntimeIntegerDivideByZero
		}
	case error:
		if errors.Is(e, wasm.ErrExecutionExhausted) {
			return e
		}
	}
	if st.hostFn != "" {
		return fmt.Errorf("host function %s panicked: %v", st.hostFn, v)
	}
	return fmt.Errorf("engine fault: %v\nguest backtrace:\n%s", v, st.backtrace())
}
