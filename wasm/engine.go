package wasm

import (
	"context"

	"github.com/ferrovm/ferro/api"
)

// Tier identifies which execution strategy currently backs a function.
type Tier uint32

const (
	// TierUncompiled means no code object exists yet; the first call
	// produces one per engine policy.
	TierUncompiled Tier = iota
	// TierInterpreted executes the raw body bytes directly.
	TierInterpreted
	// TierBaseline executes a single-pass lowering of the body, favoring
	// compilation latency over code quality.
	TierBaseline
	// TierOptimized executes the lowered form after optimization passes.
	TierOptimized
)

// String implements fmt.Stringer.
func (t Tier) String() string {
	switch t {
	case TierUncompiled:
		return "uncompiled"
	case TierInterpreted:
		return "interpreted"
	case TierBaseline:
		return "baseline"
	case TierOptimized:
		return "optimized"
	}
	return "unknown"
}

// Engine is a store-scoped mechanism that produces and manages executable
// code for the functions of instantiated modules.
type Engine interface {
	// NewModuleEngine prepares code slots for every function of instance.
	// Whether functions compile eagerly or on first call is engine policy;
	// the contract is only that a usable code object exists before any
	// call proceeds.
	NewModuleEngine(name string, module *Module, instance *ModuleInstance) (ModuleEngine, error)
}

// ModuleEngine owns the per-function code slots of one instance and drives
// the tiering state machine over them.
type ModuleEngine interface {
	// Name returns the name the module was instantiated with.
	Name() string

	// NewFunction wraps the function as a host-callable entry point. The
	// wrapper resolves the function's current code object at each call.
	NewFunction(f *FunctionInstance) Function

	// Tier reports which tier currently backs the function index.
	Tier(funcIndex Index) Tier

	// RecompileForTiering replaces the function's code object with one from
	// the optimizing tier. Once it returns, subsequent calls observe the
	// new tier; calls already executing finish on the object they fetched.
	RecompileForTiering(funcIndex Index) error

	// TierDown resets every defined function to the engine's policy tier,
	// invalidating optimized code objects. It returns only after the
	// transition is visible to subsequent calls.
	TierDown() error

	// Close releases code objects. In-flight activations keep theirs alive
	// by reference count.
	Close() error
}

// Function is a host-callable entry point for one guest function, as
// produced by ModuleEngine.NewFunction.
type Function interface {
	// Call invokes the function with guest-encoded parameters (see the api
	// package converters). The error is nil on a normal return, a
	// *TrapError when the guest faulted, or ErrExecutionExhausted when the
	// interpreter's step budget ran out. Any other error is a host-level
	// failure, e.g. a parameter count mismatch.
	Call(ctx context.Context, params ...uint64) ([]uint64, error)

	// Type returns the function's signature.
	Type() *FunctionType

	// ExecutionCount returns how many calls through this wrapper have
	// completed, regardless of outcome.
	ExecutionCount() uint64

	// PossiblyNondeterministic reports whether the most recent completed
	// call executed a float operation that produced or observed a NaN,
	// whose payload bits may differ across tiers.
	PossiblyNondeterministic() bool
}

// GoFunc is a host function callable from guest code. Parameters arrive in
// stack[:len(params)] and results are written to stack[:len(results)];
// stack is sized to the larger of the two. mod is the calling module's
// instance, giving imports access to its memory.
type GoFunc func(ctx context.Context, mod *ModuleInstance, stack []uint64)

// HostFunc pairs a host callable with its declared signature for
// Store.NewHostModule.
type HostFunc struct {
	Params  []api.ValueType
	Results []api.ValueType
	Fn      GoFunc
}
