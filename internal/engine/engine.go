// Package engine executes guest functions through three tiers sharing one
// value representation: a direct interpreter over body bytes, a baseline
// tier running a single-pass lowering, and an optimizing tier running the
// same lowered form after optimization passes. Tier choice is invisible in
// results, traps and observable side effects.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ferrovm/ferro/internal/filecache"
	"github.com/ferrovm/ferro/internal/ir"
	"github.com/ferrovm/ferro/wasm"
)

// Config tunes an Engine. The zero value interprets everything with no
// step budget.
type Config struct {
	// DefaultTier is the tier fresh and tiered-down code runs at, either
	// TierInterpreted or TierBaseline. Zero means TierInterpreted.
	DefaultTier wasm.Tier

	// StepBudget bounds the instructions one host call may execute in
	// interpreted frames; 0 means unlimited. Compiled tiers run without a
	// budget. Exhaustion surfaces as wasm.ErrExecutionExhausted.
	StepBudget uint64

	// MaxCallStackDepth bounds guest activation depth; 0 means the
	// default of 2048.
	MaxCallStackDepth int

	// Cache, when set, persists optimized code across processes.
	Cache *filecache.Cache
}

const defaultMaxCallStackDepth = 2048

// Engine implements wasm.Engine.
type Engine struct {
	cfg Config
	log *zap.Logger
}

// New returns an engine with the given configuration.
func New(cfg Config) (*Engine, error) {
	switch cfg.DefaultTier {
	case wasm.TierUncompiled:
		cfg.DefaultTier = wasm.TierInterpreted
	case wasm.TierInterpreted, wasm.TierBaseline:
	default:
		return nil, fmt.Errorf("engine: %s is not a valid default tier", cfg.DefaultTier)
	}
	if cfg.MaxCallStackDepth == 0 {
		cfg.MaxCallStackDepth = defaultMaxCallStackDepth
	}
	return &Engine{cfg: cfg, log: Logger()}, nil
}

// code is one immutable executable object. A slot swap replaces the whole
// object; activations that already fetched it finish on it, pinned by the
// reference count.
type code struct {
	tier wasm.Tier
	refs referenceCounter

	// lowered is set for the baseline and optimizing tiers.
	lowered *ir.Function

	// body and side are set for the interpreted tier.
	body *interpBody
}

// NewModuleEngine implements wasm.Engine. Compilation is lazy: slots fill
// on first call at the default tier.
func (e *Engine) NewModuleEngine(name string, module *wasm.Module, instance *wasm.ModuleInstance) (wasm.ModuleEngine, error) {
	me := &moduleEngine{
		name:     name,
		module:   module,
		instance: instance,
		parent:   e,
		codes:    make([]atomic.Pointer[code], len(module.FunctionSection)),
	}
	if e.cfg.Cache != nil && len(module.FunctionSection) > 0 {
		encoded, err := wasm.EncodeModule(module)
		if err != nil {
			return nil, fmt.Errorf("engine: digest module %q: %w", name, err)
		}
		key := filecache.ModuleKey(encoded)
		me.cacheKey = &key
	}
	return me, nil
}

// moduleEngine implements wasm.ModuleEngine, holding one code slot per
// defined function.
type moduleEngine struct {
	name     string
	module   *wasm.Module
	instance *wasm.ModuleInstance
	parent   *Engine

	// mu serializes compilation; slot reads are lock-free.
	mu       sync.Mutex
	codes    []atomic.Pointer[code]
	cacheKey *filecache.Key
}

// Name implements wasm.ModuleEngine.
func (me *moduleEngine) Name() string { return me.name }

// NewFunction implements wasm.ModuleEngine.
func (me *moduleEngine) NewFunction(f *wasm.FunctionInstance) wasm.Function {
	return &callEngine{f: f, me: me}
}

// Tier implements wasm.ModuleEngine. Imported guest functions report the
// defining instance's tier; host functions have no code to tier.
func (me *moduleEngine) Tier(funcIndex wasm.Index) wasm.Tier {
	imports := me.module.ImportFuncCount()
	if funcIndex < imports {
		if int(funcIndex) >= len(me.instance.Functions) {
			return wasm.TierUncompiled
		}
		f := me.instance.Functions[funcIndex]
		if f.IsHostFunction() {
			return wasm.TierUncompiled
		}
		return f.Module.Engine.Tier(f.Index)
	}
	defined := funcIndex - imports
	if int(defined) >= len(me.codes) {
		return wasm.TierUncompiled
	}
	c := me.codes[defined].Load()
	if c == nil {
		return wasm.TierUncompiled
	}
	return c.tier
}

// slotFor returns the code slot of a defined function of this instance.
func (me *moduleEngine) slotFor(funcIndex wasm.Index) (*atomic.Pointer[code], error) {
	imports := me.module.ImportFuncCount()
	if funcIndex < imports || int(funcIndex-imports) >= len(me.codes) {
		return nil, fmt.Errorf("engine: function %d is not defined in module %q", funcIndex, me.name)
	}
	return &me.codes[funcIndex-imports], nil
}

// codeFor returns the current code object for f, compiling at the default
// tier when the slot is empty.
func (me *moduleEngine) codeFor(f *wasm.FunctionInstance) (*code, error) {
	slot, err := me.slotFor(f.Index)
	if err != nil {
		return nil, err
	}
	if c := slot.Load(); c != nil {
		return c, nil
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	if c := slot.Load(); c != nil {
		return c, nil
	}
	c, err := me.compile(f, me.parent.cfg.DefaultTier)
	if err != nil {
		return nil, err
	}
	slot.Store(c)
	me.parent.log.Debug("compiled",
		zap.String("module", me.name),
		zap.String("function", f.Name),
		zap.Stringer("tier", c.tier))
	return c, nil
}

// compile produces a fresh code object at the given tier. The slot's own
// reference is the initial count.
func (me *moduleEngine) compile(f *wasm.FunctionInstance, tier wasm.Tier) (*code, error) {
	c := &code{tier: tier}
	c.refs.acquire()
	switch tier {
	case wasm.TierInterpreted:
		body, err := newInterpBody(me.module, f)
		if err != nil {
			return nil, fmt.Errorf("engine: scan %s: %w", f.Name, err)
		}
		c.body = body
	case wasm.TierBaseline:
		lowered, err := ir.Compile(me.module, f.Index)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		c.lowered = lowered
	case wasm.TierOptimized:
		if me.cacheKey != nil {
			if cached, ok, err := me.parent.cfg.Cache.Get(*me.cacheKey, f.Index); err == nil && ok {
				c.lowered = cached
				return c, nil
			}
		}
		lowered, err := ir.Compile(me.module, f.Index)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		c.lowered = ir.Optimize(lowered)
		if me.cacheKey != nil {
			if err := me.parent.cfg.Cache.Put(*me.cacheKey, f.Index, c.lowered); err != nil {
				me.parent.log.Warn("code cache write failed",
					zap.String("module", me.name), zap.Error(err))
			}
		}
	default:
		return nil, fmt.Errorf("engine: cannot compile at tier %s", tier)
	}
	return c, nil
}

// RecompileForTiering implements wasm.ModuleEngine: the function moves to
// the optimizing tier with a synchronous slot swap.
func (me *moduleEngine) RecompileForTiering(funcIndex wasm.Index) error {
	slot, err := me.slotFor(funcIndex)
	if err != nil {
		return err
	}
	f := me.instance.Functions[funcIndex]
	me.mu.Lock()
	defer me.mu.Unlock()
	c, err := me.compile(f, wasm.TierOptimized)
	if err != nil {
		return err
	}
	old := slot.Swap(c)
	from := wasm.TierUncompiled
	if old != nil {
		from = old.tier
		old.refs.release()
	}
	me.parent.log.Info("tier up",
		zap.String("module", me.name),
		zap.String("function", f.Name),
		zap.Stringer("from", from),
		zap.Stringer("to", wasm.TierOptimized))
	return nil
}

// TierDown implements wasm.ModuleEngine: every filled slot is replaced
// with default-tier code. Empty slots stay lazy.
func (me *moduleEngine) TierDown() error {
	imports := me.module.ImportFuncCount()
	me.mu.Lock()
	defer me.mu.Unlock()
	for i := range me.codes {
		old := me.codes[i].Load()
		if old == nil || old.tier == me.parent.cfg.DefaultTier {
			continue
		}
		f := me.instance.Functions[imports+wasm.Index(i)]
		c, err := me.compile(f, me.parent.cfg.DefaultTier)
		if err != nil {
			return err
		}
		me.codes[i].Swap(c)
		old.refs.release()
		me.parent.log.Info("tier down",
			zap.String("module", me.name),
			zap.String("function", f.Name),
			zap.Stringer("from", old.tier),
			zap.Stringer("to", c.tier))
	}
	return nil
}

// Close implements wasm.ModuleEngine.
func (me *moduleEngine) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	for i := range me.codes {
		if old := me.codes[i].Swap(nil); old != nil {
			old.refs.release()
		}
	}
	return nil
}

// compileError carries a compilation failure through the panic-based
// execution path; the call bridge unwraps it as a host-level error.
type compileError struct{ err error }

func (e compileError) Error() string { return e.err.Error() }

// invoke runs f with the given arguments, dispatching on whether it is a
// host function and on the current tier of its code slot. Guest faults
// propagate as trap panics to the call bridge.
func invoke(ctx context.Context, st *callState, f *wasm.FunctionInstance, args []uint64) []uint64 {
	if f.IsHostFunction() {
		return invokeHost(ctx, st, f, args)
	}
	me, ok := f.Module.Engine.(*moduleEngine)
	if !ok {
		panic(compileError{fmt.Errorf("engine: module %q uses a foreign engine", f.Module.Name)})
	}
	c, err := me.codeFor(f)
	if err != nil {
		panic(compileError{err})
	}
	c.refs.acquire()
	defer c.refs.release()
	st.pushFrame(f.Module.Name + "." + f.Name)
	defer st.popFrame()
	prevCaller := st.caller
	st.caller = f.Module
	defer func() { st.caller = prevCaller }()
	if c.tier == wasm.TierInterpreted {
		return me.interpret(ctx, st, c.body, args)
	}
	return me.execute(ctx, st, c.lowered, args)
}

// invokeHost bridges into a Go callable. The in-guest marker is cleared
// for the duration so a panic inside the callable is attributed to the
// host, and restored afterwards so execution resumes with guest
// attribution.
func invokeHost(ctx context.Context, st *callState, f *wasm.FunctionInstance, args []uint64) []uint64 {
	n := len(f.Type.Params)
	if r := len(f.Type.Results); r > n {
		n = r
	}
	stack := make([]uint64, n)
	copy(stack, args)

	prevHost := st.hostFn
	st.hostFn = f.Module.Name + "." + f.Name
	f.GoFunc(ctx, st.caller, stack)
	st.hostFn = prevHost

	return stack[:len(f.Type.Results)]
}
