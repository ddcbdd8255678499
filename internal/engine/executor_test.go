package engine

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferrovm/ferro/api"
	"github.com/ferrovm/ferro/wasm"
)

// eachTier runs the test once per default tier, so interpreted and lowered
// execution are held to the same observable behavior.
func eachTier(t *testing.T, f func(t *testing.T, s *wasm.Store)) {
	t.Helper()
	for name, tier := range map[string]wasm.Tier{
		"interpreted": wasm.TierInterpreted,
		"baseline":    wasm.TierBaseline,
	} {
		t.Run(name, func(t *testing.T) {
			f(t, newStore(t, Config{DefaultTier: tier}))
		})
	}
}

func call(t *testing.T, inst *wasm.ModuleInstance, name string, args ...uint64) ([]uint64, error) {
	t.Helper()
	fn, err := inst.ExportedFunction(name)
	require.NoError(t, err)
	return fn.Call(context.Background(), args...)
}

func trapModule(t *testing.T) *wasm.Module {
	t.Helper()
	m := &wasm.Module{MemorySection: &wasm.Memory{Min: 1, Max: 1, IsMaxEncoded: true}}

	tVoid := m.AddSignature(nil, nil)
	idx, err := m.AddFunction(tVoid, nil, []byte{wasm.OpcodeUnreachable, wasm.OpcodeEnd})
	require.NoError(t, err)
	export(m, "crash", idx)

	tDiv := m.AddSignature([]api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32})
	idx, err = m.AddFunction(tDiv, nil, []byte{
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeLocalGet, 1,
		wasm.OpcodeI32DivS,
		wasm.OpcodeEnd,
	})
	require.NoError(t, err)
	export(m, "div", idx)

	tTrunc := m.AddSignature([]api.ValueType{api.ValueTypeF64}, []api.ValueType{api.ValueTypeI32})
	idx, err = m.AddFunction(tTrunc, nil, []byte{
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeI32TruncF64S,
		wasm.OpcodeEnd,
	})
	require.NoError(t, err)
	export(m, "trunc", idx)

	tLoad := m.AddSignature([]api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32})
	idx, err = m.AddFunction(tLoad, nil, []byte{
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeI32Load, 0, 0,
		wasm.OpcodeEnd,
	})
	require.NoError(t, err)
	export(m, "load", idx)
	return m
}

func TestCall_traps(t *testing.T) {
	eachTier(t, func(t *testing.T, s *wasm.Store) {
		inst, err := s.Instantiate(context.Background(), trapModule(t), "main")
		require.NoError(t, err)

		_, err = call(t, inst, "crash")
		require.ErrorIs(t, err, wasm.ErrRuntimeUnreachable)

		results, err := call(t, inst, "div", api.EncodeI32(7), api.EncodeI32(2))
		require.NoError(t, err)
		require.Equal(t, int32(3), api.DecodeI32(results[0]))
		_, err = call(t, inst, "div", api.EncodeI32(1), api.EncodeI32(0))
		require.ErrorIs(t, err, wasm.ErrRuntimeIntegerDivideByZero)
		_, err = call(t, inst, "div", api.EncodeI32(math.MinInt32), api.EncodeI32(-1))
		require.ErrorIs(t, err, wasm.ErrRuntimeIntegerOverflow)

		results, err = call(t, inst, "trunc", api.EncodeF64(3.9))
		require.NoError(t, err)
		require.Equal(t, int32(3), api.DecodeI32(results[0]))
		_, err = call(t, inst, "trunc", api.EncodeF64(math.NaN()))
		require.ErrorIs(t, err, wasm.ErrRuntimeInvalidConversionToInteger)
		_, err = call(t, inst, "trunc", api.EncodeF64(3e9))
		require.ErrorIs(t, err, wasm.ErrRuntimeIntegerOverflow)

		results, err = call(t, inst, "load", api.EncodeI32(65532))
		require.NoError(t, err)
		require.Equal(t, int32(0), api.DecodeI32(results[0]))
		_, err = call(t, inst, "load", api.EncodeI32(65533))
		require.ErrorIs(t, err, wasm.ErrRuntimeOutOfBoundsMemoryAccess)
		_, err = call(t, inst, "load", api.EncodeI32(-1))
		require.ErrorIs(t, err, wasm.ErrRuntimeOutOfBoundsMemoryAccess)
	})
}

// indirectModule places a ()->i32 function at table slot 0 and a ()->i64
// function at slot 2, leaving 1 and 3 null.
func indirectModule(t *testing.T) *wasm.Module {
	t.Helper()
	m := &wasm.Module{
		TableSection: &wasm.Table{Min: 4, ElemType: wasm.RefFuncType},
	}
	tI32 := m.AddSignature(nil, []api.ValueType{api.ValueTypeI32})
	f0, err := m.AddFunction(tI32, nil, []byte{wasm.OpcodeI32Const, 0xe4, 0x00, wasm.OpcodeEnd}) // 100
	require.NoError(t, err)
	tI64 := m.AddSignature(nil, []api.ValueType{api.ValueTypeI64})
	f1, err := m.AddFunction(tI64, nil, []byte{wasm.OpcodeI64Const, 0, wasm.OpcodeEnd})
	require.NoError(t, err)
	tCall := m.AddSignature([]api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32})
	idx, err := m.AddFunction(tCall, nil, []byte{
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeCallIndirect, byte(tI32), 0,
		wasm.OpcodeEnd,
	})
	require.NoError(t, err)
	export(m, "dispatch", idx)
	m.ElementSection = []*wasm.ElementSegment{
		{OffsetExpr: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{0}}, Init: []wasm.Index{f0}},
		{OffsetExpr: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{2}}, Init: []wasm.Index{f1}},
	}
	return m
}

func TestCall_indirect(t *testing.T) {
	eachTier(t, func(t *testing.T, s *wasm.Store) {
		inst, err := s.Instantiate(context.Background(), indirectModule(t), "main")
		require.NoError(t, err)

		results, err := call(t, inst, "dispatch", api.EncodeI32(0))
		require.NoError(t, err)
		require.Equal(t, int32(100), api.DecodeI32(results[0]))

		_, err = call(t, inst, "dispatch", api.EncodeI32(1))
		require.ErrorIs(t, err, wasm.ErrRuntimeInvalidTableAccess)

		_, err = call(t, inst, "dispatch", api.EncodeI32(2))
		require.ErrorIs(t, err, wasm.ErrRuntimeIndirectCallTypeMismatch)

		_, err = call(t, inst, "dispatch", api.EncodeI32(3))
		require.ErrorIs(t, err, wasm.ErrRuntimeInvalidTableAccess)

		_, err = call(t, inst, "dispatch", api.EncodeI32(9))
		require.ErrorIs(t, err, wasm.ErrRuntimeInvalidTableAccess)
	})
}

func TestCall_hostFunction(t *testing.T) {
	eachTier(t, func(t *testing.T, s *wasm.Store) {
		var sawCaller string
		_, err := s.NewHostModule("env", map[string]*wasm.HostFunc{
			"mul": {
				Params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
				Results: []api.ValueType{api.ValueTypeI32},
				// Adds rather than multiplies, proving the result came
				// from this callable and not guest arithmetic.
				Fn: func(_ context.Context, mod *wasm.ModuleInstance, stack []uint64) {
					sawCaller = mod.Name
					stack[0] = api.EncodeI32(api.DecodeI32(stack[0]) + api.DecodeI32(stack[1]))
				},
			},
			"boom": {
				Fn: func(context.Context, *wasm.ModuleInstance, []uint64) {
					panic("kaboom")
				},
			},
		})
		require.NoError(t, err)

		m := &wasm.Module{}
		tBin := m.AddSignature([]api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32})
		tVoid := m.AddSignature(nil, nil)
		m.ImportSection = []*wasm.Import{
			{Module: "env", Name: "mul", Type: api.ExternTypeFunc, DescFunc: tBin},
			{Module: "env", Name: "boom", Type: api.ExternTypeFunc, DescFunc: tVoid},
		}
		tMain := m.AddSignature([]api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32})
		idx, err := m.AddFunction(tMain, nil, []byte{
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeCall, 0,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "main", idx)
		idx, err = m.AddFunction(tVoid, nil, []byte{wasm.OpcodeCall, 1, wasm.OpcodeEnd})
		require.NoError(t, err)
		export(m, "explode", idx)

		inst, err := s.Instantiate(context.Background(), m, "main")
		require.NoError(t, err)

		results, err := call(t, inst, "main", api.EncodeI32(5))
		require.NoError(t, err)
		require.Equal(t, int32(10), api.DecodeI32(results[0]))
		require.Equal(t, "main", sawCaller)

		// A panic inside a host callable is a host failure, never a trap.
		_, err = call(t, inst, "explode")
		require.ErrorContains(t, err, "host function env.boom panicked: kaboom")
	})
}

func TestCall_hostReentrancy(t *testing.T) {
	eachTier(t, func(t *testing.T, s *wasm.Store) {
		var double, crash wasm.Function
		var noted []string
		var innerErr error
		_, err := s.NewHostModule("env", map[string]*wasm.HostFunc{
			"note": {
				Fn: func(_ context.Context, mod *wasm.ModuleInstance, _ []uint64) {
					noted = append(noted, mod.Name)
				},
			},
			"dispatch": {
				Params:  []api.ValueType{api.ValueTypeI32},
				Results: []api.ValueType{api.ValueTypeI32},
				// Re-enters guest code twice through the captured export.
				Fn: func(ctx context.Context, _ *wasm.ModuleInstance, stack []uint64) {
					res, err := double.Call(ctx, stack[0])
					if err != nil {
						panic(err)
					}
					res, err = double.Call(ctx, res[0])
					if err != nil {
						panic(err)
					}
					stack[0] = res[0]
				},
			},
			"tryCrash": {
				// The nested guest call traps; the trap stays inside that
				// call and this callable returns normally.
				Fn: func(ctx context.Context, _ *wasm.ModuleInstance, _ []uint64) {
					_, innerErr = crash.Call(ctx)
				},
			},
		})
		require.NoError(t, err)

		lib := &wasm.Module{}
		tVoid := lib.AddSignature(nil, nil)
		lib.ImportSection = []*wasm.Import{
			{Module: "env", Name: "note", Type: api.ExternTypeFunc, DescFunc: tVoid},
		}
		tI32 := lib.AddSignature(nil, []api.ValueType{api.ValueTypeI32})
		idx, err := lib.AddFunction(tI32, nil, []byte{
			wasm.OpcodeCall, 0,
			wasm.OpcodeI32Const, 5,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(lib, "inner", idx)
		_, err = s.Instantiate(context.Background(), lib, "lib")
		require.NoError(t, err)

		m := &wasm.Module{}
		tVoid = m.AddSignature(nil, nil)
		tI32 = m.AddSignature(nil, []api.ValueType{api.ValueTypeI32})
		tUn := m.AddSignature([]api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32})
		m.ImportSection = []*wasm.Import{
			{Module: "env", Name: "note", Type: api.ExternTypeFunc, DescFunc: tVoid},
			{Module: "env", Name: "dispatch", Type: api.ExternTypeFunc, DescFunc: tUn},
			{Module: "env", Name: "tryCrash", Type: api.ExternTypeFunc, DescFunc: tVoid},
			{Module: "lib", Name: "inner", Type: api.ExternTypeFunc, DescFunc: tI32},
		}
		idx, err = m.AddFunction(tUn, nil, []byte{
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeI32Add,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "double", idx)
		idx, err = m.AddFunction(tVoid, nil, []byte{wasm.OpcodeUnreachable, wasm.OpcodeEnd})
		require.NoError(t, err)
		export(m, "crash", idx)
		// lib.inner runs with lib as the calling module; once it returns,
		// host calls from this frame must see main again.
		idx, err = m.AddFunction(tUn, nil, []byte{
			wasm.OpcodeCall, 3,
			wasm.OpcodeDrop,
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeCall, 1,
			wasm.OpcodeCall, 0,
			wasm.OpcodeCall, 2,
			wasm.OpcodeCall, 0,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "outer", idx)

		inst, err := s.Instantiate(context.Background(), m, "main")
		require.NoError(t, err)
		double, err = inst.ExportedFunction("double")
		require.NoError(t, err)
		crash, err = inst.ExportedFunction("crash")
		require.NoError(t, err)

		results, err := call(t, inst, "outer", api.EncodeI32(3))
		require.NoError(t, err)
		require.Equal(t, int32(12), api.DecodeI32(results[0]))
		require.Equal(t, []string{"lib", "main", "main"}, noted)
		require.ErrorIs(t, innerErr, wasm.ErrRuntimeUnreachable)
	})
}

func TestCall_passiveElementSegment(t *testing.T) {
	eachTier(t, func(t *testing.T, s *wasm.Store) {
		m := &wasm.Module{
			TableSection: &wasm.Table{Min: 2, ElemType: wasm.RefFuncType},
		}
		tI32 := m.AddSignature(nil, []api.ValueType{api.ValueTypeI32})
		f0, err := m.AddFunction(tI32, nil, []byte{wasm.OpcodeI32Const, 42, wasm.OpcodeEnd})
		require.NoError(t, err)
		m.ElementSection = []*wasm.ElementSegment{{Init: []wasm.Index{f0}}}

		tVoid := m.AddSignature(nil, nil)
		idx, err := m.AddFunction(tVoid, nil, []byte{
			wasm.OpcodeI32Const, 0,
			wasm.OpcodeI32Const, 0,
			wasm.OpcodeI32Const, 1,
			wasm.OpcodeMiscPrefix, wasm.OpcodeMiscTableInit, 0, 0,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "init", idx)
		idx, err = m.AddFunction(tVoid, nil, []byte{
			wasm.OpcodeMiscPrefix, wasm.OpcodeMiscElemDrop, 0,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "drop", idx)
		tDisp := m.AddSignature([]api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32})
		idx, err = m.AddFunction(tDisp, nil, []byte{
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeCallIndirect, byte(tI32), 0,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "dispatch", idx)

		inst, err := s.Instantiate(context.Background(), m, "main")
		require.NoError(t, err)

		// The table starts null; the segment populates slot 0 only.
		_, err = call(t, inst, "dispatch", api.EncodeI32(0))
		require.ErrorIs(t, err, wasm.ErrRuntimeInvalidTableAccess)

		_, err = call(t, inst, "init")
		require.NoError(t, err)
		results, err := call(t, inst, "dispatch", api.EncodeI32(0))
		require.NoError(t, err)
		require.Equal(t, int32(42), api.DecodeI32(results[0]))
		_, err = call(t, inst, "dispatch", api.EncodeI32(1))
		require.ErrorIs(t, err, wasm.ErrRuntimeInvalidTableAccess)

		_, err = call(t, inst, "drop")
		require.NoError(t, err)
		_, err = call(t, inst, "init")
		require.ErrorIs(t, err, wasm.ErrRuntimeInvalidSegmentAccess)
	})
}

func TestCall_memoryCopyFill(t *testing.T) {
	eachTier(t, func(t *testing.T, s *wasm.Store) {
		m := &wasm.Module{MemorySection: &wasm.Memory{Min: 1, Max: 1, IsMaxEncoded: true}}
		tPoke := m.AddSignature([]api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil)
		idx, err := m.AddFunction(tPoke, nil, []byte{
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeLocalGet, 1,
			wasm.OpcodeI32Store8, 0, 0,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "poke", idx)
		tBulk := m.AddSignature([]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil)
		// The reserved memory indexes are two-byte LEB encodings of zero.
		idx, err = m.AddFunction(tBulk, nil, []byte{
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeLocalGet, 1,
			wasm.OpcodeLocalGet, 2,
			wasm.OpcodeMiscPrefix, wasm.OpcodeMiscMemoryCopy, 0x80, 0x00, 0x80, 0x00,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "copy", idx)
		idx, err = m.AddFunction(tBulk, nil, []byte{
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeLocalGet, 1,
			wasm.OpcodeLocalGet, 2,
			wasm.OpcodeMiscPrefix, wasm.OpcodeMiscMemoryFill, 0,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "fill", idx)
		tRead := m.AddSignature([]api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32})
		idx, err = m.AddFunction(tRead, nil, []byte{
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeI32Load8U, 0, 0,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "read", idx)

		inst, err := s.Instantiate(context.Background(), m, "main")
		require.NoError(t, err)

		_, err = call(t, inst, "poke", api.EncodeI32(0), api.EncodeI32(0xaa))
		require.NoError(t, err)
		_, err = call(t, inst, "poke", api.EncodeI32(1), api.EncodeI32(0xcc))
		require.NoError(t, err)

		_, err = call(t, inst, "copy", api.EncodeI32(10), api.EncodeI32(0), api.EncodeI32(2))
		require.NoError(t, err)
		results, err := call(t, inst, "read", api.EncodeI32(10))
		require.NoError(t, err)
		require.Equal(t, int32(0xaa), api.DecodeI32(results[0]))
		results, err = call(t, inst, "read", api.EncodeI32(11))
		require.NoError(t, err)
		require.Equal(t, int32(0xcc), api.DecodeI32(results[0]))

		_, err = call(t, inst, "fill", api.EncodeI32(20), api.EncodeI32(7), api.EncodeI32(3))
		require.NoError(t, err)
		results, err = call(t, inst, "read", api.EncodeI32(22))
		require.NoError(t, err)
		require.Equal(t, int32(7), api.DecodeI32(results[0]))
		results, err = call(t, inst, "read", api.EncodeI32(19))
		require.NoError(t, err)
		require.Equal(t, int32(0), api.DecodeI32(results[0]))

		_, err = call(t, inst, "copy", api.EncodeI32(65535), api.EncodeI32(0), api.EncodeI32(2))
		require.ErrorIs(t, err, wasm.ErrRuntimeOutOfBoundsMemoryAccess)
		_, err = call(t, inst, "fill", api.EncodeI32(65535), api.EncodeI32(1), api.EncodeI32(2))
		require.ErrorIs(t, err, wasm.ErrRuntimeOutOfBoundsMemoryAccess)
	})
}

func TestCall_memorySizeGrow(t *testing.T) {
	eachTier(t, func(t *testing.T, s *wasm.Store) {
		m := &wasm.Module{MemorySection: &wasm.Memory{Min: 1, Max: 2, IsMaxEncoded: true}}
		tGrow := m.AddSignature([]api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32})
		idx, err := m.AddFunction(tGrow, nil, []byte{
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeMemoryGrow, 0,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "grow", idx)
		tSize := m.AddSignature(nil, []api.ValueType{api.ValueTypeI32})
		idx, err = m.AddFunction(tSize, nil, []byte{
			wasm.OpcodeMemorySize, 0,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "size", idx)

		inst, err := s.Instantiate(context.Background(), m, "main")
		require.NoError(t, err)

		results, err := call(t, inst, "size")
		require.NoError(t, err)
		require.Equal(t, int32(1), api.DecodeI32(results[0]))

		results, err = call(t, inst, "grow", api.EncodeI32(1))
		require.NoError(t, err)
		require.Equal(t, int32(1), api.DecodeI32(results[0]))

		results, err = call(t, inst, "size")
		require.NoError(t, err)
		require.Equal(t, int32(2), api.DecodeI32(results[0]))

		// Growth past the declared maximum fails with -1, not a trap.
		results, err = call(t, inst, "grow", api.EncodeI32(1))
		require.NoError(t, err)
		require.Equal(t, int32(-1), api.DecodeI32(results[0]))
	})
}

func TestCall_passiveDataSegment(t *testing.T) {
	eachTier(t, func(t *testing.T, s *wasm.Store) {
		m := &wasm.Module{
			MemorySection: &wasm.Memory{Min: 1, Max: 1, IsMaxEncoded: true},
			DataSection:   []*wasm.DataSegment{{Init: []byte{0xaa, 0xbb}}},
		}
		tVoid := m.AddSignature(nil, nil)
		idx, err := m.AddFunction(tVoid, nil, []byte{
			wasm.OpcodeI32Const, 0,
			wasm.OpcodeI32Const, 0,
			wasm.OpcodeI32Const, 2,
			wasm.OpcodeMiscPrefix, wasm.OpcodeMiscMemoryInit, 0, 0,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "init", idx)
		idx, err = m.AddFunction(tVoid, nil, []byte{
			wasm.OpcodeMiscPrefix, wasm.OpcodeMiscDataDrop, 0,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "drop", idx)
		tRead := m.AddSignature([]api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32})
		idx, err = m.AddFunction(tRead, nil, []byte{
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeI32Load8U, 0, 0,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "read", idx)

		inst, err := s.Instantiate(context.Background(), m, "main")
		require.NoError(t, err)

		_, err = call(t, inst, "init")
		require.NoError(t, err)
		results, err := call(t, inst, "read", api.EncodeI32(1))
		require.NoError(t, err)
		require.Equal(t, int32(0xbb), api.DecodeI32(results[0]))

		_, err = call(t, inst, "drop")
		require.NoError(t, err)
		_, err = call(t, inst, "init")
		require.ErrorIs(t, err, wasm.ErrRuntimeInvalidSegmentAccess)
	})
}

func TestInstantiate_startFunction(t *testing.T) {
	eachTier(t, func(t *testing.T, s *wasm.Store) {
		m := &wasm.Module{MemorySection: &wasm.Memory{Min: 1, Max: 1, IsMaxEncoded: true}}
		tVoid := m.AddSignature(nil, nil)
		start, err := m.AddFunction(tVoid, nil, []byte{
			wasm.OpcodeI32Const, 0,
			wasm.OpcodeI32Const, 7,
			wasm.OpcodeI32Store8, 0, 0,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		m.StartSection = &start
		tRead := m.AddSignature(nil, []api.ValueType{api.ValueTypeI32})
		idx, err := m.AddFunction(tRead, nil, []byte{
			wasm.OpcodeI32Const, 0,
			wasm.OpcodeI32Load8U, 0, 0,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "read", idx)

		inst, err := s.Instantiate(context.Background(), m, "main")
		require.NoError(t, err)
		results, err := call(t, inst, "read")
		require.NoError(t, err)
		require.Equal(t, int32(7), api.DecodeI32(results[0]))
	})
}

func TestCall_globals(t *testing.T) {
	eachTier(t, func(t *testing.T, s *wasm.Store) {
		m := &wasm.Module{
			GlobalSection: []*wasm.Global{{
				Type: &wasm.GlobalType{ValType: api.ValueTypeI32, Mutable: true},
				Init: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{10}},
			}},
		}
		tVoid := m.AddSignature(nil, nil)
		idx, err := m.AddFunction(tVoid, nil, []byte{
			wasm.OpcodeGlobalGet, 0,
			wasm.OpcodeI32Const, 1,
			wasm.OpcodeI32Add,
			wasm.OpcodeGlobalSet, 0,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "bump", idx)
		tGet := m.AddSignature(nil, []api.ValueType{api.ValueTypeI32})
		idx, err = m.AddFunction(tGet, nil, []byte{
			wasm.OpcodeGlobalGet, 0,
			wasm.OpcodeEnd,
		})
		require.NoError(t, err)
		export(m, "get", idx)
		m.ExportSection["counter"] = &wasm.Export{Name: "counter", Type: api.ExternTypeGlobal, Index: 0}

		inst, err := s.Instantiate(context.Background(), m, "main")
		require.NoError(t, err)

		results, err := call(t, inst, "get")
		require.NoError(t, err)
		require.Equal(t, int32(10), api.DecodeI32(results[0]))

		_, err = call(t, inst, "bump")
		require.NoError(t, err)
		results, err = call(t, inst, "get")
		require.NoError(t, err)
		require.Equal(t, int32(11), api.DecodeI32(results[0]))
		require.Equal(t, uint64(11), inst.ExportedGlobal("counter").Value())
	})
}
