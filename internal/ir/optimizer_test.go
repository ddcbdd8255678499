package ir

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferrovm/ferro/api"
	"github.com/ferrovm/ferro/wasm"
)

func TestOptimize_foldsConstantArithmetic(t *testing.T) {
	m := moduleWithBody(nil, []api.ValueType{api.ValueTypeI32}, nil, []byte{
		wasm.OpcodeI32Const, 5,
		wasm.OpcodeI32Const, 7,
		wasm.OpcodeI32Add,
		wasm.OpcodeI32Const, 2,
		wasm.OpcodeI32Mul,
		wasm.OpcodeEnd,
	})
	f, err := Compile(m, 0)
	require.NoError(t, err)
	Optimize(f)
	require.Equal(t, []Instr{
		{Op: OpConst, U1: 24},
		{Op: OpReturn},
	}, f.Instrs)
}

func TestOptimize_foldsUnaryAndComparison(t *testing.T) {
	m := moduleWithBody(nil, []api.ValueType{api.ValueTypeI32}, nil, []byte{
		wasm.OpcodeI32Const, 0,
		wasm.OpcodeI32Eqz,
		wasm.OpcodeEnd,
	})
	f, err := Compile(m, 0)
	require.NoError(t, err)
	Optimize(f)
	require.Equal(t, []Instr{
		{Op: OpConst, U1: 1},
		{Op: OpReturn},
	}, f.Instrs)
}

func TestOptimize_neverFoldsTrappingOps(t *testing.T) {
	m := moduleWithBody(nil, []api.ValueType{api.ValueTypeI32}, nil, []byte{
		wasm.OpcodeI32Const, 1,
		wasm.OpcodeI32Const, 0,
		wasm.OpcodeI32DivU,
		wasm.OpcodeEnd,
	})
	f, err := Compile(m, 0)
	require.NoError(t, err)
	Optimize(f)
	require.Equal(t, []Instr{
		{Op: OpConst, U1: 1},
		{Op: OpConst, U1: 0},
		{Op: OpDivU},
		{Op: OpReturn},
	}, f.Instrs)
}

func TestOptimize_neverFoldsFloats(t *testing.T) {
	instrs := []Instr{
		{Op: OpConst, U1: api.EncodeF32(1.5)},
		{Op: OpConst, U1: api.EncodeF32(2.5)},
		{Op: OpAdd, U1: TypeF32},
		{Op: OpReturn},
	}
	f := &Function{Instrs: append([]Instr(nil), instrs...), NumResults: 1}
	Optimize(f)
	require.Equal(t, instrs, f.Instrs)
}

func TestOptimize_removesUnreachableCode(t *testing.T) {
	f := &Function{Instrs: []Instr{
		{Op: OpConst, U1: 1},
		{Op: OpBr, U1: 4},
		{Op: OpConst, U1: 2}, // unreachable
		{Op: OpDrop},         // unreachable
		{Op: OpReturn},
	}, NumResults: 1}
	Optimize(f)
	require.Equal(t, []Instr{
		{Op: OpConst, U1: 1},
		{Op: OpBr, U1: 2},
		{Op: OpReturn},
	}, f.Instrs)
}

func TestOptimize_threadsBranchChains(t *testing.T) {
	f := &Function{Instrs: []Instr{
		{Op: OpBrIf, U1: 2},
		{Op: OpReturn},
		{Op: OpBr, U1: 4}, // hop
		{Op: OpReturn},
		{Op: OpReturn},
	}}
	Optimize(f)
	// The conditional branch lands directly on the final return. The hop
	// and its old landing pad become unreachable, and compaction renumbers
	// the threaded target.
	require.Equal(t, []Instr{
		{Op: OpBrIf, U1: 2},
		{Op: OpReturn},
		{Op: OpReturn},
	}, f.Instrs)
}

func TestOptimize_doesNotFoldAcrossBranchTargets(t *testing.T) {
	// The second const feeding the add is a branch target, so folding the
	// pair would change the stack a branch arrives with.
	f := &Function{Instrs: []Instr{
		{Op: OpConst, U1: 1},
		{Op: OpBrIf, U1: 3},
		{Op: OpConst, U1: 2},
		{Op: OpConst, U1: 3},
		{Op: OpAdd, U1: TypeI32},
		{Op: OpReturn},
	}, NumResults: 1}
	before := append([]Instr(nil), f.Instrs...)
	Optimize(f)
	require.Equal(t, before, f.Instrs)
}

func TestPackHelpers(t *testing.T) {
	drop, keep := DropKeep(PackDropKeep(3, 2))
	require.Equal(t, uint64(3), drop)
	require.Equal(t, uint64(2), keep)

	n, signed, to64 := UnpackLoad(PackLoad(4, true, true))
	require.Equal(t, uint64(4), n)
	require.True(t, signed)
	require.True(t, to64)

	src64, dst64, s := UnpackTrunc(PackTrunc(true, false, true))
	require.True(t, src64)
	require.False(t, dst64)
	require.True(t, s)

	from, sg, t64 := UnpackExtend(PackExtend(16, true, false))
	require.Equal(t, uint64(16), from)
	require.True(t, sg)
	require.False(t, t64)
}
