package wasm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferrovm/ferro/api"
)

// mockEngine satisfies Engine without compiling anything, so store behavior
// tests are independent of the execution tiers.
type mockEngine struct{}

func (mockEngine) NewModuleEngine(name string, _ *Module, _ *ModuleInstance) (ModuleEngine, error) {
	return &mockModuleEngine{name: name}, nil
}

type mockModuleEngine struct {
	name   string
	closed bool
}

func (me *mockModuleEngine) Name() string                      { return me.name }
func (me *mockModuleEngine) NewFunction(f *FunctionInstance) Function { return &mockFunction{f: f} }
func (me *mockModuleEngine) Tier(Index) Tier                   { return TierUncompiled }
func (me *mockModuleEngine) RecompileForTiering(Index) error   { return nil }
func (me *mockModuleEngine) TierDown() error                   { return nil }
func (me *mockModuleEngine) Close() error {
	me.closed = true
	return nil
}

type mockFunction struct {
	f     *FunctionInstance
	calls uint64
}

func (fn *mockFunction) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	fn.calls++
	if fn.f.GoFunc != nil {
		n := len(fn.f.Type.Params)
		if r := len(fn.f.Type.Results); r > n {
			n = r
		}
		stack := make([]uint64, n)
		copy(stack, params)
		fn.f.GoFunc(ctx, fn.f.Module, stack)
		return stack[:len(fn.f.Type.Results)], nil
	}
	return make([]uint64, len(fn.f.Type.Results)), nil
}

func (fn *mockFunction) Type() *FunctionType            { return fn.f.Type }
func (fn *mockFunction) ExecutionCount() uint64         { return fn.calls }
func (fn *mockFunction) PossiblyNondeterministic() bool { return false }

func testStore() *Store { return NewStore(mockEngine{}) }

func exportedModule(t *testing.T) *Module {
	t.Helper()
	m := &Module{
		MemorySection: &Memory{Min: 1, Max: 1, IsMaxEncoded: true},
		TableSection:  &Table{Min: 2, ElemType: RefFuncType},
		GlobalSection: []*Global{{
			Type: &GlobalType{ValType: api.ValueTypeI32, Mutable: true},
			Init: &ConstantExpression{Opcode: OpcodeI32Const, Data: []byte{42}},
		}},
	}
	ti := m.AddSignature(nil, []api.ValueType{api.ValueTypeI32})
	idx, err := m.AddFunction(ti, nil, []byte{OpcodeI32Const, 1, OpcodeEnd})
	require.NoError(t, err)
	m.ExportSection = map[string]*Export{
		"answer": {Name: "answer", Type: api.ExternTypeFunc, Index: idx},
		"mem":    {Name: "mem", Type: api.ExternTypeMemory},
		"tbl":    {Name: "tbl", Type: api.ExternTypeTable},
		"g":      {Name: "g", Type: api.ExternTypeGlobal, Index: 0},
	}
	return m
}

func TestInstantiate_registersExports(t *testing.T) {
	s := testStore()
	inst, err := s.Instantiate(context.Background(), exportedModule(t), "lib")
	require.NoError(t, err)
	require.Same(t, inst, s.Module("lib"))
	require.Nil(t, s.Module("missing"))

	fn, err := inst.ExportedFunction("answer")
	require.NoError(t, err)
	require.Equal(t, []api.ValueType{api.ValueTypeI32}, fn.Type().Results)

	require.NotNil(t, inst.ExportedMemory("mem"))
	require.NotNil(t, inst.ExportedTable("tbl"))
	require.Equal(t, uint64(42), inst.ExportedGlobal("g").Value())

	_, err = inst.ExportedFunction("nope")
	require.ErrorContains(t, err, "not exported")
	_, err = inst.ExportedFunction("mem")
	require.ErrorContains(t, err, "is a memory")
	require.Nil(t, inst.ExportedGlobal("answer"))
}

func TestInstantiate_duplicateName(t *testing.T) {
	s := testStore()
	_, err := s.Instantiate(context.Background(), &Module{}, "dup")
	require.NoError(t, err)
	_, err = s.Instantiate(context.Background(), &Module{}, "dup")
	require.ErrorContains(t, err, `module "dup" already instantiated`)
}

func TestInstantiate_invalidModule(t *testing.T) {
	s := testStore()
	m := &Module{FunctionSection: []Index{0}}
	_, err := s.Instantiate(context.Background(), m, "bad")
	require.ErrorContains(t, err, "invalid module")
}

func TestInstantiate_importResolution(t *testing.T) {
	s := testStore()
	_, err := s.Instantiate(context.Background(), exportedModule(t), "lib")
	require.NoError(t, err)

	importer := func(im *Import) *Module {
		m := &Module{ImportSection: []*Import{im}}
		m.AddSignature(nil, []api.ValueType{api.ValueTypeI32})
		m.AddSignature(nil, []api.ValueType{api.ValueTypeI64})
		return m
	}

	t.Run("function", func(t *testing.T) {
		inst, err := s.Instantiate(context.Background(),
			importer(&Import{Module: "lib", Name: "answer", Type: api.ExternTypeFunc, DescFunc: 0}), "ok")
		require.NoError(t, err)
		require.Len(t, inst.Functions, 1)
		// The imported entry is the exporter's instance, not a copy.
		require.Same(t, s.Module("lib").Functions[0], inst.Functions[0])
	})
	t.Run("unknown module", func(t *testing.T) {
		_, err := s.Instantiate(context.Background(),
			importer(&Import{Module: "ghost", Name: "answer", Type: api.ExternTypeFunc}), "e1")
		require.ErrorContains(t, err, "module not instantiated")
	})
	t.Run("unknown export", func(t *testing.T) {
		_, err := s.Instantiate(context.Background(),
			importer(&Import{Module: "lib", Name: "question", Type: api.ExternTypeFunc}), "e2")
		require.ErrorContains(t, err, "not exported")
	})
	t.Run("kind mismatch", func(t *testing.T) {
		_, err := s.Instantiate(context.Background(),
			importer(&Import{Module: "lib", Name: "mem", Type: api.ExternTypeFunc}), "e3")
		require.ErrorContains(t, err, "is a memory, not a func")
	})
	t.Run("signature mismatch", func(t *testing.T) {
		_, err := s.Instantiate(context.Background(),
			importer(&Import{Module: "lib", Name: "answer", Type: api.ExternTypeFunc, DescFunc: 1}), "e4")
		require.ErrorContains(t, err, "signature mismatch")
	})
	t.Run("global type mismatch", func(t *testing.T) {
		_, err := s.Instantiate(context.Background(), &Module{ImportSection: []*Import{{
			Module: "lib", Name: "g", Type: api.ExternTypeGlobal,
			DescGlobal: &GlobalType{ValType: api.ValueTypeI32, Mutable: false},
		}}}, "e5")
		require.ErrorContains(t, err, "global type mismatch")
	})
	t.Run("memory too small", func(t *testing.T) {
		_, err := s.Instantiate(context.Background(), &Module{ImportSection: []*Import{{
			Module: "lib", Name: "mem", Type: api.ExternTypeMemory,
			DescMem: &Memory{Min: 8},
		}}}, "e6")
		require.ErrorContains(t, err, "smaller than required")
	})
	t.Run("table too small", func(t *testing.T) {
		_, err := s.Instantiate(context.Background(), &Module{ImportSection: []*Import{{
			Module: "lib", Name: "tbl", Type: api.ExternTypeTable,
			DescTable: &Table{Min: 16, ElemType: RefFuncType},
		}}}, "e7")
		require.ErrorContains(t, err, "smaller than required")
	})
}

func TestInstantiate_importedGlobalAliasesExporter(t *testing.T) {
	s := testStore()
	lib, err := s.Instantiate(context.Background(), exportedModule(t), "lib")
	require.NoError(t, err)

	inst, err := s.Instantiate(context.Background(), &Module{ImportSection: []*Import{{
		Module: "lib", Name: "g", Type: api.ExternTypeGlobal,
		DescGlobal: &GlobalType{ValType: api.ValueTypeI32, Mutable: true},
	}}}, "user")
	require.NoError(t, err)

	require.NoError(t, lib.ExportedGlobal("g").SetU32(7))
	require.Equal(t, uint64(7), inst.Globals[0].Value())
}

func TestInstantiate_activeSegmentFailureIsAtomic(t *testing.T) {
	s := testStore()
	lib, err := s.Instantiate(context.Background(), exportedModule(t), "lib")
	require.NoError(t, err)

	// The first segment is in bounds, the second is not; neither may be
	// applied to the imported memory.
	m := &Module{
		ImportSection: []*Import{{
			Module: "lib", Name: "mem", Type: api.ExternTypeMemory,
			DescMem: &Memory{Min: 1},
		}},
		DataSection: []*DataSegment{
			{OffsetExpr: &ConstantExpression{Opcode: OpcodeI32Const, Data: []byte{0}}, Init: []byte{0xff}},
			{OffsetExpr: &ConstantExpression{Opcode: OpcodeI32Const, Data: []byte{0x7f}}, Init: []byte{0xff, 0xff}}, // offset -1
		},
	}
	_, err = s.Instantiate(context.Background(), m, "bad")
	require.ErrorContains(t, err, "out of bounds memory access")
	require.Nil(t, s.Module("bad"))
	require.Equal(t, byte(0), lib.ExportedMemory("mem").Buffer[0])
}

func TestInstantiate_startMustBeNullary(t *testing.T) {
	s := testStore()
	m := &Module{}
	ti := m.AddSignature([]api.ValueType{api.ValueTypeI32}, nil)
	idx, err := m.AddFunction(ti, nil, []byte{OpcodeEnd})
	require.NoError(t, err)
	m.StartSection = &idx
	_, err = s.Instantiate(context.Background(), m, "bad")
	require.ErrorContains(t, err, "must have no parameters or results")
	require.Nil(t, s.Module("bad"))
}

func TestFunctionTypeIDs_canonicalAcrossModules(t *testing.T) {
	s := testStore()
	a := s.getFunctionTypeID(&FunctionType{Params: []api.ValueType{api.ValueTypeI32}})
	b := s.getFunctionTypeID(&FunctionType{Params: []api.ValueType{api.ValueTypeI32}})
	c := s.getFunctionTypeID(&FunctionType{Params: []api.ValueType{api.ValueTypeI64}})
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestEvalConstExpression(t *testing.T) {
	globals := []*GlobalInstance{{Type: &GlobalType{ValType: api.ValueTypeI64}, Val: 99}}
	tests := []struct {
		name     string
		expr     *ConstantExpression
		want     uint64
		wantType api.ValueType
	}{
		{
			name:     "i32 negative is zero extended",
			expr:     &ConstantExpression{Opcode: OpcodeI32Const, Data: []byte{0x7f}},
			want:     0xffffffff,
			wantType: api.ValueTypeI32,
		},
		{
			name:     "i64",
			expr:     &ConstantExpression{Opcode: OpcodeI64Const, Data: []byte{0x2a}},
			want:     42,
			wantType: api.ValueTypeI64,
		},
		{
			name:     "f32 bits",
			expr:     &ConstantExpression{Opcode: OpcodeF32Const, Data: []byte{0x00, 0x00, 0x80, 0x3f}},
			want:     uint64(api.EncodeF32(1.0)),
			wantType: api.ValueTypeF32,
		},
		{
			name:     "f64 bits",
			expr:     &ConstantExpression{Opcode: OpcodeF64Const, Data: []byte{0, 0, 0, 0, 0, 0, 0xf0, 0x3f}},
			want:     api.EncodeF64(1.0),
			wantType: api.ValueTypeF64,
		},
		{
			name:     "global get",
			expr:     &ConstantExpression{Opcode: OpcodeGlobalGet, Data: []byte{0}},
			want:     99,
			wantType: api.ValueTypeI64,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, vt, err := evalConstExpression(globals, tc.expr)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.wantType, vt)
		})
	}

	_, _, err := evalConstExpression(globals, &ConstantExpression{Opcode: OpcodeGlobalGet, Data: []byte{9}})
	require.ErrorContains(t, err, "out of range")
	_, _, err = evalConstExpression(globals, &ConstantExpression{Opcode: OpcodeNop})
	require.ErrorContains(t, err, "invalid opcode")
}

func TestNewHostModule(t *testing.T) {
	s := testStore()
	inst, err := s.NewHostModule("env", map[string]*HostFunc{
		"log": {
			Params: []api.ValueType{api.ValueTypeI32},
			Fn:     func(context.Context, *ModuleInstance, []uint64) {},
		},
		"abort": {
			Fn: func(context.Context, *ModuleInstance, []uint64) {},
		},
	})
	require.NoError(t, err)

	// Indexes follow name order, so the layout is deterministic.
	require.Equal(t, "abort", inst.Functions[0].Name)
	require.Equal(t, "log", inst.Functions[1].Name)
	require.True(t, inst.Functions[0].IsHostFunction())
	require.Same(t, inst, s.Module("env"))

	fn, err := inst.ExportedFunction("log")
	require.NoError(t, err)
	results, err := fn.Call(context.Background(), api.EncodeI32(1))
	require.NoError(t, err)
	require.Empty(t, results)

	_, err = s.NewHostModule("env", nil)
	require.ErrorContains(t, err, "already instantiated")
	_, err = s.NewHostModule("env2", map[string]*HostFunc{"nil": {}})
	require.ErrorContains(t, err, "no implementation")
}

func TestWrapCode(t *testing.T) {
	s := testStore()
	inst, err := s.Instantiate(context.Background(), exportedModule(t), "lib")
	require.NoError(t, err)
	fn, err := inst.WrapCode(0)
	require.NoError(t, err)
	require.Equal(t, []api.ValueType{api.ValueTypeI32}, fn.Type().Results)
	_, err = inst.WrapCode(9)
	require.ErrorContains(t, err, "out of range")
}

func TestModuleInstance_Close(t *testing.T) {
	s := testStore()
	inst, err := s.Instantiate(context.Background(), exportedModule(t), "lib")
	require.NoError(t, err)
	require.NoError(t, inst.Close(s))
	require.Nil(t, s.Module("lib"))
	require.True(t, inst.Engine.(*mockModuleEngine).closed)

	// The name becomes reusable.
	_, err = s.Instantiate(context.Background(), exportedModule(t), "lib")
	require.NoError(t, err)
}
