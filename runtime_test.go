package ferro

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferrovm/ferro/api"
	"github.com/ferrovm/ferro/wasm"
)

func doubleModule(t *testing.T) *wasm.Module {
	t.Helper()
	m := &wasm.Module{}
	ti := m.AddSignature([]api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32})
	idx, err := m.AddFunction(ti, nil, []byte{
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeI32Add,
		wasm.OpcodeEnd,
	})
	require.NoError(t, err)
	m.ExportSection = map[string]*wasm.Export{
		"double": {Name: "double", Type: api.ExternTypeFunc, Index: idx},
	}
	return m
}

func TestRuntime_instantiateAndCall(t *testing.T) {
	rt, err := NewRuntime(nil)
	require.NoError(t, err)

	inst, err := rt.Instantiate(context.Background(), doubleModule(t), "main")
	require.NoError(t, err)
	require.Same(t, inst, rt.Module("main"))

	fn, err := inst.ExportedFunction("double")
	require.NoError(t, err)
	results, err := fn.Call(context.Background(), api.EncodeI32(21))
	require.NoError(t, err)
	require.Equal(t, int32(42), api.DecodeI32(results[0]))
}

func TestRuntime_instantiateFromBytes(t *testing.T) {
	rt, err := NewRuntime(&Config{DefaultTier: "baseline"})
	require.NoError(t, err)

	data, err := wasm.EncodeModule(doubleModule(t))
	require.NoError(t, err)
	inst, err := rt.InstantiateFromBytes(context.Background(), data, "main")
	require.NoError(t, err)

	fn, err := inst.ExportedFunction("double")
	require.NoError(t, err)
	results, err := fn.Call(context.Background(), api.EncodeI32(4))
	require.NoError(t, err)
	require.Equal(t, int32(8), api.DecodeI32(results[0]))

	_, err = rt.InstantiateFromBytes(context.Background(), []byte{0x01}, "bad")
	require.Error(t, err)
}

func TestRuntime_hostModule(t *testing.T) {
	rt, err := NewRuntime(nil)
	require.NoError(t, err)

	_, err = rt.InstantiateHost("env", map[string]*wasm.HostFunc{
		"answer": {
			Results: []api.ValueType{api.ValueTypeI32},
			Fn: func(_ context.Context, _ *wasm.ModuleInstance, stack []uint64) {
				stack[0] = api.EncodeI32(42)
			},
		},
	})
	require.NoError(t, err)

	m := &wasm.Module{}
	ti := m.AddSignature(nil, []api.ValueType{api.ValueTypeI32})
	m.ImportSection = []*wasm.Import{{Module: "env", Name: "answer", Type: api.ExternTypeFunc, DescFunc: ti}}
	idx, err := m.AddFunction(ti, nil, []byte{wasm.OpcodeCall, 0, wasm.OpcodeEnd})
	require.NoError(t, err)
	m.ExportSection = map[string]*wasm.Export{"ask": {Name: "ask", Type: api.ExternTypeFunc, Index: idx}}

	inst, err := rt.Instantiate(context.Background(), m, "main")
	require.NoError(t, err)
	fn, err := inst.ExportedFunction("ask")
	require.NoError(t, err)
	results, err := fn.Call(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(42), api.DecodeI32(results[0]))
}

func TestNewRuntime_rejectsBadTier(t *testing.T) {
	_, err := NewRuntime(&Config{DefaultTier: "native"})
	require.Error(t, err)
}
