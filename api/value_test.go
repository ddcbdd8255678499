package api

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExternTypeName(t *testing.T) {
	require.Equal(t, "func", ExternTypeName(ExternTypeFunc))
	require.Equal(t, "table", ExternTypeName(ExternTypeTable))
	require.Equal(t, "memory", ExternTypeName(ExternTypeMemory))
	require.Equal(t, "global", ExternTypeName(ExternTypeGlobal))
	require.Equal(t, "0x77", ExternTypeName(0x77))
}

func TestValueTypeName(t *testing.T) {
	require.Equal(t, "i32", ValueTypeName(ValueTypeI32))
	require.Equal(t, "i64", ValueTypeName(ValueTypeI64))
	require.Equal(t, "f32", ValueTypeName(ValueTypeF32))
	require.Equal(t, "f64", ValueTypeName(ValueTypeF64))
	require.Equal(t, "unknown", ValueTypeName(0))
}

func TestValueTypeSize(t *testing.T) {
	require.Equal(t, uint32(4), ValueTypeSize(ValueTypeI32))
	require.Equal(t, uint32(4), ValueTypeSize(ValueTypeF32))
	require.Equal(t, uint32(8), ValueTypeSize(ValueTypeI64))
	require.Equal(t, uint32(8), ValueTypeSize(ValueTypeF64))
}

func TestEncodeDecode(t *testing.T) {
	// Negative i32 values occupy the low 32 bits, zero extended.
	require.Equal(t, uint64(0xffffffff), EncodeI32(-1))
	require.Equal(t, int32(-1), DecodeI32(EncodeI32(-1)))
	require.Equal(t, uint64(math.MaxUint32), EncodeU32(math.MaxUint32))
	require.Equal(t, uint32(math.MaxUint32), DecodeU32(EncodeU32(math.MaxUint32)))
	require.Equal(t, uint64(0xffffffffffffffff), EncodeI64(-1))

	require.Equal(t, uint64(0x3f800000), EncodeF32(1.0))
	require.Equal(t, float32(-1.5), DecodeF32(EncodeF32(-1.5)))
	require.Equal(t, uint64(0x3ff0000000000000), EncodeF64(1.0))
	require.Equal(t, math.Inf(-1), DecodeF64(EncodeF64(math.Inf(-1))))
}
