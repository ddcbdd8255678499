package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferrovm/ferro/api"
	"github.com/ferrovm/ferro/wasm"
)

func requirePanics(t *testing.T, want error, f func()) {
	t.Helper()
	defer func() {
		require.Equal(t, want, recover())
	}()
	f()
	t.Fatal("expected a trap panic")
}

func TestDivRemHelpers(t *testing.T) {
	require.Equal(t, uint64(0xfffffffd), divS32(-7, 2)) // -3, zero extended
	require.Equal(t, uint64(3), divU32(7, 2))
	require.Equal(t, uint64(0xffffffff), remS32(-7, 2)) // -1
	require.Equal(t, uint64(1), remU32(7, 2))
	require.Equal(t, uint64(math.MaxUint64), divS64(-1, 1))
	require.Equal(t, uint64(1), remU64(7, 2))

	requirePanics(t, wasm.ErrRuntimeIntegerDivideByZero, func() { divS32(1, 0) })
	requirePanics(t, wasm.ErrRuntimeIntegerDivideByZero, func() { remU64(1, 0) })
	requirePanics(t, wasm.ErrRuntimeIntegerOverflow, func() { divS32(math.MinInt32, -1) })
	requirePanics(t, wasm.ErrRuntimeIntegerOverflow, func() { divS64(math.MinInt64, -1) })

	// Remainder of the overflowing quotient is defined as zero.
	require.Equal(t, uint64(0), remS32(math.MinInt32, -1))
	require.Equal(t, uint64(0), remS64(math.MinInt64, -1))
}

func TestTruncFloat(t *testing.T) {
	require.Equal(t, uint64(3), truncFloat(3.9, false, true))
	require.Equal(t, uint64(0xfffffffd), truncFloat(-3.9, false, true))
	require.Equal(t, uint64(3), truncFloat(3.9, false, false))
	// The largest f64 below 2^63 is in range; 2^63 itself is not.
	require.Equal(t, uint64(9223372036854774784), truncFloat(9223372036854774784.0, true, true))
	require.Equal(t, uint64(0x8000000000000000), truncFloat(-9223372036854775808.0, true, true))

	requirePanics(t, wasm.ErrRuntimeInvalidConversionToInteger, func() { truncFloat(math.NaN(), false, true) })
	requirePanics(t, wasm.ErrRuntimeIntegerOverflow, func() { truncFloat(3e9, false, true) })
	requirePanics(t, wasm.ErrRuntimeIntegerOverflow, func() { truncFloat(-1, false, false) })
	requirePanics(t, wasm.ErrRuntimeIntegerOverflow, func() { truncFloat(math.Inf(1), true, false) })
	requirePanics(t, wasm.ErrRuntimeIntegerOverflow, func() { truncFloat(9223372036854775808.0, true, true) })
}

func TestConvertInt(t *testing.T) {
	require.Equal(t, api.EncodeF64(-1), convertInt(0xffffffff, false, true, true))
	require.Equal(t, api.EncodeF64(float64(math.MaxUint32)), convertInt(0xffffffff, false, true, false))
	require.Equal(t, api.EncodeF32(-1), convertInt(math.MaxUint64, true, false, true))

	// u64 converts directly to f32, not through f64.
	v := uint64(0xffffff7fffffffff)
	require.Equal(t, api.EncodeF32(float32(v)), convertInt(v, true, false, false))
}

func TestSignExtend(t *testing.T) {
	require.Equal(t, uint64(0xffffff80), signExtend(0x80, 8, true, false))
	require.Equal(t, uint64(0x80), signExtend(0x80, 8, false, false))
	require.Equal(t, uint64(0xffffffffffff8000), signExtend(0x8000, 16, true, true))
	require.Equal(t, uint64(0xffffffff80000000), signExtend(0x80000000, 32, true, true))
	require.Equal(t, uint64(0x80000000), signExtend(0x80000000, 32, false, true))
}

func TestCallState_noteNaN(t *testing.T) {
	st := &callState{}
	require.Equal(t, uint64(0x3f800000), st.noteNaN32(0x3f800000))
	require.False(t, st.nanSeen)
	require.Equal(t, uint64(0x7fc00000), st.noteNaN32(0x7fa00000))
	require.True(t, st.nanSeen)

	st = &callState{}
	// Infinity is not a NaN.
	require.Equal(t, uint64(0x7ff0000000000000), st.noteNaN64(0x7ff0000000000000))
	require.False(t, st.nanSeen)
	require.Equal(t, uint64(0x7ff8000000000000), st.noteNaN64(0xfff0000000000001))
	require.True(t, st.nanSeen)
}
