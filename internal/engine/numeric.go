package engine

import (
	"math"

	"github.com/ferrovm/ferro/api"
	"github.com/ferrovm/ferro/wasm"
)

// Integer division helpers shared by the interpreter and the lowered-code
// executor. Divisors and overflow are checked here so both tiers trap
// identically.

func divS32(a, b int32) uint64 {
	if b == 0 {
		panic(wasm.ErrRuntimeIntegerDivideByZero)
	}
	if a == math.MinInt32 && b == -1 {
		panic(wasm.ErrRuntimeIntegerOverflow)
	}
	return uint64(uint32(a / b))
}

func divU32(a, b uint32) uint64 {
	if b == 0 {
		panic(wasm.ErrRuntimeIntegerDivideByZero)
	}
	return uint64(a / b)
}

func remS32(a, b int32) uint64 {
	if b == 0 {
		panic(wasm.ErrRuntimeIntegerDivideByZero)
	}
	if a == math.MinInt32 && b == -1 {
		return 0
	}
	return uint64(uint32(a % b))
}

func remU32(a, b uint32) uint64 {
	if b == 0 {
		panic(wasm.ErrRuntimeIntegerDivideByZero)
	}
	return uint64(a % b)
}

func divS64(a, b int64) uint64 {
	if b == 0 {
		panic(wasm.ErrRuntimeIntegerDivideByZero)
	}
	if a == math.MinInt64 && b == -1 {
		panic(wasm.ErrRuntimeIntegerOverflow)
	}
	return uint64(a / b)
}

func divU64(a, b uint64) uint64 {
	if b == 0 {
		panic(wasm.ErrRuntimeIntegerDivideByZero)
	}
	return a / b
}

func remS64(a, b int64) uint64 {
	if b == 0 {
		panic(wasm.ErrRuntimeIntegerDivideByZero)
	}
	if a == math.MinInt64 && b == -1 {
		return 0
	}
	return uint64(a % b)
}

func remU64(a, b uint64) uint64 {
	if b == 0 {
		panic(wasm.ErrRuntimeIntegerDivideByZero)
	}
	return a % b
}

// truncFloat truncates v toward zero into the selected integer type,
// trapping on NaN and on values whose truncation is unrepresentable. v is
// exact for f32 sources since every float32 converts losslessly.
func truncFloat(v float64, dst64, signed bool) uint64 {
	if math.IsNaN(v) {
		panic(wasm.ErrRuntimeInvalidConversionToInteger)
	}
	tr := math.Trunc(v)
	switch {
	case dst64 && signed:
		if tr < -9223372036854775808.0 || tr >= 9223372036854775808.0 {
			panic(wasm.ErrRuntimeIntegerOverflow)
		}
		return uint64(int64(tr))
	case dst64 && !signed:
		if tr < 0 || tr >= 18446744073709551616.0 {
			panic(wasm.ErrRuntimeIntegerOverflow)
		}
		return uint64(tr)
	case signed:
		if tr < -2147483648.0 || tr >= 2147483648.0 {
			panic(wasm.ErrRuntimeIntegerOverflow)
		}
		return uint64(uint32(int32(tr)))
	default:
		if tr < 0 || tr >= 4294967296.0 {
			panic(wasm.ErrRuntimeIntegerOverflow)
		}
		return uint64(uint32(tr))
	}
}

// convertInt converts an integer to a float, rounding directly to the
// destination width so no double rounding occurs for i64 sources.
func convertInt(v uint64, src64, dst64, signed bool) uint64 {
	if dst64 {
		var f float64
		switch {
		case src64 && signed:
			f = float64(int64(v))
		case src64:
			f = float64(v)
		case signed:
			f = float64(int32(v))
		default:
			f = float64(uint32(v))
		}
		return api.EncodeF64(f)
	}
	var f float32
	switch {
	case src64 && signed:
		f = float32(int64(v))
	case src64:
		f = float32(v)
	case signed:
		f = float32(int32(v))
	default:
		f = float32(uint32(v))
	}
	return api.EncodeF32(f)
}

// signExtend widens the low fromBits of v, masking the result back to 32
// bits unless to64.
func signExtend(v, fromBits uint64, signed, to64 bool) uint64 {
	shift := 64 - fromBits
	if signed {
		v = uint64(int64(v<<shift) >> shift)
	} else {
		v = v << shift >> shift
	}
	if !to64 {
		v &= 0xffffffff
	}
	return v
}
