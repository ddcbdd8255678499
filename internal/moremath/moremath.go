// Package moremath implements floating point helpers whose semantics differ
// from the Go standard library in ways the guest instruction set requires.
package moremath

import "math"

// WasmCompatMin is the double-precision "min" required by the guest: a NaN
// in either operand results in NaN even if the other is -Inf, and -0 orders
// below +0.
func WasmCompatMin(x, y float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return math.NaN()
	case math.IsInf(x, -1) || math.IsInf(y, -1):
		return math.Inf(-1)
	case x == 0 && x == y:
		if math.Signbit(x) {
			return x
		}
		return y
	}
	if x < y {
		return x
	}
	return y
}

// WasmCompatMax is the double-precision "max" counterpart of WasmCompatMin.
func WasmCompatMax(x, y float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return math.NaN()
	case math.IsInf(x, 1) || math.IsInf(y, 1):
		return math.Inf(1)
	case x == 0 && x == y:
		if math.Signbit(x) {
			return y
		}
		return x
	}
	if x > y {
		return x
	}
	return y
}

// WasmCompatMin32 is WasmCompatMin over float32 operands. Computing through
// float64 is exact for min/max so no double rounding occurs.
func WasmCompatMin32(x, y float32) float32 {
	return float32(WasmCompatMin(float64(x), float64(y)))
}

// WasmCompatMax32 is WasmCompatMax over float32 operands.
func WasmCompatMax32(x, y float32) float32 {
	return float32(WasmCompatMax(float64(x), float64(y)))
}

// WasmCompatNearestF32 rounds to the nearest integer, ties to even, as the
// "nearest" instruction requires. math.Round ties away from zero and cannot
// be used.
func WasmCompatNearestF32(f float32) float32 {
	return float32(WasmCompatNearestF64(float64(f)))
}

// WasmCompatNearestF64 rounds to the nearest integer, ties to even.
func WasmCompatNearestF64(f float64) float64 {
	if f != 0 {
		ceil := math.Ceil(f)
		floor := math.Floor(f)
		distToCeil := math.Abs(f - ceil)
		distToFloor := math.Abs(f - floor)
		if distToCeil < distToFloor {
			f = ceil
		} else if distToCeil == distToFloor && int64(ceil)%2 == 0 {
			f = ceil
		} else {
			f = floor
		}
	}
	return f
}

// CanonicalNaNBitsF32 is the payload every tier produces for a generated
// 32-bit NaN; arithmetic NaNs with other payloads are possible and flagged
// as nondeterministic rather than normalized.
const CanonicalNaNBitsF32 = uint32(0x7fc00000)

// CanonicalNaNBitsF64 is the 64-bit counterpart of CanonicalNaNBitsF32.
const CanonicalNaNBitsF64 = uint64(0x7ff8000000000000)

// IsNaNBits32 returns true if the raw bits encode a 32-bit NaN.
func IsNaNBits32(bits uint32) bool {
	return bits&0x7f800000 == 0x7f800000 && bits&0x007fffff != 0
}

// IsNaNBits64 returns true if the raw bits encode a 64-bit NaN.
func IsNaNBits64(bits uint64) bool {
	return bits&0x7ff0000000000000 == 0x7ff0000000000000 && bits&0x000fffffffffffff != 0
}
