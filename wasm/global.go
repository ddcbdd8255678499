package wasm

import (
	"fmt"

	"github.com/ferrovm/ferro/api"
)

// GlobalInstance is one mutable (or immutable) global in an instance.
// Val holds a 64-bit representation of the actual value; narrower types
// occupy the low bits.
type GlobalInstance struct {
	Type *GlobalType
	Val  uint64
}

// Value returns the raw 64-bit representation.
func (g *GlobalInstance) Value() uint64 { return g.Val }

// Set replaces the value, rejecting writes to immutable globals. Width
// checking is the caller's concern when using the raw representation; the
// typed setters below enforce it.
func (g *GlobalInstance) Set(v uint64) error {
	if !g.Type.Mutable {
		return fmt.Errorf("global is immutable")
	}
	g.Val = v
	return nil
}

// U32 reads the global as a 32-bit integer, erring when the declared width
// differs.
func (g *GlobalInstance) U32() (uint32, error) {
	if g.Type.ValType != api.ValueTypeI32 {
		return 0, g.widthError(api.ValueTypeI32)
	}
	return uint32(g.Val), nil
}

// SetU32 writes a 32-bit integer, enforcing the declared width.
func (g *GlobalInstance) SetU32(v uint32) error {
	if g.Type.ValType != api.ValueTypeI32 {
		return g.widthError(api.ValueTypeI32)
	}
	return g.Set(uint64(v))
}

// U64 reads the global as a 64-bit integer.
func (g *GlobalInstance) U64() (uint64, error) {
	if g.Type.ValType != api.ValueTypeI64 {
		return 0, g.widthError(api.ValueTypeI64)
	}
	return g.Val, nil
}

// SetU64 writes a 64-bit integer, enforcing the declared width.
func (g *GlobalInstance) SetU64(v uint64) error {
	if g.Type.ValType != api.ValueTypeI64 {
		return g.widthError(api.ValueTypeI64)
	}
	return g.Set(v)
}

// F32 reads the global as a 32-bit float.
func (g *GlobalInstance) F32() (float32, error) {
	if g.Type.ValType != api.ValueTypeF32 {
		return 0, g.widthError(api.ValueTypeF32)
	}
	return api.DecodeF32(g.Val), nil
}

// SetF32 writes a 32-bit float, enforcing the declared width.
func (g *GlobalInstance) SetF32(v float32) error {
	if g.Type.ValType != api.ValueTypeF32 {
		return g.widthError(api.ValueTypeF32)
	}
	return g.Set(api.EncodeF32(v))
}

// F64 reads the global as a 64-bit float.
func (g *GlobalInstance) F64() (float64, error) {
	if g.Type.ValType != api.ValueTypeF64 {
		return 0, g.widthError(api.ValueTypeF64)
	}
	return api.DecodeF64(g.Val), nil
}

// SetF64 writes a 64-bit float, enforcing the declared width.
func (g *GlobalInstance) SetF64(v float64) error {
	if g.Type.ValType != api.ValueTypeF64 {
		return g.widthError(api.ValueTypeF64)
	}
	return g.Set(api.EncodeF64(v))
}

func (g *GlobalInstance) widthError(want api.ValueType) error {
	return fmt.Errorf("global is %s, not %s",
		api.ValueTypeName(g.Type.ValType), api.ValueTypeName(want))
}
