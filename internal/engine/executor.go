package engine

import (
	"context"
	"math"
	"math/bits"

	"github.com/ferrovm/ferro/api"
	"github.com/ferrovm/ferro/internal/ir"
	"github.com/ferrovm/ferro/internal/moremath"
	"github.com/ferrovm/ferro/wasm"
)

// applyDropKeep removes drop operands from beneath the top keep operands,
// the stack adjustment of a resolved branch.
func applyDropKeep(stack []uint64, dk uint64) []uint64 {
	drop, keep := ir.DropKeep(dk)
	if drop == 0 {
		return stack
	}
	n := uint64(len(stack))
	copy(stack[n-keep-drop:], stack[n-keep:])
	return stack[:n-drop]
}

// execute runs lowered code: the shared executor of the baseline and
// optimizing tiers. Branch targets are absolute, so the loop needs no
// control bookkeeping beyond pc.
func (me *moduleEngine) execute(ctx context.Context, st *callState, fn *ir.Function, args []uint64) []uint64 {
	mod := me.instance
	mem := mod.Memory

	locals := make([]uint64, fn.NumParams+fn.NumLocals)
	copy(locals, args)
	stack := make([]uint64, 0, fn.MaxStackHeight)
	instrs := fn.Instrs

	pop := func() uint64 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}

	for pc := 0; ; pc++ {
		in := &instrs[pc]
		switch in.Op {
		case ir.OpUnreachable:
			panic(wasm.ErrRuntimeUnreachable)
		case ir.OpNop:
		case ir.OpBr:
			stack = applyDropKeep(stack, in.U2)
			pc = int(in.U1) - 1
		case ir.OpBrIf:
			if pop() != 0 {
				stack = applyDropKeep(stack, in.U2)
				pc = int(in.U1) - 1
			}
		case ir.OpBrIfZ:
			if pop() == 0 {
				stack = applyDropKeep(stack, in.U2)
				pc = int(in.U1) - 1
			}
		case ir.OpBrTable:
			idx := pop()
			t := in.Targets[len(in.Targets)-1]
			if idx < uint64(len(in.Targets)-1) {
				t = in.Targets[idx]
			}
			stack = applyDropKeep(stack, t.DropKeep)
			pc = int(t.PC) - 1
		case ir.OpReturn:
			return stack[uint64(len(stack))-uint64(fn.NumResults):]
		case ir.OpCall:
			target := mod.Functions[in.U1]
			np := len(target.Type.Params)
			callArgs := stack[len(stack)-np:]
			res := invoke(ctx, st, target, callArgs)
			stack = append(stack[:len(stack)-np], res...)
		case ir.OpCallIndirect:
			expected := mod.TypeIDs[in.U1]
			idx := pop()
			ref, ok := mod.Table.Lookup(uint32(idx))
			if !ok || ref.IsNull() {
				panic(wasm.ErrRuntimeInvalidTableAccess)
			}
			if ref.TypeID != expected {
				panic(wasm.ErrRuntimeIndirectCallTypeMismatch)
			}
			target := ref.Function
			np := len(target.Type.Params)
			callArgs := stack[len(stack)-np:]
			res := invoke(ctx, st, target, callArgs)
			stack = append(stack[:len(stack)-np], res...)
		case ir.OpDrop:
			stack = stack[:len(stack)-1]
		case ir.OpSelect:
			c := pop()
			v2 := pop()
			if c == 0 {
				stack[len(stack)-1] = v2
			}
		case ir.OpLocalGet:
			stack = append(stack, locals[in.U1])
		case ir.OpLocalSet:
			locals[in.U1] = pop()
		case ir.OpLocalTee:
			locals[in.U1] = stack[len(stack)-1]
		case ir.OpGlobalGet:
			stack = append(stack, mod.Globals[in.U1].Val)
		case ir.OpGlobalSet:
			mod.Globals[in.U1].Val = pop()
		case ir.OpConst:
			stack = append(stack, in.U1)
		case ir.OpLoad:
			stack[len(stack)-1] = loadValue(mem, stack[len(stack)-1], in.U1, in.U2)
		case ir.OpStore:
			v := pop()
			base := pop()
			storeValue(mem, base, in.U1, in.U2, v)
		case ir.OpMemorySize:
			stack = append(stack, uint64(mem.Pages()))
		case ir.OpMemoryGrow:
			stack[len(stack)-1] = memoryGrow(mem, stack[len(stack)-1])
		case ir.OpMemoryInit:
			count := pop()
			src := pop()
			dest := pop()
			if !mod.DataInstances[in.U1].CopyInto(mem, dest, src, count) {
				panic(wasm.ErrRuntimeInvalidSegmentAccess)
			}
		case ir.OpDataDrop:
			mod.DataInstances[in.U1].Drop()
		case ir.OpMemoryCopy:
			count := pop()
			src := pop()
			dest := pop()
			if !mem.Copy(dest, src, count) {
				panic(wasm.ErrRuntimeOutOfBoundsMemoryAccess)
			}
		case ir.OpMemoryFill:
			count := pop()
			v := pop()
			dest := pop()
			if !mem.Fill(dest, byte(v), count) {
				panic(wasm.ErrRuntimeOutOfBoundsMemoryAccess)
			}
		case ir.OpTableInit:
			count := pop()
			src := pop()
			dest := pop()
			if !mod.ElementInstances[in.U1].CopyInto(mod.Table, dest, src, count) {
				panic(wasm.ErrRuntimeInvalidSegmentAccess)
			}
		case ir.OpElemDrop:
			mod.ElementInstances[in.U1].Drop()

		case ir.OpAdd:
			b := pop()
			a := stack[len(stack)-1]
			switch in.U1 {
			case ir.TypeI32:
				stack[len(stack)-1] = uint64(uint32(a) + uint32(b))
			case ir.TypeI64:
				stack[len(stack)-1] = a + b
			case ir.TypeF32:
				stack[len(stack)-1] = st.noteNaN32(uint64(math.Float32bits(api.DecodeF32(a) + api.DecodeF32(b))))
			default:
				stack[len(stack)-1] = st.noteNaN64(math.Float64bits(api.DecodeF64(a) + api.DecodeF64(b)))
			}
		case ir.OpSub:
			b := pop()
			a := stack[len(stack)-1]
			switch in.U1 {
			case ir.TypeI32:
				stack[len(stack)-1] = uint64(uint32(a) - uint32(b))
			case ir.TypeI64:
				stack[len(stack)-1] = a - b
			case ir.TypeF32:
				stack[len(stack)-1] = st.noteNaN32(uint64(math.Float32bits(api.DecodeF32(a) - api.DecodeF32(b))))
			default:
				stack[len(stack)-1] = st.noteNaN64(math.Float64bits(api.DecodeF64(a) - api.DecodeF64(b)))
			}
		case ir.OpMul:
			b := pop()
			a := stack[len(stack)-1]
			switch in.U1 {
			case ir.TypeI32:
				stack[len(stack)-1] = uint64(uint32(a) * uint32(b))
			case ir.TypeI64:
				stack[len(stack)-1] = a * b
			case ir.TypeF32:
				stack[len(stack)-1] = st.noteNaN32(uint64(math.Float32bits(api.DecodeF32(a) * api.DecodeF32(b))))
			default:
				stack[len(stack)-1] = st.noteNaN64(math.Float64bits(api.DecodeF64(a) * api.DecodeF64(b)))
			}
		case ir.OpDivS:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = divS64(int64(a), int64(b))
			} else {
				stack[len(stack)-1] = divS32(int32(a), int32(b))
			}
		case ir.OpDivU:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = divU64(a, b)
			} else {
				stack[len(stack)-1] = divU32(uint32(a), uint32(b))
			}
		case ir.OpRemS:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = remS64(int64(a), int64(b))
			} else {
				stack[len(stack)-1] = remS32(int32(a), int32(b))
			}
		case ir.OpRemU:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = remU64(a, b)
			} else {
				stack[len(stack)-1] = remU32(uint32(a), uint32(b))
			}
		case ir.OpAnd:
			b := pop()
			stack[len(stack)-1] &= b
		case ir.OpOr:
			b := pop()
			stack[len(stack)-1] |= b
		case ir.OpXor:
			b := pop()
			stack[len(stack)-1] ^= b
		case ir.OpShl:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = a << (b & 63)
			} else {
				stack[len(stack)-1] = uint64(uint32(a) << (b & 31))
			}
		case ir.OpShrS:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = uint64(int64(a) >> (b & 63))
			} else {
				stack[len(stack)-1] = uint64(uint32(int32(a) >> (b & 31)))
			}
		case ir.OpShrU:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = a >> (b & 63)
			} else {
				stack[len(stack)-1] = uint64(uint32(a) >> (b & 31))
			}
		case ir.OpRotl:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = bits.RotateLeft64(a, int(b&63))
			} else {
				stack[len(stack)-1] = uint64(bits.RotateLeft32(uint32(a), int(b&31)))
			}
		case ir.OpRotr:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = bits.RotateLeft64(a, -int(b&63))
			} else {
				stack[len(stack)-1] = uint64(bits.RotateLeft32(uint32(a), -int(b&31)))
			}
		case ir.OpClz:
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = uint64(bits.LeadingZeros64(a))
			} else {
				stack[len(stack)-1] = uint64(bits.LeadingZeros32(uint32(a)))
			}
		case ir.OpCtz:
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = uint64(bits.TrailingZeros64(a))
			} else {
				stack[len(stack)-1] = uint64(bits.TrailingZeros32(uint32(a)))
			}
		case ir.OpPopcnt:
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = uint64(bits.OnesCount64(a))
			} else {
				stack[len(stack)-1] = uint64(bits.OnesCount32(uint32(a)))
			}

		case ir.OpEqz:
			stack[len(stack)-1] = b2u(stack[len(stack)-1] == 0)
		case ir.OpEq:
			b := pop()
			a := stack[len(stack)-1]
			switch in.U1 {
			case ir.TypeF32:
				stack[len(stack)-1] = b2u(api.DecodeF32(a) == api.DecodeF32(b))
			case ir.TypeF64:
				stack[len(stack)-1] = b2u(api.DecodeF64(a) == api.DecodeF64(b))
			default:
				stack[len(stack)-1] = b2u(a == b)
			}
		case ir.OpNe:
			b := pop()
			a := stack[len(stack)-1]
			switch in.U1 {
			case ir.TypeF32:
				stack[len(stack)-1] = b2u(api.DecodeF32(a) != api.DecodeF32(b))
			case ir.TypeF64:
				stack[len(stack)-1] = b2u(api.DecodeF64(a) != api.DecodeF64(b))
			default:
				stack[len(stack)-1] = b2u(a != b)
			}
		case ir.OpLtS:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = b2u(int64(a) < int64(b))
			} else {
				stack[len(stack)-1] = b2u(int32(a) < int32(b))
			}
		case ir.OpLtU:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = b2u(a < b)
			} else {
				stack[len(stack)-1] = b2u(uint32(a) < uint32(b))
			}
		case ir.OpGtS:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = b2u(int64(a) > int64(b))
			} else {
				stack[len(stack)-1] = b2u(int32(a) > int32(b))
			}
		case ir.OpGtU:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = b2u(a > b)
			} else {
				stack[len(stack)-1] = b2u(uint32(a) > uint32(b))
			}
		case ir.OpLeS:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = b2u(int64(a) <= int64(b))
			} else {
				stack[len(stack)-1] = b2u(int32(a) <= int32(b))
			}
		case ir.OpLeU:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = b2u(a <= b)
			} else {
				stack[len(stack)-1] = b2u(uint32(a) <= uint32(b))
			}
		case ir.OpGeS:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = b2u(int64(a) >= int64(b))
			} else {
				stack[len(stack)-1] = b2u(int32(a) >= int32(b))
			}
		case ir.OpGeU:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = b2u(a >= b)
			} else {
				stack[len(stack)-1] = b2u(uint32(a) >= uint32(b))
			}

		case ir.OpFDiv:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = st.noteNaN64(math.Float64bits(api.DecodeF64(a) / api.DecodeF64(b)))
			} else {
				stack[len(stack)-1] = st.noteNaN32(uint64(math.Float32bits(api.DecodeF32(a) / api.DecodeF32(b))))
			}
		case ir.OpAbs:
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = a &^ (1 << 63)
			} else {
				stack[len(stack)-1] = a &^ (1 << 31)
			}
		case ir.OpNeg:
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = a ^ (1 << 63)
			} else {
				stack[len(stack)-1] = a ^ (1 << 31)
			}
		case ir.OpCeil:
			stack[len(stack)-1] = floatUnary(st, stack[len(stack)-1], in.U1 == 1, math.Ceil)
		case ir.OpFloor:
			stack[len(stack)-1] = floatUnary(st, stack[len(stack)-1], in.U1 == 1, math.Floor)
		case ir.OpTruncOp:
			stack[len(stack)-1] = floatUnary(st, stack[len(stack)-1], in.U1 == 1, math.Trunc)
		case ir.OpNearest:
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = st.noteNaN64(math.Float64bits(moremath.WasmCompatNearestF64(api.DecodeF64(a))))
			} else {
				stack[len(stack)-1] = st.noteNaN32(uint64(math.Float32bits(moremath.WasmCompatNearestF32(api.DecodeF32(a)))))
			}
		case ir.OpSqrt:
			stack[len(stack)-1] = floatUnary(st, stack[len(stack)-1], in.U1 == 1, math.Sqrt)
		case ir.OpMin:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = st.noteNaN64(math.Float64bits(moremath.WasmCompatMin(api.DecodeF64(a), api.DecodeF64(b))))
			} else {
				stack[len(stack)-1] = st.noteNaN32(uint64(math.Float32bits(moremath.WasmCompatMin32(api.DecodeF32(a), api.DecodeF32(b)))))
			}
		case ir.OpMax:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = st.noteNaN64(math.Float64bits(moremath.WasmCompatMax(api.DecodeF64(a), api.DecodeF64(b))))
			} else {
				stack[len(stack)-1] = st.noteNaN32(uint64(math.Float32bits(moremath.WasmCompatMax32(api.DecodeF32(a), api.DecodeF32(b)))))
			}
		case ir.OpCopysign:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = a&^(1<<63) | b&(1<<63)
			} else {
				stack[len(stack)-1] = a&^(1<<31) | b&(1<<31)
			}

		case ir.OpFLt:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = b2u(api.DecodeF64(a) < api.DecodeF64(b))
			} else {
				stack[len(stack)-1] = b2u(api.DecodeF32(a) < api.DecodeF32(b))
			}
		case ir.OpFGt:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = b2u(api.DecodeF64(a) > api.DecodeF64(b))
			} else {
				stack[len(stack)-1] = b2u(api.DecodeF32(a) > api.DecodeF32(b))
			}
		case ir.OpFLe:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = b2u(api.DecodeF64(a) <= api.DecodeF64(b))
			} else {
				stack[len(stack)-1] = b2u(api.DecodeF32(a) <= api.DecodeF32(b))
			}
		case ir.OpFGe:
			b := pop()
			a := stack[len(stack)-1]
			if in.U1 == 1 {
				stack[len(stack)-1] = b2u(api.DecodeF64(a) >= api.DecodeF64(b))
			} else {
				stack[len(stack)-1] = b2u(api.DecodeF32(a) >= api.DecodeF32(b))
			}

		case ir.OpI32WrapI64:
			stack[len(stack)-1] &= 0xffffffff
		case ir.OpITruncF:
			src64, dst64, signed := ir.UnpackTrunc(in.U1)
			v := stack[len(stack)-1]
			var f float64
			if src64 {
				f = api.DecodeF64(v)
			} else {
				f = float64(api.DecodeF32(v))
			}
			stack[len(stack)-1] = truncFloat(f, dst64, signed)
		case ir.OpFConvertI:
			src64, dst64, signed := ir.UnpackConvert(in.U1)
			stack[len(stack)-1] = convertInt(stack[len(stack)-1], src64, dst64, signed)
		case ir.OpF32DemoteF64:
			stack[len(stack)-1] = st.noteNaN32(uint64(math.Float32bits(float32(api.DecodeF64(stack[len(stack)-1])))))
		case ir.OpF64PromoteF32:
			stack[len(stack)-1] = st.noteNaN64(math.Float64bits(float64(api.DecodeF32(stack[len(stack)-1]))))
		case ir.OpExtend:
			fromBits, signed, to64 := ir.UnpackExtend(in.U1)
			stack[len(stack)-1] = signExtend(stack[len(stack)-1], fromBits, signed, to64)
		}
	}
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// floatUnary applies op at the operand's width, canonicalizing NaN.
func floatUnary(st *callState, v uint64, is64 bool, op func(float64) float64) uint64 {
	if is64 {
		return st.noteNaN64(math.Float64bits(op(api.DecodeF64(v))))
	}
	f := api.DecodeF32(v)
	return st.noteNaN32(uint64(math.Float32bits(float32(op(float64(f))))))
}

// loadValue performs a bounds-checked load of the packed access shape,
// extending to the destination width.
func loadValue(mem *wasm.MemoryInstance, base, offset, packed uint64) uint64 {
	numBytes, signed, to64 := ir.UnpackLoad(packed)
	addr, ok := mem.EffectiveAddress(base, offset)
	if !ok {
		panic(wasm.ErrRuntimeOutOfBoundsMemoryAccess)
	}
	var v uint64
	switch numBytes {
	case 1:
		b, k := mem.ReadByte(addr)
		v, ok = uint64(b), k
	case 2:
		h, k := mem.ReadUint16Le(addr)
		v, ok = uint64(h), k
	case 4:
		w, k := mem.ReadUint32Le(addr)
		v, ok = uint64(w), k
	default:
		v, ok = mem.ReadUint64Le(addr)
	}
	if !ok {
		panic(wasm.ErrRuntimeOutOfBoundsMemoryAccess)
	}
	if signed {
		v = signExtend(v, numBytes*8, true, to64)
	}
	return v
}

// storeValue performs a bounds-checked store of the low numBytes of v.
func storeValue(mem *wasm.MemoryInstance, base, offset, numBytes, v uint64) {
	addr, ok := mem.EffectiveAddress(base, offset)
	if !ok {
		panic(wasm.ErrRuntimeOutOfBoundsMemoryAccess)
	}
	switch numBytes {
	case 1:
		ok = mem.WriteByte(addr, byte(v))
	case 2:
		ok = mem.WriteUint16Le(addr, uint16(v))
	case 4:
		ok = mem.WriteUint32Le(addr, uint32(v))
	default:
		ok = mem.WriteUint64Le(addr, v)
	}
	if !ok {
		panic(wasm.ErrRuntimeOutOfBoundsMemoryAccess)
	}
}

// memoryGrow implements the grow operator, returning the previous page
// count or the address-width -1 on failure.
func memoryGrow(mem *wasm.MemoryInstance, delta uint64) uint64 {
	fail := uint64(0xffffffff)
	if mem.IsMemory64 {
		fail = math.MaxUint64
	}
	if delta > math.MaxUint32 {
		return fail
	}
	prev, ok := mem.Grow(uint32(delta))
	if !ok {
		return fail
	}
	return uint64(prev)
}
