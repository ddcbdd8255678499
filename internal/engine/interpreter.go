package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/ferrovm/ferro/api"
	"github.com/ferrovm/ferro/internal/ir"
	"github.com/ferrovm/ferro/internal/leb128"
	"github.com/ferrovm/ferro/internal/moremath"
	"github.com/ferrovm/ferro/wasm"
)

// interpBody is the interpreted tier's code object: the raw body bytes
// plus a prescanned table matching each structured block to its else and
// end positions, so branches resolve without forward scans at run time.
type interpBody struct {
	body       []byte
	numParams  int
	numLocals  int
	numResults int
	blocks     map[int]blockMeta
}

type blockMeta struct {
	params, results int
	// bodyStart is the position after the block type immediate.
	bodyStart int
	// elsePos is the else opcode position, or -1.
	elsePos int
	// endPos is the matching end opcode position.
	endPos int
}

func blockSig(m *wasm.Module, bt int64) (params, results int, err error) {
	switch {
	case bt == -64:
		return 0, 0, nil
	case bt < 0:
		return 0, 1, nil
	case int(bt) < len(m.TypeSection):
		t := m.TypeSection[bt]
		return len(t.Params), len(t.Results), nil
	}
	return 0, 0, fmt.Errorf("block type index %d out of range", bt)
}

// newInterpBody prescans the body, pairing blocks with their else and end.
func newInterpBody(m *wasm.Module, f *wasm.FunctionInstance) (*interpBody, error) {
	b := &interpBody{
		body:       f.Body,
		numParams:  len(f.Type.Params),
		numLocals:  len(f.LocalTypes),
		numResults: len(f.Type.Results),
		blocks:     map[int]blockMeta{},
	}
	var open []int
	pos := 0
	for pos < len(f.Body) {
		opPos := pos
		op := f.Body[pos]
		next, err := ir.SkipInstruction(f.Body, pos)
		if err != nil {
			return nil, err
		}
		switch op {
		case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
			bt, _, err := leb128.DecodeInt33AsInt64(f.Body[pos+1:])
			if err != nil {
				return nil, err
			}
			params, results, err := blockSig(m, bt)
			if err != nil {
				return nil, err
			}
			b.blocks[opPos] = blockMeta{params: params, results: results, bodyStart: next, elsePos: -1}
			open = append(open, opPos)
		case wasm.OpcodeElse:
			if len(open) == 0 {
				return nil, fmt.Errorf("unmatched else at %d", opPos)
			}
			meta := b.blocks[open[len(open)-1]]
			meta.elsePos = opPos
			b.blocks[open[len(open)-1]] = meta
		case wasm.OpcodeEnd:
			if len(open) == 0 {
				if next != len(f.Body) {
					return nil, fmt.Errorf("trailing bytes after body end at %d", next)
				}
			} else {
				meta := b.blocks[open[len(open)-1]]
				meta.endPos = opPos
				b.blocks[open[len(open)-1]] = meta
				open = open[:len(open)-1]
			}
		}
		pos = next
	}
	if len(open) != 0 {
		return nil, fmt.Errorf("unclosed block at %d", open[len(open)-1])
	}
	return b, nil
}

type interpFrame struct {
	isLoop          bool
	bodyStart       int
	endPos          int
	base            int
	params, results int
}

// interpret executes raw body bytes directly: the lowest-latency tier,
// trading per-instruction decode cost for zero compilation work.
func (me *moduleEngine) interpret(ctx context.Context, st *callState, b *interpBody, args []uint64) []uint64 {
	mod := me.instance
	mem := mod.Memory
	body := b.body

	locals := make([]uint64, b.numParams+b.numLocals)
	copy(locals, args)
	var stack []uint64
	frames := []interpFrame{{endPos: len(body) - 1, results: b.numResults}}
	pos := 0

	pop := func() uint64 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	// bin and un rewrite the top of the stack in place.
	bin := func(f func(a, b uint64) uint64) {
		v := pop()
		stack[len(stack)-1] = f(stack[len(stack)-1], v)
	}
	un := func(f func(a uint64) uint64) {
		stack[len(stack)-1] = f(stack[len(stack)-1])
	}
	readU32 := func() uint64 {
		v, n, err := leb128.DecodeUint32(body[pos:])
		if err != nil {
			panic(compileError{fmt.Errorf("engine: malformed body at %d: %w", pos, err)})
		}
		pos += int(n)
		return uint64(v)
	}
	// branchAdjust keeps the top keep operands and truncates to base.
	branchAdjust := func(base, keep int) {
		copy(stack[base:base+keep], stack[len(stack)-keep:])
		stack = stack[:base+keep]
	}
	branch := func(l int) {
		fi := len(frames) - 1 - l
		f := frames[fi]
		if f.isLoop {
			branchAdjust(f.base, f.params)
			frames = frames[:fi+1]
			pos = f.bodyStart
		} else {
			branchAdjust(f.base, f.results)
			frames = frames[:fi]
			pos = f.endPos + 1
		}
	}

	for pos < len(body) {
		st.step()
		opPos := pos
		op := body[pos]
		pos++
		switch op {
		case wasm.OpcodeUnreachable:
			panic(wasm.ErrRuntimeUnreachable)
		case wasm.OpcodeNop:
		case wasm.OpcodeBlock:
			meta := b.blocks[opPos]
			frames = append(frames, interpFrame{
				bodyStart: meta.bodyStart, endPos: meta.endPos,
				base: len(stack) - meta.params, params: meta.params, results: meta.results,
			})
			pos = meta.bodyStart
		case wasm.OpcodeLoop:
			meta := b.blocks[opPos]
			frames = append(frames, interpFrame{
				isLoop: true, bodyStart: meta.bodyStart, endPos: meta.endPos,
				base: len(stack) - meta.params, params: meta.params, results: meta.results,
			})
			pos = meta.bodyStart
		case wasm.OpcodeIf:
			meta := b.blocks[opPos]
			cond := pop()
			if cond != 0 {
				frames = append(frames, interpFrame{
					bodyStart: meta.bodyStart, endPos: meta.endPos,
					base: len(stack) - meta.params, params: meta.params, results: meta.results,
				})
				pos = meta.bodyStart
			} else if meta.elsePos >= 0 {
				frames = append(frames, interpFrame{
					bodyStart: meta.bodyStart, endPos: meta.endPos,
					base: len(stack) - meta.params, params: meta.params, results: meta.results,
				})
				pos = meta.elsePos + 1
			} else {
				pos = meta.endPos + 1
			}
		case wasm.OpcodeElse:
			// The then arm finished; resume at the matching end.
			pos = frames[len(frames)-1].endPos
		case wasm.OpcodeEnd:
			if len(frames) == 1 {
				return stack[len(stack)-b.numResults:]
			}
			frames = frames[:len(frames)-1]
		case wasm.OpcodeBr:
			branch(int(readU32()))
		case wasm.OpcodeBrIf:
			l := int(readU32())
			if pop() != 0 {
				branch(l)
			}
		case wasm.OpcodeBrTable:
			count := int(readU32())
			labels := make([]int, count+1)
			for i := range labels {
				labels[i] = int(readU32())
			}
			idx := pop()
			l := labels[count]
			if idx < uint64(count) {
				l = labels[idx]
			}
			branch(l)
		case wasm.OpcodeReturn:
			branch(len(frames) - 1)
		case wasm.OpcodeCall:
			target := mod.Functions[readU32()]
			np := len(target.Type.Params)
			res := invoke(ctx, st, target, stack[len(stack)-np:])
			stack = append(stack[:len(stack)-np], res...)
		case wasm.OpcodeCallIndirect:
			expected := mod.TypeIDs[readU32()]
			readU32() // table index, single table
			idx := pop()
			ref, ok := mod.Table.Lookup(uint32(idx))
			if !ok || ref.IsNull() {
				panic(wasm.ErrRuntimeInvalidTableAccess)
			}
			if ref.TypeID != expected {
				panic(wasm.ErrRuntimeIndirectCallTypeMismatch)
			}
			np := len(ref.Function.Type.Params)
			res := invoke(ctx, st, ref.Function, stack[len(stack)-np:])
			stack = append(stack[:len(stack)-np], res...)
		case wasm.OpcodeDrop:
			stack = stack[:len(stack)-1]
		case wasm.OpcodeSelect:
			c := pop()
			v2 := pop()
			if c == 0 {
				stack[len(stack)-1] = v2
			}
		case wasm.OpcodeLocalGet:
			stack = append(stack, locals[readU32()])
		case wasm.OpcodeLocalSet:
			locals[readU32()] = pop()
		case wasm.OpcodeLocalTee:
			locals[readU32()] = stack[len(stack)-1]
		case wasm.OpcodeGlobalGet:
			stack = append(stack, mod.Globals[readU32()].Val)
		case wasm.OpcodeGlobalSet:
			mod.Globals[readU32()].Val = pop()
		case wasm.OpcodeI32Const:
			v, n, err := leb128.DecodeInt32(body[pos:])
			if err != nil {
				panic(compileError{err})
			}
			pos += int(n)
			stack = append(stack, api.EncodeI32(v))
		case wasm.OpcodeI64Const:
			v, n, err := leb128.DecodeInt64(body[pos:])
			if err != nil {
				panic(compileError{err})
			}
			pos += int(n)
			stack = append(stack, api.EncodeI64(v))
		case wasm.OpcodeF32Const:
			stack = append(stack, uint64(binary.LittleEndian.Uint32(body[pos:])))
			pos += 4
		case wasm.OpcodeF64Const:
			stack = append(stack, binary.LittleEndian.Uint64(body[pos:]))
			pos += 8
		case wasm.OpcodeMemorySize:
			pos++ // reserved byte
			stack = append(stack, uint64(mem.Pages()))
		case wasm.OpcodeMemoryGrow:
			pos++
			un(func(a uint64) uint64 { return memoryGrow(mem, a) })
		case wasm.OpcodeMiscPrefix:
			sub := readU32()
			switch byte(sub) {
			case wasm.OpcodeMiscMemoryInit:
				seg := mod.DataInstances[readU32()]
				readU32() // memory index
				count := pop()
				src := pop()
				dest := pop()
				if !seg.CopyInto(mem, dest, src, count) {
					panic(wasm.ErrRuntimeInvalidSegmentAccess)
				}
			case wasm.OpcodeMiscDataDrop:
				mod.DataInstances[readU32()].Drop()
			case wasm.OpcodeMiscMemoryCopy:
				readU32() // destination memory index
				readU32() // source memory index
				count := pop()
				src := pop()
				dest := pop()
				if !mem.Copy(dest, src, count) {
					panic(wasm.ErrRuntimeOutOfBoundsMemoryAccess)
				}
			case wasm.OpcodeMiscMemoryFill:
				readU32()
				count := pop()
				v := pop()
				dest := pop()
				if !mem.Fill(dest, byte(v), count) {
					panic(wasm.ErrRuntimeOutOfBoundsMemoryAccess)
				}
			case wasm.OpcodeMiscTableInit:
				seg := mod.ElementInstances[readU32()]
				readU32() // table index
				count := pop()
				src := pop()
				dest := pop()
				if !seg.CopyInto(mod.Table, dest, src, count) {
					panic(wasm.ErrRuntimeInvalidSegmentAccess)
				}
			case wasm.OpcodeMiscElemDrop:
				mod.ElementInstances[readU32()].Drop()
			default:
				panic(compileError{fmt.Errorf("engine: unsupported misc opcode %#x at %d", sub, opPos)})
			}

		case wasm.OpcodeI32Eqz:
			un(func(a uint64) uint64 { return b2u(a == 0) })
		case wasm.OpcodeI64Eqz:
			un(func(a uint64) uint64 { return b2u(a == 0) })
		case wasm.OpcodeI32Eq, wasm.OpcodeI64Eq:
			bin(func(a, b uint64) uint64 { return b2u(a == b) })
		case wasm.OpcodeI32Ne, wasm.OpcodeI64Ne:
			bin(func(a, b uint64) uint64 { return b2u(a != b) })
		case wasm.OpcodeI32LtS:
			bin(func(a, b uint64) uint64 { return b2u(int32(a) < int32(b)) })
		case wasm.OpcodeI32LtU:
			bin(func(a, b uint64) uint64 { return b2u(uint32(a) < uint32(b)) })
		case wasm.OpcodeI32GtS:
			bin(func(a, b uint64) uint64 { return b2u(int32(a) > int32(b)) })
		case wasm.OpcodeI32GtU:
			bin(func(a, b uint64) uint64 { return b2u(uint32(a) > uint32(b)) })
		case wasm.OpcodeI32LeS:
			bin(func(a, b uint64) uint64 { return b2u(int32(a) <= int32(b)) })
		case wasm.OpcodeI32LeU:
			bin(func(a, b uint64) uint64 { return b2u(uint32(a) <= uint32(b)) })
		case wasm.OpcodeI32GeS:
			bin(func(a, b uint64) uint64 { return b2u(int32(a) >= int32(b)) })
		case wasm.OpcodeI32GeU:
			bin(func(a, b uint64) uint64 { return b2u(uint32(a) >= uint32(b)) })
		case wasm.OpcodeI64LtS:
			bin(func(a, b uint64) uint64 { return b2u(int64(a) < int64(b)) })
		case wasm.OpcodeI64LtU:
			bin(func(a, b uint64) uint64 { return b2u(a < b) })
		case wasm.OpcodeI64GtS:
			bin(func(a, b uint64) uint64 { return b2u(int64(a) > int64(b)) })
		case wasm.OpcodeI64GtU:
			bin(func(a, b uint64) uint64 { return b2u(a > b) })
		case wasm.OpcodeI64LeS:
			bin(func(a, b uint64) uint64 { return b2u(int64(a) <= int64(b)) })
		case wasm.OpcodeI64LeU:
			bin(func(a, b uint64) uint64 { return b2u(a <= b) })
		case wasm.OpcodeI64GeS:
			bin(func(a, b uint64) uint64 { return b2u(int64(a) >= int64(b)) })
		case wasm.OpcodeI64GeU:
			bin(func(a, b uint64) uint64 { return b2u(a >= b) })
		case wasm.OpcodeF32Eq:
			bin(func(a, b uint64) uint64 { return b2u(api.DecodeF32(a) == api.DecodeF32(b)) })
		case wasm.OpcodeF32Ne:
			bin(func(a, b uint64) uint64 { return b2u(api.DecodeF32(a) != api.DecodeF32(b)) })
		case wasm.OpcodeF32Lt:
			bin(func(a, b uint64) uint64 { return b2u(api.DecodeF32(a) < api.DecodeF32(b)) })
		case wasm.OpcodeF32Gt:
			bin(func(a, b uint64) uint64 { return b2u(api.DecodeF32(a) > api.DecodeF32(b)) })
		case wasm.OpcodeF32Le:
			bin(func(a, b uint64) uint64 { return b2u(api.DecodeF32(a) <= api.DecodeF32(b)) })
		case wasm.OpcodeF32Ge:
			bin(func(a, b uint64) uint64 { return b2u(api.DecodeF32(a) >= api.DecodeF32(b)) })
		case wasm.OpcodeF64Eq:
			bin(func(a, b uint64) uint64 { return b2u(api.DecodeF64(a) == api.DecodeF64(b)) })
		case wasm.OpcodeF64Ne:
			bin(func(a, b uint64) uint64 { return b2u(api.DecodeF64(a) != api.DecodeF64(b)) })
		case wasm.OpcodeF64Lt:
			bin(func(a, b uint64) uint64 { return b2u(api.DecodeF64(a) < api.DecodeF64(b)) })
		case wasm.OpcodeF64Gt:
			bin(func(a, b uint64) uint64 { return b2u(api.DecodeF64(a) > api.DecodeF64(b)) })
		case wasm.OpcodeF64Le:
			bin(func(a, b uint64) uint64 { return b2u(api.DecodeF64(a) <= api.DecodeF64(b)) })
		case wasm.OpcodeF64Ge:
			bin(func(a, b uint64) uint64 { return b2u(api.DecodeF64(a) >= api.DecodeF64(b)) })

		case wasm.OpcodeI32Clz:
			un(func(a uint64) uint64 { return uint64(bits.LeadingZeros32(uint32(a))) })
		case wasm.OpcodeI32Ctz:
			un(func(a uint64) uint64 { return uint64(bits.TrailingZeros32(uint32(a))) })
		case wasm.OpcodeI32Popcnt:
			un(func(a uint64) uint64 { return uint64(bits.OnesCount32(uint32(a))) })
		case wasm.OpcodeI32Add:
			bin(func(a, b uint64) uint64 { return uint64(uint32(a) + uint32(b)) })
		case wasm.OpcodeI32Sub:
			bin(func(a, b uint64) uint64 { return uint64(uint32(a) - uint32(b)) })
		case wasm.OpcodeI32Mul:
			bin(func(a, b uint64) uint64 { return uint64(uint32(a) * uint32(b)) })
		case wasm.OpcodeI32DivS:
			bin(func(a, b uint64) uint64 { return divS32(int32(a), int32(b)) })
		case wasm.OpcodeI32DivU:
			bin(func(a, b uint64) uint64 { return divU32(uint32(a), uint32(b)) })
		case wasm.OpcodeI32RemS:
			bin(func(a, b uint64) uint64 { return remS32(int32(a), int32(b)) })
		case wasm.OpcodeI32RemU:
			bin(func(a, b uint64) uint64 { return remU32(uint32(a), uint32(b)) })
		case wasm.OpcodeI32And:
			bin(func(a, b uint64) uint64 { return a & b })
		case wasm.OpcodeI32Or:
			bin(func(a, b uint64) uint64 { return a | b })
		case wasm.OpcodeI32Xor:
			bin(func(a, b uint64) uint64 { return a ^ b })
		case wasm.OpcodeI32Shl:
			bin(func(a, b uint64) uint64 { return uint64(uint32(a) << (b & 31)) })
		case wasm.OpcodeI32ShrS:
			bin(func(a, b uint64) uint64 { return uint64(uint32(int32(a) >> (b & 31))) })
		case wasm.OpcodeI32ShrU:
			bin(func(a, b uint64) uint64 { return uint64(uint32(a) >> (b & 31)) })
		case wasm.OpcodeI32Rotl:
			bin(func(a, b uint64) uint64 { return uint64(bits.RotateLeft32(uint32(a), int(b&31))) })
		case wasm.OpcodeI32Rotr:
			bin(func(a, b uint64) uint64 { return uint64(bits.RotateLeft32(uint32(a), -int(b&31))) })

		case wasm.OpcodeI64Clz:
			un(func(a uint64) uint64 { return uint64(bits.LeadingZeros64(a)) })
		case wasm.OpcodeI64Ctz:
			un(func(a uint64) uint64 { return uint64(bits.TrailingZeros64(a)) })
		case wasm.OpcodeI64Popcnt:
			un(func(a uint64) uint64 { return uint64(bits.OnesCount64(a)) })
		case wasm.OpcodeI64Add:
			bin(func(a, b uint64) uint64 { return a + b })
		case wasm.OpcodeI64Sub:
			bin(func(a, b uint64) uint64 { return a - b })
		case wasm.OpcodeI64Mul:
			bin(func(a, b uint64) uint64 { return a * b })
		case wasm.OpcodeI64DivS:
			bin(func(a, b uint64) uint64 { return divS64(int64(a), int64(b)) })
		case wasm.OpcodeI64DivU:
			bin(divU64)
		case wasm.OpcodeI64RemS:
			bin(func(a, b uint64) uint64 { return remS64(int64(a), int64(b)) })
		case wasm.OpcodeI64RemU:
			bin(remU64)
		case wasm.OpcodeI64And:
			bin(func(a, b uint64) uint64 { return a & b })
		case wasm.OpcodeI64Or:
			bin(func(a, b uint64) uint64 { return a | b })
		case wasm.OpcodeI64Xor:
			bin(func(a, b uint64) uint64 { return a ^ b })
		case wasm.OpcodeI64Shl:
			bin(func(a, b uint64) uint64 { return a << (b & 63) })
		case wasm.OpcodeI64ShrS:
			bin(func(a, b uint64) uint64 { return uint64(int64(a) >> (b & 63)) })
		case wasm.OpcodeI64ShrU:
			bin(func(a, b uint64) uint64 { return a >> (b & 63) })
		case wasm.OpcodeI64Rotl:
			bin(func(a, b uint64) uint64 { return bits.RotateLeft64(a, int(b&63)) })
		case wasm.OpcodeI64Rotr:
			bin(func(a, b uint64) uint64 { return bits.RotateLeft64(a, -int(b&63)) })

		case wasm.OpcodeF32Abs:
			un(func(a uint64) uint64 { return a &^ (1 << 31) })
		case wasm.OpcodeF32Neg:
			un(func(a uint64) uint64 { return a ^ (1 << 31) })
		case wasm.OpcodeF32Ceil:
			un(func(a uint64) uint64 { return floatUnary(st, a, false, math.Ceil) })
		case wasm.OpcodeF32Floor:
			un(func(a uint64) uint64 { return floatUnary(st, a, false, math.Floor) })
		case wasm.OpcodeF32Trunc:
			un(func(a uint64) uint64 { return floatUnary(st, a, false, math.Trunc) })
		case wasm.OpcodeF32Nearest:
			un(func(a uint64) uint64 {
				return st.noteNaN32(uint64(math.Float32bits(moremath.WasmCompatNearestF32(api.DecodeF32(a)))))
			})
		case wasm.OpcodeF32Sqrt:
			un(func(a uint64) uint64 { return floatUnary(st, a, false, math.Sqrt) })
		case wasm.OpcodeF32Add:
			bin(func(a, b uint64) uint64 {
				return st.noteNaN32(uint64(math.Float32bits(api.DecodeF32(a) + api.DecodeF32(b))))
			})
		case wasm.OpcodeF32Sub:
			bin(func(a, b uint64) uint64 {
				return st.noteNaN32(uint64(math.Float32bits(api.DecodeF32(a) - api.DecodeF32(b))))
			})
		case wasm.OpcodeF32Mul:
			bin(func(a, b uint64) uint64 {
				return st.noteNaN32(uint64(math.Float32bits(api.DecodeF32(a) * api.DecodeF32(b))))
			})
		case wasm.OpcodeF32Div:
			bin(func(a, b uint64) uint64 {
				return st.noteNaN32(uint64(math.Float32bits(api.DecodeF32(a) / api.DecodeF32(b))))
			})
		case wasm.OpcodeF32Min:
			bin(func(a, b uint64) uint64 {
				return st.noteNaN32(uint64(math.Float32bits(moremath.WasmCompatMin32(api.DecodeF32(a), api.DecodeF32(b)))))
			})
		case wasm.OpcodeF32Max:
			bin(func(a, b uint64) uint64 {
				return st.noteNaN32(uint64(math.Float32bits(moremath.WasmCompatMax32(api.DecodeF32(a), api.DecodeF32(b)))))
			})
		case wasm.OpcodeF32Copysign:
			bin(func(a, b uint64) uint64 { return a&^(1<<31) | b&(1<<31) })

		case wasm.OpcodeF64Abs:
			un(func(a uint64) uint64 { return a &^ (1 << 63) })
		case wasm.OpcodeF64Neg:
			un(func(a uint64) uint64 { return a ^ (1 << 63) })
		case wasm.OpcodeF64Ceil:
			un(func(a uint64) uint64 { return floatUnary(st, a, true, math.Ceil) })
		case wasm.OpcodeF64Floor:
			un(func(a uint64) uint64 { return floatUnary(st, a, true, math.Floor) })
		case wasm.OpcodeF64Trunc:
			un(func(a uint64) uint64 { return floatUnary(st, a, true, math.Trunc) })
		case wasm.OpcodeF64Nearest:
			un(func(a uint64) uint64 {
				return st.noteNaN64(math.Float64bits(moremath.WasmCompatNearestF64(api.DecodeF64(a))))
			})
		case wasm.OpcodeF64Sqrt:
			un(func(a uint64) uint64 { return floatUnary(st, a, true, math.Sqrt) })
		case wasm.OpcodeF64Add:
			bin(func(a, b uint64) uint64 {
				return st.noteNaN64(math.Float64bits(api.DecodeF64(a) + api.DecodeF64(b)))
			})
		case wasm.OpcodeF64Sub:
			bin(func(a, b uint64) uint64 {
				return st.noteNaN64(math.Float64bits(api.DecodeF64(a) - api.DecodeF64(b)))
			})
		case wasm.OpcodeF64Mul:
			bin(func(a, b uint64) uint64 {
				return st.noteNaN64(math.Float64bits(api.DecodeF64(a) * api.DecodeF64(b)))
			})
		case wasm.OpcodeF64Div:
			bin(func(a, b uint64) uint64 {
				return st.noteNaN64(math.Float64bits(api.DecodeF64(a) / api.DecodeF64(b)))
			})
		case wasm.OpcodeF64Min:
			bin(func(a, b uint64) uint64 {
				return st.noteNaN64(math.Float64bits(moremath.WasmCompatMin(api.DecodeF64(a), api.DecodeF64(b))))
			})
		case wasm.OpcodeF64Max:
			bin(func(a, b uint64) uint64 {
				return st.noteNaN64(math.Float64bits(moremath.WasmCompatMax(api.DecodeF64(a), api.DecodeF64(b))))
			})
		case wasm.OpcodeF64Copysign:
			bin(func(a, b uint64) uint64 { return a&^(1<<63) | b&(1<<63) })

		case wasm.OpcodeI32WrapI64:
			un(func(a uint64) uint64 { return a & 0xffffffff })
		case wasm.OpcodeI32TruncF32S:
			un(func(a uint64) uint64 { return truncFloat(float64(api.DecodeF32(a)), false, true) })
		case wasm.OpcodeI32TruncF32U:
			un(func(a uint64) uint64 { return truncFloat(float64(api.DecodeF32(a)), false, false) })
		case wasm.OpcodeI32TruncF64S:
			un(func(a uint64) uint64 { return truncFloat(api.DecodeF64(a), false, true) })
		case wasm.OpcodeI32TruncF64U:
			un(func(a uint64) uint64 { return truncFloat(api.DecodeF64(a), false, false) })
		case wasm.OpcodeI64ExtendI32S:
			un(func(a uint64) uint64 { return signExtend(a, 32, true, true) })
		case wasm.OpcodeI64ExtendI32U:
			// Already zero-extended in the representation.
		case wasm.OpcodeI64TruncF32S:
			un(func(a uint64) uint64 { return truncFloat(float64(api.DecodeF32(a)), true, true) })
		case wasm.OpcodeI64TruncF32U:
			un(func(a uint64) uint64 { return truncFloat(float64(api.DecodeF32(a)), true, false) })
		case wasm.OpcodeI64TruncF64S:
			un(func(a uint64) uint64 { return truncFloat(api.DecodeF64(a), true, true) })
		case wasm.OpcodeI64TruncF64U:
			un(func(a uint64) uint64 { return truncFloat(api.DecodeF64(a), true, false) })
		case wasm.OpcodeF32ConvertI32S:
			un(func(a uint64) uint64 { return convertInt(a, false, false, true) })
		case wasm.OpcodeF32ConvertI32U:
			un(func(a uint64) uint64 { return convertInt(a, false, false, false) })
		case wasm.OpcodeF32ConvertI64S:
			un(func(a uint64) uint64 { return convertInt(a, true, false, true) })
		case wasm.OpcodeF32ConvertI64U:
			un(func(a uint64) uint64 { return convertInt(a, true, false, false) })
		case wasm.OpcodeF32DemoteF64:
			un(func(a uint64) uint64 {
				return st.noteNaN32(uint64(math.Float32bits(float32(api.DecodeF64(a)))))
			})
		case wasm.OpcodeF64ConvertI32S:
			un(func(a uint64) uint64 { return convertInt(a, false, true, true) })
		case wasm.OpcodeF64ConvertI32U:
			un(func(a uint64) uint64 { return convertInt(a, false, true, false) })
		case wasm.OpcodeF64ConvertI64S:
			un(func(a uint64) uint64 { return convertInt(a, true, true, true) })
		case wasm.OpcodeF64ConvertI64U:
			un(func(a uint64) uint64 { return convertInt(a, true, true, false) })
		case wasm.OpcodeF64PromoteF32:
			un(func(a uint64) uint64 {
				return st.noteNaN64(math.Float64bits(float64(api.DecodeF32(a))))
			})
		case wasm.OpcodeI32ReinterpretF32, wasm.OpcodeI64ReinterpretF64,
			wasm.OpcodeF32ReinterpretI32, wasm.OpcodeF64ReinterpretI64:
			// Bit-identical in the representation.
		case wasm.OpcodeI32Extend8S:
			un(func(a uint64) uint64 { return signExtend(a, 8, true, false) })
		case wasm.OpcodeI32Extend16S:
			un(func(a uint64) uint64 { return signExtend(a, 16, true, false) })
		case wasm.OpcodeI64Extend8S:
			un(func(a uint64) uint64 { return signExtend(a, 8, true, true) })
		case wasm.OpcodeI64Extend16S:
			un(func(a uint64) uint64 { return signExtend(a, 16, true, true) })
		case wasm.OpcodeI64Extend32S:
			un(func(a uint64) uint64 { return signExtend(a, 32, true, true) })

		default:
			if op >= wasm.OpcodeI32Load && op <= wasm.OpcodeI64Store32 {
				readU32() // alignment hint
				offset, n, err := leb128.DecodeUint64(body[pos:])
				if err != nil {
					panic(compileError{err})
				}
				pos += int(n)
				a := memAccessShapes[op-wasm.OpcodeI32Load]
				if a.store {
					v := pop()
					base := pop()
					storeValue(mem, base, offset, a.numBytes, v)
				} else {
					stack[len(stack)-1] = loadValue(mem, stack[len(stack)-1], offset,
						ir.PackLoad(a.numBytes, a.signed, a.to64))
				}
				continue
			}
			panic(compileError{fmt.Errorf("engine: unsupported opcode %s at %d",
				wasm.InstructionName(op), opPos)})
		}
	}
	return stack[len(stack)-b.numResults:]
}

var memAccessShapes = [...]struct {
	store    bool
	numBytes uint64
	signed   bool
	to64     bool
}{
	wasm.OpcodeI32Load - wasm.OpcodeI32Load:    {false, 4, false, false},
	wasm.OpcodeI64Load - wasm.OpcodeI32Load:    {false, 8, false, true},
	wasm.OpcodeF32Load - wasm.OpcodeI32Load:    {false, 4, false, false},
	wasm.OpcodeF64Load - wasm.OpcodeI32Load:    {false, 8, false, true},
	wasm.OpcodeI32Load8S - wasm.OpcodeI32Load:  {false, 1, true, false},
	wasm.OpcodeI32Load8U - wasm.OpcodeI32Load:  {false, 1, false, false},
	wasm.OpcodeI32Load16S - wasm.OpcodeI32Load: {false, 2, true, false},
	wasm.OpcodeI32Load16U - wasm.OpcodeI32Load: {false, 2, false, false},
	wasm.OpcodeI64Load8S - wasm.OpcodeI32Load:  {false, 1, true, true},
	wasm.OpcodeI64Load8U - wasm.OpcodeI32Load:  {false, 1, false, true},
	wasm.OpcodeI64Load16S - wasm.OpcodeI32Load: {false, 2, true, true},
	wasm.OpcodeI64Load16U - wasm.OpcodeI32Load: {false, 2, false, true},
	wasm.OpcodeI64Load32S - wasm.OpcodeI32Load: {false, 4, true, true},
	wasm.OpcodeI64Load32U - wasm.OpcodeI32Load: {false, 4, false, true},
	wasm.OpcodeI32Store - wasm.OpcodeI32Load:   {true, 4, false, false},
	wasm.OpcodeI64Store - wasm.OpcodeI32Load:   {true, 8, false, false},
	wasm.OpcodeF32Store - wasm.OpcodeI32Load:   {true, 4, false, false},
	wasm.OpcodeF64Store - wasm.OpcodeI32Load:   {true, 8, false, false},
	wasm.OpcodeI32Store8 - wasm.OpcodeI32Load:  {true, 1, false, false},
	wasm.OpcodeI32Store16 - wasm.OpcodeI32Load: {true, 2, false, false},
	wasm.OpcodeI64Store8 - wasm.OpcodeI32Load:  {true, 1, false, false},
	wasm.OpcodeI64Store16 - wasm.OpcodeI32Load: {true, 2, false, false},
	wasm.OpcodeI64Store32 - wasm.OpcodeI32Load: {true, 4, false, false},
}
