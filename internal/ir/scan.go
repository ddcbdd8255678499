package ir

import (
	"fmt"

	"github.com/ferrovm/ferro/internal/leb128"
	"github.com/ferrovm/ferro/wasm"
)

// SkipInstruction returns the position just past the instruction starting
// at pos, without interpreting it. Structured control opcodes advance past
// their block type only; the caller tracks nesting. Both the lowering pass
// and the interpreter's branch prescan use this to walk bodies.
func SkipInstruction(body []byte, pos int) (int, error) {
	if pos >= len(body) {
		return 0, fmt.Errorf("truncated body at %d", pos)
	}
	op := body[pos]
	pos++
	switch op {
	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
		_, n, err := leb128.DecodeInt33AsInt64(body[pos:])
		if err != nil {
			return 0, fmt.Errorf("block type at %d: %w", pos, err)
		}
		return pos + int(n), nil
	case wasm.OpcodeElse, wasm.OpcodeEnd, wasm.OpcodeUnreachable, wasm.OpcodeNop,
		wasm.OpcodeReturn, wasm.OpcodeDrop, wasm.OpcodeSelect:
		return pos, nil
	case wasm.OpcodeBr, wasm.OpcodeBrIf, wasm.OpcodeCall,
		wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee,
		wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet:
		_, n, err := leb128.DecodeUint32(body[pos:])
		if err != nil {
			return 0, err
		}
		return pos + int(n), nil
	case wasm.OpcodeBrTable:
		count, n, err := leb128.DecodeUint32(body[pos:])
		if err != nil {
			return 0, err
		}
		pos += int(n)
		for i := uint32(0); i <= count; i++ {
			_, n, err := leb128.DecodeUint32(body[pos:])
			if err != nil {
				return 0, err
			}
			pos += int(n)
		}
		return pos, nil
	case wasm.OpcodeCallIndirect:
		for i := 0; i < 2; i++ {
			_, n, err := leb128.DecodeUint32(body[pos:])
			if err != nil {
				return 0, err
			}
			pos += int(n)
		}
		return pos, nil
	case wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
		return pos + 1, nil
	case wasm.OpcodeI32Const:
		_, n, err := leb128.DecodeInt32(body[pos:])
		if err != nil {
			return 0, err
		}
		return pos + int(n), nil
	case wasm.OpcodeI64Const:
		_, n, err := leb128.DecodeInt64(body[pos:])
		if err != nil {
			return 0, err
		}
		return pos + int(n), nil
	case wasm.OpcodeF32Const:
		return pos + 4, nil
	case wasm.OpcodeF64Const:
		return pos + 8, nil
	case wasm.OpcodeMiscPrefix:
		sub, n, err := leb128.DecodeUint32(body[pos:])
		if err != nil {
			return 0, err
		}
		pos += int(n)
		switch byte(sub) {
		case wasm.OpcodeMiscMemoryInit, wasm.OpcodeMiscTableInit, wasm.OpcodeMiscMemoryCopy:
			for i := 0; i < 2; i++ {
				_, n, err := leb128.DecodeUint32(body[pos:])
				if err != nil {
					return 0, err
				}
				pos += int(n)
			}
			return pos, nil
		case wasm.OpcodeMiscDataDrop, wasm.OpcodeMiscElemDrop, wasm.OpcodeMiscMemoryFill:
			_, n, err := leb128.DecodeUint32(body[pos:])
			if err != nil {
				return 0, err
			}
			return pos + int(n), nil
		}
		return 0, fmt.Errorf("unsupported misc opcode %#x at %d", sub, pos)
	}
	if op >= wasm.OpcodeI32Load && op <= wasm.OpcodeI64Store32 {
		// Alignment hint then offset.
		_, n, err := leb128.DecodeUint32(body[pos:])
		if err != nil {
			return 0, err
		}
		pos += int(n)
		_, n, err = leb128.DecodeUint64(body[pos:])
		if err != nil {
			return 0, err
		}
		return pos + int(n), nil
	}
	// The remaining numeric opcodes carry no immediates.
	if op >= wasm.OpcodeI32Eqz && op <= wasm.OpcodeI64Extend32S {
		return pos, nil
	}
	return 0, fmt.Errorf("unsupported opcode %s at %d", wasm.InstructionName(op), pos-1)
}
