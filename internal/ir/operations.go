// Package ir is the lowered form of function bodies shared by the baseline
// and optimizing tiers. Structured control flow is resolved to absolute
// instruction addresses with explicit drop-keep stack adjustments, so an
// executor is a flat dispatch loop with no label bookkeeping.
//
// The form is pure data: operand immediates are packed into integers and
// call targets are function and type indexes, never pointers, so a compiled
// function is valid for every instance of its module and serializes
// losslessly for the code cache.
package ir

import "fmt"

// OpKind identifies a lowered operation.
type OpKind uint32

const (
	// OpUnreachable raises the unreachable trap.
	OpUnreachable OpKind = iota
	// OpNop does nothing. The optimizer uses it as an erasure mark and
	// removes it when compacting.
	OpNop
	// OpBr jumps to U1, applying the U2 drop-keep.
	OpBr
	// OpBrIf pops a condition; nonzero jumps to U1 applying U2, zero falls
	// through untouched.
	OpBrIf
	// OpBrIfZ is OpBrIf with the condition inverted, produced when
	// lowering the false edge of an if.
	OpBrIfZ
	// OpBrTable pops an index selecting from Targets, the last entry being
	// the default.
	OpBrTable
	// OpReturn ends the activation; the function's result count determines
	// how many operands are returned.
	OpReturn
	// OpCall invokes function index U1 of the executing instance.
	OpCall
	// OpCallIndirect pops a table index and invokes the referenced
	// function after checking its type ID against module type index U1.
	OpCallIndirect

	// OpDrop discards the top operand.
	OpDrop
	// OpSelect pops c, v2, v1 and pushes v1 when c is nonzero, else v2.
	OpSelect

	// OpLocalGet pushes local slot U1.
	OpLocalGet
	// OpLocalSet pops into local slot U1.
	OpLocalSet
	// OpLocalTee copies the top operand into local slot U1.
	OpLocalTee
	// OpGlobalGet pushes global index U1.
	OpGlobalGet
	// OpGlobalSet pops into global index U1.
	OpGlobalSet

	// OpConst pushes the literal bits in U1.
	OpConst

	// OpLoad pops a base address and pushes the value at base+U1, with the
	// access width and extension packed in U2 (see PackLoad).
	OpLoad
	// OpStore pops a value and a base address and writes the low U2 bytes
	// at base+U1.
	OpStore
	// OpMemorySize pushes the current page count.
	OpMemorySize
	// OpMemoryGrow pops a page delta and pushes the previous page count or
	// the width-appropriate -1.
	OpMemoryGrow
	// OpMemoryInit pops byteCount, srcOffset, dest and copies from data
	// segment U1.
	OpMemoryInit
	// OpDataDrop drops data segment U1.
	OpDataDrop
	// OpMemoryCopy pops byteCount, src, dest and copies within memory.
	OpMemoryCopy
	// OpMemoryFill pops byteCount, value, dest.
	OpMemoryFill
	// OpTableInit pops count, srcOffset, dest and copies from element
	// segment U1.
	OpTableInit
	// OpElemDrop drops element segment U1.
	OpElemDrop

	// Integer arithmetic. U1 is 1 for the 64-bit variant, 0 for 32-bit,
	// except where noted.
	OpAdd // U1 is a Type covering floats too
	OpSub // U1 is a Type
	OpMul // U1 is a Type
	OpDivS
	OpDivU
	OpRemS
	OpRemU
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShrS
	OpShrU
	OpRotl
	OpRotr
	OpClz
	OpCtz
	OpPopcnt

	// Integer comparisons, pushing 0 or 1. U1 selects the 64-bit variant.
	OpEqz
	OpEq // U1 is a Type
	OpNe // U1 is a Type
	OpLtS
	OpLtU
	OpGtS
	OpGtU
	OpLeS
	OpLeU
	OpGeS
	OpGeU

	// Float arithmetic. U1 selects the 64-bit variant.
	OpFDiv
	OpAbs
	OpNeg
	OpCeil
	OpFloor
	OpTruncOp
	OpNearest
	OpSqrt
	OpMin
	OpMax
	OpCopysign

	// Float comparisons. U1 selects the 64-bit variant.
	OpFLt
	OpFGt
	OpFLe
	OpFGe

	// Conversions.
	OpI32WrapI64
	// OpITruncF truncates a float to an integer, trapping on NaN and on
	// out-of-range values. U1 is packed by PackTrunc.
	OpITruncF
	// OpFConvertI converts an integer to a float. U1 is packed by
	// PackConvert.
	OpFConvertI
	OpF32DemoteF64
	OpF64PromoteF32
	// OpExtend widens an integer from U1's source width with optional sign
	// extension (see PackExtend). It covers i64.extend_i32_* and the
	// narrow sign-extension instructions.
	OpExtend
)

// Type parameterizes the ops whose U1 spans all four value types.
const (
	TypeI32 uint64 = iota
	TypeI64
	TypeF32
	TypeF64
)

// Instr is one lowered operation. The meaning of U1 and U2 depends on Op;
// Targets is only populated for OpBrTable.
type Instr struct {
	Op      OpKind
	U1, U2  uint64
	Targets []BranchTarget `cbor:",omitempty"`
}

// BranchTarget is one resolved br_table entry.
type BranchTarget struct {
	PC       uint64
	DropKeep uint64
}

// Function is a compiled function body ready for execution or caching.
type Function struct {
	Instrs []Instr
	// NumParams and NumLocals size the local slot array; parameters occupy
	// the first NumParams slots.
	NumParams uint32
	NumLocals uint32
	// NumResults is how many operands a return transfers.
	NumResults uint32
	// MaxStackHeight bounds the operand stack, letting the executor
	// allocate it once.
	MaxStackHeight uint32
}

// PackDropKeep encodes a branch stack adjustment: discard drop operands
// found below the top keep operands.
func PackDropKeep(drop, keep uint64) uint64 { return drop<<32 | keep }

// DropKeep decodes PackDropKeep.
func DropKeep(v uint64) (drop, keep uint64) { return v >> 32, v & 0xffffffff }

// PackLoad encodes an access of numBytes, sign- or zero-extended, into a
// 32- or 64-bit result.
func PackLoad(numBytes uint64, signed, to64 bool) uint64 {
	v := numBytes
	if signed {
		v |= 1 << 8
	}
	if to64 {
		v |= 1 << 9
	}
	return v
}

// UnpackLoad decodes PackLoad.
func UnpackLoad(v uint64) (numBytes uint64, signed, to64 bool) {
	return v & 0xff, v&(1<<8) != 0, v&(1<<9) != 0
}

// PackTrunc encodes a float-to-integer truncation: the source float width,
// the destination integer width and signedness.
func PackTrunc(src64, dst64, signed bool) uint64 {
	var v uint64
	if src64 {
		v |= 1
	}
	if dst64 {
		v |= 2
	}
	if signed {
		v |= 4
	}
	return v
}

// UnpackTrunc decodes PackTrunc.
func UnpackTrunc(v uint64) (src64, dst64, signed bool) {
	return v&1 != 0, v&2 != 0, v&4 != 0
}

// PackConvert encodes an integer-to-float conversion, mirroring PackTrunc
// with src and dst meanings swapped.
func PackConvert(src64, dst64, signed bool) uint64 { return PackTrunc(src64, dst64, signed) }

// UnpackConvert decodes PackConvert.
func UnpackConvert(v uint64) (src64, dst64, signed bool) { return UnpackTrunc(v) }

// PackExtend encodes a widening: fromBits is the significant source width
// (8, 16 or 32), to64 selects the destination width and signed selects
// sign extension.
func PackExtend(fromBits uint64, signed, to64 bool) uint64 {
	v := fromBits
	if signed {
		v |= 1 << 8
	}
	if to64 {
		v |= 1 << 9
	}
	return v
}

// UnpackExtend decodes PackExtend.
func UnpackExtend(v uint64) (fromBits uint64, signed, to64 bool) {
	return v & 0xff, v&(1<<8) != 0, v&(1<<9) != 0
}

var opNames = map[OpKind]string{
	OpUnreachable: "unreachable", OpNop: "nop", OpBr: "br", OpBrIf: "br_if",
	OpBrIfZ: "br_if_z", OpBrTable: "br_table", OpReturn: "return",
	OpCall: "call", OpCallIndirect: "call_indirect", OpDrop: "drop",
	OpSelect: "select", OpLocalGet: "local.get", OpLocalSet: "local.set",
	OpLocalTee: "local.tee", OpGlobalGet: "global.get", OpGlobalSet: "global.set",
	OpConst: "const", OpLoad: "load", OpStore: "store",
	OpMemorySize: "memory.size", OpMemoryGrow: "memory.grow",
	OpMemoryInit: "memory.init", OpDataDrop: "data.drop",
	OpMemoryCopy: "memory.copy", OpMemoryFill: "memory.fill",
	OpTableInit: "table.init", OpElemDrop: "elem.drop",
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDivS: "div_s", OpDivU: "div_u",
	OpRemS: "rem_s", OpRemU: "rem_u", OpAnd: "and", OpOr: "or", OpXor: "xor",
	OpShl: "shl", OpShrS: "shr_s", OpShrU: "shr_u", OpRotl: "rotl", OpRotr: "rotr",
	OpClz: "clz", OpCtz: "ctz", OpPopcnt: "popcnt", OpEqz: "eqz", OpEq: "eq",
	OpNe: "ne", OpLtS: "lt_s", OpLtU: "lt_u", OpGtS: "gt_s", OpGtU: "gt_u",
	OpLeS: "le_s", OpLeU: "le_u", OpGeS: "ge_s", OpGeU: "ge_u",
	OpFDiv: "fdiv", OpAbs: "abs", OpNeg: "neg", OpCeil: "ceil", OpFloor: "floor",
	OpTruncOp: "trunc", OpNearest: "nearest", OpSqrt: "sqrt", OpMin: "min",
	OpMax: "max", OpCopysign: "copysign", OpFLt: "flt", OpFGt: "fgt",
	OpFLe: "fle", OpFGe: "fge", OpI32WrapI64: "i32.wrap_i64",
	OpITruncF: "itrunc", OpFConvertI: "fconvert", OpF32DemoteF64: "f32.demote_f64",
	OpF64PromoteF32: "f64.promote_f32", OpExtend: "extend",
}

// String implements fmt.Stringer.
func (k OpKind) String() string {
	if n, ok := opNames[k]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", uint32(k))
}
