package ir

import (
	"encoding/binary"
	"fmt"

	"github.com/ferrovm/ferro/api"
	"github.com/ferrovm/ferro/internal/leb128"
	"github.com/ferrovm/ferro/wasm"
)

// Compile lowers the defined function at funcIdx (in the module's function
// index space) into the flat form. Bodies are trusted as validated, so the
// lowering tracks operand stack heights without re-checking types; the only
// errors are malformed encodings.
func Compile(m *wasm.Module, funcIdx wasm.Index) (*Function, error) {
	imports := m.ImportFuncCount()
	if funcIdx < imports {
		return nil, fmt.Errorf("function %d is imported", funcIdx)
	}
	defined := funcIdx - imports
	if int(defined) >= len(m.CodeSection) {
		return nil, fmt.Errorf("function %d out of range", funcIdx)
	}
	code := m.CodeSection[defined]
	sig := m.TypeSection[m.FunctionSection[defined]]

	c := &compiler{
		module: m,
		body:   code.Body,
		sig:    sig,
	}
	c.frames = append(c.frames, &controlFrame{
		kind:           frameFunc,
		results:        len(sig.Results),
		elsePatchInstr: -1,
	})
	if err := c.lower(); err != nil {
		return nil, fmt.Errorf("lower %s: %w", m.FunctionName(funcIdx), err)
	}
	return &Function{
		Instrs:         c.out,
		NumParams:      uint32(len(sig.Params)),
		NumLocals:      uint32(len(code.LocalTypes)),
		NumResults:     uint32(len(sig.Results)),
		MaxStackHeight: uint32(c.maxH),
	}, nil
}

type frameKind byte

const (
	frameFunc frameKind = iota
	frameBlock
	frameLoop
	frameIf
)

// patch records a branch emitted before its target address was known. table
// is -1 when the instruction's U1 holds the target, otherwise the br_table
// entry to fill.
type patch struct {
	instr int
	table int
}

type controlFrame struct {
	kind frameKind
	// base is the operand stack height at entry, after the block's
	// parameters were notionally popped.
	base    int
	params  int
	results int
	// loopStart is the resolved target of branches to a loop label.
	loopStart int
	// endPatches are branches targeting this frame's end.
	endPatches []patch
	// elsePatchInstr is the if's false-edge conditional jump, patched when
	// the else or end is reached. -1 for other kinds.
	elsePatchInstr int
	hasElse        bool
}

type compiler struct {
	module *wasm.Module
	body   []byte
	sig    *wasm.FunctionType
	pos    int

	out    []Instr
	frames []*controlFrame
	h      int
	maxH   int
}

func (c *compiler) emit(i Instr) int {
	c.out = append(c.out, i)
	return len(c.out) - 1
}

func (c *compiler) push(n int) {
	c.h += n
	if c.h > c.maxH {
		c.maxH = c.h
	}
}

func (c *compiler) pop(n int) { c.h -= n }

// blockSignature resolves a parsed block type to parameter and result
// counts. Negative values encode an empty or single-result block; other
// values index the type section.
func (c *compiler) blockSignature(bt int64) (params, results int, err error) {
	switch {
	case bt == -64: // 0x40, empty
		return 0, 0, nil
	case bt < 0:
		return 0, 1, nil
	case int(bt) < len(c.module.TypeSection):
		t := c.module.TypeSection[bt]
		return len(t.Params), len(t.Results), nil
	}
	return 0, 0, fmt.Errorf("block type index %d out of range", bt)
}

// branchTarget computes the resolved or to-be-patched target for a branch
// to the label l frames up, registering a patch when the target is a
// not-yet-seen end.
func (c *compiler) branchTarget(l uint32, instr, table int) (pc, dropKeep uint64, err error) {
	if int(l) >= len(c.frames) {
		return 0, 0, fmt.Errorf("branch label %d out of range", l)
	}
	f := c.frames[len(c.frames)-1-int(l)]
	keep := f.results
	if f.kind == frameLoop {
		keep = f.params
	}
	drop := c.h - keep - f.base
	if drop < 0 {
		return 0, 0, fmt.Errorf("branch label %d drops %d operands", l, drop)
	}
	dropKeep = PackDropKeep(uint64(drop), uint64(keep))
	if f.kind == frameLoop {
		return uint64(f.loopStart), dropKeep, nil
	}
	f.endPatches = append(f.endPatches, patch{instr: instr, table: table})
	return 0, dropKeep, nil
}

func (c *compiler) applyPatches(f *controlFrame, pc int) {
	for _, p := range f.endPatches {
		if p.table < 0 {
			c.out[p.instr].U1 = uint64(pc)
		} else {
			c.out[p.instr].Targets[p.table].PC = uint64(pc)
		}
	}
	if f.elsePatchInstr >= 0 && !f.hasElse {
		c.out[f.elsePatchInstr].U1 = uint64(pc)
	}
}

func (c *compiler) readU32() (uint32, error) {
	v, n, err := leb128.DecodeUint32(c.body[c.pos:])
	if err != nil {
		return 0, err
	}
	c.pos += int(n)
	return v, nil
}

// lower drives the single pass over the body. deadDepth tracks nesting
// inside validator-guaranteed dead code after an unconditional transfer;
// -1 means live.
func (c *compiler) lower() error {
	deadDepth := -1
	for c.pos < len(c.body) {
		opPos := c.pos
		op := c.body[c.pos]

		if deadDepth >= 0 {
			switch op {
			case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
				deadDepth++
			case wasm.OpcodeElse:
				if deadDepth == 0 {
					c.pos++
					f := c.frames[len(c.frames)-1]
					if err := c.enterElse(f); err != nil {
						return err
					}
					deadDepth = -1
					continue
				}
			case wasm.OpcodeEnd:
				if deadDepth == 0 {
					c.pos++
					c.closeFrame()
					if len(c.frames) == 0 {
						if c.pos != len(c.body) {
							return fmt.Errorf("trailing bytes after body end at %d", c.pos)
						}
						return nil
					}
					deadDepth = -1
					continue
				}
				deadDepth--
			}
			next, err := SkipInstruction(c.body, c.pos)
			if err != nil {
				return err
			}
			c.pos = next
			continue
		}

		c.pos++
		switch op {
		case wasm.OpcodeUnreachable:
			c.emit(Instr{Op: OpUnreachable})
			deadDepth = 0
		case wasm.OpcodeNop:
		case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
			bt, n, err := leb128.DecodeInt33AsInt64(c.body[c.pos:])
			if err != nil {
				return fmt.Errorf("block type at %d: %w", c.pos, err)
			}
			c.pos += int(n)
			params, results, err := c.blockSignature(bt)
			if err != nil {
				return err
			}
			f := &controlFrame{params: params, results: results, elsePatchInstr: -1}
			switch op {
			case wasm.OpcodeBlock:
				f.kind = frameBlock
			case wasm.OpcodeLoop:
				f.kind = frameLoop
				f.loopStart = len(c.out)
			case wasm.OpcodeIf:
				f.kind = frameIf
				c.pop(1)
				f.elsePatchInstr = c.emit(Instr{Op: OpBrIfZ, U2: PackDropKeep(0, 0)})
			}
			f.base = c.h - params
			c.frames = append(c.frames, f)
		case wasm.OpcodeElse:
			f := c.frames[len(c.frames)-1]
			if err := c.enterElse(f); err != nil {
				return err
			}
		case wasm.OpcodeEnd:
			c.closeFrame()
			if len(c.frames) == 0 {
				if c.pos != len(c.body) {
					return fmt.Errorf("trailing bytes after body end at %d", c.pos)
				}
				return nil
			}
		case wasm.OpcodeBr:
			l, err := c.readU32()
			if err != nil {
				return err
			}
			instr := c.emit(Instr{Op: OpBr})
			pc, dk, err := c.branchTarget(l, instr, -1)
			if err != nil {
				return err
			}
			c.out[instr].U1, c.out[instr].U2 = pc, dk
			deadDepth = 0
		case wasm.OpcodeBrIf:
			l, err := c.readU32()
			if err != nil {
				return err
			}
			c.pop(1)
			instr := c.emit(Instr{Op: OpBrIf})
			pc, dk, err := c.branchTarget(l, instr, -1)
			if err != nil {
				return err
			}
			c.out[instr].U1, c.out[instr].U2 = pc, dk
		case wasm.OpcodeBrTable:
			count, err := c.readU32()
			if err != nil {
				return err
			}
			c.pop(1)
			targets := make([]BranchTarget, count+1)
			instr := c.emit(Instr{Op: OpBrTable, Targets: targets})
			for i := uint32(0); i <= count; i++ {
				l, err := c.readU32()
				if err != nil {
					return err
				}
				pc, dk, err := c.branchTarget(l, instr, int(i))
				if err != nil {
					return err
				}
				targets[i] = BranchTarget{PC: pc, DropKeep: dk}
			}
			deadDepth = 0
		case wasm.OpcodeReturn:
			c.emit(Instr{Op: OpReturn})
			deadDepth = 0
		case wasm.OpcodeCall:
			idx, err := c.readU32()
			if err != nil {
				return err
			}
			t := c.module.TypeOfFunction(idx)
			if t == nil {
				return fmt.Errorf("call to unknown function %d at %d", idx, opPos)
			}
			c.pop(len(t.Params))
			c.emit(Instr{Op: OpCall, U1: uint64(idx)})
			c.push(len(t.Results))
		case wasm.OpcodeCallIndirect:
			typeIdx, err := c.readU32()
			if err != nil {
				return err
			}
			if _, err := c.readU32(); err != nil { // table index, single table
				return err
			}
			if int(typeIdx) >= len(c.module.TypeSection) {
				return fmt.Errorf("call_indirect type %d out of range at %d", typeIdx, opPos)
			}
			t := c.module.TypeSection[typeIdx]
			c.pop(1 + len(t.Params))
			c.emit(Instr{Op: OpCallIndirect, U1: uint64(typeIdx)})
			c.push(len(t.Results))
		case wasm.OpcodeDrop:
			c.pop(1)
			c.emit(Instr{Op: OpDrop})
		case wasm.OpcodeSelect:
			c.pop(2)
			c.emit(Instr{Op: OpSelect})
		case wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee,
			wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet:
			idx, err := c.readU32()
			if err != nil {
				return err
			}
			switch op {
			case wasm.OpcodeLocalGet:
				c.emit(Instr{Op: OpLocalGet, U1: uint64(idx)})
				c.push(1)
			case wasm.OpcodeLocalSet:
				c.pop(1)
				c.emit(Instr{Op: OpLocalSet, U1: uint64(idx)})
			case wasm.OpcodeLocalTee:
				c.emit(Instr{Op: OpLocalTee, U1: uint64(idx)})
			case wasm.OpcodeGlobalGet:
				c.emit(Instr{Op: OpGlobalGet, U1: uint64(idx)})
				c.push(1)
			case wasm.OpcodeGlobalSet:
				c.pop(1)
				c.emit(Instr{Op: OpGlobalSet, U1: uint64(idx)})
			}
		case wasm.OpcodeI32Const:
			v, n, err := leb128.DecodeInt32(c.body[c.pos:])
			if err != nil {
				return err
			}
			c.pos += int(n)
			c.emit(Instr{Op: OpConst, U1: api.EncodeI32(v)})
			c.push(1)
		case wasm.OpcodeI64Const:
			v, n, err := leb128.DecodeInt64(c.body[c.pos:])
			if err != nil {
				return err
			}
			c.pos += int(n)
			c.emit(Instr{Op: OpConst, U1: api.EncodeI64(v)})
			c.push(1)
		case wasm.OpcodeF32Const:
			if c.pos+4 > len(c.body) {
				return fmt.Errorf("truncated f32.const at %d", opPos)
			}
			bits := binary.LittleEndian.Uint32(c.body[c.pos:])
			c.pos += 4
			c.emit(Instr{Op: OpConst, U1: uint64(bits)})
			c.push(1)
		case wasm.OpcodeF64Const:
			if c.pos+8 > len(c.body) {
				return fmt.Errorf("truncated f64.const at %d", opPos)
			}
			bits := binary.LittleEndian.Uint64(c.body[c.pos:])
			c.pos += 8
			c.emit(Instr{Op: OpConst, U1: bits})
			c.push(1)
		case wasm.OpcodeMemorySize:
			c.pos++ // reserved byte
			c.emit(Instr{Op: OpMemorySize})
			c.push(1)
		case wasm.OpcodeMemoryGrow:
			c.pos++
			c.emit(Instr{Op: OpMemoryGrow})
		case wasm.OpcodeMiscPrefix:
			if err := c.lowerMisc(opPos); err != nil {
				return err
			}
		default:
			if op >= wasm.OpcodeI32Load && op <= wasm.OpcodeI64Store32 {
				if err := c.lowerMemAccess(op); err != nil {
					return err
				}
				continue
			}
			if !c.lowerNumeric(op) {
				return fmt.Errorf("unsupported opcode %s at %d", wasm.InstructionName(op), opPos)
			}
		}
	}
	return fmt.Errorf("body missing terminating end")
}

// enterElse closes the then-branch with a jump to the end and rebinds the
// false edge to the instruction that follows.
func (c *compiler) enterElse(f *controlFrame) error {
	if f.kind != frameIf || f.hasElse {
		return fmt.Errorf("unexpected else at %d", c.pos-1)
	}
	br := c.emit(Instr{Op: OpBr, U2: PackDropKeep(0, uint64(f.results))})
	f.endPatches = append(f.endPatches, patch{instr: br, table: -1})
	c.out[f.elsePatchInstr].U1 = uint64(len(c.out))
	f.hasElse = true
	c.h = f.base + f.params
	return nil
}

// closeFrame resolves branches to the frame being ended. The function
// frame's end doubles as the implicit return, which branch targets resolve
// to so their drop-keep runs first.
func (c *compiler) closeFrame() {
	f := c.frames[len(c.frames)-1]
	c.frames = c.frames[:len(c.frames)-1]
	pc := len(c.out)
	if f.kind == frameFunc {
		c.applyPatches(f, pc)
		c.emit(Instr{Op: OpReturn})
		return
	}
	c.applyPatches(f, pc)
	c.h = f.base + f.results
	if c.h > c.maxH {
		c.maxH = c.h
	}
}

var memAccess = [...]struct {
	op       OpKind
	numBytes uint64
	signed   bool
	to64     bool
}{
	wasm.OpcodeI32Load - wasm.OpcodeI32Load:    {OpLoad, 4, false, false},
	wasm.OpcodeI64Load - wasm.OpcodeI32Load:    {OpLoad, 8, false, true},
	wasm.OpcodeF32Load - wasm.OpcodeI32Load:    {OpLoad, 4, false, false},
	wasm.OpcodeF64Load - wasm.OpcodeI32Load:    {OpLoad, 8, false, true},
	wasm.OpcodeI32Load8S - wasm.OpcodeI32Load:  {OpLoad, 1, true, false},
	wasm.OpcodeI32Load8U - wasm.OpcodeI32Load:  {OpLoad, 1, false, false},
	wasm.OpcodeI32Load16S - wasm.OpcodeI32Load: {OpLoad, 2, true, false},
	wasm.OpcodeI32Load16U - wasm.OpcodeI32Load: {OpLoad, 2, false, false},
	wasm.OpcodeI64Load8S - wasm.OpcodeI32Load:  {OpLoad, 1, true, true},
	wasm.OpcodeI64Load8U - wasm.OpcodeI32Load:  {OpLoad, 1, false, true},
	wasm.OpcodeI64Load16S - wasm.OpcodeI32Load: {OpLoad, 2, true, true},
	wasm.OpcodeI64Load16U - wasm.OpcodeI32Load: {OpLoad, 2, false, true},
	wasm.OpcodeI64Load32S - wasm.OpcodeI32Load: {OpLoad, 4, true, true},
	wasm.OpcodeI64Load32U - wasm.OpcodeI32Load: {OpLoad, 4, false, true},
	wasm.OpcodeI32Store - wasm.OpcodeI32Load:   {OpStore, 4, false, false},
	wasm.OpcodeI64Store - wasm.OpcodeI32Load:   {OpStore, 8, false, false},
	wasm.OpcodeF32Store - wasm.OpcodeI32Load:   {OpStore, 4, false, false},
	wasm.OpcodeF64Store - wasm.OpcodeI32Load:   {OpStore, 8, false, false},
	wasm.OpcodeI32Store8 - wasm.OpcodeI32Load:  {OpStore, 1, false, false},
	wasm.OpcodeI32Store16 - wasm.OpcodeI32Load: {OpStore, 2, false, false},
	wasm.OpcodeI64Store8 - wasm.OpcodeI32Load:  {OpStore, 1, false, false},
	wasm.OpcodeI64Store16 - wasm.OpcodeI32Load: {OpStore, 2, false, false},
	wasm.OpcodeI64Store32 - wasm.OpcodeI32Load: {OpStore, 4, false, false},
}

func (c *compiler) lowerMemAccess(op wasm.Opcode) error {
	// Alignment hint, unused.
	_, n, err := leb128.DecodeUint32(c.body[c.pos:])
	if err != nil {
		return err
	}
	c.pos += int(n)
	offset, n, err := leb128.DecodeUint64(c.body[c.pos:])
	if err != nil {
		return err
	}
	c.pos += int(n)
	a := memAccess[op-wasm.OpcodeI32Load]
	if a.op == OpLoad {
		c.emit(Instr{Op: OpLoad, U1: offset, U2: PackLoad(a.numBytes, a.signed, a.to64)})
	} else {
		c.pop(2)
		c.emit(Instr{Op: OpStore, U1: offset, U2: a.numBytes})
	}
	return nil
}

func (c *compiler) lowerMisc(opPos int) error {
	sub, err := c.readU32()
	if err != nil {
		return err
	}
	switch byte(sub) {
	case wasm.OpcodeMiscMemoryInit:
		idx, err := c.readU32()
		if err != nil {
			return err
		}
		if _, err := c.readU32(); err != nil { // memory index
			return err
		}
		c.pop(3)
		c.emit(Instr{Op: OpMemoryInit, U1: uint64(idx)})
	case wasm.OpcodeMiscDataDrop:
		idx, err := c.readU32()
		if err != nil {
			return err
		}
		c.emit(Instr{Op: OpDataDrop, U1: uint64(idx)})
	case wasm.OpcodeMiscMemoryCopy:
		if _, err := c.readU32(); err != nil { // destination memory index
			return err
		}
		if _, err := c.readU32(); err != nil { // source memory index
			return err
		}
		c.pop(3)
		c.emit(Instr{Op: OpMemoryCopy})
	case wasm.OpcodeMiscMemoryFill:
		if _, err := c.readU32(); err != nil {
			return err
		}
		c.pop(3)
		c.emit(Instr{Op: OpMemoryFill})
	case wasm.OpcodeMiscTableInit:
		idx, err := c.readU32()
		if err != nil {
			return err
		}
		if _, err := c.readU32(); err != nil { // table index
			return err
		}
		c.pop(3)
		c.emit(Instr{Op: OpTableInit, U1: uint64(idx)})
	case wasm.OpcodeMiscElemDrop:
		idx, err := c.readU32()
		if err != nil {
			return err
		}
		c.emit(Instr{Op: OpElemDrop, U1: uint64(idx)})
	default:
		return fmt.Errorf("unsupported misc opcode %#x at %d", sub, opPos)
	}
	return nil
}

// lowerNumeric handles the immediate-free numeric opcodes, returning false
// for opcodes outside that family. Reinterpret casts vanish here: every
// value is already its raw bits.
func (c *compiler) lowerNumeric(op wasm.Opcode) bool {
	type entry struct {
		op    OpKind
		u1    uint64
		delta int // operand stack delta
	}
	var e entry
	switch op {
	case wasm.OpcodeI32Eqz:
		e = entry{OpEqz, 0, 0}
	case wasm.OpcodeI64Eqz:
		e = entry{OpEqz, 1, 0}
	case wasm.OpcodeI32Eq:
		e = entry{OpEq, TypeI32, -1}
	case wasm.OpcodeI32Ne:
		e = entry{OpNe, TypeI32, -1}
	case wasm.OpcodeI64Eq:
		e = entry{OpEq, TypeI64, -1}
	case wasm.OpcodeI64Ne:
		e = entry{OpNe, TypeI64, -1}
	case wasm.OpcodeF32Eq:
		e = entry{OpEq, TypeF32, -1}
	case wasm.OpcodeF32Ne:
		e = entry{OpNe, TypeF32, -1}
	case wasm.OpcodeF64Eq:
		e = entry{OpEq, TypeF64, -1}
	case wasm.OpcodeF64Ne:
		e = entry{OpNe, TypeF64, -1}
	case wasm.OpcodeI32LtS:
		e = entry{OpLtS, 0, -1}
	case wasm.OpcodeI32LtU:
		e = entry{OpLtU, 0, -1}
	case wasm.OpcodeI32GtS:
		e = entry{OpGtS, 0, -1}
	case wasm.OpcodeI32GtU:
		e = entry{OpGtU, 0, -1}
	case wasm.OpcodeI32LeS:
		e = entry{OpLeS, 0, -1}
	case wasm.OpcodeI32LeU:
		e = entry{OpLeU, 0, -1}
	case wasm.OpcodeI32GeS:
		e = entry{OpGeS, 0, -1}
	case wasm.OpcodeI32GeU:
		e = entry{OpGeU, 0, -1}
	case wasm.OpcodeI64LtS:
		e = entry{OpLtS, 1, -1}
	case wasm.OpcodeI64LtU:
		e = entry{OpLtU, 1, -1}
	case wasm.OpcodeI64GtS:
		e = entry{OpGtS, 1, -1}
	case wasm.OpcodeI64GtU:
		e = entry{OpGtU, 1, -1}
	case wasm.OpcodeI64LeS:
		e = entry{OpLeS, 1, -1}
	case wasm.OpcodeI64LeU:
		e = entry{OpLeU, 1, -1}
	case wasm.OpcodeI64GeS:
		e = entry{OpGeS, 1, -1}
	case wasm.OpcodeI64GeU:
		e = entry{OpGeU, 1, -1}
	case wasm.OpcodeF32Lt:
		e = entry{OpFLt, 0, -1}
	case wasm.OpcodeF32Gt:
		e = entry{OpFGt, 0, -1}
	case wasm.OpcodeF32Le:
		e = entry{OpFLe, 0, -1}
	case wasm.OpcodeF32Ge:
		e = entry{OpFGe, 0, -1}
	case wasm.OpcodeF64Lt:
		e = entry{OpFLt, 1, -1}
	case wasm.OpcodeF64Gt:
		e = entry{OpFGt, 1, -1}
	case wasm.OpcodeF64Le:
		e = entry{OpFLe, 1, -1}
	case wasm.OpcodeF64Ge:
		e = entry{OpFGe, 1, -1}
	case wasm.OpcodeI32Clz:
		e = entry{OpClz, 0, 0}
	case wasm.OpcodeI32Ctz:
		e = entry{OpCtz, 0, 0}
	case wasm.OpcodeI32Popcnt:
		e = entry{OpPopcnt, 0, 0}
	case wasm.OpcodeI64Clz:
		e = entry{OpClz, 1, 0}
	case wasm.OpcodeI64Ctz:
		e = entry{OpCtz, 1, 0}
	case wasm.OpcodeI64Popcnt:
		e = entry{OpPopcnt, 1, 0}
	case wasm.OpcodeI32Add:
		e = entry{OpAdd, TypeI32, -1}
	case wasm.OpcodeI32Sub:
		e = entry{OpSub, TypeI32, -1}
	case wasm.OpcodeI32Mul:
		e = entry{OpMul, TypeI32, -1}
	case wasm.OpcodeI64Add:
		e = entry{OpAdd, TypeI64, -1}
	case wasm.OpcodeI64Sub:
		e = entry{OpSub, TypeI64, -1}
	case wasm.OpcodeI64Mul:
		e = entry{OpMul, TypeI64, -1}
	case wasm.OpcodeF32Add:
		e = entry{OpAdd, TypeF32, -1}
	case wasm.OpcodeF32Sub:
		e = entry{OpSub, TypeF32, -1}
	case wasm.OpcodeF32Mul:
		e = entry{OpMul, TypeF32, -1}
	case wasm.OpcodeF64Add:
		e = entry{OpAdd, TypeF64, -1}
	case wasm.OpcodeF64Sub:
		e = entry{OpSub, TypeF64, -1}
	case wasm.OpcodeF64Mul:
		e = entry{OpMul, TypeF64, -1}
	case wasm.OpcodeI32DivS:
		e = entry{OpDivS, 0, -1}
	case wasm.OpcodeI32DivU:
		e = entry{OpDivU, 0, -1}
	case wasm.OpcodeI32RemS:
		e = entry{OpRemS, 0, -1}
	case wasm.OpcodeI32RemU:
		e = entry{OpRemU, 0, -1}
	case wasm.OpcodeI64DivS:
		e = entry{OpDivS, 1, -1}
	case wasm.OpcodeI64DivU:
		e = entry{OpDivU, 1, -1}
	case wasm.OpcodeI64RemS:
		e = entry{OpRemS, 1, -1}
	case wasm.OpcodeI64RemU:
		e = entry{OpRemU, 1, -1}
	case wasm.OpcodeI32And:
		e = entry{OpAnd, 0, -1}
	case wasm.OpcodeI32Or:
		e = entry{OpOr, 0, -1}
	case wasm.OpcodeI32Xor:
		e = entry{OpXor, 0, -1}
	case wasm.OpcodeI64And:
		e = entry{OpAnd, 1, -1}
	case wasm.OpcodeI64Or:
		e = entry{OpOr, 1, -1}
	case wasm.OpcodeI64Xor:
		e = entry{OpXor, 1, -1}
	case wasm.OpcodeI32Shl:
		e = entry{OpShl, 0, -1}
	case wasm.OpcodeI32ShrS:
		e = entry{OpShrS, 0, -1}
	case wasm.OpcodeI32ShrU:
		e = entry{OpShrU, 0, -1}
	case wasm.OpcodeI32Rotl:
		e = entry{OpRotl, 0, -1}
	case wasm.OpcodeI32Rotr:
		e = entry{OpRotr, 0, -1}
	case wasm.OpcodeI64Shl:
		e = entry{OpShl, 1, -1}
	case wasm.OpcodeI64ShrS:
		e = entry{OpShrS, 1, -1}
	case wasm.OpcodeI64ShrU:
		e = entry{OpShrU, 1, -1}
	case wasm.OpcodeI64Rotl:
		e = entry{OpRotl, 1, -1}
	case wasm.OpcodeI64Rotr:
		e = entry{OpRotr, 1, -1}
	case wasm.OpcodeF32Abs:
		e = entry{OpAbs, 0, 0}
	case wasm.OpcodeF32Neg:
		e = entry{OpNeg, 0, 0}
	case wasm.OpcodeF32Ceil:
		e = entry{OpCeil, 0, 0}
	case wasm.OpcodeF32Floor:
		e = entry{OpFloor, 0, 0}
	case wasm.OpcodeF32Trunc:
		e = entry{OpTruncOp, 0, 0}
	case wasm.OpcodeF32Nearest:
		e = entry{OpNearest, 0, 0}
	case wasm.OpcodeF32Sqrt:
		e = entry{OpSqrt, 0, 0}
	case wasm.OpcodeF64Abs:
		e = entry{OpAbs, 1, 0}
	case wasm.OpcodeF64Neg:
		e = entry{OpNeg, 1, 0}
	case wasm.OpcodeF64Ceil:
		e = entry{OpCeil, 1, 0}
	case wasm.OpcodeF64Floor:
		e = entry{OpFloor, 1, 0}
	case wasm.OpcodeF64Trunc:
		e = entry{OpTruncOp, 1, 0}
	case wasm.OpcodeF64Nearest:
		e = entry{OpNearest, 1, 0}
	case wasm.OpcodeF64Sqrt:
		e = entry{OpSqrt, 1, 0}
	case wasm.OpcodeF32Div:
		e = entry{OpFDiv, 0, -1}
	case wasm.OpcodeF32Min:
		e = entry{OpMin, 0, -1}
	case wasm.OpcodeF32Max:
		e = entry{OpMax, 0, -1}
	case wasm.OpcodeF32Copysign:
		e = entry{OpCopysign, 0, -1}
	case wasm.OpcodeF64Div:
		e = entry{OpFDiv, 1, -1}
	case wasm.OpcodeF64Min:
		e = entry{OpMin, 1, -1}
	case wasm.OpcodeF64Max:
		e = entry{OpMax, 1, -1}
	case wasm.OpcodeF64Copysign:
		e = entry{OpCopysign, 1, -1}
	case wasm.OpcodeI32WrapI64:
		e = entry{OpI32WrapI64, 0, 0}
	case wasm.OpcodeI32TruncF32S:
		e = entry{OpITruncF, PackTrunc(false, false, true), 0}
	case wasm.OpcodeI32TruncF32U:
		e = entry{OpITruncF, PackTrunc(false, false, false), 0}
	case wasm.OpcodeI32TruncF64S:
		e = entry{OpITruncF, PackTrunc(true, false, true), 0}
	case wasm.OpcodeI32TruncF64U:
		e = entry{OpITruncF, PackTrunc(true, false, false), 0}
	case wasm.OpcodeI64TruncF32S:
		e = entry{OpITruncF, PackTrunc(false, true, true), 0}
	case wasm.OpcodeI64TruncF32U:
		e = entry{OpITruncF, PackTrunc(false, true, false), 0}
	case wasm.OpcodeI64TruncF64S:
		e = entry{OpITruncF, PackTrunc(true, true, true), 0}
	case wasm.OpcodeI64TruncF64U:
		e = entry{OpITruncF, PackTrunc(true, true, false), 0}
	case wasm.OpcodeI64ExtendI32S:
		e = entry{OpExtend, PackExtend(32, true, true), 0}
	case wasm.OpcodeI64ExtendI32U:
		// Already zero-extended in the representation.
		return true
	case wasm.OpcodeF32ConvertI32S:
		e = entry{OpFConvertI, PackConvert(false, false, true), 0}
	case wasm.OpcodeF32ConvertI32U:
		e = entry{OpFConvertI, PackConvert(false, false, false), 0}
	case wasm.OpcodeF32ConvertI64S:
		e = entry{OpFConvertI, PackConvert(true, false, true), 0}
	case wasm.OpcodeF32ConvertI64U:
		e = entry{OpFConvertI, PackConvert(true, false, false), 0}
	case wasm.OpcodeF64ConvertI32S:
		e = entry{OpFConvertI, PackConvert(false, true, true), 0}
	case wasm.OpcodeF64ConvertI32U:
		e = entry{OpFConvertI, PackConvert(false, true, false), 0}
	case wasm.OpcodeF64ConvertI64S:
		e = entry{OpFConvertI, PackConvert(true, true, true), 0}
	case wasm.OpcodeF64ConvertI64U:
		e = entry{OpFConvertI, PackConvert(true, true, false), 0}
	case wasm.OpcodeF32DemoteF64:
		e = entry{OpF32DemoteF64, 0, 0}
	case wasm.OpcodeF64PromoteF32:
		e = entry{OpF64PromoteF32, 0, 0}
	case wasm.OpcodeI32ReinterpretF32, wasm.OpcodeI64ReinterpretF64,
		wasm.OpcodeF32ReinterpretI32, wasm.OpcodeF64ReinterpretI64:
		// Bit-identical in the representation.
		return true
	case wasm.OpcodeI32Extend8S:
		e = entry{OpExtend, PackExtend(8, true, false), 0}
	case wasm.OpcodeI32Extend16S:
		e = entry{OpExtend, PackExtend(16, true, false), 0}
	case wasm.OpcodeI64Extend8S:
		e = entry{OpExtend, PackExtend(8, true, true), 0}
	case wasm.OpcodeI64Extend16S:
		e = entry{OpExtend, PackExtend(16, true, true), 0}
	case wasm.OpcodeI64Extend32S:
		e = entry{OpExtend, PackExtend(32, true, true), 0}
	default:
		return false
	}
	c.pop(-e.delta)
	c.emit(Instr{Op: e.op, U1: e.u1})
	return true
}
