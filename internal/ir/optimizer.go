package ir

import "math/bits"

// Optimize rewrites the function in place and returns it. The passes are
// integer constant folding, branch threading and dead-code elimination,
// followed by a compaction that renumbers branch targets. Float operations
// are never folded so NaN observation stays a runtime event.
func Optimize(f *Function) *Function {
	targets := branchTargetSet(f.Instrs)
	for foldConstants(f.Instrs, targets) {
	}
	threadBranches(f.Instrs)
	eliminateDeadCode(f.Instrs)
	f.Instrs = compact(f.Instrs)
	return f
}

// branchTargetSet marks every instruction some branch can land on. Folding
// across such an instruction would change the stack a branch arrives with.
func branchTargetSet(instrs []Instr) map[uint64]bool {
	targets := map[uint64]bool{}
	for _, in := range instrs {
		switch in.Op {
		case OpBr, OpBrIf, OpBrIfZ:
			targets[in.U1] = true
		case OpBrTable:
			for _, t := range in.Targets {
				targets[t.PC] = true
			}
		}
	}
	return targets
}

// foldConstants replaces const-fed integer operations with their result,
// erasing consumed instructions as OpNop for compact to drop. It reports
// whether anything changed so cascaded folds converge by iteration.
func foldConstants(instrs []Instr, targets map[uint64]bool) bool {
	// prev returns the index of the nearest non-nop before i, or -1.
	prev := func(i int) int {
		for j := i - 1; j >= 0; j-- {
			if instrs[j].Op != OpNop {
				return j
			}
		}
		return -1
	}
	changed := false
	for i := range instrs {
		if targets[uint64(i)] {
			continue
		}
		in := &instrs[i]
		if v, ok := foldableUnary(in); ok {
			p := prev(i)
			if p < 0 || instrs[p].Op != OpConst || targets[uint64(p)] {
				continue
			}
			instrs[i] = Instr{Op: OpConst, U1: v(instrs[p].U1)}
			instrs[p] = Instr{Op: OpNop}
			changed = true
			continue
		}
		if v, ok := foldableBinary(in); ok {
			p2 := prev(i)
			if p2 < 0 || instrs[p2].Op != OpConst || targets[uint64(p2)] {
				continue
			}
			p1 := prev(p2)
			if p1 < 0 || instrs[p1].Op != OpConst || targets[uint64(p1)] {
				continue
			}
			instrs[i] = Instr{Op: OpConst, U1: v(instrs[p1].U1, instrs[p2].U1)}
			instrs[p1] = Instr{Op: OpNop}
			instrs[p2] = Instr{Op: OpNop}
			changed = true
		}
	}
	return changed
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// foldableUnary returns an evaluator for integer unary ops.
func foldableUnary(in *Instr) (func(a uint64) uint64, bool) {
	is64 := in.U1 == 1
	switch in.Op {
	case OpEqz:
		return func(a uint64) uint64 { return b2u(a == 0) }, true
	case OpClz:
		if is64 {
			return func(a uint64) uint64 { return uint64(bits.LeadingZeros64(a)) }, true
		}
		return func(a uint64) uint64 { return uint64(bits.LeadingZeros32(uint32(a))) }, true
	case OpCtz:
		if is64 {
			return func(a uint64) uint64 { return uint64(bits.TrailingZeros64(a)) }, true
		}
		return func(a uint64) uint64 { return uint64(bits.TrailingZeros32(uint32(a))) }, true
	case OpPopcnt:
		if is64 {
			return func(a uint64) uint64 { return uint64(bits.OnesCount64(a)) }, true
		}
		return func(a uint64) uint64 { return uint64(bits.OnesCount32(uint32(a))) }, true
	case OpI32WrapI64:
		return func(a uint64) uint64 { return a & 0xffffffff }, true
	case OpExtend:
		fromBits, signed, to64 := UnpackExtend(in.U1)
		return func(a uint64) uint64 { return extendBits(a, fromBits, signed, to64) }, true
	}
	return nil, false
}

func extendBits(a, fromBits uint64, signed, to64 bool) uint64 {
	shift := 64 - fromBits
	if signed {
		a = uint64(int64(a<<shift) >> shift)
	} else {
		a = a << shift >> shift
	}
	if !to64 {
		a &= 0xffffffff
	}
	return a
}

// foldableBinary returns an evaluator for integer binary ops that cannot
// trap. Division and remainder stay runtime operations.
func foldableBinary(in *Instr) (func(a, b uint64) uint64, bool) {
	is64 := in.U1 == 1
	switch in.Op {
	case OpAdd:
		switch in.U1 {
		case TypeI32:
			return func(a, b uint64) uint64 { return uint64(uint32(a) + uint32(b)) }, true
		case TypeI64:
			return func(a, b uint64) uint64 { return a + b }, true
		}
	case OpSub:
		switch in.U1 {
		case TypeI32:
			return func(a, b uint64) uint64 { return uint64(uint32(a) - uint32(b)) }, true
		case TypeI64:
			return func(a, b uint64) uint64 { return a - b }, true
		}
	case OpMul:
		switch in.U1 {
		case TypeI32:
			return func(a, b uint64) uint64 { return uint64(uint32(a) * uint32(b)) }, true
		case TypeI64:
			return func(a, b uint64) uint64 { return a * b }, true
		}
	case OpAnd:
		return func(a, b uint64) uint64 { return a & b }, true
	case OpOr:
		return func(a, b uint64) uint64 { return a | b }, true
	case OpXor:
		return func(a, b uint64) uint64 { return a ^ b }, true
	case OpShl:
		if is64 {
			return func(a, b uint64) uint64 { return a << (b & 63) }, true
		}
		return func(a, b uint64) uint64 { return uint64(uint32(a) << (b & 31)) }, true
	case OpShrU:
		if is64 {
			return func(a, b uint64) uint64 { return a >> (b & 63) }, true
		}
		return func(a, b uint64) uint64 { return uint64(uint32(a) >> (b & 31)) }, true
	case OpShrS:
		if is64 {
			return func(a, b uint64) uint64 { return uint64(int64(a) >> (b & 63)) }, true
		}
		return func(a, b uint64) uint64 { return uint64(uint32(int32(a) >> (b & 31))) }, true
	case OpRotl:
		if is64 {
			return func(a, b uint64) uint64 { return bits.RotateLeft64(a, int(b&63)) }, true
		}
		return func(a, b uint64) uint64 { return uint64(bits.RotateLeft32(uint32(a), int(b&31))) }, true
	case OpRotr:
		if is64 {
			return func(a, b uint64) uint64 { return bits.RotateLeft64(a, -int(b&63)) }, true
		}
		return func(a, b uint64) uint64 { return uint64(bits.RotateLeft32(uint32(a), -int(b&31))) }, true
	case OpEq:
		switch in.U1 {
		case TypeI32, TypeI64:
			return func(a, b uint64) uint64 { return b2u(a == b) }, true
		}
	case OpNe:
		switch in.U1 {
		case TypeI32, TypeI64:
			return func(a, b uint64) uint64 { return b2u(a != b) }, true
		}
	case OpLtS:
		if is64 {
			return func(a, b uint64) uint64 { return b2u(int64(a) < int64(b)) }, true
		}
		return func(a, b uint64) uint64 { return b2u(int32(a) < int32(b)) }, true
	case OpLtU:
		if is64 {
			return func(a, b uint64) uint64 { return b2u(a < b) }, true
		}
		return func(a, b uint64) uint64 { return b2u(uint32(a) < uint32(b)) }, true
	case OpGtS:
		if is64 {
			return func(a, b uint64) uint64 { return b2u(int64(a) > int64(b)) }, true
		}
		return func(a, b uint64) uint64 { return b2u(int32(a) > int32(b)) }, true
	case OpGtU:
		if is64 {
			return func(a, b uint64) uint64 { return b2u(a > b) }, true
		}
		return func(a, b uint64) uint64 { return b2u(uint32(a) > uint32(b)) }, true
	case OpLeS:
		if is64 {
			return func(a, b uint64) uint64 { return b2u(int64(a) <= int64(b)) }, true
		}
		return func(a, b uint64) uint64 { return b2u(int32(a) <= int32(b)) }, true
	case OpLeU:
		if is64 {
			return func(a, b uint64) uint64 { return b2u(a <= b) }, true
		}
		return func(a, b uint64) uint64 { return b2u(uint32(a) <= uint32(b)) }, true
	case OpGeS:
		if is64 {
			return func(a, b uint64) uint64 { return b2u(int64(a) >= int64(b)) }, true
		}
		return func(a, b uint64) uint64 { return b2u(int32(a) >= int32(b)) }, true
	case OpGeU:
		if is64 {
			return func(a, b uint64) uint64 { return b2u(a >= b) }, true
		}
		return func(a, b uint64) uint64 { return b2u(uint32(a) >= uint32(b)) }, true
	}
	return nil, false
}

// threadBranches retargets jumps whose destination is itself an
// unconditional jump with no stack adjustment, so chains built from nested
// block ends collapse to a single hop.
func threadBranches(instrs []Instr) {
	resolve := func(pc uint64) uint64 {
		seen := map[uint64]bool{}
		for {
			t := pc
			for t < uint64(len(instrs)) && instrs[t].Op == OpNop {
				t++
			}
			if t >= uint64(len(instrs)) || seen[t] {
				return pc
			}
			seen[t] = true
			in := instrs[t]
			if in.Op != OpBr {
				return pc
			}
			if drop, _ := DropKeep(in.U2); drop != 0 {
				return pc
			}
			pc = in.U1
		}
	}
	for i := range instrs {
		switch instrs[i].Op {
		case OpBr, OpBrIf, OpBrIfZ:
			instrs[i].U1 = resolve(instrs[i].U1)
		case OpBrTable:
			for j := range instrs[i].Targets {
				instrs[i].Targets[j].PC = resolve(instrs[i].Targets[j].PC)
			}
		}
	}
}

// eliminateDeadCode erases instructions unreachable from entry as OpNop.
func eliminateDeadCode(instrs []Instr) {
	if len(instrs) == 0 {
		return
	}
	reachable := make([]bool, len(instrs))
	work := []uint64{0}
	mark := func(pc uint64) {
		if pc < uint64(len(instrs)) && !reachable[pc] {
			reachable[pc] = true
			work = append(work, pc)
		}
	}
	reachable[0] = true
	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		in := instrs[pc]
		switch in.Op {
		case OpBr:
			mark(in.U1)
		case OpBrIf, OpBrIfZ:
			mark(in.U1)
			mark(pc + 1)
		case OpBrTable:
			for _, t := range in.Targets {
				mark(t.PC)
			}
		case OpReturn, OpUnreachable:
		default:
			mark(pc + 1)
		}
	}
	for i := range instrs {
		if !reachable[i] {
			instrs[i] = Instr{Op: OpNop}
		}
	}
}

// compact removes OpNop erasure marks, renumbering every branch target.
func compact(instrs []Instr) []Instr {
	newPC := make([]uint64, len(instrs)+1)
	var kept uint64
	for i, in := range instrs {
		newPC[i] = kept
		if in.Op != OpNop {
			kept++
		}
	}
	newPC[len(instrs)] = kept
	out := make([]Instr, 0, kept)
	for _, in := range instrs {
		if in.Op == OpNop {
			continue
		}
		switch in.Op {
		case OpBr, OpBrIf, OpBrIfZ:
			in.U1 = newPC[in.U1]
		case OpBrTable:
			ts := make([]BranchTarget, len(in.Targets))
			for j, t := range in.Targets {
				ts[j] = BranchTarget{PC: newPC[t.PC], DropKeep: t.DropKeep}
			}
			in.Targets = ts
		}
		out = append(out, in)
	}
	return out
}
