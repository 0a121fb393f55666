// Package bbdecomp splits a single marked region's flat instruction list
// into basic blocks at jump targets and fall-through points (spec §4.2),
// producing the Subroutine the lifter (package liftcore) consumes.
package bbdecomp

import (
	"sort"

	"github.com/mewmew/covirt/addr"
	"github.com/mewmew/covirt/disasm"
	"golang.org/x/arch/x86/x86asm"
)

// BasicBlock is an ordered run of instructions covering [StartVA, EndVA).
// Per the design notes in spec §9, subroutines hold a contiguous slice of
// blocks (not a linked list) so a bytecode.Gap can reference a block by index
// and survive slice reallocation.
type BasicBlock struct {
	StartVA, EndVA addr.Addr
	Insts          []*disasm.Instruction
	// OffsetIntoLift is the byte offset of this block's first lifted VM
	// instruction inside the bytecode buffer. Filled in during lifting
	// (package liftcore); -1 until then.
	OffsetIntoLift int
}

// VMExit reports whether this is the synthetic trailing exit block
// appended by Decompose to give the lifter somewhere to terminate.
func (b *BasicBlock) VMExit() bool {
	return len(b.Insts) == 0
}

// Subroutine is one marked region: a contiguous slice of basic blocks
// partitioning [StartVA, EndVA).
type Subroutine struct {
	StartVA, EndVA addr.Addr
	Blocks         []*BasicBlock
}

// BlockContaining returns the index of the block whose [StartVA, EndVA)
// covers va, or -1 if none does.
func (s *Subroutine) BlockContaining(va addr.Addr) int {
	for i, b := range s.Blocks {
		if b.StartVA <= va && va < b.EndVA {
			return i
		}
	}
	return -1
}

// Decompose splits a raw marked region into basic blocks. Every jump
// instruction's absolute target, and for conditional jumps the
// fall-through address, becomes a split point; the final block is an
// instruction-less synthetic "VM exit" block at [region.EndVA, region.EndVA+1)
// so lifting always has somewhere to terminate.
func Decompose(region *disasm.RawRegion) *Subroutine {
	splits := map[addr.Addr]bool{region.EndVA: true}
	for _, ins := range region.Insts {
		if !isJump(ins.Inst) {
			continue
		}
		if target, ok := jumpTarget(ins); ok {
			splits[target] = true
		}
		if isConditionalJump(ins.Inst) {
			splits[ins.End()] = true
		}
	}

	var points addr.Addrs
	for va := range splits {
		points = append(points, va)
	}
	sort.Sort(points)

	sub := &Subroutine{StartVA: region.StartVA, EndVA: region.EndVA}
	prev := region.StartVA
	idx := 0
	for _, next := range points {
		if next <= prev {
			continue
		}
		block := &BasicBlock{StartVA: prev, EndVA: next, OffsetIntoLift: -1}
		for idx < len(region.Insts) && region.Insts[idx].Addr < next {
			block.Insts = append(block.Insts, region.Insts[idx])
			idx++
		}
		sub.Blocks = append(sub.Blocks, block)
		prev = next
	}

	// Synthetic VM-exit block: zero instructions, one byte wide, used only
	// as a lift target for control flow that falls off the end of the
	// region.
	sub.Blocks = append(sub.Blocks, &BasicBlock{
		StartVA:        region.EndVA,
		EndVA:          region.EndVA + 1,
		OffsetIntoLift: -1,
	})
	return sub
}

// isJump reports whether inst is any jump (conditional or not).
func isJump(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.JMP,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS:
		return true
	}
	return false
}

// isConditionalJump reports whether inst is a jump other than the
// unconditional JMP.
func isConditionalJump(inst x86asm.Inst) bool {
	return isJump(inst) && inst.Op != x86asm.JMP
}

// jumpTarget computes a direct jump's absolute target address: imm + addr +
// length (spec §4.2). Indirect jumps (register or memory operand) have no
// statically known target and are not Non-goal-supported (spec §1); ok is
// false for them and the lifter instead falls back to native embedding for
// the enclosing instruction (spec §4.3).
func jumpTarget(ins *disasm.Instruction) (addr.Addr, bool) {
	if len(ins.Inst.Args) == 0 {
		return 0, false
	}
	rel, ok := ins.Inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return ins.Addr + addr.Addr(int64(rel)) + addr.Addr(ins.Inst.Len), true
}
