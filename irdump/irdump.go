// Package irdump projects a lifted subroutine onto a throwaway LLVM IR
// skeleton purely for -d's human-readable output: one ir.Function per
// subroutine, one ir.BasicBlock per basic block. This plays no part in
// virtualization itself — bytecode.Emitter.Dump already carries everything
// patch needs — it exists only so -d can print a block-structure sketch in
// the same LLVM-flavoured shape mewmew-x's own lifter produces.
package irdump

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/covirt/bbdecomp"
)

// Subroutine builds a single-function *ir.Module sketching sub's block
// structure: one void-returning, unnamed ir.BasicBlock per
// bbdecomp.BasicBlock, in block order, built and appended the way mewmew-x's own
// lifter builds a function's signature and blocks (struct literals for
// *ir.Function/*ir.BasicBlock, AppendBlock to attach one to the other). The
// x86 instructions each block carries are not translated into IR — the
// bytecode dump table (package bytecode) already carries that text as
// plain source strings; this exists only to print the block shape in the
// same LLVM-flavoured notation mewmew-x's own lifter produces. Every block
// terminates with a bare `ret void` rather than branching to the next
// block in sequence: the real control flow already lives in the bytecode
// disassembly -d prints alongside this, so this skeleton only lists the
// blocks, without naming or connecting them.
func Subroutine(sub *bbdecomp.Subroutine) *ir.Module {
	sig := types.NewFunc(types.Void)
	f := &ir.Function{
		Name: fmt.Sprintf("sub_%s", sub.StartVA),
		Typ:  types.NewPointer(sig),
		Sig:  sig,
	}
	for range sub.Blocks {
		block := &ir.BasicBlock{}
		block.NewRet(nil)
		f.AppendBlock(block)
	}
	return &ir.Module{Funcs: []*ir.Function{f}}
}

// String renders sub's IR sketch as LLVM assembly text.
func String(sub *bbdecomp.Subroutine) string {
	return Subroutine(sub).String()
}
