// Package mba implements the mixed-boolean-arithmetic obfuscation pass:
// it replaces a handful of the VM interpreter's own ALU instructions and
// immediate-constant loads — not the guest bytecode it interprets — with
// machine code the symbolic expression engine (package expr) assembles
// from an identity-rewritten equivalent expression, so the interpreter's
// generated code doesn't contain a bare `add`/`xor`/`mov imm` a static
// analysis could pattern-match on (spec §4.6).
//
// vmgen emits its handler bodies directly through vmasm rather than
// through an intermediate instruction list, so this pass is wired in at
// vmgen's own extension points (the aluOpEmit closures emitAlu takes, and
// execute_native's scratch-pad fill constant) instead of walking a
// generic "VM-IR" program — see DESIGN.md.
package mba

import (
	"github.com/mewmew/covirt/expr"
	"github.com/mewmew/covirt/vmasm"
)

// FreeList is the fixed scratch register pool AssembleSteps draws from
// when lowering an MBA-expanded instruction inside the interpreter's own
// generated code (spec §4.6's literal free list: r15, r14, r13, r12, r8,
// rdi, rbx).
var FreeList = []vmasm.Reg{
	vmasm.R15, vmasm.R14, vmasm.R13, vmasm.R12, vmasm.R8, vmasm.RDI, vmasm.RBX,
}

// Passes is the number of RewriteOnce applications folded into an
// instruction's operand expression before it is assembled (spec §4.6:
// "applies the identity table across three passes").
const Passes = 3

// ConstDepth is the depth transform_constant expands an embedded literal
// to (spec §4.6).
const ConstDepth = 6

// RewriteChancePct is the per-node probability RewriteOnce applies a
// matching identity at, kept high enough that three passes reliably touch
// every eligible node without being a deterministic 100% (spec leaves the
// exact figure to the implementation; see DESIGN.md).
const RewriteChancePct = 70

var kindToBin = map[string]expr.BinKind{
	"add": expr.Add,
	"sub": expr.Sub,
	"xor": expr.Xor,
	"and": expr.And,
	"or":  expr.Or,
}

// AluEmit returns a register-register ALU emitter with the same (dst, src
// Reg, size int) contract as a plain AddRegReg/SubRegReg/XorRegReg/
// AndRegReg/OrRegReg call, so it drops straight into emitAlu's aluOpEmit
// slot in vmgen. Instead of emitting the instruction directly it builds
// `dst {op} src` as an expr.Bin, folds it through three passes of
// expr.IdentityTable, and lowers the result with expr.AssembleSteps.
//
// name must be one of "add", "sub", "xor", "and", "or". Instructions that
// would write to rsp are never routed here: the caller (vmgen) only calls
// this for the five general-purpose ALU handlers, none of which touch
// rsp, so no rsp guard is needed at this layer.
func AluEmit(name string) func(a *vmasm.Asm, dst, src vmasm.Reg, size int) {
	kind, ok := kindToBin[name]
	if !ok {
		panic("mba: unknown alu op " + name)
	}
	return func(a *vmasm.Asm, dst, src vmasm.Reg, size int) {
		tree := expr.Expr(expr.Bin{Op: kind, X: expr.VarExpr{Name: expr.A}, Y: expr.VarExpr{Name: expr.B}})
		for i := 0; i < Passes; i++ {
			tree = expr.RewriteOnce(tree, expr.IdentityTable, RewriteChancePct)
		}
		// dst and src hold the live operands, so neither may be lent out
		// as scratch even when it is on the fixed free list.
		free := make([]vmasm.Reg, 0, len(FreeList))
		for _, r := range FreeList {
			if r != dst && r != src {
				free = append(free, r)
			}
		}
		result, err := expr.AssembleSteps(a, tree, dst, src, free, size)
		if err != nil {
			// The fixed free list is sized for the identity table's worst
			// case fan-out; if three passes still produced a tree too deep
			// for it, fall back to the bare instruction rather than fail
			// the whole VM build.
			plainAlu(kind)(a, dst, src, size)
			return
		}
		if result != dst {
			a.MovRegReg(dst, result)
		}
	}
}

func plainAlu(kind expr.BinKind) func(a *vmasm.Asm, dst, src vmasm.Reg, size int) {
	switch kind {
	case expr.Add:
		return func(a *vmasm.Asm, dst, src vmasm.Reg, size int) { a.AddRegReg(dst, src, size) }
	case expr.Sub:
		return func(a *vmasm.Asm, dst, src vmasm.Reg, size int) { a.SubRegReg(dst, src, size) }
	case expr.Xor:
		return func(a *vmasm.Asm, dst, src vmasm.Reg, size int) { a.XorRegReg(dst, src, size) }
	case expr.And:
		return func(a *vmasm.Asm, dst, src vmasm.Reg, size int) { a.AndRegReg(dst, src, size) }
	default:
		return func(a *vmasm.Asm, dst, src vmasm.Reg, size int) { a.OrRegReg(dst, src, size) }
	}
}

// ImmEmit materializes a constant into dst the same way a plain
// MovRegImm32 call would, but expands it through expr.TransformConstant
// first so the interpreter's own code never contains the bare immediate.
// 64-bit constants are excluded (spec §4.6: "64-bit mov imm is skipped
// because the encoding cannot be widened safely") — callers needing a
// 64-bit constant must use MovRegImm64 directly.
func ImmEmit(a *vmasm.Asm, dst vmasm.Reg, val int32, size int) {
	tree := expr.TransformConstant(int64(val), size, ConstDepth)
	result, err := expr.AssembleSteps(a, tree, dst, dst, FreeList, size)
	if err != nil {
		a.MovRegImm32(dst, uint32(val))
		return
	}
	if result != dst {
		a.MovRegReg(dst, result)
	}
}
