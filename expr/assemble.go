package expr

import (
	"github.com/mewmew/covirt/covirterr"
	"github.com/mewmew/covirt/rngutil"
	"github.com/mewmew/covirt/vmasm"
	"github.com/pkg/errors"
)

// regPool is a caller-supplied free list of scratch host registers
// assemble_steps may borrow for intermediate subexpression results. It is
// consumed front-to-back and given back in the same order once a
// register's value has been folded into its parent, so a pool sized for
// the tree's actual depth never runs dry; a pool too small for a
// particular tree fails with covirterr.RegisterExhausted rather than
// silently reusing a register still holding a live value.
type regPool struct {
	free []vmasm.Reg
}

func (p *regPool) take() (vmasm.Reg, error) {
	if len(p.free) == 0 {
		return 0, errors.WithStack(&covirterr.RegisterExhausted{Context: "expr.AssembleSteps"})
	}
	r := p.free[0]
	p.free = p.free[1:]
	return r, nil
}

func (p *regPool) give(r vmasm.Reg) {
	p.free = append([]vmasm.Reg{r}, p.free...)
}

// AssembleSteps lowers e into machine code appended to a, given the host
// registers already holding the A and B operand values and a free list of
// scratch registers for intermediate results (spec §4.5). It returns the
// register holding e's final value — always one of aReg, bReg, or one
// drawn from free. Decoy rol/ror immediate-8 pairs (which cancel exactly,
// spec §4.5) are spliced in between steps at random so the assembled
// sequence doesn't read as a clean one-identity-per-instruction stencil.
func AssembleSteps(a *vmasm.Asm, e Expr, aReg, bReg vmasm.Reg, free []vmasm.Reg, size int) (vmasm.Reg, error) {
	pool := &regPool{free: append([]vmasm.Reg(nil), free...)}
	result, err := assemble(a, e, aReg, bReg, pool, size)
	if err != nil {
		return 0, err
	}
	return result, nil
}

func assemble(a *vmasm.Asm, e Expr, aReg, bReg vmasm.Reg, pool *regPool, size int) (vmasm.Reg, error) {
	maybeDecoy(a, size)
	switch n := e.(type) {
	case VarExpr:
		if n.Name == A {
			return aReg, nil
		}
		return bReg, nil

	case Lit:
		dst, err := pool.take()
		if err != nil {
			return 0, err
		}
		a.MovRegImm64(dst, uint64(n.Val))
		return dst, nil

	case Un:
		x, err := assemble(a, n.X, aReg, bReg, pool, size)
		if err != nil {
			return 0, err
		}
		dst, err := stageResult(pool, x, aReg, bReg)
		if err != nil {
			return 0, err
		}
		if dst != x {
			a.MovRegReg(dst, x)
			releaseIfScratch(pool, x, aReg, bReg)
		}
		switch n.Op {
		case Not:
			a.NotReg(dst, size)
		default:
			a.NegReg(dst, size)
		}
		return dst, nil

	case Bin:
		x, err := assemble(a, n.X, aReg, bReg, pool, size)
		if err != nil {
			return 0, err
		}
		y, err := assemble(a, n.Y, aReg, bReg, pool, size)
		if err != nil {
			return 0, err
		}
		dst, err := stageResult(pool, x, aReg, bReg)
		if err != nil {
			return 0, err
		}
		if dst != x {
			a.MovRegReg(dst, x)
			releaseIfScratch(pool, x, aReg, bReg)
		}
		switch n.Op {
		case Add:
			a.AddRegReg(dst, y, size)
		case Sub:
			a.SubRegReg(dst, y, size)
		case Xor:
			a.XorRegReg(dst, y, size)
		case And:
			a.AndRegReg(dst, y, size)
		default:
			a.OrRegReg(dst, y, size)
		}
		releaseIfScratch(pool, y, aReg, bReg)
		return dst, nil
	}
	return 0, errors.Errorf("expr: cannot assemble node of type %T", e)
}

// stageResult decides where an operator's result should live: if x is
// already a scratch register (not one of the two live operand registers),
// the operator can write through it in place; otherwise a fresh scratch
// register is drawn so aReg/bReg are never clobbered mid-tree.
func stageResult(pool *regPool, x, aReg, bReg vmasm.Reg) (vmasm.Reg, error) {
	if x != aReg && x != bReg {
		return x, nil
	}
	return pool.take()
}

// releaseIfScratch returns r to the pool once its value has been folded
// into a parent node's result, unless r is one of the two live operand
// registers, which the caller never owns.
func releaseIfScratch(pool *regPool, r, aReg, bReg vmasm.Reg) {
	if r != aReg && r != bReg {
		pool.give(r)
	}
}

// maybeDecoy occasionally splices a rol/ror pair between real steps. A
// 64-bit rotate left by n followed by a rotate right by n restores the
// exact original bit pattern, so it is safe to target any register —
// including one currently holding a live operand — without perturbing this
// expression's value; it exists purely to break the one-identity-per-
// instruction rhythm a static analysis could otherwise key on. The pair
// always rotates the full 64-bit register: a 32-bit rotate would zero the
// register's upper half.
func maybeDecoy(a *vmasm.Asm, size int) {
	if rngutil.Int63n(100) >= 15 {
		return
	}
	reg := vmasm.Reg(rngutil.Int63n(8)) // rax..rdi
	imm := uint8(1 + rngutil.Int63n(7))
	a.RolRegImm8(reg, imm, 8)
	a.RorRegImm8(reg, imm, 8)
}
