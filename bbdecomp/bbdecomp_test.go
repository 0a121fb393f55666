package bbdecomp

import (
	"testing"

	"github.com/mewmew/covirt/addr"
	"github.com/mewmew/covirt/disasm"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

// inst builds a synthetic decoded instruction at va, op-coded and sized as
// given, optionally carrying a single Rel argument (for jumps).
func inst(va addr.Addr, op x86asm.Op, length int, rel x86asm.Rel, hasRel bool) *disasm.Instruction {
	in := x86asm.Inst{Op: op, Len: length}
	if hasRel {
		in.Args[0] = rel
	}
	return &disasm.Instruction{Addr: va, Raw: make([]byte, length), Inst: in}
}

func TestDecomposeSplitsAtJumpTargetAndFallthrough(t *testing.T) {
	// 0x1000: jz +4 (len 2, target 0x1006, fallthrough 0x1002)
	// 0x1002: nop (len 2)
	// 0x1004: nop (len 2)
	// 0x1006: nop (len 2)
	// region ends at 0x1008
	region := &disasm.RawRegion{
		StartVA: 0x1000,
		EndVA:   0x1008,
		Insts: []*disasm.Instruction{
			inst(0x1000, x86asm.JE, 2, x86asm.Rel(4), true),
			inst(0x1002, x86asm.NOP, 2, 0, false),
			inst(0x1004, x86asm.NOP, 2, 0, false),
			inst(0x1006, x86asm.NOP, 2, 0, false),
		},
	}

	sub := Decompose(region)

	// Expect split points at 0x1002 (fallthrough) and 0x1006 (jump target),
	// plus the region end and the synthetic exit block.
	var starts []addr.Addr
	for _, b := range sub.Blocks {
		starts = append(starts, b.StartVA)
	}
	require.Equal(t, []addr.Addr{0x1000, 0x1002, 0x1006, 0x1008}, starts)

	last := sub.Blocks[len(sub.Blocks)-1]
	require.True(t, last.VMExit())
	require.Equal(t, addr.Addr(0x1008), last.StartVA)
	require.Equal(t, addr.Addr(0x1009), last.EndVA)
}

func TestDecomposeUnconditionalJumpSplitsOnlyAtTarget(t *testing.T) {
	// 0x1000: jmp +2 (len 2, target 0x1004) -- no fallthrough split since JMP
	//         is unconditional.
	// 0x1002: nop (len 2)
	region := &disasm.RawRegion{
		StartVA: 0x1000,
		EndVA:   0x1004,
		Insts: []*disasm.Instruction{
			inst(0x1000, x86asm.JMP, 2, x86asm.Rel(2), true),
			inst(0x1002, x86asm.NOP, 2, 0, false),
		},
	}

	sub := Decompose(region)

	var starts []addr.Addr
	for _, b := range sub.Blocks {
		starts = append(starts, b.StartVA)
	}
	require.Equal(t, []addr.Addr{0x1000, 0x1004}, starts)
}

func TestBlockContaining(t *testing.T) {
	region := &disasm.RawRegion{
		StartVA: 0x1000,
		EndVA:   0x1004,
		Insts: []*disasm.Instruction{
			inst(0x1000, x86asm.NOP, 2, 0, false),
			inst(0x1002, x86asm.NOP, 2, 0, false),
		},
	}
	sub := Decompose(region)

	require.Equal(t, 0, sub.BlockContaining(0x1000))
	require.Equal(t, 1, sub.BlockContaining(0x1004)) // the synthetic exit block
	require.Equal(t, -1, sub.BlockContaining(0x2000))
}
