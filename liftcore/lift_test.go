package liftcore

import (
	"testing"

	"github.com/mewmew/covirt/addr"
	"github.com/mewmew/covirt/bbdecomp"
	"github.com/mewmew/covirt/bytecode"
	"github.com/mewmew/covirt/disasm"
	"github.com/mewmew/covirt/vmgen"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

// trivialSub builds a one-block, one-instruction subroutine (a bare NOP,
// which translateInst declines) plus the synthetic VM-exit block Decompose
// always appends.
func trivialSub() *bbdecomp.Subroutine {
	nop := &disasm.Instruction{
		Addr: 0x1000,
		Raw:  []byte{0x90},
		Inst: x86asm.Inst{Op: x86asm.NOP, Len: 1},
	}
	return &bbdecomp.Subroutine{
		StartVA: 0x1000,
		EndVA:   0x1001,
		Blocks: []*bbdecomp.BasicBlock{
			{StartVA: 0x1000, EndVA: 0x1001, Insts: []*disasm.Instruction{nop}, OffsetIntoLift: -1},
			{StartVA: 0x1001, EndVA: 0x1002, OffsetIntoLift: -1},
		},
	}
}

func TestLiftEmbedsUnsupportedInstructionNatively(t *testing.T) {
	sub := trivialSub()
	e := bytecode.NewEmitter(0)
	require.NoError(t, Lift(sub, e))

	require.Equal(t, 0, sub.Blocks[0].OffsetIntoLift)
	require.NotEmpty(t, e.Buf)

	op, size := bytecode.DecodeOpByte(e.Buf[0])
	require.Equal(t, bytecode.ExecuteNative, op)
	require.Equal(t, 8, size)
	require.Equal(t, byte(1), e.Buf[1]) // raw instruction length prefix
	require.Equal(t, byte(0x90), e.Buf[2])

	// The exit block's vm_exit follows immediately.
	exitOff := sub.Blocks[1].OffsetIntoLift
	require.Greater(t, exitOff, 0)
	exitOp, exitSize := bytecode.DecodeOpByte(e.Buf[exitOff])
	require.Equal(t, bytecode.VMExit, exitOp)
	require.Equal(t, 8, exitSize)
}

func TestEmitEpilogueSkipMatchesStubLengthIdentity(t *testing.T) {
	sub := &bbdecomp.Subroutine{StartVA: 0x2000, EndVA: 0x2010}
	e := bytecode.NewEmitter(0)
	require.NoError(t, emitEpilogue(e, sub))

	op, size := bytecode.DecodeOpByte(e.Buf[0])
	require.Equal(t, bytecode.VMExit, op)
	require.Equal(t, 8, size)

	regionLen := int(sub.EndVA - sub.StartVA)
	wantSkip := regionLen + 2*vmgen.StubLength - vmgen.EntryPrologueLength()
	gotSkip := int(e.Buf[1]) | int(e.Buf[2])<<8
	require.Equal(t, wantSkip, gotSkip)
}

func TestEmitExecuteNativeInstRejectsOversizedInstruction(t *testing.T) {
	e := bytecode.NewEmitter(0)
	ins := &disasm.Instruction{Addr: 0x1000, Raw: make([]byte, execNativeScratchSize+1)}
	require.Error(t, emitExecuteNativeInst(e, ins))
}

func TestLiftResolvesGapsAgainstBlockOffsets(t *testing.T) {
	// A direct JMP to the very next block, which has no real instructions:
	// it is the synthetic exit block.
	jmp := &disasm.Instruction{
		Addr: 0x3000,
		Raw:  []byte{0xEB, 0x00},
		Inst: x86asm.Inst{Op: x86asm.JMP, Len: 2, Args: x86asm.Args{x86asm.Rel(0)}},
	}
	sub := &bbdecomp.Subroutine{
		StartVA: 0x3000,
		EndVA:   0x3002,
		Blocks: []*bbdecomp.BasicBlock{
			{StartVA: 0x3000, EndVA: 0x3002, Insts: []*disasm.Instruction{jmp}, OffsetIntoLift: -1},
			{StartVA: 0x3002, EndVA: 0x3003, OffsetIntoLift: -1},
		},
	}
	e := bytecode.NewEmitter(0)
	require.NoError(t, Lift(sub, e))
	require.Equal(t, addr.Addr(0x3002), sub.Blocks[1].StartVA)

	op, _ := bytecode.DecodeOpByte(e.Buf[0])
	require.Equal(t, bytecode.Jmp, op)
	target := int(e.Buf[1]) | int(e.Buf[2])<<8
	require.Equal(t, sub.Blocks[1].OffsetIntoLift, target)
}
