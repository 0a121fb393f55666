package vmasm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMovRegImm64Encoding(t *testing.T) {
	a := New()
	a.MovRegImm64(RAX, 0x1122334455667788)
	code, _, err := a.Finalize()
	require.NoError(t, err)
	require.Equal(t, []byte{0x48, 0xB8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, code)
}

func TestMovRegImm64ExtendedRegisterSetsRexB(t *testing.T) {
	a := New()
	a.MovRegImm64(R9, 1)
	code, _, err := a.Finalize()
	require.NoError(t, err)
	require.Equal(t, byte(0x49), code[0]) // REX.WB
	require.Equal(t, byte(0xB8+1), code[1])
}

func TestJmpLabelResolvesForwardReference(t *testing.T) {
	a := New()
	a.JmpLabel("target")
	a.Nop()
	a.Nop()
	a.Label("target")
	a.Ret()
	code, _, err := a.Finalize()
	require.NoError(t, err)

	// jmp rel32 is 5 bytes (E9 + 4); the two nops follow, target is byte 7.
	require.Equal(t, byte(0xE9), code[0])
	rel := int32(code[1]) | int32(code[2])<<8 | int32(code[3])<<16 | int32(code[4])<<24
	require.Equal(t, int32(2), rel) // two nops between the jmp's end and the label
}

func TestFinalizeUndefinedLabelErrors(t *testing.T) {
	a := New()
	a.JmpLabel("nowhere")
	_, _, err := a.Finalize()
	require.Error(t, err)
}

func TestLabelOffsetReflectsPositionBeforeFinalize(t *testing.T) {
	a := New()
	a.Nop()
	a.Nop()
	a.Label("here")
	off, ok := a.LabelOffset("here")
	require.True(t, ok)
	require.Equal(t, 2, off)

	_, ok = a.LabelOffset("missing")
	require.False(t, ok)
}

func TestMovLabelImmInstEndAccountsForImmediateBytes(t *testing.T) {
	a := New()
	a.MovLabelImm("fill", 0xAABBCCDD, 4)
	a.Label("fill")
	code, _, err := a.Finalize()
	require.NoError(t, err)

	// C7 /0, modrm 05 => 2 header bytes, then disp32, then 4-byte imm.
	require.Equal(t, byte(0xC7), code[0])
	disp := int32(code[2]) | int32(code[3])<<8 | int32(code[4])<<16 | int32(code[5])<<24
	// label is bound right after the whole instruction (2 header + 4 disp + 4 imm = 10 bytes).
	require.Equal(t, int32(0), disp)
	require.Len(t, code, 10)
	require.Equal(t, []byte{0xDD, 0xCC, 0xBB, 0xAA}, code[6:10])
}

func TestMovLabelImmInvalidSizePanics(t *testing.T) {
	a := New()
	require.Panics(t, func() { a.MovLabelImm("x", 0, 3) })
}

func TestCallRegAndJmpRegSetRexBForExtendedRegisters(t *testing.T) {
	a := New()
	a.CallReg(R12)
	code, _, err := a.Finalize()
	require.NoError(t, err)
	require.Equal(t, []byte{0x41, 0xFF, 0xD4}, code)

	a = New()
	a.JmpReg(R12)
	code, _, err = a.Finalize()
	require.NoError(t, err)
	require.Equal(t, []byte{0x41, 0xFF, 0xE4}, code)
}

func TestPatchResolvesDataSymbolRelativeToCodeBase(t *testing.T) {
	a := New()
	a.LeaRegData(RAX, "vcode")
	code, refs, err := a.Finalize()
	require.NoError(t, err)
	require.Len(t, refs, 1)

	symbolOffset := map[string]int64{"vcode": 0x2000}
	require.NoError(t, Patch(code, refs, 0, symbolOffset))

	instEnd := refs[0].InstEnd
	disp := int32(code[refs[0].PatchAt]) | int32(code[refs[0].PatchAt+1])<<8 |
		int32(code[refs[0].PatchAt+2])<<16 | int32(code[refs[0].PatchAt+3])<<24
	require.Equal(t, int32(0x2000-instEnd), disp)
}

func TestPatchUndefinedSymbolErrors(t *testing.T) {
	a := New()
	a.LeaRegData(RAX, "missing")
	code, refs, err := a.Finalize()
	require.NoError(t, err)
	require.Error(t, Patch(code, refs, 0, map[string]int64{}))
}

func TestJccLabelUnknownConditionErrors(t *testing.T) {
	a := New()
	err := a.JccLabel("jweird", "target")
	require.Error(t, err)
}

func TestEmitMemOpByteSizeUsesByteOpcodeAndForcesRex(t *testing.T) {
	a := New()
	a.MovRegMem(RAX, RBX, 0, 1)
	code, _, err := a.Finalize()
	require.NoError(t, err)
	// REX prefix always present for size==1 (per emitMemOp's doc comment),
	// and 0x8A (byte-sized load) rather than 0x8B.
	require.Equal(t, byte(0x40), code[0]&0xF0)
	require.Contains(t, code, byte(0x8A))
}

func TestInt3EmitsBreakpointByte(t *testing.T) {
	a := New()
	a.Int3()
	code, _, err := a.Finalize()
	require.NoError(t, err)
	require.Equal(t, []byte{0xCC}, code)
}
