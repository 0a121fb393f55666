package bytecode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeOpByteRoundTrips(t *testing.T) {
	for _, size := range []int{1, 2, 4, 8} {
		for op := Op(0); op < NumOps; op++ {
			b := EncodeOpByte(op, size)
			gotOp, gotSize := DecodeOpByte(b)
			require.Equal(t, op, gotOp)
			require.Equal(t, size, gotSize)
		}
	}
}

func TestSizeCodeInvalidPanics(t *testing.T) {
	require.Panics(t, func() { SizeCode(3) })
}

func TestEmitOpWritesPackedByte(t *testing.T) {
	e := NewEmitter(0)
	require.NoError(t, e.EmitOp(Add, 4))
	require.Len(t, e.Buf, 1)
	op, size := DecodeOpByte(e.Buf[0])
	require.Equal(t, Add, op)
	require.Equal(t, 4, size)
}

func TestEmitRegRejectsOutOfRange(t *testing.T) {
	e := NewEmitter(0)
	require.Error(t, e.EmitReg(-1))
	require.Error(t, e.EmitReg(16))
	require.NoError(t, e.EmitReg(15))
}

func TestEmitImmLittleEndian(t *testing.T) {
	e := NewEmitter(0)
	require.NoError(t, e.EmitImm(4, 0x11223344))
	require.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, e.Buf)
}

func TestEmitImmInvalidSize(t *testing.T) {
	e := NewEmitter(0)
	require.Error(t, e.EmitImm(3, 0))
}

func TestCheckCapacityEnforcesLimit(t *testing.T) {
	e := NewEmitter(2)
	require.NoError(t, e.EmitReg(0))
	require.NoError(t, e.EmitReg(1))
	require.Error(t, e.EmitReg(2))
}

func TestGapRoundTrip(t *testing.T) {
	e := NewEmitter(0)
	require.NoError(t, e.EmitOp(Jmp, 2))
	at, err := e.EmitRel16Placeholder()
	require.NoError(t, err)
	e.AddGap(3, at)
	require.Len(t, e.Gaps, 1)
	require.Equal(t, Gap{BlockIndex: 3, PatchAt: at}, e.Gaps[0])

	require.NoError(t, e.PatchGap(at, 0x1234))
	require.Equal(t, []byte{0x34, 0x12}, e.Buf[at:at+2])
}

func TestPatchGapRejectsOutOfRangeOffsetAndValue(t *testing.T) {
	e := NewEmitter(0)
	at, err := e.EmitRel16Placeholder()
	require.NoError(t, err)
	require.Error(t, e.PatchGap(at, 0x10000))
	require.Error(t, e.PatchGap(-1, 0))
	require.Error(t, e.PatchGap(100, 0))
}

func TestEmitRawAppendsVerbatim(t *testing.T) {
	e := NewEmitter(0)
	require.NoError(t, e.EmitRaw([]byte{0xDE, 0xAD, 0xBE, 0xEF}))
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, e.Buf)
}

func TestOffsetTracksWritePosition(t *testing.T) {
	e := NewEmitter(0)
	require.Equal(t, 0, e.Offset())
	require.NoError(t, e.EmitOp(Pop, 1))
	require.Equal(t, 1, e.Offset())
}
