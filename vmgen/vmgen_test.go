package vmgen

import (
	"encoding/binary"
	"testing"

	"github.com/mewmew/covirt/rngutil"
	"github.com/stretchr/testify/require"
)

func TestBuildLayoutOrdersFieldsAndAligns(t *testing.T) {
	cfg := Config{CodeSize: 10, StackSize: 20}
	l := buildLayout(cfg)

	require.Equal(t, int64(0), l.VCodeOff)
	require.Equal(t, int64(10), l.VCodeSize)
	require.Equal(t, int64(16), l.SavedRSPOff) // aligned up from 10
	require.Equal(t, int64(24), l.VSPOff)
	require.Equal(t, int64(32), l.VIPOff)
	require.Equal(t, int64(40), l.VStackOff)
	require.Equal(t, int64(20), l.VStackSize)
	require.Equal(t, int64(64), l.RetAddrOff) // 40+20=60, aligned up to 64
	require.Equal(t, int64(72), l.VTableOff)
	require.Equal(t, int64(28*8), l.VTableSize)
	require.Equal(t, l.VTableOff+l.VTableSize, l.DataSize)
}

func TestAlign8AndAlignPage(t *testing.T) {
	require.Equal(t, int64(0), align8(0))
	require.Equal(t, int64(8), align8(1))
	require.Equal(t, int64(8), align8(8))
	require.Equal(t, int64(16), align8(9))

	require.Equal(t, int64(0), alignPage(0))
	require.Equal(t, int64(pageSize), alignPage(1))
	require.Equal(t, int64(pageSize), alignPage(pageSize))
	require.Equal(t, int64(2*pageSize), alignPage(pageSize+1))
}

func TestSymbolOffsetsCoversEveryDataRefSymbol(t *testing.T) {
	l := buildLayout(DefaultConfig())
	syms := l.symbolOffsets()
	for _, name := range []string{"vcode", "saved_rsp", "_vsp", "_vip", "vstack", "retaddr", "vtable"} {
		_, ok := syms[name]
		require.True(t, ok, "missing symbol %q", name)
	}
}

func TestEncodeEntryStubPatchesBothFields(t *testing.T) {
	stub := EncodeEntryStub(0x11223344, -100)
	require.Len(t, stub, StubLength)
	require.Equal(t, uint32(0x11223344), binary.LittleEndian.Uint32(stub[7:11]))
	require.Equal(t, int32(-100), int32(binary.LittleEndian.Uint32(stub[13:17])))
	// Architectural prelude is left untouched.
	require.Equal(t, entryStubTemplate[:7], stub[:7])
}

func TestEntryPrologueLengthMatchesStubLength(t *testing.T) {
	require.Equal(t, StubLength, EntryPrologueLength())
}

func TestBuildProducesNonEmptyProgramWithEntryOffset(t *testing.T) {
	for _, cfg := range []Config{DefaultConfig(), {CodeSize: 256, StackSize: 256, MBA: false, SMC: false}} {
		prog, err := Build(cfg)
		require.NoError(t, err)
		require.NotEmpty(t, prog.Bytes)
		require.Greater(t, prog.EntryOffset, int64(0))
		require.Less(t, prog.EntryOffset, prog.CodeSize)
		require.Equal(t, alignPage(prog.CodeSize), prog.DataOffset)
		require.Equal(t, prog.DataOffset+prog.Layout.DataSize, int64(len(prog.Bytes)))
	}
}

func TestBuildWithObfuscationPassesEnabledProducesAtLeastAsMuchCode(t *testing.T) {
	rngutil.Seed(42)
	plain, err := Build(Config{CodeSize: 2048, StackSize: 2048, MBA: false, SMC: false})
	require.NoError(t, err)
	rngutil.Seed(42)
	obfuscated, err := Build(Config{CodeSize: 2048, StackSize: 2048, MBA: true, SMC: true})
	require.NoError(t, err)
	// Both passes either leave an instruction as-is or expand it; they never
	// shrink the interpreter.
	require.GreaterOrEqual(t, obfuscated.CodeSize, plain.CodeSize)
}
