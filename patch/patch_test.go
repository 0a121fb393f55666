package patch

import (
	"testing"

	"github.com/mewmew/covirt/addr"
	"github.com/mewmew/covirt/bbdecomp"
	"github.com/mewmew/covirt/binfmt"
	"github.com/mewmew/covirt/bytecode"
	"github.com/mewmew/covirt/vmgen"
	"github.com/stretchr/testify/require"
)

func TestRebaseGapsShiftsPatchedTargets(t *testing.T) {
	e := bytecode.NewEmitter(0)
	at, err := e.EmitRel16Placeholder()
	require.NoError(t, err)
	require.NoError(t, e.PatchGap(at, 10))
	e.AddGap(0, at)

	rebaseGaps(e, 100)
	require.Equal(t, uint16(110), uint16(e.Buf[at])|uint16(e.Buf[at+1])<<8)
}

func TestRebaseGapsNoopAtBaseZero(t *testing.T) {
	e := bytecode.NewEmitter(0)
	at, err := e.EmitRel16Placeholder()
	require.NoError(t, err)
	require.NoError(t, e.PatchGap(at, 42))
	e.AddGap(0, at)

	rebaseGaps(e, 0)
	require.Equal(t, uint16(42), uint16(e.Buf[at])|uint16(e.Buf[at+1])<<8)
}

// fakeBinary is a minimal binfmt.Binary backing patchRegion's test: one
// code section holding a subroutine preceded by enough room for the
// entry stub.
type fakeBinary struct {
	sect *binfmt.Section
}

func (f *fakeBinary) Format() string           { return "elf" }
func (f *fakeBinary) ImageBase() addr.Addr      { return 0 }
func (f *fakeBinary) Sections() []*binfmt.Section { return []*binfmt.Section{f.sect} }
func (f *fakeBinary) SectionByName(name string) (*binfmt.Section, bool) {
	if name == f.sect.Name {
		return f.sect, true
	}
	return nil, false
}
func (f *fakeBinary) SectionContaining(va addr.Addr) (*binfmt.Section, bool) {
	if f.sect.Contains(va) {
		return f.sect, true
	}
	return nil, false
}
func (f *fakeBinary) AddSection(name string, data []byte, flags binfmt.SectionFlags) (*binfmt.Section, error) {
	s := &binfmt.Section{Name: name, VA: f.sect.End(), Data: data, Exec: flags.Exec, Write: flags.Write}
	return s, nil
}
func (f *fakeBinary) Write(path string) error { return nil }

func TestPatchRegionWritesStubBeforeRegion(t *testing.T) {
	data := make([]byte, 64)
	bin := &fakeBinary{sect: &binfmt.Section{Name: ".text", VA: 0x1000, Data: data, Exec: true}}

	sub := &bbdecomp.Subroutine{StartVA: 0x1000 + addr.Addr(vmgen.StubLength) + 4, EndVA: 0x1000 + addr.Addr(vmgen.StubLength) + 8}
	l := lifted{sub: sub, base: 7}

	entryVA := addr.Addr(0x9000)
	require.NoError(t, patchRegion(bin, l, entryVA))

	stubOff := int64(sub.StartVA-bin.sect.VA) - int64(vmgen.StubLength)
	require.GreaterOrEqual(t, stubOff, int64(0))
	stubBytes := bin.sect.Data[stubOff : stubOff+int64(vmgen.StubLength)]
	require.Equal(t, byte(0x48), stubBytes[0], "expected the architectural prelude's REX.W prefix")
}

func TestPatchRegionFailsWithoutRoomForStub(t *testing.T) {
	data := make([]byte, 16)
	bin := &fakeBinary{sect: &binfmt.Section{Name: ".text", VA: 0x1000, Data: data, Exec: true}}
	sub := &bbdecomp.Subroutine{StartVA: 0x1000, EndVA: 0x1004}
	l := lifted{sub: sub, base: 0}
	require.Error(t, patchRegion(bin, l, addr.Addr(0x9000)))
}

func TestApplyResultDisassemblyHasOneEntryPerSubroutine(t *testing.T) {
	data := make([]byte, 4096)
	bin := &fakeBinary{sect: &binfmt.Section{Name: ".text", VA: 0x1000, Data: data, Exec: true}}

	subs := []*bbdecomp.Subroutine{
		{
			StartVA: 0x1000 + addr.Addr(vmgen.StubLength) + 8,
			EndVA:   0x1000 + addr.Addr(vmgen.StubLength) + 9,
			Blocks:  []*bbdecomp.BasicBlock{{StartVA: 0x1000 + addr.Addr(vmgen.StubLength) + 8, EndVA: 0x1000 + addr.Addr(vmgen.StubLength) + 9}},
		},
	}

	result, err := Apply(bin, subs, vmgen.Config{CodeSize: 512, StackSize: 512})
	require.NoError(t, err)
	require.Len(t, result.Disassembly, len(subs))
	require.NotEmpty(t, result.Disassembly[0])
}
