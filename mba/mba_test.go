package mba

import (
	"testing"

	"github.com/mewmew/covirt/rngutil"
	"github.com/mewmew/covirt/vmasm"
	"github.com/stretchr/testify/require"
)

func TestAluEmitProducesNonEmptyCode(t *testing.T) {
	rngutil.Seed(3)
	for _, name := range []string{"add", "sub", "xor", "and", "or"} {
		a := vmasm.New()
		emit := AluEmit(name)
		emit(a, vmasm.RAX, vmasm.RBX, 8)
		code, _, err := a.Finalize()
		require.NoError(t, err)
		require.NotEmptyf(t, code, "alu op %q emitted no bytes", name)
	}
}

func TestAluEmitUnknownOpPanics(t *testing.T) {
	require.Panics(t, func() { AluEmit("shl") })
}

func TestImmEmitProducesNonEmptyCode(t *testing.T) {
	rngutil.Seed(9)
	a := vmasm.New()
	ImmEmit(a, vmasm.RAX, 0x90, 4)
	code, _, err := a.Finalize()
	require.NoError(t, err)
	require.NotEmpty(t, code)
}
