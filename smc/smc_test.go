package smc

import (
	"testing"

	"github.com/mewmew/covirt/vmasm"
	"github.com/stretchr/testify/require"
)

func TestEmitReplacesEligibleInstruction(t *testing.T) {
	a := vmasm.New()
	Emit(a, func(s *vmasm.Asm) { s.Nop() }) // 1-byte instruction
	code, _, err := a.Finalize()
	require.NoError(t, err)
	// pushfq(1) + mov-to-label(>=7) + popfq(1) + 1 filler byte, at least
	require.Greater(t, len(code), 3)
	require.Equal(t, byte(0x9C), code[0], "expected pushfq first")
}

func TestEmitPassesThroughIneligibleInstruction(t *testing.T) {
	a := vmasm.New()
	Emit(a, func(s *vmasm.Asm) { s.MovRegImm64(vmasm.RAX, 0x1122334455667788) }) // 10 bytes
	code, _, err := a.Finalize()
	require.NoError(t, err)
	require.Len(t, code, 10)
}

func TestEligible(t *testing.T) {
	require.True(t, Eligible(1))
	require.True(t, Eligible(2))
	require.True(t, Eligible(4))
	require.False(t, Eligible(3))
	require.False(t, Eligible(8))
}
