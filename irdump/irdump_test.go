package irdump

import (
	"testing"

	"github.com/mewmew/covirt/addr"
	"github.com/mewmew/covirt/bbdecomp"
	"github.com/stretchr/testify/require"
)

func TestSubroutineProducesOneBlockPerBasicBlock(t *testing.T) {
	sub := &bbdecomp.Subroutine{
		StartVA: 0x1000,
		EndVA:   0x1004,
		Blocks: []*bbdecomp.BasicBlock{
			{StartVA: 0x1000, EndVA: 0x1002},
			{StartVA: 0x1002, EndVA: 0x1004},
		},
	}
	m := Subroutine(sub)
	require.Len(t, m.Funcs, 1)
	require.Len(t, m.Funcs[0].Blocks, len(sub.Blocks))
}

func TestStringRendersNonEmptyText(t *testing.T) {
	sub := &bbdecomp.Subroutine{
		StartVA: addr.Addr(0x2000),
		EndVA:   addr.Addr(0x2001),
		Blocks:  []*bbdecomp.BasicBlock{{StartVA: 0x2000, EndVA: 0x2001}},
	}
	require.NotEmpty(t, String(sub))
}
