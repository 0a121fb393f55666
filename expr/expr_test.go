package expr

import (
	"testing"

	"github.com/mewmew/covirt/rngutil"
	"github.com/mewmew/covirt/vmasm"
	"github.com/stretchr/testify/require"
)

func TestIdentityTablePreservesValue(t *testing.T) {
	rngutil.Seed(1)
	cases := []struct{ a, b int64 }{
		{5, 3}, {-1, 0}, {0x7fffffff, 1}, {-17, 42}, {0, 0},
	}
	binds := map[PVar]Expr{P0: VarExpr{A}, P1: VarExpr{B}}
	for _, id := range IdentityTable {
		match := substPattern(id.Match, binds)
		replace := substPattern(id.Replace, binds)
		for _, c := range cases {
			want := Evaluate(match, c.a, c.b, 8)
			got := Evaluate(replace, c.a, c.b, 8)
			require.Equalf(t, want, got, "identity %q diverges for a=%d b=%d", id.Name, c.a, c.b)
		}
	}
}

func TestEqualStructural(t *testing.T) {
	x := Bin{Add, VarExpr{A}, VarExpr{B}}
	y := Bin{Add, VarExpr{A}, VarExpr{B}}
	z := Bin{Add, VarExpr{B}, VarExpr{A}}
	require.True(t, Equal(x, y))
	require.False(t, Equal(x, z))
}

func TestTransformReplacesMatchingSubtree(t *testing.T) {
	e := Bin{Xor, Bin{Add, VarExpr{A}, VarExpr{B}}, Lit{Val: 1, Size: 8}}
	replaced := Transform(e, Bin{Add, VarExpr{A}, VarExpr{B}}, VarExpr{A})
	want := Bin{Xor, Expr(VarExpr{A}), Lit{Val: 1, Size: 8}}
	require.True(t, Equal(want, replaced))
}

func TestRewriteOncePreservesValue(t *testing.T) {
	rngutil.Seed(7)
	e := Expr(Bin{Add, VarExpr{A}, VarExpr{B}})
	for i := 0; i < 3; i++ {
		e = RewriteOnce(e, IdentityTable, 100)
	}
	require.Equal(t, Evaluate(Bin{Add, VarExpr{A}, VarExpr{B}}, 11, 31, 4), Evaluate(e, 11, 31, 4))
}

func TestTransformConstantPreservesValue(t *testing.T) {
	rngutil.Seed(42)
	e := TransformConstant(1234, 4, 3)
	require.Equal(t, int64(1234), Evaluate(e, 0, 0, 4))
	require.GreaterOrEqual(t, countLits(e), 1)
}

func TestAssembleStepsRegisterExhausted(t *testing.T) {
	a := vmasm.New()
	e := Expr(Bin{Add, VarExpr{A}, VarExpr{B}})
	_, err := AssembleSteps(a, e, vmasm.RAX, vmasm.RBX, nil, 8)
	require.Error(t, err)
}

func TestAssembleStepsSucceedsWithScratch(t *testing.T) {
	a := vmasm.New()
	e := Expr(Bin{Add, VarExpr{A}, VarExpr{B}})
	dst, err := AssembleSteps(a, e, vmasm.RAX, vmasm.RBX, []vmasm.Reg{vmasm.RCX, vmasm.RDX}, 8)
	require.NoError(t, err)
	require.Equal(t, vmasm.RCX, dst)
	require.NotEmpty(t, a.Bytes())
}
