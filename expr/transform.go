package expr

import "github.com/mewmew/covirt/rngutil"

// PVar is a pattern placeholder used only inside an Identity's Match/
// Replace trees — it never appears in a tree built from real instruction
// operands. Matching binds each PVar to whatever subtree occupies its
// position; replacing substitutes those bound subtrees back in.
type PVar int

const (
	P0 PVar = iota
	P1
)

func (PVar) isExpr()          {}
func (p PVar) String() string {
	if p == P0 {
		return "p0"
	}
	return "p1"
}

// Identity is one mixed-boolean-arithmetic rewrite rule: wherever Match is
// found (as an exact node shape, with its PVars bound to real subtrees),
// it may be replaced by Replace with those same bindings substituted in.
// Evaluate(Match,...) == Evaluate(Replace,...) for every Identity in
// IdentityTable, for every operand value and width.
type Identity struct {
	Name          string
	Match, Replace Expr
}

// IdentityTable holds the seven rewrite rules the MBA pass draws from
// (spec §4.5): one per binary operator this package models, plus the two
// unary operators, each expressed as an exact algebraic identity rather
// than an approximation.
var IdentityTable = []Identity{
	{
		Name:    "add-via-and-or",
		Match:   Bin{Add, P0, P1},
		Replace: Bin{Add, Bin{And, P0, P1}, Bin{Or, P0, P1}},
	},
	{
		Name:    "sub-via-xor-and-neg",
		Match:   Bin{Sub, P0, P1},
		Replace: Bin{Add, Bin{Add, Bin{Xor, P0, Un{Neg, P1}}, Bin{And, P0, Un{Neg, P1}}}, Bin{And, P0, Un{Neg, P1}}},
	},
	{
		Name:    "and-via-add-or",
		Match:   Bin{And, P0, P1},
		Replace: Bin{Sub, Bin{Add, P0, P1}, Bin{Or, P0, P1}},
	},
	{
		Name:    "or-via-add-not-or",
		Match:   Bin{Or, P0, P1},
		Replace: Bin{Add, Bin{Add, Bin{Add, P0, P1}, Bin{Or, Un{Not, P0}, Un{Not, P1}}}, Lit{Val: 1, Size: 8}},
	},
	{
		Name:    "xor-via-or-and",
		Match:   Bin{Xor, P0, P1},
		Replace: Bin{Sub, Bin{Or, P0, P1}, Bin{And, P0, P1}},
	},
	{
		Name:    "not-via-neg",
		Match:   Un{Not, P0},
		Replace: Bin{Add, Un{Neg, P0}, Lit{Val: -1, Size: 8}},
	},
	{
		Name:    "neg-via-not-or",
		Match:   Un{Neg, P0},
		Replace: Bin{Add, Bin{Sub, Bin{Or, Un{Not, P0}, P0}, P0}, Lit{Val: 1, Size: 8}},
	},
}

// matchPattern reports whether e has the exact shape of pat, binding each
// PVar encountered in pat to the corresponding subtree of e.
func matchPattern(e, pat Expr, binds map[PVar]Expr) bool {
	if pv, ok := pat.(PVar); ok {
		if prior, bound := binds[pv]; bound {
			return Equal(prior, e)
		}
		binds[pv] = e
		return true
	}
	switch pn := pat.(type) {
	case VarExpr:
		en, ok := e.(VarExpr)
		return ok && en.Name == pn.Name
	case Lit:
		en, ok := e.(Lit)
		return ok && en.Val == pn.Val
	case Un:
		en, ok := e.(Un)
		return ok && en.Op == pn.Op && matchPattern(en.X, pn.X, binds)
	case Bin:
		en, ok := e.(Bin)
		return ok && en.Op == pn.Op && matchPattern(en.X, pn.X, binds) && matchPattern(en.Y, pn.Y, binds)
	}
	return false
}

// substPattern rebuilds pat with every PVar replaced by its binding.
func substPattern(pat Expr, binds map[PVar]Expr) Expr {
	switch pn := pat.(type) {
	case PVar:
		return binds[pn]
	case Un:
		return Un{Op: pn.Op, X: substPattern(pn.X, binds)}
	case Bin:
		return Bin{Op: pn.Op, X: substPattern(pn.X, binds), Y: substPattern(pn.Y, binds)}
	default:
		return pat
	}
}

// TryRewrite attempts to apply id at e's root only (not recursively); ok
// is false if e does not have id.Match's shape.
func TryRewrite(e Expr, id Identity) (Expr, bool) {
	binds := make(map[PVar]Expr)
	if !matchPattern(e, id.Match, binds) {
		return e, false
	}
	return substPattern(id.Replace, binds), true
}

// Transform replaces every subtree structurally equal to match (plain
// trees, not patterns — used to locate and replace a previously-emitted
// fixed subexpression) with replace; a replaced subtree is not searched
// further. Returns e unchanged if match does not occur anywhere in it.
func Transform(e, match, replace Expr) Expr {
	if Equal(e, match) {
		return replace
	}
	switch n := e.(type) {
	case Un:
		return Un{Op: n.Op, X: Transform(n.X, match, replace)}
	case Bin:
		return Bin{Op: n.Op, X: Transform(n.X, match, replace), Y: Transform(n.Y, match, replace)}
	default:
		return e
	}
}

// RewriteOnce walks e bottom-up and, at each node it visits, applies an
// identity from table whose Match fits there with probability chancePct
// out of 100, picking the identity at random when more than one fits. This is
// the single-pass primitive the MBA pass (package mba) calls three times
// in a row to iteratively deepen an instruction's operand expression
// (spec §4.5: "applies the rewrite table across three passes").
func RewriteOnce(e Expr, table []Identity, chancePct int) Expr {
	switch n := e.(type) {
	case Un:
		n.X = RewriteOnce(n.X, table, chancePct)
		e = n
	case Bin:
		n.X = RewriteOnce(n.X, table, chancePct)
		n.Y = RewriteOnce(n.Y, table, chancePct)
		e = n
	}

	var candidates []Identity
	for _, id := range table {
		if _, ok := TryRewrite(e, id); ok {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return e
	}
	if int(rngutil.Int63n(100)) >= chancePct {
		return e
	}
	pick := candidates[rngutil.Int63n(int64(len(candidates)))]
	rewritten, _ := TryRewrite(e, pick)
	return rewritten
}

// constantTemplates are the ways to re-express a literal as a deeper,
// value-preserving expression: split it around a random r (by add or by
// xor) into r and the residual that recovers the original value, or wrap
// its negation or complement in the matching unary operator.
var constantTemplates = []func(val int64, size int) Expr{
	func(val int64, size int) Expr {
		r := int64(rngutil.Uint32())
		return Bin{Add, Lit{Val: val - r, Size: size}, Lit{Val: r, Size: size}}
	},
	func(val int64, size int) Expr {
		r := int64(rngutil.Uint32())
		return Bin{Xor, Lit{Val: val ^ r, Size: size}, Lit{Val: r, Size: size}}
	},
	func(val int64, size int) Expr {
		return Un{Neg, Lit{Val: -val, Size: size}}
	},
	func(val int64, size int) Expr {
		return Un{Not, Lit{Val: ^val, Size: size}}
	},
}

// TransformConstant rebuilds a literal value as a depth-deep tree of
// equivalent sub-expressions (spec §4.5's transform_constant): each round
// picks one of the tree's current literal leaves at random and expands it
// through a random template, so the tree keeps growing instead of
// collapsing back to a single literal after the first round, and repeated
// obfuscation passes over the same constant don't produce identical
// bytecode.
func TransformConstant(val int64, size, depth int) Expr {
	var e Expr = Lit{Val: val, Size: size}
	for i := 0; i < depth; i++ {
		n := countLits(e)
		if n == 0 {
			break
		}
		target := int(rngutil.Int63n(int64(n)))
		tmpl := constantTemplates[rngutil.Int63n(int64(len(constantTemplates)))]
		idx := 0
		e = replaceLit(e, &idx, target, tmpl)
	}
	return e
}

func countLits(e Expr) int {
	switch n := e.(type) {
	case Lit:
		return 1
	case Un:
		return countLits(n.X)
	case Bin:
		return countLits(n.X) + countLits(n.Y)
	default:
		return 0
	}
}

func replaceLit(e Expr, idx *int, target int, tmpl func(int64, int) Expr) Expr {
	switch n := e.(type) {
	case Lit:
		hit := *idx == target
		*idx++
		if hit {
			return tmpl(n.Val, n.Size)
		}
		return n
	case Un:
		return Un{Op: n.Op, X: replaceLit(n.X, idx, target, tmpl)}
	case Bin:
		x := replaceLit(n.X, idx, target, tmpl)
		y := replaceLit(n.Y, idx, target, tmpl)
		return Bin{Op: n.Op, X: x, Y: y}
	default:
		return e
	}
}
