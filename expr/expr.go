// Package expr implements the symbolic expression engine the MBA pass
// (package mba) rewrites instruction operands through: a small immutable
// tree over two named operands (spec §3, §4.5), literal constants, and the
// five binary / two unary operators every identity in the substitution
// table is built from.
package expr

import "fmt"

// Var names one of the two operand slots an expression tree is built
// over — the destination and source of the ALU instruction being rewritten.
type Var int

const (
	A Var = iota
	B
)

func (v Var) String() string {
	if v == A {
		return "a"
	}
	return "b"
}

// BinKind is one of the five binary operators an identity may use.
type BinKind byte

const (
	Add BinKind = iota
	Sub
	Xor
	And
	Or
)

var binSymbols = [...]string{"+", "-", "^", "&", "|"}

func (k BinKind) String() string { return binSymbols[k] }

// UnKind is one of the two unary operators an identity may use.
type UnKind byte

const (
	Not UnKind = iota // ~x
	Neg               // -x
)

var unSymbols = [...]string{"~", "-"}

func (k UnKind) String() string { return unSymbols[k] }

// Expr is an immutable node in an expression tree: a VarExpr, a Lit, a Bin,
// or a Un.
type Expr interface {
	fmt.Stringer
	isExpr()
}

// VarExpr references one of the two named operand slots.
type VarExpr struct{ Name Var }

func (VarExpr) isExpr()          {}
func (e VarExpr) String() string { return e.Name.String() }

// Lit is an integer literal, sized the way the instruction operand it
// stands in for is (1, 2, 4, or 8 bytes) — width only matters for
// evaluation masking, not for tree shape.
type Lit struct {
	Val  int64
	Size int
}

func (Lit) isExpr() {}
func (e Lit) String() string {
	return fmt.Sprintf("%#x", uint64(e.Val)&mask(e.Size))
}

// Bin is a binary operator node.
type Bin struct {
	Op   BinKind
	X, Y Expr
}

func (Bin) isExpr() {}
func (e Bin) String() string {
	return fmt.Sprintf("(%v %v %v)", e.X, e.Op, e.Y)
}

// Un is a unary operator node.
type Un struct {
	Op UnKind
	X  Expr
}

func (Un) isExpr() {}
func (e Un) String() string {
	return fmt.Sprintf("%v%v", e.Op, e.X)
}

func mask(size int) uint64 {
	switch size {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	case 4:
		return 0xFFFFFFFF
	default:
		return ^uint64(0)
	}
}

// Evaluate computes e's value given concrete operand values, truncated to
// size bytes — used only by tests to check an identity preserves the
// original expression's value, never on the obfuscation path itself
// (the whole point of MBA is to avoid ever needing a constant-folding
// evaluator at patch time).
func Evaluate(e Expr, a, b int64, size int) int64 {
	return int64(uint64(evaluate(e, a, b)) & mask(size))
}

func evaluate(e Expr, a, b int64) int64 {
	switch n := e.(type) {
	case VarExpr:
		if n.Name == A {
			return a
		}
		return b
	case Lit:
		return n.Val
	case Un:
		x := evaluate(n.X, a, b)
		switch n.Op {
		case Not:
			return ^x
		default:
			return -x
		}
	case Bin:
		x := evaluate(n.X, a, b)
		y := evaluate(n.Y, a, b)
		switch n.Op {
		case Add:
			return x + y
		case Sub:
			return x - y
		case Xor:
			return x ^ y
		case And:
			return x & y
		default:
			return x | y
		}
	}
	panic("expr: unknown node type")
}

// Equal reports whether x and y are structurally identical trees — same
// node shape, same operator, same variable or literal value at every
// position. The original MBA tool matched expressions by re-rendering
// them to text and comparing strings, which a reordered but equivalent
// parenthesization or a different literal base would silently defeat;
// comparing the trees directly is immune to both (see DESIGN.md).
func Equal(x, y Expr) bool {
	switch xn := x.(type) {
	case VarExpr:
		yn, ok := y.(VarExpr)
		return ok && xn.Name == yn.Name
	case Lit:
		yn, ok := y.(Lit)
		return ok && xn.Val == yn.Val
	case Un:
		yn, ok := y.(Un)
		return ok && xn.Op == yn.Op && Equal(xn.X, yn.X)
	case Bin:
		yn, ok := y.(Bin)
		return ok && xn.Op == yn.Op && Equal(xn.X, yn.X) && Equal(xn.Y, yn.Y)
	}
	return false
}
