package expr

import (
	"fmt"
	"strings"

	"github.com/roach88/quill/internal/value"
)

// Operand represents one side of a comparison.
//
// This is a sealed interface - only types in this package implement it.
// Operand types:
//   - Field: a column reference in the current row shape
//   - Outer: a column reference in the enclosing row of a let subquery
//   - Lit: a literal value
type Operand interface {
	operandNode() // marker method - seals interface to this package
	String() string
}

// Field references a column by name. Inside joins the name may be
// qualified with the source label ("Movie.Title").
type Field string

func (Field) operandNode()     {}
func (f Field) String() string { return string(f) }

// Outer references a column of the enclosing row inside a let subquery.
type Outer string

func (Outer) operandNode()     {}
func (o Outer) String() string { return "outer." + string(o) }

// Lit is a literal value operand.
type Lit struct {
	Val value.Value
}

func (Lit) operandNode()     {}
func (l Lit) String() string { return l.Val.String() }

// CmpOp is a comparison operator.
type CmpOp string

const (
	OpEq CmpOp = "=="
	OpNe CmpOp = "!="
	OpLt CmpOp = "<"
	OpLe CmpOp = "<="
	OpGt CmpOp = ">"
	OpGe CmpOp = ">="
)

// Predicate is a boolean-valued expression over a row shape.
//
// This is a sealed interface - only types in this package implement it.
// Predicate types:
//   - Compare: binary comparison of two operands
//   - And, Or, Not: boolean combinators
//   - Func: an opaque Go predicate, never compilable to a backend query
type Predicate interface {
	predicateNode() // marker method - seals interface to this package
	String() string
}

// Compare tests two operands with a comparison operator.
type Compare struct {
	Left  Operand
	Op    CmpOp
	Right Operand
}

func (Compare) predicateNode() {}
func (c Compare) String() string {
	return fmt.Sprintf("%s %s %s", c.Left, c.Op, c.Right)
}

// And is a conjunction. An empty conjunction is always true.
type And struct {
	Preds []Predicate
}

func (And) predicateNode() {}
func (a And) String() string {
	if len(a.Preds) == 0 {
		return "true"
	}
	parts := make([]string, len(a.Preds))
	for i, p := range a.Preds {
		parts[i] = p.String()
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

// Or is a disjunction. An empty disjunction is always false.
type Or struct {
	Preds []Predicate
}

func (Or) predicateNode() {}
func (o Or) String() string {
	if len(o.Preds) == 0 {
		return "false"
	}
	parts := make([]string, len(o.Preds))
	for i, p := range o.Preds {
		parts[i] = p.String()
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// Not negates a predicate.
type Not struct {
	Pred Predicate
}

func (Not) predicateNode()   {}
func (n Not) String() string { return "NOT " + n.Pred.String() }

// Func is a client-only predicate over a whole row. It executes in
// process only; backend adapters reject plans containing it with an
// unsupported-operation error. Name identifies the predicate in plan
// renderings since the function itself has no stable representation.
type Func struct {
	Name string
	Fn   func(value.Record) bool
}

func (Func) predicateNode()   {}
func (f Func) String() string { return "func(" + f.Name + ")" }

// Eq builds a field == literal comparison.
func Eq(field string, v value.Value) Predicate {
	return Compare{Left: Field(field), Op: OpEq, Right: Lit{Val: v}}
}

// Gt builds a field > literal comparison.
func Gt(field string, v value.Value) Predicate {
	return Compare{Left: Field(field), Op: OpGt, Right: Lit{Val: v}}
}

// Lt builds a field < literal comparison.
func Lt(field string, v value.Value) Predicate {
	return Compare{Left: Field(field), Op: OpLt, Right: Lit{Val: v}}
}

// EqFields builds a field == field comparison, the form join predicates
// must take.
func EqFields(left, right string) Predicate {
	return Compare{Left: Field(left), Op: OpEq, Right: Field(right)}
}
