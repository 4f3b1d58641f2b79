// Package expr provides the fluent expression builder: composable,
// immutable query nodes constructed against a schema registry. Building
// never touches a data source and never fails on data values - only on
// shape and type errors knowable at build time. Composition always wraps
// prior nodes in a new node; existing nodes are never mutated.
package expr

import (
	"github.com/roach88/quill/internal/schema"
)

// Node is an immutable query expression node.
//
// This is a sealed interface - only types in this package implement it.
// The marker method pattern prevents external implementations and keeps
// type switches in the planner exhaustive.
//
// Node types: Source, Filter, Project, OrderBy, GroupBy, Join,
// Aggregate, Let.
type Node interface {
	queryNode() // marker method - seals interface to this package

	// Shape returns the node's output columns, computed at build time.
	Shape() schema.Shape

	// Label returns the qualification label joins prefix this side's
	// columns with. Only Source nodes carry a label.
	Label() string
}

// Source reads all rows of one entity in its native shape.
type Source struct {
	Entity string
	shape  schema.Shape
}

func (*Source) queryNode()            {}
func (n *Source) Shape() schema.Shape { return n.shape }
func (n *Source) Label() string       { return n.Entity }

// Filter keeps the input rows matching Pred. Shape is unchanged.
type Filter struct {
	Input Node
	Pred  Predicate
}

func (*Filter) queryNode()            {}
func (n *Filter) Shape() schema.Shape { return n.Input.Shape() }
func (n *Filter) Label() string       { return n.Input.Label() }

// Selector picks one input column for a projection, optionally renamed.
type Selector struct {
	Field string
	As    string
}

// Name returns the selector's output column name.
func (s Selector) Name() string {
	if s.As != "" {
		return s.As
	}
	return s.Field
}

// Project narrows the input to the selected columns. An empty selector
// list means the full native shape, so a bare Project is a no-op.
type Project struct {
	Input     Node
	Selectors []Selector
	shape     schema.Shape
}

func (*Project) queryNode()            {}
func (n *Project) Shape() schema.Shape { return n.shape }
func (n *Project) Label() string       { return "" }

// Direction orders an OrderBy key.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// OrderBy sorts the input by one key column. The sort is stable: rows
// with equal keys keep their input order.
type OrderBy struct {
	Input Node
	Key   string
	Dir   Direction
}

func (*OrderBy) queryNode()            {}
func (n *OrderBy) Shape() schema.Shape { return n.Input.Shape() }
func (n *OrderBy) Label() string       { return n.Input.Label() }

// GroupCol is the output column holding a group's member rows.
const GroupCol = "group"

// GroupBy partitions the input by key equality. Each output row holds
// the key value and the member rows as a list.
type GroupBy struct {
	Input Node
	Key   string
	shape schema.Shape
}

func (*GroupBy) queryNode()            {}
func (n *GroupBy) Shape() schema.Shape { return n.shape }
func (n *GroupBy) Label() string       { return "" }

// Join combines two inputs with inner equi-join semantics. Columns of
// each side are qualified with the side's label where one exists.
// LeftKeys and RightKeys are the qualified key column names extracted
// from the join predicate at build time; LeftKeys[i] pairs with
// RightKeys[i].
type Join struct {
	Left      Node
	Right     Node
	Pred      Predicate
	LeftKeys  []string
	RightKeys []string
	shape     schema.Shape
}

func (*Join) queryNode()            {}
func (n *Join) Shape() schema.Shape { return n.shape }
func (n *Join) Label() string       { return "" }

// AggFn is an aggregate function.
type AggFn string

const (
	AggCount AggFn = "count"
	AggMin   AggFn = "min"
	AggMax   AggFn = "max"
	AggSum   AggFn = "sum"
	AggAvg   AggFn = "avg"
)

// Aggregate folds the input into one row per group (grouped input) or a
// single row (ungrouped input). Count and sum of empty input are zero;
// min, max and avg of empty input fail at execution time.
type Aggregate struct {
	Input Node
	Fn    AggFn
	Field string // aggregated column; empty for count
	As    string // output column name, defaults to the function name
	shape schema.Shape
}

func (*Aggregate) queryNode()            {}
func (n *Aggregate) Shape() schema.Shape { return n.shape }
func (n *Aggregate) Label() string       { return "" }

// OutName returns the aggregate's output column name.
func (n *Aggregate) OutName() string {
	if n.As != "" {
		return n.As
	}
	return string(n.Fn)
}

// Let binds a named scalar subquery. The subquery is evaluated once per
// input row (its predicates may reference the input row through Outer
// operands) and its single value is added to the row under Name, usable
// by later Filter and Project steps.
type Let struct {
	Input Node
	Name  string
	Sub   Node
	shape schema.Shape
}

func (*Let) queryNode()            {}
func (n *Let) Shape() schema.Shape { return n.shape }
func (n *Let) Label() string       { return n.Input.Label() }
