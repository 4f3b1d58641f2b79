package plan

import (
	"fmt"

	"github.com/roach88/quill/internal/expr"
	"github.com/roach88/quill/internal/schema"
	"github.com/roach88/quill/internal/value"
)

// Lower converts an expression tree into a logical plan via post-order
// traversal: children are lowered before parents, so a filter's step
// always follows its source's. Every field reference is type-checked
// against the registry during lowering; all defects are collected and
// returned together as a ValidationError. Join order is preserved as
// written.
func Lower(reg *schema.Registry, root expr.Node) (*Plan, error) {
	l := &lowerer{reg: reg}
	l.lower(root)
	if len(l.errs) > 0 {
		return nil, &ValidationError{Errors: l.errs}
	}
	return &Plan{Steps: l.steps}, nil
}

// lowerer accumulates steps and validation errors during traversal.
type lowerer struct {
	reg   *schema.Registry
	outer schema.Shape // enclosing row shape inside a let subquery
	steps []Step
	errs  []error
}

func (l *lowerer) addErr(err error) {
	l.errs = append(l.errs, err)
}

func (l *lowerer) emit(s Step) int {
	s.ID = len(l.steps)
	if s.Op != OpJoin {
		s.Right = -1
	}
	l.steps = append(l.steps, s)
	return s.ID
}

// shapeAt returns a lowered step's shape, nil for failed subtrees.
func (l *lowerer) shapeAt(id int) schema.Shape {
	if id < 0 || id >= len(l.steps) {
		return nil
	}
	return l.steps[id].Shape
}

// lower emits the steps for a node and returns the root step's index.
func (l *lowerer) lower(n expr.Node) int {
	switch node := n.(type) {
	case *expr.Source:
		return l.lowerSource(node)
	case *expr.Filter:
		return l.lowerFilter(node)
	case *expr.Project:
		return l.lowerProject(node)
	case *expr.OrderBy:
		return l.lowerOrderBy(node)
	case *expr.GroupBy:
		return l.lowerGroupBy(node)
	case *expr.Join:
		return l.lowerJoin(node)
	case *expr.Aggregate:
		return l.lowerAggregate(node)
	case *expr.Let:
		return l.lowerLet(node)
	default:
		l.addErr(fmt.Errorf("unknown node type %T", n))
		return l.emit(Step{Op: OpScan, Input: -1})
	}
}

func (l *lowerer) lowerSource(n *expr.Source) int {
	var shape schema.Shape
	desc, err := l.reg.Entity(n.Entity)
	if err != nil {
		l.addErr(err)
	} else {
		shape = desc.NativeShape()
	}
	return l.emit(Step{Op: OpScan, Input: -1, Entity: n.Entity, Shape: shape})
}

func (l *lowerer) lowerFilter(n *expr.Filter) int {
	in := l.lower(n.Input)
	shape := l.shapeAt(in)
	if shape != nil {
		if err := expr.ValidatePredicate(n.Pred, shape, l.outer); err != nil {
			l.addErr(err)
		}
	}
	return l.emit(Step{Op: OpFilter, Input: in, Pred: n.Pred, Shape: shape})
}

func (l *lowerer) lowerProject(n *expr.Project) int {
	in := l.lower(n.Input)
	inShape := l.shapeAt(in)
	shape := inShape
	if len(n.Selectors) > 0 && inShape != nil {
		shape = make(schema.Shape, 0, len(n.Selectors))
		seen := make(map[string]bool, len(n.Selectors))
		for _, sel := range n.Selectors {
			col, ok := inShape.Column(sel.Field)
			if !ok {
				l.addErr(schema.NewUnknownField("", sel.Field))
				continue
			}
			name := sel.Name()
			if seen[name] {
				l.addErr(fmt.Errorf("project: duplicate output column %q", name))
				continue
			}
			seen[name] = true
			shape = append(shape, schema.Column{Name: name, Kind: col.Kind, Nullable: col.Nullable})
		}
	}
	return l.emit(Step{Op: OpProject, Input: in, Selectors: n.Selectors, Shape: shape})
}

func (l *lowerer) lowerOrderBy(n *expr.OrderBy) int {
	in := l.lower(n.Input)
	shape := l.shapeAt(in)
	if shape != nil {
		col, ok := shape.Column(n.Key)
		switch {
		case !ok:
			l.addErr(schema.NewUnknownField("", n.Key))
		case !value.Comparable(col.Kind, col.Kind):
			l.addErr(schema.NewTypeMismatch(fmt.Sprintf(
				"sort key %s has unorderable type %s", n.Key, col.Kind)))
		}
	}
	return l.emit(Step{Op: OpSort, Input: in, Key: n.Key, Dir: n.Dir, Shape: shape})
}

func (l *lowerer) lowerGroupBy(n *expr.GroupBy) int {
	in := l.lower(n.Input)
	inShape := l.shapeAt(in)
	var shape schema.Shape
	if inShape != nil {
		col, ok := inShape.Column(n.Key)
		if !ok {
			l.addErr(schema.NewUnknownField("", n.Key))
		} else {
			shape = schema.Shape{
				{Name: n.Key, Kind: col.Kind, Nullable: col.Nullable},
				{Name: expr.GroupCol, Kind: value.KindList},
			}
		}
	}
	return l.emit(Step{Op: OpGroup, Input: in, Key: n.Key, Shape: shape})
}

func (l *lowerer) lowerJoin(n *expr.Join) int {
	left := l.lower(n.Left)
	right := l.lower(n.Right)
	ls := qualify(l.shapeAt(left), n.Left.Label())
	rs := qualify(l.shapeAt(right), n.Right.Label())

	var shape schema.Shape
	if ls != nil && rs != nil {
		shape = make(schema.Shape, 0, len(ls)+len(rs))
		shape = append(shape, ls...)
		for _, c := range rs {
			if _, dup := shape.Column(c.Name); dup {
				l.addErr(schema.NewAmbiguousJoin(fmt.Sprintf(
					"output column %q appears on both sides", c.Name)))
				continue
			}
			shape = append(shape, c)
		}
	}

	leftKeys, rightKeys := n.LeftKeys, n.RightKeys
	if len(leftKeys) == 0 && ls != nil && rs != nil {
		var err error
		leftKeys, rightKeys, err = expr.AnalyzeJoin(n.Pred, ls, rs)
		if err != nil {
			l.addErr(err)
		}
	}

	return l.emit(Step{
		Op: OpJoin, Input: left, Right: right,
		LeftKeys: leftKeys, RightKeys: rightKeys,
		LeftRename:  renameMap(l.shapeAt(left), n.Left.Label()),
		RightRename: renameMap(l.shapeAt(right), n.Right.Label()),
		Shape:       shape,
	})
}

func (l *lowerer) lowerAggregate(n *expr.Aggregate) int {
	in := l.lower(n.Input)
	memberShape := l.shapeAt(in)
	var groupKey string
	var keyCol schema.Column
	if g, ok := n.Input.(*expr.GroupBy); ok {
		groupKey = g.Key
		// Members of a group carry the group input's shape.
		memberShape = l.shapeAt(l.steps[in].Input)
		if s := l.shapeAt(in); s != nil {
			keyCol, _ = s.Column(g.Key)
		}
	}

	var outKind value.Kind
	if memberShape != nil {
		outKind = l.checkAggregate(n.Fn, n.Field, memberShape)
	}

	var shape schema.Shape
	if outKind != "" {
		if groupKey != "" {
			shape = schema.Shape{keyCol, {Name: n.OutName(), Kind: outKind}}
		} else {
			shape = schema.Shape{{Name: n.OutName(), Kind: outKind}}
		}
	}
	return l.emit(Step{
		Op: OpAggregate, Input: in,
		Fn: n.Fn, Field: n.Field, Out: n.OutName(), GroupKey: groupKey,
		Shape: shape,
	})
}

// checkAggregate validates the aggregated field and returns the output
// kind, or "" after recording errors.
func (l *lowerer) checkAggregate(fn expr.AggFn, field string, member schema.Shape) value.Kind {
	if fn == expr.AggCount {
		if field != "" {
			if _, ok := member.Column(field); !ok {
				l.addErr(schema.NewUnknownField("", field))
				return ""
			}
		}
		return value.KindInt
	}
	col, ok := member.Column(field)
	if !ok {
		l.addErr(schema.NewUnknownField("", field))
		return ""
	}
	numeric := col.Kind == value.KindInt || col.Kind == value.KindFloat
	switch fn {
	case expr.AggSum:
		if !numeric {
			l.addErr(schema.NewTypeMismatch(fmt.Sprintf(
				"sum over non-numeric field %s (%s)", field, col.Kind)))
			return ""
		}
		return col.Kind
	case expr.AggAvg:
		if !numeric {
			l.addErr(schema.NewTypeMismatch(fmt.Sprintf(
				"avg over non-numeric field %s (%s)", field, col.Kind)))
			return ""
		}
		return value.KindFloat
	case expr.AggMin, expr.AggMax:
		if !value.Comparable(col.Kind, col.Kind) {
			l.addErr(schema.NewTypeMismatch(fmt.Sprintf(
				"%s over unorderable field %s (%s)", fn, field, col.Kind)))
			return ""
		}
		return col.Kind
	default:
		l.addErr(fmt.Errorf("aggregate: unknown function %q", fn))
		return ""
	}
}

func (l *lowerer) lowerLet(n *expr.Let) int {
	in := l.lower(n.Input)
	inShape := l.shapeAt(in)

	sub := &lowerer{reg: l.reg, outer: inShape}
	sub.lower(n.Sub)
	l.errs = append(l.errs, sub.errs...)
	subPlan := &Plan{Steps: sub.steps}

	if _, ok := n.Sub.(*expr.Aggregate); !ok {
		l.addErr(schema.NewTypeMismatch("let subquery must end in an aggregate"))
	}

	var shape schema.Shape
	if inShape != nil && len(sub.errs) == 0 {
		subShape := subPlan.Shape()
		if len(subShape) != 1 {
			l.addErr(schema.NewTypeMismatch(fmt.Sprintf(
				"let subquery must produce a single column, got %d", len(subShape))))
		} else if _, exists := inShape.Column(n.Name); exists {
			l.addErr(fmt.Errorf("let: binding %q collides with an input column", n.Name))
		} else {
			shape = make(schema.Shape, 0, len(inShape)+1)
			shape = append(shape, inShape...)
			shape = append(shape, schema.Column{Name: n.Name, Kind: subShape[0].Kind})
		}
	}
	return l.emit(Step{Op: OpLet, Input: in, Name: n.Name, Sub: subPlan, Shape: shape})
}

// qualify prefixes a join side's columns with the side's label.
func qualify(s schema.Shape, label string) schema.Shape {
	if s == nil {
		return nil
	}
	if label == "" {
		return s
	}
	out := make(schema.Shape, len(s))
	for i, c := range s {
		out[i] = schema.Column{Name: label + "." + c.Name, Kind: c.Kind, Nullable: c.Nullable}
	}
	return out
}

// renameMap maps a join side's column names to their qualified output
// names. Empty labels need no renames.
func renameMap(s schema.Shape, label string) map[string]string {
	if s == nil || label == "" {
		return nil
	}
	m := make(map[string]string, len(s))
	for _, c := range s {
		m[c.Name] = label + "." + c.Name
	}
	return m
}
