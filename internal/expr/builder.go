package expr

import (
	"fmt"

	"github.com/roach88/quill/internal/schema"
	"github.com/roach88/quill/internal/value"
)

// Builder constructs expression nodes against a schema registry. Every
// method is pure: it validates, allocates a new node wrapping its
// arguments and returns it. Arguments are never mutated, so partially
// built expressions stay usable after a failed call.
type Builder struct {
	reg *schema.Registry
}

// NewBuilder creates a builder bound to a registry.
func NewBuilder(reg *schema.Registry) *Builder {
	return &Builder{reg: reg}
}

// Source starts an expression from an entity's rows.
// Fails with UNKNOWN_ENTITY.
func (b *Builder) Source(entity string) (Node, error) {
	desc, err := b.reg.Entity(entity)
	if err != nil {
		return nil, err
	}
	return &Source{Entity: desc.Name, shape: desc.NativeShape()}, nil
}

// Filter wraps the input in a predicate filter.
// Fails with UNKNOWN_FIELD or TYPE_MISMATCH.
func (b *Builder) Filter(input Node, pred Predicate) (Node, error) {
	if pred == nil {
		return nil, fmt.Errorf("filter: predicate required")
	}
	if err := checkPredicate(pred, input.Shape(), nil); err != nil {
		return nil, err
	}
	return &Filter{Input: input, Pred: pred}, nil
}

// Project narrows the input to the selected columns. No selectors means
// the full input shape (a pass-through).
func (b *Builder) Project(input Node, selectors ...Selector) (Node, error) {
	in := input.Shape()
	var shape schema.Shape
	if len(selectors) == 0 {
		shape = in
	} else {
		seen := make(map[string]bool, len(selectors))
		shape = make(schema.Shape, len(selectors))
		for i, sel := range selectors {
			col, ok := in.Column(sel.Field)
			if !ok {
				return nil, schema.NewUnknownField("", sel.Field)
			}
			name := sel.Name()
			if seen[name] {
				return nil, fmt.Errorf("project: duplicate output column %q", name)
			}
			seen[name] = true
			shape[i] = schema.Column{Name: name, Kind: col.Kind, Nullable: col.Nullable}
		}
	}
	return &Project{Input: input, Selectors: selectors, shape: shape}, nil
}

// OrderBy sorts the input by a key column.
// Fails with UNKNOWN_FIELD or TYPE_MISMATCH (unorderable key).
func (b *Builder) OrderBy(input Node, key string, dir Direction) (Node, error) {
	if dir != Ascending && dir != Descending {
		return nil, fmt.Errorf("orderBy: invalid direction %q", dir)
	}
	col, ok := input.Shape().Column(key)
	if !ok {
		return nil, schema.NewUnknownField("", key)
	}
	if !value.Comparable(col.Kind, col.Kind) {
		return nil, schema.NewTypeMismatch(fmt.Sprintf("orderBy key %s has unorderable type %s", key, col.Kind))
	}
	return &OrderBy{Input: input, Key: key, Dir: dir}, nil
}

// GroupBy partitions the input by key equality.
// Fails with UNKNOWN_FIELD or TYPE_MISMATCH (ungroupable key).
func (b *Builder) GroupBy(input Node, key string) (Node, error) {
	col, ok := input.Shape().Column(key)
	if !ok {
		return nil, schema.NewUnknownField("", key)
	}
	if !value.Comparable(col.Kind, col.Kind) {
		return nil, schema.NewTypeMismatch(fmt.Sprintf("groupBy key %s has ungroupable type %s", key, col.Kind))
	}
	if key == GroupCol {
		return nil, fmt.Errorf("groupBy: key column may not be named %q", GroupCol)
	}
	shape := schema.Shape{
		{Name: key, Kind: col.Kind, Nullable: col.Nullable},
		{Name: GroupCol, Kind: value.KindList},
	}
	return &GroupBy{Input: input, Key: key, shape: shape}, nil
}

// Join combines two inputs with an inner equi-join. The predicate must
// be statically analysable into one or more cross-side field equalities;
// anything else fails with AMBIGUOUS_JOIN (there is no cartesian
// fallback). Key columns of incompatible types fail with TYPE_MISMATCH.
func (b *Builder) Join(left, right Node, pred Predicate) (Node, error) {
	if pred == nil {
		return nil, schema.NewAmbiguousJoin("join predicate required, no cartesian fallback")
	}
	ls, err := qualifyShape(left)
	if err != nil {
		return nil, err
	}
	rs, err := qualifyShape(right)
	if err != nil {
		return nil, err
	}

	shape := make(schema.Shape, 0, len(ls)+len(rs))
	shape = append(shape, ls...)
	for _, c := range rs {
		if _, dup := shape.Column(c.Name); dup {
			return nil, schema.NewAmbiguousJoin(fmt.Sprintf("output column %q appears on both sides", c.Name))
		}
		shape = append(shape, c)
	}

	leftKeys, rightKeys, err := extractJoinKeys(pred, ls, rs)
	if err != nil {
		return nil, err
	}
	return &Join{
		Left: left, Right: right, Pred: pred,
		LeftKeys: leftKeys, RightKeys: rightKeys,
		shape: shape,
	}, nil
}

// Aggregate folds the input with an aggregate function. On grouped
// input the fold runs per group and keeps the key column; on ungrouped
// input it produces a single row. Sum and avg require a numeric field;
// min and max an orderable one (TYPE_MISMATCH otherwise).
func (b *Builder) Aggregate(input Node, fn AggFn, field string) (Node, error) {
	return b.AggregateAs(input, fn, field, "")
}

// AggregateAs is Aggregate with an explicit output column name.
func (b *Builder) AggregateAs(input Node, fn AggFn, field, as string) (Node, error) {
	memberShape := input.Shape()
	var keyCol *schema.Column
	if g, ok := input.(*GroupBy); ok {
		memberShape = g.Input.Shape()
		kc, _ := g.Shape().Column(g.Key)
		keyCol = &kc
	}

	var outKind value.Kind
	switch fn {
	case AggCount:
		if field != "" {
			if _, ok := memberShape.Column(field); !ok {
				return nil, schema.NewUnknownField("", field)
			}
		}
		outKind = value.KindInt
	case AggMin, AggMax, AggSum, AggAvg:
		col, ok := memberShape.Column(field)
		if !ok {
			return nil, schema.NewUnknownField("", field)
		}
		numeric := col.Kind == value.KindInt || col.Kind == value.KindFloat
		switch fn {
		case AggSum:
			if !numeric {
				return nil, schema.NewTypeMismatch(fmt.Sprintf("sum over non-numeric field %s (%s)", field, col.Kind))
			}
			outKind = col.Kind
		case AggAvg:
			if !numeric {
				return nil, schema.NewTypeMismatch(fmt.Sprintf("avg over non-numeric field %s (%s)", field, col.Kind))
			}
			outKind = value.KindFloat
		default: // min, max
			if !value.Comparable(col.Kind, col.Kind) {
				return nil, schema.NewTypeMismatch(fmt.Sprintf("%s over unorderable field %s (%s)", fn, field, col.Kind))
			}
			outKind = col.Kind
		}
	default:
		return nil, fmt.Errorf("aggregate: unknown function %q", fn)
	}

	node := &Aggregate{Input: input, Fn: fn, Field: field, As: as}
	if keyCol != nil {
		node.shape = schema.Shape{*keyCol, {Name: node.OutName(), Kind: outKind}}
	} else {
		node.shape = schema.Shape{{Name: node.OutName(), Kind: outKind}}
	}
	return node, nil
}

// Let binds a named scalar subquery to each input row. The subquery must
// produce a single column (a terminal aggregate); its predicates may
// reference the input row through Outer operands, which are resolved
// against the input shape here.
func (b *Builder) Let(input Node, name string, sub Node) (Node, error) {
	if name == "" {
		return nil, fmt.Errorf("let: binding name required")
	}
	in := input.Shape()
	if _, exists := in.Column(name); exists {
		return nil, fmt.Errorf("let: binding %q collides with an input column", name)
	}
	if _, ok := sub.(*Aggregate); !ok {
		return nil, schema.NewTypeMismatch("let subquery must end in an aggregate")
	}
	subShape := sub.Shape()
	if len(subShape) != 1 {
		return nil, schema.NewTypeMismatch(fmt.Sprintf(
			"let subquery must produce a single column, got %d", len(subShape)))
	}
	if err := checkOuterRefs(sub, in); err != nil {
		return nil, err
	}
	shape := make(schema.Shape, 0, len(in)+1)
	shape = append(shape, in...)
	shape = append(shape, schema.Column{Name: name, Kind: subShape[0].Kind})
	return &Let{Input: input, Name: name, Sub: sub, shape: shape}, nil
}

// ValidatePredicate checks a predicate against a row shape. The planner
// uses it to re-validate trees during lowering; outer is non-nil only
// inside let subqueries.
func ValidatePredicate(p Predicate, shape, outer schema.Shape) error {
	return checkPredicate(p, shape, outer)
}

// QualifyShape exposes join-side column qualification to the planner.
func QualifyShape(n Node) (schema.Shape, error) {
	return qualifyShape(n)
}

// AnalyzeJoin exposes join-key extraction to the planner.
func AnalyzeJoin(pred Predicate, left, right schema.Shape) (leftKeys, rightKeys []string, err error) {
	return extractJoinKeys(pred, left, right)
}

// qualifyShape prefixes a join side's columns with the side's label.
// Unlabelled sides (projections, prior joins) keep their column names,
// which must already be unique.
func qualifyShape(n Node) (schema.Shape, error) {
	label := n.Label()
	in := n.Shape()
	out := make(schema.Shape, len(in))
	for i, c := range in {
		name := c.Name
		if label != "" {
			name = label + "." + name
		}
		if _, dup := out[:i].Column(name); dup {
			return nil, schema.NewAmbiguousJoin(fmt.Sprintf("duplicate column %q on join side", name))
		}
		out[i] = schema.Column{Name: name, Kind: c.Kind, Nullable: c.Nullable}
	}
	return out, nil
}

// extractJoinKeys statically analyses a join predicate into cross-side
// equality pairs. Accepted forms: a single field == field comparison, or
// an And of such comparisons. Each comparison must resolve one field on
// each side.
func extractJoinKeys(pred Predicate, left, right schema.Shape) (leftKeys, rightKeys []string, err error) {
	var compares []Compare
	switch p := pred.(type) {
	case Compare:
		compares = []Compare{p}
	case And:
		for _, sub := range p.Preds {
			c, ok := sub.(Compare)
			if !ok {
				return nil, nil, schema.NewAmbiguousJoin(fmt.Sprintf(
					"join predicate term %s is not a field equality", sub))
			}
			compares = append(compares, c)
		}
		if len(compares) == 0 {
			return nil, nil, schema.NewAmbiguousJoin("empty join predicate")
		}
	default:
		return nil, nil, schema.NewAmbiguousJoin(fmt.Sprintf(
			"join predicate %s cannot be analysed into an equality condition", pred))
	}

	for _, c := range compares {
		if c.Op != OpEq {
			return nil, nil, schema.NewAmbiguousJoin(fmt.Sprintf(
				"join predicate %s is not an equality", c))
		}
		lf, lok := c.Left.(Field)
		rf, rok := c.Right.(Field)
		if !lok || !rok {
			return nil, nil, schema.NewAmbiguousJoin(fmt.Sprintf(
				"join predicate %s must compare two fields", c))
		}
		lk, rk, err := resolveJoinPair(string(lf), string(rf), left, right)
		if err != nil {
			return nil, nil, err
		}
		leftKeys = append(leftKeys, lk)
		rightKeys = append(rightKeys, rk)
	}
	return leftKeys, rightKeys, nil
}

// resolveJoinPair assigns the two referenced fields to opposite join
// sides and checks their types are comparable.
func resolveJoinPair(a, b string, left, right schema.Shape) (string, string, error) {
	la, laOK := left.Column(a)
	ra, raOK := right.Column(a)
	lb, lbOK := left.Column(b)
	rb, rbOK := right.Column(b)

	switch {
	case laOK && raOK || lbOK && rbOK:
		amb := a
		if lbOK && rbOK {
			amb = b
		}
		return "", "", schema.NewAmbiguousJoin(fmt.Sprintf("field %q resolves on both join sides", amb))
	case laOK && rbOK:
		if !value.Comparable(la.Kind, rb.Kind) {
			return "", "", schema.NewTypeMismatch(fmt.Sprintf(
				"join keys %s (%s) and %s (%s) are incompatible", a, la.Kind, b, rb.Kind))
		}
		return a, b, nil
	case lbOK && raOK:
		if !value.Comparable(lb.Kind, ra.Kind) {
			return "", "", schema.NewTypeMismatch(fmt.Sprintf(
				"join keys %s (%s) and %s (%s) are incompatible", b, lb.Kind, a, ra.Kind))
		}
		return b, a, nil
	case !laOK && !lbOK && !raOK && !rbOK:
		return "", "", schema.NewUnknownField("", a+", "+b)
	default:
		missing := a
		if laOK || raOK {
			missing = b
		}
		return "", "", schema.NewUnknownField("", missing)
	}
}

// checkPredicate validates a predicate against a row shape. outer is the
// enclosing row shape inside a let subquery; nil outside one, in which
// case comparisons involving Outer operands are deferred to Let.
func checkPredicate(p Predicate, shape, outer schema.Shape) error {
	switch pred := p.(type) {
	case Compare:
		return checkCompare(pred, shape, outer)
	case And:
		for _, sub := range pred.Preds {
			if err := checkPredicate(sub, shape, outer); err != nil {
				return err
			}
		}
		return nil
	case Or:
		for _, sub := range pred.Preds {
			if err := checkPredicate(sub, shape, outer); err != nil {
				return err
			}
		}
		return nil
	case Not:
		return checkPredicate(pred.Pred, shape, outer)
	case Func:
		if pred.Fn == nil {
			return fmt.Errorf("func predicate %q has nil function", pred.Name)
		}
		return nil
	default:
		return fmt.Errorf("unknown predicate type %T", p)
	}
}

func checkCompare(c Compare, shape, outer schema.Shape) error {
	lk, lDeferred, err := operandKind(c.Left, shape, outer)
	if err != nil {
		return err
	}
	rk, rDeferred, err := operandKind(c.Right, shape, outer)
	if err != nil {
		return err
	}
	if lDeferred || rDeferred {
		return nil // re-checked by Let once the outer shape is known
	}
	if !value.Comparable(lk, rk) {
		return schema.NewTypeMismatch(fmt.Sprintf(
			"cannot compare %s (%s) with %s (%s)", c.Left, lk, c.Right, rk))
	}
	return nil
}

// operandKind resolves an operand's kind within a shape. deferred is
// true for Outer operands when no outer shape is available yet.
func operandKind(op Operand, shape, outer schema.Shape) (kind value.Kind, deferred bool, err error) {
	switch o := op.(type) {
	case Field:
		col, ok := shape.Column(string(o))
		if !ok {
			return "", false, schema.NewUnknownField("", string(o))
		}
		return col.Kind, false, nil
	case Outer:
		if outer == nil {
			return "", true, nil
		}
		col, ok := outer.Column(string(o))
		if !ok {
			return "", false, schema.NewUnknownField("", "outer."+string(o))
		}
		return col.Kind, false, nil
	case Lit:
		if o.Val == nil {
			return "", false, fmt.Errorf("literal operand has nil value")
		}
		return o.Val.Kind(), false, nil
	default:
		return "", false, fmt.Errorf("unknown operand type %T", op)
	}
}

// checkOuterRefs re-validates every predicate in a subquery tree with
// the outer shape bound, resolving the Outer comparisons that were
// deferred when the subquery was first built.
func checkOuterRefs(n Node, outer schema.Shape) error {
	switch node := n.(type) {
	case *Source:
		return nil
	case *Filter:
		if err := checkPredicate(node.Pred, node.Input.Shape(), outer); err != nil {
			return err
		}
		return checkOuterRefs(node.Input, outer)
	case *Project:
		return checkOuterRefs(node.Input, outer)
	case *OrderBy:
		return checkOuterRefs(node.Input, outer)
	case *GroupBy:
		return checkOuterRefs(node.Input, outer)
	case *Aggregate:
		return checkOuterRefs(node.Input, outer)
	case *Join:
		if err := checkOuterRefs(node.Left, outer); err != nil {
			return err
		}
		return checkOuterRefs(node.Right, outer)
	case *Let:
		if err := checkOuterRefs(node.Input, outer); err != nil {
			return err
		}
		return checkOuterRefs(node.Sub, outer)
	default:
		return fmt.Errorf("unknown node type %T", n)
	}
}
