package exec

import (
	"fmt"

	"github.com/roach88/quill/internal/expr"
	"github.com/roach88/quill/internal/value"
)

// evalPredicate evaluates a predicate against a row. outer is the
// enclosing row inside a let subquery, nil otherwise. Comparisons
// involving null are false, never errors, so nullable fields filter
// like SQL rather than aborting the query.
func evalPredicate(p expr.Predicate, row, outer value.Record) (bool, error) {
	switch pred := p.(type) {
	case expr.Compare:
		return evalCompare(pred, row, outer)
	case expr.And:
		for _, sub := range pred.Preds {
			ok, err := evalPredicate(sub, row, outer)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case expr.Or:
		for _, sub := range pred.Preds {
			ok, err := evalPredicate(sub, row, outer)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case expr.Not:
		ok, err := evalPredicate(pred.Pred, row, outer)
		return !ok, err
	case expr.Func:
		return pred.Fn(row), nil
	default:
		return false, fmt.Errorf("unknown predicate type %T", p)
	}
}

func evalCompare(c expr.Compare, row, outer value.Record) (bool, error) {
	left, err := operandValue(c.Left, row, outer)
	if err != nil {
		return false, err
	}
	right, err := operandValue(c.Right, row, outer)
	if err != nil {
		return false, err
	}
	if left.Kind() == value.KindNull || right.Kind() == value.KindNull {
		return false, nil
	}
	cmp, err := value.Compare(left, right)
	if err != nil {
		return false, err
	}
	switch c.Op {
	case expr.OpEq:
		return cmp == 0, nil
	case expr.OpNe:
		return cmp != 0, nil
	case expr.OpLt:
		return cmp < 0, nil
	case expr.OpLe:
		return cmp <= 0, nil
	case expr.OpGt:
		return cmp > 0, nil
	case expr.OpGe:
		return cmp >= 0, nil
	default:
		return false, fmt.Errorf("unknown comparison operator %q", c.Op)
	}
}

func operandValue(op expr.Operand, row, outer value.Record) (value.Value, error) {
	switch o := op.(type) {
	case expr.Field:
		v, ok := row[string(o)]
		if !ok {
			return nil, fmt.Errorf("row has no column %q", string(o))
		}
		return v, nil
	case expr.Outer:
		if outer == nil {
			return nil, fmt.Errorf("outer reference %q outside a let subquery", string(o))
		}
		v, ok := outer[string(o)]
		if !ok {
			return nil, fmt.Errorf("outer row has no column %q", string(o))
		}
		return v, nil
	case expr.Lit:
		return o.Val, nil
	default:
		return nil, fmt.Errorf("unknown operand type %T", op)
	}
}
