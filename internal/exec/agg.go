package exec

import (
	"context"
	"fmt"
	"io"

	"github.com/roach88/quill/internal/expr"
	"github.com/roach88/quill/internal/value"
)

// aggIter folds its input with an aggregate function. Over grouped
// input it emits one row per group, keeping the key column; over plain
// input it emits a single row. Count and sum of empty input are zero;
// ungrouped min, max and avg of empty input fail with EMPTY_AGGREGATE.
// A group whose values are all null keeps its row with a null
// aggregate, the same answer SQL gives for that group.
type aggIter struct {
	in       iterator
	fn       expr.AggFn
	field    string
	out      string
	groupKey string // non-empty when the input is grouped
	outKind  value.Kind

	buf    []value.Record
	pos    int
	filled bool
}

func (a *aggIter) next(ctx context.Context) (value.Record, error) {
	if !a.filled {
		if err := a.fill(ctx); err != nil {
			return nil, err
		}
	}
	if a.pos >= len(a.buf) {
		return nil, io.EOF
	}
	row := a.buf[a.pos]
	a.pos++
	return row, nil
}

func (a *aggIter) fill(ctx context.Context) error {
	rows, err := drain(ctx, a.in)
	if err != nil {
		return err
	}
	if a.groupKey == "" {
		v, err := a.fold(rows)
		if err != nil {
			return err
		}
		a.buf = []value.Record{{a.out: v}}
		a.filled = true
		return nil
	}

	a.buf = make([]value.Record, 0, len(rows))
	for _, g := range rows {
		members, ok := g[expr.GroupCol].(value.List)
		if !ok {
			return fmt.Errorf("aggregate input is not grouped")
		}
		rs := make([]value.Record, len(members))
		for i, m := range members {
			rec, ok := m.(value.Record)
			if !ok {
				return fmt.Errorf("group member is not a record")
			}
			rs[i] = rec
		}
		v, err := a.fold(rs)
		if IsCode(err, ErrCodeEmptyAggregate) {
			v = value.Null{}
		} else if err != nil {
			return err
		}
		a.buf = append(a.buf, value.Record{a.groupKey: g[a.groupKey], a.out: v})
	}
	a.filled = true
	return nil
}

// fold computes the aggregate over one row set. Null field values are
// skipped; a fold that sees no values behaves as over empty input.
func (a *aggIter) fold(rows []value.Record) (value.Value, error) {
	if a.fn == expr.AggCount && a.field == "" {
		return value.Int(len(rows)), nil
	}

	var vals []value.Value
	for _, row := range rows {
		v, ok := row[a.field]
		if !ok {
			return nil, fmt.Errorf("row has no column %q", a.field)
		}
		if v.Kind() == value.KindNull {
			continue
		}
		vals = append(vals, v)
	}

	switch a.fn {
	case expr.AggCount:
		return value.Int(len(vals)), nil
	case expr.AggMin, expr.AggMax:
		if len(vals) == 0 {
			return nil, NewEmptyAggregateError(string(a.fn))
		}
		best := vals[0]
		for _, v := range vals[1:] {
			c, err := value.Compare(v, best)
			if err != nil {
				return nil, err
			}
			if (a.fn == expr.AggMin && c < 0) || (a.fn == expr.AggMax && c > 0) {
				best = v
			}
		}
		return best, nil
	case expr.AggSum:
		if a.outKind == value.KindFloat {
			var sum float64
			for _, v := range vals {
				f, err := toFloat(v)
				if err != nil {
					return nil, err
				}
				sum += f
			}
			return value.Float(sum), nil
		}
		var sum int64
		for _, v := range vals {
			i, ok := v.(value.Int)
			if !ok {
				return nil, fmt.Errorf("sum over non-int value %s", v.Kind())
			}
			sum += int64(i)
		}
		return value.Int(sum), nil
	case expr.AggAvg:
		if len(vals) == 0 {
			return nil, NewEmptyAggregateError(string(a.fn))
		}
		var sum float64
		for _, v := range vals {
			f, err := toFloat(v)
			if err != nil {
				return nil, err
			}
			sum += f
		}
		return value.Float(sum / float64(len(vals))), nil
	default:
		return nil, fmt.Errorf("unknown aggregate function %q", a.fn)
	}
}

func toFloat(v value.Value) (float64, error) {
	switch n := v.(type) {
	case value.Int:
		return float64(n), nil
	case value.Float:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("numeric aggregate over %s value", v.Kind())
	}
}

func (a *aggIter) close() error { return a.in.close() }
