package exec

import (
	"context"
	"fmt"
	"io"

	"github.com/roach88/quill/internal/expr"
	"github.com/roach88/quill/internal/plan"
	"github.com/roach88/quill/internal/value"
)

// Run builds the operator pipeline for a plan over a source and returns
// its Rows iterator. No source I/O happens here: cursors are acquired
// when the first row is pulled.
func Run(ctx context.Context, p *plan.Plan, src Source) (*Rows, error) {
	it, err := build(p, p.Root(), src, nil)
	if err != nil {
		return nil, err
	}
	return newRows(ctx, it, p.Shape()), nil
}

// build constructs the iterator for one plan step. outer is the
// enclosing row when building a let subquery's pipeline.
func build(p *plan.Plan, id int, src Source, outer value.Record) (iterator, error) {
	s := &p.Steps[id]
	switch s.Op {
	case plan.OpScan:
		return &scanIter{src: src, entity: s.Entity}, nil
	case plan.OpFilter:
		in, err := build(p, s.Input, src, outer)
		if err != nil {
			return nil, err
		}
		return &filterIter{in: in, pred: s.Pred, outer: outer}, nil
	case plan.OpProject:
		in, err := build(p, s.Input, src, outer)
		if err != nil {
			return nil, err
		}
		return &projectIter{in: in, selectors: s.Selectors}, nil
	case plan.OpSort:
		in, err := build(p, s.Input, src, outer)
		if err != nil {
			return nil, err
		}
		return &sortIter{in: in, key: s.Key, desc: s.Dir == expr.Descending}, nil
	case plan.OpGroup:
		in, err := build(p, s.Input, src, outer)
		if err != nil {
			return nil, err
		}
		return &groupIter{in: in, key: s.Key}, nil
	case plan.OpJoin:
		left, err := build(p, s.Input, src, outer)
		if err != nil {
			return nil, err
		}
		right, err := build(p, s.Right, src, outer)
		if err != nil {
			left.close()
			return nil, err
		}
		return &joinIter{
			left: left, right: right,
			leftKeys: s.LeftKeys, rightKeys: s.RightKeys,
			leftRen: s.LeftRename, rightRen: s.RightRename,
		}, nil
	case plan.OpAggregate:
		in, err := build(p, s.Input, src, outer)
		if err != nil {
			return nil, err
		}
		outCol, _ := s.Shape.Column(s.Out)
		return &aggIter{
			in: in, fn: s.Fn, field: s.Field, out: s.Out,
			groupKey: s.GroupKey, outKind: outCol.Kind,
		}, nil
	case plan.OpLet:
		in, err := build(p, s.Input, src, outer)
		if err != nil {
			return nil, err
		}
		return &letIter{in: in, name: s.Name, sub: s.Sub, src: src}, nil
	default:
		return nil, fmt.Errorf("unknown plan op %q", s.Op)
	}
}

// letIter evaluates a scalar subquery once per input row and binds its
// value to the row under the let name. Later steps read the bound
// column; the subquery is never re-evaluated per reference.
//
// The input is buffered and its cursor released before the first
// subquery runs: the outer cursor and the subquery cursors are never
// open at the same time, so sources that hand out one cursor at a time
// (a single-connection database pool) cannot deadlock against
// themselves.
type letIter struct {
	in   iterator
	name string
	sub  *plan.Plan
	src  Source

	buf    []value.Record
	pos    int
	filled bool
}

func (l *letIter) next(ctx context.Context) (value.Record, error) {
	if !l.filled {
		rows, err := drain(ctx, l.in)
		if err != nil {
			return nil, err
		}
		if err := l.in.close(); err != nil {
			return nil, err
		}
		l.buf = rows
		l.filled = true
	}
	if l.pos >= len(l.buf) {
		return nil, io.EOF
	}
	row := l.buf[l.pos]
	l.pos++
	v, err := l.evalSub(ctx, row)
	if err != nil {
		return nil, err
	}
	out := row.Clone()
	out[l.name] = v
	return out, nil
}

// evalSub runs the subquery pipeline with the outer row bound and
// returns its single scalar.
func (l *letIter) evalSub(ctx context.Context, outer value.Record) (value.Value, error) {
	it, err := build(l.sub, l.sub.Root(), l.src, outer)
	if err != nil {
		return nil, err
	}
	defer it.close()

	row, err := it.next(ctx)
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("let subquery %q produced no row", l.name)
		}
		return nil, err
	}
	col := l.sub.Shape()[0].Name
	v, ok := row[col]
	if !ok {
		return nil, fmt.Errorf("let subquery %q row has no column %q", l.name, col)
	}
	return v, nil
}

func (l *letIter) close() error { return l.in.close() }
