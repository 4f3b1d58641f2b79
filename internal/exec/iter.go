package exec

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/roach88/quill/internal/expr"
	"github.com/roach88/quill/internal/value"
)

// scanIter streams one entity's rows. The cursor is acquired on the
// first pull, not at construction, which keeps plan execution lazy.
type scanIter struct {
	src    Source
	entity string
	cur    Cursor
	opened bool
}

func (s *scanIter) next(ctx context.Context) (value.Record, error) {
	if !s.opened {
		cur, err := s.src.Open(ctx, s.entity)
		if err != nil {
			return nil, wrapSource(s.entity, err)
		}
		s.cur = cur
		s.opened = true
	}
	row, err := s.cur.Next()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, wrapSource(s.entity, err)
	}
	return row, nil
}

func (s *scanIter) close() error {
	if s.cur == nil {
		return nil
	}
	cur := s.cur
	s.cur = nil
	return cur.Close()
}

// wrapSource tags a cursor failure unless it is already an exec error.
func wrapSource(entity string, err error) error {
	if _, ok := err.(*Error); ok {
		return err
	}
	return NewSourceError(entity, err)
}

// filterIter streams the input rows matching the predicate.
type filterIter struct {
	in    iterator
	pred  expr.Predicate
	outer value.Record
}

func (f *filterIter) next(ctx context.Context) (value.Record, error) {
	for {
		row, err := f.in.next(ctx)
		if err != nil {
			return nil, err
		}
		ok, err := evalPredicate(f.pred, row, f.outer)
		if err != nil {
			return nil, err
		}
		if ok {
			return row, nil
		}
	}
}

func (f *filterIter) close() error { return f.in.close() }

// projectIter reshapes each row to the selected columns.
type projectIter struct {
	in        iterator
	selectors []expr.Selector
}

func (p *projectIter) next(ctx context.Context) (value.Record, error) {
	row, err := p.in.next(ctx)
	if err != nil {
		return nil, err
	}
	if len(p.selectors) == 0 {
		return row, nil
	}
	out := make(value.Record, len(p.selectors))
	for _, sel := range p.selectors {
		v, ok := row[sel.Field]
		if !ok {
			return nil, fmt.Errorf("row has no column %q", sel.Field)
		}
		out[sel.Name()] = v
	}
	return out, nil
}

func (p *projectIter) close() error { return p.in.close() }

// sortIter buffers all upstream rows on the first pull, then emits them
// in key order. The sort is stable: equal keys keep input order. Null
// keys sort before everything else.
type sortIter struct {
	in   iterator
	key  string
	desc bool

	buf    []value.Record
	pos    int
	filled bool
}

func (s *sortIter) next(ctx context.Context) (value.Record, error) {
	if !s.filled {
		if err := s.fill(ctx); err != nil {
			return nil, err
		}
	}
	if s.pos >= len(s.buf) {
		return nil, io.EOF
	}
	row := s.buf[s.pos]
	s.pos++
	return row, nil
}

func (s *sortIter) fill(ctx context.Context) error {
	rows, err := drain(ctx, s.in)
	if err != nil {
		return err
	}
	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		c, err := compareKeys(rows[i][s.key], rows[j][s.key])
		if err != nil && sortErr == nil {
			sortErr = err
		}
		if s.desc {
			return c > 0
		}
		return c < 0
	})
	if sortErr != nil {
		return sortErr
	}
	s.buf = rows
	s.filled = true
	return nil
}

func (s *sortIter) close() error { return s.in.close() }

// compareKeys orders sort/group keys, with null before any value.
func compareKeys(a, b value.Value) (int, error) {
	aNull := a == nil || a.Kind() == value.KindNull
	bNull := b == nil || b.Kind() == value.KindNull
	switch {
	case aNull && bNull:
		return 0, nil
	case aNull:
		return -1, nil
	case bNull:
		return 1, nil
	default:
		return value.Compare(a, b)
	}
}

// groupIter buffers all upstream rows, partitions them by key equality
// and emits one row per group: the key plus the member rows as a list.
// Groups appear in first-occurrence order of their key.
type groupIter struct {
	in  iterator
	key string

	groups []value.Record
	pos    int
	filled bool
}

func (g *groupIter) next(ctx context.Context) (value.Record, error) {
	if !g.filled {
		if err := g.fill(ctx); err != nil {
			return nil, err
		}
	}
	if g.pos >= len(g.groups) {
		return nil, io.EOF
	}
	row := g.groups[g.pos]
	g.pos++
	return row, nil
}

func (g *groupIter) fill(ctx context.Context) error {
	rows, err := drain(ctx, g.in)
	if err != nil {
		return err
	}
	index := make(map[string]int)
	var order []value.Record
	for _, row := range rows {
		kv, ok := row[g.key]
		if !ok {
			return fmt.Errorf("row has no column %q", g.key)
		}
		hash := kv.String()
		if i, seen := index[hash]; seen {
			members := order[i][expr.GroupCol].(value.List)
			order[i][expr.GroupCol] = append(members, row)
			continue
		}
		index[hash] = len(order)
		order = append(order, value.Record{
			g.key:         kv,
			expr.GroupCol: value.List{row},
		})
	}
	g.groups = order
	g.filled = true
	return nil
}

func (g *groupIter) close() error { return g.in.close() }

// joinIter implements an inner equi-join: the right side is buffered
// and hashed on the first pull, then left rows stream through the probe.
// Rows whose key is null never match, so no null-padded output appears.
type joinIter struct {
	left, right         iterator
	leftKeys, rightKeys []string
	leftRen, rightRen   map[string]string

	table   map[string][]value.Record
	pending []value.Record
	built   bool
}

func (j *joinIter) next(ctx context.Context) (value.Record, error) {
	if !j.built {
		if err := j.build(ctx); err != nil {
			return nil, err
		}
	}
	for {
		if len(j.pending) > 0 {
			row := j.pending[0]
			j.pending = j.pending[1:]
			return row, nil
		}
		left, err := j.left.next(ctx)
		if err != nil {
			return nil, err
		}
		lrow := renameRow(left, j.leftRen)
		key, ok := hashKey(lrow, j.leftKeys)
		if !ok {
			continue // null join key never matches
		}
		for _, rrow := range j.table[key] {
			merged := lrow.Clone()
			for k, v := range rrow {
				merged[k] = v
			}
			j.pending = append(j.pending, merged)
		}
	}
}

func (j *joinIter) build(ctx context.Context) error {
	rows, err := drain(ctx, j.right)
	if err != nil {
		return err
	}
	j.table = make(map[string][]value.Record)
	for _, row := range rows {
		rrow := renameRow(row, j.rightRen)
		key, ok := hashKey(rrow, j.rightKeys)
		if !ok {
			continue
		}
		j.table[key] = append(j.table[key], rrow)
	}
	j.built = true
	return nil
}

func (j *joinIter) close() error {
	lerr := j.left.close()
	rerr := j.right.close()
	if lerr != nil {
		return lerr
	}
	return rerr
}

// renameRow maps a join side's columns to their qualified output names.
func renameRow(row value.Record, renames map[string]string) value.Record {
	if len(renames) == 0 {
		return row
	}
	out := make(value.Record, len(row))
	for k, v := range row {
		if q, ok := renames[k]; ok {
			out[q] = v
		} else {
			out[k] = v
		}
	}
	return out
}

// hashKey builds the probe key from the key columns' canonical strings.
// ok is false when any key value is null.
func hashKey(row value.Record, keys []string) (string, bool) {
	parts := make([]string, len(keys))
	for i, k := range keys {
		v, ok := row[k]
		if !ok || v.Kind() == value.KindNull {
			return "", false
		}
		parts[i] = v.String()
	}
	return strings.Join(parts, "\x1f"), true
}

// drain pulls an iterator to exhaustion, observing ctx between rows.
func drain(ctx context.Context, it iterator) ([]value.Record, error) {
	var rows []value.Record
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := it.next(ctx)
		if err != nil {
			if err == io.EOF {
				return rows, nil
			}
			return nil, err
		}
		rows = append(rows, row)
	}
}
