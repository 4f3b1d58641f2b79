// Package exec evaluates logical plans against data sources. Evaluation
// is lazy: building a plan and obtaining a Rows iterator touches no data
// source; the first Next does. Sort, group and let operators buffer
// their upstream before producing output; filter, project and join
// probing stream one row at a time.
package exec

import (
	"context"
	"errors"
	"io"

	"github.com/roach88/quill/internal/schema"
	"github.com/roach88/quill/internal/value"
)

// State tracks an iterator through its lifecycle.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateCompleted
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// iterator is the internal streaming contract between operators.
// next returns io.EOF after the last row.
type iterator interface {
	next(ctx context.Context) (value.Record, error)
	close() error
}

// Rows is the result iterator handed to callers. It wraps the operator
// pipeline in a state machine: NotStarted until the first pull, Running
// while rows flow, then Completed or Failed. A failed iterator re-fails
// with the same error on every subsequent pull; it never silently
// restarts. Close releases the underlying cursors and is safe to call
// on any state, any number of times.
type Rows struct {
	ctx    context.Context
	it     iterator
	shape  schema.Shape
	state  State
	cur    value.Record
	err    error
	closed bool
	cancel context.CancelFunc
}

func newRows(ctx context.Context, it iterator, shape schema.Shape) *Rows {
	return &Rows{ctx: ctx, it: it, shape: shape}
}

// Next advances to the next row. It returns false at the end of the
// sequence or on error; check Err to tell the two apart. Cancellation
// and timeouts are observed between rows: already-yielded rows are not
// retracted.
func (r *Rows) Next() bool {
	switch r.state {
	case StateCompleted, StateFailed:
		return false
	}
	r.state = StateRunning

	if err := r.ctx.Err(); err != nil {
		r.fail(err)
		return false
	}

	row, err := r.it.next(r.ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.state = StateCompleted
			r.cur = nil
			r.release()
			return false
		}
		r.fail(err)
		return false
	}
	r.cur = row
	return true
}

// Row returns the current row. Valid only after Next returned true.
// Ownership of the record passes to the caller.
func (r *Rows) Row() value.Record {
	return r.cur
}

// Err returns the error that moved the iterator to Failed, nil otherwise.
func (r *Rows) Err() error {
	return r.err
}

// State returns the iterator's lifecycle state.
func (r *Rows) State() State {
	return r.state
}

// Shape returns the result's column layout.
func (r *Rows) Shape() schema.Shape {
	return r.shape
}

// Close releases all cursors held by the pipeline. Guaranteed to run on
// every exit path the engine controls; callers abandoning iteration
// early must call it themselves.
func (r *Rows) Close() error {
	if r.state == StateNotStarted || r.state == StateRunning {
		r.state = StateCompleted
	}
	return r.release()
}

func (r *Rows) fail(err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		err = NewTimeoutError(err)
	}
	var ee *Error
	if !errors.As(err, &ee) {
		err = NewSourceError("", err)
	}
	r.state = StateFailed
	r.err = err
	r.cur = nil
	r.release()
}

func (r *Rows) release() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.cancel != nil {
		r.cancel()
	}
	return r.it.close()
}

// AttachCancel registers a cancel function released together with the
// iterator's cursors, typically the cancel of a per-query timeout.
func (r *Rows) AttachCancel(cancel context.CancelFunc) {
	r.cancel = cancel
}

// OpenRows builds a Rows iterator over a deferred cursor: open is not
// called until the first pull, preserving lazy evaluation for backend
// compiled queries.
func OpenRows(ctx context.Context, shape schema.Shape, open func(context.Context) (Cursor, error)) *Rows {
	return newRows(ctx, &cursorIter{open: open}, shape)
}

// cursorIter adapts a deferred cursor to the iterator contract.
type cursorIter struct {
	open   func(context.Context) (Cursor, error)
	cur    Cursor
	opened bool
}

func (c *cursorIter) next(ctx context.Context) (value.Record, error) {
	if !c.opened {
		cur, err := c.open(ctx)
		if err != nil {
			return nil, err
		}
		c.cur = cur
		c.opened = true
	}
	return c.cur.Next()
}

func (c *cursorIter) close() error {
	if c.cur == nil {
		return nil
	}
	cur := c.cur
	c.cur = nil
	return cur.Close()
}

// Materialize pulls all remaining rows eagerly, failing fast on the
// first error, and closes the iterator. The returned slice is finite,
// ordered and can be iterated repeatedly without re-touching the source.
func Materialize(r *Rows) ([]value.Record, error) {
	defer r.Close()
	var out []value.Record
	for r.Next() {
		out = append(out, r.Row())
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
