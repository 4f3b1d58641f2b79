// Package engine ties planning, compilation and execution together. A
// query goes through one door: lower the expression tree to a plan, ask
// the backend adapter to compile it, and fall back to the in-process
// operators when the backend cannot express it. Either way the caller
// gets the same lazy Rows iterator with the same semantics.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/quill/internal/exec"
	"github.com/roach88/quill/internal/expr"
	"github.com/roach88/quill/internal/plan"
	"github.com/roach88/quill/internal/schema"
	"github.com/roach88/quill/internal/store"
	"github.com/roach88/quill/internal/value"
)

// Adapter compiles logical plans for a target backend. Compile returns
// an UNSUPPORTED_OPERATION error for plans the target cannot express;
// any other error is a compilation failure.
type Adapter interface {
	Name() string
	Compile(p *plan.Plan) (query string, params []any, err error)
}

// Engine executes queries against a registry's entities. Safe for
// concurrent use; each Query call produces an independent iterator.
type Engine struct {
	reg     *schema.Registry
	src     exec.Source
	st      *store.Store
	adapter Adapter
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithSource sets the in-process data source used when no backend is
// configured or the backend declines a plan.
func WithSource(src exec.Source) Option {
	return func(e *Engine) { e.src = src }
}

// WithStore attaches a SQL store and the adapter that compiles plans
// for it. Plans the adapter declines run in process over the store's
// entity scans.
func WithStore(st *store.Store, a Adapter) Option {
	return func(e *Engine) {
		e.st = st
		e.adapter = a
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTimeout sets a per-query deadline applied to every Query call.
// Zero means no engine-imposed deadline; callers can still pass their
// own context deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// New builds an engine over a registry.
func New(reg *schema.Registry, opts ...Option) *Engine {
	e := &Engine{reg: reg, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Plan lowers an expression tree, reporting every validation error
// found rather than only the first.
func (e *Engine) Plan(root expr.Node) (*plan.Plan, error) {
	return plan.Lower(e.reg, root)
}

// Query lowers the tree and returns a lazy iterator over its results.
// No data is read until the first Next call. The iterator must be
// closed unless it is drained to completion.
func (e *Engine) Query(ctx context.Context, root expr.Node) (*exec.Rows, error) {
	p, err := plan.Lower(e.reg, root)
	if err != nil {
		return nil, err
	}

	log := e.logger.With(
		slog.String("session", uuid.NewString()),
		slog.String("plan", p.Fingerprint()[:12]),
	)

	var cancel context.CancelFunc
	if e.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
	}

	rows, err := e.open(ctx, p, log)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}
	if cancel != nil {
		rows.AttachCancel(cancel)
	}
	return rows, nil
}

// QueryAll runs the query and materializes every row, closing the
// iterator before returning.
func (e *Engine) QueryAll(ctx context.Context, root expr.Node) ([]value.Record, error) {
	rows, err := e.Query(ctx, root)
	if err != nil {
		return nil, err
	}
	return exec.Materialize(rows)
}

func (e *Engine) open(ctx context.Context, p *plan.Plan, log *slog.Logger) (*exec.Rows, error) {
	if e.adapter != nil && e.st != nil {
		query, params, err := e.adapter.Compile(p)
		switch {
		case err == nil:
			log.Debug("plan compiled",
				slog.String("backend", e.adapter.Name()),
				slog.String("sql", query),
				slog.Int("params", len(params)))
			return e.openCompiled(ctx, p, query, params), nil
		case exec.IsCode(err, exec.ErrCodeUnsupported):
			log.Debug("backend declined plan, evaluating in process",
				slog.String("backend", e.adapter.Name()),
				slog.String("reason", err.Error()))
		default:
			return nil, err
		}
	}

	src := e.src
	if src == nil && e.st != nil {
		src = e.st.Source()
	}
	log.Debug("evaluating in process")
	return exec.Run(ctx, p, src)
}

// openCompiled defers the backend query until the first pull so the
// compiled path stays as lazy as the in-process one.
func (e *Engine) openCompiled(ctx context.Context, p *plan.Plan, query string, params []any) *exec.Rows {
	shape := p.Shape()
	root := &p.Steps[p.Root()]
	open := func(ctx context.Context) (exec.Cursor, error) {
		rows, err := e.st.Query(ctx, query, params...)
		if err != nil {
			return nil, exec.NewSourceError(scanEntity(p), err)
		}
		var cur exec.Cursor = store.NewCursor(rows, shape, scanEntity(p))
		if fn, col, ok := nullableAggregate(root); ok {
			cur = &aggGuard{cur: cur, fn: fn, col: col}
		}
		return cur, nil
	}
	return exec.OpenRows(ctx, shape, open)
}

// nullableAggregate reports whether the root step is an ungrouped
// min/max/avg, whose SQL rendition yields NULL over empty input where
// the engine's contract is an EMPTY_AGGREGATE error.
func nullableAggregate(root *plan.Step) (fn string, col string, ok bool) {
	if root.Op != plan.OpAggregate || root.GroupKey != "" {
		return "", "", false
	}
	switch root.Fn {
	case expr.AggMin, expr.AggMax, expr.AggAvg:
		return string(root.Fn), root.Out, true
	}
	return "", "", false
}

// aggGuard converts a NULL aggregate result from the backend into the
// empty-aggregate error the in-process path raises.
type aggGuard struct {
	cur exec.Cursor
	fn  string
	col string
}

func (g *aggGuard) Next() (value.Record, error) {
	row, err := g.cur.Next()
	if err != nil {
		return nil, err
	}
	if v, ok := row[g.col]; ok && v.Kind() == value.KindNull {
		return nil, exec.NewEmptyAggregateError(g.fn)
	}
	return row, nil
}

func (g *aggGuard) Close() error {
	return g.cur.Close()
}

// scanEntity returns the first scanned entity for error attribution.
func scanEntity(p *plan.Plan) string {
	for i := range p.Steps {
		if p.Steps[i].Op == plan.OpScan {
			return p.Steps[i].Entity
		}
	}
	return ""
}
