package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/exec"
	"github.com/roach88/quill/internal/expr"
	"github.com/roach88/quill/internal/plan"
	"github.com/roach88/quill/internal/plansql"
	"github.com/roach88/quill/internal/schema"
	"github.com/roach88/quill/internal/store"
	"github.com/roach88/quill/internal/value"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(schema.EntityDescriptor{
		Name: "Movie",
		Fields: []schema.Field{
			{Name: "ID", Kind: value.KindInt},
			{Name: "Title", Kind: value.KindString},
			{Name: "Release", Kind: value.KindInt, Nullable: true},
		},
	}))
	require.NoError(t, reg.Register(schema.EntityDescriptor{
		Name: "Actor",
		Fields: []schema.Field{
			{Name: "ID", Kind: value.KindInt},
			{Name: "Name", Kind: value.KindString},
			{Name: "MovieID", Kind: value.KindInt, Nullable: true},
		},
	}))
	return reg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seededStore(t *testing.T, reg *schema.Registry) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:", reg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.EnsureSchema(ctx))
	require.NoError(t, st.Insert(ctx, "Movie",
		value.Record{"ID": value.Int(1), "Title": value.Str("A"), "Release": value.Int(1999)},
		value.Record{"ID": value.Int(2), "Title": value.Str("B"), "Release": value.Int(2001)},
		value.Record{"ID": value.Int(3), "Title": value.Str("C"), "Release": value.Int(2005)},
	))
	require.NoError(t, st.Insert(ctx, "Actor",
		value.Record{"ID": value.Int(10), "Name": value.Str("Ada"), "MovieID": value.Int(2)},
		value.Record{"ID": value.Int(11), "Name": value.Str("Ben"), "MovieID": value.Int(2)},
	))
	return st
}

func storeEngine(t *testing.T, reg *schema.Registry, opts ...Option) *Engine {
	t.Helper()
	st := seededStore(t, reg)
	opts = append([]Option{
		WithStore(st, plansql.New()),
		WithLogger(quietLogger()),
	}, opts...)
	return New(reg, opts...)
}

// mustNode panics on a builder error, so query construction can be
// nested inline the way template.Must nests template parsing.
func mustNode(n expr.Node, err error) expr.Node {
	if err != nil {
		panic(err)
	}
	return n
}

func TestQueryPushdown(t *testing.T) {
	reg := testRegistry(t)
	eng := storeEngine(t, reg)

	b := expr.NewBuilder(reg)
	src := mustNode(b.Source("Movie"))
	f := mustNode(b.Filter(src, expr.Gt("Release", value.Int(2000))))
	proj := mustNode(b.Project(f, expr.Selector{Field: "Title"}))

	out, err := eng.QueryAll(context.Background(), proj)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, value.Record{"Title": value.Str("B")}, out[0])
	assert.Equal(t, value.Record{"Title": value.Str("C")}, out[1])
}

func TestQueryFallbackOnClientPredicate(t *testing.T) {
	reg := testRegistry(t)
	eng := storeEngine(t, reg)

	// A func predicate cannot compile to SQL; the engine must run the
	// plan in process over the store's scans with identical results.
	b := expr.NewBuilder(reg)
	src := mustNode(b.Source("Movie"))
	f := mustNode(b.Filter(src, expr.Func{
		Name: "shortTitle",
		Fn:   func(r value.Record) bool { return len(r["Title"].(value.Str)) == 1 },
	}))
	proj := mustNode(b.Project(f, expr.Selector{Field: "Title"}))

	out, err := eng.QueryAll(context.Background(), proj)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestQueryFallbackLet(t *testing.T) {
	reg := testRegistry(t)
	eng := storeEngine(t, reg)

	b := expr.NewBuilder(reg)
	movies := mustNode(b.Source("Movie"))
	actors := mustNode(b.Source("Actor"))
	mine := mustNode(b.Filter(actors, expr.Compare{
		Left: expr.Field("MovieID"), Op: expr.OpEq, Right: expr.Outer("ID"),
	}))
	count := mustNode(b.Aggregate(mine, expr.AggCount, ""))
	bound := mustNode(b.Let(movies, "actorCount", count))

	out, err := eng.QueryAll(context.Background(), bound)
	require.NoError(t, err)
	require.Len(t, out, 3)

	counts := map[string]value.Value{}
	for _, r := range out {
		counts[string(r["Title"].(value.Str))] = r["actorCount"]
	}
	assert.Equal(t, value.Int(0), counts["A"])
	assert.Equal(t, value.Int(2), counts["B"])
}

func TestQueryEmptyAggregateFromBackend(t *testing.T) {
	reg := testRegistry(t)
	st, err := store.Open(":memory:", reg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.EnsureSchema(context.Background()))

	eng := New(reg, WithStore(st, plansql.New()), WithLogger(quietLogger()))

	b := expr.NewBuilder(reg)
	src := mustNode(b.Source("Movie"))
	agg := mustNode(b.Aggregate(src, expr.AggMin, "Release"))

	_, err = eng.QueryAll(context.Background(), agg)
	require.Error(t, err)
	assert.True(t, exec.IsCode(err, exec.ErrCodeEmptyAggregate))
}

func TestQueryCountOverEmptyTable(t *testing.T) {
	reg := testRegistry(t)
	st, err := store.Open(":memory:", reg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.EnsureSchema(context.Background()))

	eng := New(reg, WithStore(st, plansql.New()), WithLogger(quietLogger()))

	b := expr.NewBuilder(reg)
	src := mustNode(b.Source("Movie"))
	agg := mustNode(b.Aggregate(src, expr.AggCount, ""))

	out, err := eng.QueryAll(context.Background(), agg)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, value.Int(0), out[0]["count"])
}

func TestQueryGroupedNullAggregateParity(t *testing.T) {
	reg := testRegistry(t)

	rows := []value.Record{
		{"ID": value.Int(1), "Title": value.Str("a"), "Release": value.Int(2000)},
		{"ID": value.Int(2), "Title": value.Str("a"), "Release": value.Int(2005)},
		{"ID": value.Int(3), "Title": value.Str("b"), "Release": value.Null{}},
	}

	st, err := store.Open(":memory:", reg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.EnsureSchema(context.Background()))
	require.NoError(t, st.Insert(context.Background(), "Movie", rows...))
	sqlEng := New(reg, WithStore(st, plansql.New()), WithLogger(quietLogger()))

	mem := exec.NewMemSource()
	mem.Add("Movie", rows...)
	memEng := New(reg, WithSource(mem), WithLogger(quietLogger()))

	b := expr.NewBuilder(reg)
	src := mustNode(b.Source("Movie"))
	g := mustNode(b.GroupBy(src, "Title"))
	agg := mustNode(b.AggregateAs(g, expr.AggMin, "Release", "oldest"))

	// A group whose values are all null keeps its row with a null
	// aggregate on both execution paths.
	want := []value.Record{
		{"Title": value.Str("a"), "oldest": value.Int(2000)},
		{"Title": value.Str("b"), "oldest": value.Null{}},
	}

	fromSQL, err := sqlEng.QueryAll(context.Background(), agg)
	require.NoError(t, err)
	assert.Equal(t, want, fromSQL)

	fromMem, err := memEng.QueryAll(context.Background(), agg)
	require.NoError(t, err)
	assert.Equal(t, want, fromMem)
}

func TestQueryValidationErrorsSurface(t *testing.T) {
	reg := testRegistry(t)
	eng := storeEngine(t, reg)

	bad := &expr.OrderBy{
		Input: &expr.Source{Entity: "Movie"},
		Key:   "Budget",
		Dir:   expr.Ascending,
	}

	_, err := eng.Query(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, plan.IsValidationError(err))
}

func TestQueryLazyPushdown(t *testing.T) {
	reg := testRegistry(t)
	eng := storeEngine(t, reg)

	b := expr.NewBuilder(reg)
	src := mustNode(b.Source("Movie"))

	rows, err := eng.Query(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, exec.StateNotStarted, rows.State())

	require.True(t, rows.Next())
	assert.Equal(t, exec.StateRunning, rows.State())
	require.NoError(t, rows.Close())
}

func TestQueryMemorySource(t *testing.T) {
	reg := testRegistry(t)
	src := exec.NewMemSource()
	src.Add("Movie",
		value.Record{"ID": value.Int(1), "Title": value.Str("A"), "Release": value.Int(1999)},
	)
	eng := New(reg, WithSource(src), WithLogger(quietLogger()))

	b := expr.NewBuilder(reg)
	node := mustNode(b.Source("Movie"))

	out, err := eng.QueryAll(context.Background(), node)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestQueryTimeoutOption(t *testing.T) {
	reg := testRegistry(t)
	eng := storeEngine(t, reg, WithTimeout(time.Nanosecond))

	b := expr.NewBuilder(reg)
	node := mustNode(b.Source("Movie"))

	rows, err := eng.Query(context.Background(), node)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	assert.False(t, rows.Next())
	require.Error(t, rows.Err())
	assert.True(t, exec.IsCode(rows.Err(), exec.ErrCodeTimeout))
}

func TestPlanReturnsLoweredPlan(t *testing.T) {
	reg := testRegistry(t)
	eng := New(reg, WithLogger(quietLogger()))

	b := expr.NewBuilder(reg)
	node := mustNode(b.Source("Movie"))

	p, err := eng.Plan(node)
	require.NoError(t, err)
	assert.Equal(t, "s0: scan Movie\n", p.String())
}
