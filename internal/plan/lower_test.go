package plan

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/expr"
	"github.com/roach88/quill/internal/schema"
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

func newGoldie(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestLowerFilterProject(t *testing.T) {
	reg := testRegistry(t)
	b := expr.NewBuilder(reg)

	src, err := b.Source("Movie")
	require.NoError(t, err)
	filtered, err := b.Filter(src, expr.Gt("Release", value.Int(2000)))
	require.NoError(t, err)
	proj, err := b.Project(filtered, expr.Selector{Field: "Title"})
	require.NoError(t, err)

	p, err := Lower(reg, proj)
	require.NoError(t, err)

	assert.Equal(t, []string{"Title"}, p.Shape().Names())
	newGoldie(t).Assert(t, "filter_project", []byte(p.String()))
}

func TestLowerJoin(t *testing.T) {
	reg := testRegistry(t)
	b := expr.NewBuilder(reg)

	movies, _ := b.Source("Movie")
	actors, _ := b.Source("Actor")
	joined, err := b.Join(movies, actors, expr.EqFields("Movie.ID", "Actor.MovieID"))
	require.NoError(t, err)
	proj, err := b.Project(joined,
		expr.Selector{Field: "Movie.Title", As: "Title"},
		expr.Selector{Field: "Actor.Name", As: "Name"},
	)
	require.NoError(t, err)

	p, err := Lower(reg, proj)
	require.NoError(t, err)

	join := p.Steps[2]
	assert.Equal(t, OpJoin, join.Op)
	assert.Equal(t, []string{"Movie.ID"}, join.LeftKeys)
	assert.Equal(t, []string{"Actor.MovieID"}, join.RightKeys)
	assert.Equal(t, "Movie.Title", join.LeftRename["Title"])
	assert.Equal(t, "Actor.Name", join.RightRename["Name"])

	newGoldie(t).Assert(t, "join_project", []byte(p.String()))
}

func TestLowerGroupAggregate(t *testing.T) {
	reg := testRegistry(t)
	b := expr.NewBuilder(reg)

	src, _ := b.Source("Movie")
	grouped, err := b.GroupBy(src, "Release")
	require.NoError(t, err)
	counted, err := b.AggregateAs(grouped, expr.AggCount, "", "n")
	require.NoError(t, err)

	p, err := Lower(reg, counted)
	require.NoError(t, err)

	agg := p.Steps[p.Root()]
	assert.Equal(t, OpAggregate, agg.Op)
	assert.Equal(t, "Release", agg.GroupKey)
	assert.Equal(t, []string{"Release", "n"}, agg.Shape.Names())

	newGoldie(t).Assert(t, "group_count", []byte(p.String()))
}

func TestLowerLet(t *testing.T) {
	reg := testRegistry(t)
	b := expr.NewBuilder(reg)

	movies, _ := b.Source("Movie")
	actors, _ := b.Source("Actor")
	mine, err := b.Filter(actors, expr.Compare{
		Left: expr.Field("MovieID"), Op: expr.OpEq, Right: expr.Outer("ID"),
	})
	require.NoError(t, err)
	count, err := b.Aggregate(mine, expr.AggCount, "")
	require.NoError(t, err)
	bound, err := b.Let(movies, "actorCount", count)
	require.NoError(t, err)

	p, err := Lower(reg, bound)
	require.NoError(t, err)

	let := p.Steps[p.Root()]
	assert.Equal(t, OpLet, let.Op)
	require.NotNil(t, let.Sub)
	assert.Len(t, let.Sub.Steps, 3)
	assert.Equal(t, []string{"ID", "Title", "Release", "actorCount"}, let.Shape.Names())

	newGoldie(t).Assert(t, "let_count", []byte(p.String()))
}

func TestLowerLetRequiresAggregate(t *testing.T) {
	reg := testRegistry(t)
	b := expr.NewBuilder(reg)

	movies, _ := b.Source("Movie")
	actors, _ := b.Source("Actor")
	names, err := b.Project(actors, expr.Selector{Field: "Name"})
	require.NoError(t, err)

	// Bypass the builder: a let whose subquery is a bare projection has
	// no single scalar per outer row and must fail validation, even
	// though the projection is one column wide.
	bad := &expr.Let{Input: movies, Name: "names", Sub: names}

	_, err = Lower(reg, bad)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Errors, 1)
	assert.True(t, schema.IsCode(verr.Errors[0], schema.ErrCodeTypeMismatch))
}

func TestLowerDeterministic(t *testing.T) {
	reg := testRegistry(t)
	b := expr.NewBuilder(reg)

	src, _ := b.Source("Movie")
	filtered, _ := b.Filter(src, expr.Gt("Release", value.Int(2000)))
	sorted, _ := b.OrderBy(filtered, "Title", expr.Descending)

	p1, err := Lower(reg, sorted)
	require.NoError(t, err)
	p2, err := Lower(reg, sorted)
	require.NoError(t, err)

	assert.Equal(t, p1.String(), p2.String())
	assert.Equal(t, p1.Fingerprint(), p2.Fingerprint())
}

func TestLowerAccumulatesErrors(t *testing.T) {
	reg := testRegistry(t)

	// Bypass the builder to assemble a tree with several defects at
	// once: an unknown sort key over an unknown-field filter.
	src, err := expr.NewBuilder(reg).Source("Movie")
	require.NoError(t, err)
	bad := &expr.OrderBy{
		Input: &expr.Filter{Input: src, Pred: expr.Eq("Director", value.Str("x"))},
		Key:   "Budget",
		Dir:   expr.Ascending,
	}

	_, err = Lower(reg, bad)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Errors, 2)
	assert.True(t, schema.IsCode(verr.Errors[0], schema.ErrCodeUnknownField))
	assert.True(t, schema.IsCode(verr.Errors[1], schema.ErrCodeUnknownField))
}

func TestLowerUnknownEntityDoesNotCascade(t *testing.T) {
	reg := testRegistry(t)

	// A bad source reports exactly one error; downstream steps with an
	// unknown shape stay silent instead of piling on spurious errors.
	bad := &expr.OrderBy{
		Input: &expr.Source{Entity: "Spaceship"},
		Key:   "Thrust",
		Dir:   expr.Ascending,
	}

	_, err := Lower(reg, bad)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Errors, 1)
	assert.True(t, schema.IsCode(verr.Errors[0], schema.ErrCodeUnknownEntity))
}

func TestPlanStringSteps(t *testing.T) {
	reg := testRegistry(t)
	b := expr.NewBuilder(reg)

	src, _ := b.Source("Movie")
	p, err := Lower(reg, src)
	require.NoError(t, err)
	assert.Equal(t, "s0: scan Movie\n", p.String())
	assert.Equal(t, 0, p.Root())
}
