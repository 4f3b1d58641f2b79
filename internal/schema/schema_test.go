package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/value"
)

func movieDesc() EntityDescriptor {
	return EntityDescriptor{
		Name: "Movie",
		Fields: []Field{
			{Name: "ID", Kind: value.KindInt},
			{Name: "Title", Kind: value.KindString},
			{Name: "Release", Kind: value.KindInt, Nullable: true},
		},
	}
}

func actorDesc() EntityDescriptor {
	return EntityDescriptor{
		Name: "Actor",
		Fields: []Field{
			{Name: "ID", Kind: value.KindInt},
			{Name: "Name", Kind: value.KindString},
			{Name: "MovieID", Kind: value.KindInt, Nullable: true},
		},
		Relations: []Relation{
			{Name: "Movie", Kind: RelToOne, Target: "Movie", ForeignKey: "MovieID"},
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(movieDesc()))
	require.NoError(t, reg.Register(actorDesc()))

	desc, err := reg.Entity("Movie")
	require.NoError(t, err)
	assert.Equal(t, "Movie", desc.Name)
	assert.Len(t, desc.Fields, 3)

	// Registration order is preserved.
	assert.Equal(t, []string{"Movie", "Actor"}, reg.Entities())
}

func TestRegisterDuplicateEntity(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(movieDesc()))

	err := reg.Register(movieDesc())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeDuplicateEntity))
}

func TestRegisterValidatesBeforeCommit(t *testing.T) {
	reg := NewRegistry()

	bad := EntityDescriptor{
		Name: "Broken",
		Fields: []Field{
			{Name: "A", Kind: value.KindInt},
			{Name: "A", Kind: value.KindString}, // duplicate
		},
	}
	require.Error(t, reg.Register(bad))

	// A failed Register leaves no partial state behind.
	_, err := reg.Entity("Broken")
	assert.True(t, IsCode(err, ErrCodeUnknownEntity))
	assert.Empty(t, reg.Entities())
}

func TestRegisterRejectsBadDescriptors(t *testing.T) {
	tests := []struct {
		name string
		desc EntityDescriptor
	}{
		{"empty name", EntityDescriptor{Fields: []Field{{Name: "A", Kind: value.KindInt}}}},
		{"no fields", EntityDescriptor{Name: "Empty"}},
		{"invalid kind", EntityDescriptor{Name: "Bad", Fields: []Field{{Name: "A", Kind: value.Kind("decimal")}}}},
		{"list field", EntityDescriptor{Name: "Bad", Fields: []Field{{Name: "A", Kind: value.KindList}}}},
		{"bad relation kind", EntityDescriptor{
			Name:      "Bad",
			Fields:    []Field{{Name: "A", Kind: value.KindInt}},
			Relations: []Relation{{Name: "R", Kind: RelKind("sideways"), Target: "Movie"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			assert.Error(t, reg.Register(tt.desc))
		})
	}
}

func TestUnknownEntity(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Entity("Nope")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeUnknownEntity))
}

func TestNormalizeUnicodeIdentifiers(t *testing.T) {
	// "Café" spelled with a combining acute accent resolves to the same
	// entity as its precomposed form.
	decomposed := "Cafe\u0301"
	composed := "Caf\u00e9"

	reg := NewRegistry()
	require.NoError(t, reg.Register(EntityDescriptor{
		Name:   decomposed,
		Fields: []Field{{Name: "ID", Kind: value.KindInt}},
	}))

	desc, err := reg.Entity(composed)
	require.NoError(t, err)
	assert.Equal(t, composed, desc.Name)

	// Registering the composed spelling is a duplicate.
	err = reg.Register(EntityDescriptor{
		Name:   composed,
		Fields: []Field{{Name: "ID", Kind: value.KindInt}},
	})
	assert.True(t, IsCode(err, ErrCodeDuplicateEntity))
}

func TestResolveField(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(movieDesc()))
	require.NoError(t, reg.Register(actorDesc()))

	t.Run("plain field", func(t *testing.T) {
		f, err := reg.ResolveField("Movie", "Title")
		require.NoError(t, err)
		assert.Equal(t, value.KindString, f.Kind)
	})

	t.Run("to-one relation hop", func(t *testing.T) {
		f, err := reg.ResolveField("Actor", "Movie.Title")
		require.NoError(t, err)
		assert.Equal(t, value.KindString, f.Kind)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := reg.ResolveField("Movie", "Director")
		assert.True(t, IsCode(err, ErrCodeUnknownField))
	})

	t.Run("unknown relation head", func(t *testing.T) {
		_, err := reg.ResolveField("Movie", "Studio.Name")
		assert.True(t, IsCode(err, ErrCodeUnknownField))
	})

	t.Run("unknown entity", func(t *testing.T) {
		_, err := reg.ResolveField("Nope", "X")
		assert.True(t, IsCode(err, ErrCodeUnknownEntity))
	})
}

func TestResolveFieldToManyRejected(t *testing.T) {
	reg := NewRegistry()
	movie := movieDesc()
	movie.Relations = []Relation{
		{Name: "Cast", Kind: RelToMany, Target: "Actor", ForeignKey: "MovieID"},
	}
	require.NoError(t, reg.Register(movie))
	require.NoError(t, reg.Register(actorDesc()))

	_, err := reg.ResolveField("Movie", "Cast.Name")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeTypeMismatch))
}

func TestNativeShape(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(movieDesc()))
	desc, err := reg.Entity("Movie")
	require.NoError(t, err)

	shape := desc.NativeShape()
	assert.Equal(t, []string{"ID", "Title", "Release"}, shape.Names())

	col, ok := shape.Column("Release")
	require.True(t, ok)
	assert.True(t, col.Nullable)
	assert.Equal(t, value.KindInt, col.Kind)

	_, ok = shape.Column("Nope")
	assert.False(t, ok)
}
