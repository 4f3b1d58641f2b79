package cli

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/schema"
	"github.com/roach88/quill/internal/value"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestLoadSchema(t *testing.T) {
	result, errs := LoadSchema("testdata/schema", LoadModeFailFast)
	require.Empty(t, errs)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.FileCount)

	assert.ElementsMatch(t, []string{"Movie", "Actor"}, result.Registry.Entities())

	movie, err := result.Registry.Entity("Movie")
	require.NoError(t, err)
	require.Len(t, movie.Fields, 3)
	// Field order follows the CUE list, not map iteration.
	assert.Equal(t, "ID", movie.Fields[0].Name)
	assert.Equal(t, "Title", movie.Fields[1].Name)
	assert.Equal(t, "Release", movie.Fields[2].Name)
	assert.True(t, movie.Fields[2].Nullable)

	actor, err := result.Registry.Entity("Actor")
	require.NoError(t, err)
	require.Len(t, actor.Relations, 1)
	assert.Equal(t, schema.RelToOne, actor.Relations[0].Kind)
	assert.Equal(t, "Movie", actor.Relations[0].Target)
	assert.Equal(t, "MovieID", actor.Relations[0].ForeignKey)

	// A loaded schema resolves relation hops like a hand-built one.
	f, err := result.Registry.ResolveField("Actor", "Movie.Title")
	require.NoError(t, err)
	assert.Equal(t, value.KindString, f.Kind)
}

func TestLoadSchemaCollectsAllErrors(t *testing.T) {
	result, errs := LoadSchema("testdata/schema_bad", LoadModeCollectAll)
	require.NotNil(t, result)
	require.Len(t, errs, 2)

	codes := make([]string, len(errs))
	for i, err := range errs {
		var loadErr *LoadError
		require.ErrorAs(t, err, &loadErr)
		codes[i] = loadErr.Code
	}
	assert.ElementsMatch(t, []string{ErrCodeInvalidType, ErrCodeEntityFields}, codes)
}

func TestLoadSchemaFailFastStopsEarly(t *testing.T) {
	_, errs := LoadSchema("testdata/schema_bad", LoadModeFailFast)
	assert.Len(t, errs, 1)
}

func TestLoadSchemaMissingDir(t *testing.T) {
	result, errs := LoadSchema("testdata/no_such_dir", LoadModeFailFast)
	assert.Nil(t, result)
	require.Len(t, errs, 1)

	var loadErr *LoadError
	require.ErrorAs(t, errs[0], &loadErr)
	assert.Equal(t, ErrCodeNotFound, loadErr.Code)
}

func TestLoadSchemaEmptyDir(t *testing.T) {
	result, errs := LoadSchema(t.TempDir(), LoadModeFailFast)
	assert.Nil(t, result)
	require.Len(t, errs, 1)

	var loadErr *LoadError
	require.ErrorAs(t, errs[0], &loadErr)
	assert.Equal(t, ErrCodeNoFiles, loadErr.Code)
}

func TestFindCUEFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeFile(dir+"/a.cue", "package schema\n"))
	require.NoError(t, writeFile(dir+"/notes.txt", "ignored\n"))
	require.NoError(t, os.Mkdir(dir+"/sub", 0o755))
	require.NoError(t, writeFile(dir+"/sub/b.cue", "package schema\n"))

	files, err := FindCUEFiles(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}
