package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, _, err := execute(t, "validate", "testdata/schema")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Schema valid (2 entities)")
	assert.Contains(t, out, "Movie")
	assert.Contains(t, out, "Actor")
}

func TestValidateCommandReportsAllIssues(t *testing.T) {
	out, _, err := execute(t, "validate", "testdata/schema_bad")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, ErrCodeInvalidType)
	assert.Contains(t, out, ErrCodeEntityFields)
}

func TestValidateCommandMissingDir(t *testing.T) {
	_, _, err := execute(t, "validate", "testdata/no_such_dir")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidateCommandJSON(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "validate", "testdata/schema")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestCompileCommand(t *testing.T) {
	out, _, err := execute(t, "compile", "testdata/schema", "testdata/queries/recent.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "Plan:")
	assert.Contains(t, out, "s0: scan Movie")
	assert.Contains(t, out, "SQL (sqlite):")
	assert.Contains(t, out, `SELECT "Title", "Release" FROM "Movie" WHERE "Release" >= ? ORDER BY "Release" DESC`)
	assert.Contains(t, out, "Params: [1995]")
}

func TestCompileCommandFallback(t *testing.T) {
	out, _, err := execute(t, "compile", "testdata/schema", "testdata/queries/by_year.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "runs in process")
	assert.NotContains(t, out, "SQL (sqlite):")
}

func TestCompileCommandJSON(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "compile", "testdata/schema", "testdata/queries/recent.yaml")
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   CompileResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "sqlite", resp.Data.Backend)
	assert.NotEmpty(t, resp.Data.Fingerprint)
	assert.Contains(t, resp.Data.SQL, "SELECT")
}

func TestCompileCommandBadQuery(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeFile(dir+"/q.yaml", "from: Movie\nfilter: Budget > 0\n"))

	_, _, err := execute(t, "compile", "testdata/schema", dir+"/q.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestRunCommand(t *testing.T) {
	out, _, err := execute(t, "run",
		"--db", ":memory:",
		"--data", "testdata/fixtures/demo.yaml",
		"testdata/schema", "testdata/queries/recent.yaml")
	require.NoError(t, err)
	assert.Equal(t, "Title=\"Arrival\"  Release=2016\nTitle=\"Heat\"  Release=1995\n", out)
}

func TestRunCommandJoin(t *testing.T) {
	out, _, err := execute(t, "run",
		"--db", ":memory:",
		"--data", "testdata/fixtures/demo.yaml",
		"testdata/schema", "testdata/queries/cast.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, `Name="Pacino"`)
	assert.Contains(t, out, `Name="De Niro"`)
	assert.Contains(t, out, `Title="Heat"`)
	assert.NotContains(t, out, "Alien")
}

func TestRunCommandJSON(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "run",
		"--db", ":memory:",
		"--data", "testdata/fixtures/demo.yaml",
		"testdata/schema", "testdata/queries/recent.yaml")
	require.NoError(t, err)

	dec := json.NewDecoder(bytes.NewReader([]byte(out)))
	var first CLIResponse
	require.NoError(t, dec.Decode(&first))
	assert.Equal(t, "ok", first.Status)

	row, ok := first.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Arrival", row["Title"])
	assert.Equal(t, float64(2016), row["Release"])
}

func TestRunCommandRequiresDatabase(t *testing.T) {
	_, _, err := execute(t, "run", "testdata/schema", "testdata/queries/recent.yaml")
	assert.Error(t, err)
}

func TestRootCommandRejectsUnknownFormat(t *testing.T) {
	_, _, err := execute(t, "--format", "xml", "validate", "testdata/schema")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
