package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/quill/internal/exec"
	"github.com/roach88/quill/internal/plan"
	"github.com/roach88/quill/internal/plansql"
)

// CompileResult is the compile command's payload.
type CompileResult struct {
	Plan        string `json:"plan"`
	Fingerprint string `json:"fingerprint"`
	Backend     string `json:"backend,omitempty"`
	SQL         string `json:"sql,omitempty"`
	Params      []any  `json:"params,omitempty"`
	Fallback    string `json:"fallback,omitempty"` // reason SQL compilation was declined
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile <schema-dir> <query-file>",
		Short: "Lower a query to a plan and compile it to SQL",
		Long: `Lower a query description to its logical plan and compile the plan
for the SQLite backend, without executing anything.

Prints the plan in its stable text form and, when the backend supports
every operation in it, the parameterized SQL. Plans the backend cannot
express are reported with the reason; at runtime those fall back to
in-process evaluation.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(rootOpts, args[0], args[1], cmd)
		},
	}

	return cmd
}

func runCompile(opts *RootOptions, schemaDir, queryPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	p, err := loadPlan(schemaDir, queryPath, formatter)
	if err != nil {
		return err
	}

	result := CompileResult{
		Plan:        p.String(),
		Fingerprint: p.Fingerprint(),
	}

	compiler := plansql.New()
	query, params, err := compiler.Compile(p)
	switch {
	case err == nil:
		result.Backend = compiler.Name()
		result.SQL = query
		result.Params = params
	case exec.IsCode(err, exec.ErrCodeUnsupported):
		result.Fallback = err.Error()
	default:
		_ = formatter.Error(ErrCodeQueryBuild, err.Error(), nil)
		return NewExitError(ExitFailure, err.Error())
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintln(formatter.Writer, "Plan:")
	fmt.Fprint(formatter.Writer, indent(result.Plan, "  "))
	if result.SQL != "" {
		fmt.Fprintf(formatter.Writer, "SQL (%s):\n  %s\n", result.Backend, result.SQL)
		if len(result.Params) > 0 {
			fmt.Fprintf(formatter.Writer, "Params: %v\n", result.Params)
		}
	} else {
		fmt.Fprintf(formatter.Writer, "SQL: not supported (%s); runs in process\n", result.Fallback)
	}
	return nil
}

// loadPlan loads the schema, builds the query and lowers it, reporting
// failures through the formatter. Shared by compile and run.
func loadPlan(schemaDir, queryPath string, formatter *OutputFormatter) (*plan.Plan, error) {
	loadResult, loadErrors := LoadSchema(schemaDir, LoadModeFailFast)
	if len(loadErrors) > 0 {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
		} else {
			_ = formatter.Error(ErrCodeGeneric, loadErrors[0].Error(), nil)
		}
		return nil, NewExitError(ExitCommandError, loadErrors[0].Error())
	}
	formatter.VerboseLog("Loaded %d entities from %s", len(loadResult.Registry.Entities()), schemaDir)

	qf, err := ReadQueryFile(queryPath)
	if err != nil {
		_ = formatter.Error(ErrCodeQueryParse, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to read query file", err)
	}

	root, err := qf.Build(loadResult.Registry)
	if err != nil {
		_ = formatter.Error(ErrCodeQueryBuild, err.Error(), nil)
		return nil, WrapExitError(ExitFailure, "failed to build query", err)
	}

	p, err := plan.Lower(loadResult.Registry, root)
	if err != nil {
		var verr *plan.ValidationError
		if errors.As(err, &verr) {
			for _, sub := range verr.Errors {
				formatter.VerboseLog("validation: %v", sub)
			}
		}
		_ = formatter.Error(ErrCodeQueryBuild, err.Error(), nil)
		return nil, WrapExitError(ExitFailure, "query validation failed", err)
	}

	return p, nil
}

func indent(s, prefix string) string {
	var sb strings.Builder
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		sb.WriteString(prefix)
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}
