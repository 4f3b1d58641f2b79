package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/quill/internal/engine"
	"github.com/roach88/quill/internal/plansql"
	"github.com/roach88/quill/internal/store"
	"github.com/roach88/quill/internal/value"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
	DataFile string
	Timeout  time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <schema-dir> <query-file>",
		Short: "Execute a query against a SQLite database",
		Long: `Execute a query described in a YAML file against a SQLite database.

The entity schema is loaded from the CUE directory, the query is
lowered to a plan and compiled for SQLite. Plans SQLite cannot express
run in process over the same tables, so every valid query executes.

Example:
  quill run --db ./library.db ./schema ./queries/recent.yaml
  quill run --db :memory: --data ./fixtures/demo.yaml ./schema ./q.yaml`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.DataFile, "data", "", "YAML fixture to load before querying")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "per-query timeout (0 = none)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runQuery(opts *RunOptions, schemaDir, queryPath string, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	loadResult, loadErrors := LoadSchema(schemaDir, LoadModeFailFast)
	if len(loadErrors) > 0 {
		_ = formatter.Error(ErrCodeGeneric, loadErrors[0].Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load schema", loadErrors[0])
	}
	reg := loadResult.Registry

	qf, err := ReadQueryFile(queryPath)
	if err != nil {
		_ = formatter.Error(ErrCodeQueryParse, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read query file", err)
	}

	root, err := qf.Build(reg)
	if err != nil {
		_ = formatter.Error(ErrCodeQueryBuild, err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to build query", err)
	}

	logger.Debug("opening database", "path", opts.Database)
	st, err := store.Open(opts.Database, reg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.DataFile != "" {
		fx, ferr := ReadFixture(opts.DataFile)
		if ferr != nil {
			return WrapExitError(ExitCommandError, "failed to read fixture", ferr)
		}
		if ferr := fx.Load(ctx, st); ferr != nil {
			return WrapExitError(ExitCommandError, "failed to load fixture", ferr)
		}
		logger.Debug("fixture loaded", "path", opts.DataFile)
	}

	engOpts := []engine.Option{
		engine.WithStore(st, plansql.New()),
		engine.WithLogger(logger),
	}
	if opts.Timeout > 0 {
		engOpts = append(engOpts, engine.WithTimeout(opts.Timeout))
	}
	eng := engine.New(reg, engOpts...)

	rows, err := eng.Query(ctx, root)
	if err != nil {
		_ = formatter.Error(ErrCodeQueryBuild, err.Error(), nil)
		return WrapExitError(ExitFailure, "query failed", err)
	}
	defer rows.Close()

	cols := rows.Shape().Names()
	count := 0
	for rows.Next() {
		if perr := printRow(formatter, cols, rows.Row()); perr != nil {
			return perr
		}
		count++
	}
	if err := rows.Err(); err != nil {
		_ = formatter.Error(ErrCodeQueryBuild, err.Error(), nil)
		return WrapExitError(ExitFailure, "query failed", err)
	}

	formatter.VerboseLog("%d row(s)", count)
	return nil
}

// printRow renders one result row: JSON object per line in json format,
// aligned name=value pairs in shape order otherwise.
func printRow(f *OutputFormatter, cols []string, row value.Record) error {
	if f.Format == "json" {
		obj := make(map[string]any, len(cols))
		for _, col := range cols {
			obj[col] = valueToAny(row[col])
		}
		return f.Success(obj)
	}

	parts := make([]string, len(cols))
	for i, col := range cols {
		v := row[col]
		if v == nil {
			v = value.Null{}
		}
		parts[i] = col + "=" + v.String()
	}
	fmt.Fprintln(f.Writer, strings.Join(parts, "  "))
	return nil
}

// valueToAny converts a value to its JSON-friendly native form.
func valueToAny(v value.Value) any {
	switch val := v.(type) {
	case nil, value.Null:
		return nil
	case value.Str:
		return string(val)
	case value.Int:
		return int64(val)
	case value.Float:
		return float64(val)
	case value.Bool:
		return bool(val)
	case value.Time:
		return time.Time(val).Format(time.RFC3339)
	case value.List:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = valueToAny(item)
		}
		return out
	case value.Record:
		out := make(map[string]any, len(val))
		for _, k := range val.SortedKeys() {
			out[k] = valueToAny(val[k])
		}
		return out
	default:
		return v.String()
	}
}
