// Package store provides SQLite-backed storage for entity tables. It
// owns connection configuration and schema bootstrap; query planning
// and compilation live elsewhere and reach the database through Query.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/quill/internal/schema"
	"github.com/roach88/quill/internal/value"
)

// Store wraps a SQLite database holding one table per registered
// entity. Uses WAL mode for concurrent read access.
type Store struct {
	db  *sql.DB
	reg *schema.Registry
}

// Open creates or opens a SQLite database at the given path and binds
// it to a registry. Applies required pragmas; idempotent.
func Open(path string, reg *schema.Registry) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite supports a single writer; limiting the pool avoids
	// SQLITE_BUSY under concurrent inserts.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	return &Store{db: db, reg: reg}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Registry returns the registry the store is bound to.
func (s *Store) Registry() *schema.Registry {
	return s.reg
}

// Query executes a query and returns the resulting rows. Callers are
// responsible for closing them.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// EnsureSchema creates one table per registered entity if missing.
// Idempotent; column layout follows the descriptor's field order.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, name := range s.reg.Entities() {
		desc, err := s.reg.Entity(name)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, createTableSQL(desc)); err != nil {
			return fmt.Errorf("create table %s: %w", name, err)
		}
	}
	return nil
}

// Insert writes rows into an entity's table. Missing nullable columns
// insert as NULL; missing non-nullable columns are an error.
func (s *Store) Insert(ctx context.Context, entity string, rows ...value.Record) error {
	desc, err := s.reg.Entity(entity)
	if err != nil {
		return err
	}
	cols := make([]string, len(desc.Fields))
	holes := make([]string, len(desc.Fields))
	for i, f := range desc.Fields {
		cols[i] = quoteIdent(f.Name)
		holes[i] = "?"
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(desc.Name), strings.Join(cols, ", "), strings.Join(holes, ", "))

	for _, row := range rows {
		args := make([]any, len(desc.Fields))
		for i, f := range desc.Fields {
			v, ok := row[f.Name]
			if !ok || v.Kind() == value.KindNull {
				if !f.Nullable && !ok {
					return fmt.Errorf("insert %s: missing value for %s", entity, f.Name)
				}
				args[i] = nil
				continue
			}
			args[i], err = toDriverValue(v)
			if err != nil {
				return fmt.Errorf("insert %s.%s: %w", entity, f.Name, err)
			}
		}
		if _, err := s.db.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", entity, err)
		}
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// createTableSQL renders the CREATE TABLE statement for an entity.
func createTableSQL(desc *schema.EntityDescriptor) string {
	cols := make([]string, len(desc.Fields))
	for i, f := range desc.Fields {
		col := quoteIdent(f.Name) + " " + columnType(f.Kind)
		if !f.Nullable {
			col += " NOT NULL"
		}
		cols[i] = col
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		quoteIdent(desc.Name), strings.Join(cols, ", "))
}

func columnType(k value.Kind) string {
	switch k {
	case value.KindInt, value.KindBool:
		return "INTEGER"
	case value.KindFloat:
		return "REAL"
	default: // string, time
		return "TEXT"
	}
}

func toDriverValue(v value.Value) (any, error) {
	switch val := v.(type) {
	case value.Str:
		return string(val), nil
	case value.Int:
		return int64(val), nil
	case value.Float:
		return float64(val), nil
	case value.Bool:
		return bool(val), nil
	case value.Time:
		return val.String(), nil
	default:
		return nil, fmt.Errorf("unsupported kind %s", v.Kind())
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
