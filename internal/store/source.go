package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/roach88/quill/internal/exec"
	"github.com/roach88/quill/internal/schema"
	"github.com/roach88/quill/internal/value"
)

// Source returns an exec.Source that scans entity tables. The engine's
// in-process operators use it when a plan cannot be pushed down to SQL.
func (s *Store) Source() exec.Source {
	return &dbSource{store: s}
}

type dbSource struct {
	store *Store
}

// Open scans the entity's table. Rows are ordered by the first declared
// field so scan order is deterministic across runs.
func (d *dbSource) Open(ctx context.Context, entity string) (exec.Cursor, error) {
	desc, err := d.store.reg.Entity(entity)
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(desc.Fields))
	for i, f := range desc.Fields {
		cols[i] = quoteIdent(f.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s ASC",
		strings.Join(cols, ", "), quoteIdent(desc.Name), cols[0])

	rows, err := d.store.Query(ctx, query)
	if err != nil {
		return nil, exec.NewSourceError(entity, err)
	}
	return NewCursor(rows, desc.NativeShape(), entity), nil
}

// Cursor adapts *sql.Rows to exec.Cursor, converting each column to its
// declared kind.
type Cursor struct {
	rows   *sql.Rows
	shape  schema.Shape
	entity string
}

// NewCursor wraps scanned SQL rows. The shape must match the query's
// column order; entity tags source errors.
func NewCursor(rows *sql.Rows, shape schema.Shape, entity string) *Cursor {
	return &Cursor{rows: rows, shape: shape, entity: entity}
}

// Next returns the next converted row, or io.EOF after the last one.
func (c *Cursor) Next() (value.Record, error) {
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, exec.NewSourceError(c.entity, err)
		}
		return nil, io.EOF
	}
	raw := make([]any, len(c.shape))
	ptrs := make([]any, len(c.shape))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return nil, exec.NewSourceError(c.entity, fmt.Errorf("scan row: %w", err))
	}

	row := make(value.Record, len(c.shape))
	for i, col := range c.shape {
		v, err := fromDriverValue(raw[i], col.Kind)
		if err != nil {
			return nil, exec.NewSourceError(c.entity, fmt.Errorf("column %s: %w", col.Name, err))
		}
		row[col.Name] = v
	}
	return row, nil
}

// Close releases the underlying rows.
func (c *Cursor) Close() error {
	return c.rows.Close()
}

// fromDriverValue converts a scanned SQL value to the declared kind.
func fromDriverValue(raw any, kind value.Kind) (value.Value, error) {
	if raw == nil {
		return value.Null{}, nil
	}
	switch kind {
	case value.KindString:
		switch v := raw.(type) {
		case string:
			return value.Str(v), nil
		case []byte:
			return value.Str(string(v)), nil
		}
	case value.KindInt:
		if v, ok := raw.(int64); ok {
			return value.Int(v), nil
		}
	case value.KindFloat:
		switch v := raw.(type) {
		case float64:
			return value.Float(v), nil
		case int64:
			return value.Float(v), nil
		}
	case value.KindBool:
		switch v := raw.(type) {
		case bool:
			return value.Bool(v), nil
		case int64:
			return value.Bool(v != 0), nil
		}
	case value.KindTime:
		switch v := raw.(type) {
		case time.Time:
			return value.Time(v), nil
		case string:
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("parse time %q: %w", v, err)
			}
			return value.Time(t), nil
		case []byte:
			t, err := time.Parse(time.RFC3339, string(v))
			if err != nil {
				return nil, fmt.Errorf("parse time %q: %w", v, err)
			}
			return value.Time(t), nil
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", raw, kind)
}
