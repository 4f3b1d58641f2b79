package exec

import (
	"context"
	"errors"
	"io"

	"github.com/roach88/quill/internal/value"
)

// Source provides row cursors over entities. A cursor is a scoped
// resource: the engine acquires it when the first row is pulled and
// releases it when the iterator is exhausted, closed or fails.
type Source interface {
	// Open returns a cursor over the entity's rows. Implementations
	// must honor ctx cancellation on blocking calls.
	Open(ctx context.Context, entity string) (Cursor, error)
}

// Cursor streams the rows of one entity.
type Cursor interface {
	// Next returns the next row, or io.EOF after the last one.
	Next() (value.Record, error)
	Close() error
}

// MemSource is an in-memory Source backed by row slices, used for eager
// in-process evaluation and in tests.
type MemSource struct {
	tables map[string][]value.Record
}

// NewMemSource creates an empty in-memory source.
func NewMemSource() *MemSource {
	return &MemSource{tables: make(map[string][]value.Record)}
}

// Add appends rows to an entity's table.
func (m *MemSource) Add(entity string, rows ...value.Record) {
	m.tables[entity] = append(m.tables[entity], rows...)
}

// Open implements Source. An unknown entity is a source error: the
// planner has already checked the registry, so a miss here means source
// and registry disagree.
func (m *MemSource) Open(_ context.Context, entity string) (Cursor, error) {
	rows, ok := m.tables[entity]
	if !ok {
		return nil, NewSourceError(entity, errNoTable)
	}
	return &memCursor{rows: rows}, nil
}

type memCursor struct {
	rows []value.Record
	pos  int
}

func (c *memCursor) Next() (value.Record, error) {
	if c.pos >= len(c.rows) {
		return nil, io.EOF
	}
	row := c.rows[c.pos]
	c.pos++
	return row, nil
}

func (c *memCursor) Close() error { return nil }

var errNoTable = errors.New("no such table")
