package cli

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/quill/internal/store"
	"github.com/roach88/quill/internal/value"
)

// Fixture is a YAML dataset: rows per entity, inserted in registration
// order so foreign keys land after their targets.
//
//	data:
//	  Movie:
//	    - {ID: 1, Title: "Heat", Release: 1995}
//	  Actor:
//	    - {ID: 10, Name: "Pacino", MovieID: 1}
type Fixture struct {
	Data map[string][]map[string]any `yaml:"data"`
}

// ReadFixture parses a fixture from a YAML file.
func ReadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	return &fx, nil
}

// Rows converts one entity's fixture rows to records.
func (fx *Fixture) Rows(entity string) ([]value.Record, error) {
	raw, ok := fx.Data[entity]
	if !ok {
		return nil, nil
	}
	out := make([]value.Record, len(raw))
	for i, m := range raw {
		row := make(value.Record, len(m))
		for k, v := range m {
			val, err := value.FromAny(v)
			if err != nil {
				return nil, fmt.Errorf("fixture %s row %d field %s: %w", entity, i, k, err)
			}
			row[k] = val
		}
		out[i] = row
	}
	return out, nil
}

// Load ensures the store's schema and inserts the fixture's rows, in
// entity registration order.
func (fx *Fixture) Load(ctx context.Context, st *store.Store) error {
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}
	for _, entity := range st.Registry().Entities() {
		rows, err := fx.Rows(entity)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			continue
		}
		if err := st.Insert(ctx, entity, rows...); err != nil {
			return err
		}
	}
	for entity := range fx.Data {
		if _, err := st.Registry().Entity(entity); err != nil {
			return fmt.Errorf("fixture: %w", err)
		}
	}
	return nil
}
