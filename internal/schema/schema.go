// Package schema holds the entity model registry: typed descriptions of
// entities, their fields and their relations. The registry is populated
// once during process initialization and is read-only afterwards, so all
// other components share it without locking.
package schema

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/quill/internal/value"
)

// Field describes one entity field.
type Field struct {
	Name     string
	Kind     value.Kind
	Nullable bool
}

// RelKind distinguishes to-one from to-many relations.
type RelKind string

const (
	RelToOne  RelKind = "to-one"
	RelToMany RelKind = "to-many"
)

// Relation describes a foreign-key relation to another entity.
// ForeignKey names the field on the owning side of the relation: on this
// entity for to-one, on the target entity for to-many.
type Relation struct {
	Name       string
	Kind       RelKind
	Target     string
	ForeignKey string
}

// EntityDescriptor describes one entity: its name, ordered fields and
// relations. Descriptors are immutable once registered.
type EntityDescriptor struct {
	Name      string
	Fields    []Field
	Relations []Relation
}

// FieldByName returns the field with the given (normalized) name.
func (d *EntityDescriptor) FieldByName(name string) (Field, bool) {
	name = Normalize(name)
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// RelationByName returns the relation with the given (normalized) name.
func (d *EntityDescriptor) RelationByName(name string) (Relation, bool) {
	name = Normalize(name)
	for _, r := range d.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// Normalize canonicalizes an identifier to NFC so unicode-equivalent
// spellings of an entity or field name resolve to one identity.
func Normalize(name string) string {
	return norm.NFC.String(name)
}

// Registry holds all registered entity descriptors. Register during
// initialization, then treat as read-only.
type Registry struct {
	entities map[string]*EntityDescriptor
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*EntityDescriptor)}
}

// Register adds an entity descriptor. The descriptor is validated before
// anything is committed, so a failed Register leaves the registry
// untouched. Fails with DUPLICATE_ENTITY if the name is taken.
func (r *Registry) Register(desc EntityDescriptor) error {
	desc.Name = Normalize(desc.Name)
	if desc.Name == "" {
		return fmt.Errorf("entity name must not be empty")
	}
	if _, exists := r.entities[desc.Name]; exists {
		return NewDuplicateEntity(desc.Name)
	}
	if len(desc.Fields) == 0 {
		return fmt.Errorf("entity %s: at least one field required", desc.Name)
	}

	seen := make(map[string]bool, len(desc.Fields))
	fields := make([]Field, len(desc.Fields))
	for i, f := range desc.Fields {
		f.Name = Normalize(f.Name)
		if f.Name == "" {
			return fmt.Errorf("entity %s: field %d has empty name", desc.Name, i)
		}
		if seen[f.Name] {
			return fmt.Errorf("entity %s: duplicate field %s", desc.Name, f.Name)
		}
		switch f.Kind {
		case value.KindString, value.KindInt, value.KindFloat, value.KindBool, value.KindTime:
		default:
			return fmt.Errorf("entity %s: field %s has invalid type %q", desc.Name, f.Name, f.Kind)
		}
		seen[f.Name] = true
		fields[i] = f
	}

	rels := make([]Relation, len(desc.Relations))
	for i, rel := range desc.Relations {
		rel.Name = Normalize(rel.Name)
		rel.Target = Normalize(rel.Target)
		rel.ForeignKey = Normalize(rel.ForeignKey)
		if rel.Kind != RelToOne && rel.Kind != RelToMany {
			return fmt.Errorf("entity %s: relation %s has invalid kind %q", desc.Name, rel.Name, rel.Kind)
		}
		// Relation targets may be registered later, so target existence
		// is checked at resolve time, not here.
		rels[i] = rel
	}

	stored := &EntityDescriptor{Name: desc.Name, Fields: fields, Relations: rels}
	r.entities[desc.Name] = stored
	r.order = append(r.order, desc.Name)
	return nil
}

// Entity returns the descriptor for a registered entity.
// Fails with UNKNOWN_ENTITY.
func (r *Registry) Entity(name string) (*EntityDescriptor, error) {
	desc, ok := r.entities[Normalize(name)]
	if !ok {
		return nil, NewUnknownEntity(name)
	}
	return desc, nil
}

// Entities returns the registered entity names in registration order.
func (r *Registry) Entities() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ResolveField resolves a field path against an entity. The path is
// either a plain field name ("Title") or a single to-one relation hop
// followed by a field on the target ("Movie.Title" on Actor). Fails with
// UNKNOWN_ENTITY, UNKNOWN_FIELD or TYPE_MISMATCH (path through a to-many
// relation).
func (r *Registry) ResolveField(entity, fieldPath string) (Field, error) {
	desc, err := r.Entity(entity)
	if err != nil {
		return Field{}, err
	}

	head, rest, hop := strings.Cut(fieldPath, ".")
	if !hop {
		f, ok := desc.FieldByName(fieldPath)
		if !ok {
			return Field{}, NewUnknownField(desc.Name, fieldPath)
		}
		return f, nil
	}

	rel, ok := desc.RelationByName(head)
	if !ok {
		return Field{}, NewUnknownField(desc.Name, fieldPath)
	}
	if rel.Kind != RelToOne {
		return Field{}, NewTypeMismatch(fmt.Sprintf(
			"field path %s.%s traverses to-many relation %s", entity, fieldPath, rel.Name))
	}
	target, err := r.Entity(rel.Target)
	if err != nil {
		return Field{}, err
	}
	f, ok := target.FieldByName(rest)
	if !ok {
		return Field{}, NewUnknownField(target.Name, rest)
	}
	return f, nil
}

// Shape is the ordered column layout of a row stream. Source rows start
// with their entity's native shape; every operator derives a new shape
// from its input's.
type Shape []Column

// Column is one named, typed output column.
type Column struct {
	Name     string
	Kind     value.Kind
	Nullable bool
}

// Column returns the column with the given name.
func (s Shape) Column(name string) (Column, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Names returns the column names in shape order.
func (s Shape) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}

// NativeShape returns the entity's full shape in field order.
func (d *EntityDescriptor) NativeShape() Shape {
	out := make(Shape, len(d.Fields))
	for i, f := range d.Fields {
		out[i] = Column{Name: f.Name, Kind: f.Kind, Nullable: f.Nullable}
	}
	return out
}
