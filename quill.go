// Package quill is a typed query engine: register entity models, build
// validated query expressions, lower them to logical plans, and execute
// them lazily against SQLite or in-memory sources. Plans the SQL
// backend cannot express run in process with identical semantics.
//
// This package re-exports the module's public surface; the
// implementation lives under internal/.
package quill

import (
	"github.com/roach88/quill/internal/engine"
	"github.com/roach88/quill/internal/exec"
	"github.com/roach88/quill/internal/expr"
	"github.com/roach88/quill/internal/plan"
	"github.com/roach88/quill/internal/plansql"
	"github.com/roach88/quill/internal/schema"
	"github.com/roach88/quill/internal/store"
	"github.com/roach88/quill/internal/value"
)

// Model layer.
type (
	Registry         = schema.Registry
	EntityDescriptor = schema.EntityDescriptor
	Field            = schema.Field
	Relation         = schema.Relation
	Shape            = schema.Shape

	Value  = value.Value
	Record = value.Record
)

// Values.
type (
	Str   = value.Str
	Int   = value.Int
	Float = value.Float
	Bool  = value.Bool
	Time  = value.Time
	Null  = value.Null
	List  = value.List
)

// Query construction and planning.
type (
	Builder   = expr.Builder
	Node      = expr.Node
	Predicate = expr.Predicate
	Compare   = expr.Compare
	And       = expr.And
	Or        = expr.Or
	Not       = expr.Not
	Selector  = expr.Selector
	Direction = expr.Direction
	AggFn     = expr.AggFn
	Plan      = plan.Plan
)

// Sort directions and aggregate functions.
const (
	Ascending  = expr.Ascending
	Descending = expr.Descending

	AggCount = expr.AggCount
	AggMin   = expr.AggMin
	AggMax   = expr.AggMax
	AggSum   = expr.AggSum
	AggAvg   = expr.AggAvg
)

// Predicate shorthands.
var (
	Eq       = expr.Eq
	Gt       = expr.Gt
	Lt       = expr.Lt
	EqFields = expr.EqFields
)

// Execution.
type (
	Engine = engine.Engine
	Option = engine.Option
	Rows   = exec.Rows
	Source = exec.Source
	Store  = store.Store
)

// NewRegistry creates an empty entity registry.
func NewRegistry() *Registry { return schema.NewRegistry() }

// NewBuilder creates an expression builder bound to a registry.
func NewBuilder(reg *Registry) *Builder { return expr.NewBuilder(reg) }

// Lower converts an expression tree to a logical plan, reporting every
// validation error found.
func Lower(reg *Registry, root Node) (*Plan, error) { return plan.Lower(reg, root) }

// New builds an engine over a registry.
func New(reg *Registry, opts ...Option) *Engine { return engine.New(reg, opts...) }

// OpenStore opens a SQLite database bound to a registry.
func OpenStore(path string, reg *Registry) (*Store, error) { return store.Open(path, reg) }

// NewMemSource creates an empty in-memory source for WithSource.
func NewMemSource() *exec.MemSource { return exec.NewMemSource() }

// SQLite returns the SQLite backend adapter for WithStore.
func SQLite() engine.Adapter { return plansql.New() }

// Engine options.
var (
	WithSource  = engine.WithSource
	WithStore   = engine.WithStore
	WithLogger  = engine.WithLogger
	WithTimeout = engine.WithTimeout
)

// Materialize drains a Rows iterator into a finite slice, closing it.
func Materialize(r *Rows) ([]Record, error) { return exec.Materialize(r) }
