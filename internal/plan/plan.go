// Package plan lowers expression trees into logical plans: flat arenas
// of operation steps in post-order, children before parents. Lowering
// type-checks every field reference and accumulates all errors found
// instead of stopping at the first. A plan is built once from one tree,
// consumed once by execution, then discarded; lowering the same tree
// twice produces an identical plan.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/roach88/quill/internal/expr"
	"github.com/roach88/quill/internal/schema"
)

// Op identifies a logical operation.
type Op string

const (
	OpScan      Op = "scan"
	OpFilter    Op = "filter"
	OpProject   Op = "project"
	OpSort      Op = "sort"
	OpGroup     Op = "group"
	OpJoin      Op = "join"
	OpAggregate Op = "aggregate"
	OpLet       Op = "let"
)

// Step is one operation descriptor. Input and Right index earlier steps
// in the same plan (-1 when absent). Payload fields are populated per
// op; the rest stay zero.
type Step struct {
	ID    int
	Op    Op
	Input int
	Right int // join only

	Entity    string          // scan
	Pred      expr.Predicate  // filter
	Selectors []expr.Selector // project
	Key       string          // sort, group
	Dir       expr.Direction  // sort

	// join: key pairs and per-side column renames into qualified names
	LeftKeys    []string
	RightKeys   []string
	LeftRename  map[string]string
	RightRename map[string]string

	// aggregate
	Fn       expr.AggFn
	Field    string
	Out      string
	GroupKey string // set when the input step is a group

	// let
	Name string
	Sub  *Plan

	// Shape is the step's output column layout.
	Shape schema.Shape
}

// Plan is an ordered sequence of steps. The last step is the root.
type Plan struct {
	Steps []Step
}

// Root returns the index of the root step.
func (p *Plan) Root() int {
	return len(p.Steps) - 1
}

// Shape returns the plan's output shape.
func (p *Plan) Shape() schema.Shape {
	return p.Steps[p.Root()].Shape
}

// String renders the plan in a stable text form used by logging and
// golden files. Same plan, same string.
func (p *Plan) String() string {
	var sb strings.Builder
	p.render(&sb, "")
	return sb.String()
}

func (p *Plan) render(sb *strings.Builder, indent string) {
	for _, s := range p.Steps {
		sb.WriteString(indent)
		sb.WriteString(fmt.Sprintf("s%d: ", s.ID))
		switch s.Op {
		case OpScan:
			sb.WriteString("scan " + s.Entity)
		case OpFilter:
			sb.WriteString(fmt.Sprintf("filter s%d %s", s.Input, s.Pred))
		case OpProject:
			names := make([]string, len(s.Selectors))
			for i, sel := range s.Selectors {
				if sel.As != "" && sel.As != sel.Field {
					names[i] = sel.Field + " as " + sel.As
				} else {
					names[i] = sel.Field
				}
			}
			sb.WriteString(fmt.Sprintf("project s%d [%s]", s.Input, strings.Join(names, ", ")))
		case OpSort:
			sb.WriteString(fmt.Sprintf("sort s%d by %s %s", s.Input, s.Key, s.Dir))
		case OpGroup:
			sb.WriteString(fmt.Sprintf("group s%d by %s", s.Input, s.Key))
		case OpJoin:
			pairs := make([]string, len(s.LeftKeys))
			for i := range s.LeftKeys {
				pairs[i] = s.LeftKeys[i] + " == " + s.RightKeys[i]
			}
			sb.WriteString(fmt.Sprintf("join s%d s%d on %s", s.Input, s.Right, strings.Join(pairs, " AND ")))
		case OpAggregate:
			arg := s.Field
			sb.WriteString(fmt.Sprintf("aggregate s%d %s(%s) -> %s", s.Input, s.Fn, arg, s.Out))
		case OpLet:
			sb.WriteString(fmt.Sprintf("let s%d %s =\n", s.Input, s.Name))
			s.Sub.render(sb, indent+"    ")
			continue
		}
		sb.WriteByte('\n')
	}
}

// Fingerprint returns a stable content hash of the plan, used to
// correlate log lines and cache compiled queries.
func (p *Plan) Fingerprint() string {
	sum := sha256.Sum256([]byte(p.String()))
	return hex.EncodeToString(sum[:])
}
