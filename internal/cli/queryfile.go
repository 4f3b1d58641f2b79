package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/quill/internal/expr"
	"github.com/roach88/quill/internal/schema"
	"github.com/roach88/quill/internal/value"
)

// QueryFile is the YAML description of a query. Operators apply in a
// fixed order: from, join, filter, group_by, aggregate, order_by,
// select. Omitted sections are skipped.
type QueryFile struct {
	From      string     `yaml:"from"`
	Join      *JoinSpec  `yaml:"join,omitempty"`
	Filter    string     `yaml:"filter,omitempty"`
	GroupBy   string     `yaml:"group_by,omitempty"`
	Aggregate *AggSpec   `yaml:"aggregate,omitempty"`
	OrderBy   *OrderSpec `yaml:"order_by,omitempty"`
	Select    []string   `yaml:"select,omitempty"`
}

// JoinSpec joins a second entity. On is a single field equality,
// "LeftField == RightField"; Filter restricts the right side before
// joining.
type JoinSpec struct {
	Entity string `yaml:"entity"`
	On     string `yaml:"on"`
	Filter string `yaml:"filter,omitempty"`
}

// AggSpec folds the stream with an aggregate function. Field is
// required for every function except count; As overrides the output
// column name.
type AggSpec struct {
	Fn    string `yaml:"fn"`
	Field string `yaml:"field,omitempty"`
	As    string `yaml:"as,omitempty"`
}

// OrderSpec sorts by one field. Dir is "asc" (default) or "desc".
type OrderSpec struct {
	Field string `yaml:"field"`
	Dir   string `yaml:"dir,omitempty"`
}

// ReadQueryFile parses a query description from a YAML file.
func ReadQueryFile(path string) (*QueryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read query file: %w", err)
	}
	var qf QueryFile
	if err := yaml.Unmarshal(data, &qf); err != nil {
		return nil, fmt.Errorf("parse query file: %w", err)
	}
	if qf.From == "" {
		return nil, fmt.Errorf("query file: from is required")
	}
	return &qf, nil
}

// Build turns the description into an expression tree against the
// registry. Errors surface with the registry's error codes.
func (qf *QueryFile) Build(reg *schema.Registry) (expr.Node, error) {
	b := expr.NewBuilder(reg)

	node, err := b.Source(qf.From)
	if err != nil {
		return nil, err
	}

	if qf.Join != nil {
		node, err = qf.buildJoin(b, node)
		if err != nil {
			return nil, err
		}
	}

	if qf.Filter != "" {
		pred, perr := ParseFilter(qf.Filter)
		if perr != nil {
			return nil, perr
		}
		node, err = b.Filter(node, pred)
		if err != nil {
			return nil, err
		}
	}

	if qf.GroupBy != "" {
		node, err = b.GroupBy(node, qf.GroupBy)
		if err != nil {
			return nil, err
		}
	}

	if qf.Aggregate != nil {
		fn, ferr := parseAggFn(qf.Aggregate.Fn)
		if ferr != nil {
			return nil, ferr
		}
		if qf.Aggregate.As != "" {
			node, err = b.AggregateAs(node, fn, qf.Aggregate.Field, qf.Aggregate.As)
		} else {
			node, err = b.Aggregate(node, fn, qf.Aggregate.Field)
		}
		if err != nil {
			return nil, err
		}
	}

	if qf.OrderBy != nil {
		dir := expr.Ascending
		switch qf.OrderBy.Dir {
		case "", "asc":
		case "desc":
			dir = expr.Descending
		default:
			return nil, fmt.Errorf("order_by: dir must be %q or %q, got %q", "asc", "desc", qf.OrderBy.Dir)
		}
		node, err = b.OrderBy(node, qf.OrderBy.Field, dir)
		if err != nil {
			return nil, err
		}
	}

	if len(qf.Select) > 0 {
		selectors := make([]expr.Selector, len(qf.Select))
		for i, name := range qf.Select {
			field, as, _ := strings.Cut(name, " as ")
			selectors[i] = expr.Selector{Field: strings.TrimSpace(field), As: strings.TrimSpace(as)}
		}
		node, err = b.Project(node, selectors...)
		if err != nil {
			return nil, err
		}
	}

	return node, nil
}

func (qf *QueryFile) buildJoin(b *expr.Builder, left expr.Node) (expr.Node, error) {
	if qf.Join.Entity == "" {
		return nil, fmt.Errorf("join: entity is required")
	}
	if qf.Join.On == "" {
		return nil, fmt.Errorf("join: on is required")
	}

	right, err := b.Source(qf.Join.Entity)
	if err != nil {
		return nil, err
	}
	if qf.Join.Filter != "" {
		pred, perr := ParseFilter(qf.Join.Filter)
		if perr != nil {
			return nil, perr
		}
		right, err = b.Filter(right, pred)
		if err != nil {
			return nil, err
		}
	}

	lf, rf, found := strings.Cut(qf.Join.On, "==")
	if !found {
		return nil, fmt.Errorf("join: on must be %q, got %q", "LeftField == RightField", qf.Join.On)
	}
	on := expr.EqFields(strings.TrimSpace(lf), strings.TrimSpace(rf))
	return b.Join(left, right, on)
}

// ParseFilter parses a filter expression string into a predicate.
//
// Supported expression formats:
//   - "field == value" and the other five comparison operators
//   - "expr1 and expr2" (case insensitive, any number of terms)
//
// Values are literals: quoted strings, integers, floats, true/false,
// null. This is a deliberately small surface; programs needing the full
// predicate algebra use the builder API directly.
func ParseFilter(filter string) (expr.Predicate, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil, fmt.Errorf("empty filter expression")
	}

	andParts := splitByAnd(filter)
	if len(andParts) > 1 {
		preds := make([]expr.Predicate, 0, len(andParts))
		for _, part := range andParts {
			pred, err := parseComparison(part)
			if err != nil {
				return nil, err
			}
			preds = append(preds, pred)
		}
		return expr.And{Preds: preds}, nil
	}

	return parseComparison(filter)
}

// splitByAnd splits a filter expression by "and" (case insensitive).
func splitByAnd(filter string) []string {
	var parts []string
	remaining := filter

	for {
		idx := strings.Index(strings.ToLower(remaining), " and ")
		if idx == -1 {
			parts = append(parts, strings.TrimSpace(remaining))
			break
		}
		parts = append(parts, strings.TrimSpace(remaining[:idx]))
		remaining = remaining[idx+5:] // len(" and ") == 5
	}

	return parts
}

// comparison operators, two-character ones first so "<=" is not read
// as "<" followed by a stray "=".
var cmpOps = []struct {
	text string
	op   expr.CmpOp
}{
	{"==", expr.OpEq},
	{"!=", expr.OpNe},
	{"<=", expr.OpLe},
	{">=", expr.OpGe},
	{"<", expr.OpLt},
	{">", expr.OpGt},
}

// parseComparison parses a single comparison expression,
// "field op literal".
func parseComparison(s string) (expr.Predicate, error) {
	s = strings.TrimSpace(s)

	for _, c := range cmpOps {
		idx := strings.Index(s, c.text)
		if idx <= 0 {
			continue
		}
		field := strings.TrimSpace(s[:idx])
		lit := strings.TrimSpace(s[idx+len(c.text):])
		if field == "" || lit == "" {
			return nil, fmt.Errorf("malformed comparison: %s", s)
		}
		v, err := parseLiteral(lit)
		if err != nil {
			return nil, fmt.Errorf("comparison %q: %w", s, err)
		}
		return expr.Compare{Left: expr.Field(field), Op: c.op, Right: expr.Lit{Val: v}}, nil
	}

	return nil, fmt.Errorf("unsupported expression (no comparison operator found): %s", s)
}

// parseLiteral reads one literal value.
func parseLiteral(s string) (value.Value, error) {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return value.Str(s[1 : len(s)-1]), nil
		}
	}
	switch s {
	case "true":
		return value.Bool(true), nil
	case "false":
		return value.Bool(false), nil
	case "null":
		return value.Null{}, nil
	}
	if strings.ContainsAny(s, ".eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return value.Float(f), nil
		}
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unrecognized literal %q", s)
	}
	return value.Int(i), nil
}

func parseAggFn(s string) (expr.AggFn, error) {
	switch s {
	case "count":
		return expr.AggCount, nil
	case "min":
		return expr.AggMin, nil
	case "max":
		return expr.AggMax, nil
	case "sum":
		return expr.AggSum, nil
	case "avg":
		return expr.AggAvg, nil
	default:
		return "", fmt.Errorf("aggregate: unknown function %q", s)
	}
}
