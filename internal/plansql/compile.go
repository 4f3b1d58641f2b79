// Package plansql compiles logical plans to parameterized SQL for
// SQLite. Compilation is deterministic: the same plan always produces
// the same query string, which golden-file tests rely on. Values are
// always parameterized, never interpolated. Plans containing constructs
// the backend cannot express (client-only predicates, let bindings,
// bare grouping) fail with UNSUPPORTED_OPERATION; the engine then falls
// back to in-process evaluation.
package plansql

import (
	"fmt"
	"strings"

	"github.com/roach88/quill/internal/exec"
	"github.com/roach88/quill/internal/expr"
	"github.com/roach88/quill/internal/plan"
	"github.com/roach88/quill/internal/value"
)

// Compiler translates logical plans into SQLite queries.
type Compiler struct{}

// New creates a Compiler.
func New() *Compiler {
	return &Compiler{}
}

// Name identifies the backend.
func (c *Compiler) Name() string { return "sqlite" }

// Compile converts a plan to a parameterized SQL query.
// Returns (sql, params, error).
func (c *Compiler) Compile(p *plan.Plan) (string, []any, error) {
	if p == nil || len(p.Steps) == 0 {
		return "", nil, fmt.Errorf("cannot compile empty plan")
	}
	q, err := c.compileStep(p, p.Root())
	if err != nil {
		return "", nil, err
	}
	if q.groupKey != "" {
		return "", nil, exec.NewUnsupportedError("bare group output has no SQL shape")
	}
	return q.render(), q.params, nil
}

// query accumulates the clauses of a single SELECT while steps fold
// into it.
type query struct {
	from       string
	where      []string
	params     []any
	orderBy    []string
	groupBy    string
	selectCols []string // output column names in shape order
	colExpr    map[string]string
	aggregated bool
	groupKey   string // pending bare group key, "" otherwise
}

func (q *query) render() string {
	items := make([]string, len(q.selectCols))
	for i, name := range q.selectCols {
		sqlExpr := q.colExpr[name]
		if sqlExpr == quoteIdent(name) {
			items[i] = sqlExpr
		} else {
			items[i] = sqlExpr + " AS " + quoteIdent(name)
		}
	}
	sql := "SELECT " + strings.Join(items, ", ") + " FROM " + q.from
	if len(q.where) > 0 {
		sql += " WHERE " + strings.Join(q.where, " AND ")
	}
	if q.groupBy != "" {
		sql += " GROUP BY " + q.groupBy
	}
	if len(q.orderBy) > 0 {
		sql += " ORDER BY " + strings.Join(q.orderBy, ", ")
	}
	return sql
}

func (c *Compiler) compileStep(p *plan.Plan, id int) (*query, error) {
	s := &p.Steps[id]
	switch s.Op {
	case plan.OpScan:
		return c.compileScan(s)
	case plan.OpFilter:
		return c.compileFilter(p, s)
	case plan.OpProject:
		return c.compileProject(p, s)
	case plan.OpSort:
		return c.compileSort(p, s)
	case plan.OpGroup:
		return c.compileGroup(p, s)
	case plan.OpJoin:
		return c.compileJoin(p, s)
	case plan.OpAggregate:
		return c.compileAggregate(p, s)
	case plan.OpLet:
		return nil, exec.NewUnsupportedError("let bindings require in-process evaluation")
	default:
		return nil, exec.NewUnsupportedError(fmt.Sprintf("plan op %q", s.Op))
	}
}

func (c *Compiler) compileScan(s *plan.Step) (*query, error) {
	q := &query{
		from:    quoteIdent(s.Entity),
		colExpr: make(map[string]string, len(s.Shape)),
	}
	for _, col := range s.Shape {
		q.selectCols = append(q.selectCols, col.Name)
		q.colExpr[col.Name] = quoteIdent(col.Name)
	}
	return q, nil
}

func (c *Compiler) compileFilter(p *plan.Plan, s *plan.Step) (*query, error) {
	q, err := c.compileStep(p, s.Input)
	if err != nil {
		return nil, err
	}
	if q.aggregated || q.groupKey != "" {
		return nil, exec.NewUnsupportedError("filter after aggregation")
	}
	frag, params, err := compilePredicate(s.Pred, q.colExpr)
	if err != nil {
		return nil, err
	}
	q.where = append(q.where, frag)
	q.params = append(q.params, params...)
	return q, nil
}

func (c *Compiler) compileProject(p *plan.Plan, s *plan.Step) (*query, error) {
	q, err := c.compileStep(p, s.Input)
	if err != nil {
		return nil, err
	}
	if len(s.Selectors) == 0 {
		return q, nil
	}
	if q.aggregated || q.groupKey != "" {
		return nil, exec.NewUnsupportedError("projection after aggregation")
	}
	next := make(map[string]string, len(s.Selectors))
	cols := make([]string, 0, len(s.Selectors))
	for _, sel := range s.Selectors {
		src, ok := q.colExpr[sel.Field]
		if !ok {
			return nil, fmt.Errorf("project references unknown column %q", sel.Field)
		}
		next[sel.Name()] = src
		cols = append(cols, sel.Name())
	}
	q.colExpr = next
	q.selectCols = cols
	return q, nil
}

func (c *Compiler) compileSort(p *plan.Plan, s *plan.Step) (*query, error) {
	q, err := c.compileStep(p, s.Input)
	if err != nil {
		return nil, err
	}
	keyExpr, ok := q.colExpr[s.Key]
	if !ok {
		return nil, fmt.Errorf("sort references unknown column %q", s.Key)
	}
	dir := "ASC"
	if s.Dir == expr.Descending {
		dir = "DESC"
	}
	// The newest sort key is primary; earlier keys break ties, which
	// matches the engine's stable in-process sort.
	q.orderBy = append([]string{keyExpr + " " + dir}, q.orderBy...)
	return q, nil
}

func (c *Compiler) compileGroup(p *plan.Plan, s *plan.Step) (*query, error) {
	q, err := c.compileStep(p, s.Input)
	if err != nil {
		return nil, err
	}
	if q.aggregated || q.groupKey != "" {
		return nil, exec.NewUnsupportedError("nested grouping")
	}
	// A group step only compiles when an aggregate consumes it; bare
	// group output (key plus member list) has no SQL shape.
	q.groupKey = s.Key
	return q, nil
}

func (c *Compiler) compileAggregate(p *plan.Plan, s *plan.Step) (*query, error) {
	q, err := c.compileStep(p, s.Input)
	if err != nil {
		return nil, err
	}
	if q.aggregated {
		return nil, exec.NewUnsupportedError("aggregate over aggregate")
	}

	var fieldExpr string
	if s.Field != "" {
		var ok bool
		fieldExpr, ok = q.colExpr[s.Field]
		if !ok {
			return nil, fmt.Errorf("aggregate references unknown column %q", s.Field)
		}
	}
	aggExpr, err := aggregateSQL(s.Fn, fieldExpr)
	if err != nil {
		return nil, err
	}

	next := make(map[string]string, 2)
	cols := make([]string, 0, 2)
	if s.GroupKey != "" {
		if q.groupKey != s.GroupKey {
			return nil, fmt.Errorf("aggregate group key %q does not match group step %q", s.GroupKey, q.groupKey)
		}
		keyExpr := q.colExpr[s.GroupKey]
		next[s.GroupKey] = keyExpr
		cols = append(cols, s.GroupKey)
		q.groupBy = keyExpr
		// Group output order is deterministic: ascending key.
		q.orderBy = []string{keyExpr + " ASC"}
	} else if q.groupKey != "" {
		return nil, fmt.Errorf("group step without matching aggregate key")
	}
	next[s.Out] = aggExpr
	cols = append(cols, s.Out)

	q.colExpr = next
	q.selectCols = cols
	q.groupKey = ""
	q.aggregated = true
	return q, nil
}

// aggregateSQL maps an aggregate function to its SQL form. Sum wraps in
// COALESCE so empty input yields 0 like the in-process engine; count of
// a field counts non-null values.
func aggregateSQL(fn expr.AggFn, fieldExpr string) (string, error) {
	switch fn {
	case expr.AggCount:
		if fieldExpr == "" {
			return "COUNT(*)", nil
		}
		return "COUNT(" + fieldExpr + ")", nil
	case expr.AggMin:
		return "MIN(" + fieldExpr + ")", nil
	case expr.AggMax:
		return "MAX(" + fieldExpr + ")", nil
	case expr.AggSum:
		return "COALESCE(SUM(" + fieldExpr + "), 0)", nil
	case expr.AggAvg:
		return "AVG(" + fieldExpr + ")", nil
	default:
		return "", fmt.Errorf("unknown aggregate function %q", fn)
	}
}

func (c *Compiler) compileJoin(p *plan.Plan, s *plan.Step) (*query, error) {
	left, err := c.compileStep(p, s.Input)
	if err != nil {
		return nil, err
	}
	right, err := c.compileStep(p, s.Right)
	if err != nil {
		return nil, err
	}
	for _, side := range []*query{left, right} {
		if side.aggregated || side.groupKey != "" || len(side.orderBy) > 0 {
			return nil, exec.NewUnsupportedError("join side must be a plain filtered scan")
		}
		if strings.Contains(side.from, " JOIN ") {
			return nil, exec.NewUnsupportedError("nested joins")
		}
	}

	q := &query{
		colExpr: make(map[string]string, len(s.Shape)),
	}
	mergeSide := func(side *query, renames map[string]string) {
		for _, name := range side.selectCols {
			out := name
			if renames != nil {
				if r, ok := renames[name]; ok {
					out = r
				}
			}
			q.selectCols = append(q.selectCols, out)
			q.colExpr[out] = qualifyExpr(side.from, side.colExpr[name])
		}
	}
	mergeSide(left, s.LeftRename)
	mergeSide(right, s.RightRename)

	onParts := make([]string, len(s.LeftKeys))
	for i := range s.LeftKeys {
		lk, lok := q.colExpr[s.LeftKeys[i]]
		rk, rok := q.colExpr[s.RightKeys[i]]
		if !lok || !rok {
			return nil, fmt.Errorf("join key %q/%q not found", s.LeftKeys[i], s.RightKeys[i])
		}
		onParts[i] = lk + " = " + rk
	}
	q.from = left.from + " INNER JOIN " + right.from + " ON " + strings.Join(onParts, " AND ")

	// Side filters become WHERE clauses; requalify their column refs.
	for _, w := range left.where {
		q.where = append(q.where, requalify(w, left.from))
	}
	q.params = append(q.params, left.params...)
	for _, w := range right.where {
		q.where = append(q.where, requalify(w, right.from))
	}
	q.params = append(q.params, right.params...)
	return q, nil
}

// qualifyExpr prefixes a plain column reference with its table. Already
// qualified expressions pass through.
func qualifyExpr(table, colExpr string) string {
	if strings.Contains(colExpr, ".") {
		return colExpr
	}
	return table + "." + colExpr
}

// requalify rewrites the unqualified identifiers of a side's WHERE
// fragment so they stay unambiguous inside the join.
func requalify(frag, table string) string {
	var sb strings.Builder
	for i := 0; i < len(frag); i++ {
		if frag[i] == '"' {
			end := strings.IndexByte(frag[i+1:], '"')
			if end < 0 {
				sb.WriteString(frag[i:])
				break
			}
			ident := frag[i : i+end+2]
			if i+end+2 < len(frag) && frag[i+end+2] == '.' {
				sb.WriteString(ident) // already table-qualified
			} else {
				sb.WriteString(table + "." + ident)
			}
			i += end + 1
		} else {
			sb.WriteByte(frag[i])
		}
	}
	return sb.String()
}

// compilePredicate compiles a predicate to a WHERE fragment.
// Values are never interpolated, always bound via placeholders.
func compilePredicate(p expr.Predicate, colExpr map[string]string) (string, []any, error) {
	switch pred := p.(type) {
	case expr.Compare:
		return compileCompare(pred, colExpr)
	case expr.And:
		return compileList(pred.Preds, " AND ", "1 = 1", colExpr)
	case expr.Or:
		return compileList(pred.Preds, " OR ", "1 = 0", colExpr)
	case expr.Not:
		frag, params, err := compilePredicate(pred.Pred, colExpr)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + frag + ")", params, nil
	case expr.Func:
		return "", nil, exec.NewUnsupportedError(fmt.Sprintf("client-only predicate func(%s)", pred.Name))
	default:
		return "", nil, exec.NewUnsupportedError(fmt.Sprintf("predicate type %T", p))
	}
}

func compileList(preds []expr.Predicate, sep, empty string, colExpr map[string]string) (string, []any, error) {
	if len(preds) == 0 {
		return empty, nil, nil
	}
	frags := make([]string, 0, len(preds))
	var params []any
	for _, sub := range preds {
		frag, subParams, err := compilePredicate(sub, colExpr)
		if err != nil {
			return "", nil, err
		}
		frags = append(frags, frag)
		params = append(params, subParams...)
	}
	if len(frags) == 1 {
		return frags[0], params, nil
	}
	return "(" + strings.Join(frags, sep) + ")", params, nil
}

func compileCompare(c expr.Compare, colExpr map[string]string) (string, []any, error) {
	left, lParams, err := compileOperand(c.Left, colExpr)
	if err != nil {
		return "", nil, err
	}
	right, rParams, err := compileOperand(c.Right, colExpr)
	if err != nil {
		return "", nil, err
	}
	op, err := sqlOp(c.Op)
	if err != nil {
		return "", nil, err
	}
	return left + " " + op + " " + right, append(lParams, rParams...), nil
}

func compileOperand(op expr.Operand, colExpr map[string]string) (string, []any, error) {
	switch o := op.(type) {
	case expr.Field:
		sqlExpr, ok := colExpr[string(o)]
		if !ok {
			return "", nil, fmt.Errorf("predicate references unknown column %q", string(o))
		}
		return sqlExpr, nil, nil
	case expr.Lit:
		param, err := valueToParam(o.Val)
		if err != nil {
			return "", nil, err
		}
		return "?", []any{param}, nil
	case expr.Outer:
		return "", nil, exec.NewUnsupportedError("outer references require in-process evaluation")
	default:
		return "", nil, exec.NewUnsupportedError(fmt.Sprintf("operand type %T", op))
	}
}

func sqlOp(op expr.CmpOp) (string, error) {
	switch op {
	case expr.OpEq:
		return "=", nil
	case expr.OpNe:
		return "<>", nil
	case expr.OpLt:
		return "<", nil
	case expr.OpLe:
		return "<=", nil
	case expr.OpGt:
		return ">", nil
	case expr.OpGe:
		return ">=", nil
	default:
		return "", fmt.Errorf("unknown comparison operator %q", op)
	}
}

// valueToParam converts a literal to a driver parameter.
func valueToParam(v value.Value) (any, error) {
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
	case value.Null:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported literal kind %s for SQL parameter", v.Kind())
	}
}

// quoteIdent quotes an identifier for SQLite.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
