// Package querysql compiles queryir queries to parameterized SQLite SQL and
// runs them.
//
// Every compiled query carries an ORDER BY, and every value is passed as a
// parameter. Only identifiers, which queryir.Validate restricts, are
// interpolated.
package querysql

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/queryir"
)

// SQLCompiler compiles queries. BoundValues supplies the arguments
// referenced by BoundEquals predicates.
type SQLCompiler struct {
	BoundValues map[string]any
}

// NewSQLCompiler returns a compiler with no bound values.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{BoundValues: make(map[string]any)}
}

// Bind converts query arguments into bound values.
func (c *SQLCompiler) Bind(args ir.IRObject) error {
	for name, v := range args {
		param, err := irValueToParam(v)
		if err != nil {
			return fmt.Errorf("argument %q: %w", name, err)
		}
		c.BoundValues[name] = param
	}
	return nil
}

// Compile returns the SQL text and its parameters.
func (c *SQLCompiler) Compile(q queryir.Query) (string, []any, error) {
	if err := queryir.Validate(q); err != nil {
		return "", nil, fmt.Errorf("invalid query: %w", err)
	}
	switch query := q.(type) {
	case queryir.Select:
		return c.compileSelect(query)
	case *queryir.Select:
		return c.compileSelect(*query)
	case queryir.Join:
		return c.compileJoin(query)
	case *queryir.Join:
		return c.compileJoin(*query)
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
}

func (c *SQLCompiler) compileSelect(q queryir.Select) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(columns("", q.Fields), ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(q.From)

	var params []any
	if q.Filter != nil {
		where, p, err := c.compilePredicate("", q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		if where != "" {
			sb.WriteString(" WHERE ")
			sb.WriteString(where)
			params = p
		}
	}

	sb.WriteString(" ORDER BY ")
	sb.WriteString(strings.Join(orderKey("", q.OrderBy), ", "))
	return sb.String(), params, nil
}

func (c *SQLCompiler) compileJoin(j queryir.Join) (string, []any, error) {
	var sb strings.Builder
	cols := append(columns("l.", j.Left.Fields), columns("r.", j.Right.Fields)...)
	fmt.Fprintf(&sb, "SELECT %s FROM %s AS l JOIN %s AS r ON ", strings.Join(cols, ", "), j.Left.From, j.Right.From)

	on := make([]string, len(j.On))
	for i, cond := range j.On {
		on[i] = fmt.Sprintf("l.%s = r.%s", cond.Left, cond.Right)
	}
	sb.WriteString(strings.Join(on, " AND "))

	var (
		where  []string
		params []any
	)
	for _, side := range []struct {
		alias string
		sel   queryir.Select
	}{{"l.", j.Left}, {"r.", j.Right}} {
		if side.sel.Filter == nil {
			continue
		}
		sql, p, err := c.compilePredicate(side.alias, side.sel.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile %sfilter: %w", side.alias, err)
		}
		if sql != "" {
			where = append(where, sql)
			params = append(params, p...)
		}
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}

	order := append(orderKey("l.", j.Left.OrderBy), orderKey("r.", j.Right.OrderBy)...)
	sb.WriteString(" ORDER BY ")
	sb.WriteString(strings.Join(order, ", "))
	return sb.String(), params, nil
}

// columns renders "col AS out" pairs sorted by column for stable SQL text.
func columns(prefix string, fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, col := range keys {
		out[i] = fmt.Sprintf("%s%s AS %s", prefix, col, fields[col])
	}
	return out
}

// orderKey always ends with rowid so ties are broken by insertion order.
func orderKey(prefix string, orderBy []string) []string {
	out := make([]string, 0, len(orderBy)+1)
	for _, col := range orderBy {
		out = append(out, prefix+col+" COLLATE BINARY ASC")
	}
	return append(out, prefix+"rowid ASC")
}

func (c *SQLCompiler) compilePredicate(prefix string, p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case nil:
		return "", nil, nil
	case queryir.Equals:
		param, err := irValueToParam(pred.Value)
		if err != nil {
			return "", nil, fmt.Errorf("column %s: %w", pred.Field, err)
		}
		return prefix + pred.Field + " = ?", []any{param}, nil
	case *queryir.Equals:
		return c.compilePredicate(prefix, *pred)
	case queryir.BoundEquals:
		val, ok := c.BoundValues[pred.Arg]
		if !ok {
			return "", nil, fmt.Errorf("missing argument %q for column %s", pred.Arg, pred.Field)
		}
		return prefix + pred.Field + " = ?", []any{val}, nil
	case *queryir.BoundEquals:
		return c.compilePredicate(prefix, *pred)
	case queryir.And:
		var (
			parts  []string
			params []any
		)
		for _, sub := range pred.Predicates {
			sql, p, err := c.compilePredicate(prefix, sub)
			if err != nil {
				return "", nil, err
			}
			if sql == "" {
				continue
			}
			parts = append(parts, sql)
			params = append(params, p...)
		}
		return strings.Join(parts, " AND "), params, nil
	case *queryir.And:
		return c.compilePredicate(prefix, *pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func irValueToParam(v ir.IRValue) (any, error) {
	switch val := v.(type) {
	case ir.IRString:
		return string(val), nil
	case ir.IRInt:
		return int64(val), nil
	case ir.IRBool:
		return bool(val), nil
	case nil, ir.IRNull:
		return nil, nil
	default:
		return nil, fmt.Errorf("%T cannot be used as a SQL parameter", v)
	}
}
