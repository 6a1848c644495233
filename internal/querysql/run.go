package querysql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/queryir"
)

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Run compiles q with args bound, executes it and returns one object per
// row keyed by output field. The result is never nil.
func Run(ctx context.Context, db Queryer, q queryir.Query, args ir.IRObject) ([]ir.IRObject, error) {
	c := NewSQLCompiler()
	if err := c.Bind(args); err != nil {
		return nil, err
	}
	query, params, err := c.Compile(q)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	out := []ir.IRObject{}
	for rows.Next() {
		raw := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		obj := make(ir.IRObject, len(names))
		for i, name := range names {
			val, err := columnValue(raw[i])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", name, err)
			}
			obj[name] = val
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func columnValue(v any) (ir.IRValue, error) {
	switch val := v.(type) {
	case nil:
		return ir.IRNull{}, nil
	case int64:
		return ir.IRInt(val), nil
	case string:
		return ir.IRString(val), nil
	case []byte:
		return ir.IRString(string(val)), nil
	case bool:
		return ir.IRBool(val), nil
	default:
		return nil, fmt.Errorf("unsupported column type %T", v)
	}
}
