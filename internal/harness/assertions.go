package harness

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/syncflow/internal/ir"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Identifiers cannot be bound as parameters, so only these are
// interpolated.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			if event.Type == EventInvocation {
				fmt.Fprintf(&buf, "  [%d] %s %s %s\n", i+1, event.Flow, event.Action, render(event.Args))
			}
		}
	}
	return buf.String()
}

// AssertionContext provides what assertions need besides the trace.
type AssertionContext struct {
	Ctx context.Context

	// DB is the concept state database, for final_state.
	DB *sql.DB

	// Vars are the variables bound during the run.
	Vars map[string]ir.IRValue
}

// EvaluateAssertions evaluates all assertions against the result and
// returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string
	if actx == nil {
		actx = &AssertionContext{Ctx: context.Background()}
	}

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion, actx.Vars)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			if actx.DB == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.DB, assertion, actx.Vars)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}

// assertTraceContains checks for an invocation of the action whose args
// contain the expected args.
func assertTraceContains(trace []TraceEvent, assertion Assertion, vars map[string]ir.IRValue) error {
	want, err := resolveObject(assertion.Args, vars)
	if err != nil {
		return fmt.Errorf("trace_contains %s: %w", assertion.Action, err)
	}
	for _, event := range trace {
		if event.Type == EventInvocation && string(event.Action) == assertion.Action && subsetDiff(event.Args, want) == "" {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with args %s", assertion.Action, render(want)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first invocation of each action
// appears in the given order. Other actions may come in between.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if event.Type != EventInvocation {
			continue
		}
		action := string(event.Action)
		if _, seen := positions[action]; !seen {
			positions[action] = i + 1
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev, curr := assertion.Actions[i-1], assertion.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks the action is invoked exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventInvocation && string(event.Action) == assertion.Action {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState selects exactly one row of a concept state table and
// checks the expected columns.
func assertFinalState(ctx context.Context, db *sql.DB, assertion Assertion, vars map[string]ir.IRValue) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	where, err := resolveObject(assertion.Where, vars)
	if err != nil {
		return fmt.Errorf("final_state %s: where: %w", assertion.Table, err)
	}
	expect, err := resolveObject(assertion.Expect, vars)
	if err != nil {
		return fmt.Errorf("final_state %s: expect: %w", assertion.Table, err)
	}

	whereSQL, whereArgs, err := buildWhereClause(where)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := db.QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(where)),
			Actual:   "row not found",
		}
	}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}
	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	for _, key := range expect.SortedKeys() {
		actual, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expect[key], actual) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %s", key, render(expect[key])),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actual, actual),
			}
		}
	}
	return nil
}

// buildWhereClause constructs a parameterized WHERE clause. Keys are
// sorted for determinism.
func buildWhereClause(where ir.IRObject) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := where.SortedKeys()
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts an IRValue to a driver value. Composite values are
// compared as canonical JSON, which is how the concepts store them.
func toSQLValue(v ir.IRValue) any {
	switch val := v.(type) {
	case ir.IRString:
		return string(val)
	case ir.IRInt:
		return int64(val)
	case ir.IRBool:
		return bool(val)
	case nil, ir.IRNull:
		return nil
	default:
		return render(val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where ir.IRObject) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := where.SortedKeys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, render(where[k])))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares an expected value with a scanned column.
// SQLite hands back integers as int64, booleans as 0/1 and text as string
// or []byte.
func stateValuesEqual(expected ir.IRValue, actual any) bool {
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch exp := expected.(type) {
	case nil, ir.IRNull:
		return actual == nil
	case ir.IRString:
		s, ok := actual.(string)
		return ok && string(exp) == s
	case ir.IRInt:
		n, ok := actual.(int64)
		return ok && int64(exp) == n
	case ir.IRBool:
		switch a := actual.(type) {
		case bool:
			return bool(exp) == a
		case int64:
			return bool(exp) == (a != 0)
		}
		return false
	default:
		s, ok := actual.(string)
		return ok && render(exp) == s
	}
}
