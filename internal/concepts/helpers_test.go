package concepts

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/ir"
)

func openTestState(t *testing.T) *State {
	t.Helper()
	st, err := OpenState(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func act(t *testing.T, c concept.Concept, name string, args ir.IRObject) (ir.IRObject, error) {
	t.Helper()
	fn, ok := c.Actions()[name]
	require.True(t, ok, "%s has no action %s", c.Name(), name)
	return fn(context.Background(), args)
}

func mustAct(t *testing.T, c concept.Concept, name string, args ir.IRObject) ir.IRObject {
	t.Helper()
	out, err := act(t, c, name, args)
	require.NoError(t, err)
	return out
}

// failWith asserts that the action fails with a business failure and
// returns its message.
func failWith(t *testing.T, c concept.Concept, name string, args ir.IRObject) string {
	t.Helper()
	_, err := act(t, c, name, args)
	require.Error(t, err)
	ae, ok := concept.AsFailure(err)
	require.True(t, ok, "expected business failure, got %v", err)
	return ae.Message
}

func query(t *testing.T, c concept.Concept, name string, args ir.IRObject) []ir.IRObject {
	t.Helper()
	fn, ok := c.Queries()[name]
	require.True(t, ok, "%s has no query %s", c.Name(), name)
	rows, err := fn(context.Background(), args)
	require.NoError(t, err)
	return rows
}

func s(v string) ir.IRString { return ir.IRString(v) }

// column extracts one field from every row.
func column(rows []ir.IRObject, field string) []ir.IRValue {
	out := make([]ir.IRValue, len(rows))
	for i, row := range rows {
		out[i] = row[field]
	}
	return out
}
