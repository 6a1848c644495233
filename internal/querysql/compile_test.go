package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/queryir"
)

func TestCompileSelect(t *testing.T) {
	c := NewSQLCompiler()
	require.NoError(t, c.Bind(ir.Obj(ir.O("user", ir.IRString("u1")))))

	sql, params, err := c.Compile(queryir.Select{
		From: "friend_requests",
		Filter: queryir.And{Predicates: []queryir.Predicate{
			queryir.BoundEquals{Field: "requestee", Arg: "user"},
			queryir.Equals{Field: "status", Value: ir.IRString("pending")},
		}},
		Fields: map[string]string{"requester": "requester", "created": "at"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT created AS at, requester AS requester FROM friend_requests WHERE requestee = ? AND status = ? ORDER BY rowid ASC",
		sql)
	assert.Equal(t, []any{"u1", "pending"}, params)
}

func TestCompileSelectOrderBy(t *testing.T) {
	sql, params, err := NewSQLCompiler().Compile(queryir.Select{
		From:    "courses",
		Fields:  map[string]string{"id": "course", "name": "name"},
		OrderBy: []string{"name"},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT id AS course, name AS name FROM courses ORDER BY name COLLATE BINARY ASC, rowid ASC", sql)
	assert.Empty(t, params)
}

func TestCompileJoin(t *testing.T) {
	c := NewSQLCompiler()
	require.NoError(t, c.Bind(ir.Obj(ir.O("user1", ir.IRString("a")), ir.O("user2", ir.IRString("b")))))

	sql, params, err := c.Compile(queryir.Join{
		Left:  queryir.Select{From: "schedules", Filter: queryir.Where("user_id", "user1"), Fields: map[string]string{"event": "event"}},
		Right: queryir.Select{From: "schedules", Filter: queryir.Where("user_id", "user2"), Fields: map[string]string{"user_id": "other"}},
		On:    []queryir.On{{Left: "event", Right: "event"}},
	})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT l.event AS event, r.user_id AS other FROM schedules AS l JOIN schedules AS r ON l.event = r.event WHERE l.user_id = ? AND r.user_id = ? ORDER BY l.rowid ASC, r.rowid ASC",
		sql)
	assert.Equal(t, []any{"a", "b"}, params)
}

func TestCompileMissingArgument(t *testing.T) {
	_, _, err := NewSQLCompiler().Compile(queryir.Select{
		From:   "sessions",
		Filter: queryir.Where("id", "session"),
		Fields: map[string]string{"user_id": "user"},
	})
	assert.ErrorContains(t, err, `missing argument "session"`)
}

func TestCompileRejectsInvalid(t *testing.T) {
	_, _, err := NewSQLCompiler().Compile(queryir.Select{From: "x"})
	assert.ErrorContains(t, err, "invalid query")
}

func TestBindRejectsObjects(t *testing.T) {
	err := NewSQLCompiler().Bind(ir.Obj(ir.O("times", ir.IRObject{})))
	assert.Error(t, err)
}
