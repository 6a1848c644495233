package binding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncflow/internal/ir"
)

// tableQuerier answers queries from a fixed table keyed by the canonical
// form of the arguments.
type tableQuerier struct {
	rows  map[ir.ActionRef]map[string][]ir.IRObject
	calls int
}

func newTableQuerier() *tableQuerier {
	return &tableQuerier{rows: make(map[ir.ActionRef]map[string][]ir.IRObject)}
}

func (q *tableQuerier) add(ref ir.ActionRef, args ir.IRObject, rows ...ir.IRObject) {
	if q.rows[ref] == nil {
		q.rows[ref] = make(map[string][]ir.IRObject)
	}
	key, _ := ir.MarshalCanonical(args)
	q.rows[ref][string(key)] = append(q.rows[ref][string(key)], rows...)
}

func (q *tableQuerier) Query(_ context.Context, ref ir.ActionRef, args ir.IRObject) ([]ir.IRObject, error) {
	q.calls++
	key, err := ir.MarshalCanonical(args)
	if err != nil {
		return nil, err
	}
	return q.rows[ref][string(key)], nil
}

func str(s string) ir.IRString { return ir.IRString(s) }

func env(pairs ...ir.IRPair) Env { return EnvFrom(0, ir.Obj(pairs...)) }

func TestQueryInnerJoin(t *testing.T) {
	q := newTableQuerier()
	q.add("Sessioning._getUser", ir.Obj(ir.O("session", str("s1"))), ir.Obj(ir.O("user", str("alice"))))
	q.add("Friending._getAllFriends", ir.Obj(ir.O("user", str("alice"))),
		ir.Obj(ir.O("friend", str("bob"))),
		ir.Obj(ir.O("friend", str("carol"))))

	in := NewSet(
		env(ir.O("session", str("s1")), ir.O("request", str("r1"))),
		env(ir.O("session", str("bad")), ir.O("request", str("r2"))),
	)

	users, err := in.Query(context.Background(), q, "Sessioning._getUser",
		map[string]ir.Term{"session": ir.Var("session")}, map[string]Var{"user": "user"})
	require.NoError(t, err)
	require.Equal(t, 1, users.Len(), "zero-tuple environment is dropped")

	friends, err := users.Query(context.Background(), q, "Friending._getAllFriends",
		map[string]ir.Term{"user": ir.Var("user")}, map[string]Var{"friend": "friend"})
	require.NoError(t, err)
	require.Equal(t, 2, friends.Len())
	assert.LessOrEqual(t, friends.Len(), users.Len()*2)

	for _, e := range friends.Envs() {
		assert.Equal(t, 0, e.Origin())
		v, _ := e.Get("request")
		assert.Equal(t, str("r1"), v)
	}
	assert.Equal(t, 2, in.Len(), "input set is unchanged")
}

func TestQueryUnifiesWithBoundVariable(t *testing.T) {
	q := newTableQuerier()
	q.add("Friending._getAllFriends", ir.Obj(ir.O("user", str("alice"))),
		ir.Obj(ir.O("friend", str("bob"))),
		ir.Obj(ir.O("friend", str("carol"))))

	in := NewSet(env(ir.O("user", str("alice")), ir.O("friend", str("carol"))))
	out, err := in.Query(context.Background(), q, "Friending._getAllFriends",
		map[string]ir.Term{"user": ir.Var("user")}, map[string]Var{"friend": "friend"})
	require.NoError(t, err)
	require.Equal(t, 1, out.Len())
}

func TestQueryErrors(t *testing.T) {
	q := newTableQuerier()
	q.add("A._q", ir.Obj(ir.O("x", ir.IRInt(1))), ir.Obj(ir.O("other", ir.IRInt(2))))
	in := NewSet(env(ir.O("x", ir.IRInt(1))))

	_, err := in.Query(context.Background(), q, "A._q",
		map[string]ir.Term{"x": ir.Var("unbound")}, map[string]Var{"y": "y"})
	assert.ErrorContains(t, err, "not bound")

	_, err = in.Query(context.Background(), q, "A._q",
		map[string]ir.Term{"x": ir.Var("x")}, map[string]Var{"y": "y"})
	assert.ErrorContains(t, err, `no field "y"`)

	failing := QuerierFunc(func(context.Context, ir.ActionRef, ir.IRObject) ([]ir.IRObject, error) {
		return nil, errors.New("boom")
	})
	_, err = in.Query(context.Background(), failing, "A._q", nil, nil)
	assert.ErrorContains(t, err, "boom")
}

func TestFilterIsPure(t *testing.T) {
	in := NewSet(
		env(ir.O("n", ir.IRInt(1))),
		env(ir.O("n", ir.IRInt(2))),
		env(ir.O("n", ir.IRInt(3))),
	)
	odd := in.Filter(func(e Env) bool {
		v, _ := e.Get("n")
		return int64(v.(ir.IRInt))%2 == 1
	})
	assert.Equal(t, 2, odd.Len())
	assert.Equal(t, 3, in.Len())
}

func TestCollectAsPartition(t *testing.T) {
	in := NewSet(
		env(ir.O("req", str("r1")), ir.O("friend", str("a"))),
		env(ir.O("req", str("r2")), ir.O("friend", str("b"))),
		env(ir.O("req", str("r1")), ir.O("friend", str("c"))),
		env(ir.O("req", str("r1")), ir.O("friend", str("a"))),
	)
	out, err := in.CollectAs([]Var{"req"}, "friend", "friends")
	require.NoError(t, err)
	require.Equal(t, 2, out.Len())

	envs := out.Envs()
	r1, _ := envs[0].Get("req")
	assert.Equal(t, str("r1"), r1, "first-seen order")
	f1, _ := envs[0].Get("friends")
	assert.Equal(t, ir.IRArray{str("a"), str("c"), str("a")}, f1, "no loss, no dedup")
	assert.Equal(t, 0, envs[0].Origin())
	assert.Equal(t, 1, envs[1].Origin())
	assert.False(t, envs[0].Has("friend"), "non-grouping variables are dropped")

	total := 0
	for _, e := range envs {
		v, _ := e.Get("friends")
		total += len(v.(ir.IRArray))
	}
	assert.Equal(t, in.Len(), total)
}

func TestCollectAsErrors(t *testing.T) {
	in := NewSet(env(ir.O("req", str("r1"))))
	_, err := in.CollectAs([]Var{"req"}, "friend", "friends")
	assert.Error(t, err)

	_, err = in.CollectAs([]Var{"missing"}, "req", "all")
	assert.Error(t, err)
}

func TestCollectAsEmpty(t *testing.T) {
	out, err := NewSet().CollectAs([]Var{"req"}, "x", "xs")
	require.NoError(t, err)
	assert.True(t, out.Empty())
}

func TestLeftJoinPlaceholder(t *testing.T) {
	q := newTableQuerier()
	q.add("Preferencing._getScore", ir.Obj(ir.O("user", str("u")), ir.O("item", str("c2"))),
		ir.Obj(ir.O("score", ir.IRInt(5))))

	in := NewSet(
		env(ir.O("user", str("u")), ir.O("item", str("c1"))),
		env(ir.O("user", str("u")), ir.O("item", str("c2"))),
		env(ir.O("user", str("u")), ir.O("item", str("c3"))),
	)
	out, err := in.LeftJoin(context.Background(), q, "Preferencing._getScore",
		map[string]ir.Term{"user": ir.Var("user"), "item": ir.Var("item")},
		map[string]Var{"score": "score"}, ir.IRNull{})
	require.NoError(t, err)
	require.Equal(t, 3, out.Len())

	nulls := 0
	for i, e := range out.Envs() {
		assert.Equal(t, i, e.Origin(), "order and origin preserved")
		v, ok := e.Get("score")
		require.True(t, ok)
		if ir.IsNull(v) {
			nulls++
		} else {
			assert.Equal(t, ir.IRInt(5), v)
		}
	}
	assert.Equal(t, 2, nulls)
}

func TestAbsent(t *testing.T) {
	q := newTableQuerier()
	q.add("Sessioning._getUser", ir.Obj(ir.O("session", str("good"))), ir.Obj(ir.O("user", str("u"))))

	in := NewSet(env(ir.O("session", str("good"))), env(ir.O("session", str("bad"))))
	out, err := in.Absent(context.Background(), q, "Sessioning._getUser",
		map[string]ir.Term{"session": ir.Var("session")})
	require.NoError(t, err)
	require.Equal(t, 1, out.Len())
	first, _ := out.First()
	v, _ := first.Get("session")
	assert.Equal(t, str("bad"), v)
}

func TestOrphansAndOriginals(t *testing.T) {
	q := newTableQuerier()
	q.add("Sessioning._getUser", ir.Obj(ir.O("session", str("s1"))), ir.Obj(ir.O("user", str("u"))))

	frame := NewSet(env(ir.O("session", str("s1"))), env(ir.O("session", str("s2"))))
	derived, err := frame.Query(context.Background(), q, "Sessioning._getUser",
		map[string]ir.Term{"session": ir.Var("session")}, map[string]Var{"user": "user"})
	require.NoError(t, err)

	orphans := derived.Originals().Orphans(derived)
	require.Equal(t, 1, orphans.Len())
	o, _ := orphans.First()
	v, _ := o.Get("session")
	assert.Equal(t, str("s2"), v)
	assert.False(t, o.Has("user"))

	assert.Equal(t, frame.Len(), derived.Originals().Len())
	assert.True(t, frame.Orphans(frame).Empty())
}

func TestBindAndRecord(t *testing.T) {
	in := NewSet(env(ir.O("event", str("e1")), ir.O("score", ir.IRNull{})))
	bound, err := in.Bind("status", str("sent"))
	require.NoError(t, err)

	rec, err := bound.Record("entry", map[string]Var{"event": "event", "score": "score"})
	require.NoError(t, err)
	e, _ := rec.First()
	v, _ := e.Get("entry")
	assert.True(t, ir.Equal(ir.Obj(ir.O("event", str("e1")), ir.O("score", ir.IRNull{})), v))

	_, err = bound.Record("bad", map[string]Var{"x": "missing"})
	assert.Error(t, err)

	conflicted, err := bound.Bind("status", str("other"))
	require.NoError(t, err)
	assert.True(t, conflicted.Empty())
}

func TestUnionKeepsOrder(t *testing.T) {
	a := NewSet(env(ir.O("n", ir.IRInt(1))))
	b := NewSet(env(ir.O("n", ir.IRInt(2))))
	u := a.Union(b)
	require.Equal(t, 2, u.Len())
	first, _ := u.First()
	v, _ := first.Get("n")
	assert.Equal(t, ir.IRInt(1), v)
}

func TestUnnest(t *testing.T) {
	in := NewSet(
		env(ir.O("groups", ir.IRArray{str("g1"), str("g2")})),
		env(ir.O("groups", str("g3"))),
		env(ir.O("groups", ir.IRArray{})),
	)
	out := in.Unnest("groups", "group")
	require.Equal(t, 2, out.Len())
	var got []ir.IRValue
	for _, e := range out.Envs() {
		v, _ := e.Get("group")
		got = append(got, v)
		assert.Equal(t, 0, e.Origin())
	}
	assert.Equal(t, []ir.IRValue{str("g1"), str("g2")}, got)
	assert.Equal(t, 2, in.Orphans(out).Len())

	pinned := NewSet(env(ir.O("groups", ir.IRArray{str("g1"), str("g2")}), ir.O("group", str("g2"))))
	assert.Equal(t, 1, pinned.Unnest("groups", "group").Len())
}
