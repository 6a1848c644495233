package binding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncflow/internal/ir"
)

func TestEnvWithWriteOnce(t *testing.T) {
	env := NewEnv(0)

	e1, ok := env.With("user", ir.IRString("alice"))
	require.True(t, ok)
	assert.False(t, env.Has("user"), "receiver must not change")

	same, ok := e1.With("user", ir.IRString("alice"))
	assert.True(t, ok, "rebinding the same value is allowed")
	assert.Equal(t, e1.Object(), same.Object())

	_, ok = e1.With("user", ir.IRString("bob"))
	assert.False(t, ok, "rebinding a different value must fail")
}

func TestEnvMerge(t *testing.T) {
	a := EnvFrom(0, ir.Obj(ir.O("request", ir.IRString("r1")), ir.O("user", ir.IRString("u1"))))
	b := EnvFrom(3, ir.Obj(ir.O("user", ir.IRString("u1")), ir.O("friend", ir.IRString("u2"))))

	merged, ok := a.Merge(b)
	require.True(t, ok)
	assert.Equal(t, 3, merged.Len())
	assert.Equal(t, 0, merged.Origin())

	c := EnvFrom(0, ir.Obj(ir.O("user", ir.IRString("other"))))
	_, ok = a.Merge(c)
	assert.False(t, ok)
}

func TestEnvResolve(t *testing.T) {
	env := EnvFrom(0, ir.Obj(ir.O("x", ir.IRInt(1))))

	v, err := env.Resolve(ir.Var("x"))
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(1), v)

	v, err = env.Resolve(ir.Lit(ir.IRString("lit")))
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("lit"), v)

	_, err = env.Resolve(ir.Var("missing"))
	assert.Error(t, err)

	_, err = env.Resolve(ir.Wildcard())
	assert.Error(t, err)
}

func TestEnvVarsSorted(t *testing.T) {
	env := EnvFrom(0, ir.Obj(ir.O("b", ir.IRInt(1)), ir.O("a", ir.IRInt(2)), ir.O("c", ir.IRInt(3))))
	assert.Equal(t, []Var{"a", "b", "c"}, env.Vars())
}
