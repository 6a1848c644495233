// Package binding implements binding environments and the relational
// operations rules use to refine them: inner join against concept queries,
// filtering, grouping, left join and anti join.
//
// Environments and sets are immutable. Every operation returns a new Set
// and leaves its receiver untouched.
package binding

import (
	"fmt"
	"sort"

	"github.com/roach88/syncflow/internal/ir"
)

// Var names a rule variable.
type Var string

// Env maps variables to values. A variable is bound at most once.
type Env struct {
	vals   map[Var]ir.IRValue
	origin int
}

// NewEnv returns an empty environment descending from root index origin.
func NewEnv(origin int) Env {
	return Env{origin: origin}
}

// EnvFrom builds an environment from an object, one variable per key.
func EnvFrom(origin int, obj ir.IRObject) Env {
	env := Env{vals: make(map[Var]ir.IRValue, len(obj)), origin: origin}
	for k, v := range obj {
		env.vals[Var(k)] = v
	}
	return env
}

// Origin is the index of the root environment this one descends from.
func (e Env) Origin() int {
	return e.origin
}

// Get returns the value bound to v.
func (e Env) Get(v Var) (ir.IRValue, bool) {
	val, ok := e.vals[v]
	return val, ok
}

// Has reports whether v is bound.
func (e Env) Has(v Var) bool {
	_, ok := e.vals[v]
	return ok
}

// Len returns the number of bound variables.
func (e Env) Len() int {
	return len(e.vals)
}

// With returns e extended with v bound to val. If v is already bound to a
// different value, ok is false and e is returned unchanged. Binding v to
// the value it already holds is a no-op.
func (e Env) With(v Var, val ir.IRValue) (Env, bool) {
	if cur, bound := e.vals[v]; bound {
		return e, ir.Equal(cur, val)
	}
	next := make(map[Var]ir.IRValue, len(e.vals)+1)
	for k, x := range e.vals {
		next[k] = x
	}
	next[v] = val
	return Env{vals: next, origin: e.origin}, true
}

// Merge unifies two environments. ok is false when they disagree on a
// shared variable. The result keeps e's origin.
func (e Env) Merge(other Env) (Env, bool) {
	out := e
	for _, v := range other.Vars() {
		var ok bool
		out, ok = out.With(v, other.vals[v])
		if !ok {
			return e, false
		}
	}
	return out, true
}

// withOrigin returns a copy of e re-rooted at origin.
func (e Env) withOrigin(origin int) Env {
	return Env{vals: e.vals, origin: origin}
}

// Vars returns the bound variables in sorted order.
func (e Env) Vars() []Var {
	vars := make([]Var, 0, len(e.vals))
	for v := range e.vals {
		vars = append(vars, v)
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i] < vars[j] })
	return vars
}

// Object returns the bindings as an object keyed by variable name.
func (e Env) Object() ir.IRObject {
	obj := make(ir.IRObject, len(e.vals))
	for k, v := range e.vals {
		obj[string(k)] = v
	}
	return obj
}

// Resolve evaluates a term: literals yield their value, variables their
// binding. Wildcards and unbound variables are errors.
func (e Env) Resolve(t ir.Term) (ir.IRValue, error) {
	switch t.Kind {
	case ir.TermLiteral:
		if t.Value == nil {
			return ir.IRNull{}, nil
		}
		return t.Value, nil
	case ir.TermVar:
		val, ok := e.vals[Var(t.Name)]
		if !ok {
			return nil, fmt.Errorf("variable %q is not bound", t.Name)
		}
		return val, nil
	case ir.TermWildcard:
		return nil, fmt.Errorf("wildcard cannot be resolved to a value")
	default:
		return nil, fmt.Errorf("unknown term kind %q", t.Kind)
	}
}

// ResolveArgs resolves every term in args into an argument object.
func (e Env) ResolveArgs(args map[string]ir.Term) (ir.IRObject, error) {
	out := make(ir.IRObject, len(args))
	for name, t := range args {
		val, err := e.Resolve(t)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", name, err)
		}
		out[name] = val
	}
	return out, nil
}

func (e Env) String() string {
	b, err := e.Object().MarshalJSON()
	if err != nil {
		return "<invalid env>"
	}
	return string(b)
}
