package binding

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/syncflow/internal/ir"
)

// Querier runs read-only concept queries. Refinement procedures receive a
// Querier and nothing else, so they cannot invoke mutating actions.
type Querier interface {
	Query(ctx context.Context, ref ir.ActionRef, args ir.IRObject) ([]ir.IRObject, error)
}

// QuerierFunc adapts a function to Querier.
type QuerierFunc func(ctx context.Context, ref ir.ActionRef, args ir.IRObject) ([]ir.IRObject, error)

// Query implements Querier.
func (f QuerierFunc) Query(ctx context.Context, ref ir.ActionRef, args ir.IRObject) ([]ir.IRObject, error) {
	return f(ctx, ref, args)
}

// Set is an ordered sequence of environments. It remembers the root
// environments it was derived from so callers can recover the frame an
// empty refinement started with.
type Set struct {
	envs  []Env
	roots []Env
}

// NewSet builds a root set. Each environment is re-rooted at its index.
func NewSet(envs ...Env) Set {
	rooted := make([]Env, len(envs))
	for i, env := range envs {
		rooted[i] = env.withOrigin(i)
	}
	return Set{envs: rooted, roots: rooted}
}

// derive returns a set sharing s's roots.
func (s Set) derive(envs []Env) Set {
	if envs == nil {
		envs = []Env{}
	}
	return Set{envs: envs, roots: s.roots}
}

// Len returns the number of environments.
func (s Set) Len() int {
	return len(s.envs)
}

// Empty reports whether the set has no environments.
func (s Set) Empty() bool {
	return len(s.envs) == 0
}

// Envs returns a copy of the environments in order.
func (s Set) Envs() []Env {
	out := make([]Env, len(s.envs))
	copy(out, s.envs)
	return out
}

// First returns the first environment.
func (s Set) First() (Env, bool) {
	if len(s.envs) == 0 {
		return Env{}, false
	}
	return s.envs[0], true
}

// Originals returns the root environments s descends from.
func (s Set) Originals() Set {
	return Set{envs: s.roots, roots: s.roots}
}

// Orphans returns the environments of s whose origin has no descendant in
// derived. Called on the original frame, this yields the requests a
// refinement dropped entirely.
func (s Set) Orphans(derived Set) Set {
	seen := make(map[int]bool, len(derived.envs))
	for _, env := range derived.envs {
		seen[env.origin] = true
	}
	var out []Env
	for _, env := range s.envs {
		if !seen[env.origin] {
			out = append(out, env)
		}
	}
	return s.derive(out)
}

// Union appends other's environments after s's.
func (s Set) Union(other Set) Set {
	out := make([]Env, 0, len(s.envs)+len(other.envs))
	out = append(out, s.envs...)
	out = append(out, other.envs...)
	return s.derive(out)
}

// Filter keeps the environments for which pred returns true.
func (s Set) Filter(pred func(Env) bool) Set {
	var out []Env
	for _, env := range s.envs {
		if pred(env) {
			out = append(out, env)
		}
	}
	return s.derive(out)
}

// Map replaces every environment with fn's result.
func (s Set) Map(fn func(Env) (Env, error)) (Set, error) {
	out := make([]Env, 0, len(s.envs))
	for _, env := range s.envs {
		next, err := fn(env)
		if err != nil {
			return Set{}, err
		}
		out = append(out, next.withOrigin(env.origin))
	}
	return s.derive(out), nil
}

// Bind binds v to value in every environment. Environments where v is
// already bound to a different value are dropped.
func (s Set) Bind(v Var, value ir.IRValue) (Set, error) {
	if value == nil {
		return Set{}, fmt.Errorf("bind %q: nil value", v)
	}
	var out []Env
	for _, env := range s.envs {
		if next, ok := env.With(v, value); ok {
			out = append(out, next)
		}
	}
	return s.derive(out), nil
}

// Unnest replaces every environment with one copy per element of the
// array bound to list, each binding item to its element. Environments
// where list is unbound or not an array, or where item conflicts, are
// dropped.
func (s Set) Unnest(list, item Var) Set {
	var out []Env
	for _, env := range s.envs {
		val, _ := env.Get(list)
		arr, ok := val.(ir.IRArray)
		if !ok {
			continue
		}
		for _, elem := range arr {
			if next, ok := env.With(item, elem); ok {
				out = append(out, next)
			}
		}
	}
	return s.derive(out)
}

// Record binds v in every environment to an object built from fields
// (object key → variable).
func (s Set) Record(v Var, fields map[string]Var) (Set, error) {
	var out []Env
	for _, env := range s.envs {
		obj := make(ir.IRObject, len(fields))
		for key, src := range fields {
			val, ok := env.Get(src)
			if !ok {
				return Set{}, fmt.Errorf("record %q: variable %q is not bound", v, src)
			}
			obj[key] = val
		}
		if next, ok := env.With(v, obj); ok {
			out = append(out, next)
		}
	}
	return s.derive(out), nil
}

// Query inner-joins s with a concept query. For every environment the
// arguments in are resolved, the query runs, and each returned tuple
// extends the environment with out (tuple field → variable). Tuples that
// disagree with existing bindings are dropped; an environment with no
// surviving tuples disappears.
func (s Set) Query(ctx context.Context, q Querier, ref ir.ActionRef, in map[string]ir.Term, out map[string]Var) (Set, error) {
	var result []Env
	for _, env := range s.envs {
		extended, err := queryEnv(ctx, q, ref, env, in, out)
		if err != nil {
			return Set{}, err
		}
		result = append(result, extended...)
	}
	return s.derive(result), nil
}

// LeftJoin is Query that keeps environments with no tuples, binding every
// out variable to placeholder instead.
func (s Set) LeftJoin(ctx context.Context, q Querier, ref ir.ActionRef, in map[string]ir.Term, out map[string]Var, placeholder ir.IRValue) (Set, error) {
	if placeholder == nil {
		placeholder = ir.IRNull{}
	}
	acc := s.derive(nil)
	for _, env := range s.envs {
		joined, err := s.derive([]Env{env}).Query(ctx, q, ref, in, out)
		if err != nil {
			return Set{}, err
		}
		if joined.Empty() {
			filled := env
			for _, v := range out {
				next, ok := filled.With(v, placeholder)
				if !ok {
					return Set{}, fmt.Errorf("left join %s: placeholder conflicts with bound %q", ref, v)
				}
				filled = next
			}
			joined = s.derive([]Env{filled})
		}
		acc = acc.Union(joined)
	}
	return acc, nil
}

// Absent keeps the environments for which the query returns no tuples.
func (s Set) Absent(ctx context.Context, q Querier, ref ir.ActionRef, in map[string]ir.Term) (Set, error) {
	var result []Env
	for _, env := range s.envs {
		args, err := env.ResolveArgs(in)
		if err != nil {
			return Set{}, fmt.Errorf("absent %s: %w", ref, err)
		}
		rows, err := q.Query(ctx, ref, args)
		if err != nil {
			return Set{}, fmt.Errorf("absent %s: %w", ref, err)
		}
		if len(rows) == 0 {
			result = append(result, env)
		}
	}
	return s.derive(result), nil
}

// CollectAs partitions s by the values of groupVars, in first-seen order,
// and emits one environment per partition: the grouping bindings plus
// result bound to the array of source values in partition order. The
// output environment keeps the origin of the partition's first member.
func (s Set) CollectAs(groupVars []Var, source Var, result Var) (Set, error) {
	type partition struct {
		first  Env
		values ir.IRArray
	}
	var order []string
	parts := make(map[string]*partition)

	for _, env := range s.envs {
		key, err := groupKey(env, groupVars)
		if err != nil {
			return Set{}, fmt.Errorf("collect %q: %w", result, err)
		}
		val, ok := env.Get(source)
		if !ok {
			return Set{}, fmt.Errorf("collect %q: source variable %q is not bound", result, source)
		}
		p, exists := parts[key]
		if !exists {
			p = &partition{first: env}
			parts[key] = p
			order = append(order, key)
		}
		p.values = append(p.values, val)
	}

	out := make([]Env, 0, len(order))
	for _, key := range order {
		p := parts[key]
		env := NewEnv(p.first.origin)
		for _, g := range groupVars {
			val, _ := p.first.Get(g)
			env, _ = env.With(g, val)
		}
		next, ok := env.With(result, p.values)
		if !ok {
			return Set{}, fmt.Errorf("collect %q: result variable is also a grouping variable", result)
		}
		out = append(out, next)
	}
	return s.derive(out), nil
}

func queryEnv(ctx context.Context, q Querier, ref ir.ActionRef, env Env, in map[string]ir.Term, out map[string]Var) ([]Env, error) {
	args, err := env.ResolveArgs(in)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", ref, err)
	}
	rows, err := q.Query(ctx, ref, args)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", ref, err)
	}
	var result []Env
	for _, row := range rows {
		next := env
		ok := true
		for field, v := range out {
			val, present := row[field]
			if !present {
				return nil, fmt.Errorf("query %s: result has no field %q", ref, field)
			}
			if next, ok = next.With(v, val); !ok {
				break
			}
		}
		if ok {
			result = append(result, next)
		}
	}
	return result, nil
}

func groupKey(env Env, vars []Var) (string, error) {
	var sb strings.Builder
	for i, v := range vars {
		val, ok := env.Get(v)
		if !ok {
			return "", fmt.Errorf("grouping variable %q is not bound", v)
		}
		b, err := ir.MarshalCanonical(val)
		if err != nil {
			return "", fmt.Errorf("grouping variable %q: %w", v, err)
		}
		if i > 0 {
			sb.WriteByte(0)
		}
		sb.Write(b)
	}
	return sb.String(), nil
}
