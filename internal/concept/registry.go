package concept

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/syncflow/internal/binding"
	"github.com/roach88/syncflow/internal/ir"
)

// Registry is the static table of concept actions and queries, built once
// at startup and read-only afterwards.
type Registry struct {
	concepts []string
	actions  map[ir.ActionRef]ActionFunc
	queries  map[ir.ActionRef]QueryFunc
}

// NewRegistry indexes the given concepts. Duplicate concept names, query
// names without a leading underscore and action names with one are
// rejected.
func NewRegistry(concepts ...Concept) (*Registry, error) {
	r := &Registry{
		actions: make(map[ir.ActionRef]ActionFunc),
		queries: make(map[ir.ActionRef]QueryFunc),
	}
	seen := make(map[string]bool, len(concepts))
	for _, c := range concepts {
		name := c.Name()
		if name == "" || strings.Contains(name, ".") {
			return nil, fmt.Errorf("invalid concept name %q", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate concept %q", name)
		}
		seen[name] = true
		r.concepts = append(r.concepts, name)

		for action, fn := range c.Actions() {
			if strings.HasPrefix(action, "_") {
				return nil, fmt.Errorf("%s.%s: action names must not start with '_'", name, action)
			}
			r.actions[ir.NewActionRef(name, action)] = fn
		}
		for query, fn := range c.Queries() {
			if !strings.HasPrefix(query, "_") {
				return nil, fmt.Errorf("%s.%s: query names must start with '_'", name, query)
			}
			r.queries[ir.NewActionRef(name, query)] = fn
		}
	}
	return r, nil
}

// Action resolves an action reference.
func (r *Registry) Action(ref ir.ActionRef) (ActionFunc, bool) {
	fn, ok := r.actions[ref]
	return fn, ok
}

// Query resolves a query reference.
func (r *Registry) Query(ref ir.ActionRef) (QueryFunc, bool) {
	fn, ok := r.queries[ref]
	return fn, ok
}

// Has reports whether ref names a registered action or query.
func (r *Registry) Has(ref ir.ActionRef) bool {
	if ref.IsQuery() {
		_, ok := r.queries[ref]
		return ok
	}
	_, ok := r.actions[ref]
	return ok
}

// Concepts returns the registered concept names in registration order.
func (r *Registry) Concepts() []string {
	return append([]string(nil), r.concepts...)
}

// Refs returns every registered action and query reference, sorted.
func (r *Registry) Refs() []ir.ActionRef {
	refs := make([]ir.ActionRef, 0, len(r.actions)+len(r.queries))
	for ref := range r.actions {
		refs = append(refs, ref)
	}
	for ref := range r.queries {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}

// Querier exposes only the registry's queries.
func (r *Registry) Querier() binding.Querier {
	return binding.QuerierFunc(func(ctx context.Context, ref ir.ActionRef, args ir.IRObject) ([]ir.IRObject, error) {
		fn, ok := r.queries[ref]
		if !ok {
			return nil, fmt.Errorf("unknown query %s", ref)
		}
		rows, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []ir.IRObject{}
		}
		return rows, nil
	})
}

// Invoke runs an action or query as an action and converts the outcome to
// an output case and result. Business failures become CaseError with
// {error: msg} and a nil error. Infrastructure failures also become
// CaseError, and err is returned so the caller can log it.
//
// Queries invoked this way complete with {results: [...]}.
func (r *Registry) Invoke(ctx context.Context, ref ir.ActionRef, args ir.IRObject) (string, ir.IRObject, error) {
	if ref.IsQuery() {
		rows, err := r.Querier().Query(ctx, ref, args)
		if err != nil {
			return ir.CaseError, ir.ErrorResult(err.Error()), err
		}
		results := make(ir.IRArray, len(rows))
		for i, row := range rows {
			results[i] = row
		}
		return ir.CaseSuccess, ir.IRObject{"results": results}, nil
	}

	fn, ok := r.actions[ref]
	if !ok {
		err := fmt.Errorf("unknown action %s", ref)
		return ir.CaseError, ir.ErrorResult(err.Error()), err
	}
	result, err := fn(ctx, args)
	if err != nil {
		if fail, ok := AsFailure(err); ok {
			return ir.CaseError, ir.ErrorResult(fail.Message), nil
		}
		return ir.CaseError, ir.ErrorResult(err.Error()), err
	}
	if result == nil {
		result = ir.IRObject{}
	}
	return ir.CaseSuccess, result, nil
}
