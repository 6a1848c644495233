package syncs

import (
	"context"
	"sort"

	"github.com/roach88/syncflow/internal/binding"
	"github.com/roach88/syncflow/internal/engine"
	"github.com/roach88/syncflow/internal/ir"
)

const (
	requestVar binding.Var = "request"
	errorVar   binding.Var = "error"
)

const (
	requestRef ir.ActionRef = "Requesting.request"
	respondRef ir.ActionRef = "Requesting.respond"
	getUserRef ir.ActionRef = "Sessioning._getUser"
)

// Messages for requests a refinement drops.
const (
	msgInvalidSession = "Invalid session"
	msgUnauthorized   = "Unauthorized"
	msgUserNotFound   = "User not found"
)

// check is one refinement step of a request. Environments the step drops
// are answered with miss by the path's reject rule.
type check struct {
	miss  string
	uses  []ir.ActionRef
	binds []string
	run   func(ctx context.Context, q binding.Querier, s binding.Set) (binding.Set, error)
}

// lookup joins the environments with a query.
func lookup(ref ir.ActionRef, in map[string]ir.Term, out map[string]binding.Var, miss string) check {
	binds := make([]string, 0, len(out))
	for _, v := range out {
		binds = append(binds, string(v))
	}
	return check{
		miss:  miss,
		uses:  []ir.ActionRef{ref},
		binds: binds,
		run: func(ctx context.Context, q binding.Querier, s binding.Set) (binding.Set, error) {
			return s.Query(ctx, q, ref, in, out)
		},
	}
}

// session resolves the session field to the user variable as.
func session(as, miss string) check {
	return lookup(getUserRef, terms("session", "session"), vars("user", as), miss)
}

// holds keeps environments whose variable v is bound to true.
func holds(v, miss string) check {
	return check{
		miss: miss,
		run: func(_ context.Context, _ binding.Querier, s binding.Set) (binding.Set, error) {
			return s.Filter(func(env binding.Env) bool {
				val, _ := env.Get(binding.Var(v))
				b, ok := val.(ir.IRBool)
				return ok && bool(b)
			}), nil
		},
	}
}

// exists keeps, unchanged, the environments for which test yields
// anything. Bindings made by test do not escape.
func exists(miss string, uses []ir.ActionRef, test engine.RefineFunc) check {
	return check{
		miss: miss,
		uses: uses,
		run: func(ctx context.Context, q binding.Querier, s binding.Set) (binding.Set, error) {
			found, err := test(ctx, q, s)
			if err != nil {
				return binding.Set{}, err
			}
			origins := make(map[int]bool, found.Len())
			for _, env := range found.Envs() {
				origins[env.Origin()] = true
			}
			return s.Filter(func(env binding.Env) bool { return origins[env.Origin()] }), nil
		},
	}
}

// refine runs checks in order.
func refine(checks []check) engine.RefineFunc {
	return func(ctx context.Context, q binding.Querier, in binding.Set) (binding.Set, error) {
		cur := in
		for _, c := range checks {
			next, err := c.run(ctx, q, cur)
			if err != nil {
				return binding.Set{}, err
			}
			cur = next
		}
		return cur, nil
	}
}

// rejects runs checks in order and returns the environments each one
// dropped, with the error variable bound to its miss message.
func rejects(checks []check) engine.RefineFunc {
	return func(ctx context.Context, q binding.Querier, in binding.Set) (binding.Set, error) {
		cur := in
		rejected := in.Filter(func(binding.Env) bool { return false })
		for _, c := range checks {
			next, err := c.run(ctx, q, cur)
			if err != nil {
				return binding.Set{}, err
			}
			missed, err := cur.Orphans(next).Bind(errorVar, ir.IRString(c.miss))
			if err != nil {
				return binding.Set{}, err
			}
			rejected = rejected.Union(missed)
			cur = next
		}
		return rejected, nil
	}
}

// endpoint is a path served by one concept action. It expands into four
// rules: the request rule runs the checks and invokes the action, the
// respond and error rules answer once the action completes, and the
// reject rule answers requests a check dropped.
type endpoint struct {
	id     string
	path   string
	fields []string
	checks []check
	action ir.ActionRef
	args   map[string]ir.Term
	output map[string]ir.Term
	reply  map[string]ir.Term
}

func (ep endpoint) rules() []engine.Rule {
	req := requestPattern(ep.path, ep.fields)
	done := ir.Pattern{Action: ep.action, Output: ep.output}
	failed := ir.Pattern{
		Action:  ep.action,
		Outcome: ir.OutcomeError,
		Output:  map[string]ir.Term{"error": ir.Var(string(errorVar))},
	}

	rules := []engine.Rule{
		declare(engine.Rule{
			ID:     ep.id,
			When:   []ir.Pattern{req},
			Refine: refine(ep.checks),
			Then:   []ir.ActionTemplate{{Action: ep.action, Args: ep.args}},
			Uses:   uses(ep.checks),
		}, ep.checks),
		declare(engine.Rule{
			ID:   ep.id + "-respond",
			When: []ir.Pattern{req, done},
			Then: respond(ep.reply),
		}, nil),
		declare(engine.Rule{
			ID:   ep.id + "-error",
			When: []ir.Pattern{req, failed},
			Then: respond(terms("error", string(errorVar))),
		}, nil),
	}
	if len(ep.checks) > 0 {
		rules = append(rules, rejectRule(ep.id, req, ep.checks))
	}
	return rules
}

// view is a read-only path. The checks gate the request, shape computes
// the reply variables from the surviving environments.
type view struct {
	id     string
	path   string
	fields []string
	checks []check
	uses   []ir.ActionRef
	binds  []string
	shape  engine.RefineFunc
	reply  map[string]ir.Term
}

func (vw view) rules() []engine.Rule {
	req := requestPattern(vw.path, vw.fields)
	gate := refine(vw.checks)
	proc := gate
	if vw.shape != nil {
		proc = func(ctx context.Context, q binding.Querier, in binding.Set) (binding.Set, error) {
			s, err := gate(ctx, q, in)
			if err != nil {
				return binding.Set{}, err
			}
			return vw.shape(ctx, q, s)
		}
	}

	rule := declare(engine.Rule{
		ID:     vw.id,
		When:   []ir.Pattern{req},
		Refine: proc,
		Then:   respond(vw.reply),
		Uses:   append(uses(vw.checks), vw.uses...),
	}, vw.checks, vw.binds...)

	rules := []engine.Rule{rule}
	if len(vw.checks) > 0 {
		rules = append(rules, rejectRule(vw.id, req, vw.checks))
	}
	return rules
}

func rejectRule(id string, req ir.Pattern, checks []check) engine.Rule {
	return declare(engine.Rule{
		ID:     id + "-reject",
		When:   []ir.Pattern{req},
		Refine: rejects(checks),
		Then:   respond(terms("error", string(errorVar))),
		Uses:   uses(checks),
	}, checks, string(errorVar))
}

// collectOr collects source into result, one array per request. Requests
// in authed with nothing to collect get an empty array.
func collectOr(authed, rows binding.Set, source, result binding.Var) (binding.Set, error) {
	out, err := rows.CollectAs([]binding.Var{requestVar}, source, result)
	if err != nil {
		return binding.Set{}, err
	}
	empty, err := authed.Orphans(out).Bind(result, ir.IRArray{})
	if err != nil {
		return binding.Set{}, err
	}
	return out.Union(empty), nil
}

// requestPattern matches Requesting.request on path, binding each field
// to the variable of the same name and the request ID to request.
func requestPattern(path string, fields []string) ir.Pattern {
	in := map[string]ir.Term{"path": ir.Lit(ir.IRString(path))}
	for _, f := range fields {
		in[f] = ir.Var(f)
	}
	return ir.Pattern{
		Action: requestRef,
		Input:  in,
		Output: map[string]ir.Term{"request": ir.Var(string(requestVar))},
	}
}

func respond(reply map[string]ir.Term) []ir.ActionTemplate {
	args := map[string]ir.Term{"request": ir.Var(string(requestVar))}
	for k, t := range reply {
		args[k] = t
	}
	return []ir.ActionTemplate{{Action: respondRef, Args: args}}
}

// declare fills in the rule's variables from its patterns, templates,
// checks and extra.
func declare(r engine.Rule, checks []check, extra ...string) engine.Rule {
	seen := make(map[string]bool)
	add := func(vs ...string) {
		for _, v := range vs {
			seen[v] = true
		}
	}
	for _, p := range r.When {
		add(p.Vars()...)
	}
	for _, t := range r.Then {
		add(t.Vars()...)
	}
	for _, c := range checks {
		add(c.binds...)
	}
	add(extra...)

	r.Vars = make([]string, 0, len(seen))
	for v := range seen {
		r.Vars = append(r.Vars, v)
	}
	sort.Strings(r.Vars)
	return r
}

func uses(checks []check) []ir.ActionRef {
	var refs []ir.ActionRef
	for _, c := range checks {
		refs = append(refs, c.uses...)
	}
	return refs
}

// terms builds a term map from field/variable pairs.
func terms(pairs ...string) map[string]ir.Term {
	m := make(map[string]ir.Term, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[pairs[i]] = ir.Var(pairs[i+1])
	}
	return m
}

// vars builds a query output map from field/variable pairs.
func vars(pairs ...string) map[string]binding.Var {
	m := make(map[string]binding.Var, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[pairs[i]] = binding.Var(pairs[i+1])
	}
	return m
}

func lit(s string) ir.Term {
	return ir.Lit(ir.IRString(s))
}
