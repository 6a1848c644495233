package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/syncflow/internal/compiler"
	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/concepts"
	"github.com/roach88/syncflow/internal/engine"
	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/store"
	"github.com/roach88/syncflow/internal/syncs"
	"github.com/roach88/syncflow/internal/testutil"
)

const getResponseRef ir.ActionRef = "Requesting._getResponse"

// Harness holds the stores, engine and variables of one scenario run.
type Harness struct {
	state    *concepts.State
	log      *store.Store
	registry *concept.Registry
	engine   *engine.Engine
	vars     map[string]ir.IRValue
}

// Run executes a scenario with a background context.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext executes a scenario in fresh in-memory stores.
//
// An error means the scenario could not be run: bad rules, a failed setup
// step, an unbound variable. Failed expectations and assertions are
// reported in the Result instead.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	if err := h.executeSetup(ctx, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	trace, err := h.buildTrace(ctx, result.Flows)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	result.Trace = trace

	actx := &AssertionContext{Ctx: ctx, DB: h.state.DB(), Vars: h.vars}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario) (*Harness, error) {
	ids := testutil.NewSequence("id")
	state, err := concepts.OpenState(":memory:", concepts.WithIDs(ids.Next))
	if err != nil {
		return nil, fmt.Errorf("failed to create concept state: %w", err)
	}

	_, all := concepts.All(state)
	for _, c := range all {
		if ua, ok := c.(*concepts.UserAuthentication); ok {
			ua.Cost = bcrypt.MinCost
		}
	}
	reg, err := concept.NewRegistry(all...)
	if err != nil {
		state.Close()
		return nil, err
	}

	log, err := store.Open(":memory:")
	if err != nil {
		state.Close()
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	eng := engine.New(log, reg, testutil.NewFlowGenerator(""))
	rules, err := scenarioRules(scenario)
	if err == nil {
		err = eng.RegisterRules(rules...)
	}
	if err != nil {
		log.Close()
		state.Close()
		return nil, err
	}

	return &Harness{
		state:    state,
		log:      log,
		registry: reg,
		engine:   eng,
		vars:     make(map[string]ir.IRValue),
	}, nil
}

// scenarioRules returns the application rules followed by the scenario's
// CUE rules.
func scenarioRules(s *Scenario) ([]engine.Rule, error) {
	var rules []engine.Rule
	if s.useAppRules() {
		rules = append(rules, syncs.All()...)
	}
	if s.Rules != "" {
		loaded, errs := compiler.LoadDir(s.Rules, compiler.LoadModeFailFast)
		if len(errs) > 0 {
			return nil, fmt.Errorf("load rules %s: %w", s.Rules, errs[0])
		}
		rules = append(rules, engine.FromSpecs(loaded.Rules)...)
	}
	return rules, nil
}

func (h *Harness) close() {
	h.engine.Stop()
	h.log.Close()
	h.state.Close()
}

// executeSetup invokes each setup action directly on its concept. Setup
// records are not part of any flow.
func (h *Harness) executeSetup(ctx context.Context, setup []ActionStep) error {
	for i, step := range setup {
		args, err := h.resolveObject(step.Args)
		if err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		outcome, res, err := h.registry.Invoke(ctx, ir.ActionRef(step.Action), args)
		if err != nil {
			return fmt.Errorf("setup[%d] %s: %w", i, step.Action, err)
		}
		if outcome != ir.CaseSuccess {
			return fmt.Errorf("setup[%d] %s failed: %v", i, step.Action, res[ir.ErrorField])
		}
		if err := h.bind(step.Bind, res); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		slog.Debug("setup step completed", "step", i, "action", step.Action)
	}
	return nil
}

// executeFlow starts each step in a new flow and lets the engine run
// until nothing is left to do before checking the step.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		args, err := h.resolveObject(step.Args)
		if err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}

		flowToken := h.engine.NewFlow()
		result.Flows = append(result.Flows, flowToken)

		inv, err := h.engine.Start(flowToken, ir.ActionRef(step.Invoke), args)
		if err != nil {
			return fmt.Errorf("flow[%d] %s: %w", i, step.Invoke, err)
		}
		if err := h.engine.Drain(ctx); err != nil {
			return fmt.Errorf("flow[%d] %s: %w", i, step.Invoke, err)
		}

		comp, ok, err := h.log.ReadCompletionFor(ctx, inv.ID)
		if err != nil {
			return fmt.Errorf("flow[%d] %s: %w", i, step.Invoke, err)
		}
		if !ok {
			result.AddError(fmt.Sprintf("flow[%d] %s: no completion recorded", i, step.Invoke))
			continue
		}

		if step.Expect != nil {
			msgs, err := h.checkExpect(i, step, comp)
			if err != nil {
				return err
			}
			for _, msg := range msgs {
				result.AddError(msg)
			}
		}
		if step.Response != nil || step.BindResponse != nil {
			msg, err := h.checkResponse(ctx, i, step, comp)
			if err != nil {
				return err
			}
			if msg != "" {
				result.AddError(msg)
			}
		}
		if err := h.bind(step.Bind, comp.Result); err != nil {
			result.AddError(fmt.Sprintf("flow[%d]: %v", i, err))
		}

		slog.Debug("flow step completed",
			"step", i,
			"action", step.Invoke,
			"flow_token", flowToken,
			"output_case", comp.OutputCase,
		)
	}
	return nil
}

func (h *Harness) checkExpect(i int, step FlowStep, comp ir.Completion) ([]string, error) {
	var msgs []string
	if comp.OutputCase != step.Expect.Case {
		msgs = append(msgs, fmt.Sprintf("flow[%d] %s: expected case %q, got %q (result %s)",
			i, step.Invoke, step.Expect.Case, comp.OutputCase, render(comp.Result)))
	}
	if step.Expect.Result == nil {
		return msgs, nil
	}
	want, err := h.resolveObject(step.Expect.Result)
	if err != nil {
		return nil, fmt.Errorf("flow[%d].expect: %w", i, err)
	}
	if diff := subsetDiff(comp.Result, want); diff != "" {
		msgs = append(msgs, fmt.Sprintf("flow[%d] %s: result %s", i, step.Invoke, diff))
	}
	return msgs, nil
}

// checkResponse compares the stored response of a request step and binds
// its fields.
func (h *Harness) checkResponse(ctx context.Context, i int, step FlowStep, comp ir.Completion) (string, error) {
	request, ok := comp.Result["request"]
	if !ok {
		return fmt.Sprintf("flow[%d]: request was not recorded (result %s)", i, render(comp.Result)), nil
	}
	rows, err := h.registry.Querier().Query(ctx, getResponseRef, ir.IRObject{"request": request})
	if err != nil {
		return "", fmt.Errorf("flow[%d]: read response: %w", i, err)
	}
	if len(rows) == 0 {
		return fmt.Sprintf("flow[%d]: request %s was never answered", i, render(request)), nil
	}
	got, _ := rows[0]["response"].(ir.IRObject)

	if step.Response != nil {
		want, err := h.resolveObject(step.Response)
		if err != nil {
			return "", fmt.Errorf("flow[%d].response: %w", i, err)
		}
		if diff := subsetDiff(got, want); diff != "" {
			return fmt.Sprintf("flow[%d]: response %s", i, diff), nil
		}
	}
	if err := h.bind(step.BindResponse, got); err != nil {
		return fmt.Sprintf("flow[%d]: response %v", i, err), nil
	}
	return "", nil
}

// buildTrace reads every flow back from the action log. Invocations made
// by rules carry the rule's ID.
func (h *Harness) buildTrace(ctx context.Context, flows []string) ([]TraceEvent, error) {
	trace := []TraceEvent{}
	for _, flow := range flows {
		invs, comps, err := h.log.ReadFlow(ctx, flow)
		if err != nil {
			return nil, err
		}

		actions := make(map[string]ir.ActionRef, len(invs))
		for _, inv := range invs {
			actions[inv.ID] = inv.ActionURI
		}
		firedBy := make(map[int64]string)
		for _, c := range comps {
			firings, err := h.log.ReadFiringsForCompletion(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			for _, f := range firings {
				firedBy[f.ID] = f.RuleID
			}
		}

		events := make([]TraceEvent, 0, len(invs)+len(comps))
		for _, inv := range invs {
			ev := TraceEvent{
				Type:   EventInvocation,
				Flow:   flow,
				Action: inv.ActionURI,
				Args:   inv.Args,
				Seq:    inv.Seq,
			}
			edges, err := h.log.ReadProvenance(ctx, inv.ID)
			if err != nil {
				return nil, err
			}
			if len(edges) > 0 {
				ev.Rule = firedBy[edges[0].RuleFiringID]
			}
			events = append(events, ev)
		}
		for _, c := range comps {
			events = append(events, TraceEvent{
				Type:       EventCompletion,
				Flow:       flow,
				Action:     actions[c.InvocationID],
				OutputCase: c.OutputCase,
				Result:     c.Result,
				Seq:        c.Seq,
			})
		}
		sort.SliceStable(events, func(a, b int) bool { return events[a].Seq < events[b].Seq })
		trace = append(trace, events...)
	}
	return trace, nil
}

// bind copies result fields into variables.
func (h *Harness) bind(fields map[string]string, result ir.IRObject) error {
	for field, name := range fields {
		v, ok := result[field]
		if !ok {
			return fmt.Errorf("bind %s: result has no field %q", name, field)
		}
		h.vars[name] = v
	}
	return nil
}

func (h *Harness) resolveObject(m map[string]any) (ir.IRObject, error) {
	return resolveObject(m, h.vars)
}

// resolveObject converts YAML data to an IRObject, substituting variables.
func resolveObject(m map[string]any, vars map[string]ir.IRValue) (ir.IRObject, error) {
	v, err := ir.FromGo(m)
	if err != nil {
		return nil, err
	}
	resolved, err := substitute(v, vars)
	if err != nil {
		return nil, err
	}
	obj, _ := resolved.(ir.IRObject)
	if obj == nil {
		obj = ir.IRObject{}
	}
	return obj, nil
}

// substitute replaces "$name" strings with the bound value. "$$" escapes a
// leading dollar sign.
func substitute(v ir.IRValue, vars map[string]ir.IRValue) (ir.IRValue, error) {
	switch val := v.(type) {
	case ir.IRString:
		s := string(val)
		if strings.HasPrefix(s, "$$") {
			return ir.IRString(s[1:]), nil
		}
		if name, ok := strings.CutPrefix(s, "$"); ok {
			bound, ok := vars[name]
			if !ok {
				return nil, fmt.Errorf("unbound variable $%s", name)
			}
			return bound, nil
		}
		return val, nil
	case ir.IRArray:
		out := make(ir.IRArray, len(val))
		for i, elem := range val {
			r, err := substitute(elem, vars)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case ir.IRObject:
		out := make(ir.IRObject, len(val))
		for k, elem := range val {
			r, err := substitute(elem, vars)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// subsetDiff describes the first field of want missing from or different
// in got, or returns "".
func subsetDiff(got, want ir.IRObject) string {
	for _, k := range want.SortedKeys() {
		actual, ok := got[k]
		if !ok {
			return fmt.Sprintf("missing field %q in %s", k, render(got))
		}
		if !ir.Equal(actual, want[k]) {
			return fmt.Sprintf("field %q = %s, want %s", k, render(actual), render(want[k]))
		}
	}
	return ""
}

func render(v ir.IRValue) string {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
