package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncflow/internal/binding"
	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/store"
)

// counter is an in-memory concept for engine tests.
type counter struct {
	mu     sync.Mutex
	counts map[string]int64
	logs   []string
	items  map[string][]string
}

func (c *counter) concept() *concept.Static {
	return &concept.Static{
		ConceptName: "Counter",
		ActionFuncs: map[string]concept.ActionFunc{
			"inc": func(_ context.Context, args ir.IRObject) (ir.IRObject, error) {
				key, _ := args["key"].(ir.IRString)
				c.mu.Lock()
				defer c.mu.Unlock()
				c.counts[string(key)]++
				return ir.IRObject{"count": ir.IRInt(c.counts[string(key)])}, nil
			},
			"log": func(_ context.Context, args ir.IRObject) (ir.IRObject, error) {
				msg, _ := args["msg"].(ir.IRString)
				c.mu.Lock()
				defer c.mu.Unlock()
				c.logs = append(c.logs, string(msg))
				return ir.IRObject{}, nil
			},
			"fail": func(context.Context, ir.IRObject) (ir.IRObject, error) {
				return nil, concept.Fail("boom")
			},
		},
		QueryFuncs: map[string]concept.QueryFunc{
			"_items": func(_ context.Context, args ir.IRObject) ([]ir.IRObject, error) {
				key, _ := args["key"].(ir.IRString)
				c.mu.Lock()
				defer c.mu.Unlock()
				rows := []ir.IRObject{}
				for _, it := range c.items[string(key)] {
					rows = append(rows, ir.IRObject{"item": ir.IRString(it)})
				}
				return rows, nil
			},
		},
	}
}

func (c *counter) logged() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.logs...)
}

func (c *counter) count(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

func newTestRegistry(t *testing.T) (*concept.Registry, *counter) {
	t.Helper()
	c := &counter{counts: map[string]int64{}, items: map[string][]string{}}
	reg, err := concept.NewRegistry(c.concept())
	require.NoError(t, err)
	return reg, c
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *counter) {
	t.Helper()
	reg, c := newTestRegistry(t)
	e := New(setupTestStore(t), reg, NewFixedGenerator("flow-1", "flow-2", "flow-3"), opts...)
	return e, c
}

func incRule(id string, then ...ir.ActionTemplate) Rule {
	return Rule{
		ID:   id,
		Vars: []string{"k", "n"},
		When: []ir.Pattern{{
			Action: "Counter.inc",
			Input:  map[string]ir.Term{"key": ir.Var("k")},
			Output: map[string]ir.Term{"count": ir.Var("n")},
		}},
		Then: then,
	}
}

func logTemplate(msg ir.Term) ir.ActionTemplate {
	return ir.ActionTemplate{Action: "Counter.log", Args: map[string]ir.Term{"msg": msg}}
}

func startAndDrain(t *testing.T, e *Engine, ref ir.ActionRef, args ir.IRObject) ir.Invocation {
	t.Helper()
	inv, err := e.Start(e.NewFlow(), ref, args)
	require.NoError(t, err)
	require.NoError(t, e.Drain(context.Background()))
	return inv
}

func completionOf(t *testing.T, e *Engine, inv ir.Invocation) ir.Completion {
	t.Helper()
	comp, ok, err := e.Store().ReadCompletionFor(context.Background(), inv.ID)
	require.NoError(t, err)
	require.True(t, ok, "invocation %s has no completion", inv.ID)
	return comp
}

func TestEngine_StartAndDrain(t *testing.T) {
	e, c := newTestEngine(t)

	inv := startAndDrain(t, e, "Counter.inc", ir.IRObject{"key": ir.IRString("a")})

	assert.Equal(t, "flow-1", inv.FlowToken)
	assert.Equal(t, int64(1), c.count("a"))
	comp := completionOf(t, e, inv)
	assert.Equal(t, ir.CaseSuccess, comp.OutputCase)
	assert.Equal(t, ir.IRObject{"count": ir.IRInt(1)}, comp.Result)
	assert.Greater(t, comp.Seq, inv.Seq)
	assert.Equal(t, 0, e.QueueLen())
}

func TestEngine_StartRejects(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Start("flow-1", "Counter.nope", nil)
	assert.True(t, IsMissingActionError(err))

	_, err = e.Start("", "Counter.inc", nil)
	assert.Error(t, err)

	e.Stop()
	_, err = e.Start("flow-1", "Counter.inc", nil)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestEngine_BusinessFailureIsErrorOutcome(t *testing.T) {
	e, _ := newTestEngine(t)
	inv := startAndDrain(t, e, "Counter.fail", nil)

	comp := completionOf(t, e, inv)
	assert.True(t, comp.IsError())
	assert.Equal(t, "boom", comp.ErrorMessage())
}

func TestEngine_QueryAsAction(t *testing.T) {
	e, c := newTestEngine(t)
	c.items["a"] = []string{"x"}
	inv := startAndDrain(t, e, "Counter._items", ir.IRObject{"key": ir.IRString("a")})

	comp := completionOf(t, e, inv)
	assert.Equal(t, ir.IRObject{"results": ir.IRArray{ir.IRObject{"item": ir.IRString("x")}}}, comp.Result)
}

func TestEngine_RuleChain(t *testing.T) {
	e, c := newTestEngine(t)
	require.NoError(t, e.RegisterRules(incRule("inc-logs", logTemplate(ir.Var("k")))))

	inv := startAndDrain(t, e, "Counter.inc", ir.IRObject{"key": ir.IRString("a")})
	assert.Equal(t, []string{"a"}, c.logged())

	ctx := context.Background()
	comp := completionOf(t, e, inv)
	firings, err := e.Store().ReadFiringsForCompletion(ctx, comp.ID)
	require.NoError(t, err)
	require.Len(t, firings, 1)
	assert.Equal(t, "inc-logs", firings[0].RuleID)
	assert.Equal(t, ir.IRObject{"k": ir.IRString("a"), "n": ir.IRInt(1)}, firings[0].Bindings)

	triggered, err := e.Store().ReadTriggered(ctx, comp.ID)
	require.NoError(t, err)
	require.Len(t, triggered, 1)
	assert.Equal(t, ir.ActionRef("Counter.log"), triggered[0].ActionURI)
	assert.Equal(t, inv.FlowToken, triggered[0].FlowToken)
}

func TestEngine_OneInvocationPerEnvironmentPerTemplate(t *testing.T) {
	e, c := newTestEngine(t)
	c.items["a"] = []string{"one", "two", "three"}

	spec := validSpec()
	spec.Then = append(spec.Then, logTemplate(ir.Lit(ir.IRString("done"))))
	require.NoError(t, e.RegisterRules(FromSpec(spec)))

	inv := startAndDrain(t, e, "Counter.inc", ir.IRObject{"key": ir.IRString("a")})

	assert.Equal(t, []string{"one", "done", "two", "done", "three", "done"}, c.logged())
	triggered, err := e.Store().ReadTriggered(context.Background(), completionOf(t, e, inv).ID)
	require.NoError(t, err)
	assert.Len(t, triggered, 6)
}

func TestEngine_EqualEnvironmentsFireSeparately(t *testing.T) {
	e, c := newTestEngine(t)
	c.items["a"] = []string{"dup", "dup"}
	require.NoError(t, e.RegisterRules(FromSpec(validSpec())))

	inv := startAndDrain(t, e, "Counter.inc", ir.IRObject{"key": ir.IRString("a")})

	assert.Equal(t, []string{"dup", "dup"}, c.logged())
	firings, err := e.Store().ReadFiringsForCompletion(context.Background(), completionOf(t, e, inv).ID)
	require.NoError(t, err)
	require.Len(t, firings, 2)
	assert.NotEqual(t, firings[0].BindingHash, firings[1].BindingHash)
}

func TestEngine_ZeroTuplesDispatchNothing(t *testing.T) {
	e, c := newTestEngine(t)
	require.NoError(t, e.RegisterRules(FromSpec(validSpec())))

	startAndDrain(t, e, "Counter.inc", ir.IRObject{"key": ir.IRString("empty")})
	assert.Empty(t, c.logged())
}

func TestEngine_ErrorRule(t *testing.T) {
	e, c := newTestEngine(t)
	require.NoError(t, e.RegisterRules(Rule{
		ID:   "on-fail",
		Vars: []string{"error"},
		When: []ir.Pattern{{
			Action:  "Counter.fail",
			Outcome: ir.OutcomeError,
			Output:  map[string]ir.Term{"error": ir.Var("error")},
		}},
		Then: []ir.ActionTemplate{logTemplate(ir.Var("error"))},
	}))

	startAndDrain(t, e, "Counter.fail", nil)
	assert.Equal(t, []string{"boom"}, c.logged())
}

func TestEngine_MultiPatternFiresOnLastRecord(t *testing.T) {
	e, c := newTestEngine(t)
	require.NoError(t, e.RegisterRules(
		incRule("inc-logs", logTemplate(ir.Var("k"))),
		Rule{
			ID:   "after-log",
			Vars: []string{"k"},
			When: []ir.Pattern{
				{Action: "Counter.inc", Input: map[string]ir.Term{"key": ir.Var("k")}},
				{Action: "Counter.log", Input: map[string]ir.Term{"msg": ir.Var("k")}},
			},
			Then: []ir.ActionTemplate{logTemplate(ir.Lit(ir.IRString("done")))},
		},
	))

	startAndDrain(t, e, "Counter.inc", ir.IRObject{"key": ir.IRString("a")})

	// inc a → log a → after-log fires once, when log a completes.
	assert.Equal(t, int64(1), c.count("a"))
	assert.Equal(t, []string{"a", "done"}, c.logged())
}

func TestEngine_DispatchFollowsRegistrationOrder(t *testing.T) {
	e, c := newTestEngine(t, WithParallelism(2))
	require.NoError(t, e.RegisterRules(
		incRule("second", logTemplate(ir.Lit(ir.IRString("B")))),
		incRule("first", logTemplate(ir.Lit(ir.IRString("A")))),
		incRule("third", logTemplate(ir.Lit(ir.IRString("C")))),
	))

	startAndDrain(t, e, "Counter.inc", ir.IRObject{"key": ir.IRString("a")})
	assert.Equal(t, []string{"B", "A", "C"}, c.logged())
}

func TestEngine_ReplayedClaimDispatchesNothing(t *testing.T) {
	e, c := newTestEngine(t)
	rule := incRule("inc-logs", logTemplate(ir.Var("k")))
	require.NoError(t, e.RegisterRules(rule))

	inv := startAndDrain(t, e, "Counter.inc", ir.IRObject{"key": ir.IRString("a")})
	comp := completionOf(t, e, inv)
	require.Equal(t, []string{"a"}, c.logged())

	// A fresh engine over the same log re-evaluates the completion.
	again := New(e.Store(), e.Registry(), NewFixedGenerator())
	require.NoError(t, again.RegisterRules(rule))
	require.NoError(t, again.Recover(context.Background()))
	require.True(t, again.Enqueue(Event{Type: EventTypeCompletion, Invocation: &inv, Completion: &comp}))
	require.NoError(t, again.Drain(context.Background()))

	assert.Equal(t, []string{"a"}, c.logged())
	firings, err := e.Store().ReadFiringsForCompletion(context.Background(), comp.ID)
	require.NoError(t, err)
	assert.Len(t, firings, 1)
}

func TestEngine_CycleSkipped(t *testing.T) {
	e, c := newTestEngine(t)
	require.NoError(t, e.RegisterRules(Rule{
		ID:   "echo",
		Vars: []string{"k"},
		When: []ir.Pattern{{Action: "Counter.inc", Input: map[string]ir.Term{"key": ir.Var("k")}}},
		Then: []ir.ActionTemplate{{Action: "Counter.inc", Args: map[string]ir.Term{"key": ir.Var("k")}}},
	}))

	inv := startAndDrain(t, e, "Counter.inc", ir.IRObject{"key": ir.IRString("a")})

	// The external inc fires once; the echoed inc repeats the binding.
	assert.Equal(t, int64(2), c.count("a"))

	first, err := e.Store().ReadFiringsForCompletion(context.Background(), completionOf(t, e, inv).ID)
	require.NoError(t, err)
	require.Len(t, first, 1)
	echoed, err := e.Store().ReadTriggered(context.Background(), completionOf(t, e, inv).ID)
	require.NoError(t, err)
	require.Len(t, echoed, 1)
	again, err := e.Store().ReadFiringsForCompletion(context.Background(), completionOf(t, e, echoed[0]).ID)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestEngine_EqualBindingsFromSiblingTriggersBothFire(t *testing.T) {
	e, c := newTestEngine(t)
	incX := ir.ActionTemplate{Action: "Counter.inc", Args: map[string]ir.Term{"key": ir.Lit(ir.IRString("x"))}}
	require.NoError(t, e.RegisterRules(
		Rule{
			ID:   "fan",
			When: []ir.Pattern{{Action: "Counter.inc", Input: map[string]ir.Term{"key": ir.Lit(ir.IRString("start"))}}},
			Then: []ir.ActionTemplate{incX, incX},
		},
		// Both x completions bind the same (empty) environment.
		Rule{
			ID:   "echo",
			When: []ir.Pattern{{Action: "Counter.inc", Input: map[string]ir.Term{"key": ir.Lit(ir.IRString("x"))}}},
			Then: []ir.ActionTemplate{logTemplate(ir.Lit(ir.IRString("x")))},
		},
	))

	startAndDrain(t, e, "Counter.inc", ir.IRObject{"key": ir.IRString("start")})

	assert.Equal(t, int64(2), c.count("x"))
	assert.Equal(t, []string{"x", "x"}, c.logged())
}

func TestEngine_ForgetsFlowWhenItGoesIdle(t *testing.T) {
	var e *Engine
	var history []int
	e, c := newTestEngine(t, WithMaxSteps(20), WithPhaseObserver(func(ruleID, _ string, p Phase) {
		if ruleID == "again" && p == PhaseDispatching {
			history = append(history, e.cycles.FlowHistorySize("flow-1"))
		}
	}))
	require.NoError(t, e.RegisterRules(
		Rule{
			ID:   "note",
			When: []ir.Pattern{{Action: "Counter.inc", Input: map[string]ir.Term{"key": ir.Lit(ir.IRString("a"))}}},
			Then: []ir.ActionTemplate{logTemplate(ir.Lit(ir.IRString("a")))},
		},
		Rule{
			ID:   "again",
			Vars: []string{"n"},
			When: []ir.Pattern{{
				Action: "Counter.inc",
				Input:  map[string]ir.Term{"key": ir.Lit(ir.IRString("b"))},
				Output: map[string]ir.Term{"count": ir.Var("n")},
			}},
			Then: []ir.ActionTemplate{{Action: "Counter.inc", Args: map[string]ir.Term{"key": ir.Lit(ir.IRString("b"))}}},
		},
	))

	// flow-1 is short; flow-2 keeps the queue busy until its quota runs out.
	_, err := e.Start(e.NewFlow(), "Counter.inc", ir.IRObject{"key": ir.IRString("a")})
	require.NoError(t, err)
	_, err = e.Start(e.NewFlow(), "Counter.inc", ir.IRObject{"key": ir.IRString("b")})
	require.NoError(t, err)
	require.NoError(t, e.Drain(context.Background()))

	assert.Equal(t, []string{"a"}, c.logged())
	assert.Equal(t, int64(21), c.count("b"))

	// flow-1's history existed while it ran and was dropped while flow-2
	// still had events queued.
	require.NotEmpty(t, history)
	assert.Equal(t, 1, history[0])
	assert.Equal(t, 0, history[len(history)-1])

	assert.Zero(t, e.TrackedFlows())
	assert.Zero(t, e.cycles.FlowCount())
	assert.Zero(t, e.queue.InFlight())
}

func TestEngine_QuotaStopsFlow(t *testing.T) {
	e, c := newTestEngine(t, WithMaxSteps(3))
	require.NoError(t, e.RegisterRules(Rule{
		ID:   "again",
		Vars: []string{"k", "n"},
		When: []ir.Pattern{{
			Action: "Counter.inc",
			Input:  map[string]ir.Term{"key": ir.Var("k")},
			Output: map[string]ir.Term{"count": ir.Var("n")},
		}},
		Then: []ir.ActionTemplate{{Action: "Counter.inc", Args: map[string]ir.Term{"key": ir.Var("k")}}},
	}))

	startAndDrain(t, e, "Counter.inc", ir.IRObject{"key": ir.IRString("a")})

	assert.Equal(t, int64(4), c.count("a"))
	assert.Equal(t, 3, e.MaxSteps())
	assert.Zero(t, e.TrackedFlows(), "quota state outlived the flow")
}

func TestEngine_PhaseObserver(t *testing.T) {
	var mu sync.Mutex
	phases := map[string][]Phase{}
	e, _ := newTestEngine(t, WithPhaseObserver(func(ruleID, completionID string, p Phase) {
		mu.Lock()
		defer mu.Unlock()
		key := ruleID + "@" + completionID
		phases[key] = append(phases[key], p)
	}))
	require.NoError(t, e.RegisterRules(
		incRule("hit", logTemplate(ir.Lit(ir.IRString("hit")))),
		Rule{
			ID:   "miss",
			When: []ir.Pattern{{Action: "Counter.fail"}},
			Then: []ir.ActionTemplate{logTemplate(ir.Lit(ir.IRString("miss")))},
		},
	))

	inv := startAndDrain(t, e, "Counter.inc", ir.IRObject{"key": ir.IRString("a")})
	comp := completionOf(t, e, inv)

	assert.Equal(t, []Phase{PhaseMatching, PhaseRefining, PhaseDispatching, PhaseIdle}, phases["hit@"+comp.ID])
	assert.Equal(t, []Phase{PhaseMatching, PhaseIdle}, phases["miss@"+comp.ID])
}

func TestEngine_RefineFailureIsolated(t *testing.T) {
	e, c := newTestEngine(t)
	broken := incRule("broken", logTemplate(ir.Lit(ir.IRString("broken"))))
	broken.Refine = func(context.Context, binding.Querier, binding.Set) (binding.Set, error) {
		return binding.Set{}, errors.New("query exploded")
	}
	require.NoError(t, e.RegisterRules(broken, incRule("ok", logTemplate(ir.Lit(ir.IRString("ok"))))))

	inv := startAndDrain(t, e, "Counter.inc", ir.IRObject{"key": ir.IRString("a")})

	assert.Equal(t, []string{"ok"}, c.logged())
	firings, err := e.Store().ReadFiringsForCompletion(context.Background(), completionOf(t, e, inv).ID)
	require.NoError(t, err)
	require.Len(t, firings, 1)
	assert.Equal(t, "ok", firings[0].RuleID)
}

func TestEngine_RegisterRules(t *testing.T) {
	e, _ := newTestEngine(t)

	a := incRule("a", logTemplate(ir.Var("k")))
	require.NoError(t, e.RegisterRules(a))

	err := e.RegisterRules(a, a)
	assert.ErrorContains(t, err, "duplicate rule id")

	bad := incRule("bad", logTemplate(ir.Var("ghost")))
	assert.True(t, IsUndeclaredVariableError(e.RegisterRules(bad)))

	// Failed registrations leave the previous rules in place.
	rules := e.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "a", rules[0].ID)
}

func TestEngine_InvokeWithRun(t *testing.T) {
	e, c := newTestEngine(t)
	require.NoError(t, e.RegisterRules(incRule("inc-logs", logTemplate(ir.Var("k")))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	comp, err := e.Invoke(ctx, e.NewFlow(), "Counter.inc", ir.IRObject{"key": ir.IRString("a")})
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"count": ir.IRInt(1)}, comp.Result)

	assert.Eventually(t, func() bool { return len(c.logged()) == 1 }, 2*time.Second, 5*time.Millisecond)

	e.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestEngine_InvokeTimesOutWithoutRun(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.Invoke(ctx, "flow-1", "Counter.inc", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	e.waitMu.Lock()
	assert.Empty(t, e.waiters)
	e.waitMu.Unlock()
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, e.Enqueue(Event{}))
}

func TestEngine_Recover(t *testing.T) {
	e, c := newTestEngine(t)
	ctx := context.Background()

	args := ir.IRObject{"key": ir.IRString("a")}
	pending := ir.Invocation{
		ID:            ir.MustInvocationID("flow-9", "Counter.inc", args, 50),
		FlowToken:     "flow-9",
		ActionURI:     "Counter.inc",
		Args:          args,
		Seq:           50,
		EngineVersion: ir.EngineVersion,
		IRVersion:     ir.IRVersion,
	}
	require.NoError(t, e.Store().WriteInvocation(ctx, pending))

	require.NoError(t, e.Recover(ctx))
	assert.GreaterOrEqual(t, e.Clock().Current(), int64(50))
	require.NoError(t, e.Drain(ctx))

	assert.Equal(t, int64(1), c.count("a"))
	comp := completionOf(t, e, pending)
	assert.Greater(t, comp.Seq, int64(50))

	// Recovering again finds nothing to run.
	require.NoError(t, e.Recover(ctx))
	assert.Equal(t, 0, e.QueueLen())
}
