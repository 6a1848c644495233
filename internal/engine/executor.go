package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/syncflow/internal/binding"
	"github.com/roach88/syncflow/internal/ir"
)

// evaluate runs Matching and Refining for every rule concurrently and
// returns one evaluation per rule, in registration order. Refinement
// failures are logged and leave that rule idle; only cancellation of ctx
// is returned.
func (e *Engine) evaluate(ctx context.Context, trigger ir.ActionRecord, history []ir.ActionRecord) ([]*evaluation, error) {
	evals := make([]*evaluation, len(e.rules))
	g, gctx := errgroup.WithContext(ctx)
	if e.parallelism > 0 {
		g.SetLimit(e.parallelism)
	}
	for i := range e.rules {
		ev := &evaluation{
			rule:         &e.rules[i],
			completionID: trigger.Completion.ID,
			observe:      e.observer,
		}
		evals[i] = ev
		g.Go(func() error {
			return e.evaluateRule(gctx, ev, trigger, history)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return evals, nil
}

func (e *Engine) evaluateRule(ctx context.Context, ev *evaluation, trigger ir.ActionRecord, history []ir.ActionRecord) error {
	rule := ev.rule
	start := time.Now()
	defer func() {
		e.metrics.RuleEvalDuration.WithLabelValues(rule.ID).Observe(time.Since(start).Seconds())
	}()

	ev.enter(PhaseMatching)
	envs := matchRule(rule.When, trigger, history)
	if len(envs) == 0 {
		ev.enter(PhaseIdle)
		return nil
	}
	e.metrics.RuleMatchesTotal.WithLabelValues(rule.ID).Add(float64(len(envs)))
	slog.Debug("rule matched",
		"rule_id", rule.ID,
		"completion_id", trigger.Completion.ID,
		"environments", len(envs),
	)

	ev.enter(PhaseRefining)
	set := binding.NewSet(envs...)
	if rule.Refine != nil {
		var err error
		set, err = rule.Refine(ctx, e.registry.Querier(), set)
		if err != nil {
			ev.enter(PhaseIdle)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.metrics.RuleErrorsTotal.WithLabelValues(rule.ID, PhaseRefining.String()).Inc()
			slog.Error("rule refinement failed",
				"rule_id", rule.ID,
				"completion_id", trigger.Completion.ID,
				"flow_token", trigger.Invocation.FlowToken,
				"error", err,
			)
			return nil
		}
	}
	if set.Empty() {
		ev.enter(PhaseIdle)
		return nil
	}
	ev.envs = set.Envs()
	return nil
}

// dispatch fires one rule's surviving environments. Runs on the engine
// goroutine only.
func (e *Engine) dispatch(ctx context.Context, ev *evaluation, trigger ir.ActionRecord) {
	if ev.phase != PhaseRefining {
		return
	}
	ev.enter(PhaseDispatching)
	defer ev.enter(PhaseIdle)

	flowToken := trigger.Invocation.FlowToken
	seen := make(map[string]int, len(ev.envs))
	for _, env := range ev.envs {
		bindings := env.Object()
		key, err := ir.BindingHash(bindings, 0)
		if err != nil {
			e.logRuleError(ev.rule, trigger, newInvalidBindingError(flowToken, ev.rule.ID, "", err))
			continue
		}
		ordinal := seen[key]
		seen[key]++

		if err := e.fire(ctx, ev.rule, trigger, bindings, env, ordinal); err != nil {
			e.logRuleError(ev.rule, trigger, err)
		}
	}
}

// fire claims (completion, rule, binding hash) and, if the claim is new,
// enqueues one invocation per follow-up template. The claim, the
// invocations and their provenance are written in one transaction.
func (e *Engine) fire(ctx context.Context, rule *Rule, trigger ir.ActionRecord, bindings ir.IRObject, env binding.Env, ordinal int) error {
	comp := trigger.Completion
	flowToken := trigger.Invocation.FlowToken
	hash, err := ir.BindingHash(bindings, ordinal)
	if err != nil {
		return newInvalidBindingError(flowToken, rule.ID, "", err)
	}
	if e.cycles.WouldCycle(flowToken, trigger.Invocation.ID, rule.ID, hash) {
		e.metrics.CyclesTotal.Inc()
		return NewCycleError(flowToken, rule.ID, hash)
	}

	invs := make([]ir.Invocation, 0, len(rule.Then))
	for _, tmpl := range rule.Then {
		args, err := env.ResolveArgs(tmpl.Args)
		if err != nil {
			return newInvalidBindingError(flowToken, rule.ID, hash, fmt.Errorf("%s: %w", tmpl.Action, err))
		}
		seq := e.clock.Next()
		id, err := ir.InvocationID(flowToken, tmpl.Action, args, seq)
		if err != nil {
			return fmt.Errorf("compute invocation ID: %w", err)
		}
		invs = append(invs, ir.Invocation{
			ID:            id,
			FlowToken:     flowToken,
			ActionURI:     tmpl.Action,
			Args:          args,
			Seq:           seq,
			EngineVersion: ir.EngineVersion,
			IRVersion:     ir.IRVersion,
		})
	}

	firing := ir.RuleFiring{
		CompletionID: comp.ID,
		RuleID:       rule.ID,
		BindingHash:  hash,
		Bindings:     bindings,
		Seq:          e.clock.Next(),
	}
	_, inserted, err := e.store.WriteRuleFiringAtomic(ctx, firing, invs)
	if err != nil {
		return fmt.Errorf("claim rule firing: %w", err)
	}
	if !inserted {
		slog.Debug("rule already fired, skipping",
			"rule_id", rule.ID,
			"completion_id", comp.ID,
			"binding_hash", hash,
		)
		return nil
	}

	produced := make([]string, len(invs))
	for i, inv := range invs {
		produced[i] = inv.ID
	}
	e.cycles.Record(flowToken, trigger.Invocation.ID, rule.ID, hash, produced)
	for i := range invs {
		e.queue.Enqueue(Event{Type: EventTypeInvocation, Invocation: &invs[i]})
	}
	e.metrics.RuleFiringsTotal.WithLabelValues(rule.ID).Inc()

	slog.Info("rule fired",
		"rule_id", rule.ID,
		"completion_id", comp.ID,
		"flow_token", flowToken,
		"binding_hash", hash,
		"invocations", len(invs),
	)
	return nil
}

func (e *Engine) logRuleError(rule *Rule, trigger ir.ActionRecord, err error) {
	attrs := []any{
		"error", err,
		"rule_id", rule.ID,
		"completion_id", trigger.Completion.ID,
		"flow_token", trigger.Invocation.FlowToken,
	}
	if re, ok := err.(*RuntimeError); ok {
		attrs = append(attrs, "code", re.Code)
		if re.Code == ErrCodeCycleDetected {
			slog.Warn("rule firing skipped", attrs...)
			return
		}
	}
	e.metrics.RuleErrorsTotal.WithLabelValues(rule.ID, PhaseDispatching.String()).Inc()
	slog.Error("rule firing failed", attrs...)
}
