package engine

import (
	"context"
	"fmt"

	"github.com/roach88/syncflow/internal/binding"
	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/ir"
)

// RefineFunc narrows, extends and joins the environments the matcher
// produced. It receives only a Querier and so cannot run actions.
type RefineFunc func(ctx context.Context, q binding.Querier, in binding.Set) (binding.Set, error)

// Rule is a synchronization: when every When pattern is satisfied by
// records of one flow, Refine runs over the matched environments and each
// surviving environment dispatches every Then template once.
type Rule struct {
	ID     string
	Vars   []string
	When   []ir.Pattern
	Refine RefineFunc
	Then   []ir.ActionTemplate

	// Uses lists queries Refine may call. Registration checks them; it
	// cannot see inside a Go procedure otherwise.
	Uses []ir.ActionRef

	// steps is kept for declarative rules so registration can check them.
	steps []ir.Step
}

// FromSpec converts a compiled rule into a Rule whose refinement applies
// its where steps in order.
func FromSpec(spec ir.RuleSpec) Rule {
	steps := append([]ir.Step(nil), spec.Where...)
	r := Rule{
		ID:    spec.ID,
		Vars:  append([]string(nil), spec.Vars...),
		When:  spec.When,
		Then:  spec.Then,
		steps: steps,
	}
	if len(steps) > 0 {
		r.Refine = func(ctx context.Context, q binding.Querier, in binding.Set) (binding.Set, error) {
			return binding.Apply(ctx, q, in, steps)
		}
	}
	for _, s := range steps {
		if s.Query != "" {
			r.Uses = append(r.Uses, s.Query)
		}
	}
	return r
}

// FromSpecs converts compiled rules, preserving order.
func FromSpecs(specs []ir.RuleSpec) []Rule {
	rules := make([]Rule, len(specs))
	for i, s := range specs {
		rules[i] = FromSpec(s)
	}
	return rules
}

// Validate checks the rule against the registry: every referenced action
// and query exists and every variable used is declared.
func (r Rule) Validate(reg *concept.Registry) error {
	if r.ID == "" {
		return fmt.Errorf("rule has no id")
	}
	if len(r.When) == 0 {
		return fmt.Errorf("rule %s: no trigger patterns", r.ID)
	}
	if len(r.Then) == 0 {
		return fmt.Errorf("rule %s: no follow-up actions", r.ID)
	}

	declared := make(map[string]bool, len(r.Vars))
	for _, v := range r.Vars {
		declared[v] = true
	}
	check := func(vars []string, where string) error {
		for _, v := range vars {
			if !declared[v] {
				return NewUndeclaredVariableError(r.ID, v, where)
			}
		}
		return nil
	}

	for i, p := range r.When {
		if !reg.Has(p.Action) || p.Action.IsQuery() {
			return NewMissingActionError(r.ID, string(p.Action))
		}
		if err := check(p.Vars(), fmt.Sprintf("when[%d]", i)); err != nil {
			return err
		}
	}
	for i, s := range r.steps {
		if s.Query != "" {
			if _, ok := reg.Query(s.Query); !ok {
				return NewMissingActionError(r.ID, string(s.Query))
			}
		}
		where := fmt.Sprintf("where[%d]", i)
		if err := check(s.Reads(), where); err != nil {
			return err
		}
		if err := check(s.Writes(), where); err != nil {
			return err
		}
	}
	for _, ref := range r.Uses {
		if _, ok := reg.Query(ref); !ok {
			return NewMissingActionError(r.ID, string(ref))
		}
	}
	for i, t := range r.Then {
		if _, ok := reg.Action(t.Action); !ok {
			return NewMissingActionError(r.ID, string(t.Action))
		}
		if err := check(t.Vars(), fmt.Sprintf("then[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

// Phase is the evaluation state of one rule for one completion.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseMatching
	PhaseRefining
	PhaseDispatching
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMatching:
		return "matching"
	case PhaseRefining:
		return "refining"
	case PhaseDispatching:
		return "dispatching"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// next reports whether p may move to to. Matching and Refining may fall
// back to Idle when nothing survives.
func (p Phase) next(to Phase) bool {
	switch p {
	case PhaseIdle:
		return to == PhaseMatching
	case PhaseMatching:
		return to == PhaseRefining || to == PhaseIdle
	case PhaseRefining:
		return to == PhaseDispatching || to == PhaseIdle
	case PhaseDispatching:
		return to == PhaseIdle
	}
	return false
}

// PhaseObserver is called on every phase transition. It may be called
// from several goroutines at once.
type PhaseObserver func(ruleID, completionID string, p Phase)

// evaluation tracks one rule's progress over one completion.
type evaluation struct {
	rule         *Rule
	completionID string
	phase        Phase
	observe      PhaseObserver
	envs         []binding.Env
}

func (ev *evaluation) enter(p Phase) {
	if !ev.phase.next(p) {
		panic(fmt.Sprintf("rule %s: illegal phase transition %s -> %s", ev.rule.ID, ev.phase, p))
	}
	ev.phase = p
	if ev.observe != nil {
		ev.observe(ev.rule.ID, ev.completionID, p)
	}
}
