package binding

import (
	"context"
	"fmt"

	"github.com/roach88/syncflow/internal/ir"
)

// Apply runs declarative refinement steps over in, in order.
func Apply(ctx context.Context, q Querier, in Set, steps []ir.Step) (Set, error) {
	cur := in
	for i, step := range steps {
		next, err := applyStep(ctx, q, cur, step)
		if err != nil {
			return Set{}, fmt.Errorf("step %d (%s): %w", i, step.Kind, err)
		}
		cur = next
	}
	return cur, nil
}

func applyStep(ctx context.Context, q Querier, s Set, step ir.Step) (Set, error) {
	switch step.Kind {
	case ir.StepQuery:
		return s.Query(ctx, q, step.Query, step.In, outVars(step.Out))
	case ir.StepOptional:
		return s.LeftJoin(ctx, q, step.Query, step.In, outVars(step.Out), ir.IRNull{})
	case ir.StepAbsent:
		return s.Absent(ctx, q, step.Query, step.In)
	case ir.StepFilter:
		if step.Condition == nil {
			return Set{}, fmt.Errorf("filter without condition")
		}
		return filterCondition(s, *step.Condition)
	case ir.StepCollect:
		group := make([]Var, len(step.GroupBy))
		for i, g := range step.GroupBy {
			group[i] = Var(g)
		}
		return s.CollectAs(group, Var(step.Source), Var(step.As))
	case ir.StepBind:
		if step.Value == nil || step.Value.Kind != ir.TermLiteral {
			return Set{}, fmt.Errorf("bind %q needs a literal value", step.As)
		}
		return s.Bind(Var(step.As), step.Value.Value)
	case ir.StepRecord:
		fields := make(map[string]Var, len(step.Fields))
		for k, v := range step.Fields {
			fields[k] = Var(v)
		}
		return s.Record(Var(step.As), fields)
	default:
		return Set{}, fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func filterCondition(s Set, cond ir.Condition) (Set, error) {
	if cond.Op != ir.OpEq && cond.Op != ir.OpNe {
		return Set{}, fmt.Errorf("unsupported operator %q", cond.Op)
	}
	for _, env := range s.envs {
		if !env.Has(Var(cond.Left)) {
			return Set{}, fmt.Errorf("variable %q is not bound", cond.Left)
		}
		if _, err := env.Resolve(cond.Right); err != nil {
			return Set{}, err
		}
	}
	return s.Filter(func(env Env) bool {
		left, _ := env.Get(Var(cond.Left))
		right, _ := env.Resolve(cond.Right)
		eq := ir.Equal(left, right)
		if cond.Op == ir.OpNe {
			return !eq
		}
		return eq
	}), nil
}

func outVars(out map[string]string) map[string]Var {
	vars := make(map[string]Var, len(out))
	for field, v := range out {
		vars[field] = Var(v)
	}
	return vars
}
