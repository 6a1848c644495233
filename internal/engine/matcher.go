package engine

import (
	"sort"

	"github.com/roach88/syncflow/internal/binding"
	"github.com/roach88/syncflow/internal/ir"
)

// matchPattern matches one completed record against p, extending env.
//
// For every field the pattern names: a literal must equal the observed
// value, a bound variable must equal its binding, an unbound variable
// binds. Fields the pattern omits are ignored; a named field the record
// lacks fails the match.
func matchPattern(p ir.Pattern, rec ir.ActionRecord, env binding.Env) (binding.Env, bool) {
	if rec.Action() != p.Action {
		return env, false
	}
	if !p.Outcome.Accepts(rec.Completion.OutputCase) {
		return env, false
	}
	env, ok := matchFields(p.Input, rec.Input(), env)
	if !ok {
		return env, false
	}
	return matchFields(p.Output, rec.Output(), env)
}

func matchFields(terms map[string]ir.Term, observed ir.IRObject, env binding.Env) (binding.Env, bool) {
	fields := make([]string, 0, len(terms))
	for f := range terms {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, f := range fields {
		val, ok := observed[f]
		if !ok {
			return env, false
		}
		t := terms[f]
		switch t.Kind {
		case ir.TermLiteral:
			want := t.Value
			if want == nil {
				want = ir.IRNull{}
			}
			if !ir.Equal(want, val) {
				return env, false
			}
		case ir.TermVar:
			if env, ok = env.With(binding.Var(t.Name), val); !ok {
				return env, false
			}
		case ir.TermWildcard:
		default:
			return env, false
		}
	}
	return env, true
}

// matchRule returns one environment per consistent combination of records
// satisfying every pattern of when, where trigger satisfies at least one
// pattern and the others are satisfied by earlier records of history.
// A record is used at most once per combination.
//
// Only records that completed before trigger count, so a combination is
// found exactly once: when its last record arrives.
func matchRule(when []ir.Pattern, trigger ir.ActionRecord, history []ir.ActionRecord) []binding.Env {
	var earlier []ir.ActionRecord
	for _, rec := range history {
		if rec.Completion.Seq < trigger.Completion.Seq && rec.Completion.ID != trigger.Completion.ID {
			earlier = append(earlier, rec)
		}
	}

	var out []binding.Env
	for i, p := range when {
		env, ok := matchPattern(p, trigger, binding.NewEnv(0))
		if !ok {
			continue
		}
		rest := make([]int, 0, len(when)-1)
		for j := range when {
			if j != i {
				rest = append(rest, j)
			}
		}
		out = joinPatterns(when, rest, earlier, make([]bool, len(earlier)), env, out)
	}
	return out
}

// joinPatterns extends env by matching the patterns named in rest, in
// order, against unused records.
func joinPatterns(when []ir.Pattern, rest []int, records []ir.ActionRecord, used []bool, env binding.Env, out []binding.Env) []binding.Env {
	if len(rest) == 0 {
		return append(out, env)
	}
	p := when[rest[0]]
	for k, rec := range records {
		if used[k] {
			continue
		}
		next, ok := matchPattern(p, rec, env)
		if !ok {
			continue
		}
		used[k] = true
		out = joinPatterns(when, rest[1:], records, used, next, out)
		used[k] = false
	}
	return out
}
