package compiler

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"cuelang.org/go/cue"

	"github.com/roach88/syncflow/internal/ir"
)

// identPattern matches variable names.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// stepKinds lists the keys that select a where step's kind, in the order
// they are tried.
var stepKinds = []ir.StepKind{
	ir.StepQuery, ir.StepOptional, ir.StepAbsent, ir.StepFilter,
	ir.StepCollect, ir.StepBind, ir.StepRecord,
}

// CompileRules compiles every rule under the top-level sync struct, in
// source order.
//
//	sync: "friend-request": {
//		when: [{action: "Requesting.request", input: {path: "/friending/request", session: "$session"}, output: {request: "$request"}}]
//		where: [{query: "Sessioning._getUser", in: {session: "$session"}, out: {user: "$user"}}]
//		then: [{action: "Friending.requestFriend", args: {requester: "$user", requestee: "$target"}}]
//	}
func CompileRules(v cue.Value) ([]ir.RuleSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	syncVal := v.LookupPath(cue.ParsePath("sync"))
	if !syncVal.Exists() {
		return nil, nil
	}
	iter, err := syncVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var rules []ir.RuleSpec
	for iter.Next() {
		rule, err := CompileSync(iter.Value())
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, nil
}

// CompileSync parses one rule. The rule ID is the value's struct label.
//
// Terms are written as CUE values: "$name" is a variable, "_" is a
// wildcard, "$$..." is a string literal starting with "$", and anything
// else is a literal. When vars is omitted it is inferred from the rule.
func CompileSync(v cue.Value) (*ir.RuleSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	rule := &ir.RuleSpec{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		rule.ID = strings.Trim(labels[len(labels)-1].String(), `"`)
	}

	whenVal := v.LookupPath(cue.ParsePath("when"))
	if !whenVal.Exists() {
		return nil, &CompileError{Field: "when", Message: "when is required", Pos: v.Pos()}
	}
	err := eachElem(whenVal, "when", func(i int, elem cue.Value) error {
		p, err := parsePattern(elem, fmt.Sprintf("when[%d]", i))
		if err != nil {
			return err
		}
		rule.When = append(rule.When, p)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if whereVal := v.LookupPath(cue.ParsePath("where")); whereVal.Exists() {
		err := eachElem(whereVal, "where", func(i int, elem cue.Value) error {
			s, err := parseStep(elem, fmt.Sprintf("where[%d]", i))
			if err != nil {
				return err
			}
			rule.Where = append(rule.Where, s)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	thenVal := v.LookupPath(cue.ParsePath("then"))
	if !thenVal.Exists() {
		return nil, &CompileError{Field: "then", Message: "then is required", Pos: v.Pos()}
	}
	err = eachElem(thenVal, "then", func(i int, elem cue.Value) error {
		t, err := parseTemplate(elem, fmt.Sprintf("then[%d]", i))
		if err != nil {
			return err
		}
		rule.Then = append(rule.Then, t)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if varsVal := v.LookupPath(cue.ParsePath("vars")); varsVal.Exists() {
		err := eachElem(varsVal, "vars", func(i int, elem cue.Value) error {
			name, err := elem.String()
			if err != nil {
				return formatCUEError(err)
			}
			if !identPattern.MatchString(name) {
				return &CompileError{
					Field:   fmt.Sprintf("vars[%d]", i),
					Message: fmt.Sprintf("invalid variable name %q", name),
					Pos:     elem.Pos(),
				}
			}
			rule.Vars = append(rule.Vars, name)
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		rule.Vars = inferVars(rule)
	}

	return rule, nil
}

// eachElem calls fn for every element of the list v.
func eachElem(v cue.Value, field string, fn func(int, cue.Value) error) error {
	if v.IncompleteKind() != cue.ListKind {
		return &CompileError{Field: field, Message: "must be a list", Pos: v.Pos()}
	}
	iter, err := v.List()
	if err != nil {
		return formatCUEError(err)
	}
	for i := 0; iter.Next(); i++ {
		if err := fn(i, iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func parsePattern(v cue.Value, field string) (ir.Pattern, error) {
	var p ir.Pattern
	action, err := parseActionRef(v, field)
	if err != nil {
		return p, err
	}
	p.Action = action
	if p.Input, err = parseTermMap(v.LookupPath(cue.ParsePath("input")), field+".input"); err != nil {
		return p, err
	}
	if p.Output, err = parseTermMap(v.LookupPath(cue.ParsePath("output")), field+".output"); err != nil {
		return p, err
	}
	if outcomeVal := v.LookupPath(cue.ParsePath("outcome")); outcomeVal.Exists() {
		s, err := outcomeVal.String()
		if err != nil {
			return p, formatCUEError(err)
		}
		switch o := ir.Outcome(s); o {
		case ir.OutcomeSuccess, ir.OutcomeError, ir.OutcomeAny:
			p.Outcome = o
		default:
			return p, &CompileError{
				Field:   field + ".outcome",
				Message: fmt.Sprintf("invalid outcome %q, must be \"success\", \"error\" or \"any\"", s),
				Pos:     outcomeVal.Pos(),
			}
		}
	}
	return p, nil
}

func parseTemplate(v cue.Value, field string) (ir.ActionTemplate, error) {
	var t ir.ActionTemplate
	action, err := parseActionRef(v, field)
	if err != nil {
		return t, err
	}
	t.Action = action
	t.Args, err = parseTermMap(v.LookupPath(cue.ParsePath("args")), field+".args")
	if err != nil {
		return t, err
	}
	if t.Args == nil {
		t.Args = map[string]ir.Term{}
	}
	return t, nil
}

func parseActionRef(v cue.Value, field string) (ir.ActionRef, error) {
	actionVal := v.LookupPath(cue.ParsePath("action"))
	if !actionVal.Exists() {
		return "", &CompileError{Field: field + ".action", Message: "action is required", Pos: v.Pos()}
	}
	return refValue(actionVal, field+".action")
}

func refValue(v cue.Value, field string) (ir.ActionRef, error) {
	s, err := v.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	ref, err := ir.ParseActionRef(s)
	if err != nil {
		return "", &CompileError{Field: field, Message: err.Error(), Pos: v.Pos()}
	}
	return ref, nil
}

// parseStep reads a where step. Exactly one kind key must be present.
func parseStep(v cue.Value, field string) (ir.Step, error) {
	var step ir.Step
	var kindVal cue.Value
	for _, kind := range stepKinds {
		kv := v.LookupPath(cue.MakePath(cue.Str(string(kind))))
		if !kv.Exists() {
			continue
		}
		if step.Kind != "" {
			return step, &CompileError{
				Field:   field,
				Message: fmt.Sprintf("step has both %s and %s", step.Kind, kind),
				Pos:     kv.Pos(),
			}
		}
		step.Kind = kind
		kindVal = kv
	}
	if step.Kind == "" {
		return step, &CompileError{
			Field:   field,
			Message: "step needs one of query, optional, absent, filter, collect, bind or record",
			Pos:     v.Pos(),
		}
	}

	var err error
	switch step.Kind {
	case ir.StepQuery, ir.StepOptional, ir.StepAbsent:
		if step.Query, err = refValue(kindVal, field+"."+string(step.Kind)); err != nil {
			return step, err
		}
		if step.In, err = parseTermMap(v.LookupPath(cue.ParsePath("in")), field+".in"); err != nil {
			return step, err
		}
		if step.Kind != ir.StepAbsent {
			if step.Out, err = parseVarMap(v.LookupPath(cue.ParsePath("out")), field+".out"); err != nil {
				return step, err
			}
		}

	case ir.StepFilter:
		cond := &ir.Condition{Op: ir.OpEq}
		if cond.Left, err = varValue(kindVal.LookupPath(cue.ParsePath("left")), field+".filter.left"); err != nil {
			return step, err
		}
		if opVal := kindVal.LookupPath(cue.ParsePath("op")); opVal.Exists() {
			if cond.Op, err = opVal.String(); err != nil {
				return step, formatCUEError(err)
			}
			if cond.Op != ir.OpEq && cond.Op != ir.OpNe {
				return step, &CompileError{
					Field:   field + ".filter.op",
					Message: fmt.Sprintf("unsupported operator %q", cond.Op),
					Pos:     opVal.Pos(),
				}
			}
		}
		rightVal := kindVal.LookupPath(cue.ParsePath("right"))
		if !rightVal.Exists() {
			return step, &CompileError{Field: field + ".filter.right", Message: "right is required", Pos: kindVal.Pos()}
		}
		if cond.Right, err = parseTerm(rightVal, field+".filter.right"); err != nil {
			return step, err
		}
		step.Condition = cond

	case ir.StepCollect:
		if step.Source, err = varValue(kindVal, field+".collect"); err != nil {
			return step, err
		}
		if byVal := v.LookupPath(cue.ParsePath("by")); byVal.Exists() {
			err = eachElem(byVal, field+".by", func(i int, elem cue.Value) error {
				name, err := varValue(elem, fmt.Sprintf("%s.by[%d]", field, i))
				if err != nil {
					return err
				}
				step.GroupBy = append(step.GroupBy, name)
				return nil
			})
			if err != nil {
				return step, err
			}
		}
		if step.As, err = varValue(v.LookupPath(cue.ParsePath("as")), field+".as"); err != nil {
			return step, err
		}

	case ir.StepBind:
		if step.As, err = varValue(kindVal, field+".bind"); err != nil {
			return step, err
		}
		valueVal := v.LookupPath(cue.ParsePath("value"))
		if !valueVal.Exists() {
			return step, &CompileError{Field: field + ".value", Message: "value is required", Pos: v.Pos()}
		}
		val, err := parseValue(valueVal, field+".value")
		if err != nil {
			return step, err
		}
		lit := ir.Lit(val)
		step.Value = &lit

	case ir.StepRecord:
		if step.As, err = varValue(kindVal, field+".record"); err != nil {
			return step, err
		}
		if step.Fields, err = parseVarMap(v.LookupPath(cue.ParsePath("fields")), field+".fields"); err != nil {
			return step, err
		}
	}
	return step, nil
}

// parseTermMap reads an optional struct of terms. A missing struct yields nil.
func parseTermMap(v cue.Value, field string) (map[string]ir.Term, error) {
	if !v.Exists() {
		return nil, nil
	}
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	terms := make(map[string]ir.Term)
	for iter.Next() {
		name := iter.Label()
		t, err := parseTerm(iter.Value(), field+"."+name)
		if err != nil {
			return nil, err
		}
		terms[name] = t
	}
	return terms, nil
}

// parseVarMap reads a struct whose values are all variables.
func parseVarMap(v cue.Value, field string) (map[string]string, error) {
	if !v.Exists() {
		return nil, nil
	}
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	vars := make(map[string]string)
	for iter.Next() {
		name := iter.Label()
		vv, err := varValue(iter.Value(), field+"."+name)
		if err != nil {
			return nil, err
		}
		vars[name] = vv
	}
	return vars, nil
}

// varValue reads a "$name" variable reference and returns the name.
func varValue(v cue.Value, field string) (string, error) {
	if !v.Exists() {
		return "", &CompileError{Field: field, Message: "variable is required", Pos: v.Pos()}
	}
	t, err := parseTerm(v, field)
	if err != nil {
		return "", err
	}
	if !t.IsVar() {
		return "", &CompileError{
			Field:   field,
			Message: fmt.Sprintf("want a variable like \"$name\", got %s", t),
			Pos:     v.Pos(),
		}
	}
	return t.Name, nil
}

func parseTerm(v cue.Value, field string) (ir.Term, error) {
	if v.Kind() == cue.StringKind {
		s, err := v.String()
		if err != nil {
			return ir.Term{}, formatCUEError(err)
		}
		switch {
		case s == "_":
			return ir.Wildcard(), nil
		case strings.HasPrefix(s, "$$"):
			return ir.Lit(ir.IRString(s[1:])), nil
		case strings.HasPrefix(s, "$"):
			name := s[1:]
			if !identPattern.MatchString(name) {
				return ir.Term{}, &CompileError{
					Field:   field,
					Message: fmt.Sprintf("invalid variable name %q", name),
					Pos:     v.Pos(),
				}
			}
			return ir.Var(name), nil
		}
		return ir.Lit(ir.IRString(s)), nil
	}
	val, err := parseValue(v, field)
	if err != nil {
		return ir.Term{}, err
	}
	return ir.Lit(val), nil
}

// parseValue converts a concrete CUE value. Floats are rejected.
func parseValue(v cue.Value, field string) (ir.IRValue, error) {
	switch v.Kind() {
	case cue.NullKind:
		return ir.IRNull{}, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRBool(b), nil
	case cue.IntKind:
		i, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRInt(i), nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRString(s), nil
	case cue.ListKind:
		arr := ir.IRArray{}
		err := eachElem(v, field, func(i int, elem cue.Value) error {
			item, err := parseValue(elem, fmt.Sprintf("%s[%d]", field, i))
			if err != nil {
				return err
			}
			arr = append(arr, item)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		obj := ir.IRObject{}
		for iter.Next() {
			item, err := parseValue(iter.Value(), field+"."+iter.Label())
			if err != nil {
				return nil, err
			}
			obj[iter.Label()] = item
		}
		return obj, nil
	case cue.FloatKind:
		return nil, &CompileError{Field: field, Message: "float values are not allowed, use int", Pos: v.Pos()}
	default:
		return nil, &CompileError{Field: field, Message: "value must be concrete", Pos: v.Pos()}
	}
}

// inferVars collects every variable a rule mentions, sorted.
func inferVars(rule *ir.RuleSpec) []string {
	seen := make(map[string]bool)
	add := func(vars []string) {
		for _, v := range vars {
			seen[v] = true
		}
	}
	for _, p := range rule.When {
		add(p.Vars())
	}
	for _, s := range rule.Where {
		add(s.Reads())
		add(s.Writes())
	}
	for _, t := range rule.Then {
		add(t.Vars())
	}
	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}
