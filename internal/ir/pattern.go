package ir

import (
	"encoding/json"
	"fmt"
	"sort"
)

// TermKind discriminates the three kinds of pattern term.
type TermKind string

const (
	TermLiteral  TermKind = "lit"
	TermVar      TermKind = "var"
	TermWildcard TermKind = "any"
)

// Term is a pattern or template position: a literal value, a variable,
// or a wildcard.
type Term struct {
	Kind  TermKind
	Value IRValue
	Name  string
}

// Lit returns a literal term.
func Lit(v IRValue) Term { return Term{Kind: TermLiteral, Value: v} }

// Var returns a variable term.
func Var(name string) Term { return Term{Kind: TermVar, Name: name} }

// Wildcard returns a term that matches anything and binds nothing.
func Wildcard() Term { return Term{Kind: TermWildcard} }

// IsVar reports whether t is a variable term.
func (t Term) IsVar() bool { return t.Kind == TermVar }

func (t Term) String() string {
	switch t.Kind {
	case TermVar:
		return "?" + t.Name
	case TermWildcard:
		return "_"
	case TermLiteral:
		b, err := MarshalIRValue(t.Value)
		if err != nil {
			return "<invalid>"
		}
		return string(b)
	default:
		return "<unknown>"
	}
}

// MarshalJSON encodes terms as {"var": name}, {"lit": value} or {"any": true}.
func (t Term) MarshalJSON() ([]byte, error) {
	switch t.Kind {
	case TermVar:
		return json.Marshal(map[string]string{"var": t.Name})
	case TermWildcard:
		return []byte(`{"any":true}`), nil
	case TermLiteral:
		vb, err := MarshalIRValue(t.Value)
		if err != nil {
			return nil, err
		}
		return append(append([]byte(`{"lit":`), vb...), '}'), nil
	default:
		return nil, fmt.Errorf("unknown term kind %q", t.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Term) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("term: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("term: want exactly one of var, lit, any; got %d keys", len(raw))
	}
	if v, ok := raw["var"]; ok {
		var name string
		if err := json.Unmarshal(v, &name); err != nil {
			return fmt.Errorf("term var: %w", err)
		}
		*t = Var(name)
		return nil
	}
	if v, ok := raw["lit"]; ok {
		val, err := UnmarshalIRValue(v)
		if err != nil {
			return fmt.Errorf("term lit: %w", err)
		}
		*t = Lit(val)
		return nil
	}
	if _, ok := raw["any"]; ok {
		*t = Wildcard()
		return nil
	}
	return fmt.Errorf("term: unknown form %s", string(data))
}

// Outcome selects which completions a pattern accepts.
type Outcome string

const (
	// OutcomeSuccess matches only non-error completions. It is the default.
	OutcomeSuccess Outcome = "success"
	// OutcomeError matches only error completions; Output is matched
	// against {error: <message>}.
	OutcomeError Outcome = "error"
	// OutcomeAny matches either.
	OutcomeAny Outcome = "any"
)

// Accepts reports whether a completion with the given output case passes
// the outcome filter.
func (o Outcome) Accepts(outputCase string) bool {
	switch o {
	case OutcomeAny:
		return true
	case OutcomeError:
		return outputCase == CaseError
	default:
		return outputCase != CaseError
	}
}

// Pattern is a trigger pattern over one completed action.
type Pattern struct {
	Action  ActionRef       `json:"action"`
	Input   map[string]Term `json:"input,omitempty"`
	Output  map[string]Term `json:"output,omitempty"`
	Outcome Outcome         `json:"outcome,omitempty"`
}

// Vars returns the variables referenced by the pattern, sorted.
func (p Pattern) Vars() []string {
	return termVars(p.Input, p.Output)
}

// ActionTemplate is a follow-up invocation. Variables in Args are
// substituted from the environment at dispatch time.
type ActionTemplate struct {
	Action ActionRef       `json:"action"`
	Args   map[string]Term `json:"args"`
}

// Vars returns the variables referenced by the template, sorted.
func (t ActionTemplate) Vars() []string {
	return termVars(t.Args)
}

// StepKind names a refinement step.
type StepKind string

const (
	StepQuery    StepKind = "query"
	StepOptional StepKind = "optional"
	StepAbsent   StepKind = "absent"
	StepFilter   StepKind = "filter"
	StepCollect  StepKind = "collect"
	StepBind     StepKind = "bind"
	StepRecord   StepKind = "record"
)

// Step is one declarative refinement operation. Which fields apply depends
// on Kind:
//
//	query, optional: Query, In, Out
//	absent:          Query, In
//	filter:          Condition
//	collect:         GroupBy, Source, As
//	bind:            As, Value
//	record:          As, Fields
type Step struct {
	Kind      StepKind          `json:"kind"`
	Query     ActionRef         `json:"query,omitempty"`
	In        map[string]Term   `json:"in,omitempty"`
	Out       map[string]string `json:"out,omitempty"`
	Condition *Condition        `json:"condition,omitempty"`
	GroupBy   []string          `json:"group_by,omitempty"`
	Source    string            `json:"source,omitempty"`
	As        string            `json:"as,omitempty"`
	Value     *Term             `json:"value,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Reads returns the variables a step requires to be bound, sorted.
func (s Step) Reads() []string {
	switch s.Kind {
	case StepQuery, StepOptional, StepAbsent:
		return termVars(s.In)
	case StepFilter:
		if s.Condition == nil {
			return nil
		}
		vars := []string{s.Condition.Left}
		if s.Condition.Right.IsVar() && s.Condition.Right.Name != s.Condition.Left {
			vars = append(vars, s.Condition.Right.Name)
		}
		sort.Strings(vars)
		return vars
	case StepCollect:
		return uniqueSorted(append(append([]string{}, s.GroupBy...), s.Source))
	case StepRecord:
		vars := make([]string, 0, len(s.Fields))
		for _, v := range s.Fields {
			vars = append(vars, v)
		}
		return uniqueSorted(vars)
	default:
		return nil
	}
}

// Writes returns the variables a step binds, sorted.
func (s Step) Writes() []string {
	switch s.Kind {
	case StepQuery, StepOptional:
		vars := make([]string, 0, len(s.Out))
		for _, v := range s.Out {
			vars = append(vars, v)
		}
		return uniqueSorted(vars)
	case StepCollect, StepBind, StepRecord:
		return []string{s.As}
	default:
		return nil
	}
}

// Comparison operators for filter steps.
const (
	OpEq = "=="
	OpNe = "!="
)

// Condition is a filter predicate: Left is a variable, Right a variable or
// literal.
type Condition struct {
	Left  string `json:"left"`
	Op    string `json:"op"`
	Right Term   `json:"right"`
}

func termVars(maps ...map[string]Term) []string {
	var vars []string
	for _, m := range maps {
		for _, t := range m {
			if t.IsVar() {
				vars = append(vars, t.Name)
			}
		}
	}
	return uniqueSorted(vars)
}

func uniqueSorted(vars []string) []string {
	sort.Strings(vars)
	out := vars[:0]
	for i, v := range vars {
		if i > 0 && v == vars[i-1] {
			continue
		}
		out = append(out, v)
	}
	return out
}
