package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/syncflow/internal/ir"
)

// Validation error codes (E110-E119)
const (
	ErrInvalidActionRef       = "E110" // invalid action reference format
	ErrInvalidOutcome         = "E111" // invalid pattern outcome
	ErrInvalidWhereClause     = "E112" // invalid where step
	ErrInvalidThenClause      = "E113" // invalid then template
	ErrUndefinedBoundVariable = "E114" // variable not declared in vars
	ErrMissingSyncClause      = "E115" // missing id, when or then
	ErrUnboundVariable        = "E116" // variable read before anything binds it
	ErrDuplicateRuleID        = "E117" // two rules share an id
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidateRules validates every rule and rejects duplicate IDs.
// Returns all errors found (does not fail-fast).
func ValidateRules(rules []ir.RuleSpec) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if rule.ID != "" && seen[rule.ID] {
			errs = append(errs, ValidationError{
				Field:   "sync." + rule.ID,
				Message: fmt.Sprintf("duplicate rule id %q", rule.ID),
				Code:    ErrDuplicateRuleID,
			})
		}
		seen[rule.ID] = true
		for _, e := range Validate(rule) {
			if rule.ID != "" {
				e.Field = rule.ID + "." + e.Field
			}
			errs = append(errs, e)
		}
	}
	return errs
}

// Validate checks one rule's structure without consulting a registry:
// reference formats, step shapes, and that variables are declared and
// bound before they are read. Registry checks happen at registration.
func Validate(rule ir.RuleSpec) []ValidationError {
	var errs []ValidationError
	fail := func(code, field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Code: code})
	}

	if strings.TrimSpace(rule.ID) == "" {
		fail(ErrMissingSyncClause, "id", "rule id is required")
	}
	if len(rule.When) == 0 {
		fail(ErrMissingSyncClause, "when", "at least one when pattern is required")
	}
	if len(rule.Then) == 0 {
		fail(ErrMissingSyncClause, "then", "at least one then action is required")
	}

	declared := make(map[string]bool, len(rule.Vars))
	for _, v := range rule.Vars {
		declared[v] = true
	}
	bound := make(map[string]bool)
	undeclared := func(field string, vars []string) {
		for _, v := range vars {
			if !declared[v] {
				fail(ErrUndefinedBoundVariable, field, "variable %q is not declared in vars", v)
			}
		}
	}
	unbound := func(field string, vars []string) {
		for _, v := range vars {
			if !bound[v] {
				fail(ErrUnboundVariable, field, "variable %q is read before it is bound", v)
			}
		}
	}

	for i, p := range rule.When {
		field := fmt.Sprintf("when[%d]", i)
		if !isValidActionRef(string(p.Action)) {
			fail(ErrInvalidActionRef, field+".action", "invalid action reference %q, expected format \"Concept.action\"", p.Action)
		} else if p.Action.IsQuery() {
			fail(ErrInvalidActionRef, field+".action", "%s is a query; patterns match actions", p.Action)
		}
		switch p.Outcome {
		case "", ir.OutcomeSuccess, ir.OutcomeError, ir.OutcomeAny:
		default:
			fail(ErrInvalidOutcome, field+".outcome", "invalid outcome %q", p.Outcome)
		}
		undeclared(field, p.Vars())
		for _, v := range p.Vars() {
			bound[v] = true
		}
	}

	for i, s := range rule.Where {
		field := fmt.Sprintf("where[%d]", i)
		validateStep(s, field, fail)
		undeclared(field, s.Reads())
		undeclared(field, s.Writes())
		unbound(field, s.Reads())
		for _, v := range s.Writes() {
			bound[v] = true
		}
	}

	for i, t := range rule.Then {
		field := fmt.Sprintf("then[%d]", i)
		if !isValidActionRef(string(t.Action)) {
			fail(ErrInvalidActionRef, field+".action", "invalid action reference %q, expected format \"Concept.action\"", t.Action)
		} else if t.Action.IsQuery() {
			fail(ErrInvalidThenClause, field+".action", "%s is a query; then dispatches actions", t.Action)
		}
		for name, arg := range t.Args {
			if arg.Kind == ir.TermWildcard {
				fail(ErrInvalidThenClause, field+".args."+name, "wildcards cannot be dispatched")
			}
		}
		undeclared(field, t.Vars())
		unbound(field, t.Vars())
	}

	return errs
}

func validateStep(s ir.Step, field string, fail func(code, field, format string, args ...any)) {
	switch s.Kind {
	case ir.StepQuery, ir.StepOptional, ir.StepAbsent:
		if !isValidActionRef(string(s.Query)) || !s.Query.IsQuery() {
			fail(ErrInvalidWhereClause, field+".query", "invalid query reference %q, expected \"Concept._query\"", s.Query)
		}
		for name, t := range s.In {
			if t.Kind == ir.TermWildcard {
				fail(ErrInvalidWhereClause, field+".in."+name, "query inputs cannot be wildcards")
			}
		}
		if s.Kind != ir.StepAbsent && len(s.Out) == 0 {
			fail(ErrInvalidWhereClause, field+".out", "%s step binds nothing", s.Kind)
		}
	case ir.StepFilter:
		if s.Condition == nil {
			fail(ErrInvalidWhereClause, field+".filter", "filter needs a condition")
			return
		}
		if s.Condition.Op != ir.OpEq && s.Condition.Op != ir.OpNe {
			fail(ErrInvalidWhereClause, field+".filter.op", "unsupported operator %q", s.Condition.Op)
		}
		if s.Condition.Right.Kind == ir.TermWildcard {
			fail(ErrInvalidWhereClause, field+".filter.right", "cannot compare with a wildcard")
		}
	case ir.StepCollect:
		if s.Source == "" || s.As == "" {
			fail(ErrInvalidWhereClause, field, "collect needs a source and as")
		}
	case ir.StepBind:
		if s.As == "" {
			fail(ErrInvalidWhereClause, field+".bind", "bind needs a variable")
		}
		if s.Value == nil || s.Value.Kind != ir.TermLiteral {
			fail(ErrInvalidWhereClause, field+".value", "bind needs a literal value")
		}
	case ir.StepRecord:
		if s.As == "" {
			fail(ErrInvalidWhereClause, field+".record", "record needs a variable")
		}
	default:
		fail(ErrInvalidWhereClause, field, "unknown step kind %q", s.Kind)
	}
}

// actionRefPattern matches "Concept.action" and "Concept._query".
var actionRefPattern = regexp.MustCompile(`^[A-Z][a-zA-Z0-9]*\._?[a-z][a-zA-Z0-9]*$`)

func isValidActionRef(ref string) bool {
	return actionRefPattern.MatchString(ref)
}
