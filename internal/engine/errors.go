package engine

import (
	"errors"
	"fmt"
	"strings"
)

// RuntimeError is a structured engine failure. Engine code logs these and
// keeps processing; registration returns them to the caller.
type RuntimeError struct {
	Code    RuntimeErrorCode
	Message string

	// FlowToken is the flow the failure occurred in, if any.
	FlowToken string

	// RuleID is the rule involved, if any.
	RuleID string

	// BindingHash identifies the environment involved, if any.
	BindingHash string

	Details map[string]string
}

// RuntimeErrorCode classifies a RuntimeError.
type RuntimeErrorCode string

const (
	// ErrCodeCycleDetected: a rule would fire a binding it already fired
	// earlier in the trigger's causal chain.
	ErrCodeCycleDetected RuntimeErrorCode = "CYCLE_DETECTED"

	// ErrCodeQuotaExceeded: a flow took more steps than allowed.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"

	// ErrCodeMissingAction: a rule or caller referenced an action or
	// query no registered concept provides.
	ErrCodeMissingAction RuntimeErrorCode = "MISSING_ACTION"

	// ErrCodeInvalidBinding: a follow-up template could not be resolved
	// against an environment.
	ErrCodeInvalidBinding RuntimeErrorCode = "INVALID_BINDING"

	// ErrCodeUndeclaredVariable: a rule references a variable it does not
	// declare.
	ErrCodeUndeclaredVariable RuntimeErrorCode = "UNDECLARED_VARIABLE"
)

func (e *RuntimeError) Error() string {
	var ctx []string
	if e.FlowToken != "" {
		ctx = append(ctx, "flow="+e.FlowToken)
	}
	if e.RuleID != "" {
		ctx = append(ctx, "rule="+e.RuleID)
	}
	if len(ctx) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(ctx, ", "))
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Code == code
}

// IsCycleError reports whether err is a CYCLE_DETECTED runtime error.
func IsCycleError(err error) bool {
	return hasCode(err, ErrCodeCycleDetected)
}

// IsQuotaError reports whether err is a quota failure.
func IsQuotaError(err error) bool {
	if hasCode(err, ErrCodeQuotaExceeded) {
		return true
	}
	var se *StepsExceededError
	return errors.As(err, &se)
}

// IsMissingActionError reports whether err is a MISSING_ACTION runtime error.
func IsMissingActionError(err error) bool {
	return hasCode(err, ErrCodeMissingAction)
}

// IsUndeclaredVariableError reports whether err is an UNDECLARED_VARIABLE
// runtime error.
func IsUndeclaredVariableError(err error) bool {
	return hasCode(err, ErrCodeUndeclaredVariable)
}

func NewCycleError(flowToken, ruleID, bindingHash string) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeCycleDetected,
		Message:     "rule would refire a binding from its own causal chain",
		FlowToken:   flowToken,
		RuleID:      ruleID,
		BindingHash: bindingHash,
	}
}

func NewQuotaError(flowToken string, steps, maxSteps int) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeQuotaExceeded,
		Message:   fmt.Sprintf("flow exceeded max steps (%d > %d)", steps, maxSteps),
		FlowToken: flowToken,
		Details: map[string]string{
			"steps":     fmt.Sprintf("%d", steps),
			"max_steps": fmt.Sprintf("%d", maxSteps),
		},
	}
}

func NewMissingActionError(ruleID, ref string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeMissingAction,
		Message: fmt.Sprintf("no concept provides %s", ref),
		RuleID:  ruleID,
		Details: map[string]string{"ref": ref},
	}
}

func NewUndeclaredVariableError(ruleID, variable, where string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUndeclaredVariable,
		Message: fmt.Sprintf("variable %q used in %s is not declared", variable, where),
		RuleID:  ruleID,
		Details: map[string]string{"variable": variable, "where": where},
	}
}

func newInvalidBindingError(flowToken, ruleID, bindingHash string, err error) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeInvalidBinding,
		Message:     err.Error(),
		FlowToken:   flowToken,
		RuleID:      ruleID,
		BindingHash: bindingHash,
	}
}
