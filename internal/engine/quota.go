package engine

import (
	"errors"
	"fmt"
)

// QuotaEnforcer counts completions processed for one flow. Only the engine
// goroutine touches it, so it has no lock.
type QuotaEnforcer struct {
	maxSteps int
	current  int
}

func NewQuotaEnforcer(maxSteps int) *QuotaEnforcer {
	return &QuotaEnforcer{maxSteps: maxSteps}
}

// Check counts one step and fails once the count passes the limit.
func (q *QuotaEnforcer) Check(flowToken string) error {
	q.current++
	if q.current > q.maxSteps {
		return &StepsExceededError{FlowToken: flowToken, Steps: q.current, Limit: q.maxSteps}
	}
	return nil
}

func (q *QuotaEnforcer) Current() int  { return q.current }
func (q *QuotaEnforcer) MaxSteps() int { return q.maxSteps }

// StepsExceededError ends a flow that ran past its step quota.
type StepsExceededError struct {
	FlowToken string
	Steps     int
	Limit     int
}

func (e *StepsExceededError) Error() string {
	return fmt.Sprintf("flow %s exceeded max steps quota: %d steps > %d limit", e.FlowToken, e.Steps, e.Limit)
}

// IsStepsExceededError reports whether err wraps a StepsExceededError.
func IsStepsExceededError(err error) bool {
	var se *StepsExceededError
	return errors.As(err, &se)
}
