package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCycleDetector_FollowsCausalChain(t *testing.T) {
	c := NewCycleDetector()
	assert.False(t, c.WouldCycle("flow-1", "inv-1", "rule-a", "h1"))

	// inv-1 (external) -> rule-a/h1 -> inv-2 -> rule-b/h2 -> inv-3
	c.Record("flow-1", "inv-1", "rule-a", "h1", []string{"inv-2"})
	c.Record("flow-1", "inv-2", "rule-b", "h2", []string{"inv-3"})

	assert.True(t, c.WouldCycle("flow-1", "inv-2", "rule-a", "h1"))
	assert.True(t, c.WouldCycle("flow-1", "inv-3", "rule-a", "h1"))
	assert.True(t, c.WouldCycle("flow-1", "inv-3", "rule-b", "h2"))

	// Not on the chain: the external invocation, another binding, another
	// flow.
	assert.False(t, c.WouldCycle("flow-1", "inv-1", "rule-a", "h1"))
	assert.False(t, c.WouldCycle("flow-1", "inv-3", "rule-a", "h2"))
	assert.False(t, c.WouldCycle("flow-2", "inv-3", "rule-a", "h1"))
}

func TestCycleDetector_SiblingsDoNotCycle(t *testing.T) {
	c := NewCycleDetector()
	// One firing produced two invocations; each triggers rule-b with an
	// equal binding.
	c.Record("flow-1", "inv-1", "rule-a", "h1", []string{"inv-2", "inv-3"})
	require.False(t, c.WouldCycle("flow-1", "inv-2", "rule-b", "h2"))
	c.Record("flow-1", "inv-2", "rule-b", "h2", []string{"inv-4"})

	assert.False(t, c.WouldCycle("flow-1", "inv-3", "rule-b", "h2"))
	assert.True(t, c.WouldCycle("flow-1", "inv-4", "rule-b", "h2"))
}

func TestCycleDetector_Clear(t *testing.T) {
	c := NewCycleDetector()
	c.Record("flow-1", "inv-1", "rule-a", "h1", []string{"inv-2"})
	c.Record("flow-1", "inv-2", "rule-a", "h2", []string{"inv-3"})
	c.Record("flow-2", "inv-9", "rule-a", "h1", []string{"inv-10"})
	assert.Equal(t, 2, c.FlowCount())
	assert.Equal(t, 2, c.FlowHistorySize("flow-1"))

	c.Clear("flow-1")
	assert.False(t, c.WouldCycle("flow-1", "inv-2", "rule-a", "h1"))
	assert.True(t, c.WouldCycle("flow-2", "inv-10", "rule-a", "h1"))
	assert.Equal(t, 1, c.FlowCount())
	assert.Equal(t, 0, c.FlowHistorySize("flow-1"))
}

func TestRuntimeErrors(t *testing.T) {
	cycle := NewCycleError("flow-1", "rule-a", "h1")
	assert.Equal(t, "CYCLE_DETECTED: rule would refire a binding from its own causal chain (flow=flow-1, rule=rule-a)", cycle.Error())
	assert.True(t, IsCycleError(fmt.Errorf("wrapped: %w", cycle)))
	assert.False(t, IsQuotaError(cycle))

	quota := NewQuotaError("flow-1", 11, 10)
	assert.True(t, IsQuotaError(quota))
	assert.Equal(t, "10", quota.Details["max_steps"])
	assert.True(t, IsQuotaError(&StepsExceededError{FlowToken: "f", Steps: 2, Limit: 1}))

	missing := NewMissingActionError("rule-a", "Nope.act")
	assert.True(t, IsMissingActionError(missing))
	assert.Equal(t, "MISSING_ACTION: no concept provides Nope.act (rule=rule-a)", missing.Error())

	undeclared := NewUndeclaredVariableError("rule-a", "x", "then[0]")
	assert.True(t, IsUndeclaredVariableError(undeclared))
	assert.False(t, IsUndeclaredVariableError(errors.New("plain")))
}
