package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncflow/internal/ir"
)

func TestReadFlowEventsMerged(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	inv, comp := writeCompleted(t, s, "flow-1", "A.b", ir.IRObject{}, ir.IRObject{}, 1)

	events, err := s.ReadFlowEvents(ctx, "flow-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventInvocation, events[0].Type)
	assert.Equal(t, inv.ID, events[0].ID)
	assert.Equal(t, EventCompletion, events[1].Type)
	assert.Equal(t, comp.ID, events[1].Completion.ID)
	assert.Equal(t, "completion", events[1].Type.String())
}

func TestPendingInvocationsAndLastSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seq, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	writeCompleted(t, s, "flow-1", "A.done", ir.IRObject{}, ir.IRObject{}, 1)
	pending := testInvocation("flow-2", "A.open", ir.IRObject{}, 7)
	require.NoError(t, s.WriteInvocation(ctx, pending))

	open, err := s.PendingInvocations(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, pending.ID, open[0].ID)

	seq, err = s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)

	tokens, err := s.ListFlowTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"flow-1", "flow-2"}, tokens)
}
