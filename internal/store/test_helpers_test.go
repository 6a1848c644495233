package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/syncflow/internal/ir"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testInvocation(flowToken string, action ir.ActionRef, args ir.IRObject, seq int64) ir.Invocation {
	return ir.Invocation{
		ID:            ir.MustInvocationID(flowToken, action, args, seq),
		FlowToken:     flowToken,
		ActionURI:     action,
		Args:          args,
		Seq:           seq,
		EngineVersion: ir.EngineVersion,
		IRVersion:     ir.IRVersion,
	}
}

func testCompletion(inv ir.Invocation, outputCase string, result ir.IRObject, seq int64) ir.Completion {
	return ir.Completion{
		ID:           ir.MustCompletionID(inv.ID, outputCase, result, seq),
		InvocationID: inv.ID,
		OutputCase:   outputCase,
		Result:       result,
		Seq:          seq,
	}
}

// writeCompleted writes an invocation and its successful completion.
func writeCompleted(t *testing.T, s *Store, flowToken string, action ir.ActionRef, args, result ir.IRObject, seq int64) (ir.Invocation, ir.Completion) {
	t.Helper()
	ctx := context.Background()
	inv := testInvocation(flowToken, action, args, seq)
	if err := s.WriteInvocation(ctx, inv); err != nil {
		t.Fatalf("WriteInvocation() failed: %v", err)
	}
	comp := testCompletion(inv, ir.CaseSuccess, result, seq+1)
	if err := s.WriteCompletion(ctx, comp); err != nil {
		t.Fatalf("WriteCompletion() failed: %v", err)
	}
	return inv, comp
}
