// Package concept defines the contract between the engine and the state
// modules it composes, and the static registry that resolves action
// references to implementations.
package concept

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/syncflow/internal/ir"
)

// ActionFunc runs a mutating action. A business failure is reported by
// returning Fail(msg); any other error is an infrastructure failure.
type ActionFunc func(ctx context.Context, args ir.IRObject) (ir.IRObject, error)

// QueryFunc runs a read-only query and returns zero or more tuples in a
// deterministic order.
type QueryFunc func(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error)

// Concept is an independently owned state module.
type Concept interface {
	Name() string
	Actions() map[string]ActionFunc
	Queries() map[string]QueryFunc
}

// ActionError is a business failure. The engine records it as an error
// outcome {error: Message}.
type ActionError struct {
	Message string
}

func (e *ActionError) Error() string {
	return e.Message
}

// Fail returns an ActionError with the given message.
func Fail(msg string) error {
	return &ActionError{Message: msg}
}

// Failf is Fail with formatting.
func Failf(format string, args ...any) error {
	return &ActionError{Message: fmt.Sprintf(format, args...)}
}

// AsFailure extracts an ActionError from err.
func AsFailure(err error) (*ActionError, bool) {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Static is a Concept assembled from maps. Handy for tests and small
// adapters.
type Static struct {
	ConceptName string
	ActionFuncs map[string]ActionFunc
	QueryFuncs  map[string]QueryFunc
}

func (s *Static) Name() string { return s.ConceptName }
func (s *Static) Actions() map[string]ActionFunc { return s.ActionFuncs }
func (s *Static) Queries() map[string]QueryFunc { return s.QueryFuncs }
