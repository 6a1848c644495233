package harness

import "github.com/roach88/syncflow/internal/ir"

// Trace event types.
const (
	EventInvocation = "invocation"
	EventCompletion = "completion"
)

// TraceEvent is one record of a run, an invocation or a completion.
type TraceEvent struct {
	Type   string       `json:"type"`
	Flow   string       `json:"flow"`
	Action ir.ActionRef `json:"action"`

	// Args and Rule are set on invocations. Rule is empty for invocations
	// started by the scenario.
	Args ir.IRObject `json:"args,omitempty"`
	Rule string      `json:"rule,omitempty"`

	// OutputCase and Result are set on completions.
	OutputCase string      `json:"output_case,omitempty"`
	Result     ir.IRObject `json:"result,omitempty"`

	Seq int64 `json:"seq"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds every record of every flow, flow by flow in step order,
	// records in seq order within a flow.
	Trace []TraceEvent `json:"trace"`

	// Flows lists the flow token of each flow step.
	Flows []string `json:"flows"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Flows:  []string{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
