package ir

// Output cases. Business failures complete with CaseError and a result of
// the form {error: <message>}.
const (
	CaseSuccess = "success"
	CaseError   = "error"

	// ErrorField is the result field carrying an error message.
	ErrorField = "error"
)

// Invocation is a request to run an action within a flow.
type Invocation struct {
	ID            string    `json:"id"`
	FlowToken     string    `json:"flow_token"`
	ActionURI     ActionRef `json:"action_uri"`
	Args          IRObject  `json:"args"`
	Seq           int64     `json:"seq"`
	EngineVersion string    `json:"engine_version"`
	IRVersion     string    `json:"ir_version"`
}

// Completion is the outcome of an invocation.
type Completion struct {
	ID           string   `json:"id"`
	InvocationID string   `json:"invocation_id"`
	OutputCase   string   `json:"output_case"`
	Result       IRObject `json:"result"`
	Seq          int64    `json:"seq"`
}

// IsError reports whether the completion is an error outcome.
func (c Completion) IsError() bool {
	return c.OutputCase == CaseError
}

// ErrorMessage returns the message of an error outcome, or "".
func (c Completion) ErrorMessage() string {
	if !c.IsError() {
		return ""
	}
	if s, ok := c.Result[ErrorField].(IRString); ok {
		return string(s)
	}
	return ""
}

// ErrorResult builds the result object for an error outcome.
func ErrorResult(msg string) IRObject {
	return IRObject{ErrorField: IRString(msg)}
}

// ActionRecord is a completed action as rules see it: the invocation
// joined with its completion.
type ActionRecord struct {
	Invocation Invocation `json:"invocation"`
	Completion Completion `json:"completion"`
}

// Action returns the action reference of the record.
func (r ActionRecord) Action() ActionRef {
	return r.Invocation.ActionURI
}

// Input returns the invocation arguments.
func (r ActionRecord) Input() IRObject {
	return r.Invocation.Args
}

// Output returns the completion result. For error outcomes this is
// {error: <message>}.
func (r ActionRecord) Output() IRObject {
	return r.Completion.Result
}

// IsError reports whether the record completed with an error.
func (r ActionRecord) IsError() bool {
	return r.Completion.IsError()
}

// RuleSpec is a declarative rule as produced by the compiler.
type RuleSpec struct {
	ID    string           `json:"id"`
	Vars  []string         `json:"vars"`
	When  []Pattern        `json:"when"`
	Where []Step           `json:"where,omitempty"`
	Then  []ActionTemplate `json:"then"`
}
