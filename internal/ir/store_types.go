package ir

// Store-layer records. These use auto-increment IDs for foreign keys and
// are not content-addressed.

// RuleFiring records that a rule dispatched for one binding environment
// of one completion. UNIQUE(completion_id, rule_id, binding_hash).
type RuleFiring struct {
	ID           int64    `json:"id"`
	CompletionID string   `json:"completion_id"`
	RuleID       string   `json:"rule_id"`
	BindingHash  string   `json:"binding_hash"`
	Bindings     IRObject `json:"bindings"`
	Seq          int64    `json:"seq"`
}

// ProvenanceEdge links a rule firing to an invocation it produced.
type ProvenanceEdge struct {
	ID           int64  `json:"id"`
	RuleFiringID int64  `json:"rule_firing_id"`
	InvocationID string `json:"invocation_id"`
}
