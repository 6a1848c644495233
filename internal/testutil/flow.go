package testutil

// FlowGenerator generates flow-0001, flow-0002, ...
//
// Each externally started action gets its own flow, so two requests in one
// scenario never match each other's records. The same scenario run twice
// produces the same tokens.
type FlowGenerator struct {
	seq *Sequence
}

// NewFlowGenerator returns a generator whose tokens start with prefix,
// "flow" when empty.
func NewFlowGenerator(prefix string) *FlowGenerator {
	if prefix == "" {
		prefix = "flow"
	}
	return &FlowGenerator{seq: NewSequence(prefix)}
}

// Generate implements engine.FlowTokenGenerator.
func (g *FlowGenerator) Generate() string {
	return g.seq.Next()
}
