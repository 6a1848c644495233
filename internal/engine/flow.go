package engine

import (
	"sync"

	"github.com/google/uuid"
)

// FlowTokenGenerator creates the token that correlates every record of one
// external request.
type FlowTokenGenerator interface {
	Generate() string
}

// UUIDv7Generator issues time-ordered UUIDv7 tokens.
type UUIDv7Generator struct{}

func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined tokens in order and panics when
// they run out. Tests only.
type FixedGenerator struct {
	mu     sync.Mutex
	tokens []string
	idx    int
}

func NewFixedGenerator(tokens ...string) *FixedGenerator {
	return &FixedGenerator{tokens: tokens}
}

func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.tokens) {
		panic("FixedGenerator: all tokens exhausted")
	}
	tok := g.tokens[g.idx]
	g.idx++
	return tok
}
