// Package testutil provides deterministic ID and flow token sources for
// tests and scenario runs.
package testutil

import (
	"fmt"
	"sync"
)

// Sequence hands out prefix-0001, prefix-0002, ... in call order.
//
// Thread-safety: all methods are safe for concurrent use.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	n      int64
}

// NewSequence returns a sequence whose first value is prefix-0001.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// Next returns the next identifier.
func (s *Sequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%04d", s.prefix, s.n)
}

// Count returns how many identifiers have been handed out.
func (s *Sequence) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Reset starts the sequence over at prefix-0001.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n = 0
}
