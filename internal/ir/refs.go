package ir

import (
	"fmt"
	"strings"
)

// ActionRef names an action or query on a concept: "Concept.action".
// Query names start with an underscore ("Sessioning._getUser").
type ActionRef string

// NewActionRef joins a concept and action name.
func NewActionRef(concept, action string) ActionRef {
	return ActionRef(concept + "." + action)
}

// ParseActionRef validates the "Concept.action" form.
func ParseActionRef(s string) (ActionRef, error) {
	concept, action, ok := strings.Cut(s, ".")
	if !ok || concept == "" || action == "" || strings.Contains(action, ".") {
		return "", fmt.Errorf("invalid action reference %q: want Concept.action", s)
	}
	return ActionRef(s), nil
}

// Concept returns the concept part of the reference.
func (r ActionRef) Concept() string {
	concept, _, _ := strings.Cut(string(r), ".")
	return concept
}

// Action returns the action or query name.
func (r ActionRef) Action() string {
	_, action, _ := strings.Cut(string(r), ".")
	return action
}

// IsQuery reports whether the reference names a read-only query.
func (r ActionRef) IsQuery() bool {
	return strings.HasPrefix(r.Action(), "_")
}

func (r ActionRef) String() string {
	return string(r)
}
