// Package syncs holds the application's synchronization rules.
//
// Every HTTP path is served by a small family of rules sharing one shape:
//
//   - path rule: matches Requesting.request on the path, resolves the caller
//     and invokes the concept action;
//   - path-respond and path-error: match the request together with the
//     action's success or error completion and answer it;
//   - path-reject: answers the requests the path rule's lookups dropped
//     ("Invalid session", "User not found", ...).
//
// Read-only paths answer directly from the path rule. Each request is
// answered by exactly one of these rules.
package syncs

import "github.com/roach88/syncflow/internal/engine"

// All returns every application rule in registration order.
func All() []engine.Rule {
	var rules []engine.Rule
	rules = append(rules, Friending()...)
	rules = append(rules, Preferencing()...)
	rules = append(rules, Scheduling()...)
	rules = append(rules, EventFriends()...)
	rules = append(rules, Grouping()...)
	return rules
}
