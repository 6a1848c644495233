// Package harness runs YAML scenarios against the real engine.
//
// Each scenario gets a fresh in-memory action log and concept state, the
// application rules (plus any CUE rules the scenario names) and
// deterministic identifiers: entity IDs are id-0001, id-0002, ... and
// every flow step starts its own flow, flow-0001, flow-0002, ...
//
// A scenario has three parts:
//
//   - setup: actions invoked directly on the concepts, outside any flow,
//     to establish state. Result fields can be bound to variables.
//   - flow: actions started through the engine. The engine runs until no
//     work is left, then the step's completion is checked against expect
//     and, for Requesting.request, the response against response.
//   - assertions: checks over the recorded trace and the final concept
//     state.
//
// Any string argument of the form "$name" is replaced by the value bound
// to name; "$$" escapes a leading dollar sign.
//
//	name: friend_request
//	description: A friend request is sent and answered
//	setup:
//	  - action: UserAuthentication.register
//	    args: {username: alice, password: pw}
//	    bind: {user: alice}
//	  - action: Sessioning.create
//	    args: {user: $alice}
//	    bind: {session: session}
//	flow:
//	  - invoke: Requesting.request
//	    args: {path: /friending/request, session: $session, targetUsername: bob}
//	    response: {status: sent}
//	assertions:
//	  - type: trace_count
//	    action: Friending.requestFriend
//	    count: 1
//
// The trace of a run can be compared against a golden file with
// RunWithGolden.
package harness
