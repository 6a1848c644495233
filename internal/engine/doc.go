// Package engine implements the syncflow rule engine.
//
// The engine executes invocations on their concepts, records every
// invocation and completion in the action log, and reacts to each
// completion by evaluating the registered rules.
//
// Single-writer event loop:
//
//  1. External callers submit invocations with Start or Invoke; rules
//     submit them by dispatch. All go through one FIFO queue.
//  2. Run (or Drain) dequeues one event at a time. An invocation event is
//     written, executed through the concept registry and its completion
//     written and queued. A completion event is evaluated against the rules.
//  3. Every rule moves through Idle → Matching → Refining → Dispatching.
//     Matching and refining run concurrently across rules; dispatching
//     runs on the engine goroutine in registration order.
//
// Matching joins a rule's trigger patterns over the records of the
// completion's flow. The completion must take part, and only records that
// completed before it are considered, so each combination fires once.
//
// Dispatch is exactly-once: each surviving environment is claimed in the
// store by (completion, rule, binding hash) together with the invocations
// it produces. A second claim writes nothing and dispatches nothing.
//
// All sequence numbers come from Clock. Wall-clock time is never used for
// ordering.
package engine
