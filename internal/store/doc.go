// Package store is the durable action log: invocations, completions, rule
// firings and the provenance edges linking a firing to the invocations it
// produced.
//
// Rule firings carry UNIQUE(completion_id, rule_id, binding_hash), which is
// what makes dispatch exactly-once across restarts. Every read orders by
// seq ASC, id ASC COLLATE BINARY so results are identical between runs.
//
// The database is SQLite (mattn/go-sqlite3) in WAL mode with a single open
// connection; the engine goroutine is the only writer.
package store
