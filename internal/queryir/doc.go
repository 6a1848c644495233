// Package queryir is a small relational query IR for concept state.
//
// Concepts describe their read queries as Select and Join values; the
// querysql package compiles them to parameterized SQLite SQL. Keeping
// queries as data lets every adapter share one deterministic ordering rule
// and one parameter-binding path.
package queryir
