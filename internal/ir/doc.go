// Package ir holds the value model and record types shared by every other
// syncflow package.
//
// ir imports nothing internal. Constraints that hold across the package:
//   - no float values; numbers are int64
//   - content-addressed IDs use RFC 8785 canonical JSON with a domain prefix
//   - logical clocks (seq) only, never wall-clock timestamps
//   - JSON tags are snake_case
package ir
