// Package device implements the sinks the hybrid log flushes to.
//
// A Device is addressed by logical log offset. Three implementations are
// provided:
//
//   - File: a sparse file where logical offset equals file offset. Truncation
//     is logical; reads below the truncation point fail.
//   - Pebble: flushed pages stored as Pebble entries keyed by page number,
//     with range-delete truncation and a configurable fsync policy.
//   - Null: discards writes and reads zeros; used by tests and benchmarks
//     that only exercise the in-memory region.
package device
