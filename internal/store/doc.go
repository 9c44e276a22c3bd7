// Package store wires the hybrid log, hash index, and compaction engine
// into a minimal key-value store.
//
// # Overview
//
// Records chain through their RecordInfo PreviousAddress link; the hash
// index maps a 64-bit key hash to the newest address of its chain. Upsert
// appends (or updates in place inside the mutable region), Delete appends a
// tombstone, and Read walks the chain, faulting records below HeadAddress
// in from the device.
//
// Behavior is customized through capability records rather than interfaces:
// Functions carries the writer/updater/reader slots a session uses, and
// CompactionFunctions carries the liveness predicate compaction consults.
//
// # Compaction
//
// Log.Compact relocates live records from the retired prefix to the tail
// and then shifts BeginAddress. Two strategies are provided: Lookup trusts
// the hash index to witness superseding versions; Scan rebuilds per-key
// latest-version knowledge in a transient in-memory KV and emits survivors
// independently of index state.
package store
