// Package id provides lexicographically sortable 128-bit identifiers.
//
// Strata uses these to tag device instances and compaction runs so that log
// lines and persisted manifests can be correlated across restarts.
package id
