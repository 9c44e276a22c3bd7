// Package hlog implements the hybrid log: a single monotone logical address
// space whose recent suffix lives in an in-memory ring of pages and whose
// older prefix lives on a device sink.
//
// # Address regions
//
// Six cursors partition the address space, always ordered
//
//	BeginAddress ≤ SafeHeadAddress ≤ HeadAddress ≤ SafeReadOnlyAddress ≤ ReadOnlyAddress ≤ TailAddress
//
// Records at or above ReadOnlyAddress are mutable in place; records below are
// immutable and flushed to the device as SafeReadOnlyAddress advances; records
// below HeadAddress live only on the device; the prefix below BeginAddress is
// retired.
//
// # Components
//
//	Allocator    owns the page ring and cursors; Allocate bumps the tail and
//	             the shift operations move the region boundaries under epoch
//	             protection.
//	Accessor     the user-facing façade: wraps shifts in epoch protection,
//	             provides synchronous wait loops, observers, Flush and
//	             FlushAndEvict.
//	ScanIterator a lazy, finite, non-restartable record iterator over a
//	             half-open address range.
//
// Shifts are serialized against concurrent readers and writers with the
// epoch package: the cursor is raised immediately, and the corresponding
// safe cursor advances in an epoch drain action once every goroutine from
// the prior epoch has moved on.
package hlog
