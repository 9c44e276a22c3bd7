package hlog

import (
	"time"

	"github.com/rzbill/strata/internal/epoch"
)

// Accessor is the user-visible façade over the allocator. Every shift is
// wrapped in epoch protection unless the caller already holds it, and the
// wait variants block until the corresponding progress condition holds,
// cooperatively draining when called from inside a protected window.
type Accessor struct {
	alloc *Allocator
	epoch *epoch.Manager
}

// NewAccessor wraps an allocator.
func NewAccessor(a *Allocator, m *epoch.Manager) *Accessor {
	return &Accessor{alloc: a, epoch: m}
}

// Allocator exposes the underlying allocator to engine-internal callers.
func (l *Accessor) Allocator() *Allocator { return l.alloc }

// Cursor reads.

func (l *Accessor) BeginAddress() int64        { return l.alloc.BeginAddress() }
func (l *Accessor) SafeHeadAddress() int64     { return l.alloc.SafeHeadAddress() }
func (l *Accessor) HeadAddress() int64         { return l.alloc.HeadAddress() }
func (l *Accessor) SafeReadOnlyAddress() int64 { return l.alloc.SafeReadOnlyAddress() }
func (l *Accessor) ReadOnlyAddress() int64     { return l.alloc.ReadOnlyAddress() }
func (l *Accessor) TailAddress() int64         { return l.alloc.GetTailAddress() }
func (l *Accessor) FlushedUntilAddress() int64 { return l.alloc.FlushedUntilAddress() }

// protected runs fn under epoch protection, without double-protecting when
// the caller is already inside a protected window.
func (l *Accessor) protected(fn func()) {
	if l.epoch.ThisInstanceProtected() {
		fn()
		return
	}
	l.epoch.Protect()
	defer l.epoch.Suspend()
	fn()
}

// waitFor blocks until cond holds. A shift never regresses, so the
// predicate, once satisfied, stays satisfied. When the caller is protected
// the loop drains cooperatively instead of blocking outright, which would
// deadlock its own drain condition.
func (l *Accessor) waitFor(cond func() bool) {
	for !cond() {
		ch := l.alloc.progress.waitCh()
		if l.epoch.ThisInstanceProtected() {
			l.epoch.ProtectAndDrain()
		} else {
			l.epoch.Drain()
		}
		if cond() {
			return
		}
		select {
		case <-ch:
		case <-time.After(time.Millisecond):
		}
	}
}

// ShiftBeginAddress retires the prefix below until. With snapToPageStart the
// target is rounded down to its page boundary. With truncateLog the device
// prefix is destroyed once the shift drains.
func (l *Accessor) ShiftBeginAddress(until int64, snapToPageStart, truncateLog bool) {
	if snapToPageStart {
		until &^= l.alloc.pageMask
	}
	l.protected(func() { l.alloc.ShiftBeginAddress(until, truncateLog) })
}

// Truncate shifts the begin address onto itself, truncating the device
// below it.
func (l *Accessor) Truncate() {
	l.protected(func() { l.alloc.ShiftBeginAddress(l.alloc.BeginAddress(), true) })
}

// ShiftReadOnlyAddress moves the mutable/immutable boundary. With wait set
// it blocks until the flushed frontier reaches the target.
func (l *Accessor) ShiftReadOnlyAddress(newReadOnly int64, wait bool) {
	if t := l.alloc.GetTailAddress(); newReadOnly > t {
		newReadOnly = t
	}
	target := newReadOnly
	l.protected(func() { l.alloc.ShiftReadOnlyAddress(target) })
	if wait {
		l.waitFor(func() bool { return l.alloc.FlushedUntilAddress() >= target })
	}
}

// ShiftHeadAddress moves the in-memory boundary. Pages must be flushed
// before they leave memory, so the shift is preceded by a forced-wait
// read-only shift to the same target. With wait set it blocks until the
// safe head reaches the target.
func (l *Accessor) ShiftHeadAddress(newHead int64, wait bool) {
	if t := l.alloc.GetTailAddress(); newHead > t {
		newHead = t
	}
	target := newHead
	l.ShiftReadOnlyAddress(target, true)
	l.protected(func() { l.alloc.ShiftHeadAddress(target) })
	if wait {
		l.waitFor(func() bool { return l.alloc.SafeHeadAddress() >= target })
	}
}

// Flush shifts the read-only boundary to the tail, scheduling a flush of
// everything appended so far.
func (l *Accessor) Flush(wait bool) {
	l.ShiftReadOnlyAddress(l.alloc.GetTailAddress(), wait)
}

// FlushAndEvict flushes everything and then evicts it from memory.
func (l *Accessor) FlushAndEvict(wait bool) {
	l.ShiftHeadAddress(l.alloc.GetTailAddress(), wait)
}

// DisposeFromMemory flushes and evicts synchronously, then releases the
// in-memory buffer. The log is unusable afterwards.
func (l *Accessor) DisposeFromMemory() {
	l.FlushAndEvict(true)
	l.alloc.DeleteFromMemory()
}

// Scan returns an iterator over [begin, end) clamped to the immutable
// region.
func (l *Accessor) Scan(begin, end int64, mode BufferingMode) *ScanIterator {
	return l.alloc.Scan(begin, end, mode)
}

// ScanMutable returns an iterator over [begin, end) that may read past the
// read-only boundary.
func (l *Accessor) ScanMutable(begin, end int64, mode BufferingMode) *ScanIterator {
	return l.alloc.ScanMutable(begin, end, mode)
}

// Subscribe installs the read-only-transition observer.
func (l *Accessor) Subscribe(o Observer) *Subscription { return l.alloc.Subscribe(o) }

// SubscribeEvictions installs the eviction observer.
func (l *Accessor) SubscribeEvictions(o Observer) *Subscription {
	return l.alloc.SubscribeEvictions(o)
}

// SetEmptyPageCount changes the number of reserved always-empty frames,
// clamped to [0, BufferPages-1]. When shrinking effective capacity with
// wait set, it blocks until the head has moved up to the implied target.
func (l *Accessor) SetEmptyPageCount(count int, wait bool) {
	target := l.alloc.SetEmptyPageCountValue(count)
	if target <= l.alloc.HeadAddress() {
		return
	}
	l.ShiftReadOnlyAddress(target, true)
	l.protected(func() { l.alloc.ShiftHeadAddress(target) })
	if wait {
		l.waitFor(func() bool { return l.alloc.SafeHeadAddress() >= target })
	}
}

// SetCheckpointing flips the checkpoint regime flag.
func (l *Accessor) SetCheckpointing(on bool) { l.alloc.SetCheckpointing(on) }
