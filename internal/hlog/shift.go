package hlog

import (
	"github.com/rzbill/strata/pkg/log"
)

// ShiftBeginAddress raises BeginAddress, retiring the prefix below it. With
// truncate set, the device prefix is truncated once the prior epoch drains.
// Callers must hold epoch protection. Non-monotone requests are ignored.
func (a *Allocator) ShiftBeginAddress(newBegin int64, truncate bool) {
	if t := a.tail.Load(); newBegin > t {
		newBegin = t
	}
	if casMax(&a.begin, newBegin) {
		// Keep the cursor chain ordered: the retired prefix has no business
		// staying resident, so pull read-only and head up behind it, bounded
		// by what has already flushed.
		a.ShiftReadOnlyAddress(newBegin)
		if fu := a.flushedUntil.Load(); fu >= newBegin {
			a.ShiftHeadAddress(newBegin)
		}
	}
	if truncate {
		// Truncate at the begin address even when the shift itself was a
		// no-op; Truncate() shifts begin onto itself.
		cut := a.begin.Load()
		a.epoch.BumpCurrentEpoch(func() {
			if err := a.dev.Truncate(cut); err != nil {
				a.logger.Error("device truncate failed", log.Int64("below", cut), log.Err(err))
			}
		})
	}
}

// ShiftReadOnlyAddress raises ReadOnlyAddress. Pages below it become
// immutable; once the prior epoch drains, SafeReadOnlyAddress follows, the
// read-only observer fires, and flushes are submitted. Callers must hold
// epoch protection. Non-monotone requests are ignored.
func (a *Allocator) ShiftReadOnlyAddress(newReadOnly int64) {
	if t := a.tail.Load(); newReadOnly > t {
		newReadOnly = t
	}
	if !casMax(&a.readOnly, newReadOnly) {
		return
	}
	a.epoch.BumpCurrentEpoch(func() { a.onPagesMarkedReadOnly(newReadOnly) })
}

// onPagesMarkedReadOnly advances SafeReadOnlyAddress after the epoch drain,
// notifies the read-only observer with the newly immutable range, and queues
// the range for flushing. Transitions are serialized so observer batches and
// flush ranges stay contiguous and address-ordered.
func (a *Allocator) onPagesMarkedReadOnly(newSafe int64) {
	a.roTransMu.Lock()
	defer a.roTransMu.Unlock()
	old := a.safeReadOnly.Load()
	if newSafe <= old {
		return
	}
	a.safeReadOnly.Store(newSafe)
	if slot := a.roObserver.Load(); slot != nil {
		slot.observer.OnNext(a.Scan(old, newSafe, SinglePageBuffering))
	}
	if !a.closed.Load() {
		a.flushCh <- flushRange{from: old, to: newSafe}
	}
	a.progress.broadcast()
}

// ShiftHeadAddress raises HeadAddress, scheduling eviction of the pages
// below it. The target is clamped to the flushed and safe-read-only
// frontiers so no unflushed or mutable page can leave memory. Callers must
// hold epoch protection. Non-monotone requests are ignored.
func (a *Allocator) ShiftHeadAddress(newHead int64) {
	if sro := a.safeReadOnly.Load(); newHead > sro {
		newHead = sro
	}
	if fu := a.flushedUntil.Load(); newHead > fu {
		newHead = fu
	}
	if !casMax(&a.head, newHead) {
		return
	}
	a.epoch.BumpCurrentEpoch(func() { a.onPagesClosed(newHead) })
}

// onPagesClosed advances SafeHeadAddress after the epoch drain, hands the
// evicted range to the eviction observer, then returns the frames below it
// to the ring.
func (a *Allocator) onPagesClosed(newSafe int64) {
	a.headTransMu.Lock()
	defer a.headTransMu.Unlock()
	old := a.safeHead.Load()
	if newSafe <= old {
		return
	}
	a.safeHead.Store(newSafe)
	if slot := a.evictObserver.Load(); slot != nil {
		slot.observer.OnNext(a.Scan(old, newSafe, SinglePageBuffering))
	}
	a.releaseFrames(newSafe)
	a.progress.broadcast()
}

// releaseFrames returns every frame wholly below safeHead to the ring.
func (a *Allocator) releaseFrames(safeHead int64) {
	a.frameMu.Lock()
	defer a.frameMu.Unlock()
	for (a.closedUntilPage+1)<<a.pageBits <= safeHead {
		page := a.closedUntilPage
		slot := int(page) % a.buffer
		if a.framePage[slot] == page {
			a.framePage[slot] = -1
		}
		a.closedUntilPage++
	}
}
