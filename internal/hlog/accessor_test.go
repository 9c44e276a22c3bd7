package hlog

import (
	"testing"

	"github.com/rzbill/strata/internal/device"
)

func TestFlushWaitsForDurability(t *testing.T) {
	a, acc, em := newTestLog(t, 8)
	for i := 0; i < 50; i++ {
		k, v := testKV(i)
		appendRecord(t, a, em, k, v, false)
	}
	tail := a.GetTailAddress()
	acc.Flush(true)
	if got := a.FlushedUntilAddress(); got < tail {
		t.Fatalf("flushed until %d below tail %d after Flush(wait)", got, tail)
	}
	if got := a.SafeReadOnlyAddress(); got < tail {
		t.Fatalf("safe read-only %d below tail %d after Flush(wait)", got, tail)
	}
}

func TestFlushAndEvictReleasesMemory(t *testing.T) {
	a, acc, em := newTestLog(t, 8)
	for i := 0; i < 50; i++ {
		k, v := testKV(i)
		appendRecord(t, a, em, k, v, false)
	}
	tail := a.GetTailAddress()
	acc.FlushAndEvict(true)
	if got := a.SafeHeadAddress(); got < tail {
		t.Fatalf("safe head %d below tail %d after FlushAndEvict(wait)", got, tail)
	}
	assertChain(t, a)
}

func TestShiftWhileProtectedDoesNotDeadlock(t *testing.T) {
	a, acc, em := newTestLog(t, 8)
	for i := 0; i < 50; i++ {
		k, v := testKV(i)
		appendRecord(t, a, em, k, v, false)
	}
	em.Protect()
	defer em.Suspend()
	// Already protected: the accessor must not double-protect, and the wait
	// loop must drain cooperatively.
	acc.Flush(true)
	if got := a.FlushedUntilAddress(); got < a.GetTailAddress() {
		t.Fatalf("flush did not complete under protection: %d", got)
	}
}

type rangeObserver struct {
	ranges [][2]int64
}

func (r *rangeObserver) OnNext(it *ScanIterator) {
	r.ranges = append(r.ranges, [2]int64{it.StartAddress(), it.EndAddress()})
}

func TestObserverReceivesContiguousRanges(t *testing.T) {
	a, acc, em := newTestLog(t, 8)
	obs := &rangeObserver{}
	sub := acc.Subscribe(obs)
	defer sub.Close()

	startSafeRO := a.SafeReadOnlyAddress()
	for round := 0; round < 3; round++ {
		for i := 0; i < 10; i++ {
			k, v := testKV(round*10 + i)
			appendRecord(t, a, em, k, v, false)
		}
		acc.Flush(true)
	}
	finalSafeRO := a.SafeReadOnlyAddress()

	if len(obs.ranges) != 3 {
		t.Fatalf("observer saw %d batches, want 3: %v", len(obs.ranges), obs.ranges)
	}
	cursor := startSafeRO
	for i, r := range obs.ranges {
		if r[0] != cursor {
			t.Fatalf("batch %d starts at %d, want %d", i, r[0], cursor)
		}
		if r[1] <= r[0] {
			t.Fatalf("batch %d empty or inverted: %v", i, r)
		}
		cursor = r[1]
	}
	if cursor != finalSafeRO {
		t.Fatalf("batches cover up to %d, want %d", cursor, finalSafeRO)
	}
}

func TestEvictionObserverSeesEvictedRecords(t *testing.T) {
	a, acc, em := newTestLog(t, 8)
	var keys []string
	sub := acc.SubscribeEvictions(ObserverFunc(func(it *ScanIterator) {
		for it.GetNext() {
			keys = append(keys, string(it.Key()))
		}
	}))
	defer sub.Close()

	const n = 20
	for i := 0; i < n; i++ {
		k, v := testKV(i)
		appendRecord(t, a, em, k, v, false)
	}
	acc.FlushAndEvict(true)

	if len(keys) != n {
		t.Fatalf("eviction observer saw %d records, want %d", len(keys), n)
	}
}

func TestSubscribeReplacesSilently(t *testing.T) {
	a, acc, em := newTestLog(t, 8)
	first := &rangeObserver{}
	second := &rangeObserver{}
	s1 := acc.Subscribe(first)
	s2 := acc.Subscribe(second)
	defer s2.Close()

	k, v := testKV(1)
	appendRecord(t, a, em, k, v, false)
	acc.Flush(true)

	if len(first.ranges) != 0 {
		t.Fatalf("replaced observer still receiving batches")
	}
	if len(second.ranges) != 1 {
		t.Fatalf("installed observer saw %d batches, want 1", len(second.ranges))
	}

	// Closing the stale subscription must not disturb the installed one.
	s1.Close()
	k, v = testKV(2)
	appendRecord(t, a, em, k, v, false)
	acc.Flush(true)
	if len(second.ranges) != 2 {
		t.Fatalf("observer lost after stale Close: %d batches", len(second.ranges))
	}
}

func TestSetEmptyPageCountClamps(t *testing.T) {
	a, acc, _ := newTestLog(t, 8)
	acc.SetEmptyPageCount(100, false)
	if got := a.EmptyPageCount(); got != 7 {
		t.Fatalf("empty page count = %d, want clamp to 7", got)
	}
	acc.SetEmptyPageCount(-5, false)
	if got := a.EmptyPageCount(); got != 0 {
		t.Fatalf("empty page count = %d, want clamp to 0", got)
	}
}

func TestSetEmptyPageCountEvicts(t *testing.T) {
	a, acc, em := newTestLog(t, 8)
	for i := 0; i < 200; i++ {
		k, v := testKV(i)
		appendRecord(t, a, em, k, v, false)
	}
	acc.SetEmptyPageCount(6, true)
	target := a.GetTailAddress()&^(a.PageSize()-1) - a.HeadOffsetLagAddress()
	if target > FirstValidAddress && a.SafeHeadAddress() < target {
		t.Fatalf("safe head %d below empty-page target %d", a.SafeHeadAddress(), target)
	}
	assertChain(t, a)
}

func TestTruncateDestroysDevicePrefix(t *testing.T) {
	dir := t.TempDir()
	dev, err := device.OpenFile(dir, "log")
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	em := newTestManager(t)
	a, err := NewAllocator(Options{
		PageSizeBits:    9,
		BufferPages:     4,
		MutableFraction: 0.75,
		Device:          dev,
		Epoch:           em,
	})
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	acc := NewAccessor(a, em)
	t.Cleanup(func() {
		if !allocClosed(a) {
			a.DeleteFromMemory()
		}
		_ = dev.Close()
	})

	for i := 0; i < 100; i++ {
		k, v := testKV(i)
		appendRecord(t, a, em, k, v, false)
	}
	acc.FlushAndEvict(true)
	mid := a.PageSize() * 2
	acc.ShiftBeginAddress(mid, true, false)
	acc.Truncate()

	// The device prefix below the begin address must now be fenced off.
	waitUntil(t, func() bool {
		err := dev.ReadAt(make([]byte, 8), 0)
		return err == device.ErrTruncated
	})
}

func TestDisposeFromMemory(t *testing.T) {
	a, acc, em := newTestLog(t, 8)
	for i := 0; i < 50; i++ {
		k, v := testKV(i)
		appendRecord(t, a, em, k, v, false)
	}
	acc.DisposeFromMemory()
	em.Protect()
	defer em.Suspend()
	if _, err := a.Allocate(32); err != ErrAllocatorClosed {
		t.Fatalf("expected ErrAllocatorClosed after dispose, got %v", err)
	}
}
