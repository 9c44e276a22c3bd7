package hlog

import (
	"testing"
)

func TestScanReturnsRecordsInOrder(t *testing.T) {
	a, acc, em := newTestLog(t, 8)
	const n = 100
	for i := 0; i < n; i++ {
		k, v := testKV(i)
		appendRecord(t, a, em, k, v, false)
	}
	acc.Flush(true)

	it := a.Scan(a.BeginAddress(), a.GetTailAddress(), SinglePageBuffering)
	defer it.Close()
	var prev int64 = -1
	count := 0
	for it.GetNext() {
		if it.CurrentAddress() <= prev {
			t.Fatalf("addresses not ascending: %d after %d", it.CurrentAddress(), prev)
		}
		if it.NextAddress() <= it.CurrentAddress() {
			t.Fatalf("NextAddress %d not past CurrentAddress %d", it.NextAddress(), it.CurrentAddress())
		}
		wantKey, wantVal := testKV(count)
		if string(it.Key()) != string(wantKey) || string(it.Value()) != string(wantVal) {
			t.Fatalf("record %d payload mismatch", count)
		}
		prev = it.CurrentAddress()
		count++
	}
	if count != n {
		t.Fatalf("iterated %d records, want %d", count, n)
	}
}

func TestScanSkipsInvalidReturnsTombstones(t *testing.T) {
	a, acc, em := newTestLog(t, 8)
	k1, v1 := testKV(1)
	appendRecord(t, a, em, k1, v1, false)

	// An invalidated record: header intact, valid bit cleared.
	k2, v2 := testKV(2)
	revoked := appendRecord(t, a, em, k2, v2, false)
	a.StoreInfo(revoked, NewRecordInfo(InvalidAddress, false).WithValidCleared())

	k3 := []byte("gone")
	appendRecord(t, a, em, k3, nil, true)
	acc.Flush(true)

	it := a.Scan(a.BeginAddress(), a.GetTailAddress(), SinglePageBuffering)
	defer it.Close()

	if !it.GetNext() || string(it.Key()) != string(k1) {
		t.Fatalf("expected first record")
	}
	if !it.GetNext() {
		t.Fatalf("expected tombstone after skipping invalid record")
	}
	if string(it.Key()) != string(k3) || !it.Info().Tombstone() {
		t.Fatalf("expected tombstone for %q, got %q tomb=%v", k3, it.Key(), it.Info().Tombstone())
	}
	if it.GetNext() {
		t.Fatalf("unexpected extra record")
	}
}

func TestScanStopsAtSafeReadOnly(t *testing.T) {
	a, acc, em := newTestLog(t, 8)
	for i := 0; i < 10; i++ {
		k, v := testKV(i)
		appendRecord(t, a, em, k, v, false)
	}
	acc.Flush(true)
	boundary := a.SafeReadOnlyAddress()
	for i := 10; i < 20; i++ {
		k, v := testKV(i)
		appendRecord(t, a, em, k, v, false)
	}

	it := a.Scan(a.BeginAddress(), a.GetTailAddress(), SinglePageBuffering)
	count := 0
	for it.GetNext() {
		if it.CurrentAddress() >= boundary {
			t.Fatalf("record at %d past safe-read-only %d", it.CurrentAddress(), boundary)
		}
		count++
	}
	it.Close()
	if count != 10 {
		t.Fatalf("immutable scan saw %d records, want 10", count)
	}

	mit := a.ScanMutable(a.BeginAddress(), a.GetTailAddress(), SinglePageBuffering)
	count = 0
	for mit.GetNext() {
		count++
	}
	mit.Close()
	if count != 20 {
		t.Fatalf("mutable scan saw %d records, want 20", count)
	}
}

func TestScanAcrossEvictedPages(t *testing.T) {
	for _, mode := range []BufferingMode{SinglePageBuffering, DoublePageBuffering, NoBuffering} {
		mode := mode
		t.Run(map[BufferingMode]string{
			SinglePageBuffering: "single",
			DoublePageBuffering: "double",
			NoBuffering:         "none",
		}[mode], func(t *testing.T) {
			a, acc, em := newTestLog(t, 4)
			const n = 200
			for i := 0; i < n; i++ {
				k, v := testKV(i)
				appendRecord(t, a, em, k, v, false)
			}
			acc.FlushAndEvict(true)

			it := a.Scan(a.BeginAddress(), a.GetTailAddress(), mode)
			defer it.Close()
			count := 0
			for it.GetNext() {
				wantKey, wantVal := testKV(count)
				if string(it.Key()) != string(wantKey) || string(it.Value()) != string(wantVal) {
					t.Fatalf("record %d payload mismatch after eviction", count)
				}
				count++
			}
			if count != n {
				t.Fatalf("iterated %d records, want %d", count, n)
			}
		})
	}
}

func TestScanEmptyRange(t *testing.T) {
	a, _, _ := newTestLog(t, 4)
	it := a.Scan(a.BeginAddress(), a.GetTailAddress(), SinglePageBuffering)
	defer it.Close()
	if it.GetNext() {
		t.Fatalf("empty log produced a record")
	}
}
