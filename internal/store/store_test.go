package store

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/rzbill/strata/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		PageSizeBits:    9,
		BufferPages:     8,
		EmptyPageCount:  0,
		MutableFraction: 0.75,
		IndexShards:     8,
		DataDir:         t.TempDir(),
		Device:          config.DeviceFile,
		Fsync:           config.FsyncAlways,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Config: testConfig(t)})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func key8(i int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(i))
	return b
}

func val8(i int) []byte { return key8(i) }

func TestUpsertReadDelete(t *testing.T) {
	s := newTestStore(t)
	if err := s.Upsert([]byte("alpha"), []byte("one")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.Read([]byte("alpha"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "one" {
		t.Fatalf("read = %q, want %q", got, "one")
	}
	if err := s.Delete([]byte("alpha")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Read([]byte("alpha")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after delete, got %v", err)
	}
}

func TestReadMissingKey(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Read([]byte("nope")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestUpsertLatestWins(t *testing.T) {
	s := newTestStore(t)
	key := []byte("k")
	if err := s.Upsert(key, []byte("v1-blah")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Upsert(key, []byte("v2-long-value")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.Read(key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "v2-long-value" {
		t.Fatalf("read = %q", got)
	}
}

func TestUpsertInPlaceInMutableRegion(t *testing.T) {
	s := newTestStore(t)
	key := []byte("counter")
	if err := s.Upsert(key, val8(1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	tail := s.Log().TailAddress()
	// Same-size update of a mutable record goes in place: no new record.
	if err := s.Upsert(key, val8(2)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got := s.Log().TailAddress(); got != tail {
		t.Fatalf("in-place update appended: tail %d -> %d", tail, got)
	}
	got, err := s.Read(key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if binary.BigEndian.Uint64(got) != 2 {
		t.Fatalf("read = %d, want 2", binary.BigEndian.Uint64(got))
	}
}

func TestCheckpointingForcesAppend(t *testing.T) {
	s := newTestStore(t)
	key := []byte("counter")
	if err := s.Upsert(key, val8(1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	s.Log().SetCheckpointing(true)
	tail := s.Log().TailAddress()
	if err := s.Upsert(key, val8(2)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got := s.Log().TailAddress(); got == tail {
		t.Fatalf("checkpointing regime allowed an in-place update")
	}
	s.Log().SetCheckpointing(false)
	got, err := s.Read(key)
	if err != nil || binary.BigEndian.Uint64(got) != 2 {
		t.Fatalf("read after checkpointed upsert: %v %v", got, err)
	}
}

func TestReadFaultsAfterEviction(t *testing.T) {
	s := newTestStore(t)
	const n = 500
	for i := 0; i < n; i++ {
		if err := s.Upsert(key8(i), val8(i)); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	s.Log().FlushAndEvict(true)
	for i := 0; i < n; i++ {
		got, err := s.Read(key8(i))
		if err != nil {
			t.Fatalf("read %d after eviction: %v", i, err)
		}
		if binary.BigEndian.Uint64(got) != uint64(i) {
			t.Fatalf("read %d = %d", i, binary.BigEndian.Uint64(got))
		}
	}
}

func TestDeleteSurvivesEviction(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 100; i++ {
		if err := s.Upsert(key8(i), val8(i)); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := s.Delete(key8(42)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	s.Log().FlushAndEvict(true)
	if _, err := s.Read(key8(42)); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if _, err := s.Read(key8(41)); err != nil {
		t.Fatalf("neighbor read: %v", err)
	}
}

func TestRMWUpdaters(t *testing.T) {
	add := func(_, input, old []byte) []byte {
		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, binary.BigEndian.Uint64(old)+binary.BigEndian.Uint64(input))
		return out
	}
	cfg := testConfig(t)
	s, err := Open(Options{
		Config: cfg,
		Functions: Functions{
			InitialUpdater: func(_, input []byte) []byte { return input },
			CopyUpdater:    add,
			InPlaceUpdater: func(_, input, value []byte) bool {
				binary.BigEndian.PutUint64(value, binary.BigEndian.Uint64(value)+binary.BigEndian.Uint64(input))
				return true
			},
		},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	key := []byte("sum")
	if err := s.RMW(key, val8(5)); err != nil {
		t.Fatalf("rmw: %v", err)
	}
	if err := s.RMW(key, val8(7)); err != nil {
		t.Fatalf("rmw: %v", err)
	}
	got, err := s.Read(key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if binary.BigEndian.Uint64(got) != 12 {
		t.Fatalf("sum = %d, want 12", binary.BigEndian.Uint64(got))
	}

	// Copy path: evict so the record is immutable, then RMW again.
	s.Log().FlushAndEvict(true)
	if err := s.RMW(key, val8(3)); err != nil {
		t.Fatalf("rmw after evict: %v", err)
	}
	got, err = s.Read(key)
	if err != nil || binary.BigEndian.Uint64(got) != 15 {
		t.Fatalf("sum after copy update = %v %v, want 15", got, err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
