package device

import (
	"bytes"
	"testing"
)

func TestFileRoundTrip(t *testing.T) {
	d, err := OpenFile(t.TempDir(), "log")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	want := []byte("hello hybrid log")
	if err := d.WriteAt(want, 4096); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(want))
	if err := d.ReadAt(got, 4096); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestFileReadsPastEndAreZeros(t *testing.T) {
	d, err := OpenFile(t.TempDir(), "log")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	if err := d.WriteAt([]byte("abc"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 16)
	if err := d.ReadAt(buf, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf[:3], []byte("abc")) {
		t.Fatalf("prefix mismatch: %q", buf[:3])
	}
	for i := 3; i < len(buf); i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d past end not zero: %d", i, buf[i])
		}
	}
}

func TestFileTruncateFencesReads(t *testing.T) {
	d, err := OpenFile(t.TempDir(), "log")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	if err := d.WriteAt([]byte("old data"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.Truncate(4); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if err := d.ReadAt(make([]byte, 2), 0); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if err := d.ReadAt(make([]byte, 2), 4); err != nil {
		t.Fatalf("read above truncation: %v", err)
	}
	// Truncation never regresses.
	if err := d.Truncate(2); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if err := d.ReadAt(make([]byte, 2), 2); err != ErrTruncated {
		t.Fatalf("expected truncation point to hold, got %v", err)
	}
}

func TestFileClosedOps(t *testing.T) {
	d, err := OpenFile(t.TempDir(), "log")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
	if err := d.WriteAt([]byte("x"), 0); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
