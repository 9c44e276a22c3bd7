package device

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// File is a sparse-file device: logical log offset equals file offset.
type File struct {
	f              *os.File
	truncatedBelow atomic.Int64
	closed         atomic.Bool
}

// OpenFile creates or opens a file device at dir/name.
func OpenFile(dir, name string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{f: f}, nil
}

// WriteAt writes p at logical offset off.
func (d *File) WriteAt(p []byte, off int64) error {
	if d.closed.Load() {
		return ErrClosed
	}
	_, err := d.f.WriteAt(p, off)
	return err
}

// ReadAt fills p from logical offset off. Reads below the truncation point
// fail with ErrTruncated.
func (d *File) ReadAt(p []byte, off int64) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if off < d.truncatedBelow.Load() {
		return ErrTruncated
	}
	n, err := d.f.ReadAt(p, off)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		// The file is sparse; bytes past its end read as zeros.
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
		return nil
	}
	return err
}

// Truncate retires bytes below the given offset. The file stays sparse; the
// prefix is only fenced off logically.
func (d *File) Truncate(below int64) error {
	if d.closed.Load() {
		return ErrClosed
	}
	for {
		cur := d.truncatedBelow.Load()
		if below <= cur {
			return nil
		}
		if d.truncatedBelow.CompareAndSwap(cur, below) {
			return nil
		}
	}
}

// Sync flushes file contents to stable storage.
func (d *File) Sync() error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.f.Sync()
}

// Close closes the underlying file.
func (d *File) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.f.Close()
}
