package hlog

import (
	"encoding/binary"

	"github.com/rzbill/strata/pkg/log"
)

// BufferingMode controls how a ScanIterator stages device pages.
type BufferingMode int

const (
	// SinglePageBuffering keeps the page under the cursor in memory.
	SinglePageBuffering BufferingMode = iota
	// DoublePageBuffering additionally prefetches the next page.
	DoublePageBuffering
	// NoBuffering reads each record directly from the device.
	NoBuffering
)

// ScanIterator walks records of a half-open address range in ascending
// order, exactly once each. It is lazy, finite, and non-restartable. Key and
// Value return borrowed slices valid only until the next GetNext or Close.
type ScanIterator struct {
	a    *Allocator
	mode BufferingMode

	start   int64
	current int64
	next    int64
	end     int64
	done    bool

	info    RecordInfo
	scratch []byte
	keyLen  int64
	valLen  int64

	bufPage [2]int64
	buf     [2][]byte
}

// Scan returns an iterator over [begin, end) clamped to the safe-read-only
// frontier, so only immutable records are produced.
func (a *Allocator) Scan(begin, end int64, mode BufferingMode) *ScanIterator {
	if sro := a.safeReadOnly.Load(); end > sro {
		end = sro
	}
	return a.newIterator(begin, end, mode)
}

// ScanMutable returns an iterator over [begin, end) clamped only to the
// tail, allowing reads past ReadOnlyAddress.
func (a *Allocator) ScanMutable(begin, end int64, mode BufferingMode) *ScanIterator {
	if t := a.tail.Load(); end > t {
		end = t
	}
	return a.newIterator(begin, end, mode)
}

func (a *Allocator) newIterator(begin, end int64, mode BufferingMode) *ScanIterator {
	if begin < FirstValidAddress {
		begin = FirstValidAddress
	}
	it := &ScanIterator{a: a, mode: mode, start: begin, next: begin, end: end}
	it.bufPage[0], it.bufPage[1] = -1, -1
	return it
}

// GetNext advances to the next live record. It returns false at exhaustion;
// invalid records and padding are skipped silently, tombstones are returned.
func (it *ScanIterator) GetNext() bool {
	for !it.done {
		cur := it.next
		pageStart := cur &^ it.a.pageMask
		if cur&it.a.pageMask < PageHeaderSize {
			cur = pageStart + PageHeaderSize
		}
		if cur >= it.end {
			it.done = true
			return false
		}
		if (cur&it.a.pageMask)+RecordHeaderSize > it.a.pageSize {
			it.next = pageStart + it.a.pageSize
			continue
		}

		hdr, ok := it.bytes(cur, RecordHeaderSize)
		if !ok {
			it.done = true
			return false
		}
		info := RecordInfo(binary.LittleEndian.Uint64(hdr[0:8]))
		if info == 0 {
			// Zero meta word: the rest of the page is skip padding.
			it.next = pageStart + it.a.pageSize
			continue
		}
		keyLen := int64(binary.LittleEndian.Uint32(hdr[8:12]))
		valLen := int64(binary.LittleEndian.Uint32(hdr[12:16]))
		size := recordSize(int(keyLen), int(valLen))
		if cur+size > pageStart+it.a.pageSize {
			// Corrupt length; do not walk off the page.
			it.done = true
			return false
		}
		it.next = cur + size
		if !info.Valid() {
			continue
		}

		payload, ok := it.bytes(cur+RecordHeaderSize, keyLen+valLen)
		if !ok {
			it.done = true
			return false
		}
		if int64(cap(it.scratch)) < keyLen+valLen {
			it.scratch = make([]byte, keyLen+valLen)
		}
		it.scratch = it.scratch[:keyLen+valLen]
		copy(it.scratch, payload)
		it.info = info
		it.keyLen = keyLen
		it.valLen = valLen
		it.current = cur
		return true
	}
	return false
}

// StartAddress is the inclusive lower bound of the scanned range.
func (it *ScanIterator) StartAddress() int64 { return it.start }

// EndAddress is the exclusive upper bound of the scanned range.
func (it *ScanIterator) EndAddress() int64 { return it.end }

// CurrentAddress is the address of the last record returned.
func (it *ScanIterator) CurrentAddress() int64 { return it.current }

// NextAddress is the address immediately past the last record returned,
// always at a record boundary.
func (it *ScanIterator) NextAddress() int64 { return it.next }

// Info returns the last record's meta word.
func (it *ScanIterator) Info() RecordInfo { return it.info }

// Key returns the last record's key, borrowed until the next GetNext.
func (it *ScanIterator) Key() []byte { return it.scratch[:it.keyLen] }

// Value returns the last record's value, borrowed until the next GetNext.
func (it *ScanIterator) Value() []byte { return it.scratch[it.keyLen : it.keyLen+it.valLen] }

// Close releases buffered pages. The iterator is unusable afterwards.
func (it *ScanIterator) Close() {
	it.done = true
	it.buf[0], it.buf[1] = nil, nil
	it.bufPage[0], it.bufPage[1] = -1, -1
}

// bytes stages [addr, addr+n) for reading, from the resident frame when the
// page is in memory and from the device otherwise.
func (it *ScanIterator) bytes(addr, n int64) ([]byte, bool) {
	if it.a.InMemory(addr) {
		if b := it.a.frameBytes(addr, n); b != nil {
			return b, true
		}
		// Evicted under us; fall through to the device.
	}
	if it.mode == NoBuffering {
		b := make([]byte, n)
		if err := it.a.dev.ReadAt(b, addr); err != nil {
			return nil, false
		}
		return b, true
	}
	page := addr >> it.a.pageBits
	buf, ok := it.devicePage(page)
	if !ok {
		return nil, false
	}
	off := addr & it.a.pageMask
	return buf[off : off+n], true
}

// devicePage returns the buffered copy of a device page, faulting it in and
// verifying its checksum when the page was flushed complete. With double
// buffering the following page is prefetched.
func (it *ScanIterator) devicePage(page int64) ([]byte, bool) {
	for i := range it.bufPage {
		if it.bufPage[i] == page {
			return it.buf[i], true
		}
	}
	buf, ok := it.loadPage(0, page)
	if !ok {
		return nil, false
	}
	if it.mode == DoublePageBuffering && (page+1)<<it.a.pageBits < it.end {
		it.loadPage(1, page+1)
	}
	return buf, true
}

func (it *ScanIterator) loadPage(slot int, page int64) ([]byte, bool) {
	if it.buf[slot] == nil {
		it.buf[slot] = make([]byte, it.a.pageSize)
	}
	if err := it.a.dev.ReadAt(it.buf[slot], page<<it.a.pageBits); err != nil {
		it.bufPage[slot] = -1
		return nil, false
	}
	if hdr, ok := DecodePageHeader(it.buf[slot]); ok && hdr.Flags&PageFlagComplete != 0 {
		if PageCRC(it.buf[slot][PageHeaderSize:]) != hdr.CRC {
			it.a.logger.Error("page checksum mismatch", log.Int64("page", page))
			it.bufPage[slot] = -1
			return nil, false
		}
	}
	it.bufPage[slot] = page
	return it.buf[slot], true
}
