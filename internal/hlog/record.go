package hlog

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	// PageHeaderSize reserves the first bytes of every page; records start
	// after it, so address 0 is never a record address.
	PageHeaderSize = 64
	// FirstValidAddress is the address of the first record ever written.
	FirstValidAddress = PageHeaderSize
	// RecordHeaderSize is the fixed prefix of every record: the meta word
	// plus key and value lengths.
	RecordHeaderSize = 16
	// InvalidAddress marks "no address" in chains and cursors.
	InvalidAddress = 0
)

const (
	previousAddressMask = (1 << 48) - 1
	tombstoneBit        = 1 << 48
	validBit            = 1 << 49
	sealedBit           = 1 << 50
)

// RecordInfo is the 8-byte meta word at the head of every record: a
// 48-bit hash-chain link plus tombstone, valid, and sealed flags. A zero
// word marks the rest of a page as skip padding.
type RecordInfo uint64

// NewRecordInfo builds a valid record header chaining to prev.
func NewRecordInfo(prev int64, tombstone bool) RecordInfo {
	info := RecordInfo(uint64(prev)&previousAddressMask) | validBit
	if tombstone {
		info |= tombstoneBit
	}
	return info
}

// PreviousAddress returns the hash-chain link.
func (r RecordInfo) PreviousAddress() int64 { return int64(uint64(r) & previousAddressMask) }

// Tombstone reports whether the record is a logical delete.
func (r RecordInfo) Tombstone() bool { return uint64(r)&tombstoneBit != 0 }

// Valid reports whether the header describes a live record slot. Invalid
// records with intact lengths are skipped by iterators.
func (r RecordInfo) Valid() bool { return uint64(r)&validBit != 0 }

// Sealed reports whether in-place mutation of the record is fenced off.
func (r RecordInfo) Sealed() bool { return uint64(r)&sealedBit != 0 }

// WithPreviousAddress returns a copy with the chain link replaced.
func (r RecordInfo) WithPreviousAddress(prev int64) RecordInfo {
	return RecordInfo(uint64(r)&^previousAddressMask | uint64(prev)&previousAddressMask)
}

// WithSealed returns a copy with the sealed bit set.
func (r RecordInfo) WithSealed() RecordInfo { return r | sealedBit }

// WithValidCleared returns a copy with the valid bit cleared and the sealed
// bit set; the sealed bit keeps the word non-zero, since a zero word reads as
// page padding. Iterators skip such records by length; compaction copies that
// lose the index CAS use this to revoke a record without disturbing page
// layout.
func (r RecordInfo) WithValidCleared() RecordInfo {
	return RecordInfo(uint64(r)&^validBit | sealedBit)
}

// RecordSize returns the full aligned on-log size of a record with the given
// payload lengths.
func RecordSize(keyLen, valueLen int) int64 { return recordSize(keyLen, valueLen) }

// recordSize returns the full aligned on-log size for the given payload
// lengths.
func recordSize(keyLen, valueLen int) int64 {
	return align8(RecordHeaderSize + int64(keyLen) + int64(valueLen))
}

func align8(n int64) int64 { return (n + 7) &^ 7 }

// Page header encoding: magic | version | flags | page number | crc32c of the
// record area, zero padded to PageHeaderSize. The CRC is stamped when the
// flusher completes a page on the device and verified when a buffered scan
// iterator loads the page back in; ReadRecord and NoBuffering scans do not
// check it.

const (
	pageMagic   uint32 = 0x53545241 // "STRA"
	pageVersion uint16 = 1

	// PageFlagComplete marks a fully flushed page whose CRC covers the whole
	// record area.
	PageFlagComplete uint16 = 1
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// PageHeader describes one on-device page.
type PageHeader struct {
	Page  int64
	Flags uint16
	CRC   uint32
}

// EncodePageHeader writes the header into dst, which must be at least
// PageHeaderSize bytes.
func EncodePageHeader(dst []byte, h PageHeader) {
	for i := 0; i < PageHeaderSize; i++ {
		dst[i] = 0
	}
	binary.BigEndian.PutUint32(dst[0:4], pageMagic)
	binary.BigEndian.PutUint16(dst[4:6], pageVersion)
	binary.BigEndian.PutUint16(dst[6:8], h.Flags)
	binary.BigEndian.PutUint64(dst[8:16], uint64(h.Page))
	binary.BigEndian.PutUint32(dst[16:20], h.CRC)
}

// DecodePageHeader parses a page header, reporting false on bad magic.
func DecodePageHeader(b []byte) (PageHeader, bool) {
	if len(b) < PageHeaderSize || binary.BigEndian.Uint32(b[0:4]) != pageMagic {
		return PageHeader{}, false
	}
	return PageHeader{
		Flags: binary.BigEndian.Uint16(b[6:8]),
		Page:  int64(binary.BigEndian.Uint64(b[8:16])),
		CRC:   binary.BigEndian.Uint32(b[16:20]),
	}, true
}

// PageCRC computes the checksum of a page's record area.
func PageCRC(recordArea []byte) uint32 {
	return crc32.Update(0, castagnoli, recordArea)
}
