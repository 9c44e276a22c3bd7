package hlog

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rzbill/strata/internal/device"
	"github.com/rzbill/strata/internal/epoch"
	"github.com/rzbill/strata/pkg/log"
)

var (
	// ErrAllocatorClosed is returned by operations after DeleteFromMemory.
	ErrAllocatorClosed = errors.New("hlog: allocator closed")
	// ErrRecordTooLarge is returned when a record cannot fit in one page.
	ErrRecordTooLarge = errors.New("hlog: record larger than page")
	// ErrPageChecksum is returned by ReadRecord when a device record header
	// carries lengths that cannot fit in one page.
	ErrPageChecksum = errors.New("hlog: page checksum mismatch")
)

// Options configures the Allocator.
type Options struct {
	// PageSizeBits sets the page size to 2^PageSizeBits bytes.
	PageSizeBits uint8
	// BufferPages is the number of frames in the in-memory ring.
	BufferPages int
	// EmptyPageCount reserves frames as always-empty.
	EmptyPageCount int
	// MutableFraction is the fraction of in-memory pages kept mutable.
	MutableFraction float64
	// Device receives flushed pages and serves faults below HeadAddress.
	Device device.Device
	// Epoch serializes region shifts against concurrent log access.
	Epoch *epoch.Manager
	// Logger is optional; a nop logger is used when nil.
	Logger log.Logger
}

type flushRange struct {
	from, to int64
}

// progress is a channel-close broadcast: waiters grab the current channel and
// block on it; each advance closes it and installs a fresh one.
type progress struct {
	mu sync.Mutex
	ch chan struct{}
}

func (p *progress) waitCh() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		p.ch = make(chan struct{})
	}
	return p.ch
}

func (p *progress) broadcast() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		close(p.ch)
		p.ch = nil
	}
}

// Allocator owns the page ring and the six address cursors.
type Allocator struct {
	pageBits uint8
	pageSize int64
	pageMask int64
	buffer   int

	begin        atomic.Int64
	safeHead     atomic.Int64
	head         atomic.Int64
	safeReadOnly atomic.Int64
	readOnly     atomic.Int64
	tail         atomic.Int64
	flushedUntil atomic.Int64

	emptyPages    atomic.Int32
	mutableLag    int64 // read-only lag behind the tail page, in bytes
	checkpointing atomic.Bool
	closed        atomic.Bool

	frameMu         sync.Mutex
	frames          [][]byte
	framePage       []int64 // logical page held by each frame, -1 when free
	closedUntilPage int64   // first page whose frame has not been released

	crossMu     sync.Mutex // serializes tail crossings onto a new page
	roTransMu   sync.Mutex // serializes SafeReadOnlyAddress transitions
	headTransMu sync.Mutex // serializes SafeHeadAddress transitions

	dev    device.Device
	epoch  *epoch.Manager
	logger log.Logger

	roObserver    atomic.Pointer[observerSlot]
	evictObserver atomic.Pointer[observerSlot]

	flushCh  chan flushRange
	closeCh  chan struct{}
	workerWG sync.WaitGroup

	progress progress
}

// NewAllocator creates the allocator, opens the first page, and starts the
// flush worker.
func NewAllocator(opts Options) (*Allocator, error) {
	if opts.Device == nil {
		return nil, errors.New("hlog: Options.Device is required")
	}
	if opts.Epoch == nil {
		return nil, errors.New("hlog: Options.Epoch is required")
	}
	if opts.BufferPages < 2 {
		return nil, errors.New("hlog: Options.BufferPages must be at least 2")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	a := &Allocator{
		pageBits:  opts.PageSizeBits,
		pageSize:  1 << opts.PageSizeBits,
		pageMask:  1<<opts.PageSizeBits - 1,
		buffer:    opts.BufferPages,
		dev:       opts.Device,
		epoch:     opts.Epoch,
		logger:    logger.WithComponent("hlog"),
		frames:    make([][]byte, opts.BufferPages),
		framePage: make([]int64, opts.BufferPages),
		flushCh:   make(chan flushRange, 4*opts.BufferPages),
		closeCh:   make(chan struct{}),
	}
	for i := range a.framePage {
		a.framePage[i] = -1
	}

	empty := clampEmptyPages(opts.EmptyPageCount, opts.BufferPages)
	a.emptyPages.Store(int32(empty))

	frac := opts.MutableFraction
	if frac <= 0 || frac > 1 {
		frac = 0.9
	}
	lagPages := int64(frac * float64(opts.BufferPages))
	if lagPages < 1 {
		lagPages = 1
	}
	if max := int64(opts.BufferPages - empty - 1); lagPages > max && max >= 1 {
		lagPages = max
	}
	a.mutableLag = lagPages << opts.PageSizeBits

	a.begin.Store(FirstValidAddress)
	a.safeHead.Store(FirstValidAddress)
	a.head.Store(FirstValidAddress)
	a.safeReadOnly.Store(FirstValidAddress)
	a.readOnly.Store(FirstValidAddress)
	a.tail.Store(FirstValidAddress)
	a.flushedUntil.Store(FirstValidAddress)

	a.frameMu.Lock()
	a.installFrame(0)
	a.frameMu.Unlock()

	a.workerWG.Add(1)
	go a.flushWorker()
	return a, nil
}

func clampEmptyPages(count, buffer int) int {
	if count < 0 {
		return 0
	}
	if count > buffer-1 {
		return buffer - 1
	}
	return count
}

// Cursor getters. All reads are relaxed single-word loads.

func (a *Allocator) BeginAddress() int64        { return a.begin.Load() }
func (a *Allocator) SafeHeadAddress() int64     { return a.safeHead.Load() }
func (a *Allocator) HeadAddress() int64         { return a.head.Load() }
func (a *Allocator) SafeReadOnlyAddress() int64 { return a.safeReadOnly.Load() }
func (a *Allocator) ReadOnlyAddress() int64     { return a.readOnly.Load() }

// GetTailAddress returns the next append position.
func (a *Allocator) GetTailAddress() int64 { return a.tail.Load() }

// FlushedUntilAddress returns the durability frontier.
func (a *Allocator) FlushedUntilAddress() int64 { return a.flushedUntil.Load() }

// PageSize returns the page size in bytes.
func (a *Allocator) PageSize() int64 { return a.pageSize }

// BufferPages returns the frame count of the ring.
func (a *Allocator) BufferPages() int { return a.buffer }

// EmptyPageCount returns the reserved always-empty frame count.
func (a *Allocator) EmptyPageCount() int { return int(a.emptyPages.Load()) }

// Checkpointing reports the checkpoint regime flag.
func (a *Allocator) Checkpointing() bool { return a.checkpointing.Load() }

// HeadOffsetLagAddress is the distance the head trails the tail page:
// (BufferPages - EmptyPageCount) * PageSize.
func (a *Allocator) HeadOffsetLagAddress() int64 {
	return int64(a.buffer-int(a.emptyPages.Load())) << a.pageBits
}

func (a *Allocator) effectiveFrames() int64 {
	return int64(a.buffer - int(a.emptyPages.Load()))
}

// casMax raises cur to v, returning true when it performed a transition.
// A request at or below the current value is silently ignored.
func casMax(cur *atomic.Int64, v int64) bool {
	for {
		old := cur.Load()
		if v <= old {
			return false
		}
		if cur.CompareAndSwap(old, v) {
			return true
		}
	}
}

// Allocate reserves size bytes at the tail and returns their address. It may
// block until a page frame can be recycled; the caller must hold epoch
// protection so that blocking cooperatively drains.
func (a *Allocator) Allocate(size int64) (int64, error) {
	if size <= 0 || size > a.pageSize-PageHeaderSize {
		return 0, ErrRecordTooLarge
	}
	for {
		if a.closed.Load() {
			return 0, ErrAllocatorClosed
		}
		tail := a.tail.Load()
		// A tail at page offset 0 has exactly filled the previous page; the
		// next page is not open yet, so the allocation must cross.
		if off := tail & a.pageMask; off != 0 && off+size <= a.pageSize {
			if a.tail.CompareAndSwap(tail, tail+size) {
				return tail, nil
			}
			continue
		}
		if err := a.crossPage(size); err != nil {
			return 0, err
		}
	}
}

// crossPage moves the tail onto the next page, leaving the remainder of the
// current page as zeroed skip padding. Only one goroutine crosses at a time.
func (a *Allocator) crossPage(size int64) error {
	a.crossMu.Lock()
	defer a.crossMu.Unlock()

	tail := a.tail.Load()
	if off := tail & a.pageMask; off != 0 && off+size <= a.pageSize {
		return nil // someone else crossed while we waited on the lock
	}
	next := ((tail - 1) >> a.pageBits) + 1
	if err := a.ensureFrame(next); err != nil {
		return err
	}
	// Publish the new tail. Within-page allocations may still race ahead of
	// us; retry against them until the crossing lands.
	for {
		tail = a.tail.Load()
		if off := tail & a.pageMask; off != 0 && off+size <= a.pageSize {
			return nil
		}
		if a.tail.CompareAndSwap(tail, next<<a.pageBits+PageHeaderSize) {
			break
		}
	}
	a.onPageOpened(next)
	return nil
}

// onPageOpened nudges the read-only boundary so the mutable region tracks
// the tail.
func (a *Allocator) onPageOpened(page int64) {
	desired := page<<a.pageBits - a.mutableLag
	if desired > FirstValidAddress {
		a.ShiftReadOnlyAddress(desired)
	}
}

// ensureFrame makes the frame for the given logical page available, zeroed.
// It cooperatively shifts read-only/head and drains epochs while the ring is
// full.
func (a *Allocator) ensureFrame(page int64) error {
	for {
		if a.closed.Load() {
			return ErrAllocatorClosed
		}
		admission := (page + 1 - a.effectiveFrames()) << a.pageBits
		if admission <= FirstValidAddress || a.safeHead.Load() >= admission {
			a.frameMu.Lock()
			slot := int(page) % a.buffer
			if a.framePage[slot] == -1 || a.framePage[slot] == page {
				a.installFrame(page)
				a.frameMu.Unlock()
				return nil
			}
			a.frameMu.Unlock()
		}

		if admission > FirstValidAddress {
			a.ShiftReadOnlyAddress(admission)
			if a.flushedUntil.Load() >= admission {
				a.ShiftHeadAddress(admission)
			}
		}

		ch := a.progress.waitCh()
		if a.epoch.ThisInstanceProtected() {
			a.epoch.ProtectAndDrain()
		} else {
			a.epoch.Drain()
		}
		select {
		case <-ch:
		case <-time.After(time.Millisecond):
		}
	}
}

// installFrame binds (and zeroes) the frame slot for page. Caller holds
// frameMu.
func (a *Allocator) installFrame(page int64) {
	slot := int(page) % a.buffer
	if a.frames[slot] == nil {
		a.frames[slot] = make([]byte, a.pageSize)
	} else if a.framePage[slot] != page {
		buf := a.frames[slot]
		for i := range buf {
			buf[i] = 0
		}
	}
	a.framePage[slot] = page
}

// frameBytes returns the in-memory bytes for addr, or nil when the page is
// not resident.
func (a *Allocator) frameBytes(addr, n int64) []byte {
	page := addr >> a.pageBits
	slot := int(page) % a.buffer
	a.frameMu.Lock()
	defer a.frameMu.Unlock()
	if a.framePage[slot] != page {
		return nil
	}
	off := addr & a.pageMask
	return a.frames[slot][off : off+n]
}

// InMemory reports whether addr is at or above the in-memory boundary.
func (a *Allocator) InMemory(addr int64) bool { return addr >= a.head.Load() }

// WriteRecord lays a record down at addr, which must have been returned by
// Allocate during the current protected window.
func (a *Allocator) WriteRecord(addr int64, info RecordInfo, key, value []byte) {
	b := a.frameBytes(addr, recordSize(len(key), len(value)))
	if b == nil {
		panic("hlog: WriteRecord on non-resident page")
	}
	binary.LittleEndian.PutUint64(b[0:8], uint64(info))
	binary.LittleEndian.PutUint32(b[8:12], uint32(len(key)))
	binary.LittleEndian.PutUint32(b[12:16], uint32(len(value)))
	copy(b[16:16+len(key)], key)
	copy(b[16+len(key):16+len(key)+len(value)], value)
}

// WriteRecordHeader lays down the meta word, lengths, and key, leaving the
// value area for the caller's writer callback.
func (a *Allocator) WriteRecordHeader(addr int64, info RecordInfo, key []byte, valueLen int) {
	b := a.frameBytes(addr, recordSize(len(key), valueLen))
	if b == nil {
		panic("hlog: WriteRecordHeader on non-resident page")
	}
	binary.LittleEndian.PutUint64(b[0:8], uint64(info))
	binary.LittleEndian.PutUint32(b[8:12], uint32(len(key)))
	binary.LittleEndian.PutUint32(b[12:16], uint32(valueLen))
	copy(b[16:16+len(key)], key)
}

// ValueBytes returns the in-memory value area of a record for in-place
// writes.
func (a *Allocator) ValueBytes(addr int64, keyLen, valueLen int) []byte {
	b := a.frameBytes(addr, recordSize(keyLen, valueLen))
	if b == nil {
		panic("hlog: ValueBytes on non-resident page")
	}
	return b[16+int64(keyLen) : 16+int64(keyLen)+int64(valueLen)]
}

// StoreInfo rewrites the meta word of an in-memory record. Used to fix the
// chain link before an index CAS retry and to revoke records.
func (a *Allocator) StoreInfo(addr int64, info RecordInfo) {
	b := a.frameBytes(addr, 8)
	if b == nil {
		panic("hlog: StoreInfo on non-resident page")
	}
	binary.LittleEndian.PutUint64(b, uint64(info))
}

// ReadRecord returns a record's header and payload. In-memory records return
// borrowed frame slices valid for the protected window; device records
// return fresh copies. Faulting below HeadAddress reports fault=true so
// callers can account pending I/O.
func (a *Allocator) ReadRecord(addr int64) (info RecordInfo, key, value []byte, fault bool, err error) {
	if a.InMemory(addr) {
		b := a.frameBytes(addr, RecordHeaderSize)
		if b != nil {
			info = RecordInfo(binary.LittleEndian.Uint64(b[0:8]))
			keyLen := int64(binary.LittleEndian.Uint32(b[8:12]))
			valueLen := int64(binary.LittleEndian.Uint32(b[12:16]))
			full := a.frameBytes(addr, RecordHeaderSize+keyLen+valueLen)
			if full != nil {
				return info, full[16 : 16+keyLen], full[16+keyLen : 16+keyLen+valueLen], false, nil
			}
		}
		// Page was evicted between the boundary check and the frame read;
		// fall through to the device.
	}
	var hdr [RecordHeaderSize]byte
	if err := a.dev.ReadAt(hdr[:], addr); err != nil {
		return 0, nil, nil, true, err
	}
	info = RecordInfo(binary.LittleEndian.Uint64(hdr[0:8]))
	keyLen := int64(binary.LittleEndian.Uint32(hdr[8:12]))
	valueLen := int64(binary.LittleEndian.Uint32(hdr[12:16]))
	if keyLen < 0 || valueLen < 0 || RecordHeaderSize+keyLen+valueLen > a.pageSize {
		return 0, nil, nil, true, ErrPageChecksum
	}
	payload := make([]byte, keyLen+valueLen)
	if err := a.dev.ReadAt(payload, addr+RecordHeaderSize); err != nil {
		return 0, nil, nil, true, err
	}
	return info, payload[:keyLen], payload[keyLen:], true, nil
}

// DeleteFromMemory releases every frame and stops the flush worker. The
// allocator is unusable afterwards; calling it twice panics.
func (a *Allocator) DeleteFromMemory() {
	if a.closed.Swap(true) {
		panic("hlog: DeleteFromMemory called twice")
	}
	close(a.closeCh)
	a.workerWG.Wait()

	a.frameMu.Lock()
	for i := range a.frames {
		a.frames[i] = nil
		a.framePage[i] = -1
	}
	a.frameMu.Unlock()
	a.progress.broadcast()
}

// SetEmptyPageCountValue clamps and stores the reserved-empty count and
// returns the implied head target,
// (TailAddress & ^PageSizeMask) - HeadOffsetLagAddress.
func (a *Allocator) SetEmptyPageCountValue(count int) int64 {
	empty := clampEmptyPages(count, a.buffer)
	a.emptyPages.Store(int32(empty))
	return a.tail.Load()&^a.pageMask - a.HeadOffsetLagAddress()
}

// SetCheckpointing flips the checkpoint regime flag and bumps the epoch so
// in-flight operations observe it on their next re-protect.
func (a *Allocator) SetCheckpointing(on bool) {
	a.checkpointing.Store(on)
	a.epoch.BumpCurrentEpoch(func() {})
}

// flushWorker serializes device writes and advances FlushedUntilAddress.
func (a *Allocator) flushWorker() {
	defer a.workerWG.Done()
	for {
		select {
		case r := <-a.flushCh:
			a.flush(r)
		case <-a.closeCh:
			for {
				select {
				case r := <-a.flushCh:
					a.flush(r)
				default:
					return
				}
			}
		}
	}
}

// flush writes the record bytes of [from, to) page by page, stamping the
// header of every page it completes. Ranges arrive contiguous and in order.
func (a *Allocator) flush(r flushRange) {
	for addr := r.from; addr < r.to; {
		pageStart := addr &^ a.pageMask
		segFrom := addr
		if segFrom < pageStart+PageHeaderSize {
			segFrom = pageStart + PageHeaderSize
		}
		segTo := pageStart + a.pageSize
		if r.to < segTo {
			segTo = r.to
		}
		if segFrom < segTo {
			b := a.frameBytes(segFrom, segTo-segFrom)
			if b == nil {
				a.logger.Error("flush source page not resident", log.Int64("addr", segFrom))
				return
			}
			if err := a.dev.WriteAt(b, segFrom); err != nil {
				a.logger.Error("device write failed; durability frontier stalled",
					log.Int64("from", segFrom), log.Err(err))
				return
			}
		}
		if segTo == pageStart+a.pageSize {
			a.stampPageHeader(pageStart)
		}
		addr = segTo
	}
	casMax(&a.flushedUntil, r.to)
	a.progress.broadcast()
}

// stampPageHeader writes the completed-page header with the record-area CRC.
func (a *Allocator) stampPageHeader(pageStart int64) {
	area := a.frameBytes(pageStart+PageHeaderSize, a.pageSize-PageHeaderSize)
	if area == nil {
		return
	}
	var hdr [PageHeaderSize]byte
	EncodePageHeader(hdr[:], PageHeader{
		Page:  pageStart >> a.pageBits,
		Flags: PageFlagComplete,
		CRC:   PageCRC(area),
	})
	if err := a.dev.WriteAt(hdr[:], pageStart); err != nil {
		a.logger.Error("page header write failed", log.Int64("page", pageStart>>a.pageBits), log.Err(err))
	}
}
