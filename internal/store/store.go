package store

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rzbill/strata/internal/config"
	"github.com/rzbill/strata/internal/device"
	"github.com/rzbill/strata/internal/epoch"
	"github.com/rzbill/strata/internal/hlog"
	"github.com/rzbill/strata/pkg/log"
)

// pendingDrainInterval is how many outstanding faulting operations are
// tolerated before a drain.
const pendingDrainInterval = 256

// Options configures Open.
type Options struct {
	Config config.Config
	// Device overrides the device implied by Config when non-nil.
	Device device.Device
	// Functions customizes session behavior; zero slots get defaults.
	Functions Functions
	// Logger is optional.
	Logger log.Logger
}

// Store is a log-structured hybrid-memory key-value store.
type Store struct {
	alloc  *hlog.Allocator
	epoch  *epoch.Manager
	index  *index
	fns    Functions
	dev    device.Device
	ownDev bool
	logger log.Logger

	log     Log
	pending atomic.Int64
	closed  atomic.Bool
}

// Log is the store's log handle: the full accessor surface plus Compact,
// which needs the hash index.
type Log struct {
	*hlog.Accessor
	s *Store
}

// Open builds the device, allocator, and index per the configuration.
func Open(opts Options) (*Store, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	dev := opts.Device
	ownDev := false
	if dev == nil {
		var err error
		dev, err = openDevice(cfg)
		if err != nil {
			return nil, err
		}
		ownDev = true
	}

	em := epoch.NewManager()
	alloc, err := hlog.NewAllocator(hlog.Options{
		PageSizeBits:    cfg.PageSizeBits,
		BufferPages:     cfg.BufferPages,
		EmptyPageCount:  cfg.EmptyPageCount,
		MutableFraction: cfg.MutableFraction,
		Device:          dev,
		Epoch:           em,
		Logger:          logger,
	})
	if err != nil {
		if ownDev {
			_ = dev.Close()
		}
		return nil, err
	}

	s := &Store{
		alloc:  alloc,
		epoch:  em,
		index:  newIndex(cfg.IndexShards),
		fns:    opts.Functions.normalize(),
		dev:    dev,
		ownDev: ownDev,
		logger: logger.WithComponent("store"),
	}
	s.log = Log{Accessor: hlog.NewAccessor(alloc, em), s: s}
	return s, nil
}

func openDevice(cfg config.Config) (device.Device, error) {
	switch cfg.Device {
	case config.DeviceFile:
		return device.OpenFile(cfg.DataDir, "strata.log")
	case config.DevicePebble:
		mode := device.FsyncModeAlways
		switch cfg.Fsync {
		case config.FsyncInterval:
			mode = device.FsyncModeInterval
		case config.FsyncNever:
			mode = device.FsyncModeNever
		}
		return device.OpenPebble(device.PebbleOptions{
			DataDir:       cfg.DataDir,
			PageSizeBits:  cfg.PageSizeBits,
			Fsync:         mode,
			FsyncInterval: time.Duration(cfg.FsyncIntervalMs) * time.Millisecond,
		})
	case config.DeviceNull:
		return device.NewNull(), nil
	default:
		return nil, fmt.Errorf("store: unknown device %q", cfg.Device)
	}
}

// Log returns the log handle.
func (s *Store) Log() *Log { return &s.log }

// Epoch returns the store's epoch manager.
func (s *Store) Epoch() *epoch.Manager { return s.epoch }

// Close disposes the log from memory and closes an owned device. Closing
// twice is a no-op.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.log.DisposeFromMemory()
	if s.ownDev {
		return s.dev.Close()
	}
	return nil
}

// chainHit is the result of walking a hash chain for a key.
type chainHit struct {
	addr  int64
	info  hlog.RecordInfo
	value []byte // borrowed for in-memory records, copied for device records
	found bool
}

// findInChain walks the chain from head looking for key, stopping below
// floor. Faults below HeadAddress are counted as pending I/O.
func (s *Store) findInChain(head int64, key []byte, floor int64) (chainHit, error) {
	begin := s.alloc.BeginAddress()
	if floor < begin {
		floor = begin
	}
	addr := head
	for addr >= floor && addr != hlog.InvalidAddress {
		info, k, v, fault, err := s.alloc.ReadRecord(addr)
		if fault {
			s.notePending()
		}
		if err != nil {
			if errors.Is(err, device.ErrTruncated) {
				return chainHit{}, nil
			}
			return chainHit{}, err
		}
		if bytes.Equal(k, key) {
			return chainHit{addr: addr, info: info, value: v, found: true}, nil
		}
		addr = info.PreviousAddress()
	}
	return chainHit{}, nil
}

// appendRecord allocates, writes, and links a record at the tail.
func (s *Store) appendRecord(b *bucket, key, value []byte, tombstone bool) error {
	addr, err := s.alloc.Allocate(hlog.RecordSize(len(key), len(value)))
	if err != nil {
		return err
	}
	head := b.head.Load()
	s.alloc.WriteRecordHeader(addr, hlog.NewRecordInfo(head, tombstone), key, len(value))
	if len(value) > 0 {
		s.fns.SingleWriter(key, value, s.alloc.ValueBytes(addr, len(key), len(value)))
	}
	for {
		if b.head.CompareAndSwap(head, addr) {
			return nil
		}
		head = b.head.Load()
		s.alloc.StoreInfo(addr, hlog.NewRecordInfo(head, tombstone))
	}
}

// Upsert writes key=value, updating in place when the newest version of the
// key is mutable and the concurrent writer accepts it.
func (s *Store) Upsert(key, value []byte) error {
	s.epoch.Protect()
	defer s.epoch.Suspend()

	b := s.index.bucketFor(s.index.hash(key), true)
	hit, err := s.findInChain(b.head.Load(), key, hlog.FirstValidAddress)
	if err != nil {
		return err
	}
	if hit.found && !hit.info.Tombstone() && !hit.info.Sealed() &&
		hit.addr >= s.alloc.ReadOnlyAddress() && !s.alloc.Checkpointing() {
		if s.fns.ConcurrentWriter(key, value, hit.value) {
			return nil
		}
	}
	return s.appendRecord(b, key, value, false)
}

// Read returns a copy of the newest live value for key.
func (s *Store) Read(key []byte) ([]byte, error) {
	s.epoch.Protect()
	defer s.epoch.Suspend()

	b := s.index.bucketFor(s.index.hash(key), false)
	if b == nil {
		return nil, ErrKeyNotFound
	}
	hit, err := s.findInChain(b.head.Load(), key, hlog.FirstValidAddress)
	if err != nil {
		return nil, err
	}
	if !hit.found || hit.info.Tombstone() {
		return nil, ErrKeyNotFound
	}
	if hit.addr >= s.alloc.ReadOnlyAddress() {
		s.fns.ConcurrentReader(key, hit.value)
	} else {
		s.fns.SingleReader(key, hit.value)
	}
	return append([]byte(nil), hit.value...), nil
}

// Delete appends a tombstone for key.
func (s *Store) Delete(key []byte) error {
	s.epoch.Protect()
	defer s.epoch.Suspend()

	b := s.index.bucketFor(s.index.hash(key), true)
	return s.appendRecord(b, key, nil, true)
}

// RMW applies a read-modify-write through the updater slots.
func (s *Store) RMW(key, input []byte) error {
	s.epoch.Protect()
	defer s.epoch.Suspend()

	b := s.index.bucketFor(s.index.hash(key), true)
	hit, err := s.findInChain(b.head.Load(), key, hlog.FirstValidAddress)
	if err != nil {
		return err
	}
	var next []byte
	switch {
	case !hit.found || hit.info.Tombstone():
		next = s.fns.InitialUpdater(key, input)
	case hit.addr >= s.alloc.ReadOnlyAddress() && !hit.info.Sealed() && !s.alloc.Checkpointing():
		if s.fns.InPlaceUpdater(key, input, hit.value) {
			return nil
		}
		next = s.fns.CopyUpdater(key, input, hit.value)
	default:
		next = s.fns.CopyUpdater(key, input, hit.value)
	}
	return s.appendRecord(b, key, next, false)
}

// notePending accounts one faulting operation, draining every
// pendingDrainInterval outstanding.
func (s *Store) notePending() {
	if s.pending.Add(1)%pendingDrainInterval == 0 {
		s.CompletePending()
	}
}

// CompletePending drains outstanding work. Device reads resolve
// synchronously underneath, so this reduces to a cooperative epoch drain,
// preserving the pacing contract of the asynchronous design.
func (s *Store) CompletePending() {
	if s.epoch.ThisInstanceProtected() {
		s.epoch.ProtectAndDrain()
	} else {
		s.epoch.Drain()
	}
}

// compactionCopyToTail re-appends key=value at the tail unless the chain
// already holds a record for key at or above minAddress, in which case the
// candidate is stale and dropped. Caller must hold epoch protection.
func (s *Store) compactionCopyToTail(key, value []byte, minAddress int64) error {
	b := s.index.bucketFor(s.index.hash(key), true)
	for {
		head := b.head.Load()
		hit, err := s.findInChain(head, key, minAddress)
		if err != nil {
			return err
		}
		if hit.found {
			return nil
		}

		addr, err := s.alloc.Allocate(hlog.RecordSize(len(key), len(value)))
		if err != nil {
			return err
		}
		info := hlog.NewRecordInfo(head, false)
		s.alloc.WriteRecordHeader(addr, info, key, len(value))
		if len(value) > 0 {
			s.fns.SingleWriter(key, value, s.alloc.ValueBytes(addr, len(key), len(value)))
		}
		if b.head.CompareAndSwap(head, addr) {
			return nil
		}
		// The chain moved under us: revoke the record and re-run the
		// staleness check against the new head.
		s.alloc.StoreInfo(addr, info.WithValidCleared())
	}
}
