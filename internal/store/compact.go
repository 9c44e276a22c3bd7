package store

import (
	"github.com/rzbill/strata/internal/hlog"
	"github.com/rzbill/strata/pkg/log"
)

// CompactionType selects the compaction strategy.
type CompactionType int

const (
	// CompactionLookup uses the live hash index to detect superseding
	// versions in a single pass.
	CompactionLookup CompactionType = iota
	// CompactionScan reconstructs per-key latest-version knowledge with a
	// second pass, independent of index state.
	CompactionScan
)

// Compact relocates the live records of [BeginAddress, until) to the tail
// and retires the prefix by shifting BeginAddress. It returns the address
// the log was compacted until. The target must not lie past the
// safe-read-only frontier.
func (lg *Log) Compact(cf CompactionFunctions, until int64, typ CompactionType) (int64, error) {
	s := lg.s
	cf = cf.normalize()
	if until > s.alloc.SafeReadOnlyAddress() {
		return 0, ErrCompactionBoundary
	}
	switch typ {
	case CompactionLookup:
		return s.compactLookup(cf, until)
	case CompactionScan:
		return s.compactScan(cf, until)
	default:
		return 0, ErrInvalidCompactionType
	}
}

func isLive(info hlog.RecordInfo, cf CompactionFunctions, key, value []byte) bool {
	return !info.Tombstone() && !cf.IsDeleted(key, value)
}

// compactLookup walks [BeginAddress, until) once, re-appending every live
// record whose key has no superseding version at or past the record's own
// edge. The boundary tracks record edges so the final shift lands on one.
func (s *Store) compactLookup(cf CompactionFunctions, until int64) (int64, error) {
	s.epoch.Protect()
	defer s.epoch.Suspend()

	begin := s.alloc.BeginAddress()
	untilAddr := until
	it := s.alloc.Scan(begin, until, hlog.DoublePageBuffering)
	defer it.Close()

	copied, seen := 0, 0
	for it.GetNext() {
		key, value := it.Key(), it.Value()
		if isLive(it.Info(), cf, key, value) {
			if err := s.compactionCopyToTail(key, value, it.NextAddress()); err != nil {
				return 0, err
			}
			copied++
		}
		untilAddr = it.NextAddress()
		seen++
		if seen%pendingDrainInterval == 0 {
			s.epoch.ProtectAndDrain()
		}
	}
	s.CompletePending()
	s.alloc.ShiftBeginAddress(untilAddr, false)
	s.logger.Debug("lookup compaction done",
		log.Int64("until", untilAddr), log.Int("seen", seen), log.Int("copied", copied))
	return untilAddr, nil
}

// compactScan rebuilds per-key latest-version knowledge in a transient KV,
// catches up on the immutable tail so stale survivors cannot be
// resurrected, then emits the survivors.
func (s *Store) compactScan(cf CompactionFunctions, until int64) (int64, error) {
	s.epoch.Protect()
	defer s.epoch.Suspend()

	tmp := newTempKV()
	begin := s.alloc.BeginAddress()

	// Pass 1: fold [begin, until) into the temp KV.
	originalUntil := until
	{
		it := s.alloc.Scan(begin, until, hlog.DoublePageBuffering)
		seen := 0
		for it.GetNext() {
			key, value := it.Key(), it.Value()
			if it.Info().Tombstone() || cf.IsDeleted(key, value) {
				tmp.Delete(key)
			} else {
				tmp.Upsert(key, value)
			}
			originalUntil = it.NextAddress()
			seen++
			if seen%pendingDrainInterval == 0 {
				s.epoch.ProtectAndDrain()
			}
		}
		it.Close()
	}

	// Pass 2: every record in the newer immutable region, live or not,
	// supersedes whatever the temp KV holds for its key.
	untilAddr := originalUntil
	catchUp := func() {
		for {
			scanUntil := s.alloc.SafeReadOnlyAddress()
			if untilAddr >= scanUntil {
				return
			}
			it := s.alloc.Scan(untilAddr, scanUntil, hlog.SinglePageBuffering)
			for it.GetNext() {
				tmp.Delete(it.Key())
				untilAddr = it.NextAddress()
			}
			it.Close()
			untilAddr = scanUntil
		}
	}
	catchUp()

	// Pass 3: emit survivors still latest in the temp KV.
	emitted := 0
	ti := tmp.Iterate()
	for ti.Next() {
		if ti.Tombstone() {
			continue
		}
		catchUp()
		if addr, ok := tmp.ContainsKeyInMemory(ti.Key()); !ok || addr != ti.Address() {
			continue
		}
		if err := s.compactionCopyToTail(ti.Key(), ti.Value(), untilAddr-1); err != nil {
			return 0, err
		}
		emitted++
		if emitted%pendingDrainInterval == 0 {
			s.CompletePending()
		}
	}
	s.CompletePending()
	s.alloc.ShiftBeginAddress(originalUntil, false)
	s.logger.Debug("scan compaction done",
		log.Int64("until", originalUntil), log.Int("survivors", emitted))
	return originalUntil, nil
}
