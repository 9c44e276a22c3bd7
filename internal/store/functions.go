package store

// Functions is the capability record a session customizes store behavior
// with. Every slot has a default; zero values are filled in by normalize.
type Functions struct {
	// SingleWriter fills the value area of a freshly allocated record.
	SingleWriter func(key, src, dst []byte)
	// ConcurrentWriter updates a mutable-region record in place; returning
	// false forces an append instead.
	ConcurrentWriter func(key, src, dst []byte) bool
	// InitialUpdater produces the value for an RMW on a missing key.
	InitialUpdater func(key, input []byte) []byte
	// CopyUpdater produces the replacement value for an RMW whose target is
	// immutable.
	CopyUpdater func(key, input, old []byte) []byte
	// InPlaceUpdater applies an RMW to a mutable-region record in place;
	// returning false forces the copy path.
	InPlaceUpdater func(key, input, value []byte) bool
	// SingleReader and ConcurrentReader observe values on the read path,
	// for immutable and mutable records respectively.
	SingleReader     func(key, value []byte)
	ConcurrentReader func(key, value []byte)
}

func (f Functions) normalize() Functions {
	if f.SingleWriter == nil {
		f.SingleWriter = func(_, src, dst []byte) { copy(dst, src) }
	}
	if f.ConcurrentWriter == nil {
		f.ConcurrentWriter = func(_, src, dst []byte) bool {
			if len(src) != len(dst) {
				return false
			}
			copy(dst, src)
			return true
		}
	}
	if f.InitialUpdater == nil {
		f.InitialUpdater = func(_, input []byte) []byte { return input }
	}
	if f.CopyUpdater == nil {
		f.CopyUpdater = func(_, input, _ []byte) []byte { return input }
	}
	if f.InPlaceUpdater == nil {
		f.InPlaceUpdater = func(_, input, value []byte) bool {
			if len(input) != len(value) {
				return false
			}
			copy(value, input)
			return true
		}
	}
	if f.SingleReader == nil {
		f.SingleReader = func(_, _ []byte) {}
	}
	if f.ConcurrentReader == nil {
		f.ConcurrentReader = func(_, _ []byte) {}
	}
	return f
}

// CompactionFunctions carries the liveness predicate compaction consults on
// top of tombstones.
type CompactionFunctions struct {
	// IsDeleted reports that a record should be treated as dead even though
	// it is not tombstoned.
	IsDeleted func(key, value []byte) bool
}

func (cf CompactionFunctions) normalize() CompactionFunctions {
	if cf.IsDeleted == nil {
		cf.IsDeleted = func(_, _ []byte) bool { return false }
	}
	return cf
}
