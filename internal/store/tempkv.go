package store

// tempKV is the transient deduplication buffer scan compaction builds:
// an append-only arena of records plus a latest-pointer map, with
// tombstones. Addresses are 1-based arena indexes, so iteration order is
// insertion (address) order, mirroring the main log.
type tempKV struct {
	records []tempRecord
	latest  map[string]int64
}

type tempRecord struct {
	key       []byte
	value     []byte
	tombstone bool
}

func newTempKV() *tempKV {
	return &tempKV{latest: make(map[string]int64)}
}

func (t *tempKV) append(key, value []byte, tombstone bool) {
	rec := tempRecord{
		key:       append([]byte(nil), key...),
		tombstone: tombstone,
	}
	if !tombstone {
		rec.value = append([]byte(nil), value...)
	}
	t.records = append(t.records, rec)
	t.latest[string(key)] = int64(len(t.records))
}

// Upsert records key=value as the key's latest version.
func (t *tempKV) Upsert(key, value []byte) { t.append(key, value, false) }

// Delete records a tombstone as the key's latest version.
func (t *tempKV) Delete(key []byte) { t.append(key, nil, true) }

// ContainsKeyInMemory returns the address of the key's latest record.
func (t *tempKV) ContainsKeyInMemory(key []byte) (int64, bool) {
	addr, ok := t.latest[string(key)]
	return addr, ok
}

// Iterate returns an address-ordered iterator over every record. Stale and
// tombstone records are included; callers filter with ContainsKeyInMemory.
func (t *tempKV) Iterate() *tempIterator { return &tempIterator{t: t} }

type tempIterator struct {
	t *tempKV
	i int64
}

// Next advances to the next record.
func (ti *tempIterator) Next() bool {
	ti.i++
	return ti.i <= int64(len(ti.t.records))
}

// Address is the current record's 1-based arena address.
func (ti *tempIterator) Address() int64 { return ti.i }

func (ti *tempIterator) rec() *tempRecord { return &ti.t.records[ti.i-1] }

// Key returns the current record's key.
func (ti *tempIterator) Key() []byte { return ti.rec().key }

// Value returns the current record's value.
func (ti *tempIterator) Value() []byte { return ti.rec().value }

// Tombstone reports whether the current record is a delete marker.
func (ti *tempIterator) Tombstone() bool { return ti.rec().tombstone }
