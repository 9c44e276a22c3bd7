package store

import (
	"sync"
	"sync/atomic"

	"github.com/minio/highwayhash"
)

// hashKey is the fixed highwayhash key; the index needs stable hashing
// across restarts, not secrecy.
var hashKey = []byte("strata/index/0123456789abcdef012")

func init() {
	if len(hashKey) != 32 {
		panic("store: highwayhash key must be 32 bytes")
	}
}

// bucket holds the newest address of one hash chain.
type bucket struct {
	head atomic.Int64
}

type indexShard struct {
	mu      sync.RWMutex
	buckets map[uint64]*bucket
}

// index maps 64-bit key hashes to chain heads across a fixed set of shards.
type index struct {
	shards []indexShard
}

func newIndex(shards int) *index {
	if shards < 1 {
		shards = 1
	}
	ix := &index{shards: make([]indexShard, shards)}
	for i := range ix.shards {
		ix.shards[i].buckets = make(map[uint64]*bucket)
	}
	return ix
}

func (ix *index) hash(key []byte) uint64 {
	return highwayhash.Sum64(key, hashKey)
}

// bucketFor returns the bucket for a hash, creating it when create is set.
func (ix *index) bucketFor(h uint64, create bool) *bucket {
	shard := &ix.shards[h%uint64(len(ix.shards))]
	shard.mu.RLock()
	b := shard.buckets[h]
	shard.mu.RUnlock()
	if b != nil || !create {
		return b
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if b = shard.buckets[h]; b == nil {
		b = &bucket{}
		shard.buckets[h] = b
	}
	return b
}
