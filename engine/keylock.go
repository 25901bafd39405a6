package engine

import (
	"hash/fnv"
	"sync"
)

const defaultLockShards = 256

// KeyLocker serializes work per GroupingKey with a fixed set of mutexes.
// Distinct keys may share a shard; that only costs parallelism.
type KeyLocker struct {
	shards []sync.Mutex
}

func NewKeyLocker(shards int) *KeyLocker {
	if shards <= 0 {
		shards = defaultLockShards
	}
	return &KeyLocker{shards: make([]sync.Mutex, shards)}
}

// Lock acquires the shard for key and returns its unlock func.
func (k *KeyLocker) Lock(key GroupingKey) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.shards[h.Sum32()%uint32(len(k.shards))]
	m.Lock()
	return m.Unlock
}
