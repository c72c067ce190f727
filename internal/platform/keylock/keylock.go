// Package keylock serialises work per key (an owner id) without a single
// global mutex.
package keylock

import (
	"hash/fnv"
	"sync"
)

// DefaultShards is the shard count used by New when n <= 0.
const DefaultShards = 64

// Sharded maps keys onto a fixed set of mutexes. Two keys may share a shard;
// a key never maps to more than one shard.
type Sharded struct {
	shards []sync.Mutex
}

// New creates a Sharded lock with n shards.
func New(n int) *Sharded {
	if n <= 0 {
		n = DefaultShards
	}
	return &Sharded{shards: make([]sync.Mutex, n)}
}

// Lock acquires the shard for key.
func (s *Sharded) Lock(key string) {
	s.shards[s.shardFor(key)].Lock()
}

// Unlock releases the shard for key.
func (s *Sharded) Unlock(key string) {
	s.shards[s.shardFor(key)].Unlock()
}

// Do runs fn while holding the lock for key.
func (s *Sharded) Do(key string, fn func() error) error {
	s.Lock(key)
	defer s.Unlock(key)
	return fn()
}

func (s *Sharded) shardFor(key string) int {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.shards)))
}
