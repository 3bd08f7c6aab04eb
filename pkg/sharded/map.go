package sharded

import (
	"sync"
)

type mapShard[V comparable] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a sharded map from string keys to values of type V.
type Map[V comparable] []*mapShard[V]

func NewMap[V comparable](numShards int) *Map[V] {
	if !isPowerOfTwo(numShards) {
		panic("num shards must be a power of 2")
	}
	s := make(Map[V], numShards)
	for i := range numShards {
		s[i] = &mapShard[V]{items: make(map[string]V)}
	}
	return &s
}

func (s *Map[V]) getShard(key string) *mapShard[V] {
	shardIndex := getShardIndex(key, len(*s))
	return (*s)[shardIndex]
}

// Store adds a key-value pair to the map.
func (s *Map[V]) Store(key string, value V) {
	shard := s.getShard(key)
	shard.mu.Lock()
	shard.items[key] = value
	shard.mu.Unlock()
}

// Load retrieves the value associated with a key.
// It returns the value and a boolean indicating if the key was present.
func (s *Map[V]) Load(key string) (value V, ok bool) {
	shard := s.getShard(key)
	shard.mu.RLock()
	value, ok = shard.items[key]
	shard.mu.RUnlock()
	return value, ok
}

// Has checks only for the presence of a key.
func (s *Map[V]) Has(key string) bool {
	shard := s.getShard(key)
	shard.mu.RLock()
	_, exists := shard.items[key]
	shard.mu.RUnlock()
	return exists
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (s *Map[V]) LoadOrStore(key string, value V) (actual V, loaded bool) {
	shard := s.getShard(key)
	shard.mu.Lock()
	actual, loaded = shard.items[key]
	if !loaded {
		actual = value
		shard.items[key] = value
	}
	shard.mu.Unlock()
	return actual, loaded
}

// CompareAndDelete deletes the entry for key if its value is equal to old.
// It reports whether the entry was deleted.
func (s *Map[V]) CompareAndDelete(key string, old V) (deleted bool) {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if v, ok := shard.items[key]; ok && v == old {
		delete(shard.items, key)
		return true
	}
	return false
}

func (s *Map[V]) Delete(key string) {
	shard := s.getShard(key)
	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
}

// Count returns the total number of elements in the map.
func (s *Map[V]) Count() int {
	count := 0
	for i := range len(*s) {
		shard := (*s)[i]
		shard.mu.RLock()
		count += len(shard.items)
		shard.mu.RUnlock()
	}
	return count
}

// Range calls f sequentially for each key and value present in the map.
// If f returns false, range stops the iteration.
//
// The iteration is performed by locking one shard at a time, so it does not
// block the entire map. However, the map should not be modified by the
// callback function f.
func (s *Map[V]) Range(f func(key string, value V) bool) {
	for i := range len(*s) {
		shard := (*s)[i]
		shard.mu.RLock()
		for k, v := range shard.items {
			if !f(k, v) {
				shard.mu.RUnlock()
				return
			}
		}
		shard.mu.RUnlock()
	}
}

// Clear removes all key-value pairs from the map.
func (s *Map[V]) Clear() {
	for i := range len(*s) {
		shard := (*s)[i]
		shard.mu.Lock()
		shard.items = make(map[string]V)
		shard.mu.Unlock()
	}
}
