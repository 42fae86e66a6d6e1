// Package cache provides a thread-safe concurrent map implementation with sharding
// for improved performance in high-concurrency scenarios.
//
// The map backs both the in-memory versioned store (documents keyed by collection and key)
// and the per-process device query cache (tenant partitions keyed by tenant id).
// Compute runs a read-modify-write callback under the shard lock, which is what the
// in-memory store relies on for its compare-and-swap semantics.
package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ShardCount is the number of shards.
const ShardCount = 32

// ConcurrentMap is a "thread" safe map of type string:V.
// To avoid lock bottlenecks this map is divided into several (ShardCount) map shards.
type ConcurrentMap[V any] struct {
	shards []*ConcurrentMapShared[V]
}

// ConcurrentMapShared is a "thread" safe string to V map shard.
type ConcurrentMapShared[V any] struct {
	sync.RWMutex // Read Write mutex, guards access to internal map.

	items map[string]V
}

// New creates a new concurrent map.
func New[V any]() ConcurrentMap[V] {
	cmap := ConcurrentMap[V]{
		shards: make([]*ConcurrentMapShared[V], ShardCount),
	}
	for i := range ShardCount {
		cmap.shards[i] = &ConcurrentMapShared[V]{items: make(map[string]V)}
	}

	return cmap
}

// GetShard returns shard under given key.
func (m ConcurrentMap[V]) GetShard(key string) *ConcurrentMapShared[V] {
	return m.shards[xxhash.Sum64String(key)%uint64(ShardCount)]
}

// Set sets the given value under the specified key.
func (m ConcurrentMap[V]) Set(key string, value V) {
	shard := m.GetShard(key)
	shard.Lock()

	shard.items[key] = value
	shard.Unlock()
}

// Get retrieves an element from map under given key.
func (m ConcurrentMap[V]) Get(key string) (V, bool) {
	shard := m.GetShard(key)
	shard.RLock()

	val, ok := shard.items[key]
	shard.RUnlock()

	return val, ok
}

// GetOrCreate returns the element under key, inserting the result of create when absent.
// create runs while the shard lock is held.
func (m ConcurrentMap[V]) GetOrCreate(key string, create func() V) V {
	shard := m.GetShard(key)
	shard.Lock()
	defer shard.Unlock()

	val, ok := shard.items[key]
	if !ok {
		val = create()
		shard.items[key] = val
	}

	return val
}

// ComputeCb receives the current element (and whether it exists) and returns the element to store.
// It is called while the shard lock is held, therefore it MUST NOT
// try to access other keys in same map, as it can lead to deadlock since
// Go sync.RWLock is not reentrant. Returning an error leaves the map untouched.
type ComputeCb[V any] func(current V, exists bool) (V, error)

// Compute atomically replaces the element under key with the callback's result.
func (m ConcurrentMap[V]) Compute(key string, cb ComputeCb[V]) (V, error) {
	shard := m.GetShard(key)
	shard.Lock()
	defer shard.Unlock()

	current, ok := shard.items[key]

	next, err := cb(current, ok)
	if err != nil {
		var zero V

		return zero, err
	}

	shard.items[key] = next

	return next, nil
}

// Count returns the number of elements within the map.
func (m ConcurrentMap[V]) Count() int {
	count := 0

	for _, shard := range m.shards {
		shard.RLock()

		count += len(shard.items)
		shard.RUnlock()
	}

	return count
}

// Has looks up an item under specified key.
func (m ConcurrentMap[V]) Has(key string) bool {
	shard := m.GetShard(key)
	shard.RLock()

	_, ok := shard.items[key]
	shard.RUnlock()

	return ok
}

// Remove removes an element from the map.
func (m ConcurrentMap[V]) Remove(key string) {
	shard := m.GetShard(key)
	shard.Lock()
	delete(shard.items, key)
	shard.Unlock()
}

// Pop removes an element from the map and returns it.
func (m ConcurrentMap[V]) Pop(key string) (V, bool) {
	shard := m.GetShard(key)
	shard.Lock()

	v, exists := shard.items[key]
	delete(shard.items, key)
	shard.Unlock()

	return v, exists
}

// Clear removes all items from map.
func (m ConcurrentMap[V]) Clear() {
	// Fast clear: reset each shard's map under lock.
	for _, shard := range m.shards {
		shard.Lock()

		shard.items = make(map[string]V)
		shard.Unlock()
	}
}

// IterCb is the iterator callback for every key,value found in
// maps. RLock is held for all calls for a given shard
// therefore callback sees a consistent view of a shard,
// but not across the shards.
type IterCb[V any] func(key string, v V)

// IterCb is a callback based iterator, cheapest way to read
// all elements in a map.
func (m ConcurrentMap[V]) IterCb(fn IterCb[V]) {
	for _, shard := range m.shards {
		shard.RLock()

		for key, value := range shard.items {
			fn(key, value)
		}

		shard.RUnlock()
	}
}

// Keys returns all keys as []string.
func (m ConcurrentMap[V]) Keys() []string {
	keys := make([]string, 0, m.Count())

	m.IterCb(func(key string, _ V) {
		keys = append(keys, key)
	})

	return keys
}
