// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package csync

import (
	"hash/fnv"
	"sync"
)

// defaultShardCount balances contention against per-shard overhead for
// tables in the hundreds-to-thousands of entries range.
const defaultShardCount = 32

// ShardedMap is a string-keyed concurrent map with hash-sharded locking:
// readers and writers contend only within the shard their key hashes to,
// never across the whole table.
type ShardedMap[V any] struct {
	shards []*shard[V]
}

type shard[V any] struct {
	mu   sync.RWMutex
	data map[string]V
}

// NewShardedMap creates a sharded map with the default shard count.
func NewShardedMap[V any]() *ShardedMap[V] {
	return NewShardedMapN[V](defaultShardCount)
}

// NewShardedMapN creates a sharded map with n shards (minimum 1).
func NewShardedMapN[V any](n int) *ShardedMap[V] {
	if n < 1 {
		n = 1
	}
	shards := make([]*shard[V], n)
	for i := range shards {
		shards[i] = &shard[V]{data: make(map[string]V)}
	}
	return &ShardedMap[V]{shards: shards}
}

func (m *ShardedMap[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Get retrieves a value.
func (m *ShardedMap[V]) Get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores a value.
func (m *ShardedMap[V]) Set(key string, value V) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// GetOrSet returns the existing value for key, or stores and returns value
// if absent. The boolean reports whether the value was already present.
func (m *ShardedMap[V]) GetOrSet(key string, value V) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.data[key]; ok {
		return existing, true
	}
	s.data[key] = value
	return value, false
}

// Update applies fn to the entry for key under the shard's write lock.
// fn receives the current value (zero value if absent) and whether it was
// present, and returns the new value and whether to keep the entry.
func (m *ShardedMap[V]) Update(key string, fn func(current V, ok bool) (V, bool)) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.data[key]
	next, keep := fn(current, ok)
	if keep {
		s.data[key] = next
	} else {
		delete(s.data, key)
	}
}

// Delete removes a value. Returns whether the key was present.
func (m *ShardedMap[V]) Delete(key string) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	delete(s.data, key)
	return ok
}

// Len returns the total entry count across shards.
func (m *ShardedMap[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.data)
		s.mu.RUnlock()
	}
	return n
}

// Range calls fn for each entry until fn returns false. Each shard is
// snapshotted under its read lock before fn runs, so fn may call back into
// the map without deadlocking.
func (m *ShardedMap[V]) Range(fn func(key string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		keys := make([]string, 0, len(s.data))
		vals := make([]V, 0, len(s.data))
		for k, v := range s.data {
			keys = append(keys, k)
			vals = append(vals, v)
		}
		s.mu.RUnlock()
		for i := range keys {
			if !fn(keys[i], vals[i]) {
				return
			}
		}
	}
}

// Clear removes all entries.
func (m *ShardedMap[V]) Clear() {
	for _, s := range m.shards {
		s.mu.Lock()
		s.data = make(map[string]V)
		s.mu.Unlock()
	}
}
