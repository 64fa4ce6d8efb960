/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mrcache

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	costStoreNumCounters = 1e5
	costStoreBufferItems = 64
)

// idleStore holds registrations nobody uses and picks which of them to give
// up for capacity. All methods are called with the cache lock held.
type idleStore interface {
	add(id, size uint64)
	remove(id uint64)
	// evicted returns the entries given up since the last call.
	evicted() []uint64
	len() int
	purge()
	// close releases the store. It is not used afterwards.
	close()
}

// lruStore bounds the number of idle registrations.
type lruStore struct {
	cache *lru.Cache[uint64, struct{}]
	// removing suppresses the eviction callback for explicit removals.
	removing bool
	victims  []uint64
}

func newLRUStore(maxCount int) (*lruStore, error) {
	s := &lruStore{}
	cache, err := lru.NewWithEvict(maxCount, func(id uint64, _ struct{}) {
		if !s.removing {
			s.victims = append(s.victims, id)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize idle store: %w", err)
	}
	s.cache = cache
	return s, nil
}

func (s *lruStore) add(id, _ uint64) {
	s.cache.Add(id, struct{}{})
}

func (s *lruStore) remove(id uint64) {
	s.removing = true
	s.cache.Remove(id)
	s.removing = false
}

func (s *lruStore) evicted() []uint64 {
	victims := s.victims
	s.victims = nil
	return victims
}

func (s *lruStore) len() int {
	return s.cache.Len()
}

func (s *lruStore) purge() {
	s.removing = true
	s.cache.Purge()
	s.removing = false
	s.victims = nil
}

func (s *lruStore) close() {
	s.purge()
}

// costStore bounds the total bytes of idle registrations. Ristretto applies
// sets and evictions asynchronously, so victims are collected from its
// callbacks and reconciled against members.
type costStore struct {
	cache   *ristretto.Cache[uint64, uint64]
	members sets.Set[uint64]

	mu      sync.Mutex
	victims []uint64
}

func newCostStore(maxBytes uint64) (*costStore, error) {
	s := &costStore{members: sets.New[uint64]()}
	onDrop := func(item *ristretto.Item[uint64]) {
		s.mu.Lock()
		s.victims = append(s.victims, item.Value)
		s.mu.Unlock()
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, uint64]{
		NumCounters:        costStoreNumCounters,
		MaxCost:            int64(maxBytes), // #nosec G115 , maximum cost of cache
		BufferItems:        costStoreBufferItems,
		IgnoreInternalCost: true,
		OnEvict:            onDrop,
		OnReject:           onDrop,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost aware idle store: %w", err)
	}
	s.cache = cache
	return s, nil
}

func (s *costStore) add(id, size uint64) {
	s.members.Insert(id)
	if !s.cache.Set(id, id, int64(size)) { // #nosec G115
		s.mu.Lock()
		s.victims = append(s.victims, id)
		s.mu.Unlock()
	}
}

func (s *costStore) remove(id uint64) {
	s.members.Delete(id)
	s.cache.Del(id)
}

func (s *costStore) evicted() []uint64 {
	s.mu.Lock()
	victims := s.victims
	s.victims = nil
	s.mu.Unlock()

	out := victims[:0]
	for _, id := range victims {
		if s.members.Has(id) {
			s.members.Delete(id)
			out = append(out, id)
		}
	}
	return out
}

func (s *costStore) len() int {
	return s.members.Len()
}

func (s *costStore) purge() {
	clear(s.members)
	s.cache.Clear()
	s.mu.Lock()
	s.victims = nil
	s.mu.Unlock()
}

// close stops the ristretto goroutines. Close is a no-op on a closed cache.
func (s *costStore) close() {
	clear(s.members)
	s.cache.Close()
	s.mu.Lock()
	s.victims = nil
	s.mu.Unlock()
}
