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

package remotekeys

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
	"github.com/llm-d/llm-d-memreg/pkg/utils/logging"
)

const (
	defaultInMemoryIndexSize = 1024 // peers
	defaultEntriesPerPeer    = 4096
)

// InMemoryIndexConfig holds the configuration for the InMemoryIndex.
type InMemoryIndexConfig struct {
	// Size is the maximum number of peers tracked.
	Size int `json:"size"`
	// PeerCacheSize is the maximum number of entries kept per peer.
	PeerCacheSize int `json:"peerCacheSize"`
}

// DefaultInMemoryIndexConfig returns a default configuration for the InMemoryIndex.
func DefaultInMemoryIndexConfig() *InMemoryIndexConfig {
	return &InMemoryIndexConfig{
		Size:          defaultInMemoryIndexSize,
		PeerCacheSize: defaultEntriesPerPeer,
	}
}

// NewInMemoryIndex creates a new InMemoryIndex instance.
func NewInMemoryIndex(cfg *InMemoryIndexConfig) (*InMemoryIndex, error) {
	if cfg == nil {
		cfg = DefaultInMemoryIndexConfig()
	}

	cache, err := lru.New[string, *peerEntries](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize in-memory index: %w", err)
	}

	return &InMemoryIndex{
		data:          cache,
		peerCacheSize: cfg.PeerCacheSize,
	}, nil
}

// InMemoryIndex is an in-memory implementation of the Index interface.
type InMemoryIndex struct {
	// data maps peers to their entries. thread-safe.
	data *lru.Cache[string, *peerEntries]
	// peerCacheSize is the maximum number of entries per peer.
	peerCacheSize int
	// mu serializes peer creation.
	mu sync.Mutex
}

var _ Index = &InMemoryIndex{}

// peerEntries holds one peer's entries, bounded by an LRU and searchable by
// range.
type peerEntries struct {
	mu      sync.Mutex
	entries *lru.Cache[region.Range, Entry]
	byRange *region.Index[Entry]
}

func newPeerEntries(size int) (*peerEntries, error) {
	p := &peerEntries{byRange: region.NewIndex[Entry]()}
	entries, err := lru.NewWithEvict(size, func(r region.Range, _ Entry) {
		p.byRange.Delete(r)
	})
	if err != nil {
		return nil, err
	}
	p.entries = entries
	return p, nil
}

func (m *InMemoryIndex) peer(peer string) (*peerEntries, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, found := m.data.Get(peer); found {
		return p, nil
	}
	p, err := newPeerEntries(m.peerCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create entry cache for peer %s: %w", peer, err)
	}
	m.data.Add(peer, p)
	return p, nil
}

// Add records entries published by peer.
func (m *InMemoryIndex) Add(ctx context.Context, peer string, entries []Entry) error {
	if peer == "" || len(entries) == 0 {
		return fmt.Errorf("no peer or entries provided for adding to index")
	}

	p, err := m.peer(peer)
	if err != nil {
		return err
	}

	p.mu.Lock()
	for _, e := range entries {
		p.entries.Add(e.Range, e)
		p.byRange.Put(e.Range, e)
	}
	p.mu.Unlock()

	klog.FromContext(ctx).V(logging.TRACE).WithName("remotekeys.InMemoryIndex.Add").
		Info("added entries for peer", "peer", peer, "entries", entries)
	return nil
}

// Evict removes the entries of peer registered for ranges.
func (m *InMemoryIndex) Evict(ctx context.Context, peer string, ranges []region.Range) error {
	if len(ranges) == 0 {
		return fmt.Errorf("no ranges provided for eviction from index")
	}

	p, found := m.data.Get(peer)
	if !found {
		klog.FromContext(ctx).V(logging.TRACE).Info("peer not found in index", "peer", peer)
		return nil
	}

	p.mu.Lock()
	for _, r := range ranges {
		p.entries.Remove(r)
	}
	empty := p.entries.Len() == 0
	p.mu.Unlock()

	if empty {
		m.data.Remove(peer)
	}
	return nil
}

// EvictPeer removes every entry of peer.
func (m *InMemoryIndex) EvictPeer(ctx context.Context, peer string) error {
	if m.data.Remove(peer) {
		klog.FromContext(ctx).V(logging.TRACE).Info("evicted peer", "peer", peer)
	}
	return nil
}

// Lookup returns, per peer, the entries covering r.
func (m *InMemoryIndex) Lookup(ctx context.Context, r region.Range,
	peers sets.Set[string],
) (map[string][]Entry, error) {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("remotekeys.InMemoryIndex.Lookup")

	candidates := m.data.Keys()
	if peers.Len() > 0 {
		candidates = sets.List(peers)
	}

	found := make(map[string][]Entry)
	for _, peer := range candidates {
		p, ok := m.data.Peek(peer)
		if !ok {
			continue
		}

		p.mu.Lock()
		for _, item := range p.byRange.Containing(r) {
			found[peer] = append(found[peer], item.Value)
		}
		p.mu.Unlock()
	}

	traceLogger.Info("lookup completed", "range", r, "peers", len(found))
	return found, nil
}
