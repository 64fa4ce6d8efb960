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

// Package remotekeys tracks the memory registrations remote peers have
// published: which remote key grants access to which of a peer's address
// ranges. Entries are revoked when the peer's notifier invalidates the
// registration, so keys for unmapped memory stop being handed out.
package remotekeys

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
)

// IndexConfig holds the configuration for the remote key index.
// If multiple backends are configured, only the first one will be used.
type IndexConfig struct {
	// InMemoryConfig holds the configuration for the in-memory index.
	InMemoryConfig *InMemoryIndexConfig `json:"inMemoryConfig"`
	// RedisConfig holds the configuration for the Redis index.
	RedisConfig *RedisIndexConfig `json:"redisConfig"`
}

// DefaultIndexConfig returns a default configuration for the remote key index.
func DefaultIndexConfig() *IndexConfig {
	return &IndexConfig{
		InMemoryConfig: DefaultInMemoryIndexConfig(),
	}
}

// NewIndex creates a new Index instance.
func NewIndex(ctx context.Context, cfg *IndexConfig) (Index, error) {
	if cfg == nil {
		cfg = DefaultIndexConfig()
	}

	switch {
	case cfg.InMemoryConfig != nil:
		idx, err := NewInMemoryIndex(cfg.InMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory index: %w", err)
		}
		return idx, nil
	case cfg.RedisConfig != nil:
		idx, err := NewRedisIndex(ctx, cfg.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis index: %w", err)
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("no valid index configuration provided")
	}
}

// Index stores the registrations published by remote peers.
//
// Index operations are thread-safe and can be performed concurrently.
type Index interface {
	// Add records entries published by peer. An entry for a range already
	// recorded replaces it.
	Add(ctx context.Context, peer string, entries []Entry) error
	// Evict removes the entries of peer registered for the given ranges.
	Evict(ctx context.Context, peer string, ranges []region.Range) error
	// EvictPeer removes every entry of peer.
	EvictPeer(ctx context.Context, peer string) error
	// Lookup returns, per peer, the entries whose range covers r. If peers
	// is empty, all peers are considered.
	Lookup(ctx context.Context, r region.Range, peers sets.Set[string]) (map[string][]Entry, error)
}

// Entry is one registration published by a peer.
type Entry struct {
	// Range is the registered range in the peer's address space.
	Range region.Range
	// RKey grants remote access to Range.
	RKey uint32
	// ID identifies the registration at the peer.
	ID uint64
}

// String returns a string representation of the Entry.
func (e Entry) String() string {
	return fmt.Sprintf("%s#%d", e.Range, e.RKey)
}
