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
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
	"github.com/llm-d/llm-d-memreg/pkg/utils"
)

const peersKey = "mr:peers"

// RedisIndexConfig holds the configuration for the RedisIndex.
type RedisIndexConfig struct {
	Address string `json:"address,omitempty"` // Redis server address
}

// DefaultRedisIndexConfig returns a default configuration for the RedisIndex.
func DefaultRedisIndexConfig() *RedisIndexConfig {
	return &RedisIndexConfig{
		Address: "redis://127.0.0.1:6379",
	}
}

// NewRedisIndex creates a new RedisIndex instance.
func NewRedisIndex(ctx context.Context, config *RedisIndexConfig) (*RedisIndex, error) {
	if config == nil {
		config = DefaultRedisIndexConfig()
	}

	address := config.Address
	if !strings.HasPrefix(address, "redis://") &&
		!strings.HasPrefix(address, "rediss://") &&
		!strings.HasPrefix(address, "unix://") {
		address = "redis://" + address
	}

	redisOpt, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	redisClient := redis.NewClient(redisOpt)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	return &RedisIndex{
		RedisClient: redisClient,
		encMode:     encMode,
	}, nil
}

// RedisIndex implements the Index interface using Redis. Each peer's entries
// live in the hash "mr@<peer>", keyed by range, with CBOR-encoded values.
type RedisIndex struct {
	RedisClient *redis.Client
	encMode     cbor.EncMode
}

var _ Index = &RedisIndex{}

// record is the stored form of an Entry.
type record struct {
	Base   uint64 `cbor:"1,keyasint"`
	Length uint64 `cbor:"2,keyasint"`
	RKey   uint32 `cbor:"3,keyasint"`
	ID     uint64 `cbor:"4,keyasint"`
}

func peerKey(peer string) string {
	return "mr@" + peer
}

// Add records entries published by peer.
func (r *RedisIndex) Add(ctx context.Context, peer string, entries []Entry) error {
	if peer == "" || len(entries) == 0 {
		return nil
	}

	values, err := utils.SliceMapE(entries, func(e Entry) ([]byte, error) {
		b, err := r.encMode.Marshal(record{
			Base:   uint64(e.Range.Base),
			Length: e.Range.Length,
			RKey:   e.RKey,
			ID:     e.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entry %s: %w", e, err)
		}
		return b, nil
	})
	if err != nil {
		return err
	}

	pipe := r.RedisClient.Pipeline()
	pipe.SAdd(ctx, peersKey, peer)
	for i, e := range entries {
		pipe.HSet(ctx, peerKey(peer), e.Range.String(), values[i])
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add entries to Redis: %w", err)
	}
	return nil
}

// Evict removes the entries of peer registered for ranges.
func (r *RedisIndex) Evict(ctx context.Context, peer string, ranges []region.Range) error {
	if len(ranges) == 0 {
		return nil
	}

	fields := utils.SliceMap(ranges, region.Range.String)
	if err := r.RedisClient.HDel(ctx, peerKey(peer), fields...).Err(); err != nil {
		return fmt.Errorf("failed to evict entries from Redis: %w", err)
	}
	return nil
}

// EvictPeer removes every entry of peer.
func (r *RedisIndex) EvictPeer(ctx context.Context, peer string) error {
	pipe := r.RedisClient.Pipeline()
	pipe.Del(ctx, peerKey(peer))
	pipe.SRem(ctx, peersKey, peer)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to evict peer from Redis: %w", err)
	}
	return nil
}

// Lookup returns, per peer, the entries covering rng.
func (r *RedisIndex) Lookup(ctx context.Context, rng region.Range,
	peers sets.Set[string],
) (map[string][]Entry, error) {
	logger := klog.FromContext(ctx).WithName("remotekeys.RedisIndex.Lookup")

	candidates := sets.List(peers)
	if len(candidates) == 0 {
		all, err := r.RedisClient.SMembers(ctx, peersKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to list peers: %w", err)
		}
		candidates = all
	}
	if len(candidates) == 0 {
		return map[string][]Entry{}, nil
	}

	// pipeline for single RTT
	pipe := r.RedisClient.Pipeline()
	results := make([]*redis.MapStringStringCmd, len(candidates))
	for i, peer := range candidates {
		results[i] = pipe.HGetAll(ctx, peerKey(peer))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis pipeline execution failed: %w", err)
	}

	found := make(map[string][]Entry)
	for i, cmd := range results {
		peer := candidates[i]
		fields, err := cmd.Result()
		if err != nil {
			logger.Error(err, "failed to get entries for peer", "peer", peer)
			continue
		}

		var entries []Entry
		for field, value := range fields {
			var rec record
			if err := cbor.Unmarshal([]byte(value), &rec); err != nil {
				logger.Error(err, "dropping undecodable entry", "peer", peer, "field", field)
				continue
			}
			entries = append(entries, Entry{Range: region.New(uintptr(rec.Base), rec.Length), RKey: rec.RKey, ID: rec.ID})
		}

		covering := utils.SliceFilter(entries, func(e Entry) bool { return e.Range.Contains(rng) })
		if len(covering) > 0 {
			found[peer] = covering
		}
	}

	for _, entries := range found {
		slices.SortFunc(entries, func(a, b Entry) int { return region.Compare(a.Range, b.Range) })
	}
	return found, nil
}
