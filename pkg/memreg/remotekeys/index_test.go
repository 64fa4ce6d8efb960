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

package remotekeys_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/remotekeys"
)

// testCommonIndexBehavior runs the behaviors every Index backend shares.
func testCommonIndexBehavior(t *testing.T, indexFactory func(t *testing.T) remotekeys.Index) {
	t.Helper()
	ctx := context.Background()

	t.Run("BasicAddAndLookup", func(t *testing.T) {
		testBasicAddAndLookup(t, ctx, indexFactory(t))
	})
	t.Run("FilteredLookup", func(t *testing.T) {
		testFilteredLookup(t, ctx, indexFactory(t))
	})
	t.Run("EvictBasic", func(t *testing.T) {
		testEvictBasic(t, ctx, indexFactory(t))
	})
	t.Run("EvictPeer", func(t *testing.T) {
		testEvictPeer(t, ctx, indexFactory(t))
	})
	t.Run("ReplaceEntry", func(t *testing.T) {
		testReplaceEntry(t, ctx, indexFactory(t))
	})
	t.Run("ConcurrentOperations", func(t *testing.T) {
		testConcurrentOperations(t, ctx, indexFactory(t))
	})
}

func entry(base uintptr, length uint64, rkey uint32) remotekeys.Entry {
	return remotekeys.Entry{Range: region.New(base, length), RKey: rkey, ID: uint64(rkey)}
}

func testBasicAddAndLookup(t *testing.T, ctx context.Context, index remotekeys.Index) {
	t.Helper()

	require.NoError(t, index.Add(ctx, "10.0.0.1", []remotekeys.Entry{
		entry(0x1000, 0x4000, 11),
		entry(0x10000, 0x1000, 12),
	}))

	found, err := index.Lookup(ctx, region.New(0x2000, 0x1000), sets.Set[string]{})
	require.NoError(t, err)
	assert.Equal(t, map[string][]remotekeys.Entry{"10.0.0.1": {entry(0x1000, 0x4000, 11)}}, found)

	found, err = index.Lookup(ctx, region.New(0x4000, 0x2000), sets.Set[string]{})
	require.NoError(t, err)
	assert.Empty(t, found, "no entry covers the whole range")
}

func testFilteredLookup(t *testing.T, ctx context.Context, index remotekeys.Index) {
	t.Helper()

	require.NoError(t, index.Add(ctx, "10.0.0.1", []remotekeys.Entry{entry(0x1000, 0x1000, 1)}))
	require.NoError(t, index.Add(ctx, "10.0.0.2", []remotekeys.Entry{entry(0x1000, 0x2000, 2)}))

	all, err := index.Lookup(ctx, region.New(0x1000, 0x100), sets.Set[string]{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := index.Lookup(ctx, region.New(0x1000, 0x100), sets.New("10.0.0.2"))
	require.NoError(t, err)
	assert.Equal(t, map[string][]remotekeys.Entry{"10.0.0.2": {entry(0x1000, 0x2000, 2)}}, filtered)

	unknown, err := index.Lookup(ctx, region.New(0x1000, 0x100), sets.New("10.0.0.9"))
	require.NoError(t, err)
	assert.Empty(t, unknown)
}

func testEvictBasic(t *testing.T, ctx context.Context, index remotekeys.Index) {
	t.Helper()

	require.NoError(t, index.Add(ctx, "10.0.0.1", []remotekeys.Entry{
		entry(0x1000, 0x1000, 1),
		entry(0x1000, 0x2000, 2),
	}))
	require.NoError(t, index.Evict(ctx, "10.0.0.1", []region.Range{region.New(0x1000, 0x2000)}))

	found, err := index.Lookup(ctx, region.New(0x1000, 0x10), sets.Set[string]{})
	require.NoError(t, err)
	assert.Equal(t, map[string][]remotekeys.Entry{"10.0.0.1": {entry(0x1000, 0x1000, 1)}}, found)

	require.NoError(t, index.Evict(ctx, "10.0.0.1", []region.Range{region.New(0x1000, 0x1000)}))
	found, err = index.Lookup(ctx, region.New(0x1000, 0x10), sets.Set[string]{})
	require.NoError(t, err)
	assert.Empty(t, found)

	assert.NoError(t, index.Evict(ctx, "10.0.0.7", []region.Range{region.New(0x1000, 0x1000)}))
}

func testEvictPeer(t *testing.T, ctx context.Context, index remotekeys.Index) {
	t.Helper()

	require.NoError(t, index.Add(ctx, "a", []remotekeys.Entry{entry(0x1000, 0x1000, 1)}))
	require.NoError(t, index.Add(ctx, "b", []remotekeys.Entry{entry(0x1000, 0x1000, 2)}))
	require.NoError(t, index.EvictPeer(ctx, "a"))
	require.NoError(t, index.EvictPeer(ctx, "unknown"))

	found, err := index.Lookup(ctx, region.New(0x1000, 0x1000), sets.Set[string]{})
	require.NoError(t, err)
	assert.Equal(t, map[string][]remotekeys.Entry{"b": {entry(0x1000, 0x1000, 2)}}, found)
}

func testReplaceEntry(t *testing.T, ctx context.Context, index remotekeys.Index) {
	t.Helper()

	require.NoError(t, index.Add(ctx, "peer", []remotekeys.Entry{entry(0x1000, 0x1000, 1)}))
	require.NoError(t, index.Add(ctx, "peer", []remotekeys.Entry{entry(0x1000, 0x1000, 9)}))

	found, err := index.Lookup(ctx, region.New(0x1000, 0x1000), sets.Set[string]{})
	require.NoError(t, err)
	assert.Equal(t, []remotekeys.Entry{entry(0x1000, 0x1000, 9)}, found["peer"])
}

func testConcurrentOperations(t *testing.T, ctx context.Context, index remotekeys.Index) {
	t.Helper()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			peer := fmt.Sprintf("10.0.1.%d", i)
			for j := range 16 {
				e := entry(uintptr(0x1000*(j+1)), 0x1000, uint32(j+1)) //nolint:gosec // small
				assert.NoError(t, index.Add(ctx, peer, []remotekeys.Entry{e}))
				_, err := index.Lookup(ctx, e.Range, sets.New(peer))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	found, err := index.Lookup(ctx, region.New(0x3000, 0x1000), sets.Set[string]{})
	require.NoError(t, err)
	assert.Len(t, found, 8)
}
