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

package events

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/remotekeys"
)

func newTestPool(t *testing.T) (*Pool, remotekeys.Index) {
	t.Helper()
	index, err := remotekeys.NewInMemoryIndex(nil)
	require.NoError(t, err)
	return NewPool(&Config{ZMQEndpoint: "inproc://unused", TopicFilter: topicPrefix, Concurrency: 2}, index), index
}

func lookup(t *testing.T, index remotekeys.Index, r region.Range) []remotekeys.Entry {
	t.Helper()
	found, err := index.Lookup(context.Background(), r, sets.Set[string]{})
	require.NoError(t, err)
	return found["peer-a"]
}

func TestDecodeBatchRoundTrip(t *testing.T) {
	payload, err := EncodeBatch(1.5,
		RegionPublished{Base: 0x1000, Length: 0x2000, RKey: 7, ID: 1},
		RegionRevoked{Base: 0x1000, Length: 0x2000, ID: 1},
		AllRegionsRevoked{},
	)
	require.NoError(t, err)

	var skipped []string
	events, err := decodeBatch(payload, func(_ error, tag string) { skipped = append(skipped, tag) })
	require.NoError(t, err)
	assert.Empty(t, skipped)
	require.Len(t, events, 3)

	assert.Equal(t, RegionPublished{Base: 0x1000, Length: 0x2000, RKey: 7, ID: 1}, events[0])
	assert.Equal(t, RegionRevoked{Base: 0x1000, Length: 0x2000, ID: 1}, events[1])
	assert.Equal(t, AllRegionsRevoked{}, events[2])
}

func TestDecodeBatchSkipsUnknownTags(t *testing.T) {
	unknown, err := msgpack.Marshal([]any{"SomethingElse", 1, 2})
	require.NoError(t, err)
	known, err := msgpack.Marshal(RegionRevoked{Base: 0x1000, Length: 0x1000, ID: 3}.ToTaggedUnion())
	require.NoError(t, err)
	payload, err := msgpack.Marshal(&EventBatch{TS: 1, Events: []msgpack.RawMessage{unknown, known}})
	require.NoError(t, err)

	var skipped []string
	events, err := decodeBatch(payload, func(_ error, tag string) { skipped = append(skipped, tag) })
	require.NoError(t, err)
	assert.Equal(t, []string{"SomethingElse"}, skipped)
	assert.Len(t, events, 1)
}

func TestDecodeBatchRejectsGarbage(t *testing.T) {
	_, err := decodeBatch([]byte{0xc1}, func(error, string) {})
	assert.Error(t, err)
}

func TestProcessEventAppliesToIndex(t *testing.T) {
	ctx := context.Background()
	pool, index := newTestPool(t)
	rng := region.New(0x10000, 0x4000)

	payload, err := EncodeBatch(1, RegionPublished{Base: 0x10000, Length: 0x4000, RKey: 42, ID: 9})
	require.NoError(t, err)
	pool.processEvent(ctx, &Message{Topic: Topic("peer-a"), Payload: payload, Peer: "peer-a"})

	found := lookup(t, index, region.New(0x11000, 0x100))
	require.Len(t, found, 1)
	assert.Equal(t, remotekeys.Entry{Range: rng, RKey: 42, ID: 9}, found[0])

	payload, err = EncodeBatch(2, RegionRevoked{Base: 0x10000, Length: 0x4000, ID: 9})
	require.NoError(t, err)
	pool.processEvent(ctx, &Message{Topic: Topic("peer-a"), Payload: payload, Peer: "peer-a"})

	assert.Empty(t, lookup(t, index, region.New(0x11000, 0x100)))
}

func TestDigestEventsKeepsOrder(t *testing.T) {
	ctx := context.Background()
	pool, index := newTestPool(t)

	pool.digestEvents(ctx, "peer-a", []event{
		RegionPublished{Base: 0x1000, Length: 0x1000, RKey: 1, ID: 1},
		RegionRevoked{Base: 0x1000, Length: 0x1000, ID: 1},
		RegionPublished{Base: 0x1000, Length: 0x1000, RKey: 2, ID: 2},
	})

	found := lookup(t, index, region.New(0x1000, 0x10))
	require.Len(t, found, 1)
	assert.Equal(t, uint32(2), found[0].RKey)

	pool.digestEvents(ctx, "peer-a", []event{
		RegionPublished{Base: 0x8000, Length: 0x1000, RKey: 3, ID: 3},
		AllRegionsRevoked{},
	})
	assert.Empty(t, lookup(t, index, region.New(0x1000, 0x10)))
	assert.Empty(t, lookup(t, index, region.New(0x8000, 0x10)))
}

func TestParseMessage(t *testing.T) {
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, 17)

	msg, ok := parseMessage([][]byte{[]byte("mr@host-1"), seq, []byte("payload")})
	require.True(t, ok)
	assert.Equal(t, "host-1", msg.Peer)
	assert.Equal(t, uint64(17), msg.Seq)
	assert.Equal(t, []byte("payload"), msg.Payload)

	_, ok = parseMessage([][]byte{[]byte("kv@host-1"), seq, []byte("payload")})
	assert.False(t, ok, "foreign topic")
	_, ok = parseMessage([][]byte{[]byte("mr@"), seq, []byte("payload")})
	assert.False(t, ok, "empty peer")
	_, ok = parseMessage([][]byte{[]byte("mr@host-1"), []byte{1}, []byte("payload")})
	assert.False(t, ok, "short sequence")
	_, ok = parseMessage([][]byte{[]byte("mr@host-1"), seq})
	assert.False(t, ok, "missing payload")
}

func TestPoolWorkersProcessTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool, index := newTestPool(t)
	pool.StartWorkers(ctx)

	payload, err := EncodeBatch(1, RegionPublished{Base: 0x20000, Length: 0x1000, RKey: 5, ID: 5})
	require.NoError(t, err)
	pool.AddTask(&Message{Topic: Topic("peer-a"), Payload: payload, Peer: "peer-a"})

	pool.Shutdown(ctx)
	found := lookup(t, index, region.New(0x20000, 0x10))
	require.Len(t, found, 1)
	assert.Equal(t, uint32(5), found[0].RKey)
}
