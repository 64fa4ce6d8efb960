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

//nolint:testpackage // allow tests to run in the same package
package e2e

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/suite"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/device"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/events"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/mrcache"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/notifier"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/remotekeys"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/uffd"
)

const (
	peerName     = "node-0"
	basePort     = 5580
	eventTimeout = 15 * time.Second
	pollInterval = 50 * time.Millisecond
)

var nextPort atomic.Int32

// MemRegSuite runs the registration cache against an in-memory change
// channel, publishing its registrations over ZMQ into a Redis-backed remote
// key index served by miniredis.
type MemRegSuite struct {
	suite.Suite

	ctx    context.Context
	cancel context.CancelFunc
	server *miniredis.Miniredis

	channel   *uffd.MemChannel
	notifier  *notifier.Notifier
	device    *device.Loopback
	index     remotekeys.Index
	pool      *events.Pool
	publisher *events.Publisher
	cache     *mrcache.Cache
}

// SetupTest starts the mock Redis, the events pipeline and the cache before
// each test.
func (s *MemRegSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var err error
	s.server, err = miniredis.Run()
	s.Require().NoError(err)

	s.index, err = remotekeys.NewIndex(s.ctx, &remotekeys.IndexConfig{
		RedisConfig: &remotekeys.RedisIndexConfig{Address: s.server.Addr()},
	})
	s.Require().NoError(err)

	port := basePort + int(nextPort.Add(1))
	s.pool = events.NewPool(&events.Config{
		ZMQEndpoint: fmt.Sprintf("tcp://127.0.0.1:%d", port),
		TopicFilter: "mr@",
		Concurrency: 2,
	}, s.index)
	s.pool.Start(s.ctx)

	s.publisher, err = events.NewPublisher(s.ctx, &events.PublisherConfig{
		Endpoint: fmt.Sprintf("tcp://127.0.0.1:%d", port),
		Peer:     peerName,
	})
	s.Require().NoError(err)
	s.warmUp()

	s.channel = uffd.NewMemChannel()
	s.notifier, err = notifier.NewWithChannel(s.ctx, notifier.DefaultConfig(), s.channel)
	s.Require().NoError(err)

	s.device = device.NewLoopback()
	s.cache, err = mrcache.New(s.ctx, mrcache.DefaultConfig(), s.device, s.notifier, s.publisher)
	s.Require().NoError(err)
}

// TearDownTest stops everything started by SetupTest.
func (s *MemRegSuite) TearDownTest() {
	s.cache.Shutdown(s.ctx)
	s.Require().NoError(s.notifier.Close(s.ctx))
	s.Require().NoError(s.publisher.Close(s.ctx))
	s.cancel()
	s.pool.Shutdown(context.Background())
	if s.server != nil {
		s.server.Close()
	}
}

// warmUp publishes a canary handle until the subscriber receives it, since PUB drops
// messages sent before the subscription has propagated.
func (s *MemRegSuite) warmUp() {
	canary := device.Handle{
		ID:          1 << 40,
		RKey:        1,
		Range:       region.New(0x7f0000000000, 0x1000),
		Permissions: device.PermRemoteRead,
	}
	s.Require().Eventually(func() bool {
		s.publisher.Published(s.ctx, canary)
		return len(s.lookup(canary.Range)) > 0
	}, eventTimeout, pollInterval)

	s.publisher.RevokeAll(s.ctx)
	s.Require().Eventually(func() bool {
		return len(s.lookup(canary.Range)) == 0
	}, eventTimeout, pollInterval)
}

// lookup returns the entries the index holds for peerName covering r.
func (s *MemRegSuite) lookup(r region.Range) []remotekeys.Entry {
	found, err := s.index.Lookup(s.ctx, r, sets.New(peerName))
	s.Require().NoError(err)
	return found[peerName]
}

// unmap reports an unmap of r and waits until the listener consumed it.
func (s *MemRegSuite) unmap(r region.Range) {
	s.Require().True(s.channel.Unmap(r), "range %s is not watched", r)
	s.Require().Eventually(func() bool {
		return s.channel.Pending() == 0
	}, eventTimeout, time.Millisecond)
}

// TestMemRegSuite runs the MemRegSuite using testify's suite runner.
func TestMemRegSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e suite in short mode")
	}
	suite.Run(t, new(MemRegSuite))
}
