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
	"github.com/llm-d/llm-d-memreg/pkg/memreg/device"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
)

// TestPublishedRegistrationReachesIndex verifies that a cached registration
// is announced to the remote key index with its remote key.
func (s *MemRegSuite) TestPublishedRegistrationReachesIndex() {
	rng := region.New(0x100000, 0x4000)

	reg, err := s.cache.Register(s.ctx, rng, device.AccessRemoteRead)
	s.Require().NoError(err)
	defer func() { s.Require().NoError(s.cache.Close(s.ctx, reg)) }()

	s.Require().Eventually(func() bool {
		return len(s.lookup(region.New(0x101000, 0x100))) == 1
	}, eventTimeout, pollInterval)

	entry := s.lookup(region.New(0x101000, 0x100))[0]
	s.Equal(reg.RKey(), entry.RKey)
	s.Equal(reg.Handle().ID, entry.ID)
}

// TestUnmapRevokesIdleRegistration verifies that unmapping an idle cached
// registration deregisters it, withdraws it from the index, and that the
// range is registered afresh afterwards.
func (s *MemRegSuite) TestUnmapRevokesIdleRegistration() {
	rng := region.New(0x200000, 0x2000)

	reg, err := s.cache.Register(s.ctx, rng, device.AccessRemoteRead)
	s.Require().NoError(err)
	old := reg.Handle()
	s.Require().NoError(s.cache.Close(s.ctx, reg))

	s.Require().Eventually(func() bool {
		return len(s.lookup(rng)) == 1
	}, eventTimeout, pollInterval)

	s.unmap(rng)
	s.cache.Flush(s.ctx)
	s.False(s.device.IsLive(old), "stale registration must be deregistered")

	s.Require().Eventually(func() bool {
		return len(s.lookup(rng)) == 0
	}, eventTimeout, pollInterval)

	fresh, err := s.cache.Register(s.ctx, rng, device.AccessRemoteRead)
	s.Require().NoError(err)
	defer func() { s.Require().NoError(s.cache.Close(s.ctx, fresh)) }()
	s.NotEqual(old.ID, fresh.Handle().ID)

	s.Require().Eventually(func() bool {
		entries := s.lookup(rng)
		return len(entries) == 1 && entries[0].ID == fresh.Handle().ID
	}, eventTimeout, pollInterval)
}

// TestUnmapWhileInUse verifies that a registration unmapped while in use is
// never handed out again and is deregistered once its last user closes it.
func (s *MemRegSuite) TestUnmapWhileInUse() {
	rng := region.New(0x300000, 0x1000)

	inUse, err := s.cache.Register(s.ctx, rng, device.AccessRemoteRead)
	s.Require().NoError(err)

	s.unmap(rng)

	fresh, err := s.cache.Register(s.ctx, rng, device.AccessRemoteRead)
	s.Require().NoError(err)
	s.NotEqual(inUse.Handle().ID, fresh.Handle().ID)
	s.True(s.device.IsLive(inUse.Handle()), "in-use registration stays live until closed")

	s.Require().NoError(s.cache.Close(s.ctx, inUse))
	s.False(s.device.IsLive(inUse.Handle()))
	s.True(s.device.IsLive(fresh.Handle()))

	s.Require().NoError(s.cache.Close(s.ctx, fresh))
	stats := s.cache.Stats(s.ctx)
	s.Equal(1, stats.Idle)
	s.Zero(stats.Stale)
}

// TestShutdownWithdrawsEverything verifies that shutting the cache down
// deregisters idle registrations and withdraws them from the index.
func (s *MemRegSuite) TestShutdownWithdrawsEverything() {
	ranges := []region.Range{
		region.New(0x400000, 0x1000),
		region.New(0x500000, 0x1000),
	}
	for _, rng := range ranges {
		reg, err := s.cache.Register(s.ctx, rng, device.AccessRemoteRead)
		s.Require().NoError(err)
		s.Require().NoError(s.cache.Close(s.ctx, reg))
	}
	s.Require().Eventually(func() bool {
		return len(s.lookup(ranges[0])) == 1 && len(s.lookup(ranges[1])) == 1
	}, eventTimeout, pollInterval)

	s.cache.Shutdown(s.ctx)
	s.Zero(s.device.Live())

	s.Require().Eventually(func() bool {
		return len(s.lookup(ranges[0])) == 0 && len(s.lookup(ranges[1])) == 0
	}, eventTimeout, pollInterval)
	s.Zero(s.notifier.Stats().Subscriptions)
}
