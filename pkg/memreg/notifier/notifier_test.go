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

package notifier_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/notifier"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/uffd"
)

// MockInvalidator implements notifier.Invalidator for testing.
type MockInvalidator struct {
	mock.Mock
}

func (m *MockInvalidator) MarkInvalid(ctx context.Context, id uint64) {
	m.Called(ctx, id)
}

type fixture struct {
	n      *notifier.Notifier
	ch     *uffd.MemChannel
	owner  *MockInvalidator
	fatals chan error
}

func newFixture(t *testing.T, mergeRegions bool) *fixture {
	t.Helper()
	return newFixtureWithChannel(t, mergeRegions, 16, uffd.NewMemChannel())
}

func newFixtureWithChannel(t *testing.T, mergeRegions bool, poolSize int, ch *uffd.MemChannel) *fixture {
	t.Helper()

	f := &fixture{ch: ch, owner: &MockInvalidator{}, fatals: make(chan error, 1)}
	cfg := &notifier.Config{
		MergeRegions:  mergeRegions,
		FaultPoolSize: poolSize,
		FatalHandler:  func(err error) { f.fatals <- err },
	}

	n, err := notifier.NewWithChannel(context.Background(), cfg, ch)
	require.NoError(t, err)
	f.n = n
	t.Cleanup(func() { assert.NoError(t, n.Close(context.Background())) })
	return f
}

func (f *fixture) sub(base uintptr, length uint64, id uint64) notifier.Subscription {
	return notifier.Subscription{Range: region.New(base, length), ID: id, Owner: f.owner}
}

func (f *fixture) waitFaults(t *testing.T, want uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.n.Stats().Faults >= want
	}, 2*time.Second, 5*time.Millisecond)
}

func (f *fixture) waitFatal(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.fatals:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not report a fatal condition")
		return nil
	}
}

func TestSubscribeUnsubscribeBalance(t *testing.T) {
	for _, merge := range []bool{true, false} {
		f := newFixture(t, merge)
		ctx := context.Background()

		subs := []notifier.Subscription{
			f.sub(0x10000, 0x2000, 1),
			f.sub(0x10000, 0x2000, 2),
			f.sub(0x10000, 0x2000, 3),
		}
		for _, s := range subs {
			require.NoError(t, f.n.Subscribe(ctx, s))
		}
		assert.Equal(t, []region.Range{region.New(0x10000, 0x2000)}, f.n.Watched())
		assert.Equal(t, 3, f.n.Stats().Subscriptions)
		arms, _ := f.ch.Calls()
		assert.Equal(t, 1, arms, "attached subscriptions do not re-arm")

		for _, s := range subs {
			require.NoError(t, f.n.Unsubscribe(ctx, s))
		}
		assert.Empty(t, f.n.Watched())
		assert.Empty(t, f.ch.Armed())
		assert.Equal(t, 0, f.n.Stats().Subscriptions)
	}
}

func TestSubscribeArmFailureLeavesNoState(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	boom := errors.New("boom")

	f.ch.FailArm(boom)
	err := f.n.Subscribe(ctx, f.sub(0x10000, 0x1000, 1))
	assert.ErrorIs(t, err, notifier.ErrSubscribe)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.n.Watched())
	assert.Equal(t, 0, f.n.Stats().Subscriptions)

	f.ch.FailArm(nil)
	require.NoError(t, f.n.Subscribe(ctx, f.sub(0x10000, 0x1000, 1)))

	// a failed merge keeps the existing watch untouched
	f.ch.FailArm(boom)
	err = f.n.Subscribe(ctx, f.sub(0x10800, 0x2000, 2))
	assert.ErrorIs(t, err, notifier.ErrSubscribe)
	assert.Equal(t, []region.Range{region.New(0x10000, 0x1000)}, f.n.Watched())
	assert.Equal(t, 1, f.n.Stats().Subscriptions)
}

func TestSubscribeRejects(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	assert.ErrorIs(t, f.n.Subscribe(ctx, f.sub(0x10000, 0, 1)), notifier.ErrInvalidRange)

	require.NoError(t, f.n.Subscribe(ctx, f.sub(0x10000, 0x100, 1)))
	assert.ErrorIs(t, f.n.Subscribe(ctx, f.sub(0x10000, 0x100, 1)), notifier.ErrDuplicateSubscription)
	assert.ErrorIs(t, f.n.Subscribe(ctx, f.sub(0x10080, 0x1000, 1)), notifier.ErrDuplicateSubscription)
	assert.Equal(t, 1, f.n.Stats().Subscriptions)
}

func TestMergeOverlappingWatches(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.n.Subscribe(ctx, f.sub(0, 100, 1)))
	require.NoError(t, f.n.Subscribe(ctx, f.sub(50, 100, 2)))
	assert.Equal(t, []region.Range{region.New(0, 150)}, f.n.Watched())

	f.owner.On("MarkInvalid", mock.Anything, uint64(1)).Once()
	f.owner.On("MarkInvalid", mock.Anything, uint64(2)).Once()

	require.True(t, f.ch.Unmap(region.New(0, 60)))
	f.waitFaults(t, 1)

	f.owner.AssertExpectations(t)
	assert.Empty(t, f.n.Watched())
	stats := f.n.Stats()
	assert.Equal(t, uint64(2), stats.Dispatched)
	assert.Equal(t, 0, stats.RecordsInUse)
}

func TestContainmentDiscipline(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.n.Subscribe(ctx, f.sub(10, 10, 3)))
	require.NoError(t, f.n.Subscribe(ctx, f.sub(0, 100, 1)))
	require.NoError(t, f.n.Subscribe(ctx, f.sub(50, 100, 2)))
	assert.Len(t, f.n.Watched(), 3)

	f.owner.On("MarkInvalid", mock.Anything, uint64(3)).Once()

	require.True(t, f.ch.Unmap(region.New(0, 60)))
	f.waitFaults(t, 1)

	f.owner.AssertExpectations(t)
	f.owner.AssertNotCalled(t, "MarkInvalid", mock.Anything, uint64(1))
	f.owner.AssertNotCalled(t, "MarkInvalid", mock.Anything, uint64(2))
	assert.Equal(t, []region.Range{region.New(0, 100), region.New(50, 100)}, f.n.Watched())
}

func TestContainmentAttachesToEnclosingWatch(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.n.Subscribe(ctx, f.sub(0x10000, 0x4000, 1)))
	require.NoError(t, f.n.Subscribe(ctx, f.sub(0x11000, 0x1000, 2)))
	assert.Equal(t, []region.Range{region.New(0x10000, 0x4000)}, f.n.Watched())

	require.NoError(t, f.n.Subscribe(ctx, f.sub(0x13000, 0x2000, 3)))
	assert.Len(t, f.n.Watched(), 2)
}

func TestContainmentPartialUnmapKeepsEnclosingWatch(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.n.Subscribe(ctx, f.sub(0x10000, 0x4000, 1)))
	require.NoError(t, f.n.Subscribe(ctx, f.sub(0x11000, 0x1000, 2)))

	require.True(t, f.ch.Unmap(region.New(0x11000, 0x1000)))
	f.waitFaults(t, 1)

	f.owner.AssertNotCalled(t, "MarkInvalid", mock.Anything, mock.Anything)
	assert.Equal(t, []region.Range{region.New(0x10000, 0x4000)}, f.n.Watched())
	assert.False(t, f.ch.IsArmed(region.New(0x11000, 0x1000)))
	assert.True(t, f.ch.IsArmed(region.New(0x13000, 0x1000)))
}

func TestUnsubscribeAfterInvalidationIsNoop(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	s := f.sub(0x20000, 0x1000, 7)

	f.owner.On("MarkInvalid", mock.Anything, uint64(7)).Once()
	require.NoError(t, f.n.Subscribe(ctx, s))
	require.True(t, f.ch.Remove(s.Range))
	f.waitFaults(t, 1)

	assert.NoError(t, f.n.Unsubscribe(ctx, s))
	assert.NoError(t, f.n.Unsubscribe(ctx, s))
	assert.Empty(t, f.n.Watched())
	assert.False(t, f.ch.IsArmed(s.Range))
	f.owner.AssertExpectations(t)
}

func TestRemoveKeepsPagesOfOtherWatchesArmed(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a := f.sub(0x30000, 0x100, 1)
	b := f.sub(0x30200, 0x100, 2)
	require.NoError(t, f.n.Subscribe(ctx, a))
	require.NoError(t, f.n.Subscribe(ctx, b))
	assert.Len(t, f.n.Watched(), 2, "disjoint ranges on one page are separate watches")

	require.NoError(t, f.n.Unsubscribe(ctx, a))
	assert.True(t, f.ch.IsArmed(b.Range), "page still needed by the other watch")

	require.NoError(t, f.n.Unsubscribe(ctx, b))
	assert.False(t, f.ch.IsArmed(b.Range))
}

func TestEventsOutsideWatchesDispatchNothing(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.n.Subscribe(ctx, f.sub(0x40000, 0x100, 1)))
	// same page, no overlap with the watch key
	require.True(t, f.ch.Remove(region.New(0x40800, 0x100)))
	f.waitFaults(t, 1)

	assert.Equal(t, uint64(0), f.n.Stats().Dispatched)
	assert.Len(t, f.n.Watched(), 1)
	f.owner.AssertNotCalled(t, "MarkInvalid", mock.Anything, mock.Anything)
}

func TestDrainIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.owner.On("MarkInvalid", mock.Anything, uint64(1)).Once()
	require.NoError(t, f.n.Subscribe(ctx, f.sub(0x50000, 0x1000, 1)))
	require.True(t, f.ch.Remap(region.New(0x50000, 0x1000), region.New(0x70000, 0x1000)))
	f.waitFaults(t, 1)

	assert.Equal(t, 0, f.n.Drain(ctx))
	f.n.Lock()
	assert.Equal(t, 0, f.n.DrainLocked(ctx))
	f.n.Unlock()
	f.owner.AssertExpectations(t)
}

func TestRemapDisarmsGrownDestination(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.owner.On("MarkInvalid", mock.Anything, uint64(1)).Once()
	other := f.sub(0x8c000, 0x1000, 2)
	require.NoError(t, f.n.Subscribe(ctx, f.sub(0x50000, 0x2000, 1)))
	require.NoError(t, f.n.Subscribe(ctx, other))

	grown := region.New(0x88000, 0x8000)
	require.True(t, f.ch.Remap(region.New(0x50000, 0x2000), grown))
	f.waitFaults(t, 1)

	assert.False(t, f.ch.IsArmed(region.New(0x50000, 0x2000)))
	assert.False(t, f.ch.IsArmed(region.New(0x88000, 0x4000)), "moved pages are disarmed")
	assert.False(t, f.ch.IsArmed(region.New(0x8d000, 0x3000)), "grown tail is disarmed")
	assert.True(t, f.ch.IsArmed(other.Range), "pages of another watch stay armed")
	assert.Equal(t, []region.Range{other.Range}, f.n.Watched())
	f.owner.AssertExpectations(t)
}

func TestPoolExhaustionIsFatal(t *testing.T) {
	ch := uffd.NewMemChannel()
	for i := range 10 {
		ch.Inject(uffd.Event{Kind: uffd.EventUnmap, Range: region.New(uintptr(0x100000+i*0x1000), 0x1000)})
	}

	f := newFixtureWithChannel(t, true, 4, ch)
	err := f.waitFatal(t)
	assert.ErrorIs(t, err, notifier.ErrPoolExhausted)

	stats := f.n.Stats()
	assert.Equal(t, 4, stats.PoolCapacity)
	assert.Equal(t, uint64(4), stats.Faults)
	assert.Equal(t, 0, stats.RecordsInUse, "queued records are drained before the listener stops")
	assert.Equal(t, 0, stats.Pending)
}

func TestPageFaultIsIntegrityViolation(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.n.Subscribe(context.Background(), f.sub(0x60000, 0x1000, 1)))

	require.True(t, f.ch.Fault(0x60010))
	assert.ErrorIs(t, f.waitFatal(t), notifier.ErrIntegrity)
}

func TestUnknownEventIsIntegrityViolation(t *testing.T) {
	f := newFixture(t, true)
	f.ch.Inject(uffd.Event{Kind: uffd.EventUnknown, Raw: 0x13})
	assert.ErrorIs(t, f.waitFatal(t), notifier.ErrIntegrity)
}

func TestClose(t *testing.T) {
	ch := uffd.NewMemChannel()
	n, err := notifier.NewWithChannel(context.Background(), nil, ch)
	require.NoError(t, err)

	owner := &MockInvalidator{}
	s := notifier.Subscription{Range: region.New(0x70000, 0x1000), ID: 1, Owner: owner}
	require.NoError(t, n.Subscribe(context.Background(), s))

	require.NoError(t, n.Close(context.Background()))
	assert.Empty(t, ch.Armed())
	assert.ErrorIs(t, n.Subscribe(context.Background(), s), notifier.ErrClosed)
	assert.NoError(t, n.Unsubscribe(context.Background(), s))
	assert.NoError(t, n.Close(context.Background()))
	owner.AssertNotCalled(t, "MarkInvalid", mock.Anything, mock.Anything)
}

func TestNewRejectsEmptyPool(t *testing.T) {
	_, err := notifier.NewWithChannel(context.Background(),
		&notifier.Config{FaultPoolSize: 0}, uffd.NewMemChannel())
	assert.Error(t, err)
}

func TestGlobalLifecycle(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, notifier.Finalize(ctx), "finalize before init")
	assert.Nil(t, notifier.Default())

	require.NoError(t, notifier.InitWithChannel(ctx, nil, uffd.NewMemChannel()))
	n := notifier.Default()
	require.NotNil(t, n)

	require.NoError(t, notifier.InitWithChannel(ctx, nil, uffd.NewMemChannel()))
	assert.Same(t, n, notifier.Default())

	require.NoError(t, notifier.Finalize(ctx))
	assert.Nil(t, notifier.Default())
}
