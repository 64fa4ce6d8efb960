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

package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/metrics"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/uffd"
	"github.com/llm-d/llm-d-memreg/pkg/utils/logging"
)

// Notifier is the memory-region invalidation notifier.
type Notifier struct {
	mu      sync.Mutex
	cfg     *Config
	ch      uffd.Channel
	reg     *registry
	pool    *recordPool
	pending []*faultRecord
	closed  bool

	faults     uint64
	dispatched uint64

	wg sync.WaitGroup
}

// Stats is a snapshot of the notifier state.
type Stats struct {
	Watches       int
	Subscriptions int
	Pending       int
	RecordsInUse  int
	PoolCapacity  int
	Faults        uint64
	Dispatched    uint64
}

// New opens the OS change channel and starts a Notifier on it. It returns an
// error wrapping ErrUnavailable when the channel cannot be opened.
func New(ctx context.Context, cfg *Config) (*Notifier, error) {
	ch, err := uffd.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	n, err := NewWithChannel(ctx, cfg, ch)
	if err != nil {
		return nil, errors.Join(err, ch.Close())
	}
	return n, nil
}

// NewWithChannel starts a Notifier on ch. The Notifier owns ch and closes it
// on Close.
func NewWithChannel(ctx context.Context, cfg *Config, ch uffd.Channel) (*Notifier, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.FaultPoolSize <= 0 {
		return nil, fmt.Errorf("invalid fault pool size %d", cfg.FaultPoolSize)
	}

	if cfg.EnableMetrics {
		metrics.Register()
		if cfg.MetricsLoggingInterval > 0 {
			metrics.StartMetricsLogging(ctx, cfg.MetricsLoggingInterval)
		}
	}

	n := &Notifier{
		cfg:  cfg,
		ch:   ch,
		reg:  newRegistry(cfg.MatchMode(), ch),
		pool: newRecordPool(cfg.FaultPoolSize),
	}

	klog.FromContext(ctx).V(logging.DEFAULT).Info("Starting memory region notifier",
		"match", cfg.MatchMode(), "faultPoolSize", cfg.FaultPoolSize, "pageSize", ch.PageSize())

	n.wg.Add(1)
	go n.listen(ctx)
	return n, nil
}

// Lock acquires the notifier lock.
func (n *Notifier) Lock() {
	n.mu.Lock()
}

// Unlock releases the notifier lock.
func (n *Notifier) Unlock() {
	n.mu.Unlock()
}

// MatchMode returns the configured matching discipline.
func (n *Notifier) MatchMode() region.MatchMode {
	return n.reg.mode
}

// PageSize returns the arming granularity of the channel.
func (n *Notifier) PageSize() uint64 {
	return n.ch.PageSize()
}

// Subscribe attaches sub to the watch matching sub.Range, creating and arming
// a watch when none matches. On failure the registry is unchanged.
func (n *Notifier) Subscribe(ctx context.Context, sub Subscription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.SubscribeLocked(ctx, sub)
}

// SubscribeLocked is Subscribe with the lock held.
func (n *Notifier) SubscribeLocked(ctx context.Context, sub Subscription) error {
	if n.closed {
		return ErrClosed
	}
	if !sub.Range.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidRange, sub.Range)
	}
	if sub.Owner == nil {
		return fmt.Errorf("%w: subscription %d has no owner", ErrSubscribe, sub.ID)
	}

	if err := n.reg.subscribe(sub); err != nil {
		return err
	}

	klog.FromContext(ctx).V(logging.TRACE).Info("Subscribed", "range", sub.Range, "id", sub.ID)
	return nil
}

// Unsubscribe detaches sub. When its watch has no subscriptions left, the
// watch is removed and its range disarmed. Unsubscribing a subscription whose
// watch already fired is a no-op.
func (n *Notifier) Unsubscribe(ctx context.Context, sub Subscription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.UnsubscribeLocked(ctx, sub)
}

// UnsubscribeLocked is Unsubscribe with the lock held.
func (n *Notifier) UnsubscribeLocked(ctx context.Context, sub Subscription) error {
	if n.closed {
		return nil
	}

	klog.FromContext(ctx).V(logging.TRACE).Info("Unsubscribing", "range", sub.Range, "id", sub.ID)
	return n.reg.unsubscribe(sub)
}

// Drain dispatches every queued fault record and returns the number of
// notified subscriptions.
func (n *Notifier) Drain(ctx context.Context) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.DrainLocked(ctx)
}

// DrainLocked is Drain with the lock held.
func (n *Notifier) DrainLocked(ctx context.Context) int {
	if len(n.pending) == 0 {
		return 0
	}

	logger := klog.FromContext(ctx).WithName("notifier")
	total := 0
	for _, rec := range n.pending {
		notified, err := n.reg.invalidate(ctx, rec.rng)
		if err != nil {
			logger.Error(err, "Failed to disarm invalidated watch", "range", rec.rng)
		}
		logger.V(logging.DEBUG).Info("Dispatched invalidation",
			"kind", rec.kind, "range", rec.rng, "subscriptions", notified)
		total += notified
		n.pool.release(rec)
	}
	clear(n.pending)
	n.pending = n.pending[:0]

	n.dispatched += uint64(total) //nolint:gosec // non-negative
	metrics.Dispatches.Add(float64(total))
	return total
}

// flushLocked discards queued records without dispatching them.
func (n *Notifier) flushLocked() {
	for _, rec := range n.pending {
		n.pool.release(rec)
	}
	clear(n.pending)
	n.pending = n.pending[:0]
}

// Stats returns a snapshot of the notifier state.
func (n *Notifier) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()

	return Stats{
		Watches:       n.reg.watches.Len(),
		Subscriptions: n.reg.subs,
		Pending:       len(n.pending),
		RecordsInUse:  n.pool.inUse(),
		PoolCapacity:  n.pool.capacity,
		Faults:        n.faults,
		Dispatched:    n.dispatched,
	}
}

// Watched returns the keys of the current watches in address order.
func (n *Notifier) Watched() []region.Range {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reg.ranges()
}

// Close stops the listener, discards queued records, disarms every watch and
// closes the channel. Subscriptions are not notified.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.flushLocked()
	clearErr := n.reg.clear()
	n.mu.Unlock()

	interruptErr := n.ch.Interrupt()
	n.wg.Wait()

	klog.FromContext(ctx).V(logging.DEFAULT).Info("Memory region notifier stopped")
	return errors.Join(clearErr, interruptErr, n.ch.Close())
}
