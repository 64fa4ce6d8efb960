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

// Package mrcache is a registration cache: it maps address ranges to device
// registrations and reuses them across Register calls. Cached registrations
// are subscribed with the memory region notifier, which marks them stale
// when their memory is unmapped, so a stale registration is never returned.
package mrcache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/device"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/metrics"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/notifier"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
	"github.com/llm-d/llm-d-memreg/pkg/utils/logging"
)

// Observer is told about cached registrations becoming usable and being
// released. Observers are called without any lock held.
type Observer interface {
	Published(ctx context.Context, h device.Handle)
	Revoked(ctx context.Context, h device.Handle)
}

// entry is one cached device registration.
type entry struct {
	id       uint64
	rng      region.Range
	access   device.Access
	handle   device.Handle
	useCount int

	pending    bool // device registration in flight
	invalid    bool
	subscribed bool
	idle       bool // held by the idle store
}

// Stats is a snapshot of the cache state.
type Stats struct {
	Entries int
	Idle    int
	InUse   int
	// Stale counts invalidated registrations still in use.
	Stale int
}

// Cache is a registration cache. It is safe for concurrent use.
type Cache struct {
	cfg       *Config
	notif     *notifier.Notifier
	monitored bool
	dev       device.Device
	observers []Observer
	logger    klog.Logger

	// mu guards the fields below when the cache is not monitored; otherwise
	// the notifier lock does.
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*entry
	index   *region.Index[*entry]
	store   idleStore
	stale   sets.Set[uint64]
	dead    []*entry
	closed  bool

	sf singleflight.Group
}

var _ notifier.Invalidator = &Cache{}

// New creates a Cache registering memory with dev. n may be nil, in which
// case registrations are cached without invalidation monitoring unless
// cfg.RequireNotifier is set.
func New(
	ctx context.Context,
	cfg *Config,
	dev device.Device,
	n *notifier.Notifier,
	observers ...Observer,
) (*Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := klog.FromContext(ctx).WithName("mrcache")

	if cfg.Monitor && n == nil {
		if cfg.RequireNotifier {
			return nil, ErrNoNotifier
		}
		logger.Info("Memory notifier unavailable, caching registrations without invalidation monitoring")
	}

	store, err := cfg.newStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create registration cache: %w", err)
	}

	if cfg.EnableMetrics {
		dev = device.NewInstrumentedDevice(dev)
		metrics.Register()
	}

	return &Cache{
		cfg:       cfg,
		notif:     n,
		monitored: cfg.Monitor && n != nil,
		dev:       dev,
		observers: observers,
		logger:    logger,
		nextID:    1,
		entries:   make(map[uint64]*entry),
		index:     region.NewIndex[*entry](),
		store:     store,
		stale:     sets.New[uint64](),
	}, nil
}

func (c *Cache) lock(ctx context.Context) {
	if c.monitored {
		c.notif.Lock()
		c.notif.DrainLocked(ctx)
	} else {
		c.mu.Lock()
	}
	c.collectEvictionsLocked(ctx)
}

// unlock releases the lock, then deregisters retired entries.
func (c *Cache) unlock(ctx context.Context) {
	dead := c.dead
	c.dead = nil
	if c.monitored {
		c.notif.Unlock()
	} else {
		c.mu.Unlock()
	}

	for _, e := range dead {
		if err := c.dev.Deregister(ctx, e.handle); err != nil {
			c.logger.Error(err, "Failed to deregister memory", "range", e.rng, "id", e.id)
		}
		for _, o := range c.observers {
			o.Revoked(ctx, e.handle)
		}
	}
}

// Register returns a registration covering r with at least the requested
// access, reusing a cached one when possible.
func (c *Cache) Register(ctx context.Context, r region.Range, access device.Access) (*Registration, error) {
	if err := c.validate(r, access); err != nil {
		return nil, err
	}

	debugLogger := c.logger.V(logging.DEBUG)
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if reg, err := c.lookup(ctx, r, access); reg != nil || err != nil {
			return reg, err
		}

		result, err, _ := c.sf.Do(r.String(), func() (any, error) {
			return c.populate(ctx, r)
		})
		if errors.Is(err, errStale) {
			metrics.CacheStaleRetries.Inc()
			debugLogger.Info("Registration went stale while being created, retrying", "range", r, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		e, ok := result.(*entry)
		if !ok {
			return nil, fmt.Errorf("unexpected entry type from singleflight result")
		}
		if reg := c.acquire(ctx, e, r); reg != nil {
			return reg, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrStaleRegion, r)
}

// RegisterV registers a multi-segment buffer. At most IOVLimit segments are
// supported.
func (c *Cache) RegisterV(ctx context.Context, iov []region.Range, access device.Access) (*Registration, error) {
	if len(iov) > IOVLimit {
		c.logger.Info("Segment count not supported", "count", len(iov), "limit", IOVLimit)
		return nil, fmt.Errorf("%w: %d > %d", ErrIOVLimit, len(iov), IOVLimit)
	}
	if len(iov) == 0 {
		return nil, fmt.Errorf("%w: no segments", ErrInvalidRange)
	}
	return c.Register(ctx, iov[0], access)
}

// RegisterUncached registers r with the device directly. The registration is
// never shared, cached or monitored.
func (c *Cache) RegisterUncached(
	ctx context.Context,
	r region.Range,
	access device.Access,
) (*Registration, error) {
	if err := c.validate(r, access); err != nil {
		return nil, err
	}

	h, err := c.dev.Register(ctx, c.cfg.PD, r, device.Permissions(access))
	if err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", r, err)
	}
	return &Registration{cache: c, handle: h, rng: r, access: access}, nil
}

func (c *Cache) validate(r region.Range, access device.Access) error {
	if !c.cfg.SupportedAccess.Covers(access) {
		c.logger.Info("Unsupported access permissions",
			"requested", access, "supported", c.cfg.SupportedAccess)
		return fmt.Errorf("%w: requested %s, supported %s", ErrUnsupportedAccess, access, c.cfg.SupportedAccess)
	}
	if !r.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidRange, r)
	}
	return nil
}

// lookup returns a registration for a valid cached entry covering r.
func (c *Cache) lookup(ctx context.Context, r region.Range, access device.Access) (*Registration, error) {
	c.lock(ctx)
	defer c.unlock(ctx)

	if c.closed {
		return nil, ErrClosed
	}

	e := c.searchLocked(r, access)
	if e == nil {
		metrics.CacheLookups.WithLabelValues(metrics.ResultMiss).Inc()
		return nil, nil
	}
	metrics.CacheLookups.WithLabelValues(metrics.ResultHit).Inc()
	return c.useLocked(e, r, access), nil
}

// acquire takes a reference on a freshly populated entry unless it was
// invalidated or evicted since.
func (c *Cache) acquire(ctx context.Context, e *entry, r region.Range) *Registration {
	c.lock(ctx)
	defer c.unlock(ctx)

	if e.invalid || c.entries[e.id] != e {
		return nil
	}
	return c.useLocked(e, r, e.access)
}

func (c *Cache) useLocked(e *entry, r region.Range, access device.Access) *Registration {
	if e.idle {
		c.store.remove(e.id)
		e.idle = false
	}
	e.useCount++
	return &Registration{cache: c, entry: e, handle: e.handle, rng: r, access: access}
}

// searchLocked returns a valid entry covering r with at least access.
func (c *Cache) searchLocked(r region.Range, access device.Access) *entry {
	for _, item := range c.index.Containing(r) {
		e := item.Value
		if !e.invalid && e.access.Covers(access) {
			return e
		}
	}
	return nil
}

var errStale = errors.New("registration invalidated while being created")

// populate creates a cached registration for r. The entry is subscribed
// before the device call so that an unmap racing with the registration is
// observed; the device call itself runs without the lock.
func (c *Cache) populate(ctx context.Context, r region.Range) (*entry, error) {
	c.lock(ctx)
	if c.closed {
		c.unlock(ctx)
		return nil, ErrClosed
	}
	if e := c.searchLocked(r, c.cfg.SupportedAccess); e != nil {
		c.unlock(ctx)
		return e, nil
	}

	e := &entry{id: c.nextID, rng: r, access: c.cfg.SupportedAccess, pending: true}
	c.nextID++
	if err := c.insertLocked(ctx, e); err != nil {
		c.unlock(ctx)
		return nil, err
	}
	c.unlock(ctx)

	h, regErr := c.dev.Register(ctx, c.cfg.PD, r, device.Permissions(e.access))

	c.lock(ctx)
	e.pending = false
	switch {
	case regErr != nil:
		c.forgetLocked(ctx, e)
		c.unlock(ctx)
		return nil, fmt.Errorf("failed to register %s: %w", r, regErr)
	case e.invalid:
		e.handle = h
		c.forgetLocked(ctx, e)
		c.dead = append(c.dead, e)
		c.unlock(ctx)
		return nil, errStale
	}
	e.handle = h
	c.index.Put(r, e)
	c.unlock(ctx)

	c.logger.V(logging.TRACE).Info("Cached registration", "range", r, "id", e.id, "lkey", h.LKey)
	for _, o := range c.observers {
		o.Published(ctx, h)
	}
	return e, nil
}

// insertLocked tracks a pending entry and subscribes it.
func (c *Cache) insertLocked(ctx context.Context, e *entry) error {
	if c.monitored {
		sub := notifier.Subscription{Range: e.rng, ID: e.id, Owner: c}
		if err := c.notif.SubscribeLocked(ctx, sub); err != nil {
			return fmt.Errorf("failed to monitor %s: %w", e.rng, err)
		}
		e.subscribed = true
	}
	c.entries[e.id] = e
	return nil
}

// forgetLocked drops every reference the cache holds to e.
func (c *Cache) forgetLocked(ctx context.Context, e *entry) {
	delete(c.entries, e.id)
	if cur, ok := c.index.Get(e.rng); ok && cur == e {
		c.index.Delete(e.rng)
	}
	if e.idle {
		c.store.remove(e.id)
		e.idle = false
	}
	c.stale.Delete(e.id)
	if e.subscribed {
		sub := notifier.Subscription{Range: e.rng, ID: e.id, Owner: c}
		if err := c.notif.UnsubscribeLocked(ctx, sub); err != nil {
			c.logger.Error(err, "Failed to stop monitoring", "range", e.rng, "id", e.id)
		}
		e.subscribed = false
	}
}

// retireLocked forgets e and queues its deregistration for unlock.
func (c *Cache) retireLocked(ctx context.Context, e *entry) {
	c.forgetLocked(ctx, e)
	c.dead = append(c.dead, e)
}

// MarkInvalid implements notifier.Invalidator. It runs with the notifier
// lock held.
func (c *Cache) MarkInvalid(ctx context.Context, id uint64) {
	e, ok := c.entries[id]
	if !ok || e.invalid {
		return
	}
	e.invalid = true
	// the watch is gone with the invalidation
	e.subscribed = false
	metrics.CacheInvalidations.Inc()
	klog.FromContext(ctx).V(logging.DEBUG).Info("Marked registration stale", "range", e.rng, "id", id)

	switch {
	case e.pending:
		// populate discards it once the device call returns
	case e.useCount == 0:
		c.retireLocked(ctx, e)
	default:
		if cur, ok := c.index.Get(e.rng); ok && cur == e {
			c.index.Delete(e.rng)
		}
		c.stale.Insert(id)
	}
}

// Close releases one use of reg. The last use of a cached registration
// either keeps it idle for reuse or, when it went stale or cannot be kept,
// deregisters it.
func (c *Cache) Close(ctx context.Context, reg *Registration) error {
	if reg.cache != c {
		return fmt.Errorf("registration %s belongs to another cache", reg.rng)
	}
	if !reg.closed.CompareAndSwap(false, true) {
		return ErrRegistrationClosed
	}
	if reg.entry == nil {
		if err := c.dev.Deregister(ctx, reg.handle); err != nil {
			return fmt.Errorf("failed to deregister %s: %w", reg.rng, err)
		}
		return nil
	}

	c.lock(ctx)
	defer c.unlock(ctx)

	e := reg.entry
	e.useCount--
	if e.useCount > 0 {
		return nil
	}

	if e.invalid || c.store == nil || c.closed {
		c.retireLocked(ctx, e)
		return nil
	}
	c.store.add(e.id, e.rng.Length)
	e.idle = true
	c.collectEvictionsLocked(ctx)
	return nil
}

// collectEvictionsLocked retires idle entries the store gave up.
func (c *Cache) collectEvictionsLocked(ctx context.Context) {
	if c.store == nil {
		return
	}
	for _, id := range c.store.evicted() {
		e, ok := c.entries[id]
		if !ok || !e.idle {
			continue
		}
		e.idle = false
		c.retireLocked(ctx, e)
		metrics.CacheEvictions.Inc()
		c.logger.V(logging.TRACE).Info("Evicted idle registration", "range", e.rng, "id", id)
	}
}

// Flush drains pending invalidations and deregisters every registration that
// is stale or was evicted.
//
// The listener only marks idle registrations stale, since deregistering
// takes a device call that must not run under the notifier lock. Their
// handles stay live until the next Register, Close, Stats or Flush. A
// process that goes quiet after an unmap should call Flush to release them.
func (c *Cache) Flush(ctx context.Context) {
	c.lock(ctx)
	c.unlock(ctx)
}

// Stats returns a snapshot of the cache state.
func (c *Cache) Stats(ctx context.Context) Stats {
	c.lock(ctx)
	defer c.unlock(ctx)

	s := Stats{Entries: len(c.entries), Stale: c.stale.Len()}
	for _, e := range c.entries {
		switch {
		case e.idle:
			s.Idle++
		case e.useCount > 0:
			s.InUse++
		}
	}
	return s
}

// Shutdown deregisters every idle registration and stops caching. In-use
// registrations are deregistered when closed.
func (c *Cache) Shutdown(ctx context.Context) {
	c.lock(ctx)
	defer c.unlock(ctx)

	c.closed = true
	for _, e := range c.entries {
		if e.idle {
			c.retireLocked(ctx, e)
		}
	}
	if c.store != nil {
		c.store.close()
		c.store = nil
	}
	c.logger.V(logging.DEFAULT).Info("Registration cache shut down", "inUse", len(c.entries))
}
