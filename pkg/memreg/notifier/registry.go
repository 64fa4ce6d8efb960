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
	"slices"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/metrics"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/uffd"
)

// Invalidator owns subscriptions. MarkInvalid is called with the notifier
// lock held, once per subscription of a fired watch, and must not call
// Subscribe or Unsubscribe.
type Invalidator interface {
	MarkInvalid(ctx context.Context, id uint64)
}

// Subscription is one cache entry's interest in a range. ID is resolved by
// Owner; the notifier never dereferences it.
type Subscription struct {
	Range region.Range
	ID    uint64
	Owner Invalidator
}

func (s Subscription) same(o Subscription) bool {
	return s.ID == o.ID && s.Owner == o.Owner
}

// watch is the registry record for one armed range.
type watch struct {
	key   region.Range
	armed region.Range
	subs  []Subscription
}

func (w *watch) indexOf(sub Subscription) int {
	return slices.IndexFunc(w.subs, sub.same)
}

// registry maps ranges to watches. Not safe for concurrent use; the Notifier
// lock guards it.
type registry struct {
	mode    region.MatchMode
	ch      uffd.Channel
	watches *region.Index[*watch]
	subs    int
}

func newRegistry(mode region.MatchMode, ch uffd.Channel) *registry {
	return &registry{
		mode:    mode,
		ch:      ch,
		watches: region.NewIndex[*watch](),
	}
}

func (r *registry) subscribe(sub Subscription) error {
	rng := sub.Range

	if r.mode == region.MatchWithin {
		if hits := r.watches.Containing(rng); len(hits) > 0 {
			return r.attach(hits[0].Value, sub)
		}
		return r.create(rng, sub)
	}

	hits := r.watches.Overlapping(rng)
	switch {
	case len(hits) == 0:
		return r.create(rng, sub)
	case len(hits) == 1 && hits[0].Range.Contains(rng):
		return r.attach(hits[0].Value, sub)
	}

	// rng extends or bridges existing watches: fold them into one.
	key := rng
	var subs []Subscription
	for _, hit := range hits {
		if hit.Value.indexOf(sub) >= 0 {
			return fmt.Errorf("%w: id %d", ErrDuplicateSubscription, sub.ID)
		}
		key = key.Union(hit.Range)
		subs = append(subs, hit.Value.subs...)
	}

	merged := &watch{key: key, armed: key.Align(r.ch.PageSize()), subs: append(subs, sub)}
	if err := r.ch.Arm(merged.armed); err != nil {
		return fmt.Errorf("%w: arm %s: %w", ErrSubscribe, merged.armed, err)
	}

	for _, hit := range hits {
		r.watches.Delete(hit.Range)
	}
	r.watches.Put(key, merged)
	metrics.Watches.Sub(float64(len(hits) - 1))
	r.addSubs(1)
	return nil
}

func (r *registry) create(rng region.Range, sub Subscription) error {
	w := &watch{key: rng, armed: rng.Align(r.ch.PageSize()), subs: []Subscription{sub}}
	if err := r.ch.Arm(w.armed); err != nil {
		return fmt.Errorf("%w: arm %s: %w", ErrSubscribe, w.armed, err)
	}
	r.watches.Put(rng, w)
	metrics.Watches.Inc()
	r.addSubs(1)
	return nil
}

func (r *registry) attach(w *watch, sub Subscription) error {
	if w.indexOf(sub) >= 0 {
		return fmt.Errorf("%w: id %d", ErrDuplicateSubscription, sub.ID)
	}
	w.subs = append(w.subs, sub)
	r.addSubs(1)
	return nil
}

// unsubscribe detaches sub from the watch holding it. A subscription whose
// watch already fired is not found, which is not an error.
func (r *registry) unsubscribe(sub Subscription) error {
	for _, hit := range r.watches.Overlapping(sub.Range) {
		w := hit.Value
		i := w.indexOf(sub)
		if i < 0 {
			continue
		}
		w.subs = slices.Delete(w.subs, i, i+1)
		r.addSubs(-1)
		if len(w.subs) == 0 {
			return r.remove(w)
		}
		return nil
	}
	return nil
}

// invalidate notifies every subscription of the watches matching rng and
// forgets those watches. It returns the number of notified subscriptions.
func (r *registry) invalidate(ctx context.Context, rng region.Range) (int, error) {
	var (
		notified int
		errs     []error
	)
	for _, hit := range r.watches.Match(r.mode, rng) {
		w := hit.Value
		for _, sub := range w.subs {
			sub.Owner.MarkInvalid(ctx, sub.ID)
		}
		notified += len(w.subs)
		r.addSubs(-len(w.subs))
		w.subs = nil
		if err := r.remove(w); err != nil {
			errs = append(errs, err)
		}
	}
	return notified, errors.Join(errs...)
}

// remove forgets w and disarms the part of its armed range that no other
// watch still needs.
func (r *registry) remove(w *watch) error {
	r.watches.Delete(w.key)
	metrics.Watches.Dec()
	return r.disarmUnwatched(w.armed)
}

// disarmUnwatched disarms the parts of rng that no watch has armed.
func (r *registry) disarmUnwatched(rng region.Range) error {
	shared := region.NewSet()
	for _, hit := range r.watches.Overlapping(rng) {
		shared.Add(hit.Value.armed)
	}

	var errs []error
	for _, gap := range shared.Gaps(rng) {
		if err := r.ch.Disarm(gap); err != nil {
			errs = append(errs, fmt.Errorf("disarm %s: %w", gap, err))
		}
	}
	return errors.Join(errs...)
}

// clear disarms and forgets every watch without notifying.
func (r *registry) clear() error {
	var errs []error
	r.watches.Each(func(item region.Item[*watch]) bool {
		if err := r.ch.Disarm(item.Value.armed); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	metrics.Watches.Sub(float64(r.watches.Len()))
	r.addSubs(-r.subs)
	r.watches.Clear()
	return errors.Join(errs...)
}

func (r *registry) addSubs(delta int) {
	r.subs += delta
	metrics.Subscriptions.Add(float64(delta))
}

func (r *registry) ranges() []region.Range {
	out := make([]region.Range, 0, r.watches.Len())
	r.watches.Each(func(item region.Item[*watch]) bool {
		out = append(out, item.Range)
		return true
	})
	return out
}
