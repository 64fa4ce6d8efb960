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

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/metrics"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/uffd"
	"github.com/llm-d/llm-d-memreg/pkg/utils/logging"
)

// listen is the listener goroutine. It runs until the channel is interrupted
// or an unrecoverable condition is reported to the FatalHandler.
func (n *Notifier) listen(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("uffd-listener")
	ctx = klog.NewContext(ctx, logger)

	err := n.run(ctx)
	n.wg.Done()

	if err != nil {
		handler := n.cfg.FatalHandler
		if handler == nil {
			handler = exitOnFatal
		}
		logger.Error(err, "Listener stopped")
		handler(err)
		return
	}
	logger.V(logging.DEBUG).Info("Listener stopped")
}

func (n *Notifier) run(ctx context.Context) error {
	for {
		if err := n.ch.Wait(); err != nil {
			if errors.Is(err, uffd.ErrInterrupted) {
				return nil
			}
			return fmt.Errorf("waiting for events: %w", err)
		}

		stop, err := n.consume(ctx)
		if err != nil || stop {
			return err
		}
	}
}

// consume reads every pending event, queues a fault record for each
// invalidating one and drains before releasing the lock.
func (n *Notifier) consume(ctx context.Context) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return true, nil
	}

	err := n.readAllLocked(ctx)
	n.DrainLocked(ctx)
	return false, err
}

func (n *Notifier) readAllLocked(ctx context.Context) error {
	logger := klog.FromContext(ctx)
	for {
		ev, err := n.ch.ReadEvent()
		if errors.Is(err, uffd.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading event: %w", err)
		}

		switch {
		case ev.Kind.Invalidates():
			if err := n.queueLocked(ev); err != nil {
				return err
			}
			logger.V(logging.DEBUG).Info("Queued invalidation", "kind", ev.Kind, "range", ev.Range)
		case ev.Kind == uffd.EventPageFault:
			return fmt.Errorf("%w: page fault at %s", ErrIntegrity, ev.Range)
		default:
			return fmt.Errorf("%w: unexpected event %#x", ErrIntegrity, ev.Raw)
		}
	}
}

func (n *Notifier) queueLocked(ev uffd.Event) error {
	if ev.Range.Length == 0 {
		return nil
	}
	// The range is disarmed before the record exists so that no second event
	// can be raised for it.
	if err := n.ch.Disarm(ev.Range); err != nil {
		return fmt.Errorf("disarming %s: %w", ev.Range, err)
	}
	// The registration moved along with a remapped range, and a grown
	// destination has unpopulated pages that must not stay armed.
	if ev.To.Length > 0 {
		if err := n.reg.disarmUnwatched(ev.To.Align(n.ch.PageSize())); err != nil {
			return fmt.Errorf("disarming remap destination %s: %w", ev.To, err)
		}
	}

	rec, err := n.pool.acquire()
	if err != nil {
		return err
	}
	rec.rng = ev.Range
	rec.kind = ev.Kind.String()
	n.pending = append(n.pending, rec)

	n.faults++
	metrics.Faults.WithLabelValues(rec.kind).Inc()
	return nil
}
