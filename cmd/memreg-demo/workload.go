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

package main

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/device"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/mrcache"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/remotekeys"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/uffd"
)

type workload struct {
	cache  *mrcache.Cache
	access device.Access
	size   int
	// simulated receives the unmaps when the kernel channel is unavailable.
	simulated *uffd.MemChannel
	// index and peer are set when registrations are published.
	index remotekeys.Index
	peer  string
}

// run repeats the map, register, reuse, unmap, re-register round.
func (w *workload) run(ctx context.Context, iterations int) error {
	for i := 0; i < iterations; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := w.round(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (w *workload) round(ctx context.Context, iteration int) error {
	logger := klog.FromContext(ctx).WithValues("iteration", iteration)

	buf, rng, err := w.mmap()
	if err != nil {
		return err
	}

	first, err := w.registerAndClose(ctx, rng)
	if err != nil {
		_ = unix.Munmap(buf)
		return err
	}
	again, err := w.registerAndClose(ctx, rng)
	if err != nil {
		_ = unix.Munmap(buf)
		return err
	}
	logger.Info("Registered mapped buffer", "range", rng, "handle", first.ID,
		"reused", again.ID == first.ID)
	w.logPublished(ctx, rng)

	if err := unix.Munmap(buf); err != nil {
		return fmt.Errorf("failed to unmap buffer: %w", err)
	}
	if err := w.simulateUnmap(ctx, rng); err != nil {
		return err
	}

	buf, remapped, err := w.mmap()
	if err != nil {
		return err
	}
	defer func() { _ = unix.Munmap(buf) }()

	fresh, err := w.registerAndClose(ctx, remapped)
	if err != nil {
		return err
	}
	logger.Info("Registered after unmap", "range", remapped, "sameAddress", remapped == rng,
		"handle", fresh.ID, "stale", fresh.ID == first.ID)
	if fresh.ID == first.ID {
		logger.Error(nil, "Stale registration served, is the cache monitored?", "handle", first.ID)
	}
	return nil
}

// simulateUnmap reports an unmap to the in-memory channel and waits for the
// listener to consume it, which the kernel enforces by blocking munmap.
func (w *workload) simulateUnmap(ctx context.Context, rng region.Range) error {
	if w.simulated == nil || !w.simulated.Unmap(rng) {
		return nil
	}
	err := wait.PollUntilContextTimeout(ctx, time.Millisecond, 5*time.Second, true,
		func(context.Context) (bool, error) {
			return w.simulated.Pending() == 0, nil
		})
	if err != nil {
		return fmt.Errorf("unmap event of %s not consumed: %w", rng, err)
	}
	return nil
}

func (w *workload) logPublished(ctx context.Context, rng region.Range) {
	if w.index == nil {
		return
	}
	found, err := w.index.Lookup(ctx, rng, sets.New(w.peer))
	if err != nil {
		klog.FromContext(ctx).Error(err, "Failed to query remote key index", "range", rng)
		return
	}
	// Publishing is asynchronous, the entry may not have arrived yet.
	klog.FromContext(ctx).Info("Remote key index", "range", rng, "entries", found[w.peer])
}

func (w *workload) registerAndClose(ctx context.Context, rng region.Range) (device.Handle, error) {
	reg, err := w.cache.Register(ctx, rng, w.access)
	if err != nil {
		return device.Handle{}, fmt.Errorf("failed to register %s: %w", rng, err)
	}
	h := reg.Handle()
	if err := w.cache.Close(ctx, reg); err != nil {
		return device.Handle{}, fmt.Errorf("failed to close registration: %w", err)
	}
	return h, nil
}

func (w *workload) mmap() ([]byte, region.Range, error) {
	buf, err := unix.Mmap(-1, 0, w.size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, region.Range{}, fmt.Errorf("failed to map buffer: %w", err)
	}
	// Touch every page so the range is populated before it is watched.
	for off := 0; off < len(buf); off += unix.Getpagesize() {
		buf[off] = 1
	}
	return buf, region.New(uintptr(unsafe.Pointer(&buf[0])), uint64(len(buf))), nil
}
