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

// Command memreg-demo maps buffers, registers them through the cached
// registration path, unmaps them and shows that a later registration of the
// same addresses never reuses the stale handle.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/device"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/events"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/metrics"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/mrcache"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/notifier"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/remotekeys"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/uffd"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := klog.FromContext(ctx)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		logger.Error(err, "Failed to load configuration")
		klog.FlushAndExit(klog.ExitFlushTimeout, 2)
	}

	if err := run(ctx, cfg); err != nil {
		logger.Error(err, "Failed to run memreg demo")
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
	klog.Flush()
}

func run(ctx context.Context, cfg *demoConfig) error {
	logger := klog.FromContext(ctx)

	metrics.Register()

	// Setup notifier, simulating unmaps when userfaultfd is not available
	simulated, err := setupNotifier(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := notifier.Finalize(ctx); err != nil {
			logger.Error(err, "Failed to stop notifier")
		}
	}()

	cacheCfg, err := cfg.cacheConfig()
	if err != nil {
		return err
	}
	access, err := device.ParseAccess(cfg.Workload.Access)
	if err != nil {
		return err
	}
	size, err := cfg.bufferSize()
	if err != nil {
		return err
	}

	// Setup events pool and publisher
	var observers []mrcache.Observer
	var index remotekeys.Index
	if cfg.Events.Enabled {
		index, err = remotekeys.NewIndex(ctx, cfg.indexConfig())
		if err != nil {
			return fmt.Errorf("failed to create remote key index: %w", err)
		}

		pool := events.NewPool(cfg.eventsConfig(), index)
		pool.Start(ctx)
		defer pool.Shutdown(ctx)

		publisher, err := events.NewPublisher(ctx, cfg.publisherConfig())
		if err != nil {
			return err
		}
		defer func() {
			if err := publisher.Close(ctx); err != nil {
				logger.Error(err, "Failed to close publisher")
			}
		}()
		observers = append(observers, publisher)
	}

	dev := device.NewLoopback()
	cache, err := mrcache.New(ctx, cacheCfg, dev, notifier.Default(), observers...)
	if err != nil {
		return fmt.Errorf("failed to create registration cache: %w", err)
	}
	defer cache.Shutdown(ctx)

	w := &workload{
		cache:     cache,
		access:    access,
		size:      size,
		simulated: simulated,
		index:     index,
		peer:      cfg.Events.Peer,
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workload.Workers; i++ {
		g.Go(func() error {
			return w.run(klog.NewContext(gctx, logger.WithValues("worker", i)), cfg.Workload.Iterations)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	stats := cache.Stats(ctx)
	registered, deregistered := dev.Counts()
	logger.Info("=== memreg demo finished ===",
		"entries", stats.Entries, "idle", stats.Idle, "stale", stats.Stale,
		"deviceRegistrations", registered, "deviceDeregistrations", deregistered)
	if n := notifier.Default(); n != nil {
		logger.Info("Notifier state", "stats", n.Stats())
	}
	logger.Info("Metrics", "snapshot", metrics.Read())
	return nil
}

// setupNotifier starts the process-wide notifier. When the kernel channel is
// unavailable it falls back to an in-memory channel and returns it, so the
// workload can report its unmaps.
func setupNotifier(ctx context.Context, cfg *demoConfig) (*uffd.MemChannel, error) {
	logger := klog.FromContext(ctx)

	err := notifier.Init(ctx, cfg.notifierConfig())
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, notifier.ErrUnavailable) {
		return nil, fmt.Errorf("failed to start notifier: %w", err)
	}

	logger.Info("userfaultfd unavailable, simulating unmap events", "reason", err.Error())
	ch := uffd.NewMemChannel()
	if err := notifier.InitWithChannel(ctx, cfg.notifierConfig(), ch); err != nil {
		return nil, fmt.Errorf("failed to start notifier: %w", err)
	}
	return ch, nil
}
