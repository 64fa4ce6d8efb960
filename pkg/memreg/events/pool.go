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
	"sync"

	"github.com/cespare/xxhash/v2"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/remotekeys"
	"github.com/llm-d/llm-d-memreg/pkg/utils"
	"github.com/llm-d/llm-d-memreg/pkg/utils/logging"
)

// Config holds the configuration for the event processing pool.
type Config struct {
	// ZMQEndpoint is the ZMQ address to bind to (e.g., "tcp://*:5558").
	ZMQEndpoint string `json:"zmqEndpoint"`
	// TopicFilter is the ZMQ subscription filter (e.g., "mr@").
	TopicFilter string `json:"topicFilter"`
	// Concurrency is the number of parallel workers to run.
	Concurrency int `json:"concurrency"`
}

// DefaultConfig returns a default configuration for the event processing pool.
func DefaultConfig() *Config {
	return &Config{
		ZMQEndpoint: "tcp://*:5558",
		TopicFilter: topicPrefix,
		Concurrency: 4,
	}
}

// Message represents a message that is read from a ZMQ topic.
type Message struct {
	Topic   string
	Payload []byte
	// Sequence number of the message
	Seq uint64
	// Peer is the identifier of the process that published the message.
	// It is extracted from the ZMQ topic.
	Peer string
}

// Pool is a sharded worker pool that processes events from a ZMQ subscriber.
// It ensures that events for the same Peer are processed in order.
type Pool struct {
	queues      []workqueue.TypedRateLimitingInterface[*Message]
	concurrency int
	subscriber  *zmqSubscriber
	index       remotekeys.Index
	wg          sync.WaitGroup
}

// NewPool creates a Pool with a sharded worker setup.
func NewPool(cfg *Config, index remotekeys.Index) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Pool{
		queues:      make([]workqueue.TypedRateLimitingInterface[*Message], cfg.Concurrency),
		concurrency: cfg.Concurrency,
		index:       index,
	}

	for i := 0; i < p.concurrency; i++ {
		p.queues[i] = workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*Message]())
	}

	p.subscriber = newZMQSubscriber(p, cfg.ZMQEndpoint, cfg.TopicFilter)
	return p
}

// Start begins the worker pool and the ZMQ subscriber.
// It is non-blocking.
func (p *Pool) Start(ctx context.Context) {
	p.StartWorkers(ctx)
	go p.subscriber.Start(ctx)
}

// StartWorkers begins the worker pool only. Messages are fed with AddTask.
func (p *Pool) StartWorkers(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Starting sharded event processing pool", "workers", p.concurrency)

	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		// Each worker is given its own dedicated queue shard.
		go p.worker(ctx, i)
	}
}

// Shutdown gracefully stops the pool and its subscriber.
func (p *Pool) Shutdown(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Shutting down event processing pool...")

	for _, queue := range p.queues {
		queue.ShutDownWithDrain()
	}

	p.wg.Wait()
	logger.Info("event processing pool shut down.")
}

// AddTask is called by the subscriber to add a message to the processing queue.
// It hashes the Peer to select a queue, ensuring messages for the same peer
// always go to the same worker (ordered queue).
func (p *Pool) AddTask(task *Message) {
	//nolint:gosec // if concurrency overflows then the world is in trouble anyway
	queueIndex := xxhash.Sum64String(task.Peer) % uint64(p.concurrency)
	p.queues[queueIndex].Add(task)
}

// worker is the main processing loop for a single worker goroutine.
func (p *Pool) worker(ctx context.Context, workerIndex int) {
	defer p.wg.Done()
	queue := p.queues[workerIndex]
	for {
		task, shutdown := queue.Get()
		if shutdown {
			return
		}

		// Use a nested func to ensure Done is always called.
		func(task *Message) {
			defer queue.Done(task)
			p.processEvent(ctx, task)
			queue.Forget(task)
		}(task)

		// Check if context was cancelled after processing a task.
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// processEvent deserializes the message payload and applies its events to the
// index. Malformed payloads are dropped rather than retried.
func (p *Pool) processEvent(ctx context.Context, msg *Message) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)
	debugLogger.Info("Processing event", "topic", msg.Topic, "seq", msg.Seq)

	events, err := decodeBatch(msg.Payload, func(err error, tag string) {
		debugLogger.Error(err, "Skipping undecodable event", "tag", tag)
	})
	if err != nil {
		// This is likely a "poison pill" message that can't be unmarshalled.
		debugLogger.Error(err, "Failed to unmarshal event batch, dropping message")
		return
	}

	p.digestEvents(ctx, msg.Peer, events)
}

func (p *Pool) digestEvents(ctx context.Context, peer string, events []event) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)
	debugLogger.Info("Digesting events", "count", len(events))

	var published []RegionPublished
	var revoked []region.Range
	flush := func() {
		if len(published) > 0 {
			entries := utils.SliceMap(published, func(ev RegionPublished) remotekeys.Entry {
				return remotekeys.Entry{Range: ev.Range(), RKey: ev.RKey, ID: ev.ID}
			})
			if err := p.index.Add(ctx, peer, entries); err != nil {
				debugLogger.Error(err, "Failed to add entries to index", "peer", peer)
			}
			published = nil
		}
		if len(revoked) > 0 {
			if err := p.index.Evict(ctx, peer, revoked); err != nil {
				debugLogger.Error(err, "Failed to evict entries from index", "peer", peer)
			}
			revoked = nil
		}
	}

	// Consecutive events of one kind are applied together; order across
	// kinds is kept.
	for _, ev := range events {
		switch ev := ev.(type) {
		case RegionPublished:
			if len(revoked) > 0 {
				flush()
			}
			published = append(published, ev)
		case RegionRevoked:
			if len(published) > 0 {
				flush()
			}
			revoked = append(revoked, ev.Range())
		case AllRegionsRevoked:
			flush()
			if err := p.index.EvictPeer(ctx, peer); err != nil {
				debugLogger.Error(err, "Failed to evict peer from index", "peer", peer)
			}
		}
	}
	flush()
}
