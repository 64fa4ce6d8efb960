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
	"encoding/binary"
	"strings"
	"time"

	zmq "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-memreg/pkg/utils/logging"
)

const (
	// How long to wait before retrying to bind.
	retryInterval = 5 * time.Second
	// How often the poller should time out to check for context cancellation.
	pollTimeout = 250 * time.Millisecond

	topicPrefix = "mr@"
)

// Topic returns the ZMQ topic a peer publishes on: "mr@<peer>".
func Topic(peer string) string {
	return topicPrefix + peer
}

// zmqSubscriber binds a ZMQ SUB socket and forwards messages to a pool.
type zmqSubscriber struct {
	pool        *Pool
	endpoint    string
	topicFilter string
}

// newZMQSubscriber creates a new ZMQ subscriber.
func newZMQSubscriber(pool *Pool, endpoint, topicFilter string) *zmqSubscriber {
	return &zmqSubscriber{
		pool:        pool,
		endpoint:    endpoint,
		topicFilter: topicFilter,
	}
}

// Start binds a ZMQ SUB socket, receives messages, wraps them in Message
// structs, and pushes them into the pool.
// This loop will run until the provided context is canceled.
func (z *zmqSubscriber) Start(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("zmq-subscriber")

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down zmq-subscriber")
			return
		default:
			z.runSubscriber(ctx)
			// wait before retrying, unless the context has been canceled.
			select {
			case <-time.After(retryInterval):
				logger.Info("retrying zmq-subscriber")
			case <-ctx.Done():
				logger.Info("shutting down zmq-subscriber")
				return
			}
		}
	}
}

// runSubscriber binds the SUB socket, subscribes to the topic filter,
// and listens for messages.
func (z *zmqSubscriber) runSubscriber(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("zmq-subscriber")
	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		logger.Error(err, "Failed to create subscriber socket")
		return
	}
	defer sub.Close()

	if err := sub.Bind(z.endpoint); err != nil {
		logger.Error(err, "Failed to bind subscriber socket", "endpoint", z.endpoint)
		return
	}
	logger.Info("Bound subscriber socket", "endpoint", z.endpoint)

	if err := sub.SetSubscribe(z.topicFilter); err != nil {
		logger.Error(err, "Failed to subscribe to topic filter", "topic", z.topicFilter)
		return
	}

	poller := zmq.NewPoller()
	poller.Add(sub, zmq.POLLIN)
	debugLogger := logger.V(logging.DEBUG)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		polled, err := poller.Poll(pollTimeout)
		if err != nil {
			debugLogger.Error(err, "Failed to poll zmq subscriber", "endpoint", z.endpoint)
			return // reconnect
		}
		if len(polled) == 0 {
			continue
		}

		parts, err := sub.RecvMessageBytes(0)
		if err != nil {
			debugLogger.Error(err, "Failed to receive message from zmq subscriber", "endpoint", z.endpoint)
			return // reconnect
		}
		msg, ok := parseMessage(parts)
		if !ok {
			debugLogger.Error(nil, "Dropping malformed message, expected topic mr@<peer>, seq and payload",
				"parts", len(parts))
			continue
		}

		debugLogger.Info("Received message from zmq subscriber",
			"topic", msg.Topic,
			"seq", msg.Seq,
			"peer", msg.Peer,
			"payloadSize", len(msg.Payload))

		z.pool.AddTask(msg)
	}
}

// parseMessage splits a three-part [topic, seq, payload] message.
func parseMessage(parts [][]byte) (*Message, bool) {
	if len(parts) != 3 || len(parts[1]) != 8 {
		return nil, false
	}

	topic := string(parts[0])
	peer, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok || peer == "" {
		return nil, false
	}

	return &Message{
		Topic:   topic,
		Payload: parts[2],
		Seq:     binary.BigEndian.Uint64(parts[1]),
		Peer:    peer,
	}, true
}
