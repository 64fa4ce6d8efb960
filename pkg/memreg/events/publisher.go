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
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/device"
	"github.com/llm-d/llm-d-memreg/pkg/utils/logging"
)

const remoteAccess = device.PermRemoteRead | device.PermRemoteWrite

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// Endpoint is the address of the subscriber to connect to
	// (e.g., "tcp://localhost:5558").
	Endpoint string `json:"endpoint"`
	// Peer identifies this process to subscribers.
	Peer string `json:"peer"`
}

// Publisher announces remotely accessible registrations over a ZMQ PUB
// socket. It implements the cache observer interface.
type Publisher struct {
	peer  string
	topic []byte

	mu     sync.Mutex
	socket *zmq.Socket
	seq    uint64
	closed bool
}

// NewPublisher connects a PUB socket to cfg.Endpoint.
func NewPublisher(ctx context.Context, cfg *PublisherConfig) (*Publisher, error) {
	if cfg == nil || cfg.Endpoint == "" || cfg.Peer == "" {
		return nil, fmt.Errorf("publisher requires an endpoint and a peer name")
	}

	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher socket: %w", err)
	}
	if err := socket.Connect(cfg.Endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to connect publisher socket to %s: %w", cfg.Endpoint, err)
	}
	klog.FromContext(ctx).Info("Connected publisher socket", "endpoint", cfg.Endpoint, "peer", cfg.Peer)

	return &Publisher{
		peer:   cfg.Peer,
		topic:  []byte(Topic(cfg.Peer)),
		socket: socket,
	}, nil
}

// Published announces h if it grants remote access.
func (p *Publisher) Published(ctx context.Context, h device.Handle) {
	if h.Permissions&remoteAccess == 0 {
		return
	}
	p.send(ctx, RegionPublished{
		Base:   uint64(h.Range.Base),
		Length: h.Range.Length,
		RKey:   h.RKey,
		ID:     h.ID,
	})
}

// Revoked withdraws h if it granted remote access.
func (p *Publisher) Revoked(ctx context.Context, h device.Handle) {
	if h.Permissions&remoteAccess == 0 {
		return
	}
	p.send(ctx, RegionRevoked{
		Base:   uint64(h.Range.Base),
		Length: h.Range.Length,
		ID:     h.ID,
	})
}

// RevokeAll tells subscribers to drop everything this peer published.
func (p *Publisher) RevokeAll(ctx context.Context) {
	p.send(ctx, AllRegionsRevoked{})
}

// Close sends AllRegionsRevoked and closes the socket.
func (p *Publisher) Close(ctx context.Context) error {
	p.RevokeAll(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.socket.Close(); err != nil {
		return fmt.Errorf("failed to close publisher socket: %w", err)
	}
	return nil
}

func (p *Publisher) send(ctx context.Context, ev event) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)

	payload, err := EncodeBatch(float64(time.Now().UnixNano())/1e9, ev)
	if err != nil {
		debugLogger.Error(err, "Failed to encode event", "event", ev.ToTaggedUnion()[0])
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, p.seq)
	p.seq++

	if _, err := p.socket.SendMessage(p.topic, seq, payload); err != nil {
		debugLogger.Error(err, "Failed to publish event", "peer", p.peer)
	}
}
