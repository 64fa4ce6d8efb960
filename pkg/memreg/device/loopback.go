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

package device

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
	"github.com/llm-d/llm-d-memreg/pkg/utils/logging"
)

// Loopback is an in-process Device issuing increasing keys. It never touches
// the memory it registers.
type Loopback struct {
	mu      sync.Mutex
	nextID  uint64
	nextKey uint32
	live    map[uint64]Handle
	failErr error

	registered   int
	deregistered int
}

var _ Device = &Loopback{}

// NewLoopback creates a Loopback device.
func NewLoopback() *Loopback {
	return &Loopback{
		nextID:  1,
		nextKey: 0x1000,
		live:    make(map[uint64]Handle),
	}
}

// FailRegister makes subsequent Register calls return err. A nil err clears
// it.
func (l *Loopback) FailRegister(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failErr = err
}

// Register implements Device.
func (l *Loopback) Register(
	ctx context.Context,
	pd ProtectionDomain,
	r region.Range,
	perm Permission,
) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failErr != nil {
		return Handle{}, l.failErr
	}

	h := Handle{
		ID:          l.nextID,
		LKey:        l.nextKey,
		RKey:        l.nextKey + 1,
		PD:          pd,
		Range:       r,
		Permissions: perm,
	}
	l.nextID++
	l.nextKey += 2
	l.live[h.ID] = h
	l.registered++

	klog.FromContext(ctx).V(logging.TRACE).Info("Registered memory", "range", r, "lkey", h.LKey, "rkey", h.RKey)
	return h, nil
}

// Deregister implements Device.
func (l *Loopback) Deregister(ctx context.Context, h Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.live[h.ID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h.ID)
	}
	delete(l.live, h.ID)
	l.deregistered++

	klog.FromContext(ctx).V(logging.TRACE).Info("Deregistered memory", "range", h.Range, "lkey", h.LKey)
	return nil
}

// Live returns the number of outstanding registrations.
func (l *Loopback) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// Counts returns the number of successful Register and Deregister calls.
func (l *Loopback) Counts() (registered, deregistered int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registered, l.deregistered
}

// IsLive reports whether h is still registered.
func (l *Loopback) IsLive(h Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.live[h.ID]
	return ok
}
