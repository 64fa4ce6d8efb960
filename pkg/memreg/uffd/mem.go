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

package uffd

import (
	"sync"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
)

// DefaultMemPageSize is the page size of a MemChannel.
const DefaultMemPageSize = 4096

// MemChannel is an in-memory Channel. Address-space changes are injected
// through Unmap, Remove, Remap and Fault; an event is delivered only when the
// changed range overlaps an armed range, as with the kernel.
type MemChannel struct {
	mu          sync.Mutex
	armed       *region.Set
	queue       []Event
	interrupted bool
	closed      bool
	wake        chan struct{}

	pageSize    uint64
	armErr      error
	armCalls    int
	disarmCalls int
}

var _ Channel = &MemChannel{}

// NewMemChannel returns an empty MemChannel with DefaultMemPageSize pages.
func NewMemChannel() *MemChannel {
	return &MemChannel{
		armed:    region.NewSet(),
		wake:     make(chan struct{}, 1),
		pageSize: DefaultMemPageSize,
	}
}

// FailArm makes subsequent Arm calls return err. A nil err clears it.
func (m *MemChannel) FailArm(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armErr = err
}

// Arm marks r (page-aligned) as armed.
func (m *MemChannel) Arm(r region.Range) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.armCalls++
	if m.armErr != nil {
		return m.armErr
	}
	m.armed.Add(r.Align(m.pageSize))
	return nil
}

// Disarm unmarks r. Unarmed portions are ignored.
func (m *MemChannel) Disarm(r region.Range) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.disarmCalls++
	m.armed.Remove(r.Align(m.pageSize))
	return nil
}

// Armed returns the armed ranges in address order.
func (m *MemChannel) Armed() []region.Range {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed.Ranges()
}

// IsArmed reports whether any byte of r is armed.
func (m *MemChannel) IsArmed(r region.Range) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed.Overlaps(r)
}

// Calls returns the number of Arm and Disarm calls so far.
func (m *MemChannel) Calls() (arms, disarms int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armCalls, m.disarmCalls
}

// Unmap simulates munmap(r). The kernel drops the registration of unmapped
// pages, so r is no longer armed afterwards. Reports whether an event was
// queued.
func (m *MemChannel) Unmap(r region.Range) bool {
	return m.change(Event{Kind: EventUnmap, Range: r, Raw: 0x16}, true)
}

// Remove simulates madvise(r, MADV_DONTNEED).
func (m *MemChannel) Remove(r region.Range) bool {
	return m.change(Event{Kind: EventRemove, Range: r, Raw: 0x15}, false)
}

// Remap simulates mremap moving r to the mapping to, which may be longer
// than r. As with the kernel, the registration moves along: r is no longer
// armed and to is.
func (m *MemChannel) Remap(r, to region.Range) bool {
	m.mu.Lock()
	if !m.armed.Overlaps(r) {
		m.mu.Unlock()
		return false
	}
	m.armed.Remove(r.Align(m.pageSize))
	m.armed.Add(to.Align(m.pageSize))
	m.queue = append(m.queue, Event{Kind: EventRemap, Range: r, To: to, Raw: 0x14})
	m.mu.Unlock()

	m.signal()
	return true
}

// Fault simulates an access fault on an armed page containing addr.
func (m *MemChannel) Fault(addr uintptr) bool {
	return m.change(Event{Kind: EventPageFault, Range: region.New(addr, 1), Raw: 0x12}, false)
}

// Inject queues ev unconditionally.
func (m *MemChannel) Inject(ev Event) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	m.signal()
}

// Pending returns the number of queued, unread events.
func (m *MemChannel) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *MemChannel) change(ev Event, dropArmed bool) bool {
	m.mu.Lock()
	if !m.armed.Overlaps(ev.Range) {
		m.mu.Unlock()
		return false
	}
	if dropArmed {
		m.armed.Remove(ev.Range.Align(m.pageSize))
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	m.signal()
	return true
}

func (m *MemChannel) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until an event is queued or the channel is interrupted.
func (m *MemChannel) Wait() error {
	for {
		m.mu.Lock()
		interrupted, ready := m.interrupted, len(m.queue) > 0
		m.mu.Unlock()

		if interrupted {
			return ErrInterrupted
		}
		if ready {
			return nil
		}
		<-m.wake
	}
}

// ReadEvent pops the oldest queued event.
func (m *MemChannel) ReadEvent() (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Event{}, ErrClosed
	}
	if len(m.queue) == 0 {
		return Event{}, ErrWouldBlock
	}
	ev := m.queue[0]
	m.queue = m.queue[1:]
	return ev, nil
}

// Interrupt wakes Wait permanently.
func (m *MemChannel) Interrupt() error {
	m.mu.Lock()
	m.interrupted = true
	m.mu.Unlock()
	m.signal()
	return nil
}

// PageSize returns DefaultMemPageSize.
func (m *MemChannel) PageSize() uint64 {
	return m.pageSize
}

// Close marks the channel closed.
func (m *MemChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
