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

// Package uffd provides the OS virtual-memory change channel: a Linux
// userfaultfd configured to report unmap, remove and remap events, and an
// in-memory channel with the same contract.
package uffd

import (
	"errors"
	"fmt"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
)

var (
	// ErrUnsupported is returned by Open on platforms without userfaultfd or
	// when the kernel lacks the required event features.
	ErrUnsupported = errors.New("uffd: unsupported")
	// ErrWouldBlock is returned by ReadEvent when no event is pending.
	// Callers retry.
	ErrWouldBlock = errors.New("uffd: would block")
	// ErrInterrupted is returned by Wait once Interrupt has been called.
	ErrInterrupted = errors.New("uffd: interrupted")
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("uffd: closed")
)

// EventKind is the kind of a virtual-memory change event.
type EventKind uint8

const (
	// EventUnmap reports a munmap of (part of) an armed range.
	EventUnmap EventKind = iota + 1
	// EventRemove reports madvise(MADV_DONTNEED/MADV_REMOVE) on an armed range.
	EventRemove
	// EventRemap reports an mremap moving an armed range away.
	EventRemap
	// EventPageFault reports an access fault on an armed range.
	EventPageFault
	// EventUnknown is any other event the kernel delivered.
	EventUnknown
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventUnmap:
		return "unmap"
	case EventRemove:
		return "remove"
	case EventRemap:
		return "remap"
	case EventPageFault:
		return "pagefault"
	case EventUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Invalidates reports whether the event means the reported range can no
// longer be trusted.
func (k EventKind) Invalidates() bool {
	return k == EventUnmap || k == EventRemove || k == EventRemap
}

// Event is one virtual-memory change delivered by a Channel.
type Event struct {
	Kind EventKind
	// Range is the affected range. For remap events it is the source range;
	// for page faults it is the faulting page.
	Range region.Range
	// To is the destination of a remap event: the mapping the source moved
	// to, up to its end. The kernel keeps it armed.
	To region.Range
	// Raw is the kernel event code, kept for diagnostics.
	Raw uint8
}

// Channel is the OS facility reporting changes to armed ranges.
//
// Arm and Disarm operate on page-aligned ranges; implementations align the
// given range outward. Disarm is idempotent. Wait, ReadEvent and Interrupt
// may be called concurrently with Arm and Disarm.
type Channel interface {
	// Arm starts reporting changes to r.
	Arm(r region.Range) error
	// Disarm stops reporting changes to r. Disarming a range that is not
	// armed, or no longer mapped, succeeds.
	Disarm(r region.Range) error
	// Wait blocks until an event may be readable or the channel is
	// interrupted, in which case it returns ErrInterrupted.
	Wait() error
	// ReadEvent returns the next pending event or ErrWouldBlock.
	ReadEvent() (Event, error)
	// Interrupt wakes any current and future Wait with ErrInterrupted.
	Interrupt() error
	// PageSize is the granularity of Arm and Disarm.
	PageSize() uint64
	// Close releases the channel. Wait must have returned before Close.
	Close() error
}
