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

//go:build linux

package uffd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
)

// userfaultfd ABI, see include/uapi/linux/userfaultfd.h.
const (
	uffdAPI = 0xAA

	uffdioAPI        = 0xc018aa3f
	uffdioRegister   = 0xc020aa00
	uffdioUnregister = 0x8010aa01

	uffdioRegisterModeMissing = 1 << 0
	uffdioRegisterModeWP      = 1 << 1

	uffdFeaturePagefaultFlagWP = 1 << 0
	uffdFeatureEventRemap      = 1 << 2
	uffdFeatureEventRemove     = 1 << 3
	uffdFeatureEventUnmap      = 1 << 6

	uffdUserModeOnly = 1

	uffdEventPagefault = 0x12
	uffdEventRemap     = 0x14
	uffdEventRemove    = 0x15
	uffdEventUnmap     = 0x16

	uffdMsgSize = 32

	madvPopulateRead = 22
)

const requiredFeatures = uffdFeatureEventRemap | uffdFeatureEventRemove | uffdFeatureEventUnmap

type uffdioAPIArg struct {
	API      uint64
	Features uint64
	Ioctls   uint64
}

type uffdioRange struct {
	Start uint64
	Len   uint64
}

type uffdioRegisterArg struct {
	Range  uffdioRange
	Mode   uint64
	Ioctls uint64
}

// Userfaultfd is the Linux Channel. Ranges are registered in write-protect
// mode when the kernel supports it: no page is ever write-protected, so only
// the non-cooperative unmap, remove and remap events are raised, including
// for pages that join an armed mapping later (mremap growth). Older kernels
// fall back to missing mode with a prefault before registration.
type Userfaultfd struct {
	fd       int
	wakeFd   int
	pageSize uint64
	mode     uint64

	closeOnce sync.Once
}

var _ Channel = &Userfaultfd{}

// Open creates a userfaultfd requesting the unmap, remove and remap event
// features, plus an eventfd used by Interrupt.
func Open() (Channel, error) {
	fd, mode, err := negotiate()
	if err != nil {
		return nil, err
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to create eventfd: %w", err)
	}

	return &Userfaultfd{
		fd:       fd,
		wakeFd:   wakeFd,
		pageSize: uint64(unix.Getpagesize()),
		mode:     mode,
	}, nil
}

// negotiate opens a userfaultfd with the event features enabled and returns
// the registration mode to use.
func negotiate() (int, uint64, error) {
	fd, api, err := openWithFeatures(requiredFeatures | uffdFeaturePagefaultFlagWP)
	if err != nil {
		// Kernels without write-protect support reject the request, and
		// UFFDIO_API succeeds once per descriptor.
		fd, api, err = openWithFeatures(requiredFeatures)
		if err != nil {
			return -1, 0, err
		}
	}

	if api.Features&requiredFeatures != requiredFeatures {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("%w: kernel features %#x lack %#x", ErrUnsupported,
			api.Features, uint64(requiredFeatures))
	}
	if api.Features&uffdFeaturePagefaultFlagWP != 0 {
		return fd, uffdioRegisterModeWP, nil
	}
	return fd, uffdioRegisterModeMissing, nil
}

func openWithFeatures(features uint64) (int, uffdioAPIArg, error) {
	fd, err := openUserfaultfd()
	if err != nil {
		return -1, uffdioAPIArg{}, err
	}

	api := uffdioAPIArg{API: uffdAPI, Features: features}
	if err := ioctl(fd, uffdioAPI, unsafe.Pointer(&api)); err != nil {
		unix.Close(fd)
		return -1, uffdioAPIArg{}, fmt.Errorf("%w: UFFDIO_API: %w", ErrUnsupported, err)
	}
	return fd, api, nil
}

func openUserfaultfd() (int, error) {
	flags := uintptr(unix.O_CLOEXEC | unix.O_NONBLOCK)
	// User-mode-only descriptors do not need vm.unprivileged_userfaultfd and
	// still carry non-cooperative events. Older kernels reject the flag.
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, flags|uffdUserModeOnly, 0, 0)
	if errno == unix.EINVAL {
		fd, _, errno = unix.Syscall(unix.SYS_USERFAULTFD, flags, 0, 0)
	}
	if errno != 0 {
		if errno == unix.ENOSYS || errno == unix.EPERM {
			return -1, fmt.Errorf("%w: userfaultfd: %w", ErrUnsupported, errno)
		}
		return -1, fmt.Errorf("userfaultfd: %w", errno)
	}
	return int(fd), nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Arm registers r with the userfaultfd. In missing mode r is prefaulted
// first.
func (u *Userfaultfd) Arm(r region.Range) error {
	a := r.Align(u.pageSize)
	if u.mode == uffdioRegisterModeMissing {
		// Best effort: populated pages cannot raise missing faults.
		//nolint:errcheck
		unix.Syscall(unix.SYS_MADVISE, a.Base, uintptr(a.Length), madvPopulateRead)
	}

	arg := uffdioRegisterArg{
		Range: uffdioRange{Start: uint64(a.Base), Len: a.Length},
		Mode:  u.mode,
	}
	if err := ioctl(u.fd, uffdioRegister, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("UFFDIO_REGISTER %s: %w", a, err)
	}
	return nil
}

// Disarm unregisters r. A range the kernel already dropped (unmapped) is
// reported as ENOMEM or EINVAL and counts as success.
func (u *Userfaultfd) Disarm(r region.Range) error {
	a := r.Align(u.pageSize)
	arg := uffdioRange{Start: uint64(a.Base), Len: a.Length}
	err := ioctl(u.fd, uffdioUnregister, unsafe.Pointer(&arg))
	if err == nil || errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EINVAL) {
		return nil
	}
	return fmt.Errorf("UFFDIO_UNREGISTER %s: %w", a, err)
}

// Wait polls the userfaultfd and the interrupt eventfd.
func (u *Userfaultfd) Wait() error {
	fds := []unix.PollFd{
		{Fd: int32(u.fd), Events: unix.POLLIN},
		{Fd: int32(u.wakeFd), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			return ErrInterrupted
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return fmt.Errorf("poll: userfaultfd revents %#x", fds[0].Revents)
		}
		return nil
	}
}

// ReadEvent reads and decodes one uffd_msg.
func (u *Userfaultfd) ReadEvent() (Event, error) {
	var buf [uffdMsgSize]byte
	n, err := unix.Read(u.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return Event{}, ErrWouldBlock
	}
	if err != nil {
		return Event{}, fmt.Errorf("read userfaultfd: %w", err)
	}
	if n != uffdMsgSize {
		return Event{}, fmt.Errorf("short userfaultfd read: %d bytes", n)
	}

	ev := decodeMsg(buf[:])
	if ev.Kind == EventRemap {
		// A growing mremap moves the mapping and extends it past the old
		// length. The mremap caller is blocked until this read, so the
		// destination mapping is already in its final shape.
		if end, err := mappingEnd(ev.To.Base); err == nil && end > ev.To.End() {
			ev.To = region.New(ev.To.Base, uint64(end-ev.To.Base))
		}
	}
	return ev, nil
}

// mappingEnd returns the end of this process's mapping containing addr.
func mappingEnd(addr uintptr) (uintptr, error) {
	self, err := procfs.Self()
	if err != nil {
		return 0, fmt.Errorf("failed to open procfs: %w", err)
	}
	maps, err := self.ProcMaps()
	if err != nil {
		return 0, fmt.Errorf("failed to read mappings: %w", err)
	}
	for _, m := range maps {
		if m.StartAddr <= addr && addr < m.EndAddr {
			return m.EndAddr, nil
		}
	}
	return 0, fmt.Errorf("no mapping contains %#x", addr)
}

// decodeMsg decodes a uffd_msg: the event code at offset 0 and the argument
// union at offset 8.
func decodeMsg(msg []byte) Event {
	code := msg[0]
	arg := func(i int) uint64 {
		return binary.NativeEndian.Uint64(msg[8+8*i:])
	}

	ev := Event{Raw: code}
	switch code {
	case uffdEventUnmap, uffdEventRemove:
		start, end := arg(0), arg(1)
		ev.Kind = EventRemove
		if code == uffdEventUnmap {
			ev.Kind = EventUnmap
		}
		if end > start {
			ev.Range = region.New(uintptr(start), end-start)
		}
	case uffdEventRemap:
		ev.Kind = EventRemap
		ev.Range = region.New(uintptr(arg(0)), arg(2))
		ev.To = region.New(uintptr(arg(1)), arg(2))
	case uffdEventPagefault:
		ev.Kind = EventPageFault
		ev.Range = region.New(uintptr(arg(1)), 1)
	default:
		ev.Kind = EventUnknown
	}
	return ev
}

// Interrupt signals the eventfd; every later Wait returns ErrInterrupted.
func (u *Userfaultfd) Interrupt() error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(u.wakeFd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("write eventfd: %w", err)
	}
	return nil
}

// PageSize returns the system page size.
func (u *Userfaultfd) PageSize() uint64 {
	return u.pageSize
}

// Close closes both descriptors.
func (u *Userfaultfd) Close() error {
	var err error
	u.closeOnce.Do(func() {
		err = errors.Join(unix.Close(u.fd), unix.Close(u.wakeFd))
	})
	return err
}
