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

// Package device defines the device-registration collaborator of the
// registration cache: access flags, registration handles and the Device
// interface, plus a loopback implementation and a metrics wrapper.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
)

// Access is a set of requested access permissions.
type Access uint64

const (
	AccessSend Access = 1 << iota
	AccessRecv
	AccessRead
	AccessWrite
	AccessRemoteRead
	AccessRemoteWrite
)

// SupportedAccess is the set of permissions registrations may request.
const SupportedAccess = AccessSend | AccessRecv | AccessRemoteRead

var accessNames = []struct {
	flag Access
	name string
}{
	{AccessSend, "send"},
	{AccessRecv, "recv"},
	{AccessRead, "read"},
	{AccessWrite, "write"},
	{AccessRemoteRead, "remote_read"},
	{AccessRemoteWrite, "remote_write"},
}

// Covers reports whether a includes every permission of o.
func (a Access) Covers(o Access) bool {
	return a&o == o
}

// String returns the permission names joined by '|'.
func (a Access) String() string {
	if a == 0 {
		return "none"
	}
	var parts []string
	rest := a
	for _, n := range accessNames {
		if a&n.flag != 0 {
			parts = append(parts, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint64(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseAccess parses a '|' or ',' separated list of permission names.
func ParseAccess(s string) (Access, error) {
	var a Access
	for _, field := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		field = strings.TrimSpace(field)
		found := false
		for _, n := range accessNames {
			if n.name == field {
				a |= n.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown access permission %q", field)
		}
	}
	return a, nil
}

// Permission is the access granted to the device for a registration.
type Permission uint32

const (
	PermLocalWrite Permission = 1 << iota
	PermRemoteRead
	PermRemoteWrite
)

// Permissions maps requested access to device permissions. Local read is
// always granted; receiving into the buffer needs local write.
func Permissions(a Access) Permission {
	var p Permission
	if a&AccessRecv != 0 {
		p |= PermLocalWrite
	}
	if a&AccessRemoteRead != 0 {
		p |= PermRemoteRead
	}
	if a&AccessRemoteWrite != 0 {
		p |= PermRemoteWrite | PermLocalWrite
	}
	return p
}

// ProtectionDomain identifies the device protection domain a registration
// belongs to.
type ProtectionDomain uint32

// Handle is a device registration.
type Handle struct {
	// ID is unique per device for the lifetime of the process.
	ID uint64
	// LKey is the local key used in work requests.
	LKey uint32
	// RKey is the key remote peers use to access the region.
	RKey uint32

	PD          ProtectionDomain
	Range       region.Range
	Permissions Permission
}

// ErrUnknownHandle is returned by Deregister for handles it did not issue or
// already released.
var ErrUnknownHandle = errors.New("device: unknown handle")

// Device registers memory with a network device. Implementations are safe for
// concurrent use and may block; callers never hold the notifier lock while
// calling them.
type Device interface {
	// Register pins r and returns its device keys.
	Register(ctx context.Context, pd ProtectionDomain, r region.Range, perm Permission) (Handle, error)
	// Deregister releases a registration.
	Deregister(ctx context.Context, h Handle) error
}
