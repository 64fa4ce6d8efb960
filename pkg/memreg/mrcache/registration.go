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

package mrcache

import (
	"sync/atomic"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/device"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
)

// Registration is one use of a device registration. Close it with the Cache
// that returned it.
type Registration struct {
	cache  *Cache
	entry  *entry // nil for uncached registrations
	handle device.Handle
	rng    region.Range
	access device.Access
	closed atomic.Bool
}

// Handle returns the device registration.
func (r *Registration) Handle() device.Handle {
	return r.handle
}

// LKey returns the local key.
func (r *Registration) LKey() uint32 {
	return r.handle.LKey
}

// RKey returns the remote key.
func (r *Registration) RKey() uint32 {
	return r.handle.RKey
}

// Range returns the requested range, which the registration covers.
func (r *Registration) Range() region.Range {
	return r.rng
}

// Access returns the requested access.
func (r *Registration) Access() device.Access {
	return r.access
}

// Cached reports whether the registration is shared through the cache.
func (r *Registration) Cached() bool {
	return r.entry != nil
}
