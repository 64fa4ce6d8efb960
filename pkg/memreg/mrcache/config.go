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
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/device"
)

const (
	defaultMaxCount   = 1024
	defaultMaxRetries = 3
	// IOVLimit is the largest segment count RegisterV accepts.
	IOVLimit = 1
)

var (
	// ErrUnsupportedAccess is returned for access beyond Config.SupportedAccess.
	ErrUnsupportedAccess = errors.New("mrcache: unsupported access permissions")
	// ErrInvalidRange is returned for empty or overflowing ranges.
	ErrInvalidRange = errors.New("mrcache: invalid range")
	// ErrIOVLimit is returned by RegisterV for more than IOVLimit segments.
	ErrIOVLimit = errors.New("mrcache: too many segments")
	// ErrStaleRegion is returned when every attempt to register a range was
	// invalidated by a concurrent unmap.
	ErrStaleRegion = errors.New("mrcache: region invalidated during registration")
	// ErrNoNotifier is returned by New when monitoring is required but no
	// notifier is available.
	ErrNoNotifier = errors.New("mrcache: memory notifier unavailable")
	// ErrRegistrationClosed is returned when a registration is closed twice.
	ErrRegistrationClosed = errors.New("mrcache: registration already closed")
	// ErrClosed is returned by Register after Shutdown.
	ErrClosed = errors.New("mrcache: cache shut down")
)

// Config holds the configuration of a Cache.
type Config struct {
	// MaxCount bounds the number of idle cached registrations. Zero disables
	// keeping registrations once they are closed.
	MaxCount int `json:"maxCount"`
	// MaxSize bounds the total size of idle cached registrations.
	// Supports human-readable formats like "2GiB", "500MiB", "1GB", etc.
	// When set it takes precedence over MaxCount.
	MaxSize string `json:"maxSize,omitempty"`
	// Monitor subscribes cached registrations with the notifier so that
	// unmapped memory is never served from the cache.
	Monitor bool `json:"monitor"`
	// RequireNotifier makes New fail when Monitor is set and no notifier is
	// given. Otherwise the cache runs unmonitored.
	RequireNotifier bool `json:"requireNotifier"`
	// MaxRetries bounds how often a registration invalidated while being
	// created is retried.
	MaxRetries int `json:"maxRetries"`
	// SupportedAccess is the set of permissions registrations may request.
	SupportedAccess device.Access `json:"supportedAccess"`
	// PD is the protection domain registrations are created in.
	PD device.ProtectionDomain `json:"pd"`
	// EnableMetrics records cache and device metrics.
	EnableMetrics bool `json:"enableMetrics"`
}

// DefaultConfig returns a default configuration for the Cache.
func DefaultConfig() *Config {
	return &Config{
		MaxCount:        defaultMaxCount,
		Monitor:         true,
		MaxRetries:      defaultMaxRetries,
		SupportedAccess: device.SupportedAccess,
	}
}

func (c *Config) newStore() (idleStore, error) {
	switch {
	case c.MaxSize != "":
		size, err := humanize.ParseBytes(c.MaxSize)
		if err != nil {
			return nil, fmt.Errorf("invalid max size %q: %w", c.MaxSize, err)
		}
		if size == 0 {
			return nil, nil
		}
		store, err := newCostStore(size)
		if err != nil {
			return nil, err
		}
		return store, nil
	case c.MaxCount > 0:
		store, err := newLRUStore(c.MaxCount)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, nil
	}
}
