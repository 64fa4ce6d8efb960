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

package notifier

import (
	"errors"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
)

var (
	// ErrUnavailable is returned by Init when the OS change channel cannot
	// be opened. Caches then run without invalidation monitoring.
	ErrUnavailable = errors.New("notifier: unavailable")
	// ErrSubscribe wraps failures to arm the OS channel for a new watch.
	ErrSubscribe = errors.New("notifier: subscribe failed")
	// ErrDuplicateSubscription is returned when the same (Owner, ID) pair is
	// subscribed twice to one watch.
	ErrDuplicateSubscription = errors.New("notifier: duplicate subscription")
	// ErrInvalidRange is returned for empty or overflowing ranges.
	ErrInvalidRange = errors.New("notifier: invalid range")
	// ErrPoolExhausted is returned when every fault record is in use.
	ErrPoolExhausted = errors.New("notifier: fault record pool exhausted")
	// ErrIntegrity reports an event the channel must never deliver, such as
	// a page fault on an armed range.
	ErrIntegrity = errors.New("notifier: integrity violation")
	// ErrClosed is returned by operations on a closed notifier.
	ErrClosed = errors.New("notifier: closed")
)

// Config holds the configuration of a Notifier.
type Config struct {
	// MergeRegions selects overlap matching: overlapping subscriptions share
	// one watch. When false, watches are matched by strict containment, and
	// an event covering only part of a watch invalidates none of the
	// subscriptions attached to it. Their pages in the event are disarmed
	// and the cache keeps serving them.
	MergeRegions bool `json:"mergeRegions"`
	// FaultPoolSize is the capacity of the fault record pool.
	FaultPoolSize int `json:"faultPoolSize"`
	// EnableMetrics registers the Prometheus collectors.
	EnableMetrics bool `json:"enableMetrics"`
	// MetricsLoggingInterval enables the periodic metrics beat when > 0.
	MetricsLoggingInterval time.Duration `json:"metricsLoggingInterval"`
	// FatalHandler is called by the listener on an unrecoverable condition.
	// The listener stops after it returns. Defaults to logging and exiting.
	FatalHandler func(error) `json:"-"`
}

// DefaultConfig returns a default configuration for the Notifier.
func DefaultConfig() *Config {
	return &Config{
		MergeRegions:  true,
		FaultPoolSize: 1024,
	}
}

// MatchMode returns the matching discipline selected by MergeRegions.
func (c *Config) MatchMode() region.MatchMode {
	if c.MergeRegions {
		return region.MatchOverlap
	}
	return region.MatchWithin
}

func exitOnFatal(err error) {
	klog.ErrorS(err, "Memory region notifier failed, exiting")
	klog.FlushAndExit(klog.ExitFlushTimeout, 1)
}
