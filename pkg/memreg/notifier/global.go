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
	"context"
	"sync"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/uffd"
)

var (
	globalMu sync.Mutex
	global   *Notifier
)

// Init starts the process-wide Notifier. It is a no-op when one is already
// running. On failure no Notifier is installed and caches run unmonitored.
func Init(ctx context.Context, cfg *Config) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil {
		return nil
	}
	n, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	global = n
	return nil
}

// InitWithChannel is Init over an existing channel.
func InitWithChannel(ctx context.Context, cfg *Config, ch uffd.Channel) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil {
		return nil
	}
	n, err := NewWithChannel(ctx, cfg, ch)
	if err != nil {
		return err
	}
	global = n
	return nil
}

// Default returns the process-wide Notifier, or nil before Init.
func Default() *Notifier {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// Finalize stops the process-wide Notifier. Safe to call without, or after a
// failed, Init.
func Finalize(ctx context.Context) error {
	globalMu.Lock()
	n := global
	global = nil
	globalMu.Unlock()

	if n == nil {
		return nil
	}
	return n.Close(ctx)
}
