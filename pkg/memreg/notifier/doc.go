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

// Package notifier implements the memory-region invalidation notifier of a
// registration cache. Caches subscribe the ranges they hold device
// registrations for; a listener goroutine consumes the OS virtual-memory
// change channel and queues a fault record for every unmap, remove or remap
// of an armed range. Drain dispatches queued records to the subscribed
// caches, which mark the affected entries stale.
//
// One mutex, exposed through Lock and Unlock, guards the registry, the
// pending records and the bookkeeping of every subscribed cache. Methods with
// a Locked suffix expect it to be held. Caches drain before every lookup, so
// an invalidation read by the listener is observed by the next lookup.
package notifier
