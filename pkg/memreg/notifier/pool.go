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
	"fmt"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/metrics"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
)

// faultRecord is one queued invalidation.
type faultRecord struct {
	rng  region.Range
	kind string
}

// recordPool is a fixed-capacity free list of fault records. All records are
// allocated up front and the pool never grows.
type recordPool struct {
	free     []*faultRecord
	capacity int
}

func newRecordPool(capacity int) *recordPool {
	slab := make([]faultRecord, capacity)
	free := make([]*faultRecord, capacity)
	for i := range slab {
		free[i] = &slab[i]
	}
	return &recordPool{free: free, capacity: capacity}
}

func (p *recordPool) acquire() (*faultRecord, error) {
	if len(p.free) == 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrPoolExhausted, p.capacity)
	}
	rec := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	metrics.FaultRecordsInUse.Inc()
	return rec, nil
}

func (p *recordPool) release(rec *faultRecord) {
	*rec = faultRecord{}
	p.free = append(p.free, rec)
	metrics.FaultRecordsInUse.Dec()
}

func (p *recordPool) inUse() int {
	return p.capacity - len(p.free)
}
