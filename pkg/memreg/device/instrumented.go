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

package device

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/metrics"
	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
)

type instrumentedDevice struct {
	next Device
}

// NewInstrumentedDevice wraps next with call counters and registration
// latency.
func NewInstrumentedDevice(next Device) Device {
	return &instrumentedDevice{next: next}
}

func (m *instrumentedDevice) Register(
	ctx context.Context,
	pd ProtectionDomain,
	r region.Range,
	perm Permission,
) (Handle, error) {
	timer := prometheus.NewTimer(metrics.DeviceLatency)
	defer timer.ObserveDuration()

	metrics.DeviceRegistrations.WithLabelValues(metrics.OpRegister).Inc()
	return m.next.Register(ctx, pd, r, perm)
}

func (m *instrumentedDevice) Deregister(ctx context.Context, h Handle) error {
	err := m.next.Deregister(ctx, h)
	metrics.DeviceRegistrations.WithLabelValues(metrics.OpDeregister).Inc()
	return err
}
