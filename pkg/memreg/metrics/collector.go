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

// Package metrics holds the Prometheus collectors of the notifier, the
// registration cache and the device glue.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// Faults counts OS change events turned into fault records, by kind.
	Faults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memreg", Subsystem: "notifier", Name: "faults_total",
		Help: "Total number of virtual-memory change events queued for draining",
	}, []string{"kind"})
	// Dispatches counts subscriptions notified by drains.
	Dispatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "memreg", Subsystem: "notifier", Name: "dispatches_total",
		Help: "Total number of subscriptions notified of an invalidation",
	})
	Watches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "memreg", Subsystem: "notifier", Name: "watches",
		Help: "Number of armed watch entries",
	})
	Subscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "memreg", Subsystem: "notifier", Name: "subscriptions",
		Help: "Number of subscriptions attached to watch entries",
	})
	FaultRecordsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "memreg", Subsystem: "notifier", Name: "fault_records_in_use",
		Help: "Number of fault records acquired from the pool",
	})

	// CacheLookups counts Register calls served by the cache, by result.
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memreg", Subsystem: "cache", Name: "lookups_total",
		Help: "Total number of registration cache lookups",
	}, []string{"result"})
	CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "memreg", Subsystem: "cache", Name: "evictions_total",
		Help: "Total number of idle registrations evicted by capacity",
	})
	CacheInvalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "memreg", Subsystem: "cache", Name: "invalidations_total",
		Help: "Total number of cached registrations marked stale",
	})
	CacheStaleRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "memreg", Subsystem: "cache", Name: "stale_retries_total",
		Help: "Total number of registrations discarded because they went stale while being created",
	})

	// DeviceRegistrations counts device register and deregister calls, by op.
	DeviceRegistrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memreg", Subsystem: "device", Name: "calls_total",
		Help: "Total number of device register/deregister calls",
	}, []string{"op"})
	// DeviceLatency logs latency of device registrations.
	DeviceLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "memreg", Subsystem: "device", Name: "register_latency_seconds",
		Help:    "Latency of device registrations in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// Label values.
const (
	ResultHit  = "hit"
	ResultMiss = "miss"

	OpRegister   = "register"
	OpDeregister = "deregister"
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Faults, Dispatches, Watches, Subscriptions, FaultRecordsInUse,
		CacheLookups, CacheEvictions, CacheInvalidations, CacheStaleRetries,
		DeviceRegistrations, DeviceLatency,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with K8s registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values every
// interval until ctx is done.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx)
			}
		}
	}()
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// Snapshot is a point-in-time view of the collectors.
type Snapshot struct {
	Faults        map[string]float64
	Dispatches    float64
	Watches       float64
	Subscriptions float64
	RecordsInUse  float64
	Hits          float64
	Misses        float64
	Evictions     float64
	Invalidations float64
	StaleRetries  float64
	LatencyCount  uint64
	LatencySum    float64
}

// Read returns the current metric values.
func Read() Snapshot {
	s := Snapshot{
		Faults:        map[string]float64{},
		Dispatches:    counterValue(Dispatches),
		Watches:       gaugeValue(Watches),
		Subscriptions: gaugeValue(Subscriptions),
		RecordsInUse:  gaugeValue(FaultRecordsInUse),
		Hits:          counterValue(CacheLookups.WithLabelValues(ResultHit)),
		Misses:        counterValue(CacheLookups.WithLabelValues(ResultMiss)),
		Evictions:     counterValue(CacheEvictions),
		Invalidations: counterValue(CacheInvalidations),
		StaleRetries:  counterValue(CacheStaleRetries),
	}
	for _, kind := range []string{"unmap", "remove", "remap"} {
		s.Faults[kind] = counterValue(Faults.WithLabelValues(kind))
	}

	var latencyMetric dto.Metric
	if err := DeviceLatency.Write(&latencyMetric); err == nil {
		s.LatencyCount = latencyMetric.GetHistogram().GetSampleCount()
		s.LatencySum = latencyMetric.GetHistogram().GetSampleSum()
	}
	return s
}

func logMetrics(ctx context.Context) {
	s := Read()

	latencyAvg := 0.0
	if s.LatencyCount > 0 {
		latencyAvg = s.LatencySum / float64(s.LatencyCount)
	}

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"faults", s.Faults,
		"dispatches", s.Dispatches,
		"watches", s.Watches,
		"subscriptions", s.Subscriptions,
		"records_in_use", s.RecordsInUse,
		"hits", s.Hits,
		"misses", s.Misses,
		"evictions", s.Evictions,
		"invalidations", s.Invalidations,
		"stale_retries", s.StaleRetries,
		"latency_count", s.LatencyCount,
		"latency_avg", latencyAvg,
	)
}
