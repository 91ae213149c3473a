// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const namespace = "kvcache"

var (
	// AdmissionResults counts CanSchedule verdicts by result.
	AdmissionResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "admission", Name: "results_total",
		Help: "Total number of admission checks by result",
	}, []string{"result"})
	// AdmissionLatency observes the duration of admission checks.
	AdmissionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "admission", Name: "latency_seconds",
		Help:    "Latency of admission checks in seconds",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
	})

	// TreeLookupBlocks counts the full chunks presented to BlockCache lookups.
	TreeLookupBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tree", Name: "lookup_blocks_total",
		Help: "Number of full chunks presented to prefix lookups",
	})
	// TreeLookupHits counts the chunks matched by BlockCache lookups.
	TreeLookupHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tree", Name: "lookup_hits_total",
		Help: "Number of chunks served from the prefix cache",
	})
	// TreeInsertions counts nodes created in the BlockCache.
	TreeInsertions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tree", Name: "insertions_total",
		Help: "Number of chunks inserted into the prefix cache",
	})
	// TreeEvictions counts nodes reclaimed from the BlockCache.
	TreeEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tree", Name: "evictions_total",
		Help: "Number of chunks evicted from the prefix cache",
	})

	// FreeBlocks reports the free blocks of each cache group.
	FreeBlocks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "allocator", Name: "free_blocks",
		Help: "Free KV-cache blocks per cache group",
	}, []string{"group"})
	// TrackedSequences reports the number of live sequence records.
	TrackedSequences = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "sequences", Name: "tracked",
		Help: "Number of sequences currently tracked",
	})

	// IndexAdmissions counts keys added to the residency index.
	IndexAdmissions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "index", Name: "admissions_total",
		Help: "Total number of KV-block admissions",
	})
	// IndexEvictions counts engine entries removed from the residency index.
	IndexEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "index", Name: "evictions_total",
		Help: "Total number of KV-block evictions",
	})
	// LookupRequests counts how many Lookup() calls have been made.
	LookupRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "index", Name: "lookup_requests_total",
		Help: "Total number of lookup calls",
	})
	// LookupHits counts how many keys were found in the index on Lookup().
	LookupHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "index", Name: "lookup_hits_total",
		Help: "Number of keys found in the index on Lookup()",
	})
	// LookupLatency logs latency of lookup calls.
	LookupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "index", Name: "lookup_latency_seconds",
		Help:    "Latency of Lookup calls in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		AdmissionResults, AdmissionLatency,
		TreeLookupBlocks, TreeLookupHits, TreeInsertions, TreeEvictions,
		FreeBlocks, TrackedSequences,
		IndexAdmissions, IndexEvictions, LookupRequests, LookupHits, LookupLatency,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with K8s registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// SetFreeBlocks publishes the free block count of every cache group.
func SetFreeBlocks(free []int) {
	for group, n := range free {
		FreeBlocks.WithLabelValues(strconv.Itoa(group)).Set(float64(n))
	}
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

func logMetrics(ctx context.Context) {
	var latency dto.Metric
	if err := AdmissionLatency.Write(&latency); err != nil {
		return
	}
	latencyCount := latency.GetHistogram().GetSampleCount()
	latencySum := latency.GetHistogram().GetSampleSum()
	latencyAvg := 0.0
	if latencyCount > 0 {
		latencyAvg = latencySum / float64(latencyCount)
	}

	lookupBlocks := counterValue(TreeLookupBlocks)
	lookupHits := counterValue(TreeLookupHits)
	hitRatio := 0.0
	if lookupBlocks > 0 {
		hitRatio = lookupHits / lookupBlocks
	}

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"admissions", latencyCount,
		"admission_latency_avg", latencyAvg,
		"tree_lookup_blocks", lookupBlocks,
		"tree_hit_ratio", hitRatio,
		"tree_insertions", counterValue(TreeInsertions),
		"tree_evictions", counterValue(TreeEvictions),
		"tracked_sequences", gaugeValue(TrackedSequences),
		"index_admissions", counterValue(IndexAdmissions),
		"index_evictions", counterValue(IndexEvictions),
		"index_lookups", counterValue(LookupRequests),
	)
}
