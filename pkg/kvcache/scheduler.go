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

package kvcache

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/admission"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/metrics"
)

// Scheduler is the operation surface of a Manager.
type Scheduler interface {
	// CanSchedule reports whether batch could be committed now. Malformed
	// entries are an error wrapping admission.ErrInvalidRequest.
	CanSchedule(ctx context.Context, batch []admission.Request) (admission.SchedulingResult, error)
	// Query returns the tokens and blocks sequence uid could schedule.
	Query(ctx context.Context, uid uint64, maxTokens, maxBlocks int) (int, int, error)
	// Put admits and commits batch.
	Put(ctx context.Context, batch []admission.Request) ([]Slot, error)
	// Flush drops a sequence.
	Flush(ctx context.Context, uid uint64) error
	// FreeBlocks returns the free blocks per cache group.
	FreeBlocks() []int
	// Stats returns a state snapshot.
	Stats() Stats
	// Score ranks engines by cached prefix length of tokens.
	Score(ctx context.Context, tokens []uint32, engineIdentifiers []string) (map[string]int, error)
}

type instrumentedScheduler struct {
	Scheduler
}

// NewInstrumentedScheduler wraps a Scheduler and records admission verdicts
// and latency.
func NewInstrumentedScheduler(next Scheduler) Scheduler {
	return &instrumentedScheduler{Scheduler: next}
}

func (s *instrumentedScheduler) CanSchedule(ctx context.Context, batch []admission.Request,
) (admission.SchedulingResult, error) {
	timer := prometheus.NewTimer(metrics.AdmissionLatency)
	defer timer.ObserveDuration()

	result, err := s.Scheduler.CanSchedule(ctx, batch)
	if err == nil {
		metrics.AdmissionResults.WithLabelValues(result.String()).Inc()
	}
	return result, err
}

func (s *instrumentedScheduler) Put(ctx context.Context, batch []admission.Request) ([]Slot, error) {
	timer := prometheus.NewTimer(metrics.AdmissionLatency)
	slots, err := s.Scheduler.Put(ctx, batch)
	timer.ObserveDuration()

	var schedErr *SchedulingError
	switch {
	case errors.As(err, &schedErr):
		metrics.AdmissionResults.WithLabelValues(schedErr.Result.String()).Inc()
	case err == nil:
		metrics.AdmissionResults.WithLabelValues(admission.Success.String()).Inc()
	}
	return slots, err
}
