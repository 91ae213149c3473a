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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/admission"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/telemetry"
)

const spanPrefix = "llm_d.kv_block_manager."

type tracedScheduler struct {
	Scheduler
}

// NewTracedScheduler wraps a Scheduler and emits OpenTelemetry spans for
// CanSchedule, Query, Put, Flush and Score.
func NewTracedScheduler(next Scheduler) Scheduler {
	return &tracedScheduler{Scheduler: next}
}

func batchTokens(batch []admission.Request) int {
	total := 0
	for _, req := range batch {
		total += req.Size()
	}
	return total
}

func (t *tracedScheduler) CanSchedule(ctx context.Context, batch []admission.Request,
) (admission.SchedulingResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, spanPrefix+"can_schedule",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.Int(spanPrefix+"batch.sequences", len(batch)),
		attribute.Int(spanPrefix+"batch.tokens", batchTokens(batch)),
	)

	result, err := t.Scheduler.CanSchedule(ctx, batch)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetAttributes(attribute.String(spanPrefix+"result", result.String()))
	return result, nil
}

func (t *tracedScheduler) Query(ctx context.Context, uid uint64, maxTokens, maxBlocks int) (int, int, error) {
	ctx, span := telemetry.Tracer().Start(ctx, spanPrefix+"query",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	//nolint:gosec // uids are opaque identifiers
	span.SetAttributes(attribute.Int64(spanPrefix+"uid", int64(uid)))
	tokens, blocks, err := t.Scheduler.Query(ctx, uid, maxTokens, maxBlocks)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, 0, err
	}
	span.SetAttributes(
		attribute.Int(spanPrefix+"query.tokens", tokens),
		attribute.Int(spanPrefix+"query.blocks", blocks),
	)
	return tokens, blocks, nil
}

func (t *tracedScheduler) Put(ctx context.Context, batch []admission.Request) ([]Slot, error) {
	ctx, span := telemetry.Tracer().Start(ctx, spanPrefix+"put",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.Int(spanPrefix+"batch.sequences", len(batch)),
		attribute.Int(spanPrefix+"batch.tokens", batchTokens(batch)),
	)

	slots, err := t.Scheduler.Put(ctx, batch)
	if err != nil {
		var schedErr *SchedulingError
		if errors.As(err, &schedErr) {
			span.SetAttributes(attribute.String(spanPrefix+"result", schedErr.Result.String()))
		}
		span.SetStatus(codes.Error, err.Error())
		return slots, err
	}

	cached := 0
	for _, slot := range slots {
		cached += slot.CachedTokens
	}
	span.SetAttributes(
		attribute.String(spanPrefix+"result", admission.Success.String()),
		attribute.Int(spanPrefix+"batch.cached_tokens", cached),
	)
	return slots, nil
}

func (t *tracedScheduler) Flush(ctx context.Context, uid uint64) error {
	ctx, span := telemetry.Tracer().Start(ctx, spanPrefix+"flush",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	//nolint:gosec // uids are opaque identifiers
	span.SetAttributes(attribute.Int64(spanPrefix+"uid", int64(uid)))
	if err := t.Scheduler.Flush(ctx, uid); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (t *tracedScheduler) Score(ctx context.Context, tokens []uint32, engineIdentifiers []string,
) (map[string]int, error) {
	ctx, span := telemetry.Tracer().Start(ctx, spanPrefix+"score",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(attribute.Int(spanPrefix+"score.tokens", len(tokens)))
	scores, err := t.Scheduler.Score(ctx, tokens, engineIdentifiers)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int(spanPrefix+"score.engines", len(scores)))
	return scores, nil
}
