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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/admission"
)

type batchRequest struct {
	Batch []admission.Request `json:"batch"`
}

type queryRequest struct {
	UID       uint64 `json:"uid"`
	MaxTokens int    `json:"maxTokens"`
	MaxBlocks int    `json:"maxBlocks"`
}

type queryResponse struct {
	Tokens int `json:"tokens"`
	Blocks int `json:"blocks"`
}

type flushRequest struct {
	UID uint64 `json:"uid"`
}

type scoreRequest struct {
	Tokens  []uint32 `json:"tokens"`
	Engines []string `json:"engines,omitempty"`
}

type resultResponse struct {
	Result admission.SchedulingResult `json:"result"`
}

type putResponse struct {
	Slots []kvcache.Slot `json:"slots"`
}

type server struct {
	ctx       context.Context
	scheduler kvcache.Scheduler
}

// newHandler exposes the scheduler over JSON/HTTP.
func newHandler(ctx context.Context, scheduler kvcache.Scheduler, exposeMetrics bool) http.Handler {
	s := &server{ctx: ctx, scheduler: scheduler}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /can_schedule", s.canSchedule)
	mux.HandleFunc("POST /query", s.query)
	mux.HandleFunc("POST /put", s.put)
	mux.HandleFunc("POST /flush", s.flush)
	mux.HandleFunc("POST /score", s.score)
	mux.HandleFunc("GET /free_blocks", s.freeBlocks)
	mux.HandleFunc("GET /stats", s.stats)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if exposeMetrics {
		mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.FromContext(s.ctx).Error(err, "Failed to encode response")
	}
}

// fail maps malformed requests to 400 and anything else to 500.
func (s *server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, admission.ErrInvalidRequest) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	klog.FromContext(s.ctx).Error(err, "Request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (s *server) canSchedule(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := s.scheduler.CanSchedule(r.Context(), req.Batch)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, resultResponse{Result: result})
}

func (s *server) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decode(w, r, &req) {
		return
	}
	tokens, blocks, err := s.scheduler.Query(r.Context(), req.UID, req.MaxTokens, req.MaxBlocks)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, queryResponse{Tokens: tokens, Blocks: blocks})
}

func (s *server) put(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}

	slots, err := s.scheduler.Put(r.Context(), req.Batch)
	var schedErr *kvcache.SchedulingError
	switch {
	case errors.As(err, &schedErr):
		s.respond(w, http.StatusConflict, resultResponse{Result: schedErr.Result})
	case err != nil:
		s.fail(w, err)
	default:
		s.respond(w, http.StatusOK, putResponse{Slots: slots})
	}
}

func (s *server) flush(w http.ResponseWriter, r *http.Request) {
	var req flushRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.scheduler.Flush(r.Context(), req.UID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) score(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if !decode(w, r, &req) {
		return
	}

	scores, err := s.scheduler.Score(r.Context(), req.Tokens, req.Engines)
	switch {
	case errors.Is(err, kvcache.ErrIndexDisabled):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		s.respond(w, http.StatusOK, scores)
	}
}

func (s *server) freeBlocks(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string][]int{"freeBlocks": s.scheduler.FreeBlocks()})
}

func (s *server) stats(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.scheduler.Stats())
}
