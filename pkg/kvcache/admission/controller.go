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

// Package admission decides whether a batch of sequence updates fits the
// engine's limits and the KV cache. Decisions are simulated against the
// current state and never mutate it.
package admission

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/cachetree"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/sequence"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

// ErrInvalidRequest is returned for malformed batch entries or query bounds.
var ErrInvalidRequest = errors.New("invalid request")

const (
	defaultMaxRaggedSequenceCount = 512
	defaultMaxRaggedBatchSize     = 768
)

// Config holds the batch limits of the admission controller.
type Config struct {
	// MaxRaggedSequenceCount bounds the number of entries in a batch.
	MaxRaggedSequenceCount int `json:"maxRaggedSequenceCount"`
	// MaxRaggedBatchSize bounds the total number of tokens in a batch.
	MaxRaggedBatchSize int `json:"maxRaggedBatchSize"`
}

// DefaultConfig returns a default configuration for the controller.
func DefaultConfig() *Config {
	return &Config{
		MaxRaggedSequenceCount: defaultMaxRaggedSequenceCount,
		MaxRaggedBatchSize:     defaultMaxRaggedBatchSize,
	}
}

// Request is one entry of a batch: the sequence id and the tokens to append.
// When Tokens is set its length is the request size and its chunks are
// matched against the prefix cache; otherwise NumTokens is used.
type Request struct {
	UID       uint64   `json:"uid"`
	NumTokens int      `json:"numTokens,omitempty"`
	Tokens    []uint32 `json:"tokens,omitempty"`
}

// Size returns the number of tokens the request appends.
func (r Request) Size() int {
	if r.Tokens != nil {
		return len(r.Tokens)
	}
	return r.NumTokens
}

// Validate rejects requests that cannot describe appended tokens.
func (r Request) Validate() error {
	if r.Tokens == nil && r.NumTokens < 0 {
		return fmt.Errorf("%w: sequence %d has negative token count %d", ErrInvalidRequest, r.UID, r.NumTokens)
	}
	return nil
}

// ValidateBatch validates every entry of batch.
func ValidateBatch(batch []Request) error {
	for _, req := range batch {
		if err := req.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateQuery rejects negative query bounds.
func ValidateQuery(maxTokens, maxBlocks int) error {
	if maxTokens < 0 || maxBlocks < 0 {
		return fmt.Errorf("%w: negative query bounds (tokens %d, blocks %d)", ErrInvalidRequest, maxTokens, maxBlocks)
	}
	return nil
}

// PrefixCache is the read-only view of the prefix cache used by admission.
type PrefixCache interface {
	Match(hashes []kvblock.BlockHash) []cachetree.NodeID
	RefCount(id cachetree.NodeID) int
	Contains(hash kvblock.BlockHash) bool
	Evictable() int
	Processor() kvblock.TokenProcessor
}

// BlockSource reports the number of allocatable blocks.
type BlockSource interface {
	Available() int
}

// SequenceSource is the read-only view of the sequence tracker.
type SequenceSource interface {
	Get(uid uint64) *sequence.Descriptor
	Len() int
	Max() int
}

var _ PrefixCache = &cachetree.Tree{}

// Controller evaluates batches against the engine limits and the cache.
type Controller struct {
	config *Config
	cache  PrefixCache
	blocks BlockSource
	seqs   SequenceSource
}

// NewController creates a Controller over the given state views.
func NewController(cfg *Config, cache PrefixCache, blocks BlockSource, seqs SequenceSource) (*Controller, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxRaggedSequenceCount <= 0 {
		return nil, fmt.Errorf("invalid max ragged sequence count: %d", cfg.MaxRaggedSequenceCount)
	}
	if cfg.MaxRaggedBatchSize <= 0 {
		return nil, fmt.Errorf("invalid max ragged batch size: %d", cfg.MaxRaggedBatchSize)
	}
	return &Controller{config: cfg, cache: cache, blocks: blocks, seqs: seqs}, nil
}

// simulated is the projected state of a sequence while a batch is evaluated.
type simulated struct {
	seen      int
	blocks    int
	parent    kvblock.BlockHash
	tail      []uint32
	cacheable bool
}

type prefixMatch struct {
	hashes  []kvblock.BlockHash
	matched int
}

// CanSchedule reports whether batch can be committed as a whole. Entries are
// evaluated in order; a sequence appearing twice sees the projected state of
// its earlier entry, and chunks published by earlier entries count as cache
// hits for later ones.
// The batch must pass ValidateBatch.
func (c *Controller) CanSchedule(ctx context.Context, batch []Request) SchedulingResult {
	logger := klog.FromContext(ctx).V(logging.DEBUG).WithName("admission.Controller.CanSchedule")

	if len(batch) > c.config.MaxRaggedSequenceCount {
		logger.Info("batch rejected", "reason", BatchSequenceLimitExceeded,
			"entries", len(batch), "limit", c.config.MaxRaggedSequenceCount)
		return BatchSequenceLimitExceeded
	}

	processor := c.cache.Processor()
	blockSize := processor.ChunkSize()

	// unreferenced nodes matched by new sequences get pinned by the commit
	// and stop being reclaimable
	// only the first entry of an unseen sequence can match a cached prefix
	prefixes := make(map[uint64]*prefixMatch)
	claimed := sets.New[cachetree.NodeID]()
	visited := sets.New[uint64]()
	for _, req := range batch {
		if visited.Has(req.UID) || c.seqs.Get(req.UID) != nil {
			continue
		}
		visited.Insert(req.UID)
		if req.Tokens == nil {
			continue
		}
		hashes := processor.BlockHashes(processor.InitHash(), req.Tokens)
		matched := c.cache.Match(hashes)
		for _, id := range matched {
			if c.cache.RefCount(id) == 0 {
				claimed.Insert(id)
			}
		}
		prefixes[req.UID] = &prefixMatch{hashes: hashes, matched: len(matched)}
	}

	budget := c.blocks.Available() + c.cache.Evictable() - claimed.Len()

	sims := make(map[uint64]*simulated)
	overlay := sets.New[kvblock.BlockHash]()
	newSequences, batchTokens := 0, 0

	for i, req := range batch {
		size := req.Size()
		batchTokens += size
		compute := size

		var published []kvblock.BlockHash
		s, known := sims[req.UID]
		fresh := false
		if !known {
			if d := c.seqs.Get(req.UID); d != nil {
				s = &simulated{
					seen:      d.Tokens(),
					blocks:    d.NumBlocks(),
					parent:    d.LastHash(processor),
					tail:      d.Tail(),
					cacheable: d.Cacheable(),
				}
			} else {
				newSequences++
				s = &simulated{parent: processor.InitHash(), cacheable: true}
				if p, ok := prefixes[req.UID]; ok {
					fresh = true
					cached := p.matched
					for cached < len(p.hashes) && overlay.Has(p.hashes[cached]) {
						cached++
					}
					s.seen, s.blocks = cached*blockSize, cached
					compute = size - cached*blockSize
					published = p.hashes[cached:]
					if len(p.hashes) > 0 {
						s.parent = p.hashes[len(p.hashes)-1]
					}
					s.tail = req.Tokens[len(p.hashes)*blockSize:]
				}
			}
			sims[req.UID] = s
		}

		if !fresh && s.cacheable {
			if req.Tokens == nil {
				s.cacheable = false
			} else {
				published, _, s.tail = sequence.ChainTokens(processor, s.parent, s.tail, req.Tokens)
				if len(published) > 0 {
					s.parent = published[len(published)-1]
				}
			}
		}

		tokens, blocks := KVRequirements(s.seen, s.blocks, blockSize, compute, budget)
		if tokens != compute {
			logger.Info("batch rejected", "reason", KVCacheLimitExceeded,
				"entry", i, "uid", req.UID, "tokens", compute, "schedulable", tokens, "budget", budget)
			return KVCacheLimitExceeded
		}
		budget -= blocks
		s.blocks += blocks
		s.seen += compute

		if s.cacheable && len(published) > 0 {
			for _, h := range published {
				if c.cache.Contains(h) || overlay.Has(h) {
					s.cacheable = false
					break
				}
			}
			if s.cacheable {
				overlay.Insert(published...)
			}
		}
	}

	if batchTokens > c.config.MaxRaggedBatchSize {
		logger.Info("batch rejected", "reason", BatchTokenLimitExceeded,
			"tokens", batchTokens, "limit", c.config.MaxRaggedBatchSize)
		return BatchTokenLimitExceeded
	}

	if c.seqs.Len()+newSequences > c.seqs.Max() {
		logger.Info("batch rejected", "reason", EngineSequenceLimitExceeded,
			"tracked", c.seqs.Len(), "new", newSequences, "limit", c.seqs.Max())
		return EngineSequenceLimitExceeded
	}

	return Success
}

// Query returns how many tokens and blocks the sequence uid could schedule
// within maxTokens and maxBlocks. An unseen sequence is evaluated as empty,
// or gets (0, 0) when no further sequence can be tracked.
func (c *Controller) Query(ctx context.Context, uid uint64, maxTokens, maxBlocks int) (int, int) {
	seen, blocks := 0, 0
	if d := c.seqs.Get(uid); d != nil {
		seen, blocks = d.Tokens(), d.NumBlocks()
	} else if c.seqs.Len() >= c.seqs.Max() {
		klog.FromContext(ctx).V(logging.DEBUG).WithName("admission.Controller.Query").
			Info("engine at sequence capacity", "uid", uid, "tracked", c.seqs.Len())
		return 0, 0
	}

	return KVRequirements(seen, blocks, c.cache.Processor().ChunkSize(), maxTokens, maxBlocks)
}
