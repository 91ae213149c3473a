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
	"fmt"
	"slices"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/admission"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/allocator"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/cachetree"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/sequence"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

var (
	// ErrNotSchedulable matches every SchedulingError.
	ErrNotSchedulable = errors.New("batch cannot be scheduled")
	// ErrIndexDisabled is returned by Score when no residency index is
	// configured.
	ErrIndexDisabled = errors.New("residency index is disabled")
)

// SchedulingError reports a batch rejected by admission control. Nothing was
// committed.
type SchedulingError struct {
	Result admission.SchedulingResult
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("batch cannot be scheduled: %s", e.Result)
}

// Is makes errors.Is(err, ErrNotSchedulable) hold.
func (e *SchedulingError) Is(target error) bool {
	return target == ErrNotSchedulable
}

// Slot is one entry of a scheduled ragged batch.
type Slot struct {
	UID uint64 `json:"uid"`
	// StartPos is the position of the first token to compute.
	StartPos int `json:"startPos"`
	// NumTokens is the number of tokens to compute. Tokens holds them when
	// the request carried token ids.
	NumTokens int      `json:"numTokens"`
	Tokens    []uint32 `json:"tokens,omitempty"`
	// CachedTokens is the number of prompt tokens served by the prefix cache.
	CachedTokens int `json:"cachedTokens"`
	// Blocks is the full block table of the sequence.
	Blocks []kvblock.BlockID `json:"blocks"`
}

// Runner executes the forward pass of a scheduled batch.
type Runner interface {
	Forward(ctx context.Context, batch []Slot) error
}

// Stats is a snapshot of the manager's state.
type Stats struct {
	TrackedSequences int   `json:"trackedSequences"`
	CachedBlocks     int   `json:"cachedBlocks"`
	EvictableBlocks  int   `json:"evictableBlocks"`
	FreeBlocks       []int `json:"freeBlocks"`
}

// Manager owns the KV-cache state of one engine: the prefix cache, the block
// allocator and the sequence tracker. Every operation runs under one mutex;
// Put checks admission and commits without releasing it.
type Manager struct {
	config *Config

	mu        sync.Mutex
	processor kvblock.TokenProcessor
	tree      *cachetree.Tree
	allocator *allocator.Allocator
	sequences *sequence.Tracker
	admission *admission.Controller

	index  kvblock.Index
	scorer KVBlockScorer
	events *kvevents.Pool
	runner Runner
}

var _ Scheduler = &Manager{}

// NewManager creates a Manager given a Config.
func NewManager(ctx context.Context, config *Config) (*Manager, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	processor, err := kvblock.NewChunkedTokenDatabase(config.TokenProcessorConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create token processor: %w", err)
	}
	tree := cachetree.New(processor)

	alloc, err := allocator.New(config.AllocatorConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create block allocator: %w", err)
	}

	sequences, err := sequence.NewTracker(config.SequenceConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create sequence tracker: %w", err)
	}

	controller, err := admission.NewController(config.AdmissionConfig, tree, alloc, sequences)
	if err != nil {
		return nil, fmt.Errorf("failed to create admission controller: %w", err)
	}

	var index kvblock.Index
	if config.KVBlockIndexConfig != nil {
		index, err = kvblock.NewIndex(ctx, config.KVBlockIndexConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create residency index: %w", err)
		}
	}

	scorer, err := NewKVBlockScorer(config.KVBlockScorerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create KVBlockScorer: %w", err)
	}

	var pool *kvevents.Pool
	if config.EventsConfig != nil {
		var publisher kvevents.Publisher
		if config.EventsConfig.PublishEndpoint != "" {
			zmqPublisher, err := kvevents.NewZMQPublisher(config.EventsConfig.PublishEndpoint)
			if err != nil {
				return nil, fmt.Errorf("failed to create event publisher: %w", err)
			}
			publisher = zmqPublisher
		}
		pool = kvevents.NewPool(config.EventsConfig, index, publisher)
	}

	if config.EnableMetrics {
		metrics.Register()
		metrics.SetFreeBlocks(alloc.FreeBlocks())
	}

	return &Manager{
		config:    config,
		processor: processor,
		tree:      tree,
		allocator: alloc,
		sequences: sequences,
		admission: controller,
		index:     index,
		scorer:    scorer,
		events:    pool,
	}, nil
}

// SetRunner sets the executor of scheduled batches. Without a runner, Put
// completes the forward pass immediately.
func (m *Manager) SetRunner(runner Runner) {
	m.runner = runner
}

// Run starts the event pool and the metrics log. It is non-blocking.
func (m *Manager) Run(ctx context.Context) {
	if m.events != nil {
		m.events.Start(ctx)
	}
	if m.config.EnableMetrics && m.config.MetricsLoggingInterval.Duration > 0 {
		metrics.StartMetricsLogging(ctx, m.config.MetricsLoggingInterval.Duration)
	}
}

// Shutdown drains the event pool.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.events != nil {
		m.events.Shutdown(ctx)
	}
}

// CanSchedule reports whether batch could be committed now. It does not
// change any state.
func (m *Manager) CanSchedule(ctx context.Context, batch []admission.Request) (admission.SchedulingResult, error) {
	if err := admission.ValidateBatch(batch); err != nil {
		return admission.Success, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admission.CanSchedule(ctx, batch), nil
}

// Query returns how many tokens and blocks sequence uid could schedule within
// maxTokens and maxBlocks.
func (m *Manager) Query(ctx context.Context, uid uint64, maxTokens, maxBlocks int) (int, int, error) {
	if err := admission.ValidateQuery(maxTokens, maxBlocks); err != nil {
		return 0, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tokens, blocks := m.admission.Query(ctx, uid, maxTokens, maxBlocks)
	return tokens, blocks, nil
}

// Put admits and commits batch: cached prefixes are matched and held, blocks
// are allocated (evicting unreferenced cache entries when needed), completed
// chunks are published to the prefix cache, and the resulting slots are
// handed to the runner. A rejected batch returns a SchedulingError and
// changes nothing.
//
// The forward pass runs outside the lock. Each slot's tokens are marked as
// computed once its own pass returns, so overlapping Puts of one sequence
// never complete each other's tokens.
func (m *Manager) Put(ctx context.Context, batch []admission.Request) ([]Slot, error) {
	if err := admission.ValidateBatch(batch); err != nil {
		return nil, err
	}

	slots, events, err := m.scheduleLocked(ctx, batch)
	// evictions are real even when the commit fails later
	if m.events != nil && len(events) > 0 {
		if err := m.events.PublishEvents(ctx, m.config.EngineIdentifier, m.config.ModelName, events); err != nil {
			klog.FromContext(ctx).Error(err, "Failed to publish KV events")
		}
	}
	if err != nil {
		return nil, err
	}

	if m.runner != nil {
		if err := m.runner.Forward(ctx, slots); err != nil {
			return slots, fmt.Errorf("forward pass failed: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, slot := range slots {
		// a sequence flushed during the forward pass is gone
		if d := m.sequences.Get(slot.UID); d != nil {
			d.PostForward(slot.NumTokens)
		}
	}
	return slots, nil
}

func (m *Manager) scheduleLocked(ctx context.Context, batch []admission.Request,
) ([]Slot, []kvevents.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schedule(ctx, batch)
}

func (m *Manager) schedule(ctx context.Context, batch []admission.Request) ([]Slot, []kvevents.Event, error) {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvcache.Manager.Put")

	if result := m.admission.CanSchedule(ctx, batch); result != admission.Success {
		return nil, nil, &SchedulingError{Result: result}
	}

	blockSize := m.processor.ChunkSize()

	// hold the cached prefixes of new sequences before anything is evicted;
	// only the first entry of a sequence can match
	pinned := sets.New[uint64]()
	visited := sets.New[uint64]()
	for _, req := range batch {
		if visited.Has(req.UID) || m.sequences.Get(req.UID) != nil {
			continue
		}
		visited.Insert(req.UID)
		if req.Tokens == nil {
			continue
		}
		d, _, err := m.sequences.GetOrCreate(req.UID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to track sequence %d: %w", req.UID, err)
		}
		d.AppendTokens(m.processor, req.Tokens)
		blocks, path := m.tree.LookupHashes(d.Hashes())
		d.AdoptPrefix(blocks, path, blockSize)
		pinned.Insert(req.UID)
		metrics.TreeLookupBlocks.Add(float64(len(d.Hashes())))
	}

	var events []kvevents.Event
	slots := make([]Slot, 0, len(batch))

	for _, req := range batch {
		d, _, err := m.sequences.GetOrCreate(req.UID)
		if err != nil {
			return nil, events, fmt.Errorf("failed to track sequence %d: %w", req.UID, err)
		}

		compute, cached := req.Size(), 0
		// chunkTokens holds the tokens of the chunks hashed from base on
		base := len(d.Hashes())
		var chunkTokens []uint32

		switch {
		case pinned.Has(req.UID):
			pinned.Delete(req.UID)
			// earlier entries of the batch may have cached further chunks
			blocks, path, err := m.tree.Extend(d.Held(), d.Hashes())
			if err != nil {
				return nil, events, fmt.Errorf("failed to extend cached prefix of sequence %d: %w", req.UID, err)
			}
			d.AdoptPrefix(blocks, path, blockSize)
			cached = len(path) * blockSize
			compute -= cached
			base = 0
			chunkTokens = req.Tokens[:len(d.Hashes())*blockSize]
			metrics.TreeLookupHits.Add(float64(len(path)))
		case !d.Cacheable():
		case req.Tokens == nil:
			d.StopCaching()
		default:
			_, chunkTokens = d.AppendTokens(m.processor, req.Tokens)
		}

		start := d.Tokens()
		if need := utils.CeilDiv(start+compute, blockSize) - d.NumBlocks(); need > 0 {
			ids, evicted, err := m.allocate(ctx, need)
			if len(evicted) > 0 {
				events = append(events, kvevents.BlockRemoved{BlockHashes: evicted})
			}
			if err != nil {
				return nil, events, fmt.Errorf("failed to allocate %d blocks for sequence %d: %w", need, req.UID, err)
			}
			d.AddBlocks(ids...)
		}
		d.PreForward(compute)

		stored, err := m.cacheChunks(d, chunkTokens, base)
		if err != nil {
			return nil, events, fmt.Errorf("failed to cache chunks of sequence %d: %w", req.UID, err)
		}
		if stored != nil {
			events = append(events, *stored)
		}

		slot := Slot{
			UID:          req.UID,
			StartPos:     start,
			NumTokens:    compute,
			CachedTokens: cached,
			Blocks:       slices.Clone(d.Blocks()),
		}
		if req.Tokens != nil {
			slot.Tokens = req.Tokens[len(req.Tokens)-compute:]
		}
		slots = append(slots, slot)

		traceLogger.Info("scheduled sequence", "uid", req.UID, "start", start,
			"tokens", compute, "cached", cached, "blocks", d.NumBlocks(), "held", len(d.Held()))
	}

	m.updateGauges()
	return slots, events, nil
}

// allocate reserves n blocks, evicting exactly the shortfall from the prefix
// cache first. It returns the fingerprints of the evicted chunks, also when
// the allocation fails afterwards.
func (m *Manager) allocate(ctx context.Context, n int) ([]kvblock.BlockID, []uint64, error) {
	var evicted []uint64
	if deficit := n - m.allocator.Available(); deficit > 0 {
		entries := m.tree.EvictEntries(deficit)
		blocks := make([]kvblock.BlockID, len(entries))
		evicted = make([]uint64, len(entries))
		for i, e := range entries {
			blocks[i] = e.Block
			evicted[i] = uint64(e.Hash)
		}
		if err := m.allocator.Free(blocks); err != nil {
			return nil, evicted, fmt.Errorf("failed to reclaim evicted blocks: %w", err)
		}
		metrics.TreeEvictions.Add(float64(len(entries)))
		klog.FromContext(ctx).V(logging.TRACE).WithName("kvcache.Manager.allocate").
			Info("evicted cached chunks", "requested", deficit, "evicted", len(entries))
	}

	ids, err := m.allocator.Allocate(n)
	if err != nil {
		return nil, evicted, err
	}
	return ids, evicted, nil
}

// cacheChunks inserts the sequence's completed chunks beyond its held prefix
// into the prefix cache. A chunk already cached by another sequence ends
// caching for this one. It returns the BlockStored event of the insertion.
func (m *Manager) cacheChunks(d *sequence.Descriptor, chunkTokens []uint32, base int) (*kvevents.BlockStored, error) {
	held, hashes := len(d.Held()), d.Hashes()
	if !d.Cacheable() || len(hashes) <= held {
		return nil, nil
	}

	pending := hashes[held:]
	for _, h := range pending {
		if m.tree.Contains(h) {
			d.StopCaching()
			return nil, nil
		}
	}

	path, err := m.tree.InsertHashes(hashes, d.Blocks()[held:len(hashes)])
	if err != nil {
		return nil, err
	}
	d.Hold(path)
	metrics.TreeInsertions.Add(float64(len(path)))

	blockSize := m.processor.ChunkSize()
	stored := &kvevents.BlockStored{
		BlockHashes: utils.SliceMap(pending, func(h kvblock.BlockHash) uint64 { return uint64(h) }),
		TokenIds:    chunkTokens[(held-base)*blockSize:],
		BlockSize:   blockSize,
	}
	if held > 0 {
		parent := uint64(hashes[held-1])
		stored.ParentBlockHash = &parent
	}
	return stored, nil
}

// Flush drops sequence uid: its cached prefix is released, its private blocks
// are freed and it is no longer tracked. Flushing an unknown sequence is a
// no-op.
func (m *Manager) Flush(ctx context.Context, uid uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.sequences.Get(uid)
	if d == nil {
		return nil
	}

	if err := m.tree.Release(d.Held()); err != nil {
		return fmt.Errorf("failed to release cached prefix of sequence %d: %w", uid, err)
	}
	if err := m.allocator.Free(d.PrivateBlocks()); err != nil {
		return fmt.Errorf("failed to free blocks of sequence %d: %w", uid, err)
	}
	m.sequences.Remove(uid)
	m.updateGauges()

	klog.FromContext(ctx).V(logging.TRACE).WithName("kvcache.Manager.Flush").
		Info("flushed sequence", "uid", uid, "released", len(d.Held()), "freed", len(d.PrivateBlocks()))
	return nil
}

// FreeBlocks returns the number of free blocks of each cache group.
func (m *Manager) FreeBlocks() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocator.FreeBlocks()
}

// Stats returns a snapshot of the manager's state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		TrackedSequences: m.sequences.Len(),
		CachedBlocks:     m.tree.Len(),
		EvictableBlocks:  m.tree.Evictable(),
		FreeBlocks:       m.allocator.FreeBlocks(),
	}
}

// Score returns, per engine, how much of the prompt's prefix the engine
// holds according to the residency index. An empty engineIdentifiers means
// all engines.
func (m *Manager) Score(ctx context.Context, tokens []uint32, engineIdentifiers []string) (map[string]int, error) {
	if m.index == nil {
		return nil, ErrIndexDisabled
	}
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvcache.Manager.Score")

	keys := m.processor.TokensToKVBlockKeys(tokens, m.config.ModelName)
	if len(keys) == 0 {
		return map[string]int{}, nil
	}

	keyToEngines, err := m.index.Lookup(ctx, keys, sets.New(engineIdentifiers...))
	if err != nil {
		return nil, fmt.Errorf("failed to query residency index: %w", err)
	}

	scores, err := m.scorer.Score(keys, keyToEngines)
	if err != nil {
		return nil, fmt.Errorf("failed to score engines: %w", err)
	}
	traceLogger.Info("scored engines", "blocks", len(keys), "scores", scores)
	return scores, nil
}

func (m *Manager) updateGauges() {
	metrics.SetFreeBlocks(m.allocator.FreeBlocks())
	metrics.TrackedSequences.Set(float64(m.sequences.Len()))
}
