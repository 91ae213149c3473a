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

package kvblock

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

const (
	defaultNumCounters = 1e7
	defaultBufferItems = 64

	// approximate per-entry overheads used for ristretto cost accounting
	entryOverheadBytes = 64
	engineEntryBytes   = 40
)

// CostAwareMemoryIndexConfig holds the configuration for the CostAwareMemoryIndex.
type CostAwareMemoryIndexConfig struct {
	// Size is the memory budget of the index, in human-readable form
	// ("2GiB", "500MiB", "1GB").
	Size string `json:"size,omitempty"`
}

// DefaultCostAwareMemoryIndexConfig returns a 2GiB budget.
func DefaultCostAwareMemoryIndexConfig() *CostAwareMemoryIndexConfig {
	return &CostAwareMemoryIndexConfig{
		Size: "2GiB",
	}
}

// NewCostAwareMemoryIndex creates a new CostAwareMemoryIndex instance.
func NewCostAwareMemoryIndex(cfg *CostAwareMemoryIndexConfig) (*CostAwareMemoryIndex, error) {
	if cfg == nil {
		cfg = DefaultCostAwareMemoryIndexConfig()
	}

	sizeBytes, err := humanize.ParseBytes(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cost-aware index size %q: %w", cfg.Size, err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, []EngineEntry]{
		NumCounters: defaultNumCounters,
		MaxCost:     int64(sizeBytes), // #nosec G115
		BufferItems: defaultBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost-aware index: %w", err)
	}

	return &CostAwareMemoryIndex{data: cache}, nil
}

// CostAwareMemoryIndex bounds the index by estimated memory use rather than
// key count.
type CostAwareMemoryIndex struct {
	data *ristretto.Cache[string, []EngineEntry]
	mu   sync.RWMutex
}

var _ Index = &CostAwareMemoryIndex{}

// MaxCost returns the configured memory budget in bytes.
func (m *CostAwareMemoryIndex) MaxCost() int64 {
	return m.data.MaxCost()
}

// entriesCost estimates the bytes held for one key.
func entriesCost(key Key, entries []EngineEntry) int64 {
	cost := int64(entryOverheadBytes + len(key.ModelName))
	for _, e := range entries {
		cost += int64(engineEntryBytes + len(e.EngineIdentifier) + len(e.DeviceTier))
	}
	return cost
}

// Add adds a set of keys and their associated engine entries to the index backend.
func (m *CostAwareMemoryIndex) Add(ctx context.Context, keys []Key, entries []EngineEntry) error {
	if len(keys) == 0 || len(entries) == 0 {
		return fmt.Errorf("no keys or entries provided for adding to index")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.CostAwareMemoryIndex.Add")

	for _, key := range keys {
		existing, _ := m.data.Get(key.String())
		merged := append([]EngineEntry(nil), existing...)
		for _, entry := range entries {
			if !containsEntry(merged, entry) {
				merged = append(merged, entry)
			}
		}

		cost := entriesCost(key, merged)
		m.data.Set(key.String(), merged, cost)
		traceLogger.Info("added engines to key", "key", key, "engines", entries, "cost",
			humanize.IBytes(uint64(cost))) // #nosec G115
	}
	m.data.Wait()

	return nil
}

// Lookup returns the engines holding each key, stopping at the first key no
// (filtered) engine holds.
func (m *CostAwareMemoryIndex) Lookup(ctx context.Context, keys []Key,
	engineIdentifierSet sets.Set[string],
) (map[Key][]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.CostAwareMemoryIndex.Lookup")

	enginesPerKey := make(map[Key][]string)
	for _, key := range keys {
		entries, found := m.data.Get(key.String())
		if !found {
			traceLogger.Info("key not found in index, cutting search", "key", key)
			break
		}

		var ids []string
		for _, e := range entries {
			if engineIdentifierSet.Len() == 0 || engineIdentifierSet.Has(e.EngineIdentifier) {
				ids = append(ids, e.EngineIdentifier)
			}
		}
		if len(ids) == 0 {
			traceLogger.Info("no engines found for key, cutting search", "key", key)
			break
		}
		enginesPerKey[key] = ids
	}

	traceLogger.Info("lookup completed", "keys", len(keys), "hits", len(enginesPerKey))
	return enginesPerKey, nil
}

// Evict removes a key and its associated engine entries from the index backend.
func (m *CostAwareMemoryIndex) Evict(ctx context.Context, key Key, entries []EngineEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("no entries provided for eviction from index")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.CostAwareMemoryIndex.Evict")

	existing, found := m.data.Get(key.String())
	if !found {
		traceLogger.Info("key not found in index, nothing to evict", "key", key)
		return nil
	}

	remaining := make([]EngineEntry, 0, len(existing))
	for _, e := range existing {
		if !containsEntry(entries, e) {
			remaining = append(remaining, e)
		}
	}

	switch {
	case len(remaining) == 0:
		m.data.Del(key.String())
		traceLogger.Info("evicted key from index as no engines remain", "key", key)
	case len(remaining) != len(existing):
		m.data.Set(key.String(), remaining, entriesCost(key, remaining))
		traceLogger.Info("evicted engines from key", "key", key, "engines", entries)
	}
	m.data.Wait()

	return nil
}

func containsEntry(entries []EngineEntry, entry EngineEntry) bool {
	for _, e := range entries {
		if e == entry {
			return true
		}
	}
	return false
}
