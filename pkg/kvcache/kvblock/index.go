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

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/metrics"
)

// IndexConfig holds the configuration for the block residency index.
// If multiple backends are configured, only the first one will be used.
type IndexConfig struct {
	// InMemoryConfig holds the configuration for the in-memory index.
	InMemoryConfig *InMemoryIndexConfig `json:"inMemoryConfig"`
	// RedisConfig holds the configuration for the Redis index.
	RedisConfig *RedisIndexConfig `json:"redisConfig"`
	// CostAwareMemoryConfig holds the configuration for the cost-aware memory index.
	CostAwareMemoryConfig *CostAwareMemoryIndexConfig `json:"costAwareMemoryConfig"`

	// EnableMetrics toggles whether adds/evictions/lookups are recorded.
	EnableMetrics bool `json:"enableMetrics"`
}

// DefaultIndexConfig returns a default configuration for the residency index.
func DefaultIndexConfig() *IndexConfig {
	return &IndexConfig{
		InMemoryConfig: DefaultInMemoryIndexConfig(),
		EnableMetrics:  false,
	}
}

// NewIndex creates a new Index instance.
func NewIndex(ctx context.Context, cfg *IndexConfig) (Index, error) {
	if cfg == nil {
		cfg = DefaultIndexConfig()
	}

	var idx Index
	var err error

	switch {
	case cfg.InMemoryConfig != nil:
		idx, err = NewInMemoryIndex(cfg.InMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory index: %w", err)
		}
	case cfg.CostAwareMemoryConfig != nil:
		idx, err = NewCostAwareMemoryIndex(cfg.CostAwareMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create cost-aware memory index: %w", err)
		}
	case cfg.RedisConfig != nil:
		idx, err = NewRedisIndex(ctx, cfg.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis index: %w", err)
		}
	default:
		return nil, fmt.Errorf("no valid index configuration provided")
	}

	if cfg.EnableMetrics {
		idx = NewInstrumentedIndex(idx)
		metrics.Register()
	}

	return idx, nil
}

// Index tracks which engines hold which KV-blocks.
//
// The engine's own BlockCache is authoritative for its local blocks. The
// index is fed by the BlockStored/BlockRemoved events the engine emits, and
// optionally by the events of peer engines, so that a router can ask which
// engines already hold the longest prefix of a prompt.
//
// Index operations are thread-safe and can be performed concurrently.
type Index interface {
	// Lookup receives a list of keys and a set of engine identifiers,
	// and retrieves the filtered engines associated with those keys.
	// If engineIdentifierSet is empty, all engines are returned.
	// The search stops at the first key without engines.
	Lookup(ctx context.Context, keys []Key, engineIdentifierSet sets.Set[string]) (map[Key][]string, error)
	// Add adds a set of keys and their associated engine entries to the index backend.
	Add(ctx context.Context, keys []Key, entries []EngineEntry) error
	// Evict removes a key and its associated engine entries from the index backend.
	Evict(ctx context.Context, key Key, entries []EngineEntry) error
}

// Key identifies a KV-cache block across engines.
type Key struct {
	ModelName string
	ChunkHash BlockHash
}

// String returns a string representation of the Key.
func (c *Key) String() string {
	return fmt.Sprintf("%s@%d", c.ModelName, c.ChunkHash)
}

// EngineEntry is an engine holding a KV-block.
type EngineEntry struct {
	// EngineIdentifier is the unique identifier for the engine.
	EngineIdentifier string
	// DeviceTier is the tier of the device where the KV-block is stored.
	DeviceTier string
}

// String returns a string representation of the EngineEntry.
func (e *EngineEntry) String() string {
	return fmt.Sprintf("%s@%s", e.EngineIdentifier, e.DeviceTier)
}
