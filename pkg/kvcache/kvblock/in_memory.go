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
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

const (
	defaultInMemoryIndexSize = 1e6
	defaultEnginesPerKey     = 16
)

// InMemoryIndexConfig holds the configuration for the InMemoryIndex.
type InMemoryIndexConfig struct {
	// Size is the maximum number of keys that can be stored in the index.
	Size int `json:"size"`
	// EngineCacheSize is the maximum number of engine entries per key.
	EngineCacheSize int `json:"engineCacheSize"`
}

// DefaultInMemoryIndexConfig returns a default configuration for the InMemoryIndex.
func DefaultInMemoryIndexConfig() *InMemoryIndexConfig {
	return &InMemoryIndexConfig{
		Size:            defaultInMemoryIndexSize,
		EngineCacheSize: defaultEnginesPerKey,
	}
}

// NewInMemoryIndex creates a new InMemoryIndex instance.
func NewInMemoryIndex(cfg *InMemoryIndexConfig) (*InMemoryIndex, error) {
	if cfg == nil {
		cfg = DefaultInMemoryIndexConfig()
	}

	cache, err := lru.New[Key, *engineSet](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize in-memory index: %w", err)
	}

	return &InMemoryIndex{
		data:            cache,
		engineCacheSize: cfg.EngineCacheSize,
	}, nil
}

// InMemoryIndex is an LRU-bounded implementation of the Index interface.
type InMemoryIndex struct {
	data            *lru.Cache[Key, *engineSet]
	engineCacheSize int
	// mu serializes the get-or-create of per-key engine sets.
	mu sync.Mutex
}

var _ Index = &InMemoryIndex{}

// engineSet is the per-key LRU of engine entries.
type engineSet struct {
	mu    sync.Mutex
	cache *lru.Cache[EngineEntry, struct{}]
}

func (s *engineSet) identifiers(filter sets.Set[string]) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, entry := range s.cache.Keys() {
		if filter.Len() == 0 || filter.Has(entry.EngineIdentifier) {
			ids = append(ids, entry.EngineIdentifier)
		}
	}
	return ids
}

// Lookup returns the engines holding each key, stopping at the first key no
// (filtered) engine holds.
func (m *InMemoryIndex) Lookup(ctx context.Context, keys []Key,
	engineIdentifierSet sets.Set[string],
) (map[Key][]string, error) {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.InMemoryIndex.Lookup")

	enginesPerKey := make(map[Key][]string)
	for _, key := range keys {
		engines, found := m.data.Get(key)
		if !found {
			traceLogger.Info("key not found in index, cutting search", "key", key)
			break
		}

		ids := engines.identifiers(engineIdentifierSet)
		if len(ids) == 0 {
			traceLogger.Info("no engines found for key, cutting search", "key", key)
			break
		}
		enginesPerKey[key] = ids
	}

	traceLogger.Info("lookup completed", "keys", len(keys), "hits", len(enginesPerKey),
		"engines-per-key", enginesPerKeyPrintHelper(enginesPerKey))
	return enginesPerKey, nil
}

// Add adds a set of keys and their associated engine entries to the index backend.
func (m *InMemoryIndex) Add(ctx context.Context, keys []Key, entries []EngineEntry) error {
	if len(keys) == 0 || len(entries) == 0 {
		return fmt.Errorf("no keys or entries provided for adding to index")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.InMemoryIndex.Add")

	for _, key := range keys {
		engines, err := m.getOrCreate(key)
		if err != nil {
			return err
		}

		engines.mu.Lock()
		for _, entry := range entries {
			engines.cache.Add(entry, struct{}{})
		}
		engines.mu.Unlock()

		traceLogger.Info("added engines to key", "key", key, "engines", entries)
	}

	return nil
}

func (m *InMemoryIndex) getOrCreate(key Key) (*engineSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if engines, found := m.data.Get(key); found {
		return engines, nil
	}

	cache, err := lru.New[EngineEntry, struct{}](m.engineCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine cache for key %s: %w", key.String(), err)
	}

	engines := &engineSet{cache: cache}
	m.data.Add(key, engines)
	return engines, nil
}

// Evict removes a key and its associated engine entries from the index backend.
func (m *InMemoryIndex) Evict(ctx context.Context, key Key, entries []EngineEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("no entries provided for eviction from index")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.InMemoryIndex.Evict")

	m.mu.Lock()
	defer m.mu.Unlock()

	engines, found := m.data.Get(key)
	if !found {
		traceLogger.Info("key not found in index, nothing to evict", "key", key)
		return nil
	}

	engines.mu.Lock()
	for _, entry := range entries {
		engines.cache.Remove(entry)
	}
	empty := engines.cache.Len() == 0
	engines.mu.Unlock()

	if empty {
		m.data.Remove(key)
		traceLogger.Info("evicted key from index as no engines remain", "key", key)
	} else {
		traceLogger.Info("evicted engines from key", "key", key, "engines", entries)
	}

	return nil
}

// enginesPerKeyPrintHelper formats a map of keys to engine identifiers for printing.
func enginesPerKeyPrintHelper(ks map[Key][]string) string {
	var sb strings.Builder
	for k, v := range ks {
		fmt.Fprintf(&sb, "%s: %v\n", k.String(), v)
	}
	return sb.String()
}
