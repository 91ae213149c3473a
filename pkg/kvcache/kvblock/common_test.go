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

package kvblock_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	. "github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
)

// testCommonIndexBehavior runs the behaviour every Index backend must share.
func testCommonIndexBehavior(t *testing.T, indexFactory func(t *testing.T) Index) {
	t.Helper()
	ctx := context.Background()

	t.Run("BasicAddAndLookup", func(t *testing.T) {
		testBasicAddAndLookup(t, ctx, indexFactory(t))
	})
	t.Run("DuplicateEngineHandling", func(t *testing.T) {
		testDuplicateEngineHandling(t, ctx, indexFactory(t))
	})
	t.Run("FilteredLookup", func(t *testing.T) {
		testFilteredLookup(t, ctx, indexFactory(t))
	})
	t.Run("PrefixChainCut", func(t *testing.T) {
		testPrefixChainCut(t, ctx, indexFactory(t))
	})
	t.Run("EvictBasic", func(t *testing.T) {
		testEvictBasic(t, ctx, indexFactory(t))
	})
	t.Run("EvictLastEntryRemovesKey", func(t *testing.T) {
		testEvictLastEntry(t, ctx, indexFactory(t))
	})
	t.Run("ConcurrentOperations", func(t *testing.T) {
		testConcurrentOperations(t, ctx, indexFactory(t))
	})
}

func testBasicAddAndLookup(t *testing.T, ctx context.Context, index Index) {
	t.Helper()
	key := Key{ModelName: "test-model", ChunkHash: 12345}
	entries := []EngineEntry{
		{EngineIdentifier: "engine1", DeviceTier: "gpu"},
		{EngineIdentifier: "engine2", DeviceTier: "gpu"},
	}

	require.NoError(t, index.Add(ctx, []Key{key}, entries))

	enginesPerKey, err := index.Lookup(ctx, []Key{key}, sets.Set[string]{})
	require.NoError(t, err)
	assert.Len(t, enginesPerKey, 1)
	assert.ElementsMatch(t, []string{"engine1", "engine2"}, enginesPerKey[key])
}

func testDuplicateEngineHandling(t *testing.T, ctx context.Context, index Index) {
	t.Helper()
	key := Key{ModelName: "test-model", ChunkHash: 54321}

	require.NoError(t, index.Add(ctx, []Key{key}, []EngineEntry{
		{EngineIdentifier: "engine1", DeviceTier: "gpu"},
		{EngineIdentifier: "engine2", DeviceTier: "gpu"},
	}))
	require.NoError(t, index.Add(ctx, []Key{key}, []EngineEntry{
		{EngineIdentifier: "engine1", DeviceTier: "gpu"}, // same engine, same tier
		{EngineIdentifier: "engine2", DeviceTier: "cpu"}, // same engine, other tier
		{EngineIdentifier: "engine3", DeviceTier: "gpu"},
	}))

	enginesPerKey, err := index.Lookup(ctx, []Key{key}, sets.Set[string]{})
	require.NoError(t, err)
	// one identifier per (engine, tier) pair
	assert.ElementsMatch(t, []string{"engine1", "engine2", "engine2", "engine3"}, enginesPerKey[key])
}

func testFilteredLookup(t *testing.T, ctx context.Context, index Index) {
	t.Helper()
	key := Key{ModelName: "test-model", ChunkHash: 98765}
	require.NoError(t, index.Add(ctx, []Key{key}, []EngineEntry{
		{EngineIdentifier: "engine1", DeviceTier: "gpu"},
		{EngineIdentifier: "engine2", DeviceTier: "gpu"},
		{EngineIdentifier: "engine3", DeviceTier: "gpu"},
	}))

	enginesPerKey, err := index.Lookup(ctx, []Key{key}, sets.New("engine1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"engine1"}, enginesPerKey[key])

	enginesPerKey, err = index.Lookup(ctx, []Key{key}, sets.New("engine1", "engine3"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"engine1", "engine3"}, enginesPerKey[key])

	enginesPerKey, err = index.Lookup(ctx, []Key{key}, sets.New("engine999"))
	require.NoError(t, err)
	assert.Empty(t, enginesPerKey)
}

func testPrefixChainCut(t *testing.T, ctx context.Context, index Index) {
	t.Helper()
	k1 := Key{ModelName: "test-model", ChunkHash: 1}
	k2 := Key{ModelName: "test-model", ChunkHash: 2}
	k3 := Key{ModelName: "test-model", ChunkHash: 3}
	entries := []EngineEntry{{EngineIdentifier: "engine1", DeviceTier: "gpu"}}

	require.NoError(t, index.Add(ctx, []Key{k1, k3}, entries))

	enginesPerKey, err := index.Lookup(ctx, []Key{k1, k2, k3}, nil)
	require.NoError(t, err)
	assert.Len(t, enginesPerKey, 1)
	assert.Contains(t, enginesPerKey, k1)
	assert.NotContains(t, enginesPerKey, k3)
}

func testEvictBasic(t *testing.T, ctx context.Context, index Index) {
	t.Helper()
	key := Key{ModelName: "test-model", ChunkHash: 11111}
	require.NoError(t, index.Add(ctx, []Key{key}, []EngineEntry{
		{EngineIdentifier: "engine1", DeviceTier: "gpu"},
		{EngineIdentifier: "engine2", DeviceTier: "gpu"},
		{EngineIdentifier: "engine3", DeviceTier: "gpu"},
	}))

	require.NoError(t, index.Evict(ctx, key, []EngineEntry{
		{EngineIdentifier: "engine1", DeviceTier: "gpu"},
		{EngineIdentifier: "engine3", DeviceTier: "cpu"}, // tier mismatch, not removed
	}))

	enginesPerKey, err := index.Lookup(ctx, []Key{key}, sets.Set[string]{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"engine2", "engine3"}, enginesPerKey[key])
}

func testEvictLastEntry(t *testing.T, ctx context.Context, index Index) {
	t.Helper()
	key := Key{ModelName: "test-model", ChunkHash: 22222}
	entries := []EngineEntry{{EngineIdentifier: "engine1", DeviceTier: "gpu"}}
	require.NoError(t, index.Add(ctx, []Key{key}, entries))
	require.NoError(t, index.Evict(ctx, key, entries))

	enginesPerKey, err := index.Lookup(ctx, []Key{key}, nil)
	require.NoError(t, err)
	assert.Empty(t, enginesPerKey)

	// evicting an unknown key is a no-op
	require.NoError(t, index.Evict(ctx, Key{ModelName: "test-model", ChunkHash: 404}, entries))
}

func testConcurrentOperations(t *testing.T, ctx context.Context, index Index) {
	t.Helper()
	key := Key{ModelName: "test-model", ChunkHash: 1000}

	var wg sync.WaitGroup
	errChan := make(chan error, 1000)

	for goroutineID := 0; goroutineID < 50; goroutineID++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for op := 0; op < 9; op++ {
				entry := []EngineEntry{{EngineIdentifier: fmt.Sprintf("engine-%d-%d", id, op/3), DeviceTier: "gpu"}}
				switch op % 3 {
				case 0:
					if err := index.Add(ctx, []Key{key}, entry); err != nil {
						errChan <- err
					}
				case 1:
					if _, err := index.Lookup(ctx, []Key{key}, sets.Set[string]{}); err != nil {
						errChan <- err
					}
				case 2:
					if err := index.Evict(ctx, key, entry); err != nil {
						errChan <- err
					}
				}
			}
		}(goroutineID)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		require.NoError(t, err)
	}

	// every engine evicted its own entries
	enginesPerKey, err := index.Lookup(ctx, []Key{key}, sets.Set[string]{})
	require.NoError(t, err)
	assert.Empty(t, enginesPerKey)
}
