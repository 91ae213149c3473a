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

package kvcache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
)

const (
	testModelName = "test-model"
	engineA       = "engine-a"
	engineB       = "engine-b"
)

func hashesToKeys(hashes []kvblock.BlockHash) []kvblock.Key {
	keys := make([]kvblock.Key, len(hashes))
	for i, h := range hashes {
		keys[i] = kvblock.Key{ModelName: testModelName, ChunkHash: h}
	}
	return keys
}

func scorerHitmap() ([]kvblock.Key, map[kvblock.Key][]string) {
	keys := hashesToKeys([]kvblock.BlockHash{1001, 1002, 1003, 1004, 1005, 1006})
	return keys, map[kvblock.Key][]string{
		keys[0]: {engineA},
		keys[1]: {engineA},
		keys[2]: {engineA},
		keys[3]: {engineB},
		keys[4]: {engineB},
		keys[5]: {engineA},
	}
}

func TestLongestPrefixScorer(t *testing.T) {
	scorer, err := kvcache.NewKVBlockScorer(nil)
	require.NoError(t, err)
	assert.Equal(t, kvcache.LongestPrefixMatch, scorer.Strategy())

	keys, hitmap := scorerHitmap()
	scored, err := scorer.Score(keys, hitmap)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{engineA: 3}, scored)

	scored, err = scorer.Score(nil, hitmap)
	require.NoError(t, err)
	assert.Empty(t, scored)
}

func TestBlockHitsScorer(t *testing.T) {
	scorer, err := kvcache.NewKVBlockScorer(&kvcache.KVBlockScorerConfig{ScoringStrategy: kvcache.HighestBlockHits})
	require.NoError(t, err)

	keys, hitmap := scorerHitmap()
	scored, err := scorer.Score(keys, hitmap)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{engineA: 4, engineB: 2}, scored)
}

func TestUnsupportedScoringStrategy(t *testing.T) {
	_, err := kvcache.NewKVBlockScorer(&kvcache.KVBlockScorerConfig{ScoringStrategy: "Random"})
	assert.Error(t, err)
}
