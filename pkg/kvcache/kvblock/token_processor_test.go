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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
)

func newProcessor(t *testing.T, cfg *TokenProcessorConfig) *ChunkedTokenDatabase {
	t.Helper()
	db, err := NewChunkedTokenDatabase(cfg)
	require.NoError(t, err)
	return db
}

func TestBlockHashesIgnorePartialChunk(t *testing.T) {
	db := newProcessor(t, &TokenProcessorConfig{BlockSize: 4})

	assert.Empty(t, db.BlockHashes(db.InitHash(), []uint32{1, 2, 3}))
	assert.Len(t, db.BlockHashes(db.InitHash(), []uint32{1, 2, 3, 4, 5, 6, 7}), 1)
	assert.Len(t, db.BlockHashes(db.InitHash(), []uint32{1, 2, 3, 4, 5, 6, 7, 8}), 2)
}

func TestBlockHashesEncodeWholePrefix(t *testing.T) {
	for _, algo := range []HashAlgo{HashAlgoSHA256CBOR, HashAlgoXXHash64} {
		t.Run(string(algo), func(t *testing.T) {
			db := newProcessor(t, &TokenProcessorConfig{BlockSize: 2, HashAlgo: algo})

			a := db.BlockHashes(db.InitHash(), []uint32{1, 2, 3, 4})
			b := db.BlockHashes(db.InitHash(), []uint32{9, 9, 3, 4})
			require.Len(t, a, 2)
			require.Len(t, b, 2)

			// same second chunk, different history
			assert.NotEqual(t, a[1], b[1])
			// deterministic
			assert.Equal(t, a, db.BlockHashes(db.InitHash(), []uint32{1, 2, 3, 4}))
		})
	}
}

func TestBlockHashesChainFromParent(t *testing.T) {
	db := newProcessor(t, &TokenProcessorConfig{BlockSize: 2})
	tokens := []uint32{1, 2, 3, 4, 5, 6}

	full := db.BlockHashes(db.InitHash(), tokens)
	tail := db.BlockHashes(full[0], tokens[2:])
	assert.Equal(t, full[1:], tail)
}

func TestHashSeedChangesFingerprints(t *testing.T) {
	a := newProcessor(t, &TokenProcessorConfig{BlockSize: 2, HashSeed: "0"})
	b := newProcessor(t, &TokenProcessorConfig{BlockSize: 2, HashSeed: "42"})

	assert.NotEqual(t, a.InitHash(), b.InitHash())
	assert.NotEqual(t, a.BlockHashes(a.InitHash(), []uint32{1, 2}), b.BlockHashes(b.InitHash(), []uint32{1, 2}))
}

func TestTokensToKVBlockKeys(t *testing.T) {
	db := newProcessor(t, nil)
	tokens := make([]uint32, 40)
	for i := range tokens {
		tokens[i] = uint32(i)
	}

	keys := db.TokensToKVBlockKeys(tokens, "model")
	require.Len(t, keys, 2)
	hashes := db.BlockHashes(db.InitHash(), tokens)
	for i, key := range keys {
		assert.Equal(t, "model", key.ModelName)
		assert.Equal(t, hashes[i], key.ChunkHash)
	}
}

func TestNewChunkedTokenDatabaseValidates(t *testing.T) {
	_, err := NewChunkedTokenDatabase(&TokenProcessorConfig{BlockSize: 0})
	assert.Error(t, err)

	_, err = NewChunkedTokenDatabase(&TokenProcessorConfig{BlockSize: 4, HashAlgo: "md5"})
	assert.Error(t, err)

	db, err := NewChunkedTokenDatabase(&TokenProcessorConfig{BlockSize: 4})
	require.NoError(t, err)
	assert.Equal(t, HashAlgoSHA256CBOR, db.HashAlgo)
	assert.Equal(t, 4, db.ChunkSize())
}
