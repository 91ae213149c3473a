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
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils"
)

// defaultBlockSize is the default number of tokens per block.
// 16 is the default value used by vLLM.
const defaultBlockSize = 16

// HashAlgo names a chunk fingerprint function.
type HashAlgo string

const (
	// HashAlgoSHA256CBOR hashes the canonical CBOR encoding of
	// [parent, chunk, extra] with SHA-256 and keeps the low 64 bits.
	// This matches vLLM's sha256_cbor_64bit prefix hashing.
	HashAlgoSHA256CBOR HashAlgo = "sha256_cbor_64bit"
	// HashAlgoXXHash64 is a fast non-cryptographic alternative. Collisions are
	// possible and would alias distinct prefixes onto one cache path.
	HashAlgoXXHash64 HashAlgo = "xxhash64"
)

// BlockHash is the fingerprint of a full token chunk together with every
// chunk that precedes it.
type BlockHash uint64

// BlockID is the address of a physical KV-cache block.
type BlockID uint32

// TokenProcessorConfig holds the configuration for the token processor.
type TokenProcessorConfig struct {
	BlockSize int `json:"blockSize"`
	// HashSeed is used to prefix initial hash chunks, similarly to vLLM's NONE_HASH.
	// This should be aligned with vLLM's `PYTHONHASHSEED` environment variable.
	HashSeed string `json:"hashSeed"`
	// HashAlgo selects the fingerprint function. Defaults to HashAlgoSHA256CBOR.
	HashAlgo HashAlgo `json:"hashAlgo,omitempty"`
}

// DefaultTokenProcessorConfig returns the default configuration for the token processor.
func DefaultTokenProcessorConfig() *TokenProcessorConfig {
	return &TokenProcessorConfig{
		BlockSize: defaultBlockSize,
		HashSeed:  "",
		HashAlgo:  HashAlgoSHA256CBOR,
	}
}

// TokenProcessor turns token ids into chained chunk fingerprints.
type TokenProcessor interface {
	// ChunkSize returns the number of tokens per chunk.
	ChunkSize() int
	// InitHash returns the parent fingerprint of a sequence's first chunk.
	InitHash() BlockHash
	// BlockHashes returns one fingerprint per full chunk of tokens, chained
	// from parent. A trailing partial chunk is ignored.
	BlockHashes(parent BlockHash, tokens []uint32) []BlockHash
	// TokensToKVBlockKeys converts tokens into kv_block.Keys.
	TokensToKVBlockKeys(tokens []uint32, modelName string) []Key
}

// ChunkedTokenDatabase is the TokenProcessor used throughout the module.
type ChunkedTokenDatabase struct {
	TokenProcessorConfig

	encMode  cbor.EncMode
	initHash BlockHash
}

var _ TokenProcessor = &ChunkedTokenDatabase{}

// NewChunkedTokenDatabase creates a new instance with the given config.
func NewChunkedTokenDatabase(config *TokenProcessorConfig) (*ChunkedTokenDatabase, error) {
	if config == nil {
		config = DefaultTokenProcessorConfig()
	}

	if config.BlockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d: must be positive", config.BlockSize)
	}

	db := &ChunkedTokenDatabase{TokenProcessorConfig: *config}
	if db.HashAlgo == "" {
		db.HashAlgo = HashAlgoSHA256CBOR
	}

	switch db.HashAlgo {
	case HashAlgoSHA256CBOR:
		encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
		if err != nil {
			return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
		}
		db.encMode = encMode

		b, err := encMode.Marshal(db.HashSeed)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal hash seed to CBOR: %w", err)
		}
		sum := sha256.Sum256(b)
		db.initHash = BlockHash(binary.BigEndian.Uint64(sum[24:]))
	case HashAlgoXXHash64:
		db.initHash = BlockHash(xxhash.Sum64String(db.HashSeed))
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", db.HashAlgo)
	}

	return db, nil
}

// ChunkSize returns the number of tokens per chunk.
func (db *ChunkedTokenDatabase) ChunkSize() int {
	return db.BlockSize
}

// InitHash returns the root parent hash.
func (db *ChunkedTokenDatabase) InitHash() BlockHash {
	return db.initHash
}

// hash computes the fingerprint of one chunk given its parent.
func (db *ChunkedTokenDatabase) hash(parent BlockHash, tokens []uint32) BlockHash {
	if db.HashAlgo == HashAlgoXXHash64 {
		d := xxhash.New()
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(parent))
		_, _ = d.Write(buf[:])
		for _, tok := range tokens {
			binary.LittleEndian.PutUint32(buf[:4], tok)
			_, _ = d.Write(buf[:4])
		}
		return BlockHash(d.Sum64())
	}

	// the payload layout follows vLLM: [parent, token ids, extra keys]
	b, err := db.encMode.Marshal([]interface{}{uint64(parent), tokens, nil})
	if err != nil {
		// a []uint32 and a uint64 always encode
		panic(fmt.Sprintf("failed to marshal chunk payload to CBOR: %v", err))
	}

	sum := sha256.Sum256(b)
	return BlockHash(binary.BigEndian.Uint64(sum[24:]))
}

// BlockHashes returns the chained fingerprints of every full chunk in tokens.
func (db *ChunkedTokenDatabase) BlockHashes(parent BlockHash, tokens []uint32) []BlockHash {
	n := len(tokens) / db.BlockSize
	if n == 0 {
		return nil
	}

	hashes := make([]BlockHash, n)
	prefix := parent
	for i := 0; i < n; i++ {
		prefix = db.hash(prefix, tokens[i*db.BlockSize:(i+1)*db.BlockSize])
		hashes[i] = prefix
	}
	return hashes
}

// TokensToKVBlockKeys converts tokens into kv_block.Keys.
func (db *ChunkedTokenDatabase) TokensToKVBlockKeys(tokens []uint32, modelName string) []Key {
	return utils.SliceMap(db.BlockHashes(db.initHash, tokens), func(h BlockHash) Key {
		return Key{
			ModelName: modelName,
			ChunkHash: h,
		}
	})
}
