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

package sequence

import (
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/cachetree"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
)

// Descriptor is the state of one tracked sequence.
//
// The first len(Held()) entries of Blocks() belong to the prefix cache and are
// reclaimed through it; the remaining blocks are private to the sequence.
type Descriptor struct {
	UID uint64

	seenTokens     int
	inFlightTokens int

	blocks []kvblock.BlockID
	held   cachetree.Path

	// hashes is the fingerprint chain of every full chunk seen so far and
	// tail the tokens of the trailing partial chunk.
	hashes    []kvblock.BlockHash
	tail      []uint32
	cacheable bool
}

func newDescriptor(uid uint64) *Descriptor {
	return &Descriptor{UID: uid, cacheable: true}
}

// SeenTokens returns the number of tokens whose KV entries are computed.
func (d *Descriptor) SeenTokens() int {
	return d.seenTokens
}

// InFlightTokens returns the number of tokens scheduled in the current
// forward pass.
func (d *Descriptor) InFlightTokens() int {
	return d.inFlightTokens
}

// Tokens returns seen plus in-flight tokens.
func (d *Descriptor) Tokens() int {
	return d.seenTokens + d.inFlightTokens
}

// NumBlocks returns the number of blocks assigned to the sequence.
func (d *Descriptor) NumBlocks() int {
	return len(d.blocks)
}

// Blocks returns the block table of the sequence.
func (d *Descriptor) Blocks() []kvblock.BlockID {
	return d.blocks
}

// PrivateBlocks returns the blocks not owned by the prefix cache.
func (d *Descriptor) PrivateBlocks() []kvblock.BlockID {
	return d.blocks[len(d.held):]
}

// AddBlocks appends freshly allocated blocks to the block table.
func (d *Descriptor) AddBlocks(ids ...kvblock.BlockID) {
	d.blocks = append(d.blocks, ids...)
}

// Held returns the prefix-cache path held by the sequence.
func (d *Descriptor) Held() cachetree.Path {
	return d.held
}

// AdoptPrefix records a cached prefix matched for a sequence that has no
// private blocks: blocks are appended to the block table, path replaces the
// held path, and the matched tokens count as seen.
func (d *Descriptor) AdoptPrefix(blocks []kvblock.BlockID, path cachetree.Path, blockSize int) {
	d.blocks = append(d.blocks, blocks...)
	d.held = path
	d.seenTokens = len(path) * blockSize
}

// Hold records nodes inserted into the prefix cache on behalf of the
// sequence. They must cover the blocks directly after the held prefix.
func (d *Descriptor) Hold(path cachetree.Path) {
	d.held = append(d.held, path...)
}

// Hashes returns the fingerprint chain of the full chunks seen so far.
func (d *Descriptor) Hashes() []kvblock.BlockHash {
	return d.hashes
}

// LastHash returns the parent fingerprint for the next full chunk.
func (d *Descriptor) LastHash(processor kvblock.TokenProcessor) kvblock.BlockHash {
	if len(d.hashes) == 0 {
		return processor.InitHash()
	}
	return d.hashes[len(d.hashes)-1]
}

// Tail returns the tokens of the trailing partial chunk.
func (d *Descriptor) Tail() []uint32 {
	return d.tail
}

// Cacheable reports whether the sequence still publishes chunks to the
// prefix cache.
func (d *Descriptor) Cacheable() bool {
	return d.cacheable
}

// StopCaching permanently excludes the sequence's further chunks from the
// prefix cache. The chain state is dropped.
func (d *Descriptor) StopCaching() {
	d.cacheable = false
	d.tail = nil
}

// AppendTokens extends the fingerprint chain with tokens. It returns the
// fingerprints of the chunks completed by them and the tokens of those
// chunks.
func (d *Descriptor) AppendTokens(processor kvblock.TokenProcessor, tokens []uint32,
) ([]kvblock.BlockHash, []uint32) {
	newHashes, chunked, tail := ChainTokens(processor, d.LastHash(processor), d.tail, tokens)
	d.hashes = append(d.hashes, newHashes...)
	d.tail = tail
	return newHashes, chunked
}

// PreForward marks n tokens as scheduled.
func (d *Descriptor) PreForward(n int) {
	d.inFlightTokens += n
}

// PostForward marks n in-flight tokens as computed. Tokens scheduled by a
// later, still running, forward pass stay in flight.
func (d *Descriptor) PostForward(n int) {
	n = min(n, d.inFlightTokens)
	if n <= 0 {
		return
	}
	d.seenTokens += n
	d.inFlightTokens -= n
}

// ChainTokens appends tokens to a partial chunk and fingerprints every
// completed chunk from parent. It returns the new fingerprints, the tokens of
// the completed chunks and the remaining partial chunk.
func ChainTokens(processor kvblock.TokenProcessor, parent kvblock.BlockHash, tail, tokens []uint32,
) (hashes []kvblock.BlockHash, chunked, rest []uint32) {
	buf := make([]uint32, 0, len(tail)+len(tokens))
	buf = append(buf, tail...)
	buf = append(buf, tokens...)

	hashes = processor.BlockHashes(parent, buf)
	consumed := len(hashes) * processor.ChunkSize()
	return hashes, buf[:consumed], append([]uint32(nil), buf[consumed:]...)
}
