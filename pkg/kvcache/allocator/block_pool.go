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

package allocator

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
)

// BlockPool is the free set of a single cache group. Block ids range over
// [0, capacity).
type BlockPool struct {
	capacity uint32
	free     *roaring.Bitmap
}

// NewBlockPool creates a pool with every block free.
func NewBlockPool(capacity int) *BlockPool {
	free := roaring.New()
	free.AddRange(0, uint64(capacity))
	return &BlockPool{capacity: uint32(capacity), free: free}
}

// Free returns the number of free blocks in the pool.
func (p *BlockPool) Free() int {
	return int(p.free.GetCardinality())
}

// Capacity returns the total number of blocks managed by the pool.
func (p *BlockPool) Capacity() int {
	return int(p.capacity)
}

// IsFree reports whether id is currently free.
func (p *BlockPool) IsFree(id kvblock.BlockID) bool {
	return p.free.Contains(uint32(id))
}

func (p *BlockPool) take(ids []kvblock.BlockID) {
	for _, id := range ids {
		p.free.Remove(uint32(id))
	}
}

func (p *BlockPool) check(ids []kvblock.BlockID) error {
	seen := roaring.New()
	for _, id := range ids {
		if uint32(id) >= p.capacity {
			return fmt.Errorf("%w: block %d outside [0, %d)", ErrUnknownBlock, id, p.capacity)
		}
		if p.free.Contains(uint32(id)) || !seen.CheckedAdd(uint32(id)) {
			return fmt.Errorf("%w: block %d", ErrDoubleFree, id)
		}
	}
	return nil
}

func (p *BlockPool) give(ids []kvblock.BlockID) {
	for _, id := range ids {
		p.free.Add(uint32(id))
	}
}
