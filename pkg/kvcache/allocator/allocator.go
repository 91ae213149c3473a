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

// Package allocator hands out physical KV-cache block ids. Each cache group
// owns an independent pool of the same size; blocks are allocated and freed
// in lockstep so that one id addresses the same slot in every group.
package allocator

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
)

var (
	// ErrInsufficientBlocks is returned when fewer blocks are free than requested.
	ErrInsufficientBlocks = errors.New("insufficient free blocks")
	// ErrDoubleFree is returned when a block that is already free is freed.
	ErrDoubleFree = errors.New("block already free")
	// ErrUnknownBlock is returned for block ids outside the pool.
	ErrUnknownBlock = errors.New("unknown block")
)

const (
	defaultNumGroups      = 1
	defaultBlocksPerGroup = 1024
)

// Config holds the configuration of the block allocator.
type Config struct {
	// NumGroups is the number of KV-cache groups (e.g. attention layer groups).
	NumGroups int `json:"numGroups"`
	// BlocksPerGroup is the number of blocks in each group.
	BlocksPerGroup int `json:"blocksPerGroup"`
}

// DefaultConfig returns a default configuration for the allocator.
func DefaultConfig() *Config {
	return &Config{
		NumGroups:      defaultNumGroups,
		BlocksPerGroup: defaultBlocksPerGroup,
	}
}

// Allocator is a lockstep multi-group block allocator. It is not safe for
// concurrent use.
type Allocator struct {
	pools []*BlockPool
}

// New creates an Allocator with every block free.
func New(cfg *Config) (*Allocator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.NumGroups <= 0 {
		return nil, fmt.Errorf("invalid number of cache groups: %d", cfg.NumGroups)
	}
	if cfg.BlocksPerGroup <= 0 {
		return nil, fmt.Errorf("invalid number of blocks per group: %d", cfg.BlocksPerGroup)
	}

	pools := make([]*BlockPool, cfg.NumGroups)
	for i := range pools {
		pools[i] = NewBlockPool(cfg.BlocksPerGroup)
	}
	return &Allocator{pools: pools}, nil
}

// Allocate reserves n blocks in every group. Either all n are returned or
// none are reserved.
func (a *Allocator) Allocate(n int) ([]kvblock.BlockID, error) {
	if n <= 0 {
		return nil, nil
	}

	common := a.common()
	if int(common.GetCardinality()) < n {
		return nil, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientBlocks, n, common.GetCardinality())
	}

	ids := make([]kvblock.BlockID, 0, n)
	it := common.Iterator()
	for len(ids) < n && it.HasNext() {
		ids = append(ids, kvblock.BlockID(it.Next()))
	}
	for _, p := range a.pools {
		p.take(ids)
	}
	return ids, nil
}

// Free returns blocks to every group. The whole call fails without effect if
// any id is unknown, already free or repeated.
func (a *Allocator) Free(ids []kvblock.BlockID) error {
	for _, p := range a.pools {
		if err := p.check(ids); err != nil {
			return err
		}
	}
	for _, p := range a.pools {
		p.give(ids)
	}
	return nil
}

// FreeBlocks returns the number of free blocks of each group.
func (a *Allocator) FreeBlocks() []int {
	free := make([]int, len(a.pools))
	for i, p := range a.pools {
		free[i] = p.Free()
	}
	return free
}

// Available returns the number of blocks Allocate can hand out.
func (a *Allocator) Available() int {
	return int(a.common().GetCardinality())
}

// NumGroups returns the number of cache groups.
func (a *Allocator) NumGroups() int {
	return len(a.pools)
}

// Pool returns the pool of a cache group.
func (a *Allocator) Pool(group int) *BlockPool {
	return a.pools[group]
}

func (a *Allocator) common() *roaring.Bitmap {
	if len(a.pools) == 1 {
		return a.pools[0].free
	}
	bitmaps := make([]*roaring.Bitmap, len(a.pools))
	for i, p := range a.pools {
		bitmaps[i] = p.free
	}
	return roaring.FastAnd(bitmaps...)
}
