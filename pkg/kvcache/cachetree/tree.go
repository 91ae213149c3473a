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

// Package cachetree implements the prefix-sharing block cache: a radix tree
// over fixed-size token chunks whose nodes map chunk fingerprints to
// physical KV-cache blocks.
//
// Every non-root node carries a ref count of the sequences currently holding
// it and the logical time it was last referenced. Nodes whose ref count drops
// to zero keep their block and stay matchable until Evict reclaims them,
// least recently referenced leaf first.
//
// A Tree is not safe for concurrent use; callers serialize access.
package cachetree

import (
	"container/heap"
	"errors"
	"fmt"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
)

var (
	// ErrUnknownPrefix is returned when a path or prefix is not present in
	// the tree, or not held by the caller.
	ErrUnknownPrefix = errors.New("unknown prefix")
	// ErrDuplicateInsertion is returned when a chunk to insert already exists.
	ErrDuplicateInsertion = errors.New("duplicate insertion")
	// ErrReleaseUnderflow is returned when a release would drop more holds
	// than were acquired.
	ErrReleaseUnderflow = errors.New("release underflow")
	// ErrBlockCountMismatch is returned when more blocks than chunks are
	// supplied to Insert.
	ErrBlockCountMismatch = errors.New("block count mismatch")
)

// NodeID indexes a node in the tree's arena. Slots are recycled after
// eviction, so a NodeID is only meaningful together with its hash.
type NodeID int32

// RootID is the root node. It holds no block and is never evicted.
const RootID NodeID = 0

// NodeRef identifies a live node.
type NodeRef struct {
	ID   NodeID
	Hash kvblock.BlockHash
}

// Path is a root-to-leaf chain of held nodes.
type Path []NodeRef

// Leaf returns the deepest node of the path, or RootID for an empty path.
func (p Path) Leaf() NodeID {
	if len(p) == 0 {
		return RootID
	}
	return p[len(p)-1].ID
}

// Evicted describes a reclaimed node.
type Evicted struct {
	Hash  kvblock.BlockHash
	Block kvblock.BlockID
}

// NodeInfo is a read-only snapshot of a node.
type NodeInfo struct {
	Hash           kvblock.BlockHash
	Parent         NodeID
	Block          kvblock.BlockID
	RefCount       int
	LastReferenced uint64
	Children       int
	State          State
}

type node struct {
	hash           kvblock.BlockHash
	parent         NodeID
	block          kvblock.BlockID
	refCount       int
	lastReferenced uint64
	children       map[kvblock.BlockHash]NodeID
	heapIndex      int
	live           bool
}

// Tree is the prefix-sharing block cache.
type Tree struct {
	processor kvblock.TokenProcessor

	nodes     []node
	freeSlots []NodeID
	index     map[kvblock.BlockHash]NodeID

	// clock is the logical time, advanced once per touching operation.
	clock uint64
	// candidates holds the unreferenced, childless nodes.
	candidates candidateQueue
	// idle counts the unreferenced non-root nodes.
	idle int
}

// New creates an empty tree. The processor fingerprints token chunks for the
// token-based operations.
func New(processor kvblock.TokenProcessor) *Tree {
	t := &Tree{
		processor: processor,
		nodes: []node{{
			parent:    -1,
			children:  make(map[kvblock.BlockHash]NodeID),
			heapIndex: -1,
			live:      true,
		}},
		index: make(map[kvblock.BlockHash]NodeID),
	}
	t.candidates.tree = t
	return t
}

// Lookup walks the full chunks of tokens from the root and holds every
// matched node. It returns the matched blocks and the held path.
func (t *Tree) Lookup(tokens []uint32) ([]kvblock.BlockID, Path) {
	return t.LookupHashes(t.processor.BlockHashes(t.processor.InitHash(), tokens))
}

// LookupHashes is Lookup over precomputed chunk fingerprints.
func (t *Tree) LookupHashes(hashes []kvblock.BlockHash) ([]kvblock.BlockID, Path) {
	t.clock++
	return t.descend(RootID, hashes, nil)
}

// Extend continues a held path deeper along hashes, holding every further
// matched node. hashes is the full fingerprint chain of the sequence; its
// first len(path) entries must match path.
func (t *Tree) Extend(path Path, hashes []kvblock.BlockHash) ([]kvblock.BlockID, Path, error) {
	if err := t.validate(path); err != nil {
		return nil, path, err
	}
	if len(hashes) < len(path) {
		return nil, path, fmt.Errorf("%w: path is deeper than the fingerprint chain", ErrUnknownPrefix)
	}
	for i, ref := range path {
		if hashes[i] != ref.Hash {
			return nil, path, fmt.Errorf("%w: path diverges from fingerprint chain at chunk %d", ErrUnknownPrefix, i)
		}
	}

	t.clock++
	held := make(Path, len(path), len(hashes))
	copy(held, path)
	blocks, extended := t.descend(path.Leaf(), hashes[len(path):], held)
	return blocks, extended, nil
}

func (t *Tree) descend(from NodeID, hashes []kvblock.BlockHash, path Path) ([]kvblock.BlockID, Path) {
	var blocks []kvblock.BlockID
	cur := from
	for _, h := range hashes {
		child, ok := t.nodes[cur].children[h]
		if !ok {
			break
		}
		t.visit(child)
		blocks = append(blocks, t.nodes[child].block)
		path = append(path, NodeRef{ID: child, Hash: h})
		cur = child
	}
	return blocks, path
}

// visit adds a hold on a node and refreshes its recency.
func (t *Tree) visit(id NodeID) {
	n := &t.nodes[id]
	if n.refCount == 0 {
		t.idle--
		if n.heapIndex >= 0 {
			heap.Remove(&t.candidates, n.heapIndex)
		}
	}
	n.refCount++
	n.lastReferenced = t.clock
}

// Insert adds the chunks of tokens beyond the caller's held prefix. The first
// len(chunks)-len(newBlocks) chunks must already be cached and held; one node
// per remaining chunk is created with the corresponding block and a single
// hold. It returns the path of the created nodes.
func (t *Tree) Insert(tokens []uint32, newBlocks []kvblock.BlockID) (Path, error) {
	return t.InsertHashes(t.processor.BlockHashes(t.processor.InitHash(), tokens), newBlocks)
}

// InsertHashes is Insert over precomputed chunk fingerprints. On error the
// tree is unchanged.
func (t *Tree) InsertHashes(hashes []kvblock.BlockHash, newBlocks []kvblock.BlockID) (Path, error) {
	existing := len(hashes) - len(newBlocks)
	if existing < 0 {
		return nil, fmt.Errorf("%w: %d blocks for %d chunks", ErrBlockCountMismatch, len(newBlocks), len(hashes))
	}

	cur := RootID
	for i := 0; i < existing; i++ {
		child, ok := t.nodes[cur].children[hashes[i]]
		if !ok {
			return nil, fmt.Errorf("%w: chunk %d of %d is not cached", ErrUnknownPrefix, i, len(hashes))
		}
		if t.nodes[child].refCount == 0 {
			return nil, fmt.Errorf("%w: chunk %d of %d is not held", ErrUnknownPrefix, i, len(hashes))
		}
		cur = child
	}

	if len(newBlocks) == 0 {
		return nil, nil
	}

	for _, h := range hashes[existing:] {
		if _, ok := t.index[h]; ok {
			return nil, fmt.Errorf("%w: chunk %d already cached", ErrDuplicateInsertion, h)
		}
	}

	t.clock++
	path := make(Path, 0, len(newBlocks))
	for i, h := range hashes[existing:] {
		id := t.allocNode(node{
			hash:           h,
			parent:         cur,
			block:          newBlocks[i],
			refCount:       1,
			lastReferenced: t.clock,
			heapIndex:      -1,
			live:           true,
		})
		parent := &t.nodes[cur]
		if parent.children == nil {
			parent.children = make(map[kvblock.BlockHash]NodeID)
		}
		parent.children[h] = id
		t.index[h] = id
		path = append(path, NodeRef{ID: id, Hash: h})
		cur = id
	}

	return path, nil
}

func (t *Tree) allocNode(n node) NodeID {
	if last := len(t.freeSlots) - 1; last >= 0 {
		id := t.freeSlots[last]
		t.freeSlots = t.freeSlots[:last]
		t.nodes[id] = n
		return id
	}
	t.nodes = append(t.nodes, n)
	return NodeID(len(t.nodes) - 1)
}

// validate checks that path is a root-anchored chain of live nodes.
func (t *Tree) validate(path Path) error {
	parent := RootID
	for i, ref := range path {
		if ref.ID <= RootID || int(ref.ID) >= len(t.nodes) {
			return fmt.Errorf("%w: invalid node %d at depth %d", ErrUnknownPrefix, ref.ID, i)
		}
		n := &t.nodes[ref.ID]
		if !n.live || n.hash != ref.Hash || n.parent != parent {
			return fmt.Errorf("%w: stale node %d at depth %d", ErrUnknownPrefix, ref.ID, i)
		}
		parent = ref.ID
	}
	return nil
}

// Release drops one hold on every node of path. The path must be a
// root-anchored chain obtained from Lookup, Extend or Insert. On error the
// tree is unchanged.
func (t *Tree) Release(path Path) error {
	if err := t.validate(path); err != nil {
		return err
	}

	for i, ref := range path {
		n := &t.nodes[ref.ID]
		if n.refCount == 0 {
			return fmt.Errorf("%w: node %d at depth %d is not held", ErrReleaseUnderflow, ref.ID, i)
		}
		if n.refCount > 1 {
			continue
		}
		// n drops to zero: no descendant may remain held
		for _, child := range n.children {
			if t.nodes[child].refCount == 0 {
				continue
			}
			if i+1 < len(path) && path[i+1].ID == child && t.nodes[child].refCount == 1 {
				continue
			}
			return fmt.Errorf("%w: node %d at depth %d has a held descendant", ErrReleaseUnderflow, ref.ID, i)
		}
	}

	for i := len(path) - 1; i >= 0; i-- {
		id := path[i].ID
		n := &t.nodes[id]
		n.refCount--
		if n.refCount == 0 {
			t.idle++
			if len(n.children) == 0 {
				heap.Push(&t.candidates, id)
			}
		}
	}

	return nil
}

// Evict reclaims up to n blocks from unreferenced leaves, least recently
// referenced first, cascading to parents that become unreferenced leaves.
// Fewer than n blocks are returned when nothing else is evictable.
func (t *Tree) Evict(n int) []kvblock.BlockID {
	evicted := t.EvictEntries(n)
	blocks := make([]kvblock.BlockID, len(evicted))
	for i, e := range evicted {
		blocks[i] = e.Block
	}
	return blocks
}

// EvictEntries is Evict reporting the fingerprint of every reclaimed node.
func (t *Tree) EvictEntries(n int) []Evicted {
	var out []Evicted
	for len(out) < n {
		id, ok := t.candidates.front()
		if !ok {
			break
		}

		nd := &t.nodes[id]
		if NextState(stateOf(nd.live, nd.refCount), nd.refCount, true) != Unallocated {
			// not reclaimable; drop it from the queue
			heap.Pop(&t.candidates)
			continue
		}

		heap.Pop(&t.candidates)
		out = append(out, Evicted{Hash: nd.hash, Block: nd.block})

		parent := nd.parent
		t.removeNode(id)

		p := &t.nodes[parent]
		if parent != RootID && p.refCount == 0 && len(p.children) == 0 {
			heap.Push(&t.candidates, parent)
		}
	}
	return out
}

func (t *Tree) removeNode(id NodeID) {
	n := &t.nodes[id]
	delete(t.nodes[n.parent].children, n.hash)
	delete(t.index, n.hash)
	t.idle--
	t.nodes[id] = node{parent: -1, heapIndex: -1}
	t.freeSlots = append(t.freeSlots, id)
}

// Match returns the nodes matching the longest cached prefix of hashes
// without holding or touching them.
func (t *Tree) Match(hashes []kvblock.BlockHash) []NodeID {
	var ids []NodeID
	cur := RootID
	for _, h := range hashes {
		child, ok := t.nodes[cur].children[h]
		if !ok {
			break
		}
		ids = append(ids, child)
		cur = child
	}
	return ids
}

// Contains reports whether a chunk with the given fingerprint is cached.
func (t *Tree) Contains(hash kvblock.BlockHash) bool {
	_, ok := t.index[hash]
	return ok
}

// RefCount returns the hold count of a live node, or 0.
func (t *Tree) RefCount(id NodeID) int {
	if id <= RootID || int(id) >= len(t.nodes) || !t.nodes[id].live {
		return 0
	}
	return t.nodes[id].refCount
}

// State returns the resting eviction state of a node.
func (t *Tree) State(id NodeID) State {
	if id <= RootID || int(id) >= len(t.nodes) {
		return Unallocated
	}
	n := &t.nodes[id]
	return stateOf(n.live, n.refCount)
}

// Node returns a snapshot of a live node.
func (t *Tree) Node(id NodeID) (NodeInfo, bool) {
	if id <= RootID || int(id) >= len(t.nodes) || !t.nodes[id].live {
		return NodeInfo{}, false
	}
	n := &t.nodes[id]
	return NodeInfo{
		Hash:           n.hash,
		Parent:         n.parent,
		Block:          n.block,
		RefCount:       n.refCount,
		LastReferenced: n.lastReferenced,
		Children:       len(n.children),
		State:          stateOf(n.live, n.refCount),
	}, true
}

// Len returns the number of cached chunks.
func (t *Tree) Len() int {
	return len(t.index)
}

// Evictable returns the number of blocks Evict could reclaim right now.
func (t *Tree) Evictable() int {
	return t.idle
}

// Clock returns the current logical time.
func (t *Tree) Clock() uint64 {
	return t.clock
}

// Processor returns the fingerprint function of the tree.
func (t *Tree) Processor() kvblock.TokenProcessor {
	return t.processor
}
