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

package cachetree

import "container/heap"

// candidateQueue is a min-heap of evictable leaves ordered by
// (lastReferenced, id). It implements heap.Interface.
type candidateQueue struct {
	tree *Tree
	ids  []NodeID
}

var _ heap.Interface = &candidateQueue{}

func (q *candidateQueue) Len() int { return len(q.ids) }

func (q *candidateQueue) Less(i, j int) bool {
	a, b := &q.tree.nodes[q.ids[i]], &q.tree.nodes[q.ids[j]]
	if a.lastReferenced != b.lastReferenced {
		return a.lastReferenced < b.lastReferenced
	}
	return q.ids[i] < q.ids[j]
}

func (q *candidateQueue) Swap(i, j int) {
	q.ids[i], q.ids[j] = q.ids[j], q.ids[i]
	q.tree.nodes[q.ids[i]].heapIndex = i
	q.tree.nodes[q.ids[j]].heapIndex = j
}

func (q *candidateQueue) Push(x any) {
	id, _ := x.(NodeID)
	q.tree.nodes[id].heapIndex = len(q.ids)
	q.ids = append(q.ids, id)
}

func (q *candidateQueue) Pop() any {
	last := len(q.ids) - 1
	id := q.ids[last]
	q.ids = q.ids[:last]
	q.tree.nodes[id].heapIndex = -1
	return id
}

// front returns the least recently referenced candidate.
func (q *candidateQueue) front() (NodeID, bool) {
	if len(q.ids) == 0 {
		return 0, false
	}
	return q.ids[0], true
}
