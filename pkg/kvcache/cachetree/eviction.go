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

// State is the eviction state of a cache node.
type State int

const (
	// Unallocated nodes hold no block.
	Unallocated State = iota
	// Allocated nodes have exactly one holder.
	Allocated
	// Shared nodes have more than one holder.
	Shared
	// CandidateForDeletion nodes have no holder but still hold valid content.
	CandidateForDeletion
)

func (s State) String() string {
	switch s {
	case Unallocated:
		return "Unallocated"
	case Allocated:
		return "Allocated"
	case Shared:
		return "Shared"
	case CandidateForDeletion:
		return "CandidateForDeletion"
	default:
		return "Unknown"
	}
}

// NextState returns the state a node in state s moves to given its current
// ref count and whether it is at the front of the eviction queue.
//
// A candidate only becomes Unallocated when it is actually chosen for
// reclamation (front of the queue), never merely because it is eligible.
func NextState(s State, refCount int, frontOfQueue bool) State {
	switch s {
	case Unallocated:
		if refCount >= 1 {
			return Allocated
		}
		return Unallocated
	case Allocated:
		switch {
		case refCount == 0:
			return CandidateForDeletion
		case refCount > 1:
			return Shared
		default:
			return Allocated
		}
	case Shared:
		switch {
		case refCount == 0:
			return CandidateForDeletion
		case refCount == 1:
			return Allocated
		default:
			return Shared
		}
	case CandidateForDeletion:
		switch {
		case refCount >= 1:
			return Allocated
		case frontOfQueue:
			return Unallocated
		default:
			return CandidateForDeletion
		}
	default:
		return s
	}
}

// stateOf derives the resting state of a node from its observable fields.
func stateOf(live bool, refCount int) State {
	switch {
	case !live:
		return Unallocated
	case refCount == 0:
		return CandidateForDeletion
	case refCount == 1:
		return Allocated
	default:
		return Shared
	}
}
