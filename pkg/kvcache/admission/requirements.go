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

package admission

import "github.com/llm-d/llm-d-kv-block-manager/pkg/utils"

// KVRequirements returns how many of maxNewTokens a sequence with seenTokens
// computed tokens and allocatedBlocks blocks can schedule without exceeding
// maxNewBlocks additional blocks, and how many blocks that takes.
func KVRequirements(seenTokens, allocatedBlocks, blockSize, maxNewTokens, maxNewBlocks int) (int, int) {
	total := seenTokens + maxNewTokens
	blockLim := utils.CeilDiv(total, blockSize) - allocatedBlocks
	if blockLim < 0 {
		blockLim = 0
	}
	if blockLim <= maxNewBlocks {
		return maxNewTokens, blockLim
	}

	capacity := (maxNewBlocks+allocatedBlocks)*blockSize - seenTokens
	if capacity < 0 {
		capacity = 0
	}
	return capacity, maxNewBlocks
}
