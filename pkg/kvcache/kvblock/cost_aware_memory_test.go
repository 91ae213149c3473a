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

func createCostAwareIndexForTesting(t *testing.T) Index {
	t.Helper()
	index, err := NewCostAwareMemoryIndex(DefaultCostAwareMemoryIndexConfig())
	require.NoError(t, err)
	return index
}

func TestCostAwareIndexBehavior(t *testing.T) {
	testCommonIndexBehavior(t, createCostAwareIndexForTesting)
}

func TestSizeHumanize(t *testing.T) {
	tests := []struct {
		size     string
		expected int64
	}{
		{"42 MB", 42 * 1000 * 1000},
		{"42M", 42 * 1000 * 1000},
		{"42Mi", 42 * 1024 * 1024},
		{"42", 42},
	}

	for _, tt := range tests {
		t.Run(tt.size, func(t *testing.T) {
			index, err := NewCostAwareMemoryIndex(&CostAwareMemoryIndexConfig{Size: tt.size})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, index.MaxCost())
		})
	}
}

func TestCostAwareIndexInvalidSize(t *testing.T) {
	_, err := NewCostAwareMemoryIndex(&CostAwareMemoryIndexConfig{Size: "lots"})
	assert.Error(t, err)
}
