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

package sequence_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/sequence"
)

func TestTrackerCapacity(t *testing.T) {
	tracker, err := sequence.NewTracker(&sequence.Config{MaxTrackedSequences: 2})
	require.NoError(t, err)

	d1, created, err := tracker.GetOrCreate(1)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, d1.Cacheable())

	again, created, err := tracker.GetOrCreate(1)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, d1, again)

	_, _, err = tracker.GetOrCreate(2)
	require.NoError(t, err)
	_, _, err = tracker.GetOrCreate(3)
	assert.ErrorIs(t, err, sequence.ErrTrackerFull)

	assert.Same(t, d1, tracker.Remove(1))
	assert.Nil(t, tracker.Remove(1))
	assert.Nil(t, tracker.Get(1))
	assert.Equal(t, 1, tracker.Len())

	_, _, err = tracker.GetOrCreate(3)
	assert.NoError(t, err)
}

func TestTrackerRangeOrder(t *testing.T) {
	tracker, err := sequence.NewTracker(nil)
	require.NoError(t, err)
	for _, uid := range []uint64{7, 3, 5} {
		_, _, err := tracker.GetOrCreate(uid)
		require.NoError(t, err)
	}

	var uids []uint64
	tracker.Range(func(d *sequence.Descriptor) bool {
		uids = append(uids, d.UID)
		return len(uids) < 2
	})
	assert.Equal(t, []uint64{3, 5}, uids)
}

func TestNewTrackerRejectsZeroCapacity(t *testing.T) {
	_, err := sequence.NewTracker(&sequence.Config{})
	assert.Error(t, err)
}

func TestDescriptorForwardCounters(t *testing.T) {
	tracker, err := sequence.NewTracker(nil)
	require.NoError(t, err)
	d, _, err := tracker.GetOrCreate(1)
	require.NoError(t, err)

	d.PreForward(5)
	d.PreForward(2)
	assert.Equal(t, 0, d.SeenTokens())
	assert.Equal(t, 7, d.InFlightTokens())
	assert.Equal(t, 7, d.Tokens())

	d.PostForward(5)
	assert.Equal(t, 5, d.SeenTokens())
	assert.Equal(t, 2, d.InFlightTokens())
	assert.Equal(t, 7, d.Tokens())

	// never moves more than is in flight
	d.PostForward(10)
	assert.Equal(t, 7, d.SeenTokens())
	assert.Zero(t, d.InFlightTokens())

	d.PostForward(-1)
	assert.Equal(t, 7, d.SeenTokens())
}

func TestDescriptorChainMatchesOneShotHashing(t *testing.T) {
	processor, err := kvblock.NewChunkedTokenDatabase(&kvblock.TokenProcessorConfig{BlockSize: 4})
	require.NoError(t, err)

	tokens := []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	want := processor.BlockHashes(processor.InitHash(), tokens)

	tracker, err := sequence.NewTracker(nil)
	require.NoError(t, err)
	d, _, err := tracker.GetOrCreate(1)
	require.NoError(t, err)

	hashes, chunked := d.AppendTokens(processor, tokens[:3])
	assert.Empty(t, hashes)
	assert.Empty(t, chunked)
	assert.Equal(t, []uint32{1, 2, 3}, d.Tail())

	hashes, chunked = d.AppendTokens(processor, tokens[3:6])
	assert.Equal(t, want[:1], hashes)
	assert.Equal(t, []uint32{1, 2, 3, 4}, chunked)

	hashes, chunked = d.AppendTokens(processor, tokens[6:])
	assert.Equal(t, want[1:], hashes)
	assert.Equal(t, []uint32{5, 6, 7, 8}, chunked)
	assert.Equal(t, want, d.Hashes())
	assert.Equal(t, []uint32{9, 10, 11}, d.Tail())
	assert.Equal(t, want[1], d.LastHash(processor))
}

func TestDescriptorBlocks(t *testing.T) {
	tracker, err := sequence.NewTracker(nil)
	require.NoError(t, err)
	d, _, err := tracker.GetOrCreate(1)
	require.NoError(t, err)

	d.AdoptPrefix([]kvblock.BlockID{4, 5}, nil, 4)
	d.AddBlocks(6)
	assert.Equal(t, []kvblock.BlockID{4, 5, 6}, d.Blocks())
	assert.Equal(t, d.Blocks(), d.PrivateBlocks(), "nothing is held")
	assert.Zero(t, d.SeenTokens())

	d.StopCaching()
	assert.False(t, d.Cacheable())
	assert.Nil(t, d.Tail())
}
