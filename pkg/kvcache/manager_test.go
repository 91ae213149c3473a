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

package kvcache_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/admission"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/allocator"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/sequence"
)

const testBlockSize = 4

func seq(start, n int) []uint32 {
	tokens := make([]uint32, n)
	for i := range tokens {
		tokens[i] = uint32(start + i)
	}
	return tokens
}

func concat(parts ...[]uint32) []uint32 {
	var out []uint32
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func testConfig(blocks int) *kvcache.Config {
	cfg := kvcache.NewDefaultConfig()
	cfg.EngineIdentifier = engineA
	cfg.ModelName = testModelName
	cfg.TokenProcessorConfig.BlockSize = testBlockSize
	cfg.AllocatorConfig = &allocator.Config{NumGroups: 1, BlocksPerGroup: blocks}
	cfg.SequenceConfig = &sequence.Config{MaxTrackedSequences: 8}
	cfg.AdmissionConfig = &admission.Config{MaxRaggedSequenceCount: 8, MaxRaggedBatchSize: 64}
	cfg.KVBlockIndexConfig = nil
	cfg.EventsConfig = nil
	cfg.EnableMetrics = false
	return cfg
}

func newTestManager(t *testing.T, blocks int) *kvcache.Manager {
	t.Helper()
	m, err := kvcache.NewManager(context.Background(), testConfig(blocks))
	require.NoError(t, err)
	return m
}

type mockRunner struct {
	mock.Mock
}

func (r *mockRunner) Forward(ctx context.Context, batch []kvcache.Slot) error {
	args := r.Called(ctx, batch)
	return args.Error(0)
}

func TestPutSharesCachedPrefix(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 8)

	slots, err := m.Put(ctx, []admission.Request{{UID: 1, Tokens: seq(0, 10)}})
	require.NoError(t, err)
	require.Len(t, slots, 1)
	first := slots[0]
	assert.Equal(t, 0, first.StartPos)
	assert.Equal(t, 10, first.NumTokens)
	assert.Equal(t, 0, first.CachedTokens)
	assert.Len(t, first.Blocks, 3)
	assert.Equal(t, []int{5}, m.FreeBlocks())
	assert.Equal(t, 2, m.Stats().CachedBlocks)

	prompt := concat(seq(0, 8), seq(50, 2))
	slots, err = m.Put(ctx, []admission.Request{{UID: 2, Tokens: prompt}})
	require.NoError(t, err)
	require.Len(t, slots, 1)
	second := slots[0]
	assert.Equal(t, 8, second.StartPos)
	assert.Equal(t, 2, second.NumTokens)
	assert.Equal(t, 8, second.CachedTokens)
	assert.Equal(t, seq(50, 2), second.Tokens)
	require.Len(t, second.Blocks, 3)
	assert.Equal(t, first.Blocks[:2], second.Blocks[:2])
	assert.NotEqual(t, first.Blocks[2], second.Blocks[2])
	assert.Equal(t, []int{4}, m.FreeBlocks())

	require.NoError(t, m.Flush(ctx, 1))
	require.NoError(t, m.Flush(ctx, 2))
	assert.Equal(t, kvcache.Stats{
		TrackedSequences: 0,
		CachedBlocks:     2,
		EvictableBlocks:  2,
		FreeBlocks:       []int{6},
	}, m.Stats())
}

func TestPutIdenticalPromptsInOneBatch(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 2)

	slots, err := m.Put(ctx, []admission.Request{
		{UID: 1, Tokens: seq(0, 8)},
		{UID: 2, Tokens: seq(0, 8)},
	})
	require.NoError(t, err)
	require.Len(t, slots, 2)

	assert.Equal(t, 8, slots[0].NumTokens)
	assert.Equal(t, 0, slots[0].CachedTokens)
	assert.Equal(t, 0, slots[1].NumTokens)
	assert.Equal(t, 8, slots[1].CachedTokens)
	assert.Equal(t, slots[0].Blocks, slots[1].Blocks)
	assert.Equal(t, []int{0}, m.FreeBlocks())
}

func TestPutRejectsWithoutMutation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 2)

	slots, err := m.Put(ctx, []admission.Request{{UID: 1, NumTokens: 12}})
	require.Error(t, err)
	assert.Nil(t, slots)
	assert.ErrorIs(t, err, kvcache.ErrNotSchedulable)

	var schedErr *kvcache.SchedulingError
	require.True(t, errors.As(err, &schedErr))
	assert.Equal(t, admission.KVCacheLimitExceeded, schedErr.Result)

	assert.Equal(t, 0, m.Stats().TrackedSequences)
	assert.Equal(t, []int{2}, m.FreeBlocks())
	result, err := m.CanSchedule(ctx, []admission.Request{{UID: 1, NumTokens: 12}})
	require.NoError(t, err)
	assert.Equal(t, admission.KVCacheLimitExceeded, result)
}

func TestFlushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 4)

	require.NoError(t, m.Flush(ctx, 42))

	_, err := m.Put(ctx, []admission.Request{{UID: 1, NumTokens: 5}})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, m.FreeBlocks())

	require.NoError(t, m.Flush(ctx, 1))
	require.NoError(t, m.Flush(ctx, 1))
	assert.Equal(t, []int{4}, m.FreeBlocks())
	assert.Equal(t, 0, m.Stats().TrackedSequences)
}

func TestPutEvictsUnreferencedPrefixes(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 8)

	_, err := m.Put(ctx, []admission.Request{{UID: 1, Tokens: seq(0, 10)}})
	require.NoError(t, err)
	require.NoError(t, m.Flush(ctx, 1))
	assert.Equal(t, 2, m.Stats().EvictableBlocks)
	assert.Equal(t, []int{6}, m.FreeBlocks())

	slots, err := m.Put(ctx, []admission.Request{{UID: 2, NumTokens: 32}})
	require.NoError(t, err)
	assert.Len(t, slots[0].Blocks, 8)

	stats := m.Stats()
	assert.Equal(t, 0, stats.CachedBlocks)
	assert.Equal(t, []int{0}, stats.FreeBlocks)

	// the evicted prefix is computed again
	require.NoError(t, m.Flush(ctx, 2))
	slots, err = m.Put(ctx, []admission.Request{{UID: 3, Tokens: seq(0, 10)}})
	require.NoError(t, err)
	assert.Equal(t, 0, slots[0].CachedTokens)
}

func TestContinuingSequenceExtendsCache(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 8)

	_, err := m.Put(ctx, []admission.Request{{UID: 1, Tokens: seq(0, 6)}})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats().CachedBlocks)

	slots, err := m.Put(ctx, []admission.Request{{UID: 1, Tokens: seq(6, 4)}})
	require.NoError(t, err)
	assert.Equal(t, 6, slots[0].StartPos)
	assert.Equal(t, 4, slots[0].NumTokens)
	assert.Equal(t, seq(6, 4), slots[0].Tokens)
	assert.Len(t, slots[0].Blocks, 3)
	assert.Equal(t, 2, m.Stats().CachedBlocks)

	slots, err = m.Put(ctx, []admission.Request{{UID: 2, Tokens: seq(0, 9)}})
	require.NoError(t, err)
	assert.Equal(t, 8, slots[0].CachedTokens)
	assert.Equal(t, 1, slots[0].NumTokens)
}

func TestCountedRequestsStopCaching(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 8)

	_, err := m.Put(ctx, []admission.Request{{UID: 1, Tokens: seq(0, 4)}})
	require.NoError(t, err)
	_, err = m.Put(ctx, []admission.Request{{UID: 1, NumTokens: 1}})
	require.NoError(t, err)
	_, err = m.Put(ctx, []admission.Request{{UID: 1, Tokens: seq(5, 8)}})
	require.NoError(t, err)

	assert.Equal(t, 1, m.Stats().CachedBlocks)
}

func TestQueryAfterPut(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 8)

	_, err := m.Put(ctx, []admission.Request{{UID: 1, Tokens: seq(0, 6)}})
	require.NoError(t, err)

	tokens, blocks, err := m.Query(ctx, 1, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, tokens)
	assert.Equal(t, 0, blocks)

	tokens, blocks, err = m.Query(ctx, 1, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, tokens)
	assert.Equal(t, 1, blocks)
}

func TestPutRunsForwardPass(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 8)

	runner := &mockRunner{}
	runner.On("Forward", mock.Anything, mock.MatchedBy(func(batch []kvcache.Slot) bool {
		return len(batch) == 1 && batch[0].UID == 1 && batch[0].NumTokens == 5
	})).Return(nil).Once()
	m.SetRunner(runner)

	_, err := m.Put(ctx, []admission.Request{{UID: 1, NumTokens: 5}})
	require.NoError(t, err)
	runner.AssertExpectations(t)

	tokens, blocks, err := m.Query(ctx, 1, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, tokens)
	assert.Equal(t, 0, blocks)
}

func TestPutReturnsForwardError(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 8)

	errForward := errors.New("device lost")
	runner := &mockRunner{}
	runner.On("Forward", mock.Anything, mock.Anything).Return(errForward)
	m.SetRunner(runner)

	slots, err := m.Put(ctx, []admission.Request{{UID: 1, NumTokens: 5}})
	require.ErrorIs(t, err, errForward)
	assert.Len(t, slots, 1)
	assert.Equal(t, 1, m.Stats().TrackedSequences)
}

func TestScoreFollowsCacheEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(2)
	cfg.KVBlockIndexConfig = kvblock.DefaultIndexConfig()
	cfg.EventsConfig = kvevents.DefaultConfig()
	m, err := kvcache.NewManager(ctx, cfg)
	require.NoError(t, err)
	m.Run(ctx)
	defer m.Shutdown(ctx)

	prompt := seq(0, 8)
	_, err = m.Put(ctx, []admission.Request{{UID: 1, Tokens: prompt}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		scores, err := m.Score(ctx, prompt, nil)
		return err == nil && scores[engineA] == 2
	}, 5*time.Second, 10*time.Millisecond)

	scores, err := m.Score(ctx, prompt, []string{engineB})
	require.NoError(t, err)
	assert.Empty(t, scores)

	require.NoError(t, m.Flush(ctx, 1))
	_, err = m.Put(ctx, []admission.Request{{UID: 2, NumTokens: 8}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		scores, err := m.Score(ctx, prompt, nil)
		return err == nil && len(scores) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestScoreWithoutIndex(t *testing.T) {
	m := newTestManager(t, 2)
	_, err := m.Score(context.Background(), seq(0, 8), nil)
	assert.ErrorIs(t, err, kvcache.ErrIndexDisabled)
}

func TestPutCountedEntryThenTokensForNewSequence(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 8)

	batch := []admission.Request{{UID: 1, NumTokens: 2}, {UID: 1, Tokens: seq(0, 8)}}
	result, err := m.CanSchedule(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, admission.Success, result)

	slots, err := m.Put(ctx, batch)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, 0, slots[0].StartPos)
	assert.Equal(t, 2, slots[0].NumTokens)
	assert.Equal(t, 2, slots[1].StartPos)
	assert.Equal(t, 8, slots[1].NumTokens)
	assert.Equal(t, 0, slots[1].CachedTokens)
	assert.Len(t, slots[1].Blocks, 3)
	assert.Equal(t, []int{5}, m.FreeBlocks())
	assert.Equal(t, 0, m.Stats().CachedBlocks)

	// the manager stays usable afterwards
	require.NoError(t, m.Flush(ctx, 1))
	_, err = m.Put(ctx, []admission.Request{{UID: 2, Tokens: seq(0, 8)}, {UID: 2, NumTokens: 2}})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Stats().CachedBlocks)
	assert.Equal(t, []int{5}, m.FreeBlocks())
}

func TestRejectsNegativeTokenCounts(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 8)

	batch := []admission.Request{{UID: 1, NumTokens: 30}, {UID: 2, NumTokens: -25}}
	_, err := m.CanSchedule(ctx, batch)
	assert.ErrorIs(t, err, admission.ErrInvalidRequest)

	slots, err := m.Put(ctx, batch)
	assert.ErrorIs(t, err, admission.ErrInvalidRequest)
	assert.NotErrorIs(t, err, kvcache.ErrNotSchedulable)
	assert.Nil(t, slots)
	assert.Equal(t, 0, m.Stats().TrackedSequences)
	assert.Equal(t, []int{8}, m.FreeBlocks())

	_, err = m.Put(ctx, []admission.Request{{UID: 1, NumTokens: 5}})
	require.NoError(t, err)
	_, _, err = m.Query(ctx, 1, -1, 0)
	assert.ErrorIs(t, err, admission.ErrInvalidRequest)
	_, _, err = m.Query(ctx, 1, 3, -1)
	assert.ErrorIs(t, err, admission.ErrInvalidRequest)
}

// Random batches over a small engine: every batch CanSchedule admits must
// commit, and every batch it rejects must fail with the same result.
func TestCanSchedulePredictsPut(t *testing.T) {
	ctx := context.Background()
	prefixes := []int{0, 100, 200}

	for seed := uint64(1); seed <= 200; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed))

		cfg := testConfig(12)
		cfg.SequenceConfig = &sequence.Config{MaxTrackedSequences: 4}
		cfg.AdmissionConfig = &admission.Config{MaxRaggedSequenceCount: 4, MaxRaggedBatchSize: 24}
		m, err := kvcache.NewManager(ctx, cfg)
		require.NoError(t, err)

		for step := range 25 {
			if rng.IntN(4) == 0 {
				require.NoError(t, m.Flush(ctx, uint64(1+rng.IntN(5))))
				continue
			}

			batch := make([]admission.Request, 1+rng.IntN(3))
			for i := range batch {
				batch[i].UID = uint64(1 + rng.IntN(5))
				if rng.IntN(2) == 0 {
					batch[i].NumTokens = rng.IntN(9)
				} else {
					batch[i].Tokens = seq(prefixes[rng.IntN(len(prefixes))], 1+rng.IntN(9))
				}
			}
			msg := fmt.Sprintf("seed %d step %d batch %+v", seed, step, batch)

			result, err := m.CanSchedule(ctx, batch)
			require.NoError(t, err, msg)

			_, err = m.Put(ctx, batch)
			if result == admission.Success {
				require.NoError(t, err, msg)
				continue
			}
			require.ErrorIs(t, err, kvcache.ErrNotSchedulable, msg)
			var schedErr *kvcache.SchedulingError
			require.True(t, errors.As(err, &schedErr), msg)
			require.Equal(t, result, schedErr.Result, msg)
		}
	}
}
