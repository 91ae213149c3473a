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

package kvcache

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
)

// KVScoringStrategy defines the strategy used to score engines for KV-cache
// block reuse.
type KVScoringStrategy string

const (
	// LongestPrefixMatch scores by the longest consecutive match from the
	// first block.
	LongestPrefixMatch KVScoringStrategy = "LongestPrefix"
	// HighestBlockHits scores by the number of blocks held, regardless of
	// position.
	HighestBlockHits KVScoringStrategy = "HighestBlockHits"
)

// KVBlockScorerConfig holds the configuration for the KVBlockScorer.
type KVBlockScorerConfig struct {
	ScoringStrategy KVScoringStrategy `json:"scoringStrategy"`
}

// DefaultKVBlockScorerConfig returns the default configuration for the KVBlockScorer.
func DefaultKVBlockScorerConfig() *KVBlockScorerConfig {
	return &KVBlockScorerConfig{
		ScoringStrategy: LongestPrefixMatch,
	}
}

// KVBlockScorer defines the interface for implementing a KV block scoring
// strategy.
type KVBlockScorer interface {
	// Strategy returns the scoring strategy type.
	Strategy() KVScoringStrategy
	// Score scores engines by the blocks they hold.
	// It returns a map of engine identifiers to their scores.
	Score(keys []kvblock.Key, keyToEngines map[kvblock.Key][]string) (map[string]int, error)
}

// NewKVBlockScorer creates a new KVBlockScorer based on the provided strategy.
func NewKVBlockScorer(config *KVBlockScorerConfig) (KVBlockScorer, error) {
	if config == nil {
		config = DefaultKVBlockScorerConfig()
	}

	switch config.ScoringStrategy {
	case LongestPrefixMatch:
		return &LongestPrefixScorer{}, nil
	case HighestBlockHits:
		return &BlockHitsScorer{}, nil
	default:
		return nil, fmt.Errorf("unsupported scoring strategy: %s", config.ScoringStrategy)
	}
}

// LongestPrefixScorer scores engines by their longest run of consecutive
// block hits starting from block 0.
type LongestPrefixScorer struct{}

// Strategy returns the strategy type: LongestPrefixMatch.
func (s *LongestPrefixScorer) Strategy() KVScoringStrategy {
	return LongestPrefixMatch
}

// Score implements the longest prefix scoring logic.
func (s *LongestPrefixScorer) Score(keys []kvblock.Key, keyToEngines map[kvblock.Key][]string) (map[string]int, error) {
	engineScores := make(map[string]int)
	if len(keys) == 0 {
		return engineScores, nil
	}

	active := sets.New(keyToEngines[keys[0]]...)
	for engine := range active {
		engineScores[engine] = 1
	}

	for _, key := range keys[1:] {
		active = active.Intersection(sets.New(keyToEngines[key]...))
		if active.Len() == 0 {
			break
		}
		for engine := range active {
			engineScores[engine]++
		}
	}

	return engineScores, nil
}

// BlockHitsScorer scores engines by the number of looked-up blocks they hold.
type BlockHitsScorer struct{}

// Strategy returns the strategy type: HighestBlockHits.
func (s *BlockHitsScorer) Strategy() KVScoringStrategy {
	return HighestBlockHits
}

// Score counts block hits per engine.
func (s *BlockHitsScorer) Score(keys []kvblock.Key, keyToEngines map[kvblock.Key][]string) (map[string]int, error) {
	engineScores := make(map[string]int)
	for _, key := range keys {
		for _, engine := range sets.List(sets.New(keyToEngines[key]...)) {
			engineScores[engine]++
		}
	}
	return engineScores, nil
}
