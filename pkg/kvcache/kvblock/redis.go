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

package kvblock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

// RedisIndexConfig holds the configuration for the RedisIndex.
type RedisIndexConfig struct {
	// Address is the Redis server address or URL.
	Address string `json:"address,omitempty"`
}

// DefaultRedisIndexConfig points at a local Redis.
func DefaultRedisIndexConfig() *RedisIndexConfig {
	return &RedisIndexConfig{
		Address: "redis://127.0.0.1:6379",
	}
}

// NewRedisIndex creates a new RedisIndex instance and verifies connectivity.
func NewRedisIndex(ctx context.Context, config *RedisIndexConfig) (*RedisIndex, error) {
	if config == nil {
		config = DefaultRedisIndexConfig()
	}

	address := config.Address
	if !strings.HasPrefix(address, "redis://") &&
		!strings.HasPrefix(address, "rediss://") &&
		!strings.HasPrefix(address, "unix://") {
		address = "redis://" + address
	}

	redisOpt, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	redisClient := redis.NewClient(redisOpt)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisIndex{RedisClient: redisClient}, nil
}

// RedisIndex keeps one Redis hash per key. Each field is an EngineEntry and
// its value the time the entry was last added.
type RedisIndex struct {
	RedisClient *redis.Client
}

var _ Index = &RedisIndex{}

// Lookup returns the engines holding each key, stopping at the first key no
// (filtered) engine holds. All keys are fetched in a single pipeline.
func (r *RedisIndex) Lookup(ctx context.Context, keys []Key,
	engineIdentifierSet sets.Set[string],
) (map[Key][]string, error) {
	enginesPerKey := make(map[Key][]string)
	if len(keys) == 0 {
		return enginesPerKey, nil
	}

	logger := klog.FromContext(ctx).WithName("kvblock.RedisIndex.Lookup")

	pipe := r.RedisClient.Pipeline()
	results := make([]*redis.StringSliceCmd, len(keys))
	for i, key := range keys {
		results[i] = pipe.HKeys(ctx, key.String())
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline execution failed: %w", err)
	}

	for idx, cmd := range results {
		key := keys[idx]

		fields, err := cmd.Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				logger.Error(err, "failed to get engines for key", "key", key)
			}
			break
		}

		var ids []string
		for _, field := range fields {
			id := strings.SplitN(field, "@", 2)[0]
			if engineIdentifierSet.Len() == 0 || engineIdentifierSet.Has(id) {
				ids = append(ids, id)
			}
		}

		if len(ids) == 0 {
			logger.V(logging.TRACE).Info("no engines found for key, cutting search", "key", key)
			break
		}
		enginesPerKey[key] = ids
	}

	return enginesPerKey, nil
}

// Add adds a set of keys and their associated engine entries to the index backend.
func (r *RedisIndex) Add(ctx context.Context, keys []Key, entries []EngineEntry) error {
	if len(keys) == 0 || len(entries) == 0 {
		return fmt.Errorf("no keys or entries provided for adding to index")
	}

	now := time.Now().Format(time.RFC3339)
	pipe := r.RedisClient.Pipeline()
	for _, key := range keys {
		redisKey := key.String()
		for _, entry := range entries {
			pipe.HSet(ctx, redisKey, entry.String(), now)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add entries to Redis: %w", err)
	}

	return nil
}

// Evict removes a key and its associated engine entries from the index backend.
// Redis drops the hash once its last field is deleted.
func (r *RedisIndex) Evict(ctx context.Context, key Key, entries []EngineEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("no entries provided for eviction from index")
	}

	redisKey := key.String()
	pipe := r.RedisClient.Pipeline()
	for _, entry := range entries {
		pipe.HDel(ctx, redisKey, entry.String())
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to evict entries from Redis: %w", err)
	}

	return nil
}
