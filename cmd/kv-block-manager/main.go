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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/telemetry"
)

const (
	envBlockSize           = "BLOCK_SIZE"
	envPythonHashSeed      = "PYTHONHASHSEED"
	envNumBlocks           = "NUM_BLOCKS"
	envNumGroups           = "NUM_GROUPS"
	envMaxTrackedSequences = "MAX_TRACKED_SEQUENCES"
	envZMQEndpoint         = "ZMQ_ENDPOINT"
	envZMQSubscribe        = "ZMQ_SUBSCRIBE_ENDPOINT"
	envPoolConcurrency     = "POOL_CONCURRENCY"
	envRedisAddr           = "REDIS_ADDR"
	envEngineID            = "ENGINE_ID"
	envModelName           = "MODEL_NAME"

	envHTTPPort     = "HTTP_PORT"
	defaultHTTPPort = "8080"

	shutdownTimeout = 30 * time.Second
)

func main() {
	klog.InitFlags(nil)
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = logr.NewContext(ctx, klog.NewKlogr().WithName("kv-block-manager"))
	logger := klog.FromContext(ctx)

	if err := run(ctx, *configPath); err != nil {
		logger.Error(err, "Failed to run KV block manager")
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
	klog.Flush()
}

func run(ctx context.Context, configPath string) error {
	logger := klog.FromContext(ctx)

	config, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("Loaded configuration", "engine", config.EngineIdentifier, "model", config.ModelName,
		"blockSize", config.TokenProcessorConfig.BlockSize,
		"groups", config.AllocatorConfig.NumGroups, "blocksPerGroup", config.AllocatorConfig.BlocksPerGroup)

	if config.EnableTracing {
		shutdownTracing, err := telemetry.InitTracing(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				logger.Error(err, "Failed to shut down tracing")
			}
		}()
	}

	manager, err := kvcache.NewManager(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	manager.Run(ctx)
	defer manager.Shutdown(context.Background())

	var scheduler kvcache.Scheduler = manager
	if config.EnableMetrics {
		scheduler = kvcache.NewInstrumentedScheduler(scheduler)
	}
	if config.EnableTracing {
		scheduler = kvcache.NewTracedScheduler(scheduler)
	}

	httpPort := os.Getenv(envHTTPPort)
	if httpPort == "" {
		httpPort = defaultHTTPPort
	}
	server := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           newHandler(ctx, scheduler, config.EnableMetrics),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       1 * time.Minute,
		WriteTimeout:      1 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// loadConfig reads the configuration file, if any, and applies the
// environment overrides.
func loadConfig(path string) (*kvcache.Config, error) {
	config := kvcache.NewDefaultConfig()
	if path != "" {
		var err error
		if config, err = kvcache.LoadConfig(path); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if config.EngineIdentifier == "" {
		config.EngineIdentifier = uuid.NewString()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func envInt(name string, target *int) error {
	value := os.Getenv(name)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	*target = n
	return nil
}

func applyEnv(config *kvcache.Config) error {
	if err := errors.Join(
		envInt(envBlockSize, &config.TokenProcessorConfig.BlockSize),
		envInt(envNumBlocks, &config.AllocatorConfig.BlocksPerGroup),
		envInt(envNumGroups, &config.AllocatorConfig.NumGroups),
		envInt(envMaxTrackedSequences, &config.SequenceConfig.MaxTrackedSequences),
	); err != nil {
		return err
	}

	if hashSeed := os.Getenv(envPythonHashSeed); hashSeed != "" {
		config.TokenProcessorConfig.HashSeed = hashSeed
	}
	if engineID := os.Getenv(envEngineID); engineID != "" {
		config.EngineIdentifier = engineID
	}
	if modelName := os.Getenv(envModelName); modelName != "" {
		config.ModelName = modelName
	}

	if redisAddr := os.Getenv(envRedisAddr); redisAddr != "" {
		config.KVBlockIndexConfig = &kvblock.IndexConfig{
			RedisConfig:   &kvblock.RedisIndexConfig{Address: redisAddr},
			EnableMetrics: config.EnableMetrics,
		}
	}

	if config.EventsConfig != nil {
		if endpoint := os.Getenv(envZMQEndpoint); endpoint != "" {
			config.EventsConfig.PublishEndpoint = endpoint
		}
		if endpoint := os.Getenv(envZMQSubscribe); endpoint != "" {
			config.EventsConfig.SubscribeEndpoint = endpoint
		}
		if err := envInt(envPoolConcurrency, &config.EventsConfig.Concurrency); err != nil {
			return err
		}
	}
	return nil
}
