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
	"errors"
	"fmt"
	"os"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/admission"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/allocator"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/sequence"
)

const defaultModelName = "default"

// Config holds the configuration for the Manager.
// The configuration covers the different components found in the Manager.
type Config struct {
	// EngineIdentifier names this engine in KV events and index entries.
	EngineIdentifier string `json:"engineIdentifier"`
	// ModelName is the model served by this engine.
	ModelName string `json:"modelName"`

	TokenProcessorConfig *kvblock.TokenProcessorConfig `json:"tokenProcessorConfig"`
	AllocatorConfig      *allocator.Config             `json:"allocatorConfig"`
	SequenceConfig       *sequence.Config              `json:"sequenceConfig"`
	AdmissionConfig      *admission.Config             `json:"admissionConfig"`
	// KVBlockIndexConfig enables the residency index used for scoring when set.
	KVBlockIndexConfig  *kvblock.IndexConfig `json:"kvBlockIndexConfig"`
	KVBlockScorerConfig *KVBlockScorerConfig `json:"kvBlockScorerConfig"`
	// EventsConfig enables KV event processing when set.
	EventsConfig *kvevents.Config `json:"eventsConfig"`

	// EnableMetrics registers the prometheus collectors.
	EnableMetrics bool `json:"enableMetrics"`
	// MetricsLoggingInterval enables the periodic metrics log when positive.
	MetricsLoggingInterval metav1.Duration `json:"metricsLoggingInterval"`
	// EnableTracing wraps the scheduler in OpenTelemetry spans.
	EnableTracing bool `json:"enableTracing"`
}

// NewDefaultConfig returns a default configuration for the Manager.
func NewDefaultConfig() *Config {
	return &Config{
		ModelName:            defaultModelName,
		TokenProcessorConfig: kvblock.DefaultTokenProcessorConfig(),
		AllocatorConfig:      allocator.DefaultConfig(),
		SequenceConfig:       sequence.DefaultConfig(),
		AdmissionConfig:      admission.DefaultConfig(),
		KVBlockIndexConfig:   kvblock.DefaultIndexConfig(),
		KVBlockScorerConfig:  DefaultKVBlockScorerConfig(),
		EventsConfig:         kvevents.DefaultConfig(),
		EnableMetrics:        true,
	}
}

// LoadConfig reads a YAML or JSON configuration file on top of the defaults.
// Unknown fields are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the limits that the components cannot default.
func (c *Config) Validate() error {
	var errs []error
	if c.ModelName == "" {
		errs = append(errs, errors.New("modelName must be set"))
	}
	if c.TokenProcessorConfig == nil || c.TokenProcessorConfig.BlockSize <= 0 {
		errs = append(errs, errors.New("tokenProcessorConfig.blockSize must be positive"))
	}
	if c.AllocatorConfig == nil || c.AllocatorConfig.NumGroups <= 0 || c.AllocatorConfig.BlocksPerGroup <= 0 {
		errs = append(errs, errors.New("allocatorConfig.numGroups and blocksPerGroup must be positive"))
	}
	if c.SequenceConfig == nil || c.SequenceConfig.MaxTrackedSequences <= 0 {
		errs = append(errs, errors.New("sequenceConfig.maxTrackedSequences must be positive"))
	}
	if c.AdmissionConfig == nil || c.AdmissionConfig.MaxRaggedSequenceCount <= 0 ||
		c.AdmissionConfig.MaxRaggedBatchSize <= 0 {
		errs = append(errs, errors.New("admissionConfig limits must be positive"))
	}
	if c.MetricsLoggingInterval.Duration < 0 {
		errs = append(errs, errors.New("metricsLoggingInterval must not be negative"))
	}
	return errors.Join(errs...)
}
