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

package kvevents

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

const (
	// DeviceTierGPU is the tier recorded for blocks reported by an engine.
	DeviceTierGPU = "gpu"

	maxPublishRetries = 5
)

// Config holds the configuration for the event processing pool.
type Config struct {
	// PublishEndpoint is the ZMQ address the engine's own events are
	// published to (e.g., "tcp://indexer:5557"). Empty disables publishing.
	PublishEndpoint string `json:"publishEndpoint"`
	// SubscribeEndpoint is the ZMQ address bound to receive peer engines'
	// events (e.g., "tcp://*:5557"). Empty disables the subscriber.
	SubscribeEndpoint string `json:"subscribeEndpoint"`
	// TopicFilter is the ZMQ subscription filter (e.g., "kv@").
	TopicFilter string `json:"topicFilter"`
	// Concurrency is the number of parallel workers to run.
	Concurrency int `json:"concurrency"`
}

// DefaultConfig returns a default configuration for the event processing pool.
func DefaultConfig() *Config {
	return &Config{
		TopicFilter: topicPrefix + "@",
		Concurrency: 4,
	}
}

// Message is an encoded event batch of one engine.
type Message struct {
	Topic   string
	Payload []byte
	// Seq is the sequence number assigned by the publisher.
	Seq uint64
	// EngineIdentifier is the engine that produced the events, extracted
	// from the topic for peer messages.
	EngineIdentifier string
	// ModelName is the name of the model that is associated with this event.
	ModelName string

	// outbound messages originate locally and are published before being
	// digested.
	outbound bool
}

// Pool is a sharded worker pool that publishes and digests event batches.
// Messages of the same engine are handled by the same worker, in order.
type Pool struct {
	queues      []workqueue.TypedRateLimitingInterface[*Message]
	concurrency int
	subscriber  *zmqSubscriber
	publisher   Publisher
	index       kvblock.Index
	wg          sync.WaitGroup
}

// NewPool creates a Pool. index receives the digested events and publisher
// sends local events out; either may be nil.
func NewPool(cfg *Config, index kvblock.Index, publisher Publisher) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	p := &Pool{
		queues:      make([]workqueue.TypedRateLimitingInterface[*Message], concurrency),
		concurrency: concurrency,
		publisher:   publisher,
		index:       index,
	}

	for i := 0; i < p.concurrency; i++ {
		p.queues[i] = workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*Message]())
	}

	if cfg.SubscribeEndpoint != "" {
		p.subscriber = newZMQSubscriber(p, cfg.SubscribeEndpoint, cfg.TopicFilter)
	}
	return p
}

// Start begins the worker pool and the ZMQ subscriber, if configured.
// It is non-blocking.
func (p *Pool) Start(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Starting sharded event processing pool", "workers", p.concurrency,
		"publishing", p.publisher != nil, "subscribing", p.subscriber != nil)

	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go p.worker(ctx, i)
	}

	if p.subscriber != nil {
		go p.subscriber.Start(ctx)
	}
}

// Shutdown drains the queues, stops the workers and closes the publisher.
func (p *Pool) Shutdown(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Shutting down event processing pool...")

	for _, queue := range p.queues {
		queue.ShutDownWithDrain()
	}
	p.wg.Wait()

	if p.publisher != nil {
		if err := p.publisher.Close(); err != nil {
			logger.Error(err, "Failed to close event publisher")
		}
	}
	logger.Info("event processing pool shut down.")
}

// PublishEvents encodes events of the local engine into a batch and queues it
// for publishing and digestion.
func (p *Pool) PublishEvents(ctx context.Context, engineIdentifier, modelName string, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := NewEventBatch(float64(time.Now().UnixMicro())/1e6, events)
	if err != nil {
		return err
	}
	payload, err := msgpack.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal event batch: %w", err)
	}

	klog.FromContext(ctx).V(logging.TRACE).WithName("kvevents.Pool.PublishEvents").
		Info("queueing event batch", "engine", engineIdentifier, "events", len(events))

	p.AddTask(&Message{
		Topic:            Topic(engineIdentifier, modelName),
		Payload:          payload,
		EngineIdentifier: engineIdentifier,
		ModelName:        modelName,
		outbound:         true,
	})
	return nil
}

// AddTask adds a message to the processing queue. The engine identifier
// selects the queue, so messages of one engine are processed in order.
func (p *Pool) AddTask(task *Message) {
	h := fnv.New32a()
	_, err := h.Write([]byte(task.EngineIdentifier))
	if err != nil {
		return
	}

	//nolint:gosec // concurrency is a small positive int
	queueIndex := h.Sum32() % uint32(p.concurrency)
	p.queues[queueIndex].Add(task)
}

// worker is the main processing loop for a single worker goroutine.
func (p *Pool) worker(ctx context.Context, workerIndex int) {
	defer p.wg.Done()
	queue := p.queues[workerIndex]
	for {
		task, shutdown := queue.Get()
		if shutdown {
			return
		}

		func(task *Message) {
			defer queue.Done(task)
			if err := p.processMessage(ctx, task); err != nil {
				if queue.NumRequeues(task) < maxPublishRetries {
					queue.AddRateLimited(task)
					return
				}
				klog.FromContext(ctx).Error(err, "Dropping event batch after retries",
					"topic", task.Topic, "retries", maxPublishRetries)
				p.digest(ctx, task)
			}
			queue.Forget(task)
		}(task)
	}
}

// processMessage publishes outbound messages and digests the batch into the
// index. A publish failure is returned for retry before anything is digested.
func (p *Pool) processMessage(ctx context.Context, msg *Message) error {
	if msg.outbound && p.publisher != nil {
		if err := p.publisher.Publish(ctx, msg); err != nil {
			return err
		}
	}
	p.digest(ctx, msg)
	return nil
}

func (p *Pool) digest(ctx context.Context, msg *Message) {
	if p.index == nil {
		return
	}
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvevents.Pool.digest")

	events, err := DecodeEventBatch(ctx, msg.Payload)
	if err != nil {
		// a poison pill; retrying cannot help
		debugLogger.Error(err, "Failed to decode event batch, dropping message", "topic", msg.Topic)
		return
	}
	debugLogger.Info("Digesting events", "topic", msg.Topic, "seq", msg.Seq, "count", len(events))

	entries := []kvblock.EngineEntry{{EngineIdentifier: msg.EngineIdentifier, DeviceTier: DeviceTierGPU}}
	toKey := func(hash uint64) kvblock.Key {
		return kvblock.Key{ModelName: msg.ModelName, ChunkHash: kvblock.BlockHash(hash)}
	}

	for _, event := range events {
		switch ev := event.(type) {
		case BlockStored:
			if len(ev.BlockHashes) == 0 {
				continue
			}
			if err := p.index.Add(ctx, utils.SliceMap(ev.BlockHashes, toKey), entries); err != nil {
				debugLogger.Error(err, "Failed to add event to index",
					"engine", msg.EngineIdentifier, "event", ev)
			}
		case BlockRemoved:
			for _, hash := range ev.BlockHashes {
				if err := p.index.Evict(ctx, toKey(hash), entries); err != nil {
					debugLogger.Error(err, "Failed to remove event from index",
						"engine", msg.EngineIdentifier, "hash", hash)
				}
			}
		case AllBlocksCleared:
			continue
		default:
			debugLogger.Info("Unknown event", "engine", msg.EngineIdentifier, "event", ev)
		}
	}
}
