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
	"encoding/binary"
	"time"

	zmq "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

const (
	// How long to wait before rebinding after a socket failure.
	retryInterval = 5 * time.Second
	// How often the poller times out to check for context cancellation.
	pollTimeout = 250 * time.Millisecond
)

// zmqSubscriber binds a SUB socket for peer engines' events and forwards
// them to the pool.
type zmqSubscriber struct {
	pool        *Pool
	endpoint    string
	topicFilter string
}

func newZMQSubscriber(pool *Pool, endpoint, topicFilter string) *zmqSubscriber {
	return &zmqSubscriber{
		pool:        pool,
		endpoint:    endpoint,
		topicFilter: topicFilter,
	}
}

// Start receives messages until ctx is canceled, rebinding after failures.
func (z *zmqSubscriber) Start(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("zmq-subscriber")

	for {
		z.run(ctx)

		select {
		case <-time.After(retryInterval):
			logger.Info("retrying zmq-subscriber")
		case <-ctx.Done():
			logger.Info("shutting down zmq-subscriber")
			return
		}
	}
}

func (z *zmqSubscriber) run(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("zmq-subscriber")
	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		logger.Error(err, "Failed to create subscriber socket")
		return
	}
	defer sub.Close()

	if err := sub.Bind(z.endpoint); err != nil {
		logger.Error(err, "Failed to bind subscriber socket", "endpoint", z.endpoint)
		return
	}
	if err := sub.SetSubscribe(z.topicFilter); err != nil {
		logger.Error(err, "Failed to subscribe to topic filter", "topic", z.topicFilter)
		return
	}
	logger.Info("Bound subscriber socket", "endpoint", z.endpoint, "topic", z.topicFilter)

	poller := zmq.NewPoller()
	poller.Add(sub, zmq.POLLIN)
	debugLogger := logger.V(logging.DEBUG)

	for ctx.Err() == nil {
		polled, err := poller.Poll(pollTimeout)
		if err != nil {
			debugLogger.Error(err, "Failed to poll zmq subscriber", "endpoint", z.endpoint)
			return
		}
		if len(polled) == 0 {
			continue
		}

		parts, err := sub.RecvMessageBytes(0)
		if err != nil {
			debugLogger.Error(err, "Failed to receive message from zmq subscriber", "endpoint", z.endpoint)
			return
		}
		if msg, ok := parseFrames(parts); ok {
			z.pool.AddTask(msg)
		} else {
			debugLogger.Info("Dropping malformed message, expected kv@<engine-id>@<model> topic, seq and payload",
				"frames", len(parts))
		}
	}
}

// parseFrames turns [topic, seq, payload] frames into a peer message.
func parseFrames(parts [][]byte) (*Message, bool) {
	if len(parts) != 3 || len(parts[1]) != 8 {
		return nil, false
	}
	topic := string(parts[0])
	engineIdentifier, modelName, ok := ParseTopic(topic)
	if !ok {
		return nil, false
	}

	return &Message{
		Topic:            topic,
		Payload:          parts[2],
		Seq:              binary.BigEndian.Uint64(parts[1]),
		EngineIdentifier: engineIdentifier,
		ModelName:        modelName,
	}, true
}
