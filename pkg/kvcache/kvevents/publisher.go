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
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

// Publisher delivers encoded event batches to remote subscribers.
type Publisher interface {
	// Publish sends msg and assigns its sequence number.
	Publish(ctx context.Context, msg *Message) error
	// Close releases the publisher's resources.
	Close() error
}

// ZMQPublisher sends event batches over a ZMQ PUB socket as three frames:
// topic, big-endian sequence number and payload.
type ZMQPublisher struct {
	mu       sync.Mutex
	socket   *zmq.Socket
	endpoint string
	seq      uint64
}

var _ Publisher = &ZMQPublisher{}

// NewZMQPublisher creates a PUB socket connected to endpoint
// (e.g., "tcp://indexer:5557").
func NewZMQPublisher(endpoint string) (*ZMQPublisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ PUB socket: %w", err)
	}

	if err := socket.Connect(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	return &ZMQPublisher{
		socket:   socket,
		endpoint: endpoint,
	}, nil
}

// Publish implements Publisher. ZMQ sockets are not thread-safe, so sends are
// serialized.
func (p *ZMQPublisher) Publish(ctx context.Context, msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.socket == nil {
		return fmt.Errorf("publisher for %s is closed", p.endpoint)
	}

	p.seq++
	msg.Seq = p.seq
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, msg.Seq)

	if _, err := p.socket.SendMessage(msg.Topic, seqBytes, msg.Payload); err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", msg.Topic, err)
	}

	klog.FromContext(ctx).V(logging.TRACE).WithName("kvevents.ZMQPublisher.Publish").
		Info("Published event batch", "topic", msg.Topic, "seq", msg.Seq, "endpoint", p.endpoint)
	return nil
}

// Close implements Publisher.
func (p *ZMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.socket != nil {
		err := p.socket.Close()
		p.socket = nil
		return err
	}
	return nil
}
