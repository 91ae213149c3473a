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
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

const topicPrefix = "kv"

// Topic returns the ZMQ topic of an engine's events: kv@<engine-id>@<model>.
func Topic(engineIdentifier, modelName string) string {
	return topicPrefix + "@" + engineIdentifier + "@" + modelName
}

// ParseTopic extracts the engine identifier and model name from a topic.
func ParseTopic(topic string) (engineIdentifier, modelName string, ok bool) {
	parts := strings.Split(topic, "@")
	if len(parts) != 3 || parts[0] != topicPrefix {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// NewEventBatch encodes every event as a tagged union and wraps them in a
// batch stamped with ts (seconds since the epoch).
func NewEventBatch(ts float64, events []Event) (*EventBatch, error) {
	batch := &EventBatch{TS: ts, Events: make([]msgpack.RawMessage, 0, len(events))}
	for _, ev := range events {
		raw, err := msgpack.Marshal(ev.ToTaggedUnion())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %T event: %w", ev, err)
		}
		batch.Events = append(batch.Events, raw)
	}
	return batch, nil
}

// DecodeEventBatch decodes a msgpack event batch. Malformed or unknown events
// are logged and skipped; only an undecodable batch is an error.
func DecodeEventBatch(ctx context.Context, payload []byte) ([]Event, error) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvevents.DecodeEventBatch")

	var batch EventBatch
	if err := msgpack.Unmarshal(payload, &batch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event batch: %w", err)
	}

	events := make([]Event, 0, len(batch.Events))
	for _, raw := range batch.Events {
		ev, err := decodeEvent(raw)
		if err != nil {
			debugLogger.Error(err, "Skipping event")
			continue
		}
		if ev == nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// decodeEvent decodes an array-like tagged union. It returns a nil event for
// unknown tags.
func decodeEvent(raw msgpack.RawMessage) (Event, error) {
	var taggedUnion []msgpack.RawMessage
	if err := msgpack.Unmarshal(raw, &taggedUnion); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tagged union: %w", err)
	}
	if len(taggedUnion) < 1 {
		return nil, fmt.Errorf("malformed tagged union: no tag element")
	}

	var tag string
	if err := msgpack.Unmarshal(taggedUnion[0], &tag); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tag: %w", err)
	}

	// re-marshal the fields as an array payload for the typed decoders
	payload, err := msgpack.Marshal(taggedUnion[1:])
	if err != nil {
		return nil, fmt.Errorf("failed to re-marshal %s payload: %w", tag, err)
	}

	var ev Event
	switch tag {
	case BlockStoredEventTag:
		var bs BlockStored
		err = msgpack.Unmarshal(payload, &bs)
		ev = bs
	case BlockRemovedEventTag:
		var br BlockRemoved
		err = msgpack.Unmarshal(payload, &br)
		ev = br
	case AllBlocksClearedEventTag:
		ev = AllBlocksCleared{}
	default:
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", tag, err)
	}
	return ev, nil
}
