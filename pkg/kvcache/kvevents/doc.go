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

// Package kvevents carries KV-cache events between engines and residency
// indexes. The block manager emits BlockStored and BlockRemoved events as its
// prefix cache changes; a Pool encodes them in the vLLM msgpack wire format,
// publishes them over ZMQ and digests them into a kvblock.Index. The same
// pool can subscribe to the events of peer engines so that the index tracks
// a whole fleet.
package kvevents
