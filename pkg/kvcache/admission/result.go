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

package admission

// SchedulingResult classifies the outcome of an admission check.
type SchedulingResult int

const (
	// Success means the batch fits every limit.
	Success SchedulingResult = iota
	// BatchSequenceLimitExceeded means the batch has too many entries.
	BatchSequenceLimitExceeded
	// KVCacheLimitExceeded means the KV cache cannot hold the batch.
	KVCacheLimitExceeded
	// BatchTokenLimitExceeded means the batch has too many tokens.
	BatchTokenLimitExceeded
	// EngineSequenceLimitExceeded means the batch would track too many
	// sequences.
	EngineSequenceLimitExceeded
)

var resultNames = map[SchedulingResult]string{
	Success:                     "Success",
	BatchSequenceLimitExceeded:  "BatchSequenceLimitExceeded",
	KVCacheLimitExceeded:        "KVCacheLimitExceeded",
	BatchTokenLimitExceeded:     "BatchTokenLimitExceeded",
	EngineSequenceLimitExceeded: "EngineSequenceLimitExceeded",
}

func (r SchedulingResult) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return "Unknown"
}

// MarshalText encodes the result by name.
func (r SchedulingResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}
