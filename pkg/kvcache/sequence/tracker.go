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

// Package sequence tracks the per-sequence state of the engine: token
// counters, block tables, prefix-cache holds and fingerprint chains.
package sequence

import (
	"errors"
	"fmt"
	"slices"
)

// ErrTrackerFull is returned when a new sequence would exceed the configured
// capacity.
var ErrTrackerFull = errors.New("sequence tracker is full")

const defaultMaxTrackedSequences = 2048

// Config holds the configuration of the sequence tracker.
type Config struct {
	// MaxTrackedSequences bounds the number of live sequences.
	MaxTrackedSequences int `json:"maxTrackedSequences"`
}

// DefaultConfig returns a default configuration for the tracker.
func DefaultConfig() *Config {
	return &Config{MaxTrackedSequences: defaultMaxTrackedSequences}
}

// Tracker maps sequence ids to descriptors. It is not safe for concurrent
// use.
type Tracker struct {
	seqs map[uint64]*Descriptor
	max  int
}

// NewTracker creates an empty tracker.
func NewTracker(cfg *Config) (*Tracker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxTrackedSequences <= 0 {
		return nil, fmt.Errorf("invalid max tracked sequences: %d", cfg.MaxTrackedSequences)
	}
	return &Tracker{
		seqs: make(map[uint64]*Descriptor),
		max:  cfg.MaxTrackedSequences,
	}, nil
}

// Get returns the descriptor of uid, or nil if it is not tracked.
func (t *Tracker) Get(uid uint64) *Descriptor {
	return t.seqs[uid]
}

// GetOrCreate returns the descriptor of uid, creating it if needed. created
// reports whether a new descriptor was made.
func (t *Tracker) GetOrCreate(uid uint64) (d *Descriptor, created bool, err error) {
	if d, ok := t.seqs[uid]; ok {
		return d, false, nil
	}
	if len(t.seqs) >= t.max {
		return nil, false, fmt.Errorf("%w: %d sequences tracked", ErrTrackerFull, len(t.seqs))
	}
	d = newDescriptor(uid)
	t.seqs[uid] = d
	return d, true, nil
}

// Remove stops tracking uid and returns its descriptor, or nil.
func (t *Tracker) Remove(uid uint64) *Descriptor {
	d, ok := t.seqs[uid]
	if !ok {
		return nil
	}
	delete(t.seqs, uid)
	return d
}

// Len returns the number of tracked sequences.
func (t *Tracker) Len() int {
	return len(t.seqs)
}

// Max returns the tracker capacity.
func (t *Tracker) Max() int {
	return t.max
}

// Range calls fn for every tracked sequence in ascending uid order until fn
// returns false.
func (t *Tracker) Range(fn func(d *Descriptor) bool) {
	uids := make([]uint64, 0, len(t.seqs))
	for uid := range t.seqs {
		uids = append(uids, uid)
	}
	slices.Sort(uids)

	for _, uid := range uids {
		if !fn(t.seqs[uid]) {
			return
		}
	}
}
