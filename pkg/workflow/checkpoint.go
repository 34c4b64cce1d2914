// Copyright 2025 The Ensemble Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Checkpoint captures a run's progress for recovery. Only completed
// nodes carry outputs; everything else is re-dispatched on resume.
type Checkpoint struct {
	RunID       string               `json:"run_id"`
	Fingerprint string               `json:"fingerprint"`
	States      map[string]NodeState `json:"states"`
	Outputs     map[string]string    `json:"outputs"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// ErrCheckpointNotFound is returned when no checkpoint exists for a run.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointStore persists run checkpoints.
type CheckpointStore interface {
	// Save stores the checkpoint, replacing any previous one for the
	// same run.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load returns the checkpoint for a run, or ErrCheckpointNotFound.
	Load(ctx context.Context, runID string) (*Checkpoint, error)

	// Delete removes a run's checkpoint. Deleting a missing checkpoint
	// is not an error.
	Delete(ctx context.Context, runID string) error
}

// InMemoryCheckpointStore keeps checkpoints in process.
type InMemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewInMemoryCheckpointStore returns an empty in-process store.
func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{checkpoints: make(map[string]*Checkpoint)}
}

func (s *InMemoryCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.RunID] = cp.clone()
	return nil
}

func (s *InMemoryCheckpointStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[runID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return cp.clone(), nil
}

func (s *InMemoryCheckpointStore) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, runID)
	return nil
}

func (cp *Checkpoint) clone() *Checkpoint {
	out := &Checkpoint{
		RunID:       cp.RunID,
		Fingerprint: cp.Fingerprint,
		States:      make(map[string]NodeState, len(cp.States)),
		Outputs:     make(map[string]string, len(cp.Outputs)),
		UpdatedAt:   cp.UpdatedAt,
	}
	for k, v := range cp.States {
		out.States[k] = v
	}
	for k, v := range cp.Outputs {
		out.Outputs[k] = v
	}
	return out
}

var _ CheckpointStore = (*InMemoryCheckpointStore)(nil)
