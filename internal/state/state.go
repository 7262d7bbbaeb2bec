// Copyright 2025 Tom Barlow
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

// Package state persists the workspace's cache table: which run id and
// fingerprint each step last succeeded with. It is the thing the step
// runner's cache check consults.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	pipexerrors "github.com/livingdata-co/pipex/pkg/errors"
)

// Step is one entry of the cache table.
type Step struct {
	RunID       string `json:"runId"`
	Fingerprint string `json:"fingerprint"`
}

// document is the on-disk shape of state.json.
type document struct {
	Steps map[string]Step `json:"steps"`
}

// Store is the in-memory, mutable view of state.json for one workspace.
// It is safe for concurrent use; callers that want a point-in-time
// snapshot should call Load, mutate a returned copy, and Save.
type Store struct {
	path string

	mu    sync.RWMutex
	steps map[string]Step
}

// Load reads state.json at path, treating a missing file as an empty
// store (a brand-new workspace has no cache table yet).
func Load(path string) (*Store, error) {
	s := &Store{path: path, steps: make(map[string]Step)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, &pipexerrors.StorageError{Op: "load state.json", Cause: err}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &pipexerrors.StorageError{Op: "parse state.json", Cause: err}
	}
	if doc.Steps != nil {
		s.steps = doc.Steps
	}
	return s, nil
}

// Save writes state.json atomically: write to a temp file in the same
// directory, then rename over the destination, so a crash mid-write
// never leaves a half-written state.json behind.
func (s *Store) Save() error {
	s.mu.RLock()
	doc := document{Steps: make(map[string]Step, len(s.steps))}
	for k, v := range s.steps {
		doc.Steps[k] = v
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &pipexerrors.StorageError{Op: "marshal state.json", Cause: err}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &pipexerrors.StorageError{Op: "create state directory", Cause: err}
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return &pipexerrors.StorageError{Op: "create temp state file", Cause: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &pipexerrors.StorageError{Op: "write temp state file", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &pipexerrors.StorageError{Op: "close temp state file", Cause: err}
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return &pipexerrors.StorageError{Op: "rename temp state file", Cause: err}
	}
	return nil
}

// GetStep returns the recorded run for stepID, if any.
func (s *Store) GetStep(stepID string) (Step, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[stepID]
	return step, ok
}

// SetStep records the run id and fingerprint a step last succeeded
// with. An empty fingerprint is used deliberately for allowFailure
// commits so the next build never treats that run as a cache hit.
func (s *Store) SetStep(stepID string, step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[stepID] = step
}

// RemoveStep deletes a step's cache entry, if present.
func (s *Store) RemoveStep(stepID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.steps, stepID)
}

// ListSteps returns a snapshot copy of all recorded steps. Iteration
// order of the underlying map is never semantic.
func (s *Store) ListSteps() map[string]Step {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Step, len(s.steps))
	for k, v := range s.steps {
		out[k] = v
	}
	return out
}

// ActiveRunIDs returns the set of run ids currently referenced by the
// cache table, used by PruneRuns to decide what is safe to delete.
func (s *Store) ActiveRunIDs() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.steps))
	for _, v := range s.steps {
		if v.RunID != "" {
			out[v.RunID] = struct{}{}
		}
	}
	return out
}
