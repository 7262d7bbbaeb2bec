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

// Package aggregator reconstructs the current state of one pipeline job
// purely from the event stream it emits, with no access to the runner
// or workspace themselves. An Aggregator is an event.Publisher, so it
// subscribes to a Reporter exactly like a durable log or a daemon
// connection would.
package aggregator

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/livingdata-co/pipex/internal/event"
)

// StepStatus is the lifecycle state of one step within a session, as
// observed from events alone.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSkipped   StepStatus = "skipped"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// StepState is one step's reconstructed progress.
type StepState struct {
	ID           string           `json:"id"`
	DisplayName  string           `json:"displayName,omitempty"`
	Status       StepStatus       `json:"status"`
	RunID        string           `json:"runId,omitempty"`
	SkipReason   event.SkipReason `json:"skipReason,omitempty"`
	Attempt      int              `json:"attempt,omitempty"`
	ExitCode     int              `json:"exitCode,omitempty"`
	DurationMs   int64            `json:"durationMs,omitempty"`
	ArtifactSize int64            `json:"artifactSize,omitempty"`
}

// SessionStatus is the overall job status.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionSucceeded SessionStatus = "succeeded"
	SessionFailed    SessionStatus = "failed"
)

// SessionState is an immutable snapshot of a job's progress, safe to
// marshal and hand to a client with no aliasing into the Aggregator's
// internal state.
type SessionState struct {
	JobID        string                `json:"jobId"`
	WorkspaceID  string                `json:"workspaceId"`
	PipelineName string                `json:"pipelineName,omitempty"`
	Status       SessionStatus         `json:"status"`
	Steps        map[string]StepState  `json:"steps"`
	StartedAt    time.Time             `json:"startedAt"`
	FinishedAt   time.Time             `json:"finishedAt,omitempty"`
}

// Aggregator replays a single job's events into a SessionState. It is
// safe for concurrent Publish and Snapshot calls.
type Aggregator struct {
	mu    sync.RWMutex
	state SessionState
}

// New returns an Aggregator seeded with the steps in scope for jobID,
// all pending. StartedAt is filled in once the job's PIPELINE_START
// event is published, from that envelope's own Timestamp.
func New(workspaceID, jobID string) *Aggregator {
	return &Aggregator{state: SessionState{
		JobID:       jobID,
		WorkspaceID: workspaceID,
		Status:      SessionRunning,
		Steps:       make(map[string]StepState),
	}}
}

// envelopeTime parses an Envelope's Timestamp, the RFC3339Nano string
// the Reporter stamps at emit time. A malformed timestamp falls back
// to the current time rather than leaving the session state zero.
func envelopeTime(env event.Envelope) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	if err != nil {
		return time.Now().UTC()
	}
	return ts
}

// Publish implements event.Publisher, folding one envelope into the
// session's reconstructed state.
func (a *Aggregator) Publish(env event.Envelope) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch env.Type {
	case event.TypePipelineStart:
		var e event.PipelineStart
		if json.Unmarshal(env.Event, &e) == nil {
			a.state.PipelineName = e.PipelineName
			a.state.StartedAt = envelopeTime(env)
			for _, s := range e.Steps {
				a.state.Steps[s.ID] = StepState{ID: s.ID, DisplayName: s.DisplayName, Status: StepPending}
			}
		}
	case event.TypeStepStarting:
		var e event.StepStarting
		if json.Unmarshal(env.Event, &e) == nil {
			st := a.state.Steps[e.Step.ID]
			st.ID, st.DisplayName, st.Status = e.Step.ID, e.Step.DisplayName, StepRunning
			a.state.Steps[e.Step.ID] = st
		}
	case event.TypeStepRetrying:
		var e event.StepRetrying
		if json.Unmarshal(env.Event, &e) == nil {
			st := a.state.Steps[e.Step.ID]
			st.ID, st.DisplayName, st.Status, st.Attempt = e.Step.ID, e.Step.DisplayName, StepRunning, e.Attempt
			a.state.Steps[e.Step.ID] = st
		}
	case event.TypeStepSkipped:
		var e event.StepSkipped
		if json.Unmarshal(env.Event, &e) == nil {
			st := a.state.Steps[e.Step.ID]
			st.ID, st.DisplayName = e.Step.ID, e.Step.DisplayName
			st.Status, st.RunID, st.SkipReason = StepSkipped, e.RunID, e.Reason
			a.state.Steps[e.Step.ID] = st
		}
	case event.TypeStepFinished:
		var e event.StepFinished
		if json.Unmarshal(env.Event, &e) == nil {
			st := a.state.Steps[e.Step.ID]
			st.ID, st.DisplayName = e.Step.ID, e.Step.DisplayName
			st.Status, st.RunID, st.DurationMs, st.ArtifactSize = StepSucceeded, e.RunID, e.DurationMs, e.ArtifactSize
			a.state.Steps[e.Step.ID] = st
		}
	case event.TypeStepFailed:
		var e event.StepFailed
		if json.Unmarshal(env.Event, &e) == nil {
			st := a.state.Steps[e.Step.ID]
			st.ID, st.DisplayName = e.Step.ID, e.Step.DisplayName
			st.Status, st.ExitCode = StepFailed, e.ExitCode
			a.state.Steps[e.Step.ID] = st
		}
	case event.TypePipelineFinished:
		a.state.Status = SessionSucceeded
		a.state.FinishedAt = envelopeTime(env)
	case event.TypePipelineFailed:
		a.state.Status = SessionFailed
		a.state.FinishedAt = envelopeTime(env)
	}
}

// Snapshot returns a deep copy of the current session state, safe for
// a caller to marshal or hold onto after the Aggregator moves on.
func (a *Aggregator) Snapshot() SessionState {
	a.mu.RLock()
	defer a.mu.RUnlock()

	steps := make(map[string]StepState, len(a.state.Steps))
	for k, v := range a.state.Steps {
		steps[k] = v
	}
	snap := a.state
	snap.Steps = steps
	return snap
}
