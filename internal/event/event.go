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

// Package event defines the tagged-union events a pipeline run emits,
// and the envelope the stream reporter wraps them in for subscribers.
package event

import "encoding/json"

// Type identifies an event variant.
type Type string

const (
	TypePipelineStart    Type = "PIPELINE_START"
	TypeStepStarting     Type = "STEP_STARTING"
	TypeStepSkipped      Type = "STEP_SKIPPED"
	TypeStepFinished     Type = "STEP_FINISHED"
	TypeStepFailed       Type = "STEP_FAILED"
	TypeStepRetrying     Type = "STEP_RETRYING"
	TypeStepWouldRun     Type = "STEP_WOULD_RUN"
	TypeStepLog          Type = "STEP_LOG"
	TypePipelineFinished Type = "PIPELINE_FINISHED"
	TypePipelineFailed   Type = "PIPELINE_FAILED"
)

// SkipReason enumerates why a step was skipped.
type SkipReason string

const (
	SkipReasonCached    SkipReason = "cached"
	SkipReasonCondition SkipReason = "condition"
	SkipReasonDependency SkipReason = "dependency"
)

// Stream identifies which of a step's output streams a log line came
// from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Header is embedded in every event.
type Header struct {
	Event       Type   `json:"event"`
	WorkspaceID string `json:"workspaceId"`
	JobID       string `json:"jobId"`
	GroupID     string `json:"groupId,omitempty"`
}

// StepRef is the minimal step identity carried by most events.
type StepRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// PipelineStart announces which steps are in scope for this job, in
// pipeline-declaration order.
type PipelineStart struct {
	Header
	PipelineName string    `json:"pipelineName,omitempty"`
	Steps        []StepRef `json:"steps"`
}

// StepStarting announces a step has begun executing (after cache,
// condition, and dry-run checks all pass through).
type StepStarting struct {
	Header
	Step StepRef `json:"step"`
}

// StepSkipped announces a step was not executed, and why.
type StepSkipped struct {
	Header
	Step   StepRef    `json:"step"`
	RunID  string     `json:"runId,omitempty"`
	Reason SkipReason `json:"reason"`
}

// StepFinished announces a step completed (successfully, or as an
// allowed failure) and committed a run.
type StepFinished struct {
	Header
	Step         StepRef `json:"step"`
	RunID        string  `json:"runId,omitempty"`
	DurationMs   int64   `json:"durationMs,omitempty"`
	ArtifactSize int64   `json:"artifactSize,omitempty"`
	Ephemeral    bool    `json:"ephemeral,omitempty"`
}

// StepFailed announces a step's container exited non-zero and the
// failure was not tolerated by allowFailure.
type StepFailed struct {
	Header
	Step     StepRef `json:"step"`
	ExitCode int     `json:"exitCode"`
}

// StepRetrying announces the step runner is about to retry after a
// transient executor error.
type StepRetrying struct {
	Header
	Step       StepRef `json:"step"`
	Attempt    int     `json:"attempt"`
	MaxRetries int     `json:"maxRetries"`
}

// StepWouldRun announces what a dry run would have executed, without
// staging anything.
type StepWouldRun struct {
	Header
	Step StepRef `json:"step"`
}

// StepLog carries one line of a step's stdout or stderr. Excluded from
// the durable event stream — stdout.log/stderr.log on disk are the
// canonical record — but still delivered to live subscribers.
type StepLog struct {
	Header
	Step   StepRef `json:"step"`
	Stream Stream  `json:"stream"`
	Line   string  `json:"line"`
}

// PipelineFinished announces every active step completed (successfully
// or as a tolerated failure).
type PipelineFinished struct {
	Header
	TotalArtifactSize int64 `json:"totalArtifactSize"`
}

// PipelineFailed announces the job stopped because a step failed
// without allowFailure, or was cancelled.
type PipelineFailed struct {
	Header
}

// Envelope is what the stream reporter actually publishes: a
// monotonically sequenced, versioned wrapper around one event. STEP_LOG
// events never reach a durable stream but still travel through this
// envelope to live subscribers.
type Envelope struct {
	Seq       uint64          `json:"seq"`
	Timestamp string          `json:"timestamp"`
	Version   int             `json:"version"`
	Type      Type            `json:"type"`
	Event     json.RawMessage `json:"event"`
}
