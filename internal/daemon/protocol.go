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

// Package daemon serves a single workspace over a local Unix-domain
// socket: one pipeline run active at a time, fanned out to every
// connected subscriber as newline-delimited JSON.
package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/livingdata-co/pipex/internal/aggregator"
	"github.com/livingdata-co/pipex/internal/event"
)

const ProtocolVersion = 1

// CommandType identifies a client->server message.
type CommandType string

const (
	CommandRun       CommandType = "run"
	CommandStatus    CommandType = "status"
	CommandSubscribe CommandType = "subscribe"
	CommandCancel    CommandType = "cancel"
)

// RunOptions mirrors internal/runner.Options over the wire; Target,
// Force, DryRun, Ephemeral, and Env all pass straight through.
type RunOptions struct {
	Target      []string          `json:"target,omitempty"`
	Concurrency int               `json:"concurrency,omitempty"`
	Force       bool              `json:"force,omitempty"`
	DryRun      bool              `json:"dryRun,omitempty"`
	Ephemeral   bool              `json:"ephemeral,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// Command is one line sent from client to server.
type Command struct {
	Type CommandType `json:"type"`

	// Pipeline is the raw YAML source of the pipeline definition,
	// present on CommandRun.
	Pipeline string `json:"pipeline,omitempty"`
	// Root is the pipeline-relative filesystem root CommandRun resolves
	// mounts and env files against.
	Root    string      `json:"root,omitempty"`
	Options *RunOptions `json:"options,omitempty"`

	// Logs opts a CommandSubscribe connection into receiving STEP_LOG
	// events; omitted, only the durable event types are forwarded.
	Logs bool `json:"logs,omitempty"`
}

// MessageType identifies a server->client message.
type MessageType string

const (
	MessageAck   MessageType = "ack"
	MessageState MessageType = "state"
	MessageEvent MessageType = "event"
	MessageDone  MessageType = "done"
	MessageError MessageType = "error"
)

// Error codes returned in Message.Code on MessageError.
const (
	ErrCodeAlreadyRunning   = "ALREADY_RUNNING"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInvalidPipeline  = "INVALID_PIPELINE"
	ErrCodeNoActiveSession  = "NO_ACTIVE_SESSION"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// Message is one line sent from server to client.
type Message struct {
	Type    MessageType             `json:"type"`
	Version int                     `json:"version"`
	JobID   string                  `json:"jobId,omitempty"`
	Session *aggregator.SessionState `json:"session,omitempty"`
	Event   *event.Envelope         `json:"event,omitempty"`
	Success bool                    `json:"success,omitempty"`
	Code    string                  `json:"code,omitempty"`
	Message string                  `json:"message,omitempty"`
}

func ackMessage(jobID string) Message {
	return Message{Type: MessageAck, Version: ProtocolVersion, JobID: jobID}
}

func stateMessage(session *aggregator.SessionState) Message {
	return Message{Type: MessageState, Version: ProtocolVersion, Session: session}
}

func eventMessage(env event.Envelope) Message {
	return Message{Type: MessageEvent, Version: ProtocolVersion, Event: &env}
}

func doneMessage(success bool) Message {
	return Message{Type: MessageDone, Version: ProtocolVersion, Success: success}
}

func errorMessage(code, message string) Message {
	return Message{Type: MessageError, Version: ProtocolVersion, Code: code, Message: message}
}

// parseCommand decodes one NDJSON line into a Command. A malformed line
// is reported via the returned error, never panics — the caller is
// expected to skip it and keep reading the connection.
func parseCommand(line []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return Command{}, fmt.Errorf("parse command: %w", err)
	}
	return cmd, nil
}
