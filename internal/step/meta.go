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

package step

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	pipexerrors "github.com/livingdata-co/pipex/pkg/errors"
)

// InputMeta records which run a step's input mount resolved to and
// where it was mounted, for RunMeta's audit trail.
type InputMeta struct {
	Step      string `json:"step"`
	RunID     string `json:"runId"`
	MountedAs string `json:"mountedAs"`
}

// Meta is written atomically into staging/<runId>/meta.json before
// commit. It is the durable record of exactly what produced a run.
type Meta struct {
	RunID        string            `json:"runId"`
	StepID       string            `json:"stepId"`
	StepName     string            `json:"stepName,omitempty"`
	StartedAt    time.Time         `json:"startedAt"`
	FinishedAt   time.Time         `json:"finishedAt"`
	DurationMs   int64             `json:"durationMs"`
	ExitCode     int               `json:"exitCode"`
	Image        string            `json:"image"`
	Cmd          []string          `json:"cmd"`
	Env          map[string]string `json:"env,omitempty"`
	Inputs       []InputMeta       `json:"inputs,omitempty"`
	Mounts       []MountMeta       `json:"mounts,omitempty"`
	Setup        []string          `json:"setup,omitempty"`
	Caches       []string          `json:"caches,omitempty"`
	AllowNetwork bool              `json:"allowNetwork"`
	Fingerprint  string            `json:"fingerprint"`
	Status       string            `json:"status"`
}

// MountMeta is the recorded shape of a declared bind mount.
type MountMeta struct {
	Host      string `json:"host"`
	Container string `json:"container"`
}

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// writeMeta writes meta.json into a run's staging directory, before
// that directory is renamed into runs/ by CommitRun.
func writeMeta(stagingDir string, meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return &pipexerrors.StorageError{Op: "marshal run meta", Cause: err}
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "meta.json"), data, 0o644); err != nil {
		return &pipexerrors.StorageError{Op: "write run meta", Recoverable: true, Cause: err}
	}
	return nil
}
