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

// Package pipeline decodes a YAML pipeline definition into a fully
// resolved Pipeline: kit expansion, identifier and path validation,
// duplicate detection, and dependency graph construction.
package pipeline

// Mount describes a bind mount from the host into a step's container.
// Host is pipeline-root-relative; Container is absolute.
type Mount struct {
	Host      string `json:"host"`
	Container string `json:"container"`
}

// Cache describes a persistent, workspace-scoped directory mounted into
// a step's container at Path. Exclusive caches are locked for the
// duration of the step (see internal/cachelock); non-exclusive caches
// may be shared by concurrently running steps.
type Cache struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Exclusive bool   `json:"exclusive"`
}

// Setup is an optional phase that runs before a step's main command,
// sharing the same container and caches, typically used to install
// dependencies. Setup's env and caches do not participate in the step's
// fingerprint — only Cmd does (see internal/fingerprint).
type Setup struct {
	Cmd          []string `json:"cmd"`
	Caches       []string `json:"caches,omitempty"`
	AllowNetwork bool     `json:"allowNetwork,omitempty"`
}

// Input references another step's output as a dependency. Step must
// name a known step id unless Optional is set, in which case a missing
// reference is tolerated and the input is simply absent at run time.
type Input struct {
	Step         string `json:"step"`
	CopyToOutput bool   `json:"copyToOutput,omitempty"`
	Optional     bool   `json:"optional,omitempty"`
}

// Step is a fully resolved pipeline step: every kit has been expanded,
// every identifier and path validated, ready for the DAG engine and
// step runner to consume.
type Step struct {
	ID           string            `json:"id"`
	DisplayName  string            `json:"displayName,omitempty"`
	Image        string            `json:"image"`
	Cmd          []string          `json:"cmd"`
	Setup        *Setup            `json:"setup,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	EnvFile      string            `json:"envFile,omitempty"`
	Inputs       []Input           `json:"inputs,omitempty"`
	OutputPath   string            `json:"outputPath"`
	Caches       []Cache           `json:"caches,omitempty"`
	Mounts       []Mount           `json:"mounts,omitempty"`
	Sources      []string          `json:"sources,omitempty"`
	TimeoutSec   int               `json:"timeoutSec,omitempty"`
	AllowFailure bool              `json:"allowFailure,omitempty"`
	AllowNetwork bool              `json:"allowNetwork,omitempty"`
	Retries      int               `json:"retries,omitempty"`
	RetryDelayMs int               `json:"retryDelayMs,omitempty"`
	If           string            `json:"if,omitempty"`
}

// Pipeline is the fully resolved definition: every step expanded and
// validated, ready for graph construction and execution.
type Pipeline struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Root        string `json:"root"`
	Steps       []Step `json:"steps"`
}

// StepByID returns the step with the given id, or false if none exists.
func (p *Pipeline) StepByID(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Dependencies returns the step-id -> dependency-ids map the DAG engine
// builds a graph from: every non-optional input, plus every optional
// input whose target step actually exists in the pipeline.
func (p *Pipeline) Dependencies() map[string][]string {
	deps := make(map[string][]string, len(p.Steps))
	known := make(map[string]struct{}, len(p.Steps))
	for _, s := range p.Steps {
		known[s.ID] = struct{}{}
	}
	for _, s := range p.Steps {
		var ds []string
		for _, in := range s.Inputs {
			if _, ok := known[in.Step]; ok {
				ds = append(ds, in.Step)
			}
		}
		deps[s.ID] = ds
	}
	return deps
}
