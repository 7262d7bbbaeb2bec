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

package pipeline

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Definition is the raw, pre-resolution shape of a pipeline YAML file:
// kit shorthands unexpanded, identifiers unvalidated, paths as written
// by the author. Resolve turns a Definition into a Pipeline.
type Definition struct {
	ID          string           `yaml:"id,omitempty"`
	DisplayName string           `yaml:"displayName,omitempty"`
	Steps       []StepDefinition `yaml:"steps"`
}

// StepDefinition is a single step as authored: it may name a kit via
// Uses, in which case Params configures it and the remaining fields are
// merged into the kit's output with user-wins semantics.
type StepDefinition struct {
	ID           string            `yaml:"id,omitempty"`
	DisplayName  string            `yaml:"displayName,omitempty"`
	Uses         string            `yaml:"uses,omitempty"`
	Params       map[string]any    `yaml:"with,omitempty"`
	Image        string            `yaml:"image,omitempty"`
	Cmd          []string          `yaml:"cmd,omitempty"`
	Setup        *SetupDefinition  `yaml:"setup,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	EnvFile      string            `yaml:"envFile,omitempty"`
	Inputs       []InputDefinition `yaml:"inputs,omitempty"`
	OutputPath   string            `yaml:"outputPath,omitempty"`
	Caches       []CacheDefinition `yaml:"caches,omitempty"`
	Mounts       []MountDefinition `yaml:"mounts,omitempty"`
	Sources      []string          `yaml:"sources,omitempty"`
	TimeoutSec   int               `yaml:"timeoutSec,omitempty"`
	AllowFailure bool              `yaml:"allowFailure,omitempty"`
	AllowNetwork bool              `yaml:"allowNetwork,omitempty"`
	Retries      int               `yaml:"retries,omitempty"`
	RetryDelayMs int               `yaml:"retryDelayMs,omitempty"`
	If           string            `yaml:"if,omitempty"`
}

type SetupDefinition struct {
	Cmd          []string `yaml:"cmd"`
	Caches       []string `yaml:"caches,omitempty"`
	AllowNetwork bool     `yaml:"allowNetwork,omitempty"`
}

type InputDefinition struct {
	Step         string `yaml:"step"`
	CopyToOutput bool   `yaml:"copyToOutput,omitempty"`
	Optional     bool   `yaml:"optional,omitempty"`
}

type CacheDefinition struct {
	Name      string `yaml:"name"`
	Path      string `yaml:"path"`
	Exclusive bool   `yaml:"exclusive,omitempty"`
}

type MountDefinition struct {
	Host      string `yaml:"host"`
	Container string `yaml:"container"`
}

// ParseDefinition decodes raw pipeline YAML into a Definition, without
// resolving kits or validating identifiers — that happens in Resolve.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline definition: %w", err)
	}
	return &def, nil
}
